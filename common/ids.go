// Copyright © 2017 Microsoft <wastore@microsoft.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package common

import (
	"database/sql/driver"
	"encoding/json"

	"github.com/google/uuid"
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// JobID identifies one decompilation job for its entire lifetime, across
// queue, claim, result blobs and audit rows.
type JobID uuid.UUID

func NewJobID() JobID {
	return JobID(uuid.New())
}

func ParseJobID(s string) (JobID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return JobID{}, err
	}
	return JobID(u), nil
}

func (j JobID) IsEmpty() bool {
	return j == JobID{}
}

func (j JobID) String() string {
	return uuid.UUID(j).String()
}

func (j JobID) MarshalJSON() ([]byte, error) {
	return json.Marshal(j.String())
}

func (j *JobID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseJobID(s)
	if err != nil {
		return err
	}
	*j = parsed
	return nil
}

// Value/Scan let a JobID pass through database/sql as its string form.
func (j JobID) Value() (driver.Value, error) {
	return j.String(), nil
}

func (j *JobID) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		parsed, err := ParseJobID(v)
		if err != nil {
			return err
		}
		*j = parsed
		return nil
	case []byte:
		return j.Scan(string(v))
	default:
		return errorf("cannot scan %T into JobID", src)
	}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// WorkerID identifies one worker process instance. A fresh one is minted at
// worker startup so a restarted worker never inherits stale leases.
type WorkerID string

func NewWorkerID() WorkerID {
	return WorkerID(uuid.NewString())
}

func (w WorkerID) String() string { return string(w) }

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// SessionID identifies one upload session.
type SessionID string

func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

func (s SessionID) String() string { return string(s) }
