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
	"reflect"
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EJobStatus = JobStatus(0)

// JobStatus indicates where a Job is in its lifecycle. Completed, Failed and
// Cancelled are terminal; rows in those states are never transitioned again.
type JobStatus uint32

func (JobStatus) Queued() JobStatus    { return JobStatus(0) }
func (JobStatus) Running() JobStatus   { return JobStatus(1) }
func (JobStatus) Completed() JobStatus { return JobStatus(2) }
func (JobStatus) Failed() JobStatus    { return JobStatus(3) }
func (JobStatus) Cancelled() JobStatus { return JobStatus(4) }

func (j JobStatus) IsTerminal() bool {
	return j == j.Completed() || j == j.Failed() || j == j.Cancelled()
}

func (j *JobStatus) Parse(s string) error {
	val, err := EnumHelper{}.Parse(reflect.TypeOf(j), s)
	if err == nil {
		*j = val.(JobStatus)
	}
	return err
}

func (j JobStatus) String() string {
	return EnumHelper{}.String(j, reflect.TypeOf(j))
}

func (j JobStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(j.String())
}

func (j *JobStatus) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return j.Parse(s)
}

// Value/Scan store the status as its text form, matching the conditional
// UPDATEs that compare against literals like 'Queued'.
func (j JobStatus) Value() (driver.Value, error) {
	return j.String(), nil
}

func (j *JobStatus) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		return j.Parse(v)
	case []byte:
		return j.Parse(string(v))
	default:
		return errorf("cannot scan %T into JobStatus", src)
	}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EJobPriority = JobPriority(0)

// JobPriority orders claims within one owner's stream. Default is Normal.
type JobPriority uint8

func (JobPriority) Low() JobPriority    { return JobPriority(0) }
func (JobPriority) Normal() JobPriority { return JobPriority(1) }
func (JobPriority) High() JobPriority   { return JobPriority(2) }

func (p *JobPriority) Parse(s string) error {
	val, err := EnumHelper{}.Parse(reflect.TypeOf(p), s)
	if err == nil {
		*p = val.(JobPriority)
	}
	return err
}

func (p JobPriority) String() string {
	return EnumHelper{}.String(p, reflect.TypeOf(p))
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EBinaryFormat = BinaryFormat(0)

// BinaryFormat is the container format detected for an uploaded executable.
type BinaryFormat uint8

func (BinaryFormat) Unknown() BinaryFormat { return BinaryFormat(0) }
func (BinaryFormat) PE() BinaryFormat      { return BinaryFormat(1) }
func (BinaryFormat) ELF() BinaryFormat     { return BinaryFormat(2) }
func (BinaryFormat) MachO() BinaryFormat   { return BinaryFormat(3) }

func (f *BinaryFormat) Parse(s string) error {
	val, err := EnumHelper{}.Parse(reflect.TypeOf(f), s)
	if err == nil {
		*f = val.(BinaryFormat)
	}
	return err
}

func (f BinaryFormat) String() string {
	return EnumHelper{}.String(f, reflect.TypeOf(f))
}

func (f BinaryFormat) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

func (f *BinaryFormat) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return f.Parse(s)
}

func (f BinaryFormat) Value() (driver.Value, error) {
	return f.String(), nil
}

func (f *BinaryFormat) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		return f.Parse(v)
	case []byte:
		return f.Parse(string(v))
	default:
		return errorf("cannot scan %T into BinaryFormat", src)
	}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EProviderKind = ProviderKind(0)

// ProviderKind selects which LLM client implementation backs a configured
// provider entry. OpenAICompatible also covers Azure OpenAI and self-hosted
// gateways via a user-configured base URL.
type ProviderKind uint8

func (ProviderKind) OpenAICompatible() ProviderKind { return ProviderKind(0) }
func (ProviderKind) Anthropic() ProviderKind        { return ProviderKind(1) }
func (ProviderKind) Gemini() ProviderKind           { return ProviderKind(2) }
func (ProviderKind) Ollama() ProviderKind           { return ProviderKind(3) }

func (k *ProviderKind) Parse(s string) error {
	val, err := EnumHelper{}.Parse(reflect.TypeOf(k), s)
	if err == nil {
		*k = val.(ProviderKind)
	}
	return err
}

func (k ProviderKind) String() string {
	return EnumHelper{}.String(k, reflect.TypeOf(k))
}

func (k *ProviderKind) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return k.Parse(s)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EDetailLevel = DetailLevel(0)

// DetailLevel controls how verbose the requested translations are.
type DetailLevel uint8

func (DetailLevel) Brief() DetailLevel     { return DetailLevel(0) }
func (DetailLevel) Standard() DetailLevel  { return DetailLevel(1) }
func (DetailLevel) Technical() DetailLevel { return DetailLevel(2) }

func (d *DetailLevel) Parse(s string) error {
	val, err := EnumHelper{}.Parse(reflect.TypeOf(d), s)
	if err == nil {
		*d = val.(DetailLevel)
	}
	return err
}

func (d DetailLevel) String() string {
	return EnumHelper{}.String(d, reflect.TypeOf(d))
}

func (d DetailLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *DetailLevel) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return d.Parse(s)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EOperationType = OperationType(0)

// OperationType names the kind of LLM work a prompt template renders for.
type OperationType uint8

func (OperationType) FunctionTranslation() OperationType { return OperationType(0) }
func (OperationType) ImportExplanation() OperationType   { return OperationType(1) }
func (OperationType) OverallSummary() OperationType      { return OperationType(2) }

func (o *OperationType) Parse(s string) error {
	val, err := EnumHelper{}.Parse(reflect.TypeOf(o), s)
	if err == nil {
		*o = val.(OperationType)
	}
	return err
}

func (o OperationType) String() string {
	return EnumHelper{}.String(o, reflect.TypeOf(o))
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var ETranslationStatus = TranslationStatus(0)

// TranslationStatus summarises how much of a translation fan-out succeeded.
type TranslationStatus uint8

func (TranslationStatus) Completed() TranslationStatus { return TranslationStatus(0) }
func (TranslationStatus) Partial() TranslationStatus   { return TranslationStatus(1) }
func (TranslationStatus) Failed() TranslationStatus    { return TranslationStatus(2) }
func (TranslationStatus) Cancelled() TranslationStatus { return TranslationStatus(3) }

func (t *TranslationStatus) Parse(s string) error {
	val, err := EnumHelper{}.Parse(reflect.TypeOf(t), s)
	if err == nil {
		*t = val.(TranslationStatus)
	}
	return err
}

func (t TranslationStatus) String() string {
	return EnumHelper{}.String(t, reflect.TypeOf(t))
}

func (t TranslationStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TranslationStatus) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return t.Parse(s)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var ETier = Tier(0)

// Tier is the admission class attached to an API key; it scales rate limits
// and the pending-job cap.
type Tier uint8

func (Tier) Free() Tier       { return Tier(0) }
func (Tier) Pro() Tier        { return Tier(1) }
func (Tier) Enterprise() Tier { return Tier(2) }

func (t *Tier) Parse(s string) error {
	val, err := EnumHelper{}.Parse(reflect.TypeOf(t), s)
	if err == nil {
		*t = val.(Tier)
	}
	return err
}

func (t Tier) String() string {
	return EnumHelper{}.String(t, reflect.TypeOf(t))
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EBreakerState = BreakerState(0)

// BreakerState mirrors the circuit breaker's three states for reporting.
type BreakerState uint8

func (BreakerState) Closed() BreakerState   { return BreakerState(0) }
func (BreakerState) Open() BreakerState     { return BreakerState(1) }
func (BreakerState) HalfOpen() BreakerState { return BreakerState(2) }

func (b BreakerState) String() string {
	switch b {
	case b.Open():
		return "open"
	case b.HalfOpen():
		return "half-open"
	default:
		return "closed"
	}
}
