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

package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/binsage/binsage/common"
)

// Kernel is the storage facade the rest of the service talks to: structured
// rows plus blobs plus the two-phase result write protocol.
type Kernel struct {
	Structured *StructuredStore
	Blobs      IBlobStore
	ttl        time.Duration
}

func NewKernel(structured *StructuredStore, blobs IBlobStore, resultTTL time.Duration) *Kernel {
	return &Kernel{Structured: structured, Blobs: blobs, ttl: resultTTL}
}

// WriteResult persists a result payload using the two-phase protocol: blob
// first (idempotent by key), metadata row second. A crash between the phases
// leaves an orphaned blob which the sweeper's orphan pass reclaims later.
func (k *Kernel) WriteResult(ctx context.Context, key string, jobID common.JobID, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return common.WrapCoded(err, common.ECodeInternal, "encoding result for %s", key)
	}
	if err := k.Blobs.Put(ctx, key, data); err != nil {
		return err
	}
	return k.Structured.TrackBlob(ctx, key, jobID, time.Now().Add(k.ttl))
}

// ReadResult loads a result payload, mapping the row/blob disagreement
// states: untracked key → NotFound; tracked but blob gone or past expiry →
// Expired (the sweeper may be mid-sweep, which readers must tolerate).
func (k *Kernel) ReadResult(ctx context.Context, key string, out interface{}) error {
	tracked, expired, err := k.Structured.BlobExpiry(ctx, key, time.Now())
	if err != nil {
		return err
	}
	if !tracked {
		return common.NewCodedError(common.ECodeNotFound, "no result at %s", key)
	}
	if expired {
		return common.NewCodedError(common.ECodeExpired, "result at %s has expired", key)
	}
	data, err := k.Blobs.Get(ctx, key)
	if err != nil {
		if common.CodeOf(err) == common.ECodeNotFound {
			return common.NewCodedError(common.ECodeExpired, "result at %s has expired", key)
		}
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return common.WrapCoded(err, common.ECodeInternal, "decoding result at %s", key)
	}
	return nil
}

// ReadDecompilationResult is the typed read used by workers and the boundary.
func (k *Kernel) ReadDecompilationResult(ctx context.Context, jobID common.JobID) (*common.DecompilationResult, error) {
	var result common.DecompilationResult
	if err := k.ReadResult(ctx, DecompResultKey(jobID), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ReadTranslationResult mirrors ReadDecompilationResult for translations.
func (k *Kernel) ReadTranslationResult(ctx context.Context, jobID common.JobID) (*common.TranslationResult, error) {
	var result common.TranslationResult
	if err := k.ReadResult(ctx, TranslationResultKey(jobID), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PutUpload stores raw artifact bytes under their content hash.
func (k *Kernel) PutUpload(ctx context.Context, sha256 string, data []byte) error {
	return k.Blobs.Put(ctx, UploadKey(sha256), data)
}

// GetUpload retrieves raw artifact bytes.
func (k *Kernel) GetUpload(ctx context.Context, sha256 string) ([]byte, error) {
	return k.Blobs.Get(ctx, UploadKey(sha256))
}
