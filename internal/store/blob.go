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
	"fmt"
	"strings"

	"github.com/binsage/binsage/common"
)

// IBlobStore is the content-addressed side of the kernel. Writes are atomic:
// a partially written blob is never observable under its final key.
type IBlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// ErrBlobNotFound distinguishes a missing key from an IO failure.
var ErrBlobNotFound = common.NewCodedError(common.ECodeNotFound, "blob not found")

// Key layout under the store root. Keys embed the job id, so concurrent
// writers never collide in practice.

func UploadKey(sha256 string) string { return "uploads/" + sha256 }

func DecompResultKey(jobID common.JobID) string {
	return fmt.Sprintf("results/decomp/%s.json", jobID)
}

func TranslationResultKey(jobID common.JobID) string {
	return fmt.Sprintf("results/translation/%s.json", jobID)
}

func SessionKey(id common.SessionID) string {
	return fmt.Sprintf("sessions/%s.json", id)
}

func TmpPrefix(jobID common.JobID) string {
	return fmt.Sprintf("tmp/%s/", jobID)
}

// NewBlobStore picks a backend from the root's scheme: a bare path is the
// local filesystem; azblob://container, s3://endpoint/bucket and gs://bucket
// select the matching cloud backend.
func NewBlobStore(ctx context.Context, root string, cfg common.Config) (IBlobStore, error) {
	switch {
	case strings.HasPrefix(root, "azblob://"):
		return newAzureBlobStore(strings.TrimPrefix(root, "azblob://"))
	case strings.HasPrefix(root, "s3://"):
		return newS3BlobStore(strings.TrimPrefix(root, "s3://"))
	case strings.HasPrefix(root, "gs://"):
		return newGCSBlobStore(ctx, strings.TrimPrefix(root, "gs://"))
	default:
		return NewLocalBlobStore(root)
	}
}
