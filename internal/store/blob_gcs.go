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
	"io"

	gcs "cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"

	"github.com/binsage/binsage/common"
)

// gcsBlobStore stores blobs in one GCS bucket. Root form: gs://<bucket>.
// GCS object writes only become visible when the writer is closed, so the
// atomicity contract holds without a rename dance.
type gcsBlobStore struct {
	bucket *gcs.BucketHandle
}

func newGCSBlobStore(ctx context.Context, bucket string) (IBlobStore, error) {
	if bucket == "" {
		return nil, common.NewCodedError(common.ECodeValidation, "gs root must be gs://<bucket>")
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, common.WrapCoded(err, common.ECodeStorageIO, "building gcs client")
	}
	return &gcsBlobStore{bucket: client.Bucket(bucket)}, nil
}

func (g *gcsBlobStore) Put(ctx context.Context, key string, data []byte) error {
	w := g.bucket.Object(key).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return common.WrapCoded(err, common.ECodeStorageIO, "writing blob %s", key)
	}
	if err := w.Close(); err != nil {
		return common.WrapCoded(err, common.ECodeStorageIO, "committing blob %s", key)
	}
	return nil
}

func (g *gcsBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := g.bucket.Object(key).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, common.WrapCoded(err, common.ECodeStorageIO, "opening blob %s", key)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, common.WrapCoded(err, common.ECodeStorageIO, "reading blob %s", key)
	}
	return data, nil
}

func (g *gcsBlobStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := g.bucket.Object(key).Attrs(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, common.WrapCoded(err, common.ECodeStorageIO, "probing blob %s", key)
	}
	return true, nil
}

func (g *gcsBlobStore) Delete(ctx context.Context, key string) error {
	err := g.bucket.Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return common.WrapCoded(err, common.ECodeStorageIO, "deleting blob %s", key)
	}
	return nil
}

func (g *gcsBlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := g.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return keys, nil
		}
		if err != nil {
			return nil, common.WrapCoded(err, common.ECodeStorageIO, "listing blobs under %s", prefix)
		}
		keys = append(keys, attrs.Name)
	}
}
