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
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/binsage/binsage/common"
)

// s3BlobStore stores blobs in an S3-compatible bucket. Root form:
// s3://<endpoint>/<bucket>. Credentials come from the standard AWS
// environment variables. Object PUTs are atomic server-side.
type s3BlobStore struct {
	client *minio.Client
	bucket string
}

func newS3BlobStore(root string) (IBlobStore, error) {
	endpoint, bucket, ok := strings.Cut(root, "/")
	if !ok || endpoint == "" || bucket == "" {
		return nil, common.NewCodedError(common.ECodeValidation, "s3 root must be s3://<endpoint>/<bucket>, got %q", root)
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewEnvAWS(),
		Secure: true,
	})
	if err != nil {
		return nil, common.WrapCoded(err, common.ECodeStorageIO, "building s3 client")
	}
	return &s3BlobStore{client: client, bucket: bucket}, nil
}

func (s *s3BlobStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return common.WrapCoded(err, common.ECodeStorageIO, "uploading blob %s", key)
	}
	return nil
}

func (s *s3BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, common.WrapCoded(err, common.ECodeStorageIO, "opening blob %s", key)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrBlobNotFound
		}
		return nil, common.WrapCoded(err, common.ECodeStorageIO, "reading blob %s", key)
	}
	return data, nil
}

func (s *s3BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, common.WrapCoded(err, common.ECodeStorageIO, "probing blob %s", key)
	}
	return true, nil
}

func (s *s3BlobStore) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return common.WrapCoded(err, common.ECodeStorageIO, "deleting blob %s", key)
	}
	return nil
}

func (s *s3BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, common.WrapCoded(obj.Err, common.ECodeStorageIO, "listing blobs under %s", prefix)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}
