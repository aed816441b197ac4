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
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/binsage/binsage/common"
)

// localBlobStore keeps blobs as files under root. Put writes to a temp file
// in the same directory and renames, so readers never see a partial blob.
type localBlobStore struct {
	root string
}

func NewLocalBlobStore(root string) (IBlobStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, common.WrapCoded(err, common.ECodeStorageIO, "creating blob root %s", root)
	}
	return &localBlobStore{root: root}, nil
}

func (l *localBlobStore) path(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(key))
}

func (l *localBlobStore) Put(_ context.Context, key string, data []byte) error {
	final := l.path(key)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return common.WrapCoded(err, common.ECodeStorageIO, "creating dir for %s", key)
	}
	// Temp file must land in the same directory as the target or the rename
	// stops being atomic across filesystems.
	tmp := final + ".tmp." + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return common.WrapCoded(err, common.ECodeStorageIO, "writing temp blob for %s", key)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return common.WrapCoded(err, common.ECodeStorageIO, "committing blob %s", key)
	}
	return nil
}

func (l *localBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(l.path(key))
	if os.IsNotExist(err) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, common.WrapCoded(err, common.ECodeStorageIO, "reading blob %s", key)
	}
	return data, nil
}

func (l *localBlobStore) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(l.path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, common.WrapCoded(err, common.ECodeStorageIO, "stat blob %s", key)
	}
	return true, nil
}

func (l *localBlobStore) Delete(_ context.Context, key string) error {
	err := os.Remove(l.path(key))
	if err != nil && !os.IsNotExist(err) {
		return common.WrapCoded(err, common.ECodeStorageIO, "deleting blob %s", key)
	}
	return nil
}

func (l *localBlobStore) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	start := l.path(prefix)
	walkRoot := start
	if !strings.HasSuffix(prefix, "/") {
		walkRoot = filepath.Dir(start)
	}
	err := filepath.WalkDir(walkRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() || strings.Contains(d.Name(), ".tmp.") {
			return nil
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, common.WrapCoded(err, common.ECodeStorageIO, "listing blobs under %s", prefix)
	}
	return keys, nil
}
