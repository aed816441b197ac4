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
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/binsage/binsage/common"
)

// azureBlobStore stores blobs in one Azure Storage container. Root form:
// azblob://<account>/<container>. Block blob commits are atomic on the
// service side, which satisfies the no-partial-write contract directly.
type azureBlobStore struct {
	client    *azblob.Client
	container string
}

func newAzureBlobStore(root string) (IBlobStore, error) {
	account, container, ok := strings.Cut(root, "/")
	if !ok || account == "" || container == "" {
		return nil, common.NewCodedError(common.ECodeValidation, "azblob root must be azblob://<account>/<container>, got %q", root)
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, common.WrapCoded(err, common.ECodeStorageIO, "building azure credential")
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", account)
	client, err := azblob.NewClient(serviceURL, cred, nil)
	if err != nil {
		return nil, common.WrapCoded(err, common.ECodeStorageIO, "building azblob client")
	}
	return &azureBlobStore{client: client, container: container}, nil
}

func (a *azureBlobStore) Put(ctx context.Context, key string, data []byte) error {
	if _, err := a.client.UploadBuffer(ctx, a.container, key, data, nil); err != nil {
		return common.WrapCoded(err, common.ECodeStorageIO, "uploading blob %s", key)
	}
	return nil
}

func (a *azureBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := a.client.DownloadStream(ctx, a.container, key, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, common.WrapCoded(err, common.ECodeStorageIO, "downloading blob %s", key)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, common.WrapCoded(err, common.ECodeStorageIO, "reading blob body %s", key)
	}
	return data, nil
}

func (a *azureBlobStore) Exists(ctx context.Context, key string) (bool, error) {
	blobClient := a.client.ServiceClient().NewContainerClient(a.container).NewBlobClient(key)
	_, err := blobClient.GetProperties(ctx, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, common.WrapCoded(err, common.ECodeStorageIO, "probing blob %s", key)
	}
	return true, nil
}

func (a *azureBlobStore) Delete(ctx context.Context, key string) error {
	_, err := a.client.DeleteBlob(ctx, a.container, key, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return common.WrapCoded(err, common.ECodeStorageIO, "deleting blob %s", key)
	}
	return nil
}

func (a *azureBlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	pager := a.client.NewListBlobsFlatPager(a.container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, common.WrapCoded(err, common.ECodeStorageIO, "listing blobs under %s", prefix)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				keys = append(keys, *item.Name)
			}
		}
	}
	return keys, nil
}
