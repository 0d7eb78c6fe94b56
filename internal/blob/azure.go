package blob

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureClient is the subset of *azblob.Client used by Azure.
type AzureClient interface {
	UploadBuffer(ctx context.Context, containerName, blobName string, buffer []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error)
	DownloadStream(ctx context.Context, containerName, blobName string, o *azblob.DownloadStreamOptions) (azblob.DownloadStreamResponse, error)
	DeleteBlob(ctx context.Context, containerName, blobName string, o *azblob.DeleteBlobOptions) (azblob.DeleteBlobResponse, error)
}

// Azure is a container in Azure Blob Storage.
type Azure struct {
	client    AzureClient
	container string
	prefix    string
}

func NewAzure(client AzureClient, container, prefix string) *Azure {
	return &Azure{client: client, container: container, prefix: prefix}
}

func newAzureClient(params map[string]string) (*azblob.Client, error) {
	conn := params[ParamConnectionString]
	if conn == "" {
		return nil, fmt.Errorf("invalid %s: required for azblob buckets", ParamConnectionString)
	}
	client, err := azblob.NewClientFromConnectionString(conn, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", ParamConnectionString, err)
	}
	return client, nil
}

func (a *Azure) Put(ctx context.Context, key string, data []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if _, err := a.client.UploadBuffer(ctx, a.container, join(a.prefix, key), data, nil); err != nil {
		return fmt.Errorf("put azblob://%s/%s: %w", a.container, join(a.prefix, key), err)
	}
	return nil
}

func (a *Azure) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := a.client.DownloadStream(ctx, a.container, join(a.prefix, key), nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get azblob://%s/%s: %w", a.container, join(a.prefix, key), err)
	}
	defer func() { _ = resp.Body.Close() }()
	return io.ReadAll(resp.Body)
}

func (a *Azure) Delete(ctx context.Context, key string) error {
	_, err := a.client.DeleteBlob(ctx, a.container, join(a.prefix, key), nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("delete azblob://%s/%s: %w", a.container, join(a.prefix, key), err)
	}
	return nil
}

func (a *Azure) Close() error { return nil }
