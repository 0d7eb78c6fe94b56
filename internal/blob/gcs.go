package blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCS is a bucket in Google Cloud Storage.
type GCS struct {
	client *storage.Client
	handle *storage.BucketHandle
	bucket string
	prefix string
	owned  bool
}

// NewGCS wraps client. When owned is true, Close closes the client.
func NewGCS(client *storage.Client, bucket, prefix string, owned bool) *GCS {
	return &GCS{
		client: client,
		handle: client.Bucket(bucket),
		bucket: bucket,
		prefix: prefix,
		owned:  owned,
	}
}

func newGCSClient(ctx context.Context, params map[string]string) (*storage.Client, error) {
	var opts []option.ClientOption
	if endpoint := params[ParamEndpoint]; endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint), option.WithoutAuthentication())
	}
	if file := params[ParamCredentialsFile]; file != "" {
		opts = append(opts, option.WithCredentialsFile(file))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return client, nil
}

func (g *GCS) Put(ctx context.Context, key string, data []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	w := g.handle.Object(join(g.prefix, key)).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("put gs://%s/%s: %w", g.bucket, join(g.prefix, key), err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("put gs://%s/%s: %w", g.bucket, join(g.prefix, key), err)
	}
	return nil
}

func (g *GCS) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := g.handle.Object(join(g.prefix, key)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get gs://%s/%s: %w", g.bucket, join(g.prefix, key), err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (g *GCS) Delete(ctx context.Context, key string) error {
	err := g.handle.Object(join(g.prefix, key)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete gs://%s/%s: %w", g.bucket, join(g.prefix, key), err)
	}
	return nil
}

func (g *GCS) Close() error {
	if g.owned {
		return g.client.Close()
	}
	return nil
}
