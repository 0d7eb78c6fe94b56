// Package blob stores opaque objects under string keys. A Bucket is addressed
// by URI: file://, mem://, s3://, gs:// and azblob:// are supported. Keys are
// forward-slash separated and relative to the bucket root.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
)

var (
	ErrNotFound          = errors.New("object not found")
	ErrInvalidKey        = errors.New("invalid object key")
	ErrUnsupportedScheme = errors.New("unsupported bucket scheme")
)

// Params understood by Opener.Open.
const (
	ParamRegion           = "region"
	ParamEndpoint         = "endpoint"
	ParamAccessKeyID     = "access_key_id"
	ParamSecretAccessKey = "secret_access_key"
	ParamCredentialsFile  = "credentials_file"
	ParamConnectionString = "connection_string"
)

// Bucket is a flat object namespace. Implementations must be safe for
// concurrent use.
type Bucket interface {
	// Put stores data under key, replacing any previous object.
	Put(ctx context.Context, key string, data []byte) error
	// Get returns the object stored under key, or an error wrapping ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Close() error
}

// Opener resolves URIs to buckets. Cloud clients left nil are created from
// Params on first use. mem:// buckets with the same URI share their objects
// for the lifetime of the Opener.
type Opener struct {
	Params map[string]string

	S3    S3Client
	GCS   *storage.Client
	Azure AzureClient

	mu  sync.Mutex
	mem map[string]*Mem
}

// Open returns the bucket rooted at uri.
func (o *Opener) Open(ctx context.Context, uri string) (Bucket, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse bucket uri %q: %w", uri, err)
	}
	prefix := strings.Trim(u.Path, "/")

	switch u.Scheme {
	case "file":
		return NewFile(u.Path)
	case "mem":
		return o.memBucket(u.Host + u.Path), nil
	case "s3":
		client := o.S3
		if client == nil {
			if client, err = newS3Client(ctx, o.Params); err != nil {
				return nil, err
			}
		}
		return NewS3(client, u.Host, prefix), nil
	case "gs":
		if o.GCS != nil {
			return NewGCS(o.GCS, u.Host, prefix, false), nil
		}
		client, err := newGCSClient(ctx, o.Params)
		if err != nil {
			return nil, err
		}
		return NewGCS(client, u.Host, prefix, true), nil
	case "azblob":
		client := o.Azure
		if client == nil {
			if client, err = newAzureClient(o.Params); err != nil {
				return nil, err
			}
		}
		return NewAzure(client, u.Host, prefix), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
}

func (o *Opener) memBucket(name string) *Mem {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.mem == nil {
		o.mem = make(map[string]*Mem)
	}
	b, ok := o.mem[name]
	if !ok {
		b = NewMem()
		o.mem[name] = b
	}
	return b
}

func checkKey(key string) error {
	if !fs.ValidPath(key) || key == "." {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}
