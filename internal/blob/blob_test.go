package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// exercise runs the behaviour every bucket shares.
func exercise(t *testing.T, b Bucket) {
	t.Helper()
	ctx := context.Background()

	if _, err := b.Get(ctx, "cam0/zarr.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: got %v, want ErrNotFound", err)
	}
	if err := b.Put(ctx, "cam0/zarr.json", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := b.Put(ctx, "cam0/zarr.json", []byte(`{"a":2}`)); err != nil {
		t.Fatalf("Put replace: %v", err)
	}
	got, err := b.Get(ctx, "cam0/zarr.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"a":2}` {
		t.Errorf("Get = %s", got)
	}
	if err := b.Delete(ctx, "cam0/zarr.json"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := b.Delete(ctx, "cam0/zarr.json"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
	if _, err := b.Get(ctx, "cam0/zarr.json"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete: got %v", err)
	}
	if err := b.Put(ctx, "../escape", nil); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Put ../escape: got %v, want ErrInvalidKey", err)
	}
}

func TestFile(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFile(filepath.Join(dir, "scan000.zarr"))
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	exercise(t, b)

	if err := b.Put(context.Background(), "c/0/0/0", []byte{1, 2}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "scan000.zarr", "c", "0", "0", "0"))
	if err != nil {
		t.Fatalf("object not on disk: %v", err)
	}
	if !bytes.Equal(data, []byte{1, 2}) {
		t.Errorf("disk content = %v", data)
	}
	entries, _ := os.ReadDir(filepath.Join(dir, "scan000.zarr", "c", "0", "0"))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %d entries", len(entries))
	}
}

func TestMem(t *testing.T) {
	exercise(t, NewMem())
}

func TestOpenerSharesMemBuckets(t *testing.T) {
	ctx := context.Background()
	var o Opener
	a, err := o.Open(ctx, "mem://lab/scan000.zarr")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b, _ := o.Open(ctx, "mem://lab/scan000.zarr")
	other, _ := o.Open(ctx, "mem://lab/scan001.zarr")

	if err := a.Put(ctx, "zarr.json", []byte("{}")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := b.Get(ctx, "zarr.json"); err != nil {
		t.Errorf("same uri should share objects: %v", err)
	}
	if _, err := other.Get(ctx, "zarr.json"); !errors.Is(err, ErrNotFound) {
		t.Errorf("different uri should not share objects: %v", err)
	}
}

func TestOpenerFile(t *testing.T) {
	dir := t.TempDir()
	var o Opener
	b, err := o.Open(context.Background(), "file://"+filepath.ToSlash(dir)+"/run.zarr")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f, ok := b.(*File)
	if !ok {
		t.Fatalf("Open returned %T", b)
	}
	if f.Root() != filepath.Join(dir, "run.zarr") {
		t.Errorf("Root = %q", f.Root())
	}
}

func TestOpenerErrors(t *testing.T) {
	ctx := context.Background()
	var o Opener
	if _, err := o.Open(ctx, "ftp://host/x"); !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("ftp: got %v, want ErrUnsupportedScheme", err)
	}
	if _, err := o.Open(ctx, "azblob://container/prefix"); err == nil {
		t.Error("azblob without connection string should fail")
	}
}

type apiError struct{ code string }

func (e *apiError) Error() string                 { return e.code }
func (e *apiError) ErrorCode() string             { return e.code }
func (e *apiError) ErrorMessage() string          { return e.code }
func (e *apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &apiError{code: "NoSuchKey"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Bucket+"/"+*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, *in.Bucket+"/"+*in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3(t *testing.T) {
	client := &fakeS3{objects: make(map[string][]byte)}
	o := Opener{S3: client}
	b, err := o.Open(context.Background(), "s3://lab-bucket/raw/scan000.zarr")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	exercise(t, b)

	if err := b.Put(context.Background(), "zarr.json", []byte("{}")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, ok := client.objects["lab-bucket/raw/scan000.zarr/zarr.json"]; !ok {
		t.Errorf("object keys = %v, want prefixed key", client.objects)
	}
}

type fakeAzure struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func notFound() error {
	return &azcore.ResponseError{ErrorCode: string(bloberror.BlobNotFound)}
}

func (f *fakeAzure) UploadBuffer(_ context.Context, container, name string, buf []byte, _ *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[container+"/"+name] = bytes.Clone(buf)
	return azblob.UploadBufferResponse{}, nil
}

func (f *fakeAzure) DownloadStream(_ context.Context, container, name string, _ *azblob.DownloadStreamOptions) (azblob.DownloadStreamResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var resp azblob.DownloadStreamResponse
	data, ok := f.objects[container+"/"+name]
	if !ok {
		return resp, notFound()
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return resp, nil
}

func (f *fakeAzure) DeleteBlob(_ context.Context, container, name string, _ *azblob.DeleteBlobOptions) (azblob.DeleteBlobResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[container+"/"+name]; !ok {
		return azblob.DeleteBlobResponse{}, notFound()
	}
	delete(f.objects, container+"/"+name)
	return azblob.DeleteBlobResponse{}, nil
}

func TestAzure(t *testing.T) {
	client := &fakeAzure{objects: make(map[string][]byte)}
	o := Opener{Azure: client}
	b, err := o.Open(context.Background(), "azblob://frames/run7")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	exercise(t, b)
}

func TestStaticCredentials(t *testing.T) {
	if p, err := staticCredentials(map[string]string{}); p != nil || err != nil {
		t.Errorf("no keys = %v, %v; want default chain", p, err)
	}
	if _, err := staticCredentials(map[string]string{ParamAccessKeyID: "AKID"}); err == nil {
		t.Error("expected error for a lone access key id")
	}
	p, err := staticCredentials(map[string]string{ParamAccessKeyID: "AKID", ParamSecretAccessKey: "shh"})
	if err != nil {
		t.Fatalf("staticCredentials: %v", err)
	}
	creds, err := p.Retrieve(context.Background())
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if creds.AccessKeyID != "AKID" || creds.SecretAccessKey != "shh" {
		t.Errorf("creds = %+v", creds)
	}
}
