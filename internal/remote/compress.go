package remote

import (
	"fmt"

	"connectrpc.com/connect"
	"github.com/andybalholm/brotli"
)

// Message compression a client may request. Servers accept both.
const (
	CompressionGzip   = "gzip"
	CompressionBrotli = "br"
)

// brotliQuality trades ratio for speed; frames are compressed on the
// acquisition path.
const brotliQuality = 4

// compressMinBytes leaves small control messages uncompressed.
const compressMinBytes = 1024

// brotliReader adds the Close a connect.Decompressor needs.
type brotliReader struct {
	*brotli.Reader
}

func (brotliReader) Close() error { return nil }

func newBrotliDecompressor() connect.Decompressor { return brotliReader{brotli.NewReader(nil)} }

func newBrotliCompressor() connect.Compressor { return brotli.NewWriterLevel(nil, brotliQuality) }

func withBrotliHandler() connect.HandlerOption {
	return connect.WithCompression(CompressionBrotli, newBrotliDecompressor, newBrotliCompressor)
}

func withBrotliClient() connect.ClientOption {
	return connect.WithAcceptCompression(CompressionBrotli, newBrotliDecompressor, newBrotliCompressor)
}

func checkCompression(name string) error {
	switch name {
	case "", CompressionGzip, CompressionBrotli:
		return nil
	}
	return fmt.Errorf("remote client: unknown compression %q (want %s or %s)", name, CompressionGzip, CompressionBrotli)
}
