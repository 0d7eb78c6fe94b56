package zarr

import (
	"context"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"framestore/internal/blob"
	"framestore/internal/frame"
)

// ReadMetadata loads the zarr.json of the array at key.
func ReadMetadata(ctx context.Context, bucket blob.Bucket, key string) (ArrayMetadata, error) {
	data, err := bucket.Get(ctx, key+"/"+metadataKey)
	if err != nil {
		return ArrayMetadata{}, err
	}
	m, err := DecodeArrayMetadata(data)
	if err != nil {
		return ArrayMetadata{}, fmt.Errorf("decode metadata of %q: %w", key, err)
	}
	return m, nil
}

// ReadFrame reassembles frame t of the array at key from its chunks.
func ReadFrame(ctx context.Context, bucket blob.Bucket, key string, t int) (frame.Frame, error) {
	m, err := ReadMetadata(ctx, bucket, key)
	if err != nil {
		return frame.Frame{}, err
	}
	dtype, err := frame.ParseDType(m.DataType)
	if err != nil {
		return frame.Frame{}, err
	}
	chunkShape := m.ChunkShape()
	if len(m.Shape) == 0 || len(chunkShape) != len(m.Shape) {
		return frame.Frame{}, fmt.Errorf("array %q: chunk shape %v does not match shape %v", key, chunkShape, m.Shape)
	}

	var dec *zstd.Decoder
	if m.Compressed() {
		if dec, err = zstd.NewReader(nil); err != nil {
			return frame.Frame{}, err
		}
		defer dec.Close()
	}

	f := frame.Zeros(dtype, frame.Shape(m.Shape[1:]))
	g := gridFromChunks(m.Shape[1:], chunkShape[1:])
	item := dtype.ItemSize()
	for n := range g.chunks() {
		idx := g.index(n)
		chunk, err := bucket.Get(ctx, g.key(key, t, idx))
		if err != nil {
			return frame.Frame{}, err
		}
		if dec != nil {
			if chunk, err = dec.DecodeAll(chunk, nil); err != nil {
				return frame.Frame{}, fmt.Errorf("decompress chunk %v of frame %d: %w", idx, t, err)
			}
		}
		if len(chunk) != g.chunkBytes(item) {
			return frame.Frame{}, fmt.Errorf("chunk %v of frame %d: %d bytes, want %d", idx, t, len(chunk), g.chunkBytes(item))
		}
		g.insert(f.Data, chunk, item, idx)
	}
	return f, nil
}
