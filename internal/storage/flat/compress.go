package flat

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	seekable "github.com/SaveTheRbtz/zstd-seekable-format-go/pkg"
	"github.com/klauspost/compress/zstd"

	"framestore/internal/format"
)

// seekableFrameSize is the uncompressed size of each independently
// compressed zstd frame. Frames are the unit of random access on read.
const seekableFrameSize = 1 << 20

// compressFile rewrites a sealed raw file as header + seekable zstd body,
// replacing it atomically. FlagCompressed is set in the new header.
func compressFile(path string, enc *zstd.Encoder, mode os.FileMode) error {
	src, err := os.Open(filepath.Clean(path))
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	var hdr [format.HeaderSize]byte
	if _, err := io.ReadFull(src, hdr[:]); err != nil {
		return format.ErrHeaderTooSmall
	}
	h, err := format.DecodeAndValidate(hdr[:], format.TypeFrameLog, frameLogVersion)
	if err != nil {
		return err
	}
	if h.Has(format.FlagCompressed) {
		return nil
	}
	h.Flags |= format.FlagCompressed
	newHeader := h.Encode()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".compress-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(newHeader[:]); err != nil {
		cleanup()
		return err
	}
	sw, err := seekable.NewWriter(tmp, enc)
	if err != nil {
		cleanup()
		return err
	}
	buf := make([]byte, seekableFrameSize)
	for {
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			if _, werr := sw.Write(buf[:n]); werr != nil {
				cleanup()
				return werr
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			cleanup()
			return err
		}
	}
	if err := sw.Close(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// Reader gives random access to the frames of a raw file, compressed or not.
type Reader struct {
	file       *os.File
	header     format.Header
	body       io.ReaderAt
	seekable   seekable.Reader
	dec        *zstd.Decoder
	frameBytes int
	frames     int
}

// OpenReader opens the raw file of key in dir. frameBytes comes from the
// sidecar.
func OpenReader(dir, key string) (*Reader, error) {
	side, err := ReadSidecar(dir, key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(dir, key+rawExt))
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	var hdr [format.HeaderSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		_ = f.Close()
		return nil, format.ErrHeaderTooSmall
	}
	h, err := format.DecodeAndValidate(hdr[:], format.TypeFrameLog, frameLogVersion)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	r := &Reader{file: f, header: h, frameBytes: side.FrameBytes, frames: side.Frames}
	section := io.NewSectionReader(f, format.HeaderSize, info.Size()-format.HeaderSize)
	if !h.Has(format.FlagCompressed) {
		r.body = section
		return r, nil
	}
	if r.dec, err = zstd.NewReader(nil); err != nil {
		_ = f.Close()
		return nil, err
	}
	if r.seekable, err = seekable.NewReader(section, r.dec); err != nil {
		r.dec.Close()
		_ = f.Close()
		return nil, fmt.Errorf("open seekable body of %s: %w", key, err)
	}
	r.body = r.seekable
	return r, nil
}

// Header returns the raw file header.
func (r *Reader) Header() format.Header { return r.header }

// Len returns the number of frames recorded in the sidecar.
func (r *Reader) Len() int { return r.frames }

// Frame returns the bytes of frame i.
func (r *Reader) Frame(i int) ([]byte, error) {
	if i < 0 || i >= r.frames {
		return nil, fmt.Errorf("frame %d out of range [0, %d)", i, r.frames)
	}
	buf := make([]byte, r.frameBytes)
	if _, err := r.body.ReadAt(buf, int64(i)*int64(r.frameBytes)); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

func (r *Reader) Close() error {
	if r.seekable != nil {
		_ = r.seekable.Close()
	}
	if r.dec != nil {
		r.dec.Close()
	}
	return r.file.Close()
}
