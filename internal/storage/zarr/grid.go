package zarr

import (
	"slices"
	"strconv"
	"strings"

	"framestore/internal/frame"
)

// grid tiles one frame into regular chunks. Chunks along each axis are
// max(1, dim/divisor) wide; edge chunks are padded with zero bytes.
type grid struct {
	shape  []int
	chunk  []int
	counts []int
}

func newGrid(shape frame.Shape, divisor int) grid {
	g := grid{
		shape:  slices.Clone([]int(shape)),
		chunk:  make([]int, len(shape)),
		counts: make([]int, len(shape)),
	}
	for i, d := range shape {
		g.chunk[i] = max(1, d/divisor)
		g.counts[i] = (d + g.chunk[i] - 1) / g.chunk[i]
	}
	return g
}

func gridFromChunks(shape, chunk []int) grid {
	g := grid{shape: shape, chunk: chunk, counts: make([]int, len(shape))}
	for i, d := range shape {
		g.counts[i] = (d + chunk[i] - 1) / chunk[i]
	}
	return g
}

// chunks returns the number of chunks per frame.
func (g grid) chunks() int {
	return product(g.counts)
}

// index returns the chunk grid coordinates of the n-th chunk, row-major.
func (g grid) index(n int) []int {
	idx := make([]int, len(g.counts))
	for i := len(g.counts) - 1; i >= 0; i-- {
		idx[i] = n % g.counts[i]
		n /= g.counts[i]
	}
	return idx
}

// key returns the object key of chunk idx of frame t.
func (g grid) key(arrayKey string, t int, idx []int) string {
	var b strings.Builder
	b.WriteString(arrayKey)
	b.WriteString("/c/")
	b.WriteString(strconv.Itoa(t))
	for _, i := range idx {
		b.WriteByte('/')
		b.WriteString(strconv.Itoa(i))
	}
	return b.String()
}

func (g grid) chunkBytes(item int) int {
	return product(g.chunk) * item
}

// extract copies chunk idx out of frame data.
func (g grid) extract(data []byte, item int, idx []int) []byte {
	out := make([]byte, g.chunkBytes(item))
	g.each(item, idx, func(src, dst, n int) {
		copy(out[dst:dst+n], data[src:src+n])
	})
	return out
}

// insert copies chunk idx into frame data.
func (g grid) insert(data, chunk []byte, item int, idx []int) {
	g.each(item, idx, func(src, dst, n int) {
		copy(data[src:src+n], chunk[dst:dst+n])
	})
}

// each calls fn for every contiguous row of chunk idx that lies inside the
// frame, with byte offsets into the frame and the chunk and the row length.
func (g grid) each(item int, idx []int, fn func(src, dst, n int)) {
	rank := len(g.shape)
	if rank == 0 {
		fn(0, 0, item)
		return
	}
	frameStrides := strides(g.shape)
	chunkStrides := strides(g.chunk)

	last := rank - 1
	lastStart := idx[last] * g.chunk[last]
	run := min(g.chunk[last], g.shape[last]-lastStart)

	outer := g.chunk[:last]
	pos := make([]int, last)
	for range product(outer) {
		src, dst := lastStart, 0
		inside := true
		for d := range last {
			o := idx[d]*g.chunk[d] + pos[d]
			if o >= g.shape[d] {
				inside = false
				break
			}
			src += o * frameStrides[d]
			dst += pos[d] * chunkStrides[d]
		}
		if inside {
			fn(src*item, dst*item, run*item)
		}
		for d := last - 1; d >= 0; d-- {
			pos[d]++
			if pos[d] < outer[d] {
				break
			}
			pos[d] = 0
		}
	}
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}

func product(dims []int) int {
	p := 1
	for _, d := range dims {
		p *= d
	}
	return p
}
