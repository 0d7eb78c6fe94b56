package zarr

import (
	"encoding/json"
	"slices"
	"strconv"

	"framestore/internal/frame"
)

const zarrFormat = 3

// GroupMetadata is the zarr.json at the root of a store.
type GroupMetadata struct {
	ZarrFormat int            `json:"zarr_format"`
	NodeType   string         `json:"node_type"`
	Attributes map[string]any `json:"attributes"`
}

// ArrayMetadata is the zarr.json of one array.
type ArrayMetadata struct {
	ZarrFormat       int            `json:"zarr_format"`
	NodeType         string         `json:"node_type"`
	Shape            []int          `json:"shape"`
	DataType         string         `json:"data_type"`
	ChunkGrid        namedConfig    `json:"chunk_grid"`
	ChunkKeyEncoding namedConfig    `json:"chunk_key_encoding"`
	FillValue        any            `json:"fill_value"`
	Codecs           []namedConfig  `json:"codecs"`
	Attributes       map[string]any `json:"attributes,omitempty"`
	DimensionNames   []string       `json:"dimension_names,omitempty"`
}

type namedConfig struct {
	Name          string         `json:"name"`
	Configuration map[string]any `json:"configuration,omitempty"`
}

// ChunkShape returns the chunk shape recorded in the metadata.
func (m ArrayMetadata) ChunkShape() []int {
	raw, _ := m.ChunkGrid.Configuration["chunk_shape"].([]int)
	return slices.Clone(raw)
}

// Compressed reports whether chunks carry the zstd codec.
func (m ArrayMetadata) Compressed() bool {
	return slices.ContainsFunc(m.Codecs, func(c namedConfig) bool { return c.Name == "zstd" })
}

func groupMetadata() GroupMetadata {
	return GroupMetadata{ZarrFormat: zarrFormat, NodeType: "group", Attributes: map[string]any{}}
}

func arrayMetadata(a *array, length int, zstdLevel int) ArrayMetadata {
	codecs := []namedConfig{{Name: "bytes", Configuration: map[string]any{"endian": "little"}}}
	if zstdLevel > 0 {
		codecs = append(codecs, namedConfig{Name: "zstd", Configuration: map[string]any{"level": zstdLevel, "checksum": false}})
	}
	var fill any = 0
	if a.info.DType == frame.Bool {
		fill = false
	}
	return ArrayMetadata{
		ZarrFormat: zarrFormat,
		NodeType:   "array",
		Shape:      append([]int{length}, a.info.Shape...),
		DataType:   string(a.info.DType),
		ChunkGrid: namedConfig{Name: "regular", Configuration: map[string]any{
			"chunk_shape": append([]int{1}, a.grid.chunk...),
		}},
		ChunkKeyEncoding: namedConfig{Name: "default", Configuration: map[string]any{"separator": "/"}},
		FillValue:        fill,
		Codecs:           codecs,
		Attributes:       a.info.Extra,
		DimensionNames:   dimensionNames(len(a.info.Shape)),
	}
}

func dimensionNames(rank int) []string {
	if rank == 2 {
		return []string{"t", "y", "x"}
	}
	names := []string{"t"}
	for i := range rank {
		names = append(names, "dim_"+strconv.Itoa(i))
	}
	return names
}

// DecodeArrayMetadata parses an array zarr.json.
func DecodeArrayMetadata(data []byte) (ArrayMetadata, error) {
	var raw struct {
		ArrayMetadata
		ChunkGrid struct {
			Name          string `json:"name"`
			Configuration struct {
				ChunkShape []int `json:"chunk_shape"`
			} `json:"configuration"`
		} `json:"chunk_grid"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return ArrayMetadata{}, err
	}
	m := raw.ArrayMetadata
	m.ChunkGrid = namedConfig{Name: raw.ChunkGrid.Name, Configuration: map[string]any{
		"chunk_shape": raw.ChunkGrid.Configuration.ChunkShape,
	}}
	return m, nil
}
