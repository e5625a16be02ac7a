package zarr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"

	"github.com/haloview/server/internal/tile"
)

// ArrayMeta is the subset of Zarr v3 array metadata (zarr.json) used for
// tiled images.
type ArrayMeta struct {
	Shape     []int  `json:"shape"`
	DataType  string `json:"data_type"`
	ChunkGrid struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator,omitempty"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue  interface{} `json:"fill_value"`
	Codecs     []Codec     `json:"codecs"`
	ZarrFormat int         `json:"zarr_format"`
	NodeType   string      `json:"node_type"`
}

// Codec is one entry of the codec pipeline.
type Codec struct {
	Name          string                 `json:"name"`
	Configuration map[string]interface{} `json:"configuration,omitempty"`
}

func loadArrayMeta(arrayPath string) (*ArrayMeta, error) {
	data, err := os.ReadFile(filepath.Join(arrayPath, "zarr.json"))
	if err != nil {
		return nil, err
	}
	var meta ArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse %s/zarr.json: %w", arrayPath, err)
	}
	return &meta, nil
}

// geometry validates a 2-D image array and returns its tile grid.
func (m *ArrayMeta) geometry() (tile.Geometry, error) {
	if m.ZarrFormat != 0 && m.ZarrFormat != 3 {
		return tile.Geometry{}, fmt.Errorf("unsupported zarr_format %d", m.ZarrFormat)
	}
	chunk := m.ChunkGrid.Configuration.ChunkShape
	if len(m.Shape) != 2 || len(chunk) != 2 {
		return tile.Geometry{}, fmt.Errorf("expected 2-D array and chunks, got shape %v chunks %v", m.Shape, chunk)
	}
	g := tile.Geometry{
		ImageHeight: m.Shape[0],
		ImageWidth:  m.Shape[1],
		TileHeight:  chunk[0],
		TileWidth:   chunk[1],
	}
	if err := g.Validate(); err != nil {
		return tile.Geometry{}, err
	}
	if _, err := dtypeSize(m.DataType); err != nil {
		return tile.Geometry{}, err
	}
	for _, c := range m.Codecs {
		switch c.Name {
		case "bytes":
			if e, ok := c.Configuration["endian"].(string); ok && e != "little" {
				return tile.Geometry{}, fmt.Errorf("unsupported endian %q", e)
			}
		case "zstd":
		default:
			return tile.Geometry{}, fmt.Errorf("unsupported codec %q", c.Name)
		}
	}
	return g, nil
}

func (m *ArrayMeta) compressed() bool {
	for _, c := range m.Codecs {
		if c.Name == "zstd" {
			return true
		}
	}
	return false
}

func dtypeSize(dataType string) (int, error) {
	switch dataType {
	case "uint8", "int8":
		return 1, nil
	case "uint16", "int16":
		return 2, nil
	case "float32", "int32", "uint32":
		return 4, nil
	case "float64", "int64", "uint64":
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported zarr data_type: %s", dataType)
	}
}

// dtypeOf names the Zarr data type matching T.
func dtypeOf[T tile.Pixel]() string {
	switch reflect.TypeFor[T]().Kind() {
	case reflect.Uint8:
		return "uint8"
	case reflect.Int8:
		return "int8"
	case reflect.Uint16:
		return "uint16"
	case reflect.Int16:
		return "int16"
	case reflect.Uint32:
		return "uint32"
	case reflect.Int32:
		return "int32"
	case reflect.Uint64:
		return "uint64"
	case reflect.Int64:
		return "int64"
	case reflect.Float32:
		return "float32"
	default:
		return "float64"
	}
}

// fillValue interprets the JSON fill_value as a float64. Zarr encodes NaN
// and infinities as strings.
func (m *ArrayMeta) fillValue() (float64, error) {
	switch v := m.FillValue.(type) {
	case nil:
		return 0, nil
	case float64:
		return v, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		switch v {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		}
	}
	return 0, fmt.Errorf("unsupported fill_value %v (%T)", m.FillValue, m.FillValue)
}

// decodeInto converts little-endian elements of dataType in src to T.
func decodeInto[T tile.Pixel](dataType string, src []byte, dst []T) {
	le := binary.LittleEndian
	switch dataType {
	case "uint8":
		for i := range dst {
			dst[i] = T(src[i])
		}
	case "int8":
		for i := range dst {
			dst[i] = T(int8(src[i]))
		}
	case "uint16":
		for i := range dst {
			dst[i] = T(le.Uint16(src[2*i:]))
		}
	case "int16":
		for i := range dst {
			dst[i] = T(int16(le.Uint16(src[2*i:])))
		}
	case "uint32":
		for i := range dst {
			dst[i] = T(le.Uint32(src[4*i:]))
		}
	case "int32":
		for i := range dst {
			dst[i] = T(int32(le.Uint32(src[4*i:])))
		}
	case "uint64":
		for i := range dst {
			dst[i] = T(le.Uint64(src[8*i:]))
		}
	case "int64":
		for i := range dst {
			dst[i] = T(int64(le.Uint64(src[8*i:])))
		}
	case "float32":
		for i := range dst {
			dst[i] = T(math.Float32frombits(le.Uint32(src[4*i:])))
		}
	case "float64":
		for i := range dst {
			dst[i] = T(math.Float64frombits(le.Uint64(src[8*i:])))
		}
	}
}

// encode appends the little-endian encoding of src as dataType to dst.
func encode[T tile.Pixel](dataType string, src []T, dst []byte) []byte {
	le := binary.LittleEndian
	for _, v := range src {
		switch dataType {
		case "uint8", "int8":
			dst = append(dst, byte(int64(v)))
		case "uint16", "int16":
			dst = le.AppendUint16(dst, uint16(int64(v)))
		case "uint32", "int32":
			dst = le.AppendUint32(dst, uint32(int64(v)))
		case "uint64":
			dst = le.AppendUint64(dst, uint64(v))
		case "int64":
			dst = le.AppendUint64(dst, uint64(int64(v)))
		case "float32":
			dst = le.AppendUint32(dst, math.Float32bits(float32(v)))
		case "float64":
			dst = le.AppendUint64(dst, math.Float64bits(float64(v)))
		}
	}
	return dst
}
