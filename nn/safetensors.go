package nn

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
)

// TensorWithShape is one named entry of a safetensors file. Float tensors
// stored as F32, F16 or BF16 are decoded into Values; F64 tensors into Float64.
type TensorWithShape struct {
	DType   string
	Shape   []int
	Values  []float32
	Float64 []float64
}

// TensorInfo describes a tensor's properties
type TensorInfo struct {
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset []int  `json:"data_offsets"`
}

// LoadSafetensors reads a safetensors file and returns tensors by name
func LoadSafetensors(filepath string) (map[string]TensorWithShape, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return LoadSafetensorsFromBytes(data)
}

// LoadSafetensorsFromBytes reads safetensors data from a byte slice and returns tensors by name
func LoadSafetensorsFromBytes(data []byte) (map[string]TensorWithShape, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("data too short: need at least 8 bytes for header size")
	}

	// Read header size (first 8 bytes, little-endian)
	headerSize := binary.LittleEndian.Uint64(data[0:8])
	if uint64(len(data)-8) < headerSize {
		return nil, fmt.Errorf("data too short: header size %d but only %d bytes available", headerSize, len(data)-8)
	}

	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &rawHeader); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	// Tensor data starts after header
	allData := data[8+headerSize:]

	tensors := make(map[string]TensorWithShape)
	for name, raw := range rawHeader {
		if name == "__metadata__" {
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, fmt.Errorf("tensor %s: bad header entry: %w", name, err)
		}

		bpe := getBytesPerElement(info.DType)
		if info.DType != "F32" && info.DType != "F16" && info.DType != "BF16" && info.DType != "F64" {
			log.Printf("safetensors: skipping tensor %s with unsupported dtype %s", name, info.DType)
			continue
		}

		numElements := 1
		for _, dim := range info.Shape {
			numElements *= dim
		}
		if len(info.Offset) != 2 || info.Offset[0] < 0 || info.Offset[1] > len(allData) || info.Offset[1]-info.Offset[0] != numElements*bpe {
			return nil, fmt.Errorf("tensor %s: data out of bounds", name)
		}
		src := allData[info.Offset[0]:info.Offset[1]]

		t := TensorWithShape{DType: info.DType, Shape: info.Shape}
		switch info.DType {
		case "F32":
			t.Values = make([]float32, numElements)
			for i := range t.Values {
				t.Values[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
			}
		case "F16":
			t.Values = make([]float32, numElements)
			for i := range t.Values {
				t.Values[i] = float16ToFloat32(binary.LittleEndian.Uint16(src[i*2:]))
			}
		case "BF16":
			t.Values = make([]float32, numElements)
			for i := range t.Values {
				t.Values[i] = bfloat16ToFloat32(binary.LittleEndian.Uint16(src[i*2:]))
			}
		case "F64":
			t.Float64 = make([]float64, numElements)
			for i := range t.Float64 {
				t.Float64[i] = math.Float64frombits(binary.LittleEndian.Uint64(src[i*8:]))
			}
		}
		tensors[name] = t
	}

	return tensors, nil
}

// float16ToFloat32 converts a float16 (half precision) to float32
func float16ToFloat32(f16 uint16) float32 {
	sign := uint32((f16 >> 15) & 0x1)
	exponent := uint32((f16 >> 10) & 0x1F)
	mantissa := uint32(f16 & 0x3FF)

	var f32bits uint32
	if exponent == 0 {
		if mantissa == 0 {
			// Zero
			f32bits = sign << 31
		} else {
			// Subnormal
			exponent = 1
			for (mantissa & 0x400) == 0 {
				mantissa <<= 1
				exponent--
			}
			mantissa &= 0x3FF
			f32bits = (sign << 31) | ((exponent + (127 - 15)) << 23) | (mantissa << 13)
		}
	} else if exponent == 0x1F {
		// Inf or NaN
		f32bits = (sign << 31) | (0xFF << 23) | (mantissa << 13)
	} else {
		// Normal
		f32bits = (sign << 31) | ((exponent + (127 - 15)) << 23) | (mantissa << 13)
	}

	return math.Float32frombits(f32bits)
}

// bfloat16ToFloat32 converts a bfloat16 to float32
func bfloat16ToFloat32(bf16 uint16) float32 {
	// bfloat16 is just the top 16 bits of float32
	return math.Float32frombits(uint32(bf16) << 16)
}

// =============================================================================
// Parameter state dicts
// =============================================================================

// ParamTensors converts ps into F32 safetensors entries keyed by parameter name.
// Values are copied.
func ParamTensors(ps []*Param) map[string]TensorWithShape {
	out := make(map[string]TensorWithShape, len(ps))
	for _, p := range ps {
		out[p.Name] = TensorWithShape{
			DType:  "F32",
			Shape:  append([]int(nil), p.Value.Shape...),
			Values: append([]float32(nil), p.Value.Data...),
		}
	}
	return out
}

// LoadParams copies tensors into ps by name. Every parameter must be present
// with a matching element count.
func LoadParams(ps []*Param, tensors map[string]TensorWithShape) error {
	for _, p := range ps {
		t, ok := tensors[p.Name]
		if !ok {
			return fmt.Errorf("%w: checkpoint is missing %s", ErrShape, p.Name)
		}
		if len(t.Values) != p.Value.Size() {
			return fmt.Errorf("%w: checkpoint %s has %d values, want %d", ErrShape, p.Name, len(t.Values), p.Value.Size())
		}
		copy(p.Value.Data, t.Values)
	}
	return nil
}
