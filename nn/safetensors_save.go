package nn

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
)

// SaveSafetensors writes tensors to a safetensors file
func SaveSafetensors(filepath string, tensors map[string]TensorWithShape) error {
	data, err := SerializeSafetensors(tensors)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath, data, 0644)
}

// SerializeSafetensors converts tensors to safetensors format bytes
func SerializeSafetensors(tensors map[string]TensorWithShape) ([]byte, error) {
	// Sort names for deterministic order
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]TensorInfo, len(names))
	currentOffset := 0
	for _, name := range names {
		tensor := tensors[name]
		bytesPerElement := getBytesPerElement(tensor.DType)
		if bytesPerElement == 0 {
			return nil, fmt.Errorf("unsupported dtype: %s", tensor.DType)
		}
		numElements := 1
		for _, dim := range tensor.Shape {
			numElements *= dim
		}
		if n := tensor.len(); n != numElements {
			return nil, fmt.Errorf("tensor %s: shape %v holds %d elements, got %d", name, tensor.Shape, numElements, n)
		}
		dataSize := numElements * bytesPerElement
		header[name] = TensorInfo{
			DType:  tensor.DType,
			Shape:  tensor.Shape,
			Offset: []int{currentOffset, currentOffset + dataSize},
		}
		currentOffset += dataSize
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}

	// Build file: [header_size (8 bytes)] [header JSON] [tensor data]
	headerSize := uint64(len(headerJSON))
	result := make([]byte, 8+headerSize+uint64(currentOffset))
	binary.LittleEndian.PutUint64(result[0:8], headerSize)
	copy(result[8:8+headerSize], headerJSON)

	dataStart := 8 + int(headerSize)
	for _, name := range names {
		writeTensorData(result[dataStart+header[name].Offset[0]:], tensors[name])
	}

	return result, nil
}

func (t TensorWithShape) len() int {
	if t.DType == "F64" {
		return len(t.Float64)
	}
	return len(t.Values)
}

// getBytesPerElement returns bytes per element for a supported float dtype
func getBytesPerElement(dtype string) int {
	switch dtype {
	case "F64":
		return 8
	case "F32":
		return 4
	case "F16", "BF16":
		return 2
	default:
		return 0
	}
}

// writeTensorData writes tensor data in the specified dtype format
func writeTensorData(dest []byte, tensor TensorWithShape) {
	switch tensor.DType {
	case "F32":
		for i, val := range tensor.Values {
			binary.LittleEndian.PutUint32(dest[i*4:], math.Float32bits(val))
		}
	case "F64":
		for i, val := range tensor.Float64 {
			binary.LittleEndian.PutUint64(dest[i*8:], math.Float64bits(val))
		}
	case "F16":
		for i, val := range tensor.Values {
			binary.LittleEndian.PutUint16(dest[i*2:], float32ToFloat16(val))
		}
	case "BF16":
		for i, val := range tensor.Values {
			binary.LittleEndian.PutUint16(dest[i*2:], uint16(math.Float32bits(val)>>16))
		}
	}
}

// float32ToFloat16 converts to half precision, truncating the mantissa and
// flushing values below the smallest normal to zero.
func float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	exp := int32((bits>>23)&0xFF) - 127 + 15
	mant := uint16((bits >> 13) & 0x3FF)
	switch {
	case (bits>>23)&0xFF == 0xFF:
		if bits&0x7FFFFF != 0 {
			return sign | 0x7E00
		}
		return sign | 0x7C00
	case exp >= 0x1F:
		return sign | 0x7C00
	case exp <= 0:
		return sign
	}
	return sign | uint16(exp)<<10 | mant
}
