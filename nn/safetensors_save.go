package nn

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// EncodeSafetensors converts tensors to safetensors bytes. Names are
// written in sorted order so the same tensors always give the same bytes.
func EncodeSafetensors(tensors map[string]TensorWithShape) ([]byte, error) {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]TensorInfo, len(names))
	currentOffset := 0
	for _, name := range names {
		tensor := tensors[name]
		width := getBytesPerElement(tensor.DType)
		if width == 0 {
			return nil, fmt.Errorf("safetensors: unsupported dtype %s for %s", tensor.DType, name)
		}
		if shapeSize(tensor.Shape) != len(tensor.Values) {
			return nil, fmt.Errorf("%w: %s has %d values for shape %v", ErrShape, name, len(tensor.Values), tensor.Shape)
		}
		dataSize := len(tensor.Values) * width
		header[name] = TensorInfo{
			DType:  tensor.DType,
			Shape:  tensor.Shape,
			Offset: []int{currentOffset, currentOffset + dataSize},
		}
		currentOffset += dataSize
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("safetensors: failed to marshal header: %w", err)
	}

	// [header_size (8 bytes)] [header JSON] [tensor data]
	headerSize := len(headerJSON)
	result := make([]byte, 8+headerSize+currentOffset)
	binary.LittleEndian.PutUint64(result[0:8], uint64(headerSize))
	copy(result[8:], headerJSON)

	dataStart := 8 + headerSize
	for _, name := range names {
		tensor := tensors[name]
		writeTensorData(result[dataStart+header[name].Offset[0]:], tensor)
	}
	return result, nil
}

func getBytesPerElement(dtype string) int {
	switch dtype {
	case "F32":
		return 4
	case "F16", "BF16":
		return 2
	default:
		return 0
	}
}

func writeTensorData(dest []byte, tensor TensorWithShape) {
	switch tensor.DType {
	case "F32":
		for i, val := range tensor.Values {
			binary.LittleEndian.PutUint32(dest[i*4:], math.Float32bits(val))
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

// float32ToFloat16 truncates the mantissa; values beyond the half range become Inf.
func float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16((bits >> 16) & 0x8000)
	exponent := int((bits>>23)&0xFF) - 127 + 15
	mantissa := bits & 0x7FFFFF

	switch {
	case (bits>>23)&0xFF == 0xFF:
		if mantissa != 0 {
			return sign | 0x7E00
		}
		return sign | 0x7C00
	case exponent >= 0x1F:
		return sign | 0x7C00
	case exponent <= 0:
		if exponent < -10 {
			return sign
		}
		mantissa |= 0x800000
		return sign | uint16(mantissa>>uint(14-exponent))
	}
	return sign | uint16(exponent<<10) | uint16(mantissa>>13)
}
