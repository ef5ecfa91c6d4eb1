package nn

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// TensorWithShape is one named entry of a safetensors payload.
type TensorWithShape struct {
	DType  string    `json:"dtype"`
	Shape  []int     `json:"shape"`
	Values []float32 `json:"-"`
}

// TensorInfo describes a tensor's properties in the safetensors header
type TensorInfo struct {
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset []int  `json:"data_offsets"`
}

// DecodeSafetensors parses a safetensors byte slice. F32, F16 and BF16
// entries are widened to float32; other dtypes are rejected.
func DecodeSafetensors(data []byte) (map[string]TensorWithShape, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("safetensors: need at least 8 bytes, got %d", len(data))
	}

	// Header size is the first 8 bytes, little-endian
	headerSize := binary.LittleEndian.Uint64(data[0:8])
	if headerSize > uint64(len(data)-8) {
		return nil, fmt.Errorf("safetensors: header size %d but only %d bytes available", headerSize, len(data)-8)
	}

	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &rawHeader); err != nil {
		return nil, fmt.Errorf("safetensors: failed to parse header: %w", err)
	}
	allData := data[8+headerSize:]

	tensors := make(map[string]TensorWithShape, len(rawHeader))
	for name, raw := range rawHeader {
		if name == "__metadata__" {
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, fmt.Errorf("safetensors: tensor %s: %w", name, err)
		}
		if len(info.Offset) != 2 {
			return nil, fmt.Errorf("safetensors: tensor %s: malformed data_offsets", name)
		}

		numElements := shapeSize(info.Shape)
		width := getBytesPerElement(info.DType)
		start, end := info.Offset[0], info.Offset[1]
		if start < 0 || end > len(allData) || end-start != numElements*width {
			return nil, fmt.Errorf("safetensors: tensor %s: data out of bounds", name)
		}
		buf := allData[start:end]

		values := make([]float32, numElements)
		switch info.DType {
		case "F32":
			for i := range values {
				values[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
			}
		case "F16":
			for i := range values {
				values[i] = float16ToFloat32(binary.LittleEndian.Uint16(buf[i*2:]))
			}
		case "BF16":
			for i := range values {
				values[i] = bfloat16ToFloat32(binary.LittleEndian.Uint16(buf[i*2:]))
			}
		default:
			return nil, fmt.Errorf("safetensors: tensor %s has unsupported dtype %s", name, info.DType)
		}

		tensors[name] = TensorWithShape{DType: info.DType, Shape: info.Shape, Values: values}
	}

	return tensors, nil
}

// float16ToFloat32 converts a float16 (half precision) to float32
func float16ToFloat32(f16 uint16) float32 {
	sign := uint32((f16 >> 15) & 0x1)
	exponent := uint32((f16 >> 10) & 0x1F)
	mantissa := uint32(f16 & 0x3FF)

	var f32bits uint32
	switch {
	case exponent == 0 && mantissa == 0:
		f32bits = sign << 31
	case exponent == 0:
		// Subnormal: shift until the implicit bit appears.
		exponent = 1
		for (mantissa & 0x400) == 0 {
			mantissa <<= 1
			exponent--
		}
		mantissa &= 0x3FF
		f32bits = (sign << 31) | ((exponent + (127 - 15)) << 23) | (mantissa << 13)
	case exponent == 0x1F:
		f32bits = (sign << 31) | (0xFF << 23) | (mantissa << 13)
	default:
		f32bits = (sign << 31) | ((exponent + (127 - 15)) << 23) | (mantissa << 13)
	}
	return math.Float32frombits(f32bits)
}

// bfloat16 is the top 16 bits of float32
func bfloat16ToFloat32(bf16 uint16) float32 {
	return math.Float32frombits(uint32(bf16) << 16)
}
