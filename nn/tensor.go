package nn

import "fmt"

// Tensor is a dense float32 array stored row-major.
// Images use [batch, channels, height, width]; features use [batch, features].
type Tensor struct {
	Data  []float32
	Shape []int
}

// NewTensor allocates a zeroed tensor of the given shape.
func NewTensor(shape ...int) *Tensor {
	return &Tensor{
		Data:  make([]float32, shapeSize(shape)),
		Shape: append([]int(nil), shape...),
	}
}

// NewTensorFromSlice wraps data without copying. The product of shape must equal len(data).
func NewTensorFromSlice(data []float32, shape ...int) (*Tensor, error) {
	if shapeSize(shape) != len(data) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShape, len(data), shape)
	}
	return &Tensor{Data: data, Shape: append([]int(nil), shape...)}, nil
}

// Size returns the number of elements.
func (t *Tensor) Size() int {
	return len(t.Data)
}

// Batch returns the leading dimension.
func (t *Tensor) Batch() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{
		Data:  make([]float32, len(t.Data)),
		Shape: append([]int(nil), t.Shape...),
	}
	copy(out.Data, t.Data)
	return out
}

func shapeSize(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
