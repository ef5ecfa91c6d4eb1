package nn

import (
	"fmt"
	"math"
	"math/rand"
)

// MaskedDense is a fully-connected layer with a masked weight matrix and an
// unmasked bias. Weight layout: [inputSize][outputSize].
type MaskedDense struct {
	maskedWeight

	InputSize  int
	OutputSize int
	bias       *Param

	input *Tensor
}

// NewMaskedDense creates a dense layer with He-initialized weights and zero bias.
func NewMaskedDense(name string, ctx *RunContext, rng *rand.Rand, inputSize, outputSize int, maskInit float32) *MaskedDense {
	l := &MaskedDense{
		maskedWeight: newMaskedWeight(name, ctx, maskInit, inputSize, outputSize),
		InputSize:    inputSize,
		OutputSize:   outputSize,
		bias:         newParam(name+".bias", KindWeight, outputSize),
	}
	stddev := math.Sqrt(2.0 / float64(inputSize))
	for i := range l.weight.Data {
		l.weight.Data[i] = float32(rng.NormFloat64() * stddev)
	}
	return l
}

// Bias returns the bias parameter.
func (l *MaskedDense) Bias() *Param {
	return l.bias
}

func (l *MaskedDense) Params() []*Param {
	return []*Param{l.weight, l.mask, l.bias}
}

// Forward computes x @ (w ⊙ m) + b for x [batch, inputSize].
func (l *MaskedDense) Forward(x *Tensor) (*Tensor, error) {
	if len(x.Shape) != 2 || x.Shape[1] != l.InputSize {
		return nil, fmt.Errorf("%w: %s expects [N,%d], got %v", ErrShape, l.name, l.InputSize, x.Shape)
	}
	if err := l.compute(); err != nil {
		return nil, fmt.Errorf("%s: %w", l.name, err)
	}
	l.input = x

	batch := x.Shape[0]
	in, outSize := l.InputSize, l.OutputSize
	out := NewTensor(batch, outSize)
	for b := 0; b < batch; b++ {
		for o := 0; o < outSize; o++ {
			sum := l.bias.Data[o]
			for i := 0; i < in; i++ {
				sum += x.Data[b*in+i] * l.eff[i*outSize+o]
			}
			out.Data[b*outSize+o] = sum
		}
	}
	return out, nil
}

// Backward returns the input gradient and accumulates weight, mask and bias gradients.
func (l *MaskedDense) Backward(grad *Tensor) *Tensor {
	x := l.input
	batch := x.Shape[0]
	in, outSize := l.InputSize, l.OutputSize

	gradInput := NewTensor(batch, in)
	gradWeights := make([]float32, in*outSize)
	for b := 0; b < batch; b++ {
		for o := 0; o < outSize; o++ {
			g := grad.Data[b*outSize+o]
			l.bias.Grad[o] += g
			for i := 0; i < in; i++ {
				gradWeights[i*outSize+o] += x.Data[b*in+i] * g
				gradInput.Data[b*in+i] += l.eff[i*outSize+o] * g
			}
		}
	}

	l.accumulate(gradWeights)
	return gradInput
}
