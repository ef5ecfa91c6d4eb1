package nn

import (
	"fmt"
	"math"
	"math/rand"
)

// MaskedConv2D is a bias-free 2D convolution with a learned weight mask.
// Weight layout: [filters][inChannels][kernel][kernel].
type MaskedConv2D struct {
	maskedWeight

	InputChannels int
	Filters       int
	KernelSize    int
	Stride        int
	Padding       int

	input *Tensor
}

// NewMaskedConv2D creates a convolution with He-initialized weights and
// every mask parameter set to maskInit.
func NewMaskedConv2D(name string, ctx *RunContext, rng *rand.Rand,
	inChannels, filters, kernelSize, stride, padding int, maskInit float32,
) *MaskedConv2D {
	l := &MaskedConv2D{
		maskedWeight:  newMaskedWeight(name, ctx, maskInit, filters, inChannels, kernelSize, kernelSize),
		InputChannels: inChannels,
		Filters:       filters,
		KernelSize:    kernelSize,
		Stride:        stride,
		Padding:       padding,
	}
	stddev := math.Sqrt(2.0 / float64(inChannels*kernelSize*kernelSize))
	for i := range l.weight.Data {
		l.weight.Data[i] = float32(rng.NormFloat64() * stddev)
	}
	return l
}

// OutputSize returns the spatial output size for an input of size inH x inW.
func (l *MaskedConv2D) OutputSize(inH, inW int) (int, int) {
	outH := (inH+2*l.Padding-l.KernelSize)/l.Stride + 1
	outW := (inW+2*l.Padding-l.KernelSize)/l.Stride + 1
	return outH, outW
}

func (l *MaskedConv2D) Params() []*Param {
	return []*Param{l.weight, l.mask}
}

// Forward convolves x [batch, inC, H, W] with w ⊙ m.
func (l *MaskedConv2D) Forward(x *Tensor) (*Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[1] != l.InputChannels {
		return nil, fmt.Errorf("%w: %s expects [N,%d,H,W], got %v", ErrShape, l.name, l.InputChannels, x.Shape)
	}
	if err := l.compute(); err != nil {
		return nil, fmt.Errorf("%s: %w", l.name, err)
	}
	l.input = x

	batch, inC, inH, inW := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	k, stride, pad, filters := l.KernelSize, l.Stride, l.Padding, l.Filters
	outH, outW := l.OutputSize(inH, inW)
	out := NewTensor(batch, filters, outH, outW)
	kernel := l.eff

	for b := 0; b < batch; b++ {
		for f := 0; f < filters; f++ {
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					var sum float32
					for ic := 0; ic < inC; ic++ {
						for kh := 0; kh < k; kh++ {
							ih := oh*stride + kh - pad
							if ih < 0 || ih >= inH {
								continue
							}
							for kw := 0; kw < k; kw++ {
								iw := ow*stride + kw - pad
								if iw < 0 || iw >= inW {
									continue
								}
								inputIdx := b*inC*inH*inW + ic*inH*inW + ih*inW + iw
								kernelIdx := f*inC*k*k + ic*k*k + kh*k + kw
								sum += x.Data[inputIdx] * kernel[kernelIdx]
							}
						}
					}
					out.Data[b*filters*outH*outW+f*outH*outW+oh*outW+ow] = sum
				}
			}
		}
	}
	return out, nil
}

// Backward returns the input gradient and accumulates weight and mask gradients.
func (l *MaskedConv2D) Backward(grad *Tensor) *Tensor {
	x := l.input
	batch, inC, inH, inW := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	k, stride, pad, filters := l.KernelSize, l.Stride, l.Padding, l.Filters
	outH, outW := grad.Shape[2], grad.Shape[3]

	gradInput := NewTensor(x.Shape...)
	gradKernel := make([]float32, len(l.eff))
	kernel := l.eff

	for b := 0; b < batch; b++ {
		for f := 0; f < filters; f++ {
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					g := grad.Data[b*filters*outH*outW+f*outH*outW+oh*outW+ow]
					if g == 0 {
						continue
					}
					for ic := 0; ic < inC; ic++ {
						for kh := 0; kh < k; kh++ {
							ih := oh*stride + kh - pad
							if ih < 0 || ih >= inH {
								continue
							}
							for kw := 0; kw < k; kw++ {
								iw := ow*stride + kw - pad
								if iw < 0 || iw >= inW {
									continue
								}
								inputIdx := b*inC*inH*inW + ic*inH*inW + ih*inW + iw
								kernelIdx := f*inC*k*k + ic*k*k + kh*k + kw
								gradInput.Data[inputIdx] += g * kernel[kernelIdx]
								gradKernel[kernelIdx] += g * x.Data[inputIdx]
							}
						}
					}
				}
			}
		}
	}

	l.accumulate(gradKernel)
	return gradInput
}
