package nn

import "fmt"

// GlobalAvgPool averages each channel: [N,C,H,W] -> [N,C].
type GlobalAvgPool struct {
	inShape []int
}

func (p *GlobalAvgPool) Params() []*Param { return nil }

func (p *GlobalAvgPool) Forward(x *Tensor) (*Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("%w: global pool expects [N,C,H,W], got %v", ErrShape, x.Shape)
	}
	p.inShape = append(p.inShape[:0], x.Shape...)
	batch, channels, area := x.Shape[0], x.Shape[1], x.Shape[2]*x.Shape[3]
	out := NewTensor(batch, channels)
	for b := 0; b < batch; b++ {
		for c := 0; c < channels; c++ {
			base := (b*channels + c) * area
			var sum float32
			for i := 0; i < area; i++ {
				sum += x.Data[base+i]
			}
			out.Data[b*channels+c] = sum / float32(area)
		}
	}
	return out, nil
}

func (p *GlobalAvgPool) Backward(grad *Tensor) *Tensor {
	out := NewTensor(p.inShape...)
	batch, channels, area := p.inShape[0], p.inShape[1], p.inShape[2]*p.inShape[3]
	scale := 1 / float32(area)
	for b := 0; b < batch; b++ {
		for c := 0; c < channels; c++ {
			g := grad.Data[b*channels+c] * scale
			base := (b*channels + c) * area
			for i := 0; i < area; i++ {
				out.Data[base+i] = g
			}
		}
	}
	return out
}
