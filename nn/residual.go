package nn

import (
	"fmt"
	"math/rand"
)

// BasicBlock is a residual block: relu(conv2(relu(conv1(x))) + x).
// Both convolutions are 3x3, stride 1, and preserve the channel count.
type BasicBlock struct {
	Conv1 *MaskedConv2D
	Conv2 *MaskedConv2D
	relu1 ReLU
	relu2 ReLU
}

// NewBasicBlock builds a block over `channels` feature maps.
func NewBasicBlock(name string, ctx *RunContext, rng *rand.Rand, channels int, maskInit float32) *BasicBlock {
	return &BasicBlock{
		Conv1: NewMaskedConv2D(name+".conv1", ctx, rng, channels, channels, 3, 1, 1, maskInit),
		Conv2: NewMaskedConv2D(name+".conv2", ctx, rng, channels, channels, 3, 1, 1, maskInit),
	}
}

func (b *BasicBlock) Params() []*Param {
	return append(b.Conv1.Params(), b.Conv2.Params()...)
}

func (b *BasicBlock) Forward(x *Tensor) (*Tensor, error) {
	h, err := b.Conv1.Forward(x)
	if err != nil {
		return nil, err
	}
	h, _ = b.relu1.Forward(h)
	h, err = b.Conv2.Forward(h)
	if err != nil {
		return nil, err
	}
	if len(h.Data) != len(x.Data) {
		return nil, fmt.Errorf("%w: residual %v vs skip %v", ErrShape, h.Shape, x.Shape)
	}
	for i := range h.Data {
		h.Data[i] += x.Data[i]
	}
	return b.relu2.Forward(h)
}

func (b *BasicBlock) Backward(grad *Tensor) *Tensor {
	g := b.relu2.Backward(grad)
	skip := g
	g = b.Conv2.Backward(g)
	g = b.relu1.Backward(g)
	g = b.Conv1.Backward(g)
	for i := range g.Data {
		g.Data[i] += skip.Data[i]
	}
	return g
}
