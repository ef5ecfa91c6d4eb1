package nn

// Layer is one stage of the feed-forward graph.
// Forward caches whatever Backward needs; Backward must follow the most
// recent Forward and accumulates into the layer's parameter gradients.
type Layer interface {
	Forward(x *Tensor) (*Tensor, error)
	Backward(grad *Tensor) *Tensor
	Params() []*Param
}
