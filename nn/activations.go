package nn

// ReLU is max(0, x), applied element-wise.
type ReLU struct {
	active []bool
}

func (r *ReLU) Params() []*Param { return nil }

func (r *ReLU) Forward(x *Tensor) (*Tensor, error) {
	out := NewTensor(x.Shape...)
	if cap(r.active) < len(x.Data) {
		r.active = make([]bool, len(x.Data))
	}
	r.active = r.active[:len(x.Data)]
	for i, v := range x.Data {
		if v > 0 {
			out.Data[i] = v
			r.active[i] = true
		} else {
			r.active[i] = false
		}
	}
	return out, nil
}

func (r *ReLU) Backward(grad *Tensor) *Tensor {
	out := NewTensor(grad.Shape...)
	for i, g := range grad.Data {
		if r.active[i] {
			out.Data[i] = g
		}
	}
	return out
}
