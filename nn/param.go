package nn

// ParamKind tags a parameter with the optimizer group it belongs to.
type ParamKind int

const (
	KindWeight ParamKind = 0 // ordinary weight or bias, trained in every phase
	KindMask   ParamKind = 1 // mask parameter s, trained only while searching
)

func (k ParamKind) String() string {
	switch k {
	case KindWeight:
		return "weight"
	case KindMask:
		return "mask"
	default:
		return "unknown"
	}
}

// Param is a trainable tensor with its gradient accumulator.
type Param struct {
	Name  string
	Kind  ParamKind
	Shape []int
	Data  []float32
	Grad  []float32
}

func newParam(name string, kind ParamKind, shape ...int) *Param {
	n := shapeSize(shape)
	return &Param{
		Name:  name,
		Kind:  kind,
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, n),
		Grad:  make([]float32, n),
	}
}

// Size returns the number of elements.
func (p *Param) Size() int {
	return len(p.Data)
}

// ZeroGrad clears the gradient accumulator.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// FilterParams returns the params of the given kind, preserving order.
func FilterParams(params []*Param, kind ParamKind) []*Param {
	var out []*Param
	for _, p := range params {
		if p.Kind == kind {
			out = append(out, p)
		}
	}
	return out
}
