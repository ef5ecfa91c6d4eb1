package nn

import (
	"fmt"

	"gonum.org/v1/gonum/blas/blas32"
)

// Optimizer updates a fixed group of parameters from their gradients.
type Optimizer interface {
	// Step applies the accumulated gradients to the parameters.
	Step()

	// ZeroGrad clears the gradients of the parameter group.
	ZeroGrad()

	// SetLR changes the learning rate used by the next Step.
	SetLR(lr float32)
	LR() float32

	// Reset clears optimizer state (momentum, etc.)
	Reset()

	// GetState returns optimizer state for serialization
	GetState() OptimizerState

	// LoadState restores optimizer state from serialization
	LoadState(state OptimizerState) error

	Params() []*Param
	Name() string
}

// OptimizerState is the serializable form of an optimizer.
type OptimizerState struct {
	Name        string               `json:"name"`
	LR          float32              `json:"lr"`
	Momentum    float32              `json:"momentum"`
	Dampening   float32              `json:"dampening,omitempty"`
	WeightDecay float32              `json:"weight_decay"`
	Nesterov    bool                 `json:"nesterov,omitempty"`
	Velocities  map[string][]float32 `json:"velocities,omitempty"`
}

// SGDOptions configures an SGDOptimizer.
type SGDOptions struct {
	LR          float32
	Momentum    float32
	Dampening   float32
	WeightDecay float32
	Nesterov    bool
}

// ============================================================================
// SGD Optimizer (Stochastic Gradient Descent with optional momentum)
// ============================================================================

// SGDOptimizer applies coupled weight decay and heavy-ball momentum:
//
//	g = grad + wd * w
//	v = g                           (first step)
//	v = momentum * v + (1-damp) * g (afterwards)
//	w = w - lr * v                  (or lr * (g + momentum*v) with Nesterov)
type SGDOptimizer struct {
	params      []*Param
	lr          float32
	momentum    float32
	dampening   float32
	weightDecay float32
	nesterov    bool
	velocities  map[string][]float32 // momentum buffers by param name

	scratch []float32
}

// NewSGDOptimizer builds an optimizer over params.
func NewSGDOptimizer(params []*Param, opts SGDOptions) (*SGDOptimizer, error) {
	if opts.LR < 0 || opts.Momentum < 0 || opts.WeightDecay < 0 {
		return nil, fmt.Errorf("sgd: negative hyperparameter (lr=%v momentum=%v weight_decay=%v)", opts.LR, opts.Momentum, opts.WeightDecay)
	}
	if opts.Nesterov && (opts.Momentum == 0 || opts.Dampening != 0) {
		return nil, fmt.Errorf("sgd: nesterov requires momentum and zero dampening")
	}
	return &SGDOptimizer{
		params:      params,
		lr:          opts.LR,
		momentum:    opts.Momentum,
		dampening:   opts.Dampening,
		weightDecay: opts.WeightDecay,
		nesterov:    opts.Nesterov,
		velocities:  make(map[string][]float32),
	}, nil
}

func (opt *SGDOptimizer) Step() {
	for _, p := range opt.params {
		opt.stepParam(p)
	}
}

func (opt *SGDOptimizer) stepParam(p *Param) {
	n := p.Size()
	if cap(opt.scratch) < n {
		opt.scratch = make([]float32, n)
	}
	g := opt.scratch[:n]

	w := vec(p.Data)
	d := vec(g)
	blas32.Copy(vec(p.Grad), d)
	if opt.weightDecay != 0 {
		blas32.Axpy(opt.weightDecay, w, d)
	}

	if opt.momentum == 0 {
		blas32.Axpy(-opt.lr, d, w)
		return
	}

	buf, ok := opt.velocities[p.Name]
	if !ok {
		buf = make([]float32, n)
		copy(buf, g)
		opt.velocities[p.Name] = buf
	} else {
		v := vec(buf)
		blas32.Scal(opt.momentum, v)
		blas32.Axpy(1-opt.dampening, d, v)
	}

	if opt.nesterov {
		blas32.Axpy(opt.momentum, vec(buf), d)
		blas32.Axpy(-opt.lr, d, w)
		return
	}
	blas32.Axpy(-opt.lr, vec(buf), w)
}

func (opt *SGDOptimizer) ZeroGrad() {
	for _, p := range opt.params {
		p.ZeroGrad()
	}
}

func (opt *SGDOptimizer) SetLR(lr float32) {
	opt.lr = lr
}

func (opt *SGDOptimizer) LR() float32 {
	return opt.lr
}

func (opt *SGDOptimizer) Reset() {
	opt.velocities = make(map[string][]float32)
}

func (opt *SGDOptimizer) GetState() OptimizerState {
	velocities := make(map[string][]float32, len(opt.velocities))
	for k, v := range opt.velocities {
		velocities[k] = append([]float32(nil), v...)
	}
	return OptimizerState{
		Name:        opt.Name(),
		LR:          opt.lr,
		Momentum:    opt.momentum,
		Dampening:   opt.dampening,
		WeightDecay: opt.weightDecay,
		Nesterov:    opt.nesterov,
		Velocities:  velocities,
	}
}

// LoadState restores the learning rate and momentum buffers. Hyperparameters
// other than the learning rate stay as constructed.
func (opt *SGDOptimizer) LoadState(state OptimizerState) error {
	if state.Name != opt.Name() {
		return fmt.Errorf("cannot load %s state into %s", state.Name, opt.Name())
	}
	sizes := make(map[string]int, len(opt.params))
	for _, p := range opt.params {
		sizes[p.Name] = p.Size()
	}
	velocities := make(map[string][]float32, len(state.Velocities))
	for k, v := range state.Velocities {
		n, ok := sizes[k]
		if !ok {
			return fmt.Errorf("momentum buffer for unknown parameter %s", k)
		}
		if len(v) != n {
			return fmt.Errorf("%w: momentum buffer %s has %d values, want %d", ErrShape, k, len(v), n)
		}
		velocities[k] = append([]float32(nil), v...)
	}
	opt.lr = state.LR
	opt.velocities = velocities
	return nil
}

func (opt *SGDOptimizer) Params() []*Param {
	return opt.params
}

func (opt *SGDOptimizer) Name() string {
	return "SGD"
}

func vec(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Inc: 1, Data: data}
}
