package nn

import (
	"fmt"
	"math/rand"
)

// Arch is the architecture tag written into checkpoints.
const Arch = "MaskedResNet"

// BackboneConfig fixes the topology of the network.
type BackboneConfig struct {
	InputChannels int     `json:"input_channels"`
	Height        int     `json:"height"`
	Width         int     `json:"width"`
	Widths        []int   `json:"widths"` // channels per stage; one residual block each
	NumClasses    int     `json:"num_classes"`
	MaskInit      float32 `json:"mask_initial_value"`
	Seed          int64   `json:"seed"`
}

// Network is the full feed-forward graph plus the mask bookkeeping shared by
// all of its maskable layers.
type Network struct {
	Config BackboneConfig

	ctx         *RunContext
	layers      []Layer
	maskModules []MaskModule
	params      []*Param

	snapshot map[string][]float32
	consumed bool
	devices  []MaskDevice
}

// NewBackbone builds stem conv -> [block, downsample]* -> global pool -> dense head.
// Stage i>0 starts with a stride-2 masked conv from Widths[i-1] to Widths[i].
func NewBackbone(cfg BackboneConfig) (*Network, error) {
	if cfg.InputChannels <= 0 || cfg.Height <= 0 || cfg.Width <= 0 {
		return nil, fmt.Errorf("%w: input %dx%dx%d", ErrShape, cfg.InputChannels, cfg.Height, cfg.Width)
	}
	if len(cfg.Widths) == 0 {
		return nil, fmt.Errorf("%w: at least one stage width is required", ErrShape)
	}
	if cfg.NumClasses < 2 {
		return nil, fmt.Errorf("%w: need at least 2 classes, got %d", ErrShape, cfg.NumClasses)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	ctx := NewRunContext()
	n := &Network{Config: cfg, ctx: ctx}

	stem := NewMaskedConv2D("stem", ctx, rng, cfg.InputChannels, cfg.Widths[0], 3, 1, 1, cfg.MaskInit)
	n.add(stem, stem)
	n.add(&ReLU{})

	h, w := cfg.Height, cfg.Width
	for i, width := range cfg.Widths {
		if i > 0 {
			down := NewMaskedConv2D(fmt.Sprintf("down%d", i), ctx, rng, cfg.Widths[i-1], width, 3, 2, 1, cfg.MaskInit)
			n.add(down, down)
			n.add(&ReLU{})
			h, w = down.OutputSize(h, w)
			if h <= 0 || w <= 0 {
				return nil, fmt.Errorf("%w: input %dx%d too small for %d stages", ErrShape, cfg.Height, cfg.Width, len(cfg.Widths))
			}
		}
		block := NewBasicBlock(fmt.Sprintf("block%d", i), ctx, rng, width, cfg.MaskInit)
		n.add(block, block.Conv1, block.Conv2)
	}

	n.add(&GlobalAvgPool{})
	head := NewMaskedDense("head", ctx, rng, cfg.Widths[len(cfg.Widths)-1], cfg.NumClasses, cfg.MaskInit)
	n.add(head, head)

	return n, nil
}

func (n *Network) add(l Layer, modules ...MaskModule) {
	n.layers = append(n.layers, l)
	n.maskModules = append(n.maskModules, modules...)
	n.params = append(n.params, l.Params()...)
}

// Context returns the shared run context.
func (n *Network) Context() *RunContext {
	return n.ctx
}

// Temperature returns the shared temperature.
func (n *Network) Temperature() float32 {
	return n.ctx.Temperature
}

// Ticket reports whether masks are hard-thresholded.
func (n *Network) Ticket() bool {
	return n.ctx.Ticket
}

// SetTicket switches between soft (search) and hard (ticket) masks.
func (n *Network) SetTicket(ticket bool) {
	n.ctx.Ticket = ticket
}

// MaskModules returns every maskable layer in forward order.
func (n *Network) MaskModules() []MaskModule {
	return n.maskModules
}

// Params returns all parameters in forward order.
func (n *Network) Params() []*Param {
	return n.params
}

// WeightParams returns weights and biases.
func (n *Network) WeightParams() []*Param {
	return FilterParams(n.params, KindWeight)
}

// MaskParams returns the mask parameters.
func (n *Network) MaskParams() []*Param {
	return FilterParams(n.params, KindMask)
}

// Masks returns the current mask values of every module.
func (n *Network) Masks() [][]float32 {
	out := make([][]float32, len(n.maskModules))
	for i, m := range n.maskModules {
		out[i] = m.Mask()
	}
	return out
}

// MaskSum is Σ m over all mask entries, the sparsity penalty before λ.
func (n *Network) MaskSum() float64 {
	sum := 0.0
	for _, m := range n.maskModules {
		sum += maskedWeightOf(m).maskSum()
	}
	return sum
}

// RemainingWeights is the fraction of mask entries that are non-zero.
func (n *Network) RemainingWeights() float64 {
	return RemainingWeights(n.Masks())
}

// Forward runs x through every layer and returns the logits [batch, classes].
func (n *Network) Forward(x *Tensor) (*Tensor, error) {
	h := x
	for _, l := range n.layers {
		var err error
		h, err = l.Forward(h)
		if err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Backward propagates the logits gradient through the graph.
func (n *Network) Backward(grad *Tensor) {
	g := grad
	for i := len(n.layers) - 1; i >= 0; i-- {
		g = n.layers[i].Backward(g)
	}
}

// AddSparsityGrad adds the gradient of λ·Σm to every mask parameter.
// It is a no-op in ticket mode.
func (n *Network) AddSparsityGrad(lambda float32) {
	for _, m := range n.maskModules {
		maskedWeightOf(m).addSparsityGrad(lambda)
	}
}

// ZeroGrad clears all gradient accumulators.
func (n *Network) ZeroGrad() {
	for _, p := range n.params {
		p.ZeroGrad()
	}
}

// Checkpoint captures the rewind snapshot of every weight parameter.
// It may succeed only once per network.
func (n *Network) Checkpoint() error {
	if n.snapshot != nil {
		return ErrSnapshotExists
	}
	snap := make(map[string][]float32)
	for _, p := range n.WeightParams() {
		snap[p.Name] = append([]float32(nil), p.Data...)
	}
	n.snapshot = snap
	return nil
}

// CheckpointFrom installs a snapshot taken by an earlier process, e.g. the
// state dict of a saved rewind record. Mask entries in state are ignored.
func (n *Network) CheckpointFrom(state map[string]TensorWithShape) error {
	if n.snapshot != nil {
		return ErrSnapshotExists
	}
	snap := make(map[string][]float32)
	for _, p := range n.WeightParams() {
		t, ok := state[p.Name]
		if !ok {
			return fmt.Errorf("snapshot is missing %s", p.Name)
		}
		if len(t.Values) != p.Size() {
			return fmt.Errorf("%w: snapshot %s has %d values, want %d", ErrShape, p.Name, len(t.Values), p.Size())
		}
		snap[p.Name] = append([]float32(nil), t.Values...)
	}
	n.snapshot = snap
	return nil
}

// HasSnapshot reports whether a rewind snapshot is available.
func (n *Network) HasSnapshot() bool {
	return n.snapshot != nil && !n.consumed
}

// RewindWeights restores weights from the snapshot; mask parameters are untouched.
func (n *Network) RewindWeights() error {
	if n.snapshot == nil {
		return ErrNoSnapshot
	}
	if n.consumed {
		return ErrSnapshotConsumed
	}
	for _, p := range n.WeightParams() {
		copy(p.Data, n.snapshot[p.Name])
	}
	n.consumed = true
	return nil
}

// Prune freezes every soft mask into a hard decision by saturating its
// parameters. Calling it twice gives the same masks as calling it once.
func (n *Network) Prune() error {
	if n.ctx.Ticket {
		return fmt.Errorf("prune: %w", ErrTicketMode)
	}
	for _, m := range n.maskModules {
		m.Prune()
	}
	return nil
}

func maskedWeightOf(m MaskModule) *maskedWeight {
	switch l := m.(type) {
	case *MaskedConv2D:
		return &l.maskedWeight
	case *MaskedDense:
		return &l.maskedWeight
	}
	panic(fmt.Sprintf("nn: unsupported mask module %T", m))
}

// RemainingWeights returns 1 - zeros/total over all mask entries.
func RemainingWeights(masks [][]float32) float64 {
	zeros, total := 0, 0
	for _, m := range masks {
		for _, v := range m {
			if v == 0 {
				zeros++
			}
		}
		total += len(m)
	}
	if total == 0 {
		return 1
	}
	return 1 - float64(zeros)/float64(total)
}
