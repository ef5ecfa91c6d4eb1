package nn

// MaskModule is a layer whose weight is gated by a learned mask.
type MaskModule interface {
	Name() string
	Weight() *Param
	MaskParam() *Param
	// Mask returns the current mask values under the shared run context.
	Mask() []float32
	// Prune saturates every mask parameter to a fixed sign.
	Prune()
}

// MaskDevice computes effective weights off the CPU. See UseGPU.
type MaskDevice interface {
	ApplyMask(eff, m, w, s []float32, temp float32, ticket bool) error
	Release()
}

// maskedWeight is the weight/mask pair shared by MaskedConv2D and MaskedDense.
type maskedWeight struct {
	name   string
	weight *Param
	mask   *Param
	ctx    *RunContext
	device MaskDevice

	// Filled by compute() for the backward pass.
	eff []float32
	m   []float32
}

func newMaskedWeight(name string, ctx *RunContext, maskInit float32, shape ...int) maskedWeight {
	mw := maskedWeight{
		name:   name,
		weight: newParam(name+".weight", KindWeight, shape...),
		mask:   newParam(name+".mask", KindMask, shape...),
		ctx:    ctx,
	}
	for i := range mw.mask.Data {
		mw.mask.Data[i] = maskInit
	}
	mw.eff = make([]float32, mw.weight.Size())
	mw.m = make([]float32, mw.weight.Size())
	return mw
}

func (mw *maskedWeight) Name() string      { return mw.name }
func (mw *maskedWeight) Weight() *Param    { return mw.weight }
func (mw *maskedWeight) MaskParam() *Param { return mw.mask }

func (mw *maskedWeight) Mask() []float32 {
	out := make([]float32, mw.mask.Size())
	for i, s := range mw.mask.Data {
		out[i] = MaskValue(s, mw.ctx.Temperature, mw.ctx.Ticket)
	}
	return out
}

func (mw *maskedWeight) Prune() {
	for i, s := range mw.mask.Data {
		mw.mask.Data[i] = PruneValue(s)
	}
}

// compute refreshes eff and m from the current parameters and run context.
func (mw *maskedWeight) compute() error {
	if mw.device != nil {
		return mw.device.ApplyMask(mw.eff, mw.m, mw.weight.Data, mw.mask.Data, mw.ctx.Temperature, mw.ctx.Ticket)
	}
	return ApplyMask(mw.eff, mw.m, mw.weight.Data, mw.mask.Data, mw.ctx.Temperature, mw.ctx.Ticket)
}

// accumulate distributes the gradient of the effective weight to w and,
// outside ticket mode, to s.
func (mw *maskedWeight) accumulate(gradEff []float32) {
	w := mw.weight
	for i, g := range gradEff {
		w.Grad[i] += g * mw.m[i]
	}
	if mw.ctx.Ticket {
		return
	}
	s := mw.mask
	temp := mw.ctx.Temperature
	for i, g := range gradEff {
		s.Grad[i] += g * w.Data[i] * MaskGrad(s.Data[i], temp)
	}
}

// addSparsityGrad adds λ·dm/ds, the gradient of λ·Σm.
func (mw *maskedWeight) addSparsityGrad(lambda float32) {
	if mw.ctx.Ticket || lambda == 0 {
		return
	}
	s := mw.mask
	temp := mw.ctx.Temperature
	for i := range s.Data {
		s.Grad[i] += lambda * MaskGrad(s.Data[i], temp)
	}
}

func (mw *maskedWeight) maskSum() float64 {
	sum := 0.0
	for _, s := range mw.mask.Data {
		sum += float64(MaskValue(s, mw.ctx.Temperature, mw.ctx.Ticket))
	}
	return sum
}
