package nn

import (
	"math"
	"math/rand"
	"testing"
)

// weightedSum is L = Σ c_i y_i, so dL/dy = c.
func weightedSum(t *testing.T, l Layer, x *Tensor, c []float32) float64 {
	t.Helper()
	y, err := l.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	sum := 0.0
	for i, v := range y.Data {
		sum += float64(v) * float64(c[i])
	}
	return sum
}

// checkGradients compares the analytic gradients of every parameter and of
// the input against central finite differences.
func checkGradients(t *testing.T, l Layer, x *Tensor, outSize int, rng *rand.Rand) {
	t.Helper()
	c := make([]float32, outSize)
	for i := range c {
		c[i] = float32(rng.NormFloat64())
	}

	for _, p := range l.Params() {
		p.ZeroGrad()
	}
	y, err := l.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	if y.Size() != outSize {
		t.Fatalf("output size %d, want %d", y.Size(), outSize)
	}
	gradInput := l.Backward(&Tensor{Data: c, Shape: y.Shape})

	const eps = 1e-2
	const tol = 2e-2
	numeric := func(data []float32, i int) float64 {
		orig := data[i]
		data[i] = orig + eps
		plus := weightedSum(t, l, x, c)
		data[i] = orig - eps
		minus := weightedSum(t, l, x, c)
		data[i] = orig
		return (plus - minus) / (2 * eps)
	}

	for _, p := range l.Params() {
		for i := range p.Data {
			want := numeric(p.Data, i)
			if got := float64(p.Grad[i]); math.Abs(got-want) > tol*math.Max(1, math.Abs(want)) {
				t.Errorf("%s[%d]: analytic %v, numeric %v", p.Name, i, got, want)
			}
		}
	}
	for i := range x.Data {
		want := numeric(x.Data, i)
		if got := float64(gradInput.Data[i]); math.Abs(got-want) > tol*math.Max(1, math.Abs(want)) {
			t.Errorf("input[%d]: analytic %v, numeric %v", i, got, want)
		}
	}
}

func randomTensor(rng *rand.Rand, shape ...int) *Tensor {
	x := NewTensor(shape...)
	for i := range x.Data {
		x.Data[i] = float32(rng.NormFloat64())
	}
	return x
}

func randomizeMask(rng *rand.Rand, p *Param) {
	for i := range p.Data {
		p.Data[i] = float32(rng.NormFloat64())
	}
}

func TestMaskedDenseGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	ctx := &RunContext{Temperature: 2}
	l := NewMaskedDense("fc", ctx, rng, 4, 3, 0)
	randomizeMask(rng, l.MaskParam())
	checkGradients(t, l, randomTensor(rng, 2, 4), 2*3, rng)
}

func TestMaskedConv2DGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	ctx := &RunContext{Temperature: 1.5}
	l := NewMaskedConv2D("conv", ctx, rng, 2, 2, 3, 2, 1, 0)
	randomizeMask(rng, l.MaskParam())
	outH, outW := l.OutputSize(5, 5)
	checkGradients(t, l, randomTensor(rng, 1, 2, 5, 5), 2*outH*outW, rng)
}

func TestTicketModeFreezesMaskGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	ctx := &RunContext{Temperature: 1, Ticket: true}
	l := NewMaskedDense("fc", ctx, rng, 3, 2, 0)
	randomizeMask(rng, l.MaskParam())

	x := randomTensor(rng, 4, 3)
	y, err := l.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	l.Backward(randomTensor(rng, y.Shape...))
	l.addSparsityGrad(0.5)

	for i, g := range l.MaskParam().Grad {
		if g != 0 {
			t.Fatalf("mask grad[%d] = %v in ticket mode, want 0", i, g)
		}
	}
	// Masked-out weights receive no gradient either.
	for i, s := range l.MaskParam().Data {
		if s <= 0 && l.Weight().Grad[i] != 0 {
			t.Errorf("weight grad[%d] = %v behind a zero mask", i, l.Weight().Grad[i])
		}
	}
}

func TestSparsityGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	ctx := &RunContext{Temperature: 3}
	l := NewMaskedDense("fc", ctx, rng, 2, 2, 0)
	randomizeMask(rng, l.MaskParam())

	const lambda = 0.25
	l.addSparsityGrad(lambda)

	const eps = 1e-3
	s := l.MaskParam().Data
	for i := range s {
		orig := s[i]
		s[i] = orig + eps
		plus := l.maskSum()
		s[i] = orig - eps
		minus := l.maskSum()
		s[i] = orig
		want := lambda * (plus - minus) / (2 * eps)
		if got := float64(l.MaskParam().Grad[i]); math.Abs(got-want) > 1e-2 {
			t.Errorf("sparsity grad[%d] = %v, want %v", i, got, want)
		}
	}
}

func TestBasicBlockSkipPath(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	ctx := NewRunContext()
	b := NewBasicBlock("block", ctx, rng, 2, 0)
	// With zero weights both convolutions output zero, leaving relu(x).
	for _, p := range b.Params() {
		if p.Kind == KindWeight {
			for i := range p.Data {
				p.Data[i] = 0
			}
		}
	}
	x := randomTensor(rng, 1, 2, 3, 3)
	y, err := b.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range x.Data {
		want := float32(math.Max(0, float64(v)))
		if y.Data[i] != want {
			t.Fatalf("y[%d] = %v, want %v", i, y.Data[i], want)
		}
	}

	grad := NewTensor(y.Shape...)
	for i := range grad.Data {
		grad.Data[i] = 1
	}
	g := b.Backward(grad)
	for i, v := range x.Data {
		want := float32(0)
		if v > 0 {
			want = 1
		}
		if g.Data[i] != want {
			t.Errorf("grad[%d] = %v, want %v", i, g.Data[i], want)
		}
	}
}

func TestGlobalAvgPool(t *testing.T) {
	p := &GlobalAvgPool{}
	x, _ := NewTensorFromSlice([]float32{1, 2, 3, 4, 10, 10, 10, 10}, 1, 2, 2, 2)
	y, err := p.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	if y.Data[0] != 2.5 || y.Data[1] != 10 {
		t.Errorf("pool = %v, want [2.5 10]", y.Data)
	}
	g := p.Backward(&Tensor{Data: []float32{4, 8}, Shape: []int{1, 2}})
	if g.Data[0] != 1 || g.Data[7] != 2 {
		t.Errorf("pool grad = %v", g.Data)
	}
}

func TestTensorFromSliceShape(t *testing.T) {
	if _, err := NewTensorFromSlice([]float32{1, 2, 3}, 2, 2); err == nil {
		t.Error("expected shape error")
	}
	x, err := NewTensorFromSlice([]float32{1, 2, 3, 4}, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	c := x.Clone()
	x.Data[0] = 100
	if c.Data[0] != 1 {
		t.Error("Clone shares storage with the original")
	}
}
