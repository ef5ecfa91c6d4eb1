package nn

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func testBackbone(t *testing.T) *Network {
	t.Helper()
	n, err := NewBackbone(BackboneConfig{
		InputChannels: 3,
		Height:        8,
		Width:         8,
		Widths:        []int{4, 8},
		NumClasses:    10,
		MaskInit:      0,
		Seed:          1,
	})
	if err != nil {
		t.Fatalf("NewBackbone: %v", err)
	}
	return n
}

func TestBackboneForwardShape(t *testing.T) {
	n := testBackbone(t)
	x := randomTensor(rand.New(rand.NewSource(1)), 2, 3, 8, 8)
	logits, err := n.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	if len(logits.Shape) != 2 || logits.Shape[0] != 2 || logits.Shape[1] != 10 {
		t.Fatalf("logits shape %v, want [2 10]", logits.Shape)
	}

	// stem, down1, block0 x2, block1 x2, head
	if got := len(n.MaskModules()); got != 6 {
		t.Errorf("mask modules = %d, want 6", got)
	}
	if len(n.MaskParams())+len(n.WeightParams()) != len(n.Params()) {
		t.Error("weight and mask groups do not partition the parameters")
	}
	for _, p := range n.MaskParams() {
		if p.Kind != KindMask {
			t.Errorf("%s in mask group has kind %v", p.Name, p.Kind)
		}
	}
}

func TestBackboneRejectsBadConfig(t *testing.T) {
	bad := []BackboneConfig{
		{InputChannels: 3, Height: 8, Width: 8, NumClasses: 10},
		{InputChannels: 3, Height: 8, Width: 8, Widths: []int{4}, NumClasses: 1},
		{InputChannels: 0, Height: 8, Width: 8, Widths: []int{4}, NumClasses: 10},
	}
	for i, cfg := range bad {
		if _, err := NewBackbone(cfg); !errors.Is(err, ErrShape) {
			t.Errorf("config %d: got %v, want ErrShape", i, err)
		}
	}
}

func TestSharedTemperature(t *testing.T) {
	n := testBackbone(t)
	for _, m := range n.MaskModules() {
		m.MaskParam().Data[0] = 0.3
	}
	before := n.Masks()
	n.Context().GrowTemperature(4)
	after := n.Masks()
	for i := range before {
		if after[i][0] <= before[i][0] {
			t.Errorf("module %d did not observe the new temperature", i)
		}
	}
}

func TestMaskSumAtInit(t *testing.T) {
	n := testBackbone(t)
	total := 0
	for _, p := range n.MaskParams() {
		total += p.Size()
	}
	// sigmoid(0) = 0.5 everywhere
	if got, want := n.MaskSum(), float64(total)/2; math.Abs(got-want) > 1e-6*want {
		t.Errorf("MaskSum = %v, want %v", got, want)
	}
	if got := n.RemainingWeights(); got != 1 {
		t.Errorf("RemainingWeights = %v, want 1 before pruning", got)
	}
}

func TestCheckpointOnce(t *testing.T) {
	n := testBackbone(t)
	if n.HasSnapshot() {
		t.Fatal("fresh network should have no snapshot")
	}
	if err := n.RewindWeights(); !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("rewind before checkpoint: got %v, want ErrNoSnapshot", err)
	}
	if err := n.Checkpoint(); err != nil {
		t.Fatal(err)
	}
	if err := n.Checkpoint(); !errors.Is(err, ErrSnapshotExists) {
		t.Errorf("second checkpoint: got %v, want ErrSnapshotExists", err)
	}
}

func TestRewindRestoresWeightsOnly(t *testing.T) {
	n := testBackbone(t)
	snap := make(map[string][]float32)
	for _, p := range n.WeightParams() {
		snap[p.Name] = append([]float32(nil), p.Data...)
	}
	if err := n.Checkpoint(); err != nil {
		t.Fatal(err)
	}

	rng := rand.New(rand.NewSource(2))
	for _, p := range n.Params() {
		for i := range p.Data {
			p.Data[i] += float32(rng.NormFloat64())
		}
	}
	masks := make(map[string][]float32)
	for _, p := range n.MaskParams() {
		masks[p.Name] = append([]float32(nil), p.Data...)
	}

	if err := n.RewindWeights(); err != nil {
		t.Fatal(err)
	}
	for _, p := range n.WeightParams() {
		for i, v := range p.Data {
			if math.Float32bits(v) != math.Float32bits(snap[p.Name][i]) {
				t.Fatalf("%s[%d] = %v, want bit-identical %v", p.Name, i, v, snap[p.Name][i])
			}
		}
	}
	for _, p := range n.MaskParams() {
		for i, v := range p.Data {
			if v != masks[p.Name][i] {
				t.Fatalf("rewind changed mask %s[%d]", p.Name, i)
			}
		}
	}

	if err := n.RewindWeights(); !errors.Is(err, ErrSnapshotConsumed) {
		t.Errorf("second rewind: got %v, want ErrSnapshotConsumed", err)
	}
	if n.HasSnapshot() {
		t.Error("snapshot should be consumed")
	}
}

func TestPruneIdempotent(t *testing.T) {
	n := testBackbone(t)
	rng := rand.New(rand.NewSource(4))
	for _, p := range n.MaskParams() {
		randomizeMask(rng, p)
	}
	n.MaskParams()[0].Data[0] = 0

	if err := n.Prune(); err != nil {
		t.Fatal(err)
	}
	once := n.Masks()
	if err := n.Prune(); err != nil {
		t.Fatal(err)
	}
	twice := n.Masks()

	for i := range once {
		for j := range once[i] {
			if once[i][j] != twice[i][j] {
				t.Fatalf("mask %d[%d] changed on second prune", i, j)
			}
			if v := once[i][j]; v != 0 && v != 1 {
				t.Fatalf("mask %d[%d] = %v after prune, want 0 or 1", i, j, v)
			}
		}
	}
	if once[0][0] != 0 {
		t.Error("a zero score must prune to a zero mask")
	}

	n.SetTicket(true)
	hard := n.Masks()
	for i := range once {
		for j := range once[i] {
			if once[i][j] != hard[i][j] {
				t.Fatalf("soft and hard masks disagree after prune at %d[%d]", i, j)
			}
		}
	}
	if err := n.Prune(); !errors.Is(err, ErrTicketMode) {
		t.Errorf("prune in ticket mode: got %v, want ErrTicketMode", err)
	}
}

func TestBackwardFillsGradients(t *testing.T) {
	n := testBackbone(t)
	rng := rand.New(rand.NewSource(6))
	x := randomTensor(rng, 4, 3, 8, 8)
	logits, err := n.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	_, grad, _, err := SoftmaxCrossEntropy(logits, []int{0, 1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	n.ZeroGrad()
	n.Backward(grad)
	n.AddSparsityGrad(1e-4)

	for _, p := range n.Params() {
		nonzero := false
		for _, g := range p.Grad {
			if g != 0 {
				nonzero = true
				break
			}
		}
		if !nonzero {
			t.Errorf("%s received no gradient", p.Name)
		}
	}

	n.ZeroGrad()
	for _, p := range n.Params() {
		for _, g := range p.Grad {
			if g != 0 {
				t.Fatalf("%s not cleared by ZeroGrad", p.Name)
			}
		}
	}
}
