package nn

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestStateDictRoundTrip(t *testing.T) {
	src := testBackbone(t)
	for _, p := range src.MaskParams() {
		for i := range p.Data {
			p.Data[i] = float32(i%7) - 3
		}
	}

	enc, err := EncodeStateDict(src.StateDict())
	if err != nil {
		t.Fatal(err)
	}
	if enc.Format != StateFormat {
		t.Errorf("format = %q", enc.Format)
	}
	state, err := DecodeStateDict(enc)
	if err != nil {
		t.Fatal(err)
	}

	dst, err := NewBackbone(BackboneConfig{
		InputChannels: 3, Height: 8, Width: 8, Widths: []int{4, 8}, NumClasses: 10, Seed: 99,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := dst.LoadStateDict(state); err != nil {
		t.Fatal(err)
	}
	for i, p := range src.Params() {
		q := dst.Params()[i]
		for j := range p.Data {
			if math.Float32bits(p.Data[j]) != math.Float32bits(q.Data[j]) {
				t.Fatalf("%s[%d]: %v != %v", p.Name, j, p.Data[j], q.Data[j])
			}
		}
	}
}

func TestLoadStateDictRejectsMismatch(t *testing.T) {
	n := testBackbone(t)
	state := n.StateDict()
	name := n.Params()[0].Name
	entry := state[name]
	entry.Values = entry.Values[:1]
	entry.Shape = []int{1}
	state[name] = entry
	before := n.Params()[1].Data[0]
	if err := n.LoadStateDict(state); err == nil {
		t.Fatal("expected shape error")
	}
	if n.Params()[1].Data[0] != before {
		t.Error("a failed load must not modify parameters")
	}

	delete(state, name)
	if err := n.LoadStateDict(state); err == nil {
		t.Fatal("expected missing-tensor error")
	}
}

func TestSafetensorsHalfPrecision(t *testing.T) {
	in := map[string]TensorWithShape{
		"a": {DType: "F16", Shape: []int{3}, Values: []float32{1, -2.5, 0.125}},
		"b": {DType: "BF16", Shape: []int{2}, Values: []float32{3, -0.5}},
	}
	raw, err := EncodeSafetensors(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := DecodeSafetensors(raw)
	if err != nil {
		t.Fatal(err)
	}
	for name, want := range in {
		got := out[name]
		for i := range want.Values {
			if got.Values[i] != want.Values[i] {
				t.Errorf("%s[%d] = %v, want %v", name, i, got.Values[i], want.Values[i])
			}
		}
	}
}

func TestDecodeSafetensorsTruncated(t *testing.T) {
	raw, err := EncodeSafetensors(map[string]TensorWithShape{
		"w": {DType: "F32", Shape: []int{4}, Values: []float32{1, 2, 3, 4}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeSafetensors(raw[:len(raw)-4]); err == nil {
		t.Error("expected out-of-bounds error")
	}
	if _, err := DecodeSafetensors(raw[:4]); err == nil {
		t.Error("expected short-header error")
	}
	bad := append([]byte(nil), raw...)
	binary.LittleEndian.PutUint64(bad, uint64(len(raw)))
	if _, err := DecodeSafetensors(bad); err == nil {
		t.Error("expected oversized-header error")
	}
}
