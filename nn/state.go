package nn

import (
	"encoding/base64"
	"fmt"
)

// StateFormat is the EncodedWeights format tag for safetensors payloads.
const StateFormat = "safetensors"

// EncodedWeights stores a state dict as base64 safetensors inside JSON.
type EncodedWeights struct {
	Format string `json:"fmt"`
	Data   string `json:"data"`
}

// StateDict snapshots every parameter (weights and masks) by name.
func (n *Network) StateDict() map[string]TensorWithShape {
	state := make(map[string]TensorWithShape, len(n.params))
	for _, p := range n.params {
		state[p.Name] = TensorWithShape{
			DType:  "F32",
			Shape:  append([]int(nil), p.Shape...),
			Values: append([]float32(nil), p.Data...),
		}
	}
	return state
}

// LoadStateDict overwrites every parameter from state. Missing names and
// shape mismatches are errors; unknown extra names are ignored.
func (n *Network) LoadStateDict(state map[string]TensorWithShape) error {
	for _, p := range n.params {
		t, ok := state[p.Name]
		if !ok {
			return fmt.Errorf("state dict is missing %s", p.Name)
		}
		if len(t.Values) != p.Size() {
			return fmt.Errorf("%w: %s has %d values, want %d", ErrShape, p.Name, len(t.Values), p.Size())
		}
	}
	for _, p := range n.params {
		copy(p.Data, state[p.Name].Values)
	}
	return nil
}

// EncodeStateDict packs a state dict for embedding in a JSON record.
func EncodeStateDict(state map[string]TensorWithShape) (EncodedWeights, error) {
	raw, err := EncodeSafetensors(state)
	if err != nil {
		return EncodedWeights{}, err
	}
	return EncodedWeights{
		Format: StateFormat,
		Data:   base64.StdEncoding.EncodeToString(raw),
	}, nil
}

// DecodeStateDict reverses EncodeStateDict.
func DecodeStateDict(w EncodedWeights) (map[string]TensorWithShape, error) {
	if w.Format != StateFormat {
		return nil, fmt.Errorf("unsupported weights format %q", w.Format)
	}
	raw, err := base64.StdEncoding.DecodeString(w.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode weights: %w", err)
	}
	return DecodeSafetensors(raw)
}
