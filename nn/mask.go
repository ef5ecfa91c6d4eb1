package nn

import (
	"fmt"
	"math"
)

// Saturation is the magnitude a mask parameter is pushed to when pruned.
// sigmoid(T * ±Saturation) is exactly 0 or 1 in float32 for every T >= 1.
const Saturation float32 = 1e4

// Sigmoid is the numerically stable logistic function. exp is only ever
// evaluated on a non-positive argument, so large |x| cannot overflow.
func Sigmoid(x float32) float32 {
	if x >= 0 {
		return float32(1.0 / (1.0 + math.Exp(-float64(x))))
	}
	e := math.Exp(float64(x))
	return float32(e / (1.0 + e))
}

// HardMask is the ticket-mode threshold. s == 0 maps to 0.
func HardMask(s float32) float32 {
	if s > 0 {
		return 1
	}
	return 0
}

// MaskValue computes m(s, T, ticket).
func MaskValue(s, temp float32, ticket bool) float32 {
	if ticket {
		return HardMask(s)
	}
	return Sigmoid(temp * s)
}

// MaskGrad is dm/ds for the soft mask: T * σ(Ts) * (1 - σ(Ts)).
func MaskGrad(s, temp float32) float32 {
	sig := Sigmoid(temp * s)
	return temp * sig * (1 - sig)
}

// ApplyMask writes mask values into m and w ⊙ m into eff.
// It returns ErrNonFinite if the temperature or any mask parameter is NaN/Inf.
func ApplyMask(eff, m, w, s []float32, temp float32, ticket bool) error {
	if err := checkMaskInputs(eff, m, w, s, temp, ticket); err != nil {
		return err
	}
	for i := range w {
		m[i] = MaskValue(s[i], temp, ticket)
		eff[i] = w[i] * m[i]
	}
	return nil
}

func checkMaskInputs(eff, m, w, s []float32, temp float32, ticket bool) error {
	if len(eff) != len(w) || len(m) != len(w) || len(s) != len(w) {
		return fmt.Errorf("%w: weight %d, mask %d", ErrShape, len(w), len(s))
	}
	if !ticket && !isFinite(temp) {
		return fmt.Errorf("%w: temperature %v", ErrNonFinite, temp)
	}
	for i, v := range s {
		if !isFinite(v) {
			return fmt.Errorf("%w: mask parameter %d is %v", ErrNonFinite, i, v)
		}
	}
	return nil
}

// PruneValue saturates s to ±Saturation keeping its sign; 0 goes negative.
func PruneValue(s float32) float32 {
	if s > 0 {
		return Saturation
	}
	return -Saturation
}

func isFinite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
