package nn

import (
	"fmt"
	"math"
)

// SoftmaxCrossEntropy returns the mean cross-entropy of logits [batch, classes]
// against integer labels, the gradient with respect to logits, and the number
// of rows whose argmax equals the label.
func SoftmaxCrossEntropy(logits *Tensor, labels []int) (float64, *Tensor, int, error) {
	if len(logits.Shape) != 2 {
		return 0, nil, 0, fmt.Errorf("%w: logits must be [batch, classes], got %v", ErrShape, logits.Shape)
	}
	batch, classes := logits.Shape[0], logits.Shape[1]
	if len(labels) != batch {
		return 0, nil, 0, fmt.Errorf("%w: %d labels for batch of %d", ErrShape, len(labels), batch)
	}
	if batch == 0 {
		return 0, nil, 0, fmt.Errorf("%w: empty batch", ErrShape)
	}

	grad := NewTensor(batch, classes)
	loss := 0.0
	correct := 0
	scale := 1.0 / float64(batch)

	for b := 0; b < batch; b++ {
		label := labels[b]
		if label < 0 || label >= classes {
			return 0, nil, 0, fmt.Errorf("label %d out of range [0,%d)", label, classes)
		}
		row := logits.Data[b*classes : (b+1)*classes]

		best := 0
		maxV := float64(row[0])
		for c, v := range row {
			if float64(v) > maxV {
				maxV = float64(v)
				best = c
			}
		}
		if math.IsNaN(maxV) || math.IsInf(maxV, 0) {
			return 0, nil, 0, fmt.Errorf("%w: logits row %d", ErrNonFinite, b)
		}
		if best == label {
			correct++
		}

		sum := 0.0
		for _, v := range row {
			sum += math.Exp(float64(v) - maxV)
		}
		logSum := math.Log(sum) + maxV
		loss += (logSum - float64(row[label])) * scale

		g := grad.Data[b*classes : (b+1)*classes]
		for c, v := range row {
			p := math.Exp(float64(v) - logSum)
			if c == label {
				p -= 1
			}
			g[c] = float32(p * scale)
		}
	}
	return loss, grad, correct, nil
}

// Accuracy returns the top-1 percentage of correct predictions.
func Accuracy(correct, total int) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(correct) / float64(total)
}
