package data

import (
	"fmt"
	"math/rand"
)

// NewSynthetic builds n images whose class is encoded by a fixed random
// ±1 prototype per class plus Gaussian noise of the given scale, so a
// linear classifier on the pooled features can separate them.
func NewSynthetic(n, classes, channels, height, width int, noise float64, seed int64) (*Dataset, error) {
	if n <= 0 || classes < 2 {
		return nil, fmt.Errorf("synthetic: need n > 0 and at least 2 classes, got n=%d classes=%d", n, classes)
	}
	d := &Dataset{
		Channels: channels,
		Height:   height,
		Width:    width,
		Classes:  classes,
		Labels:   make([]int, n),
	}
	size := d.SampleSize()
	if size <= 0 {
		return nil, fmt.Errorf("synthetic: invalid image shape %dx%dx%d", channels, height, width)
	}
	d.Pixels = make([]float32, n*size)

	rng := rand.New(rand.NewSource(seed))
	// Each class lights up its own channel offset so the global average
	// pool keeps the classes apart.
	prototypes := make([][]float32, classes)
	for c := range prototypes {
		p := make([]float32, size)
		for i := range p {
			if rng.Intn(2) == 0 {
				p[i] = -1
			} else {
				p[i] = 1
			}
		}
		area := height * width
		ch := c % channels
		for i := 0; i < area; i++ {
			p[ch*area+i] += 2 * float32(1+c/channels)
		}
		prototypes[c] = p
	}

	for i := 0; i < n; i++ {
		label := i % classes
		d.Labels[i] = label
		dst := d.Pixels[i*size : (i+1)*size]
		for j, v := range prototypes[label] {
			dst[j] = v + float32(rng.NormFloat64()*noise)
		}
	}
	return d, nil
}
