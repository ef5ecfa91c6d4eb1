// Package data supplies labelled image batches to the trainer.
//
// A Loader is restartable: every call to Batches starts a fresh pass over
// the data, reshuffled with a seed derived from the epoch so that every
// rank of a data-parallel run visits the same order.
package data

import (
	"errors"
	"fmt"

	"github.com/openfluke/sparsify/nn"
)

// ErrUnknownDataset is returned by ProduceLoaders for an unrecognised selector.
var ErrUnknownDataset = errors.New("unknown dataset")

// Batch is one mini-batch: Input is [batch, channels, height, width].
type Batch struct {
	Input  *nn.Tensor
	Labels []int
}

// Iterator yields the batches of one pass in order.
type Iterator interface {
	// Next returns the next batch, or false once the pass is exhausted.
	Next() (Batch, bool)
	// Close releases background workers; it is safe to call more than once.
	Close()
}

// Loader produces one Iterator per pass over the data.
type Loader interface {
	Batches(epoch int) Iterator
	// Len is the number of samples in one pass.
	Len() int
}

// Dataset is an in-memory collection of CHW float images.
type Dataset struct {
	Channels int
	Height   int
	Width    int
	Classes  int
	Pixels   []float32 // len = Len() * Channels * Height * Width
	Labels   []int
}

// Len returns the number of samples.
func (d *Dataset) Len() int {
	return len(d.Labels)
}

// SampleSize is the number of floats per image.
func (d *Dataset) SampleSize() int {
	return d.Channels * d.Height * d.Width
}

// Validate checks that pixels and labels agree.
func (d *Dataset) Validate() error {
	if d.Channels <= 0 || d.Height <= 0 || d.Width <= 0 {
		return fmt.Errorf("dataset: invalid image shape %dx%dx%d", d.Channels, d.Height, d.Width)
	}
	if len(d.Pixels) != d.Len()*d.SampleSize() {
		return fmt.Errorf("dataset: %d pixels for %d samples of %d", len(d.Pixels), d.Len(), d.SampleSize())
	}
	for i, l := range d.Labels {
		if l < 0 || l >= d.Classes {
			return fmt.Errorf("dataset: label %d of sample %d outside [0,%d)", l, i, d.Classes)
		}
	}
	return nil
}

// Subset copies the samples at the given indices into a new dataset.
func (d *Dataset) Subset(indices []int) *Dataset {
	size := d.SampleSize()
	out := &Dataset{
		Channels: d.Channels,
		Height:   d.Height,
		Width:    d.Width,
		Classes:  d.Classes,
		Pixels:   make([]float32, len(indices)*size),
		Labels:   make([]int, len(indices)),
	}
	for j, i := range indices {
		copy(out.Pixels[j*size:(j+1)*size], d.Pixels[i*size:(i+1)*size])
		out.Labels[j] = d.Labels[i]
	}
	return out
}

// Shard keeps every worldSize-th sample starting at rank, so the shards of
// all ranks are disjoint and together cover d.
func (d *Dataset) Shard(rank, worldSize int) (*Dataset, error) {
	if worldSize <= 1 {
		return d, nil
	}
	if rank < 0 || rank >= worldSize {
		return nil, fmt.Errorf("dataset: rank %d outside [0,%d)", rank, worldSize)
	}
	var indices []int
	for i := rank; i < d.Len(); i += worldSize {
		indices = append(indices, i)
	}
	if len(indices) == 0 {
		return nil, fmt.Errorf("dataset: no samples for rank %d of %d", rank, worldSize)
	}
	return d.Subset(indices), nil
}

// Split holds out the last n samples of a seeded permutation for validation.
func (d *Dataset) Split(n int, seed int64) (train, val *Dataset, err error) {
	if n < 0 || n >= d.Len() {
		return nil, nil, fmt.Errorf("dataset: cannot hold out %d of %d samples", n, d.Len())
	}
	perm := permutation(d.Len(), seed)
	cut := d.Len() - n
	return d.Subset(perm[:cut]), d.Subset(perm[cut:]), nil
}
