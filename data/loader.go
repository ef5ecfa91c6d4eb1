package data

import (
	"math/rand"
	"sync"

	"github.com/openfluke/sparsify/nn"
)

// SliceLoader batches an in-memory Dataset.
type SliceLoader struct {
	Data      *Dataset
	BatchSize int
	Shuffle   bool
	Seed      int64
	Workers   int // concurrent batch assemblers; <= 0 assembles inline
}

// NewSliceLoader returns a loader over d.
func NewSliceLoader(d *Dataset, batchSize int, shuffle bool, seed int64, workers int) *SliceLoader {
	return &SliceLoader{Data: d, BatchSize: batchSize, Shuffle: shuffle, Seed: seed, Workers: workers}
}

func (l *SliceLoader) Len() int {
	return l.Data.Len()
}

// Batches starts a pass. The final batch may be short.
func (l *SliceLoader) Batches(epoch int) Iterator {
	n := l.Data.Len()
	var order []int
	if l.Shuffle {
		order = permutation(n, l.Seed+int64(epoch))
	} else {
		order = make([]int, n)
		for i := range order {
			order[i] = i
		}
	}

	size := l.BatchSize
	if size <= 0 {
		size = n
	}
	var chunks [][]int
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		chunks = append(chunks, order[start:end])
	}

	if l.Workers <= 0 {
		return &inlineIterator{data: l.Data, chunks: chunks}
	}
	return newPrefetchIterator(l.Data, chunks, l.Workers)
}

func permutation(n int, seed int64) []int {
	return rand.New(rand.NewSource(seed)).Perm(n)
}

func assemble(d *Dataset, indices []int) Batch {
	size := d.SampleSize()
	input := nn.NewTensor(len(indices), d.Channels, d.Height, d.Width)
	labels := make([]int, len(indices))
	for j, i := range indices {
		copy(input.Data[j*size:(j+1)*size], d.Pixels[i*size:(i+1)*size])
		labels[j] = d.Labels[i]
	}
	return Batch{Input: input, Labels: labels}
}

type inlineIterator struct {
	data   *Dataset
	chunks [][]int
	next   int
}

func (it *inlineIterator) Next() (Batch, bool) {
	if it.next >= len(it.chunks) {
		return Batch{}, false
	}
	b := assemble(it.data, it.chunks[it.next])
	it.next++
	return b, true
}

func (it *inlineIterator) Close() {
	it.next = len(it.chunks)
}

// prefetchIterator assembles up to `workers` batches ahead of the consumer
// and hands them out in their original order.
type prefetchIterator struct {
	queue chan chan Batch
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func newPrefetchIterator(d *Dataset, chunks [][]int, workers int) *prefetchIterator {
	it := &prefetchIterator{
		queue: make(chan chan Batch, workers),
		done:  make(chan struct{}),
	}
	it.wg.Add(1)
	go func() {
		defer it.wg.Done()
		defer close(it.queue)

		sem := make(chan struct{}, workers) // Semaphore with buffer size 'workers'
		for _, chunk := range chunks {
			select {
			case sem <- struct{}{}:
			case <-it.done:
				return
			}
			slot := make(chan Batch, 1)
			it.wg.Add(1)
			go func(indices []int) {
				defer it.wg.Done()
				defer func() { <-sem }()
				slot <- assemble(d, indices)
			}(chunk)

			select {
			case it.queue <- slot:
			case <-it.done:
				return
			}
		}
	}()
	return it
}

func (it *prefetchIterator) Next() (Batch, bool) {
	select {
	case <-it.done:
		return Batch{}, false
	default:
	}
	select {
	case slot, ok := <-it.queue:
		if !ok {
			return Batch{}, false
		}
		return <-slot, true
	case <-it.done:
		return Batch{}, false
	}
}

// Close stops the producer and waits for in-flight workers.
func (it *prefetchIterator) Close() {
	it.once.Do(func() {
		close(it.done)
	})
	it.wg.Wait()
}
