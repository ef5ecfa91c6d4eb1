package train

import (
	"fmt"
	"sync"

	"github.com/openfluke/sparsify/nn"
)

// GradSync averages gradients across data-parallel ranks. It is called
// after every backward pass and before any optimizer step.
type GradSync interface {
	AllReduce(params []*nn.Param) error
}

// Aborter is implemented by a GradSync whose peers must be released when
// one rank stops with an error.
type Aborter interface {
	Abort(err error)
}

// LocalSync is the single-process GradSync; it leaves gradients as they are.
type LocalSync struct{}

func (LocalSync) AllReduce([]*nn.Param) error { return nil }

// ReplicaGroup averages gradients across replicas running in one process.
// Each replica calls AllReduce on its own rank handle; the call blocks
// until every rank has contributed, then all ranks receive the same mean.
type ReplicaGroup struct {
	size int

	mu       sync.Mutex
	cond     *sync.Cond
	sum      [][]float32
	arrived  int
	departed int
	draining bool
	gen      int
	err      error
}

// NewReplicaGroup creates a group for size ranks.
func NewReplicaGroup(size int) *ReplicaGroup {
	g := &ReplicaGroup{size: size}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Abort fails every pending and future AllReduce with err. The first call
// wins; later calls are ignored.
func (g *ReplicaGroup) Abort(err error) {
	if err == nil {
		err = ErrAborted
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err == nil {
		g.err = err
		g.cond.Broadcast()
	}
}

func (g *ReplicaGroup) aborted() error {
	return fmt.Errorf("%w: %w", ErrAborted, g.err)
}

// Rank returns the GradSync handle for one replica.
func (g *ReplicaGroup) Rank(rank int) GradSync {
	return &replicaRank{group: g, rank: rank}
}

type replicaRank struct {
	group *ReplicaGroup
	rank  int
}

func (r *replicaRank) AllReduce(params []*nn.Param) error {
	return r.group.allReduce(params)
}

func (r *replicaRank) Abort(err error) {
	r.group.Abort(fmt.Errorf("rank %d: %w", r.rank, err))
}

func (g *ReplicaGroup) allReduce(params []*nn.Param) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for g.draining && g.err == nil {
		g.cond.Wait()
	}
	if g.err != nil {
		return g.aborted()
	}
	if g.arrived == 0 {
		g.sum = make([][]float32, len(params))
		for i, p := range params {
			g.sum[i] = make([]float32, len(p.Grad))
		}
	}
	if len(params) != len(g.sum) {
		return fmt.Errorf("all-reduce: %d params, group expects %d", len(params), len(g.sum))
	}
	for i, p := range params {
		if len(p.Grad) != len(g.sum[i]) {
			return fmt.Errorf("all-reduce: %s has %d values, group expects %d", p.Name, len(p.Grad), len(g.sum[i]))
		}
		for j, v := range p.Grad {
			g.sum[i][j] += v
		}
	}

	g.arrived++
	gen := g.gen
	if g.arrived == g.size {
		scale := 1 / float32(g.size)
		for _, s := range g.sum {
			for j := range s {
				s[j] *= scale
			}
		}
		g.draining = true
		g.gen++
		g.cond.Broadcast()
	} else {
		for g.gen == gen && g.err == nil {
			g.cond.Wait()
		}
		if g.gen == gen {
			return g.aborted()
		}
	}

	for i, p := range params {
		copy(p.Grad, g.sum[i])
	}
	g.departed++
	if g.departed == g.size {
		g.arrived, g.departed = 0, 0
		g.draining = false
		g.sum = nil
		g.cond.Broadcast()
	}
	return nil
}
