package train

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openfluke/sparsify/data"

	"github.com/openfluke/sparsify/nn"
)

func TestReplicaGroupAveragesGradients(t *testing.T) {
	cfg := tinyConfig()
	const ranks = 3
	group := NewReplicaGroup(ranks)

	nets := make([]*nn.Network, ranks)
	opts := make([]*nn.SGDOptimizer, ranks)
	for r := range nets {
		nets[r] = tinyNet(t, cfg)
		opts[r], _ = nn.NewSGDOptimizer(nets[r].Params(), nn.SGDOptions{LR: 0.1, Momentum: 0.9})
	}

	var wg sync.WaitGroup
	errs := make([]error, ranks)
	for r := 0; r < ranks; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			rs := group.Rank(r)
			for step := 0; step < 3; step++ {
				// Every rank sees different gradients.
				for _, p := range nets[r].Params() {
					for i := range p.Grad {
						p.Grad[i] = float32(r+1) * float32(step+1) * 0.01
					}
				}
				if err := rs.AllReduce(nets[r].Params()); err != nil {
					errs[r] = err
					return
				}
				opts[r].Step()
			}
		}(r)
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", r, err)
		}
	}

	want := float32(1+2+3) / 3 * 3 * 0.01
	if got := nets[0].Params()[0].Grad[0]; !closeTo(got, want) {
		t.Errorf("averaged grad = %v, want %v", got, want)
	}
	for r := 1; r < ranks; r++ {
		for i, p := range nets[r].Params() {
			q := nets[0].Params()[i]
			for j := range p.Data {
				if p.Data[j] != q.Data[j] {
					t.Fatalf("rank %d diverged at %s[%d]", r, p.Name, j)
				}
			}
		}
	}
}

func TestLocalSyncIsNoop(t *testing.T) {
	cfg := tinyConfig()
	net := tinyNet(t, cfg)
	p := net.Params()[0]
	p.Grad[0] = 3
	if err := (LocalSync{}).AllReduce(net.Params()); err != nil {
		t.Fatal(err)
	}
	if p.Grad[0] != 3 {
		t.Error("LocalSync changed a gradient")
	}
}

func closeTo(a, b float32) bool {
	d := a - b
	return d < 1e-6 && d > -1e-6
}

func TestReplicaGroupAbortReleasesWaiters(t *testing.T) {
	cfg := tinyConfig()
	net := tinyNet(t, cfg)
	group := NewReplicaGroup(2)

	done := make(chan error, 1)
	go func() { done <- group.Rank(0).AllReduce(net.Params()) }()

	cause := errors.New("rank 1 diverged")
	group.Abort(cause)
	select {
	case err := <-done:
		if !errors.Is(err, ErrAborted) || !errors.Is(err, cause) {
			t.Fatalf("got %v, want ErrAborted wrapping the cause", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("AllReduce still blocked after Abort")
	}

	if err := group.Rank(1).AllReduce(net.Params()); !errors.Is(err, ErrAborted) {
		t.Errorf("AllReduce after abort: got %v", err)
	}
}

// corruptLoader replaces the first label of every batch with an invalid class.
type corruptLoader struct{ data.Loader }

func (l corruptLoader) Batches(epoch int) data.Iterator {
	return corruptIterator{l.Loader.Batches(epoch)}
}

type corruptIterator struct{ data.Iterator }

func (it corruptIterator) Next() (data.Batch, bool) {
	b, ok := it.Iterator.Next()
	if ok {
		b.Labels = append([]int(nil), b.Labels...)
		b.Labels[0] = 99
	}
	return b, ok
}

func TestFailedRankAbortsPeers(t *testing.T) {
	cfg := tinyConfig()
	group := NewReplicaGroup(2)

	errs := make(chan error, 2)
	for rank := 0; rank < 2; rank++ {
		rcfg := cfg
		rcfg.Rank = rank
		net := tinyNet(t, rcfg)
		l := tinyLoaders(t, rcfg)
		train := l.Train
		if rank == 1 {
			train = corruptLoader{train}
		}
		tr, err := NewTrainer(rcfg, net, train, l.Val, WithLogger(nil), WithGradSync(group.Rank(rank)))
		if err != nil {
			t.Fatal(err)
		}
		go func() {
			_, err := tr.Run(context.Background())
			errs <- err
		}()
	}

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if err == nil {
				t.Error("a rank finished although its peer failed")
			}
		case <-time.After(30 * time.Second):
			t.Fatal("rank still blocked after its peer failed")
		}
	}
}
