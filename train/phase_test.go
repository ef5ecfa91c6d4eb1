package train

import (
	"errors"
	"math"
	"testing"

	"github.com/openfluke/sparsify/nn"
)

func TestTemperatureSchedule(t *testing.T) {
	cfg := tinyConfig()
	cfg.Epochs = 5
	cfg.FinalTemp = 200
	cfg.RewindEpoch = 0
	net := tinyNet(t, cfg)
	c := NewController(net, cfg)

	for round := 0; round < cfg.Rounds; round++ {
		for k := 0; k < cfg.Epochs; k++ {
			if _, err := c.BeginEpoch(k); err != nil {
				t.Fatal(err)
			}
			want := math.Pow(cfg.FinalTemp, float64(k)/float64(cfg.Epochs-1))
			if got := float64(net.Temperature()); math.Abs(got-want) > 1e-4*want {
				t.Errorf("round %d epoch %d: T = %v, want %v", round, k, got, want)
			}
		}
		if err := c.EndRound(); err != nil {
			t.Fatal(err)
		}
		if net.Temperature() != 1 {
			t.Errorf("round %d: T = %v after round end, want 1", round, net.Temperature())
		}
	}
}

func TestSnapshotCapturedOnceAtRewindEpoch(t *testing.T) {
	cfg := tinyConfig()
	net := tinyNet(t, cfg)
	c := NewController(net, cfg)

	var captures []int
	for round := 0; round < cfg.Rounds; round++ {
		for k := 0; k < cfg.Epochs; k++ {
			took, err := c.BeginEpoch(k)
			if err != nil {
				t.Fatal(err)
			}
			if took {
				captures = append(captures, round*cfg.Epochs+k)
			}
		}
		if err := c.EndRound(); err != nil {
			t.Fatal(err)
		}
	}
	if len(captures) != 1 || captures[0] != cfg.RewindEpoch {
		t.Errorf("captures at %v, want only [%d]", captures, cfg.RewindEpoch)
	}
}

func TestControllerTransitions(t *testing.T) {
	cfg := tinyConfig()
	net := tinyNet(t, cfg)
	c := NewController(net, cfg)

	if _, err := c.EnterFinalTicket(); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("final ticket while searching: got %v", err)
	}
	for k := 0; k < cfg.Epochs; k++ {
		if _, err := c.BeginEpoch(k); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.EndRound(); err != nil {
		t.Fatal(err)
	}
	if p := c.Phase(); p.Kind != Searching || p.Round != 1 {
		t.Fatalf("phase = %v, want search[1]", p)
	}
	for _, m := range net.Masks() {
		for _, v := range m {
			if v != 0 && v != 1 {
				t.Fatalf("mask value %v after prune, want 0 or 1", v)
			}
		}
	}
	if err := c.Restore(0, 1); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("restore after start: got %v", err)
	}

	if err := c.EndRound(); err != nil {
		t.Fatal(err)
	}
	if p := c.Phase(); p.Kind != AwaitingTicket {
		t.Fatalf("phase = %v, want awaiting_ticket", p)
	}
	if _, err := c.BeginEpoch(0); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("epoch while awaiting ticket: got %v", err)
	}
	if err := c.EndRound(); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("end round while awaiting ticket: got %v", err)
	}

	opts, err := c.EnterFinalTicket()
	if err != nil {
		t.Fatal(err)
	}
	if opts.Momentum != 0 || opts.WeightDecay != cfg.WeightDecay {
		t.Errorf("ticket optimizer options = %+v", opts)
	}
	if !net.Ticket() {
		t.Error("ticket flag not set")
	}
	if _, err := c.EnterFinalTicket(); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("second final ticket: got %v", err)
	}
	if err := net.Prune(); !errors.Is(err, nn.ErrTicketMode) {
		t.Errorf("prune after ticket: got %v", err)
	}
}

func TestFinalTicketWithoutSnapshotFails(t *testing.T) {
	cfg := tinyConfig()
	cfg.Rounds = 1
	cfg.RewindEpoch = 10
	net := tinyNet(t, cfg)
	c := NewController(net, cfg)
	for k := 0; k < cfg.Epochs; k++ {
		if _, err := c.BeginEpoch(k); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.EndRound(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.EnterFinalTicket(); !errors.Is(err, nn.ErrNoSnapshot) {
		t.Errorf("got %v, want ErrNoSnapshot", err)
	}
	if net.Ticket() {
		t.Error("a failed transition must not set the ticket flag")
	}
}
