package train

import (
	"fmt"

	"github.com/openfluke/sparsify/nn"
)

// PhaseKind is the coarse state of a run.
type PhaseKind int

const (
	// Searching trains weights and masks jointly in round Phase.Round.
	Searching PhaseKind = iota
	// AwaitingTicket follows the last search round, before the rewind.
	AwaitingTicket
	// FinalTicket retrains the rewound weights under hard masks.
	FinalTicket
)

func (k PhaseKind) String() string {
	switch k {
	case Searching:
		return "search"
	case AwaitingTicket:
		return "awaiting_ticket"
	case FinalTicket:
		return "final_ticket"
	default:
		return "unknown"
	}
}

// Phase is the controller state.
type Phase struct {
	Kind  PhaseKind
	Round int
}

func (p Phase) String() string {
	if p.Kind == Searching {
		return fmt.Sprintf("search[%d]", p.Round)
	}
	return p.Kind.String()
}

// Controller drives prune, rewind and ticket transitions on a network.
// Every transition depends only on the configuration and the epoch and
// round counters, so replicas driven by the same calls stay in lockstep.
type Controller struct {
	net         *nn.Network
	rounds      int
	rewindEpoch int
	tempFactor  float64
	weightOpts  nn.SGDOptions
	phase       Phase
	started     bool
}

// NewController starts in search round 0 at temperature 1.
func NewController(net *nn.Network, cfg Config) *Controller {
	return &Controller{
		net:         net,
		rounds:      cfg.Rounds,
		rewindEpoch: cfg.RewindEpoch,
		tempFactor:  cfg.TempIncrease(),
		weightOpts:  nn.SGDOptions{LR: cfg.LR, Momentum: 0, WeightDecay: cfg.WeightDecay},
		phase:       Phase{Kind: Searching},
	}
}

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	return c.phase
}

// Restore positions a fresh controller in a later search round, as when
// resuming from a checkpoint. The temperature is the value recorded with it.
func (c *Controller) Restore(round int, temperature float32) error {
	if c.started || c.phase != (Phase{Kind: Searching}) {
		return fmt.Errorf("%w: restore after training started", ErrIllegalTransition)
	}
	if round < 0 || round >= c.rounds {
		return fmt.Errorf("%w: restore to round %d of %d", ErrIllegalTransition, round, c.rounds)
	}
	c.phase.Round = round
	c.net.Context().Temperature = temperature
	return nil
}

// BeginEpoch grows the temperature for every epoch after the first of a
// round and, in round 0 at the rewind epoch, captures the rewind snapshot
// before any step of that epoch. It reports whether a snapshot was taken.
func (c *Controller) BeginEpoch(epoch int) (bool, error) {
	if c.phase.Kind == AwaitingTicket {
		return false, fmt.Errorf("%w: epoch started between search and final ticket", ErrIllegalTransition)
	}
	c.started = true
	if epoch > 0 {
		c.net.Context().GrowTemperature(c.tempFactor)
	}
	if c.phase.Kind == Searching && c.phase.Round == 0 && epoch == c.rewindEpoch {
		if err := c.net.Checkpoint(); err != nil {
			return false, fmt.Errorf("capture rewind snapshot: %w", err)
		}
		return true, nil
	}
	return false, nil
}

// EndRound closes a search round: the temperature goes back to 1 and,
// unless this was the last round, the masks are pruned.
func (c *Controller) EndRound() error {
	if c.phase.Kind != Searching {
		return fmt.Errorf("%w: end round in phase %s", ErrIllegalTransition, c.phase)
	}
	c.net.Context().ResetTemperature()
	if c.phase.Round == c.rounds-1 {
		c.phase = Phase{Kind: AwaitingTicket, Round: c.phase.Round}
		return nil
	}
	if err := c.net.Prune(); err != nil {
		return err
	}
	c.phase.Round++
	return nil
}

// EnterFinalTicket fixes the masks, rewinds the weights and returns the
// options for the weight-only optimizer of the final phase. The caller
// resets its best-accuracy tracker.
func (c *Controller) EnterFinalTicket() (nn.SGDOptions, error) {
	if c.phase.Kind != AwaitingTicket {
		return nn.SGDOptions{}, fmt.Errorf("%w: final ticket from phase %s", ErrIllegalTransition, c.phase)
	}
	if !c.net.HasSnapshot() {
		return nn.SGDOptions{}, fmt.Errorf("final ticket rewind: %w", nn.ErrNoSnapshot)
	}
	c.net.SetTicket(true)
	if err := c.net.RewindWeights(); err != nil {
		return nn.SGDOptions{}, fmt.Errorf("final ticket rewind: %w", err)
	}
	c.phase = Phase{Kind: FinalTicket, Round: c.rounds}
	return c.weightOpts, nil
}
