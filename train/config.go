package train

import (
	"fmt"
	"math"
	"strings"

	"github.com/openfluke/sparsify/data"
)

// Config is the full run configuration.
type Config struct {
	Dataset    string `json:"dataset"`
	DataDir    string `json:"data_dir"`
	BatchSize  int    `json:"batch_size"`
	Workers    int    `json:"workers"`
	ValSetSize int    `json:"val_set_size"`
	NumClasses int    `json:"num_classes"`
	Seed       int64  `json:"seed"`

	Epochs       int       `json:"epochs"`
	Rounds       int       `json:"rounds"`
	TicketEpochs int       `json:"ticket_epochs"`
	StartEpoch   int       `json:"start_epoch"`
	LR           float32   `json:"lr"`
	LRSchedule   []int     `json:"lr_schedule"`
	LRDrops      []float32 `json:"lr_drops"`
	Momentum     float32   `json:"momentum"`
	WeightDecay  float32   `json:"decay"`

	RewindEpoch int     `json:"rewind_epoch"`
	Lambda      float32 `json:"lmbda"`
	FinalTemp   float64 `json:"final_temp"`
	MaskInit    float32 `json:"mask_initial_value"`
	Widths      []int   `json:"widths"`

	InputDir  string `json:"input_dir"`
	OutputDir string `json:"output_dir"`
	ModelPath string `json:"model_path"`
	Resume    bool   `json:"resume"`

	// RestoreOptimizerState reapplies saved momentum buffers on resume.
	RestoreOptimizerState bool `json:"restore_optimizer_state"`

	Distributed bool `json:"distributed"`
	WorldSize   int  `json:"world_size"`
	Rank        int  `json:"rank"`
	UseGPU      bool `json:"use_gpu"`
}

// DefaultConfig returns the defaults of the reference CIFAR-10 setup.
func DefaultConfig() Config {
	return Config{
		Dataset:      "cifar10",
		DataDir:      "data",
		BatchSize:    64,
		Workers:      4,
		ValSetSize:   5000,
		NumClasses:   10,
		Seed:         1234,
		Epochs:       90,
		Rounds:       1,
		TicketEpochs: 1,
		LR:           0.1,
		LRSchedule:   []int{30, 60},
		LRDrops:      []float32{0.1, 0.1},
		Momentum:     0.9,
		WeightDecay:  1e-4,
		RewindEpoch:  2,
		Lambda:       1e-8,
		FinalTemp:    200,
		MaskInit:     -0.01,
		Widths:       []int{16, 32, 64},
		OutputDir:    "runs",
		ModelPath:    "checkpoint.pt",
		WorldSize:    1,
	}
}

// KnownDatasets lists the selectors ProduceLoaders accepts.
var KnownDatasets = []string{"cifar10", "synthetic"}

// Validate reports every configuration error at once. devices is the
// number of compute devices available for distributed ranks.
func (c Config) Validate(devices int) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if !knownDataset(c.Dataset) {
		add("%v: %q", data.ErrUnknownDataset, c.Dataset)
	}
	if c.BatchSize <= 0 {
		add("batch size must be positive, got %d", c.BatchSize)
	}
	if c.Epochs <= 0 {
		add("epochs must be positive, got %d", c.Epochs)
	}
	if c.Rounds <= 0 {
		add("rounds must be positive, got %d", c.Rounds)
	}
	if c.TicketEpochs <= 0 {
		add("ticket epochs must be positive, got %d", c.TicketEpochs)
	}
	if c.StartEpoch < 0 || (c.Epochs > 0 && c.StartEpoch >= c.Epochs) {
		add("start epoch %d outside [0,%d)", c.StartEpoch, c.Epochs)
	}
	if len(c.LRSchedule) != len(c.LRDrops) {
		add("length of lr schedule (%d) and lr drops (%d) should be equal", len(c.LRSchedule), len(c.LRDrops))
	}
	if c.LR <= 0 {
		add("learning rate must be positive, got %v", c.LR)
	}
	if c.Momentum < 0 || c.WeightDecay < 0 || c.Lambda < 0 {
		add("momentum, decay and lambda must be non-negative")
	}
	if c.RewindEpoch < 0 {
		add("rewind epoch must be non-negative, got %d", c.RewindEpoch)
	}
	if c.FinalTemp < 1 || math.IsInf(c.FinalTemp, 0) || math.IsNaN(c.FinalTemp) {
		add("final temperature must be a finite value >= 1, got %v", c.FinalTemp)
	}
	if isNonFinite32(c.MaskInit) {
		add("mask initial value must be finite")
	}
	if len(c.Widths) == 0 {
		add("at least one stage width is required")
	}
	if c.NumClasses < 2 {
		add("num classes must be at least 2, got %d", c.NumClasses)
	}
	if c.Distributed {
		if c.WorldSize <= 0 {
			add("world size must be positive, got %d", c.WorldSize)
		}
		if c.WorldSize > devices {
			add("number of world size (%d) is more than number of available devices (%d)", c.WorldSize, devices)
		}
		if c.Rank < 0 || c.Rank >= c.WorldSize {
			add("rank %d outside [0,%d)", c.Rank, c.WorldSize)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrConfig, strings.Join(problems, "; "))
	}
	return nil
}

// TempIncrease is the per-epoch temperature factor final_temp^(1/(epochs-1)).
func (c Config) TempIncrease() float64 {
	if c.Epochs <= 1 {
		return 1
	}
	return math.Pow(c.FinalTemp, 1/float64(c.Epochs-1))
}

// Primary reports whether this process writes checkpoints.
func (c Config) Primary() bool {
	return !c.Distributed || c.Rank == 0
}

// RankBatchSize splits the global batch across ranks.
func (c Config) RankBatchSize() int {
	if !c.Distributed || c.WorldSize <= 1 {
		return c.BatchSize
	}
	if b := c.BatchSize / c.WorldSize; b > 0 {
		return b
	}
	return 1
}

func knownDataset(name string) bool {
	for _, d := range KnownDatasets {
		if strings.EqualFold(d, name) {
			return true
		}
	}
	return false
}

func isNonFinite32(v float32) bool {
	f := float64(v)
	return math.IsNaN(f) || math.IsInf(f, 0)
}
