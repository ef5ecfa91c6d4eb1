package train

import (
	"io"
	"log"
	"testing"

	"github.com/openfluke/sparsify/data"
	"github.com/openfluke/sparsify/nn"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// tinyConfig is two search rounds of three epochs on 32 training samples.
func tinyConfig() Config {
	cfg := DefaultConfig()
	cfg.Dataset = "synthetic"
	cfg.BatchSize = 8
	cfg.Workers = 0
	cfg.ValSetSize = 8
	cfg.NumClasses = 2
	cfg.Epochs = 3
	cfg.Rounds = 2
	cfg.TicketEpochs = 1
	cfg.LR = 0.05
	cfg.LRSchedule = []int{2}
	cfg.LRDrops = []float32{0.5}
	cfg.RewindEpoch = 1
	cfg.Lambda = 1e-4
	cfg.FinalTemp = 16
	cfg.MaskInit = 0.5
	cfg.Widths = []int{4}
	cfg.Seed = 7
	return cfg
}

func tinyNet(t *testing.T, cfg Config) *nn.Network {
	t.Helper()
	net, err := nn.NewBackbone(nn.BackboneConfig{
		InputChannels: 3,
		Height:        4,
		Width:         4,
		Widths:        cfg.Widths,
		NumClasses:    cfg.NumClasses,
		MaskInit:      cfg.MaskInit,
		Seed:          cfg.Seed,
	})
	if err != nil {
		t.Fatal(err)
	}
	return net
}

func tinyLoaders(t *testing.T, cfg Config) *data.Loaders {
	t.Helper()
	l, err := data.ProduceLoaders(data.Config{
		Dataset:    "synthetic",
		BatchSize:  cfg.BatchSize,
		Workers:    cfg.Workers,
		ValSetSize: cfg.ValSetSize,
		Seed:       cfg.Seed,
		Samples:    32 + cfg.ValSetSize,
		Classes:    cfg.NumClasses,
		Channels:   3,
		Height:     4,
		Width:      4,
		Noise:      0.2,
	})
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func tinyTrainer(t *testing.T, cfg Config, opts ...Option) (*Trainer, *nn.Network) {
	t.Helper()
	net := tinyNet(t, cfg)
	l := tinyLoaders(t, cfg)
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	tr, err := NewTrainer(cfg, net, l.Train, l.Val, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return tr, net
}
