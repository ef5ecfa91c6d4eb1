package train

import (
	"errors"
	"math"
	"strings"
	"testing"
)

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(0); err != nil {
		t.Fatalf("default config: %v", err)
	}
}

func TestValidateReportsConfigErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"schedule mismatch", func(c *Config) { c.LRDrops = []float32{0.1} }, "lr schedule"},
		{"unknown dataset", func(c *Config) { c.Dataset = "mnist" }, "unknown dataset"},
		{"world size", func(c *Config) { c.Distributed = true; c.WorldSize = 4 }, "world size"},
		{"epochs", func(c *Config) { c.Epochs = 0 }, "epochs"},
		{"final temp", func(c *Config) { c.FinalTemp = 0.5 }, "final temperature"},
		{"rank", func(c *Config) { c.Distributed = true; c.WorldSize = 2; c.Rank = 2 }, "rank"},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(&cfg)
		err := cfg.Validate(2)
		if !errors.Is(err, ErrConfig) {
			t.Errorf("%s: got %v, want ErrConfig", tc.name, err)
			continue
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: error %q does not mention %q", tc.name, err, tc.want)
		}
	}
}

func TestWorldSizeOnlyCheckedWhenDistributed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorldSize = 8
	if err := cfg.Validate(0); err != nil {
		t.Errorf("single-process run rejected: %v", err)
	}
}

func TestTempIncrease(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Epochs = 5
	cfg.FinalTemp = 16
	if got := cfg.TempIncrease(); math.Abs(got-2) > 1e-12 {
		t.Errorf("TempIncrease = %v, want 2", got)
	}
	cfg.Epochs = 1
	if got := cfg.TempIncrease(); got != 1 {
		t.Errorf("TempIncrease with one epoch = %v, want 1", got)
	}
}

func TestRankBatchSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Distributed = true
	cfg.WorldSize = 4
	if got := cfg.RankBatchSize(); got != 16 {
		t.Errorf("RankBatchSize = %d, want 16", got)
	}
	if cfg.Rank = 1; cfg.Primary() {
		t.Error("rank 1 should not write checkpoints")
	}
}
