package data

import (
	"fmt"
	"strings"
)

// Config selects and shapes the loaders.
type Config struct {
	Dataset    string // "cifar10" or "synthetic"
	Dir        string // root of the dataset files
	BatchSize  int
	Workers    int
	ValSetSize int
	Seed       int64
	Rank       int // training shard of this replica
	WorldSize  int // number of replicas; <= 1 keeps the whole training split

	// Synthetic-only shape.
	Samples  int
	Classes  int
	Channels int
	Height   int
	Width    int
	Noise    float64
	TestSize int
}

// Loaders is the output of ProduceLoaders. Test may be nil.
type Loaders struct {
	Train Loader
	Val   Loader
	Test  Loader

	Channels int
	Height   int
	Width    int
	Classes  int
}

// ProduceLoaders builds shuffled training and ordered validation/test
// loaders for the selected dataset.
func ProduceLoaders(cfg Config) (*Loaders, error) {
	var full, test *Dataset
	var err error
	switch strings.ToLower(cfg.Dataset) {
	case "cifar10":
		full, test, err = LoadCIFAR10(cfg.Dir)
	case "synthetic":
		full, err = NewSynthetic(cfg.Samples, cfg.Classes, cfg.Channels, cfg.Height, cfg.Width, cfg.Noise, cfg.Seed)
		if err == nil && cfg.TestSize > 0 {
			test, err = NewSynthetic(cfg.TestSize, cfg.Classes, cfg.Channels, cfg.Height, cfg.Width, cfg.Noise, cfg.Seed+1)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDataset, cfg.Dataset)
	}
	if err != nil {
		return nil, err
	}
	if err := full.Validate(); err != nil {
		return nil, err
	}

	train, val, err := full.Split(cfg.ValSetSize, cfg.Seed)
	if err != nil {
		return nil, err
	}
	if train, err = train.Shard(cfg.Rank, cfg.WorldSize); err != nil {
		return nil, err
	}
	out := &Loaders{
		Train:    NewSliceLoader(train, cfg.BatchSize, true, cfg.Seed, cfg.Workers),
		Val:      NewSliceLoader(val, cfg.BatchSize, false, cfg.Seed, cfg.Workers),
		Channels: full.Channels,
		Height:   full.Height,
		Width:    full.Width,
		Classes:  full.Classes,
	}
	if test != nil {
		out.Test = NewSliceLoader(test, cfg.BatchSize, false, cfg.Seed, cfg.Workers)
	}
	return out, nil
}
