// Command sparsify runs Continuous Sparsification on a masked ResNet:
// several mask-search rounds followed by retraining of the final ticket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/openfluke/sparsify/data"
	"github.com/openfluke/sparsify/detector"
	"github.com/openfluke/sparsify/nn"
	"github.com/openfluke/sparsify/train"
)

func main() {
	cfg := train.DefaultConfig()
	var schedule, drops, widths string

	flag.StringVar(&cfg.Dataset, "dataset", cfg.Dataset, "dataset: cifar10 or synthetic")
	flag.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory holding the dataset files")
	flag.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "global mini-batch size")
	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "batch prefetch workers (0 = auto)")
	flag.IntVar(&cfg.ValSetSize, "val-set-size", cfg.ValSetSize, "samples held out for validation")
	flag.IntVar(&cfg.NumClasses, "num-classes", cfg.NumClasses, "number of classes")
	flag.Int64Var(&cfg.Seed, "seed", cfg.Seed, "random seed")
	flag.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "epochs per search round")
	flag.IntVar(&cfg.Rounds, "rounds", cfg.Rounds, "number of search rounds")
	flag.IntVar(&cfg.TicketEpochs, "ticket-epochs", cfg.TicketEpochs, "epochs of final ticket training")
	flag.IntVar(&cfg.StartEpoch, "start-epoch", cfg.StartEpoch, "epoch to start the first round at")
	lr := flag.Float64("lr", float64(cfg.LR), "initial learning rate")
	flag.StringVar(&schedule, "lr-schedule", joinInts(cfg.LRSchedule), "comma separated epochs at which the lr drops")
	flag.StringVar(&drops, "lr-drops", joinFloats(cfg.LRDrops), "comma separated lr multipliers, one per milestone")
	momentum := flag.Float64("momentum", float64(cfg.Momentum), "SGD momentum")
	decay := flag.Float64("decay", float64(cfg.WeightDecay), "weight decay")
	flag.IntVar(&cfg.RewindEpoch, "rewind-epoch", cfg.RewindEpoch, "epoch of round 0 whose weights the ticket rewinds to")
	lambda := flag.Float64("lmbda", float64(cfg.Lambda), "sparsity penalty weight")
	flag.Float64Var(&cfg.FinalTemp, "final-temp", cfg.FinalTemp, "temperature reached at the last epoch of a round")
	maskInit := flag.Float64("mask-initial-value", float64(cfg.MaskInit), "initial mask score")
	flag.StringVar(&widths, "widths", joinInts(cfg.Widths), "comma separated stage widths")
	flag.StringVar(&cfg.InputDir, "input-dir", cfg.InputDir, "directory of the checkpoint to resume")
	flag.StringVar(&cfg.OutputDir, "output-dir", cfg.OutputDir, "root directory for run outputs")
	flag.StringVar(&cfg.ModelPath, "model-path", cfg.ModelPath, "checkpoint file name to resume from")
	flag.BoolVar(&cfg.Resume, "resume", cfg.Resume, "resume from input-dir/model-path")
	flag.BoolVar(&cfg.RestoreOptimizerState, "restore-optim", cfg.RestoreOptimizerState, "restore optimizer momentum on resume")
	flag.BoolVar(&cfg.Distributed, "distributed", cfg.Distributed, "train world-size replicas with averaged gradients")
	flag.IntVar(&cfg.WorldSize, "world-size", cfg.WorldSize, "number of data-parallel replicas")
	flag.BoolVar(&cfg.UseGPU, "use-gpu", cfg.UseGPU, "compute masked weights on the GPU")
	detect := flag.Bool("detect", false, "print the device report as JSON and exit")
	flag.Parse()

	if *detect {
		report, err := detector.DetectJSON()
		if err != nil {
			log.Fatalf("detect: %v", err)
		}
		fmt.Println(report)
		return
	}

	cfg.LR = float32(*lr)
	cfg.Momentum = float32(*momentum)
	cfg.WeightDecay = float32(*decay)
	cfg.Lambda = float32(*lambda)
	cfg.MaskInit = float32(*maskInit)
	var err error
	if cfg.LRSchedule, err = parseInts(schedule); err != nil {
		log.Fatalf("lr-schedule: %v", err)
	}
	if cfg.LRDrops, err = parseFloats(drops); err != nil {
		log.Fatalf("lr-drops: %v", err)
	}
	if cfg.Widths, err = parseInts(widths); err != nil {
		log.Fatalf("widths: %v", err)
	}

	fmt.Println(detector.Detect().Summary())
	if err := cfg.Validate(detector.AdapterCount()); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	runID := uuid.NewString()
	dir := train.RunDir(cfg.OutputDir, runID)
	store, err := train.NewStore(dir)
	if err != nil {
		log.Fatalf("output directory: %v", err)
	}
	fmt.Printf("Run %s writing to %s\n", runID, dir)

	ranks := 1
	if cfg.Distributed {
		ranks = cfg.WorldSize
	}
	group := train.NewReplicaGroup(ranks)
	go func() {
		<-ctx.Done()
		group.Abort(ctx.Err())
	}()

	results := make([]*train.Result, ranks)
	errs := make([]error, ranks)
	var test data.Loader
	var evaluate func() (float64, error)
	var wg sync.WaitGroup
	for rank := 0; rank < ranks; rank++ {
		rcfg := cfg
		rcfg.Rank = rank
		r, err := newReplica(rcfg, runID, store, group)
		if err != nil {
			log.Fatalf("rank %d: %v", rank, err)
		}
		if rank == 0 {
			fmt.Printf("Total number of parameters: %d\n", countParams(r.net))
			test = r.test
			evaluate = func() (float64, error) { return r.trainer.Evaluate(ctx, test) }
		}
		wg.Add(1)
		go func(rank int, r *replica) {
			defer wg.Done()
			defer r.net.Release()
			results[rank], errs[rank] = r.trainer.Run(ctx)
		}(rank, r)
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			log.Fatalf("rank %d: %v", rank, err)
		}
	}

	res := results[0]
	fmt.Printf("Search best accuracy: %.2f\n", res.SearchBest)
	fmt.Printf("Final ticket accuracy: %.2f (remaining weights %.4f)\n", res.TicketBest, res.RemainingWeights)
	if test != nil {
		acc, err := evaluate()
		if err != nil {
			log.Fatalf("test evaluation: %v", err)
		}
		fmt.Printf("Test accuracy: %.2f\n", acc)
	}
}

type replica struct {
	net     *nn.Network
	trainer *train.Trainer
	test    data.Loader
}

// newReplica builds the loaders, network and trainer of one rank. Every rank
// starts from the same seed so the replicas hold identical weights.
func newReplica(cfg train.Config, runID string, store *train.Store, group *train.ReplicaGroup) (*replica, error) {
	loaders, err := data.ProduceLoaders(data.Config{
		Dataset:    cfg.Dataset,
		Dir:        cfg.DataDir,
		BatchSize:  cfg.RankBatchSize(),
		Workers:    detector.DefaultWorkers(cfg.Workers),
		ValSetSize: cfg.ValSetSize,
		Seed:       cfg.Seed,
		Rank:       cfg.Rank,
		WorldSize:  worldSize(cfg),
		Samples:    2048 + cfg.ValSetSize,
		Classes:    cfg.NumClasses,
		Channels:   3,
		Height:     32,
		Width:      32,
		Noise:      0.5,
		TestSize:   1024,
	})
	if err != nil {
		return nil, err
	}

	net, err := nn.NewBackbone(nn.BackboneConfig{
		InputChannels: loaders.Channels,
		Height:        loaders.Height,
		Width:         loaders.Width,
		Widths:        cfg.Widths,
		NumClasses:    loaders.Classes,
		MaskInit:      cfg.MaskInit,
		Seed:          cfg.Seed,
	})
	if err != nil {
		return nil, err
	}
	if cfg.UseGPU {
		if err := net.UseGPU(); err != nil {
			log.Printf("rank %d: GPU masks unavailable, using CPU: %v", cfg.Rank, err)
		}
	}

	logger := log.New(os.Stdout, "", log.LstdFlags)
	if !cfg.Primary() {
		logger = nil
	}
	trainer, err := train.NewTrainer(cfg, net, loaders.Train, loaders.Val,
		train.WithLogger(logger),
		train.WithStore(store),
		train.WithGradSync(group.Rank(cfg.Rank)),
		train.WithRunID(runID),
	)
	if err != nil {
		return nil, err
	}
	if cfg.Resume {
		if err := trainer.ResumeFrom(filepath.Join(cfg.InputDir, cfg.ModelPath)); err != nil {
			return nil, err
		}
	}
	return &replica{net: net, trainer: trainer, test: loaders.Test}, nil
}

func countParams(net *nn.Network) int {
	total := 0
	for _, p := range net.Params() {
		total += p.Size()
	}
	return total
}

func worldSize(cfg train.Config) int {
	if cfg.Distributed {
		return cfg.WorldSize
	}
	return 1
}

func parseInts(s string) ([]int, error) {
	var out []int
	for _, f := range splitList(s) {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func parseFloats(s string) ([]float32, error) {
	var out []float32
	for _, f := range splitList(s) {
		v, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return nil, err
		}
		out = append(out, float32(v))
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ",")
}

func joinFloats(v []float32) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatFloat(float64(x), 'g', -1, 32)
	}
	return strings.Join(parts, ",")
}
