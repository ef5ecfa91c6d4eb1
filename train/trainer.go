package train

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/openfluke/sparsify/data"
	"github.com/openfluke/sparsify/nn"
)

// EpochStats is the log record of one epoch.
type EpochStats struct {
	Phase            string        `json:"phase"`
	Round            int           `json:"round"`
	Epoch            int           `json:"epoch"`
	Temperature      float32       `json:"temperature"`
	LR               float32       `json:"lr"`
	RemainingWeights float64       `json:"remaining_weights"`
	TrainLoss        float64       `json:"train_loss"`
	TrainAccuracy    float64       `json:"train_acc"`
	ValAccuracy      float64       `json:"val_acc"`
	BestAccuracy     float64       `json:"best_acc"`
	SnapshotTaken    bool          `json:"snapshot_taken"`
	Saved            bool          `json:"saved"`
	TrainTime        time.Duration `json:"train_time"`
	ValTime          time.Duration `json:"val_time"`
	SaveTime         time.Duration `json:"save_time"`
	ActiveOptimizers int           `json:"active_optimizers"`
}

// Result summarises a finished run.
type Result struct {
	RunID            string       `json:"run_id"`
	Dir              string       `json:"dir,omitempty"`
	SearchBest       float64      `json:"search_best"`
	TicketBest       float64      `json:"ticket_best"`
	RemainingWeights float64      `json:"remaining_weights"`
	History          []EpochStats `json:"history"`
}

// Trainer runs the search rounds and the final ticket phase.
type Trainer struct {
	cfg    Config
	net    *nn.Network
	train  data.Loader
	val    data.Loader
	logger *log.Logger
	store  *Store
	sync   GradSync
	runID  string

	ctrl      *Controller
	sched     nn.LRScheduler
	weightOpt nn.Optimizer
	maskOpt   nn.Optimizer // nil in the final ticket phase

	startRound int
	startEpoch int
	searchBest float64
	pass       int
	history    []EpochStats
}

// Option configures a Trainer.
type Option func(*Trainer)

// WithLogger sets the progress logger. nil discards output.
func WithLogger(l *log.Logger) Option {
	return func(t *Trainer) {
		if l == nil {
			l = log.New(io.Discard, "", 0)
		}
		t.logger = l
	}
}

// WithStore enables checkpointing into s.
func WithStore(s *Store) Option {
	return func(t *Trainer) { t.store = s }
}

// WithGradSync sets the gradient all-reduce used in data-parallel runs.
func WithGradSync(g GradSync) Option {
	return func(t *Trainer) { t.sync = g }
}

// WithRunID overrides the generated run identifier.
func WithRunID(id string) Option {
	return func(t *Trainer) { t.runID = id }
}

// NewTrainer wires the optimizers, schedule and phase controller.
func NewTrainer(cfg Config, net *nn.Network, train, val data.Loader, opts ...Option) (*Trainer, error) {
	var sched nn.LRScheduler = nn.NewConstantScheduler(cfg.LR)
	if len(cfg.LRSchedule) > 0 || len(cfg.LRDrops) > 0 {
		drop, err := nn.NewMultiStepDropScheduler(cfg.LR, cfg.LRSchedule, cfg.LRDrops)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		sched = drop
	}
	weightOpt, err := nn.NewSGDOptimizer(net.WeightParams(), nn.SGDOptions{
		LR:          cfg.LR,
		Momentum:    cfg.Momentum,
		WeightDecay: cfg.WeightDecay,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	maskOpt, err := nn.NewSGDOptimizer(net.MaskParams(), nn.SGDOptions{
		LR:       cfg.LR,
		Momentum: cfg.Momentum,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	t := &Trainer{
		cfg:        cfg,
		net:        net,
		train:      train,
		val:        val,
		logger:     log.Default(),
		sync:       LocalSync{},
		runID:      uuid.NewString(),
		ctrl:       NewController(net, cfg),
		sched:      sched,
		weightOpt:  weightOpt,
		maskOpt:    maskOpt,
		startEpoch: cfg.StartEpoch,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// RunID identifies this run in every checkpoint record.
func (t *Trainer) RunID() string {
	return t.runID
}

// Phase returns the current controller phase.
func (t *Trainer) Phase() Phase {
	return t.ctrl.Phase()
}

// Optimizers returns the optimizers that step in the current phase.
func (t *Trainer) Optimizers() []nn.Optimizer {
	if t.maskOpt == nil {
		return []nn.Optimizer{t.weightOpt}
	}
	return []nn.Optimizer{t.weightOpt, t.maskOpt}
}

// RunDir returns a fresh run directory name under root.
func RunDir(root, runID string) string {
	stamp := time.Now().Format("2006-01-02T15-04-05")
	if len(runID) > 8 {
		runID = runID[:8]
	}
	if runID == "" {
		return filepath.Join(root, stamp)
	}
	return filepath.Join(root, stamp+"-"+runID)
}

// Run executes every search round and then the final ticket phase. When it
// fails and the gradient sync spans several ranks, the peers are aborted.
func (t *Trainer) Run(ctx context.Context) (res *Result, err error) {
	defer func() {
		if err == nil {
			return
		}
		if a, ok := t.sync.(Aborter); ok {
			a.Abort(err)
		}
	}()
	return t.run(ctx)
}

func (t *Trainer) run(ctx context.Context) (*Result, error) {
	if err := t.checkRewindReachable(); err != nil {
		return nil, err
	}

	best := t.searchBest
	for round := t.ctrl.Phase().Round; round < t.cfg.Rounds; round++ {
		t.logger.Printf("--------- Round %d -----------", round)
		start := 0
		if round == t.startRound {
			start = t.startEpoch
		}
		var err error
		best, err = t.runRound(ctx, best, t.cfg.Epochs, start, SearchCheckpoint)
		if err != nil {
			return nil, err
		}
		if err := t.ctrl.EndRound(); err != nil {
			return nil, err
		}
	}
	searchBest := best

	t.logger.Printf("--------- Training final ticket -----------")
	opts, err := t.ctrl.EnterFinalTicket()
	if err != nil {
		return nil, err
	}
	weightOpt, err := nn.NewSGDOptimizer(t.net.WeightParams(), opts)
	if err != nil {
		return nil, err
	}
	t.weightOpt = weightOpt
	t.maskOpt = nil

	ticketBest, err := t.runRound(ctx, 0, t.cfg.TicketEpochs, 0, TicketCheckpoint)
	if err != nil {
		return nil, err
	}
	t.logger.Printf("final best accuracy is %.2f", ticketBest)

	res := &Result{
		RunID:            t.runID,
		SearchBest:       searchBest,
		TicketBest:       ticketBest,
		RemainingWeights: t.net.RemainingWeights(),
		History:          t.history,
	}
	if t.store != nil {
		res.Dir = t.store.Dir
	}
	return res, nil
}

// checkRewindReachable fails before any training when the final rewind
// could never succeed.
func (t *Trainer) checkRewindReachable() error {
	if t.net.HasSnapshot() {
		return nil
	}
	if t.ctrl.Phase().Round == 0 && t.startEpoch <= t.cfg.RewindEpoch && t.cfg.RewindEpoch < t.cfg.Epochs {
		return nil
	}
	return fmt.Errorf("%w: rewind epoch %d is never reached (epochs %d, start round %d epoch %d): %w",
		ErrConfig, t.cfg.RewindEpoch, t.cfg.Epochs, t.ctrl.Phase().Round, t.startEpoch, nn.ErrNoSnapshot)
}

// runRound trains epochs [start, epochs) of the current phase and returns
// the best validation accuracy, saving to target on strict improvement.
func (t *Trainer) runRound(ctx context.Context, best float64, epochs, start int, target string) (float64, error) {
	for epoch := start; epoch < epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return best, err
		}
		t.logger.Printf("\t--------- Epoch %d -----------", epoch)
		phase := t.ctrl.Phase()

		captured, err := t.ctrl.BeginEpoch(epoch)
		if err != nil {
			return best, err
		}
		if captured {
			if err := t.saveRewind(epoch, best); err != nil {
				return best, err
			}
		}

		lr := t.sched.GetLR(epoch)
		for _, opt := range t.Optimizers() {
			opt.SetLR(lr)
		}

		trainStart := time.Now()
		loss, trainAcc, err := t.trainEpoch(ctx)
		if err != nil {
			return best, err
		}
		trainTime := time.Since(trainStart)

		valStart := time.Now()
		valAcc, err := t.evaluate(ctx, t.val)
		if err != nil {
			return best, err
		}
		valTime := time.Since(valStart)

		stats := EpochStats{
			Phase:            phase.Kind.String(),
			Round:            phase.Round,
			Epoch:            epoch,
			Temperature:      t.net.Temperature(),
			LR:               lr,
			TrainLoss:        loss,
			TrainAccuracy:    trainAcc,
			ValAccuracy:      valAcc,
			SnapshotTaken:    captured,
			TrainTime:        trainTime,
			ValTime:          valTime,
			ActiveOptimizers: len(t.Optimizers()),
		}

		if valAcc > best {
			best = valAcc
			saveStart := time.Now()
			saved, err := t.save(target, phase, epoch+1, best)
			if err != nil {
				return best, err
			}
			stats.Saved = saved
			stats.SaveTime = time.Since(saveStart)
		}
		stats.BestAccuracy = best
		stats.RemainingWeights = t.net.RemainingWeights()
		t.history = append(t.history, stats)
		t.logEpoch(stats)
	}
	return best, nil
}

func (t *Trainer) logEpoch(s EpochStats) {
	saving := "skipped"
	if s.Saved {
		saving = fmt.Sprintf("%.1f", s.SaveTime.Seconds())
	}
	t.logger.Printf("\t\tTemp: %.1f\tRemaining weights: %.4f\tVal acc: %.1f", s.Temperature, s.RemainingWeights, s.ValAccuracy)
	t.logger.Printf("\t\tTraining period: %.1f\tValidating period: %.1f\tSaving: %s", s.TrainTime.Seconds(), s.ValTime.Seconds(), saving)
	t.logger.Printf("\t\tTraining loss: %.4f\tTraining accuracy: %.1f", s.TrainLoss, s.TrainAccuracy)
}

// trainEpoch runs one pass over the training loader and returns the mean
// batch loss and the training accuracy.
func (t *Trainer) trainEpoch(ctx context.Context) (float64, float64, error) {
	it := t.train.Batches(t.pass)
	t.pass++
	defer it.Close()

	lambda := t.cfg.Lambda
	var active []*nn.Param
	for _, opt := range t.Optimizers() {
		active = append(active, opt.Params()...)
	}

	lossSum, batches, correct, seen := 0.0, 0, 0, 0
	for {
		b, ok := it.Next()
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}

		t.net.ZeroGrad()
		logits, err := t.net.Forward(b.Input)
		if err != nil {
			return 0, 0, err
		}
		ce, grad, c, err := nn.SoftmaxCrossEntropy(logits, b.Labels)
		if err != nil {
			return 0, 0, err
		}
		loss := ce + float64(lambda)*t.net.MaskSum()
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return 0, 0, fmt.Errorf("%w: training loss %v at batch %d", nn.ErrNonFinite, loss, batches)
		}

		t.net.Backward(grad)
		t.net.AddSparsityGrad(lambda)
		if err := t.sync.AllReduce(active); err != nil {
			return 0, 0, fmt.Errorf("gradient sync: %w", err)
		}
		for _, opt := range t.Optimizers() {
			opt.Step()
		}

		lossSum += loss
		batches++
		correct += c
		seen += len(b.Labels)
	}
	if batches == 0 {
		return 0, 0, nil
	}
	return lossSum / float64(batches), nn.Accuracy(correct, seen), nil
}

// evaluate returns the top-1 accuracy on loader without touching gradients.
func (t *Trainer) evaluate(ctx context.Context, loader data.Loader) (float64, error) {
	if loader == nil {
		return 0, nil
	}
	it := loader.Batches(0)
	defer it.Close()

	correct, total := 0, 0
	for {
		b, ok := it.Next()
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		logits, err := t.net.Forward(b.Input)
		if err != nil {
			return 0, err
		}
		_, _, c, err := nn.SoftmaxCrossEntropy(logits, b.Labels)
		if err != nil {
			return 0, err
		}
		correct += c
		total += len(b.Labels)
	}
	return nn.Accuracy(correct, total), nil
}

// Evaluate reports the accuracy of the current network on loader.
func (t *Trainer) Evaluate(ctx context.Context, loader data.Loader) (float64, error) {
	return t.evaluate(ctx, loader)
}

func (t *Trainer) save(name string, phase Phase, epoch int, best float64) (bool, error) {
	if t.store == nil || !t.cfg.Primary() {
		return false, nil
	}
	rec, err := NewRecord(t.net, t.runID, phase, epoch, best, t.weightOpt, t.maskOpt)
	if err != nil {
		return false, err
	}
	if _, err := t.store.Save(name, rec); err != nil {
		return false, err
	}
	return true, nil
}

func (t *Trainer) saveRewind(epoch int, best float64) error {
	if t.store == nil || !t.cfg.Primary() {
		return nil
	}
	rec, err := NewRecord(t.net, t.runID, t.ctrl.Phase(), epoch, best, t.weightOpt, t.maskOpt)
	if err != nil {
		return err
	}
	rec.Phase = "rewind"
	// Resuming replays BeginEpoch for this epoch, which grows T again.
	if epoch > 0 {
		rec.Temperature = float32(float64(rec.Temperature) / t.cfg.TempIncrease())
	}
	path, err := t.store.SaveNoAlias(RewindCheckpoint, rec)
	if err != nil {
		return err
	}
	t.logger.Printf("\t\trewind snapshot saved to %s", path)
	return nil
}
