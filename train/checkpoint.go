package train

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/openfluke/sparsify/nn"
)

// Checkpoint file names inside a run directory.
const (
	SearchCheckpoint = "checkpoint.pt"
	TicketCheckpoint = "final_ticket_checkpoint.pt"
	RewindCheckpoint = "checkpoint_rewind.pt"
	BestAlias        = "model_best.pt"
)

// Record is one persisted checkpoint. Epoch counts completed epochs of the
// round, so training resumes at epoch index Epoch.
type Record struct {
	RunID        string             `json:"run_id"`
	Epoch        int                `json:"epoch"`
	Round        int                `json:"round"`
	Phase        string             `json:"phase"`
	Arch         string             `json:"arch"`
	Temperature  float32            `json:"temperature"`
	StateDict    nn.EncodedWeights  `json:"state_dict"`
	BestAccuracy float64            `json:"best_acc1"`
	WeightOptim  *nn.OptimizerState `json:"weight_optim,omitempty"`
	MaskOptim    *nn.OptimizerState `json:"mask_optim,omitempty"`
	SavedAt      time.Time          `json:"saved_at"`
}

// NewRecord snapshots the network state into a record.
func NewRecord(net *nn.Network, runID string, phase Phase, epoch int, best float64, weightOpt, maskOpt nn.Optimizer) (*Record, error) {
	state, err := nn.EncodeStateDict(net.StateDict())
	if err != nil {
		return nil, fmt.Errorf("encode state dict: %w", err)
	}
	rec := &Record{
		RunID:        runID,
		Epoch:        epoch,
		Round:        phase.Round,
		Phase:        phase.Kind.String(),
		Arch:         nn.Arch,
		Temperature:  net.Temperature(),
		StateDict:    state,
		BestAccuracy: best,
		SavedAt:      time.Now().UTC(),
	}
	if weightOpt != nil {
		s := weightOpt.GetState()
		rec.WeightOptim = &s
	}
	if maskOpt != nil {
		s := maskOpt.GetState()
		rec.MaskOptim = &s
	}
	return rec, nil
}

// State decodes the model state of the record.
func (r *Record) State() (map[string]nn.TensorWithShape, error) {
	return nn.DecodeStateDict(r.StateDict)
}

// Store writes checkpoint records into one directory. Every file is
// replaced atomically; a failed write is retried before giving up.
type Store struct {
	Dir     string
	Alias   string // copy of the latest best record; empty disables it
	Retries int
	Backoff time.Duration
	Logger  *log.Logger

	write func(path string, data []byte) error
}

// NewStore creates dir if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrCheckpointIO, dir, err)
	}
	return &Store{
		Dir:     dir,
		Alias:   BestAlias,
		Retries: 3,
		Backoff: 100 * time.Millisecond,
		Logger:  log.Default(),
		write:   writeAtomic,
	}, nil
}

// Save writes rec to name and then replaces the alias with the same bytes.
// The alias is only touched after the primary write succeeded.
func (s *Store) Save(name string, rec *Record) (string, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}
	path := filepath.Join(s.Dir, name)
	if err := s.retry(path, payload); err != nil {
		return "", err
	}
	if s.Alias != "" {
		if err := s.retry(filepath.Join(s.Dir, s.Alias), payload); err != nil {
			return path, err
		}
	}
	return path, nil
}

// SaveNoAlias writes rec to name without touching the alias.
func (s *Store) SaveNoAlias(name string, rec *Record) (string, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}
	path := filepath.Join(s.Dir, name)
	return path, s.retry(path, payload)
}

func (s *Store) retry(path string, payload []byte) error {
	write := s.write
	if write == nil {
		write = writeAtomic
	}
	var err error
	for attempt := 0; attempt <= s.Retries; attempt++ {
		if attempt > 0 {
			if s.Logger != nil {
				s.Logger.Printf("checkpoint: retry %d/%d for %s: %v", attempt, s.Retries, path, err)
			}
			time.Sleep(s.Backoff * time.Duration(attempt))
		}
		if err = write(path, payload); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrCheckpointIO, path, s.Retries+1, err)
}

// LoadRecord reads a record written by Store.
func LoadRecord(path string) (*Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	return &rec, nil
}

// writeAtomic writes to a temp file in the same directory, syncs it and
// renames it over path.
func writeAtomic(path string, data []byte) error {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
