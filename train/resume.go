package train

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openfluke/sparsify/nn"
)

// ResumeFrom loads a search-phase record and positions the trainer to
// continue with the epoch after the recorded one. Optimizer state is only
// reapplied when Config.RestoreOptimizerState is set. When the record lies
// past the rewind point, the rewind snapshot is reloaded from the
// checkpoint_rewind.pt next to it.
func (t *Trainer) ResumeFrom(path string) error {
	rec, err := LoadRecord(path)
	if err != nil {
		return err
	}
	if rec.Arch != nn.Arch {
		return fmt.Errorf("%w: checkpoint architecture %q, want %q", ErrConfig, rec.Arch, nn.Arch)
	}
	if rec.Phase != Searching.String() && rec.Phase != "rewind" {
		return fmt.Errorf("%w: cannot resume from a %s checkpoint", ErrConfig, rec.Phase)
	}
	if rec.Epoch < 0 || rec.Epoch > t.cfg.Epochs {
		return fmt.Errorf("%w: checkpoint epoch %d outside [0,%d]", ErrConfig, rec.Epoch, t.cfg.Epochs)
	}

	state, err := rec.State()
	if err != nil {
		return err
	}
	if err := t.net.LoadStateDict(state); err != nil {
		return fmt.Errorf("load checkpoint state: %w", err)
	}
	if err := t.ctrl.Restore(rec.Round, rec.Temperature); err != nil {
		return err
	}

	if rec.Round > 0 || rec.Epoch > t.cfg.RewindEpoch {
		if err := t.loadRewindSnapshot(filepath.Join(filepath.Dir(path), RewindCheckpoint)); err != nil {
			return err
		}
	}

	if t.cfg.RestoreOptimizerState {
		if rec.WeightOptim != nil {
			if err := t.weightOpt.LoadState(*rec.WeightOptim); err != nil {
				return fmt.Errorf("restore weight optimizer: %w", err)
			}
		}
		if rec.MaskOptim != nil {
			if err := t.maskOpt.LoadState(*rec.MaskOptim); err != nil {
				return fmt.Errorf("restore mask optimizer: %w", err)
			}
		}
	} else if rec.WeightOptim != nil || rec.MaskOptim != nil {
		t.logger.Printf("=> optimizer state in %s not restored", path)
	}

	t.startRound = rec.Round
	t.startEpoch = rec.Epoch
	t.searchBest = rec.BestAccuracy
	t.pass = rec.Round*t.cfg.Epochs + rec.Epoch
	if rec.RunID != "" {
		t.runID = rec.RunID
	}
	t.logger.Printf("=> loaded checkpoint '%s' (round %d, epoch %d, best %.2f)", path, rec.Round, rec.Epoch, rec.BestAccuracy)
	return nil
}

func (t *Trainer) loadRewindSnapshot(path string) error {
	rec, err := LoadRecord(path)
	if errors.Is(err, os.ErrNotExist) {
		t.logger.Printf("=> no rewind snapshot at %s", path)
		return nil
	}
	if err != nil {
		return err
	}
	state, err := rec.State()
	if err != nil {
		return err
	}
	if err := t.net.CheckpointFrom(state); err != nil {
		return fmt.Errorf("restore rewind snapshot: %w", err)
	}
	return nil
}
