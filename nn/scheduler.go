package nn

import "fmt"

// LRScheduler interface defines learning rate scheduling strategies
type LRScheduler interface {
	// GetLR returns the learning rate for the given epoch
	GetLR(epoch int) float32

	// Name returns the scheduler name
	Name() string
}

// ============================================================================
// Constant Scheduler - Fixed learning rate
// ============================================================================

type ConstantScheduler struct {
	baseLR float32
}

func NewConstantScheduler(baseLR float32) *ConstantScheduler {
	return &ConstantScheduler{baseLR: baseLR}
}

func (s *ConstantScheduler) GetLR(epoch int) float32 {
	return s.baseLR
}

func (s *ConstantScheduler) Name() string {
	return "Constant"
}

// ============================================================================
// Multi-Step Drop Scheduler - multiply by drops[i] once epoch reaches milestones[i]
// ============================================================================

// MultiStepDropScheduler applies the drops cumulatively in milestone order
// and stops at the first milestone not yet reached:
//
//	lr = base * drops[0] * ... * drops[k]  where milestones[0..k] <= epoch
type MultiStepDropScheduler struct {
	baseLR     float32
	milestones []int
	drops      []float32
}

func NewMultiStepDropScheduler(baseLR float32, milestones []int, drops []float32) (*MultiStepDropScheduler, error) {
	if len(milestones) != len(drops) {
		return nil, fmt.Errorf("lr schedule has %d milestones but %d drops", len(milestones), len(drops))
	}
	return &MultiStepDropScheduler{
		baseLR:     baseLR,
		milestones: append([]int(nil), milestones...),
		drops:      append([]float32(nil), drops...),
	}, nil
}

func (s *MultiStepDropScheduler) GetLR(epoch int) float32 {
	lr := s.baseLR
	for i, m := range s.milestones {
		if epoch < m {
			break
		}
		lr *= s.drops[i]
	}
	return lr
}

func (s *MultiStepDropScheduler) Name() string {
	return "MultiStepDrop"
}
