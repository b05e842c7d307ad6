package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/signalsfoundry/autoscope/model"
)

// ErrIllegalTransition is returned for a phase change the lifecycle does not
// allow. It always indicates a programming error.
var ErrIllegalTransition = errors.New("illegal phase transition")

var transitions = map[model.Phase][]model.Phase{
	model.PhaseInit:              {model.PhaseWaitObservability, model.PhaseShutdown, model.PhaseAborted},
	model.PhaseWaitObservability: {model.PhaseAcquisition, model.PhaseShutdown},
	model.PhaseAcquisition:       {model.PhaseScience, model.PhaseShutdown},
	model.PhaseScience:           {model.PhaseShutdown},
	model.PhaseShutdown:          {model.PhaseParked, model.PhaseAborted},
}

// mirror mode may return to monitoring and start over on a new target.
var mirrorTransitions = map[model.Phase][]model.Phase{
	model.PhaseAcquisition: {model.PhaseWaitObservability},
	model.PhaseScience:     {model.PhaseWaitObservability, model.PhaseAcquisition},
}

// phaseMachine holds the active phase. Reads are safe from any goroutine;
// transitions happen on the session goroutine.
type phaseMachine struct {
	mu       sync.RWMutex
	phase    model.Phase
	mirror   bool
	onChange func(from, to model.Phase)
}

func newPhaseMachine(mirror bool, onChange func(from, to model.Phase)) *phaseMachine {
	return &phaseMachine{phase: model.PhaseInit, mirror: mirror, onChange: onChange}
}

func (m *phaseMachine) Current() model.Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

// To moves to next. Moving to the current phase is a no-op.
func (m *phaseMachine) To(next model.Phase) error {
	m.mu.Lock()
	from := m.phase
	if from == next {
		m.mu.Unlock()
		return nil
	}
	if !allowed(from, next, m.mirror) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, next)
	}
	m.phase = next
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(from, next)
	}
	return nil
}

func allowed(from, to model.Phase, mirror bool) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	if mirror {
		for _, p := range mirrorTransitions[from] {
			if p == to {
				return true
			}
		}
	}
	return false
}
