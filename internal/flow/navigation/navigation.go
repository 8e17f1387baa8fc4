// Package navigation derives positional facts about the active step and
// exposes the movement primitives used both for ordinary advancement and for
// the existing-user resume jump.
package navigation

import (
	"fmt"

	stderrors "adhesion-flow/internal/common/errors"
	"adhesion-flow/internal/flow"
	"adhesion-flow/internal/flow/store"
)

// State is the derived view of where the flow currently stands.
type State struct {
	CurrentStep   flow.Step `json:"currentStep"`
	CurrentIndex  int       `json:"currentIndex"`
	TotalSteps    int       `json:"totalSteps"`
	CanGoNext     bool      `json:"canGoNext"`
	CanGoPrevious bool      `json:"canGoPrevious"`
	IsFirstStep   bool      `json:"isFirstStep"`
	IsLastStep    bool      `json:"isLastStep"`
}

// Controller computes navigation state from the store and moves the pointer.
type Controller struct {
	store *store.Store
}

func NewController(s *store.Store) *Controller {
	return &Controller{store: s}
}

// State derives the navigation facts for the current snapshot. The pointer
// sitting outside the configured sequence is a broken contract, not a user
// error, so it surfaces as an error rather than being patched over.
func (c *Controller) State() (State, error) {
	return Derive(c.store.Snapshot())
}

// Derive computes navigation facts from an arbitrary snapshot.
func Derive(snap store.Snapshot) (State, error) {
	idx := flow.IndexOf(snap.CurrentStep, snap.Steps)
	if idx < 0 {
		return State{}, stderrors.NewStepNotInSequenceError(
			fmt.Sprintf("current step %s not found in configured sequence %v", snap.CurrentStep, snap.Steps))
	}
	total := len(snap.Steps)
	return State{
		CurrentStep:   snap.CurrentStep,
		CurrentIndex:  idx,
		TotalSteps:    total,
		CanGoNext:     idx < total-1,
		CanGoPrevious: idx > 0,
		IsFirstStep:   idx == 0,
		IsLastStep:    idx == total-1,
	}, nil
}

// GoToStep jumps to step when it belongs to the configured sequence and is
// otherwise a no-op. The resume algorithm relies on this primitive to skip
// several steps in one call.
func (c *Controller) GoToStep(step flow.Step) {
	c.store.SetStep(step)
}

// NextStep advances by one, clamped at the last step.
func (c *Controller) NextStep() {
	c.store.Advance()
}

// PreviousStep retreats by one, clamped at the first step.
func (c *Controller) PreviousStep() {
	c.store.Retreat()
}
