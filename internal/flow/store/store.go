// Package store holds the accumulated state of one adhesion signup: the
// answer set, the active step, the configured step sequence, the
// submission-in-progress flag and the last error set. It performs no I/O;
// all mutation goes through the engine and the navigation controller.
package store

import (
	"fmt"
	"maps"
	"sync"

	"adhesion-flow/internal/flow"
)

// Snapshot is an immutable copy of the store, safe to read after the store
// has moved on.
type Snapshot struct {
	CurrentStep flow.Step         `json:"currentStep"`
	Steps       []flow.Step       `json:"steps"`
	Fields      map[string]any    `json:"fields"`
	Submitting  bool              `json:"submitting"`
	Errors      map[string]string `json:"errors"`
	Attempt     int               `json:"attempt"`
}

// FieldString returns the named field coerced to string, or "" when absent
// or of another type.
func (s Snapshot) FieldString(key string) string {
	v, _ := s.Fields[key].(string)
	return v
}

// Store is the single shared mutable resource of the flow core. Access is
// serialized by an internal mutex; one writer at a time is sufficient since
// the engine never overlaps submissions.
type Store struct {
	mu sync.Mutex

	currentStep flow.Step
	steps       []flow.Step
	fields      map[string]any
	submitting  bool
	errors      map[string]string
	attempt     int

	initialSteps  []flow.Step
	initialFields map[string]any
}

// New creates a store positioned at the first step of the sequence. The
// sequence must already satisfy flow.ValidateSequence. Initial fields seed
// the answer set (campaign attribution, defaults) and are restored by Reset.
func New(steps []flow.Step, initialFields map[string]any) *Store {
	s := &Store{
		initialSteps:  append([]flow.Step(nil), steps...),
		initialFields: cloneFields(initialFields),
	}
	s.resetLocked()
	return s
}

func (s *Store) resetLocked() {
	s.steps = append([]flow.Step(nil), s.initialSteps...)
	s.currentStep = s.steps[0]
	s.fields = cloneFields(s.initialFields)
	s.submitting = false
	s.errors = map[string]string{}
	s.attempt = 1
}

// Reset restores the construction-time defaults, including the step sequence.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// SetStep moves the pointer to step. Steps outside the configured sequence
// are silently ignored.
func (s *Store) SetStep(step flow.Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if flow.IndexOf(step, s.steps) >= 0 {
		s.currentStep = step
	}
}

// SetSteps replaces the configured sequence and resets the pointer to its
// first element.
func (s *Store) SetSteps(steps []flow.Step) error {
	if err := flow.ValidateSequence(steps); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append([]flow.Step(nil), steps...)
	s.currentStep = s.steps[0]
	return nil
}

// Advance moves to the next step in the sequence, clamped at the end.
func (s *Store) Advance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx := flow.IndexOf(s.currentStep, s.steps); idx >= 0 && idx < len(s.steps)-1 {
		s.currentStep = s.steps[idx+1]
	}
}

// Retreat moves to the previous step in the sequence, clamped at the start.
func (s *Store) Retreat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx := flow.IndexOf(s.currentStep, s.steps); idx > 0 {
		s.currentStep = s.steps[idx-1]
	}
}

// MergeFields shallow-merges partial into the answer set. Keys absent from
// partial keep their previous value.
func (s *Store) MergeFields(partial map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range partial {
		s.fields[k] = v
	}
}

// SetErrors replaces the error set.
func (s *Store) SetErrors(errs map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = maps.Clone(errs)
	if s.errors == nil {
		s.errors = map[string]string{}
	}
}

// ClearErrors empties the error set.
func (s *Store) ClearErrors() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = map[string]string{}
}

// SetSubmitting toggles the submission-in-progress flag.
func (s *Store) SetSubmitting(submitting bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitting = submitting
}

// SetAttempt overwrites the lead-creation attempt counter.
func (s *Store) SetAttempt(attempt int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if attempt >= 1 {
		s.attempt = attempt
	}
}

// Snapshot returns a consistent copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		CurrentStep: s.currentStep,
		Steps:       append([]flow.Step(nil), s.steps...),
		Fields:      cloneFields(s.fields),
		Submitting:  s.submitting,
		Errors:      maps.Clone(s.errors),
		Attempt:     s.attempt,
	}
}

// Restore overwrites the live state from a snapshot, used when rehydrating a
// persisted session. The snapshot's sequence must be valid.
func (s *Store) Restore(snap Snapshot) error {
	if err := flow.ValidateSequence(snap.Steps); err != nil {
		return err
	}
	if flow.IndexOf(snap.CurrentStep, snap.Steps) < 0 {
		return fmt.Errorf("snapshot step %s is not part of its sequence", snap.CurrentStep)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append([]flow.Step(nil), snap.Steps...)
	s.currentStep = snap.CurrentStep
	s.fields = cloneFields(snap.Fields)
	s.submitting = false
	s.errors = maps.Clone(snap.Errors)
	if s.errors == nil {
		s.errors = map[string]string{}
	}
	s.attempt = snap.Attempt
	if s.attempt < 1 {
		s.attempt = 1
	}
	return nil
}

func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
