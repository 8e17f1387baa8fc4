// Package flow defines the shared vocabulary of the adhesion signup flow:
// the step universe, the flow configuration and the typed per-step payloads
// exchanged between the validator and the orchestration engine.
package flow

import "fmt"

// Step identifies one stage of the adhesion wizard. The ordinals match the
// step numbers used by the hosted form, so they are part of the external
// contract and must not be renumbered.
type Step int

const (
	StepPersonalData  Step = 1
	StepSmsValidation Step = 2
	StepDocument      Step = 3
	StepContract      Step = 4
	StepComplete      Step = 5
)

// Universe is the full ordered set of steps a flow may select from.
var Universe = []Step{
	StepPersonalData,
	StepSmsValidation,
	StepDocument,
	StepContract,
	StepComplete,
}

func (s Step) String() string {
	switch s {
	case StepPersonalData:
		return "personal_data"
	case StepSmsValidation:
		return "sms_validation"
	case StepDocument:
		return "document"
	case StepContract:
		return "contract"
	case StepComplete:
		return "complete"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// Valid reports whether s belongs to the step universe.
func (s Step) Valid() bool {
	return s >= StepPersonalData && s <= StepComplete
}

// ParseStep converts a raw ordinal into a Step.
func ParseStep(n int) (Step, error) {
	s := Step(n)
	if !s.Valid() {
		return 0, fmt.Errorf("unknown flow step %d", n)
	}
	return s, nil
}

// IndexOf returns the position of s within seq, or -1 when absent.
func IndexOf(s Step, seq []Step) int {
	for i, candidate := range seq {
		if candidate == s {
			return i
		}
	}
	return -1
}

// ValidateSequence enforces the flow invariant: a non-empty, strictly
// increasing, duplicate-free sub-selection of the step universe.
func ValidateSequence(seq []Step) error {
	if len(seq) == 0 {
		return fmt.Errorf("step sequence must not be empty")
	}
	prev := Step(0)
	for _, s := range seq {
		if !s.Valid() {
			return fmt.Errorf("step sequence contains unknown step %d", int(s))
		}
		if s <= prev {
			return fmt.Errorf("step sequence must be strictly increasing, got %s after %s", s, prev)
		}
		prev = s
	}
	return nil
}
