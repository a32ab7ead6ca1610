package interview

import "github.com/pavelanni/opi/internal/model"

// Schedule is the ordered list of phases an interview walks through.
// A phase may appear more than once.
type Schedule []model.Phase

// DefaultSchedule returns the standard OPI schedule. The level check is
// repeated to weight it twice.
func DefaultSchedule() Schedule {
	return Schedule{
		model.PhaseWarmup,
		model.PhaseLevelCheck,
		model.PhaseLevelCheck,
		model.PhaseProbe,
		model.PhaseWindDown,
	}
}

// Len returns the number of phases.
func (s Schedule) Len() int { return len(s) }

// Current returns the phase at cursor. Callers check Exhausted first;
// an out-of-range cursor yields the empty phase.
func (s Schedule) Current(cursor int) model.Phase {
	if cursor < 0 || cursor >= len(s) {
		return ""
	}
	return s[cursor]
}

// Exhausted reports whether cursor has moved past the last phase.
func (s Schedule) Exhausted(cursor int) bool {
	return cursor >= len(s)
}

// Advance returns the cursor for the next phase.
func (s Schedule) Advance(cursor int) int {
	return cursor + 1
}
