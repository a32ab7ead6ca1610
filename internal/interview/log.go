package interview

import "github.com/pavelanni/opi/internal/model"

// Log is the append-only transcript of a session. It is not safe for
// concurrent use; the owning Session serializes access.
type Log struct {
	turns []model.Turn
}

// Append adds a turn at the end.
func (l *Log) Append(t model.Turn) {
	l.turns = append(l.turns, t)
}

// Len returns the number of turns.
func (l *Log) Len() int { return len(l.turns) }

// Last returns the most recent turn.
func (l *Log) Last() (model.Turn, bool) {
	if len(l.turns) == 0 {
		return model.Turn{}, false
	}
	return l.turns[len(l.turns)-1], true
}

// Turns returns a copy of all turns in order.
func (l *Log) Turns() []model.Turn {
	out := make([]model.Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// Dialogue returns the examiner and student turns in order, without grades.
func (l *Log) Dialogue() []model.Turn {
	var out []model.Turn
	for _, t := range l.turns {
		if t.Role == model.RoleExaminer || t.Role == model.RoleStudent {
			out = append(out, t)
		}
	}
	return out
}

// Count returns how many turns have the given role.
func (l *Log) Count(role model.Role) int {
	n := 0
	for _, t := range l.turns {
		if t.Role == role {
			n++
		}
	}
	return n
}
