package interview

import "errors"

var (
	// ErrSessionNotFound is returned for unknown or expired session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrLearnerNameRequired blocks Start without a learner name.
	ErrLearnerNameRequired = errors.New("learner name is required")

	// ErrInvalidTransition is returned when an operation does not apply to
	// the session's current state.
	ErrInvalidTransition = errors.New("invalid session state transition")

	// ErrStaleRecording is returned for a recording captured for a phase
	// the session has already left. It is discarded without transcription.
	ErrStaleRecording = errors.New("recording belongs to a previous question")

	// ErrRetryRecording is returned when a recording produced no usable
	// transcript. Nothing was committed; the same question is still pending.
	ErrRetryRecording = errors.New("recording could not be transcribed, please record again")

	// ErrNoQuestionPending is returned when an answer arrives but the last
	// turn is not an examiner question.
	ErrNoQuestionPending = errors.New("no question is pending")

	// ErrNoResultDestination is reported when an exam session finishes
	// without a result sheet. The session still finishes.
	ErrNoResultDestination = errors.New("no result sheet configured for this exam")
)
