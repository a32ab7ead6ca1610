package interview

import (
	"sync"
	"time"

	"github.com/pavelanni/opi/internal/model"
)

// Session holds everything one interview owns. All fields are guarded by mu
// and only mutated through Orchestrator methods.
type Session struct {
	mu sync.Mutex

	id          string
	state       model.SessionState
	config      model.SessionConfig
	learner     model.LearnerInfo
	targetLevel string
	schedule    Schedule
	run         int
	cursor      int
	log         Log

	// questionAudio is the synthesized audio of the pending question,
	// valid only for audioCursor.
	questionAudio []byte
	audioCursor   int

	saved   bool
	saveErr error
	summary string

	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time

	// lastActive is the time of the last orchestrator call on the session.
	lastActive time.Time
	evicted    bool
}

func newSession(id string, cfg model.SessionConfig, schedule Schedule, now time.Time) *Session {
	return &Session{
		id:         id,
		state:      model.StateSetting,
		config:     cfg,
		schedule:   schedule,
		createdAt:  now,
		lastActive: now,
	}
}

// Slot identifies the question a recording answers. Run counts Starts of the
// session, so a restarted session never accepts a recording from an earlier
// run at the same cursor.
type Slot struct {
	Run    int
	Cursor int
}

func (s *Session) slotLocked() Slot {
	return Slot{Run: s.run, Cursor: s.cursor}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Snapshot is a read-only copy of a session for rendering and tests.
type Snapshot struct {
	ID          string
	State       model.SessionState
	Config      model.SessionConfig
	Learner     model.LearnerInfo
	TargetLevel string
	Run         int
	Cursor      int
	PhaseCount  int
	Phase       model.Phase
	Turns       []model.Turn
	HasAudio    bool
	Saved       bool
	SaveErr     error
	Summary     string
	CreatedAt   time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Slot returns the slot a recording for the pending question must carry.
func (s Snapshot) Slot() Slot {
	return Slot{Run: s.Run, Cursor: s.Cursor}
}

// PendingQuestion returns the examiner turn awaiting an answer.
func (s Snapshot) PendingQuestion() (model.Turn, bool) {
	if s.State != model.StateInterview || len(s.Turns) == 0 {
		return model.Turn{}, false
	}
	last := s.Turns[len(s.Turns)-1]
	return last, last.Role == model.RoleExaminer
}

// Snapshot copies the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		ID:          s.id,
		State:       s.state,
		Config:      s.config,
		Learner:     s.learner,
		TargetLevel: s.targetLevel,
		Run:         s.run,
		Cursor:      s.cursor,
		PhaseCount:  s.schedule.Len(),
		Phase:       s.schedule.Current(s.cursor),
		Turns:       s.log.Turns(),
		HasAudio:    len(s.questionAudio) > 0 && s.audioCursor == s.cursor,
		Saved:       s.saved,
		SaveErr:     s.saveErr,
		Summary:     s.summary,
		CreatedAt:   s.createdAt,
		StartedAt:   s.startedAt,
		FinishedAt:  s.finishedAt,
	}
}

func (s *Session) recordLocked() model.SessionRecord {
	rec := model.SessionRecord{
		ID:        s.id,
		Learner:   s.learner,
		Config:    s.config,
		State:     s.state,
		Cursor:    s.cursor,
		StartedAt: s.startedAt,
		Saved:     s.saved,
		Summary:   s.summary,
		Turns:     s.log.Turns(),
	}
	rec.Config.TargetLevel = s.targetLevel
	if !s.finishedAt.IsZero() {
		t := s.finishedAt
		rec.FinishedAt = &t
	}
	if s.saveErr != nil {
		rec.SaveError = s.saveErr.Error()
	}
	return rec
}

// resetLocked returns the session to Setting under cfg.
func (s *Session) resetLocked(cfg model.SessionConfig) {
	s.state = model.StateSetting
	s.config = cfg
	s.learner = model.LearnerInfo{}
	s.targetLevel = ""
	s.cursor = 0
	s.log = Log{}
	s.questionAudio = nil
	s.audioCursor = 0
	s.saved = false
	s.saveErr = nil
	s.summary = ""
	s.startedAt = time.Time{}
	s.finishedAt = time.Time{}
}
