// Package interview drives OPI sessions: the phase schedule, the transcript
// log, and the turn-by-turn state machine from the first question to the
// saved result.
package interview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pavelanni/opi/internal/llm"
	"github.com/pavelanni/opi/internal/llm/prompts"
	"github.com/pavelanni/opi/internal/metrics"
	"github.com/pavelanni/opi/internal/model"
	"github.com/pavelanni/opi/internal/sheets"
	"github.com/pavelanni/opi/internal/speech"
)

// Generator produces free text for a prompt. *llm.Chain implements it.
type Generator interface {
	Generate(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Recorder mirrors session state for auditing and export.
type Recorder interface {
	RecordSession(ctx context.Context, rec model.SessionRecord) error
}

// DocumentSource lists the reference documents attached to question generation.
type DocumentSource interface {
	ListReferenceDocs(ctx context.Context) ([]model.ReferenceDoc, error)
}

// Options configures an Orchestrator. Generator, Transcriber and Appender
// are required; the rest may be nil.
type Options struct {
	Generator   Generator
	Transcriber speech.Transcriber
	Synthesizer speech.Synthesizer
	Appender    sheets.Appender
	Recorder    Recorder
	Documents   DocumentSource
	Registry    *Registry

	// Schedule overrides DefaultSchedule for new sessions.
	Schedule Schedule

	Now func() time.Time
}

// Orchestrator owns every session transition.
type Orchestrator struct {
	gen       Generator
	stt       speech.Transcriber
	tts       speech.Synthesizer
	appender  sheets.Appender
	recorder  Recorder
	documents DocumentSource
	sessions  *Registry
	schedule  Schedule
	now       func() time.Time
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		gen:       opts.Generator,
		stt:       opts.Transcriber,
		tts:       opts.Synthesizer,
		appender:  opts.Appender,
		recorder:  opts.Recorder,
		documents: opts.Documents,
		sessions:  opts.Registry,
		schedule:  opts.Schedule,
		now:       opts.Now,
	}
	if o.sessions == nil {
		o.sessions = NewRegistry()
	}
	if len(o.schedule) == 0 {
		o.schedule = DefaultSchedule()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.appender == nil {
		o.appender = sheets.LogAppender{}
	}
	return o
}

// StartRequest carries the learner form.
type StartRequest struct {
	Learner     model.LearnerInfo
	TargetLevel string
}

// NewSession registers a session in the Setting state under cfg.
func (o *Orchestrator) NewSession(cfg model.SessionConfig) *Session {
	s := newSession(newSessionID(), cfg, append(Schedule(nil), o.schedule...), o.now())
	o.sessions.Save(s)
	slog.Debug("session created", "session", s.id, "exam", cfg.IsExam)
	return s
}

// Session returns a snapshot of the session with id.
func (o *Orchestrator) Session(id string) (Snapshot, error) {
	s, err := o.sessions.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// Delete forgets a session.
func (o *Orchestrator) Delete(id string) {
	o.sessions.Delete(id)
}

// Start moves a session from Setting to Interview and asks the first question.
// Nothing changes if the learner name is missing or the level is unknown.
func (o *Orchestrator) Start(ctx context.Context, id string, req StartRequest) (Snapshot, error) {
	// Generation runs to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	s, err := o.acquire(id)
	if err != nil {
		return Snapshot{}, err
	}
	defer s.mu.Unlock()

	if s.state != model.StateSetting {
		return s.snapshotLocked(), fmt.Errorf("start in state %s: %w", s.state, ErrInvalidTransition)
	}

	learner := model.LearnerInfo{
		Name:      strings.TrimSpace(req.Learner.Name),
		ClassName: strings.TrimSpace(req.Learner.ClassName),
		ID:        strings.TrimSpace(req.Learner.ID),
	}
	if learner.Name == "" {
		return s.snapshotLocked(), ErrLearnerNameRequired
	}

	level := req.TargetLevel
	if s.config.IsExam || level == "" {
		level = s.config.TargetLevel
	}
	if !model.IsValidLevel(level) {
		return s.snapshotLocked(), model.ErrInvalidLevel
	}

	phase := s.schedule.Current(0)
	question := o.nextQuestion(ctx, s.config, learner, level, phase, nil)
	audio := o.synthesize(ctx, s.id, question)

	s.learner = learner
	s.targetLevel = level
	s.run++
	s.cursor = 0
	s.log.Append(model.Turn{Role: model.RoleExaminer, Text: question, Phase: phase, At: o.now()})
	s.questionAudio = audio
	s.audioCursor = 0
	s.state = model.StateInterview
	s.startedAt = o.now()
	metrics.TurnsTotal.WithLabelValues(string(model.RoleExaminer)).Inc()

	slog.Info("interview started", "session", s.id, "learner", learner.Name, "level", level, "exam", s.config.IsExam)
	o.record(ctx, s)
	return s.snapshotLocked(), nil
}

// SubmitAnswer processes the recording captured for slot. A recording for
// any other slot, including one from before a restart, is discarded without
// transcription. A failed or empty transcript leaves the session untouched
// and returns ErrRetryRecording. Otherwise the student turn, its grade, the
// cursor advance and the next question (or the Finished state) are committed
// together.
func (o *Orchestrator) SubmitAnswer(ctx context.Context, id string, slot Slot, audio []byte) (Snapshot, error) {
	ctx = context.WithoutCancel(ctx)
	s, err := o.acquire(id)
	if err != nil {
		return Snapshot{}, err
	}
	defer s.mu.Unlock()

	switch s.state {
	case model.StateInterview:
	case model.StateFinished:
		metrics.RecordingsRejected.WithLabelValues("stale").Inc()
		return s.snapshotLocked(), ErrStaleRecording
	default:
		return s.snapshotLocked(), fmt.Errorf("answer in state %s: %w", s.state, ErrInvalidTransition)
	}

	if slot != s.slotLocked() {
		metrics.RecordingsRejected.WithLabelValues("stale").Inc()
		slog.Warn("stale recording discarded", "session", s.id,
			"recording_run", slot.Run, "recording_cursor", slot.Cursor, "run", s.run, "cursor", s.cursor)
		return s.snapshotLocked(), ErrStaleRecording
	}

	pending, ok := s.log.Last()
	if !ok || pending.Role != model.RoleExaminer {
		return s.snapshotLocked(), ErrNoQuestionPending
	}

	transcript, err := o.stt.Transcribe(ctx, audio)
	if err == nil && (transcript == nil || strings.TrimSpace(transcript.Text) == "") {
		err = speech.ErrNoSpeech
	}
	if err != nil {
		reason := "transcription_failed"
		if errors.Is(err, speech.ErrNoSpeech) || errors.Is(err, speech.ErrEmptyAudio) {
			reason = "no_speech"
		}
		metrics.RecordingsRejected.WithLabelValues(reason).Inc()
		slog.Warn("recording rejected", "session", s.id, "cursor", s.cursor, "error", err)
		return s.snapshotLocked(), fmt.Errorf("%w: %v", ErrRetryRecording, err)
	}

	phase := s.schedule.Current(s.cursor)
	answer := strings.TrimSpace(transcript.Text)
	now := o.now()
	studentTurn := model.Turn{Role: model.RoleStudent, Text: answer, At: now, Detail: transcript.Detail()}

	evaluation := o.evaluate(ctx, pending.Text, answer, s.targetLevel, phase)
	gradeTurn := model.Turn{Role: model.RoleGrade, Text: evaluation, Phase: phase, At: o.now()}

	next := s.schedule.Advance(s.cursor)
	var (
		nextTurn  *model.Turn
		nextAudio []byte
	)
	if !s.schedule.Exhausted(next) {
		history := append(s.log.Turns(), studentTurn, gradeTurn)
		nextPhase := s.schedule.Current(next)
		question := o.nextQuestion(ctx, s.config, s.learner, s.targetLevel, nextPhase, history)
		nextAudio = o.synthesize(ctx, s.id, question)
		nextTurn = &model.Turn{Role: model.RoleExaminer, Text: question, Phase: nextPhase, At: o.now()}
	}

	s.log.Append(studentTurn)
	s.log.Append(gradeTurn)
	s.cursor = next
	metrics.TurnsTotal.WithLabelValues(string(model.RoleStudent)).Inc()
	metrics.TurnsTotal.WithLabelValues(string(model.RoleGrade)).Inc()

	if nextTurn != nil {
		s.log.Append(*nextTurn)
		s.questionAudio = nextAudio
		s.audioCursor = next
		metrics.TurnsTotal.WithLabelValues(string(model.RoleExaminer)).Inc()
		slog.Info("phase advanced", "session", s.id, "cursor", s.cursor, "phase", nextTurn.Phase)
	} else {
		s.questionAudio = nil
		s.state = model.StateFinished
		s.finishedAt = o.now()
		metrics.SessionsFinished.WithLabelValues(modeLabel(s.config)).Inc()
		slog.Info("interview finished", "session", s.id, "answers", s.log.Count(model.RoleStudent))
		o.finalizeLocked(ctx, s)
	}

	o.record(ctx, s)
	return s.snapshotLocked(), nil
}

// QuestionAudio returns the synthesized audio for the question at cursor.
func (o *Orchestrator) QuestionAudio(id string, cursor int) ([]byte, error) {
	s, err := o.acquire(id)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	if s.state != model.StateInterview || cursor != s.cursor || s.audioCursor != s.cursor || len(s.questionAudio) == 0 {
		return nil, ErrNoQuestionPending
	}
	return s.questionAudio, nil
}

// Reset returns a session to Setting under cfg, clearing the learner, the
// log, the cursor and the saved flag. It is used to restart and whenever the
// active mode changes.
func (o *Orchestrator) Reset(ctx context.Context, id string, cfg model.SessionConfig) (Snapshot, error) {
	s, err := o.acquire(id)
	if err != nil {
		return Snapshot{}, err
	}
	defer s.mu.Unlock()

	s.resetLocked(cfg)
	slog.Info("session reset", "session", s.id, "exam", cfg.IsExam)
	return s.snapshotLocked(), nil
}

// EnsureMode reconciles a session with the active configuration. A session
// whose exam/practice mode differs is reset. A session still in Setting
// picks up the latest configuration; a running session keeps its snapshot.
func (o *Orchestrator) EnsureMode(ctx context.Context, id string, active model.SessionConfig) (Snapshot, error) {
	s, err := o.acquire(id)
	if err != nil {
		return Snapshot{}, err
	}
	defer s.mu.Unlock()

	switch {
	case s.config.IsExam != active.IsExam:
		slog.Info("mode changed, resetting session", "session", s.id, "exam", active.IsExam)
		s.resetLocked(active)
	case s.state == model.StateSetting:
		s.config = active
	}
	return s.snapshotLocked(), nil
}

func (o *Orchestrator) nextQuestion(ctx context.Context, cfg model.SessionConfig, learner model.LearnerInfo, level string, phase model.Phase, history []model.Turn) string {
	docs := o.referenceDocuments(ctx)
	prompt, err := prompts.BuildQuestionPrompt(prompts.QuestionData{
		TargetLevel:   level,
		Phase:         phase,
		History:       history,
		Learner:       learner,
		Exam:          cfg,
		HasReferences: len(docs) > 0,
	})
	if err != nil {
		return o.degrade(prompts.KindQuestion, fmt.Errorf("build question prompt: %w", err))
	}
	return o.generate(ctx, prompts.KindQuestion, llm.Request{Prompt: prompt, Documents: docs, Temperature: 0.8})
}

func (o *Orchestrator) evaluate(ctx context.Context, question, answer, level string, phase model.Phase) string {
	prompt, err := prompts.BuildEvaluationPrompt(prompts.EvaluationData{
		Question:    question,
		Answer:      answer,
		TargetLevel: level,
		Phase:       phase,
	})
	if err != nil {
		return o.degrade(prompts.KindEvaluation, fmt.Errorf("build evaluation prompt: %w", err))
	}
	return o.generate(ctx, prompts.KindEvaluation, llm.Request{Prompt: prompt, Temperature: 0.2})
}

// generate never fails: when every candidate fails the degraded text is
// returned in place of the artifact.
func (o *Orchestrator) generate(ctx context.Context, kind prompts.Kind, req llm.Request) string {
	resp, err := o.gen.Generate(ctx, req)
	if err == nil && strings.TrimSpace(resp.Text) == "" {
		err = llm.ErrEmptyResponse
	}
	if err != nil {
		var all *llm.ErrAllCandidatesFailed
		if errors.As(err, &all) && all.Last() != nil {
			err = all.Last()
		}
		return o.degrade(kind, err)
	}
	return strings.TrimSpace(resp.Text)
}

func (o *Orchestrator) degrade(kind prompts.Kind, err error) string {
	metrics.DegradedArtifacts.WithLabelValues(string(kind)).Inc()
	slog.Error("generation failed, using degraded text", "kind", kind, "error", err)
	return prompts.DegradedText(kind, err)
}

// synthesize is best-effort: a failed or missing synthesizer yields no audio.
func (o *Orchestrator) synthesize(ctx context.Context, sessionID, text string) []byte {
	if o.tts == nil || prompts.IsDegraded(text) {
		return nil
	}
	audio, err := o.tts.Synthesize(ctx, text)
	if err != nil {
		slog.Warn("speech synthesis failed", "session", sessionID, "error", err)
		return nil
	}
	return audio
}

// referenceDocuments is best-effort: a listing failure means no documents.
func (o *Orchestrator) referenceDocuments(ctx context.Context) []llm.Document {
	if o.documents == nil {
		return nil
	}
	refs, err := o.documents.ListReferenceDocs(ctx)
	if err != nil {
		slog.Warn("reference documents unavailable", "error", err)
		return nil
	}
	docs := make([]llm.Document, 0, len(refs))
	for _, r := range refs {
		docs = append(docs, llm.Document{Name: r.Name, MIMEType: r.MIMEType, Data: r.Data})
	}
	return docs
}

// acquire returns the locked session with id and marks it active. The caller
// unlocks it.
func (o *Orchestrator) acquire(id string) (*Session, error) {
	s, err := o.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.evicted {
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	s.lastActive = o.now()
	return s, nil
}

// record is best-effort: the audit mirror never blocks a transition.
func (o *Orchestrator) record(ctx context.Context, s *Session) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.RecordSession(ctx, s.recordLocked()); err != nil {
		slog.Warn("session audit record failed", "session", s.id, "error", err)
	}
}

func modeLabel(cfg model.SessionConfig) string {
	if cfg.IsExam {
		return "exam"
	}
	return "practice"
}
