package interview

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pavelanni/opi/internal/llm"
	"github.com/pavelanni/opi/internal/llm/prompts"
	"github.com/pavelanni/opi/internal/model"
	"github.com/pavelanni/opi/internal/speech"
)

func fixedNow() time.Time {
	return time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
}

type sttResult struct {
	text string
	err  error
}

type fakeTranscriber struct {
	mu      sync.Mutex
	results []sttResult
	calls   int
}

func (f *fakeTranscriber) Transcribe(_ context.Context, audio []byte) (*speech.Transcript, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.results) > 0 {
		r := f.results[0]
		f.results = f.results[1:]
		if r.err != nil {
			return nil, r.err
		}
		return &speech.Transcript{Text: r.text}, nil
	}
	return &speech.Transcript{Text: "答え:" + string(audio)}, nil
}

func (f *fakeTranscriber) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSynthesizer struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, text string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	if f.err != nil {
		return nil, f.err
	}
	return []byte("mp3:" + text), nil
}

type appendCall struct {
	ref string
	row []string
}

type fakeAppender struct {
	mu    sync.Mutex
	calls []appendCall
	err   error
}

func (f *fakeAppender) Append(_ context.Context, ref string, row []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, appendCall{ref: ref, row: row})
	return f.err
}

func (f *fakeAppender) Calls() []appendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]appendCall(nil), f.calls...)
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []model.SessionRecord
	err     error
}

func (f *fakeRecorder) RecordSession(_ context.Context, rec model.SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return f.err
}

type fakeDocs struct {
	docs []model.ReferenceDoc
}

func (f fakeDocs) ListReferenceDocs(context.Context) ([]model.ReferenceDoc, error) {
	return f.docs, nil
}

type fixture struct {
	orch     *Orchestrator
	gen      *llm.MockProvider
	stt      *fakeTranscriber
	tts      *fakeSynthesizer
	appender *fakeAppender
	recorder *fakeRecorder
}

func newFixture(t *testing.T, gen ...llm.Provider) *fixture {
	t.Helper()
	f := &fixture{
		stt:      &fakeTranscriber{},
		tts:      &fakeSynthesizer{},
		appender: &fakeAppender{},
		recorder: &fakeRecorder{},
	}
	if len(gen) == 0 {
		f.gen = llm.NewMockProvider("mock-model")
		f.gen.Fallback = llm.MockResponse{Text: "週末は何をしましたか。"}
		gen = []llm.Provider{f.gen}
	}
	f.orch = New(Options{
		Generator:   llm.NewChain(gen...),
		Transcriber: f.stt,
		Synthesizer: f.tts,
		Appender:    f.appender,
		Recorder:    f.recorder,
		Now:         fixedNow,
	})
	return f
}

var (
	practiceConfig = model.SessionConfig{TargetLevel: "A2", ResultSheet: "practice-sheet"}
	examConfig     = model.SessionConfig{
		IsExam: true, Year: "2026", ExamType: "期末テスト", ClassName: "上級",
		TargetLevel: "B1", ResultSheet: "exam-sheet",
	}
	testLearner = model.LearnerInfo{Name: "リン", ClassName: "2A", ID: "s-01"}
)

func (f *fixture) start(t *testing.T, cfg model.SessionConfig) Snapshot {
	t.Helper()
	s := f.orch.NewSession(cfg)
	snap, err := f.orch.Start(context.Background(), s.ID(), StartRequest{Learner: testLearner})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return snap
}

func countRole(turns []model.Turn, role model.Role) int {
	n := 0
	for _, t := range turns {
		if t.Role == role {
			n++
		}
	}
	return n
}

func TestStart(t *testing.T) {
	f := newFixture(t)
	snap := f.start(t, practiceConfig)

	if snap.State != model.StateInterview {
		t.Errorf("state = %s, want interview", snap.State)
	}
	if snap.Cursor != 0 || snap.Phase != model.PhaseWarmup {
		t.Errorf("cursor/phase = %d/%s", snap.Cursor, snap.Phase)
	}
	if len(snap.Turns) != 1 || snap.Turns[0].Role != model.RoleExaminer || snap.Turns[0].Phase != model.PhaseWarmup {
		t.Fatalf("turns = %+v", snap.Turns)
	}
	if snap.Learner != testLearner || snap.TargetLevel != "A2" {
		t.Errorf("learner/level = %+v/%s", snap.Learner, snap.TargetLevel)
	}
	if !snap.HasAudio {
		t.Error("first question should have synthesized audio")
	}
	if q, ok := snap.PendingQuestion(); !ok || q.Text != "週末は何をしましたか。" {
		t.Errorf("pending question = %+v, %v", q, ok)
	}
	if !strings.Contains(f.gen.Calls[0].Prompt, "練習セッション") {
		t.Error("practice session should use the practice prompt")
	}
}

func TestStartValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     model.SessionConfig
		req     StartRequest
		wantErr error
	}{
		{"empty name", practiceConfig, StartRequest{Learner: model.LearnerInfo{Name: "  "}}, ErrLearnerNameRequired},
		{"unknown level", practiceConfig, StartRequest{Learner: testLearner, TargetLevel: "Z9"}, model.ErrInvalidLevel},
		{"no level at all", model.SessionConfig{}, StartRequest{Learner: testLearner}, model.ErrInvalidLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			s := f.orch.NewSession(tt.cfg)
			snap, err := f.orch.Start(context.Background(), s.ID(), tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if snap.State != model.StateSetting || len(snap.Turns) != 0 || snap.Learner != (model.LearnerInfo{}) {
				t.Errorf("rejected start must not mutate the session: %+v", snap)
			}
			if f.gen.CallCount() != 0 {
				t.Error("rejected start must not call the generator")
			}
		})
	}
}

func TestStartTwiceIsInvalid(t *testing.T) {
	f := newFixture(t)
	snap := f.start(t, practiceConfig)
	_, err := f.orch.Start(context.Background(), snap.ID, StartRequest{Learner: testLearner})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestStartExamUsesConfiguredLevel(t *testing.T) {
	f := newFixture(t)
	s := f.orch.NewSession(examConfig)
	snap, err := f.orch.Start(context.Background(), s.ID(), StartRequest{Learner: testLearner, TargetLevel: "A1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if snap.TargetLevel != "B1" {
		t.Errorf("exam level = %s, want B1 from the exam config", snap.TargetLevel)
	}
	prompt := f.gen.Calls[0].Prompt
	if !strings.Contains(prompt, "上級") || !strings.Contains(prompt, "厳格") {
		t.Error("exam session should use the strict prompt naming the class")
	}
}

func TestStartPracticeLevelOverride(t *testing.T) {
	f := newFixture(t)
	s := f.orch.NewSession(practiceConfig)
	snap, err := f.orch.Start(context.Background(), s.ID(), StartRequest{Learner: testLearner, TargetLevel: "C1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if snap.TargetLevel != "C1" {
		t.Errorf("practice level = %s, want C1", snap.TargetLevel)
	}
}

func TestFullInterview(t *testing.T) {
	f := newFixture(t)
	snap := f.start(t, practiceConfig)
	id := snap.ID
	schedule := DefaultSchedule()

	for i := 0; i < schedule.Len(); i++ {
		before := snap
		var err error
		snap, err = f.orch.SubmitAnswer(context.Background(), id, before.Slot(), []byte{byte('a' + i)})
		if err != nil {
			t.Fatalf("SubmitAnswer %d: %v", i, err)
		}
		if snap.Cursor != before.Cursor+1 {
			t.Fatalf("cursor %d -> %d, want +1", before.Cursor, snap.Cursor)
		}
		// One examiner and one student turn per completed phase.
		completed := snap.Cursor
		if got := countRole(snap.Turns, model.RoleStudent); got != completed {
			t.Errorf("after %d answers: %d student turns", completed, got)
		}
		if got := countRole(snap.Turns, model.RoleGrade); got != completed {
			t.Errorf("after %d answers: %d grade turns", completed, got)
		}
		wantState := model.StateInterview
		if schedule.Exhausted(snap.Cursor) {
			wantState = model.StateFinished
		}
		if snap.State != wantState {
			t.Errorf("after %d answers: state = %s, want %s", completed, snap.State, wantState)
		}
		if len(f.appender.Calls()) != 0 && snap.State != model.StateFinished {
			t.Fatal("result saved before the session finished")
		}
	}

	if snap.Cursor != schedule.Len() {
		t.Errorf("final cursor = %d, want %d", snap.Cursor, schedule.Len())
	}
	if got := countRole(snap.Turns, model.RoleExaminer); got != schedule.Len() {
		t.Errorf("examiner turns = %d, want %d", got, schedule.Len())
	}
	if len(snap.Turns) != 3*schedule.Len() {
		t.Errorf("total turns = %d, want %d", len(snap.Turns), 3*schedule.Len())
	}

	// Examiner turns follow the schedule, level_check twice.
	var phases []model.Phase
	for _, turn := range snap.Turns {
		if turn.Role == model.RoleExaminer {
			phases = append(phases, turn.Phase)
		}
	}
	for i, p := range schedule {
		if phases[i] != p {
			t.Errorf("question %d phase = %s, want %s", i, phases[i], p)
		}
	}

	// Log order: examiner, student, grade per phase.
	for i := 0; i < len(snap.Turns); i += 3 {
		roles := []model.Role{snap.Turns[i].Role, snap.Turns[i+1].Role, snap.Turns[i+2].Role}
		if roles[0] != model.RoleExaminer || roles[1] != model.RoleStudent || roles[2] != model.RoleGrade {
			t.Errorf("turns %d..%d roles = %v", i, i+2, roles)
		}
		if snap.Turns[i+2].Phase != snap.Turns[i].Phase {
			t.Errorf("grade %d phase = %s, want %s", i/3, snap.Turns[i+2].Phase, snap.Turns[i].Phase)
		}
	}

	calls := f.appender.Calls()
	if len(calls) != 1 {
		t.Fatalf("append calls = %d, want exactly 1", len(calls))
	}
	if calls[0].ref != "practice-sheet" {
		t.Errorf("ref = %s", calls[0].ref)
	}
	if !snap.Saved || snap.SaveErr != nil || snap.Summary == "" {
		t.Errorf("saved/err/summary = %v/%v/%q", snap.Saved, snap.SaveErr, snap.Summary)
	}
	if snap.HasAudio {
		t.Error("finished session should not expose question audio")
	}

	// Finished sessions accept no further recordings.
	if _, err := f.orch.SubmitAnswer(context.Background(), id, snap.Slot(), []byte("x")); !errors.Is(err, ErrStaleRecording) {
		t.Errorf("answer after finish: err = %v, want ErrStaleRecording", err)
	}
	if f.stt.Calls() != schedule.Len() {
		t.Errorf("transcriber calls = %d, want %d", f.stt.Calls(), schedule.Len())
	}
}

func TestQuestionPromptSeesOnlyEarlierTurns(t *testing.T) {
	f := newFixture(t)
	snap := f.start(t, practiceConfig)
	if _, err := f.orch.SubmitAnswer(context.Background(), snap.ID, snap.Slot(), []byte("first")); err != nil {
		t.Fatalf("SubmitAnswer: %v", err)
	}
	// Calls: question 0, evaluation 0, question 1.
	if f.gen.CallCount() != 3 {
		t.Fatalf("generator calls = %d, want 3", f.gen.CallCount())
	}
	next := f.gen.Calls[2].Prompt
	if !strings.Contains(next, "答え:first") {
		t.Error("next question prompt should include the previous answer")
	}
	if strings.Contains(next, "週末は何をしましたか。\n試験官") {
		t.Error("next question prompt should not include the question being generated")
	}
	if !strings.Contains(next, model.PhaseLevelCheck.Label()) {
		t.Error("next question prompt should name the new phase")
	}
	eval := f.gen.Calls[1].Prompt
	if !strings.Contains(eval, "答え:first") || !strings.Contains(eval, model.PhaseWarmup.Label()) {
		t.Error("evaluation prompt should reference the answered question's phase and answer")
	}
}

func TestStaleRecordingIsDiscarded(t *testing.T) {
	f := newFixture(t)
	snap := f.start(t, practiceConfig)
	audio := []byte("same recording")

	after, err := f.orch.SubmitAnswer(context.Background(), snap.ID, snap.Slot(), audio)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	replay, err := f.orch.SubmitAnswer(context.Background(), snap.ID, snap.Slot(), audio)
	if !errors.Is(err, ErrStaleRecording) {
		t.Fatalf("replayed submit: err = %v, want ErrStaleRecording", err)
	}
	if f.stt.Calls() != 1 {
		t.Errorf("stale recording was transcribed: %d calls", f.stt.Calls())
	}
	if countRole(replay.Turns, model.RoleStudent) != 1 {
		t.Errorf("student turns = %d, want 1", countRole(replay.Turns, model.RoleStudent))
	}
	if replay.Cursor != after.Cursor || len(replay.Turns) != len(after.Turns) {
		t.Error("stale recording must not change the session")
	}

	if _, err := f.orch.SubmitAnswer(context.Background(), snap.ID, Slot{Run: snap.Run, Cursor: 7}, audio); !errors.Is(err, ErrStaleRecording) {
		t.Errorf("future cursor: err = %v, want ErrStaleRecording", err)
	}
}

func TestRetryRecording(t *testing.T) {
	tests := []struct {
		name   string
		result sttResult
	}{
		{"empty transcript", sttResult{text: "   "}},
		{"no speech", sttResult{err: speech.ErrNoSpeech}},
		{"service failure", sttResult{err: &speech.TranscriptionError{Provider: "google", Message: "unavailable"}}},
		{"conversion failure", sttResult{err: &speech.TranscriptionError{Provider: "ffmpeg", Message: "convert recording"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			// Advance one phase so the retry happens on cycle N=1.
			snap := f.start(t, practiceConfig)
			snap, err := f.orch.SubmitAnswer(context.Background(), snap.ID, snap.Slot(), []byte("ok"))
			if err != nil {
				t.Fatalf("first answer: %v", err)
			}
			pending, _ := snap.PendingQuestion()
			genCalls := f.gen.CallCount()

			f.stt.results = []sttResult{tt.result}
			after, err := f.orch.SubmitAnswer(context.Background(), snap.ID, snap.Slot(), []byte("noise"))
			if !errors.Is(err, ErrRetryRecording) {
				t.Fatalf("err = %v, want ErrRetryRecording", err)
			}
			if after.Cursor != 1 || len(after.Turns) != len(snap.Turns) {
				t.Errorf("cursor/turns = %d/%d, want 1/%d", after.Cursor, len(after.Turns), len(snap.Turns))
			}
			if q, ok := after.PendingQuestion(); !ok || q != pending {
				t.Error("the same question should still be pending")
			}
			if f.gen.CallCount() != genCalls {
				t.Error("failed transcription must not call the generator")
			}

			// A new recording for the same cursor is accepted.
			after, err = f.orch.SubmitAnswer(context.Background(), snap.ID, snap.Slot(), []byte("retry"))
			if err != nil {
				t.Fatalf("retry: %v", err)
			}
			if after.Cursor != 2 {
				t.Errorf("cursor after retry = %d, want 2", after.Cursor)
			}
		})
	}
}

func TestGenerationFailureDegrades(t *testing.T) {
	a := llm.NewMockProvider("model-a")
	a.Fallback = llm.MockResponse{Err: errors.New("model-a not found")}
	b := llm.NewMockProvider("model-b")
	b.Fallback = llm.MockResponse{Err: errors.New("quota exhausted")}
	f := newFixture(t, a, b)

	snap := f.start(t, practiceConfig)
	q, _ := snap.PendingQuestion()
	if !prompts.IsDegraded(q.Text) || !strings.Contains(q.Text, "quota exhausted") {
		t.Errorf("question = %q, want degraded text with the last error", q.Text)
	}
	if snap.HasAudio {
		t.Error("degraded text should not be synthesized")
	}

	for i := 0; i < DefaultSchedule().Len(); i++ {
		var err error
		snap, err = f.orch.SubmitAnswer(context.Background(), snap.ID, snap.Slot(), []byte("answer"))
		if err != nil {
			t.Fatalf("SubmitAnswer %d: %v", i, err)
		}
	}
	if snap.State != model.StateFinished {
		t.Fatalf("state = %s, want finished", snap.State)
	}
	for _, turn := range snap.Turns {
		if turn.Role != model.RoleStudent && !prompts.IsDegraded(turn.Text) {
			t.Errorf("%s turn should be degraded: %q", turn.Role, turn.Text)
		}
	}
	if !prompts.IsDegraded(snap.Summary) {
		t.Errorf("summary should be degraded: %q", snap.Summary)
	}
	if len(f.appender.Calls()) != 1 {
		t.Error("degraded sessions still save their result")
	}
	if a.CallCount() != b.CallCount() {
		t.Errorf("every generation should try both candidates: a=%d b=%d", a.CallCount(), b.CallCount())
	}
}

func TestFallbackCandidateServes(t *testing.T) {
	a := llm.NewMockProvider("model-a")
	a.Fallback = llm.MockResponse{Err: errors.New("unavailable")}
	b := llm.NewMockProvider("model-b")
	b.Fallback = llm.MockResponse{Text: "趣味は何ですか。"}
	f := newFixture(t, a, b)

	snap := f.start(t, practiceConfig)
	if q, _ := snap.PendingQuestion(); q.Text != "趣味は何ですか。" {
		t.Errorf("question = %q", q.Text)
	}
}

func TestSynthesisFailureIsBestEffort(t *testing.T) {
	f := newFixture(t)
	f.tts.err = errors.New("tts down")
	snap := f.start(t, practiceConfig)
	if snap.State != model.StateInterview || snap.HasAudio {
		t.Errorf("state/audio = %s/%v", snap.State, snap.HasAudio)
	}
	if _, err := f.orch.QuestionAudio(snap.ID, 0); !errors.Is(err, ErrNoQuestionPending) {
		t.Errorf("QuestionAudio err = %v", err)
	}
}

func TestQuestionAudioKeyedByCursor(t *testing.T) {
	f := newFixture(t)
	snap := f.start(t, practiceConfig)

	audio, err := f.orch.QuestionAudio(snap.ID, 0)
	if err != nil || !strings.HasPrefix(string(audio), "mp3:") {
		t.Fatalf("QuestionAudio(0) = %q, %v", audio, err)
	}
	if _, err := f.orch.SubmitAnswer(context.Background(), snap.ID, snap.Slot(), []byte("a")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.QuestionAudio(snap.ID, 0); !errors.Is(err, ErrNoQuestionPending) {
		t.Errorf("old cursor audio: err = %v", err)
	}
	if _, err := f.orch.QuestionAudio(snap.ID, 1); err != nil {
		t.Errorf("current cursor audio: %v", err)
	}
}

func finishSession(t *testing.T, f *fixture, cfg model.SessionConfig) Snapshot {
	t.Helper()
	snap := f.start(t, cfg)
	for !DefaultSchedule().Exhausted(snap.Cursor) {
		var err error
		snap, err = f.orch.SubmitAnswer(context.Background(), snap.ID, snap.Slot(), []byte("answer"))
		if err != nil {
			t.Fatalf("SubmitAnswer: %v", err)
		}
	}
	return snap
}

func TestFinalizeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	snap := finishSession(t, f, examConfig)

	for i := 0; i < 3; i++ {
		again, err := f.orch.Finalize(context.Background(), snap.ID)
		if err != nil {
			t.Fatalf("Finalize: %v", err)
		}
		if again.Summary != snap.Summary {
			t.Error("summary should not be regenerated")
		}
	}
	if n := len(f.appender.Calls()); n != 1 {
		t.Errorf("append calls = %d, want 1", n)
	}
}

func TestFinalizeResultRow(t *testing.T) {
	f := newFixture(t)
	snap := finishSession(t, f, examConfig)

	calls := f.appender.Calls()
	if len(calls) != 1 {
		t.Fatalf("append calls = %d", len(calls))
	}
	want := []string{"2026-10-19 10:00:00", "2026年度 期末テスト", "上級", "2A", "s-01", "リン", "B1", snap.Summary}
	got := calls[0].row
	if calls[0].ref != "exam-sheet" || len(got) != len(want) {
		t.Fatalf("ref/row = %s/%v", calls[0].ref, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("column %d = %q, want %q", i, got[i], want[i])
		}
	}

	practice := newFixture(t)
	finishSession(t, practice, practiceConfig)
	if row := practice.appender.Calls()[0].row; row[1] != model.PracticeLabel {
		t.Errorf("practice exam name = %q, want %q", row[1], model.PracticeLabel)
	}
}

func TestFinalizeWithoutDestination(t *testing.T) {
	t.Run("exam reports missing sheet", func(t *testing.T) {
		f := newFixture(t)
		cfg := examConfig
		cfg.ResultSheet = ""
		snap := finishSession(t, f, cfg)
		if snap.State != model.StateFinished {
			t.Fatalf("state = %s", snap.State)
		}
		if !errors.Is(snap.SaveErr, ErrNoResultDestination) {
			t.Errorf("SaveErr = %v, want ErrNoResultDestination", snap.SaveErr)
		}
		if len(f.appender.Calls()) != 0 {
			t.Error("nothing should be appended without a sheet")
		}
		if snap.Summary == "" {
			t.Error("summary should still be produced")
		}
	})

	t.Run("practice skips silently", func(t *testing.T) {
		f := newFixture(t)
		snap := finishSession(t, f, model.SessionConfig{TargetLevel: "A2"})
		if snap.SaveErr != nil {
			t.Errorf("SaveErr = %v, want nil", snap.SaveErr)
		}
		if len(f.appender.Calls()) != 0 {
			t.Error("nothing should be appended without a sheet")
		}
	})
}

func TestFinalizeFailureNotRetried(t *testing.T) {
	f := newFixture(t)
	f.appender.err = errors.New("permission denied")
	snap := finishSession(t, f, examConfig)

	if snap.SaveErr == nil || !strings.Contains(snap.SaveErr.Error(), "permission denied") {
		t.Errorf("SaveErr = %v", snap.SaveErr)
	}
	if _, err := f.orch.Finalize(context.Background(), snap.ID); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if n := len(f.appender.Calls()); n != 1 {
		t.Errorf("append calls = %d, want 1", n)
	}
}

func TestFinalizeBeforeFinished(t *testing.T) {
	f := newFixture(t)
	snap := f.start(t, practiceConfig)
	if _, err := f.orch.Finalize(context.Background(), snap.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestResetAndRestart(t *testing.T) {
	f := newFixture(t)
	snap := finishSession(t, f, practiceConfig)

	reset, err := f.orch.Reset(context.Background(), snap.ID, practiceConfig)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if reset.State != model.StateSetting || reset.Cursor != 0 || len(reset.Turns) != 0 || reset.Saved || reset.Learner.Name != "" {
		t.Errorf("reset snapshot = %+v", reset)
	}
	if _, err := f.orch.Start(context.Background(), snap.ID, StartRequest{Learner: testLearner}); err != nil {
		t.Fatalf("restart: %v", err)
	}
}

func TestEnsureMode(t *testing.T) {
	f := newFixture(t)
	snap := f.start(t, practiceConfig)
	if _, err := f.orch.SubmitAnswer(context.Background(), snap.ID, snap.Slot(), []byte("a")); err != nil {
		t.Fatal(err)
	}

	same, err := f.orch.EnsureMode(context.Background(), snap.ID, model.SessionConfig{TargetLevel: "C2"})
	if err != nil {
		t.Fatal(err)
	}
	if same.Cursor != 1 || same.Config.TargetLevel != "A2" {
		t.Error("running session in the same mode keeps its snapshot")
	}

	switched, err := f.orch.EnsureMode(context.Background(), snap.ID, examConfig)
	if err != nil {
		t.Fatal(err)
	}
	if switched.State != model.StateSetting || switched.Cursor != 0 || len(switched.Turns) != 0 {
		t.Errorf("mode switch should reset the session: %+v", switched)
	}
	if !switched.Config.IsExam {
		t.Error("reset session should carry the active exam config")
	}

	fresh := f.orch.NewSession(practiceConfig)
	updated, _ := f.orch.EnsureMode(context.Background(), fresh.ID(), model.SessionConfig{TargetLevel: "B2", ResultSheet: "new"})
	if updated.Config.ResultSheet != "new" {
		t.Error("session in setting should pick up the latest config")
	}
}

func TestUnknownSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.orch.Start(ctx, "nope", StartRequest{Learner: testLearner}); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Start: %v", err)
	}
	if _, err := f.orch.SubmitAnswer(ctx, "nope", Slot{}, nil); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("SubmitAnswer: %v", err)
	}
	if _, err := f.orch.Session("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Session: %v", err)
	}
}

func TestAnswerBeforeStart(t *testing.T) {
	f := newFixture(t)
	s := f.orch.NewSession(practiceConfig)
	if _, err := f.orch.SubmitAnswer(context.Background(), s.ID(), Slot{}, []byte("a")); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
	if f.stt.Calls() != 0 {
		t.Error("transcriber should not be called")
	}
}

func TestReferenceDocumentsAttached(t *testing.T) {
	gen := llm.NewMockProvider("mock")
	gen.Fallback = llm.MockResponse{Text: "質問"}
	orch := New(Options{
		Generator:   llm.NewChain(gen),
		Transcriber: &fakeTranscriber{},
		Appender:    &fakeAppender{},
		Documents:   fakeDocs{docs: []model.ReferenceDoc{{Name: "lesson.txt", MIMEType: "text/plain", Data: []byte("第5課")}}},
		Now:         fixedNow,
	})
	s := orch.NewSession(practiceConfig)
	if _, err := orch.Start(context.Background(), s.ID(), StartRequest{Learner: testLearner}); err != nil {
		t.Fatal(err)
	}
	req := gen.Calls[0]
	if len(req.Documents) != 1 || req.Documents[0].Name != "lesson.txt" {
		t.Errorf("documents = %+v", req.Documents)
	}
	if !strings.Contains(req.Prompt, "参考資料") {
		t.Error("prompt should mention reference material")
	}
}

func TestRecorderMirrorsSession(t *testing.T) {
	f := newFixture(t)
	f.recorder.err = errors.New("disk full")
	snap := finishSession(t, f, practiceConfig)

	f.recorder.mu.Lock()
	defer f.recorder.mu.Unlock()
	if len(f.recorder.records) == 0 {
		t.Fatal("recorder should be called")
	}
	last := f.recorder.records[len(f.recorder.records)-1]
	if last.State != model.StateFinished || !last.Saved || len(last.Turns) != len(snap.Turns) || last.FinishedAt == nil {
		t.Errorf("last record = %+v", last)
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	f := newFixture(t)
	const n = 8
	var wg sync.WaitGroup
	results := make([]Snapshot, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := f.orch.NewSession(practiceConfig)
			snap, err := f.orch.Start(context.Background(), s.ID(), StartRequest{Learner: testLearner})
			for err == nil && snap.State == model.StateInterview {
				snap, err = f.orch.SubmitAnswer(context.Background(), snap.ID, snap.Slot(), []byte("x"))
			}
			results[i], errs[i] = snap, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("session %d: %v", i, errs[i])
		}
		if results[i].State != model.StateFinished || countRole(results[i].Turns, model.RoleStudent) != DefaultSchedule().Len() {
			t.Errorf("session %d ended in %s with %d answers", i, results[i].State, countRole(results[i].Turns, model.RoleStudent))
		}
	}
	if len(f.appender.Calls()) != n {
		t.Errorf("append calls = %d, want %d", len(f.appender.Calls()), n)
	}
}

// ctxProvider fails like a real client once its context is done.
type ctxProvider struct {
	text  string
	delay time.Duration
}

func (p ctxProvider) Generate(ctx context.Context, _ llm.Request) (*llm.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(p.delay):
		return &llm.Response{Text: p.text, Model: "ctx-model"}, nil
	}
}

func (p ctxProvider) ModelID() string { return "ctx-model" }

func TestCallerCancellationDoesNotDegrade(t *testing.T) {
	f := newFixture(t, ctxProvider{text: "好きな食べ物は何ですか。"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := f.orch.NewSession(practiceConfig)
	snap, err := f.orch.Start(ctx, s.ID(), StartRequest{Learner: testLearner})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap, err = f.orch.SubmitAnswer(ctx, snap.ID, snap.Slot(), []byte("寿司"))
	if err != nil {
		t.Fatalf("SubmitAnswer: %v", err)
	}
	if snap.Cursor != 1 {
		t.Fatalf("cursor = %d, want 1", snap.Cursor)
	}
	for _, turn := range snap.Turns {
		if prompts.IsDegraded(turn.Text) {
			t.Errorf("%s turn degraded after the caller went away: %q", turn.Role, turn.Text)
		}
	}
}

func TestSlowCandidateFallsThrough(t *testing.T) {
	fast := llm.NewMockProvider("fast")
	fast.Fallback = llm.MockResponse{Text: "出身はどこですか。"}
	chain := llm.NewChain(ctxProvider{text: "too late", delay: time.Second}, fast).WithTimeout(50 * time.Millisecond)
	orch := New(Options{
		Generator:   chain,
		Transcriber: &fakeTranscriber{},
		Appender:    &fakeAppender{},
		Now:         fixedNow,
	})

	s := orch.NewSession(practiceConfig)
	snap, err := orch.Start(context.Background(), s.ID(), StartRequest{Learner: testLearner})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if q, _ := snap.PendingQuestion(); q.Text != "出身はどこですか。" {
		t.Errorf("question = %q, want the fast candidate's text", q.Text)
	}
	if fast.CallCount() != 1 {
		t.Errorf("fast candidate calls = %d, want 1", fast.CallCount())
	}
}

func TestRestartRejectsEarlierRun(t *testing.T) {
	f := newFixture(t)
	first := f.start(t, practiceConfig)
	if first.Run != 1 {
		t.Fatalf("first run = %d, want 1", first.Run)
	}
	if _, err := f.orch.SubmitAnswer(context.Background(), first.ID, first.Slot(), []byte("a")); err != nil {
		t.Fatalf("SubmitAnswer: %v", err)
	}
	if _, err := f.orch.Reset(context.Background(), first.ID, practiceConfig); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	second, err := f.orch.Start(context.Background(), first.ID, StartRequest{Learner: testLearner})
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if second.Run != 2 || second.Cursor != 0 {
		t.Fatalf("run/cursor = %d/%d, want 2/0", second.Run, second.Cursor)
	}

	calls := f.stt.Calls()
	if _, err := f.orch.SubmitAnswer(context.Background(), first.ID, first.Slot(), []byte("replay")); !errors.Is(err, ErrStaleRecording) {
		t.Fatalf("replay from run 1: err = %v, want ErrStaleRecording", err)
	}
	if f.stt.Calls() != calls {
		t.Error("recording from an earlier run was transcribed")
	}
	if _, err := f.orch.SubmitAnswer(context.Background(), first.ID, second.Slot(), []byte("b")); err != nil {
		t.Errorf("current run: %v", err)
	}
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	now := fixedNow()
	gen := llm.NewMockProvider("mock")
	gen.Fallback = llm.MockResponse{Text: "質問"}
	orch := New(Options{
		Generator:   llm.NewChain(gen),
		Transcriber: &fakeTranscriber{},
		Appender:    &fakeAppender{},
		Now:         func() time.Time { return now },
	})

	idle := orch.NewSession(practiceConfig)
	active := orch.NewSession(practiceConfig)
	busy := orch.NewSession(practiceConfig)
	if _, err := orch.Start(context.Background(), active.ID(), StartRequest{Learner: testLearner}); err != nil {
		t.Fatal(err)
	}

	now = now.Add(90 * time.Minute)
	if _, err := orch.EnsureMode(context.Background(), active.ID(), practiceConfig); err != nil {
		t.Fatal(err)
	}

	now = now.Add(45 * time.Minute)
	busy.mu.Lock()
	removed := orch.Sweep(2 * time.Hour)
	busy.mu.Unlock()

	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := orch.Session(idle.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("idle session: err = %v, want ErrSessionNotFound", err)
	}
	if _, err := orch.Start(context.Background(), idle.ID(), StartRequest{Learner: testLearner}); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Start on evicted session: err = %v", err)
	}
	if _, err := orch.Session(active.ID()); err != nil {
		t.Errorf("recently used session was evicted: %v", err)
	}
	if _, err := orch.Session(busy.ID()); err != nil {
		t.Errorf("locked session was evicted: %v", err)
	}

	if removed := orch.Sweep(2 * time.Hour); removed != 1 {
		t.Errorf("second sweep removed %d, want the now-unlocked idle session", removed)
	}
}
