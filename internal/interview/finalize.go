package interview

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/opi/internal/llm"
	"github.com/pavelanni/opi/internal/llm/prompts"
	"github.com/pavelanni/opi/internal/metrics"
	"github.com/pavelanni/opi/internal/model"
)

// Finalize returns the terminal snapshot of a finished session, running the
// result finalizer if it has not run yet. Repeated calls never save twice.
func (o *Orchestrator) Finalize(ctx context.Context, id string) (Snapshot, error) {
	ctx = context.WithoutCancel(ctx)
	s, err := o.acquire(id)
	if err != nil {
		return Snapshot{}, err
	}
	defer s.mu.Unlock()

	if s.state != model.StateFinished {
		return s.snapshotLocked(), fmt.Errorf("finalize in state %s: %w", s.state, ErrInvalidTransition)
	}
	if !s.saved {
		o.finalizeLocked(ctx, s)
		o.record(ctx, s)
	}
	return s.snapshotLocked(), nil
}

// finalizeLocked summarizes the session and appends the result row at most
// once. The saved flag is set before the attempt so a failure is reported
// once and never retried.
func (o *Orchestrator) finalizeLocked(ctx context.Context, s *Session) {
	if s.saved {
		return
	}
	s.saved = true

	prompt, err := prompts.BuildSummaryPrompt(prompts.SummaryData{
		Learner:     s.learner,
		TargetLevel: s.targetLevel,
		Exam:        s.config,
		Turns:       s.log.Turns(),
	})
	if err != nil {
		s.summary = o.degrade(prompts.KindSummary, fmt.Errorf("build summary prompt: %w", err))
	} else {
		s.summary = o.generate(ctx, prompts.KindSummary, llm.Request{Prompt: prompt, Temperature: 0.3})
	}

	ref := s.config.ResultSheet
	if ref == "" {
		if s.config.IsExam {
			s.saveErr = ErrNoResultDestination
			metrics.ResultSaves.WithLabelValues("no_destination").Inc()
			slog.Error("exam result not saved", "session", s.id, "error", s.saveErr)
		} else {
			metrics.ResultSaves.WithLabelValues("skipped").Inc()
			slog.Info("practice result not saved, no sheet configured", "session", s.id)
		}
		return
	}

	row := resultRow(s, o.now())
	if err := o.appender.Append(ctx, ref, row.Values()); err != nil {
		s.saveErr = fmt.Errorf("save result: %w", err)
		metrics.ResultSaves.WithLabelValues("failed").Inc()
		slog.Error("result append failed", "session", s.id, "error", err)
		return
	}
	metrics.ResultSaves.WithLabelValues("saved").Inc()
	slog.Info("result saved", "session", s.id, "exam", s.config.ExamName())
}

func resultRow(s *Session, now time.Time) model.ResultRow {
	return model.ResultRow{
		Timestamp:    now,
		ExamName:     s.config.ExamName(),
		TargetClass:  s.config.ClassName,
		LearnerClass: s.learner.ClassName,
		LearnerID:    s.learner.ID,
		LearnerName:  s.learner.Name,
		TargetLevel:  s.targetLevel,
		Summary:      s.summary,
	}
}
