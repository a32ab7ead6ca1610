// Package views holds the templ pages. Page data types and the small helpers
// the templates call live here.
package views

//go:generate templ generate

import (
	"context"
	"strconv"

	appI18n "github.com/pavelanni/opi/internal/i18n"
	"github.com/pavelanni/opi/internal/interview"
	"github.com/pavelanni/opi/internal/model"
)

// IndexData is the learner form shown while a session is in Setting.
type IndexData struct {
	Session interview.Snapshot
	Levels  []string
	Level   string
	Error   string
}

// InterviewData is the running interview.
type InterviewData struct {
	Session  interview.Snapshot
	Question model.Turn
}

// ResultData is the terminal screen.
type ResultData struct {
	Session interview.Snapshot
	// Status is the i18n id of the save outcome message.
	Status string
	Error  string
}

// AdminData is the admin settings page.
type AdminData struct {
	Config    model.SessionConfig
	Docs      []model.ReferenceDoc
	Levels    []string
	ExamTypes []string
	Notice    string
	Error     string
}

// path prefixes p with the base path the app is mounted under.
func path(ctx context.Context, p string) string {
	return model.BasePathFromContext(ctx) + p
}

func audioPath(ctx context.Context, cursor int) string {
	return path(ctx, "/audio") + "?cursor=" + strconv.Itoa(cursor)
}

func deleteDocPath(ctx context.Context, id int64) string {
	return path(ctx, "/admin/docs/"+strconv.FormatInt(id, 10)+"/delete")
}

func progress(ctx context.Context, s interview.Snapshot) string {
	return appI18n.Td(ctx, "Progress", map[string]any{"N": s.Cursor + 1, "Total": s.PhaseCount})
}

func turnLabel(ctx context.Context, t model.Turn) string {
	switch t.Role {
	case model.RoleExaminer:
		return appI18n.T(ctx, "Examiner")
	case model.RoleStudent:
		return appI18n.T(ctx, "Student")
	default:
		return appI18n.T(ctx, "Grade")
	}
}

func learnerLine(s interview.Snapshot) string {
	line := s.Learner.Name
	if s.Learner.ClassName != "" {
		line += " (" + s.Learner.ClassName + ")"
	}
	return line + " ・ " + s.TargetLevel + " ・ " + s.Config.ExamName()
}

func modeLine(ctx context.Context, cfg model.SessionConfig) string {
	if cfg.IsExam {
		return appI18n.T(ctx, "ModeExam") + " (" + cfg.ExamName() + ")"
	}
	return appI18n.T(ctx, "ModePractice")
}

func saveFailed(status string) bool {
	return status == "ResultSaveFailed" || status == "ResultNoDestination"
}

func statusText(ctx context.Context, d ResultData) string {
	if d.Status == "ResultSaveFailed" {
		return appI18n.Td(ctx, d.Status, map[string]any{"Error": d.Error})
	}
	return appI18n.T(ctx, d.Status)
}
