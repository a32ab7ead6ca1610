package model

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"
)

// Phase is one stage of the interview schedule.
type Phase string

const (
	PhaseWarmup     Phase = "warmup"
	PhaseLevelCheck Phase = "level_check"
	PhaseProbe      Phase = "probe"
	PhaseWindDown   Phase = "wind_down"
)

var phaseLabels = map[Phase]string{
	PhaseWarmup:     "ウォームアップ（導入・緊張緩和）",
	PhaseLevelCheck: "レベルチェック（実力の確認）",
	PhaseProbe:      "突き上げ（上のレベルへの挑戦）",
	PhaseWindDown:   "ワインドダウン（終結）",
}

// Label returns the human-readable Japanese name of the phase.
func (p Phase) Label() string {
	if l, ok := phaseLabels[p]; ok {
		return l
	}
	return string(p)
}

// Role identifies who produced a turn.
type Role string

const (
	RoleExaminer Role = "examiner"
	RoleStudent  Role = "student"
	RoleGrade    Role = "grade"
)

// Turn is one immutable event in the interview transcript.
type Turn struct {
	Role  Role      `json:"role"`
	Text  string    `json:"text"`
	Phase Phase     `json:"phase,omitempty"`
	At    time.Time `json:"at"`
	// Detail carries recognition details for student turns (alternatives, word confidence).
	Detail string `json:"detail,omitempty"`
}

// SessionState is the coarse lifecycle state of an interview session.
type SessionState string

const (
	StateSetting   SessionState = "setting"
	StateInterview SessionState = "interview"
	StateFinished  SessionState = "finished"
)

// CEFR levels accepted as interview targets.
var Levels = []string{"A1", "A2", "B1", "B2", "C1", "C2"}

// ExamTypes enumerates the exam kinds an admin may configure.
var ExamTypes = []string{"中間テスト", "期末テスト", "実力テスト", "小テスト"}

// PracticeLabel is written in place of the exam name for practice sessions.
const PracticeLabel = "練習"

var (
	ErrResultSheetRequired = errors.New("result sheet reference is required in exam mode")
	ErrInvalidLevel        = errors.New("unknown target level")
	ErrInvalidExamType     = errors.New("unknown exam type")
	ErrYearRequired        = errors.New("exam year is required")
)

// IsValidLevel reports whether l is one of the supported CEFR levels.
func IsValidLevel(l string) bool {
	return slices.Contains(Levels, l)
}

// SessionConfig is the exam/practice context a session runs under.
// It is snapshotted when a session is created and read-only afterwards.
type SessionConfig struct {
	IsExam      bool   `json:"is_exam"`
	Year        string `json:"year,omitempty"`
	ExamType    string `json:"exam_type,omitempty"`
	ClassName   string `json:"class_name,omitempty"`
	TargetLevel string `json:"target_level"`
	ResultSheet string `json:"result_sheet,omitempty"`
}

// Validate checks an exam-mode configuration submitted by the admin.
func (c SessionConfig) Validate() error {
	if !c.IsExam {
		return nil
	}
	if strings.TrimSpace(c.Year) == "" {
		return ErrYearRequired
	}
	if !slices.Contains(ExamTypes, c.ExamType) {
		return ErrInvalidExamType
	}
	if !IsValidLevel(c.TargetLevel) {
		return ErrInvalidLevel
	}
	if strings.TrimSpace(c.ResultSheet) == "" {
		return ErrResultSheetRequired
	}
	return nil
}

// ExamName is the label written to the result row.
func (c SessionConfig) ExamName() string {
	if !c.IsExam {
		return PracticeLabel
	}
	return c.Year + "年度 " + c.ExamType
}

// LearnerInfo identifies the person being interviewed.
type LearnerInfo struct {
	Name      string `json:"name"`
	ClassName string `json:"class_name"`
	ID        string `json:"id"`
}

// ResultRow is the flat record handed to the spreadsheet collaborator.
type ResultRow struct {
	Timestamp    time.Time
	ExamName     string
	TargetClass  string
	LearnerClass string
	LearnerID    string
	LearnerName  string
	TargetLevel  string
	Summary      string
}

// Values returns the row fields in spreadsheet column order.
func (r ResultRow) Values() []string {
	return []string{
		r.Timestamp.Format("2006-01-02 15:04:05"),
		r.ExamName,
		r.TargetClass,
		r.LearnerClass,
		r.LearnerID,
		r.LearnerName,
		r.TargetLevel,
		r.Summary,
	}
}

// AppConfig holds runtime server parameters set via CLI flags.
type AppConfig struct {
	BasePath      string // URL prefix for sub-path deployments (e.g. "/opi")
	SecureCookies bool   // Set Secure flag on cookies (disable for local dev)
	PracticeSheet string // result sheet for practice sessions; empty disables saving
	PracticeLevel string // default target level offered in practice mode
}

type basePathCtxKey struct{}

// ContextWithBasePath stores the base path prefix in context.
func ContextWithBasePath(ctx context.Context, basePath string) context.Context {
	return context.WithValue(ctx, basePathCtxKey{}, basePath)
}

// BasePathFromContext retrieves the base path from context (empty string if not set).
func BasePathFromContext(ctx context.Context) string {
	bp, _ := ctx.Value(basePathCtxKey{}).(string)
	return bp
}

type csrfCtxKey struct{}

// ContextWithCSRFToken stores the CSRF token in context.
func ContextWithCSRFToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, csrfCtxKey{}, token)
}

// CSRFTokenFromContext retrieves the CSRF token from context.
func CSRFTokenFromContext(ctx context.Context) string {
	t, _ := ctx.Value(csrfCtxKey{}).(string)
	return t
}

type adminCtxKey struct{}

// ContextWithAdmin marks the request as coming from an authenticated admin.
func ContextWithAdmin(ctx context.Context) context.Context {
	return context.WithValue(ctx, adminCtxKey{}, true)
}

// IsAdmin reports whether the request carries an admin session.
func IsAdmin(ctx context.Context) bool {
	ok, _ := ctx.Value(adminCtxKey{}).(bool)
	return ok
}

// AuthSession represents an admin authentication session.
type AuthSession struct {
	ID        string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// ReferenceDoc is an admin-uploaded document attached to question generation.
type ReferenceDoc struct {
	ID        int64
	Name      string
	MIMEType  string
	Data      []byte
	CreatedAt time.Time
}
