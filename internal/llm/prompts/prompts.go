package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/opi/internal/model"
)

//go:embed templates/*.txt
var templateFS embed.FS

var (
	studentAnswerRegex = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	questionRegex      = regexp.MustCompile(`(?i)</?\s*question\b[^>]*>`)
	transcriptRegex    = regexp.MustCompile(`(?i)</?\s*transcript\b[^>]*>`)
)

const maxAnswerRunes = 10000

var (
	loadOnce  sync.Once
	loadErr   error
	templates map[string]*template.Template
)

// Load parses the prompt templates from fsys. It runs once per process;
// Build functions call it with the embedded templates when needed.
func Load(fsys fs.FS) error {
	loadOnce.Do(func() {
		templates = make(map[string]*template.Template)
		for _, name := range []string{"question", "evaluation", "summary"} {
			file := "templates/" + name + ".txt"
			content, err := fs.ReadFile(fsys, file)
			if err != nil {
				loadErr = errors.New("failed to read prompt file " + file + ": " + err.Error())
				return
			}
			tmpl, err := template.New(name).Parse(string(content))
			if err != nil {
				loadErr = errors.New("failed to parse prompt template " + file + ": " + err.Error())
				return
			}
			templates[name] = tmpl
		}
	})
	return loadErr
}

func render(name string, data any) (string, error) {
	if err := Load(templateFS); err != nil {
		return "", fmt.Errorf("templates load failed: %w", err)
	}
	var buf bytes.Buffer
	if err := templates[name].Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// QuestionData is the input for next-question generation.
type QuestionData struct {
	TargetLevel   string
	Phase         model.Phase
	History       []model.Turn
	Learner       model.LearnerInfo
	Exam          model.SessionConfig
	HasReferences bool
}

type questionView struct {
	LearnerName   string
	TargetLevel   string
	PhaseLabel    string
	History       string
	Exam          model.SessionConfig
	HasReferences bool
}

// BuildQuestionPrompt builds the instruction for generating the next question.
// Only examiner and student turns from History reach the model.
func BuildQuestionPrompt(d QuestionData) (string, error) {
	return render("question", questionView{
		LearnerName:   d.Learner.Name,
		TargetLevel:   d.TargetLevel,
		PhaseLabel:    d.Phase.Label(),
		History:       formatDialogue(d.History),
		Exam:          d.Exam,
		HasReferences: d.HasReferences,
	})
}

// EvaluationData is the input for grading one answer.
type EvaluationData struct {
	Question    string
	Answer      string
	TargetLevel string
	Phase       model.Phase
}

type evaluationView struct {
	Question    string
	Answer      string
	TargetLevel string
	PhaseLabel  string
}

// BuildEvaluationPrompt builds the three-point assessment request for one question/answer pair.
func BuildEvaluationPrompt(d EvaluationData) (string, error) {
	return render("evaluation", evaluationView{
		Question:    questionRegex.ReplaceAllString(d.Question, ""),
		Answer:      sanitizeAnswer(d.Answer),
		TargetLevel: d.TargetLevel,
		PhaseLabel:  d.Phase.Label(),
	})
}

// SummaryData is the input for the end-of-session summary.
type SummaryData struct {
	Learner     model.LearnerInfo
	TargetLevel string
	Exam        model.SessionConfig
	Turns       []model.Turn
}

type summaryView struct {
	LearnerName string
	TargetLevel string
	Exam        model.SessionConfig
	Transcript  string
}

// BuildSummaryPrompt serializes the whole log, grade notes included.
func BuildSummaryPrompt(d SummaryData) (string, error) {
	return render("summary", summaryView{
		LearnerName: d.Learner.Name,
		TargetLevel: d.TargetLevel,
		Exam:        d.Exam,
		Transcript:  transcriptRegex.ReplaceAllString(formatTranscript(d.Turns), ""),
	})
}

var speakerNames = map[model.Role]string{
	model.RoleExaminer: "試験官",
	model.RoleStudent:  "学習者",
	model.RoleGrade:    "評価",
}

func formatDialogue(turns []model.Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		if t.Role != model.RoleExaminer && t.Role != model.RoleStudent {
			continue
		}
		sb.WriteString(speakerNames[t.Role] + ": " + strings.TrimSpace(t.Text) + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatTranscript(turns []model.Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		label := speakerNames[t.Role]
		if t.Role == model.RoleExaminer && t.Phase != "" {
			label += "（" + t.Phase.Label() + "）"
		}
		sb.WriteString(label + ": " + strings.TrimSpace(t.Text) + "\n\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func sanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[回答なし]"
	}

	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		answer = string(runes[:maxAnswerRunes]) + "\n\n[長すぎるため以下省略]"
	}

	return answer
}

// Kind names the artifact a degraded text stands in for.
type Kind string

const (
	KindQuestion   Kind = "question"
	KindEvaluation Kind = "evaluation"
	KindSummary    Kind = "summary"
)

var kindLabels = map[Kind]string{
	KindQuestion:   "質問",
	KindEvaluation: "評価",
	KindSummary:    "総評",
}

// DegradedPrefix starts every degraded text so callers and tests can spot it.
const DegradedPrefix = "⚠️ 生成エラー"

// DegradedText is the visible artifact substituted when generation fails.
func DegradedText(kind Kind, err error) string {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return fmt.Sprintf("%s: %sを生成できませんでした（%s）", DegradedPrefix, kindLabels[kind], msg)
}

// IsDegraded reports whether text was produced by DegradedText.
func IsDegraded(text string) bool {
	return strings.HasPrefix(text, DegradedPrefix)
}
