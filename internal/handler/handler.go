package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/a-h/templ"
	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/opi/internal/handler/views"
	appI18n "github.com/pavelanni/opi/internal/i18n"
	"github.com/pavelanni/opi/internal/interview"
	"github.com/pavelanni/opi/internal/model"
	"github.com/pavelanni/opi/internal/store"
)

// maxUploadBytes bounds audio recordings and reference documents.
const maxUploadBytes = 20 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store      *store.Store
	interviews *interview.Orchestrator
	config     model.AppConfig
	adminHash  []byte
}

// New creates a new Handler. adminHash is the bcrypt hash of the admin password.
func New(s *store.Store, o *interview.Orchestrator, cfg model.AppConfig, adminHash []byte) (*Handler, error) {
	if len(adminHash) == 0 {
		return nil, errors.New("admin password hash is required")
	}
	return &Handler{store: s, interviews: o, config: cfg, adminHash: adminHash}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Use(h.csrfMiddleware)
	r.Use(h.loadAdmin)

	r.Get("/", h.handleIndex)
	r.Post("/start", h.handleStart)
	r.Post("/answer", h.handleAnswer)
	r.Get("/audio", h.handleAudio)
	r.Post("/restart", h.handleRestart)

	r.Get("/admin/login", h.handleLoginPage)
	r.Post("/admin/login", h.handleLogin)
	r.Group(func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Post("/admin/logout", h.handleLogout)
		r.Get("/admin", h.handleAdminPage)
		r.Post("/admin/exam", h.handleSaveExam)
		r.Post("/admin/practice", h.handlePracticeMode)
		r.Post("/admin/docs", h.handleUploadDoc)
		r.Post("/admin/docs/{docID}/delete", h.handleDeleteDoc)
	})
}

// BasePathMiddleware makes the deployment prefix available to templates.
func (h *Handler) BasePathMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := model.ContextWithBasePath(r.Context(), h.config.BasePath)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) path(p string) string {
	return h.config.BasePath + p
}

func (h *Handler) cookiePath() string {
	if h.config.BasePath != "" {
		return h.config.BasePath + "/"
	}
	return "/"
}

// activeConfig is the configuration new sessions run under: the stored exam
// settings in exam mode, the server's practice defaults otherwise.
func (h *Handler) activeConfig() (model.SessionConfig, error) {
	cfg, err := h.store.GetExamConfig()
	if err != nil {
		return model.SessionConfig{}, err
	}
	if cfg.IsExam {
		return cfg, nil
	}
	return model.SessionConfig{
		TargetLevel: h.config.PracticeLevel,
		ResultSheet: h.config.PracticeSheet,
	}, nil
}

// currentSession returns the interview bound to the browser, creating one
// when the cookie is missing or the server no longer knows it. The session
// is reconciled with the active mode on every call.
func (h *Handler) currentSession(w http.ResponseWriter, r *http.Request) (interview.Snapshot, error) {
	active, err := h.activeConfig()
	if err != nil {
		return interview.Snapshot{}, err
	}
	if c, err := r.Cookie(interviewCookieName); err == nil && c.Value != "" {
		snap, err := h.interviews.EnsureMode(r.Context(), c.Value, active)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, interview.ErrSessionNotFound) {
			return interview.Snapshot{}, err
		}
	}

	s := h.interviews.NewSession(active)
	http.SetCookie(w, &http.Cookie{
		Name:     interviewCookieName,
		Value:    s.ID(),
		Path:     h.cookiePath(),
		HttpOnly: true,
		Secure:   h.config.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	return s.Snapshot(), nil
}

func sessionID(r *http.Request) string {
	c, err := r.Cookie(interviewCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap, err := h.currentSession(w, r)
	if err != nil {
		slog.Error("failed to load session", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	switch snap.State {
	case model.StateInterview:
		question, _ := snap.PendingQuestion()
		h.render(w, r, http.StatusOK, views.InterviewPage(views.InterviewData{Session: snap, Question: question}))
	case model.StateFinished:
		snap, err = h.interviews.Finalize(r.Context(), snap.ID)
		if err != nil {
			slog.Error("failed to finalize session", "session", snap.ID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		status, detail := resultStatus(snap)
		h.render(w, r, http.StatusOK, views.ResultPage(views.ResultData{Session: snap, Status: status, Error: detail}))
	default:
		h.renderIndex(w, r, http.StatusOK, snap, "")
	}
}

func (h *Handler) renderIndex(w http.ResponseWriter, r *http.Request, status int, snap interview.Snapshot, errMsg string) {
	level := snap.Config.TargetLevel
	if level == "" {
		level = h.config.PracticeLevel
	}
	h.render(w, r, status, views.IndexPage(views.IndexData{
		Session: snap,
		Levels:  model.Levels,
		Level:   level,
		Error:   errMsg,
	}))
}

// resultStatus maps the save outcome to a message id and optional detail.
func resultStatus(snap interview.Snapshot) (string, string) {
	switch {
	case errors.Is(snap.SaveErr, interview.ErrNoResultDestination):
		return "ResultNoDestination", ""
	case snap.SaveErr != nil:
		return "ResultSaveFailed", snap.SaveErr.Error()
	case snap.Config.ResultSheet == "":
		return "ResultSkipped", ""
	default:
		return "ResultSaved", ""
	}
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	snap, err := h.currentSession(w, r)
	if err != nil {
		slog.Error("failed to load session", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	req := interview.StartRequest{
		Learner: model.LearnerInfo{
			Name:      r.FormValue("name"),
			ClassName: r.FormValue("class"),
			ID:        r.FormValue("learner_id"),
		},
		TargetLevel: r.FormValue("level"),
	}
	snap, err = h.interviews.Start(r.Context(), snap.ID, req)
	switch {
	case err == nil:
		http.Redirect(w, r, h.path("/"), http.StatusSeeOther)
	case errors.Is(err, interview.ErrLearnerNameRequired):
		h.renderIndex(w, r, http.StatusUnprocessableEntity, snap, appI18n.T(r.Context(), "NameRequired"))
	case errors.Is(err, model.ErrInvalidLevel):
		h.renderIndex(w, r, http.StatusUnprocessableEntity, snap, appI18n.T(r.Context(), "InvalidLevel"))
	case errors.Is(err, interview.ErrInvalidTransition):
		// Double submit of the form: the interview is already running.
		http.Redirect(w, r, h.path("/"), http.StatusSeeOther)
	default:
		slog.Error("failed to start interview", "session", snap.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	if id == "" {
		http.Error(w, appI18n.T(r.Context(), "StaleRecording"), http.StatusConflict)
		return
	}

	run, err := strconv.Atoi(r.FormValue("run"))
	if err != nil {
		http.Error(w, "invalid run", http.StatusBadRequest)
		return
	}
	cursor, err := strconv.Atoi(r.FormValue("cursor"))
	if err != nil {
		http.Error(w, "invalid cursor", http.StatusBadRequest)
		return
	}

	file, _, err := r.FormFile("audio")
	if err != nil {
		http.Error(w, appI18n.T(r.Context(), "RetryRecording"), http.StatusUnprocessableEntity)
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		slog.Error("failed to read recording", "session", id, "error", err)
		http.Error(w, appI18n.T(r.Context(), "RetryRecording"), http.StatusUnprocessableEntity)
		return
	}

	_, err = h.interviews.SubmitAnswer(r.Context(), id, interview.Slot{Run: run, Cursor: cursor}, audio)
	switch {
	case err == nil:
		http.Redirect(w, r, h.path("/"), http.StatusSeeOther)
	case errors.Is(err, interview.ErrRetryRecording):
		http.Error(w, appI18n.T(r.Context(), "RetryRecording"), http.StatusUnprocessableEntity)
	case errors.Is(err, interview.ErrStaleRecording),
		errors.Is(err, interview.ErrSessionNotFound),
		errors.Is(err, interview.ErrInvalidTransition),
		errors.Is(err, interview.ErrNoQuestionPending):
		http.Error(w, appI18n.T(r.Context(), "StaleRecording"), http.StatusConflict)
	default:
		slog.Error("failed to submit answer", "session", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (h *Handler) handleAudio(w http.ResponseWriter, r *http.Request) {
	cursor, err := strconv.Atoi(r.URL.Query().Get("cursor"))
	if err != nil {
		http.Error(w, "invalid cursor", http.StatusBadRequest)
		return
	}
	audio, err := h.interviews.QuestionAudio(sessionID(r), cursor)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(audio); err != nil {
		slog.Debug("audio write failed", "error", err)
	}
}

func (h *Handler) handleRestart(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	if id != "" {
		active, err := h.activeConfig()
		if err != nil {
			slog.Error("failed to load config", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if _, err := h.interviews.Reset(r.Context(), id, active); err != nil && !errors.Is(err, interview.ErrSessionNotFound) {
			slog.Error("failed to reset session", "session", id, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}
	http.Redirect(w, r, h.path("/"), http.StatusSeeOther)
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, c templ.Component) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := c.Render(r.Context(), w); err != nil {
		slog.Error("render error", "error", err)
	}
}
