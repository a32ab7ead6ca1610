package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/opi/internal/handler/views"
	"github.com/pavelanni/opi/internal/model"
	"github.com/pavelanni/opi/internal/sheets"
)

// adminMessages are the message ids accepted in the notice and error query
// parameters of the admin page.
var adminMessages = []string{
	"ExamConfigSaved",
	"PracticeActivated",
	"DocUploaded",
	"DocDeleted",
	"DocInvalid",
}

func (h *Handler) redirectAdmin(w http.ResponseWriter, r *http.Request, param, msg string) {
	http.Redirect(w, r, h.path("/admin")+"?"+url.Values{param: {msg}}.Encode(), http.StatusSeeOther)
}

func queryMessage(r *http.Request, param string) string {
	msg := r.URL.Query().Get(param)
	if slices.Contains(adminMessages, msg) {
		return msg
	}
	return ""
}

func (h *Handler) handleAdminPage(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.store.GetExamConfig()
	if err != nil {
		slog.Error("failed to load exam config", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.renderAdmin(w, r, http.StatusOK, cfg, queryMessage(r, "notice"), queryMessage(r, "error"))
}

func (h *Handler) renderAdmin(w http.ResponseWriter, r *http.Request, status int, cfg model.SessionConfig, notice, errMsg string) {
	docs, err := h.store.ListReferenceDocInfo(r.Context())
	if err != nil {
		slog.Error("failed to list reference docs", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.render(w, r, status, views.AdminPage(views.AdminData{
		Config:    cfg,
		Docs:      docs,
		Levels:    model.Levels,
		ExamTypes: model.ExamTypes,
		Notice:    notice,
		Error:     errMsg,
	}))
}

// configErrorID maps a validation error to its message id.
func configErrorID(err error) string {
	switch {
	case errors.Is(err, model.ErrYearRequired):
		return "YearRequired"
	case errors.Is(err, model.ErrInvalidExamType):
		return "InvalidExamType"
	case errors.Is(err, model.ErrInvalidLevel):
		return "InvalidLevel"
	case errors.Is(err, model.ErrResultSheetRequired):
		return "ResultSheetRequired"
	case errors.Is(err, sheets.ErrInvalidReference):
		return "ResultSheetInvalid"
	default:
		return ""
	}
}

func (h *Handler) handleSaveExam(w http.ResponseWriter, r *http.Request) {
	cfg := model.SessionConfig{
		IsExam:      true,
		Year:        strings.TrimSpace(r.FormValue("year")),
		ExamType:    r.FormValue("exam_type"),
		ClassName:   strings.TrimSpace(r.FormValue("class_name")),
		TargetLevel: r.FormValue("level"),
		ResultSheet: strings.TrimSpace(r.FormValue("result_sheet")),
	}

	err := cfg.Validate()
	if err == nil {
		_, err = sheets.ParseSpreadsheetID(cfg.ResultSheet)
	}
	if err == nil {
		err = h.store.SetExamConfig(cfg)
	}
	if err != nil {
		id := configErrorID(err)
		if id == "" {
			slog.Error("failed to save exam config", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		h.renderAdmin(w, r, http.StatusUnprocessableEntity, cfg, "", id)
		return
	}

	slog.Info("exam mode activated", "exam", cfg.ExamName(), "class", cfg.ClassName, "level", cfg.TargetLevel)
	h.redirectAdmin(w, r, "notice", "ExamConfigSaved")
}

func (h *Handler) handlePracticeMode(w http.ResponseWriter, r *http.Request) {
	if err := h.store.SetPracticeMode(); err != nil {
		slog.Error("failed to switch to practice mode", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	slog.Info("practice mode activated")
	h.redirectAdmin(w, r, "notice", "PracticeActivated")
}

var docMIMETypes = map[string]string{
	".txt": "text/plain",
	".md":  "text/markdown",
	".csv": "text/csv",
	".pdf": "application/pdf",
}

func (h *Handler) handleUploadDoc(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("doc")
	if err != nil {
		h.redirectAdmin(w, r, "error", "DocInvalid")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		slog.Error("failed to read upload", "error", err)
		h.redirectAdmin(w, r, "error", "DocInvalid")
		return
	}

	mimeType, ok := docMIMETypes[strings.ToLower(filepath.Ext(header.Filename))]
	if !ok {
		mimeType = http.DetectContentType(data)
	}

	id, err := h.store.AddReferenceDoc(r.Context(), model.ReferenceDoc{
		Name:     filepath.Base(header.Filename),
		MIMEType: mimeType,
		Data:     data,
	})
	if err != nil {
		slog.Warn("reference doc rejected", "name", header.Filename, "error", err)
		h.redirectAdmin(w, r, "error", "DocInvalid")
		return
	}

	slog.Info("reference doc uploaded", "id", id, "name", header.Filename, "bytes", len(data))
	h.redirectAdmin(w, r, "notice", "DocUploaded")
}

func (h *Handler) handleDeleteDoc(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "docID")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		http.Error(w, "invalid document ID", http.StatusBadRequest)
		return
	}

	if err := h.store.DeleteReferenceDoc(r.Context(), id); err != nil {
		slog.Error("failed to delete reference doc", "id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.redirectAdmin(w, r, "notice", "DocDeleted")
}
