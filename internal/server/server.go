package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/IliaW/site-cloner/internal/archive"
	"github.com/IliaW/site-cloner/internal/model"
	"github.com/IliaW/site-cloner/internal/scheduler"
	jsoniter "github.com/json-iterator/go"
)

const maxRequestBody = 1 << 20

type CloneAPI interface {
	StartClone(ctx context.Context, seed string, opts scheduler.Options) (string, error)
	Summary(id string) (*model.JobSummary, error)
	ListJobs() []*model.JobSummary
	CancelJob(id string) error
	BuildArchive(id string, opts archive.Options) ([]byte, string, error)
}

type cloneRequest struct {
	URL           string `json:"url"`
	MaxPages      int    `json:"maxPages"`
	IncludeAssets *bool  `json:"includeAssets"`
}

type cloneResponse struct {
	JobID string `json:"jobId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type Handler struct {
	api      CloneAPI
	defaults scheduler.Options
	archive  archive.Options
}

// NewHandler routes the clone api. defaults fill in request fields that are
// left out, archiveDefaults the download query parameters.
func NewHandler(api CloneAPI, defaults scheduler.Options, archiveDefaults archive.Options) http.Handler {
	h := &Handler{api: api, defaults: defaults, archive: archiveDefaults}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", h.ping)
	mux.HandleFunc("POST /api/clone", h.startClone)
	mux.HandleFunc("GET /api/jobs", h.listJobs)
	mux.HandleFunc("GET /api/jobs/{id}", h.getJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", h.cancelJob)
	mux.HandleFunc("GET /api/jobs/{id}/download", h.download)
	return mux
}

func (h *Handler) ping(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte("pong"))
}

func (h *Handler) startClone(w http.ResponseWriter, r *http.Request) {
	var req cloneRequest
	if err := jsoniter.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	opts := h.defaults
	if req.MaxPages > 0 {
		opts.MaxPages = req.MaxPages
	}
	if req.IncludeAssets != nil {
		opts.IncludeAssets = *req.IncludeAssets
	}

	id, err := h.api.StartClone(r.Context(), req.URL, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, cloneResponse{JobID: id})
}

func (h *Handler) listJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.api.ListJobs())
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	summary, err := h.api.Summary(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	if err := h.api.CancelJob(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) download(w http.ResponseWriter, r *http.Request) {
	opts := h.archive
	query := r.URL.Query()
	var err error
	if opts.Beautify, err = boolParam(query.Get("beautify"), opts.Beautify); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid beautify parameter"})
		return
	}
	if opts.IgnoreEmpty, err = boolParam(query.Get("ignoreEmpty"), opts.IgnoreEmpty); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid ignoreEmpty parameter"})
		return
	}

	data, filename, err := h.api.BuildArchive(r.PathValue("id"), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err = w.Write(data); err != nil {
		slog.Warn("failed to write archive response.", slog.String("err", err.Error()))
	}
}

func boolParam(v string, def bool) (bool, error) {
	if v == "" {
		return def, nil
	}
	return strconv.ParseBool(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrArchiveNotReady):
		status = http.StatusConflict
	default:
		slog.Error("request failed.", slog.String("err", err.Error()))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsoniter.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response.", slog.String("err", err.Error()))
	}
}
