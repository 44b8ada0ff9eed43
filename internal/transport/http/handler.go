package httptransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"modelconv/internal/events"
	"modelconv/internal/job"
	"modelconv/internal/service"
	"modelconv/internal/store"
)

// CountSource reports how many jobs sit in each state, for /stats.
type CountSource interface {
	CountByState(ctx context.Context) (map[job.State]int, error)
}

// QueueDepth reports how many jobs wait for a worker slot.
type QueueDepth interface {
	Depth() int
}

type Handler struct {
	svc       *service.JobService
	counts    CountSource
	queue     QueueDepth
	hub       *events.Hub
	logger    *slog.Logger
	maxUpload int64
	upgrader  websocket.Upgrader
}

func NewHandler(svc *service.JobService, counts CountSource, queue QueueDepth, hub *events.Hub, logger *slog.Logger, maxUpload int64) *Handler {
	return &Handler{
		svc:       svc,
		counts:    counts,
		queue:     queue,
		hub:       hub,
		logger:    logger,
		maxUpload: maxUpload,
		// The API is origin-agnostic, same as its CORS policy.
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

type submitResp struct {
	JobID  string    `json:"job_id"`
	Status job.State `json:"status"`
}

type artifactResp struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type jobResp struct {
	JobID       string         `json:"job_id"`
	Status      job.State      `json:"status"`
	Detail      string         `json:"detail,omitempty"`
	Artefacts   []artifactResp `json:"artefacts"`
	CreatedAt   string         `json:"created_at"`
	StartedAt   *string        `json:"started_at,omitempty"`
	FinishedAt  *string        `json:"finished_at,omitempty"`
	DownloadURL string         `json:"download_url,omitempty"`
}

type statsResp struct {
	Jobs       map[job.State]int `json:"jobs"`
	QueueDepth int               `json:"queue_depth"`
	WSClients  int               `json:"ws_clients"`
}

func toJobResp(v job.View) jobResp {
	resp := jobResp{
		JobID:     v.ID,
		Status:    v.State,
		Detail:    v.Error,
		Artefacts: make([]artifactResp, 0, len(v.Artifacts)),
		CreatedAt: v.SubmittedAt.Format(time.RFC3339),
	}
	for _, a := range v.Artifacts {
		resp.Artefacts = append(resp.Artefacts, artifactResp{Name: a.Name, Size: a.Size})
	}
	if v.StartedAt != nil {
		s := v.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &s
	}
	if v.CompletedAt != nil {
		s := v.CompletedAt.Format(time.RFC3339)
		resp.FinishedAt = &s
	}
	if v.State == job.StateFinished {
		resp.DownloadURL = "/jobs/" + v.ID + "/download"
	}
	return resp
}

// SubmitConversion godoc
// @Summary Submit a model for conversion
// @Description Accepts a GLB/glTF upload and queues it for asynchronous conversion to OBJ.
// @Tags jobs
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "model file"
// @Success 200 {object} submitResp
// @Failure 400 {object} apiError
// @Failure 413 {object} apiError
// @Failure 429 {object} apiError
// @Router /convert [post]
func (h *Handler) SubmitConversion(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)

	file, header, err := r.FormFile("file")
	if err != nil {
		if isTooLarge(err) {
			writeErr(w, http.StatusRequestEntityTooLarge, "uploaded file is too large")
			return
		}
		writeErr(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	payload, err := io.ReadAll(file)
	if err != nil {
		if isTooLarge(err) {
			writeErr(w, http.StatusRequestEntityTooLarge, "uploaded file is too large")
			return
		}
		writeErr(w, http.StatusBadRequest, "could not read upload")
		return
	}

	id, err := h.svc.Submit(r.Context(), header.Filename, payload)
	if err != nil {
		if errors.Is(err, service.ErrEmptyUpload) {
			writeErr(w, http.StatusBadRequest, "uploaded file is empty")
			return
		}
		h.logger.Error("submit conversion", "error", err)
		writeErr(w, http.StatusInternalServerError, "could not accept job")
		return
	}

	writeJSON(w, http.StatusOK, submitResp{JobID: id, Status: job.StateQueued})
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

// GetJob godoc
// @Summary Get job status
// @Tags jobs
// @Produce json
// @Param id path string true "job id"
// @Success 200 {object} jobResp
// @Failure 404 {object} apiError
// @Router /jobs/{id} [get]
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	v, err := h.svc.GetStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.Error("get job", "job_id", id, "error", err)
		writeErr(w, http.StatusInternalServerError, "could not load job")
		return
	}

	writeJSON(w, http.StatusOK, toJobResp(v))
}

// DownloadArchive godoc
// @Summary Download the converted archive
// @Description Streams the zip archive of a finished job.
// @Tags jobs
// @Produce application/zip
// @Param id path string true "job id"
// @Success 200 {file} binary
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /jobs/{id}/download [get]
func (h *Handler) DownloadArchive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	data, name, err := h.svc.GetArchive(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeErr(w, http.StatusNotFound, "job not found")
		case errors.Is(err, service.ErrNotReady):
			writeErr(w, http.StatusConflict, "job output not ready")
		default:
			h.logger.Error("download archive", "job_id", id, "error", err)
			writeErr(w, http.StatusInternalServerError, "could not load archive")
		}
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Healthz godoc
// @Summary Liveness probe
// @Tags ops
// @Produce json
// @Success 200 {object} map[string]string
// @Router /healthz [get]
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetStats godoc
// @Summary Service counters
// @Description Job counts per state, queue depth and websocket clients.
// @Tags ops
// @Produce json
// @Success 200 {object} statsResp
// @Failure 500 {object} apiError
// @Router /stats [get]
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.counts.CountByState(r.Context())
	if err != nil {
		h.logger.Error("count jobs", "error", err)
		writeErr(w, http.StatusInternalServerError, "could not load stats")
		return
	}

	jobs := map[job.State]int{
		job.StateQueued:   0,
		job.StateRunning:  0,
		job.StateFinished: 0,
		job.StateFailed:   0,
		job.StateTimedOut: 0,
	}
	for state, n := range counts {
		jobs[state] = n
	}

	writeJSON(w, http.StatusOK, statsResp{
		Jobs:       jobs,
		QueueDepth: h.queue.Depth(),
		WSClients:  h.hub.ClientCount(),
	})
}

// Events godoc
// @Summary Subscribe to job state changes
// @Description Upgrades to a websocket that streams job state change events.
// @Tags ops
// @Router /ws [get]
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote its own error response.
		h.logger.Error("websocket upgrade", "error", err)
		return
	}
	h.hub.Add(conn)
}
