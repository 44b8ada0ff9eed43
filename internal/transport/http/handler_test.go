package httptransport_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"modelconv/internal/archive"
	"modelconv/internal/engine"
	"modelconv/internal/events"
	"modelconv/internal/job"
	"modelconv/internal/service"
	"modelconv/internal/store/memory"
	httptransport "modelconv/internal/transport/http"
	"modelconv/internal/worker"
)

// ---- fakes ----

type queueStub struct {
	enqueued []string
}

func (q *queueStub) Enqueue(id string) { q.enqueued = append(q.enqueued, id) }
func (q *queueStub) Depth() int        { return len(q.enqueued) }

type fixedEngine struct {
	files []engine.File
}

func (e fixedEngine) Convert(context.Context, []byte, string) ([]engine.File, error) {
	return e.files, nil
}

type env struct {
	store  *memory.Store
	queue  *queueStub
	hub    *events.Hub
	router http.Handler
}

func newEnv(t *testing.T, submits *httptransport.SubmitLimiter) *env {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memory.New()
	q := &queueStub{}
	sweeper := service.NewRetentionSweeper(st, time.Hour, logger)
	svc := service.NewJobService(st, q, sweeper, nil, logger)
	hub := events.NewHub(logger)
	t.Cleanup(hub.Close)

	h := httptransport.NewHandler(svc, st, q, hub, logger, 1<<20)
	return &env{
		store:  st,
		queue:  q,
		hub:    hub,
		router: httptransport.Routes(h, logger, submits),
	}
}

func multipartUpload(t *testing.T, filename string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(payload); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &body, mw.FormDataContentType()
}

func seedFinished(t *testing.T, st *memory.Store, id, filename string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	if err := st.Insert(ctx, job.New(id, filename, []byte("glb"), now)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	st.UpdateState(ctx, id, job.Start(now))
	st.UpdateState(ctx, id, job.Finish([]byte("zipbytes"), []job.Artifact{{Name: "chair.obj", Size: 11}}, now))
}

// ---- tests ----

func TestHTTP_SubmitConversion_QueuesJob(t *testing.T) {
	env := newEnv(t, nil)

	body, contentType := multipartUpload(t, "chair.glb", []byte("glb-bytes"))
	req := httptest.NewRequest(http.MethodPost, "/convert", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()

	env.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}

	var resp struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json response: %v, body=%s", err, rr.Body.String())
	}
	if resp.JobID == "" {
		t.Fatalf("expected a job id, body=%s", rr.Body.String())
	}
	if resp.Status != "queued" {
		t.Fatalf("expected status=queued, got %s", resp.Status)
	}

	if len(env.queue.enqueued) != 1 || env.queue.enqueued[0] != resp.JobID {
		t.Fatalf("expected job handed to the queue, got %#v", env.queue.enqueued)
	}
	j, err := env.store.Get(context.Background(), resp.JobID)
	if err != nil {
		t.Fatalf("job not stored: %v", err)
	}
	if j.SourceFilename != "chair.glb" {
		t.Fatalf("expected source filename kept, got %q", j.SourceFilename)
	}
}

func TestHTTP_SubmitConversion_400_EmptyFile(t *testing.T) {
	env := newEnv(t, nil)

	body, contentType := multipartUpload(t, "empty.glb", nil)
	req := httptest.NewRequest(http.MethodPost, "/convert", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()

	env.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "empty") {
		t.Fatalf("expected empty-file detail, body=%s", rr.Body.String())
	}
}

func TestHTTP_SubmitConversion_400_MissingFileField(t *testing.T) {
	env := newEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/convert", strings.NewReader("not a form"))
	req.Header.Set("Content-Type", "text/plain")
	rr := httptest.NewRecorder()

	env.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d, body=%s", rr.Code, rr.Body.String())
	}
}

func TestHTTP_GetJob_FinishedBody(t *testing.T) {
	env := newEnv(t, nil)
	seedFinished(t, env.store, "done-1", "chair.glb")

	req := httptest.NewRequest(http.MethodGet, "/jobs/done-1", nil)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}

	var got map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid json: %v, body=%s", err, rr.Body.String())
	}
	if got["job_id"] != "done-1" || got["status"] != "finished" {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
	if got["download_url"] != "/jobs/done-1/download" {
		t.Fatalf("expected download_url, body=%s", rr.Body.String())
	}

	arts, ok := got["artefacts"].([]any)
	if !ok || len(arts) != 1 {
		t.Fatalf("expected one artefact, body=%s", rr.Body.String())
	}
	first := arts[0].(map[string]any)
	// numbers decode as float64 in map[string]any
	if first["name"] != "chair.obj" || first["size"] != float64(11) {
		t.Fatalf("unexpected artefact: %#v", first)
	}

	if _, err := time.Parse(time.RFC3339, got["created_at"].(string)); err != nil {
		t.Fatalf("created_at is not RFC3339: %v", err)
	}
	if _, ok := got["finished_at"]; !ok {
		t.Fatalf("expected finished_at on a finished job, body=%s", rr.Body.String())
	}
}

func TestHTTP_GetJob_QueuedOmitsOutputs(t *testing.T) {
	env := newEnv(t, nil)
	env.store.Insert(context.Background(), job.New("q-1", "a.glb", []byte("glb"), time.Now().UTC()))

	req := httptest.NewRequest(http.MethodGet, "/jobs/q-1", nil)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var got map[string]any
	json.Unmarshal(rr.Body.Bytes(), &got)

	if got["status"] != "queued" {
		t.Fatalf("expected queued, body=%s", rr.Body.String())
	}
	if arts := got["artefacts"].([]any); len(arts) != 0 {
		t.Fatalf("queued job must have no artefacts, body=%s", rr.Body.String())
	}
	for _, absent := range []string{"download_url", "detail", "started_at", "finished_at"} {
		if _, ok := got[absent]; ok {
			t.Fatalf("field %q must be omitted on a queued job, body=%s", absent, rr.Body.String())
		}
	}
}

func TestHTTP_GetJob_404_Unknown(t *testing.T) {
	env := newEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/jobs/ghost", nil)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	var resp struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp.Detail != "job not found" {
		t.Fatalf("unexpected detail: %q", resp.Detail)
	}
}

func TestHTTP_Download_States(t *testing.T) {
	env := newEnv(t, nil)

	// Unknown id.
	req := httptest.NewRequest(http.MethodGet, "/jobs/ghost/download", nil)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown: expected 404, got %d", rr.Code)
	}

	// Not finished yet.
	env.store.Insert(context.Background(), job.New("q-1", "a.glb", []byte("glb"), time.Now().UTC()))
	req = httptest.NewRequest(http.MethodGet, "/jobs/q-1/download", nil)
	rr = httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("queued: expected 409, got %d, body=%s", rr.Code, rr.Body.String())
	}

	// Finished.
	seedFinished(t, env.store, "done-1", "chair.glb")
	req = httptest.NewRequest(http.MethodGet, "/jobs/done-1/download", nil)
	rr = httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("finished: expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/zip" {
		t.Fatalf("expected application/zip, got %q", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, `filename="chair.zip"`) {
		t.Fatalf("unexpected content disposition: %q", cd)
	}
	if rr.Body.String() != "zipbytes" {
		t.Fatalf("unexpected archive body: %q", rr.Body.String())
	}
}

func TestHTTP_Healthz(t *testing.T) {
	env := newEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp map[string]string
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["status"] != "ok" {
		t.Fatalf("unexpected health body: %s", rr.Body.String())
	}
}

func TestHTTP_Stats(t *testing.T) {
	env := newEnv(t, nil)
	env.store.Insert(context.Background(), job.New("q-1", "a.glb", []byte("glb"), time.Now().UTC()))

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		Jobs       map[string]int `json:"jobs"`
		QueueDepth int            `json:"queue_depth"`
		WSClients  int            `json:"ws_clients"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp.Jobs["queued"] != 1 {
		t.Fatalf("expected one queued job, body=%s", rr.Body.String())
	}
	// All states are always present, even at zero.
	for _, state := range []string{"queued", "running", "finished", "failed", "timeout"} {
		if _, ok := resp.Jobs[state]; !ok {
			t.Fatalf("state %q missing from stats, body=%s", state, rr.Body.String())
		}
	}
}

func TestHTTP_SubmitRateLimited(t *testing.T) {
	env := newEnv(t, httptransport.NewSubmitLimiter(0.001, 1))

	send := func() *httptest.ResponseRecorder {
		body, contentType := multipartUpload(t, "chair.glb", []byte("glb"))
		req := httptest.NewRequest(http.MethodPost, "/convert", body)
		req.Header.Set("Content-Type", contentType)
		rr := httptest.NewRecorder()
		env.router.ServeHTTP(rr, req)
		return rr
	}

	if rr := send(); rr.Code != http.StatusOK {
		t.Fatalf("first submission should pass, got %d", rr.Code)
	}
	if rr := send(); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second submission should be throttled, got %d", rr.Code)
	}

	// Reads are never throttled.
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("reads must not be rate limited, got %d", rr.Code)
	}
}

func TestHTTP_WebsocketStreamsEvents(t *testing.T) {
	env := newEnv(t, nil)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.hub.Publish(events.Event{JobID: "j1", Status: job.StateRunning, At: time.Now().UTC()})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if got.JobID != "j1" || got.Status != job.StateRunning {
		t.Fatalf("unexpected event: %#v", got)
	}
}

// TestHTTP_SubmitPollDownloadRoundTrip walks a job through the real
// pool: upload, poll to completion, download, and check the archive
// entries against the artefacts the status endpoint reported.
func TestHTTP_SubmitPollDownloadRoundTrip(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memory.New()

	eng := fixedEngine{files: []engine.File{
		{Name: "chair.obj", Data: []byte("v 0 0 0\n")},
		{Name: "chair.mtl", Data: []byte("newmtl default\n")},
	}}
	sup := worker.NewTimeoutSupervisor(st, time.Minute, nil, logger)
	pool := worker.NewPool(st, eng, archive.NewZip(), sup, logger, worker.WithConcurrency(1))
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start pool: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Stop(ctx)
		sup.Stop()
	})

	sweeper := service.NewRetentionSweeper(st, time.Hour, logger)
	svc := service.NewJobService(st, pool, sweeper, nil, logger)
	hub := events.NewHub(logger)
	t.Cleanup(hub.Close)
	h := httptransport.NewHandler(svc, st, pool, hub, logger, 1<<20)
	router := httptransport.Routes(h, logger, nil)

	body, contentType := multipartUpload(t, "chair.glb", []byte("glb-bytes"))
	req := httptest.NewRequest(http.MethodPost, "/convert", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("submit: expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	var submitted struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &submitted); err != nil {
		t.Fatalf("submit response: %v", err)
	}

	var status map[string]any
	deadline := time.Now().Add(5 * time.Second)
	for {
		rr = httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/"+submitted.JobID, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("poll: expected 200, got %d", rr.Code)
		}
		status = map[string]any{}
		if err := json.Unmarshal(rr.Body.Bytes(), &status); err != nil {
			t.Fatalf("poll response: %v", err)
		}
		if s := status["status"]; s == "finished" || s == "failed" || s == "timeout" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never reached a terminal state, last body=%s", rr.Body.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if status["status"] != "finished" {
		t.Fatalf("expected finished, got %v", status["status"])
	}

	var reported []string
	for _, a := range status["artefacts"].([]any) {
		reported = append(reported, a.(map[string]any)["name"].(string))
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/"+submitted.JobID+"/download", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("download: expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, `filename="chair.zip"`) {
		t.Fatalf("unexpected content disposition: %q", cd)
	}

	zr, err := zip.NewReader(bytes.NewReader(rr.Body.Bytes()), int64(rr.Body.Len()))
	if err != nil {
		t.Fatalf("download is not a readable zip: %v", err)
	}
	if len(zr.File) != len(reported) {
		t.Fatalf("archive has %d entries, status reported %d", len(zr.File), len(reported))
	}
	for i, f := range zr.File {
		if f.Name != reported[i] {
			t.Fatalf("entry %d: archive has %q, status reported %q", i, f.Name, reported[i])
		}
	}
}
