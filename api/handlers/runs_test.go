package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brandlens/brandlens/internal/runstore"
	"github.com/brandlens/brandlens/types"
	"github.com/brandlens/brandlens/workflow"
)

// =============================================================================
// Test helpers
// =============================================================================

type mockExecutor struct {
	executeFunc func(ctx context.Context, in workflow.Input, sink workflow.ProgressSink) (*workflow.Run, error)
	calls       atomic.Int32
}

func (m *mockExecutor) Execute(ctx context.Context, in workflow.Input, sink workflow.ProgressSink) (*workflow.Run, error) {
	m.calls.Add(1)
	return m.executeFunc(ctx, in, sink)
}

func newTestRunHandler(exec Executor) (*RunHandler, *runstore.MemoryStore, *runstore.Broker) {
	store := runstore.NewMemoryStore(time.Hour)
	broker := runstore.NewBroker()
	h := NewRunHandler(RunHandlerConfig{
		Runner:        exec,
		Store:         store,
		Broker:        broker,
		DefaultPrompt: "default prompt",
	}, zap.NewNop())
	return h, store, broker
}

func multipartBody(t *testing.T, filename, prompt string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if filename != "" {
		fw, err := mw.CreateFormFile("video", filename)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	if prompt != "" {
		require.NoError(t, mw.WriteField("prompt", prompt))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func decodeResponse(t *testing.T, body io.Reader) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.NewDecoder(body).Decode(&resp))
	return resp
}

// =============================================================================
// POST /v1/analyze
// =============================================================================

func TestHandleAnalyze_Success(t *testing.T) {
	type captured struct {
		in      workflow.Input
		content []byte
		spool   string
	}
	done := make(chan captured, 1)
	exec := &mockExecutor{
		executeFunc: func(ctx context.Context, in workflow.Input, sink workflow.ProgressSink) (*workflow.Run, error) {
			sink.OnStage(workflow.StateCreatingIndex, "Creating a new index...")
			sink.OnStage(workflow.StateIndexing, "Uploading and indexing your video. Please wait...")
			sink.OnIndexingStatus("pending")
			sink.OnIndexingStatus("ready")
			sink.OnStage(workflow.StateGenerating, "Generating placement insights...")

			// The video must be read here: the spooled file is removed
			// once the run ends.
			content, err := io.ReadAll(in.Video)
			if err != nil {
				failure := types.NewError(types.ErrValidation, err.Error())
				return &workflow.Run{ID: in.ID, State: workflow.StateFailed, Err: failure}, failure
			}
			got := captured{in: in, content: content}
			if f, ok := in.Video.(*os.File); ok {
				got.spool = f.Name()
			}
			done <- got

			return &workflow.Run{
				ID:             in.ID,
				State:          workflow.StateDone,
				IndexingStatus: "ready",
				Result:         "place the logo at 00:12",
			}, nil
		},
	}
	h, store, broker := newTestRunHandler(exec)

	body, contentType := multipartBody(t, "clip.mp4", "find placements", []byte("fake video bytes"))
	r := httptest.NewRequest(http.MethodPost, "/v1/analyze", body)
	r.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()

	h.HandleAnalyze(w, r)

	require.Equal(t, http.StatusAccepted, w.Code)
	resp := decodeResponse(t, w.Body)
	require.True(t, resp.Success)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	runID, _ := data["run_id"].(string)
	require.NotEmpty(t, runID)

	// The executor runs on a background goroutine.
	var got captured
	select {
	case got = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("executor was not invoked")
	}
	assert.Equal(t, runID, got.in.ID)
	assert.Equal(t, "find placements", got.in.Prompt)
	assert.Equal(t, "clip.mp4", got.in.Filename)
	assert.Equal(t, "fake video bytes", string(got.content))
	require.NotEmpty(t, got.spool, "upload is spooled to a file, not held in memory")

	// The terminal record lands after the executor returns.
	require.Eventually(t, func() bool {
		rec, err := store.Get(context.Background(), runID)
		return err == nil && rec.State == string(workflow.StateDone)
	}, 2*time.Second, 10*time.Millisecond)

	// The spooled upload is deleted once the run ends.
	require.Eventually(t, func() bool {
		_, err := os.Stat(got.spool)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := store.Get(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, "place the logo at 00:12", rec.Result)
	assert.Equal(t, "ready", rec.IndexingStatus)
	assert.Empty(t, rec.ErrorCode)

	// The broker replays the full event history, ending with done.
	history, _, cancel := broker.Subscribe(runID)
	cancel()
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, runstore.EventDone, last.Type)
	assert.Equal(t, "place the logo at 00:12", last.Result)
}

func TestHandleAnalyze_WorkflowFailure(t *testing.T) {
	exec := &mockExecutor{
		executeFunc: func(ctx context.Context, in workflow.Input, sink workflow.ProgressSink) (*workflow.Run, error) {
			sink.OnStage(workflow.StateCreatingIndex, "Creating a new index...")
			err := types.NewError(types.ErrCollectionCreation, "failed to create index")
			return &workflow.Run{
				ID:    in.ID,
				State: workflow.StateFailed,
				Err:   err,
			}, err
		},
	}
	h, store, broker := newTestRunHandler(exec)

	body, contentType := multipartBody(t, "clip.mp4", "p", []byte("x"))
	r := httptest.NewRequest(http.MethodPost, "/v1/analyze", body)
	r.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()

	h.HandleAnalyze(w, r)
	require.Equal(t, http.StatusAccepted, w.Code)

	resp := decodeResponse(t, w.Body)
	data := resp.Data.(map[string]interface{})
	runID := data["run_id"].(string)

	require.Eventually(t, func() bool {
		rec, err := store.Get(context.Background(), runID)
		return err == nil && rec.State == string(workflow.StateFailed)
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := store.Get(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, string(types.ErrCollectionCreation), rec.ErrorCode)
	assert.Equal(t, "failed to create index", rec.ErrorMessage)

	history, _, cancel := broker.Subscribe(runID)
	cancel()
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, runstore.EventFailed, last.Type)
	assert.Equal(t, string(types.ErrCollectionCreation), last.ErrorCode)
}

func TestHandleAnalyze_MissingFile(t *testing.T) {
	exec := &mockExecutor{}
	h, _, _ := newTestRunHandler(exec)

	body, contentType := multipartBody(t, "", "a prompt", nil)
	r := httptest.NewRequest(http.MethodPost, "/v1/analyze", body)
	r.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()

	h.HandleAnalyze(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeResponse(t, w.Body)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrValidation), resp.Error.Code)
	assert.Equal(t, int32(0), exec.calls.Load())
}

func TestHandleAnalyze_UnsupportedExtension(t *testing.T) {
	exec := &mockExecutor{}
	h, _, _ := newTestRunHandler(exec)

	body, contentType := multipartBody(t, "notes.txt", "a prompt", []byte("hi"))
	r := httptest.NewRequest(http.MethodPost, "/v1/analyze", body)
	r.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()

	h.HandleAnalyze(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeResponse(t, w.Body)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrValidation), resp.Error.Code)
	assert.Contains(t, resp.Error.Message, ".txt")
	assert.Equal(t, int32(0), exec.calls.Load())
}

func TestHandleAnalyze_NotMultipart(t *testing.T) {
	exec := &mockExecutor{}
	h, _, _ := newTestRunHandler(exec)

	r := httptest.NewRequest(http.MethodPost, "/v1/analyze", strings.NewReader(`{"prompt":"x"}`))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	h.HandleAnalyze(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, int32(0), exec.calls.Load())
}

func TestHandleAnalyze_DefaultPrompt(t *testing.T) {
	done := make(chan workflow.Input, 1)
	exec := &mockExecutor{
		executeFunc: func(ctx context.Context, in workflow.Input, sink workflow.ProgressSink) (*workflow.Run, error) {
			done <- in
			return &workflow.Run{ID: in.ID, State: workflow.StateDone, Result: "ok"}, nil
		},
	}
	h, _, _ := newTestRunHandler(exec)

	body, contentType := multipartBody(t, "clip.mov", "", []byte("x"))
	r := httptest.NewRequest(http.MethodPost, "/v1/analyze", body)
	r.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()

	h.HandleAnalyze(w, r)
	require.Equal(t, http.StatusAccepted, w.Code)

	select {
	case in := <-done:
		assert.Equal(t, "default prompt", in.Prompt)
	case <-time.After(2 * time.Second):
		t.Fatal("executor was not invoked")
	}
}

func TestHandleAnalyze_UploadTooLarge(t *testing.T) {
	exec := &mockExecutor{}
	store := runstore.NewMemoryStore(time.Hour)
	broker := runstore.NewBroker()
	h := NewRunHandler(RunHandlerConfig{
		Runner:         exec,
		Store:          store,
		Broker:         broker,
		MaxUploadBytes: 64,
		DefaultPrompt:  "p",
	}, zap.NewNop())

	body, contentType := multipartBody(t, "clip.mp4", "p", bytes.Repeat([]byte("v"), 4096))
	r := httptest.NewRequest(http.MethodPost, "/v1/analyze", body)
	r.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()

	h.HandleAnalyze(w, r)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, int32(0), exec.calls.Load())
}

type captureMetrics struct {
	mu     sync.Mutex
	runs   []string
	stages []string
}

func (m *captureMetrics) RecordRun(state, errorCode string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, state+"/"+errorCode)
}

func (m *captureMetrics) RecordStage(stage string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages = append(m.stages, stage)
}

func (m *captureMetrics) snapshot() (runs, stages []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.runs...), append([]string(nil), m.stages...)
}

func TestHandleAnalyze_RecordsRunAndStageMetrics(t *testing.T) {
	exec := &mockExecutor{
		executeFunc: func(ctx context.Context, in workflow.Input, sink workflow.ProgressSink) (*workflow.Run, error) {
			sink.OnStage(workflow.StateCreatingIndex, "Creating a new index...")
			sink.OnStage(workflow.StateIndexing, "Uploading and indexing your video. Please wait...")
			sink.OnStage(workflow.StateGenerating, "Generating placement insights...")
			return &workflow.Run{ID: in.ID, State: workflow.StateDone, Result: "ok"}, nil
		},
	}
	collected := &captureMetrics{}
	store := runstore.NewMemoryStore(time.Hour)
	broker := runstore.NewBroker()
	h := NewRunHandler(RunHandlerConfig{
		Runner:        exec,
		Store:         store,
		Broker:        broker,
		Metrics:       collected,
		DefaultPrompt: "p",
	}, zap.NewNop())

	body, contentType := multipartBody(t, "clip.mp4", "p", []byte("x"))
	r := httptest.NewRequest(http.MethodPost, "/v1/analyze", body)
	r.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()

	h.HandleAnalyze(w, r)
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		runs, _ := collected.snapshot()
		return len(runs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	runs, stages := collected.snapshot()
	assert.Equal(t, []string{"done/"}, runs)
	// Every stage the run passed through is timed, including the one
	// that was active when the run finished.
	assert.Equal(t, []string{"creating_index", "indexing", "generating"}, stages)
}

func TestHandleAnalyze_ForgetsEventsAfterRetention(t *testing.T) {
	exec := &mockExecutor{
		executeFunc: func(ctx context.Context, in workflow.Input, sink workflow.ProgressSink) (*workflow.Run, error) {
			sink.OnStage(workflow.StateCreatingIndex, "Creating a new index...")
			return &workflow.Run{ID: in.ID, State: workflow.StateDone, Result: "ok"}, nil
		},
	}
	store := runstore.NewMemoryStore(time.Hour)
	broker := runstore.NewBroker()
	h := NewRunHandler(RunHandlerConfig{
		Runner:        exec,
		Store:         store,
		Broker:        broker,
		DefaultPrompt: "p",
		RetainEvents:  150 * time.Millisecond,
	}, zap.NewNop())

	body, contentType := multipartBody(t, "clip.mp4", "p", []byte("x"))
	r := httptest.NewRequest(http.MethodPost, "/v1/analyze", body)
	r.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()

	h.HandleAnalyze(w, r)
	require.Equal(t, http.StatusAccepted, w.Code)

	resp := decodeResponse(t, w.Body)
	data := resp.Data.(map[string]interface{})
	runID := data["run_id"].(string)

	require.Eventually(t, func() bool {
		return len(broker.History(runID)) > 0
	}, 2*time.Second, 10*time.Millisecond)

	// The finished run's buffer is released once the retention window
	// passes.
	require.Eventually(t, func() bool {
		return len(broker.History(runID)) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// =============================================================================
// GET /v1/runs/{id}
// =============================================================================

func TestHandleGetRun_Found(t *testing.T) {
	h, store, _ := newTestRunHandler(&mockExecutor{})

	rec := runstore.Record{
		RunID:     "run-1",
		State:     string(workflow.StateDone),
		Prompt:    "p",
		Filename:  "clip.mp4",
		Result:    "insights",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, store.Save(context.Background(), rec))

	r := httptest.NewRequest(http.MethodGet, "/v1/runs/run-1", nil)
	r.SetPathValue("id", "run-1")
	w := httptest.NewRecorder()

	h.HandleGetRun(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse(t, w.Body)
	require.True(t, resp.Success)

	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "run-1", data["run_id"])
	assert.Equal(t, "done", data["state"])
	assert.Equal(t, "insights", data["result"])
}

func TestHandleGetRun_NotFound(t *testing.T) {
	h, _, _ := newTestRunHandler(&mockExecutor{})

	r := httptest.NewRequest(http.MethodGet, "/v1/runs/nope", nil)
	r.SetPathValue("id", "nope")
	w := httptest.NewRecorder()

	h.HandleGetRun(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
	resp := decodeResponse(t, w.Body)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrNotFound), resp.Error.Code)
}

func TestHandleGetRun_StoreError(t *testing.T) {
	h, _, _ := newTestRunHandler(&mockExecutor{})
	h.store = failingStore{err: errors.New("backend down")}

	r := httptest.NewRequest(http.MethodGet, "/v1/runs/run-1", nil)
	r.SetPathValue("id", "run-1")
	w := httptest.NewRecorder()

	h.HandleGetRun(w, r)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

type failingStore struct {
	err error
}

func (f failingStore) Save(context.Context, runstore.Record) error { return f.err }
func (f failingStore) Get(context.Context, string) (runstore.Record, error) {
	return runstore.Record{}, f.err
}
func (f failingStore) Close() error { return nil }

// =============================================================================
// GET /v1/runs/{id}/events
// =============================================================================

func TestHandleEvents_ReplaysHistory(t *testing.T) {
	h, store, broker := newTestRunHandler(&mockExecutor{})

	rec := runstore.Record{RunID: "run-1", State: string(workflow.StateDone), Result: "insights"}
	require.NoError(t, store.Save(context.Background(), rec))

	broker.Publish("run-1", runstore.Event{Type: runstore.EventStage, Stage: "creating_index"})
	broker.Publish("run-1", runstore.Event{Type: runstore.EventIndexingStatus, Status: "pending"})
	broker.Publish("run-1", runstore.Event{Type: runstore.EventDone, Result: "insights"})

	r := httptest.NewRequest(http.MethodGet, "/v1/runs/run-1/events", nil)
	r.SetPathValue("id", "run-1")
	w := httptest.NewRecorder()

	h.HandleEvents(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Contains(t, body, "event: stage")
	assert.Contains(t, body, "event: indexing_status")
	assert.Contains(t, body, "event: done")
	assert.Contains(t, body, `"result":"insights"`)
}

func TestHandleEvents_LiveStream(t *testing.T) {
	h, store, broker := newTestRunHandler(&mockExecutor{})

	rec := runstore.Record{RunID: "run-1", State: string(workflow.StateIndexing)}
	require.NoError(t, store.Save(context.Background(), rec))

	go func() {
		// Give the handler time to subscribe before publishing.
		time.Sleep(50 * time.Millisecond)
		broker.Publish("run-1", runstore.Event{Type: runstore.EventIndexingStatus, Status: "indexing"})
		broker.Publish("run-1", runstore.Event{Type: runstore.EventDone, Result: "insights"})
	}()

	r := httptest.NewRequest(http.MethodGet, "/v1/runs/run-1/events", nil)
	r.SetPathValue("id", "run-1")
	w := httptest.NewRecorder()

	// HandleEvents blocks until the terminal event.
	h.HandleEvents(w, r)

	body := w.Body.String()
	assert.Contains(t, body, `"status":"indexing"`)
	assert.Contains(t, body, "event: done")
}

func TestHandleEvents_FinishedRunWithoutHistory(t *testing.T) {
	h, store, _ := newTestRunHandler(&mockExecutor{})

	// Simulates a run finished before a restart: the record survives in
	// the store but the broker has no topic for it.
	rec := runstore.Record{
		RunID:        "run-old",
		State:        string(workflow.StateFailed),
		ErrorCode:    string(types.ErrIndexing),
		ErrorMessage: "indexing finished with status \"failed\"",
	}
	require.NoError(t, store.Save(context.Background(), rec))

	r := httptest.NewRequest(http.MethodGet, "/v1/runs/run-old/events", nil)
	r.SetPathValue("id", "run-old")
	w := httptest.NewRecorder()

	h.HandleEvents(w, r)

	body := w.Body.String()
	assert.Contains(t, body, "event: failed")
	assert.Contains(t, body, string(types.ErrIndexing))
}

func TestHandleEvents_UnknownRun(t *testing.T) {
	h, _, _ := newTestRunHandler(&mockExecutor{})

	r := httptest.NewRequest(http.MethodGet, "/v1/runs/nope/events", nil)
	r.SetPathValue("id", "nope")
	w := httptest.NewRecorder()

	h.HandleEvents(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
