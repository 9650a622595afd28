package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brandlens/brandlens/api"
	"github.com/brandlens/brandlens/internal/runstore"
	"github.com/brandlens/brandlens/types"
	"github.com/brandlens/brandlens/workflow"
)

// allowedVideoExts are the upload extensions accepted by POST /v1/analyze.
var allowedVideoExts = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".avi":  true,
	".webm": true,
	".mkv":  true,
}

// Executor runs one analysis workflow to completion.
type Executor interface {
	Execute(ctx context.Context, in workflow.Input, sink workflow.ProgressSink) (*workflow.Run, error)
}

// RunMetrics records run outcomes and per-stage timings. Satisfied by
// *metrics.Collector.
type RunMetrics interface {
	RecordRun(state, errorCode string, duration time.Duration)
	RecordStage(stage string, duration time.Duration)
}

// RunHandler serves the analyze endpoints: run creation, status polling
// and SSE progress streaming.
type RunHandler struct {
	runner  Executor
	store   runstore.Store
	broker  *runstore.Broker
	metrics RunMetrics
	logger  *zap.Logger

	// baseCtx governs background runs so they outlive the originating
	// HTTP request.
	baseCtx context.Context

	maxUploadBytes int64
	defaultPrompt  string
	retainEvents   time.Duration
}

// RunHandlerConfig wires the RunHandler dependencies.
type RunHandlerConfig struct {
	Runner Executor
	Store  runstore.Store
	Broker *runstore.Broker
	// Metrics is optional; nil disables run metrics.
	Metrics RunMetrics
	// BaseCtx bounds background runs. Defaults to context.Background().
	BaseCtx context.Context
	// MaxUploadBytes caps the request body. Zero means no cap.
	MaxUploadBytes int64
	// DefaultPrompt is used when the form carries no prompt field.
	DefaultPrompt string
	// RetainEvents is how long a finished run's event buffer stays
	// available for late SSE subscribers before the broker forgets it.
	// Zero disables the timer; the store's eviction hook then owns the
	// cleanup.
	RetainEvents time.Duration
}

// NewRunHandler creates the analyze handler.
func NewRunHandler(cfg RunHandlerConfig, logger *zap.Logger) *RunHandler {
	baseCtx := cfg.BaseCtx
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &RunHandler{
		runner:         cfg.Runner,
		store:          cfg.Store,
		broker:         cfg.Broker,
		metrics:        cfg.Metrics,
		logger:         logger.With(zap.String("component", "run_handler")),
		baseCtx:        baseCtx,
		maxUploadBytes: cfg.MaxUploadBytes,
		defaultPrompt:  cfg.DefaultPrompt,
		retainEvents:   cfg.RetainEvents,
	}
}

// =============================================================================
// POST /v1/analyze
// =============================================================================

// HandleAnalyze accepts a multipart upload (fields: video, prompt),
// creates a run and processes it in the background. Responds 202 with
// the run id.
func (h *RunHandler) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		// The multipart reader does not always wrap *http.MaxBytesError,
		// so match on the message as well.
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large") {
			WriteErrorMessage(w, http.StatusRequestEntityTooLarge, types.ErrValidation,
				fmt.Sprintf("upload exceeds the %d byte limit", h.maxUploadBytes), h.logger)
			return
		}
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation,
			"request must be multipart/form-data", h.logger)
		return
	}

	file, header, err := r.FormFile("video")
	if err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation,
			"no video file provided", h.logger)
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowedVideoExts[ext] {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation,
			fmt.Sprintf("unsupported video format %q", ext), h.logger)
		return
	}

	prompt := r.FormValue("prompt")
	if prompt == "" {
		prompt = h.defaultPrompt
	}

	// The run outlives the request, so the upload is spooled to a temp
	// file before the multipart reader is gone. Spooling keeps a
	// multi-gigabyte video off the heap.
	tmp, err := os.CreateTemp("", "brandlens-upload-*"+ext)
	if err != nil {
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError,
			"failed to store uploaded file", h.logger)
		return
	}
	size, err := io.Copy(tmp, file)
	if err == nil {
		_, err = tmp.Seek(0, io.SeekStart)
	}
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError,
			"failed to store uploaded file", h.logger)
		return
	}

	runID := uuid.NewString()
	now := time.Now()
	rec := runstore.Record{
		RunID:     runID,
		State:     string(workflow.StateIdle),
		Prompt:    prompt,
		Filename:  header.Filename,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.Save(r.Context(), rec); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		h.logger.Error("failed to persist run", zap.String("run_id", runID), zap.Error(err))
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError,
			"failed to persist run", h.logger)
		return
	}

	h.logger.Info("run accepted",
		zap.String("run_id", runID),
		zap.String("filename", header.Filename),
		zap.Int64("size", size),
	)

	go h.process(rec, tmp)

	WriteAccepted(w, api.AnalyzeAccepted{RunID: runID, State: rec.State})
}

// process executes the workflow on its own goroutine, mirroring progress
// into the store and the event broker. The spooled upload is removed
// when the run ends, whatever the outcome.
func (h *RunHandler) process(rec runstore.Record, video *os.File) {
	defer func() {
		video.Close()
		os.Remove(video.Name())
	}()

	started := time.Now()

	// Stage timing. The sink runs on this goroutine only, so plain
	// variables suffice.
	currentStage := ""
	stageStarted := time.Time{}
	closeStage := func(next string) {
		if h.metrics != nil && currentStage != "" {
			h.metrics.RecordStage(currentStage, time.Since(stageStarted))
		}
		currentStage = next
		stageStarted = time.Now()
	}

	sink := workflow.Sink(
		func(state workflow.State, message string) {
			if state.Terminal() {
				// Terminal outcome is written once below, with the full
				// result or error attached.
				return
			}
			closeStage(string(state))
			rec.State = string(state)
			h.saveRecord(&rec)
			h.broker.Publish(rec.RunID, runstore.Event{
				Type:    runstore.EventStage,
				Stage:   string(state),
				Message: message,
			})
		},
		func(status string) {
			rec.IndexingStatus = status
			h.saveRecord(&rec)
			h.broker.Publish(rec.RunID, runstore.Event{
				Type:   runstore.EventIndexingStatus,
				Status: status,
			})
		},
	)

	run, err := h.runner.Execute(h.baseCtx, workflow.Input{
		ID:       rec.RunID,
		Prompt:   rec.Prompt,
		Filename: rec.Filename,
		Video:    video,
	}, sink)

	closeStage("")

	rec.State = string(run.State)
	rec.IndexingStatus = run.IndexingStatus
	if err != nil {
		rec.ErrorCode = string(types.GetErrorCode(err))
		rec.ErrorMessage = run.Err.Message
		h.saveRecord(&rec)
		h.broker.Publish(rec.RunID, runstore.Event{
			Type:         runstore.EventFailed,
			Stage:        rec.State,
			ErrorCode:    rec.ErrorCode,
			ErrorMessage: rec.ErrorMessage,
		})
	} else {
		rec.Result = run.Result
		h.saveRecord(&rec)
		h.broker.Publish(rec.RunID, runstore.Event{
			Type:   runstore.EventDone,
			Stage:  rec.State,
			Result: run.Result,
		})
	}

	if h.metrics != nil {
		h.metrics.RecordRun(rec.State, rec.ErrorCode, time.Since(started))
	}

	// With a redis store the record expires server-side, so the broker
	// is told to drop the finished run's buffer on its own timer.
	if h.retainEvents > 0 {
		runID := rec.RunID
		time.AfterFunc(h.retainEvents, func() { h.broker.Forget(runID) })
	}
}

func (h *RunHandler) saveRecord(rec *runstore.Record) {
	rec.UpdatedAt = time.Now()
	ctx, cancel := context.WithTimeout(h.baseCtx, 5*time.Second)
	defer cancel()
	if err := h.store.Save(ctx, *rec); err != nil {
		h.logger.Warn("failed to update run record",
			zap.String("run_id", rec.RunID),
			zap.Error(err),
		)
	}
}

// =============================================================================
// GET /v1/runs/{id}
// =============================================================================

// HandleGetRun returns the current snapshot of one run.
func (h *RunHandler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if runID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"run id is required", h.logger)
		return
	}

	rec, err := h.store.Get(r.Context(), runID)
	if err != nil {
		if errors.Is(err, runstore.ErrNotFound) {
			WriteErrorMessage(w, http.StatusNotFound, types.ErrNotFound,
				fmt.Sprintf("run %q not found", runID), h.logger)
			return
		}
		h.logger.Error("run lookup failed", zap.String("run_id", runID), zap.Error(err))
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError,
			"failed to load run", h.logger)
		return
	}

	WriteSuccess(w, recordToStatus(rec))
}

func recordToStatus(rec runstore.Record) api.RunStatus {
	return api.RunStatus{
		RunID:          rec.RunID,
		State:          rec.State,
		Prompt:         rec.Prompt,
		Filename:       rec.Filename,
		IndexingStatus: rec.IndexingStatus,
		Result:         rec.Result,
		ErrorCode:      rec.ErrorCode,
		ErrorMessage:   rec.ErrorMessage,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
}

// =============================================================================
// GET /v1/runs/{id}/events (SSE)
// =============================================================================

// HandleEvents streams run progress as Server-Sent Events. Past events
// are replayed first, so late subscribers see the full history. The
// stream ends after the terminal event.
func (h *RunHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if runID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"run id is required", h.logger)
		return
	}

	rec, err := h.store.Get(r.Context(), runID)
	if err != nil {
		if errors.Is(err, runstore.ErrNotFound) {
			WriteErrorMessage(w, http.StatusNotFound, types.ErrNotFound,
				fmt.Sprintf("run %q not found", runID), h.logger)
			return
		}
		h.logger.Error("run lookup failed", zap.String("run_id", runID), zap.Error(err))
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError,
			"failed to load run", h.logger)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError,
			"streaming not supported", h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// A run that finished in a previous process, or whose buffer was
	// already forgotten, has no broker history; synthesize the terminal
	// event from the stored record.
	if workflow.State(rec.State).Terminal() {
		history := h.broker.History(runID)
		if len(history) == 0 {
			writeSSE(w, flusher, terminalEventFromRecord(rec))
			return
		}
		for _, ev := range history {
			writeSSE(w, flusher, ev)
		}
		return
	}

	history, ch, cancel := h.broker.Subscribe(runID)
	defer cancel()

	for _, ev := range history {
		writeSSE(w, flusher, ev)
		if ev.Terminal() {
			return
		}
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, flusher, ev)
			if ev.Terminal() {
				return
			}
		}
	}
}

func writeSSE(w io.Writer, flusher http.Flusher, ev runstore.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	flusher.Flush()
}

func terminalEventFromRecord(rec runstore.Record) runstore.Event {
	if rec.State == string(workflow.StateFailed) {
		return runstore.Event{
			Type:         runstore.EventFailed,
			Stage:        rec.State,
			ErrorCode:    rec.ErrorCode,
			ErrorMessage: rec.ErrorMessage,
		}
	}
	return runstore.Event{
		Type:   runstore.EventDone,
		Stage:  rec.State,
		Result: rec.Result,
	}
}
