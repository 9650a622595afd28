// Package workflow implements the placement-analysis workflow: create a
// fresh index, upload the video and wait for indexing, then generate
// placement insight text.
//
// The workflow is strictly sequential and forward-only. A failure at any
// stage aborts the run; there is no resumption and no per-stage retry —
// the caller restarts from scratch, which creates a fresh index.
package workflow

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brandlens/brandlens/twelvelabs"
	"github.com/brandlens/brandlens/types"
)

// State is the orchestrator state of one run.
type State string

const (
	StateIdle          State = "idle"
	StateCreatingIndex State = "creating_index"
	StateIndexing      State = "indexing"
	StateGenerating    State = "generating"
	StateDone          State = "done"
	StateFailed        State = "failed"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Client is the subset of the TwelveLabs API the runner drives.
type Client interface {
	CreateIndex(ctx context.Context, name string) (*twelvelabs.Index, error)
	CreateTask(ctx context.Context, indexID, filename string, video io.Reader) (*twelvelabs.Task, error)
	WaitForDone(ctx context.Context, taskID string, interval time.Duration, onUpdate func(*twelvelabs.Task)) (*twelvelabs.Task, error)
	Analyze(ctx context.Context, videoID, prompt string, temperature float32) (string, error)
}

// Input is one analyze request.
type Input struct {
	// ID names the run. Generated when empty.
	ID string
	// Prompt is the free-text placement question.
	Prompt string
	// Filename of the uploaded video, used for the multipart upload.
	Filename string
	// Video is the uploaded content. Nil means no file was provided.
	Video io.Reader
}

// Run is the per-run context: created at Execute entry, discarded at
// exit. The index and video identifiers live here and nowhere else.
type Run struct {
	ID             string
	State          State
	IndexID        string
	IndexName      string
	VideoID        string
	IndexingStatus string
	Result         string
	Err            *types.Error
	StartedAt      time.Time
	FinishedAt     time.Time
}

// Config holds the runner settings.
type Config struct {
	// PollInterval between indexing status checks.
	PollInterval time.Duration
	// MaxWait bounds the whole indexing wait. Zero means unbounded.
	MaxWait time.Duration
	// Temperature for text generation.
	Temperature float32
	// IndexPrefix for per-run index names; a timestamp is appended so
	// names never collide across runs.
	IndexPrefix string
}

// Runner executes analyze runs against a TwelveLabs client.
type Runner struct {
	client Client
	cfg    Config
	logger *zap.Logger
}

// NewRunner creates a runner. Zero config fields fall back to the
// product defaults: 30s polling, temperature 0.7, unbounded wait.
func NewRunner(client Client, cfg Config, logger *zap.Logger) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.IndexPrefix == "" {
		cfg.IndexPrefix = "placement_index"
	}

	return &Runner{
		client: client,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "workflow")),
	}
}

// Execute runs the full workflow for one input and returns the finished
// run. The returned run is always in StateDone or StateFailed; on
// failure the error is also returned and carries the stage-identifying
// code. Execute blocks for the full duration of remote processing —
// callers that need responsiveness run it on their own goroutine.
func (r *Runner) Execute(ctx context.Context, in Input, sink ProgressSink) (*Run, error) {
	if sink == nil {
		sink = NopSink{}
	}

	run := &Run{
		ID:        in.ID,
		State:     StateIdle,
		StartedAt: time.Now(),
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	logger := r.logger.With(zap.String("run_id", run.ID))

	// Validation happens before any remote call.
	if in.Video == nil {
		return r.fail(run, sink, logger, types.NewError(types.ErrValidation, "no video file provided"))
	}
	if in.Prompt == "" {
		return r.fail(run, sink, logger, types.NewError(types.ErrValidation, "prompt must not be empty"))
	}

	// Stage 1: create a fresh index for this run.
	r.transition(run, sink, StateCreatingIndex, "Creating a new index...")

	name := fmt.Sprintf("%s_%d", r.cfg.IndexPrefix, time.Now().UnixNano())
	idx, err := r.client.CreateIndex(ctx, name)
	if err != nil {
		return r.fail(run, sink, logger, types.Wrap(types.ErrCollectionCreation, "failed to create index", err))
	}
	run.IndexID = idx.ID
	run.IndexName = idx.Name
	logger.Info("index created", zap.String("index_id", idx.ID), zap.String("index_name", idx.Name))

	// Stage 2: upload and wait for indexing.
	r.transition(run, sink, StateIndexing, "Uploading and indexing your video. Please wait...")

	waitCtx := ctx
	if r.cfg.MaxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, r.cfg.MaxWait)
		defer cancel()
	}

	task, err := r.client.CreateTask(waitCtx, idx.ID, in.Filename, in.Video)
	if err != nil {
		return r.fail(run, sink, logger, types.Wrap(types.ErrIndexing, "video upload failed", err))
	}

	final, err := r.client.WaitForDone(waitCtx, task.ID, r.cfg.PollInterval, func(t *twelvelabs.Task) {
		run.IndexingStatus = string(t.Status)
		sink.OnIndexingStatus(string(t.Status))
	})
	if err != nil {
		return r.fail(run, sink, logger, types.Wrap(types.ErrIndexing, "indexing wait failed", err))
	}
	if final.Status != twelvelabs.TaskStatusReady {
		return r.fail(run, sink, logger, types.NewError(types.ErrIndexing,
			fmt.Sprintf("indexing finished with status %q", final.Status)))
	}
	run.VideoID = final.VideoID
	logger.Info("video indexed", zap.String("video_id", run.VideoID))

	// Stage 3: generate placement insights.
	r.transition(run, sink, StateGenerating, "Generating placement insights...")

	text, err := r.client.Analyze(ctx, run.VideoID, in.Prompt, r.cfg.Temperature)
	if err != nil {
		return r.fail(run, sink, logger, types.Wrap(types.ErrGeneration, "text generation failed", err))
	}

	run.Result = text
	run.State = StateDone
	run.FinishedAt = time.Now()
	sink.OnStage(StateDone, "Analysis complete.")
	logger.Info("run finished",
		zap.Duration("duration", run.FinishedAt.Sub(run.StartedAt)),
		zap.Int("result_length", len(text)),
	)

	return run, nil
}

func (r *Runner) transition(run *Run, sink ProgressSink, next State, message string) {
	run.State = next
	sink.OnStage(next, message)
}

func (r *Runner) fail(run *Run, sink ProgressSink, logger *zap.Logger, err *types.Error) (*Run, error) {
	run.State = StateFailed
	run.Err = err
	run.FinishedAt = time.Now()
	sink.OnStage(StateFailed, err.Message)
	logger.Warn("run failed",
		zap.String("code", string(err.Code)),
		zap.String("message", err.Message),
		zap.Error(err.Cause),
	)
	return run, err
}
