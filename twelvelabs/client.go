package twelvelabs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/brandlens/brandlens/types"
)

const defaultBaseURL = "https://api.twelvelabs.io/v1.3"

// DefaultModels is the fixed index configuration used by the placement
// workflow: marengo for combined visual/audio understanding and
// indexing, pegasus for combined visual/audio generation.
var DefaultModels = []IndexModel{
	{Name: "marengo2.7", Options: []string{"visual", "audio"}},
	{Name: "pegasus1.2", Options: []string{"visual", "audio"}},
}

// DefaultAddons enables thumbnail extraction on created indexes.
var DefaultAddons = []string{"thumbnail"}

// RequestRecorder observes the outcome of individual API calls.
// Implementations must be safe for concurrent use.
type RequestRecorder interface {
	RecordAPIRequest(operation, status string, duration time.Duration)
}

// Config holds the TwelveLabs client settings.
type Config struct {
	// APIKey is sent as the x-api-key header on every request.
	APIKey string
	// BaseURL overrides the hosted endpoint, mainly for tests.
	BaseURL string
	// Timeout applies to individual requests, not to the overall
	// polling loop.
	Timeout time.Duration
	// Recorder, when set, is told about every request the client makes.
	Recorder RequestRecorder
}

// Client talks to the TwelveLabs API.
type Client struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// NewClient creates a TwelveLabs client. A missing API key is a
// construction-time failure: nothing downstream can succeed without it.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, types.NewError(types.ErrClientInit, "twelvelabs api key is not configured")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}

	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger.With(zap.String("component", "twelvelabs")),
	}, nil
}

func (c *Client) buildHeaders(req *http.Request) {
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
}

// do executes the request and reports the outcome to the configured
// recorder. Transport failures are recorded with status "error".
func (c *Client) do(operation string, req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.client.Do(req)
	if c.cfg.Recorder != nil {
		status := "error"
		if err == nil {
			status = strconv.Itoa(resp.StatusCode)
		}
		c.cfg.Recorder.RecordAPIRequest(operation, status, time.Since(start))
	}
	return resp, err
}

// CreateIndex creates a new index with the fixed model and addon
// configuration.
func (c *Client) CreateIndex(ctx context.Context, name string) (*Index, error) {
	body := createIndexRequest{
		IndexName: name,
		Models:    DefaultModels,
		Addons:    DefaultAddons,
	}

	payload, _ := json.Marshal(body)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/indexes", bytes.NewReader(payload))
	if err != nil {
		return nil, types.Wrap(types.ErrInvalidRequest, "failed to create request", err)
	}
	c.buildHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.do("create_index", httpReq)
	if err != nil {
		return nil, transportError("create index request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, mapError(resp.StatusCode, readErrMsg(resp.Body))
	}

	var created createIndexResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, decodeError("create index", err)
	}

	c.logger.Info("index created",
		zap.String("index_id", created.ID),
		zap.String("index_name", name),
	)

	// The create response carries only the identifier.
	return &Index{ID: created.ID, Name: name}, nil
}

// CreateTask uploads a video into the given index and returns the
// processing task tracking its ingestion.
func (c *Client) CreateTask(ctx context.Context, indexID, filename string, video io.Reader) (*Task, error) {
	// The multipart body is piped straight into the request so a
	// multi-gigabyte video is never held in memory.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			if err := mw.WriteField("index_id", indexID); err != nil {
				return err
			}
			part, err := mw.CreateFormFile("video_file", filename)
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, video); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/tasks", pr)
	if err != nil {
		pr.Close()
		return nil, types.Wrap(types.ErrInvalidRequest, "failed to create request", err)
	}
	c.buildHeaders(httpReq)
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.do("create_task", httpReq)
	if err != nil {
		return nil, transportError("upload request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, mapError(resp.StatusCode, readErrMsg(resp.Body))
	}

	var created createTaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, decodeError("create task", err)
	}

	c.logger.Info("video upload accepted",
		zap.String("task_id", created.ID),
		zap.String("index_id", indexID),
		zap.String("filename", filename),
	)

	return &Task{ID: created.ID, IndexID: indexID, VideoID: created.VideoID}, nil
}

// GetTask fetches the current state of a processing task.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/tasks/%s", c.cfg.BaseURL, taskID), nil)
	if err != nil {
		return nil, types.Wrap(types.ErrInvalidRequest, "failed to create request", err)
	}
	c.buildHeaders(httpReq)

	resp, err := c.do("get_task", httpReq)
	if err != nil {
		return nil, transportError("task status request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, mapError(resp.StatusCode, readErrMsg(resp.Body))
	}

	var task Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, decodeError("get task", err)
	}
	return &task, nil
}

// WaitForDone polls the task at the given interval until it reaches a
// terminal status or ctx is done. onUpdate is invoked with every
// observation, including the terminal one, and never after it. No retry
// is attempted: the first transport failure ends the wait.
func (c *Client) WaitForDone(ctx context.Context, taskID string, interval time.Duration, onUpdate func(*Task)) (*Task, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, types.Wrap(types.ErrTimeout, "indexing wait canceled", ctx.Err())
		case <-ticker.C:
			task, err := c.GetTask(ctx, taskID)
			if err != nil {
				return nil, err
			}

			if onUpdate != nil {
				onUpdate(task)
			}

			if task.Status.Terminal() {
				c.logger.Info("indexing finished",
					zap.String("task_id", taskID),
					zap.String("status", string(task.Status)),
					zap.String("video_id", task.VideoID),
				)
				return task, nil
			}

			c.logger.Debug("indexing in progress",
				zap.String("task_id", taskID),
				zap.String("status", string(task.Status)),
			)
		}
	}
}

// Analyze generates text conditioned on a processed video and a prompt.
func (c *Client) Analyze(ctx context.Context, videoID, prompt string, temperature float32) (string, error) {
	body := analyzeRequest{
		VideoID:     videoID,
		Prompt:      prompt,
		Temperature: temperature,
		Stream:      false,
	}

	payload, _ := json.Marshal(body)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/analyze", bytes.NewReader(payload))
	if err != nil {
		return "", types.Wrap(types.ErrInvalidRequest, "failed to create request", err)
	}
	c.buildHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.do("analyze", httpReq)
	if err != nil {
		return "", transportError("analyze request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", mapError(resp.StatusCode, readErrMsg(resp.Body))
	}

	var result analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", decodeError("analyze", err)
	}

	c.logger.Info("analysis generated",
		zap.String("video_id", videoID),
		zap.Int("length", len(result.Data)),
	)

	return result.Data, nil
}

func transportError(msg string, err error) *types.Error {
	return types.Wrap(types.ErrUpstreamError, msg, err).
		WithHTTPStatus(http.StatusBadGateway).
		WithRetryable(true)
}

func decodeError(op string, err error) *types.Error {
	return types.Wrap(types.ErrUpstreamError, fmt.Sprintf("failed to decode %s response", op), err).
		WithHTTPStatus(http.StatusBadGateway).
		WithRetryable(true)
}

func readErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var errResp errorResponse
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Message != "" {
		if errResp.Code != "" {
			return fmt.Sprintf("%s (code: %s)", errResp.Message, errResp.Code)
		}
		return errResp.Message
	}
	return string(data)
}

func mapError(status int, msg string) *types.Error {
	switch status {
	case http.StatusUnauthorized:
		return &types.Error{Code: types.ErrUnauthorized, Message: msg, HTTPStatus: status}
	case http.StatusForbidden:
		return &types.Error{Code: types.ErrForbidden, Message: msg, HTTPStatus: status}
	case http.StatusNotFound:
		return &types.Error{Code: types.ErrNotFound, Message: msg, HTTPStatus: status}
	case http.StatusTooManyRequests:
		return &types.Error{Code: types.ErrRateLimited, Message: msg, HTTPStatus: status, Retryable: true}
	case http.StatusBadRequest:
		if strings.Contains(msg, "quota") || strings.Contains(msg, "limit") {
			return &types.Error{Code: types.ErrQuotaExceeded, Message: msg, HTTPStatus: status}
		}
		return &types.Error{Code: types.ErrInvalidRequest, Message: msg, HTTPStatus: status}
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return &types.Error{Code: types.ErrUpstreamError, Message: msg, HTTPStatus: status, Retryable: true}
	default:
		return &types.Error{Code: types.ErrUpstreamError, Message: msg, HTTPStatus: status, Retryable: status >= 500}
	}
}
