// Package twelvelabs implements a client for the TwelveLabs video
// understanding API (v1.3): index creation, asset upload with task
// polling, and prompt-conditioned text generation.
package twelvelabs

// Index is a named remote container into which videos are submitted for
// processing. The service owns it; callers hold only the identifier.
type Index struct {
	ID   string `json:"_id"`
	Name string `json:"index_name"`
}

// IndexModel names a video understanding or generation model and the
// modalities it is enabled for.
type IndexModel struct {
	Name    string   `json:"model_name"`
	Options []string `json:"model_options"`
}

// TaskStatus is the lifecycle label of a video indexing task as reported
// by the API.
type TaskStatus string

const (
	TaskStatusValidating TaskStatus = "validating"
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusIndexing   TaskStatus = "indexing"
	TaskStatusReady      TaskStatus = "ready"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether the status is final. Ready is the only
// success label; every other terminal label is a failure.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusReady || s == TaskStatusFailed
}

// Task tracks the asynchronous ingestion of one uploaded video into an
// index. VideoID is populated once the task reaches ready.
type Task struct {
	ID      string     `json:"_id"`
	IndexID string     `json:"index_id"`
	VideoID string     `json:"video_id"`
	Status  TaskStatus `json:"status"`
}

type createIndexRequest struct {
	IndexName string       `json:"index_name"`
	Models    []IndexModel `json:"models"`
	Addons    []string     `json:"addons,omitempty"`
}

type createIndexResponse struct {
	ID string `json:"_id"`
}

type createTaskResponse struct {
	ID      string `json:"_id"`
	VideoID string `json:"video_id"`
}

type analyzeRequest struct {
	VideoID     string  `json:"video_id"`
	Prompt      string  `json:"prompt"`
	Temperature float32 `json:"temperature,omitempty"`
	Stream      bool    `json:"stream"`
}

type analyzeResponse struct {
	ID   string `json:"id"`
	Data string `json:"data"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
