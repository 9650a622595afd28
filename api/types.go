package api

import "time"

// AnalyzeAccepted is returned by POST /v1/analyze once the run has been
// created and the upload accepted for background processing.
type AnalyzeAccepted struct {
	// Identifier of the created run.
	RunID string `json:"run_id"`
	// State of the run at the time of the response.
	State string `json:"state"`
}

// RunStatus is the public view of one analysis run.
type RunStatus struct {
	RunID string `json:"run_id"`
	// State is one of idle, creating_index, indexing, generating, done, failed.
	State string `json:"state"`
	// Prompt used for insight generation.
	Prompt string `json:"prompt"`
	// Filename of the uploaded video.
	Filename string `json:"filename,omitempty"`
	// IndexingStatus is the last task status observed while indexing.
	IndexingStatus string `json:"indexing_status,omitempty"`
	// Result holds the generated placement insights once the run is done.
	Result string `json:"result,omitempty"`
	// ErrorCode and ErrorMessage are set when the run failed.
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
