// Package runstore tracks analyze runs submitted over HTTP so clients
// can poll their status and subscribe to progress events. Records are
// written by the run goroutine and read by handlers; the store keeps
// nothing the workflow itself depends on.
package runstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("run not found")

// Record is the externally visible snapshot of one run.
type Record struct {
	RunID          string    `json:"run_id"`
	State          string    `json:"state"`
	Prompt         string    `json:"prompt"`
	Filename       string    `json:"filename"`
	IndexingStatus string    `json:"indexing_status,omitempty"`
	Result         string    `json:"result,omitempty"`
	ErrorCode      string    `json:"error_code,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store persists run records. Implementations: memory (default) and
// redis (survives restarts, shared across replicas).
type Store interface {
	// Save writes the record, overwriting any previous snapshot.
	Save(ctx context.Context, rec Record) error
	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, runID string) (Record, error)
	// Close releases backend resources.
	Close() error
}
