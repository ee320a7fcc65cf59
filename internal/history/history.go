// Package history persists grading outcomes. Retention is capped: once the
// store holds MaxRecords entries, saving another evicts the oldest.
package history

import (
	"context"
	"errors"
	"time"
)

const (
	// MaxRecords bounds how many grading records a store retains.
	MaxRecords = 100

	// MaxImageRefLen bounds the stored image payload reference. Longer
	// payloads are truncated with a trailing ellipsis marker.
	MaxImageRefLen = 1000

	// DefaultListLimit applies when a query does not set one.
	DefaultListLimit = 100

	// MaxListLimit caps a caller-supplied limit.
	MaxListLimit = 500
)

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = errors.New("history record not found")

// Record is one stored grading outcome.
type Record struct {
	ID            int64     `json:"id"`
	UserID        *int64    `json:"user_id,omitempty"`
	ImageRef      string    `json:"image_url"`
	Predictions   []float64 `json:"predictions"`
	TopClass      int       `json:"top_class"`
	Confidence    float64   `json:"confidence"`
	Label         string    `json:"label"`
	InferenceTime int64     `json:"inference_time"`
	CreatedAt     time.Time `json:"created_at"`
}

// Query filters a List call.
type Query struct {
	// UserID restricts results to one user when set.
	UserID *int64
	// Limit caps the number of records; 0 means DefaultListLimit.
	Limit int
}

func (q Query) limit() int {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return limit
}

// Store persists grading records newest-first.
type Store interface {
	// Save stores a record and returns its assigned id, evicting the
	// oldest record when the cap is reached.
	Save(ctx context.Context, rec *Record) (int64, error)
	// List returns records newest-first, filtered by q.
	List(ctx context.Context, q Query) ([]Record, error)
	// Delete removes one record.
	Delete(ctx context.Context, id int64) error
	// Clear removes all records.
	Clear(ctx context.Context) error
	Close() error
}

// imageRefMarker terminates a truncated image reference.
const imageRefMarker = "..."

// TruncateImageRef shortens an image payload reference so oversized base64
// blobs do not bloat the store. The result never exceeds MaxImageRefLen;
// truncated values end with the ellipsis marker.
func TruncateImageRef(s string) string {
	if len(s) <= MaxImageRefLen {
		return s
	}
	return s[:MaxImageRefLen-len(imageRefMarker)] + imageRefMarker
}
