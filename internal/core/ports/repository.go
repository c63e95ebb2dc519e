package ports

import (
	"context"

	"github.com/hedgeflow/rebalancer/internal/core/domain"
)

// JobStore is the durable single-document persistence port.
// Exactly one job may be live at a time; Load returns domain.ErrNoActiveJob
// when the slot is empty (no state document present). A document whose
// state is IDLE is returned as a job like any other.
type JobStore interface {
	// Load reads the live job document, if any.
	Load(ctx context.Context) (*domain.Job, error)
	// Save atomically replaces the live job document. Implementations must
	// write-then-rename so a crash mid-write never corrupts the previously
	// persisted document.
	Save(ctx context.Context, job *domain.Job) error
	// Archive moves the live job document into the archive directory keyed
	// by the given unix-millisecond timestamp and clears the live slot.
	Archive(ctx context.Context, job *domain.Job, unixMillis int64) error
}
