package storage

import (
	"context"
	"time"

	"krauler/pkg/models"
)

// PageStore is the seen set: one record per normalized URL that was admitted
type PageStore interface {
	// MarkSeen records url as seen (pending) if it is not already present.
	// Returns true if the URL was newly added.
	MarkSeen(normalizedPageURL string, depth int) (bool, error)

	// IsSeen reports whether url has a page record
	IsSeen(normalizedPageURL string) (bool, error)

	// CheckPageStatus retrieves the status and details of a page URL
	// Returns status (PageStatusSuccess, PageStatusFailure, PageStatusPending, PageStatusNotFound, PageStatusDBError),
	// the PageDBEntry if found and parsed, and any error
	CheckPageStatus(normalizedPageURL string) (status models.PageStatus, entry *models.PageDBEntry, err error)

	// UpdatePageStatus updates the status and details for a page URL
	UpdatePageStatus(normalizedPageURL string, entry *models.PageDBEntry) error
}

// FrontierStore remembers every URL ever enqueued so a URL enters the frontier at most once
type FrontierStore interface {
	// MarkQueued records item as enqueued unless it is already queued or seen.
	// Returns true if the caller should push the item onto the frontier.
	MarkQueued(item models.WorkItem) (bool, error)

	// RequeueIncomplete sends every queued item that never got a page record to workChan.
	// Should be called only during resume
	RequeueIncomplete(ctx context.Context, workChan chan<- models.WorkItem) (requeuedCount int, scanErrors int, err error)
}

// StoreAdmin handles lifecycle and administrative operations
type StoreAdmin interface {
	// GetVisitedCount returns the number of page records
	GetVisitedCount() (int, error)

	// WriteVisitedLog writes all seen page URLs to the specified file path
	WriteVisitedLog(ctx context.Context, filePath string) error

	// RunGC runs periodic garbage collection. Should be run in a goroutine
	RunGC(ctx context.Context, interval time.Duration)

	// Close cleanly closes the database connection
	Close() error
}

// VisitedStore combines all store interfaces for components that need full access
type VisitedStore interface {
	PageStore
	FrontierStore
	StoreAdmin
}
