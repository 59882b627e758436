// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/clipbot/internal/domain"
)

// Repository defines the interface for persisting job events.
//
// The log is diagnostic. Job state lives in memory and is never
// reconstructed from it.
type Repository interface {
	// Record appends one job event.
	Record(ctx context.Context, ev domain.JobEvent) error

	// ListEvents returns a job's events, oldest first.
	ListEvents(ctx context.Context, jobID string) ([]domain.JobEvent, error)

	// CleanupExpiredEvents removes events older than ttl.
	CleanupExpiredEvents(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
