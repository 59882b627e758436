// Package jobs holds the authoritative in-memory job table.
//
// Every operation that callers race on (claiming, triggering remote
// dispatch, failing with fallback) is a single check-and-set under the
// registry mutex. Callers receive copies; nothing outside this package
// mutates a job.
package jobs

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/clipbot/internal/domain"
)

var (
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job not found")
	// ErrClaimConflict is returned when a job is no longer claimable.
	ErrClaimConflict = errors.New("job already claimed")
)

// FailOutcome describes what Fail did to a job.
type FailOutcome string

const (
	// FailTerminal means the job is now failed.
	FailTerminal FailOutcome = "failed"
	// FailFallback means the job was handed to the remote runner instead.
	// The caller owns the remote dispatch call.
	FailFallback FailOutcome = "fallback"
	// FailIgnored means the job was already terminal.
	FailIgnored FailOutcome = "ignored"
)

// Registry is a mutex-guarded job table.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
	seq  uint64
	now  func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		jobs: make(map[string]*domain.Job),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create allocates a pending, unassigned job.
func (r *Registry) Create(p domain.JobParams) domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	now := r.now()
	if !p.Mode.Valid() {
		p.Mode = domain.ModeAuto
	}
	job := &domain.Job{
		ID:           fmt.Sprintf("job_%d_%d", now.UnixMilli(), r.seq),
		ChatID:       p.ChatID,
		SourceURL:    p.SourceURL,
		ClipCount:    p.ClipCount,
		ClipDuration: p.ClipDuration,
		Status:       domain.JobStatusPending,
		Processor:    domain.ProcessorUnassigned,
		Mode:         p.Mode,
		CreatedAt:    now,
	}
	r.jobs[job.ID] = job
	return *job
}

// Get returns a copy of the job.
func (r *Registry) Get(id string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, ErrNotFound
	}
	return *job, nil
}

// ListPending returns jobs a local worker may claim, oldest first.
// Jobs already handed to the remote runner are excluded.
func (r *Registry) ListPending() []domain.Job {
	return r.list(func(j *domain.Job) bool {
		return j.Status == domain.JobStatusPending && !j.RemoteTriggered
	})
}

// ListByChat returns the non-terminal jobs of one conversation, oldest first.
func (r *Registry) ListByChat(chatID domain.ChatID) []domain.Job {
	return r.list(func(j *domain.Job) bool {
		return j.ChatID == chatID && !j.Status.Terminal()
	})
}

func (r *Registry) list(keep func(*domain.Job) bool) []domain.Job {
	r.mu.Lock()
	out := make([]domain.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		if keep(j) {
			out = append(out, *j)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}

// ClaimForLocal assigns a pending job to the local worker.
// Exactly one of any number of concurrent callers succeeds.
func (r *Registry) ClaimForLocal(id string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, ErrNotFound
	}
	if job.Status != domain.JobStatusPending || job.RemoteTriggered {
		return *job, ErrClaimConflict
	}

	now := r.now()
	job.Status = domain.JobStatusProcessing
	job.Processor = domain.ProcessorLocal
	job.ClaimedAt = &now
	return *job, nil
}

// MarkRemoteTriggered records that remote dispatch is about to fire for
// a pending job. It returns true at most once per job; false means another
// path already dispatched, the job left pending, or the job is local-only,
// and the caller must do nothing further.
func (r *Registry) MarkRemoteTriggered(id string) (domain.Job, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, false, ErrNotFound
	}
	if job.Status != domain.JobStatusPending {
		return *job, false, nil
	}
	won := r.markRemoteLocked(job)
	return *job, won, nil
}

// markRemoteLocked is the shared remote-dispatch guard. r.mu must be held.
func (r *Registry) markRemoteLocked(job *domain.Job) bool {
	if job.RemoteTriggered || job.Mode == domain.ModeLocalOnly {
		return false
	}
	now := r.now()
	job.RemoteTriggered = true
	job.Processor = domain.ProcessorRemote
	job.Status = domain.JobStatusProcessing
	job.ClaimedAt = &now
	return true
}

// Complete marks a job completed. Completing a terminal job is a no-op;
// changed reports whether this call made the transition.
func (r *Registry) Complete(id string) (job domain.Job, changed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, false, ErrNotFound
	}
	if j.Status.Terminal() {
		slog.Warn("Complete called on terminal job", "job_id", id, "status", j.Status)
		return *j, false, nil
	}

	now := r.now()
	j.Status = domain.JobStatusCompleted
	j.CompletedAt = &now
	return *j, true, nil
}

// Fail reports a processing failure. With allowFallback, a job that was
// never remote-dispatched and is not local-only is handed to the remote
// runner instead of failing; the caller must then perform the dispatch.
func (r *Registry) Fail(id, reason string, allowFallback bool) (FailOutcome, domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return "", domain.Job{}, ErrNotFound
	}
	if job.Status.Terminal() {
		slog.Warn("Fail called on terminal job", "job_id", id, "status", job.Status, "reason", reason)
		return FailIgnored, *job, nil
	}

	job.Error = reason
	if allowFallback && !job.FellBack && r.markRemoteLocked(job) {
		job.FellBack = true
		return FailFallback, *job, nil
	}

	now := r.now()
	job.Status = domain.JobStatusFailed
	job.CompletedAt = &now
	return FailTerminal, *job, nil
}

// SweepExpired removes every job created more than ttl ago, whatever its
// status, and returns the removed jobs.
func (r *Registry) SweepExpired(ttl time.Duration) []domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-ttl)
	var removed []domain.Job
	for id, job := range r.jobs {
		if job.CreatedAt.Before(cutoff) {
			removed = append(removed, *job)
			delete(r.jobs, id)
		}
	}
	return removed
}

// Len returns the number of tracked jobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// CountByStatus returns job counts keyed by status.
func (r *Registry) CountByStatus() map[domain.JobStatus]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := map[domain.JobStatus]int{
		domain.JobStatusPending:    0,
		domain.JobStatusProcessing: 0,
		domain.JobStatusCompleted:  0,
		domain.JobStatusFailed:     0,
	}
	for _, job := range r.jobs {
		counts[job.Status]++
	}
	return counts
}
