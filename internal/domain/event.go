package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType categorizes job lifecycle events.
type EventType string

const (
	EventCreated          EventType = "created"
	EventClaimed          EventType = "claimed"
	EventRemoteDispatched EventType = "remote_dispatched"
	EventFallback         EventType = "fallback"
	EventProgress         EventType = "progress"
	EventCompleted        EventType = "completed"
	EventFailed           EventType = "failed"
	EventExpired          EventType = "expired"
)

// JobEvent records one observable step in a job's life.
type JobEvent struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	ChatID    ChatID    `json:"chat_id"`
	Type      EventType `json:"type"`
	Status    JobStatus `json:"status"`
	Processor Processor `json:"processor"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewJobEvent builds an event snapshotting the job's current state.
func NewJobEvent(job Job, typ EventType, detail string) JobEvent {
	return JobEvent{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		ChatID:    job.ChatID,
		Type:      typ,
		Status:    job.Status,
		Processor: job.Processor,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
}
