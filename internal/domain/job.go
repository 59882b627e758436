// Package domain contains core domain types for the clipbot dispatcher.
package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ChatID identifies one conversation on the chat platform.
type ChatID string

// UnmarshalJSON accepts both string and numeric chat ids.
func (c *ChatID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode chat id: %w", err)
		}
		*c = ChatID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode chat id: %w", err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("decode chat id: %w", err)
	}
	*c = ChatID(n.String())
	return nil
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is expected.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Processor names who is working on a job.
type Processor string

const (
	ProcessorUnassigned Processor = "unassigned"
	ProcessorLocal      Processor = "local"
	ProcessorRemote     Processor = "remote"
)

// ProcessingMode is the routing choice made by the user at intake.
type ProcessingMode string

const (
	// ModeLocalOnly waits for the polling worker and never escalates.
	ModeLocalOnly ProcessingMode = "local_only"
	// ModeRemoteOnly dispatches to the remote runner immediately.
	ModeRemoteOnly ProcessingMode = "remote_only"
	// ModeAuto offers the job to the local worker, then escalates.
	ModeAuto ProcessingMode = "auto"
)

// Valid reports whether m is one of the known modes.
func (m ProcessingMode) Valid() bool {
	switch m {
	case ModeLocalOnly, ModeRemoteOnly, ModeAuto:
		return true
	}
	return false
}

// JobParams is a fully specified request collected by the intake flow.
type JobParams struct {
	ChatID       ChatID
	SourceURL    string
	ClipCount    int
	ClipDuration int
	Mode         ProcessingMode
}

// Job is one dispatched unit of work.
type Job struct {
	ID              string         `json:"job_id"`
	ChatID          ChatID         `json:"chat_id"`
	SourceURL       string         `json:"youtube_url"`
	ClipCount       int            `json:"num_clips"`
	ClipDuration    int            `json:"clip_duration"`
	Status          JobStatus      `json:"status"`
	Processor       Processor      `json:"processor"`
	RemoteTriggered bool           `json:"remote_triggered"`
	Mode            ProcessingMode `json:"processing_mode"`
	Error           string         `json:"error,omitempty"`
	FellBack        bool           `json:"fell_back,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	ClaimedAt       *time.Time     `json:"claimed_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// Age returns how long ago the job was created.
func (j *Job) Age(now time.Time) time.Duration {
	return now.Sub(j.CreatedAt)
}
