// Package trigger dispatches jobs to the remote batch runner through the
// GitHub repository_dispatch API.
package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/clipbot/internal/domain"
)

// maxErrorBody bounds how much of a rejection body is kept.
const maxErrorBody = 512

// Outcome classifies a failed dispatch by what is known about delivery.
type Outcome string

const (
	// OutcomeNotSent means the runner definitely did not receive the request.
	OutcomeNotSent Outcome = "not_sent"
	// OutcomeUnknown means the request may have been delivered.
	OutcomeUnknown Outcome = "unknown"
	// OutcomeRejected means the endpoint answered with a non-2xx status.
	OutcomeRejected Outcome = "rejected"
)

// Error is a failed dispatch.
type Error struct {
	Outcome    Outcome
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("remote dispatch rejected: %d %s", e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("remote dispatch %s: %v", e.Outcome, e.Err)
	default:
		return fmt.Sprintf("remote dispatch %s", e.Outcome)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// retryable reports whether another attempt cannot cause a duplicate run.
func (e *Error) retryable() bool {
	return e.Outcome == OutcomeNotSent ||
		(e.Outcome == OutcomeRejected && e.StatusCode >= 500)
}

// ErrNotConfigured is wrapped when no repository or token is set.
var ErrNotConfigured = errors.New("remote dispatch not configured")

// Config configures the client.
type Config struct {
	APIBase        string
	Repo           string
	Token          string
	EventType      string
	Timeout        time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

// Client sends repository_dispatch events.
type Client struct {
	httpClient *http.Client
	cfg        Config
}

// NewClient creates a trigger client.
func NewClient(cfg Config) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.github.com"
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if cfg.EventType == "" {
		cfg.EventType = "process_video"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
	}
}

// Configured reports whether dispatch can be attempted at all.
func (c *Client) Configured() bool {
	return c.cfg.Repo != "" && c.cfg.Token != ""
}

type clientPayload struct {
	JobID        string        `json:"job_id"`
	ChatID       domain.ChatID `json:"chat_id"`
	YouTubeURL   string        `json:"youtube_url"`
	NumClips     int           `json:"num_clips"`
	ClipDuration int           `json:"clip_duration"`
	Timestamp    string        `json:"timestamp"`
}

type dispatchRequest struct {
	EventType     string        `json:"event_type"`
	ClientPayload clientPayload `json:"client_payload"`
}

// Dispatch fires one repository_dispatch event for the job. Failures are
// returned as *Error. Attempts that cannot have reached the runner, and
// 5xx answers, are retried with exponential backoff up to MaxAttempts.
func (c *Client) Dispatch(ctx context.Context, job domain.Job) error {
	if !c.Configured() {
		return &Error{Outcome: OutcomeNotSent, Err: ErrNotConfigured}
	}

	body, err := json.Marshal(dispatchRequest{
		EventType: c.cfg.EventType,
		ClientPayload: clientPayload{
			JobID:        job.ID,
			ChatID:       job.ChatID,
			YouTubeURL:   job.SourceURL,
			NumClips:     job.ClipCount,
			ClipDuration: job.ClipDuration,
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return &Error{Outcome: OutcomeNotSent, Err: fmt.Errorf("encode payload: %w", err)}
	}

	var lastErr *Error
	for i := 0; i < c.cfg.MaxAttempts; i++ {
		lastErr = c.send(ctx, body)
		if lastErr == nil {
			return nil
		}
		if !lastErr.retryable() || i == c.cfg.MaxAttempts-1 {
			break
		}

		delay := c.cfg.RetryBaseDelay * time.Duration(1<<i)
		slog.Warn("Remote dispatch failed, retrying",
			"job_id", job.ID,
			"attempt", i+1,
			"delay", delay,
			"error", lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &Error{Outcome: lastErr.Outcome, StatusCode: lastErr.StatusCode, Body: lastErr.Body, Err: ctx.Err()}
		case <-timer.C:
		}
	}
	return lastErr
}

func (c *Client) send(ctx context.Context, body []byte) *Error {
	url := fmt.Sprintf("%s/repos/%s/dispatches", c.cfg.APIBase, c.cfg.Repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &Error{Outcome: OutcomeNotSent, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Authorization", "token "+c.cfg.Token)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Outcome: classify(err), Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("Failed to close dispatch response body", "error", closeErr)
		}
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &Error{
		Outcome:    OutcomeRejected,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(msg)),
	}
}

// classify maps a transport error to a delivery outcome. Only failures
// before a connection exists are known not to have been sent.
func classify(err error) Outcome {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return OutcomeNotSent
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return OutcomeNotSent
	}
	return OutcomeUnknown
}
