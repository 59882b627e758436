// Package dispatch decides who processes each job and arbitrates the race
// between the polling local worker and escalation to the remote runner.
//
// The remote-dispatch guard lives on the job record in the registry. The
// escalation timer and the failure fallback both go through it, so a job
// is handed to the remote runner at most once whichever path fires first.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"time"

	"github.com/ashureev/clipbot/internal/domain"
	"github.com/ashureev/clipbot/internal/jobs"
	"github.com/ashureev/clipbot/internal/metrics"
	"github.com/ashureev/clipbot/internal/notify"
)

// Registry is the subset of the job registry the coordinator drives.
type Registry interface {
	Get(id string) (domain.Job, error)
	ClaimForLocal(id string) (domain.Job, error)
	MarkRemoteTriggered(id string) (domain.Job, bool, error)
	Complete(id string) (domain.Job, bool, error)
	Fail(id, reason string, allowFallback bool) (jobs.FailOutcome, domain.Job, error)
}

// Trigger fires the remote runner for a job.
type Trigger interface {
	Dispatch(ctx context.Context, job domain.Job) error
}

// Notifier delivers messages to a chat.
type Notifier interface {
	SendMessage(ctx context.Context, chatID domain.ChatID, text string, markup *notify.ReplyMarkup) error
	SendVideo(ctx context.Context, chatID domain.ChatID, v notify.Video, caption string) error
}

// SessionResetter returns a conversation to idle.
type SessionResetter interface {
	Reset(chatID domain.ChatID)
}

// EventSink receives job lifecycle events.
type EventSink interface {
	Record(ctx context.Context, ev domain.JobEvent) error
}

// dispatch paths, used in logs and metrics.
const (
	pathImmediate  = "immediate"
	pathEscalation = "escalation"
	pathFallback   = "fallback"
)

// Config holds coordinator timing.
type Config struct {
	// EscalationWait is how long an auto job waits for a local claim.
	EscalationWait time.Duration
	// DispatchTimeout bounds one remote dispatch, retries included.
	DispatchTimeout time.Duration
}

// Coordinator routes jobs and applies worker reports.
type Coordinator struct {
	jobs      Registry
	trigger   Trigger
	notifier  Notifier
	sessions  SessionResetter
	sinks     []EventSink
	cfg       Config
	afterFunc func(time.Duration, func())
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithEventSinks adds sinks that receive every job event.
func WithEventSinks(sinks ...EventSink) Option {
	return func(c *Coordinator) {
		c.sinks = append(c.sinks, sinks...)
	}
}

// WithAfterFunc replaces the escalation scheduler.
func WithAfterFunc(fn func(time.Duration, func())) Option {
	return func(c *Coordinator) {
		c.afterFunc = fn
	}
}

// NewCoordinator creates a coordinator.
func NewCoordinator(reg Registry, trig Trigger, n Notifier, sessions SessionResetter, cfg Config, opts ...Option) *Coordinator {
	if cfg.EscalationWait <= 0 {
		cfg.EscalationWait = 2 * time.Minute
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = time.Minute
	}
	c := &Coordinator{
		jobs:     reg,
		trigger:  trig,
		notifier: n,
		sessions: sessions,
		cfg:      cfg,
		afterFunc: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EscalationWait returns the configured local-claim window.
func (c *Coordinator) EscalationWait() time.Duration {
	return c.cfg.EscalationWait
}

// Dispatch applies the job's processing mode. It is called once, right
// after the job is created.
func (c *Coordinator) Dispatch(ctx context.Context, job domain.Job) {
	metrics.IncreaseJobsCreated(string(job.Mode))
	c.record(ctx, job, domain.EventCreated, string(job.Mode))

	switch job.Mode {
	case domain.ModeRemoteOnly:
		c.dispatchRemote(ctx, job.ID, pathImmediate)
	case domain.ModeLocalOnly:
		slog.Info("Job waiting for local worker", "job_id", job.ID, "chat_id", job.ChatID)
	default:
		id := job.ID
		slog.Info("Job offered to local worker before escalation",
			"job_id", id,
			"chat_id", job.ChatID,
			"wait", c.cfg.EscalationWait)
		c.afterFunc(c.cfg.EscalationWait, func() {
			c.escalate(id)
		})
	}
}

// escalate runs when the claim window of an auto job elapses. It is a
// no-op unless the job is still pending and was never remote-dispatched.
func (c *Coordinator) escalate(id string) {
	c.dispatchRemote(context.Background(), id, pathEscalation)
}

// dispatchRemote wins the remote guard for a pending job and fires the
// trigger.
func (c *Coordinator) dispatchRemote(ctx context.Context, id, path string) {
	job, won, err := c.jobs.MarkRemoteTriggered(id)
	if err != nil {
		slog.Info("Remote dispatch skipped", "job_id", id, "path", path, "error", err)
		metrics.IncreaseRemoteDispatches(path, "skipped")
		return
	}
	if !won {
		slog.Info("Remote dispatch skipped, job already taken",
			"job_id", id,
			"path", path,
			"status", job.Status,
			"processor", job.Processor)
		metrics.IncreaseRemoteDispatches(path, "skipped")
		return
	}
	c.fireRemote(ctx, job, path)
}

// fireRemote calls the trigger for a job whose guard has been won. A
// failure is terminal: the remote runner is the last fallback.
func (c *Coordinator) fireRemote(ctx context.Context, job domain.Job, path string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.DispatchTimeout)
	defer cancel()

	err := c.trigger.Dispatch(ctx, job)
	if err != nil {
		metrics.IncreaseRemoteDispatches(path, "failed")
		slog.Error("Remote dispatch failed", "job_id", job.ID, "chat_id", job.ChatID, "path", path, "error", err)

		outcome, failed, ferr := c.jobs.Fail(job.ID, err.Error(), false)
		if ferr != nil {
			slog.Warn("Failed to record dispatch failure", "job_id", job.ID, "error", ferr)
			return
		}
		if outcome != jobs.FailTerminal {
			return
		}
		c.finish(ctx, failed, domain.EventFailed, err.Error(),
			fmt.Sprintf("❌ <b>Could not start cloud processing</b>\n\n%s\n\nPlease send the link again.", escape(err.Error())))
		return
	}

	metrics.IncreaseRemoteDispatches(path, "ok")
	slog.Info("Remote dispatch fired", "job_id", job.ID, "chat_id", job.ChatID, "path", path)
	c.record(ctx, job, domain.EventRemoteDispatched, path)

	var text string
	switch path {
	case pathEscalation:
		text = fmt.Sprintf("⏱ No local processor picked up your job within %s.\n\n☁️ Switched to cloud processing. This takes 10-20 minutes.", formatWait(c.cfg.EscalationWait))
	case pathFallback:
		text = "⚠️ Local processing failed.\n\n☁️ Retrying in the cloud. This takes 10-20 minutes."
	default:
		text = "☁️ <b>Processing started in the cloud!</b>\n\nThis takes 10-20 minutes. I'll send you the clips when ready."
	}
	c.send(ctx, job.ChatID, text)
}

// Claim assigns a pending job to the local worker.
func (c *Coordinator) Claim(ctx context.Context, id string) (domain.Job, error) {
	job, err := c.jobs.ClaimForLocal(id)
	switch {
	case errors.Is(err, jobs.ErrClaimConflict):
		metrics.IncreaseClaims("conflict")
		return job, err
	case err != nil:
		metrics.IncreaseClaims("not_found")
		return job, err
	}

	metrics.IncreaseClaims("claimed")
	slog.Info("Job claimed by local worker", "job_id", job.ID, "chat_id", job.ChatID)
	c.record(ctx, job, domain.EventClaimed, "")
	c.send(ctx, job.ChatID, "💻 <b>Local processor picked up your video!</b>\n\nProcessing has started.")
	return job, nil
}

// Complete records that a job finished successfully.
func (c *Coordinator) Complete(ctx context.Context, id string) (domain.Job, error) {
	job, changed, err := c.jobs.Complete(id)
	if err != nil || !changed {
		return job, err
	}
	c.finish(ctx, job, domain.EventCompleted, "", "✅ <b>All done!</b>\n\nSend me another YouTube link to make more clips.")
	return job, nil
}

// Fail applies a worker failure report. When fallback is allowed and
// possible, the job is re-dispatched to the remote runner before Fail
// returns; the returned job reflects the state after that attempt.
func (c *Coordinator) Fail(ctx context.Context, id, reason string, allowFallback bool) (jobs.FailOutcome, domain.Job, error) {
	outcome, job, err := c.jobs.Fail(id, reason, allowFallback)
	if err != nil {
		return outcome, job, err
	}

	switch outcome {
	case jobs.FailFallback:
		slog.Warn("Local processing failed, falling back to remote", "job_id", id, "reason", reason)
		c.record(ctx, job, domain.EventFallback, reason)
		c.fireRemote(ctx, job, pathFallback)
		if latest, gerr := c.jobs.Get(id); gerr == nil {
			job = latest
		}
	case jobs.FailTerminal:
		slog.Warn("Job failed", "job_id", id, "reason", reason, "processor", job.Processor)
		c.finish(ctx, job, domain.EventFailed, reason,
			fmt.Sprintf("❌ <b>Processing failed</b>\n\nError: %s\n\nPlease try again.", escape(reason)))
	}
	return outcome, job, nil
}

// Progress relays a worker status line to the job's chat. Job state is
// not touched.
func (c *Coordinator) Progress(ctx context.Context, id, message string) error {
	job, err := c.jobs.Get(id)
	if err != nil {
		return err
	}
	c.record(ctx, job, domain.EventProgress, message)
	c.send(ctx, job.ChatID, "⏳ "+escape(message))
	return nil
}

// DeliverClip forwards a rendered clip to the job's chat.
func (c *Coordinator) DeliverClip(ctx context.Context, id string, v notify.Video, caption string) error {
	job, err := c.jobs.Get(id)
	if err != nil {
		return err
	}
	if err := c.notifier.SendVideo(ctx, job.ChatID, v, caption); err != nil {
		if errors.Is(err, notify.ErrTooLarge) {
			c.send(ctx, job.ChatID, fmt.Sprintf("⚠️ A clip was too large to send (%.1f MB).", float64(v.Size)/(1<<20)))
		}
		return fmt.Errorf("deliver clip: %w", err)
	}
	return nil
}

// RemoteResult is the remote runner's final report.
type RemoteResult struct {
	JobID  string
	ChatID domain.ChatID
	Status string
	Clips  int
	Error  string
}

// ErrInvalidResult is returned for reports without a chat or with an
// unknown status.
var ErrInvalidResult = errors.New("invalid remote result")

// ReportRemoteResult relays the remote runner's outcome to the user and
// settles the job when the report names one.
func (c *Coordinator) ReportRemoteResult(ctx context.Context, res RemoteResult) error {
	if res.Status != "success" && res.Status != "error" {
		return fmt.Errorf("%w: status %q", ErrInvalidResult, res.Status)
	}

	var job domain.Job
	haveJob := false
	if res.JobID != "" {
		var err error
		if res.Status == "success" {
			var changed bool
			job, changed, err = c.jobs.Complete(res.JobID)
			haveJob = err == nil && changed
		} else {
			var outcome jobs.FailOutcome
			outcome, job, err = c.jobs.Fail(res.JobID, res.Error, false)
			haveJob = err == nil && outcome == jobs.FailTerminal
		}
		if err != nil {
			slog.Warn("Remote result for unknown job", "job_id", res.JobID, "error", err)
		}
		if res.ChatID == "" {
			res.ChatID = job.ChatID
		}
	}
	if res.ChatID == "" {
		return fmt.Errorf("%w: no chat id", ErrInvalidResult)
	}

	var text string
	if res.Status == "success" {
		text = fmt.Sprintf("✅ <b>Your clips are ready!</b>\n\nGenerated %d clips.\nSending them now...", res.Clips)
	} else {
		msg := res.Error
		if msg == "" {
			msg = "Unknown error"
		}
		text = fmt.Sprintf("❌ <b>Processing failed</b>\n\nError: %s\n\nPlease try again.", escape(msg))
	}

	if haveJob {
		typ := domain.EventCompleted
		if res.Status == "error" {
			typ = domain.EventFailed
		}
		c.finish(ctx, job, typ, res.Error, text)
		return nil
	}
	c.send(ctx, res.ChatID, text)
	c.sessions.Reset(res.ChatID)
	return nil
}

// Expire reports jobs removed by the retention sweep.
func (c *Coordinator) Expire(ctx context.Context, expired []domain.Job) {
	if len(expired) == 0 {
		return
	}
	metrics.AddJobsExpired(len(expired))
	for _, job := range expired {
		c.record(ctx, job, domain.EventExpired, "")
		if !job.Status.Terminal() {
			c.send(ctx, job.ChatID, "⌛ Your job expired before it finished. Send the link again to retry.")
		}
	}
}

// finish handles a terminal transition: notify, reset the intake, record.
func (c *Coordinator) finish(ctx context.Context, job domain.Job, typ domain.EventType, detail, text string) {
	metrics.IncreaseJobsFinished(string(job.Status), string(job.Processor))
	c.record(ctx, job, typ, detail)
	c.send(ctx, job.ChatID, text)
	c.sessions.Reset(job.ChatID)
}

func (c *Coordinator) send(ctx context.Context, chatID domain.ChatID, text string) {
	if err := c.notifier.SendMessage(ctx, chatID, text, nil); err != nil {
		slog.Warn("Failed to notify chat", "chat_id", chatID, "error", err)
	}
}

func (c *Coordinator) record(ctx context.Context, job domain.Job, typ domain.EventType, detail string) {
	if len(c.sinks) == 0 {
		return
	}
	ev := domain.NewJobEvent(job, typ, detail)
	for _, sink := range c.sinks {
		if err := sink.Record(ctx, ev); err != nil {
			slog.Warn("Failed to record job event", "job_id", job.ID, "type", typ, "error", err)
		}
	}
}

func escape(s string) string {
	return html.EscapeString(s)
}

func formatWait(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		if d == time.Minute {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	}
	return fmt.Sprintf("%d seconds", int(d.Round(time.Second)/time.Second))
}
