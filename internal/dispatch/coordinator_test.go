package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/clipbot/internal/domain"
	"github.com/ashureev/clipbot/internal/jobs"
	"github.com/ashureev/clipbot/internal/notify"
)

type fakeTrigger struct {
	mu    sync.Mutex
	calls []domain.Job
	err   error
}

func (f *fakeTrigger) Dispatch(_ context.Context, job domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, job)
	return f.err
}

func (f *fakeTrigger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type sentMessage struct {
	chatID domain.ChatID
	text   string
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []sentMessage
	videos   int
	videoErr error
}

func (f *fakeNotifier) SendMessage(_ context.Context, chatID domain.ChatID, text string, _ *notify.ReplyMarkup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sentMessage{chatID: chatID, text: text})
	return nil
}

func (f *fakeNotifier) SendVideo(_ context.Context, _ domain.ChatID, _ notify.Video, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videos++
	return f.videoErr
}

func (f *fakeNotifier) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return ""
	}
	return f.messages[len(f.messages)-1].text
}

type fakeSessions struct {
	mu     sync.Mutex
	resets []domain.ChatID
}

func (f *fakeSessions) Reset(chatID domain.ChatID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, chatID)
}

func (f *fakeSessions) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resets)
}

type fakeScheduler struct {
	mu      sync.Mutex
	pending []func()
	waits   []time.Duration
}

func (f *fakeScheduler) AfterFunc(d time.Duration, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, fn)
	f.waits = append(f.waits, d)
}

// fireAll runs every scheduled callback as if its window elapsed.
func (f *fakeScheduler) fireAll() {
	f.mu.Lock()
	fns := f.pending
	f.pending = nil
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type fakeSink struct {
	mu     sync.Mutex
	events []domain.JobEvent
}

func (f *fakeSink) Record(_ context.Context, ev domain.JobEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSink) types() []domain.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.EventType, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	reg      *jobs.Registry
	trigger  *fakeTrigger
	notifier *fakeNotifier
	sessions *fakeSessions
	sched    *fakeScheduler
	sink     *fakeSink
	coord    *Coordinator
}

func newHarness() *harness {
	h := &harness{
		reg:      jobs.NewRegistry(),
		trigger:  &fakeTrigger{},
		notifier: &fakeNotifier{},
		sessions: &fakeSessions{},
		sched:    &fakeScheduler{},
		sink:     &fakeSink{},
	}
	h.coord = NewCoordinator(h.reg, h.trigger, h.notifier, h.sessions,
		Config{EscalationWait: 2 * time.Minute},
		WithAfterFunc(h.sched.AfterFunc),
		WithEventSinks(h.sink),
	)
	return h
}

func (h *harness) create(mode domain.ProcessingMode) domain.Job {
	return h.reg.Create(domain.JobParams{
		ChatID:       "42",
		SourceURL:    "https://youtu.be/abc",
		ClipCount:    2,
		ClipDuration: 45,
		Mode:         mode,
	})
}

func (h *harness) get(t *testing.T, id string) domain.Job {
	t.Helper()
	job, err := h.reg.Get(id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return job
}

func TestDispatch_RemoteOnlyTriggersImmediately(t *testing.T) {
	h := newHarness()
	job := h.create(domain.ModeRemoteOnly)

	h.coord.Dispatch(context.Background(), job)

	if h.trigger.callCount() != 1 {
		t.Fatalf("Expected one trigger call, got %d", h.trigger.callCount())
	}
	got := h.get(t, job.ID)
	if got.Status != domain.JobStatusProcessing || got.Processor != domain.ProcessorRemote || !got.RemoteTriggered {
		t.Errorf("Expected processing/remote, got %+v", got)
	}
	if len(h.sched.pending) != 0 {
		t.Error("remote_only must not schedule escalation")
	}
	if !strings.Contains(h.notifier.last(), "cloud") {
		t.Errorf("Expected cloud notification, got %q", h.notifier.last())
	}
}

func TestDispatch_RemoteOnlyTriggerFailureIsTerminal(t *testing.T) {
	h := newHarness()
	h.trigger.err = errors.New("connection refused")
	job := h.create(domain.ModeRemoteOnly)

	h.coord.Dispatch(context.Background(), job)

	got := h.get(t, job.ID)
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("Expected failed, got %s", got.Status)
	}
	if h.sessions.count() != 1 {
		t.Errorf("Expected session reset on terminal failure, got %d", h.sessions.count())
	}
	if !strings.Contains(h.notifier.last(), "connection refused") {
		t.Errorf("Expected failure reason in notification, got %q", h.notifier.last())
	}
}

func TestDispatch_LocalOnlyTakesNoAction(t *testing.T) {
	h := newHarness()
	job := h.create(domain.ModeLocalOnly)

	h.coord.Dispatch(context.Background(), job)
	h.sched.fireAll()

	if len(h.sched.waits) != 0 {
		t.Error("local_only must not schedule escalation")
	}
	if h.trigger.callCount() != 0 {
		t.Errorf("Expected no trigger call, got %d", h.trigger.callCount())
	}
	if got := h.get(t, job.ID); got.Status != domain.JobStatusPending || got.RemoteTriggered {
		t.Errorf("Expected untouched pending job, got %+v", got)
	}
}

func TestEscalation_FiresWithoutClaim(t *testing.T) {
	h := newHarness()
	job := h.create(domain.ModeAuto)

	h.coord.Dispatch(context.Background(), job)
	if len(h.sched.waits) != 1 || h.sched.waits[0] != 2*time.Minute {
		t.Fatalf("Expected one 2m escalation, got %v", h.sched.waits)
	}
	if h.trigger.callCount() != 0 {
		t.Fatal("Escalation must wait for the window")
	}

	h.sched.fireAll()

	if h.trigger.callCount() != 1 {
		t.Fatalf("Expected exactly one trigger call, got %d", h.trigger.callCount())
	}
	sent := h.trigger.calls[0]
	if sent.ID != job.ID || sent.ClipCount != 2 || sent.ClipDuration != 45 || sent.SourceURL != job.SourceURL {
		t.Errorf("Trigger got wrong parameters: %+v", sent)
	}
	got := h.get(t, job.ID)
	if got.Status != domain.JobStatusProcessing || got.Processor != domain.ProcessorRemote {
		t.Errorf("Expected processing/remote, got %s/%s", got.Status, got.Processor)
	}
	if !strings.Contains(h.notifier.last(), "2 minutes") {
		t.Errorf("Expected escalation notice, got %q", h.notifier.last())
	}

	// A second firing of the same escalation is a no-op.
	h.coord.escalate(job.ID)
	if h.trigger.callCount() != 1 {
		t.Errorf("Expected escalation to be idempotent, got %d calls", h.trigger.callCount())
	}
}

func TestEscalation_ClaimBeforeWindowIsNoop(t *testing.T) {
	h := newHarness()
	job := h.create(domain.ModeAuto)
	h.coord.Dispatch(context.Background(), job)

	if _, err := h.coord.Claim(context.Background(), job.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	h.sched.fireAll()

	if h.trigger.callCount() != 0 {
		t.Fatalf("Expected no remote dispatch after a claim, got %d", h.trigger.callCount())
	}
	got := h.get(t, job.ID)
	if got.Processor != domain.ProcessorLocal || got.RemoteTriggered {
		t.Errorf("Expected local processing, got %+v", got)
	}
}

func TestEscalation_RacesClaimWithSingleWinner(t *testing.T) {
	for i := 0; i < 50; i++ {
		h := newHarness()
		job := h.create(domain.ModeAuto)
		h.coord.Dispatch(context.Background(), job)

		var wg sync.WaitGroup
		var claimErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.sched.fireAll()
		}()
		go func() {
			defer wg.Done()
			_, claimErr = h.coord.Claim(context.Background(), job.ID)
		}()
		wg.Wait()

		claimed := claimErr == nil
		triggered := h.trigger.callCount() == 1
		if claimed == triggered {
			t.Fatalf("Expected exactly one of claim/escalation to win, claimed=%v triggered=%v", claimed, triggered)
		}
		if !claimed && !errors.Is(claimErr, jobs.ErrClaimConflict) {
			t.Fatalf("Expected ErrClaimConflict for the losing claim, got %v", claimErr)
		}
	}
}

func TestFail_FallbackSharesGuardWithEscalation(t *testing.T) {
	h := newHarness()
	job := h.create(domain.ModeAuto)
	h.coord.Dispatch(context.Background(), job)

	if _, err := h.coord.Claim(context.Background(), job.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	outcome, got, err := h.coord.Fail(context.Background(), job.ID, "out of disk", true)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if outcome != jobs.FailFallback {
		t.Fatalf("Expected fallback, got %s", outcome)
	}
	if got.Status != domain.JobStatusProcessing || got.Processor != domain.ProcessorRemote {
		t.Errorf("Expected processing/remote, got %s/%s", got.Status, got.Processor)
	}
	if h.trigger.callCount() != 1 {
		t.Fatalf("Expected fallback dispatch, got %d calls", h.trigger.callCount())
	}

	h.sched.fireAll()
	if h.trigger.callCount() != 1 {
		t.Fatalf("Escalation after fallback must not dispatch again, got %d calls", h.trigger.callCount())
	}
}

func TestFail_FallbackTriggerFailureIsTerminal(t *testing.T) {
	h := newHarness()
	h.trigger.err = errors.New("github down")
	job := h.create(domain.ModeAuto)
	if _, err := h.coord.Claim(context.Background(), job.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	outcome, got, err := h.coord.Fail(context.Background(), job.ID, "crash", true)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if outcome != jobs.FailFallback {
		t.Fatalf("Expected fallback attempt, got %s", outcome)
	}
	if got.Status != domain.JobStatusFailed {
		t.Errorf("Expected failed after fallback dispatch failed, got %s", got.Status)
	}
	if h.sessions.count() != 1 {
		t.Errorf("Expected one session reset, got %d", h.sessions.count())
	}
}

func TestFail_WithoutFallback(t *testing.T) {
	h := newHarness()
	job := h.create(domain.ModeAuto)
	if _, err := h.coord.Claim(context.Background(), job.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	outcome, got, err := h.coord.Fail(context.Background(), job.ID, "bad <video>", false)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if outcome != jobs.FailTerminal || got.Status != domain.JobStatusFailed {
		t.Fatalf("Expected terminal failure, got %s/%s", outcome, got.Status)
	}
	if h.trigger.callCount() != 0 {
		t.Errorf("Expected no remote dispatch, got %d", h.trigger.callCount())
	}
	if !strings.Contains(h.notifier.last(), "bad &lt;video&gt;") {
		t.Errorf("Expected escaped reason in notification, got %q", h.notifier.last())
	}
	if h.sessions.count() != 1 {
		t.Errorf("Expected session reset, got %d", h.sessions.count())
	}
}

func TestFail_LocalOnlyNeverFallsBack(t *testing.T) {
	h := newHarness()
	job := h.create(domain.ModeLocalOnly)
	h.coord.Dispatch(context.Background(), job)
	if _, err := h.coord.Claim(context.Background(), job.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	outcome, got, _ := h.coord.Fail(context.Background(), job.ID, "crash", true)
	if outcome != jobs.FailTerminal || got.RemoteTriggered {
		t.Fatalf("local_only job must fail without remote dispatch, got %s %+v", outcome, got)
	}
	if h.trigger.callCount() != 0 {
		t.Errorf("Expected no trigger calls, got %d", h.trigger.callCount())
	}
}

func TestComplete_NotifiesOnce(t *testing.T) {
	h := newHarness()
	job := h.create(domain.ModeLocalOnly)
	if _, err := h.coord.Claim(context.Background(), job.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if _, err := h.coord.Complete(context.Background(), job.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	before := len(h.notifier.messages)
	if _, err := h.coord.Complete(context.Background(), job.ID); err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if len(h.notifier.messages) != before {
		t.Error("Repeated completion must not notify again")
	}
	if h.sessions.count() != 1 {
		t.Errorf("Expected one session reset, got %d", h.sessions.count())
	}
}

func TestClaim_Errors(t *testing.T) {
	h := newHarness()
	if _, err := h.coord.Claim(context.Background(), "job_missing"); !errors.Is(err, jobs.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	job := h.create(domain.ModeAuto)
	if _, err := h.coord.Claim(context.Background(), job.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := h.coord.Claim(context.Background(), job.ID); !errors.Is(err, jobs.ErrClaimConflict) {
		t.Errorf("Expected ErrClaimConflict, got %v", err)
	}
}

func TestProgress(t *testing.T) {
	h := newHarness()
	job := h.create(domain.ModeAuto)

	if err := h.coord.Progress(context.Background(), job.ID, "Transcribing audio..."); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if !strings.Contains(h.notifier.last(), "Transcribing audio") {
		t.Errorf("Expected progress text relayed, got %q", h.notifier.last())
	}
	if got := h.get(t, job.ID); got.Status != domain.JobStatusPending {
		t.Errorf("Progress must not change status, got %s", got.Status)
	}
	if err := h.coord.Progress(context.Background(), "job_missing", "x"); !errors.Is(err, jobs.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDeliverClip_TooLarge(t *testing.T) {
	h := newHarness()
	h.notifier.videoErr = notify.ErrTooLarge
	job := h.create(domain.ModeAuto)

	err := h.coord.DeliverClip(context.Background(), job.ID, notify.Video{Size: 60 << 20}, "caption")
	if !errors.Is(err, notify.ErrTooLarge) {
		t.Fatalf("Expected ErrTooLarge, got %v", err)
	}
	if !strings.Contains(h.notifier.last(), "too large") {
		t.Errorf("Expected size notice, got %q", h.notifier.last())
	}
}

func TestReportRemoteResult(t *testing.T) {
	h := newHarness()
	job := h.create(domain.ModeRemoteOnly)
	h.coord.Dispatch(context.Background(), job)

	err := h.coord.ReportRemoteResult(context.Background(), RemoteResult{JobID: job.ID, Status: "success", Clips: 3})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if got := h.get(t, job.ID); got.Status != domain.JobStatusCompleted {
		t.Errorf("Expected completed, got %s", got.Status)
	}
	if !strings.Contains(h.notifier.last(), "Generated 3 clips") {
		t.Errorf("Expected ready message, got %q", h.notifier.last())
	}
	if h.sessions.count() != 1 {
		t.Errorf("Expected session reset, got %d", h.sessions.count())
	}
}

func TestReportRemoteResult_ChatOnly(t *testing.T) {
	h := newHarness()
	err := h.coord.ReportRemoteResult(context.Background(), RemoteResult{ChatID: "7", Status: "error"})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if !strings.Contains(h.notifier.last(), "Unknown error") {
		t.Errorf("Expected failure message, got %q", h.notifier.last())
	}
	if h.sessions.resets[0] != "7" {
		t.Errorf("Expected chat 7 reset, got %v", h.sessions.resets)
	}

	if err := h.coord.ReportRemoteResult(context.Background(), RemoteResult{ChatID: "7", Status: "weird"}); !errors.Is(err, ErrInvalidResult) {
		t.Errorf("Expected ErrInvalidResult, got %v", err)
	}
	if err := h.coord.ReportRemoteResult(context.Background(), RemoteResult{Status: "success"}); !errors.Is(err, ErrInvalidResult) {
		t.Errorf("Expected ErrInvalidResult without chat, got %v", err)
	}
}

func TestExpire_NotifiesActiveJobsOnly(t *testing.T) {
	h := newHarness()
	active := h.create(domain.ModeAuto)
	done := h.create(domain.ModeAuto)
	done.Status = domain.JobStatusCompleted

	h.coord.Expire(context.Background(), []domain.Job{active, done})

	if len(h.notifier.messages) != 1 {
		t.Fatalf("Expected one expiry notice, got %d", len(h.notifier.messages))
	}
	types := h.sink.types()
	if len(types) != 2 || types[0] != domain.EventExpired {
		t.Errorf("Expected two expired events, got %v", types)
	}
}

func TestEventsRecorded(t *testing.T) {
	h := newHarness()
	job := h.create(domain.ModeAuto)
	h.coord.Dispatch(context.Background(), job)
	h.sched.fireAll()
	if _, err := h.coord.Complete(context.Background(), job.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	want := []domain.EventType{domain.EventCreated, domain.EventRemoteDispatched, domain.EventCompleted}
	got := h.sink.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestFormatWait(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{2 * time.Minute, "2 minutes"},
		{time.Minute, "1 minute"},
		{90 * time.Second, "90 seconds"},
	}
	for _, tt := range tests {
		if got := formatWait(tt.in); got != tt.want {
			t.Errorf("formatWait(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
