package conversation

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/clipbot/internal/domain"
	"github.com/ashureev/clipbot/internal/jobs"
	"github.com/ashureev/clipbot/internal/notify"
	"github.com/ashureev/clipbot/internal/session"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []domain.Job
}

func (f *fakeDispatcher) Dispatch(_ context.Context, job domain.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
}

type reply struct {
	text   string
	markup *notify.ReplyMarkup
}

type fakeNotifier struct {
	mu      sync.Mutex
	replies []reply
}

func (f *fakeNotifier) SendMessage(_ context.Context, _ domain.ChatID, text string, markup *notify.ReplyMarkup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, reply{text: text, markup: markup})
	return nil
}

func (f *fakeNotifier) last() reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.replies) == 0 {
		return reply{}
	}
	return f.replies[len(f.replies)-1]
}

type fixture struct {
	sessions   *session.Store
	registry   *jobs.Registry
	dispatcher *fakeDispatcher
	notifier   *fakeNotifier
	machine    *Machine
}

func newFixture(hybrid bool) *fixture {
	f := &fixture{
		sessions:   session.NewStore(),
		registry:   jobs.NewRegistry(),
		dispatcher: &fakeDispatcher{},
		notifier:   &fakeNotifier{},
	}
	f.machine = NewMachine(f.sessions, f.registry, f.dispatcher, f.notifier, Options{
		Hybrid:         hybrid,
		DefaultMode:    domain.ModeRemoteOnly,
		MaxClips:       5,
		Durations:      []int{30, 45, 60},
		EscalationWait: 2 * time.Minute,
	})
	return f
}

const chat domain.ChatID = "1001"

func (f *fixture) say(text string) {
	f.machine.HandleMessage(context.Background(), Message{ChatID: chat, FirstName: "Sam", Text: text})
}

func TestClipCount_AdvancesOnlyOnValidInput(t *testing.T) {
	f := newFixture(true)
	f.say("https://youtu.be/dQw4w9WgXcQ")

	f.say("9")
	sess := f.sessions.Get(chat)
	if sess.Stage != session.StageAwaitingClipCount {
		t.Fatalf("Stage after invalid count = %s", sess.Stage)
	}
	if sess.Draft.ClipCount != 0 || sess.Draft.SourceURL != "https://youtu.be/dQw4w9WgXcQ" {
		t.Errorf("Draft modified by invalid input: %+v", sess.Draft)
	}
	if !strings.Contains(f.notifier.last().text, "between 1 and 5") {
		t.Errorf("Expected corrective prompt, got %q", f.notifier.last().text)
	}

	f.say("3")
	sess = f.sessions.Get(chat)
	if sess.Stage != session.StageAwaitingDuration || sess.Draft.ClipCount != 3 {
		t.Errorf("Expected awaiting_duration with 3 clips, got %s %+v", sess.Stage, sess.Draft)
	}
}

func TestFullIntake_AutoMode(t *testing.T) {
	f := newFixture(true)

	f.say("check this out youtube.com/watch?v=abc-123 please")
	f.say("2")
	f.say("45 seconds")
	if got := f.sessions.Get(chat).Stage; got != session.StageAwaitingProcessorChoice {
		t.Fatalf("Stage = %s, want awaiting_processor_choice", got)
	}
	f.say("🔀 Auto")

	if len(f.dispatcher.jobs) != 1 {
		t.Fatalf("Expected one dispatched job, got %d", len(f.dispatcher.jobs))
	}
	job := f.dispatcher.jobs[0]
	if job.ClipCount != 2 || job.ClipDuration != 45 || job.Mode != domain.ModeAuto || job.Status != domain.JobStatusPending {
		t.Errorf("Unexpected job: %+v", job)
	}
	if job.SourceURL != "https://youtube.com/watch?v=abc-123" {
		t.Errorf("SourceURL = %q", job.SourceURL)
	}
	if stored, err := f.registry.Get(job.ID); err != nil || stored.ID != job.ID {
		t.Errorf("Job not in registry: %v", err)
	}

	sess := f.sessions.Get(chat)
	if sess.Stage != session.StageIdle || sess.Draft != nil {
		t.Errorf("Expected idle session after creation, got %s %+v", sess.Stage, sess.Draft)
	}
	last := f.notifier.last()
	if !strings.Contains(last.text, "Job queued") || last.markup == nil || !last.markup.RemoveKeyboard {
		t.Errorf("Expected summary with keyboard removal, got %+v", last)
	}
}

func TestSimpleMode_UsesDefaultMode(t *testing.T) {
	f := newFixture(false)
	f.say("https://www.youtube.com/shorts/xyz")
	f.say("1")
	f.say("30s")

	if len(f.dispatcher.jobs) != 1 {
		t.Fatalf("Expected job after duration in simple mode, got %d", len(f.dispatcher.jobs))
	}
	if f.dispatcher.jobs[0].Mode != domain.ModeRemoteOnly {
		t.Errorf("Mode = %s, want remote_only", f.dispatcher.jobs[0].Mode)
	}
	if f.sessions.Get(chat).Stage != session.StageIdle {
		t.Error("Expected idle after creation")
	}
}

func TestInvalidInputNeverAdvances(t *testing.T) {
	f := newFixture(true)

	f.say("hello")
	if f.sessions.Get(chat).Stage != session.StageIdle {
		t.Fatal("Non-link moved the session")
	}
	if !strings.Contains(f.notifier.last().text, "valid YouTube link") {
		t.Errorf("got %q", f.notifier.last().text)
	}

	f.say("https://youtu.be/a")
	f.say("2")
	f.say("50")
	if sess := f.sessions.Get(chat); sess.Stage != session.StageAwaitingDuration || sess.Draft.ClipDuration != 0 {
		t.Fatalf("Invalid duration advanced: %s %+v", sess.Stage, sess.Draft)
	}
	if !strings.Contains(f.notifier.last().text, "30, 45, or 60 seconds") {
		t.Errorf("got %q", f.notifier.last().text)
	}

	f.say("60")
	f.say("gpu farm")
	if f.sessions.Get(chat).Stage != session.StageAwaitingProcessorChoice {
		t.Fatal("Invalid mode advanced")
	}
	if len(f.dispatcher.jobs) != 0 {
		t.Error("No job should be created yet")
	}
}

func TestCommands(t *testing.T) {
	f := newFixture(true)
	f.say("https://youtu.be/a")
	f.say("2")

	f.say("/help")
	if f.sessions.Get(chat).Stage != session.StageAwaitingDuration {
		t.Error("/help must not change the stage")
	}

	f.say("/status")
	if !strings.Contains(f.notifier.last().text, "No video processing") {
		t.Errorf("got %q", f.notifier.last().text)
	}
	if f.sessions.Get(chat).Stage != session.StageAwaitingDuration {
		t.Error("/status must not change the stage")
	}

	f.say("/reset")
	if f.sessions.Get(chat).Stage != session.StageIdle {
		t.Error("/reset must force idle")
	}

	f.say("https://youtu.be/a")
	f.say("/start@clip_bot")
	if f.sessions.Get(chat).Stage != session.StageIdle {
		t.Error("/start must force idle")
	}
	if !strings.Contains(f.notifier.last().text, "Welcome Sam") {
		t.Errorf("got %q", f.notifier.last().text)
	}
}

func TestStatusListsActiveJobs(t *testing.T) {
	f := newFixture(true)
	f.say("https://youtu.be/a")
	f.say("2")
	f.say("45")
	f.say("local")

	f.say("/status")
	text := f.notifier.last().text
	if !strings.Contains(text, f.dispatcher.jobs[0].ID) || !strings.Contains(text, "pending") {
		t.Errorf("Status should list the pending job, got %q", text)
	}
}

func TestClipCountKeyboard(t *testing.T) {
	f := newFixture(true)
	kb := f.machine.clipCountKeyboard()
	if len(kb.Keyboard) != 2 || len(kb.Keyboard[0]) != 3 || len(kb.Keyboard[1]) != 2 {
		t.Fatalf("Unexpected keyboard layout: %+v", kb.Keyboard)
	}
	if kb.Keyboard[1][1].Text != "5" {
		t.Errorf("Last button = %q", kb.Keyboard[1][1].Text)
	}
}
