// Package conversation turns chat messages into validated job requests.
//
// Each chat moves idle -> awaiting_clip_count -> awaiting_duration
// [-> awaiting_processor_choice] -> idle. Invalid input re-prompts without
// touching the session.
package conversation

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/clipbot/internal/domain"
	"github.com/ashureev/clipbot/internal/notify"
	"github.com/ashureev/clipbot/internal/session"
)

// Sessions is the session store the machine drives.
type Sessions interface {
	Get(chatID domain.ChatID) session.Session
	Update(chatID domain.ChatID, fn func(*session.Session)) session.Session
	Reset(chatID domain.ChatID)
}

// JobCreator creates and lists jobs.
type JobCreator interface {
	Create(p domain.JobParams) domain.Job
	ListByChat(chatID domain.ChatID) []domain.Job
}

// Dispatcher routes a freshly created job.
type Dispatcher interface {
	Dispatch(ctx context.Context, job domain.Job)
}

// Notifier sends chat messages.
type Notifier interface {
	SendMessage(ctx context.Context, chatID domain.ChatID, text string, markup *notify.ReplyMarkup) error
}

// Options controls the intake flow.
type Options struct {
	// Hybrid asks for a processor choice after the duration. When false
	// jobs are created with DefaultMode.
	Hybrid         bool
	DefaultMode    domain.ProcessingMode
	MaxClips       int
	Durations      []int
	EscalationWait time.Duration
}

// Message is one inbound chat message.
type Message struct {
	ChatID    domain.ChatID
	FirstName string
	Text      string
}

const (
	labelLocal  = "💻 Local"
	labelRemote = "☁️ Cloud"
	labelAuto   = "🔀 Auto"
)

// Machine is the intake state machine.
type Machine struct {
	sessions   Sessions
	jobs       JobCreator
	dispatcher Dispatcher
	notifier   Notifier
	opts       Options
}

// NewMachine creates an intake state machine.
func NewMachine(sessions Sessions, jobs JobCreator, d Dispatcher, n Notifier, opts Options) *Machine {
	if opts.MaxClips <= 0 {
		opts.MaxClips = 5
	}
	if len(opts.Durations) == 0 {
		opts.Durations = []int{30, 45, 60}
	}
	if !opts.DefaultMode.Valid() {
		opts.DefaultMode = domain.ModeRemoteOnly
	}
	return &Machine{
		sessions:   sessions,
		jobs:       jobs,
		dispatcher: d,
		notifier:   n,
		opts:       opts,
	}
}

// HandleMessage advances the chat's intake by one message.
func (m *Machine) HandleMessage(ctx context.Context, msg Message) {
	text := strings.TrimSpace(msg.Text)
	if strings.HasPrefix(text, "/") && m.handleCommand(ctx, msg, text) {
		return
	}

	sess := m.sessions.Get(msg.ChatID)
	switch sess.Stage {
	case session.StageIdle:
		m.onSource(ctx, msg.ChatID, text)
	case session.StageAwaitingClipCount:
		m.onClipCount(ctx, msg.ChatID, text)
	case session.StageAwaitingDuration:
		m.onDuration(ctx, msg.ChatID, text)
	case session.StageAwaitingProcessorChoice:
		m.onProcessorChoice(ctx, msg.ChatID, text)
	default:
		slog.Warn("Unknown session stage, resetting", "chat_id", msg.ChatID, "stage", sess.Stage)
		m.sessions.Reset(msg.ChatID)
		m.onSource(ctx, msg.ChatID, text)
	}
}

// handleCommand runs a slash command. It returns false for unknown
// commands so they are treated as ordinary input.
func (m *Machine) handleCommand(ctx context.Context, msg Message, text string) bool {
	cmd := strings.ToLower(strings.Fields(text)[0])
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd = cmd[:at]
	}

	switch cmd {
	case "/start":
		m.sessions.Reset(msg.ChatID)
		m.send(ctx, msg.ChatID, m.welcomeText(msg.FirstName), notify.RemoveKeyboard())
	case "/help":
		m.send(ctx, msg.ChatID, m.helpText(), nil)
	case "/status":
		m.send(ctx, msg.ChatID, m.statusText(msg.ChatID), nil)
	case "/reset", "/cancel":
		m.sessions.Reset(msg.ChatID)
		m.send(ctx, msg.ChatID, "🔄 Cancelled. Send me a YouTube link to start again.", notify.RemoveKeyboard())
	default:
		return false
	}
	return true
}

func (m *Machine) onSource(ctx context.Context, chatID domain.ChatID, text string) {
	url, ok := ExtractSourceURL(text)
	if !ok {
		m.send(ctx, chatID, "Please send me a valid YouTube link.\n\nExample: https://youtube.com/watch?v=...", nil)
		return
	}
	if !m.advance(chatID, session.StageIdle, func(s *session.Session) {
		s.Stage = session.StageAwaitingClipCount
		s.Draft = &session.Draft{SourceURL: url}
	}) {
		return
	}
	m.send(ctx, chatID, "<b>Got it!</b>\n\nHow many clips do you want?", m.clipCountKeyboard())
}

func (m *Machine) onClipCount(ctx context.Context, chatID domain.ChatID, text string) {
	n, ok := ParseClipCount(text, m.opts.MaxClips)
	if !ok {
		m.send(ctx, chatID, fmt.Sprintf("Please choose a number between 1 and %d", m.opts.MaxClips), m.clipCountKeyboard())
		return
	}
	if !m.advance(chatID, session.StageAwaitingClipCount, func(s *session.Session) {
		s.Stage = session.StageAwaitingDuration
		s.Draft.ClipCount = n
	}) {
		return
	}
	m.send(ctx, chatID, fmt.Sprintf("<b>%d clips</b>\n\nMax duration per clip?", n), m.durationKeyboard())
}

func (m *Machine) onDuration(ctx context.Context, chatID domain.ChatID, text string) {
	d, ok := ParseDuration(text, m.opts.Durations)
	if !ok {
		m.send(ctx, chatID, "Please choose: "+m.durationChoices(), m.durationKeyboard())
		return
	}

	if !m.opts.Hybrid {
		m.createJob(ctx, chatID, session.StageAwaitingDuration, func(dr *session.Draft) {
			dr.ClipDuration = d
		}, m.opts.DefaultMode)
		return
	}

	if !m.advance(chatID, session.StageAwaitingDuration, func(s *session.Session) {
		s.Stage = session.StageAwaitingProcessorChoice
		s.Draft.ClipDuration = d
	}) {
		return
	}
	m.send(ctx, chatID, m.processorPrompt(), notify.Keyboard([]string{labelLocal, labelRemote}, []string{labelAuto}))
}

func (m *Machine) onProcessorChoice(ctx context.Context, chatID domain.ChatID, text string) {
	mode, ok := ParseMode(text)
	if !ok {
		m.send(ctx, chatID, "Please choose where to process: local, cloud, or auto.",
			notify.Keyboard([]string{labelLocal, labelRemote}, []string{labelAuto}))
		return
	}
	m.createJob(ctx, chatID, session.StageAwaitingProcessorChoice, nil, mode)
}

// advance applies fn only if the session is still at stage from.
func (m *Machine) advance(chatID domain.ChatID, from session.Stage, fn func(*session.Session)) bool {
	applied := false
	m.sessions.Update(chatID, func(s *session.Session) {
		if s.Stage != from {
			return
		}
		fn(s)
		applied = true
	})
	if !applied {
		slog.Info("Session moved on concurrently, dropping input", "chat_id", chatID, "expected_stage", from)
	}
	return applied
}

// createJob takes the draft, resets the session and hands the job to the
// dispatcher before acknowledging it.
func (m *Machine) createJob(ctx context.Context, chatID domain.ChatID, from session.Stage, fill func(*session.Draft), mode domain.ProcessingMode) {
	var draft session.Draft
	if !m.advance(chatID, from, func(s *session.Session) {
		if fill != nil {
			fill(s.Draft)
		}
		draft = *s.Draft
		s.Stage = session.StageIdle
	}) {
		return
	}

	job := m.jobs.Create(domain.JobParams{
		ChatID:       chatID,
		SourceURL:    draft.SourceURL,
		ClipCount:    draft.ClipCount,
		ClipDuration: draft.ClipDuration,
		Mode:         mode,
	})
	slog.Info("Job created",
		"job_id", job.ID,
		"chat_id", chatID,
		"mode", job.Mode,
		"clips", job.ClipCount,
		"duration", job.ClipDuration)

	m.dispatcher.Dispatch(ctx, job)
	m.send(ctx, chatID, m.summaryText(job), notify.RemoveKeyboard())
}

func (m *Machine) send(ctx context.Context, chatID domain.ChatID, text string, markup *notify.ReplyMarkup) {
	if err := m.notifier.SendMessage(ctx, chatID, text, markup); err != nil {
		slog.Warn("Failed to send intake message", "chat_id", chatID, "error", err)
	}
}

func (m *Machine) clipCountKeyboard() *notify.ReplyMarkup {
	var rows [][]string
	var row []string
	for i := 1; i <= m.opts.MaxClips; i++ {
		row = append(row, strconv.Itoa(i))
		if len(row) == 3 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	return notify.Keyboard(rows...)
}

func (m *Machine) durationKeyboard() *notify.ReplyMarkup {
	var rows [][]string
	var row []string
	for _, d := range m.opts.Durations {
		row = append(row, fmt.Sprintf("%d seconds", d))
		if len(row) == 2 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	return notify.Keyboard(rows...)
}

func (m *Machine) durationChoices() string {
	parts := make([]string, len(m.opts.Durations))
	for i, d := range m.opts.Durations {
		parts[i] = strconv.Itoa(d)
	}
	if len(parts) == 1 {
		return parts[0] + " seconds"
	}
	return strings.Join(parts[:len(parts)-1], ", ") + ", or " + parts[len(parts)-1] + " seconds"
}

func (m *Machine) processorPrompt() string {
	return fmt.Sprintf(`<b>Where should I process it?</b>

%s - your own computer (free, needs the worker running)
%s - GitHub Actions (10-20 min)
%s - local first, cloud if nobody picks it up within %s`,
		labelLocal, labelRemote, labelAuto, waitText(m.opts.EscalationWait))
}

func (m *Machine) welcomeText(name string) string {
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf(`<b>Welcome %s!</b>

I turn YouTube videos into TikTok-ready clips.

<b>How to use:</b>
1. Send me a YouTube link
2. Choose number of clips (1-%d)
3. Choose clip duration (%s)
4. Wait for processing (~10-20 min)
5. Get clips with captions + hashtags!

<b>Commands:</b>
/start - Show this message
/status - Check your jobs
/reset - Cancel the current request
/help - Get help

Send me a YouTube link to start!`, html.EscapeString(name), m.opts.MaxClips, m.durationChoices())
}

func (m *Machine) helpText() string {
	return `<b>Help</b>

<b>Supported links:</b>
- youtube.com/watch?v=...
- youtu.be/...
- youtube.com/shorts/...

<b>Processing time:</b>
- Short videos (&lt; 10 min): ~5-10 min
- Medium videos (10-30 min): ~10-15 min
- Long videos (30+ min): ~15-25 min

<b>Issues?</b>
Send /reset and then another link to try again.`
}

func (m *Machine) statusText(chatID domain.ChatID) string {
	active := m.jobs.ListByChat(chatID)
	if len(active) == 0 {
		return "No video processing. Send me a YouTube link!"
	}

	var b strings.Builder
	b.WriteString("<b>Status</b>\n")
	for _, job := range active {
		fmt.Fprintf(&b, "\n<code>%s</code>\nVideo: %s\nClips: %d x %ds\nState: %s (%s)\nStarted: %s\n",
			job.ID,
			html.EscapeString(job.SourceURL),
			job.ClipCount,
			job.ClipDuration,
			job.Status,
			job.Processor,
			job.CreatedAt.Format("15:04:05"))
	}
	b.WriteString("\nI'll notify you when ready!")
	return b.String()
}

func (m *Machine) summaryText(job domain.Job) string {
	var route string
	switch job.Mode {
	case domain.ModeLocalOnly:
		route = "💻 Waiting for your local processor to pick it up."
	case domain.ModeRemoteOnly:
		route = "☁️ Processing in the cloud."
	default:
		route = fmt.Sprintf("🔀 Offered to your local processor first; cloud takes over after %s.", waitText(m.opts.EscalationWait))
	}
	return fmt.Sprintf(`<b>Job queued!</b>

Video: %s
Clips: %d
Duration: %ds each

%s
I'll send you the clips when ready!`, html.EscapeString(job.SourceURL), job.ClipCount, job.ClipDuration, route)
}

func waitText(d time.Duration) string {
	if d <= 0 {
		d = 2 * time.Minute
	}
	if d%time.Minute == 0 {
		if d == time.Minute {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	}
	return fmt.Sprintf("%d seconds", int(d/time.Second))
}
