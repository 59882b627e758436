package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/ashureev/clipbot/internal/conversation"
	"github.com/ashureev/clipbot/internal/domain"
	"github.com/ashureev/clipbot/internal/notify"
)

// secretHeader carries the token registered with setWebhook.
const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

// MessageHandler consumes one chat message.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg conversation.Message)
}

// ChatActions are the webhook's own outbound calls.
type ChatActions interface {
	SendTyping(ctx context.Context, chatID domain.ChatID) error
	AnswerCallback(ctx context.Context, callbackID string) error
}

// Update is the subset of a Telegram update the bot reads.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message"`
	CallbackQuery *CallbackQuery `json:"callback_query"`
}

// Message is a Telegram message.
type Message struct {
	Chat Chat   `json:"chat"`
	From *User  `json:"from"`
	Text string `json:"text"`
}

// Chat identifies a conversation.
type Chat struct {
	ID int64 `json:"id"`
}

// User is a Telegram account.
type User struct {
	FirstName string `json:"first_name"`
}

// CallbackQuery is a press on an inline keyboard button.
type CallbackQuery struct {
	ID      string   `json:"id"`
	From    *User    `json:"from"`
	Message *Message `json:"message"`
	Data    string   `json:"data"`
}

// WebhookHandler receives Telegram updates. It always acknowledges.
type WebhookHandler struct {
	messages MessageHandler
	actions  ChatActions
	secret   string
}

// NewWebhookHandler creates a webhook handler. An empty secret disables the
// secret token check.
func NewWebhookHandler(messages MessageHandler, actions ChatActions, secret string) *WebhookHandler {
	return &WebhookHandler{messages: messages, actions: actions, secret: secret}
}

// ServeHTTP handles POST /webhook.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" {
		got := r.Header.Get(secretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			slog.Warn("Webhook secret mismatch", "ip", r.RemoteAddr)
			Error(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}

	// Telegram retries unacknowledged updates, so failures stay internal.
	defer JSON(w, http.StatusOK, map[string]bool{"ok": true})
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Webhook handler panic", "panic", rec, "stack", string(debug.Stack()))
		}
	}()

	var update Update
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		slog.Warn("Failed to decode webhook update", "error", err)
		return
	}

	// The reply must not be cut short if Telegram drops the connection.
	ctx := context.WithoutCancel(r.Context())
	h.handleUpdate(ctx, update)
}

func (h *WebhookHandler) handleUpdate(ctx context.Context, update Update) {
	switch {
	case update.Message != nil:
		msg := toConversation(update.Message, update.Message.From)
		if msg.Text == "" {
			slog.Debug("Ignoring non-text message", "update_id", update.UpdateID, "chat_id", msg.ChatID)
			return
		}
		if err := h.actions.SendTyping(ctx, msg.ChatID); err != nil {
			slog.Debug("Failed to send typing action", "chat_id", msg.ChatID, "error", err)
		}
		h.messages.HandleMessage(ctx, msg)

	case update.CallbackQuery != nil:
		cb := update.CallbackQuery
		if err := h.actions.AnswerCallback(ctx, cb.ID); err != nil {
			slog.Warn("Failed to answer callback query", "callback_id", cb.ID, "error", err)
		}
		if cb.Message == nil || cb.Data == "" {
			return
		}
		msg := toConversation(cb.Message, cb.From)
		msg.Text = cb.Data
		h.messages.HandleMessage(ctx, msg)

	default:
		slog.Debug("Ignoring unsupported update", "update_id", update.UpdateID)
	}
}

func toConversation(m *Message, from *User) conversation.Message {
	msg := conversation.Message{
		ChatID: notify.FormatChatID(m.Chat.ID),
		Text:   m.Text,
	}
	if from != nil {
		msg.FirstName = from.FirstName
	}
	return msg
}
