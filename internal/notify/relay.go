// Package notify delivers best-effort messages to Telegram chats.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/clipbot/internal/domain"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxUploadBytes is the Bot API upload limit for bots.
	DefaultMaxUploadBytes = 50 << 20
	// maxCaptionRunes is the Bot API caption limit.
	maxCaptionRunes = 1024
)

// ErrTooLarge is returned when a video exceeds the upload limit.
// Nothing was sent.
var ErrTooLarge = errors.New("video exceeds upload limit")

// APIError is a Bot API call that reached Telegram and was refused.
type APIError struct {
	Method      string
	StatusCode  int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s failed (%d): %s", e.Method, e.StatusCode, e.Description)
}

// KeyboardButton is one reply keyboard key.
type KeyboardButton struct {
	Text string `json:"text"`
}

// ReplyMarkup is the choice menu attached to a message.
type ReplyMarkup struct {
	Keyboard        [][]KeyboardButton `json:"keyboard,omitempty"`
	ResizeKeyboard  bool               `json:"resize_keyboard,omitempty"`
	OneTimeKeyboard bool               `json:"one_time_keyboard,omitempty"`
	RemoveKeyboard  bool               `json:"remove_keyboard,omitempty"`
}

// Keyboard builds a one-time reply keyboard from rows of labels.
func Keyboard(rows ...[]string) *ReplyMarkup {
	m := &ReplyMarkup{ResizeKeyboard: true, OneTimeKeyboard: true}
	for _, row := range rows {
		buttons := make([]KeyboardButton, 0, len(row))
		for _, label := range row {
			buttons = append(buttons, KeyboardButton{Text: label})
		}
		m.Keyboard = append(m.Keyboard, buttons)
	}
	return m
}

// RemoveKeyboard hides a previously shown keyboard.
func RemoveKeyboard() *ReplyMarkup {
	return &ReplyMarkup{RemoveKeyboard: true}
}

// Video is an upload to forward to a chat.
type Video struct {
	Name string
	Size int64
	Body io.Reader
}

// Config configures a Relay.
type Config struct {
	APIBase        string
	Token          string
	RatePerSecond  float64
	MaxUploadBytes int64
	Timeout        time.Duration
}

// Relay talks to the Telegram Bot API.
type Relay struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	maxUpload  int64
	timeout    time.Duration
}

// NewRelay creates a relay for the configured bot.
func NewRelay(cfg Config) *Relay {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.telegram.org"
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 20
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	burst := int(cfg.RatePerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Relay{
		// Uploads carry their own deadline, so the client has none.
		httpClient: &http.Client{},
		baseURL:    strings.TrimRight(cfg.APIBase, "/") + "/bot" + cfg.Token,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst),
		maxUpload:  cfg.MaxUploadBytes,
		timeout:    cfg.Timeout,
	}
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

type sendMessageRequest struct {
	ChatID      domain.ChatID `json:"chat_id"`
	Text        string        `json:"text"`
	ParseMode   string        `json:"parse_mode"`
	ReplyMarkup *ReplyMarkup  `json:"reply_markup,omitempty"`
}

// SendMessage sends an HTML-formatted text, optionally with a choice menu.
func (r *Relay) SendMessage(ctx context.Context, chatID domain.ChatID, text string, markup *ReplyMarkup) error {
	return r.callJSON(ctx, "sendMessage", sendMessageRequest{
		ChatID:      chatID,
		Text:        text,
		ParseMode:   "HTML",
		ReplyMarkup: markup,
	})
}

// SendTyping shows the typing indicator.
func (r *Relay) SendTyping(ctx context.Context, chatID domain.ChatID) error {
	return r.callJSON(ctx, "sendChatAction", map[string]any{
		"chat_id": chatID,
		"action":  "typing",
	})
}

// AnswerCallback clears the loading state of an inline button press.
func (r *Relay) AnswerCallback(ctx context.Context, callbackID string) error {
	return r.callJSON(ctx, "answerCallbackQuery", map[string]string{
		"callback_query_id": callbackID,
	})
}

// SendVideo uploads a clip. Videos larger than the upload limit are
// refused with ErrTooLarge before any bytes are sent.
func (r *Relay) SendVideo(ctx context.Context, chatID domain.ChatID, v Video, caption string) error {
	if v.Size > r.maxUpload {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, v.Size, r.maxUpload)
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeVideoForm(mw, chatID, v, caption, r.maxUpload))
	}()

	// Uploads get twelve times the text call deadline.
	ctx, cancel := context.WithTimeout(ctx, 12*r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/sendVideo", pr)
	if err != nil {
		_ = pr.CloseWithError(err)
		return fmt.Errorf("build sendVideo request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return r.do(req, "sendVideo")
}

func writeVideoForm(mw *multipart.Writer, chatID domain.ChatID, v Video, caption string, limit int64) error {
	fields := map[string]string{
		"chat_id":            string(chatID),
		"caption":            truncateRunes(caption, maxCaptionRunes),
		"parse_mode":         "HTML",
		"supports_streaming": "true",
	}
	for k, val := range fields {
		if err := mw.WriteField(k, val); err != nil {
			return err
		}
	}
	name := v.Name
	if name == "" {
		name = "clip.mp4"
	}
	part, err := mw.CreateFormFile("video", name)
	if err != nil {
		return err
	}
	n, err := io.Copy(part, io.LimitReader(v.Body, limit+1))
	if err != nil {
		return err
	}
	if n > limit {
		return ErrTooLarge
	}
	return mw.Close()
}

func (r *Relay) callJSON(ctx context.Context, method string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return r.do(req, method)
}

func (r *Relay) do(req *http.Request, method string) error {
	resp, err := r.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			return ErrTooLarge
		}
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("Failed to close telegram response body", "method", method, "error", closeErr)
		}
	}()

	var out apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil {
		return fmt.Errorf("decode %s response (%d): %w", method, resp.StatusCode, err)
	}
	if !out.OK {
		return &APIError{Method: method, StatusCode: resp.StatusCode, Description: out.Description}
	}
	return nil
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// FormatChatID renders a numeric platform id as a ChatID.
func FormatChatID(id int64) domain.ChatID {
	return domain.ChatID(strconv.FormatInt(id, 10))
}
