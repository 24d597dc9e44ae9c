// Package telegram announces activity records to a Telegram chat.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"kiosk/internal/activity"
	"kiosk/internal/face"
	"kiosk/internal/pipeline"
)

// DefaultAPIURL is the Telegram Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

const queueSize = 64

// ErrCooldown is returned when the same person was announced on the same
// stream less than the cooldown ago.
var ErrCooldown = errors.New("notification cooldown period not yet elapsed")

// Config holds Telegram bot configuration
type Config struct {
	Enabled  bool          `yaml:"enabled"`
	BotToken string        `yaml:"bot_token"`
	ChatID   string        `yaml:"chat_id"`
	Cooldown time.Duration `yaml:"cooldown"`
	APIURL   string        `yaml:"api_url"`

	// Names limits announcements to these identities. Empty announces
	// every recognized person.
	Names   []string `yaml:"names"`
	Unknown bool     `yaml:"unknown"` // also announce unknown faces
}

// Validate validates the Telegram bot configuration
func (c Config) Validate() error {
	if c.Enabled {
		if c.BotToken == "" {
			return fmt.Errorf("telegram bot token is required when enabled")
		}
		if c.ChatID == "" {
			return fmt.Errorf("telegram chat ID is required when enabled")
		}
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("telegram cooldown cannot be negative")
	}
	return nil
}

// apiResponse represents the response from Telegram API
type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// Bot sends activity announcements. Records arrive through OnEvent and are
// sent by Run, so a slow API never stalls a detection loop.
type Bot struct {
	cfg        Config
	names      map[string]bool
	httpClient *http.Client
	logger     *log.Entry
	queue      chan activity.Record

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewBot creates a bot from a validated configuration.
func NewBot(cfg Config) (*Bot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}

	names := make(map[string]bool, len(cfg.Names))
	for _, n := range cfg.Names {
		names[n] = true
	}

	return &Bot{
		cfg:        cfg,
		names:      names,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     log.WithField("component", "telegram"),
		queue:      make(chan activity.Record, queueSize),
		lastSent:   make(map[string]time.Time),
	}, nil
}

// IsEnabled returns whether the bot is enabled
func (b *Bot) IsEnabled() bool {
	return b.cfg.Enabled
}

// Wants reports whether a record should be announced.
func (b *Bot) Wants(rec activity.Record) bool {
	if rec.Reason != activity.ReasonChange {
		return false
	}
	if !rec.Recognized {
		return b.cfg.Unknown
	}
	return len(b.names) == 0 || b.names[rec.Name]
}

// OnEvent implements pipeline.EventHandler. Records are dropped while the
// queue is full.
func (b *Bot) OnEvent(e pipeline.Event) {
	if !b.cfg.Enabled || e.Type != pipeline.EventActivity || e.Activity == nil {
		return
	}
	if !b.Wants(*e.Activity) {
		return
	}
	select {
	case b.queue <- *e.Activity:
	default:
		b.logger.WithField("stream", e.StreamID).Warn("Notification queue full, dropping record")
	}
}

// Run sends queued announcements until ctx is done.
func (b *Bot) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-b.queue:
			err := b.Notify(ctx, rec)
			switch {
			case errors.Is(err, ErrCooldown):
				b.logger.WithField("stream", rec.StreamID).Debugf("Not announcing %s again yet", rec.Name)
			case err != nil && ctx.Err() == nil:
				b.logger.WithField("stream", rec.StreamID).WithError(err).Warn("Failed to send notification")
			}
		}
	}
}

// Notify announces one record, with its snapshot when it has one. The same
// name on the same stream is announced at most once per cooldown, measured
// on record timestamps.
func (b *Bot) Notify(ctx context.Context, rec activity.Record) error {
	key := rec.StreamID + "\x00" + rec.Name
	b.mu.Lock()
	if last, ok := b.lastSent[key]; ok && rec.Timestamp.Sub(last) < b.cfg.Cooldown {
		b.mu.Unlock()
		return ErrCooldown
	}
	b.lastSent[key] = rec.Timestamp
	b.mu.Unlock()

	text := Caption(rec)
	if len(rec.Snapshot) > 0 {
		return b.SendPhoto(ctx, rec.Snapshot, text)
	}
	return b.SendMessage(ctx, text)
}

// Caption formats the announcement text of a record.
func Caption(rec activity.Record) string {
	var sb strings.Builder
	if rec.Recognized {
		fmt.Fprintf(&sb, "<b>%s</b> (%.0f%%)", htmlEscape(rec.Name), rec.Confidence*100)
	} else {
		fmt.Fprintf(&sb, "<b>%s</b> face", face.UnknownName)
	}
	fmt.Fprintf(&sb, "\nStream: %s", htmlEscape(rec.StreamID))
	if rec.Age != nil {
		fmt.Fprintf(&sb, "\nAge: %d", *rec.Age)
	}
	if rec.Gender != "" {
		fmt.Fprintf(&sb, "\nGender: %s", htmlEscape(rec.Gender))
	}
	fmt.Fprintf(&sb, "\nTime: %s", rec.Timestamp.UTC().Format("2 Jan 2006, 15:04:05 MST"))
	return sb.String()
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func htmlEscape(s string) string { return htmlEscaper.Replace(s) }

// SendMessage sends a text message
func (b *Bot) SendMessage(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]any{
		"chat_id":    b.cfg.ChatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.methodURL("sendMessage"), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return b.do(req)
}

// SendPhoto sends a JPEG with an HTML caption using multipart form data
func (b *Bot) SendPhoto(ctx context.Context, photo []byte, caption string) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("chat_id", b.cfg.ChatID); err != nil {
		return fmt.Errorf("failed to write chat_id field: %w", err)
	}
	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return fmt.Errorf("failed to write caption field: %w", err)
		}
		if err := writer.WriteField("parse_mode", "HTML"); err != nil {
			return fmt.Errorf("failed to write parse_mode field: %w", err)
		}
	}
	part, err := writer.CreateFormFile("photo", "face.jpg")
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(photo); err != nil {
		return fmt.Errorf("failed to write photo data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.methodURL("sendPhoto"), &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return b.do(req)
}

// SendTestMessage sends a test message to verify the bot configuration
func (b *Bot) SendTestMessage(ctx context.Context) error {
	return b.SendMessage(ctx, fmt.Sprintf("<b>kiosk</b> notifications are working.\nSent at: %s",
		time.Now().UTC().Format("2 Jan 2006, 15:04:05 MST")))
}

func (b *Bot) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", strings.TrimRight(b.cfg.APIURL, "/"), b.cfg.BotToken, method)
}

func (b *Bot) do(req *http.Request) error {
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	var r apiResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return fmt.Errorf("failed to unmarshal response (status %d): %w", resp.StatusCode, err)
	}
	if !r.OK {
		return fmt.Errorf("telegram API error %d: %s", r.ErrorCode, r.Description)
	}
	return nil
}
