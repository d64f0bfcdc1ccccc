package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fgeck/worldsnap/internal/models"
	"github.com/fgeck/worldsnap/internal/sizeunit"
	"github.com/rs/zerolog"
)

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Telegram sends events through the Telegram Bot API.
type Telegram struct {
	cfg        models.TelegramConfig
	httpClient HTTPClient
	logger     zerolog.Logger
	baseURL    string
}

// NewTelegram creates a new Telegram notifier.
func NewTelegram(logger zerolog.Logger, cfg models.TelegramConfig) *Telegram {
	return &Telegram{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:  logger,
		baseURL: "https://api.telegram.org",
	}
}

// NewTelegramWithClient creates a new Telegram notifier with a custom HTTP client (for testing).
func NewTelegramWithClient(logger zerolog.Logger, cfg models.TelegramConfig, httpClient HTTPClient, baseURL string) *Telegram {
	return &Telegram{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
	}
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// Notify implements Service.
func (s *Telegram) Notify(ctx context.Context, event models.BackupEvent) error {
	return s.Send(ctx, event).Error
}

// Send delivers one event. Delivery problems are reported in the result.
func (s *Telegram) Send(ctx context.Context, event models.BackupEvent) *models.TelegramResult {
	result := &models.TelegramResult{}

	s.logger.Debug().
		Str("chat_id", s.cfg.ChatID).
		Str("event", string(event.Kind)).
		Msg("sending Telegram notification")

	body, err := json.Marshal(sendMessageRequest{
		ChatID:    s.cfg.ChatID,
		Text:      formatMessage(event),
		ParseMode: "HTML",
	})
	if err != nil {
		result.Error = fmt.Errorf("failed to marshal request: %w", err)
		return result
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, s.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		result.Error = fmt.Errorf("failed to create request: %w", err)
		return result
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		result.Error = fmt.Errorf("failed to send request: %w", err)
		return result
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		result.Error = fmt.Errorf("telegram API returned status %d", resp.StatusCode)
		return result
	}

	result.MessageSent = true
	s.logger.Debug().Msg("Telegram notification sent")
	return result
}

func formatMessage(event models.BackupEvent) string {
	var b bytes.Buffer

	switch event.Kind {
	case models.EventBackupStarted:
		b.WriteString("🗄 <b>Backup started</b>\n\n")
	case models.EventBackupFinished:
		b.WriteString("✅ <b>Backup finished</b>\n\n")
	case models.EventBackupFailed:
		b.WriteString("❌ <b>Backup failed</b>\n\n")
	}

	kind := "incremental"
	if event.Full {
		kind = "full"
	}
	b.WriteString(fmt.Sprintf("🌍 <b>World:</b> %s\n", escapeHTML(event.Identity)))
	b.WriteString(fmt.Sprintf("📦 <b>Type:</b> %s\n", kind))
	b.WriteString(fmt.Sprintf("⏰ <b>Time:</b> %s\n", event.Time.Format("2006-01-02 15:04:05")))

	switch event.Kind {
	case models.EventBackupFinished:
		b.WriteString(fmt.Sprintf("⏱ <b>Duration:</b> %s\n", sizeunit.FormatDuration(event.Duration)))
		b.WriteString(fmt.Sprintf("💾 <b>Archive:</b> %s\n", sizeunit.FormatSize(event.ArchiveSize)))
		b.WriteString(fmt.Sprintf("🗂 <b>All backups:</b> %s\n", sizeunit.FormatSize(event.TotalOutputSize)))
		if event.Warning != "" {
			b.WriteString(fmt.Sprintf("\n⚠️ %s\n", escapeHTML(event.Warning)))
		}
	case models.EventBackupFailed:
		b.WriteString("\n<b>Error Details:</b>\n")
		b.WriteString(fmt.Sprintf("  • Phase: %s\n", escapeHTML(event.Phase)))
		if event.Err != nil {
			b.WriteString(fmt.Sprintf("  • Error: <code>%s</code>\n", escapeHTML(event.Err.Error())))
		}
	}

	return b.String()
}

func escapeHTML(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch r {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '&':
			b.WriteString("&amp;")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
