package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"txwatch/internal/model"
)

// Kind 区分首次入账与确认更新两类通知。
type Kind string

const (
	KindIncoming  Kind = "incoming"
	KindConfirmed Kind = "confirmed"
)

// Notification 封装一次入账告警的上下文。
type Notification struct {
	Kind     Kind
	Address  model.WatchedAddress
	Transfer model.Transfer
	USDValue decimal.Decimal
	// HasPrice 为 false 时 USDValue 无意义。
	HasPrice bool
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    RenderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false: %s", result.Description)
		}
	}

	n.logger.Info().
		Str("kind", string(note.Kind)).
		Str("network", string(note.Address.Network)).
		Str("label", note.Address.Label).
		Str("tx", note.Transfer.ID).
		Msg("告警已发送 (Telegram)")
	return nil
}

// LogNotifier 在未配置 Telegram 时把通知写入日志。
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier 构造日志告警器。
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify 以结构化字段输出通知内容。
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	evt := n.logger.Info().
		Str("kind", string(note.Kind)).
		Str("network", string(note.Address.Network)).
		Str("address", note.Address.Address).
		Str("label", note.Address.Label).
		Str("tx", note.Transfer.ID).
		Str("amount", note.Transfer.Amount.String()).
		Str("symbol", note.Transfer.Symbol).
		Bool("confirmed", note.Transfer.Confirmed)
	if note.HasPrice {
		evt = evt.Str("usd_value", note.USDValue.StringFixed(2))
	}
	evt.Msg(firstLine(RenderMessage(note)))
	return nil
}

// RenderMessage 生成推送文本。
func RenderMessage(note Notification) string {
	tr := note.Transfer
	builder := strings.Builder{}

	switch note.Kind {
	case KindConfirmed:
		builder.WriteString(fmt.Sprintf("✅ %s Transaction Confirmed\n\n", tr.Network.Title()))
	default:
		builder.WriteString(fmt.Sprintf("🔔 %s Incoming Transaction\n\n", tr.Network.Title()))
	}
	builder.WriteString(fmt.Sprintf("🏷️ Wallet: %s\n", note.Address.DisplayLabel()))
	builder.WriteString(fmt.Sprintf("💰 Amount: %s %s\n", tr.Amount.StringFixed(tr.Network.DisplayPlaces()), tr.Symbol))
	if note.HasPrice {
		builder.WriteString(fmt.Sprintf("💵 USD Value: $%s\n", FormatUSD(note.USDValue)))
	}
	if !tr.Confirmed {
		builder.WriteString("⏳ Status: unconfirmed\n")
	}
	builder.WriteString("\n")
	builder.WriteString(fmt.Sprintf("📤 From: %s\n", tr.Counterparty))
	builder.WriteString(fmt.Sprintf("📥 To: %s\n", note.Address.Address))
	builder.WriteString(fmt.Sprintf("🔗 Tx: %s", tr.ID))
	return builder.String()
}

// FormatUSD 按千分位输出两位小数。
func FormatUSD(v decimal.Decimal) string {
	return humanize.FormatFloat("#,###.##", v.Round(2).InexactFloat64())
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
