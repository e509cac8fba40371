package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bridgewatch/internal/domain"
)

// Notification 封装一次告警状态变化。
type Notification struct {
	Kind       TransitionKind  `json:"kind"`
	Alert      domain.Alert    `json:"alert"`
	AssetName  string          `json:"asset_name,omitempty"`
	Snapshot   domain.Snapshot `json:"snapshot"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// WebhookNotifier 以 JSON POST 推送告警变化。
type WebhookNotifier struct {
	url    string
	secret string
	client *http.Client
	logger zerolog.Logger
}

// NewWebhookNotifier 构造 webhook 告警器。
func NewWebhookNotifier(url, secret string, timeout time.Duration, logger zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &WebhookNotifier{
		url:    strings.TrimRight(url, "/"),
		secret: secret,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "alert_webhook").Logger(),
	}
}

// Notify 推送一条告警变化。
func (n *WebhookNotifier) Notify(ctx context.Context, note Notification) error {
	payload := struct {
		Notification
		Text string `json:"text"`
	}{Notification: note, Text: renderMessage(note)}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", note.Alert.ID+":"+string(note.Kind)+":"+note.Alert.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if n.secret != "" {
		req.Header.Set("Authorization", "Bearer "+n.secret)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook 响应码异常: %d", resp.StatusCode)
	}

	n.logger.Info().Str("alert_id", note.Alert.ID).
		Str("asset_id", note.Alert.AssetID).
		Str("kind", string(note.Kind)).
		Msg("告警已发送 (webhook)")
	return nil
}

// MultiNotifier 依次调用多个通道，返回第一个错误。
type MultiNotifier []Notifier

// Notify 推送至全部通道。
func (m MultiNotifier) Notify(ctx context.Context, note Notification) error {
	var first error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, note); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[BridgeWatch %s] %s\n", note.Alert.Severity, strings.ToUpper(string(note.Kind))))
	name := note.AssetName
	if name == "" {
		name = note.Alert.AssetID
	}
	builder.WriteString(fmt.Sprintf("Asset: %s (%s)\n", name, note.Alert.AssetID))
	builder.WriteString(fmt.Sprintf("SHI: %s  Confidence: %s  Band: %s\n",
		decimal.NewFromFloat(note.Snapshot.SHI).StringFixed(1),
		decimal.NewFromFloat(note.Snapshot.Confidence).StringFixed(2),
		note.Snapshot.Status))
	builder.WriteString(fmt.Sprintf("Status: %s\n", note.Alert.Status))
	builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.OccurredAt.UTC().Format(time.RFC3339)))
	if note.Alert.Message != "" {
		builder.WriteString(note.Alert.Message)
	}
	return builder.String()
}

var (
	_ Notifier = (*WebhookNotifier)(nil)
	_ Notifier = MultiNotifier(nil)
)
