package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bridgewatch/internal/domain"
)

func testNotification() Notification {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	return Notification{
		Kind:       KindCreated,
		Alert:      domain.Alert{ID: "a-1", AssetID: "br-1", Severity: domain.SeverityCritical, Status: domain.AlertPending, Message: "SHI 21.4 in CRITICAL band", UpdatedAt: now},
		AssetName:  "Harbor Bridge",
		Snapshot:   domain.Snapshot{AssetID: "br-1", SHI: 21.4, Confidence: 0.09, Status: domain.StatusCritical},
		OccurredAt: now,
	}
}

func TestWebhookNotifierSuccess(t *testing.T) {
	var received map[string]any
	var auth, key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		key = r.Header.Get("Idempotency-Key")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	notifier := NewWebhookNotifier(srv.URL, "s3cret", time.Second, testLogger())
	if err := notifier.Notify(context.Background(), testNotification()); err != nil {
		t.Fatalf("webhook Notify 应成功: %v", err)
	}

	if auth != "Bearer s3cret" {
		t.Fatalf("Authorization 不正确: %q", auth)
	}
	if !strings.HasPrefix(key, "a-1:created:") {
		t.Fatalf("Idempotency-Key 不正确: %q", key)
	}
	text, _ := received["text"].(string)
	if !strings.Contains(text, "Harbor Bridge") || !strings.Contains(text, "21.4") {
		t.Fatalf("text 内容不正确: %q", text)
	}
	if received["kind"] != "created" {
		t.Fatalf("kind 不正确: %#v", received["kind"])
	}
}

func TestWebhookNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	notifier := NewWebhookNotifier(srv.URL, "", time.Second, testLogger())
	if err := notifier.Notify(context.Background(), testNotification()); err == nil {
		t.Fatal("非 2xx 应报错")
	}
}

type failingNotifier struct{ calls int }

func (f *failingNotifier) Notify(context.Context, Notification) error {
	f.calls++
	return errors.New("boom")
}

func TestMultiNotifierCallsEveryChannel(t *testing.T) {
	a, b := &failingNotifier{}, &failingNotifier{}
	err := MultiNotifier{a, nil, b}.Notify(context.Background(), testNotification())
	if err == nil {
		t.Fatal("应返回第一个错误")
	}
	if a.calls != 1 || b.calls != 1 {
		t.Fatalf("每个通道都应被调用: %d %d", a.calls, b.calls)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
