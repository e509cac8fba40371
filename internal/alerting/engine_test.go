package alerting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"bridgewatch/internal/domain"
)

type recordingNotary struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (r *recordingNotary) Notarize(_ context.Context, alert domain.Alert, event domain.AuditEvent, snap domain.Snapshot, at time.Time) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return fmt.Sprintf("0x%s-%s-%d", alert.ID, event, len(r.events))
}

func newTestEngine(notary Notary) *Engine {
	seq := 0
	return NewEngine(Options{
		Notary: notary,
		Now:    func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) },
		NewID: func() string {
			seq++
			return fmt.Sprintf("alert-%d", seq)
		},
	}, testLogger())
}

func eval(asset string, prev, cur domain.Status, shi float64, at time.Time) Evaluation {
	return Evaluation{
		AssetID:  asset,
		Previous: prev,
		Current:  cur,
		Snapshot: domain.Snapshot{AssetID: asset, SHI: shi, Confidence: 0.5, Status: cur},
		At:       at,
	}
}

func TestEvaluateCriticalCreatesAndDeduplicates(t *testing.T) {
	notary := &recordingNotary{}
	engine := newTestEngine(notary)
	ctx := context.Background()
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	first := engine.Evaluate(ctx, eval("br-1", domain.StatusHealthy, domain.StatusCritical, 21.4, t0))
	if len(first) != 1 || first[0].Kind != KindCreated {
		t.Fatalf("首个 CRITICAL 样本应创建告警: %#v", first)
	}
	if first[0].Alert.Severity != domain.SeverityCritical || first[0].Alert.Status != domain.AlertPending {
		t.Fatalf("告警字段不正确: %#v", first[0].Alert)
	}
	if first[0].Alert.Fingerprint == "" || len(first[0].Alert.Audit) != 1 {
		t.Fatalf("创建事件应被公证: %#v", first[0].Alert)
	}

	second := engine.Evaluate(ctx, eval("br-1", domain.StatusCritical, domain.StatusCritical, 18.2, t0.Add(time.Minute)))
	if len(second) != 1 || second[0].Kind != KindRefreshed {
		t.Fatalf("持续 CRITICAL 应刷新而非新建: %#v", second)
	}
	if second[0].Alert.ID != first[0].Alert.ID {
		t.Fatalf("告警 ID 应保持不变")
	}
	if second[0].Alert.SHIAtTime != 18.2 {
		t.Fatalf("shiAtTime 应更新为 18.2, 实际 %v", second[0].Alert.SHIAtTime)
	}

	open := engine.ListOpen(Filter{AssetID: "br-1"})
	if len(open) != 1 {
		t.Fatalf("同一 (asset, severity) 只能有一个未关闭告警, 实际 %d", len(open))
	}
	if len(notary.events) != 1 {
		t.Fatalf("刷新不应公证, 公证次数 %d", len(notary.events))
	}
}

func TestEvaluateCautionRaisesHigh(t *testing.T) {
	engine := newTestEngine(nil)
	out := engine.Evaluate(context.Background(), eval("br-2", domain.StatusMonitor, domain.StatusCaution, 52, time.Now()))
	if len(out) != 1 || out[0].Alert.Severity != domain.SeverityHigh {
		t.Fatalf("CAUTION 应产生 HIGH 告警: %#v", out)
	}
}

func TestEvaluateDeclineRaisesMedium(t *testing.T) {
	engine := newTestEngine(nil)
	ev := eval("br-3", domain.StatusHealthy, domain.StatusMonitor, 77, time.Now())
	ev.Declining = true
	ev.Decline = 18
	ev.Window = 6

	out := engine.Evaluate(context.Background(), ev)
	if len(out) != 1 || out[0].Alert.Severity != domain.SeverityMedium {
		t.Fatalf("下降趋势应产生 MEDIUM 告警: %#v", out)
	}

	ev.Current = domain.StatusCaution
	out = engine.Evaluate(context.Background(), ev)
	for _, tr := range out {
		if tr.Alert.Severity == domain.SeverityMedium {
			t.Fatalf("CAUTION 下不应触发 MEDIUM 规则: %#v", tr)
		}
	}
}

func TestReturnToHealthyResolvesOpenAlerts(t *testing.T) {
	notary := &recordingNotary{}
	engine := newTestEngine(notary)
	ctx := context.Background()
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	engine.Evaluate(ctx, eval("br-4", domain.StatusMonitor, domain.StatusCritical, 35, t0))
	engine.Evaluate(ctx, eval("br-4", domain.StatusCritical, domain.StatusCaution, 45, t0.Add(time.Minute)))
	if got := len(engine.ListOpen(Filter{AssetID: "br-4"})); got != 2 {
		t.Fatalf("应有 CRITICAL 与 HIGH 两个告警, 实际 %d", got)
	}

	out := engine.Evaluate(ctx, eval("br-4", domain.StatusMonitor, domain.StatusHealthy, 84, t0.Add(2*time.Minute)))
	if len(out) != 2 {
		t.Fatalf("回到 HEALTHY 应关闭全部告警, 实际 %d", len(out))
	}
	for _, tr := range out {
		if tr.Kind != KindResolved || tr.Alert.ResolvedAt == nil {
			t.Fatalf("告警应为 RESOLVED: %#v", tr)
		}
	}
	if got := len(engine.ListOpen(Filter{})); got != 0 {
		t.Fatalf("不应再有未关闭告警, 实际 %d", got)
	}
	if got := len(engine.History("br-4")); got != 2 {
		t.Fatalf("历史中应保留两条已关闭告警, 实际 %d", got)
	}
}

func TestAutoResolveIgnoresAcknowledgement(t *testing.T) {
	notary := &recordingNotary{}
	engine := newTestEngine(notary)
	ctx := context.Background()
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	out := engine.Evaluate(ctx, eval("br-7", domain.StatusMonitor, domain.StatusCritical, 30, t0))
	id := out[0].Alert.ID
	if _, _, err := engine.Acknowledge(ctx, id, domain.Snapshot{}); err != nil {
		t.Fatalf("确认失败: %v", err)
	}

	out = engine.Evaluate(ctx, eval("br-7", domain.StatusCritical, domain.StatusHealthy, 86, t0.Add(time.Minute)))
	if len(out) != 1 || out[0].Kind != KindResolved || out[0].Alert.ID != id {
		t.Fatalf("已确认告警也应被系统关闭: %#v", out)
	}
	alert, err := engine.Get(id)
	if err != nil {
		t.Fatalf("查询告警失败: %v", err)
	}
	if alert.Status != domain.AlertResolved || alert.AcknowledgedAt == nil || alert.ResolvedAt == nil {
		t.Fatalf("告警应保留确认时间并标记为 RESOLVED: %#v", alert)
	}
	if len(alert.Audit) != 3 {
		t.Fatalf("应有创建、确认、关闭三条审计记录, 实际 %d", len(alert.Audit))
	}
}

func TestHealthyWithoutDeclineResolvesMedium(t *testing.T) {
	engine := newTestEngine(&recordingNotary{})
	ctx := context.Background()
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	ev := eval("br-8", domain.StatusHealthy, domain.StatusHealthy, 83, t0)
	ev.Declining = true
	ev.Decline = 15
	ev.Window = 6
	out := engine.Evaluate(ctx, ev)
	if len(out) != 1 || out[0].Alert.Severity != domain.SeverityMedium {
		t.Fatalf("HEALTHY 下持续下降应产生 MEDIUM 告警: %#v", out)
	}
	id := out[0].Alert.ID

	ev.At = t0.Add(time.Minute)
	ev.Snapshot.SHI = 81
	out = engine.Evaluate(ctx, ev)
	if len(out) != 1 || out[0].Kind != KindRefreshed {
		t.Fatalf("仍在下降时告警应保持打开: %#v", out)
	}

	out = engine.Evaluate(ctx, eval("br-8", domain.StatusHealthy, domain.StatusHealthy, 90, t0.Add(2*time.Minute)))
	if len(out) != 1 || out[0].Kind != KindResolved || out[0].Alert.ID != id {
		t.Fatalf("下降结束后 MEDIUM 告警应自动关闭: %#v", out)
	}
	if got := len(engine.ListOpen(Filter{AssetID: "br-8"})); got != 0 {
		t.Fatalf("不应再有未关闭告警, 实际 %d", got)
	}
}

func TestAcknowledgeAndResolveLifecycle(t *testing.T) {
	engine := newTestEngine(&recordingNotary{})
	ctx := context.Background()
	out := engine.Evaluate(ctx, eval("br-5", domain.StatusHealthy, domain.StatusCritical, 20, time.Now()))
	id := out[0].Alert.ID

	acked, changed, err := engine.Acknowledge(ctx, id, domain.Snapshot{})
	if err != nil || !changed {
		t.Fatalf("确认应成功: changed=%v err=%v", changed, err)
	}
	if acked.Status != domain.AlertAcknowledged || acked.AcknowledgedAt == nil {
		t.Fatalf("状态应为 ACKNOWLEDGED: %#v", acked)
	}

	_, changed, err = engine.Acknowledge(ctx, id, domain.Snapshot{})
	if err != nil || changed {
		t.Fatalf("重复确认应幂等: changed=%v err=%v", changed, err)
	}

	resolved, err := engine.Resolve(ctx, id, domain.Snapshot{})
	if err != nil {
		t.Fatalf("关闭应成功: %v", err)
	}
	if len(resolved.Audit) != 3 {
		t.Fatalf("应有三条审计记录, 实际 %d", len(resolved.Audit))
	}

	if _, _, err := engine.Acknowledge(ctx, id, domain.Snapshot{}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("已关闭告警确认应返回 ErrInvalidTransition: %v", err)
	}
	if _, err := engine.Resolve(ctx, id, domain.Snapshot{}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("重复关闭应返回 ErrInvalidTransition: %v", err)
	}
	if _, err := engine.Resolve(ctx, "missing", domain.Snapshot{}); !errors.Is(err, domain.ErrAlertNotFound) {
		t.Fatalf("未知告警应返回 ErrAlertNotFound: %v", err)
	}
}

func TestNewAlertAfterResolution(t *testing.T) {
	engine := newTestEngine(nil)
	ctx := context.Background()
	t0 := time.Now()
	first := engine.Evaluate(ctx, eval("br-6", domain.StatusHealthy, domain.StatusCritical, 20, t0))
	engine.Evaluate(ctx, eval("br-6", domain.StatusMonitor, domain.StatusHealthy, 90, t0.Add(time.Minute)))
	again := engine.Evaluate(ctx, eval("br-6", domain.StatusHealthy, domain.StatusCritical, 22, t0.Add(2*time.Minute)))
	if again[0].Kind != KindCreated || again[0].Alert.ID == first[0].Alert.ID {
		t.Fatalf("关闭后再次恶化应创建新告警: %#v", again)
	}
}

func TestResolvedHistoryIsBounded(t *testing.T) {
	seq := 0
	engine := NewEngine(Options{ResolvedLimit: 2, NewID: func() string {
		seq++
		return fmt.Sprintf("a-%d", seq)
	}}, testLogger())
	ctx := context.Background()
	t0 := time.Now()
	for i := 0; i < 4; i++ {
		engine.Evaluate(ctx, eval("br-7", domain.StatusHealthy, domain.StatusCritical, 20, t0.Add(time.Duration(2*i)*time.Minute)))
		engine.Evaluate(ctx, eval("br-7", domain.StatusCritical, domain.StatusHealthy, 90, t0.Add(time.Duration(2*i+1)*time.Minute)))
	}
	if got := len(engine.History("br-7")); got != 2 {
		t.Fatalf("历史应裁剪为 2, 实际 %d", got)
	}
	if _, err := engine.Get("a-1"); !errors.Is(err, domain.ErrAlertNotFound) {
		t.Fatalf("被裁剪的告警应不可查询: %v", err)
	}
}

func TestAttachAnchor(t *testing.T) {
	engine := newTestEngine(&recordingNotary{})
	out := engine.Evaluate(context.Background(), eval("br-8", domain.StatusHealthy, domain.StatusCritical, 20, time.Now()))
	alert := out[0].Alert

	updated, err := engine.AttachAnchor(alert.ID, alert.Fingerprint, "0xabc")
	if err != nil {
		t.Fatalf("附加锚定失败: %v", err)
	}
	if updated.AnchorRef != "0xabc" || updated.Audit[0].AnchorRef != "0xabc" {
		t.Fatalf("锚定引用未写入: %#v", updated)
	}
	if _, err := engine.AttachAnchor(alert.ID, "0xother", "0xdef"); err == nil {
		t.Fatal("未知指纹应报错")
	}
}

func TestListOpenFilters(t *testing.T) {
	engine := newTestEngine(nil)
	ctx := context.Background()
	engine.Evaluate(ctx, eval("br-a", domain.StatusHealthy, domain.StatusCritical, 20, time.Now()))
	engine.Evaluate(ctx, eval("br-b", domain.StatusMonitor, domain.StatusCaution, 50, time.Now()))

	if got := len(engine.ListOpen(Filter{Severity: domain.SeverityHigh})); got != 1 {
		t.Fatalf("按严重度过滤应返回 1 条, 实际 %d", got)
	}
	if got := len(engine.ListOpen(Filter{AssetID: "br-a"})); got != 1 {
		t.Fatalf("按资产过滤应返回 1 条, 实际 %d", got)
	}
	if got := len(engine.ListOpen(Filter{Status: domain.AlertAcknowledged})); got != 0 {
		t.Fatalf("不应有已确认告警, 实际 %d", got)
	}
}

func TestRestoreKeepsNewestOpenAlert(t *testing.T) {
	engine := newTestEngine(nil)
	t0 := time.Now()
	n := engine.Restore([]domain.Alert{
		{ID: "old", AssetID: "br-9", Severity: domain.SeverityHigh, Status: domain.AlertPending, CreatedAt: t0},
		{ID: "new", AssetID: "br-9", Severity: domain.SeverityHigh, Status: domain.AlertAcknowledged, CreatedAt: t0.Add(time.Minute)},
		{ID: "done", AssetID: "br-9", Severity: domain.SeverityCritical, Status: domain.AlertResolved, CreatedAt: t0},
	})
	if n != 1 {
		t.Fatalf("应恢复 1 条, 实际 %d", n)
	}
	open := engine.ListOpen(Filter{AssetID: "br-9"})
	if len(open) != 1 || open[0].ID != "new" {
		t.Fatalf("应仅保留最新的未关闭告警: %#v", open)
	}

	out := engine.Evaluate(context.Background(), eval("br-9", domain.StatusMonitor, domain.StatusCaution, 50, t0.Add(2*time.Minute)))
	if out[0].Kind != KindRefreshed || out[0].Alert.ID != "new" {
		t.Fatalf("恢复后的告警应被刷新: %#v", out)
	}
}
