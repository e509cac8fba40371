package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"bridgewatch/internal/domain"
)

func TestMemoryStateCheckpointsNeverRegress(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	newer := StateRecord{AssetID: "br-1", State: domain.BaselineState{SHI: 70, SampleCount: 10}}
	older := StateRecord{AssetID: "br-1", State: domain.BaselineState{SHI: 90, SampleCount: 4}}
	if err := m.SaveStates(ctx, []StateRecord{newer}); err != nil {
		t.Fatalf("保存失败: %v", err)
	}
	_ = m.SaveStates(ctx, []StateRecord{older})

	got, err := m.LoadState(ctx, "br-1")
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if got.State.SampleCount != 10 || got.State.SHI != 70 {
		t.Fatalf("旧检查点不应覆盖新检查点: %+v", got.State)
	}

	if _, err := m.LoadState(ctx, "missing"); !IsNotFound(err) {
		t.Fatalf("未知资产应返回 ErrNotFound: %v", err)
	}
}

func TestMemoryAlertUpsertIgnoresRegression(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	resolvedAt := t0.Add(2 * time.Minute)

	resolved := domain.Alert{ID: "a-1", AssetID: "br-1", Severity: domain.SeverityCritical, Status: domain.AlertResolved, CreatedAt: t0, UpdatedAt: resolvedAt, ResolvedAt: &resolvedAt}
	pending := domain.Alert{ID: "a-1", AssetID: "br-1", Severity: domain.SeverityCritical, Status: domain.AlertPending, CreatedAt: t0, UpdatedAt: t0.Add(time.Minute)}

	_ = m.UpsertAlert(ctx, resolved)
	_ = m.UpsertAlert(ctx, pending)

	open, _ := m.ListOpenAlerts(ctx)
	if len(open) != 0 {
		t.Fatalf("已关闭告警不应被旧写入重新打开: %+v", open)
	}

	n, err := m.DeleteResolvedBefore(ctx, resolvedAt.Add(time.Second))
	if err != nil || n != 1 {
		t.Fatalf("应清理 1 条已关闭告警: n=%d err=%v", n, err)
	}
}

func TestMemoryAdvisoryLock(t *testing.T) {
	m := NewMemory()
	unlock, ok, err := m.TryAdvisoryLock(context.Background(), 42)
	if err != nil || !ok {
		t.Fatalf("首次加锁应成功: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := m.TryAdvisoryLock(context.Background(), 42); ok {
		t.Fatal("重复加锁应失败")
	}
	unlock()
	if _, ok, _ := m.TryAdvisoryLock(context.Background(), 42); !ok {
		t.Fatal("释放后应可再次加锁")
	}
}

func TestStoreWithoutPool(t *testing.T) {
	var s *Store
	if err := s.UpsertAlert(context.Background(), domain.Alert{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("未配置连接池应返回 ErrNotConfigured: %v", err)
	}
}
