package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestQueueRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	q := New(Config[string]{
		Name:           "test_retry",
		Workers:        1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Handler: func(ctx context.Context, job string) error {
			if calls.Add(1) < 3 {
				return errors.New("ledger unreachable")
			}
			return nil
		},
	}, zerolog.Nop())

	if err := q.Submit("job"); err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	if err := q.Stop(context.Background()); err != nil {
		t.Fatalf("停止失败: %v", err)
	}

	if calls.Load() != 3 {
		t.Fatalf("应尝试 3 次, 实际 %d", calls.Load())
	}
	if s := q.Stats(); s.Processed != 1 || s.Failed != 0 {
		t.Fatalf("统计不正确: %+v", s)
	}
}

func TestQueueDropsAfterMaxAttempts(t *testing.T) {
	var dropped []string
	var mu sync.Mutex
	q := New(Config[string]{
		Name:           "test_drop",
		Workers:        1,
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		Handler: func(ctx context.Context, job string) error {
			return errors.New("down")
		},
		OnDrop: func(job string, err error) {
			mu.Lock()
			dropped = append(dropped, job)
			mu.Unlock()
		},
	}, zerolog.Nop())

	_ = q.Submit("a")
	_ = q.Stop(context.Background())

	if len(dropped) != 1 || dropped[0] != "a" {
		t.Fatalf("应丢弃任务 a: %v", dropped)
	}
	if q.Stats().Failed != 1 {
		t.Fatalf("失败计数应为 1")
	}
}

func TestQueuePermanentErrorSkipsRetry(t *testing.T) {
	var calls atomic.Int32
	q := New(Config[int]{
		Name:           "test_permanent",
		Workers:        1,
		InitialBackoff: time.Millisecond,
		Handler: func(ctx context.Context, job int) error {
			calls.Add(1)
			return Permanent(errors.New("bad request"))
		},
	}, zerolog.Nop())

	_ = q.Submit(1)
	_ = q.Stop(context.Background())

	if calls.Load() != 1 {
		t.Fatalf("永久错误不应重试, 调用 %d 次", calls.Load())
	}
}

func TestQueueSubmitNeverBlocks(t *testing.T) {
	release := make(chan struct{})
	q := New(Config[int]{
		Name:    "test_full",
		Workers: 1,
		Size:    1,
		Handler: func(ctx context.Context, job int) error {
			<-release
			return nil
		},
	}, zerolog.Nop())

	_ = q.Submit(1)
	// wait for the worker to pick up the first job
	deadline := time.Now().Add(time.Second)
	for q.Stats().Pending != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := q.Submit(2); err != nil {
		t.Fatalf("缓冲未满时应接受: %v", err)
	}
	if err := q.Submit(3); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("缓冲已满应返回 ErrQueueFull: %v", err)
	}

	close(release)
	_ = q.Stop(context.Background())

	if err := q.Submit(4); !errors.Is(err, ErrQueueStopped) {
		t.Fatalf("停止后应返回 ErrQueueStopped: %v", err)
	}
	if s := q.Stats(); s.Rejected != 2 || s.Processed != 2 {
		t.Fatalf("统计不正确: %+v", s)
	}
}

func TestQueueStopHonoursDeadline(t *testing.T) {
	q := New(Config[int]{
		Name:           "test_deadline",
		Workers:        1,
		InitialBackoff: time.Hour,
		MaxAttempts:    5,
		Handler: func(ctx context.Context, job int) error {
			return errors.New("always failing")
		},
	}, zerolog.Nop())

	_ = q.Submit(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := q.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("应返回超时错误: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("Stop 不应等待完整退避")
	}
	if q.Stats().Failed != 1 {
		t.Fatalf("中断的任务应计为失败")
	}
}
