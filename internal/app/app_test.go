package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bridgewatch/internal/config"
	"bridgewatch/internal/domain"
)

func testApp() *App {
	cfg := &config.Config{
		Classifier: config.ClassifierConfig{Margin: 3},
		Trend:      config.TrendConfig{Window: 6, Decline: 15},
		Assets: []domain.Asset{{
			ID:                "br-1",
			Name:              "Howrah",
			BaselineFrequency: 4.0,
			BaselineAmplitude: 0.005,
		}},
	}
	return NewApp(cfg, zerolog.Nop())
}

const replayStream = `{"deviceId":"d1","assetId":"br-1","frequency":2.1,"amplitude":0.045,"timestamp":"2026-03-01T08:00:00Z"}
not json
{"deviceId":"d1","assetId":"br-9","frequency":4.0,"amplitude":0.005,"timestamp":"2026-03-01T08:01:00Z"}
{"deviceId":"d2","assetId":"br-1","frequency":4.0,"amplitude":0.005,"timestamp":"2026-03-01T08:02:00Z"}
`

func TestReplayReportsTrajectory(t *testing.T) {
	var out bytes.Buffer
	summary, err := testApp().replay(context.Background(), strings.NewReader(replayStream), ReplayOptions{}, &out)
	if err != nil {
		t.Fatalf("回放失败: %v", err)
	}
	if summary.Accepted != 2 || summary.Rejected != 2 {
		t.Fatalf("应接受 2 条拒绝 2 条, got %+v", summary)
	}
	text := out.String()
	for _, want := range []string{"rejected: malformed", "rejected: unknown_asset", "CRITICAL", "accepted=2 rejected=2"} {
		if !strings.Contains(text, want) {
			t.Fatalf("输出缺少 %q:\n%s", want, text)
		}
	}
}

func TestReplayIsReproducible(t *testing.T) {
	run := func() string {
		var out bytes.Buffer
		opts := ReplayOptions{BaselineFrequency: 4.0, BaselineAmplitude: 0.005}
		if _, err := testApp().replay(context.Background(), strings.NewReader(replayStream), opts, &out); err != nil {
			t.Fatalf("回放失败: %v", err)
		}
		return out.String()
	}
	first, second := run(), run()
	if first != second {
		t.Fatalf("相同输入的回放结果应一致:\n%s\n---\n%s", first, second)
	}
	if strings.Contains(first, "unknown_asset") {
		t.Fatalf("自动注册后不应出现 unknown_asset:\n%s", first)
	}
}

func TestSimulateCriticalReading(t *testing.T) {
	var out bytes.Buffer
	view, err := testApp().Simulate(context.Background(), SimulateOptions{
		AssetFrequency: 4.0,
		AssetAmplitude: 0.005,
		Frequency:      2.1,
		Amplitude:      0.045,
		Count:          3,
	}, &out)
	if err != nil {
		t.Fatalf("模拟失败: %v", err)
	}
	if view.State.Status != domain.StatusCritical || view.State.SampleCount != 3 {
		t.Fatalf("模拟状态不正确: %+v", view.State)
	}
	if !strings.Contains(out.String(), "CRITICAL") {
		t.Fatalf("输出应包含 CRITICAL 告警:\n%s", out.String())
	}
}

func TestDownsampleHistoryKeepsEnds(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	points := make([]domain.HistoryPoint, 10)
	for i := range points {
		points[i] = domain.HistoryPoint{Timestamp: base.Add(time.Duration(i) * time.Minute), SHI: float64(90 - i)}
	}

	got := downsampleHistory(points, 4)
	if len(got) != 4 {
		t.Fatalf("应降采样到 4 个点, got %d", len(got))
	}
	if got[0] != points[0] || got[3] != points[9] {
		t.Fatalf("降采样应保留首尾: %+v", got)
	}

	from := base.Add(2 * time.Minute)
	to := base.Add(5 * time.Minute)
	if n := len(filterHistory(points, &from, &to)); n != 3 {
		t.Fatalf("[from, to) 应包含 3 个点, got %d", n)
	}
}

func TestWriteHistoryCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "shi.csv")
	points := []domain.HistoryPoint{
		{Timestamp: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), SHI: 91.234},
		{Timestamp: time.Date(2026, 3, 1, 8, 5, 0, 0, time.UTC), SHI: 35.5},
	}
	if err := writeHistoryCSV(path, "br-1", points); err != nil {
		t.Fatalf("写入 CSV 失败: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("打开 CSV 失败: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("解析 CSV 失败: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("应有表头加 2 行, got %d", len(rows))
	}
	if rows[1][2] != "91.23" || rows[1][3] != "HEALTHY" || rows[2][3] != "CRITICAL" {
		t.Fatalf("CSV 内容不正确: %v", rows)
	}
}
