package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"bridgewatch/internal/alerting"
	"bridgewatch/internal/domain"
	"bridgewatch/internal/engine"
)

// ReplaySummary counts replay outcomes.
type ReplaySummary struct {
	Accepted int
	Rejected int
	Open     []domain.Alert
}

// streamClock follows the timestamps of the replayed stream so that
// validation and alert times do not depend on the wall clock.
type streamClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *streamClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *streamClock) advance(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t
	}
}

// Replay 按顺序回放 JSONL 样本流，并输出每个样本之后的 SHI 轨迹。
func (a *App) Replay(ctx context.Context, opts ReplayOptions, out io.Writer) (ReplaySummary, error) {
	var in io.Reader
	if opts.Path == "" || opts.Path == "-" {
		in = os.Stdin
	} else {
		f, err := os.Open(opts.Path)
		if err != nil {
			return ReplaySummary{}, fmt.Errorf("open replay file: %w", err)
		}
		defer f.Close()
		in = f
	}
	return a.replay(ctx, in, opts, out)
}

func (a *App) replay(ctx context.Context, in io.Reader, opts ReplayOptions, out io.Writer) (ReplaySummary, error) {
	var summary ReplaySummary

	clock := &streamClock{}
	engOpts := a.engineOptions()
	engOpts.Now = clock.Now
	seq := 0
	engOpts.NewID = func() string {
		seq++
		return fmt.Sprintf("replay-%d", seq)
	}
	eng := engine.New(engOpts, a.Logger)
	defer eng.Close(context.Background())

	if _, err := eng.Bootstrap(ctx, a.Config.Assets); err != nil {
		return summary, err
	}
	autoRegister := opts.BaselineFrequency > 0 && opts.BaselineAmplitude > 0

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "#\tTime (UTC)\tAsset\tSHI\tConfidence\tStatus\tOpen Alerts")

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			writer.Flush()
			return summary, ctx.Err()
		default:
		}

		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var sample domain.Sample
		if err := json.Unmarshal([]byte(text), &sample); err != nil {
			summary.Rejected++
			fmt.Fprintf(writer, "%d\t-\t-\t-\t-\trejected: %s\t\n", line, domain.ReasonMalformed)
			continue
		}
		clock.advance(sample.Timestamp)

		if autoRegister && sample.AssetID != "" {
			err := eng.RegisterAsset(ctx, domain.Asset{
				ID:                sample.AssetID,
				Name:              sample.AssetID,
				BaselineFrequency: opts.BaselineFrequency,
				BaselineAmplitude: opts.BaselineAmplitude,
			})
			if err != nil && !errors.Is(err, domain.ErrAssetExists) {
				return summary, err
			}
		}

		st, err := eng.Ingest(ctx, sample)
		if err != nil {
			summary.Rejected++
			fmt.Fprintf(writer, "%d\t%s\t%s\t-\t-\trejected: %s\t\n",
				line, sample.Timestamp.UTC().Format(time.RFC3339), sample.AssetID, domain.ReasonCode(err))
			continue
		}
		summary.Accepted++
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			line,
			st.LastUpdated.Format(time.RFC3339),
			sample.AssetID,
			formatFloat(st.SHI, 2),
			formatFloat(st.Confidence, 3),
			st.Status,
			severities(eng.ListOpenAlerts(alerting.Filter{AssetID: sample.AssetID})),
		)
	}
	if err := scanner.Err(); err != nil {
		writer.Flush()
		return summary, fmt.Errorf("read replay stream: %w", err)
	}
	writer.Flush()

	summary.Open = eng.ListOpenAlerts(alerting.Filter{})
	fmt.Fprintf(out, "\naccepted=%d rejected=%d open_alerts=%d\n", summary.Accepted, summary.Rejected, len(summary.Open))
	a.Logger.Info().Int("accepted", summary.Accepted).Int("rejected", summary.Rejected).Msg("回放完成")
	return summary, nil
}

func severities(alerts []domain.Alert) string {
	if len(alerts) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(alerts))
	for _, alert := range alerts {
		parts = append(parts, string(alert.Severity))
	}
	return strings.Join(parts, ",")
}
