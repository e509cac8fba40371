package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"bridgewatch/internal/alerting"
	"bridgewatch/internal/domain"
	"bridgewatch/internal/engine"
)

const simulatedAssetID = "simulated"

// Simulate 对单个资产重复输入同一读数，输出最终状态与告警。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions, out io.Writer) (engine.AssetView, error) {
	if opts.AssetFrequency <= 0 || opts.AssetAmplitude <= 0 {
		return engine.AssetView{}, errors.New("基线频率与振幅必须大于 0")
	}
	if opts.Count <= 0 {
		opts.Count = 1
	}

	engOpts := a.engineOptions()
	if opts.Notify {
		notifier, closeNotifier := a.newNotifier()
		if notifier == nil {
			closeNotifier()
			return engine.AssetView{}, errors.New("未配置任何告警通道")
		}
		defer closeNotifier()
		engOpts.Notifier = notifier
	}
	eng := engine.New(engOpts, a.Logger)

	err := eng.RegisterAsset(ctx, domain.Asset{
		ID:                simulatedAssetID,
		Name:              "Simulated bridge",
		BaselineFrequency: opts.AssetFrequency,
		BaselineAmplitude: opts.AssetAmplitude,
	})
	if err != nil {
		_ = eng.Close(ctx)
		return engine.AssetView{}, err
	}

	start := time.Now().UTC().Add(-time.Duration(opts.Count) * time.Second)
	for i := 0; i < opts.Count; i++ {
		_, err := eng.Ingest(ctx, domain.Sample{
			DeviceID:  "simulator",
			AssetID:   simulatedAssetID,
			Frequency: opts.Frequency,
			Amplitude: opts.Amplitude,
			Timestamp: start.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			_ = eng.Close(ctx)
			return engine.AssetView{}, fmt.Errorf("sample %d rejected: %w", i+1, err)
		}
	}

	view, err := eng.GetAssetState(simulatedAssetID)
	if err != nil {
		_ = eng.Close(ctx)
		return engine.AssetView{}, err
	}
	alerts := eng.ListOpenAlerts(alerting.Filter{AssetID: simulatedAssetID})

	// Close drains queued notifications before we return.
	if err := eng.Close(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("simulation engine close")
	}

	fmt.Fprintf(out, "SHI:        %s\n", formatFloat(view.State.SHI, 2))
	fmt.Fprintf(out, "Confidence: %s\n", formatFloat(view.State.Confidence, 3))
	fmt.Fprintf(out, "Status:     %s\n", view.State.Status)
	fmt.Fprintf(out, "Samples:    %d\n", view.State.SampleCount)

	if len(alerts) == 0 {
		fmt.Fprintln(out, "\nno open alerts")
		return view, nil
	}
	fmt.Fprintln(out)
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Severity\tStatus\tSHI\tFingerprint\tMessage")
	for _, alert := range alerts {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			alert.Severity, alert.Status, formatFloat(alert.SHIAtTime, 1), alert.Fingerprint, sanitizeInline(alert.Message))
	}
	writer.Flush()
	return view, nil
}
