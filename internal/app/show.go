package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"bridgewatch/internal/domain"
	"bridgewatch/internal/storage"
)

// Show prints persisted asset states.
func (a *App) Show(ctx context.Context, opts ShowOptions, out io.Writer) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show assets")
	}
	defer closeStore()

	assets, err := store.ListAssets(ctx)
	if err != nil {
		return err
	}
	if len(assets) == 0 {
		fmt.Fprintln(out, "no assets found")
		return nil
	}
	if opts.Limit > 0 && len(assets) > opts.Limit {
		assets = assets[:opts.Limit]
	}

	states, err := store.LoadStates(ctx)
	if err != nil {
		return err
	}
	byAsset := make(map[string]storage.StateRecord, len(states))
	for _, rec := range states {
		byAsset[rec.AssetID] = rec
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Asset\tName\tSHI\tConfidence\tStatus\tSamples\tUpdated (UTC)\tSaved (UTC)")
	for _, asset := range assets {
		rec, ok := byAsset[asset.ID]
		if !ok {
			rec = storage.StateRecord{AssetID: asset.ID, State: domain.InitialState()}
		}
		st := rec.State
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			asset.ID,
			sanitizeInline(asset.Name),
			formatFloat(st.SHI, 2),
			formatFloat(st.Confidence, 3),
			st.Status,
			st.SampleCount,
			formatTime(st.LastUpdated),
			formatTime(rec.SavedAt),
		)
	}
	writer.Flush()
	return nil
}

// Alerts prints persisted alerts, open ones by default.
func (a *App) Alerts(ctx context.Context, opts ShowOptions, out io.Writer) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show alerts")
	}
	defer closeStore()

	var alerts []domain.Alert
	if opts.All {
		alerts, err = store.ListRecentAlerts(ctx, opts.Limit)
	} else {
		alerts, err = store.ListOpenAlerts(ctx)
		if opts.Limit > 0 && len(alerts) > opts.Limit {
			alerts = alerts[:opts.Limit]
		}
	}
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(out, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tAsset\tSeverity\tStatus\tSHI\tCreated (UTC)\tUpdated (UTC)\tAnchor\tMessage")
	for _, alert := range alerts {
		anchor := alert.AnchorRef
		if anchor == "" {
			anchor = "-"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			alert.ID,
			alert.AssetID,
			alert.Severity,
			alert.Status,
			formatFloat(alert.SHIAtTime, 1),
			formatTime(alert.CreatedAt),
			formatTime(alert.UpdatedAt),
			anchor,
			sanitizeInline(alert.Message),
		)
	}
	writer.Flush()
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
