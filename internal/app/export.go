package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"bridgewatch/internal/classifier"
	"bridgewatch/internal/domain"
	"bridgewatch/internal/storage"
)

// Export renders an asset's persisted SHI history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.AssetID == "" {
		return errors.New("asset id must be provided")
	}
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	rec, err := store.LoadState(ctx, opts.AssetID)
	if err != nil {
		if storage.IsNotFound(err) {
			return fmt.Errorf("no checkpoint for asset %s", opts.AssetID)
		}
		return err
	}

	points := filterHistory(rec.State.History, opts.From, opts.To)
	if len(points) == 0 {
		a.Logger.Info().Str("asset_id", opts.AssetID).Msg("no history found for export window")
		return nil
	}

	downsampled := downsampleHistory(points, opts.MaxPoints)
	a.Logger.Info().Str("asset_id", opts.AssetID).Int("total", len(points)).Int("exported", len(downsampled)).Msg("exporting history")

	if opts.CSVPath != "" {
		if err := writeHistoryCSV(opts.CSVPath, opts.AssetID, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeHistoryPNG(opts.PNGPath, opts.AssetID, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func filterHistory(history []domain.HistoryPoint, from, to *time.Time) []domain.HistoryPoint {
	out := make([]domain.HistoryPoint, 0, len(history))
	for _, p := range history {
		if from != nil && p.Timestamp.Before(from.UTC()) {
			continue
		}
		if to != nil && !p.Timestamp.Before(to.UTC()) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func downsampleHistory(points []domain.HistoryPoint, max int) []domain.HistoryPoint {
	if max <= 1 || len(points) <= max {
		return points
	}

	result := make([]domain.HistoryPoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writeHistoryCSV(path, assetID string, points []domain.HistoryPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"timestamp", "asset_id", "shi", "band"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, p := range points {
		record := []string{
			p.Timestamp.UTC().Format(time.RFC3339),
			assetID,
			formatFloat(p.SHI, 2),
			string(classifier.Band(p.SHI)),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeHistoryPNG(path, assetID string, points []domain.HistoryPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	shi := make([]float64, len(points))
	for i, p := range points {
		x[i] = p.Timestamp
		shi[i] = p.SHI
	}

	threshold := func(name string, level float64, color drawing.Color) chart.Series {
		return chart.TimeSeries{
			Name:    name,
			XValues: []time.Time{x[0], x[len(x)-1]},
			YValues: []float64{level, level},
			Style: chart.Style{
				StrokeColor:     color,
				StrokeDashArray: []float64{5, 5},
			},
		}
	}

	scoreFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Title:  "SHI " + assetID,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Structural Health Index",
			ValueFormatter: scoreFormatter,
			Range:          &chart.ContinuousRange{Min: domain.MinSHI, Max: domain.MaxSHI},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "SHI",
				XValues: x,
				YValues: shi,
			},
			threshold("Healthy "+strconv.Itoa(int(classifier.HealthyFloor)), classifier.HealthyFloor, chart.ColorGreen),
			threshold("Monitor "+strconv.Itoa(int(classifier.MonitorFloor)), classifier.MonitorFloor, chart.ColorYellow),
			threshold("Caution "+strconv.Itoa(int(classifier.CautionFloor)), classifier.CautionFloor, chart.ColorRed),
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatFloat(v float64, places int32) string {
	return decimal.NewFromFloat(v).StringFixed(places)
}
