package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"crypto-price-alerts/internal/storage"
)

const defaultExportWindow = 24 * time.Hour

// Export renders the delivery audit log as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	from, to, err := exportWindow(opts, time.Now().UTC())
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	records, err := store.ListDeliveriesBetween(ctx, from, to, opts.Asset)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("no deliveries found for export window")
		return nil
	}

	downsampled := downsampleDeliveries(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting deliveries")

	if opts.CSVPath != "" {
		if err := writeDeliveriesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeDeliveriesPNG(opts.PNGPath, opts.Asset, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func exportWindow(opts ExportOptions, now time.Time) (time.Time, time.Time, error) {
	to := now
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.New("from must be before to")
	}
	return from, to, nil
}

func downsampleDeliveries(records []storage.DeliveryRecord, max int) []storage.DeliveryRecord {
	if max <= 0 || len(records) <= max {
		return records
	}
	if max == 1 {
		return records[len(records)-1:]
	}

	result := make([]storage.DeliveryRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeDeliveriesCSV(path string, records []storage.DeliveryRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"alert_ts", "alert_id", "user_id", "asset", "exchange", "price", "threshold", "action", "message_id", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		messageID := ""
		if rec.MessageID != nil {
			messageID = fmt.Sprintf("%d", *rec.MessageID)
		}
		errMsg := ""
		if rec.Error != nil {
			errMsg = *rec.Error
		}
		row := []string{
			rec.AlertTS.UTC().Format(time.RFC3339),
			rec.AlertID.String(),
			rec.UserID,
			rec.Asset,
			rec.Exchange,
			rec.Price.String(),
			rec.Threshold.String(),
			rec.Action,
			messageID,
			errMsg,
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeDeliveriesPNG(path, asset string, records []storage.DeliveryRecord) error {
	if len(records) < 2 {
		return errors.New("at least two deliveries are required to render a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(records))
	price := make([]float64, len(records))
	threshold := make([]float64, len(records))

	for i, rec := range records {
		x[i] = rec.AlertTS
		price[i] = rec.Price.InexactFloat64()
		threshold[i] = rec.Threshold.InexactFloat64()
	}

	if asset == "" {
		asset = "all assets"
	}
	graph := chart.Chart{
		Title:  "Alert deliveries: " + asset,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Price",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Alert price",
				XValues: x,
				YValues: price,
			},
			chart.TimeSeries{
				Name:    "Threshold",
				XValues: x,
				YValues: threshold,
			},
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
