package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints recent delivery outcomes.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show deliveries")
	}
	if closeStore != nil {
		defer closeStore()
	}

	records, err := store.ListRecentDeliveries(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no deliveries found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tUser\tAsset\tExchange\tPrice\tThreshold\tAction\tMessage\tError")

	for _, rec := range records {
		errMsg := ""
		if rec.Error != nil {
			errMsg = sanitizeInline(*rec.Error)
		}
		messageID := "-"
		if rec.MessageID != nil {
			messageID = fmt.Sprintf("%d", *rec.MessageID)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.AlertTS.UTC().Format(time.RFC3339),
			rec.UserID,
			rec.Asset,
			rec.Exchange,
			rec.Price.String(),
			rec.Threshold.String(),
			rec.Action,
			messageID,
			errMsg,
		)
	}

	writer.Flush()
	return nil
}

// Prune deletes audit rows created before the cutoff.
func (a *App) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, errors.New("retention must be greater than zero")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return 0, err
	}
	if store == nil {
		return 0, errors.New("database not configured; cannot prune deliveries")
	}
	if closeStore != nil {
		defer closeStore()
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	deleted, err := store.DeleteDeliveriesBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	a.Logger.Info().Time("cutoff", cutoff).Int64("deleted", deleted).Msg("pruned delivery audit log")
	return deleted, nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
