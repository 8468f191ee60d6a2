package star

import (
	"context"
	"time"

	"coursedw/internal/warehouse"
)

// rebuildDateSpine regenerates the date dimension as a contiguous daily
// calendar spanning the observed transactional date range, upserted
// idempotently by calendar date. A warehouse with no transactional dates
// yet gets a single row for today, matching the range-scan default.
func (b *Builder) rebuildDateSpine(ctx context.Context, tx warehouse.Tx, m warehouse.Model) error {
	start := time.Now()

	var min, max time.Time
	seen := false
	for _, e := range m.Entities {
		for _, attr := range e.DateAttrs {
			dates, err := tx.TransactionDates(ctx, e, attr)
			if err != nil {
				return err
			}
			for _, d := range dates {
				d = truncateDay(d)
				if !seen {
					min, max, seen = d, d, true
					continue
				}
				if d.Before(min) {
					min = d
				}
				if d.After(max) {
					max = d
				}
			}
		}
	}
	if !seen {
		today := truncateDay(time.Now().UTC())
		min, max = today, today
	}

	rows := Spine(min, max)
	if err := tx.UpsertDateRows(ctx, m.Date, rows); err != nil {
		return err
	}

	b.logf("stage=date_spine days=%d from=%s to=%s duration=%s",
		len(rows), min.Format("2006-01-02"), max.Format("2006-01-02"),
		time.Since(start).Truncate(time.Millisecond))
	return nil
}

// Spine generates one DateRow per calendar day in [min, max], inclusive.
// Keys are YYYYMMDD integers; weekday follows time.Weekday (Sunday=0).
func Spine(min, max time.Time) []warehouse.DateRow {
	min = truncateDay(min)
	max = truncateDay(max)
	if max.Before(min) {
		min, max = max, min
	}

	days := int(max.Sub(min).Hours()/24) + 1
	rows := make([]warehouse.DateRow, 0, days)
	for d := min; !d.After(max); d = d.AddDate(0, 0, 1) {
		rows = append(rows, warehouse.DateRow{
			Key:     DateKey(d),
			Date:    d,
			Year:    d.Year(),
			Quarter: (int(d.Month()) + 2) / 3,
			Month:   int(d.Month()),
			Day:     d.Day(),
			Weekday: int(d.Weekday()),
		})
	}
	return rows
}

// DateKey is the YYYYMMDD integer key of a calendar day.
func DateKey(t time.Time) int64 {
	t = t.UTC()
	return int64(t.Year())*10000 + int64(t.Month())*100 + int64(t.Day())
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

var spineTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseAnyTime covers the timestamp shapes backends hand back when a date
// attribute does not scan as time.Time (SQLite stores TEXT).
func parseAnyTime(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range spineTimeLayouts {
		ts, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			return ts.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
