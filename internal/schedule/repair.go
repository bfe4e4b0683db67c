package schedule

import (
	"context"
	"fmt"

	"medbot/internal/clock"
	"medbot/internal/store"
	"medbot/pkg/logx"
)

// Repairer recomputes the derived scheduled_minutes column from the
// canonical scheduled_time string and corrects any drift. Idempotent; safe
// on a cadence or on demand.
type Repairer struct {
	store store.Store
	log   logx.Logger
}

func NewRepairer(st store.Store, log logx.Logger) *Repairer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Repairer{store: st, log: log}
}

// RepairReport summarizes one repair pass.
type RepairReport struct {
	Checked   int
	Fixed     int
	Malformed []string // scheduled_time values that could not be parsed
}

// Run scans entries (scoped to date when non-empty) and fixes minute drift.
// Malformed time strings are reported and left untouched.
func (r *Repairer) Run(ctx context.Context, date string) (RepairReport, error) {
	var rep RepairReport

	var f store.Filters
	if date != "" {
		f = store.Filters{store.Eq("date", date)}
	}
	entries, err := r.store.SelectEntries(ctx, f)
	if err != nil {
		return rep, fmt.Errorf("fetch entries: %w", err)
	}
	rep.Checked = len(entries)

	for _, e := range entries {
		correct, perr := clock.ParseHHMM(e.ScheduledTime)
		if perr != nil {
			rep.Malformed = append(rep.Malformed, e.ScheduledTime)
			r.log.Warn("entry has malformed scheduled_time, skipping",
				logx.Int64("id", e.ID), logx.String("scheduled_time", e.ScheduledTime))
			continue
		}
		if e.ScheduledMinutes == correct {
			continue
		}
		if _, err := r.store.UpdateEntries(ctx,
			store.Filters{store.Eq("id", e.ID)},
			store.Patch{"scheduled_minutes": correct},
		); err != nil {
			r.log.Error("failed repairing entry minutes", logx.Int64("id", e.ID), logx.Err(err))
			continue
		}
		rep.Fixed++
		r.log.Info("repaired scheduled minutes",
			logx.Int64("id", e.ID),
			logx.String("time", e.ScheduledTime),
			logx.Int("from", e.ScheduledMinutes),
			logx.Int("to", correct))
	}
	return rep, nil
}
