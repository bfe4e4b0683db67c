package schedule

import (
	"context"
	"fmt"

	"medbot/internal/store"
	"medbot/pkg/logx"
)

// Reconciler restores the one-entry-per-slot invariant when duplicate
// entries for the same (medication, date, time) slot drift into the store.
//
// It is the only component that deletes entries, and it never deletes the
// sole survivor of a group. Running it twice with no new duplicates is a
// no-op.
type Reconciler struct {
	store store.Store
	log   logx.Logger
}

func NewReconciler(st store.Store, log logx.Logger) *Reconciler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reconciler{store: st, log: log}
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Entries    int   // entries inspected
	Duplicated int   // slots that had more than one entry
	Deleted    int64 // rows removed
}

type slotKey struct {
	medicationID int64
	timeOfDay    string
}

// Run collapses duplicate entries for the given date. The survivor of each
// group is the first-encountered entry of highest status precedence
// (taken/missed over sent over pending); ties keep the earliest row.
func (r *Reconciler) Run(ctx context.Context, date string) (ReconcileReport, error) {
	var rep ReconcileReport

	entries, err := r.store.SelectEntries(ctx, store.Filters{store.Eq("date", date)})
	if err != nil {
		return rep, fmt.Errorf("fetch entries for %s: %w", date, err)
	}
	rep.Entries = len(entries)

	groups := make(map[slotKey][]store.ScheduleEntry)
	for _, e := range entries {
		k := slotKey{medicationID: e.MedicationID, timeOfDay: e.ScheduledTime}
		groups[k] = append(groups[k], e)
	}

	for k, group := range groups {
		if len(group) < 2 {
			continue
		}
		rep.Duplicated++

		// Entries arrive in id order, so "first encountered wins a tie" is
		// stable across passes.
		keep := group[0]
		for _, e := range group[1:] {
			if e.Status.Rank() > keep.Status.Rank() {
				keep = e
			}
		}

		for _, e := range group {
			if e.ID == keep.ID {
				continue
			}
			n, err := r.store.DeleteEntries(ctx, store.Filters{store.Eq("id", e.ID)})
			if err != nil {
				r.log.Error("failed deleting duplicate entry",
					logx.Int64("id", e.ID), logx.String("short_id", e.ShortID), logx.Err(err))
				continue
			}
			rep.Deleted += n
			r.log.Info("removed duplicate schedule entry",
				logx.Int64("medication_id", k.medicationID),
				logx.String("time", k.timeOfDay),
				logx.String("kept_status", string(keep.Status)),
				logx.String("dropped_status", string(e.Status)))
		}
	}
	return rep, nil
}
