package schedule

import (
	"context"
	"fmt"

	"medbot/internal/clock"
	"medbot/internal/store"
	"medbot/pkg/logx"
)

// Generator expands each active medication's configured daily times into
// concrete schedule entries for one civil day.
//
// Runs are idempotent: a slot that already has an entry is never generated
// again, and the deterministic entry key means even a racing concurrent pass
// cannot land a second row for the same slot.
type Generator struct {
	store store.Store
	log   logx.Logger
}

func NewGenerator(st store.Store, log logx.Logger) *Generator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Generator{store: st, log: log}
}

// GenerateReport summarizes one generation pass.
type GenerateReport struct {
	Medications int // active medications considered
	Inserted    int // entries newly created
	BadTimes    int // malformed HH:MM strings skipped
	Failed      int // medications skipped due to store errors
}

// Run ensures exactly one entry exists for every (active medication, time)
// pair on the given date. A failure on one medication is logged and isolated;
// the pass continues with the rest.
func (g *Generator) Run(ctx context.Context, date string) (GenerateReport, error) {
	var rep GenerateReport

	meds, err := g.store.SelectMedications(ctx, store.Filters{store.Eq("active", true)})
	if err != nil {
		return rep, fmt.Errorf("fetch active medications: %w", err)
	}
	rep.Medications = len(meds)

	for _, med := range meds {
		n, bad, err := g.generateFor(ctx, med, date)
		rep.BadTimes += bad
		if err != nil {
			rep.Failed++
			g.log.Error("schedule generation failed for medication",
				logx.Int64("medication_id", med.ID), logx.String("date", date), logx.Err(err))
			continue
		}
		rep.Inserted += n
		if n > 0 {
			g.log.Info("generated schedule entries",
				logx.String("medication", med.Name), logx.String("date", date), logx.Int("count", n))
		}
	}
	return rep, nil
}

func (g *Generator) generateFor(ctx context.Context, med store.Medication, date string) (inserted, badTimes int, err error) {
	existing, err := g.store.SelectEntries(ctx, store.Filters{
		store.Eq("medication_id", med.ID),
		store.Eq("date", date),
	})
	if err != nil {
		return 0, 0, fmt.Errorf("fetch existing entries: %w", err)
	}

	have := make(map[string]bool, len(existing))
	for _, e := range existing {
		have[e.ScheduledTime] = true
	}

	var rows []store.ScheduleEntry
	for _, t := range med.Times {
		if have[t] {
			continue
		}
		// The minute offset is recomputed from the canonical time string;
		// a string that doesn't parse is a data-quality fault, not a crash.
		minutes, perr := clock.ParseHHMM(t)
		if perr != nil {
			badTimes++
			g.log.Warn("skipping malformed medication time",
				logx.Int64("medication_id", med.ID), logx.String("time", t), logx.Err(perr))
			continue
		}
		key := EntryKey(med.ID, date, t)
		rows = append(rows, store.ScheduleEntry{
			UniqueID:         key,
			ShortID:          ShortKey(key),
			MedicationID:     med.ID,
			PatientID:        med.PatientID,
			Date:             date,
			ScheduledTime:    t,
			ScheduledMinutes: minutes,
			Status:           store.StatusPending,
		})
	}
	if len(rows) == 0 {
		return 0, badTimes, nil
	}

	n, err := g.store.InsertEntries(ctx, rows)
	if err != nil {
		return 0, badTimes, fmt.Errorf("insert entries: %w", err)
	}
	return n, badTimes, nil
}
