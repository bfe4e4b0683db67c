package schedule

import (
	"context"
	"testing"

	"medbot/internal/store"
	"medbot/pkg/logx"
)

func TestRepairFixesMinuteDrift(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	ctx := context.Background()

	insertRaw(t, mem, store.ScheduleEntry{UniqueID: "drift", MedicationID: 1, ScheduledTime: "08:05", ScheduledMinutes: 400, Status: store.StatusPending})
	insertRaw(t, mem, store.ScheduleEntry{UniqueID: "ok", MedicationID: 1, ScheduledTime: "20:00", ScheduledMinutes: 1200, Status: store.StatusSent})

	r := NewRepairer(mem, logx.Nop())
	rep, err := r.Run(ctx, day)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Checked != 2 || rep.Fixed != 1 {
		t.Fatalf("report = %+v, want Checked=2 Fixed=1", rep)
	}

	fixed, _ := mem.SelectEntries(ctx, store.Filters{store.Eq("unique_id", "drift")})
	if len(fixed) != 1 || fixed[0].ScheduledMinutes != 485 {
		t.Fatalf("drifted entry = %+v, want minutes 485", fixed)
	}

	// Idempotent.
	rep, err = r.Run(ctx, day)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if rep.Fixed != 0 {
		t.Fatalf("second pass fixed %d entries, want 0", rep.Fixed)
	}
}

func TestRepairReportsMalformedAndLeavesUntouched(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	ctx := context.Background()

	insertRaw(t, mem, store.ScheduleEntry{UniqueID: "bad", MedicationID: 1, ScheduledTime: "bad", ScheduledMinutes: 123, Status: store.StatusPending})

	r := NewRepairer(mem, logx.Nop())
	rep, err := r.Run(ctx, day)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rep.Malformed) != 1 || rep.Malformed[0] != "bad" {
		t.Fatalf("Malformed = %v, want [bad]", rep.Malformed)
	}
	if rep.Fixed != 0 {
		t.Fatalf("Fixed = %d, want 0", rep.Fixed)
	}

	left, _ := mem.SelectEntries(ctx, store.Filters{store.Eq("unique_id", "bad")})
	if left[0].ScheduledMinutes != 123 {
		t.Fatalf("malformed entry was mutated: %+v", left[0])
	}
}

func TestRepairUnscopedScansAllDates(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	ctx := context.Background()

	insertRaw(t, mem, store.ScheduleEntry{UniqueID: "d1", MedicationID: 1, Date: "2024-03-08", ScheduledTime: "10:00", ScheduledMinutes: 1, Status: store.StatusPending})
	insertRaw(t, mem, store.ScheduleEntry{UniqueID: "d2", MedicationID: 1, Date: "2024-03-09", ScheduledTime: "10:00", ScheduledMinutes: 2, Status: store.StatusPending})

	r := NewRepairer(mem, logx.Nop())
	rep, err := r.Run(ctx, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Fixed != 2 {
		t.Fatalf("Fixed = %d, want 2", rep.Fixed)
	}
}
