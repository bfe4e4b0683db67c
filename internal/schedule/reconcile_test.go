package schedule

import (
	"context"
	"testing"

	"medbot/internal/store"
	"medbot/pkg/logx"
)

func insertRaw(t *testing.T, mem *store.Memory, e store.ScheduleEntry) {
	t.Helper()
	if e.Date == "" {
		e.Date = day
	}
	n, err := mem.InsertEntries(context.Background(), []store.ScheduleEntry{e})
	if err != nil || n != 1 {
		t.Fatalf("insertRaw: n=%d err=%v", n, err)
	}
}

func TestReconcileKeepsHighestPrecedence(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	ctx := context.Background()

	// Three colliding entries for the same slot, different (non-deterministic)
	// keys as left behind by an older writer.
	insertRaw(t, mem, store.ScheduleEntry{UniqueID: "u1", MedicationID: 1, ScheduledTime: "08:00", ScheduledMinutes: 480, Status: store.StatusPending})
	insertRaw(t, mem, store.ScheduleEntry{UniqueID: "u2", MedicationID: 1, ScheduledTime: "08:00", ScheduledMinutes: 480, Status: store.StatusSent})
	insertRaw(t, mem, store.ScheduleEntry{UniqueID: "u3", MedicationID: 1, ScheduledTime: "08:00", ScheduledMinutes: 480, Status: store.StatusTaken})

	r := NewReconciler(mem, logx.Nop())
	rep, err := r.Run(ctx, day)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Duplicated != 1 || rep.Deleted != 2 {
		t.Fatalf("report = %+v, want 1 duplicated slot and 2 deletions", rep)
	}

	left, _ := mem.SelectEntries(ctx, store.Filters{store.Eq("date", day)})
	if len(left) != 1 {
		t.Fatalf("got %d survivors, want 1", len(left))
	}
	if left[0].Status != store.StatusTaken {
		t.Fatalf("survivor status = %s, want taken", left[0].Status)
	}

	// Second pass is a no-op.
	rep, err = r.Run(ctx, day)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if rep.Duplicated != 0 || rep.Deleted != 0 {
		t.Fatalf("second pass not a no-op: %+v", rep)
	}
}

func TestReconcileTieKeepsFirstEncountered(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	ctx := context.Background()

	insertRaw(t, mem, store.ScheduleEntry{UniqueID: "u1", MedicationID: 1, ScheduledTime: "08:00", Status: store.StatusTaken})
	insertRaw(t, mem, store.ScheduleEntry{UniqueID: "u2", MedicationID: 1, ScheduledTime: "08:00", Status: store.StatusMissed})

	r := NewReconciler(mem, logx.Nop())
	if _, err := r.Run(ctx, day); err != nil {
		t.Fatalf("Run: %v", err)
	}

	left, _ := mem.SelectEntries(ctx, store.Filters{store.Eq("date", day)})
	if len(left) != 1 {
		t.Fatalf("got %d survivors, want 1", len(left))
	}
	if left[0].UniqueID != "u1" {
		t.Fatalf("survivor = %s, want the first encountered (u1)", left[0].UniqueID)
	}
}

func TestReconcileNeverDeletesSoleSurvivor(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	ctx := context.Background()

	insertRaw(t, mem, store.ScheduleEntry{UniqueID: "only", MedicationID: 1, ScheduledTime: "09:00", Status: store.StatusPending})
	insertRaw(t, mem, store.ScheduleEntry{UniqueID: "other", MedicationID: 2, ScheduledTime: "09:00", Status: store.StatusPending})

	r := NewReconciler(mem, logx.Nop())
	rep, err := r.Run(ctx, day)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Deleted != 0 {
		t.Fatalf("deleted %d rows from singleton groups", rep.Deleted)
	}
	left, _ := mem.SelectEntries(ctx, store.Filters{store.Eq("date", day)})
	if len(left) != 2 {
		t.Fatalf("got %d entries, want 2", len(left))
	}
}
