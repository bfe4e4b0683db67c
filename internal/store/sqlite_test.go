package store

import (
	"context"
	"path/filepath"
	"testing"

	"medbot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "medbot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestInsertEntriesSkipsDuplicateUniqueID(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	rows := []ScheduleEntry{
		{UniqueID: "k1", ShortID: "k1", MedicationID: 1, PatientID: 1, Date: "2024-03-09", ScheduledTime: "08:00", ScheduledMinutes: 480, Status: StatusPending},
		{UniqueID: "k2", ShortID: "k2", MedicationID: 1, PatientID: 1, Date: "2024-03-09", ScheduledTime: "20:00", ScheduledMinutes: 1200, Status: StatusPending},
	}
	n, err := st.InsertEntries(ctx, rows)
	if err != nil {
		t.Fatalf("InsertEntries: %v", err)
	}
	if n != 2 {
		t.Fatalf("inserted %d, want 2", n)
	}

	// Re-inserting the same keys (plus one new) only lands the new row.
	n, err = st.InsertEntries(ctx, append(rows, ScheduleEntry{
		UniqueID: "k3", MedicationID: 2, PatientID: 1, Date: "2024-03-09", ScheduledTime: "12:00", ScheduledMinutes: 720, Status: StatusPending,
	}))
	if err != nil {
		t.Fatalf("InsertEntries (second): %v", err)
	}
	if n != 1 {
		t.Fatalf("inserted %d on re-run, want 1", n)
	}

	all, err := st.SelectEntries(ctx, Filters{Eq("date", "2024-03-09")})
	if err != nil {
		t.Fatalf("SelectEntries: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d entries, want 3", len(all))
	}
}

func TestSelectEntriesRangeFilters(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	ins := []ScheduleEntry{
		{UniqueID: "a", MedicationID: 1, PatientID: 1, Date: "2024-03-09", ScheduledTime: "09:20", ScheduledMinutes: 560, Status: StatusPending},
		{UniqueID: "b", MedicationID: 1, PatientID: 1, Date: "2024-03-09", ScheduledTime: "09:50", ScheduledMinutes: 590, Status: StatusPending},
		{UniqueID: "c", MedicationID: 1, PatientID: 1, Date: "2024-03-09", ScheduledTime: "10:05", ScheduledMinutes: 605, Status: StatusPending},
		{UniqueID: "d", MedicationID: 1, PatientID: 1, Date: "2024-03-10", ScheduledTime: "09:50", ScheduledMinutes: 590, Status: StatusPending},
	}
	if _, err := st.InsertEntries(ctx, ins); err != nil {
		t.Fatalf("InsertEntries: %v", err)
	}

	// now=600, window 30: [570, 600]
	due, err := st.SelectEntries(ctx, Filters{
		Eq("date", "2024-03-09"),
		Eq("status", StatusPending),
		Gte("scheduled_minutes", 570),
		Lte("scheduled_minutes", 600),
	})
	if err != nil {
		t.Fatalf("SelectEntries: %v", err)
	}
	if len(due) != 1 || due[0].UniqueID != "b" {
		t.Fatalf("due = %+v, want exactly the 590 entry", due)
	}
}

func TestUpdateEntriesConditionalPredicate(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.InsertEntries(ctx, []ScheduleEntry{
		{UniqueID: "x", MedicationID: 1, PatientID: 1, Date: "2024-03-09", ScheduledTime: "08:00", ScheduledMinutes: 480, Status: StatusPending},
	}); err != nil {
		t.Fatalf("InsertEntries: %v", err)
	}

	// Finalizing a pending entry must match zero rows.
	n, err := st.UpdateEntries(ctx,
		Filters{Eq("unique_id", "x"), Eq("status", StatusSent)},
		Patch{"status": StatusTaken})
	if err != nil {
		t.Fatalf("UpdateEntries: %v", err)
	}
	if n != 0 {
		t.Fatalf("guarded update changed %d rows, want 0", n)
	}

	if _, err := st.UpdateEntries(ctx, Filters{Eq("unique_id", "x")}, Patch{"status": StatusSent}); err != nil {
		t.Fatalf("UpdateEntries to sent: %v", err)
	}
	n, err = st.UpdateEntries(ctx,
		Filters{Eq("unique_id", "x"), Eq("status", StatusSent)},
		Patch{"status": StatusTaken})
	if err != nil {
		t.Fatalf("UpdateEntries to taken: %v", err)
	}
	if n != 1 {
		t.Fatalf("guarded update changed %d rows, want 1", n)
	}
}

func TestDeleteEntriesRefusesUnfiltered(t *testing.T) {
	st := openTestStore(t)
	if _, err := st.DeleteEntries(context.Background(), nil); err == nil {
		t.Fatal("expected error for unfiltered delete")
	}
}

func TestFilterRejectsUnknownColumn(t *testing.T) {
	st := openTestStore(t)
	if _, err := st.SelectEntries(context.Background(), Filters{Eq("nope", 1)}); err == nil {
		t.Fatal("expected error for unknown column")
	}
}
