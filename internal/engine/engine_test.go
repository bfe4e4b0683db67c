package engine

import (
	"context"
	"testing"
	"time"

	"medbot/internal/alert"
	"medbot/internal/schedule"
	"medbot/internal/store"
	"medbot/internal/transport"
	"medbot/pkg/logx"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time           { return c.now }
func (c fixedClock) Location() *time.Location { return time.UTC }

type nullAdapter struct{}

func (nullAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (nullAdapter) Stop(context.Context) error                           { return nil }
func (nullAdapter) SendText(_ context.Context, to transport.ChatTarget, _ string, _ *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}
func (nullAdapter) EditText(context.Context, transport.MessageRef, string, *transport.SendOptions) error {
	return nil
}
func (nullAdapter) AnswerCallback(context.Context, string, string) error { return nil }

var tenAM = time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, mem *store.Memory) *Service {
	t.Helper()
	clk := fixedClock{now: tenAM}
	ad := nullAdapter{}
	deps := Deps{
		Clock:      clk,
		Generator:  schedule.NewGenerator(mem, logx.Nop()),
		Reconciler: schedule.NewReconciler(mem, logx.Nop()),
		Repairer:   schedule.NewRepairer(mem, logx.Nop()),
		Dispatcher: alert.NewDispatcher(alert.DispatcherConfig{}, mem, ad, clk, logx.Nop()),
		Finalizer:  alert.NewFinalizer(mem, ad, logx.Nop()),
	}
	return New(Config{SyncCron: "*/5 * * * *", MaintenanceCron: "30 3 * * *"}, deps, logx.Nop())
}

func stopEngine(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("stop: %v", err)
	}
}

func TestStartRunsInitialSync(t *testing.T) {
	mem := store.NewMemory()
	patID := mem.PutPatient(store.Patient{TelegramID: 1, Name: "Ana", Status: "active"})
	mem.PutMedication(store.Medication{
		PatientID: patID, Name: "Metformina", Dosage: "850mg",
		Active: true, Times: []string{"08:00", "20:00"},
	})

	s := newTestEngine(t, mem)
	updates := make(chan transport.Update)
	if err := s.Start(context.Background(), updates); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stopEngine(t, s)

	rows, err := mem.SelectEntries(context.Background(), store.Filters{store.Eq("date", "2024-03-09")})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d entries after start, want 2", len(rows))
	}
}

func TestMaintenanceReconcilesAndRepairs(t *testing.T) {
	mem := store.NewMemory()
	patID := mem.PutPatient(store.Patient{TelegramID: 1, Name: "Ana", Status: "active"})
	medID := mem.PutMedication(store.Medication{PatientID: patID, Name: "Metformina", Dosage: "850mg", Active: true})

	ctx := context.Background()
	if _, err := mem.InsertEntries(ctx, []store.ScheduleEntry{
		{
			UniqueID: "dupsent000000001", ShortID: "dupsent0",
			MedicationID: medID, PatientID: patID,
			Date: "2024-03-09", ScheduledTime: "08:00", ScheduledMinutes: 480,
			Status: store.StatusSent,
		},
		{
			UniqueID: "duppend000000002", ShortID: "duppend0",
			MedicationID: medID, PatientID: patID,
			Date: "2024-03-09", ScheduledTime: "08:00", ScheduledMinutes: 480,
			Status: store.StatusPending,
		},
		{
			UniqueID: "drifted000000003", ShortID: "drifted0",
			MedicationID: medID, PatientID: patID,
			Date: "2024-03-09", ScheduledTime: "20:00", ScheduledMinutes: 999,
			Status: store.StatusPending,
		},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	s := newTestEngine(t, mem)
	s.maintenance(ctx)

	rows, err := mem.SelectEntries(ctx, store.Filters{
		store.Eq("date", "2024-03-09"), store.Eq("scheduled_time", "08:00"),
	})
	if err != nil {
		t.Fatalf("select slot: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != store.StatusSent {
		t.Fatalf("duplicate slot after maintenance = %+v, want single sent survivor", rows)
	}

	rows, err = mem.SelectEntries(ctx, store.Filters{store.Eq("unique_id", "drifted000000003")})
	if err != nil {
		t.Fatalf("select drifted: %v", err)
	}
	if len(rows) != 1 || rows[0].ScheduledMinutes != 1200 {
		t.Fatalf("drifted entry after maintenance = %+v, want scheduled_minutes 1200", rows)
	}
}

func TestRouteFinalizesCallback(t *testing.T) {
	mem := store.NewMemory()
	patID := mem.PutPatient(store.Patient{TelegramID: 1, Name: "Ana", Status: "active"})
	medID := mem.PutMedication(store.Medication{PatientID: patID, Name: "Metformina", Dosage: "850mg", Active: true})
	if _, err := mem.InsertEntries(context.Background(), []store.ScheduleEntry{{
		UniqueID: "routed0000000001", ShortID: "routed00",
		MedicationID: medID, PatientID: patID,
		Date: "2024-03-09", ScheduledTime: "08:00", ScheduledMinutes: 480,
		Status: store.StatusSent,
	}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	s := newTestEngine(t, mem)
	updates := make(chan transport.Update, 1)
	if err := s.Start(context.Background(), updates); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stopEngine(t, s)

	updates <- transport.Update{
		Kind: transport.UpdateCallback,
		Callback: &transport.Callback{
			ID: "cb", ChatID: 1, MessageID: 7,
			Data: "taken:routed0000000001",
		},
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		rows, err := mem.SelectEntries(context.Background(),
			store.Filters{store.Eq("unique_id", "routed0000000001")})
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if len(rows) == 1 && rows[0].Status == store.StatusTaken {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("entry never finalized: %+v", rows)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStopReturnsPromptlyDuringWait(t *testing.T) {
	s := newTestEngine(t, store.NewMemory())
	if err := s.Start(context.Background(), make(chan transport.Update)); err != nil {
		t.Fatalf("start: %v", err)
	}

	start := time.Now()
	stopEngine(t, s)
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("stop took %v, want prompt return from inter-tick wait", took)
	}
}

func TestApplyRejectsBadCron(t *testing.T) {
	s := newTestEngine(t, store.NewMemory())
	if err := s.Start(context.Background(), make(chan transport.Update)); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stopEngine(t, s)

	s.mu.Lock()
	good := s.cfg
	s.mu.Unlock()
	if err := s.Apply(Config{SyncCron: "bogus", MaintenanceCron: "30 3 * * *"}); err == nil {
		t.Fatal("expected error applying bogus cron spec")
	}
	s.mu.Lock()
	kept := s.cfg
	s.mu.Unlock()
	if kept != good {
		t.Fatalf("config changed after rejected apply: %+v", kept)
	}
}
