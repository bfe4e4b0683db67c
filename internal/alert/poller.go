package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"medbot/internal/clock"
	"medbot/internal/store"
	"medbot/internal/transport"
	"medbot/pkg/logx"
)

// DefaultCatchUpWindow is how long a still-pending entry stays eligible for
// dispatch after its scheduled minute, absorbing poller downtime and missed
// ticks. Entries older than the window are missed-by-silence.
const DefaultCatchUpWindow = 30

type DispatcherConfig struct {
	// WindowMinutes is the catch-up window W: entries with
	// scheduled_minutes in [now-W, now] are eligible.
	WindowMinutes int
	// Workers bounds concurrent deliveries within one tick.
	Workers int
	// RatePerSec limits outbound sends (Telegram throttling).
	RatePerSec int
	// SendTimeout bounds one delivery attempt.
	SendTimeout time.Duration
}

// Dispatcher finds due-or-overdue pending entries every tick and drives them
// through delivery. An entry only becomes "sent" after the channel confirmed
// delivery; failed sends stay pending and retry on the next tick until they
// age out of the window.
type Dispatcher struct {
	cfg     DispatcherConfig
	store   store.Store
	adapter transport.Adapter
	clk     clock.Clock
	log     logx.Logger

	mu      sync.Mutex
	limiter *rate.Limiter
}

func NewDispatcher(cfg DispatcherConfig, st store.Store, ad transport.Adapter, clk clock.Clock, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{store: st, adapter: ad, clk: clk, log: log}
	d.Apply(cfg)
	return d
}

// Apply updates dispatcher knobs (catch-up window, rate) live.
func (d *Dispatcher) Apply(cfg DispatcherConfig) {
	if cfg.WindowMinutes <= 0 {
		cfg.WindowMinutes = DefaultCatchUpWindow
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	d.mu.Lock()
	d.cfg = cfg
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	d.mu.Unlock()
}

// outcome classifies one entry's dispatch attempt.
type outcome int

const (
	outSent outcome = iota
	outFailed
	outSkipped
)

// TickReport summarizes one dispatch tick.
type TickReport struct {
	Due     int // eligible entries found
	Sent    int // delivered and flipped to sent
	Failed  int // delivery errors (entry left pending)
	Skipped int // undeliverable (no patient address etc.)
}

// Tick selects the eligible window and attempts delivery for each entry
// independently: one failure never blocks or poisons the others. It returns
// once all attempts for this tick have settled.
func (d *Dispatcher) Tick(ctx context.Context) (TickReport, error) {
	d.mu.Lock()
	cfg := d.cfg
	lim := d.limiter
	d.mu.Unlock()

	var rep TickReport

	now := d.clk.Now()
	today := clock.Date(now)
	minutes := clock.MinuteOfDay(now)

	due, err := d.store.SelectEntries(ctx, store.Filters{
		store.Eq("status", store.StatusPending),
		store.Eq("date", today),
		store.Gte("scheduled_minutes", minutes-cfg.WindowMinutes),
		store.Lte("scheduled_minutes", minutes),
	})
	if err != nil {
		return rep, fmt.Errorf("select due entries: %w", err)
	}
	rep.Due = len(due)
	if len(due) == 0 {
		return rep, nil
	}
	d.log.Info("pending reminders due", logx.Int("count", len(due)), logx.Int("minute", minutes))

	// Per-tick lookup caches; the store is the source of truth, these just
	// avoid refetching the same medication/patient for sibling entries.
	meds := map[int64]*store.Medication{}
	patients := map[int64]*store.Patient{}

	results := make(chan outcome, len(due))
	sem := make(chan struct{}, cfg.Workers)
	var wg sync.WaitGroup

	for _, e := range due {
		med, perr := d.lookupMedication(ctx, meds, e.MedicationID)
		if perr != nil {
			d.log.Error("medication lookup failed", logx.Int64("medication_id", e.MedicationID), logx.Err(perr))
			results <- outFailed
			continue
		}
		pat, perr := d.lookupPatient(ctx, patients, e.PatientID)
		if perr != nil {
			d.log.Error("patient lookup failed", logx.Int64("patient_id", e.PatientID), logx.Err(perr))
			results <- outFailed
			continue
		}
		if pat.TelegramID == 0 {
			d.log.Warn("patient has no telegram id, skipping alert",
				logx.Int64("patient_id", pat.ID), logx.String("entry", e.ShortID))
			results <- outSkipped
			continue
		}

		entry := e
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			results <- d.deliver(ctx, lim, cfg.SendTimeout, entry, *med, *pat)
		}()
	}

	// The tick's results are applied before the loop schedules the next one.
	wg.Wait()
	close(results)
	for o := range results {
		switch o {
		case outSent:
			rep.Sent++
		case outFailed:
			rep.Failed++
		case outSkipped:
			rep.Skipped++
		}
	}
	return rep, nil
}

// deliver sends one alert and, only on confirmed success, flips the entry
// pending -> sent via a guarded update.
func (d *Dispatcher) deliver(ctx context.Context, lim *rate.Limiter, timeout time.Duration, e store.ScheduleEntry, med store.Medication, pat store.Patient) outcome {
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return outFailed
		}
	}

	text, opt := renderAlert(pat, med, e)

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	_, err := d.adapter.SendText(sendCtx, transport.ChatTarget{ChatID: pat.TelegramID}, text, opt)
	cancel()
	if err != nil {
		d.log.Error("alert delivery failed, will retry next tick",
			logx.String("entry", e.ShortID), logx.Int64("chat_id", pat.TelegramID), logx.Err(err))
		return outFailed
	}

	n, err := d.store.UpdateEntries(ctx,
		store.Filters{store.Eq("id", e.ID), store.Eq("status", store.StatusPending)},
		store.Patch{"status": store.StatusSent})
	if err != nil {
		// Message went out but the transition didn't stick; the next tick
		// re-sends. Duplicate alert beats silently lost acknowledgment path.
		d.log.Error("failed marking entry sent", logx.String("entry", e.ShortID), logx.Err(err))
		return outFailed
	}
	if n == 0 {
		// Another writer already moved the entry on; the send happened but
		// no transition did.
		d.log.Warn("entry no longer pending, transition skipped", logx.String("entry", e.ShortID))
		return outSkipped
	}
	d.log.Info("alert sent",
		logx.String("entry", e.ShortID),
		logx.String("medication", med.Name),
		logx.Int64("chat_id", pat.TelegramID))
	return outSent
}

func (d *Dispatcher) lookupMedication(ctx context.Context, cache map[int64]*store.Medication, id int64) (*store.Medication, error) {
	if m, ok := cache[id]; ok {
		return m, nil
	}
	rows, err := d.store.SelectMedications(ctx, store.Filters{store.Eq("id", id)})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("medication %d not found", id)
	}
	cache[id] = &rows[0]
	return &rows[0], nil
}

func (d *Dispatcher) lookupPatient(ctx context.Context, cache map[int64]*store.Patient, id int64) (*store.Patient, error) {
	if p, ok := cache[id]; ok {
		return p, nil
	}
	rows, err := d.store.SelectPatients(ctx, store.Filters{store.Eq("id", id)})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("patient %d not found", id)
	}
	cache[id] = &rows[0]
	return &rows[0], nil
}
