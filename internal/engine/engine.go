package engine

import (
	"context"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"medbot/internal/alert"
	"medbot/internal/clock"
	"medbot/internal/runtime/supervisor"
	"medbot/internal/schedule"
	"medbot/internal/transport"
	"medbot/pkg/logx"
)

type Config struct {
	// SyncCron re-runs schedule generation for the current day, picking up
	// medication edits made outside the bot.
	SyncCron string
	// MaintenanceCron runs duplicate reconciliation and minute repair.
	MaintenanceCron string
}

// Deps are the engine's collaborators. All of them operate on the shared
// store; the engine only decides when they run.
type Deps struct {
	Clock      clock.Clock
	Generator  *schedule.Generator
	Reconciler *schedule.Reconciler
	Repairer   *schedule.Repairer
	Dispatcher *alert.Dispatcher
	Finalizer  *alert.Finalizer
}

// Service is the driver loop: startup schedule generation, a minute-aligned
// dispatch tick, cron-scheduled re-sync and maintenance, and routing of
// incoming acknowledgments to the finalizer.
type Service struct {
	deps Deps
	log  logx.Logger

	mu      sync.Mutex
	cfg     Config
	cron    *cron.Cron
	syncID  cron.EntryID
	maintID cron.EntryID

	sup *supervisor.Supervisor
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, deps: deps, log: log}
}

// Start brings the engine up under ctx. The first schedule sync runs
// synchronously so reminders for the current day exist before the first tick;
// its failure is logged, not fatal, since the sync cron retries.
func (s *Service) Start(ctx context.Context, updates <-chan transport.Update) error {
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	runCtx := s.sup.Context()

	s.syncDay(runCtx, clock.Date(s.deps.Clock.Now()))

	s.mu.Lock()
	s.cron = cron.New(cron.WithLocation(s.deps.Clock.Location()))
	cfg := s.cfg
	s.mu.Unlock()
	if err := s.schedule(cfg); err != nil {
		return err
	}
	s.cron.Start()

	s.sup.GoRestart("reminder.tick", func(c context.Context) error {
		return s.tickLoop(c)
	})
	s.sup.Go0("updates.route", func(c context.Context) {
		s.route(c, updates)
	})

	s.notifySystemd(runCtx)

	s.log.Info("engine started",
		logx.String("sync_cron", cfg.SyncCron),
		logx.String("maintenance_cron", cfg.MaintenanceCron))
	return nil
}

// Apply swaps the cron cadences live. The running tick loop is unaffected.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	if s.cron == nil || cfg == s.cfg {
		s.cfg = cfg
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	if err := s.schedule(cfg); err != nil {
		return err
	}
	s.log.Info("engine cadences updated",
		logx.String("sync_cron", cfg.SyncCron),
		logx.String("maintenance_cron", cfg.MaintenanceCron))
	return nil
}

// schedule (re)registers the cron entries for cfg, removing the previous
// ones only after the new specs parsed.
func (s *Service) schedule(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		s.cfg = cfg
		return nil
	}

	syncID, err := s.cron.AddFunc(cfg.SyncCron, func() {
		s.syncDay(s.sup.Context(), clock.Date(s.deps.Clock.Now()))
	})
	if err != nil {
		return err
	}
	maintID, err := s.cron.AddFunc(cfg.MaintenanceCron, func() {
		s.maintenance(s.sup.Context())
	})
	if err != nil {
		s.cron.Remove(syncID)
		return err
	}

	if s.syncID != 0 {
		s.cron.Remove(s.syncID)
	}
	if s.maintID != 0 {
		s.cron.Remove(s.maintID)
	}
	s.syncID, s.maintID = syncID, maintID
	s.cfg = cfg
	return nil
}

// Stop winds the engine down: cron first so no new work starts, then the
// supervised loops. An in-flight tick gets until ctx's deadline to settle.
func (s *Service) Stop(ctx context.Context) error {
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	s.mu.Lock()
	cr := s.cron
	s.cron = nil
	s.mu.Unlock()
	if cr != nil {
		cronCtx := cr.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
		}
	}

	if s.sup == nil {
		return nil
	}
	return s.sup.Stop(ctx)
}

// tickLoop sleeps to each wall-clock minute boundary and runs one dispatch
// pass. A date rollover observed at wake regenerates the new day before
// dispatching.
func (s *Service) tickLoop(ctx context.Context) error {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	lastDate := clock.Date(s.deps.Clock.Now())
	for {
		timer.Reset(clock.UntilNextMinute(s.deps.Clock.Now()))
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		now := s.deps.Clock.Now()
		if today := clock.Date(now); today != lastDate {
			lastDate = today
			s.log.Info("date rollover", logx.String("date", today))
			s.syncDay(ctx, today)
		}

		rep, err := s.deps.Dispatcher.Tick(ctx)
		if err != nil {
			s.log.Error("dispatch tick failed", logx.Err(err))
			continue
		}
		if rep.Due > 0 {
			s.log.Info("dispatch tick",
				logx.Int("due", rep.Due),
				logx.Int("sent", rep.Sent),
				logx.Int("failed", rep.Failed),
				logx.Int("skipped", rep.Skipped))
		}
	}
}

// syncDay generates any missing entries for date.
func (s *Service) syncDay(ctx context.Context, date string) {
	rep, err := s.deps.Generator.Run(ctx, date)
	if err != nil {
		s.log.Error("schedule sync failed", logx.String("date", date), logx.Err(err))
		return
	}
	if rep.Inserted > 0 || rep.Failed > 0 || rep.BadTimes > 0 {
		s.log.Info("schedule synced",
			logx.String("date", date),
			logx.Int("medications", rep.Medications),
			logx.Int("inserted", rep.Inserted),
			logx.Int("bad_times", rep.BadTimes),
			logx.Int("failed", rep.Failed))
	}
}

// maintenance collapses duplicate entries for today and repairs drifted
// minute values across all days.
func (s *Service) maintenance(ctx context.Context) {
	date := clock.Date(s.deps.Clock.Now())

	if rep, err := s.deps.Reconciler.Run(ctx, date); err != nil {
		s.log.Error("reconciliation failed", logx.String("date", date), logx.Err(err))
	} else if rep.Deleted > 0 {
		s.log.Info("duplicates reconciled",
			logx.String("date", date),
			logx.Int("entries", rep.Entries),
			logx.Int("duplicated", rep.Duplicated),
			logx.Int64("deleted", rep.Deleted))
	}

	if rep, err := s.deps.Repairer.Run(ctx, ""); err != nil {
		s.log.Error("minute repair failed", logx.Err(err))
	} else if rep.Fixed > 0 || len(rep.Malformed) > 0 {
		s.log.Info("minutes repaired",
			logx.Int("checked", rep.Checked),
			logx.Int("fixed", rep.Fixed),
			logx.Int("malformed", len(rep.Malformed)))
	}
}

// route feeds incoming updates to their handlers. Only callback presses are
// meaningful; stray text messages are logged at debug and dropped.
func (s *Service) route(ctx context.Context, updates <-chan transport.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			switch u.Kind {
			case transport.UpdateCallback:
				s.deps.Finalizer.HandleCallback(ctx, u.Callback)
			case transport.UpdateMessage:
				if u.Message != nil {
					s.log.Debug("ignoring text message",
						logx.Int64("chat_id", u.Message.ChatID),
						logx.String("text", u.Message.Text))
				}
			}
		}
	}
}

// notifySystemd reports readiness and, when the unit has WatchdogSec set,
// keeps the keepalive going for the engine's lifetime.
func (s *Service) notifySystemd(ctx context.Context) {
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		s.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		s.log.Debug("sd_notify ready")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	s.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}
