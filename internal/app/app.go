// Package app wires configuration, storage, the Telegram adapter, and the
// reminder engine into one startable unit.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"medbot/internal/alert"
	"medbot/internal/clock"
	"medbot/internal/config"
	"medbot/internal/engine"
	"medbot/internal/runtime/supervisor"
	"medbot/internal/schedule"
	"medbot/internal/store"
	"medbot/internal/transport"
	"medbot/internal/transport/telegram"
	"medbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	clk     *clock.System
	st      store.Store
	adapter *telegram.Adapter
	disp    *alert.Dispatcher
	eng     *engine.Service

	updates chan transport.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	clk, err := clock.NewSystem(cfg.Engine.Timezone)
	if err != nil {
		return nil, err
	}

	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.PollTimeoutOrDefault(),
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("telegram: %w", err)
	}

	disp := alert.NewDispatcher(mapDispatcherConfig(cfg), st, ad, clk,
		log.With(logx.String("comp", "dispatcher")))

	eng := engine.New(engine.Config{
		SyncCron:        cfg.SyncCronOrDefault(),
		MaintenanceCron: cfg.MaintenanceCronOrDefault(),
	}, engine.Deps{
		Clock:      clk,
		Generator:  schedule.NewGenerator(st, log.With(logx.String("comp", "generator"))),
		Reconciler: schedule.NewReconciler(st, log.With(logx.String("comp", "reconciler"))),
		Repairer:   schedule.NewRepairer(st, log.With(logx.String("comp", "repairer"))),
		Dispatcher: disp,
		Finalizer:  alert.NewFinalizer(st, ad, log.With(logx.String("comp", "finalizer"))),
	}, log.With(logx.String("comp", "engine")))

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		clk:     clk,
		st:      st,
		adapter: ad,
		disp:    disp,
		eng:     eng,
		updates: make(chan transport.Update, 256),
	}, nil
}

// Done is closed when the app run context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return fmt.Errorf("telegram start: %w", err)
	}
	if err := a.eng.Start(runCtx, a.updates); err != nil {
		return fmt.Errorf("engine start: %w", err)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.apply", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.applyLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("timezone", a.clk.Location().String()))
	return nil
}

// applyLoop consumes committed config reloads and applies the hot-reloadable
// knobs. Sections that need a process restart are called out instead.
func (a *App) applyLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest snapshot matters.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					goto apply
				}
			}
		apply:
			a.applyConfig(last, cfg)
			last = cfg
		}
	}
}

func (a *App) applyConfig(old, cfg *config.Config) {
	sections, _ := config.SummarizeChange(old, cfg)
	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLoggingConfig(cfg))
		case "engine":
			a.disp.Apply(mapDispatcherConfig(cfg))
			if err := a.eng.Apply(engine.Config{
				SyncCron:        cfg.SyncCronOrDefault(),
				MaintenanceCron: cfg.MaintenanceCronOrDefault(),
			}); err != nil {
				a.log.Warn("engine cadence update rejected", logx.Err(err))
			}
			if old != nil && strings.TrimSpace(old.Engine.Timezone) != strings.TrimSpace(cfg.Engine.Timezone) {
				a.log.Warn("engine.timezone changed; restart required to take effect")
			}
		case "storage", "telegram":
			a.log.Warn("section changed; restart required to take effect",
				logx.String("section", s))
		}
	}
}

// Stop shuts the app down in dependency order, each step bounded so one
// stalled component can't hold the process open.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	a.step(ctx, "engine", 10*time.Second, a.eng.Stop)
	a.step(ctx, "adapter", 3*time.Second, a.adapter.Stop)
	a.step(ctx, "storage", 2*time.Second, func(context.Context) error { return a.st.Close() })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// step runs one shutdown action under its own deadline, never extending the
// caller's.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped, deadline exhausted", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		} else {
			a.log.Debug("stop step done", logx.String("name", name),
				logx.Duration("took", time.Since(start)))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached, continuing",
			logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapDispatcherConfig(cfg *config.Config) alert.DispatcherConfig {
	return alert.DispatcherConfig{
		WindowMinutes: cfg.Engine.CatchUpWindowMinutes,
		Workers:       cfg.Engine.Workers,
		RatePerSec:    cfg.Engine.RatePerSec,
		SendTimeout:   cfg.SendTimeoutOrDefault(),
	}
}
