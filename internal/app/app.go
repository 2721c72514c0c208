// Package app wires the supervisor together: config, logging, storage,
// the instance guard, the scheduler pipeline and the admin API.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"taskwarden/internal/admin"
	"taskwarden/internal/backoff"
	"taskwarden/internal/config"
	"taskwarden/internal/eventbus"
	"taskwarden/internal/governor"
	"taskwarden/internal/guard"
	"taskwarden/internal/manifest"
	"taskwarden/internal/quarantine"
	"taskwarden/internal/runtime/supervisor"
	"taskwarden/internal/sched"
	"taskwarden/internal/storage"
	"taskwarden/internal/watchdog"
	"taskwarden/internal/worker"
	logx "taskwarden/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	lock  *guard.Guard
	store storage.Store

	man   *manifest.Manifest
	gov   *governor.Governor
	ctrl  *backoff.Controller
	quar  *quarantine.Store
	reg   *worker.Registry
	bus   eventbus.Bus
	wd    *watchdog.Watchdog
	sched *sched.Scheduler

	mu        sync.Mutex // guards recurring across reload swaps
	recurring *sched.Recurring

	sup *supervisor.Supervisor
}

// New parses and validates the config and builds the full component
// graph. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	mgr.SetValidator(func(ctx context.Context, c *config.Config) error {
		return c.Validate()
	})

	logSvc, rootLog := logx.New(mapLoggingConfig(cfg))
	mgr.SetLogger(rootLog.With(logx.String("comp", "config")))

	a := &App{
		cfgMgr: mgr,
		logSvc: logSvc,
		log:    rootLog,
		reg:    worker.NewRegistry(),
		bus:    eventbus.New(256),
	}

	stCfg, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if enabled {
		st, err := storage.Open(stCfg, rootLog.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.store = st
	}

	bCfg, err := mapBackoffConfig(cfg)
	if err != nil {
		return nil, err
	}
	wdCfg, err := mapWatchdogConfig(cfg)
	if err != nil {
		return nil, err
	}
	sCfg, err := mapSchedConfig(cfg)
	if err != nil {
		return nil, err
	}

	a.man = manifest.New(persister(a.store), rootLog)
	a.gov = governor.New(cfg.Governor.Classes)
	a.ctrl = backoff.NewController(bCfg, backoffPersister(a.store), rootLog)
	a.quar = quarantine.New(quarantinePersister(a.store), rootLog)
	a.wd = watchdog.New(wdCfg, rootLog.With(logx.String("comp", "watchdog")))

	a.sched = sched.New(sCfg, sched.Deps{
		Manifest:   a.man,
		Governor:   a.gov,
		Backoff:    a.ctrl,
		Quarantine: a.quar,
		Watchdog:   a.wd,
		Registry:   a.reg,
		Bus:        a.bus,
		Log:        rootLog,
	})

	a.registerCommandTasks(cfg)
	return a, nil
}

// Registry exposes the executor registry so embedders can add in-process
// executors before Start.
func (a *App) Registry() *worker.Registry { return a.reg }

// Scheduler exposes the scheduling pipeline (submission entrypoint).
func (a *App) Scheduler() *sched.Scheduler { return a.sched }

func (a *App) registerCommandTasks(cfg *config.Config) {
	for typ, cmd := range cfg.Tasks {
		if _, err := a.reg.Lookup(typ); err == nil {
			// In-code registrations win over config.
			continue
		}
		a.reg.Register(typ, worker.Command{
			Path: cmd.Path,
			Args: cmd.Args,
			Dir:  cmd.Dir,
			Env:  cmd.Env,
			Log:  a.log.With(logx.String("comp", "worker")),
		})
	}
}

// Start acquires the instance lock, restores persisted state, and brings
// every background component up under one runtime supervisor.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgMgr.Get()

	lockPath := cfg.Guard.LockPath
	if lockPath == "" {
		lockPath = "./taskwarden.pid"
	}
	lock, err := guard.Acquire(lockPath, a.log.With(logx.String("comp", "guard")))
	if err != nil {
		return err
	}
	a.lock = lock

	orphans, err := a.restore(ctx)
	if err != nil {
		return err
	}

	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "runtime"))),
	)

	a.sup.GoRestart("config-watch", func(ctx context.Context) error {
		return a.cfgMgr.Watch(ctx)
	}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	a.sup.Go0("config-apply", a.applyConfigUpdates)

	a.sup.Go("sched", a.sched.Run)

	if cfg.Admin.Enabled {
		aCfg, err := mapAdminConfig(cfg)
		if err != nil {
			return err
		}
		srv := admin.New(aCfg, admin.Deps{
			Sched:      a.sched,
			Manifest:   a.man,
			Quarantine: a.quar,
			Governor:   a.gov,
			Bus:        a.bus,
			Log:        a.log,
		})
		a.sup.GoRestart("admin", srv.Run,
			supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}

	if err := a.rebuildSchedules(cfg); err != nil {
		return err
	}

	// Route attempts orphaned by the previous instance through the
	// normal failure path once the pipeline is live.
	a.sched.RecoverOrphans(ctx, orphans)

	a.notifySystemd()

	a.log.Info("supervisor started",
		logx.Int("restored_tasks", len(a.man.List(""))),
		logx.Int("orphans", len(orphans)),
		logx.Any("classes", a.gov.Classes()))
	return nil
}

func (a *App) restore(ctx context.Context) (orphans []string, err error) {
	if a.store == nil {
		return nil, nil
	}
	tasks, err := a.store.LoadTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore tasks: %w", err)
	}
	orphans = a.man.Restore(tasks)

	states, err := a.store.LoadBackoff(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore backoff: %w", err)
	}
	a.ctrl.Restore(states)

	if err := a.quar.Restore(ctx); err != nil {
		return nil, err
	}
	return orphans, nil
}

// applyConfigUpdates follows validated hot reloads. Only knobs that are
// safe to swap live are applied; structural changes (classes, storage
// driver, admin bind) take effect on restart.
func (a *App) applyConfigUpdates(ctx context.Context) {
	sub := a.cfgMgr.Subscribe(4)
	defer a.cfgMgr.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok || cfg == nil {
				return
			}
			a.logSvc.Apply(mapLoggingConfig(cfg))
			if bCfg, err := mapBackoffConfig(cfg); err == nil {
				a.ctrl.Apply(bCfg)
			}
			if wdCfg, err := mapWatchdogConfig(cfg); err == nil {
				a.wd.Apply(wdCfg)
			}
			if err := a.rebuildSchedules(cfg); err != nil {
				a.log.Warn("cannot apply schedules", logx.Err(err))
			}
			a.log.Info("config reloaded")
		}
	}
}

// rebuildSchedules replaces the recurring submitter wholesale from the
// given config. Schedules are idempotent on (type, payload key), so a
// swap never double-runs work.
func (a *App) rebuildSchedules(cfg *config.Config) error {
	loc, err := mapTimezone(cfg)
	if err != nil {
		return err
	}
	next := sched.NewRecurring(loc, a.sched.Submit, a.log)
	if err := next.Apply(mapSchedules(cfg)); err != nil {
		return err
	}
	a.swapRecurring(next)
	return nil
}

func (a *App) swapRecurring(next *sched.Recurring) {
	a.mu.Lock()
	old := a.recurring
	a.recurring = next
	a.mu.Unlock()
	if old != nil {
		old.Stop()
	}
	if next != nil {
		next.Start()
	}
}

// notifySystemd reports readiness and, when the unit has WatchdogSec set,
// keeps the systemd watchdog fed for as long as the runtime is healthy.
func (a *App) notifySystemd() {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
		return
	}
	if !sent {
		return // not running under systemd
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	a.sup.Go0("sd-watchdog", func(ctx context.Context) {
		tick := time.NewTicker(interval / 2)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

// Stop shuts everything down in reverse order of Start.
func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.swapRecurring(nil)
	if a.sup != nil {
		stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := a.sup.Stop(stopCtx); err != nil {
			a.log.Warn("runtime stop incomplete", logx.Err(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	if a.lock != nil {
		if err := a.lock.Release(); err != nil {
			a.log.Warn("lock release failed", logx.Err(err))
		}
	}
	a.log.Info("supervisor stopped")
	if a.logSvc != nil {
		_ = a.logSvc.Close()
	}
	return nil
}

// persister helpers: a nil storage.Store must become a nil interface,
// not a typed-nil wrapped in a non-nil interface.

func persister(st storage.Store) manifest.Persister {
	if st == nil {
		return nil
	}
	return st
}

func backoffPersister(st storage.Store) backoff.Persister {
	if st == nil {
		return nil
	}
	return st
}

func quarantinePersister(st storage.Store) quarantine.Persister {
	if st == nil {
		return nil
	}
	return st
}
