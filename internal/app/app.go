package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"

	"leaguebot/internal/config"
	"leaguebot/internal/eventbus"
	"leaguebot/internal/notifier"
	"leaguebot/internal/orchestrator"
	"leaguebot/internal/scheduler"
	"leaguebot/internal/sim"
	"leaguebot/internal/storage"
	"leaguebot/internal/ticklock"
	logx "leaguebot/pkg/logx"
)

const tickJobName = "league.tick"

// App wires the worker together: config, logging, storage, the tick
// orchestrator, and the cron trigger.
type App struct {
	cfgPath  string
	holderID string

	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	store storage.Store
	lock  *ticklock.Lock
	notif *notifier.Service
	sched *scheduler.Service
	orch  *orchestrator.Service

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	holderID := strings.TrimSpace(cfg.Instance)
	if holderID == "" {
		holderID = generateHolderID()
	}

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	staleness, err := config.ParseDurationOrDefault("lock.staleness", cfg.Lock.Staleness, 10*time.Minute)
	if err != nil {
		return nil, err
	}
	lockKey := strings.TrimSpace(cfg.Lock.Key)
	if lockKey == "" {
		lockKey = ticklock.DefaultKey
	}
	lock := ticklock.New(store, lockKey, holderID, staleness, log.With(logx.String("comp", "ticklock")))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notifSvc := notifier.New(ncfg, logSink(log.With(logx.String("comp", "announce"))),
		store, log.With(logx.String("comp", "notifier")))

	stagger, err := config.ParseDurationOrDefault("executor.stagger", cfg.Executor.Stagger, 0)
	if err != nil {
		return nil, err
	}
	orch, err := orchestrator.New(orchestrator.Config{
		Teams:      cfg.League.TeamList(),
		Rounds:     cfg.League.Rounds,
		Qualifiers: cfg.League.Qualifiers,
		BestOf:     cfg.League.BestOf,
		Stagger:    stagger,
	}, store, lock, sim.NewScrimmage(cfg.Sim.Seed), notifSvc, bus,
		log.With(logx.String("comp", "orchestrator")))
	if err != nil {
		return nil, err
	}

	tickTimeout, err := config.ParseDurationOrDefault("trigger.timeout", cfg.Trigger.Timeout, 5*time.Minute)
	if err != nil {
		return nil, err
	}
	if tickTimeout >= staleness {
		return nil, fmt.Errorf("trigger.timeout (%s) must stay below lock.staleness (%s)", tickTimeout, staleness)
	}
	schedSvc := scheduler.New(scheduler.Config{
		Enabled:        cfg.Trigger.Enabled,
		Timezone:       cfg.Trigger.Timezone,
		DefaultTimeout: tickTimeout,
	}, log.With(logx.String("comp", "trigger")))

	return &App{
		cfgPath:  cfgPath,
		holderID: holderID,
		cfgm:     cfgm,
		logs:     logSvc,
		log:      log,
		bus:      bus,
		store:    store,
		lock:     lock,
		notif:    notifSvc,
		sched:    schedSvc,
		orch:     orch,
	}, nil
}

// HolderID is the identity this instance writes into the tick lock row.
func (a *App) HolderID() string { return a.holderID }

func (a *App) Orchestrator() *orchestrator.Service { return a.orch }

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateReload(a.cfgm.Get(), cfg)
	})

	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}

	cfg := a.cfgm.Get()
	if cfg.Trigger.Enabled {
		if _, err := a.sched.AddSchedule(tickJobName, cfg.Trigger.Schedule, 0, a.fireTick); err != nil {
			cancel()
			return fmt.Errorf("trigger.schedule: %w", err)
		}
		a.sched.Start(runCtx)
	} else {
		a.log.Warn("trigger disabled; ticks will not fire")
	}

	// Event log tap, debug level so frequent ticks stay quiet.
	events, unsub := a.bus.Subscribe(128)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsub()
		for {
			select {
			case <-runCtx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	}()

	// hot reload: watch the file, apply what can change live
	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(runCtx, sub)
	}()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.String("holder", a.holderID),
		logx.Int("teams", len(cfg.League.Teams)))
	return nil
}

// fireTick is the cron job body. A lock held elsewhere is routine, not an
// error: the other instance owns this tick.
func (a *App) fireTick(ctx context.Context) error {
	err := a.orch.Fire(ctx)
	if errors.Is(err, orchestrator.ErrLockUnavailable) {
		a.log.Debug("tick skipped, lock held elsewhere")
		return nil
	}
	return err
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the latest config matters.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
					continue
				default:
				}
				break
			}
			a.applyReload(newCfg)
		}
	}
}

func (a *App) applyReload(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	// Trigger schedule changes apply live; everything structural needs a
	// restart and was already rejected by validateReload.
	if cfg.Trigger.Enabled {
		if _, err := a.sched.AddSchedule(tickJobName, cfg.Trigger.Schedule, 0, a.fireTick); err != nil {
			a.log.Warn("trigger.schedule rejected; keeping previous", logx.Err(err))
		}
	} else if a.sched.Remove(tickJobName) {
		a.log.Info("trigger disabled via config")
	}

	a.log.Info("config reloaded")
}

// validateReload rejects hot changes to settings that only apply at startup.
func validateReload(old, next *config.Config) error {
	if next.Trigger.Enabled {
		if _, err := scheduler.ParseSchedule(next.Trigger.Schedule); err != nil {
			return fmt.Errorf("trigger.schedule: %w", err)
		}
	}
	if tz := strings.TrimSpace(next.Trigger.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("trigger.timezone: invalid %q: %w", tz, err)
		}
	}
	if old == nil {
		return nil
	}
	if next.Storage != old.Storage {
		return fmt.Errorf("storage: changes require a restart")
	}
	if next.Lock != old.Lock {
		return fmt.Errorf("lock: changes require a restart")
	}
	if !leagueEqual(old.League, next.League) {
		return fmt.Errorf("league: changes require a restart")
	}
	return nil
}

func leagueEqual(a, b config.LeagueConfig) bool {
	if a.Rounds != b.Rounds || a.Qualifiers != b.Qualifiers || a.BestOf != b.BestOf {
		return false
	}
	if len(a.Teams) != len(b.Teams) {
		return false
	}
	for i := range a.Teams {
		if a.Teams[i] != b.Teams[i] {
			return false
		}
	}
	return true
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if a.cancel != nil {
		a.cancel()
	}

	a.sched.Stop(ctx)
	a.notif.Stop(ctx)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("stop timed out waiting for background loops")
	}

	var firstErr error
	if err := a.store.Close(); err != nil {
		firstErr = err
	}
	a.log.Info("app stopped")
	if err := a.logs.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func generateHolderID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "leaguebot"
	}
	return host + "-" + uuid.NewString()[:8]
}

// logSink announces finished games through the structured log. Deployments
// grafting on a chat or webhook sink implement notifier.Sink instead.
func logSink(log logx.Logger) notifier.Sink {
	return notifier.SinkFunc(func(_ context.Context, n notifier.Notification) error {
		log.Info("game finished",
			logx.Int("tick", n.Tick),
			logx.String("phase", string(n.Phase)),
			logx.String("matchup", fmt.Sprintf("%s %d : %d %s", n.TeamA, n.ScoreA, n.ScoreB, n.TeamB)),
			logx.String("winner", string(n.Winner)))
		return nil
	})
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, fmt.Errorf("storage.driver: required (tick lock and schedule live there)")
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	if driver == "sqlite" && strings.TrimSpace(cfg.Storage.Path) == "" {
		return storage.Config{}, fmt.Errorf("storage.path: required for sqlite")
	}
	return storage.Config{
		Driver:      driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	dedup, err := config.ParseDurationOrDefault("notifier.dedup_window", cfg.Notifier.DedupWindow, 24*time.Hour)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:     cfg.Notifier.Enabled,
		Workers:     cfg.Notifier.Workers,
		QueueSize:   cfg.Notifier.QueueSize,
		RatePerSec:  cfg.Notifier.RatePerSec,
		DedupWindow: dedup,
	}, nil
}
