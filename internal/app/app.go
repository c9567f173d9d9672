// Package app wires the chronograph services together: config, logging,
// storage, planner, marketplace client, job queue, poller, feed sweep,
// control API and the alert sink. Construction is fail-fast; Start/Stop
// bring the pieces up and down in dependency order.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"chronograph/internal/api"
	"chronograph/internal/chrono"
	"chronograph/internal/config"
	"chronograph/internal/feed"
	"chronograph/internal/jobqueue"
	"chronograph/internal/marketplace"
	"chronograph/internal/notify"
	"chronograph/internal/planning"
	"chronograph/internal/storage"
	logx "chronograph/pkg/logx"
)

// seededStreams is the stream capacity written into a fresh database
// when the config file does not name one.
const seededStreams = 300

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store   *storage.Store
	planner *planning.Planner
	client  *marketplace.Client
	jobs    *jobqueue.Service
	poller  *chrono.Poller
	feed    *feed.Service
	api     *api.Server
	alerts  *notify.Service

	apiErr <-chan error
	fatal  chan error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, baseLog := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a := &App{cfgMgr: mgr, logSvc: logSvc, log: baseLog, fatal: make(chan error, 1)}
	mgr.SetLogger(baseLog.With(logx.String("svc", "config")))

	if err := a.build(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return err
	}
	store, err := storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy},
		a.log.With(logx.String("svc", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store

	planOpts, err := planningOptions(cfg.Planning)
	if err != nil {
		return err
	}
	a.planner = planning.New(store, planOpts, a.log.With(logx.String("svc", "planning")))

	apiTimeout, err := config.ParseDurationOrDefault("api.timeout", cfg.API.Timeout, 30*time.Second)
	if err != nil {
		return err
	}
	client, err := marketplace.New(marketplace.Config{
		BaseURL:    cfg.API.BaseURL,
		Token:      cfg.API.Token,
		Timeout:    apiTimeout,
		RatePerSec: cfg.API.RatePerSec,
	}, a.log.With(logx.String("svc", "marketplace")))
	if err != nil {
		return err
	}
	a.client = client

	grace, err := config.ParseDurationOrDefault("scheduler.misfire_grace", cfg.Scheduler.MisfireGrace, jobqueue.DefaultMisfireGrace)
	if err != nil {
		return err
	}
	a.jobs = jobqueue.New(store, grace, a.log.With(logx.String("svc", "jobs")))

	a.alerts, err = buildAlerts(cfg.Notify, a.log)
	if err != nil {
		// A broken alert sink must not take the scheduler down with it.
		a.log.Warn("alert sink disabled", logx.Err(err))
		a.alerts, _ = notify.New(notify.Config{}, a.log)
	}

	pollOpts, err := pollerOptions(cfg)
	if err != nil {
		return err
	}
	a.poller = chrono.New(client, a.planner, a.jobs, a.alerts, pollOpts,
		a.log.With(logx.String("svc", "poller")))
	a.jobs.SetHandler(a.poller.HandleJob)

	feedInterval, err := config.ParseDurationOrDefault("feed.interval", cfg.Feed.Interval, 30*time.Second)
	if err != nil {
		return err
	}
	a.feed = feed.New(feed.Config{
		Enabled:  cfg.Feed.Enabled,
		Interval: feedInterval,
		Limit:    cfg.Feed.Limit,
	}, client, a.poller, store, a.log.With(logx.String("svc", "feed")))

	readTO, err := config.ParseDurationOrDefault("server.read_timeout", cfg.Server.ReadTimeout, 10*time.Second)
	if err != nil {
		return err
	}
	writeTO, err := config.ParseDurationOrDefault("server.write_timeout", cfg.Server.WriteTimeout, 10*time.Second)
	if err != nil {
		return err
	}
	a.api = api.New(api.Config{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  readTO,
		WriteTimeout: writeTO,
	}, a.jobs, store, a.log.With(logx.String("svc", "api")))
	return nil
}

func planningOptions(pc config.PlanningConfig) (planning.Options, error) {
	var opts planning.Options

	tz := strings.TrimSpace(pc.Timezone)
	if tz == "" {
		tz = "Europe/Kyiv"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return opts, fmt.Errorf("planning.timezone: %w", err)
	}
	opts.Location = loc

	if pc.DayStart != "" {
		if opts.DayStart, err = planning.ParseClock(pc.DayStart); err != nil {
			return opts, fmt.Errorf("planning.day_start: %w", err)
		}
	}
	if pc.DayEnd != "" {
		if opts.DayEnd, err = planning.ParseClock(pc.DayEnd); err != nil {
			return opts, fmt.Errorf("planning.day_end: %w", err)
		}
	}
	if opts.Rounding, err = config.ParseDurationOrDefault("planning.rounding", pc.Rounding, 0); err != nil {
		return opts, err
	}
	if opts.ServiceTime, err = config.ParseDurationOrDefault("planning.service_time", pc.ServiceTime, 0); err != nil {
		return opts, err
	}
	if opts.MinPause, err = config.ParseDurationOrDefault("planning.min_pause", pc.MinPause, 0); err != nil {
		return opts, err
	}
	return opts, nil
}

func pollerOptions(cfg *config.Config) (chrono.Options, error) {
	var opts chrono.Options
	var err error
	if opts.SmoothingMin, err = config.ParseDurationOrDefault("scheduler.smoothing_min", cfg.Scheduler.SmoothingMin, 0); err != nil {
		return opts, err
	}
	if opts.SmoothingResyncMin, err = config.ParseDurationOrDefault("scheduler.smoothing_resync_min", cfg.Scheduler.SmoothingResyncMin, 0); err != nil {
		return opts, err
	}
	if opts.SmoothingMax, err = config.ParseDurationOrDefault("scheduler.smoothing_max", cfg.Scheduler.SmoothingMax, 0); err != nil {
		return opts, err
	}
	opts.Sandbox = cfg.Planning.Sandbox
	return opts, nil
}

func buildAlerts(nc *config.NotifyConfig, log logx.Logger) (*notify.Service, error) {
	if nc == nil {
		return notify.New(notify.Config{}, log.With(logx.String("svc", "notify")))
	}
	return notify.New(notify.Config{
		Enabled:    nc.Enabled,
		Token:      nc.Token,
		ChatID:     nc.ChatID,
		RatePerSec: nc.RatePerSec,
	}, log.With(logx.String("svc", "notify")))
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgMgr.Get()

	seed := cfg.Planning.Streams
	if seed <= 0 {
		seed = seededStreams
	}
	if err := a.store.EnsureDefaults(ctx, seed); err != nil {
		return fmt.Errorf("seed storage: %w", err)
	}

	a.alerts.Start(ctx)

	if err := a.jobs.Start(ctx); err != nil {
		return err
	}
	if err := a.feed.Start(ctx); err != nil {
		return err
	}
	a.apiErr = a.api.Start()

	var runCtx context.Context
	runCtx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgMgr.Watch(runCtx)
	}()
	a.wg.Add(1)
	go a.applyConfigUpdates(runCtx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		select {
		case <-runCtx.Done():
		case err, ok := <-a.apiErr:
			if ok && err != nil {
				a.log.Error("control api failed", logx.Err(err))
				select {
				case a.fatal <- err:
				default:
				}
			}
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("chronograph started")
	return nil
}

// Fatal reports unrecoverable background failures (control API crash).
func (a *App) Fatal() <-chan error { return a.fatal }

// applyConfigUpdates follows the config watcher and applies what can be
// changed at runtime (currently the logging setup). Everything else
// requires a restart and is only reported.
func (a *App) applyConfigUpdates(ctx context.Context) {
	defer a.wg.Done()
	sub := a.cfgMgr.Subscribe(1)
	defer a.cfgMgr.Unsubscribe(sub)

	prev := a.cfgMgr.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok || cfg == nil {
				return
			}
			changed, attrs := config.SummarizeChange(prev, cfg)
			if len(changed) == 0 {
				continue
			}
			a.log.Info("config updated",
				append([]logx.Field{logx.Any("sections", changed)}, attrs...)...)

			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			for _, section := range changed {
				if section != "logging" {
					a.log.Warn("config section needs restart to apply",
						logx.String("section", section))
				}
			}
			prev = cfg
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	if a.api != nil {
		if err := a.api.Stop(ctx); err != nil {
			a.log.Warn("api shutdown", logx.Err(err))
		}
	}
	if a.feed != nil {
		a.feed.Stop(ctx)
	}
	if a.jobs != nil {
		a.jobs.Stop()
	}
	if a.alerts != nil {
		a.alerts.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("stopped")
	return a.logSvc.Close()
}
