// Package app wires config, provider, routines, scheduler, storage, notifier,
// schedules and the control API into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"envfleet/internal/config"
	"envfleet/internal/eventbus"
	"envfleet/internal/notifier"
	"envfleet/internal/provider"
	"envfleet/internal/report"
	"envfleet/internal/routine"
	"envfleet/internal/routine/builtin"
	"envfleet/internal/runtime/supervisor"
	"envfleet/internal/storage"
	"envfleet/internal/task/scheduler"
	"envfleet/internal/task/trigger"
	logx "envfleet/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	client   provider.Client
	registry *routine.Registry
	loader   *routine.Loader
	store    storage.Store

	sched *scheduler.Scheduler
	notif *notifier.Service
	trig  *trigger.Service

	// runCtx outlives API requests; runs launched in serve mode hang off it.
	runCtx context.Context
	sup    *supervisor.Supervisor
}

type options struct {
	logLevel string
	client   provider.Client
	console  bool
}

type Option func(*options)

// WithLogLevel overrides logging.level from the config file.
func WithLogLevel(level string) Option {
	return func(o *options) { o.logLevel = strings.TrimSpace(level) }
}

// WithProvider replaces the HTTP provisioning client.
func WithProvider(c provider.Client) Option {
	return func(o *options) { o.client = c }
}

// WithConsole forces console logging on, whatever the file says.
func WithConsole() Option {
	return func(o *options) { o.console = true }
}

// New loads the config at cfgPath and builds every component. Nothing is
// started; use Run for one run or Serve for the long-lived mode.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	a, err := build(cfg, opts...)
	if err != nil {
		return nil, err
	}
	a.cfgm = cfgm
	cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	return a, nil
}

func build(cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.console {
		cfg.Logging.Console = true
	}

	// Remote logging needs the notifier as its sender, so bootstrap with the
	// remote sink off and apply the final config once the sender exists.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Remote.Enabled = false
	logSvc, root := logx.New(bootCfg, nil)
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New()

	client := o.client
	if client == nil {
		hc, err := provider.NewHTTPClient(mapProviderConfig(cfg), root.With(logx.String("comp", "provider")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		client = hc
	}

	reg := routine.NewRegistry()
	builtin.Register(reg)
	loader := routine.NewLoader(reg, cfg.Routines.Dir)

	var store storage.Store
	if sc, enabled := mapStorageConfig(cfg); enabled {
		st, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, fmt.Errorf("storage: %w", err)
		}
		store = st
		log.Debug("run history enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	var sink report.Sink
	if store != nil {
		sink = store
	}
	sched := scheduler.New(mapSchedulerConfig(cfg), client, loader, sink, bus, root.With(logx.String("comp", "scheduler")))

	ncfg := mapNotifierConfig(cfg)
	var tr notifier.Transport
	if ncfg.Enabled {
		tg, err := notifier.NewTelegram(ncfg.Token, cfg.Notifier.APIURL, 0)
		if err != nil {
			_ = logSvc.Close()
			return nil, fmt.Errorf("notifier: %w", err)
		}
		tr = tg
	}
	notif := notifier.New(ncfg, tr, bus, root.With(logx.String("comp", "notifier")))
	if notif.Enabled() {
		logSvc.SetSender(notif)
	}
	logSvc.Apply(logCfg)

	a := &App{
		cfg:      cfg,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		client:   client,
		registry: reg,
		loader:   loader,
		store:    store,
		sched:    sched,
		notif:    notif,
		runCtx:   context.Background(),
	}
	a.trig = trigger.New(mapTriggerConfig(cfg), trigger.LaunchFunc(a.launchSchedule),
		root.With(logx.String("comp", "trigger")), bus)
	return a, nil
}

func (a *App) Config() *config.Config {
	if a.cfgm != nil {
		if c := a.cfgm.Get(); c != nil {
			return c
		}
	}
	return a.cfg
}

func (a *App) Logger() logx.Logger             { return a.log }
func (a *App) Bus() eventbus.Bus               { return a.bus }
func (a *App) Provider() provider.Client       { return a.client }
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }
func (a *App) Routines() *routine.Loader       { return a.loader }
func (a *App) Store() storage.Store            { return a.store }
func (a *App) Schedules() *trigger.Service     { return a.trig }

// CheckConnection runs the provider diagnostics. It needs the HTTP client.
func (a *App) CheckConnection(ctx context.Context) (provider.ConnectionReport, error) {
	hc, ok := a.client.(*provider.HTTPClient)
	if !ok {
		return provider.ConnectionReport{}, errors.New("connection check needs the HTTP provider client")
	}
	return hc.CheckConnection(ctx), nil
}

// Close releases storage and flushes pending notifications and log files.
func (a *App) Close() error {
	var errs []error
	if a.notif != nil && a.notif.Enabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.notif.Flush(ctx)
		cancel()
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}
