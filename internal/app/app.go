package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"notifyd/internal/config"
	"notifyd/internal/eventbus"
	"notifyd/internal/events"
	"notifyd/internal/httpapi"
	"notifyd/internal/lookup"
	"notifyd/internal/mailer"
	"notifyd/internal/observability/pprof"
	"notifyd/internal/pipeline"
	"notifyd/internal/preferences"
	"notifyd/internal/recorder"
	"notifyd/internal/router"
	rtsup "notifyd/internal/runtime/supervisor"
	"notifyd/internal/storage"
	"notifyd/internal/summary"
	"notifyd/internal/templates"
	"notifyd/internal/transport"
	redistransport "notifyd/internal/transport/redis"
	logx "notifyd/pkg/logx"
)

const defaultRedisURL = "redis://127.0.0.1:6379/0"

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	rdb   *goredis.Client

	mailer *mailer.Dispatcher
	pipe   *pipeline.Pipeline
	sched  *summary.Scheduler
	http   *httpapi.Server
	sub    *redistransport.Subscriber
	pprof  *pprof.Service

	httpShutdown time.Duration
	messages     chan transport.Message
}

// NewApp loads the config and builds every component. Nothing runs until Start.
// A store that cannot be reached is fatal.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	// Reject bad schedules at boot, same as on reload.
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(context.Background(), sc, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	// From here on a failure must release the store.
	var rdb *goredis.Client
	fail := func(err error) (*App, error) {
		if rdb != nil {
			_ = rdb.Close()
		}
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	redisURL := strings.TrimSpace(cfg.Redis.URL)
	if redisURL == "" {
		redisURL = defaultRedisURL
	}
	ropts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return fail(fmt.Errorf("redis.url: %w", err))
	}
	rdb = goredis.NewClient(ropts)

	lookupTimeout, err := config.ParseDurationOrDefault("lookup.timeout", cfg.Lookup.Timeout, 2*time.Second)
	if err != nil {
		return fail(err)
	}
	channels, directTypes := mapChannels(cfg.Redis.Channels)
	norm := events.NewNormalizer(events.Options{
		Channels:      channels,
		DirectTypes:   directTypes,
		Groups:        lookup.NewGroupCache(rdb, cfg.Lookup.GroupKeyPrefix),
		Users:         lookup.NewUserDirectory(cfg.Lookup.UsersURL, lookupTimeout),
		LookupTimeout: lookupTimeout,
	}, log)

	tmpl, err := templates.New(cfg.Mailer.AppURL)
	if err != nil {
		return fail(err)
	}

	tr, err := mailer.NewTransport(mapTransportConfig(cfg))
	if err != nil {
		return fail(err)
	}
	mcfg, err := mapMailerConfig(cfg)
	if err != nil {
		return fail(err)
	}
	disp := mailer.New(mcfg, tr, bus, log)

	rec := recorder.New(store, log)
	rt := router.New(router.Deps{
		Resolver:  preferences.NewResolver(store, log),
		Recorder:  rec,
		Accounts:  store,
		Mailer:    disp,
		Templates: tmpl,
	}, log)

	pcfg, err := mapPipelineConfig(cfg)
	if err != nil {
		return fail(err)
	}
	pipe := pipeline.New(pcfg, norm, rt, bus, log)

	agg := summary.NewAggregator(store, disp, log, summary.WithTemplates(tmpl))
	sched := summary.NewScheduler(schedCfg, agg, log)

	hcfg, shutdown, err := mapHTTPConfig(cfg)
	if err != nil {
		return fail(err)
	}

	a := &App{
		cfgPath:      cfgPath,
		cfgm:         cfgm,
		log:          log,
		logs:         logSvc,
		bus:          bus,
		store:        store,
		rdb:          rdb,
		mailer:       disp,
		pipe:         pipe,
		sched:        sched,
		pprof:        pprof.New(mapDebugConfig(cfg), log),
		httpShutdown: shutdown,
		messages:     make(chan transport.Message, 256),
	}
	a.sub = redistransport.NewSubscriber(rdb, norm.Channels(), log)
	a.http = httpapi.New(hcfg, httpapi.Deps{
		Store:     store,
		Recorder:  rec,
		Mailer:    disp,
		Templates: tmpl,
		Status:    a.status,
	}, log)
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// status feeds the extra sections of GET /health.
func (a *App) status() map[string]any {
	out := map[string]any{
		"pipeline":    a.pipe.Stats(),
		"bus_dropped": a.bus.Dropped(),
		"subscriber": map[string]any{
			"channels": a.sub.Channels(),
			"received": a.sub.Received(),
		},
	}
	next := a.sched.Next()
	last := a.sched.Last()
	digests := make(map[string]any, len(next))
	for name, at := range next {
		d := map[string]any{"next": at}
		if rep, ok := last[name]; ok {
			d["last"] = map[string]any{"users": rep.Users, "sent": rep.Sent, "failed": rep.Failed, "skipped": rep.Skipped}
		}
		digests[name] = d
	}
	out["digests"] = digests
	return out
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapMailerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if err := a.http.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.sub.Start(a.sup.Context(), a.messages); err != nil {
		return err
	}
	a.sup.Go("pipeline.run", func(c context.Context) error {
		return a.pipe.Run(c, a.messages)
	})

	a.pprof.ExposeSupervisor("app", a.sup)
	a.pprof.Expose("pipeline", func() any { return a.pipe.Stats() })
	a.pprof.Expose("mailer", func() any { return a.mailer.Snapshot() })
	a.pprof.Expose("status", func() any { return a.status() })
	// Profiling is optional; a bind failure is logged, not fatal.
	if err := a.pprof.Start(a.sup.Context()); err != nil {
		a.log.Warn("pprof not started", logx.Err(err))
	}

	// Operational signals; keep at debug to avoid noise under load.
	signals, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-signals:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer, ok := <-sub:
						if !ok {
							drained = true
						} else if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Strings("channels", a.sub.Channels()))
	return nil
}

// applyConfig pushes the hot-reloadable sections into running components.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", restart))
	}

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogging(newCfg))
		case "mailer":
			if transportChanged(oldCfg, newCfg) {
				a.log.Warn("mailer transport changed; restart required for changes to take effect",
					logx.String("driver", newCfg.Mailer.Driver))
			}
			mc, err := mapMailerConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid mailer config; keeping previous", logx.Err(err))
				continue
			}
			a.mailer.Apply(mc)
		case "summary":
			sc, err := mapSchedulerConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid summary config; keeping previous", logx.Err(err))
				continue
			}
			if err := a.sched.Apply(sc); err != nil {
				a.log.Warn("summary schedule apply failed", logx.Err(err))
			}
		case "debug":
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := a.pprof.Reconfigure(ctx, mapDebugConfig(newCfg)); err != nil {
				a.log.Warn("pprof reconfigure failed", logx.Err(err))
			}
			cancel()
		}
	}
	a.log.Info("config reloaded", fields...)
}

// transportChanged reports whether the provider settings differ. Providers
// are built once; breaker, pacing and timeouts apply live.
func transportChanged(oldCfg, newCfg *config.Config) bool {
	return mapTransportConfig(oldCfg) != mapTransportConfig(newCfg)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context so intake loops start unwinding immediately.
	// Pipeline tasks are not tied to it and are drained below.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max <= 0 {
				max = time.Millisecond
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

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
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; if it doesn't, log a leak signal.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Intake first, then in-flight work, then the surfaces and the store they use.
	step("subscriber", 2*time.Second, a.sub.Stop)
	step("pipeline", 10*time.Second, a.pipe.Drain)
	step("scheduler", 2*time.Second, a.sched.Stop)
	step("http", a.httpShutdown, a.http.Shutdown)
	step("pprof", time.Second, a.pprof.Stop)
	step("redis", time.Second, func(context.Context) error { return a.rdb.Close() })
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, event log, intake loop).
	step("supervisor", 2*time.Second, a.sup.Wait)

	err := a.sup.Err()
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}
