package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"botcast/internal/bots"
	"botcast/internal/directory"
	"botcast/internal/dispatch"
	"botcast/internal/eventbus"
	"botcast/internal/gateway"
	"botcast/internal/janitor"
	"botcast/internal/ledger"
	"botcast/internal/media"
	"botcast/internal/model"
	"botcast/internal/notify"
	"botcast/internal/reconcile"
	"botcast/internal/secrets"
	"botcast/internal/storage"
	"botcast/internal/transport/httpapi"
	"botcast/internal/transport/telegram"
	logx "botcast/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	gw      *gateway.Telegram
	dir     *directory.Directory
	ledger  *ledger.Ledger
	bots    *bots.Registry
	engine  *dispatch.Engine
	rec     *reconcile.Reconciler
	poller  *telegram.Poller
	janitor *janitor.Janitor
	notify  *notify.Notifier
	http    *httpapi.Server
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Alerts need the gateway, which needs the logger. Start with alerts off
	// and enable them once the sender is bound.
	logCfg := mapLogConfig(cfg)
	bootLogCfg := logCfg
	bootLogCfg.Alerts.Enabled = false
	logSvc, base := logx.New(bootLogCfg)
	log := base.With(logx.String("comp", "app"))

	fail := func(err error) (*App, error) {
		_ = logSvc.Close()
		return nil, err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return fail(err)
	}
	store, err := storage.Open(sc, base.With(logx.String("comp", "storage")))
	if err != nil {
		return fail(err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))
	fail = func(err error) (*App, error) {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	sealer, err := secrets.New(cfg.Storage.SecretKey)
	if err != nil {
		return fail(fmt.Errorf("storage.secret_key: %w", err))
	}
	ms, err := media.New(mapMediaConfig(cfg))
	if err != nil {
		return fail(fmt.Errorf("media: %w", err))
	}
	gwCfg, err := mapGatewayConfig(cfg)
	if err != nil {
		return fail(err)
	}
	gw := gateway.NewTelegram(gwCfg, sealer, ms, base.With(logx.String("comp", "gateway")))

	logSvc.SetAlertSender(gateway.AlertSender{
		Provider: gw,
		Lookup: func(ctx context.Context) (model.BotIdentity, error) {
			return store.GetBot(ctx, strings.TrimSpace(cfgm.Get().Logging.Alerts.BotID))
		},
	})
	logSvc.Apply(logCfg)

	bus := eventbus.New()
	dir := directory.New(store, base.With(logx.String("comp", "directory")))
	led := ledger.New(store)

	reg := bots.New(bots.Deps{
		Store:    store,
		Stats:    dir,
		Platform: gw,
		Sealer:   sealer,
		Bus:      bus,
		Webhook:  mapWebhookConfig(cfg),
		Log:      base,
	})
	engine := dispatch.New(mapDispatchConfig(cfg), dispatch.Deps{
		Bots:      store,
		Directory: dir,
		Ledger:    led,
		Gateways:  gw,
		Bus:       bus,
		Log:       base,
	})
	rec := reconcile.New(mapReconcileConfig(cfg), reconcile.Deps{
		Bots:      store,
		Directory: dir,
		Journal:   store,
		Welcomer:  engine,
		Log:       base,
	})

	var poller *telegram.Poller
	if pollingEnabled(cfg) {
		timeout, err := parseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, defaultPollTimeout)
		if err != nil {
			return fail(err)
		}
		poller = telegram.NewPoller(telegram.PollerConfig{
			APIURL:   gwCfg.APIURL,
			Timeout:  timeout,
			ResyncOn: bots.EventChanged,
		}, store, sealer, rec, bus, base)
	}

	jcfg, err := mapJanitorConfig(cfg)
	if err != nil {
		return fail(err)
	}
	jan, err := janitor.New(jcfg, store, base)
	if err != nil {
		return fail(err)
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		gw:      gw,
		dir:     dir,
		ledger:  led,
		bots:    reg,
		engine:  engine,
		rec:     rec,
		poller:  poller,
		janitor: jan,
		notify:  notify.New(bus, store, gw, base),
	}, nil
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

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))

	hcfg, err := mapHTTPConfig(a.cfgm.Get())
	if err != nil {
		return err
	}
	a.http = httpapi.New(hcfg, httpapi.Deps{
		Bots:       a.bots,
		Dispatcher: a.engine,
		Reconciler: a.rec,
		Deliveries: a.ledger,
		Base:       a.sup.Context(),
		Log:        a.logs.Logger(),
	})
	a.sup.Go("http", a.http.Run)

	if a.poller != nil {
		a.sup.Go("telegram.poller", a.poller.Run)
	} else {
		a.log.Info("inbound via webhook", logx.String("path", "/webhook/:bot_id"))
	}

	a.janitor.Start(a.sup.Context())
	a.sup.Go("notify", a.notify.Run)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.String("time", e.Time.Format(time.RFC3339Nano)))
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
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Bool("polling", a.poller != nil), logx.String("addr", hcfg.Addr))
	return nil
}

// applyConfig pushes the hot-reloadable sections into running components.
func (a *App) applyConfig(old, cfg *Config) {
	sections, attrs, restart := SummarizeConfigChange(old, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(cfg))
	a.engine.Apply(mapDispatchConfig(cfg))
	a.rec.Apply(mapReconcileConfig(cfg))

	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so the listener, poll loops and async dispatches unwind together.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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

	step("dispatch", 5*time.Second, a.engine.Wait)
	step("janitor", 2*time.Second, func(c context.Context) error { a.janitor.Stop(c); return nil })
	// http, poller, notify and the config loops exit on the canceled context.
	step("supervisor", 11*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
