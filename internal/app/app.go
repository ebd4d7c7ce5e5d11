package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"twitchrise/internal/commands"
	"twitchrise/internal/config"
	"twitchrise/internal/eventbus"
	"twitchrise/internal/metrics"
	"twitchrise/internal/monitor"
	"twitchrise/internal/notifier"
	"twitchrise/internal/observability/ops"
	rtsup "twitchrise/internal/runtime/supervisor"
	"twitchrise/internal/storage"
	kit "twitchrise/internal/transport"
	"twitchrise/internal/transport/telegram"
	"twitchrise/internal/twitch"
	logx "twitchrise/pkg/logx"
)

type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	metrics *metrics.Metrics
	store   storage.Store

	adapter kit.Adapter

	twitch *twitch.Client
	notif  *notifier.Service
	mon    *monitor.Monitor
	cmds   *commands.Manager
	ops    *ops.Service

	updates chan kit.Update
}

// New loads the configuration and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgm *config.Manager) (*App, error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, root := logx.New(mapLogConfig(cfg), nil)
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))
	if cfg.Logging.Admin.Enabled && cfg.Telegram.AdminChatID == 0 {
		log.Warn("logging.admin is enabled but telegram.admin_chat_id is not set")
	}

	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.PollTimeout(),
	}, root.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	logs.SetSender(ad)

	m := metrics.New()
	bus := eventbus.New()

	sc := mapStorageConfig(cfg)
	store, err := storage.Open(ctx, sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	tw, err := twitch.New(mapTwitchConfig(cfg), root.With(logx.String("comp", "twitch")), m)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("twitch: %w", err)
	}

	notif, err := notifier.New(mapNotifierConfig(cfg), ad, root.With(logx.String("comp", "notifier")), bus, m)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("notifier: %w", err)
	}

	mon := monitor.New(mapMonitorConfig(cfg), store, tw, notif, bus, m, root.With(logx.String("comp", "monitor")))

	cmds := commands.New(mapCommandsConfig(cfg), commands.Deps{
		Store:     store,
		Watcher:   mon,
		Endpoints: notif,
		Chat:      ad,
	}, root.With(logx.String("comp", "commands")), m)

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     bus,
		metrics: m,
		store:   store,
		adapter: ad,
		twitch:  tw,
		notif:   notif,
		mon:     mon,
		cmds:    cmds,
		updates: make(chan kit.Update, 256),
	}
	a.ops = ops.New(mapOpsConfig(cfg), root, m.Handler())
	a.ops.AddCheck("monitor", a.monitorReady)
	a.ops.AddCheck("app", func(context.Context) error { return a.Err() })
	return a, nil
}

// monitorReady fails while the latest poll tick failed.
func (a *App) monitorReady(context.Context) error {
	st := a.mon.Status()
	switch st.LastResult {
	case monitor.ResultUpstream, monitor.ResultStore:
		return fmt.Errorf("%s: %s", st.LastResult, st.LastErr)
	}
	return nil
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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	if err := a.adapter.Start(c, a.updates); err != nil {
		return err
	}
	a.notif.Start(c)
	a.mon.Start(c)
	if err := a.ops.Start(c); err != nil {
		// ops is optional; keep the relay running without it
		a.log.Warn("ops server not started", logx.Err(err))
	}
	a.cmds.UpdateMenu(c)

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmds.DispatchLoop(c, a.updates)
	})

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
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

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
				// coalesce bursts
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started",
		logx.Duration("interval", a.cfgm.Get().MonitorInterval()),
		logx.String("notifier", a.cfgm.Get().Notifier.Backend),
	)
	return nil
}

// applyConfig pushes the hot-reloadable parts of newCfg into running
// components. Sections that need a restart are only logged.
func (a *App) applyConfig(ctx context.Context, prev, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(prev, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	if rr := config.RestartRequired(sections); len(rr) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(rr, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg))
	a.mon.SetInterval(newCfg.MonitorInterval())
	a.notif.SetRate(newCfg.Notifier.RatePerSec)

	if newCfg.Ops != prev.Ops {
		if err := a.ops.Reconfigure(ctx, mapOpsConfig(newCfg)); err != nil {
			a.log.Warn("ops reconfigure failed", logx.Err(err))
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Time: time.Now(), Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

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
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// poll loop first so no new alerts are produced while the notifier drains
	step("monitor", 2*time.Second, func(c context.Context) error { a.mon.Stop(c); return nil })
	step("notifier", 5*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.sup.Cancel()
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
