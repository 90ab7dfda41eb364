package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"adsbot/internal/broadcast"
	"adsbot/internal/config"
	"adsbot/internal/eventbus"
	"adsbot/internal/httpapi"
	"adsbot/internal/lock"
	"adsbot/internal/maintenance"
	"adsbot/internal/mtproto"
	"adsbot/internal/notifier"
	"adsbot/internal/runtime/supervisor"
	"adsbot/internal/secret"
	"adsbot/internal/storage"
	kit "adsbot/internal/transport"
	telegram "adsbot/internal/transport/telegram/adapter"
	"adsbot/internal/transport/telegram/router"
	logx "adsbot/pkg/logx"
)

const lockPrefix = "adsbot:run:"

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	rdb   *redis.Client

	adapter *telegram.Adapter
	pool    *mtproto.Pool
	notif   *notifier.Service
	bcast   *broadcast.Service
	maint   *maintenance.Service
	http    *httpapi.Server

	cmdm *router.CommandManager
	cmds *Commands

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(validateConfig)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
	if err != nil {
		return nil, err
	}

	// Chat mirroring starts disabled so Apply does not warn before the target is set.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Chat.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	if chatID, ok, _ := groupLogChat(cfg); ok {
		logSvc.SetChatTarget(chatID, cfg.Logging.Chat.ThreadID)
	}
	logSvc.Apply(logCfg)
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver))

	bcfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var (
		rdb    *redis.Client
		locker broadcast.Locker
	)
	if rc := cfg.Redis; rc != nil {
		rdb = redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = rdb.Close()
			_ = store.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		locker = lock.NewRunLocker(rdb, lockPrefix, bcfg.LockTTL)
		appLog.Info("run lock enabled", logx.String("addr", rc.Addr), logx.Duration("ttl", bcfg.LockTTL))
	}

	box, err := secret.New(cfg.Security.SessionKey)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if !box.Enabled() {
		appLog.Warn("security.session_key is empty; session strings are stored unencrypted")
	}

	mcfg, err := mapMTProtoConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	pool := mtproto.NewPool(mcfg, log.With(logx.String("comp", "mtproto")))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	notif := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")), bus, store)

	bcast := broadcast.NewService(bcfg, broadcast.Deps{
		Store:     store,
		Transport: pool,
		Notifier:  notif,
		Opener:    box,
		Locker:    locker,
		Bus:       bus,
		Log:       log,
	})

	maintCfg, err := mapMaintenanceConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	maint, err := maintenance.New(maintCfg, store, notif, log.With(logx.String("comp", "maintenance")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	hcfg, err := mapHTTPConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	httpSrv := httpapi.NewServer(hcfg, bcast, log.With(logx.String("comp", "http")))

	cmdm := router.NewCommandManager(log.With(logx.String("comp", "commands")), ad, cfg.Telegram.OwnerUserIDs)

	return &App{
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		rdb:     rdb,
		adapter: ad,
		pool:    pool,
		notif:   notif,
		bcast:   bcast,
		maint:   maint,
		http:    httpSrv,
		cmdm:    cmdm,
		cmds:    NewCommands(bcast, store, pool, box),
		updates: make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if err := a.maint.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.http.Enabled() {
		if err := a.http.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	cmds, cbs := a.cmds.Registry()
	a.cmdm.SetRegistry(a.sup.Context(), cmds, cbs)
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Owner(e.Owner), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if resumeOnBoot(a.cfgm.Get()) {
		a.sup.Go0("broadcast.resume", func(c context.Context) {
			n, err := a.bcast.ResumeAll(c)
			if err != nil {
				a.log.Warn("resume broadcasts failed", logx.Err(err))
			}
			if n > 0 {
				a.log.Info("broadcasts resumed", logx.Int("count", n))
			}
		})
	}

	a.log.Info("app started")
	return nil
}

// applyConfig pushes a reloaded config into the live services. Sections
// read only at startup are reported instead.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	if chatID, ok, _ := groupLogChat(next); ok {
		a.logs.SetChatTarget(chatID, next.Logging.Chat.ThreadID)
	} else {
		a.logs.SetChatTarget(0, 0)
	}
	a.logs.Apply(mapLogConfig(next))

	a.cmdm.SetOwners(next.Telegram.OwnerUserIDs)

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case wasEnabled && !ncfg.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
			a.log.Info("notifier disabled via config")
		case !wasEnabled && ncfg.Enabled:
			a.notif.Start(ctx)
			a.log.Info("notifier enabled via config")
		}
	}

	if bcfg, err := mapBroadcastConfig(next); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.bcast.SetConfig(bcfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in dependency order. Runs are stopped without
// clearing their persisted running flag so they resume on the next boot.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
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
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Broadcasts first: they still need the transport and the store.
	step("broadcast", 8*time.Second, a.bcast.Shutdown)
	a.sup.Cancel()

	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("http", 2*time.Second, a.http.Stop)
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("mtproto", 2*time.Second, func(context.Context) error { return a.pool.Close() })
	if a.rdb != nil {
		step("redis", time.Second, func(context.Context) error { return a.rdb.Close() })
	}
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}
