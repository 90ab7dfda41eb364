package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"adsbot/internal/broadcast"
	"adsbot/internal/config"
	"adsbot/internal/httpapi"
	"adsbot/internal/maintenance"
	"adsbot/internal/mtproto"
	"adsbot/internal/notifier"
	"adsbot/internal/storage"
	logx "adsbot/pkg/logx"
)

const defaultLockTTL = 90 * time.Second

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Chat.Enabled,
			ThreadID:   cfg.Logging.Chat.ThreadID,
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}
}

// groupLogChat parses telegram.group_log; ok is false when it is unset.
func groupLogChat(cfg *config.Config) (int64, bool, error) {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return 0, false, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("telegram.group_log: invalid chat id %q", raw)
	}
	return id, true, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), DSN: strings.TrimSpace(sc.DSN), BusyTimeout: busy}
	switch driver {
	case "sqlite", "sqlite3":
		if out.Path == "" {
			out.Path = "./data/adsbot.db"
		}
	case "postgres", "postgresql":
		if out.DSN == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required for driver %q", driver)
		}
	case "memory":
	default:
		return storage.Config{}, fmt.Errorf("storage.driver: unknown driver %q", sc.Driver)
	}
	return out, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.Burst < 0 || nc.RetryMax < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: workers, queue_size, rate_per_sec, burst and retry_max must be >= 0")
	}
	base, err := config.ParseDurationOrDefault("notifier.retry_base", nc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxWait, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.ParseDurationOrDefault("notifier.dedup_window", nc.DedupWindow, 30*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	enabled := true
	if nc.Enabled != nil {
		enabled = *nc.Enabled
	}
	retryMax := nc.RetryMax
	if retryMax == 0 {
		retryMax = 3
	}
	return notifier.Config{
		Enabled:       enabled,
		Workers:       nc.Workers,
		QueueSize:     nc.QueueSize,
		RatePerSec:    float64(nc.RatePerSec),
		Burst:         nc.Burst,
		RetryMax:      retryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		DedupWindow:   dedup,
		PersistDedup:  nc.PersistDedup,
		ParseMode:     "HTML",
	}, nil
}

// mapBroadcastConfig overlays configured values on broadcast.DefaultConfig.
// The resulting defaults must themselves pass owner-settings validation.
func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	bc := cfg.Broadcast
	out := broadcast.DefaultConfig()

	durations := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"broadcast.cycle_delay", bc.CycleDelay, &out.CycleDelay},
		{"broadcast.group_message_delay", bc.GroupMessageDelay, &out.GroupMessageDelay},
		{"broadcast.cycle_timeout", bc.CycleTimeout, &out.CycleTimeout},
		{"broadcast.rest_after", bc.RestAfter, &out.RestAfter},
		{"broadcast.rest_for", bc.RestFor, &out.RestFor},
		{"broadcast.probe_interval", bc.ProbeInterval, &out.ProbeInterval},
		{"broadcast.temp_suspension", bc.TempSuspension, &out.TempSuspension},
		{"broadcast.flood_buffer", bc.FloodBuffer, &out.FloodBuffer},
		{"broadcast.max_flood_wait", bc.MaxFloodWait, &out.MaxFloodWait},
		{"broadcast.min_cycle_delay", bc.MinCycleDelay, &out.MinCycleDelay},
		{"mtproto.probe_timeout", cfg.MTProto.ProbeTimeout, &out.ProbeTimeout},
	}
	for _, d := range durations {
		v, err := config.ParseDurationOrDefault(d.path, d.raw, *d.dst)
		if err != nil {
			return broadcast.Config{}, err
		}
		*d.dst = v
	}

	ints := []struct {
		path string
		v    int
		dst  *int
	}{
		{"broadcast.window_size", bc.WindowSize, &out.WindowSize},
		{"broadcast.cycle_size", bc.CycleSize, &out.CycleSize},
		{"broadcast.cooldown_every", bc.CooldownEvery, &out.CooldownEvery},
		{"broadcast.flood_retries", bc.FloodRetries, &out.FloodRetries},
	}
	for _, n := range ints {
		if n.v < 0 {
			return broadcast.Config{}, fmt.Errorf("%s must be >= 0", n.path)
		}
		if n.v > 0 {
			*n.dst = n.v
		}
	}

	if m := strings.ToLower(strings.TrimSpace(bc.Mode)); m != "" {
		out.Mode = broadcast.Mode(m)
	}
	out.ResetOnStop = bc.ResetOnStop

	if cfg.Redis != nil {
		ttl, err := config.ParseDurationOrDefault("redis.lock_ttl", cfg.Redis.LockTTL, defaultLockTTL)
		if err != nil {
			return broadcast.Config{}, err
		}
		out.LockTTL = ttl
	}

	if err := out.Settings.Validate(out.MinCycleDelay); err != nil {
		return broadcast.Config{}, fmt.Errorf("broadcast defaults: %w", err)
	}
	return out, nil
}

func resumeOnBoot(cfg *config.Config) bool {
	return cfg.Broadcast.ResumeOnBoot == nil || *cfg.Broadcast.ResumeOnBoot
}

func mapMTProtoConfig(cfg *config.Config) (mtproto.Config, error) {
	mc := cfg.MTProto
	dial, err := config.ParseDurationOrDefault("mtproto.dial_timeout", mc.DialTimeout, 30*time.Second)
	if err != nil {
		return mtproto.Config{}, err
	}
	interval, err := config.ParseDurationOrDefault("mtproto.send_interval", mc.SendInterval, time.Second)
	if err != nil {
		return mtproto.Config{}, err
	}
	return mtproto.Config{APIID: mc.APIID, APIHash: mc.APIHash, DialTimeout: dial, SendInterval: interval}, nil
}

func mapMaintenanceConfig(cfg *config.Config) (maintenance.Config, error) {
	mc := cfg.Maintenance
	loc := time.Local
	if tz := strings.TrimSpace(mc.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return maintenance.Config{}, fmt.Errorf("maintenance.timezone: invalid %q: %w", tz, err)
		}
		loc = l
	}
	retention, err := config.ParseDurationOrDefault("maintenance.log_retention", mc.LogRetention, maintenance.DefaultLogRetention)
	if err != nil {
		return maintenance.Config{}, err
	}
	return maintenance.Config{
		Location:      loc,
		PruneSpec:     strings.TrimSpace(mc.PruneSpec),
		DigestSpec:    strings.TrimSpace(mc.DigestSpec),
		LogRetention:  retention,
		DigestEnabled: !mc.DigestDisabled,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 30*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:         strings.TrimSpace(hc.Addr),
		Token:        hc.Token,
		Pprof:        hc.Pprof,
		ReadTimeout:  read,
		WriteTimeout: write,
	}, nil
}

// validateConfig rejects a config on load and on hot reload.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if len(cfg.Telegram.OwnerUserIDs) == 0 {
		return fmt.Errorf("telegram.owner_user_ids needs at least one user")
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, _, err := groupLogChat(cfg); err != nil {
		return err
	}
	if cfg.MTProto.APIID <= 0 || strings.TrimSpace(cfg.MTProto.APIHash) == "" {
		return fmt.Errorf("mtproto.api_id and mtproto.api_hash are required")
	}
	if cfg.Redis != nil && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return fmt.Errorf("redis.addr is required when the redis section is present")
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBroadcastConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMTProtoConfig(cfg); err != nil {
		return err
	}
	mc, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return err
	}
	if _, err := maintenance.New(mc, nil, nil, logx.Nop()); err != nil {
		return err
	}
	_, err = mapHTTPConfig(cfg)
	return err
}
