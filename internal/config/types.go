package config

// Config is the on-disk configuration (JSON or YAML). Duration fields are Go
// duration strings such as "300s" or "1h".
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	MTProto     MTProtoConfig     `json:"mtproto"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Redis       *RedisConfig      `json:"redis,omitempty"`
	Notifier    NotifierConfig    `json:"notifier"`
	Broadcast   BroadcastConfig   `json:"broadcast"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	HTTP        HTTPConfig        `json:"http"`
	Security    SecurityConfig    `json:"security"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	PollTimeout  string  `json:"poll_timeout"`
}

// MTProtoConfig holds the app credentials used by the user-account sessions.
type MTProtoConfig struct {
	APIID        int    `json:"api_id"`
	APIHash      string `json:"api_hash"`
	DialTimeout  string `json:"dial_timeout"`
	ProbeTimeout string `json:"probe_timeout"`
	SendInterval string `json:"send_interval"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
	Chat    LoggingChatConfig `json:"telegram"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingChatConfig struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the persistence driver: sqlite, postgres or memory.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	DSN         string `json:"dsn"`
	BusyTimeout string `json:"busy_timeout"`
}

// RedisConfig enables the cross-process run lock. Omit to use in-process guarding only.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	LockTTL  string `json:"lock_ttl"`
}

type NotifierConfig struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	Workers      int    `json:"workers"`
	QueueSize    int    `json:"queue_size"`
	RatePerSec   int    `json:"rate_per_sec"`
	Burst        int    `json:"burst"`
	RetryMax     int    `json:"retry_max"`
	RetryBase    string `json:"retry_base"`
	RetryMaxWait string `json:"retry_max_delay"`
	DedupWindow  string `json:"dedup_window"`
	PersistDedup bool   `json:"persist_dedup"`
}

// BroadcastConfig carries engine defaults. Owners override the first five
// through their stored settings.
type BroadcastConfig struct {
	CycleDelay        string `json:"cycle_delay"`
	GroupMessageDelay string `json:"group_message_delay"`
	WindowSize        int    `json:"window_size"`
	CycleTimeout      string `json:"cycle_timeout"`
	Mode              string `json:"mode"`

	CycleSize      int    `json:"cycle_size"`
	CooldownEvery  int    `json:"cooldown_every"`
	RestAfter      string `json:"rest_after"`
	RestFor        string `json:"rest_for"`
	ProbeInterval  string `json:"probe_interval"`
	TempSuspension string `json:"temp_suspension"`
	FloodBuffer    string `json:"flood_buffer"`
	FloodRetries   int    `json:"flood_retries"`
	MaxFloodWait   string `json:"max_flood_wait"`
	MinCycleDelay  string `json:"min_cycle_delay"`
	ResetOnStop    bool   `json:"reset_on_stop"`
	ResumeOnBoot   *bool  `json:"resume_on_boot,omitempty"`
}

type MaintenanceConfig struct {
	Timezone       string `json:"timezone"`
	PruneSpec      string `json:"prune_spec"`
	DigestSpec     string `json:"digest_spec"`
	LogRetention   string `json:"log_retention"`
	DigestDisabled bool   `json:"digest_disabled"`
}

// HTTPConfig enables the status API when Addr is set. A non-loopback Addr
// requires Token.
type HTTPConfig struct {
	Addr         string `json:"addr"`
	Token        string `json:"token"`
	Pprof        bool   `json:"pprof"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
}

type SecurityConfig struct {
	// SessionKey is the passphrase that wraps stored session strings.
	SessionKey string `json:"session_key"`
}
