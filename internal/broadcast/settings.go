package broadcast

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"adsbot/internal/storage"
)

type Mode string

const (
	// ModeAllSenders sends the cycle's message through every account.
	ModeAllSenders Mode = "all_senders"
	// ModeRoundRobin lets one account send CycleSize cycles before handing off.
	ModeRoundRobin Mode = "round_robin"
)

// Settings are the effective per-owner values for one run.
type Settings struct {
	CycleDelay        time.Duration
	GroupMessageDelay time.Duration
	WindowSize        int
	CycleTimeout      time.Duration
	Mode              Mode
}

// Bounds for owner-editable settings.
const (
	MaxCycleDelay        = time.Hour
	MinGroupMessageDelay = time.Second
	MaxGroupMessageDelay = 10 * time.Minute
	MaxWindowSize        = 10
	MaxCycleTimeout      = 2 * time.Hour
)

// Validate checks owner input. minCycleDelay comes from configuration.
func (s Settings) Validate(minCycleDelay time.Duration) error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.CycleDelay, validation.Required, validation.Min(minCycleDelay), validation.Max(MaxCycleDelay)),
		validation.Field(&s.GroupMessageDelay, validation.Required, validation.Min(MinGroupMessageDelay), validation.Max(MaxGroupMessageDelay)),
		validation.Field(&s.WindowSize, validation.Required, validation.Min(1), validation.Max(MaxWindowSize)),
		validation.Field(&s.CycleTimeout, validation.Min(time.Duration(0)), validation.Max(MaxCycleTimeout)),
		validation.Field(&s.Mode, validation.Required, validation.In(ModeAllSenders, ModeRoundRobin)),
	)
}

// Config holds process-wide engine parameters. Settings is the default
// applied to owners who have not overridden a field.
type Config struct {
	Settings

	MinCycleDelay  time.Duration
	CycleSize      int
	CooldownEvery  int
	RestAfter      time.Duration
	RestFor        time.Duration
	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
	TempSuspension time.Duration
	FloodBuffer    time.Duration
	FloodRetries   int
	// MaxFloodWait caps an in-cycle wait; longer waits suspend the group instead.
	MaxFloodWait time.Duration
	PausePoll    time.Duration
	ResetOnStop  bool
	LockTTL      time.Duration
}

func DefaultConfig() Config {
	return Config{
		Settings: Settings{
			CycleDelay:        300 * time.Second,
			GroupMessageDelay: 15 * time.Second,
			WindowSize:        3,
			CycleTimeout:      600 * time.Second,
			Mode:              ModeAllSenders,
		},
		MinCycleDelay:  120 * time.Second,
		CycleSize:      3,
		CooldownEvery:  5,
		RestAfter:      6 * time.Hour,
		RestFor:        time.Hour,
		ProbeInterval:  60 * time.Second,
		ProbeTimeout:   15 * time.Second,
		TempSuspension: 10 * time.Minute,
		FloodBuffer:    5 * time.Second,
		FloodRetries:   1,
		MaxFloodWait:   15 * time.Minute,
		PausePoll:      5 * time.Second,
	}
}

// Effective overlays the owner's stored overrides on the defaults.
func (c Config) Effective(st storage.Settings) Settings {
	s := c.Settings
	if st.CycleDelay > 0 {
		s.CycleDelay = st.CycleDelay
	}
	if st.GroupMessageDelay > 0 {
		s.GroupMessageDelay = st.GroupMessageDelay
	}
	if st.WindowSize > 0 {
		s.WindowSize = st.WindowSize
	}
	switch {
	case st.CycleTimeout == storage.Off:
		s.CycleTimeout = 0
	case st.CycleTimeout > 0:
		s.CycleTimeout = st.CycleTimeout
	}
	if st.Mode != "" {
		s.Mode = Mode(st.Mode)
	}
	if s.Mode != ModeRoundRobin {
		s.Mode = ModeAllSenders
	}
	return s
}

// ToStorage converts back for persistence. A zero cycle timeout is stored
// as storage.Off so it is not mistaken for "use the default".
func (s Settings) ToStorage(owner int64) storage.Settings {
	timeout := s.CycleTimeout
	if timeout <= 0 {
		timeout = storage.Off
	}
	return storage.Settings{
		OwnerID:           owner,
		CycleDelay:        s.CycleDelay,
		GroupMessageDelay: s.GroupMessageDelay,
		WindowSize:        s.WindowSize,
		CycleTimeout:      timeout,
		Mode:              string(s.Mode),
	}
}
