package storage

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("storage: not found")

// Config selects and configures a driver.
type Config struct {
	Driver      string
	Path        string // sqlite file
	DSN         string // postgres
	BusyTimeout time.Duration
}

// Account is a linked user account. Session holds the sealed session string.
type Account struct {
	ID           int64
	OwnerID      int64
	Phone        string
	Username     string
	Session      string
	Active       bool
	Banned       bool
	RetireReason string
	CreatedAt    time.Time
	RetiredAt    time.Time
}

type GroupKind string

const (
	KindChat    GroupKind = "chat"
	KindChannel GroupKind = "channel"
)

// Group is a broadcast destination owned by OwnerID.
type Group struct {
	OwnerID    int64
	ChatID     int64
	Kind       GroupKind
	AccessHash int64
	Title      string
	AddedAt    time.Time
}

// Off marks a duration override the owner switched off, as opposed to zero
// which means "not set". A whole millisecond so the SQL drivers keep it.
const Off time.Duration = -time.Millisecond

// Settings are per-owner overrides; zero fields fall back to configured
// defaults. CycleTimeout may be Off.
type Settings struct {
	OwnerID           int64
	CycleDelay        time.Duration
	GroupMessageDelay time.Duration
	WindowSize        int
	CycleTimeout      time.Duration
	Mode              string
	UpdatedAt         time.Time
}

type Cursor struct {
	OwnerID       int64
	CycleIndex    int64
	AccountCursor int
	UpdatedAt     time.Time
}

type RunState struct {
	OwnerID   int64
	Running   bool
	Paused    bool
	RunID     string
	UpdatedAt time.Time
}

type Suspension struct {
	OwnerID   int64
	GroupID   int64
	Reason    string
	ExpiresAt time.Time
}

type BlacklistEntry struct {
	OwnerID int64
	GroupID int64
	Reason  string
	At      time.Time
}

type SendStatus string

const (
	SendOK     SendStatus = "sent"
	SendFailed SendStatus = "failed"
)

// SendLog is one delivery attempt outcome.
type SendLog struct {
	ID           string
	OwnerID      int64
	AccountID    int64
	GroupID      int64
	MessageIndex int
	Status       SendStatus
	Error        string
	At           time.Time
}

type Counter struct {
	Key    int64
	Sent   int64
	Failed int64
}

// Stats aggregates an owner's analytics.
type Stats struct {
	OwnerID    int64
	Sent       int64
	Failed     int64
	Broadcasts int64
	Cycles     int64
	Groups     []Counter
	Accounts   []Counter
	UpdatedAt  time.Time
}
