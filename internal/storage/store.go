package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "adsbot/pkg/logx"
)

// Store is the complete persistence contract. Every driver implements all of it.
type Store interface {
	ListAccounts(ctx context.Context, owner int64) ([]Account, error)
	PutAccount(ctx context.Context, a Account) error
	RetireAccount(ctx context.Context, owner, id int64, reason string, at time.Time) error
	DeleteAccount(ctx context.Context, owner, id int64) error

	// ListGroups returns the owner's groups minus permanently blacklisted ones.
	ListGroups(ctx context.Context, owner int64) ([]Group, error)
	PutGroup(ctx context.Context, g Group) error
	DeleteGroup(ctx context.Context, owner, chatID int64) error

	GetSettings(ctx context.Context, owner int64) (Settings, error)
	PutSettings(ctx context.Context, s Settings) error

	GetCursor(ctx context.Context, owner int64) (Cursor, error)
	PutCursor(ctx context.Context, c Cursor) error

	GetRunState(ctx context.Context, owner int64) (RunState, error)
	PutRunState(ctx context.Context, st RunState) error
	ListRunning(ctx context.Context) ([]RunState, error)

	PutSuspension(ctx context.Context, s Suspension) error
	ListSuspensions(ctx context.Context, owner int64, now time.Time) ([]Suspension, error)
	DeleteSuspension(ctx context.Context, owner, group int64) error
	PruneSuspensions(ctx context.Context, now time.Time) (int64, error)

	AddBlacklist(ctx context.Context, e BlacklistEntry) error
	ListBlacklist(ctx context.Context, owner int64) ([]BlacklistEntry, error)
	RemoveBlacklist(ctx context.Context, owner, group int64) error

	// RecordSend appends to the send log and bumps analytics counters.
	RecordSend(ctx context.Context, l SendLog) error
	RecordCycle(ctx context.Context, owner int64) error
	RecordRunStart(ctx context.Context, owner int64) error
	GetStats(ctx context.Context, owner int64) (Stats, error)
	PruneSendLogs(ctx context.Context, before time.Time) (int64, error)
	ListOwners(ctx context.Context) ([]int64, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// Open builds the configured driver and applies migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		log.Warn("memory storage selected; state is lost on restart")
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
}
