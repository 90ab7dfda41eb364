package broadcast

import (
	"context"
	"errors"
	"time"

	"adsbot/internal/storage"
)

// SenderIdentity is one linked account able to send. Session is the opened
// (decrypted) session string and is opaque to this package.
type SenderIdentity struct {
	ID       int64
	Phone    string
	Username string
	Session  string
	Index    int
}

func (s SenderIdentity) Label() string {
	switch {
	case s.Username != "":
		return "@" + s.Username
	case s.Phone != "":
		return s.Phone
	default:
		return "account"
	}
}

type TargetGroup struct {
	ID         int64
	Kind       storage.GroupKind
	AccessHash int64
	Title      string
}

func (g TargetGroup) Label() string {
	if g.Title != "" {
		return g.Title
	}
	return "group"
}

func groupFromStorage(g storage.Group) TargetGroup {
	return TargetGroup{ID: g.ChatID, Kind: g.Kind, AccessHash: g.AccessHash, Title: g.Title}
}

// Message is one entry of an account's saved messages, newest first as the
// transport returns them.
type Message struct {
	ID       int
	Text     string
	HasMedia bool
	Date     time.Time
}

func (m Message) HasContent() bool { return m.Text != "" || m.HasMedia }

// ErrBanned is returned (wrapped) by Transport.Probe when the account is
// deactivated, banned, or its session was revoked.
var ErrBanned = errors.New("account banned or session invalid")

// Transport is the per-account messaging client.
type Transport interface {
	RecentMessages(ctx context.Context, s SenderIdentity, limit int) ([]Message, error)
	Forward(ctx context.Context, s SenderIdentity, g TargetGroup, msgID int) error
	Probe(ctx context.Context, s SenderIdentity) error
	// Release closes any connection held for the account.
	Release(s SenderIdentity)
}

// Notifier delivers owner-visible progress text. It must not block the caller.
type Notifier interface {
	Notify(ctx context.Context, owner int64, text string)
}

// Opener unwraps stored session strings.
type Opener interface {
	Open(sealed string) (string, error)
}

// Locker guards a run across processes. Optional.
type Locker interface {
	Acquire(ctx context.Context, owner int64) (bool, error)
	Extend(ctx context.Context, owner int64) error
	Release(ctx context.Context, owner int64) error
}

// State is the run state machine position.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateResting  State = "resting"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
)

// Status is a read-only snapshot for an owner.
type Status struct {
	State        State
	Running      bool
	Paused       bool
	RunID        string
	Mode         Mode
	CycleIndex   int64
	MessageIndex int
	WindowSize   int
	Sent         int64
	Failed       int64
	Senders      int
	Groups       int
	Suspended    int
	StartedAt    time.Time
	RestingUntil time.Time
}
