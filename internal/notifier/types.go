package notifier

import "time"

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      float64
	Burst           int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
	ParseMode       string
}

// Notification is one owner-facing message. Owners are Telegram user IDs, so
// the owner's private chat with the bot is the target.
type Notification struct {
	Owner  int64
	Text   string
	Silent bool
}

type HistoryItem struct {
	At    time.Time
	Owner int64
	Text  string
}

// NotificationEvent is the Data of notifier events on the bus.
type NotificationEvent struct {
	Owner int64     `json:"owner"`
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}
