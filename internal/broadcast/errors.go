package broadcast

import (
	"errors"
	"fmt"
)

var (
	ErrNoSenders            = errors.New("no active accounts")
	ErrNoGroups             = errors.New("no working target groups")
	ErrInsufficientMessages = errors.New("not enough saved messages")
	ErrAlreadyRunning       = errors.New("broadcast already running")
	ErrMissingCredentials   = errors.New("account session missing")
)

// InsufficientMessagesError reports which account lacks messages.
type InsufficientMessagesError struct {
	Sender    string
	Available int
	Requested int
}

func (e *InsufficientMessagesError) Error() string {
	return fmt.Sprintf("%s has %d usable saved messages, window needs %d", e.Sender, e.Available, e.Requested)
}

func (e *InsufficientMessagesError) Is(target error) bool { return target == ErrInsufficientMessages }

// Hint returns the owner-facing remediation for a setup error.
func Hint(err error) string {
	var ime *InsufficientMessagesError
	switch {
	case errors.As(err, &ime):
		return fmt.Sprintf("Save at least %d messages in Saved Messages of %s, or lower the window with /set window %d.",
			ime.Requested, ime.Sender, max(1, ime.Available))
	case errors.Is(err, ErrInsufficientMessages):
		return "Add more messages to Saved Messages or lower the window size."
	case errors.Is(err, ErrNoSenders):
		return "Link an account first; banned or retired accounts are skipped."
	case errors.Is(err, ErrNoGroups):
		return "Add target groups with /addgroup, or wait for suspended groups to expire."
	case errors.Is(err, ErrAlreadyRunning):
		return "Stop the current broadcast with /stop_broadcast first."
	case errors.Is(err, ErrMissingCredentials):
		return "Re-link the account; its stored session is empty."
	default:
		return ""
	}
}
