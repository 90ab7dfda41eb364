package broadcast

import (
	"context"
	"fmt"
	"slices"
)

// recentLimit is how far back into saved messages the window looks.
const recentLimit = 20

// MessageWindow is the ordered, oldest-first slice of saved messages a run
// rotates through. Available counts content-bearing messages seen before
// truncation to K.
type MessageWindow struct {
	Messages  []Message
	K         int
	Available int
}

// MessageIndex is the window slot used by a cycle.
func MessageIndex(cycle int64, k int) int {
	if k <= 0 {
		return 0
	}
	i := cycle % int64(k)
	if i < 0 {
		i += int64(k)
	}
	return int(i)
}

func (w MessageWindow) At(cycle int64) Message {
	return w.Messages[MessageIndex(cycle, w.K)]
}

// FetchWindow loads the sender's recent saved messages, keeps those with text
// or media, orders them oldest first and truncates to k.
func FetchWindow(ctx context.Context, t Transport, s SenderIdentity, k int) (MessageWindow, error) {
	if k <= 0 {
		return MessageWindow{}, fmt.Errorf("window size must be positive, got %d", k)
	}
	recent, err := t.RecentMessages(ctx, s, recentLimit)
	if err != nil {
		return MessageWindow{}, fmt.Errorf("saved messages of %s: %w", s.Label(), err)
	}
	usable := make([]Message, 0, len(recent))
	for _, m := range recent {
		if m.HasContent() {
			usable = append(usable, m)
		}
	}
	slices.Reverse(usable)

	w := MessageWindow{K: k, Available: len(usable)}
	if len(usable) < k {
		return w, &InsufficientMessagesError{Sender: s.Label(), Available: len(usable), Requested: k}
	}
	w.Messages = usable[:k]
	return w, nil
}
