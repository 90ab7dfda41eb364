package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Domain event types published by the broadcast engine.
const (
	RunStarted     = "broadcast.run_started"
	RunStopped     = "broadcast.run_stopped"
	RunFailed      = "broadcast.run_failed"
	CycleDone      = "broadcast.cycle_done"
	RestStarted    = "broadcast.rest_started"
	RestEnded      = "broadcast.rest_ended"
	AccountRetired = "account.retired"
	GroupSuspended = "group.suspended"
	GroupRemoved   = "group.removed"
	NotifyFailed   = "notifier.failed"
)

// Event is a small in-memory signal. Publish never blocks; a slow subscriber
// loses events instead of stalling the publisher.
type Event struct {
	Type  string
	Time  time.Time
	Owner int64
	Data  any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch    chan Event
	types map[string]struct{}
}

func (s *sub) wants(t string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*sub
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel receiving the given event types, or every event
// when types is empty.
func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			// Publish holds the read lock while sending, so closing under the
			// write lock cannot race a send.
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}
