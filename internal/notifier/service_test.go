package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"adsbot/internal/eventbus"
	"adsbot/internal/storage"
	kit "adsbot/internal/transport"
	logx "adsbot/pkg/logx"
)

type recordingSender struct {
	mu    sync.Mutex
	texts []string
	chats []int64
	fail  error
	sent  chan struct{}
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: make(chan struct{}, 16)}
}

func (r *recordingSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	r.mu.Lock()
	r.chats = append(r.chats, to.ChatID)
	r.texts = append(r.texts, text)
	fail := r.fail
	r.mu.Unlock()
	r.sent <- struct{}{}
	return kit.MessageRef{ChatID: to.ChatID}, fail
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.texts)
}

func fastConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		RatePerSec:    1000,
		Burst:         100,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
		DedupWindow:   time.Minute,
	}
}

func waitSent(t *testing.T, r *recordingSender) {
	t.Helper()
	select {
	case <-r.sent:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for send")
	}
}

func TestNotifyDeliversToOwnerChat(t *testing.T) {
	t.Parallel()

	r := newRecordingSender()
	s := New(fastConfig(), r, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	s.Notify(context.Background(), 42, "hello")
	waitSent(t, r)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.chats[0] != 42 || r.texts[0] != "hello" {
		t.Fatalf("sent %v/%q, want 42/hello", r.chats[0], r.texts[0])
	}
}

func TestDuplicateSuppressedWithinWindow(t *testing.T) {
	t.Parallel()

	r := newRecordingSender()
	st := storage.NewMemory()
	cfg := fastConfig()
	cfg.PersistDedup = true
	s := New(cfg, r, logx.Nop(), nil, st)
	s.Start(context.Background())

	ctx := context.Background()
	if err := s.Send(ctx, Notification{Owner: 1, Text: "same"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitSent(t, r)
	if err := s.Send(ctx, Notification{Owner: 1, Text: "same"}); err != nil {
		t.Fatalf("Send duplicate: %v", err)
	}
	if err := s.Send(ctx, Notification{Owner: 2, Text: "same"}); err != nil {
		t.Fatalf("Send other owner: %v", err)
	}
	waitSent(t, r)
	s.Stop(ctx)

	if got := r.count(); got != 2 {
		t.Fatalf("sends = %d, want 2", got)
	}
	if _, ok, _ := st.GetDedup(ctx, dedupKey(Notification{Owner: 1, Text: "same"})); !ok {
		t.Fatalf("dedup window was not persisted")
	}
}

func TestPersistedDedupSurvivesRestart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := storage.NewMemory()
	n := Notification{Owner: 5, Text: "rest started"}
	if err := st.PutDedup(ctx, dedupKey(n), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}

	r := newRecordingSender()
	cfg := fastConfig()
	cfg.PersistDedup = true
	s := New(cfg, r, logx.Nop(), nil, st)
	s.Start(ctx)
	if err := s.Send(ctx, n); err != nil {
		t.Fatalf("Send: %v", err)
	}
	s.Stop(ctx)

	if got := r.count(); got != 0 {
		t.Fatalf("sends = %d, want 0", got)
	}
}

func TestFailedDeliveryPublishesEvent(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, eventbus.NotifyFailed)
	defer unsub()

	r := newRecordingSender()
	r.fail = errors.New("bot blocked by user")
	cfg := fastConfig()
	cfg.RetryMax = 2
	s := New(cfg, r, logx.Nop(), bus, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	s.Notify(context.Background(), 9, "boom")

	select {
	case ev := <-events:
		if ev.Owner != 9 {
			t.Fatalf("event owner = %d, want 9", ev.Owner)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s event", eventbus.NotifyFailed)
	}
	if got := r.count(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestDisabledAndStopped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	off := New(Config{}, newRecordingSender(), logx.Nop(), nil, nil)
	off.Start(ctx)
	if err := off.Send(ctx, Notification{Owner: 1, Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled Send = %v, want ErrDisabled", err)
	}

	s := New(fastConfig(), newRecordingSender(), logx.Nop(), nil, nil)
	if err := s.Send(ctx, Notification{Owner: 1, Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("unstarted Send = %v, want ErrStopped", err)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > cfg.RetryMaxDelay {
			t.Fatalf("retryDelay(%d) = %v, want (0, %v]", attempt, d, cfg.RetryMaxDelay)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("retryDelay(1) = %v, want 70ms..130ms", d)
	}
}
