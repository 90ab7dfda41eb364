package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"adsbot/internal/eventbus"
	"adsbot/internal/storage"
	logx "adsbot/pkg/logx"
)

type sendCall struct {
	Sender int64
	Group  int64
	MsgID  int
	Err    error
}

type fakeTransport struct {
	mu       sync.Mutex
	saved    map[int64][]Message
	script   func(sender, group int64, attempt int) error
	attempts map[[2]int64]int
	calls    []sendCall
	probe    map[int64]error
	released map[int64]int

	// blockSends makes Forward wait for ctx and reports entry on inflight.
	blockSends bool
	inflight   chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		saved:    map[int64][]Message{},
		attempts: map[[2]int64]int{},
		probe:    map[int64]error{},
		released: map[int64]int{},
		inflight: make(chan struct{}, 16),
	}
}

func (f *fakeTransport) RecentMessages(_ context.Context, s SenderIdentity, limit int) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.saved[s.ID]
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return append([]Message(nil), msgs...), nil
}

func (f *fakeTransport) Forward(ctx context.Context, s SenderIdentity, g TargetGroup, msgID int) error {
	f.mu.Lock()
	block := f.blockSends
	f.mu.Unlock()
	if block {
		f.inflight <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	key := [2]int64{s.ID, g.ID}
	attempt := f.attempts[key]
	f.attempts[key]++
	var err error
	if f.script != nil {
		err = f.script(s.ID, g.ID, attempt)
	}
	f.calls = append(f.calls, sendCall{Sender: s.ID, Group: g.ID, MsgID: msgID, Err: err})
	return err
}

func (f *fakeTransport) Probe(_ context.Context, s SenderIdentity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probe[s.ID]
}

func (f *fakeTransport) Release(s SenderIdentity) {
	f.mu.Lock()
	f.released[s.ID]++
	f.mu.Unlock()
}

func (f *fakeTransport) Calls() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sendCall(nil), f.calls...)
}

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *fakeNotifier) Notify(_ context.Context, _ int64, text string) {
	n.mu.Lock()
	n.texts = append(n.texts, text)
	n.mu.Unlock()
}

func (n *fakeNotifier) Texts() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.texts...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// gateSleeper returns at once except for the gate duration, where it reports
// arrival and blocks until released. Tests use the cycle delay as the gate.
type gateSleeper struct {
	gate    time.Duration
	reached chan struct{}
	release chan struct{}

	mu    sync.Mutex
	slept []time.Duration
}

func newGateSleeper(gate time.Duration) *gateSleeper {
	return &gateSleeper{gate: gate, reached: make(chan struct{}), release: make(chan struct{})}
}

func (g *gateSleeper) Sleep(ctx context.Context, d time.Duration) error {
	g.mu.Lock()
	g.slept = append(g.slept, d)
	g.mu.Unlock()
	if d != g.gate {
		return ctx.Err()
	}
	select {
	case g.reached <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gateSleeper) Slept() []time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]time.Duration(nil), g.slept...)
}

// awaitCycle waits until the loop parks at the end of a cycle.
func (g *gateSleeper) awaitCycle(t *testing.T) {
	t.Helper()
	select {
	case <-g.reached:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for cycle end")
	}
}

func (g *gateSleeper) next() { g.release <- struct{}{} }

const (
	testOwner = int64(7)
	testGate  = time.Hour
)

type harness struct {
	svc    *Service
	store  *storage.Memory
	tr     *fakeTransport
	notes  *fakeNotifier
	sleep  *gateSleeper
	clock  *fakeClock
	bus    eventbus.Bus
	config Config
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CycleDelay = testGate
	cfg.GroupMessageDelay = time.Millisecond
	cfg.CycleTimeout = 0
	cfg.CooldownEvery = 0
	cfg.RestAfter = 0
	cfg.ProbeInterval = time.Hour
	cfg.PausePoll = time.Millisecond
	return cfg
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:  storage.NewMemory(),
		tr:     newFakeTransport(),
		notes:  &fakeNotifier{},
		sleep:  newGateSleeper(testGate),
		clock:  &fakeClock{t: time.Unix(1_700_000_000, 0)},
		bus:    eventbus.New(),
		config: cfg,
	}
	h.svc = NewService(cfg, Deps{
		Store:     h.store,
		Transport: h.tr,
		Notifier:  h.notes,
		Bus:       h.bus,
		Log:       logx.Nop(),
	}, WithClock(h.clock.Now), WithSleeper(h.sleep.Sleep))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.svc.Shutdown(ctx)
	})
	return h
}

// addAccount links an account holding n saved messages with ids base+1..base+n
// (oldest first once windowed).
func (h *harness) addAccount(t *testing.T, id int64, n int) {
	t.Helper()
	ctx := context.Background()
	err := h.store.PutAccount(ctx, storage.Account{
		ID: id, OwnerID: testOwner, Username: "acc", Session: "session",
		Active: true, CreatedAt: time.Unix(id, 0),
	})
	if err != nil {
		t.Fatalf("PutAccount: %v", err)
	}
	msgs := make([]Message, 0, n)
	for i := n; i >= 1; i-- {
		msgs = append(msgs, Message{ID: int(id*100) + i, Text: "ad"})
	}
	h.tr.mu.Lock()
	h.tr.saved[id] = msgs
	h.tr.mu.Unlock()
}

func (h *harness) addGroups(t *testing.T, ids ...int64) {
	t.Helper()
	for i, id := range ids {
		err := h.store.PutGroup(context.Background(), storage.Group{
			OwnerID: testOwner, ChatID: id, Kind: storage.KindChannel, Title: "g",
			AddedAt: time.Unix(int64(i+1), 0),
		})
		if err != nil {
			t.Fatalf("PutGroup: %v", err)
		}
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.svc.Start(context.Background(), testOwner); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ok, err := h.svc.Stop(ctx, testOwner)
	if err != nil || !ok {
		t.Fatalf("Stop = %v, %v; want true, nil", ok, err)
	}
}

func awaitEvent(t *testing.T, ch <-chan eventbus.Event) eventbus.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event")
		return eventbus.Event{}
	}
}
