package broadcast

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"adsbot/internal/eventbus"
	"adsbot/internal/storage"
)

func TestStartPreconditions(t *testing.T) {
	t.Parallel()

	t.Run("no senders", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, testConfig())
		h.addGroups(t, 10)
		if err := h.svc.Start(context.Background(), testOwner); !errors.Is(err, ErrNoSenders) {
			t.Fatalf("Start err = %v, want ErrNoSenders", err)
		}
	})

	t.Run("missing credentials", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, testConfig())
		h.addGroups(t, 10)
		_ = h.store.PutAccount(context.Background(), storage.Account{ID: 1, OwnerID: testOwner, Active: true})
		if err := h.svc.Start(context.Background(), testOwner); !errors.Is(err, ErrMissingCredentials) {
			t.Fatalf("Start err = %v, want ErrMissingCredentials", err)
		}
	})

	t.Run("no groups", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, testConfig())
		h.addAccount(t, 1, 5)
		if err := h.svc.Start(context.Background(), testOwner); !errors.Is(err, ErrNoGroups) {
			t.Fatalf("Start err = %v, want ErrNoGroups", err)
		}
	})

	t.Run("insufficient messages", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.WindowSize = 5
		h := newHarness(t, cfg)
		h.addAccount(t, 1, 3)
		h.addGroups(t, 10)
		err := h.svc.Start(context.Background(), testOwner)
		if !errors.Is(err, ErrInsufficientMessages) {
			t.Fatalf("Start err = %v, want ErrInsufficientMessages", err)
		}
		if len(h.tr.Calls()) != 0 {
			t.Fatalf("sends attempted after refused start")
		}
		if got := h.svc.Running(); len(got) != 0 {
			t.Fatalf("Running = %v, want none", got)
		}
		st, _ := h.store.GetRunState(context.Background(), testOwner)
		if st.Running {
			t.Fatalf("run state persisted as running after refused start")
		}
	})
}

func TestStartTwiceIsRefused(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.addAccount(t, 1, 3)
	h.addGroups(t, 10)
	h.start(t)
	if err := h.svc.Start(context.Background(), testOwner); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start err = %v, want ErrAlreadyRunning", err)
	}
	h.sleep.awaitCycle(t)
	h.stop(t)

	ok, err := h.svc.Stop(context.Background(), testOwner)
	if ok || err != nil {
		t.Fatalf("Stop on idle owner = %v, %v; want false, nil", ok, err)
	}
}

func TestRotationIsDeterministic(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.addAccount(t, 1, 3)
	h.addGroups(t, 10, 20)
	h.start(t)

	for i := 0; i < 4; i++ {
		h.sleep.awaitCycle(t)
		if i < 3 {
			h.sleep.next()
		}
	}
	h.stop(t)

	calls := h.tr.Calls()
	if len(calls) != 8 {
		t.Fatalf("sends = %d, want 8", len(calls))
	}
	want := []int{101, 101, 102, 102, 103, 103, 101, 101}
	for i, c := range calls {
		if c.MsgID != want[i] {
			t.Fatalf("send %d used message %d, want %d", i, c.MsgID, want[i])
		}
		wantGroup := int64(10)
		if i%2 == 1 {
			wantGroup = 20
		}
		if c.Group != wantGroup {
			t.Fatalf("send %d went to group %d, want %d", i, c.Group, wantGroup)
		}
	}

	cur, _ := h.store.GetCursor(context.Background(), testOwner)
	if cur.CycleIndex != 4 {
		t.Fatalf("persisted cycle index = %d, want 4", cur.CycleIndex)
	}

	// A new run resumes from the persisted cursor.
	h.start(t)
	h.sleep.awaitCycle(t)
	h.stop(t)
	calls = h.tr.Calls()
	if got := calls[len(calls)-1].MsgID; got != 102 {
		t.Fatalf("first message after restart = %d, want 102", got)
	}
}

func TestFloodWaitRetriedWithinCycle(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.WindowSize = 2
	h := newHarness(t, cfg)
	h.addAccount(t, 1, 2)
	h.addAccount(t, 2, 2)
	h.addGroups(t, 10, 20, 30)
	h.tr.script = func(sender, group int64, attempt int) error {
		if sender == 1 && group == 20 && attempt == 0 {
			return errors.New("FLOOD_WAIT_30")
		}
		return nil
	}
	h.start(t)

	h.sleep.awaitCycle(t)
	st, err := h.svc.Status(context.Background(), testOwner)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.CycleIndex != 1 || st.MessageIndex != 1 {
		t.Fatalf("after first cycle index = %d/%d, want 1/1", st.CycleIndex, st.MessageIndex)
	}
	if st.Sent != 6 || st.Failed != 0 {
		t.Fatalf("sent/failed = %d/%d, want 6/0", st.Sent, st.Failed)
	}
	waited := false
	for _, d := range h.sleep.Slept() {
		if d == 35*time.Second {
			waited = true
		}
	}
	if !waited {
		t.Fatalf("flood wait of 30s plus buffer was not honoured: %v", h.sleep.Slept())
	}

	h.sleep.next()
	h.sleep.awaitCycle(t)
	h.stop(t)

	calls := h.tr.Calls()
	// Cycle one: sender 1 hits 10, 20 (flood), 20, 30; sender 2 hits 10, 20, 30.
	wantFirst := []sendCall{
		{1, 10, 101, nil}, {1, 20, 101, nil}, {1, 20, 101, nil}, {1, 30, 101, nil},
		{2, 10, 201, nil}, {2, 20, 201, nil}, {2, 30, 201, nil},
	}
	if len(calls) != 13 {
		t.Fatalf("calls = %d, want 13", len(calls))
	}
	for i, w := range wantFirst {
		c := calls[i]
		if c.Sender != w.Sender || c.Group != w.Group || c.MsgID != w.MsgID {
			t.Fatalf("call %d = %+v, want %+v", i, c, w)
		}
	}
	for _, c := range calls[7:] {
		if c.MsgID%100 != 2 {
			t.Fatalf("second cycle used message %d, want index 1", c.MsgID)
		}
	}
}

func TestPermanentFailureRemovesGroup(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.addAccount(t, 1, 3)
	h.addAccount(t, 2, 3)
	h.addGroups(t, 10, 20)
	h.tr.script = func(sender, group int64, _ int) error {
		if group == 20 {
			return errors.New("rpc error code 403: CHAT_WRITE_FORBIDDEN")
		}
		return nil
	}
	h.start(t)
	h.sleep.awaitCycle(t)
	h.sleep.next()
	h.sleep.awaitCycle(t)
	h.stop(t)

	to20 := 0
	for _, c := range h.tr.Calls() {
		if c.Group == 20 {
			to20++
		}
	}
	if to20 != 1 {
		t.Fatalf("sends to removed group = %d, want 1", to20)
	}
	st, _ := h.svc.Status(context.Background(), testOwner)
	if st.Failed != 1 || st.Sent != 4 {
		t.Fatalf("sent/failed = %d/%d, want 4/1", st.Sent, st.Failed)
	}
	bl, _ := h.store.ListBlacklist(context.Background(), testOwner)
	if len(bl) != 1 || bl[0].GroupID != 20 {
		t.Fatalf("blacklist = %+v, want group 20", bl)
	}
}

func TestTemporaryFailureSuspendsUntilExpiry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.addAccount(t, 1, 3)
	h.addGroups(t, 10, 20)
	h.tr.script = func(_, group int64, attempt int) error {
		if group == 20 && attempt == 0 {
			return errors.New("PEER_ID_INVALID")
		}
		return nil
	}
	h.start(t)

	h.sleep.awaitCycle(t)
	susp, _ := h.store.ListSuspensions(context.Background(), testOwner, h.clock.Now())
	if len(susp) != 1 || susp[0].GroupID != 20 {
		t.Fatalf("suspensions = %+v, want group 20", susp)
	}

	// Still suspended: cycle two skips the group.
	h.sleep.next()
	h.sleep.awaitCycle(t)
	// Expired: cycle three readmits it.
	h.clock.Advance(11 * time.Minute)
	h.sleep.next()
	h.sleep.awaitCycle(t)
	h.stop(t)

	var groups []int64
	for _, c := range h.tr.Calls() {
		groups = append(groups, c.Group)
	}
	want := []int64{10, 20, 10, 10, 20}
	if len(groups) != len(want) {
		t.Fatalf("groups = %v, want %v", groups, want)
	}
	for i := range want {
		if groups[i] != want[i] {
			t.Fatalf("groups = %v, want %v", groups, want)
		}
	}
	st, _ := h.svc.Status(context.Background(), testOwner)
	if st.Failed != 1 {
		t.Fatalf("failed = %d, want 1", st.Failed)
	}
}

func TestStopMidSendCountsNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.addAccount(t, 1, 3)
	h.addGroups(t, 10)
	h.tr.blockSends = true
	h.start(t)

	select {
	case <-h.tr.inflight:
	case <-time.After(5 * time.Second):
		t.Fatalf("send never started")
	}
	h.stop(t)

	st, _ := h.svc.Status(context.Background(), testOwner)
	if st.Running || st.Sent != 0 || st.Failed != 0 {
		t.Fatalf("status = %+v, want stopped with no counts", st)
	}
	if logs := h.store.SendLogs(testOwner); len(logs) != 0 {
		t.Fatalf("send log = %+v, want empty", logs)
	}
	rs, _ := h.store.GetRunState(context.Background(), testOwner)
	if rs.Running {
		t.Fatalf("run state still running after stop")
	}
}

func TestBannedAccountIsRetired(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ProbeInterval = 5 * time.Millisecond
	h := newHarness(t, cfg)
	h.addAccount(t, 1, 3)
	h.addAccount(t, 2, 3)
	h.addGroups(t, 10)
	retired, unsub := h.bus.Subscribe(4, eventbus.AccountRetired)
	defer unsub()
	h.tr.probe[1] = ErrBanned

	h.start(t)
	ev := awaitEvent(t, retired)
	if ev.Data.(int64) != 1 {
		t.Fatalf("retired account = %v, want 1", ev.Data)
	}
	h.sleep.awaitCycle(t)
	before := len(h.tr.Calls())
	h.sleep.next()
	h.sleep.awaitCycle(t)

	h.tr.mu.Lock()
	released := h.tr.released[1]
	h.tr.mu.Unlock()
	if released != 1 {
		t.Fatalf("retired account released %d times before stop, want 1", released)
	}
	h.stop(t)

	for _, c := range h.tr.Calls()[before:] {
		if c.Sender == 1 {
			t.Fatalf("retired account still sending: %+v", c)
		}
	}
	h.tr.mu.Lock()
	released, other := h.tr.released[1], h.tr.released[2]
	h.tr.mu.Unlock()
	if released != 1 || other != 1 {
		t.Fatalf("released = %d/%d after stop, want 1/1", released, other)
	}
	accounts, _ := h.store.ListAccounts(context.Background(), testOwner)
	for _, a := range accounts {
		if a.ID == 1 && (a.Active || !a.Banned) {
			t.Fatalf("account 1 = %+v, want inactive and banned", a)
		}
	}
}

func TestLastAccountRetiredStopsRun(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ProbeInterval = 5 * time.Millisecond
	h := newHarness(t, cfg)
	h.addAccount(t, 1, 3)
	h.addGroups(t, 10)
	stopped, unsub := h.bus.Subscribe(4, eventbus.RunStopped)
	defer unsub()
	h.tr.probe[1] = ErrBanned

	h.start(t)
	ev := awaitEvent(t, stopped)
	if reason, _ := ev.Data.(string); reason != "no active accounts left" {
		t.Fatalf("stop reason = %q", reason)
	}
	if got := h.svc.Running(); len(got) != 0 {
		t.Fatalf("Running = %v, want none", got)
	}
}

func TestResetRotation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.addAccount(t, 1, 3)
	h.addGroups(t, 10)
	h.start(t)
	h.sleep.awaitCycle(t)
	h.sleep.next()
	h.sleep.awaitCycle(t)

	if err := h.svc.ResetRotation(context.Background(), testOwner); err != nil {
		t.Fatalf("ResetRotation: %v", err)
	}
	h.sleep.next()
	h.sleep.awaitCycle(t)
	h.stop(t)

	calls := h.tr.Calls()
	if got := calls[len(calls)-1].MsgID; got != 101 {
		t.Fatalf("message after reset = %d, want 101", got)
	}
}

func TestRoundRobinHandsOffAfterCycleSize(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Mode = ModeRoundRobin
	cfg.CycleSize = 2
	h := newHarness(t, cfg)
	h.addAccount(t, 1, 3)
	h.addAccount(t, 2, 3)
	h.addGroups(t, 10)
	h.start(t)
	for i := 0; i < 4; i++ {
		h.sleep.awaitCycle(t)
		if i < 3 {
			h.sleep.next()
		}
	}
	h.stop(t)

	var senders []int64
	for _, c := range h.tr.Calls() {
		senders = append(senders, c.Sender)
	}
	want := []int64{1, 1, 2, 2}
	if len(senders) != len(want) {
		t.Fatalf("senders = %v, want %v", senders, want)
	}
	for i := range want {
		if senders[i] != want[i] {
			t.Fatalf("senders = %v, want %v", senders, want)
		}
	}
}

func TestExternalStopIsObserved(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.addAccount(t, 1, 3)
	h.addGroups(t, 10)
	stopped, unsub := h.bus.Subscribe(4, eventbus.RunStopped)
	defer unsub()
	h.start(t)
	h.sleep.awaitCycle(t)

	rs, _ := h.store.GetRunState(context.Background(), testOwner)
	rs.Running = false
	_ = h.store.PutRunState(context.Background(), rs)
	h.sleep.next()

	ev := awaitEvent(t, stopped)
	if reason, _ := ev.Data.(string); reason != "stopped externally" {
		t.Fatalf("stop reason = %q", reason)
	}
	if n := len(h.tr.Calls()); n != 1 {
		t.Fatalf("sends = %d, want 1", n)
	}
}

func TestPanicMarksRunFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.addAccount(t, 1, 3)
	h.addGroups(t, 10)
	failed, unsub := h.bus.Subscribe(4, eventbus.RunFailed)
	defer unsub()
	h.tr.script = func(int64, int64, int) error { panic("boom") }

	h.start(t)
	awaitEvent(t, failed)

	rs, _ := h.store.GetRunState(context.Background(), testOwner)
	if rs.Running {
		t.Fatalf("run state still running after panic")
	}
	found := false
	for _, text := range h.notes.Texts() {
		if strings.Contains(text, "Broadcast stopped") {
			found = true
		}
	}
	if !found {
		t.Fatalf("owner was not notified: %v", h.notes.Texts())
	}
}

func TestResumeAll(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.addAccount(t, 1, 3)
	h.addGroups(t, 10)
	ctx := context.Background()
	_ = h.store.PutRunState(ctx, storage.RunState{OwnerID: testOwner, Running: true, RunID: "old"})
	_ = h.store.PutRunState(ctx, storage.RunState{OwnerID: 99, Running: true, RunID: "gone"})

	n, err := h.svc.ResumeAll(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ResumeAll = %d, %v; want 1, nil", n, err)
	}
	h.sleep.awaitCycle(t)
	if got := h.svc.Running(); len(got) != 1 || got[0] != testOwner {
		t.Fatalf("Running = %v, want [%d]", got, testOwner)
	}
	other, _ := h.store.GetRunState(ctx, 99)
	if other.Running {
		t.Fatalf("unresumable owner still marked running")
	}
	h.stop(t)
}

func TestPauseHoldsSends(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.addAccount(t, 1, 3)
	h.addGroups(t, 10)
	h.start(t)
	h.sleep.awaitCycle(t)

	ctx := context.Background()
	if err := h.svc.Pause(ctx, testOwner); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if st, _ := h.store.GetRunState(ctx, testOwner); !st.Paused || !st.Running {
		t.Fatalf("persisted run state = %+v, want running and paused", st)
	}
	h.sleep.next()

	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := h.svc.Status(ctx, testOwner)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if st.State == StatePaused {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want paused", st.State)
		}
		time.Sleep(time.Millisecond)
	}
	held := len(h.tr.Calls())
	time.Sleep(20 * time.Millisecond)
	if got := len(h.tr.Calls()); got != held {
		t.Fatalf("sends while paused: %d -> %d", held, got)
	}

	if err := h.svc.Resume(ctx, testOwner); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	h.sleep.awaitCycle(t)
	if got := len(h.tr.Calls()); got != held+1 {
		t.Fatalf("sends after resume = %d, want %d", got, held+1)
	}
	h.stop(t)

	if err := h.svc.Pause(ctx, testOwner); err == nil {
		t.Fatalf("Pause without a run should fail")
	}
}

func equalDurations(a, b []time.Duration) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCooldownEveryNthCycle(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.CooldownEvery = 2
	cfg.CycleTimeout = 7 * time.Minute
	h := newHarness(t, cfg)
	h.addAccount(t, 1, 3)
	h.addGroups(t, 10)
	h.start(t)

	for i := 0; i < 3; i++ {
		h.sleep.awaitCycle(t)
		if i < 2 {
			h.sleep.next()
		}
	}
	got := h.sleep.Slept()
	h.stop(t)

	ms := time.Millisecond
	want := []time.Duration{ms, testGate, ms, testGate, 7 * time.Minute, ms, testGate}
	if !equalDurations(got, want) {
		t.Fatalf("slept = %v, want %v", got, want)
	}
}

func TestDisabledCooldownSkipsPause(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.CooldownEvery = 1
	cfg.CycleTimeout = 7 * time.Minute
	h := newHarness(t, cfg)
	h.addAccount(t, 1, 3)
	h.addGroups(t, 10)
	off := cfg.Settings
	off.CycleTimeout = 0
	if err := h.store.PutSettings(context.Background(), off.ToStorage(testOwner)); err != nil {
		t.Fatalf("PutSettings: %v", err)
	}
	h.start(t)

	h.sleep.awaitCycle(t)
	h.sleep.next()
	h.sleep.awaitCycle(t)
	got := h.sleep.Slept()
	h.stop(t)

	for _, d := range got {
		if d == 7*time.Minute {
			t.Fatalf("cooldown slept although the owner disabled it: %v", got)
		}
	}
}

func TestRestAfterActiveDuration(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.RestAfter = 2 * time.Hour
	// The rest shares the gate duration so the test can hold the loop inside it.
	cfg.RestFor = testGate
	h := newHarness(t, cfg)
	h.addAccount(t, 1, 3)
	h.addGroups(t, 10)
	events, unsub := h.bus.Subscribe(4, eventbus.RestStarted, eventbus.RestEnded)
	defer unsub()
	h.start(t)

	h.sleep.awaitCycle(t)
	h.clock.Advance(3 * time.Hour)
	restStart := h.clock.Now()
	h.sleep.next()

	h.sleep.awaitCycle(t)
	if ev := awaitEvent(t, events); ev.Type != eventbus.RestStarted {
		t.Fatalf("event = %s, want %s", ev.Type, eventbus.RestStarted)
	}
	st, err := h.svc.Status(context.Background(), testOwner)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != StateResting || !st.RestingUntil.Equal(restStart.Add(cfg.RestFor)) {
		t.Fatalf("status = %s until %v, want resting until %v", st.State, st.RestingUntil, restStart.Add(cfg.RestFor))
	}
	if got := len(h.tr.Calls()); got != 1 {
		t.Fatalf("sends before rest = %d, want 1", got)
	}
	h.sleep.next()

	if ev := awaitEvent(t, events); ev.Type != eventbus.RestEnded {
		t.Fatalf("event = %s, want %s", ev.Type, eventbus.RestEnded)
	}
	h.sleep.awaitCycle(t)
	got := h.sleep.Slept()
	h.stop(t)

	ms := time.Millisecond
	want := []time.Duration{ms, testGate, cfg.RestFor, ms, testGate}
	if !equalDurations(got, want) {
		t.Fatalf("slept = %v, want %v", got, want)
	}
	if got := len(h.tr.Calls()); got != 2 {
		t.Fatalf("sends = %d, want 2", got)
	}
	var rested, resumed bool
	for _, text := range h.notes.Texts() {
		rested = rested || strings.Contains(text, "Resting")
		resumed = resumed || strings.Contains(text, "Rest is over")
	}
	if !rested || !resumed {
		t.Fatalf("rest notifications missing: %q", h.notes.Texts())
	}
}

func TestPausedTimeDoesNotCountTowardRest(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.RestAfter = 2 * time.Hour
	cfg.RestFor = 30 * time.Minute
	h := newHarness(t, cfg)
	h.addAccount(t, 1, 3)
	h.addGroups(t, 10)
	rests, unsub := h.bus.Subscribe(4, eventbus.RestStarted)
	defer unsub()
	h.start(t)
	h.sleep.awaitCycle(t)

	ctx := context.Background()
	if err := h.svc.Pause(ctx, testOwner); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	h.sleep.next()
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := h.svc.Status(ctx, testOwner)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if st.State == StatePaused {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want paused", st.State)
		}
		time.Sleep(time.Millisecond)
	}
	h.clock.Advance(3 * time.Hour)
	if err := h.svc.Resume(ctx, testOwner); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	h.sleep.awaitCycle(t)
	got := h.sleep.Slept()
	h.stop(t)

	for _, d := range got {
		if d == cfg.RestFor {
			t.Fatalf("rested right after resume: %v", got)
		}
	}
	select {
	case ev := <-rests:
		t.Fatalf("unexpected %s event", ev.Type)
	default:
	}
}
