package app

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adsbot/internal/broadcast"
	"adsbot/internal/mtproto"
	"adsbot/internal/storage"
	kit "adsbot/internal/transport"
	"adsbot/internal/transport/telegram/router"
	logx "adsbot/pkg/logx"
)

const testOwner int64 = 1001

type fakeAdapter struct {
	mu      sync.Mutex
	sent    []string
	edited  []string
	deleted []kit.MessageRef
	markup  []any
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	if opt != nil {
		f.markup = append(f.markup, opt.ReplyMarkup)
	}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) EditText(_ context.Context, _ kit.MessageRef, text string, _ *kit.SendOptions) error {
	f.mu.Lock()
	f.edited = append(f.edited, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (f *fakeAdapter) DeleteMessage(_ context.Context, ref kit.MessageRef) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, ref)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

type fakeBroadcaster struct {
	startErr error
	status   broadcast.Status
	started  int
	changed  int
	paused   bool
}

func (f *fakeBroadcaster) Start(context.Context, int64) error {
	f.started++
	return f.startErr
}
func (f *fakeBroadcaster) Stop(context.Context, int64) (bool, error) { return f.status.Running, nil }
func (f *fakeBroadcaster) Pause(context.Context, int64) error        { f.paused = true; return nil }
func (f *fakeBroadcaster) Resume(context.Context, int64) error       { f.paused = false; return nil }
func (f *fakeBroadcaster) Status(context.Context, int64) (broadcast.Status, error) {
	return f.status, nil
}
func (f *fakeBroadcaster) ResetRotation(context.Context, int64) error { return nil }
func (f *fakeBroadcaster) AccountsChanged(context.Context, int64) error {
	f.changed++
	return nil
}
func (f *fakeBroadcaster) Config() broadcast.Config { return broadcast.DefaultConfig() }

type fakeIdentifier struct {
	prof mtproto.Profile
	err  error
}

func (f fakeIdentifier) Identify(context.Context, string) (mtproto.Profile, error) {
	return f.prof, f.err
}

type prefixSealer struct{}

func (prefixSealer) Seal(plain string) (string, error) { return "sealed:" + plain, nil }

type fixture struct {
	cmds  *Commands
	bc    *fakeBroadcaster
	store *storage.Memory
	ad    *fakeAdapter
}

func newFixture(ident fakeIdentifier) *fixture {
	bc := &fakeBroadcaster{status: broadcast.Status{State: broadcast.StateStopped}}
	store := storage.NewMemory()
	return &fixture{
		cmds:  NewCommands(bc, store, ident, prefixSealer{}),
		bc:    bc,
		store: store,
		ad:    &fakeAdapter{},
	}
}

func (f *fixture) req(args ...string) *router.Request {
	return &router.Request{
		Chat:      kit.ChatTarget{ChatID: testOwner},
		FromID:    testOwner,
		MessageID: 77,
		Args:      args,
		Adapter:   f.ad,
		Logger:    logx.Nop(),
	}
}

func requireUserError(t *testing.T, err error, contains string) {
	t.Helper()
	var ue *router.UserError
	require.True(t, errors.As(err, &ue), "want UserError, got %v", err)
	assert.Contains(t, ue.Msg, contains)
}

func TestSetPersistsValidatedSettings(t *testing.T) {
	t.Parallel()
	f := newFixture(fakeIdentifier{})
	ctx := context.Background()

	require.NoError(t, f.cmds.set(ctx, f.req("delay", "200")))
	require.NoError(t, f.cmds.set(ctx, f.req("window", "5")))
	require.NoError(t, f.cmds.set(ctx, f.req("mode", "ROUND_ROBIN")))

	st, err := f.store.GetSettings(ctx, testOwner)
	require.NoError(t, err)
	assert.Equal(t, 200*time.Second, st.CycleDelay)
	assert.Equal(t, 5, st.WindowSize)
	assert.Equal(t, string(broadcast.ModeRoundRobin), st.Mode)
	assert.Contains(t, f.ad.last(), "next /start_broadcast")
}

func TestSetTimeoutZeroDisablesCooldown(t *testing.T) {
	t.Parallel()
	f := newFixture(fakeIdentifier{})
	ctx := context.Background()

	require.NoError(t, f.cmds.set(ctx, f.req("timeout", "0")))
	assert.Contains(t, f.ad.last(), "timeout: <code>0s</code>")

	st, err := f.store.GetSettings(ctx, testOwner)
	require.NoError(t, err)
	assert.Equal(t, storage.Off, st.CycleTimeout)

	eff, err := f.cmds.effective(ctx, testOwner)
	require.NoError(t, err)
	assert.Zero(t, eff.CycleTimeout)

	// Changing another field keeps the cooldown off.
	require.NoError(t, f.cmds.set(ctx, f.req("delay", "200")))
	eff, err = f.cmds.effective(ctx, testOwner)
	require.NoError(t, err)
	assert.Zero(t, eff.CycleTimeout)
}

func TestSetRejectsOutOfRange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cases := []struct {
		name string
		args []string
		want string
	}{
		{"below min delay", []string{"delay", "30"}, "CycleDelay"},
		{"window too large", []string{"window", "11"}, "WindowSize"},
		{"bad mode", []string{"mode", "shuffle"}, "Mode"},
		{"unknown field", []string{"color", "red"}, "unknown setting"},
		{"not a number", []string{"window", "many"}, "window"},
		{"missing value", []string{"delay"}, "usage"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(fakeIdentifier{})
			err := f.cmds.set(ctx, f.req(tc.args...))
			requireUserError(t, err, tc.want)

			st, err := f.store.GetSettings(ctx, testOwner)
			require.NoError(t, err)
			assert.Zero(t, st.CycleDelay)
		})
	}
}

func TestParseSeconds(t *testing.T) {
	t.Parallel()
	cases := map[string]time.Duration{
		"90":    90 * time.Second,
		"5m":    5 * time.Minute,
		"1h30m": 90 * time.Minute,
	}
	for in, want := range cases {
		got, err := parseSeconds(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseSeconds("soon")
	assert.Error(t, err)
}

func TestStartBroadcastRepliesWithHint(t *testing.T) {
	t.Parallel()
	f := newFixture(fakeIdentifier{})
	f.bc.startErr = broadcast.ErrNoGroups

	err := f.cmds.startBroadcast(context.Background(), f.req())
	requireUserError(t, err, "/addgroup")
	assert.Equal(t, 1, f.bc.started)
}

func TestStartBroadcastPassesInternalErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(fakeIdentifier{})
	f.bc.startErr = errors.New("disk on fire")

	err := f.cmds.startBroadcast(context.Background(), f.req())
	var ue *router.UserError
	assert.False(t, errors.As(err, &ue))
	assert.EqualError(t, err, "disk on fire")
}

func TestPauseRequiresRunningBroadcast(t *testing.T) {
	t.Parallel()
	f := newFixture(fakeIdentifier{})
	ctx := context.Background()

	requireUserError(t, f.cmds.pause(ctx, f.req()), "no broadcast")
	assert.False(t, f.bc.paused)

	f.bc.status = broadcast.Status{State: broadcast.StateRunning, Running: true}
	require.NoError(t, f.cmds.pause(ctx, f.req()))
	assert.True(t, f.bc.paused)
	require.NoError(t, f.cmds.resume(ctx, f.req()))
	assert.False(t, f.bc.paused)
}

func TestAddGroupClearsBlacklist(t *testing.T) {
	t.Parallel()
	f := newFixture(fakeIdentifier{})
	ctx := context.Background()
	const chat int64 = -1001234567890

	require.NoError(t, f.store.AddBlacklist(ctx, storage.BlacklistEntry{OwnerID: testOwner, GroupID: chat, Reason: "CHAT_WRITE_FORBIDDEN"}))
	require.NoError(t, f.cmds.addGroup(ctx, f.req(strconv.FormatInt(chat, 10), "Ads", "Room")))

	groups, err := f.store.ListGroups(ctx, testOwner)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "Ads Room", groups[0].Title)
	assert.Equal(t, storage.KindChannel, groups[0].Kind)

	bl, err := f.store.ListBlacklist(ctx, testOwner)
	require.NoError(t, err)
	assert.Empty(t, bl)

	requireUserError(t, f.cmds.addGroup(ctx, f.req("general")), "not a chat id")
	requireUserError(t, f.cmds.removeGroup(ctx, f.req("-42")), "not in your list")
	require.NoError(t, f.cmds.removeGroup(ctx, f.req(strconv.FormatInt(chat, 10))))
}

func TestGroupsPaginates(t *testing.T) {
	t.Parallel()
	f := newFixture(fakeIdentifier{})
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range 25 {
		require.NoError(t, f.store.PutGroup(ctx, storage.Group{
			OwnerID: testOwner, ChatID: int64(-100 - i), Title: "g" + strconv.Itoa(i),
			AddedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	require.NoError(t, f.cmds.groups(ctx, f.req()))
	assert.Contains(t, f.ad.last(), "Target groups (25)")
	assert.Contains(t, f.ad.last(), "Page 1/3")
	assert.NotNil(t, f.ad.markup[0])

	require.NoError(t, f.cmds.groupsPage(ctx, f.req(), "2"))
	require.Len(t, f.ad.edited, 1)
	assert.Contains(t, f.ad.edited[0], "Page 3/3")
	assert.Contains(t, f.ad.edited[0], "g24")
}

func TestAddAccountSealsSessionAndResetsRotation(t *testing.T) {
	t.Parallel()
	f := newFixture(fakeIdentifier{prof: mtproto.Profile{ID: 555, Username: "seller"}})
	ctx := context.Background()

	require.NoError(t, f.cmds.addAccount(ctx, f.req("1BQANOTREAL")))

	accs, err := f.store.ListAccounts(ctx, testOwner)
	require.NoError(t, err)
	require.Len(t, accs, 1)
	assert.Equal(t, int64(555), accs[0].ID)
	assert.Equal(t, "sealed:1BQANOTREAL", accs[0].Session)
	assert.True(t, accs[0].Active)
	assert.Equal(t, 1, f.bc.changed)
	require.Len(t, f.ad.deleted, 1)
	assert.Equal(t, 77, f.ad.deleted[0].MessageID)
	assert.Contains(t, f.ad.last(), "@seller")

	require.NoError(t, f.cmds.removeAccount(ctx, f.req("555")))
	assert.Equal(t, 2, f.bc.changed)
	requireUserError(t, f.cmds.removeAccount(ctx, f.req("555")), "not linked")
}

func TestAddAccountRejectsBannedSession(t *testing.T) {
	t.Parallel()
	f := newFixture(fakeIdentifier{err: broadcast.ErrBanned})

	requireUserError(t, f.cmds.addAccount(context.Background(), f.req("dead")), "Session rejected")
	accs, err := f.store.ListAccounts(context.Background(), testOwner)
	require.NoError(t, err)
	assert.Empty(t, accs)
	assert.Zero(t, f.bc.changed)
}

func TestFormatStatus(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := broadcast.Status{
		State: broadcast.StateResting, Running: true, Mode: broadcast.ModeAllSenders,
		CycleIndex: 1234, MessageIndex: 1, WindowSize: 3, Sent: 90, Failed: 10,
		Senders: 2, Groups: 8, Suspended: 1,
		StartedAt: now.Add(-2 * time.Hour), RestingUntil: now.Add(30 * time.Minute),
	}
	out := formatStatus(st, now)
	for _, want := range []string{"resting", "Next message: 2 of 3", "1,234", "Groups: 8", "Resting, back in"} {
		assert.True(t, strings.Contains(out, want), "missing %q in %q", want, out)
	}

	idle := formatStatus(broadcast.Status{State: broadcast.StateStopped}, now)
	assert.NotContains(t, idle, "Sent:")
}
