package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"adsbot/internal/eventbus"
	"adsbot/internal/runtime/supervisor"
	"adsbot/internal/storage"
	logx "adsbot/pkg/logx"
)

const (
	finishTimeout    = 10 * time.Second
	defaultLockTTL   = 30 * time.Second
	lockMissesToStop = 2
)

type sender struct {
	identity SenderIdentity
	window   MessageWindow
	cancel   context.CancelFunc
	retired  atomic.Bool
	// released is touched by the loop goroutine and, after it exits, by finish.
	released bool
}

// run is one owner's broadcast actor. The loop goroutine is the only writer
// of cursor progress; other goroutines go through mu.
type run struct {
	svc   *Service
	owner int64
	id    string
	log   logx.Logger
	sup   *supervisor.Supervisor
	done  chan struct{}

	settings Settings
	senders  []*sender
	groups   *GroupSet
	locked   bool

	sent   atomic.Int64
	failed atomic.Int64

	mu           sync.Mutex
	state        State
	paused       bool
	shutdown     bool
	reason       string
	cursor       storage.Cursor
	resetEpoch   uint64
	cycles       int64
	startedAt    time.Time
	activeSince  time.Time
	restingUntil time.Time
}

func newRun(s *Service, owner int64) *run {
	log := s.log.With(logx.Owner(owner))
	return &run{
		svc:   s,
		owner: owner,
		log:   log,
		sup:   supervisor.New(context.Background(), supervisor.WithLogger(log)),
		done:  make(chan struct{}),
		state: StateStarting,
	}
}

func (r *run) setup(ctx context.Context) error {
	if l := r.svc.locker; l != nil {
		ok, err := l.Acquire(ctx, r.owner)
		if err != nil {
			return fmt.Errorf("acquire run lock: %w", err)
		}
		if !ok {
			return ErrAlreadyRunning
		}
		r.locked = true
	}
	return r.prepare(ctx)
}

func (r *run) prepare(ctx context.Context) error {
	svc := r.svc
	cfg := svc.Config()
	now := svc.now()

	set, err := svc.store.GetSettings(ctx, r.owner)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load settings: %w", err)
	}
	r.settings = cfg.Effective(set)

	ids, err := svc.registry.ListActive(ctx, r.owner)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return ErrNoSenders
	}
	if rc, ok := svc.transport.(interface{ Ready() error }); ok {
		if err := rc.Ready(); err != nil {
			return fmt.Errorf("%w: %v", ErrMissingCredentials, err)
		}
	}

	groups, err := svc.store.ListGroups(ctx, r.owner)
	if err != nil {
		return fmt.Errorf("load groups: %w", err)
	}
	targets := make([]TargetGroup, 0, len(groups))
	for _, g := range groups {
		targets = append(targets, groupFromStorage(g))
	}
	r.groups = NewGroupSet(targets)
	susp, err := svc.store.ListSuspensions(ctx, r.owner, now)
	if err != nil {
		return fmt.Errorf("load suspensions: %w", err)
	}
	for _, sp := range susp {
		r.groups.Suspend(sp.GroupID, sp.ExpiresAt)
	}
	if len(r.groups.Working(now)) == 0 {
		return ErrNoGroups
	}

	for _, id := range ids {
		w, err := FetchWindow(ctx, svc.transport, id, r.settings.WindowSize)
		if err != nil {
			return err
		}
		r.senders = append(r.senders, &sender{identity: id, window: w})
	}

	cur, err := svc.store.GetCursor(ctx, r.owner)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load cursor: %w", err)
	}
	cur.OwnerID = r.owner
	r.cursor = cur

	r.id = uuid.NewString()
	if err := svc.store.PutRunState(ctx, storage.RunState{
		OwnerID: r.owner, Running: true, RunID: r.id, UpdatedAt: now,
	}); err != nil {
		return fmt.Errorf("persist run state: %w", err)
	}
	if err := svc.store.RecordRunStart(ctx, r.owner); err != nil {
		r.log.Warn("record run start failed", logx.Err(err))
	}
	return nil
}

// abort undoes a failed setup.
func (r *run) abort() {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	for _, sd := range r.senders {
		r.svc.transport.Release(sd.identity)
	}
	if r.locked {
		if err := r.svc.locker.Release(ctx, r.owner); err != nil {
			r.log.Warn("release run lock failed", logx.Err(err))
		}
	}
	r.sup.Cancel()
	close(r.done)
}

func (r *run) launch() {
	now := r.svc.now()
	r.mu.Lock()
	r.state = StateRunning
	r.startedAt = now
	r.activeSince = now
	r.mu.Unlock()

	for _, sd := range r.senders {
		r.watch(sd)
	}
	if r.locked {
		r.sup.Go("lock.heartbeat", r.heartbeat)
	}
	loopDone := make(chan struct{})
	r.sup.Go("loop", func(ctx context.Context) error {
		defer close(loopDone)
		return r.loop(ctx)
	})
	go r.supervise(loopDone)

	total, _, _ := r.groups.Counts(now)
	r.svc.publish(eventbus.RunStarted, r.owner, r.id)
	r.svc.notify(r.owner, formatStarted(len(r.senders), total, r.settings))
}

func (r *run) watch(sd *sender) {
	cfg := r.svc.Config()
	mctx, cancel := context.WithCancel(r.sup.Context())
	sd.cancel = cancel
	m := &Monitor{
		Identity:  sd.identity,
		Transport: r.svc.transport,
		Interval:  cfg.ProbeInterval,
		Timeout:   cfg.ProbeTimeout,
		OnBan:     func(reason string) { r.retire(sd, reason) },
		Log:       r.log,
	}
	r.sup.Go(fmt.Sprintf("monitor.%d", sd.identity.ID), func(context.Context) error {
		return m.Run(mctx)
	})
}

func (r *run) requestStop(reason string) {
	r.mu.Lock()
	if r.reason == "" {
		r.reason = reason
	}
	if r.state != StateStarting {
		r.state = StateStopping
	}
	r.mu.Unlock()
	r.sup.Cancel()
}

func (r *run) supervise(loopDone <-chan struct{}) {
	<-loopDone
	r.sup.Cancel()
	err := r.sup.Wait(context.Background())
	r.finish(err)
}

func (r *run) finish(err error) {
	svc := r.svc
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	for _, sd := range r.senders {
		if !sd.released {
			svc.transport.Release(sd.identity)
		}
	}

	r.mu.Lock()
	reason := r.reason
	shutdown := r.shutdown
	cycles := r.cycles
	started := r.startedAt
	r.state = StateStopped
	r.mu.Unlock()

	failed := false
	switch {
	case err == nil:
	case errors.Is(err, ErrNoSenders):
		reason = "no active accounts left"
	case errors.Is(err, ErrNoGroups):
		reason = "no target groups left"
	default:
		failed = true
		reason = "error: " + err.Error()
	}
	if reason == "" {
		reason = "stopped"
	}

	if !shutdown {
		if perr := svc.store.PutRunState(ctx, storage.RunState{
			OwnerID: r.owner, Running: false, RunID: r.id, UpdatedAt: svc.now(),
		}); perr != nil {
			r.log.Error("persist run state failed", logx.Err(perr))
		}
		if svc.Config().ResetOnStop {
			if perr := svc.store.PutCursor(ctx, storage.Cursor{OwnerID: r.owner, UpdatedAt: svc.now()}); perr != nil {
				r.log.Error("reset cursor failed", logx.Err(perr))
			}
		}
	}
	if r.locked {
		if lerr := svc.locker.Release(ctx, r.owner); lerr != nil {
			r.log.Warn("release run lock failed", logx.Err(lerr))
		}
	}

	st := r.status()
	svc.forget(r, st)

	if !shutdown {
		svc.notify(r.owner, formatRunEnd(runReport{
			Reason:  reason,
			Cycles:  cycles,
			Sent:    st.Sent,
			Failed:  st.Failed,
			Elapsed: svc.now().Sub(started),
		}))
	}
	if failed {
		r.log.Error("broadcast run failed", logx.String("run", r.id), logx.Err(err))
		svc.publish(eventbus.RunFailed, r.owner, err.Error())
	} else {
		r.log.Info("broadcast stopped", logx.String("run", r.id), logx.String("reason", reason),
			logx.Int64("sent", st.Sent), logx.Int64("failed", st.Failed))
		svc.publish(eventbus.RunStopped, r.owner, reason)
	}
	close(r.done)
}

func (r *run) status() Status {
	now := r.svc.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateStarting {
		return Status{State: StateStarting, Running: true}
	}
	total, removed, suspended := 0, 0, 0
	if r.groups != nil {
		total, removed, suspended = r.groups.Counts(now)
	}
	active := 0
	for _, sd := range r.senders {
		if !sd.retired.Load() {
			active++
		}
	}
	return Status{
		State:        r.state,
		Running:      r.state != StateStopped,
		Paused:       r.paused,
		RunID:        r.id,
		Mode:         r.settings.Mode,
		CycleIndex:   r.cursor.CycleIndex,
		MessageIndex: MessageIndex(r.cursor.CycleIndex, r.settings.WindowSize),
		WindowSize:   r.settings.WindowSize,
		Sent:         r.sent.Load(),
		Failed:       r.failed.Load(),
		Senders:      active,
		Groups:       total - removed,
		Suspended:    suspended,
		StartedAt:    r.startedAt,
		RestingUntil: r.restingUntil,
	}
}

func (r *run) setState(s State) {
	r.mu.Lock()
	if r.state != StateStopping {
		r.state = s
	}
	r.mu.Unlock()
}

func (r *run) resetCursor() {
	r.mu.Lock()
	r.cursor.CycleIndex = 0
	r.cursor.AccountCursor = 0
	r.resetEpoch++
	r.mu.Unlock()
}

// retire removes a banned account from the run. The loop skips it from its
// next send on; an in-flight send is not interrupted.
func (r *run) retire(sd *sender, reason string) {
	if !sd.retired.CompareAndSwap(false, true) {
		return
	}
	if sd.cancel != nil {
		sd.cancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	if err := r.svc.registry.Retire(ctx, r.owner, sd.identity.ID, ReasonBanned); err != nil {
		r.log.Error("retire account failed", logx.Int64("account", sd.identity.ID), logx.Err(err))
	}
	r.log.Warn("account retired", logx.Int64("account", sd.identity.ID), logx.String("reason", reason))
	r.svc.publish(eventbus.AccountRetired, r.owner, sd.identity.ID)
	r.svc.notify(r.owner, formatRetired(sd.identity, reason))

	if len(r.activeSenders()) == 0 {
		r.requestStop("no active accounts left")
	}
}

// releaseRetired closes connections of accounts retired since the last cycle.
// Only the loop calls it, so no send through them is in flight.
func (r *run) releaseRetired() {
	for _, sd := range r.senders {
		if sd.retired.Load() && !sd.released {
			sd.released = true
			r.svc.transport.Release(sd.identity)
			r.log.Debug("retired account released", logx.Int64("account", sd.identity.ID))
		}
	}
}

func (r *run) activeSenders() []*sender {
	out := make([]*sender, 0, len(r.senders))
	for _, sd := range r.senders {
		if !sd.retired.Load() {
			out = append(out, sd)
		}
	}
	return out
}

func (r *run) heartbeat(ctx context.Context) error {
	ttl := r.svc.Config().LockTTL
	if t, ok := r.svc.locker.(interface{ TTL() time.Duration }); ok && t.TTL() > 0 {
		ttl = t.TTL()
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	tick := time.NewTicker(ttl / 3)
	defer tick.Stop()
	misses := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
		err := r.svc.locker.Extend(ctx, r.owner)
		if err == nil {
			misses = 0
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		misses++
		r.log.Warn("run lock extend failed", logx.Int("misses", misses), logx.Err(err))
		if misses >= lockMissesToStop {
			r.requestStop("run lock lost")
			return fmt.Errorf("run lock lost: %w", err)
		}
	}
}
