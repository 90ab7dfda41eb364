package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"adsbot/internal/eventbus"
	"adsbot/internal/storage"
	logx "adsbot/pkg/logx"
)

var ErrClosed = errors.New("broadcast: service closed")

// Deps are the collaborators a Service drives. Locker and Bus are optional.
type Deps struct {
	Store     storage.Store
	Transport Transport
	Notifier  Notifier
	Opener    Opener
	Locker    Locker
	Bus       eventbus.Bus
	Log       logx.Logger
}

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSleeper replaces the context-aware sleep used between sends and cycles.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Service) { s.sleep = sleep }
}

// Service owns every owner's run. At most one run exists per owner.
type Service struct {
	cfgMu sync.RWMutex
	cfg   Config

	store     storage.Store
	transport Transport
	notifier  Notifier
	locker    Locker
	bus       eventbus.Bus
	log       logx.Logger
	registry  *Registry

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	runs   map[int64]*run
	last   map[int64]Status
	closed bool
}

func NewService(cfg Config, deps Deps, opts ...Option) *Service {
	s := &Service{
		cfg:       cfg,
		store:     deps.Store,
		transport: deps.Transport,
		notifier:  deps.Notifier,
		locker:    deps.Locker,
		bus:       deps.Bus,
		log:       deps.Log.With(logx.String("comp", "broadcast")),
		now:       time.Now,
		sleep:     sleepCtx,
		runs:      map[int64]*run{},
		last:      map[int64]Status{},
	}
	for _, o := range opts {
		o(s)
	}
	s.registry = NewRegistry(deps.Store, deps.Opener, s.log)
	s.registry.now = s.now
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Service) Registry() *Registry { return s.registry }

// SetConfig applies new engine parameters. Running loops pick them up at the
// next cycle boundary.
func (s *Service) SetConfig(cfg Config) {
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
}

func (s *Service) Config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

func (s *Service) publish(typ string, owner int64, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Owner: owner, Data: data})
}

func (s *Service) notify(owner int64, text string) {
	if s.notifier == nil || text == "" {
		return
	}
	s.notifier.Notify(context.Background(), owner, text)
}

// Start validates preconditions and spawns the owner's run. Errors, in check
// order: ErrAlreadyRunning, ErrNoSenders, ErrMissingCredentials, ErrNoGroups,
// ErrInsufficientMessages.
func (s *Service) Start(ctx context.Context, owner int64) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, ok := s.runs[owner]; ok {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	r := newRun(s, owner)
	s.runs[owner] = r
	s.mu.Unlock()

	if err := r.setup(ctx); err != nil {
		s.mu.Lock()
		delete(s.runs, owner)
		s.mu.Unlock()
		r.abort()
		s.log.Info("broadcast start refused", logx.Owner(owner), logx.Err(err))
		return err
	}
	r.launch()
	s.log.Info("broadcast started", logx.Owner(owner), logx.String("run", r.id),
		logx.Int("senders", len(r.senders)), logx.Int("window", r.settings.WindowSize),
		logx.String("mode", string(r.settings.Mode)))
	return nil
}

// Stop cancels the owner's run and waits for its teardown. It reports whether
// a run was active.
func (s *Service) Stop(ctx context.Context, owner int64) (bool, error) {
	r := s.lookup(owner)
	if r == nil {
		st, err := s.store.GetRunState(ctx, owner)
		if err == nil && st.Running {
			st.Running, st.UpdatedAt = false, s.now()
			if err := s.store.PutRunState(ctx, st); err != nil {
				return false, fmt.Errorf("clear run state: %w", err)
			}
		}
		return false, nil
	}
	r.requestStop("stopped by owner")
	select {
	case <-r.done:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

// Pause keeps the run alive but idle until Resume.
func (s *Service) Pause(ctx context.Context, owner int64) error {
	return s.setPaused(ctx, owner, true)
}

func (s *Service) Resume(ctx context.Context, owner int64) error {
	return s.setPaused(ctx, owner, false)
}

func (s *Service) setPaused(ctx context.Context, owner int64, paused bool) error {
	r := s.lookup(owner)
	if r == nil {
		return fmt.Errorf("broadcast: owner %d has no active run", owner)
	}
	r.mu.Lock()
	r.paused = paused
	runID := r.id
	r.mu.Unlock()
	return s.store.PutRunState(ctx, storage.RunState{
		OwnerID: owner, Running: true, Paused: paused, RunID: runID, UpdatedAt: s.now(),
	})
}

// Status reports the live run, or the last finished run's counters.
func (s *Service) Status(ctx context.Context, owner int64) (Status, error) {
	if r := s.lookup(owner); r != nil {
		return r.status(), nil
	}
	s.mu.Lock()
	st, ok := s.last[owner]
	s.mu.Unlock()
	if !ok {
		st = Status{State: StateStopped}
	}
	cur, err := s.store.GetCursor(ctx, owner)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Status{}, err
	}
	set, err := s.store.GetSettings(ctx, owner)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Status{}, err
	}
	eff := s.Config().Effective(set)
	st.CycleIndex = cur.CycleIndex
	st.WindowSize = eff.WindowSize
	st.Mode = eff.Mode
	st.MessageIndex = MessageIndex(cur.CycleIndex, eff.WindowSize)
	return st, nil
}

// ResetRotation rewinds the owner's cursor so the next cycle uses the first
// message and the first account.
func (s *Service) ResetRotation(ctx context.Context, owner int64) error {
	if r := s.lookup(owner); r != nil {
		r.resetCursor()
	}
	return s.store.PutCursor(ctx, storage.Cursor{OwnerID: owner, UpdatedAt: s.now()})
}

// AccountsChanged is called after accounts were linked or removed.
func (s *Service) AccountsChanged(ctx context.Context, owner int64) error {
	return s.ResetRotation(ctx, owner)
}

// Running lists owners with a live run.
func (s *Service) Running() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.runs))
	for owner := range s.runs {
		out = append(out, owner)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ResumeAll restarts runs persisted as running, typically after a restart.
// Owners that can no longer start are marked stopped and told why.
func (s *Service) ResumeAll(ctx context.Context) (int, error) {
	states, err := s.store.ListRunning(ctx)
	if err != nil {
		return 0, fmt.Errorf("list running: %w", err)
	}
	resumed := 0
	for _, st := range states {
		err := s.Start(ctx, st.OwnerID)
		switch {
		case err == nil:
			resumed++
		case errors.Is(err, ErrAlreadyRunning):
		default:
			s.log.Warn("resume failed", logx.Owner(st.OwnerID), logx.Err(err))
			st.Running, st.UpdatedAt = false, s.now()
			if perr := s.store.PutRunState(ctx, st); perr != nil {
				s.log.Error("clear run state failed", logx.Owner(st.OwnerID), logx.Err(perr))
			}
			msg := "Broadcast could not resume: " + err.Error()
			if h := Hint(err); h != "" {
				msg += "\n" + h
			}
			s.notify(st.OwnerID, msg)
		}
	}
	return resumed, nil
}

// Shutdown stops every run without clearing the persisted running flag, so
// ResumeAll picks them up on the next boot.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	runs := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.Unlock()

	for _, r := range runs {
		r.mu.Lock()
		r.shutdown = true
		r.mu.Unlock()
		r.requestStop("shutdown")
	}
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Service) lookup(owner int64) *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[owner]
}

func (s *Service) forget(r *run, st Status) {
	s.mu.Lock()
	if s.runs[r.owner] == r {
		delete(s.runs, r.owner)
	}
	s.last[r.owner] = st
	s.mu.Unlock()
}
