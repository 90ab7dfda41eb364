package broadcast

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"adsbot/internal/eventbus"
	"adsbot/internal/storage"
	logx "adsbot/pkg/logx"
)

// loop drives cycles until the context ends, the persisted run state says
// stop, or no senders or groups remain.
func (r *run) loop(ctx context.Context) error {
	svc := r.svc
	var pausedSince time.Time
	for {
		if ctx.Err() != nil {
			return nil
		}
		cfg := svc.Config()
		if !r.refresh(ctx) {
			return nil
		}

		r.mu.Lock()
		paused := r.paused
		if !paused && !pausedSince.IsZero() {
			// Paused time does not count towards rest_after.
			r.activeSince = r.activeSince.Add(svc.now().Sub(pausedSince))
			pausedSince = time.Time{}
		}
		r.mu.Unlock()
		if paused {
			if pausedSince.IsZero() {
				pausedSince = svc.now()
			}
			r.setState(StatePaused)
			if svc.sleep(ctx, cfg.PausePoll) != nil {
				return nil
			}
			continue
		}

		r.releaseRetired()
		senders := r.activeSenders()
		if len(senders) == 0 {
			return ErrNoSenders
		}

		now := svc.now()
		for _, g := range r.groups.Readmit(now) {
			if err := svc.store.DeleteSuspension(ctx, r.owner, g.ID); err != nil {
				r.log.Warn("clear suspension failed", logx.Int64("group", g.ID), logx.Err(err))
			}
			r.log.Info("group readmitted", logx.Int64("group", g.ID))
		}
		working := r.groups.Working(now)
		if len(working) == 0 {
			next := r.groups.NextExpiry()
			if next.IsZero() {
				return ErrNoGroups
			}
			r.log.Info("all groups suspended; waiting", logx.Time("until", next))
			if svc.sleep(ctx, next.Sub(now)) != nil {
				return nil
			}
			continue
		}

		r.mu.Lock()
		due := cfg.RestAfter > 0 && now.Sub(r.activeSince) >= cfg.RestAfter
		r.mu.Unlock()
		if due {
			if !r.rest(ctx, cfg) {
				return nil
			}
			continue
		}

		r.setState(StateRunning)
		rep := r.cycle(ctx, cfg, senders, working)
		if ctx.Err() != nil {
			return nil
		}
		cooldown := r.advance(ctx, cfg, len(senders), &rep)

		rep.NextIn = r.settings.CycleDelay
		rep.Cooldown = cooldown
		if cooldown {
			rep.NextIn += r.settings.CycleTimeout
		}
		svc.notify(r.owner, formatCycle(rep))

		if svc.sleep(ctx, r.settings.CycleDelay) != nil {
			return nil
		}
		if cooldown && r.settings.CycleTimeout > 0 {
			r.log.Info("cooldown", logx.Duration("for", r.settings.CycleTimeout))
			if svc.sleep(ctx, r.settings.CycleTimeout) != nil {
				return nil
			}
		}
	}
}

// refresh re-reads persisted state at the top of an iteration. It returns
// false when the run should end.
func (r *run) refresh(ctx context.Context) bool {
	st, err := r.svc.store.GetRunState(ctx, r.owner)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		r.log.Warn("read run state failed", logx.Err(err))
	} else if !st.Running || (st.RunID != "" && st.RunID != r.id) {
		r.requestStop("stopped externally")
		return false
	} else {
		r.mu.Lock()
		r.paused = st.Paused
		r.mu.Unlock()
	}

	set, err := r.svc.store.GetSettings(ctx, r.owner)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return true
	}
	// Window size and mode are fixed for the run; delays follow the owner live.
	eff := r.svc.Config().Effective(set)
	r.mu.Lock()
	r.settings.CycleDelay = eff.CycleDelay
	r.settings.GroupMessageDelay = eff.GroupMessageDelay
	r.settings.CycleTimeout = eff.CycleTimeout
	r.mu.Unlock()
	return true
}

func (r *run) rest(ctx context.Context, cfg Config) bool {
	svc := r.svc
	until := svc.now().Add(cfg.RestFor)
	r.mu.Lock()
	r.state = StateResting
	r.restingUntil = until
	r.mu.Unlock()
	r.log.Info("resting", logx.Duration("for", cfg.RestFor))
	svc.publish(eventbus.RestStarted, r.owner, until)
	svc.notify(r.owner, formatRest(cfg.RestFor))

	err := svc.sleep(ctx, cfg.RestFor)

	r.mu.Lock()
	r.activeSince = svc.now()
	r.restingUntil = time.Time{}
	r.mu.Unlock()
	if err != nil {
		return false
	}
	r.setState(StateRunning)
	svc.publish(eventbus.RestEnded, r.owner, nil)
	svc.notify(r.owner, "Rest is over, resuming the broadcast.")
	return true
}

// cycle sends the cycle's message through the cycle's senders to every
// working group: senders outer, groups inner.
func (r *run) cycle(ctx context.Context, cfg Config, senders []*sender, working []TargetGroup) cycleReport {
	start := r.svc.now()
	r.mu.Lock()
	cur := r.cursor
	epoch := r.resetEpoch
	r.mu.Unlock()

	idx := MessageIndex(cur.CycleIndex, r.settings.WindowSize)
	batch := senders
	if r.settings.Mode == ModeRoundRobin {
		batch = []*sender{senders[cur.AccountCursor%len(senders)]}
	}
	rep := cycleReport{
		Cycle:        cur.CycleIndex + 1,
		MessageIndex: idx,
		WindowSize:   r.settings.WindowSize,
		Groups:       len(working),
		Senders:      len(batch),
	}
	r.log.Debug("cycle started", logx.Int64("cycle", cur.CycleIndex), logx.Int("message", idx),
		logx.Int("senders", len(batch)), logx.Int("groups", len(working)))

	for _, sd := range batch {
		msg := sd.window.Messages[idx]
		for _, g := range working {
			if ctx.Err() != nil {
				return rep
			}
			if sd.retired.Load() {
				break
			}
			if !r.groups.Eligible(g.ID, r.svc.now()) {
				continue
			}
			r.deliver(ctx, cfg, sd, g, msg, idx, &rep)
		}
	}
	rep.Took = r.svc.now().Sub(start)

	r.mu.Lock()
	rep.Rewound = r.resetEpoch != epoch
	r.mu.Unlock()
	return rep
}

// deliver forwards one message and applies the failure policy.
func (r *run) deliver(ctx context.Context, cfg Config, sd *sender, g TargetGroup, msg Message, idx int, rep *cycleReport) {
	svc := r.svc
	log := r.log.With(logx.Int64("account", sd.identity.ID), logx.Int64("group", g.ID))
	for attempt := 0; ; attempt++ {
		err := svc.transport.Forward(ctx, sd.identity, g, msg.ID)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			r.sent.Add(1)
			rep.Sent++
			r.record(ctx, sd, g, idx, storage.SendOK, "")
			log.Debug("sent", logx.Int("message", idx))
			r.mu.Lock()
			delay := r.settings.GroupMessageDelay
			r.mu.Unlock()
			_ = svc.sleep(ctx, delay)
			return
		}

		v := Classify(err)
		switch v.Kind {
		case VerdictRateLimited:
			if cfg.MaxFloodWait > 0 && v.Wait > cfg.MaxFloodWait {
				log.Warn("rate limit too long; suspending group", logx.Duration("wait", v.Wait))
				r.suspend(ctx, sd, g, v.Wait, v.Reason)
				return
			}
			if attempt >= cfg.FloodRetries {
				log.Warn("rate limited; skipping this cycle", logx.Duration("wait", v.Wait))
				return
			}
			wait := v.Wait + cfg.FloodBuffer
			log.Info("rate limited; waiting", logx.Duration("wait", wait))
			if svc.sleep(ctx, wait) != nil {
				return
			}
		case VerdictPermanent:
			r.failed.Add(1)
			rep.Failed++
			r.record(ctx, sd, g, idx, storage.SendFailed, v.Reason)
			r.remove(ctx, sd, g, v.Reason)
			return
		default:
			r.failed.Add(1)
			rep.Failed++
			r.record(ctx, sd, g, idx, storage.SendFailed, v.Reason)
			r.suspend(ctx, sd, g, cfg.TempSuspension, v.Reason)
			return
		}
	}
}

func (r *run) record(ctx context.Context, sd *sender, g TargetGroup, idx int, status storage.SendStatus, reason string) {
	err := r.svc.store.RecordSend(ctx, storage.SendLog{
		ID:           uuid.NewString(),
		OwnerID:      r.owner,
		AccountID:    sd.identity.ID,
		GroupID:      g.ID,
		MessageIndex: idx,
		Status:       status,
		Error:        reason,
		At:           r.svc.now(),
	})
	if err != nil {
		r.log.Warn("record send failed", logx.Err(err))
	}
}

func (r *run) suspend(ctx context.Context, sd *sender, g TargetGroup, d time.Duration, reason string) {
	until := r.svc.now().Add(d)
	r.groups.Suspend(g.ID, until)
	if err := r.svc.store.PutSuspension(ctx, storage.Suspension{
		OwnerID: r.owner, GroupID: g.ID, Reason: reason, ExpiresAt: until,
	}); err != nil {
		r.log.Warn("persist suspension failed", logx.Int64("group", g.ID), logx.Err(err))
	}
	r.log.Info("group suspended", logx.Int64("group", g.ID), logx.Time("until", until), logx.String("reason", reason))
	r.svc.publish(eventbus.GroupSuspended, r.owner, g.ID)
	r.svc.notify(r.owner, formatGroupNotice(VerdictTemporary, g, sd.identity, reason, d))
}

func (r *run) remove(ctx context.Context, sd *sender, g TargetGroup, reason string) {
	r.groups.Remove(g.ID, reason)
	if err := r.svc.store.AddBlacklist(ctx, storage.BlacklistEntry{
		OwnerID: r.owner, GroupID: g.ID, Reason: reason, At: r.svc.now(),
	}); err != nil {
		r.log.Warn("persist removal failed", logx.Int64("group", g.ID), logx.Err(err))
	}
	r.log.Warn("group removed", logx.Int64("group", g.ID), logx.String("reason", reason))
	r.svc.publish(eventbus.GroupRemoved, r.owner, g.ID)
	r.svc.notify(r.owner, formatGroupNotice(VerdictPermanent, g, sd.identity, reason, 0))
}

// advance moves the cursor past a completed cycle and persists it. It reports
// whether the cooldown pause is due.
func (r *run) advance(ctx context.Context, cfg Config, senders int, rep *cycleReport) bool {
	svc := r.svc
	r.mu.Lock()
	if !rep.Rewound {
		r.cursor.CycleIndex++
		if r.settings.Mode == ModeRoundRobin && cfg.CycleSize > 0 && r.cursor.CycleIndex%int64(cfg.CycleSize) == 0 {
			r.cursor.AccountCursor = (r.cursor.AccountCursor + 1) % senders
		}
	}
	r.cycles++
	cycles := r.cycles
	cur := r.cursor
	cur.UpdatedAt = svc.now()
	r.mu.Unlock()

	if err := svc.store.PutCursor(ctx, cur); err != nil {
		r.log.Warn("persist cursor failed", logx.Err(err))
	}
	if err := svc.store.RecordCycle(ctx, r.owner); err != nil {
		r.log.Warn("record cycle failed", logx.Err(err))
	}
	r.log.Info("cycle done", logx.Int64("cycle_index", cur.CycleIndex),
		logx.Int("sent", rep.Sent), logx.Int("failed", rep.Failed))
	svc.publish(eventbus.CycleDone, r.owner, cur.CycleIndex)
	return cfg.CooldownEvery > 0 && cycles%int64(cfg.CooldownEvery) == 0
}
