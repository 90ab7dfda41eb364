package broadcast

import (
	"context"
	"errors"
	"time"

	logx "adsbot/pkg/logx"
)

// Monitor probes one account on an interval and reports a confirmed ban once.
// Any other probe failure is inconclusive and only logged.
type Monitor struct {
	Identity  SenderIdentity
	Transport Transport
	Interval  time.Duration
	Timeout   time.Duration
	OnBan     func(reason string)
	Log       logx.Logger
}

// Run blocks until ctx ends or a ban is observed.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if m.probe(ctx) {
			return nil
		}
	}
}

func (m *Monitor) probe(ctx context.Context) (banned bool) {
	pctx := ctx
	if m.Timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}
	err := m.Transport.Probe(pctx, m.Identity)
	switch {
	case err == nil:
		return false
	case ctx.Err() != nil:
		return false
	case errors.Is(err, ErrBanned):
		m.Log.Warn("account ban detected", logx.Int64("account", m.Identity.ID), logx.Err(err))
		if m.OnBan != nil {
			m.OnBan(err.Error())
		}
		return true
	default:
		m.Log.Debug("health probe inconclusive", logx.Int64("account", m.Identity.ID), logx.Err(err))
		return false
	}
}
