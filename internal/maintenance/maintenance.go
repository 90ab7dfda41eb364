// Package maintenance runs the periodic housekeeping jobs: pruning expired
// group suspensions and old send logs, and the daily analytics digest.
package maintenance

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"

	"adsbot/internal/broadcast"
	"adsbot/internal/storage"
	logx "adsbot/pkg/logx"
	"adsbot/pkg/tgui"
)

const (
	DefaultPruneSpec    = "*/15 * * * *"
	DefaultDigestSpec   = "0 9 * * *"
	DefaultLogRetention = 30 * 24 * time.Hour
	jobTimeout          = 2 * time.Minute
)

type Config struct {
	Location      *time.Location
	PruneSpec     string
	DigestSpec    string
	LogRetention  time.Duration
	DigestEnabled bool
}

// Store is the part of storage the jobs touch.
type Store interface {
	PruneSuspensions(ctx context.Context, now time.Time) (int64, error)
	PruneSendLogs(ctx context.Context, before time.Time) (int64, error)
	ListOwners(ctx context.Context) ([]int64, error)
	GetStats(ctx context.Context, owner int64) (storage.Stats, error)
}

type Service struct {
	cfg    Config
	store  Store
	notify broadcast.Notifier
	log    logx.Logger
	parser cron.Parser
	now    func() time.Time

	mu sync.Mutex
	c  *cron.Cron
}

func New(cfg Config, store Store, notify broadcast.Notifier, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if strings.TrimSpace(cfg.PruneSpec) == "" {
		cfg.PruneSpec = DefaultPruneSpec
	}
	if strings.TrimSpace(cfg.DigestSpec) == "" {
		cfg.DigestSpec = DefaultDigestSpec
	}
	if cfg.LogRetention <= 0 {
		cfg.LogRetention = DefaultLogRetention
	}
	s := &Service{
		cfg:    cfg,
		store:  store,
		notify: notify,
		log:    log,
		// SecondOptional accepts both 5 and 6 field specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:    time.Now,
	}
	if _, err := s.parser.Parse(cfg.PruneSpec); err != nil {
		return nil, fmt.Errorf("maintenance.prune_spec: %w", err)
	}
	if _, err := s.parser.Parse(cfg.DigestSpec); err != nil {
		return nil, fmt.Errorf("maintenance.digest_spec: %w", err)
	}
	return s, nil
}

// Start registers the jobs and starts triggering. Calling it twice is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.cfg.Location),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	if _, err := c.AddFunc(s.cfg.PruneSpec, s.job(ctx, "prune", s.Prune)); err != nil {
		return err
	}
	if s.cfg.DigestEnabled {
		if _, err := c.AddFunc(s.cfg.DigestSpec, s.job(ctx, "digest", s.Digest)); err != nil {
			return err
		}
	}
	c.Start()
	s.c = c
	s.log.Info("maintenance started", logx.String("tz", s.cfg.Location.String()),
		logx.String("prune", s.cfg.PruneSpec), logx.Bool("digest", s.cfg.DigestEnabled))
	return nil
}

func (s *Service) job(ctx context.Context, name string, fn func(context.Context) error) func() {
	return func() {
		if ctx.Err() != nil {
			return
		}
		jctx, cancel := context.WithTimeout(ctx, jobTimeout)
		defer cancel()
		start := s.now()
		if err := fn(jctx); err != nil {
			s.log.Warn("maintenance job failed", logx.String("job", name), logx.Err(err))
			return
		}
		s.log.Debug("maintenance job done", logx.String("job", name), logx.Duration("took", s.now().Sub(start)))
	}
}

// Stop halts triggering and waits for running jobs until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Prune drops expired suspensions and send logs older than the retention.
func (s *Service) Prune(ctx context.Context) error {
	now := s.now()
	susp, err := s.store.PruneSuspensions(ctx, now)
	if err != nil {
		return fmt.Errorf("prune suspensions: %w", err)
	}
	logs, err := s.store.PruneSendLogs(ctx, now.Add(-s.cfg.LogRetention))
	if err != nil {
		return fmt.Errorf("prune send logs: %w", err)
	}
	if susp > 0 || logs > 0 {
		s.log.Info("pruned", logx.Int64("suspensions", susp), logx.Int64("send_logs", logs))
	}
	return nil
}

// Digest sends every owner with recorded activity a stats summary.
func (s *Service) Digest(ctx context.Context) error {
	owners, err := s.store.ListOwners(ctx)
	if err != nil {
		return err
	}
	for _, owner := range owners {
		st, err := s.store.GetStats(ctx, owner)
		if err != nil {
			s.log.Warn("digest stats failed", logx.Owner(owner), logx.Err(err))
			continue
		}
		if st.Sent == 0 && st.Failed == 0 {
			continue
		}
		s.notify.Notify(ctx, owner, FormatStats("📊 Daily digest", st))
	}
	return nil
}

// FormatStats renders analytics totals as Telegram HTML.
func FormatStats(title string, st storage.Stats) string {
	lines := []string{
		tgui.B(title).String(),
		fmt.Sprintf("Sent: %s  Failed: %s", humanize.Comma(st.Sent), humanize.Comma(st.Failed)),
		fmt.Sprintf("Success rate: %.1f%%", broadcast.SuccessRate(st.Sent, st.Failed)),
		fmt.Sprintf("Broadcasts: %s  Cycles: %s", humanize.Comma(st.Broadcasts), humanize.Comma(st.Cycles)),
	}
	if top := topCounters(st.Groups, 5); len(top) > 0 {
		lines = append(lines, "", tgui.B("Top groups").String())
		for _, c := range top {
			lines = append(lines, fmt.Sprintf("• %s: %s sent, %s failed",
				tgui.Code(fmt.Sprint(c.Key)), humanize.Comma(c.Sent), humanize.Comma(c.Failed)))
		}
	}
	if !st.UpdatedAt.IsZero() {
		lines = append(lines, "", tgui.I("last activity "+humanize.Time(st.UpdatedAt)).String())
	}
	return strings.Join(lines, "\n")
}

func topCounters(in []storage.Counter, n int) []storage.Counter {
	out := slices.Clone(in)
	slices.SortStableFunc(out, func(a, b storage.Counter) int { return cmp.Compare(b.Sent, a.Sent) })
	return out[:min(n, len(out))]
}

// cronLogger routes cron's own messages into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
