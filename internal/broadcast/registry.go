package broadcast

import (
	"context"
	"fmt"
	"strings"
	"time"

	"adsbot/internal/storage"
	logx "adsbot/pkg/logx"
)

// Retire reasons recorded on accounts.
const (
	ReasonBanned        = "banned"
	ReasonDecryptFailed = "session_decrypt_failed"
)

// Registry resolves an owner's usable accounts.
type Registry struct {
	store  storage.Store
	opener Opener
	log    logx.Logger
	now    func() time.Time
}

func NewRegistry(store storage.Store, opener Opener, log logx.Logger) *Registry {
	return &Registry{store: store, opener: opener, log: log, now: time.Now}
}

// ListActive returns the owner's active, non-banned accounts in stored order
// with sessions opened. An account whose session cannot be opened is retired.
// ErrMissingCredentials is returned when every candidate lacks a session.
func (r *Registry) ListActive(ctx context.Context, owner int64) ([]SenderIdentity, error) {
	accounts, err := r.store.ListAccounts(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	var (
		out     []SenderIdentity
		missing int
	)
	for _, a := range accounts {
		if !a.Active || a.Banned {
			continue
		}
		if strings.TrimSpace(a.Session) == "" {
			missing++
			continue
		}
		session := a.Session
		if r.opener != nil {
			session, err = r.opener.Open(a.Session)
			if err != nil {
				r.log.Warn("account session unreadable; retiring",
					logx.Owner(owner), logx.Int64("account", a.ID), logx.Err(err))
				if rerr := r.Retire(ctx, owner, a.ID, ReasonDecryptFailed); rerr != nil {
					r.log.Error("retire account failed", logx.Owner(owner), logx.Int64("account", a.ID), logx.Err(rerr))
				}
				continue
			}
		}
		out = append(out, SenderIdentity{
			ID:       a.ID,
			Phone:    a.Phone,
			Username: a.Username,
			Session:  session,
			Index:    len(out),
		})
	}
	if len(out) == 0 && missing > 0 {
		return nil, ErrMissingCredentials
	}
	return out, nil
}

// Retire marks the account inactive and banned so no future run selects it.
func (r *Registry) Retire(ctx context.Context, owner, id int64, reason string) error {
	return r.store.RetireAccount(ctx, owner, id, reason, r.now())
}
