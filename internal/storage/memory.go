package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type ownerKey struct{ owner, id int64 }

// Memory is an in-process Store. It backs the "memory" driver and tests.
type Memory struct {
	mu sync.Mutex

	accounts    map[ownerKey]Account
	groups      map[ownerKey]Group
	settings    map[int64]Settings
	cursors     map[int64]Cursor
	runs        map[int64]RunState
	suspensions map[ownerKey]Suspension
	blacklist   map[ownerKey]BlacklistEntry
	totals      map[int64]*Stats
	byGroup     map[ownerKey]*Counter
	byAccount   map[ownerKey]*Counter
	logs        []SendLog
	dedup       map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{
		accounts:    map[ownerKey]Account{},
		groups:      map[ownerKey]Group{},
		settings:    map[int64]Settings{},
		cursors:     map[int64]Cursor{},
		runs:        map[int64]RunState{},
		suspensions: map[ownerKey]Suspension{},
		blacklist:   map[ownerKey]BlacklistEntry{},
		totals:      map[int64]*Stats{},
		byGroup:     map[ownerKey]*Counter{},
		byAccount:   map[ownerKey]*Counter{},
		dedup:       map[string]time.Time{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) ListAccounts(_ context.Context, owner int64) ([]Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Account
	for k, a := range m.accounts {
		if k.owner == owner {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) PutAccount(_ context.Context, a Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ownerKey{a.OwnerID, a.ID}
	if prev, ok := m.accounts[k]; ok {
		a.CreatedAt = prev.CreatedAt
	} else if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	m.accounts[k] = a
	return nil
}

func (m *Memory) RetireAccount(_ context.Context, owner, id int64, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ownerKey{owner, id}
	a, ok := m.accounts[k]
	if !ok {
		return ErrNotFound
	}
	a.Active, a.Banned, a.RetireReason, a.RetiredAt = false, true, reason, at
	m.accounts[k] = a
	return nil
}

func (m *Memory) DeleteAccount(_ context.Context, owner, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ownerKey{owner, id}
	if _, ok := m.accounts[k]; !ok {
		return ErrNotFound
	}
	delete(m.accounts, k)
	return nil
}

func (m *Memory) ListGroups(_ context.Context, owner int64) ([]Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Group
	for k, g := range m.groups {
		if k.owner != owner {
			continue
		}
		if _, banned := m.blacklist[k]; banned {
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].AddedAt.Before(out[j].AddedAt)
		}
		return out[i].ChatID < out[j].ChatID
	})
	return out, nil
}

func (m *Memory) PutGroup(_ context.Context, g Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ownerKey{g.OwnerID, g.ChatID}
	if prev, ok := m.groups[k]; ok {
		g.AddedAt = prev.AddedAt
	} else if g.AddedAt.IsZero() {
		g.AddedAt = time.Now()
	}
	if g.Kind == "" {
		g.Kind = KindChannel
	}
	m.groups[k] = g
	return nil
}

func (m *Memory) DeleteGroup(_ context.Context, owner, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ownerKey{owner, chatID}
	if _, ok := m.groups[k]; !ok {
		return ErrNotFound
	}
	delete(m.groups, k)
	return nil
}

func (m *Memory) GetSettings(_ context.Context, owner int64) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.settings[owner]; ok {
		return s, nil
	}
	return Settings{OwnerID: owner}, nil
}

func (m *Memory) PutSettings(_ context.Context, s Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}
	m.settings[s.OwnerID] = s
	return nil
}

func (m *Memory) GetCursor(_ context.Context, owner int64) (Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.cursors[owner]; ok {
		return c, nil
	}
	return Cursor{OwnerID: owner}, nil
}

func (m *Memory) PutCursor(_ context.Context, c Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	m.cursors[c.OwnerID] = c
	return nil
}

func (m *Memory) GetRunState(_ context.Context, owner int64) (RunState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.runs[owner]; ok {
		return s, nil
	}
	return RunState{OwnerID: owner}, nil
}

func (m *Memory) PutRunState(_ context.Context, st RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	m.runs[st.OwnerID] = st
	return nil
}

func (m *Memory) ListRunning(_ context.Context) ([]RunState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RunState
	for _, st := range m.runs {
		if st.Running {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OwnerID < out[j].OwnerID })
	return out, nil
}

func (m *Memory) PutSuspension(_ context.Context, s Suspension) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspensions[ownerKey{s.OwnerID, s.GroupID}] = s
	return nil
}

func (m *Memory) ListSuspensions(_ context.Context, owner int64, now time.Time) ([]Suspension, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Suspension
	for k, s := range m.suspensions {
		if k.owner == owner && s.ExpiresAt.After(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (m *Memory) DeleteSuspension(_ context.Context, owner, group int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.suspensions, ownerKey{owner, group})
	return nil
}

func (m *Memory) PruneSuspensions(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, s := range m.suspensions {
		if !s.ExpiresAt.After(now) {
			delete(m.suspensions, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) AddBlacklist(_ context.Context, e BlacklistEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.blacklist[ownerKey{e.OwnerID, e.GroupID}] = e
	return nil
}

func (m *Memory) ListBlacklist(_ context.Context, owner int64) ([]BlacklistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BlacklistEntry
	for k, e := range m.blacklist {
		if k.owner == owner {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func (m *Memory) RemoveBlacklist(_ context.Context, owner, group int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ownerKey{owner, group}
	if _, ok := m.blacklist[k]; !ok {
		return ErrNotFound
	}
	delete(m.blacklist, k)
	return nil
}

func (m *Memory) stats(owner int64) *Stats {
	st := m.totals[owner]
	if st == nil {
		st = &Stats{OwnerID: owner}
		m.totals[owner] = st
	}
	st.UpdatedAt = time.Now()
	return st
}

func bump(counters map[ownerKey]*Counter, k ownerKey, ok bool) {
	c := counters[k]
	if c == nil {
		c = &Counter{Key: k.id}
		counters[k] = c
	}
	if ok {
		c.Sent++
	} else {
		c.Failed++
	}
}

func (m *Memory) RecordSend(_ context.Context, l SendLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.At.IsZero() {
		l.At = time.Now()
	}
	m.logs = append(m.logs, l)

	ok := l.Status == SendOK
	st := m.stats(l.OwnerID)
	if ok {
		st.Sent++
	} else {
		st.Failed++
	}
	bump(m.byGroup, ownerKey{l.OwnerID, l.GroupID}, ok)
	bump(m.byAccount, ownerKey{l.OwnerID, l.AccountID}, ok)
	return nil
}

func (m *Memory) RecordCycle(_ context.Context, owner int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats(owner).Cycles++
	return nil
}

func (m *Memory) RecordRunStart(_ context.Context, owner int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats(owner).Broadcasts++
	return nil
}

func (m *Memory) GetStats(_ context.Context, owner int64) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := Stats{OwnerID: owner}
	if st := m.totals[owner]; st != nil {
		out = *st
	}
	collect := func(src map[ownerKey]*Counter) []Counter {
		var cs []Counter
		for k, c := range src {
			if k.owner == owner {
				cs = append(cs, *c)
			}
		}
		sort.Slice(cs, func(i, j int) bool {
			if cs[i].Sent != cs[j].Sent {
				return cs[i].Sent > cs[j].Sent
			}
			return cs[i].Key < cs[j].Key
		})
		return cs
	}
	out.Groups = collect(m.byGroup)
	out.Accounts = collect(m.byAccount)
	return out, nil
}

// SendLogs returns a copy of the send log for the owner.
func (m *Memory) SendLogs(owner int64) []SendLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SendLog
	for _, l := range m.logs {
		if l.OwnerID == owner {
			out = append(out, l)
		}
	}
	return out
}

func (m *Memory) PruneSendLogs(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.logs[:0]
	var n int64
	for _, l := range m.logs {
		if l.At.Before(before) {
			n++
			continue
		}
		kept = append(kept, l)
	}
	m.logs = kept
	return n, nil
}

func (m *Memory) ListOwners(_ context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[int64]struct{}{}
	for k := range m.accounts {
		seen[k.owner] = struct{}{}
	}
	for o := range m.totals {
		seen[o] = struct{}{}
	}
	out := make([]int64, 0, len(seen))
	for o := range seen {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *Memory) PutDedup(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dedup[key] = until
	return nil
}

func (m *Memory) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.dedup[key]
	return v, ok, nil
}

var _ Store = (*Memory)(nil)
var _ Store = (*sqlStore)(nil)
