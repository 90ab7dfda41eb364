package mtproto

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"golang.org/x/time/rate"

	"adsbot/internal/broadcast"
	"adsbot/internal/storage"
	logx "adsbot/pkg/logx"
)

type Config struct {
	APIID       int
	APIHash     string
	DialTimeout time.Duration
	// SendInterval spaces API calls made through one account.
	SendInterval time.Duration
	// DialogsLimit bounds the dialog scan used to resolve channel access hashes.
	DialogsLimit int
}

// Pool keeps one live client per account and implements broadcast.Transport.
type Pool struct {
	cfg Config
	log logx.Logger

	mu    sync.Mutex
	conns map[int64]*conn
}

var _ broadcast.Transport = (*Pool)(nil)

type conn struct {
	client  *telegram.Client
	api     *tg.Client
	limiter *rate.Limiter
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error

	hashMu sync.Mutex
	hashes map[int64]int64
}

func NewPool(cfg Config, log logx.Logger) *Pool {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.DialogsLimit <= 0 {
		cfg.DialogsLimit = 200
	}
	return &Pool{cfg: cfg, log: log.With(logx.String("comp", "mtproto")), conns: map[int64]*conn{}}
}

// Ready reports whether API credentials are configured.
func (p *Pool) Ready() error {
	if p.cfg.APIID == 0 || strings.TrimSpace(p.cfg.APIHash) == "" {
		return errors.New("mtproto api_id and api_hash are required")
	}
	return nil
}

func (p *Pool) get(ctx context.Context, s broadcast.SenderIdentity) (*conn, error) {
	p.mu.Lock()
	c := p.conns[s.ID]
	p.mu.Unlock()
	if c != nil {
		select {
		case <-c.done:
			p.drop(s.ID, c)
		default:
			return c, nil
		}
	}

	c, err := p.dial(ctx, s)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	if prev := p.conns[s.ID]; prev != nil {
		p.mu.Unlock()
		c.close()
		return prev, nil
	}
	p.conns[s.ID] = c
	p.mu.Unlock()
	return c, nil
}

func (p *Pool) drop(id int64, c *conn) {
	p.mu.Lock()
	if p.conns[id] == c {
		delete(p.conns, id)
	}
	p.mu.Unlock()
}

// dial starts a client from the stored session and waits until it is connected
// and authorized.
func (p *Pool) dial(ctx context.Context, s broadcast.SenderIdentity) (*conn, error) {
	if err := p.Ready(); err != nil {
		return nil, err
	}
	store := &session.StorageMemory{}
	if err := loadSession(ctx, store, s.Session); err != nil {
		return nil, fmt.Errorf("load session of %s: %w", s.Label(), err)
	}
	client := telegram.NewClient(p.cfg.APIID, p.cfg.APIHash, telegram.Options{
		SessionStorage: store,
		NoUpdates:      true,
	})

	interval := p.cfg.SendInterval
	lim := rate.NewLimiter(rate.Inf, 1)
	if interval > 0 {
		lim = rate.NewLimiter(rate.Every(interval), 1)
	}
	rctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		client:  client,
		limiter: lim,
		cancel:  cancel,
		done:    make(chan struct{}),
		hashes:  map[int64]int64{},
	}
	ready := make(chan error, 1)
	go func() {
		defer close(c.done)
		c.runErr = client.Run(rctx, func(ctx context.Context) error {
			st, err := client.Auth().Status(ctx)
			if err != nil {
				ready <- err
				return err
			}
			if !st.Authorized {
				ready <- errUnauthorized
				return errUnauthorized
			}
			c.api = client.API()
			ready <- nil
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	dctx, dcancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer dcancel()
	select {
	case err := <-ready:
		if err != nil {
			cancel()
			<-c.done
			return nil, probeError(wrapRPC(err))
		}
		p.log.Debug("account connected", logx.Int64("account", s.ID))
		return c, nil
	case <-c.done:
		cancel()
		if c.runErr == nil {
			c.runErr = errors.New("client stopped during connect")
		}
		return nil, probeError(wrapRPC(c.runErr))
	case <-dctx.Done():
		cancel()
		<-c.done
		return nil, fmt.Errorf("connect %s: %w", s.Label(), dctx.Err())
	}
}

func (c *conn) close() {
	c.cancel()
	<-c.done
}

// loadSession accepts a Telethon string session or gotd's JSON session.
func loadSession(ctx context.Context, store *session.StorageMemory, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("empty session")
	}
	if strings.HasPrefix(raw, "{") {
		return store.StoreSession(ctx, []byte(raw))
	}
	data, err := session.TelethonSession(raw)
	if err != nil {
		return err
	}
	loader := session.Loader{Storage: store}
	return loader.Save(ctx, data)
}

func (p *Pool) RecentMessages(ctx context.Context, s broadcast.SenderIdentity, limit int) ([]broadcast.Message, error) {
	c, err := p.get(ctx, s)
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	res, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  &tg.InputPeerSelf{},
		Limit: limit,
	})
	if err != nil {
		return nil, wrapRPC(err)
	}
	var raw []tg.MessageClass
	switch h := res.(type) {
	case *tg.MessagesMessages:
		raw = h.Messages
	case *tg.MessagesMessagesSlice:
		raw = h.Messages
	case *tg.MessagesChannelMessages:
		raw = h.Messages
	}
	return convertMessages(raw), nil
}

func convertMessages(raw []tg.MessageClass) []broadcast.Message {
	out := make([]broadcast.Message, 0, len(raw))
	for _, m := range raw {
		msg, ok := m.(*tg.Message)
		if !ok {
			continue
		}
		out = append(out, broadcast.Message{
			ID:       msg.ID,
			Text:     msg.Message,
			HasMedia: msg.Media != nil,
			Date:     time.Unix(int64(msg.Date), 0),
		})
	}
	return out
}

// Forward copies a saved message into the group, keeping the attribution
// Telegram attaches to forwards.
func (p *Pool) Forward(ctx context.Context, s broadcast.SenderIdentity, g broadcast.TargetGroup, msgID int) error {
	c, err := p.get(ctx, s)
	if err != nil {
		return err
	}
	hash := g.AccessHash
	if g.Kind != storage.KindChat {
		if h, ok := p.accessHash(ctx, c, PlainID(g.ID)); ok {
			hash = h
		}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err = c.api.MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		FromPeer: &tg.InputPeerSelf{},
		ID:       []int{msgID},
		RandomID: []int64{randomID()},
		ToPeer:   inputPeer(g, hash),
	})
	return wrapRPC(err)
}

// accessHash resolves a channel hash as seen by this account. Hashes are per
// account, so the stored one is only a fallback.
func (p *Pool) accessHash(ctx context.Context, c *conn, channelID int64) (int64, bool) {
	c.hashMu.Lock()
	h, ok := c.hashes[channelID]
	c.hashMu.Unlock()
	if ok {
		return h, true
	}

	res, err := c.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      p.cfg.DialogsLimit,
	})
	if err != nil {
		p.log.Debug("dialog scan failed", logx.Err(err))
		return 0, false
	}
	var chats []tg.ChatClass
	switch d := res.(type) {
	case *tg.MessagesDialogs:
		chats = d.Chats
	case *tg.MessagesDialogsSlice:
		chats = d.Chats
	}
	c.hashMu.Lock()
	defer c.hashMu.Unlock()
	for _, ch := range chats {
		if channel, ok := ch.(*tg.Channel); ok {
			c.hashes[channel.ID] = channel.AccessHash
		}
	}
	h, ok = c.hashes[channelID]
	return h, ok
}

// Probe asks for the account's own user; ban-class failures wrap
// broadcast.ErrBanned.
func (p *Pool) Probe(ctx context.Context, s broadcast.SenderIdentity) error {
	c, err := p.get(ctx, s)
	if err != nil {
		return probeError(err)
	}
	self, err := c.client.Self(ctx)
	if err != nil {
		return probeError(wrapRPC(err))
	}
	if self.Deleted {
		return fmt.Errorf("%w: account deleted", broadcast.ErrBanned)
	}
	return nil
}

// Profile is the Telegram identity behind a session string.
type Profile struct {
	ID       int64
	Username string
	Phone    string
}

// Identify connects once with session to learn whose account it is. The
// connection is not kept in the pool.
func (p *Pool) Identify(ctx context.Context, session string) (Profile, error) {
	c, err := p.dial(ctx, broadcast.SenderIdentity{Session: session})
	if err != nil {
		return Profile{}, probeError(err)
	}
	defer c.close()
	self, err := c.client.Self(ctx)
	if err != nil {
		return Profile{}, probeError(wrapRPC(err))
	}
	if self.Deleted {
		return Profile{}, fmt.Errorf("%w: account deleted", broadcast.ErrBanned)
	}
	return Profile{ID: self.ID, Username: self.Username, Phone: self.Phone}, nil
}

func (p *Pool) Release(s broadcast.SenderIdentity) {
	p.mu.Lock()
	c := p.conns[s.ID]
	delete(p.conns, s.ID)
	p.mu.Unlock()
	if c != nil {
		c.close()
		p.log.Debug("account disconnected", logx.Int64("account", s.ID))
	}
}

// Close disconnects every account.
func (p *Pool) Close() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = map[int64]*conn{}
	p.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	return nil
}

func randomID() int64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return int64(binary.LittleEndian.Uint64(b[:]) & 0x7fffffffffffffff)
}
