package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	tele "gopkg.in/telebot.v4"

	"adsbot/internal/broadcast"
	"adsbot/internal/maintenance"
	"adsbot/internal/mtproto"
	"adsbot/internal/storage"
	kit "adsbot/internal/transport"
	"adsbot/internal/transport/telegram/router"
	"adsbot/pkg/tgui"
)

// Broadcaster is the slice of broadcast.Service the commands drive.
type Broadcaster interface {
	Start(ctx context.Context, owner int64) error
	Stop(ctx context.Context, owner int64) (bool, error)
	Pause(ctx context.Context, owner int64) error
	Resume(ctx context.Context, owner int64) error
	Status(ctx context.Context, owner int64) (broadcast.Status, error)
	ResetRotation(ctx context.Context, owner int64) error
	AccountsChanged(ctx context.Context, owner int64) error
	Config() broadcast.Config
}

// Identifier resolves a session string to its Telegram account.
type Identifier interface {
	Identify(ctx context.Context, session string) (mtproto.Profile, error)
}

type Sealer interface {
	Seal(plain string) (string, error)
}

const groupsPageSize = 10

// Commands implements the owner's bot commands. Every command acts on the
// caller's own data: the owner ID is the Telegram user ID of the sender.
type Commands struct {
	bc    Broadcaster
	store storage.Store
	ident Identifier
	seal  Sealer
	now   func() time.Time
}

func NewCommands(bc Broadcaster, store storage.Store, ident Identifier, seal Sealer) *Commands {
	return &Commands{bc: bc, store: store, ident: ident, seal: seal, now: time.Now}
}

func (c *Commands) Registry() ([]router.Command, []router.CallbackRoute) {
	owner := router.AccessOwnerOnly
	cmds := []router.Command{
		{Name: "start_broadcast", Aliases: []string{"go"}, Description: "start broadcasting", Access: owner, Timeout: 2 * time.Minute, Handle: c.startBroadcast},
		{Name: "stop_broadcast", Aliases: []string{"stop"}, Description: "stop broadcasting", Access: owner, Timeout: time.Minute, Handle: c.stopBroadcast},
		{Name: "pause", Description: "pause after the current send", Access: owner, Handle: c.pause},
		{Name: "resume", Description: "resume a paused broadcast", Access: owner, Handle: c.resume},
		{Name: "status", Description: "show broadcast status", Access: owner, Handle: c.status},
		{Name: "reset_rotation", Description: "restart from the first message", Access: owner, Handle: c.resetRotation},
		{Name: "settings", Description: "show settings", Access: owner, Handle: c.settings},
		{Name: "set", Description: "change a setting", Usage: "/set <delay|group_delay|window|timeout|mode> <value>", Access: owner, Handle: c.set},
		{Name: "groups", Description: "list target groups", Access: owner, Handle: c.groups},
		{Name: "addgroup", Description: "add a target group", Usage: `/addgroup <chat_id> ["title"]`, Access: owner, Handle: c.addGroup},
		{Name: "rmgroup", Description: "remove a target group", Usage: "/rmgroup <chat_id>", Access: owner, Handle: c.removeGroup},
		{Name: "blacklist", Description: "list blacklisted groups", Access: owner, Handle: c.blacklist},
		{Name: "unblacklist", Description: "allow a blacklisted group again", Usage: "/unblacklist <chat_id>", Access: owner, Handle: c.unblacklist},
		{Name: "accounts", Description: "list sender accounts", Access: owner, Handle: c.accounts},
		{Name: "addaccount", Description: "link an account by session string", Usage: "/addaccount <session>", Access: owner, Hidden: true, Timeout: time.Minute, Handle: c.addAccount},
		{Name: "rmaccount", Description: "unlink an account", Usage: "/rmaccount <account_id>", Access: owner, Handle: c.removeAccount},
		{Name: "stats", Description: "show analytics", Access: owner, Handle: c.stats},
	}
	cbs := []router.CallbackRoute{
		{Namespace: "groups", Action: "page", Handle: c.groupsPage},
	}
	return cmds, cbs
}

func (c *Commands) startBroadcast(ctx context.Context, req *router.Request) error {
	if err := c.bc.Start(ctx, req.FromID); err != nil {
		return userError("Cannot start", err)
	}
	return req.Reply(ctx, "▶️ Broadcast started.")
}

func (c *Commands) stopBroadcast(ctx context.Context, req *router.Request) error {
	stopped, err := c.bc.Stop(ctx, req.FromID)
	if err != nil {
		return err
	}
	if !stopped {
		return req.Reply(ctx, "No broadcast is running.")
	}
	return req.Reply(ctx, "⏹ Broadcast stopped.")
}

func (c *Commands) pause(ctx context.Context, req *router.Request) error {
	if err := c.requireRunning(ctx, req.FromID); err != nil {
		return err
	}
	if err := c.bc.Pause(ctx, req.FromID); err != nil {
		return err
	}
	return req.Reply(ctx, "⏸ Paused. Use /resume to continue.")
}

func (c *Commands) resume(ctx context.Context, req *router.Request) error {
	if err := c.requireRunning(ctx, req.FromID); err != nil {
		return err
	}
	if err := c.bc.Resume(ctx, req.FromID); err != nil {
		return err
	}
	return req.Reply(ctx, "▶️ Resumed.")
}

func (c *Commands) requireRunning(ctx context.Context, owner int64) error {
	st, err := c.bc.Status(ctx, owner)
	if err != nil {
		return err
	}
	if !st.Running {
		return router.Userf("no broadcast is running")
	}
	return nil
}

func (c *Commands) status(ctx context.Context, req *router.Request) error {
	st, err := c.bc.Status(ctx, req.FromID)
	if err != nil {
		return err
	}
	return req.Reply(ctx, formatStatus(st, c.now()))
}

func formatStatus(st broadcast.Status, now time.Time) string {
	lines := []string{
		tgui.B("📡 Broadcast status").String(),
		"State: " + tgui.Code(string(st.State)).String(),
		"Mode: " + tgui.Esc(string(st.Mode)).String(),
		fmt.Sprintf("Next message: %d of %d", st.MessageIndex+1, max(st.WindowSize, 1)),
		fmt.Sprintf("Cycles completed: %s", humanize.Comma(st.CycleIndex)),
	}
	if st.Running {
		lines = append(lines,
			fmt.Sprintf("Accounts: %d  Groups: %d  Suspended: %d", st.Senders, st.Groups, st.Suspended),
			fmt.Sprintf("Sent: %s  Failed: %s (%.1f%%)", humanize.Comma(st.Sent), humanize.Comma(st.Failed),
				broadcast.SuccessRate(st.Sent, st.Failed)),
		)
		if !st.StartedAt.IsZero() {
			lines = append(lines, "Running for "+broadcast.FormatDuration(now.Sub(st.StartedAt)))
		}
		if st.RestingUntil.After(now) {
			lines = append(lines, "Resting, back in "+broadcast.FormatDuration(st.RestingUntil.Sub(now)))
		}
	}
	return strings.Join(lines, "\n")
}

func (c *Commands) resetRotation(ctx context.Context, req *router.Request) error {
	if err := c.bc.ResetRotation(ctx, req.FromID); err != nil {
		return err
	}
	return req.Reply(ctx, "🔄 Rotation reset; the next cycle sends message 1.")
}

func (c *Commands) effective(ctx context.Context, owner int64) (broadcast.Settings, error) {
	st, err := c.store.GetSettings(ctx, owner)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return broadcast.Settings{}, err
	}
	return c.bc.Config().Effective(st), nil
}

func (c *Commands) settings(ctx context.Context, req *router.Request) error {
	s, err := c.effective(ctx, req.FromID)
	if err != nil {
		return err
	}
	return req.Reply(ctx, formatSettings(s))
}

func formatSettings(s broadcast.Settings) string {
	return strings.Join([]string{
		tgui.B("⚙️ Settings").String(),
		"delay: " + tgui.Code(broadcast.FormatDuration(s.CycleDelay)).String(),
		"group_delay: " + tgui.Code(broadcast.FormatDuration(s.GroupMessageDelay)).String(),
		"window: " + tgui.Code(strconv.Itoa(s.WindowSize)).String(),
		"timeout: " + tgui.Code(broadcast.FormatDuration(s.CycleTimeout)).String(),
		"mode: " + tgui.Code(string(s.Mode)).String(),
	}, "\n")
}

func (c *Commands) set(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 2 {
		return router.Userf("usage: /set <delay|group_delay|window|timeout|mode> <value>")
	}
	s, err := c.effective(ctx, req.FromID)
	if err != nil {
		return err
	}
	field, raw := strings.ToLower(req.Args[0]), req.Args[1]
	switch field {
	case "delay", "cycle_delay":
		s.CycleDelay, err = parseSeconds(raw)
	case "group_delay", "group_message_delay":
		s.GroupMessageDelay, err = parseSeconds(raw)
	case "timeout", "cycle_timeout":
		s.CycleTimeout, err = parseSeconds(raw)
	case "window", "window_size":
		s.WindowSize, err = strconv.Atoi(raw)
	case "mode":
		s.Mode = broadcast.Mode(strings.ToLower(raw))
	default:
		return router.Userf("unknown setting %q", field)
	}
	if err != nil {
		return router.Userf("%s: %v", field, err)
	}
	if err := s.Validate(c.bc.Config().MinCycleDelay); err != nil {
		return router.Userf("%v", err)
	}
	st := s.ToStorage(req.FromID)
	st.UpdatedAt = c.now()
	if err := c.store.PutSettings(ctx, st); err != nil {
		return err
	}
	note := ""
	if field == "window" || field == "window_size" || field == "mode" {
		note = "\nTakes effect on the next /start_broadcast."
	}
	return req.Reply(ctx, "✅ Saved.\n"+formatSettings(s)+note)
}

// parseSeconds accepts a bare number of seconds or a Go duration.
func parseSeconds(raw string) (time.Duration, error) {
	if n, err := strconv.Atoi(raw); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("want seconds or a duration like 5m, got %q", raw)
	}
	return d, nil
}

func (c *Commands) groups(ctx context.Context, req *router.Request) error {
	html, kb, err := c.renderGroups(ctx, req.FromID, 0)
	if err != nil {
		return err
	}
	_, err = req.Adapter.SendText(ctx, req.Chat, html, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, ReplyMarkup: kb.Markup()})
	return err
}

func (c *Commands) groupsPage(ctx context.Context, req *router.Request, payload string) error {
	page, err := strconv.Atoi(payload)
	if err != nil {
		return nil
	}
	html, kb, err := c.renderGroups(ctx, req.FromID, page)
	if err != nil {
		return err
	}
	ref := kit.MessageRef{ChatID: req.Chat.ChatID, ThreadID: req.Chat.ThreadID, MessageID: req.MessageID}
	return req.Adapter.EditText(ctx, ref, html, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, ReplyMarkup: kb.Markup()})
}

func (c *Commands) renderGroups(ctx context.Context, owner int64, page int) (string, *tgui.Inline, error) {
	groups, err := c.store.ListGroups(ctx, owner)
	if err != nil {
		return "", nil, err
	}
	kb := tgui.NewInline()
	if len(groups) == 0 {
		return "No target groups. Add one with /addgroup.", kb, nil
	}
	suspended := map[int64]time.Time{}
	if list, err := c.store.ListSuspensions(ctx, owner, c.now()); err == nil {
		for _, s := range list {
			suspended[s.GroupID] = s.ExpiresAt
		}
	}

	p := tgui.Paginate(groups, page, groupsPageSize)
	lines := []string{tgui.B(fmt.Sprintf("🎯 Target groups (%d)", len(groups))).String()}
	for _, g := range p.Items {
		line := "• " + tgui.Code(strconv.FormatInt(g.ChatID, 10)).String()
		if g.Title != "" {
			line += " " + tgui.Esc(tgui.OneLine(g.Title, 40)).String()
		}
		if until, ok := suspended[g.ChatID]; ok {
			line += " ⏳ " + broadcast.FormatDuration(until.Sub(c.now()))
		}
		lines = append(lines, line)
	}
	lines = append(lines, "", tgui.I(p.Label()).String())

	var nav []tele.Btn
	if p.HasPrev {
		if d, err := tgui.Data("groups", "page", strconv.Itoa(p.Index-1)); err == nil {
			nav = append(nav, tgui.Btn("‹ Prev", d))
		}
	}
	if p.HasNext {
		if d, err := tgui.Data("groups", "page", strconv.Itoa(p.Index+1)); err == nil {
			nav = append(nav, tgui.Btn("Next ›", d))
		}
	}
	kb.Row(nav...)
	return strings.Join(lines, "\n"), kb, nil
}

func parseChatID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, router.Userf("%q is not a chat id", raw)
	}
	return id, nil
}

func (c *Commands) addGroup(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return router.Userf(`usage: /addgroup <chat_id> ["title"]`)
	}
	id, err := parseChatID(req.Args[0])
	if err != nil {
		return err
	}
	title := strings.Join(req.Args[1:], " ")
	g := storage.Group{OwnerID: req.FromID, ChatID: id, Kind: mtproto.KindOf(id), Title: title, AddedAt: c.now()}
	if err := c.store.PutGroup(ctx, g); err != nil {
		return err
	}
	if err := c.store.RemoveBlacklist(ctx, req.FromID, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("✅ Added %s (%s).", tgui.Code(strconv.FormatInt(id, 10)), g.Kind))
}

func (c *Commands) removeGroup(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return router.Userf("usage: /rmgroup <chat_id>")
	}
	id, err := parseChatID(req.Args[0])
	if err != nil {
		return err
	}
	if err := c.store.DeleteGroup(ctx, req.FromID, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return router.Userf("group %d is not in your list", id)
		}
		return err
	}
	return req.Reply(ctx, "🗑 Removed "+tgui.Code(strconv.FormatInt(id, 10)).String()+".")
}

func (c *Commands) blacklist(ctx context.Context, req *router.Request) error {
	list, err := c.store.ListBlacklist(ctx, req.FromID)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return req.Reply(ctx, "Blacklist is empty.")
	}
	lines := []string{tgui.B(fmt.Sprintf("🚫 Blacklisted groups (%d)", len(list))).String()}
	for _, e := range list {
		lines = append(lines, fmt.Sprintf("• %s %s, %s", tgui.Code(strconv.FormatInt(e.GroupID, 10)),
			tgui.Esc(tgui.OneLine(e.Reason, 60)), humanize.Time(e.At)))
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (c *Commands) unblacklist(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return router.Userf("usage: /unblacklist <chat_id>")
	}
	id, err := parseChatID(req.Args[0])
	if err != nil {
		return err
	}
	if err := c.store.RemoveBlacklist(ctx, req.FromID, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return router.Userf("group %d is not blacklisted", id)
		}
		return err
	}
	return req.Reply(ctx, "✅ "+tgui.Code(strconv.FormatInt(id, 10)).String()+" can be targeted again.")
}

func (c *Commands) accounts(ctx context.Context, req *router.Request) error {
	list, err := c.store.ListAccounts(ctx, req.FromID)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return req.Reply(ctx, "No accounts linked. Use /addaccount with a session string.")
	}
	lines := []string{tgui.B(fmt.Sprintf("👤 Accounts (%d)", len(list))).String()}
	for _, a := range list {
		state := "✅ active"
		switch {
		case a.Banned:
			state = "⛔ retired: " + a.RetireReason
		case !a.Active:
			state = "💤 inactive"
		}
		lines = append(lines, fmt.Sprintf("• %s %s, %s", tgui.Code(strconv.FormatInt(a.ID, 10)),
			tgui.Esc(accountLabel(a)), tgui.Esc(state)))
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func accountLabel(a storage.Account) string {
	switch {
	case a.Username != "":
		return "@" + a.Username
	case a.Phone != "":
		return a.Phone
	default:
		return "account"
	}
}

func (c *Commands) addAccount(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return router.Userf("usage: /addaccount <session>")
	}
	_ = req.Adapter.DeleteMessage(ctx, kit.MessageRef{ChatID: req.Chat.ChatID, MessageID: req.MessageID})
	prof, err := c.ident.Identify(ctx, req.Args[0])
	if err != nil {
		return userError("Session rejected", err)
	}
	sealed, err := c.seal.Seal(req.Args[0])
	if err != nil {
		return err
	}
	a := storage.Account{
		ID:       prof.ID,
		OwnerID:  req.FromID,
		Phone:    prof.Phone,
		Username: prof.Username,
		Session:  sealed,
		Active:   true,
	}
	if err := c.store.PutAccount(ctx, a); err != nil {
		return err
	}
	if err := c.bc.AccountsChanged(ctx, req.FromID); err != nil {
		return err
	}
	return req.Reply(ctx, "✅ Linked "+tgui.Esc(accountLabel(a)).String()+". Rotation was reset.")
}

func (c *Commands) removeAccount(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return router.Userf("usage: /rmaccount <account_id>")
	}
	id, err := strconv.ParseInt(req.Args[0], 10, 64)
	if err != nil {
		return router.Userf("%q is not an account id", req.Args[0])
	}
	if err := c.store.DeleteAccount(ctx, req.FromID, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return router.Userf("account %d is not linked", id)
		}
		return err
	}
	if err := c.bc.AccountsChanged(ctx, req.FromID); err != nil {
		return err
	}
	return req.Reply(ctx, "🗑 Unlinked "+tgui.Code(strconv.FormatInt(id, 10)).String()+". Rotation was reset.")
}

func (c *Commands) stats(ctx context.Context, req *router.Request) error {
	st, err := c.store.GetStats(ctx, req.FromID)
	if err != nil {
		return err
	}
	return req.Reply(ctx, maintenance.FormatStats("📊 Analytics", st))
}

// userError turns a broadcast precondition failure into a chat reply with
// its remedy. Other errors pass through.
func userError(prefix string, err error) error {
	hint := broadcast.Hint(err)
	if hint == "" && !errors.Is(err, broadcast.ErrBanned) {
		return err
	}
	msg := prefix + ": " + err.Error()
	if hint != "" {
		msg += "\n" + hint
	}
	return &router.UserError{Msg: msg}
}
