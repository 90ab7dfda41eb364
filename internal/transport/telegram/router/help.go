package router

import (
	"strings"

	"adsbot/pkg/tgui"
)

// helpText renders HTML help: the command list, or one command's details.
// Owner-only commands are listed only for owners.
func (m *CommandManager) helpText(args []string, owner bool) string {
	if len(args) > 0 {
		word := strings.ToLower(strings.TrimPrefix(args[0], "/"))
		c, ok := m.lookup(word)
		if !ok || (c.Access == AccessOwnerOnly && !owner) {
			return "❓ <b>Unknown command</b>\nSend <code>/help</code> for the list."
		}
		return commandHelp(*c)
	}

	m.mu.RLock()
	list := m.list
	m.mu.RUnlock()

	lines := []string{"📚 <b>Commands</b>", ""}
	for _, c := range list {
		if c.Hidden || (c.Access == AccessOwnerOnly && !owner) {
			continue
		}
		line := "• " + tgui.Code("/"+c.Name).String()
		if d := strings.TrimSpace(c.Description); d != "" {
			line += " " + tgui.Esc(d).String()
		}
		lines = append(lines, line)
	}
	lines = append(lines, "", "Send <code>/help &lt;command&gt;</code> for usage.")
	return strings.Join(lines, "\n")
}

func commandHelp(c Command) string {
	lines := []string{"📚 <b>/" + tgui.Esc(c.Name).String() + "</b>"}
	if d := strings.TrimSpace(c.Description); d != "" {
		lines = append(lines, tgui.Esc(d).String())
	}
	if c.Access == AccessOwnerOnly {
		lines = append(lines, "🔒 <i>owner only</i>")
	}
	if u := strings.TrimSpace(c.Usage); u != "" {
		lines = append(lines, "", "<b>Usage</b>", tgui.Code(u).String())
	}
	if len(c.Aliases) > 0 {
		al := make([]string, 0, len(c.Aliases))
		for _, a := range c.Aliases {
			al = append(al, tgui.Code("/"+a).String())
		}
		lines = append(lines, "", "<b>Aliases</b> "+strings.Join(al, " "))
	}
	return strings.Join(lines, "\n")
}
