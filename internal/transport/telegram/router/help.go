package router

import (
	"sort"
	"strings"

	kit "orderbot/internal/transport"
	"orderbot/pkg/tgui"
)

// sanitizeCommand maps a name onto Telegram's [a-z0-9_]{1,32} command alphabet.
func sanitizeCommand(s string) string {
	s = strings.TrimPrefix(strings.TrimSpace(strings.ToLower(s)), "/")
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || r == ' ':
			if b.Len() > 0 && !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}

// sortedCommands returns public commands first, then owner-only, each alphabetical.
func (r *Router) sortedCommands() []*Command {
	r.mu.RLock()
	out := append([]*Command(nil), r.ordered...)
	r.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Access != out[j].Access {
			return out[i].Access < out[j].Access
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// helpText renders HTML help: the command list, or details for args[0].
func (r *Router) helpText(args []string) string {
	if len(args) > 0 {
		c, ok := r.lookup(sanitizeCommand(args[0]))
		if !ok {
			return tgui.JoinH("\n", "❓ "+tgui.B("Unknown command"), "Type "+tgui.Code("/help")+" for the list.").String()
		}
		lines := []tgui.H{tgui.B("/" + c.Name), tgui.Esc(c.Description)}
		if c.Usage != "" {
			lines = append(lines, "Usage: "+tgui.Code(c.Usage))
		}
		if len(c.Aliases) > 0 {
			lines = append(lines, "Aliases: "+tgui.Esc("/"+strings.Join(c.Aliases, ", /")))
		}
		if c.Access == AccessOwnerOnly {
			lines = append(lines, "🔒 owner only")
		}
		return tgui.JoinH("\n", lines...).String()
	}

	lines := []tgui.H{
		"📚 " + tgui.B("Commands"),
		"Type " + tgui.Code("/help <cmd>") + " for details.",
		"",
	}
	for _, c := range r.sortedCommands() {
		line := tgui.Esc("/" + c.Name)
		if c.Description != "" {
			line += " - " + tgui.Esc(c.Description)
		}
		if c.Access == AccessOwnerOnly {
			line += " 🔒"
		}
		lines = append(lines, line)
	}
	return strings.Join(toStrings(lines), "\n")
}

func toStrings(hs []tgui.H) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.String()
	}
	return out
}

// menu builds the platform command menu (at most 100 entries).
func (r *Router) menu() []kit.BotCommand {
	cmds := r.sortedCommands()
	out := make([]kit.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if desc == "" {
			desc = c.Name
		}
		if c.Access == AccessOwnerOnly {
			desc = "🔒 " + desc
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: tgui.TruncRunes(desc, 256)})
		if len(out) >= 100 {
			break
		}
	}
	return out
}
