package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/whisper/chatsync/internal/chat"
	"github.com/whisper/chatsync/internal/msgcache"
	"github.com/whisper/chatsync/internal/typing"
)

// formatChatLine renders one roster row: unread marker, name, member count
// for groups, and the id to pass to other commands.
func formatChatLine(ch chat.Chat, selfID string) string {
	mark := " "
	if ch.IsUnreadBy(selfID) {
		mark = "*"
	}
	name := ch.DisplayName(selfID)
	if ch.GroupChat {
		name = fmt.Sprintf("%s (%d members)", name, len(ch.Members))
		if ch.IsAdmin(selfID) {
			name += " [admin]"
		}
	}
	return fmt.Sprintf("%s %-40s %s", mark, name, ch.ID)
}

// formatEntry renders one message. Local messages are labelled "you".
func formatEntry(e msgcache.Entry, selfID string) string {
	who := e.Sender.Name
	if e.Sender.ID == selfID {
		who = "you"
	}
	line := fmt.Sprintf("[%s] %s: %s", e.CreatedAt.Local().Format("15:04"), who, e.Content)
	switch e.Status {
	case msgcache.Pending:
		line += " (sending)"
	case msgcache.Failed:
		line += " (failed, /retry to resend)"
	}
	return line
}

// formatTyping renders the typing line, or "" when nobody types.
func formatTyping(entries []typing.Entry) string {
	if len(entries) == 0 {
		return ""
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	sort.Strings(names)
	if len(names) == 1 {
		return names[0] + " is typing..."
	}
	return strings.Join(names, ", ") + " are typing..."
}

// printer writes a chat log incrementally. Confirmed messages are shown
// once; a failure is shown once per failed attempt.
type printer struct {
	selfID  string
	printed map[string]msgcache.Status
	typing  string
}

func newPrinter(selfID string) *printer {
	return &printer{selfID: selfID, printed: make(map[string]msgcache.Status)}
}

// update returns the lines that have not been shown yet.
func (p *printer) update(entries []msgcache.Entry, typers []typing.Entry) []string {
	var out []string
	for _, e := range entries {
		if prev, seen := p.printed[e.ID]; seen && prev == e.Status {
			continue
		}
		p.printed[e.ID] = e.Status
		if e.Status != msgcache.Pending {
			out = append(out, formatEntry(e, p.selfID))
		}
	}

	if t := formatTyping(typers); t != p.typing {
		p.typing = t
		if t == "" {
			t = "(stopped typing)"
		}
		out = append(out, "  "+t)
	}
	return out
}
