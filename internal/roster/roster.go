// Package roster maintains the set of chats visible to the local user.
//
// Membership updates from the server are whole-chat snapshots and are applied
// last-writer-wins. Read state is changed optimistically and can be reverted
// when the server does not confirm it.
package roster

import (
	"sort"
	"strings"

	"github.com/whisper/chatsync/internal/chat"
)

// Change reports what ApplyMembershipChange did.
type Change int

const (
	Inserted Change = iota
	Replaced
	// Removed means the snapshot no longer lists the local user.
	Removed
	// Ignored means a removal snapshot arrived for a chat not in the roster.
	Ignored
)

func (c Change) String() string {
	switch c {
	case Replaced:
		return "replaced"
	case Removed:
		return "removed"
	case Ignored:
		return "ignored"
	default:
		return "inserted"
	}
}

// Roster is not safe for concurrent use; the session event loop owns it.
type Roster struct {
	selfID  string
	chats   []chat.Chat
	subs    map[int]func()
	nextSub int
}

// New creates an empty roster for the user selfID.
func New(selfID string) *Roster {
	return &Roster{selfID: selfID, subs: make(map[int]func())}
}

// SelfID returns the local user's id.
func (r *Roster) SelfID() string { return r.selfID }

// Replace swaps the whole roster, e.g. after the initial fetch or a resync.
// Later duplicates of the same id win but keep the first position.
func (r *Roster) Replace(chats []chat.Chat) {
	r.chats = r.chats[:0]
	for _, c := range chats {
		if i := r.index(c.ID); i >= 0 {
			r.chats[i] = c.Clone()
			continue
		}
		r.chats = append(r.chats, c.Clone())
	}
	r.notify()
}

// ApplyMembershipChange applies a server snapshot. An unknown id is inserted,
// a known one is replaced in place. A snapshot that does not list the local
// user removes the chat.
func (r *Roster) ApplyMembershipChange(c chat.Chat) Change {
	i := r.index(c.ID)
	if !c.HasMember(r.selfID) {
		if i < 0 {
			return Ignored
		}
		r.removeAt(i)
		r.notify()
		return Removed
	}
	if i >= 0 {
		r.chats[i] = c.Clone()
		r.notify()
		return Replaced
	}
	r.chats = append(r.chats, c.Clone())
	r.notify()
	return Inserted
}

// Remove drops chatID and reports whether it was present.
func (r *Roster) Remove(chatID string) bool {
	i := r.index(chatID)
	if i < 0 {
		return false
	}
	r.removeAt(i)
	r.notify()
	return true
}

// MarkRead removes userID from chatID's unread set and reports whether
// anything changed. The caller reverts with RevertRead if the server rejects
// the update.
func (r *Roster) MarkRead(chatID, userID string) bool {
	i := r.index(chatID)
	if i < 0 {
		return false
	}
	unread := r.chats[i].UnreadBy
	for j, id := range unread {
		if id == userID {
			r.chats[i].UnreadBy = append(unread[:j:j], unread[j+1:]...)
			r.notify()
			return true
		}
	}
	return false
}

// RevertRead puts userID back into chatID's unread set.
func (r *Roster) RevertRead(chatID, userID string) {
	i := r.index(chatID)
	if i < 0 || r.chats[i].IsUnreadBy(userID) {
		return
	}
	r.chats[i].UnreadBy = append(r.chats[i].UnreadBy, userID)
	r.notify()
}

// NoteMessage mirrors the server's unread rule for a newly delivered
// message: everyone but the sender has not read it yet.
func (r *Roster) NoteMessage(chatID, senderID string, at int64) {
	i := r.index(chatID)
	if i < 0 {
		return
	}
	c := &r.chats[i]
	unread := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		if m.ID != senderID {
			unread = append(unread, m.ID)
		}
	}
	c.UnreadBy = unread
	if at > c.UpdatedAt {
		c.UpdatedAt = at
	}
	r.notify()
}

// Get returns a copy of chatID.
func (r *Roster) Get(chatID string) (chat.Chat, bool) {
	if i := r.index(chatID); i >= 0 {
		return r.chats[i].Clone(), true
	}
	return chat.Chat{}, false
}

// All returns a copy of every chat in roster order.
func (r *Roster) All() []chat.Chat {
	return r.Filter(nil)
}

// Filter returns copies of the chats matching pred in roster order. A nil
// pred matches everything. The roster is not modified.
func (r *Roster) Filter(pred func(chat.Chat) bool) []chat.Chat {
	out := make([]chat.Chat, 0, len(r.chats))
	for _, c := range r.chats {
		if pred == nil || pred(c) {
			out = append(out, c.Clone())
		}
	}
	return out
}

// Unread returns the ids of chats the local user has not read, sorted.
func (r *Roster) Unread() []string {
	var out []string
	for _, c := range r.chats {
		if c.IsUnreadBy(r.selfID) {
			out = append(out, c.ID)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the number of chats.
func (r *Roster) Len() int { return len(r.chats) }

// Subscribe registers fn for every roster mutation.
func (r *Roster) Subscribe(fn func()) func() {
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	return func() { delete(r.subs, id) }
}

// MemberNameContains matches chats whose group name or any member name
// contains query, ignoring case. An empty query matches every chat.
func MemberNameContains(query string) func(chat.Chat) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	return func(c chat.Chat) bool {
		if q == "" {
			return true
		}
		if c.GroupChat && strings.Contains(strings.ToLower(c.Name), q) {
			return true
		}
		for _, m := range c.Members {
			if strings.Contains(strings.ToLower(m.Name), q) {
				return true
			}
		}
		return false
	}
}

func (r *Roster) index(chatID string) int {
	for i := range r.chats {
		if r.chats[i].ID == chatID {
			return i
		}
	}
	return -1
}

func (r *Roster) removeAt(i int) {
	r.chats = append(r.chats[:i], r.chats[i+1:]...)
}

func (r *Roster) notify() {
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if fn, ok := r.subs[id]; ok {
			fn()
		}
	}
}
