// Package chat holds the domain model shared by the server and the client
// sync core: users, chats with their member lists and unread sets, and the
// immutable messages exchanged inside them.
package chat

import (
	"fmt"
	"sort"
	"time"
)

// User is a participant identity. Password material never leaves the store.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Avatar string `json:"avatar"`
}

// Chat is a one-to-one or group conversation. Members keep a stable order so
// the "other participant" of a 1:1 chat resolves deterministically.
type Chat struct {
	ID        string   `json:"id"`
	GroupChat bool     `json:"groupChat"`
	Name      string   `json:"name,omitempty"`
	Members   []User   `json:"members"`
	Admin     *User    `json:"admin,omitempty"`
	UnreadBy  []string `json:"unreadBy"`
	UpdatedAt int64    `json:"updatedAt,omitempty"`
}

// Message is append-only and immutable once created. Identity is ID.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Sender    User      `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Validate checks the structural invariants of a chat snapshot.
func (c *Chat) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("chat: missing id")
	}
	seen := make(map[string]struct{}, len(c.Members))
	for _, m := range c.Members {
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("chat %s: duplicate member %s", c.ID, m.ID)
		}
		seen[m.ID] = struct{}{}
	}

	if !c.GroupChat {
		if len(c.Members) != 2 {
			return fmt.Errorf("chat %s: direct chat must have exactly 2 members, has %d", c.ID, len(c.Members))
		}
		if c.Admin != nil {
			return fmt.Errorf("chat %s: direct chat cannot have an admin", c.ID)
		}
		return nil
	}

	if c.Name == "" {
		return fmt.Errorf("chat %s: group chat requires a name", c.ID)
	}
	if c.Admin == nil {
		return fmt.Errorf("chat %s: group chat requires an admin", c.ID)
	}
	if _, ok := seen[c.Admin.ID]; !ok {
		return fmt.Errorf("chat %s: admin %s is not a member", c.ID, c.Admin.ID)
	}
	return nil
}

// HasMember reports whether userID is in the member list.
func (c *Chat) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m.ID == userID {
			return true
		}
	}
	return false
}

// MemberIDs returns member ids in member order.
func (c *Chat) MemberIDs() []string {
	ids := make([]string, len(c.Members))
	for i, m := range c.Members {
		ids[i] = m.ID
	}
	return ids
}

// IsAdmin reports whether userID administers this group.
func (c *Chat) IsAdmin(userID string) bool {
	return c.GroupChat && c.Admin != nil && c.Admin.ID == userID
}

// OtherMember returns the participant of a 1:1 chat who is not selfID.
func (c *Chat) OtherMember(selfID string) (User, bool) {
	if c.GroupChat || len(c.Members) != 2 {
		return User{}, false
	}
	if c.Members[0].ID == selfID {
		return c.Members[1], true
	}
	return c.Members[0], true
}

// DisplayName is the group name, or the other participant's name for 1:1 chats.
func (c *Chat) DisplayName(selfID string) string {
	if c.GroupChat {
		return c.Name
	}
	if other, ok := c.OtherMember(selfID); ok {
		return other.Name
	}
	return c.ID
}

// IsUnreadBy reports whether userID has not read the latest message.
func (c *Chat) IsUnreadBy(userID string) bool {
	for _, id := range c.UnreadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so snapshots handed to subscribers cannot alias
// roster state.
func (c Chat) Clone() Chat {
	out := c
	out.Members = append([]User(nil), c.Members...)
	out.UnreadBy = append([]string(nil), c.UnreadBy...)
	if c.Admin != nil {
		admin := *c.Admin
		out.Admin = &admin
	}
	return out
}

// Less orders messages by CreatedAt, ties broken by ID.
func Less(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SortMessages sorts msgs in place by Less.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return Less(msgs[i], msgs[j]) })
}
