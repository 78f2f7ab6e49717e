package typing

import (
	"log"

	"github.com/whisper/chatsync/internal/chat"
	"github.com/whisper/chatsync/internal/protocol"
)

// Emitter is the slice of the transport the composer needs.
type Emitter interface {
	Emit(event string, payload interface{}) error
}

// Composer turns the local user's keystrokes into at most one startTyping
// per continuous burst and a stopTyping when the burst ends. Emission is
// best-effort: failures are logged and otherwise ignored.
type Composer struct {
	emit   Emitter
	self   chat.User
	active bool
	chatID string
	member []string
}

// NewComposer creates a Composer emitting on behalf of self.
func NewComposer(emit Emitter, self chat.User) *Composer {
	return &Composer{emit: emit, self: self}
}

// Input reports the current contents of the compose box for c. A non-empty
// text starts a burst if none is active; an empty text ends it. Typing into a
// different chat ends the previous chat's burst first.
func (c *Composer) Input(ch chat.Chat, text string) {
	if c.active && c.chatID != ch.ID {
		c.stop()
	}
	if text == "" {
		if c.active {
			c.stop()
		}
		return
	}
	if c.active {
		return
	}

	c.active = true
	c.chatID = ch.ID
	c.member = ch.MemberIDs()
	c.send(protocol.TypeStartTyping, protocol.StartTypingMsg{
		ChatID:  ch.ID,
		Members: c.member,
		Sender:  c.self.ID,
		Name:    c.self.Name,
	})
}

// Sent ends the burst for chatID because its message was sent.
func (c *Composer) Sent(chatID string) {
	if c.active && c.chatID == chatID {
		c.stop()
	}
}

// Reset ends any active burst, e.g. when the chat is closed.
func (c *Composer) Reset() {
	if c.active {
		c.stop()
	}
}

// Active reports whether a burst is in progress and for which chat.
func (c *Composer) Active() (string, bool) {
	return c.chatID, c.active
}

func (c *Composer) stop() {
	c.send(protocol.TypeStopTyping, protocol.StopTypingMsg{
		ChatID:  c.chatID,
		Members: c.member,
		Sender:  c.self.ID,
	})
	c.active = false
	c.chatID = ""
	c.member = nil
}

func (c *Composer) send(event string, payload interface{}) {
	if err := c.emit.Emit(event, payload); err != nil {
		log.Printf("[typing] emit %s failed: %v", event, err)
	}
}
