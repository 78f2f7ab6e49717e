// Package typing tracks which remote participants are composing a message in
// which chat, and emits the local user's own typing bursts.
//
// A Tracker is not safe for concurrent use; it is owned by the session event
// loop and mutated only through its methods.
package typing

import (
	"sort"
	"time"
)

const (
	// DefaultTimeout is how long a Typing entry survives without a
	// refreshing startTyping before it expires on its own.
	DefaultTimeout = 6 * time.Second

	// DefaultSweepInterval is how often the owner should call Sweep.
	DefaultSweepInterval = time.Second
)

// State is the per-(chat, peer) typing state.
type State int

const (
	Idle State = iota
	Typing
)

func (s State) String() string {
	if s == Typing {
		return "typing"
	}
	return "idle"
}

// Entry is one peer currently typing in one chat.
type Entry struct {
	ChatID    string
	PeerID    string
	Name      string
	Since     time.Time // first startTyping of the burst
	Refreshed time.Time // most recent startTyping
}

// Change is delivered to subscribers on every transition.
type Change struct {
	ChatID  string
	PeerID  string
	Name    string
	State   State
	Expired bool // Typing -> Idle caused by the timeout, not a stopTyping
}

// Config tunes a Tracker.
type Config struct {
	Timeout time.Duration
	Now     func() time.Time
}

type key struct {
	chatID string
	peerID string
}

// Tracker is the typing indicator state machine. A missing entry means Idle.
type Tracker struct {
	timeout time.Duration
	now     func() time.Time
	entries map[key]*Entry
	subs    map[int]func(Change)
	nextSub int
}

// NewTracker creates a Tracker. Zero config fields take their defaults.
func NewTracker(cfg Config) *Tracker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tracker{
		timeout: cfg.Timeout,
		now:     cfg.Now,
		entries: make(map[key]*Entry),
		subs:    make(map[int]func(Change)),
	}
}

// Timeout returns the expiry window.
func (t *Tracker) Timeout() time.Duration { return t.timeout }

// Start moves (chatID, peerID) to Typing, or refreshes an existing entry.
// Subscribers are notified only on the Idle -> Typing edge or a name change.
func (t *Tracker) Start(chatID, peerID, name string) {
	k := key{chatID, peerID}
	now := t.now()

	if e, ok := t.entries[k]; ok {
		e.Refreshed = now
		if name == "" || name == e.Name {
			return
		}
		e.Name = name
	} else {
		t.entries[k] = &Entry{ChatID: chatID, PeerID: peerID, Name: name, Since: now, Refreshed: now}
	}
	t.notify(Change{ChatID: chatID, PeerID: peerID, Name: name, State: Typing})
}

// Stop moves (chatID, peerID) to Idle. Stopping an Idle pair is a no-op.
func (t *Tracker) Stop(chatID, peerID string) {
	k := key{chatID, peerID}
	e, ok := t.entries[k]
	if !ok {
		return
	}
	delete(t.entries, k)
	t.notify(Change{ChatID: chatID, PeerID: peerID, Name: e.Name, State: Idle})
}

// State reports the current state of (chatID, peerID).
func (t *Tracker) State(chatID, peerID string) State {
	if _, ok := t.entries[key{chatID, peerID}]; ok {
		return Typing
	}
	return Idle
}

// Typing returns the peers typing in chatID, ordered by when their burst
// started.
func (t *Tracker) Typing(chatID string) []Entry {
	var out []Entry
	for k, e := range t.entries {
		if k.chatID == chatID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Since.Equal(out[j].Since) {
			return out[i].Since.Before(out[j].Since)
		}
		return out[i].PeerID < out[j].PeerID
	})
	return out
}

// Sweep expires every entry not refreshed within the timeout and returns how
// many were removed. The owner calls it on a schedule.
func (t *Tracker) Sweep() int {
	now := t.now()
	var expired []*Entry
	for k, e := range t.entries {
		if now.Sub(e.Refreshed) >= t.timeout {
			expired = append(expired, e)
			delete(t.entries, k)
		}
	}
	// Deterministic notification order.
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].ChatID != expired[j].ChatID {
			return expired[i].ChatID < expired[j].ChatID
		}
		return expired[i].PeerID < expired[j].PeerID
	})
	for _, e := range expired {
		t.notify(Change{ChatID: e.ChatID, PeerID: e.PeerID, Name: e.Name, State: Idle, Expired: true})
	}
	return len(expired)
}

// Clear drops every entry, e.g. after the transport disconnected and stop
// events may have been lost.
func (t *Tracker) Clear() {
	entries := t.entries
	t.entries = make(map[key]*Entry)
	for _, e := range entries {
		t.notify(Change{ChatID: e.ChatID, PeerID: e.PeerID, Name: e.Name, State: Idle})
	}
}

// Len returns the number of pairs currently Typing.
func (t *Tracker) Len() int { return len(t.entries) }

// Subscribe registers fn for every transition and returns a function that
// removes it.
func (t *Tracker) Subscribe(fn func(Change)) func() {
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	return func() { delete(t.subs, id) }
}

func (t *Tracker) notify(c Change) {
	ids := make([]int, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if fn, ok := t.subs[id]; ok {
			fn(c)
		}
	}
}
