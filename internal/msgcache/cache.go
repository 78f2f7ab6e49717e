// Package msgcache keeps one ordered message log per chat, merging fetched
// history, optimistic local sends and socket-delivered messages.
//
// A Cache is not safe for concurrent use. It is owned by the session event
// loop; only FetchHistory may be called from another goroutine because it
// performs I/O without touching cache state.
package msgcache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/chatsync/internal/apperr"
	"github.com/whisper/chatsync/internal/chat"
)

// ProvisionalPrefix marks ids minted locally for optimistic entries. Server
// ids never carry it.
const ProvisionalPrefix = "local-"

// Status describes where an entry is in its lifecycle.
type Status int

const (
	Confirmed Status = iota
	Pending
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Failed:
		return "failed"
	default:
		return "confirmed"
	}
}

// Outcome reports what a merge did to the log.
type Outcome int

const (
	// Inserted means a new entry was added.
	Inserted Outcome = iota
	// Replaced means a provisional entry was swapped for the authoritative one.
	Replaced
	// Duplicate means the id was already present; the log is unchanged.
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Replaced:
		return "replaced"
	case Duplicate:
		return "duplicate"
	default:
		return "inserted"
	}
}

// Entry is one message in a chat log together with its delivery status.
// Provisional entries carry a ProvisionalPrefix id until reconciled.
type Entry struct {
	chat.Message
	Status Status
	Err    error // last send failure, set only when Status is Failed
}

// Provisional reports whether e is a locally-authored placeholder.
func (e Entry) Provisional() bool { return e.Status != Confirmed }

// Draft is a locally-authored message before the server has seen it.
type Draft struct {
	Sender  chat.User
	Content string
}

// Fetcher loads the authoritative history for a chat.
type Fetcher interface {
	FetchMessages(ctx context.Context, chatID string) ([]chat.Message, error)
}

// ErrUnknownEntry is returned when a provisional id is not in the log.
var ErrUnknownEntry = errors.New("msgcache: unknown entry")

// Config tunes a Cache. Zero fields take defaults.
type Config struct {
	Now   func() time.Time
	NewID func() string
}

type chatLog struct {
	entries []Entry
	loaded  bool
}

// Cache holds the per-chat logs.
type Cache struct {
	fetch   Fetcher
	now     func() time.Time
	newID   func() string
	logs    map[string]*chatLog
	subs    map[string]map[int]func(chatID string)
	nextSub int
}

// New creates a Cache that loads history through fetch.
func New(fetch Fetcher, cfg Config) *Cache {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return ProvisionalPrefix + uuid.NewString() }
	}
	return &Cache{
		fetch: fetch,
		now:   cfg.Now,
		newID: cfg.NewID,
		logs:  make(map[string]*chatLog),
		subs:  make(map[string]map[int]func(string)),
	}
}

// Loaded reports whether the authoritative history for chatID has been
// merged at least once.
func (c *Cache) Loaded(chatID string) bool {
	l, ok := c.logs[chatID]
	return ok && l.loaded
}

// FetchHistory performs the history request without touching cache state.
// Errors keep their apperr kind; untyped failures are reported as transient.
func (c *Cache) FetchHistory(ctx context.Context, chatID string) ([]chat.Message, error) {
	msgs, err := c.fetch.FetchMessages(ctx, chatID)
	if err != nil {
		kind := apperr.KindOf(err)
		if kind == apperr.KindUnexpected && !isTyped(err) {
			kind = apperr.KindTransient
		}
		return nil, apperr.Wrap(kind, "msgcache: load "+chatID, err)
	}
	return msgs, nil
}

func isTyped(err error) bool {
	var ae *apperr.Error
	return errors.As(err, &ae)
}

// MergeHistory merges a fetched history page into chatID's log and marks it
// loaded. Entries already present are kept; matching provisional entries are
// replaced.
func (c *Cache) MergeHistory(chatID string, msgs []chat.Message) {
	l := c.log(chatID)
	for _, m := range msgs {
		if m.ChatID == "" {
			m.ChatID = chatID
		}
		c.merge(l, m)
	}
	l.loaded = true
	c.notify(chatID)
}

// LoadHistory fetches and merges in one step. On failure the log is left
// exactly as it was, so a retry is safe.
func (c *Cache) LoadHistory(ctx context.Context, chatID string) ([]chat.Message, error) {
	msgs, err := c.FetchHistory(ctx, chatID)
	if err != nil {
		return nil, err
	}
	c.MergeHistory(chatID, msgs)
	return c.Messages(chatID), nil
}

// Append merges one authoritative message into chatID's log. A message whose
// id is already present is a no-op. Otherwise the oldest provisional entry
// from the same sender with the same content is replaced, and failing that
// the message is inserted in (createdAt, id) order.
func (c *Cache) Append(chatID string, msg chat.Message) Outcome {
	if msg.ChatID == "" {
		msg.ChatID = chatID
	}
	out := c.merge(c.log(chatID), msg)
	if out != Duplicate {
		c.notify(chatID)
	}
	return out
}

// AppendOptimistic adds a pending placeholder for d and returns its
// provisional id.
func (c *Cache) AppendOptimistic(chatID string, d Draft) string {
	id := c.newID()
	l := c.log(chatID)
	c.insert(l, Entry{
		Message: chat.Message{
			ID:        id,
			ChatID:    chatID,
			Sender:    d.Sender,
			Content:   d.Content,
			CreatedAt: c.now(),
		},
		Status: Pending,
	})
	c.notify(chatID)
	return id
}

// Reconcile merges the send response msg for the provisional entry
// provisionalID. If the socket echo already replaced the placeholder the
// call falls back to the regular Append rules.
func (c *Cache) Reconcile(chatID, provisionalID string, msg chat.Message) Outcome {
	if msg.ChatID == "" {
		msg.ChatID = chatID
	}
	l := c.log(chatID)
	i := indexOf(l, provisionalID)
	if i < 0 || !l.entries[i].Provisional() {
		return c.Append(chatID, msg)
	}

	l.entries = append(l.entries[:i], l.entries[i+1:]...)
	out := Replaced
	if indexOf(l, msg.ID) >= 0 {
		out = Duplicate
	} else {
		c.insert(l, Entry{Message: msg, Status: Confirmed})
	}
	c.notify(chatID)
	return out
}

// MarkFailed flags a pending entry as failed so it can be retried.
func (c *Cache) MarkFailed(chatID, provisionalID string, cause error) error {
	e, err := c.provisional(chatID, provisionalID)
	if err != nil {
		return err
	}
	e.Status = Failed
	e.Err = cause
	c.notify(chatID)
	return nil
}

// Retry moves a failed entry back to pending and returns its draft so the
// caller can resend it.
func (c *Cache) Retry(chatID, provisionalID string) (Draft, error) {
	e, err := c.provisional(chatID, provisionalID)
	if err != nil {
		return Draft{}, err
	}
	if e.Status != Failed {
		return Draft{}, apperr.E(apperr.KindValidation, "msgcache: retry", "message is not in a failed state")
	}
	e.Status = Pending
	e.Err = nil
	c.notify(chatID)
	return Draft{Sender: e.Sender, Content: e.Content}, nil
}

// Discard drops a provisional entry the user gave up on.
func (c *Cache) Discard(chatID, provisionalID string) error {
	l := c.log(chatID)
	i := indexOf(l, provisionalID)
	if i < 0 || !l.entries[i].Provisional() {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, provisionalID)
	}
	l.entries = append(l.entries[:i], l.entries[i+1:]...)
	c.notify(chatID)
	return nil
}

// Entries returns a copy of chatID's log.
func (c *Cache) Entries(chatID string) []Entry {
	l, ok := c.logs[chatID]
	if !ok {
		return nil
	}
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Messages returns a copy of chatID's log without status information.
func (c *Cache) Messages(chatID string) []chat.Message {
	l, ok := c.logs[chatID]
	if !ok {
		return nil
	}
	out := make([]chat.Message, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.Message
	}
	return out
}

// Len returns the number of entries in chatID's log.
func (c *Cache) Len(chatID string) int {
	if l, ok := c.logs[chatID]; ok {
		return len(l.entries)
	}
	return 0
}

// Subscribe registers fn for mutations of chatID's log only. The returned
// function removes the subscription.
func (c *Cache) Subscribe(chatID string, fn func(chatID string)) func() {
	id := c.nextSub
	c.nextSub++
	if c.subs[chatID] == nil {
		c.subs[chatID] = make(map[int]func(string))
	}
	c.subs[chatID][id] = fn
	return func() {
		delete(c.subs[chatID], id)
		if len(c.subs[chatID]) == 0 {
			delete(c.subs, chatID)
		}
	}
}

func (c *Cache) log(chatID string) *chatLog {
	l, ok := c.logs[chatID]
	if !ok {
		l = &chatLog{}
		c.logs[chatID] = l
	}
	return l
}

func (c *Cache) provisional(chatID, id string) (*Entry, error) {
	l, ok := c.logs[chatID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntry, id)
	}
	i := indexOf(l, id)
	if i < 0 || !l.entries[i].Provisional() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntry, id)
	}
	return &l.entries[i], nil
}

func (c *Cache) merge(l *chatLog, msg chat.Message) Outcome {
	if indexOf(l, msg.ID) >= 0 {
		return Duplicate
	}
	out := Inserted
	if i := oldestMatch(l, msg); i >= 0 {
		l.entries = append(l.entries[:i], l.entries[i+1:]...)
		out = Replaced
	}
	c.insert(l, Entry{Message: msg, Status: Confirmed})
	return out
}

// insert places e keeping the log sorted by (createdAt, id).
func (c *Cache) insert(l *chatLog, e Entry) {
	i := sort.Search(len(l.entries), func(i int) bool {
		return chat.Less(e.Message, l.entries[i].Message)
	})
	l.entries = append(l.entries, Entry{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = e
}

func (c *Cache) notify(chatID string) {
	subs := c.subs[chatID]
	ids := make([]int, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if fn, ok := subs[id]; ok {
			fn(chatID)
		}
	}
}

func indexOf(l *chatLog, id string) int {
	for i := range l.entries {
		if l.entries[i].ID == id {
			return i
		}
	}
	return -1
}

// oldestMatch finds the earliest provisional entry that msg confirms. The
// log is sorted, so the first hit is the oldest.
func oldestMatch(l *chatLog, msg chat.Message) int {
	for i, e := range l.entries {
		if !e.Provisional() {
			continue
		}
		if e.Sender.ID == msg.Sender.ID && e.ChatID == msg.ChatID && e.Content == msg.Content {
			return i
		}
	}
	return -1
}

// IsProvisionalID reports whether id was minted by AppendOptimistic with the
// default generator.
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}
