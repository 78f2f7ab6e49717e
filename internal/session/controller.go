// Package session is the client-side orchestrator. A Controller owns the
// message cache, the chat roster and the typing tracker, wires socket events
// into them and tracks which chat is open.
//
// All state changes run on one event loop goroutine. Public methods marshal
// into the loop and wait for the result; network calls run off-loop and post
// their completion back, keyed by chat id and provisional message id so a
// late response never lands in the wrong chat.
package session

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/whisper/chatsync/internal/apperr"
	"github.com/whisper/chatsync/internal/chat"
	"github.com/whisper/chatsync/internal/msgcache"
	"github.com/whisper/chatsync/internal/protocol"
	"github.com/whisper/chatsync/internal/roster"
	"github.com/whisper/chatsync/internal/transport"
	"github.com/whisper/chatsync/internal/typing"
)

// API is the REST collaborator as the controller uses it.
type API interface {
	FetchChats(ctx context.Context) ([]chat.Chat, error)
	FetchMessages(ctx context.Context, chatID string) ([]chat.Message, error)
	SendMessage(ctx context.Context, chatID, content string) (chat.Message, error)
	MarkAsRead(ctx context.Context, chatID string) error
	RemoveFromGroup(ctx context.Context, groupID, memberID string) (chat.Chat, error)
}

// Transport is the socket as the controller uses it.
type Transport interface {
	Connect(ctx context.Context) error
	Emit(event string, payload interface{}) error
	On(event string, h transport.Handler) transport.Subscription
	Off(sub transport.Subscription)
	Disconnect() error
}

// Phase is the open-chat state.
type Phase int

const (
	NoChatOpen Phase = iota
	LoadingHistory
	ChatOpen
	// LoadFailed keeps the chat id so the UI can offer a retry.
	LoadFailed
)

func (p Phase) String() string {
	switch p {
	case LoadingHistory:
		return "loading"
	case ChatOpen:
		return "open"
	case LoadFailed:
		return "load_failed"
	default:
		return "none"
	}
}

// Status is the controller's externally visible state.
type Status struct {
	Phase  Phase
	ChatID string
	Err    error // set in LoadFailed
}

// ErrorEvent reports a failure of background work. Silent errors come from
// best-effort signals and should not be shown to the user.
type ErrorEvent struct {
	Op     string
	ChatID string
	Err    error
	Silent bool
}

// Config holds the controller settings.
type Config struct {
	Self          chat.User
	TypingTimeout time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
	NewID         func() string // provisional ids, for tests
}

// Controller is safe for concurrent use. Subscriber callbacks run on the
// event loop and must not call back into blocking Controller methods.
type Controller struct {
	self chat.User
	api  API
	tr   Transport
	loop *Loop

	cache    *msgcache.Cache
	roster   *roster.Roster
	typing   *typing.Tracker
	composer *typing.Composer

	status     Status
	loading    map[string]bool
	connected  bool
	statusSubs map[int]func(Status)
	errSubs    map[int]func(ErrorEvent)
	nextSub    int

	sweepEvery time.Duration
	ctx        context.Context
	cancel     context.CancelFunc
	socketSubs []transport.Subscription
	subOnce    sync.Once
	stopOnce   sync.Once
	sweepDone  chan struct{}
}

// New creates a controller and starts its event loop. Call Start to load the
// roster and connect the socket.
func New(api API, tr Transport, cfg Config) *Controller {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = typing.DefaultSweepInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		self:       cfg.Self,
		api:        api,
		tr:         tr,
		loop:       NewLoop(),
		cache:      msgcache.New(api, msgcache.Config{Now: cfg.Now, NewID: cfg.NewID}),
		roster:     roster.New(cfg.Self.ID),
		typing:     typing.NewTracker(typing.Config{Timeout: cfg.TypingTimeout, Now: cfg.Now}),
		composer:   typing.NewComposer(tr, cfg.Self),
		loading:    make(map[string]bool),
		statusSubs: make(map[int]func(Status)),
		errSubs:    make(map[int]func(ErrorEvent)),
		sweepEvery: cfg.SweepInterval,
		ctx:        ctx,
		cancel:     cancel,
		sweepDone:  make(chan struct{}),
	}
	go c.loop.Run()
	go c.sweep()
	return c
}

// Start subscribes to socket events, loads the roster and connects. The
// socket subscriptions live until Stop and are registered only once, however
// often Start is called.
func (c *Controller) Start(ctx context.Context) error {
	c.subOnce.Do(c.subscribe)

	chats, err := c.api.FetchChats(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindOf(err), "session: start", err)
	}
	c.loop.Call(func() { c.roster.Replace(chats) })

	if err := c.tr.Connect(ctx); err != nil {
		return err
	}
	return nil
}

// Stop removes the socket subscriptions, disconnects and stops the loop.
// In-flight requests are cancelled.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		for _, sub := range c.socketSubs {
			c.tr.Off(sub)
		}
		c.cancel()
		if err := c.tr.Disconnect(); err != nil {
			log.Printf("[session] disconnect: %v", err)
		}
		<-c.sweepDone
		c.loop.Stop()
	})
}

// Settle waits until all background work and its completions have run.
func (c *Controller) Settle() { c.loop.Settle() }

// Flush waits up to wait for in-flight requests to finish and returns the
// entries of chatID the server has not confirmed: sends still pending when
// the wait ran out, and sends that failed. Call it before Stop, which
// cancels whatever is still in flight.
func (c *Controller) Flush(chatID string, wait time.Duration) []msgcache.Entry {
	settled := make(chan struct{})
	go func() {
		c.loop.Settle()
		close(settled)
	}()
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-settled:
	case <-timer.C:
		log.Printf("[session] flush chat=%s: still busy after %v", chatID, wait)
	}

	var unsent []msgcache.Entry
	for _, e := range c.Messages(chatID) {
		if e.Provisional() {
			unsent = append(unsent, e)
		}
	}
	return unsent
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// OpenChat makes chatID the open chat. Cached history opens immediately;
// otherwise the controller enters LoadingHistory and fetches in the
// background. Calling it again after LoadFailed retries the load.
func (c *Controller) OpenChat(chatID string) error {
	var err error
	c.call(func() { err = c.openChat(chatID) })
	return err
}

// CloseChat returns to NoChatOpen. Cached logs are kept.
func (c *Controller) CloseChat() {
	c.call(func() {
		c.composer.Reset()
		c.setStatus(Status{Phase: NoChatOpen})
	})
}

// SendMessage appends an optimistic entry to the open chat and sends it. It
// returns the provisional id, or "" when content is blank.
func (c *Controller) SendMessage(content string) (string, error) {
	var (
		id  string
		err error
	)
	c.call(func() { id, err = c.sendMessage(content) })
	return id, err
}

// RetrySend resends a failed message.
func (c *Controller) RetrySend(chatID, provisionalID string) error {
	var err error
	c.call(func() {
		var d msgcache.Draft
		d, err = c.cache.Retry(chatID, provisionalID)
		if err == nil {
			c.dispatchSend(chatID, provisionalID, d.Content)
		}
	})
	return err
}

// DiscardFailed drops a failed message the user gave up on.
func (c *Controller) DiscardFailed(chatID, provisionalID string) error {
	var err error
	c.call(func() { err = c.cache.Discard(chatID, provisionalID) })
	return err
}

// MarkRead clears the local user's unread flag on chatID and confirms it
// with the server, reverting on failure.
func (c *Controller) MarkRead(chatID string) {
	c.call(func() { c.markRead(chatID) })
}

// Input reports the compose box contents for the open chat.
func (c *Controller) Input(text string) {
	c.call(func() {
		if c.status.Phase != ChatOpen {
			return
		}
		if ch, ok := c.roster.Get(c.status.ChatID); ok {
			c.composer.Input(ch, text)
		}
	})
}

// RemoveFromGroup asks the server to remove memberID from groupID and applies
// the returned snapshot. Only the group admin may do this.
func (c *Controller) RemoveFromGroup(ctx context.Context, groupID, memberID string) error {
	var err error
	c.call(func() {
		g, ok := c.roster.Get(groupID)
		switch {
		case !ok:
			err = apperr.E(apperr.KindNotFound, "session: remove from group", "chat not found")
		case !g.GroupChat:
			err = apperr.E(apperr.KindValidation, "session: remove from group", "not a group chat")
		case !g.IsAdmin(c.self.ID):
			err = apperr.E(apperr.KindValidation, "session: remove from group", "only the admin can remove members")
		case !g.HasMember(memberID):
			err = apperr.E(apperr.KindValidation, "session: remove from group", "user is not a member")
		}
	})
	if err != nil {
		return err
	}

	updated, err := c.api.RemoveFromGroup(ctx, groupID, memberID)
	if err != nil {
		return err
	}
	c.call(func() { c.applyChatUpdate(updated) })
	return nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Status returns the open-chat state.
func (c *Controller) Status() Status {
	var s Status
	c.call(func() { s = c.status })
	return s
}

// Messages returns chatID's log with per-entry delivery status.
func (c *Controller) Messages(chatID string) []msgcache.Entry {
	var out []msgcache.Entry
	c.call(func() { out = c.cache.Entries(chatID) })
	return out
}

// Chats returns the roster.
func (c *Controller) Chats() []chat.Chat {
	var out []chat.Chat
	c.call(func() { out = c.roster.All() })
	return out
}

// Chat returns one chat from the roster.
func (c *Controller) Chat(chatID string) (chat.Chat, bool) {
	var (
		out chat.Chat
		ok  bool
	)
	c.call(func() { out, ok = c.roster.Get(chatID) })
	return out, ok
}

// Search filters the roster by member or group name.
func (c *Controller) Search(query string) []chat.Chat {
	var out []chat.Chat
	c.call(func() { out = c.roster.Filter(roster.MemberNameContains(query)) })
	return out
}

// TypingIn returns the peers currently typing in chatID.
func (c *Controller) TypingIn(chatID string) []typing.Entry {
	var out []typing.Entry
	c.call(func() { out = c.typing.Typing(chatID) })
	return out
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// OnStatus registers fn for open-chat state changes.
func (c *Controller) OnStatus(fn func(Status)) func() {
	var id int
	c.call(func() {
		id = c.nextSub
		c.nextSub++
		c.statusSubs[id] = fn
	})
	return func() { c.loop.Post(func() { delete(c.statusSubs, id) }) }
}

// OnError registers fn for background failures.
func (c *Controller) OnError(fn func(ErrorEvent)) func() {
	var id int
	c.call(func() {
		id = c.nextSub
		c.nextSub++
		c.errSubs[id] = fn
	})
	return func() { c.loop.Post(func() { delete(c.errSubs, id) }) }
}

// OnMessages registers fn for changes to chatID's log.
func (c *Controller) OnMessages(chatID string, fn func(chatID string)) func() {
	var unsub func()
	c.call(func() { unsub = c.cache.Subscribe(chatID, fn) })
	return func() { c.loop.Post(unsub) }
}

// OnRoster registers fn for roster changes.
func (c *Controller) OnRoster(fn func()) func() {
	var unsub func()
	c.call(func() { unsub = c.roster.Subscribe(fn) })
	return func() { c.loop.Post(unsub) }
}

// OnTyping registers fn for typing transitions.
func (c *Controller) OnTyping(fn func(typing.Change)) func() {
	var unsub func()
	c.call(func() { unsub = c.typing.Subscribe(fn) })
	return func() { c.loop.Post(unsub) }
}

// ---------------------------------------------------------------------------
// Loop-side implementation
// ---------------------------------------------------------------------------

func (c *Controller) call(fn func()) {
	if !c.loop.Call(fn) {
		log.Printf("[session] call after stop ignored")
	}
}

func (c *Controller) openChat(chatID string) error {
	if _, ok := c.roster.Get(chatID); !ok {
		return apperr.E(apperr.KindNotFound, "session: open chat", "chat not found")
	}
	if c.status.ChatID != chatID {
		c.composer.Reset()
	}

	if c.cache.Loaded(chatID) {
		c.setStatus(Status{Phase: ChatOpen, ChatID: chatID})
		c.markRead(chatID)
		return nil
	}

	c.setStatus(Status{Phase: LoadingHistory, ChatID: chatID})
	c.startLoad(chatID)
	return nil
}

// startLoad fetches chatID's history unless a fetch is already in flight.
// The completion is applied to chatID whatever chat is open by then.
func (c *Controller) startLoad(chatID string) {
	if c.loading[chatID] {
		return
	}
	c.loading[chatID] = true

	ctx := c.ctx
	c.loop.Go(func() {
		msgs, err := c.cache.FetchHistory(ctx, chatID)
		c.loop.Post(func() { c.finishLoad(chatID, msgs, err) })
	})
}

func (c *Controller) finishLoad(chatID string, msgs []chat.Message, err error) {
	delete(c.loading, chatID)
	waiting := c.status.ChatID == chatID && c.status.Phase == LoadingHistory

	if err != nil {
		log.Printf("[session] load history chat=%s: %v", chatID, err)
		if waiting {
			c.setStatus(Status{Phase: LoadFailed, ChatID: chatID, Err: err})
		}
		// Nobody is looking at a chat that was left while it loaded.
		c.reportError(ErrorEvent{Op: "load_history", ChatID: chatID, Err: err, Silent: !waiting})
		return
	}

	c.cache.MergeHistory(chatID, msgs)
	if waiting {
		c.setStatus(Status{Phase: ChatOpen, ChatID: chatID})
		c.markRead(chatID)
	}
}

func (c *Controller) sendMessage(content string) (string, error) {
	if c.status.Phase != ChatOpen {
		return "", apperr.E(apperr.KindValidation, "session: send", "no chat is open")
	}
	text := chat.NormalizeContent(content)
	if text == "" {
		return "", nil
	}
	if err := chat.ValidateMessage(text); err != nil {
		return "", apperr.Wrap(apperr.KindValidation, "session: send", err)
	}

	chatID := c.status.ChatID
	id := c.cache.AppendOptimistic(chatID, msgcache.Draft{Sender: c.self, Content: text})
	c.composer.Sent(chatID)
	c.dispatchSend(chatID, id, text)
	return id, nil
}

func (c *Controller) dispatchSend(chatID, provisionalID, content string) {
	ctx := c.ctx
	c.loop.Go(func() {
		m, err := c.api.SendMessage(ctx, chatID, content)
		c.loop.Post(func() {
			if err != nil {
				log.Printf("[session] send chat=%s id=%s: %v", chatID, provisionalID, err)
				if ferr := c.cache.MarkFailed(chatID, provisionalID, err); ferr != nil {
					log.Printf("[session] mark failed chat=%s id=%s: %v", chatID, provisionalID, ferr)
				}
				c.reportError(ErrorEvent{Op: "send", ChatID: chatID, Err: err})
				return
			}
			c.cache.Reconcile(chatID, provisionalID, m)
			c.roster.NoteMessage(chatID, m.Sender.ID, m.CreatedAt.UnixMilli())
		})
	})
}

func (c *Controller) markRead(chatID string) {
	if !c.roster.MarkRead(chatID, c.self.ID) {
		return
	}
	ctx := c.ctx
	c.loop.Go(func() {
		err := c.api.MarkAsRead(ctx, chatID)
		if err == nil {
			return
		}
		c.loop.Post(func() {
			log.Printf("[session] mark read chat=%s: %v (reverting)", chatID, err)
			c.roster.RevertRead(chatID, c.self.ID)
			c.reportError(ErrorEvent{Op: "mark_read", ChatID: chatID, Err: err, Silent: apperr.Retryable(err)})
		})
	})
}

func (c *Controller) applyChatUpdate(updated chat.Chat) {
	if err := updated.Validate(); err != nil {
		log.Printf("[session] dropping invalid chat snapshot: %v", err)
		return
	}
	change := c.roster.ApplyMembershipChange(updated)
	if change != roster.Removed {
		return
	}
	for _, e := range c.typing.Typing(updated.ID) {
		c.typing.Stop(updated.ID, e.PeerID)
	}
	if c.status.ChatID == updated.ID {
		c.composer.Reset()
		c.setStatus(Status{Phase: NoChatOpen})
	}
}

func (c *Controller) setStatus(s Status) {
	if s.Phase == c.status.Phase && s.ChatID == c.status.ChatID && s.Err == nil && c.status.Err == nil {
		return
	}
	c.status = s
	for _, id := range sortedKeys(c.statusSubs) {
		c.statusSubs[id](s)
	}
}

func (c *Controller) reportError(ev ErrorEvent) {
	for _, id := range sortedKeys(c.errSubs) {
		c.errSubs[id](ev)
	}
}

func sortedKeys[V any](m map[int]V) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// ---------------------------------------------------------------------------
// Socket events
// ---------------------------------------------------------------------------

func (c *Controller) subscribe() {
	on := func(event string, fn func(raw json.RawMessage)) {
		c.socketSubs = append(c.socketSubs, c.tr.On(event, func(raw json.RawMessage) {
			c.loop.Post(func() { fn(raw) })
		}))
	}

	on(protocol.TypeShowTyping, c.handleShowTyping)
	on(protocol.TypeStopShowingTyping, c.handleStopShowingTyping)
	on(protocol.TypeMessageReceived, c.handleMessageReceived)
	on(protocol.TypeChatUpdated, c.handleChatUpdated)
	on(protocol.TypeError, c.handleServerError)
	on(protocol.EventConnect, func(json.RawMessage) { c.handleConnect() })
	on(protocol.EventDisconnect, func(json.RawMessage) { c.handleDisconnect() })
}

func (c *Controller) handleShowTyping(raw json.RawMessage) {
	var m protocol.ShowTypingMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		log.Printf("[session] bad showTyping: %v", err)
		return
	}
	if m.Sender == c.self.ID {
		return
	}
	ch, ok := c.roster.Get(m.ChatID)
	if !ok || !ch.HasMember(c.self.ID) {
		return
	}
	c.typing.Start(m.ChatID, m.Sender, m.Name)
}

func (c *Controller) handleStopShowingTyping(raw json.RawMessage) {
	var m protocol.StopShowingTypingMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		log.Printf("[session] bad stopShowingTyping: %v", err)
		return
	}
	c.typing.Stop(m.ChatID, m.Sender)
}

func (c *Controller) handleMessageReceived(raw json.RawMessage) {
	var m protocol.MessageReceivedMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		log.Printf("[session] bad messageReceived: %v", err)
		return
	}
	msg := m.Message
	if msg.ID == "" || msg.ChatID == "" {
		log.Printf("[session] messageReceived without id or chat")
		return
	}

	c.cache.Append(msg.ChatID, msg)
	c.typing.Stop(msg.ChatID, msg.Sender.ID)
	c.roster.NoteMessage(msg.ChatID, msg.Sender.ID, msg.CreatedAt.UnixMilli())

	if c.status.Phase == ChatOpen && c.status.ChatID == msg.ChatID {
		c.markRead(msg.ChatID)
	}
}

func (c *Controller) handleChatUpdated(raw json.RawMessage) {
	var m protocol.ChatUpdatedMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		log.Printf("[session] bad chatUpdated: %v", err)
		return
	}
	c.applyChatUpdate(m.Chat)
}

func (c *Controller) handleServerError(raw json.RawMessage) {
	var m protocol.ErrorMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	kind, _ := apperr.ParseKind(m.Code)
	err := apperr.E(kind, "relay", m.Message)
	log.Printf("[session] relay error code=%s: %s", m.Code, m.Message)
	c.reportError(ErrorEvent{Op: "relay", Err: err, Silent: true})
}

// handleConnect resyncs after a reconnect: events missed while offline are
// never replayed, so the roster and the open chat are fetched again.
func (c *Controller) handleConnect() {
	if !c.connected {
		c.connected = true
		return
	}
	log.Printf("[session] reconnected, resyncing")

	ctx := c.ctx
	c.loop.Go(func() {
		chats, err := c.api.FetchChats(ctx)
		c.loop.Post(func() {
			if err != nil {
				c.reportError(ErrorEvent{Op: "resync", Err: err, Silent: apperr.Retryable(err)})
				return
			}
			c.roster.Replace(chats)
			if id := c.status.ChatID; id != "" {
				if _, ok := c.roster.Get(id); !ok {
					c.composer.Reset()
					c.setStatus(Status{Phase: NoChatOpen})
				}
			}
		})
	})

	if id := c.status.ChatID; id != "" && c.status.Phase != LoadFailed {
		c.startLoad(id)
	}
}

// handleDisconnect drops typing state: stop events may be lost while offline.
func (c *Controller) handleDisconnect() {
	c.typing.Clear()
	c.composer.Reset()
}

func (c *Controller) sweep() {
	defer close(c.sweepDone)
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.loop.Post(func() { c.typing.Sweep() })
		}
	}
}
