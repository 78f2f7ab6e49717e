package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/whisper/chatsync/internal/apperr"
	"github.com/whisper/chatsync/internal/chat"
	"github.com/whisper/chatsync/internal/msgcache"
	"github.com/whisper/chatsync/internal/protocol"
	"github.com/whisper/chatsync/internal/transport"
)

var (
	alice = chat.User{ID: "u-alice", Name: "Alice"}
	bob   = chat.User{ID: "u-bob", Name: "Bob"}
	carol = chat.User{ID: "u-carol", Name: "Carol"}
	mike  = chat.User{ID: "u-mike", Name: "Mike"}
	t0    = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
)

func fixtureChats() []chat.Chat {
	return []chat.Chat{
		{ID: "c1", Members: []chat.User{alice, bob}, UnreadBy: []string{alice.ID}},
		{ID: "c2", Members: []chat.User{alice, carol}},
		{ID: "g1", GroupChat: true, Name: "Ops", Members: []chat.User{alice, bob, mike}, Admin: &alice},
	}
}

func at(id, chatID string, sender chat.User, content string, offset time.Duration) chat.Message {
	return chat.Message{ID: id, ChatID: chatID, Sender: sender, Content: content, CreatedAt: t0.Add(offset)}
}

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeAPI struct {
	mu         sync.Mutex
	chats      []chat.Chat
	history    map[string][]chat.Message
	fetchErr   map[string]error
	fetchGate  map[string]chan struct{}
	fetchCalls map[string]int
	chatCalls  int

	sendGate  chan struct{}
	sendDelay time.Duration // simulated round trip; honours ctx
	sendErr   error
	sent      []string
	cancelled int
	nextMsg   int

	markGate  chan struct{}
	markErr   error
	markCalls int

	removed chat.Chat
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		chats: fixtureChats(),
		history: map[string][]chat.Message{
			"c1": {at("m1", "c1", bob, "hi", 0), at("m2", "c1", alice, "hey", time.Second)},
			"c2": {at("n1", "c2", carol, "yo", 0)},
		},
		fetchErr:   map[string]error{},
		fetchGate:  map[string]chan struct{}{},
		fetchCalls: map[string]int{},
	}
}

func (f *fakeAPI) FetchChats(context.Context) ([]chat.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatCalls++
	return append([]chat.Chat(nil), f.chats...), nil
}

func (f *fakeAPI) FetchMessages(_ context.Context, chatID string) ([]chat.Message, error) {
	f.mu.Lock()
	f.fetchCalls[chatID]++
	gate := f.fetchGate[chatID]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fetchErr[chatID]; err != nil {
		return nil, err
	}
	return append([]chat.Message(nil), f.history[chatID]...), nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, chatID, content string) (chat.Message, error) {
	f.mu.Lock()
	gate, delay := f.sendGate, f.sendDelay
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			f.mu.Lock()
			f.cancelled++
			f.mu.Unlock()
			return chat.Message{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, content)
	if f.sendErr != nil {
		return chat.Message{}, f.sendErr
	}
	f.nextMsg++
	id := fmt.Sprintf("m%d", f.nextMsg+2)
	return at(id, chatID, alice, content, time.Duration(10+f.nextMsg)*time.Second), nil
}

func (f *fakeAPI) MarkAsRead(context.Context, string) error {
	f.mu.Lock()
	gate := f.markGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markCalls++
	return f.markErr
}

func (f *fakeAPI) RemoveFromGroup(_ context.Context, groupID, memberID string) (chat.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removed, nil
}

func (f *fakeAPI) fetchCount(chatID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls[chatID]
}

type fakeTransport struct {
	mu        sync.Mutex
	handlers  map[string][]transport.Handler
	emitted   []string
	connected bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: map[string][]transport.Handler{}}
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	already := f.connected
	f.connected = true
	f.mu.Unlock()
	if !already {
		f.fire(protocol.EventConnect, nil)
	}
	return nil
}

func (f *fakeTransport) Emit(event string, _ interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	f.emitted = append(f.emitted, event)
	return nil
}

func (f *fakeTransport) On(event string, h transport.Handler) transport.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], h)
	return transport.Subscription{}
}

func (f *fakeTransport) Off(transport.Subscription) {}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

// drop simulates a network loss followed by a reconnect.
func (f *fakeTransport) drop() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.fire(protocol.EventDisconnect, nil)
}

func (f *fakeTransport) fire(event string, payload interface{}) {
	var raw []byte
	if payload != nil {
		var err error
		raw, err = protocol.NewServerMessage(event, payload)
		if err != nil {
			panic(err)
		}
	}
	f.mu.Lock()
	hs := append([]transport.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(raw)
	}
}

func (f *fakeTransport) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.emitted...)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	api   *fakeAPI
	tr    *fakeTransport
	clock *testClock
	c     *Controller
}

func newHarness(t *testing.T, api *fakeAPI) *harness {
	t.Helper()
	h := &harness{api: api, tr: newFakeTransport(), clock: &testClock{t: t0.Add(time.Hour)}}
	n := 0
	h.c = New(api, h.tr, Config{
		Self:          alice,
		TypingTimeout: 5 * time.Second,
		SweepInterval: 5 * time.Millisecond,
		Now:           h.clock.Now,
		NewID: func() string {
			n++
			return fmt.Sprintf("local-p%d", n)
		},
	})
	t.Cleanup(h.c.Stop)
	if err := h.c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.c.Settle()
	return h
}

func entryIDs(entries []msgcache.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func assertLog(t *testing.T, c *Controller, chatID string, want ...string) {
	t.Helper()
	got := entryIDs(c.Messages(chatID))
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("log %s = %v, want %v", chatID, got, want)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ---------------------------------------------------------------------------
// Opening chats
// ---------------------------------------------------------------------------

func TestOpenChatLoadsHistoryOnce(t *testing.T) {
	api := newFakeAPI()
	gate := make(chan struct{})
	api.fetchGate["c1"] = gate
	h := newHarness(t, api)

	if err := h.c.OpenChat("c1"); err != nil {
		t.Fatal(err)
	}
	if s := h.c.Status(); s.Phase != LoadingHistory || s.ChatID != "c1" {
		t.Fatalf("status = %+v, want loading c1", s)
	}
	h.c.OpenChat("c1")

	close(gate)
	h.c.Settle()

	if n := api.fetchCount("c1"); n != 1 {
		t.Fatalf("history fetched %d times, want 1", n)
	}
	if s := h.c.Status(); s.Phase != ChatOpen || s.ChatID != "c1" {
		t.Fatalf("status = %+v, want open c1", s)
	}
	assertLog(t, h.c, "c1", "m1", "m2")

	h.c.CloseChat()
	h.c.OpenChat("c1")
	h.c.Settle()
	if n := api.fetchCount("c1"); n != 1 {
		t.Fatalf("cached chat refetched: %d calls", n)
	}
	if h.c.Status().Phase != ChatOpen {
		t.Fatal("cached chat should open directly")
	}
}

func TestOpenUnknownChat(t *testing.T) {
	h := newHarness(t, newFakeAPI())
	if err := h.c.OpenChat("nope"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLoadFailureForLeftChatIsSilent(t *testing.T) {
	api := newFakeAPI()
	gate := make(chan struct{})
	api.fetchGate["c1"] = gate
	api.fetchErr["c1"] = apperr.Wrap(apperr.KindTransient, "apiclient: get messages", errors.New("connection reset"))
	h := newHarness(t, api)

	var errs []ErrorEvent
	h.c.OnError(func(ev ErrorEvent) { errs = append(errs, ev) })

	h.c.OpenChat("c1")
	h.c.OpenChat("c2")
	close(gate)
	h.c.Settle()

	if s := h.c.Status(); s.Phase != ChatOpen || s.ChatID != "c2" {
		t.Fatalf("status = %+v, want open c2", s)
	}
	if len(errs) != 1 || errs[0].ChatID != "c1" || !errs[0].Silent {
		t.Fatalf("errors = %+v, want one silent c1 load failure", errs)
	}
}

func TestStartTwiceSubscribesOnce(t *testing.T) {
	h := newHarness(t, newFakeAPI())
	if err := h.c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.c.Settle()

	h.tr.mu.Lock()
	for event, hs := range h.tr.handlers {
		if len(hs) != 1 {
			t.Errorf("%s has %d handlers, want 1", event, len(hs))
		}
	}
	h.tr.mu.Unlock()

	openLoaded(t, h, "c1")
	h.tr.fire(protocol.TypeMessageReceived, protocol.MessageReceivedMsg{Message: at("m9", "c1", bob, "once", time.Minute)})
	h.c.Settle()
	assertLog(t, h.c, "c1", "m1", "m2", "m9")
}

func TestSwitchChatWhileLoading(t *testing.T) {
	api := newFakeAPI()
	gate := make(chan struct{})
	api.fetchGate["c1"] = gate
	h := newHarness(t, api)

	h.c.OpenChat("c1")
	h.c.OpenChat("c2")
	eventually(t, "c2 open", func() bool { return h.c.Status().Phase == ChatOpen })

	close(gate)
	h.c.Settle()

	if s := h.c.Status(); s.Phase != ChatOpen || s.ChatID != "c2" {
		t.Fatalf("late c1 load changed the open chat: %+v", s)
	}
	assertLog(t, h.c, "c1", "m1", "m2")
	assertLog(t, h.c, "c2", "n1")

	h.c.OpenChat("c1")
	h.c.Settle()
	if api.fetchCount("c1") != 1 {
		t.Fatal("superseded load should still populate the cache")
	}
}

func TestLoadFailureIsRecoverable(t *testing.T) {
	api := newFakeAPI()
	api.fetchErr["c1"] = apperr.Wrap(apperr.KindTransient, "apiclient: get messages", errors.New("connection refused"))
	h := newHarness(t, api)

	var errs []ErrorEvent
	h.c.OnError(func(ev ErrorEvent) { errs = append(errs, ev) })

	h.c.OpenChat("c1")
	h.c.Settle()

	s := h.c.Status()
	if s.Phase != LoadFailed || s.ChatID != "c1" || !apperr.Retryable(s.Err) {
		t.Fatalf("status = %+v, want retryable load failure for c1", s)
	}
	if len(h.c.Messages("c1")) != 0 {
		t.Fatal("failed load must not populate the log")
	}

	api.mu.Lock()
	delete(api.fetchErr, "c1")
	api.mu.Unlock()

	h.c.OpenChat("c1")
	h.c.Settle()
	if h.c.Status().Phase != ChatOpen {
		t.Fatalf("retry did not open the chat: %+v", h.c.Status())
	}
	assertLog(t, h.c, "c1", "m1", "m2")

	h.c.Settle()
	if len(errs) != 1 || errs[0].Op != "load_history" || errs[0].Silent {
		t.Fatalf("errors = %+v", errs)
	}
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

func openLoaded(t *testing.T, h *harness, chatID string) {
	t.Helper()
	if err := h.c.OpenChat(chatID); err != nil {
		t.Fatal(err)
	}
	h.c.Settle()
	if h.c.Status().Phase != ChatOpen {
		t.Fatalf("chat %s not open: %+v", chatID, h.c.Status())
	}
}

func TestSendOptimisticThenConfirm(t *testing.T) {
	api := newFakeAPI()
	h := newHarness(t, api)
	openLoaded(t, h, "c1")

	gate := make(chan struct{})
	api.mu.Lock()
	api.sendGate = gate
	api.mu.Unlock()

	pid, err := h.c.SendMessage("  hello ")
	if err != nil {
		t.Fatal(err)
	}
	if pid != "local-p1" {
		t.Fatalf("provisional id = %q", pid)
	}
	entries := h.c.Messages("c1")
	last := entries[len(entries)-1]
	if last.ID != pid || last.Status != msgcache.Pending || last.Content != "hello" {
		t.Fatalf("optimistic entry = %+v", last)
	}

	close(gate)
	h.c.Settle()
	assertLog(t, h.c, "c1", "m1", "m2", "m3")

	// The relay echoes the message to the sender too.
	h.tr.fire(protocol.TypeMessageReceived, protocol.MessageReceivedMsg{Message: at("m3", "c1", alice, "hello", 11*time.Second)})
	h.c.Settle()
	assertLog(t, h.c, "c1", "m1", "m2", "m3")
}

func TestEchoBeforeSendResponse(t *testing.T) {
	api := newFakeAPI()
	h := newHarness(t, api)
	openLoaded(t, h, "c1")

	gate := make(chan struct{})
	api.mu.Lock()
	api.sendGate = gate
	api.mu.Unlock()

	h.c.SendMessage("hello")
	h.tr.fire(protocol.TypeMessageReceived, protocol.MessageReceivedMsg{Message: at("m3", "c1", alice, "hello", 11*time.Second)})
	close(gate)
	h.c.Settle()

	assertLog(t, h.c, "c1", "m1", "m2", "m3")
}

func TestSendBlankIsNoop(t *testing.T) {
	api := newFakeAPI()
	h := newHarness(t, api)
	openLoaded(t, h, "c1")

	pid, err := h.c.SendMessage("   \n\t")
	if err != nil || pid != "" {
		t.Fatalf("blank send = %q, %v", pid, err)
	}
	h.c.Settle()
	if len(api.sent) != 0 {
		t.Fatal("blank message reached the server")
	}
	assertLog(t, h.c, "c1", "m1", "m2")
}

func TestSendRequiresOpenChat(t *testing.T) {
	h := newHarness(t, newFakeAPI())
	if _, err := h.c.SendMessage("hi"); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSendResponseAfterSwitchLandsInOriginalChat(t *testing.T) {
	api := newFakeAPI()
	h := newHarness(t, api)
	openLoaded(t, h, "c1")

	gate := make(chan struct{})
	api.mu.Lock()
	api.sendGate = gate
	api.mu.Unlock()

	h.c.SendMessage("for bob")
	h.c.OpenChat("c2")
	eventually(t, "c2 open", func() bool {
		s := h.c.Status()
		return s.Phase == ChatOpen && s.ChatID == "c2"
	})
	close(gate)
	h.c.Settle()

	assertLog(t, h.c, "c1", "m1", "m2", "m3")
	assertLog(t, h.c, "c2", "n1")
}

func TestSendFailureAndRetry(t *testing.T) {
	api := newFakeAPI()
	api.sendErr = apperr.Wrap(apperr.KindTransient, "apiclient: send message", errors.New("timeout"))
	h := newHarness(t, api)
	openLoaded(t, h, "c1")

	var errs []ErrorEvent
	h.c.OnError(func(ev ErrorEvent) { errs = append(errs, ev) })

	pid, _ := h.c.SendMessage("hello")
	h.c.Settle()

	entries := h.c.Messages("c1")
	if e := entries[len(entries)-1]; e.ID != pid || e.Status != msgcache.Failed {
		t.Fatalf("entry = %+v, want failed %s", e, pid)
	}
	if len(errs) != 1 || errs[0].Op != "send" || errs[0].Silent {
		t.Fatalf("errors = %+v", errs)
	}

	api.mu.Lock()
	api.sendErr = nil
	api.mu.Unlock()

	if err := h.c.RetrySend("c1", pid); err != nil {
		t.Fatal(err)
	}
	h.c.Settle()
	assertLog(t, h.c, "c1", "m1", "m2", "m3")
}

func TestDiscardFailed(t *testing.T) {
	api := newFakeAPI()
	api.sendErr = errors.New("boom")
	h := newHarness(t, api)
	openLoaded(t, h, "c1")

	pid, _ := h.c.SendMessage("oops")
	h.c.Settle()
	if err := h.c.DiscardFailed("c1", pid); err != nil {
		t.Fatal(err)
	}
	assertLog(t, h.c, "c1", "m1", "m2")
}

func TestFlushBeforeStop(t *testing.T) {
	tests := []struct {
		name    string
		delay   time.Duration
		sendErr error
		wait    time.Duration
		reached bool // the request got to the server
		want    []msgcache.Status
	}{
		{"send completes within the wait", 50 * time.Millisecond, nil, 2 * time.Second, true, nil},
		{"send still in flight", time.Hour, nil, 20 * time.Millisecond, false, []msgcache.Status{msgcache.Pending}},
		{"send rejected", 0, apperr.E(apperr.KindValidation, "apiclient: send message", "too long"), 2 * time.Second, true, []msgcache.Status{msgcache.Failed}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAPI()
			api.sendDelay = tt.delay
			api.sendErr = tt.sendErr
			h := newHarness(t, api)
			openLoaded(t, h, "c1")

			if _, err := h.c.SendMessage("hello"); err != nil {
				t.Fatal(err)
			}
			unsent := h.c.Flush("c1", tt.wait)
			h.c.Stop()

			var got []msgcache.Status
			for _, e := range unsent {
				if e.Content != "hello" {
					t.Fatalf("unexpected unsent entry %+v", e)
				}
				got = append(got, e.Status)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Fatalf("unsent statuses = %v, want %v", got, tt.want)
			}

			api.mu.Lock()
			defer api.mu.Unlock()
			if reached := len(api.sent) == 1; reached != tt.reached {
				t.Fatalf("sent = %v, cancelled = %d", api.sent, api.cancelled)
			}
			if tt.reached && api.cancelled != 0 {
				t.Fatalf("Stop cancelled %d sends that Flush should have waited for", api.cancelled)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Read state
// ---------------------------------------------------------------------------

func isUnread(h *harness, chatID string) bool {
	ch, _ := h.c.Chat(chatID)
	return ch.IsUnreadBy(alice.ID)
}

func TestOpenChatMarksRead(t *testing.T) {
	api := newFakeAPI()
	h := newHarness(t, api)

	if !isUnread(h, "c1") {
		t.Fatal("fixture c1 should start unread")
	}
	openLoaded(t, h, "c1")
	if isUnread(h, "c1") {
		t.Fatal("opening the chat should mark it read")
	}
	if api.markCalls != 1 {
		t.Fatalf("mark-as-read calls = %d", api.markCalls)
	}
}

func TestMarkReadRevertsOnFailure(t *testing.T) {
	api := newFakeAPI()
	gate := make(chan struct{})
	api.markGate = gate
	api.markErr = apperr.Wrap(apperr.KindTransient, "apiclient: mark as read", errors.New("503"))
	h := newHarness(t, api)

	var errs []ErrorEvent
	h.c.OnError(func(ev ErrorEvent) { errs = append(errs, ev) })

	h.c.MarkRead("c1")
	if isUnread(h, "c1") {
		t.Fatal("MarkRead should clear the flag immediately")
	}

	close(gate)
	h.c.Settle()
	if !isUnread(h, "c1") {
		t.Fatal("failed confirmation must restore the unread flag")
	}
	if len(errs) != 1 || errs[0].Op != "mark_read" || !errs[0].Silent {
		t.Fatalf("errors = %+v", errs)
	}
}

func TestIncomingMessageInOpenChatMarksRead(t *testing.T) {
	api := newFakeAPI()
	h := newHarness(t, api)
	openLoaded(t, h, "c1")

	h.tr.fire(protocol.TypeMessageReceived, protocol.MessageReceivedMsg{Message: at("m9", "c1", bob, "ping", 20*time.Second)})
	h.c.Settle()

	if isUnread(h, "c1") {
		t.Fatal("message in the open chat should be marked read")
	}
	assertLog(t, h.c, "c1", "m1", "m2", "m9")
}

func TestIncomingMessageForOtherChat(t *testing.T) {
	api := newFakeAPI()
	h := newHarness(t, api)
	openLoaded(t, h, "c1")

	h.tr.fire(protocol.TypeMessageReceived, protocol.MessageReceivedMsg{Message: at("n2", "c2", carol, "later", 5*time.Second)})
	h.c.Settle()

	if !isUnread(h, "c2") {
		t.Fatal("c2 should be unread")
	}
	assertLog(t, h.c, "c2", "n2")

	openLoaded(t, h, "c2")
	if api.fetchCount("c2") != 1 {
		t.Fatal("a socket message must not count as loaded history")
	}
	assertLog(t, h.c, "c2", "n1", "n2")
}

// ---------------------------------------------------------------------------
// Typing
// ---------------------------------------------------------------------------

func TestPeerTypingExpires(t *testing.T) {
	h := newHarness(t, newFakeAPI())

	h.tr.fire(protocol.TypeShowTyping, protocol.ShowTypingMsg{ChatID: "c1", Sender: bob.ID, Name: "Bob"})
	h.c.Settle()

	typing := h.c.TypingIn("c1")
	if len(typing) != 1 || typing[0].PeerID != bob.ID || typing[0].Name != "Bob" {
		t.Fatalf("typing = %+v", typing)
	}

	h.clock.Advance(6 * time.Second)
	eventually(t, "typing expiry", func() bool { return len(h.c.TypingIn("c1")) == 0 })
}

func TestPeerTypingStop(t *testing.T) {
	h := newHarness(t, newFakeAPI())

	h.tr.fire(protocol.TypeShowTyping, protocol.ShowTypingMsg{ChatID: "c1", Sender: bob.ID, Name: "Bob"})
	h.tr.fire(protocol.TypeStopShowingTyping, protocol.StopShowingTypingMsg{ChatID: "c1", Sender: bob.ID})
	h.c.Settle()

	if len(h.c.TypingIn("c1")) != 0 {
		t.Fatal("stopShowingTyping should clear the entry")
	}
}

func TestTypingIgnoredForUnknownChatAndSelf(t *testing.T) {
	h := newHarness(t, newFakeAPI())

	h.tr.fire(protocol.TypeShowTyping, protocol.ShowTypingMsg{ChatID: "zzz", Sender: bob.ID, Name: "Bob"})
	h.tr.fire(protocol.TypeShowTyping, protocol.ShowTypingMsg{ChatID: "c1", Sender: alice.ID, Name: "Alice"})
	h.c.Settle()

	if len(h.c.TypingIn("zzz")) != 0 || len(h.c.TypingIn("c1")) != 0 {
		t.Fatal("typing from a non-member chat or from self must be ignored")
	}
}

func TestPeerMessageClearsTyping(t *testing.T) {
	h := newHarness(t, newFakeAPI())

	h.tr.fire(protocol.TypeShowTyping, protocol.ShowTypingMsg{ChatID: "c1", Sender: bob.ID, Name: "Bob"})
	h.tr.fire(protocol.TypeMessageReceived, protocol.MessageReceivedMsg{Message: at("m7", "c1", bob, "done", 3*time.Second)})
	h.c.Settle()

	if len(h.c.TypingIn("c1")) != 0 {
		t.Fatal("a message from the peer ends their typing burst")
	}
}

func TestLocalTypingBurst(t *testing.T) {
	h := newHarness(t, newFakeAPI())
	openLoaded(t, h, "c1")

	h.c.Input("h")
	h.c.Input("he")
	h.c.Input("hel")
	h.c.SendMessage("hel")
	h.c.Settle()

	got := h.tr.events()
	want := []string{protocol.TypeStartTyping, protocol.TypeStopTyping}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("emitted %v, want %v", got, want)
	}
}

func TestInputIgnoredWithoutOpenChat(t *testing.T) {
	h := newHarness(t, newFakeAPI())
	h.c.Input("hello")
	if len(h.tr.events()) != 0 {
		t.Fatal("typing emitted with no chat open")
	}
}

// ---------------------------------------------------------------------------
// Membership
// ---------------------------------------------------------------------------

func TestChatUpdatedRemovingSelf(t *testing.T) {
	h := newHarness(t, newFakeAPI())
	openLoaded(t, h, "g1")

	h.tr.fire(protocol.TypeChatUpdated, protocol.ChatUpdatedMsg{Chat: chat.Chat{
		ID: "g1", GroupChat: true, Name: "Ops", Members: []chat.User{bob, mike}, Admin: &bob,
	}})
	h.c.Settle()

	if _, ok := h.c.Chat("g1"); ok {
		t.Fatal("g1 should be gone from the roster")
	}
	if s := h.c.Status(); s.Phase != NoChatOpen {
		t.Fatalf("status = %+v, want no chat open", s)
	}
}

func TestChatUpdatedNewChat(t *testing.T) {
	h := newHarness(t, newFakeAPI())

	h.tr.fire(protocol.TypeChatUpdated, protocol.ChatUpdatedMsg{Chat: chat.Chat{
		ID: "c9", Members: []chat.User{carol, alice},
	}})
	h.c.Settle()

	if _, ok := h.c.Chat("c9"); !ok {
		t.Fatal("new chat should be inserted")
	}
	if got := h.c.Search("car"); len(got) != 2 {
		t.Fatalf("search = %d chats, want c2 and c9", len(got))
	}
}

func TestRemoveFromGroup(t *testing.T) {
	api := newFakeAPI()
	api.removed = chat.Chat{ID: "g1", GroupChat: true, Name: "Ops", Members: []chat.User{alice, bob}, Admin: &alice}
	h := newHarness(t, api)

	if err := h.c.RemoveFromGroup(context.Background(), "g1", mike.ID); err != nil {
		t.Fatal(err)
	}
	g, ok := h.c.Chat("g1")
	if !ok || g.HasMember(mike.ID) || !g.HasMember(bob.ID) {
		t.Fatalf("g1 = %+v", g)
	}

	if err := h.c.RemoveFromGroup(context.Background(), "c1", bob.ID); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("removing from a direct chat: %v", err)
	}
}

func TestRemoveFromGroupRequiresAdmin(t *testing.T) {
	api := newFakeAPI()
	api.chats[2].Admin = &bob
	h := newHarness(t, api)

	err := h.c.RemoveFromGroup(context.Background(), "g1", mike.ID)
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Connection gaps
// ---------------------------------------------------------------------------

func TestDisconnectClearsTypingAndReconnectResyncs(t *testing.T) {
	api := newFakeAPI()
	h := newHarness(t, api)
	openLoaded(t, h, "c1")

	h.tr.fire(protocol.TypeShowTyping, protocol.ShowTypingMsg{ChatID: "c1", Sender: bob.ID, Name: "Bob"})
	h.c.Settle()

	h.tr.drop()
	h.c.Settle()
	if len(h.c.TypingIn("c1")) != 0 {
		t.Fatal("disconnect should clear typing state")
	}

	api.mu.Lock()
	api.history["c1"] = append(api.history["c1"], at("m5", "c1", bob, "missed", 5*time.Second))
	api.mu.Unlock()

	h.tr.Connect(context.Background())
	h.c.Settle()

	if api.chatCalls != 2 {
		t.Fatalf("roster fetched %d times, want 2", api.chatCalls)
	}
	if api.fetchCount("c1") != 2 {
		t.Fatalf("open chat history fetched %d times, want 2", api.fetchCount("c1"))
	}
	assertLog(t, h.c, "c1", "m1", "m2", "m5")
}

func TestStatusSubscribers(t *testing.T) {
	h := newHarness(t, newFakeAPI())

	var phases []Phase
	h.c.OnStatus(func(s Status) { phases = append(phases, s.Phase) })

	openLoaded(t, h, "c1")
	h.c.CloseChat()
	h.c.Settle()

	want := []Phase{LoadingHistory, ChatOpen, NoChatOpen}
	if fmt.Sprint(phases) != fmt.Sprint(want) {
		t.Fatalf("phases = %v, want %v", phases, want)
	}
}
