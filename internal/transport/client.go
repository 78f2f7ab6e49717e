// Package transport is the client side of the socket relay: a named-event
// channel over a gobwas WebSocket with optional automatic reconnect.
//
// Events are dispatched on the read goroutine in registration order.
// Handlers must not block; the session controller's handlers only post into
// its event loop. Besides server events the client raises two local
// pseudo-events, "connect" and "disconnect", through the same registry so
// consumers can resync after a gap. Missed events are never replayed.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/chatsync/internal/apperr"
	"github.com/whisper/chatsync/internal/protocol"
)

// ErrNotConnected is returned by Emit while no socket is attached.
var ErrNotConnected = apperr.E(apperr.KindTransient, "transport: emit", "not connected")

// State is the connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Handler receives the raw JSON of one event. Pseudo-events carry nil.
type Handler func(payload json.RawMessage)

// Subscription identifies one registered handler for Off.
type Subscription struct {
	event string
	id    uint64
}

// Config holds the client settings.
type Config struct {
	// URL of the relay's socket endpoint. http(s) schemes are rewritten to
	// ws(s).
	URL   string
	Token string

	DialTimeout       time.Duration
	WriteTimeout      time.Duration // bounds every frame write
	HeartbeatInterval time.Duration // 0 disables application pings

	AutoReconnect        bool
	MaxReconnectAttempts int // 0 means unlimited
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
}

// DefaultConfig returns sensible defaults for url and token.
func DefaultConfig(url, token string) Config {
	return Config{
		URL:                url,
		Token:              token,
		DialTimeout:        10 * time.Second,
		WriteTimeout:       2 * time.Second,
		HeartbeatInterval:  25 * time.Second,
		AutoReconnect:      true,
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  30 * time.Second,
	}
}

func (c *Config) defaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
}

type registered struct {
	id uint64
	fn Handler
}

// Client is safe for concurrent use.
type Client struct {
	cfg Config

	mu       sync.Mutex
	state    State
	conn     net.Conn
	stop     chan struct{} // closed by Disconnect
	done     chan struct{} // closed when the current read loop exits
	recon    *backoff
	handlers map[string][]registered
	nextID   uint64

	writeMu sync.Mutex
}

// New creates a disconnected client.
func New(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		cfg:      cfg,
		state:    StateDisconnected,
		recon:    newBackoff(cfg),
		handlers: make(map[string][]registered),
	}
}

// SetToken replaces the bearer token used by subsequent dials.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.cfg.Token = token
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// On registers fn for event. Several handlers per event are allowed and run
// in registration order.
func (c *Client) On(event string, fn Handler) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.handlers[event] = append(c.handlers[event], registered{id: c.nextID, fn: fn})
	return Subscription{event: event, id: c.nextID}
}

// Off removes the handler registered under sub. Unknown subscriptions are
// ignored.
func (c *Client) Off(sub Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hs := c.handlers[sub.event]
	for i, h := range hs {
		if h.id == sub.id {
			c.handlers[sub.event] = append(hs[:i:i], hs[i+1:]...)
			break
		}
	}
	if len(c.handlers[sub.event]) == 0 {
		delete(c.handlers, sub.event)
	}
}

// Connect dials the relay. Calling it while connected, connecting or
// reconnecting is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	stop := make(chan struct{})
	c.stop = stop
	c.recon.reset()
	c.mu.Unlock()

	conn, r, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		if c.stop == stop {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		return err
	}
	if !c.attach(conn, r, stop) {
		conn.Close()
		return apperr.E(apperr.KindTransient, "transport: connect", "disconnected while dialing")
	}
	return nil
}

// Emit sends one event. Delivery is not acknowledged. A write that does not
// finish within WriteTimeout closes the socket, which hands recovery to the
// read loop's reconnect.
func (c *Client) Emit(event string, payload interface{}) error {
	data, err := protocol.NewClientMessage(event, payload)
	if err != nil {
		return fmt.Errorf("transport: emit %s: %w", event, err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	if err := c.write(conn, ws.OpText, data); err != nil {
		conn.Close()
		return apperr.Wrap(apperr.KindTransient, "transport: emit "+event, err)
	}
	return nil
}

// write sends one frame under the write lock and deadline.
func (c *Client) write(conn net.Conn, op ws.OpCode, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	defer conn.SetWriteDeadline(time.Time{})
	return wsutil.WriteClientMessage(conn, op, data)
}

// Disconnect closes the socket, stops any reconnect in progress and waits
// for the "disconnect" event to be dispatched. It must not be called from a
// handler.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.state == StateDisconnected && c.conn == nil {
		c.mu.Unlock()
		return nil
	}
	if c.stop != nil {
		select {
		case <-c.stop:
		default:
			close(c.stop)
		}
	}
	conn, done := c.conn, c.done
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	_ = c.write(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, "client disconnect"))

	err := conn.Close()
	if done != nil {
		<-done
	}
	return err
}

func (c *Client) dial(ctx context.Context) (net.Conn, io.Reader, error) {
	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	dialer := ws.Dialer{Header: ws.HandshakeHeaderHTTP(header)}

	conn, br, _, err := dialer.Dial(ctx, socketURL(cfg.URL))
	if err != nil {
		var status ws.StatusError
		if errors.As(err, &status) && (int(status) == http.StatusUnauthorized || int(status) == http.StatusForbidden) {
			return nil, nil, apperr.Wrap(apperr.KindAuth, "transport: dial", err)
		}
		return nil, nil, apperr.Wrap(apperr.KindTransient, "transport: dial", err)
	}

	var r io.Reader = conn
	if br != nil {
		// The server may have written frames right after the handshake.
		r = br
	}
	return conn, r, nil
}

// attach installs conn as the live socket unless Disconnect ran meanwhile.
func (c *Client) attach(conn net.Conn, r io.Reader, stop chan struct{}) bool {
	c.mu.Lock()
	if c.stop != stop || (c.state != StateConnecting && c.state != StateReconnecting) {
		c.mu.Unlock()
		return false
	}
	done := make(chan struct{})
	c.conn = conn
	c.done = done
	c.state = StateConnected
	c.recon.connected()
	c.mu.Unlock()

	log.Printf("[transport] connected to %s", c.cfg.URL)
	c.dispatch(protocol.EventConnect, nil)

	hbCtx, cancel := context.WithCancel(context.Background())
	if c.cfg.HeartbeatInterval > 0 {
		go c.heartbeat(hbCtx, conn)
	}
	go func() {
		c.readLoop(conn, r, stop, done)
		cancel()
	}()
	return true
}

func (c *Client) readLoop(conn net.Conn, r io.Reader, stop, done chan struct{}) {
	var msgs []wsutil.Message
	var err error
	for {
		msgs, err = wsutil.ReadServerMessage(r, msgs[:0])
		if err != nil {
			break
		}
		if closed := c.handleFrames(conn, msgs); closed {
			err = io.EOF
			break
		}
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	intentional := false
	select {
	case <-stop:
		intentional = true
	default:
	}
	reconnect := !intentional && c.cfg.AutoReconnect && c.recon.more()
	if !intentional {
		if reconnect {
			c.state = StateReconnecting
		} else {
			c.state = StateDisconnected
		}
	}
	c.mu.Unlock()

	conn.Close()
	if !intentional {
		log.Printf("[transport] connection lost: %v", err)
	}
	c.dispatch(protocol.EventDisconnect, nil)
	close(done)

	if reconnect {
		c.reconnect(stop)
	}
}

// handleFrames dispatches data frames and answers control frames. It
// reports whether the server closed the connection.
func (c *Client) handleFrames(conn net.Conn, msgs []wsutil.Message) bool {
	for _, m := range msgs {
		switch m.OpCode {
		case ws.OpPing:
			_ = c.write(conn, ws.OpPong, m.Payload)
		case ws.OpPong:
		case ws.OpClose:
			return true
		case ws.OpText, ws.OpBinary:
			var env protocol.Envelope
			if err := json.Unmarshal(m.Payload, &env); err != nil {
				log.Printf("[transport] dropping malformed frame: %v", err)
				continue
			}
			c.dispatch(env.Type, env.Raw)
		}
	}
	return false
}

func (c *Client) reconnect(stop chan struct{}) {
	for {
		c.mu.Lock()
		if !c.recon.more() {
			c.state = StateDisconnected
			c.mu.Unlock()
			log.Printf("[transport] giving up after %d reconnect attempts", c.recon.attempt)
			return
		}
		delay := c.recon.next()
		attempt := c.recon.attempt
		c.mu.Unlock()

		log.Printf("[transport] reconnecting in %v (attempt %d)", delay, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		conn, r, err := c.dial(context.Background())
		if err != nil {
			if apperr.Is(err, apperr.KindAuth) {
				c.mu.Lock()
				if c.stop == stop {
					c.state = StateDisconnected
				}
				c.mu.Unlock()
				log.Printf("[transport] reconnect rejected, credentials no longer valid: %v", err)
				return
			}
			log.Printf("[transport] reconnect failed: %v", err)
			continue
		}
		if !c.attach(conn, r, stop) {
			conn.Close()
		}
		return
	}
}

func (c *Client) heartbeat(ctx context.Context, conn net.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Emit(protocol.TypePing, nil); err != nil {
				// A failed write means the read loop is about to see the error.
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) dispatch(event string, payload json.RawMessage) {
	c.mu.Lock()
	hs := append([]registered(nil), c.handlers[event]...)
	c.mu.Unlock()
	for _, h := range hs {
		h.fn(payload)
	}
}

func socketURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	}
	return raw
}
