package ws

import (
	"context"
	"log"
	"time"

	"github.com/whisper/chatsync/internal/apperr"
	"github.com/whisper/chatsync/internal/metrics"
	"github.com/whisper/chatsync/internal/protocol"
	"github.com/whisper/chatsync/internal/ratelimit"
)

// MemberLookup resolves the members of a chat.
type MemberLookup interface {
	MemberIDs(ctx context.Context, chatID string) ([]string, error)
}

// Publisher sends an event to every socket of each user.
type Publisher interface {
	PublishEvent(userIDs []string, msgType string, payload interface{}) error
}

// Relay forwards typing signals from one member of a chat to the others.
// The sender is always the authenticated owner of the socket; whatever the
// client put in "sender" and "members" is ignored.
type Relay struct {
	members MemberLookup
	pub     Publisher
	limiter Limiter // optional
	timeout time.Duration
}

// NewRelay builds a Relay. limiter may be nil.
func NewRelay(members MemberLookup, pub Publisher, limiter Limiter) *Relay {
	return &Relay{members: members, pub: pub, limiter: limiter, timeout: 3 * time.Second}
}

// Register installs the typing handlers on d.
func (r *Relay) Register(d *MessageDispatcher) {
	d.Register(protocol.TypeStartTyping, r.handleStartTyping)
	d.Register(protocol.TypeStopTyping, r.handleStopTyping)
}

func (r *Relay) handleStartTyping(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.StartTypingMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	peers, ok := r.peers(ctx, conn, protocol.TypeStartTyping, m.ChatID)
	if !ok {
		return
	}
	if r.limiter != nil {
		if allowed, _ := r.limiter.Allow(ctx, conn.UserID, ratelimit.RuleTyping); !allowed {
			metrics.SocketEventsTotal.WithLabelValues(protocol.TypeStartTyping, "limited").Inc()
			return
		}
	}

	r.publish(protocol.TypeStartTyping, peers, protocol.TypeShowTyping, protocol.ShowTypingMsg{
		ChatID: m.ChatID,
		Sender: conn.UserID,
		Name:   m.Name,
	})
	conn.markTyping(m.ChatID, peers)
}

// handleStopTyping is never rate limited, so an indicator can always be
// retracted.
func (r *Relay) handleStopTyping(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.StopTypingMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	peers, ok := r.peers(ctx, conn, protocol.TypeStopTyping, m.ChatID)
	if !ok {
		return
	}
	conn.clearTyping(m.ChatID)
	r.publish(protocol.TypeStopTyping, peers, protocol.TypeStopShowingTyping, protocol.StopShowingTypingMsg{
		ChatID: m.ChatID,
		Sender: conn.UserID,
	})
}

// Disconnected retracts every typing burst the socket left open. Wire it to
// Server.SetOnDisconnect.
func (r *Relay) Disconnected(conn *Connection) {
	for chatID, peers := range conn.takeTyping() {
		r.publish("disconnect", peers, protocol.TypeStopShowingTyping, protocol.StopShowingTypingMsg{
			ChatID: chatID,
			Sender: conn.UserID,
		})
	}
}

// peers returns the members of chatID other than the sender, or replies with
// an error frame when the sender does not belong to the chat.
func (r *Relay) peers(ctx context.Context, conn *Connection, event, chatID string) ([]string, bool) {
	ids, err := r.members.MemberIDs(ctx, chatID)
	if err != nil && !apperr.Is(err, apperr.KindNotFound) {
		log.Printf("[ws] %s members chat=%s: %v", event, chatID, err)
		metrics.SocketEventsTotal.WithLabelValues(event, "error").Inc()
		return nil, false
	}

	member := false
	peers := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == conn.UserID {
			member = true
			continue
		}
		peers = append(peers, id)
	}
	if !member {
		metrics.SocketEventsTotal.WithLabelValues(event, "rejected").Inc()
		replyError(conn, apperr.KindNotFound.String(), "chat not found")
		return nil, false
	}
	return peers, true
}

func (r *Relay) publish(event string, peers []string, msgType string, payload interface{}) {
	if len(peers) == 0 {
		return
	}
	started := time.Now()
	if err := r.pub.PublishEvent(peers, msgType, payload); err != nil {
		log.Printf("[ws] publish %s: %v", msgType, err)
		metrics.SocketEventsTotal.WithLabelValues(event, "error").Inc()
		return
	}
	metrics.FanoutLatency.Observe(time.Since(started).Seconds())
	metrics.SocketEventsTotal.WithLabelValues(event, "delivered").Inc()
}
