package messaging

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/whisper/chatsync/internal/protocol"
)

// natsClient connects to a local NATS server or skips the test.
func natsClient(t *testing.T) *NATSClient {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.Name = "whisper-test"
	cfg.MaxReconnects = 0
	c, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("NATS not available: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestUserSubject(t *testing.T) {
	if got := UserSubject("u1"); got != "user.u1" {
		t.Fatalf("subject = %q", got)
	}
}

func TestPublishEventReachesEverySocket(t *testing.T) {
	c := natsClient(t)

	got := make(chan []byte, 4)
	for _, conn := range []string{"conn-a", "conn-b"} {
		if err := c.SubscribeUser(conn, "u-test", func(data []byte) { got <- data }); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Flush(); err != nil {
		t.Fatal(err)
	}

	err := c.PublishEvent([]string{"u-test"}, protocol.TypeShowTyping,
		protocol.ShowTypingMsg{ChatID: "c1", Sender: "u-bob", Name: "Bob"})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		select {
		case data := <-got:
			var m protocol.ShowTypingMsg
			if err := json.Unmarshal(data, &m); err != nil || m.Type != protocol.TypeShowTyping || m.ChatID != "c1" {
				t.Fatalf("frame %s (%v)", data, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("socket %d got nothing", i)
		}
	}

	if err := c.UnsubscribeUser("conn-a"); err != nil {
		t.Fatal(err)
	}
	if err := c.UnsubscribeUser("conn-a"); err == nil {
		t.Fatal("second unsubscribe should fail")
	}
}
