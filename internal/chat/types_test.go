package chat

import (
	"strings"
	"testing"
	"time"
)

var (
	alice = User{ID: "u-alice", Name: "Alice"}
	bob   = User{ID: "u-bob", Name: "Bob"}
	carol = User{ID: "u-carol", Name: "Carol"}
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		chat    Chat
		wantErr string
	}{
		{"direct ok", Chat{ID: "c1", Members: []User{alice, bob}}, ""},
		{"direct three members", Chat{ID: "c1", Members: []User{alice, bob, carol}}, "exactly 2"},
		{"direct with admin", Chat{ID: "c1", Members: []User{alice, bob}, Admin: &alice}, "cannot have an admin"},
		{"group ok", Chat{ID: "g1", GroupChat: true, Name: "team", Members: []User{alice, bob, carol}, Admin: &alice}, ""},
		{"group no name", Chat{ID: "g1", GroupChat: true, Members: []User{alice, bob}, Admin: &alice}, "requires a name"},
		{"group no admin", Chat{ID: "g1", GroupChat: true, Name: "team", Members: []User{alice, bob}}, "requires an admin"},
		{"group admin not member", Chat{ID: "g1", GroupChat: true, Name: "team", Members: []User{bob, carol}, Admin: &alice}, "not a member"},
		{"duplicate member", Chat{ID: "g1", GroupChat: true, Name: "team", Members: []User{alice, alice}, Admin: &alice}, "duplicate member"},
		{"missing id", Chat{Members: []User{alice, bob}}, "missing id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.chat.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestOtherMemberAndDisplayName(t *testing.T) {
	direct := Chat{ID: "c1", Members: []User{alice, bob}}

	other, ok := direct.OtherMember(alice.ID)
	if !ok || other.ID != bob.ID {
		t.Fatalf("OtherMember(alice) = %v, %v", other, ok)
	}
	other, _ = direct.OtherMember(bob.ID)
	if other.ID != alice.ID {
		t.Errorf("OtherMember(bob) = %v", other)
	}
	if got := direct.DisplayName(alice.ID); got != "Bob" {
		t.Errorf("DisplayName = %q, want Bob", got)
	}

	group := Chat{ID: "g1", GroupChat: true, Name: "team", Members: []User{alice, bob, carol}, Admin: &alice}
	if _, ok := group.OtherMember(alice.ID); ok {
		t.Error("group chats have no single other member")
	}
	if got := group.DisplayName(bob.ID); got != "team" {
		t.Errorf("DisplayName = %q, want team", got)
	}
	if !group.IsAdmin(alice.ID) || group.IsAdmin(bob.ID) {
		t.Error("IsAdmin mismatch")
	}
}

func TestClone_DoesNotAlias(t *testing.T) {
	orig := Chat{ID: "g1", GroupChat: true, Name: "team", Members: []User{alice, bob}, Admin: &alice, UnreadBy: []string{bob.ID}}
	cp := orig.Clone()

	cp.Members[0].Name = "changed"
	cp.UnreadBy[0] = "someone"
	cp.Admin.Name = "changed"

	if orig.Members[0].Name != "Alice" || orig.UnreadBy[0] != bob.ID || orig.Admin.Name != "Alice" {
		t.Fatalf("clone aliases original: %+v", orig)
	}
}

func TestSortMessages_TieBreakByID(t *testing.T) {
	ts := time.Unix(100, 0)
	msgs := []Message{
		{ID: "m3", CreatedAt: ts.Add(time.Second)},
		{ID: "m2", CreatedAt: ts},
		{ID: "m1", CreatedAt: ts},
	}
	SortMessages(msgs)

	want := []string{"m1", "m2", "m3"}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Fatalf("index %d: got %s, want %s", i, msgs[i].ID, id)
		}
	}
}

func TestValidateMessage(t *testing.T) {
	if err := ValidateMessage(""); err == nil {
		t.Error("empty message should fail")
	}
	if err := ValidateMessage(strings.Repeat("a", MaxMessageBytes+1)); err == nil {
		t.Error("oversized message should fail")
	}
	if err := ValidateMessage(string([]byte{0xff, 0xfe})); err == nil {
		t.Error("invalid utf-8 should fail")
	}
	if err := ValidateMessage("hello"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if got := NormalizeContent("  hi \n"); got != "hi" {
		t.Errorf("NormalizeContent = %q", got)
	}
}

func TestValidateGroup(t *testing.T) {
	if err := ValidateGroup(" ", []string{"a", "b"}); err == nil {
		t.Error("blank name should fail")
	}
	if err := ValidateGroup("team", []string{"a"}); err == nil {
		t.Error("single member should fail")
	}
	if err := ValidateGroup("team", []string{"a", "b"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
