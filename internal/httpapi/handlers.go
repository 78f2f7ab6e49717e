package httpapi

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/whisper/chatsync/internal/apperr"
	"github.com/whisper/chatsync/internal/auth"
	"github.com/whisper/chatsync/internal/chat"
	"github.com/whisper/chatsync/internal/metrics"
	"github.com/whisper/chatsync/internal/protocol"
	"github.com/whisper/chatsync/internal/ratelimit"
)

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

type signupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleSignup answers with the bare user object on success.
func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, apperr.E(apperr.KindValidation, "httpapi: signup", "All fields (name, email, password) are required."))
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	u, err := s.store.CreateUser(r.Context(), req.Name, req.Email, hash)
	if err != nil {
		writeError(w, err)
		return
	}
	log.Printf("[api] signup user=%s", u.ID)
	writeJSON(w, http.StatusOK, u)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginData struct {
	User  chat.User `json:"user"`
	Token string    `json:"token"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, apperr.E(apperr.KindValidation, "httpapi: login", "All fields (email, password) are required."))
		return
	}

	u, hash, err := s.store.UserByEmail(r.Context(), req.Email)
	if apperr.Is(err, apperr.KindNotFound) {
		// Login failures are all 400s, an unknown user included.
		writeError(w, apperr.E(apperr.KindValidation, "httpapi: login", "No such User Found."))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if !auth.CheckPassword(hash, req.Password) {
		writeError(w, apperr.E(apperr.KindValidation, "httpapi: login", "Incorrect Password"))
		return
	}

	token, err := s.tokens.Issue(u.ID, u.Email)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, "Login successful", loginData{User: u, Token: token})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u, err := s.store.UserByID(r.Context(), userID(r))
	if apperr.Is(err, apperr.KindNotFound) {
		// The token outlived the account.
		writeError(w, apperr.E(apperr.KindAuth, "httpapi: me", "user no longer exists"))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, "User Details Fetched", u)
}

// ---------------------------------------------------------------------------
// Chats
// ---------------------------------------------------------------------------

func (s *Server) handleFetchChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.store.ChatsForUser(r.Context(), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if chats == nil {
		chats = []chat.Chat{}
	}
	writeOK(w, "Chats Fetched", chats)
}

type createChatRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.UserID == "" {
		writeError(w, apperr.E(apperr.KindValidation, "httpapi: create chat", "userId is required"))
		return
	}

	ch, created, err := s.store.FindOrCreateDirect(r.Context(), userID(r), req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	if created {
		s.publish(ch.MemberIDs(), protocol.TypeChatUpdated, protocol.ChatUpdatedMsg{Chat: ch})
	}
	writeOK(w, "Chat Ready", ch)
}

type createGroupRequest struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	self := userID(r)
	others := make([]string, 0, len(req.Members))
	seen := map[string]bool{self: true}
	for _, id := range req.Members {
		if !seen[id] {
			seen[id] = true
			others = append(others, id)
		}
	}
	name := strings.TrimSpace(req.Name)
	if err := chat.ValidateGroup(name, others); err != nil {
		writeError(w, apperr.E(apperr.KindValidation, "httpapi: create group", err.Error()))
		return
	}

	g, err := s.store.CreateGroup(r.Context(), name, self, others)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publish(g.MemberIDs(), protocol.TypeChatUpdated, protocol.ChatUpdatedMsg{Chat: g})
	writeOK(w, "Group Created", g)
}

type removeFromGroupRequest struct {
	Group  string `json:"group"`
	Member string `json:"member"`
}

// handleRemoveFromGroup lets the admin drop a member. The removed member
// gets the new snapshot too, which no longer lists them.
func (s *Server) handleRemoveFromGroup(w http.ResponseWriter, r *http.Request) {
	var req removeFromGroupRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Group == "" || req.Member == "" {
		writeError(w, apperr.E(apperr.KindValidation, "httpapi: remove from group", "group and member are required"))
		return
	}

	g, err := s.memberChat(r, req.Group)
	if err != nil {
		writeError(w, err)
		return
	}
	switch self := userID(r); {
	case !g.GroupChat:
		err = apperr.E(apperr.KindValidation, "httpapi: remove from group", "not a group chat")
	case !g.IsAdmin(self):
		err = apperr.E(apperr.KindValidation, "httpapi: remove from group", "only the admin can remove members")
	case req.Member == self:
		err = apperr.E(apperr.KindValidation, "httpapi: remove from group", "the admin cannot remove themselves")
	case !g.HasMember(req.Member):
		err = apperr.E(apperr.KindNotFound, "httpapi: remove from group", "user is not a member")
	}
	if err != nil {
		writeError(w, err)
		return
	}

	updated, err := s.store.RemoveMember(r.Context(), req.Group, req.Member)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publish(append(updated.MemberIDs(), req.Member), protocol.TypeChatUpdated, protocol.ChatUpdatedMsg{Chat: updated})
	writeOK(w, "Member Removed", updated)
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["chatId"]
	if _, err := s.memberChat(r, chatID); err != nil {
		writeError(w, err)
		return
	}
	msgs, err := s.store.Messages(r.Context(), chatID)
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	chat.SortMessages(msgs)
	writeOK(w, "Messages Fetched", msgs)
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["chatId"]
	self := userID(r)

	var req sendMessageRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	content := chat.NormalizeContent(req.Content)
	if err := chat.ValidateMessage(content); err != nil {
		writeError(w, apperr.E(apperr.KindValidation, "httpapi: send", err.Error()))
		return
	}

	ch, err := s.memberChat(r, chatID)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.limiter != nil {
		if ok, _ := s.limiter.Allow(r.Context(), self, ratelimit.RuleSend); !ok {
			writeError(w, errRateLimited)
			return
		}
	}

	m, err := s.store.InsertMessage(r.Context(), chatID, self, content)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.MessagesTotal.Inc()

	// Every member gets the event, the sender included, so other sockets of
	// the same user stay in sync.
	s.publish(ch.MemberIDs(), protocol.TypeMessageReceived, protocol.MessageReceivedMsg{Message: m})
	writeOK(w, "Message Sent", m)
}

func (s *Server) handleMarkAsRead(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["chatId"]
	if _, err := s.memberChat(r, chatID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.MarkRead(r.Context(), chatID, userID(r)); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, "Marked as read", nil)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// memberChat loads chatID and checks the caller belongs to it. Non-members
// get the same not-found as a missing chat.
func (s *Server) memberChat(r *http.Request, chatID string) (chat.Chat, error) {
	ch, err := s.store.ChatByID(r.Context(), chatID)
	if err != nil {
		return chat.Chat{}, err
	}
	if !ch.HasMember(userID(r)) {
		return chat.Chat{}, apperr.E(apperr.KindNotFound, "httpapi: chat", "chat not found")
	}
	return ch, nil
}

// publish is best-effort: the request already succeeded, and clients resync
// on reconnect anyway.
func (s *Server) publish(userIDs []string, msgType string, payload interface{}) {
	if s.pub == nil || len(userIDs) == 0 {
		return
	}
	started := time.Now()
	if err := s.pub.PublishEvent(userIDs, msgType, payload); err != nil {
		log.Printf("[api] publish %s: %v", msgType, err)
	}
	metrics.FanoutLatency.Observe(time.Since(started).Seconds())
}
