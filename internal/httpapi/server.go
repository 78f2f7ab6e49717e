// Package httpapi implements the REST collaborator: signup and login, the
// chat roster, message history and sends, read receipts and group
// membership. State changes that other members must see are published as
// socket events through a Publisher.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/whisper/chatsync/internal/auth"
	"github.com/whisper/chatsync/internal/chat"
	"github.com/whisper/chatsync/internal/metrics"
	"github.com/whisper/chatsync/internal/ratelimit"
)

// Store is the persistence the handlers need.
type Store interface {
	CreateUser(ctx context.Context, name, email, passwordHash string) (chat.User, error)
	UserByEmail(ctx context.Context, email string) (chat.User, string, error)
	UserByID(ctx context.Context, id string) (chat.User, error)
	ChatsForUser(ctx context.Context, userID string) ([]chat.Chat, error)
	ChatByID(ctx context.Context, id string) (chat.Chat, error)
	FindOrCreateDirect(ctx context.Context, a, b string) (chat.Chat, bool, error)
	CreateGroup(ctx context.Context, name, adminID string, memberIDs []string) (chat.Chat, error)
	RemoveMember(ctx context.Context, chatID, userID string) (chat.Chat, error)
	Messages(ctx context.Context, chatID string) ([]chat.Message, error)
	InsertMessage(ctx context.Context, chatID, senderID, content string) (chat.Message, error)
	MarkRead(ctx context.Context, chatID, userID string) error
}

// Publisher delivers a socket event to users, wherever they are connected.
type Publisher interface {
	PublishEvent(userIDs []string, msgType string, payload interface{}) error
}

// Limiter throttles per-user actions.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Server holds the handler dependencies. Publisher and Limiter are optional.
type Server struct {
	store   Store
	tokens  *auth.Tokens
	pub     Publisher
	limiter Limiter
	router  *mux.Router
}

// New builds the router.
func New(store Store, tokens *auth.Tokens, pub Publisher, limiter Limiter) *Server {
	s := &Server{store: store, tokens: tokens, pub: pub, limiter: limiter}

	r := mux.NewRouter()
	r.Use(instrument)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/signup", s.handleSignup).Methods(http.MethodPost)
	r.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)

	api := r.NewRoute().Subrouter()
	api.Use(s.requireAuth)
	api.HandleFunc("/user/me", s.handleMe).Methods(http.MethodGet)
	api.HandleFunc("/chat/fetch-chats", s.handleFetchChats).Methods(http.MethodGet)
	api.HandleFunc("/chat/create", s.handleCreateChat).Methods(http.MethodPost)
	api.HandleFunc("/chat/create-group", s.handleCreateGroup).Methods(http.MethodPost)
	api.HandleFunc("/chat/remove-from-group", s.handleRemoveFromGroup).Methods(http.MethodPost)
	api.HandleFunc("/message/get-messages/{chatId}", s.handleGetMessages).Methods(http.MethodGet)
	api.HandleFunc("/message/send-message/{chatId}", s.handleSendMessage).Methods(http.MethodPost)
	api.HandleFunc("/message/mark-as-read/{chatId}", s.handleMarkAsRead).Methods(http.MethodPut)

	s.router = r
	return s
}

// ServeHTTP lets the Server be used directly as a handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

type contextKey string

const claimsKey contextKey = "claims"

// requireAuth rejects requests without a valid bearer token with 401 and
// code "auth".
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.tokens.Verify(auth.BearerToken(r))
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// userID returns the authenticated caller. Only valid behind requireAuth.
func userID(r *http.Request) string {
	if c, ok := r.Context().Value(claimsKey).(*auth.Claims); ok {
		return c.UserID
	}
	return ""
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.ObserveHTTP(route, rec.status, started)
	})
}
