// Package store provides PostgreSQL-backed persistence for users, chats,
// chat membership (with per-member unread flags) and messages.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/whisper/chatsync/internal/apperr"
	"github.com/whisper/chatsync/internal/chat"
)

// Store runs queries against the chat schema.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a store backed by the given database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// CreateUser inserts a user. A taken email is KindConflict.
func (s *Store) CreateUser(ctx context.Context, name, email, passwordHash string) (chat.User, error) {
	u := chat.User{
		ID:    uuid.NewString(),
		Name:  strings.TrimSpace(name),
		Email: normalizeEmail(email),
	}
	const query = `INSERT INTO users (id, name, email, password_hash) VALUES ($1, $2, $3, $4)`
	if _, err := s.db.ExecContext(ctx, query, u.ID, u.Name, u.Email, passwordHash); err != nil {
		if isUniqueViolation(err) {
			return chat.User{}, apperr.E(apperr.KindConflict, "store: create user", "User Already Exists")
		}
		return chat.User{}, fmt.Errorf("store: create user: %w", err)
	}
	return u, nil
}

// UserByEmail returns the user and their password hash.
func (s *Store) UserByEmail(ctx context.Context, email string) (chat.User, string, error) {
	const query = `SELECT id, name, email, avatar, password_hash FROM users WHERE email = $1`
	var (
		u    chat.User
		hash string
	)
	err := s.db.QueryRowContext(ctx, query, normalizeEmail(email)).Scan(&u.ID, &u.Name, &u.Email, &u.Avatar, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.User{}, "", apperr.E(apperr.KindNotFound, "store: user by email", "No such User Found.")
	}
	if err != nil {
		return chat.User{}, "", fmt.Errorf("store: user by email: %w", err)
	}
	return u, hash, nil
}

// UserByID returns one user.
func (s *Store) UserByID(ctx context.Context, id string) (chat.User, error) {
	if !validID(id) {
		return chat.User{}, apperr.E(apperr.KindNotFound, "store: user by id", "user not found")
	}
	const query = `SELECT id, name, email, avatar FROM users WHERE id = $1`
	var u chat.User
	err := s.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.Name, &u.Email, &u.Avatar)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.User{}, apperr.E(apperr.KindNotFound, "store: user by id", "user not found")
	}
	if err != nil {
		return chat.User{}, fmt.Errorf("store: user by id: %w", err)
	}
	return u, nil
}

// ---------------------------------------------------------------------------
// Chats
// ---------------------------------------------------------------------------

// ChatsForUser returns every chat userID belongs to, most recently active
// first.
func (s *Store) ChatsForUser(ctx context.Context, userID string) ([]chat.Chat, error) {
	if !validID(userID) {
		return nil, nil
	}
	const query = `
		SELECT c.id
		FROM chats c
		JOIN chat_members m ON m.chat_id = c.id
		WHERE m.user_id = $1
		ORDER BY c.updated_at DESC, c.id`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: chats for user: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: chats for user: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: chats for user: %w", err)
	}
	return s.loadChats(ctx, s.db, ids)
}

// ChatByID returns one chat with its members.
func (s *Store) ChatByID(ctx context.Context, id string) (chat.Chat, error) {
	return s.chatByID(ctx, s.db, id)
}

// FindOrCreateDirect returns the 1:1 chat between a and b, creating it when
// it does not exist yet. created reports whether a new chat was made.
func (s *Store) FindOrCreateDirect(ctx context.Context, a, b string) (ch chat.Chat, created bool, err error) {
	if a == b {
		return chat.Chat{}, false, apperr.E(apperr.KindValidation, "store: create direct", "cannot start a chat with yourself")
	}
	if _, err := s.UserByID(ctx, b); err != nil {
		return chat.Chat{}, false, err
	}

	key := directKey(a, b)
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		id := uuid.NewString()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO chats (id, is_group, direct_key, updated_at) VALUES ($1, FALSE, $2, $3)
			 ON CONFLICT (direct_key) DO NOTHING`, id, key, s.now().UTC())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			created = true
			if err := insertMembers(ctx, tx, id, []string{a, b}); err != nil {
				return err
			}
		}

		if err := tx.QueryRowContext(ctx, `SELECT id FROM chats WHERE direct_key = $1`, key).Scan(&id); err != nil {
			return err
		}
		ch, err = s.chatByID(ctx, tx, id)
		return err
	})
	if err != nil {
		return chat.Chat{}, false, wrap("store: create direct", err)
	}
	return ch, created, nil
}

// CreateGroup creates a group chat administered by adminID. The admin is
// always the first member.
func (s *Store) CreateGroup(ctx context.Context, name, adminID string, memberIDs []string) (chat.Chat, error) {
	members := []string{adminID}
	seen := map[string]bool{adminID: true}
	for _, id := range memberIDs {
		if !seen[id] {
			seen[id] = true
			members = append(members, id)
		}
	}
	for _, id := range members {
		if !validID(id) {
			return chat.Chat{}, apperr.E(apperr.KindNotFound, "store: create group", "user not found")
		}
	}

	var ch chat.Chat
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM users WHERE id = ANY($1::uuid[])`, pq.Array(members)).Scan(&n); err != nil {
			return err
		}
		if n != len(members) {
			return apperr.E(apperr.KindNotFound, "store: create group", "user not found")
		}

		id := uuid.NewString()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chats (id, is_group, name, admin_id, updated_at) VALUES ($1, TRUE, $2, $3, $4)`,
			id, strings.TrimSpace(name), adminID, s.now().UTC()); err != nil {
			return err
		}
		if err := insertMembers(ctx, tx, id, members); err != nil {
			return err
		}
		var err error
		ch, err = s.chatByID(ctx, tx, id)
		return err
	})
	if err != nil {
		return chat.Chat{}, wrap("store: create group", err)
	}
	return ch, nil
}

// RemoveMember drops userID from chatID and returns the updated snapshot.
// Authorization is the caller's job.
func (s *Store) RemoveMember(ctx context.Context, chatID, userID string) (chat.Chat, error) {
	if !validID(chatID) || !validID(userID) {
		return chat.Chat{}, apperr.E(apperr.KindNotFound, "store: remove member", "user is not a member")
	}
	var ch chat.Chat
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM chat_members WHERE chat_id = $1 AND user_id = $2`, chatID, userID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.E(apperr.KindNotFound, "store: remove member", "user is not a member")
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE chats SET updated_at = $2 WHERE id = $1`, chatID, s.now().UTC()); err != nil {
			return err
		}
		ch, err = s.chatByID(ctx, tx, chatID)
		return err
	})
	if err != nil {
		return chat.Chat{}, wrap("store: remove member", err)
	}
	return ch, nil
}

// MemberIDs returns chatID's members in position order.
func (s *Store) MemberIDs(ctx context.Context, chatID string) ([]string, error) {
	if !validID(chatID) {
		return nil, apperr.E(apperr.KindNotFound, "store: member ids", "chat not found")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM chat_members WHERE chat_id = $1 ORDER BY position`, chatID)
	if err != nil {
		return nil, fmt.Errorf("store: member ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: member ids: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: member ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, apperr.E(apperr.KindNotFound, "store: member ids", "chat not found")
	}
	return ids, nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// Messages returns chatID's history ordered by (createdAt, id).
func (s *Store) Messages(ctx context.Context, chatID string) ([]chat.Message, error) {
	if !validID(chatID) {
		return nil, apperr.E(apperr.KindNotFound, "store: messages", "chat not found")
	}
	const query = `
		SELECT m.id, m.chat_id, m.content, m.created_at, u.id, u.name, u.email, u.avatar
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.chat_id = $1
		ORDER BY m.created_at, m.id`

	rows, err := s.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("store: messages: %w", err)
	}
	defer rows.Close()

	msgs := []chat.Message{}
	for rows.Next() {
		var m chat.Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Content, &m.CreatedAt,
			&m.Sender.ID, &m.Sender.Name, &m.Sender.Email, &m.Sender.Avatar); err != nil {
			return nil, fmt.Errorf("store: messages: %w", err)
		}
		m.CreatedAt = m.CreatedAt.UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: messages: %w", err)
	}
	return msgs, nil
}

// InsertMessage persists a message and marks the chat unread for every
// member except the sender.
func (s *Store) InsertMessage(ctx context.Context, chatID, senderID, content string) (chat.Message, error) {
	m := chat.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Content:   content,
		CreatedAt: s.now().UTC().Truncate(time.Microsecond),
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`SELECT id, name, email, avatar FROM users WHERE id = $1`, senderID).
			Scan(&m.Sender.ID, &m.Sender.Name, &m.Sender.Email, &m.Sender.Avatar); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, chat_id, sender_id, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
			m.ID, chatID, senderID, content, m.CreatedAt); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE chat_members SET unread = (user_id <> $2) WHERE chat_id = $1`, chatID, senderID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE chats SET updated_at = $2 WHERE id = $1`, chatID, m.CreatedAt)
		return err
	})
	if err != nil {
		return chat.Message{}, wrap("store: insert message", err)
	}
	return m, nil
}

// MarkRead clears userID's unread flag on chatID.
func (s *Store) MarkRead(ctx context.Context, chatID, userID string) error {
	if !validID(chatID) || !validID(userID) {
		return apperr.E(apperr.KindNotFound, "store: mark read", "chat not found")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_members SET unread = FALSE WHERE chat_id = $1 AND user_id = $2`, chatID, userID)
	if err != nil {
		return fmt.Errorf("store: mark read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.E(apperr.KindNotFound, "store: mark read", "chat not found")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (s *Store) chatByID(ctx context.Context, q querier, id string) (chat.Chat, error) {
	if !validID(id) {
		return chat.Chat{}, apperr.E(apperr.KindNotFound, "store: chat by id", "chat not found")
	}
	chats, err := s.loadChats(ctx, q, []string{id})
	if err != nil {
		return chat.Chat{}, err
	}
	if len(chats) == 0 {
		return chat.Chat{}, apperr.E(apperr.KindNotFound, "store: chat by id", "chat not found")
	}
	return chats[0], nil
}

// loadChats fetches the chats named by ids with their members, preserving
// the order of ids.
func (s *Store) loadChats(ctx context.Context, q querier, ids []string) ([]chat.Chat, error) {
	if len(ids) == 0 {
		return []chat.Chat{}, nil
	}

	const chatQuery = `
		SELECT c.id, c.is_group, c.name, c.updated_at, a.id, a.name, a.email, a.avatar
		FROM chats c
		LEFT JOIN users a ON a.id = c.admin_id
		WHERE c.id = ANY($1::uuid[])`

	rows, err := q.QueryContext(ctx, chatQuery, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("store: load chats: %w", err)
	}
	byID := make(map[string]*chat.Chat, len(ids))
	for rows.Next() {
		var (
			c       chat.Chat
			updated time.Time
		)
		var adminID, adminName, adminEmail, adminAv sql.NullString
		if err := rows.Scan(&c.ID, &c.GroupChat, &c.Name, &updated,
			&adminID, &adminName, &adminEmail, &adminAv); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: load chats: %w", err)
		}
		c.UpdatedAt = updated.UnixMilli()
		if adminID.Valid {
			c.Admin = &chat.User{ID: adminID.String, Name: adminName.String, Email: adminEmail.String, Avatar: adminAv.String}
		}
		c.UnreadBy = []string{}
		byID[c.ID] = &c
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: load chats: %w", err)
	}

	const memberQuery = `
		SELECT m.chat_id, u.id, u.name, u.email, u.avatar, m.unread
		FROM chat_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.chat_id = ANY($1::uuid[])
		ORDER BY m.chat_id, m.position`

	rows, err = q.QueryContext(ctx, memberQuery, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("store: load members: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			chatID string
			u      chat.User
			unread bool
		)
		if err := rows.Scan(&chatID, &u.ID, &u.Name, &u.Email, &u.Avatar, &unread); err != nil {
			return nil, fmt.Errorf("store: load members: %w", err)
		}
		c, ok := byID[chatID]
		if !ok {
			continue
		}
		c.Members = append(c.Members, u)
		if unread {
			c.UnreadBy = append(c.UnreadBy, u.ID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: load members: %w", err)
	}

	out := make([]chat.Chat, 0, len(byID))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, *c)
		}
	}
	return out, nil
}

func insertMembers(ctx context.Context, tx *sql.Tx, chatID string, userIDs []string) error {
	for i, uid := range userIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_members (chat_id, user_id, position) VALUES ($1, $2, $3)`,
			chatID, uid, i); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// wrap keeps classified errors as they are and adds op to the rest.
func wrap(op string, err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// directKey is the same for (a, b) and (b, a).
func directKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + ":" + pair[1]
}
