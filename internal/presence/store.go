// Package presence records which socket connections each user currently holds.
// Entries live in Redis so every relay instance and the REST collaborator can
// see who is online.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ConnPrefix is the Redis key prefix for connection hashes.
	ConnPrefix = "conn:"

	// UserPrefix is the Redis key prefix for the per-user connection sets.
	UserPrefix = "presence:"

	// TTL bounds how long an entry survives without a Touch.
	TTL = 1 * time.Hour
)

// Conn is one live socket as stored in Redis.
type Conn struct {
	ID          string `redis:"id"`
	UserID      string `redis:"user_id"`
	Server      string `redis:"server"` // which relay instance holds the socket
	ConnectedAt int64  `redis:"connected_at"`
	LastActive  int64  `redis:"last_active"`
}

// Store manages presence entries in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore connects to Redis and verifies the connection.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// NewStoreWithClient wraps an existing client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Register records connID as a live socket of userID on this server.
func (s *Store) Register(ctx context.Context, connID, userID string) error {
	now := time.Now().Unix()
	key := ConnPrefix + connID
	userKey := UserPrefix + userID

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":           connID,
		"user_id":      userID,
		"server":       s.serverName,
		"connected_at": now,
		"last_active":  now,
	})
	pipe.Expire(ctx, key, TTL)
	pipe.SAdd(ctx, userKey, connID)
	pipe.Expire(ctx, userKey, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: register %s: %w", connID, err)
	}
	return nil
}

// Get returns the entry for connID, or nil if it does not exist.
func (s *Store) Get(ctx context.Context, connID string) (*Conn, error) {
	var c Conn
	if err := s.client.HGetAll(ctx, ConnPrefix+connID).Scan(&c); err != nil {
		return nil, fmt.Errorf("presence: get %s: %w", connID, err)
	}
	if c.ID == "" {
		return nil, nil
	}
	return &c, nil
}

// Touch marks connID active and extends both TTLs.
func (s *Store) Touch(ctx context.Context, connID, userID string) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, ConnPrefix+connID, "last_active", time.Now().Unix())
	pipe.Expire(ctx, ConnPrefix+connID, TTL)
	pipe.Expire(ctx, UserPrefix+userID, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Unregister removes connID. Unknown ids are ignored.
func (s *Store) Unregister(ctx context.Context, connID string) error {
	c, err := s.Get(ctx, connID)
	if err != nil {
		return err
	}
	if c == nil {
		return nil
	}
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, UserPrefix+c.UserID, connID)
	pipe.Del(ctx, ConnPrefix+connID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: unregister %s: %w", connID, err)
	}
	return nil
}

// Connections returns the live connection ids of userID.
func (s *Store) Connections(ctx context.Context, userID string) ([]string, error) {
	return s.client.SMembers(ctx, UserPrefix+userID).Result()
}

// Online reports whether userID holds at least one socket.
func (s *Store) Online(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.SCard(ctx, UserPrefix+userID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client so the rate limiter can share it.
func (s *Store) Client() *redis.Client {
	return s.client
}
