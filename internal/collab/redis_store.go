package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	presencePrefix = "presence:"
	editingPrefix  = "editing:"
)

// RedisStore persists presence entries and editing locks in Redis. Each plan
// gets one hash per concern (presence keyed by user, locks keyed by element);
// the whole hash carries a collection-level TTL that is reset on every write,
// so an idle plan's state vanishes as a unit.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, ttl: ttl}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func presenceKey(planID string) string {
	return presencePrefix + planID
}

func editingKey(planID string) string {
	return editingPrefix + planID
}

// SetPresence upserts the presence entry for (planID, userID) with the
// current timestamp and resets the plan's presence TTL. Safe to call
// repeatedly; every heartbeat lands here.
func (s *RedisStore) SetPresence(ctx context.Context, planID, userID, userName string) error {
	entry := PresenceEntry{
		PlanID:       planID,
		UserID:       userID,
		UserName:     userName,
		LastActiveAt: time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal presence entry: %w", err)
	}

	key := presenceKey(planID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, userID, data)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save presence: %w", err)
	}
	return nil
}

// RemovePresence drops a single user's presence entry. Used when a push
// connection closes; polling clients just age out via the TTL.
func (s *RedisStore) RemovePresence(ctx context.Context, planID, userID string) error {
	if err := s.client.HDel(ctx, presenceKey(planID), userID).Err(); err != nil {
		return fmt.Errorf("remove presence: %w", err)
	}
	return nil
}

// GetPresence returns all non-expired presence entries for a plan. The
// collection TTL is coarse (it only resets on writes), so entries whose own
// timestamp has aged past the TTL are filtered out here as well.
func (s *RedisStore) GetPresence(ctx context.Context, planID string) ([]PresenceEntry, error) {
	// HGetAll returns an empty map for a missing key, so an expired or
	// never-written plan is simply an empty roster, not an error.
	fields, err := s.client.HGetAll(ctx, presenceKey(planID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load presence: %w", err)
	}

	entries := make([]PresenceEntry, 0, len(fields))
	cutoff := time.Now().Add(-s.ttl)
	for _, raw := range fields {
		var entry PresenceEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		if entry.LastActiveAt.Before(cutoff) {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// SetEditingLock records userID as the editor of (planID, elementID),
// unconditionally replacing any existing lock for that element. Locks are
// advisory: there is no ownership check and the last claim wins.
func (s *RedisStore) SetEditingLock(ctx context.Context, planID, userID, elementID string, elementType ElementType) error {
	lock := EditingLock{
		PlanID:      planID,
		ElementID:   elementID,
		UserID:      userID,
		ElementType: elementType,
		Timestamp:   time.Now().UTC(),
	}
	data, err := json.Marshal(lock)
	if err != nil {
		return fmt.Errorf("marshal editing lock: %w", err)
	}

	key := editingKey(planID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, elementID, data)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save editing lock: %w", err)
	}
	return nil
}

// ClearEditingLock removes the lock for an element. Clearing an element
// nobody is editing is a no-op.
func (s *RedisStore) ClearEditingLock(ctx context.Context, planID, elementID string) error {
	if err := s.client.HDel(ctx, editingKey(planID), elementID).Err(); err != nil {
		return fmt.Errorf("clear editing lock: %w", err)
	}
	return nil
}

// ClearUserLocks removes every lock on a plan owned by one user. Called when
// that user's push connection goes away.
func (s *RedisStore) ClearUserLocks(ctx context.Context, planID, userID string) error {
	key := editingKey(planID)
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("load editing locks: %w", err)
	}

	var owned []string
	for elementID, raw := range fields {
		var lock EditingLock
		if err := json.Unmarshal([]byte(raw), &lock); err != nil {
			continue
		}
		if lock.UserID == userID {
			owned = append(owned, elementID)
		}
	}
	if len(owned) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, key, owned...).Err(); err != nil {
		return fmt.Errorf("clear user locks: %w", err)
	}
	return nil
}

// GetEditingLocks returns all current locks for a plan.
func (s *RedisStore) GetEditingLocks(ctx context.Context, planID string) ([]EditingLock, error) {
	fields, err := s.client.HGetAll(ctx, editingKey(planID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load editing locks: %w", err)
	}

	locks := make([]EditingLock, 0, len(fields))
	for _, raw := range fields {
		var lock EditingLock
		if err := json.Unmarshal([]byte(raw), &lock); err != nil {
			continue
		}
		locks = append(locks, lock)
	}
	return locks, nil
}

// Snapshot assembles the full collaboration view for a plan. Store failures
// degrade to empty state rather than errors: collaboration indicators are
// best-effort and must never take plan functionality down with them.
func (s *RedisStore) Snapshot(ctx context.Context, planID string) Snapshot {
	snapshot := EmptySnapshot()

	users, err := s.GetPresence(ctx, planID)
	if err != nil {
		log.Printf("collab: presence unavailable for plan %s: %v", planID, err)
	} else {
		snapshot.ActiveUsers = users
	}

	locks, err := s.GetEditingLocks(ctx, planID)
	if err != nil {
		log.Printf("collab: editing locks unavailable for plan %s: %v", planID, err)
	} else {
		snapshot.EditingStates = locks
	}

	return snapshot
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
