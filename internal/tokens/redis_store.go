package tokens

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"
)

// RedisStore persists token entries in Redis so every portal instance sees the same pair.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore constructs a RedisStore. Entries expire after ttl; zero keeps them forever.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Get loads the entry for principalID.
func (s *RedisStore) Get(ctx context.Context, principalID string) (Entry, error) {
	payload, err := s.client.Get(ctx, redisKey(principalID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("tokens: redis get: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, fmt.Errorf("tokens: decode entry: %w", err)
	}
	return entry, nil
}

// Put stores the entry, replacing the previous pair.
func (s *RedisStore) Put(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("tokens: encode entry: %w", err)
	}
	if err := s.client.Set(ctx, redisKey(entry.Principal.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("tokens: redis set: %w", err)
	}
	return nil
}

// Delete removes the entry for principalID.
func (s *RedisStore) Delete(ctx context.Context, principalID string) error {
	if err := s.client.Del(ctx, redisKey(principalID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("tokens: redis del: %w", err)
	}
	return nil
}

// Lock takes the refresh lock for principalID across every instance sharing this Redis.
// ok is false while another holder has it; the lock lapses after ttl if never released.
func (s *RedisStore) Lock(ctx context.Context, principalID string, ttl time.Duration) (func(), bool, error) {
	key := lockKey(principalID)
	owner := uuid.NewString()
	ok, err := s.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("tokens: redis lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_ = unlockScript.Run(releaseCtx, s.client, []string{key}, owner).Err()
	}
	return release, true, nil
}

// unlockScript deletes the lock only while it is still held by the caller's owner token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func redisKey(principalID string) string {
	return "tokens:" + hashID(principalID)
}

func lockKey(principalID string) string {
	return "tokens:lock:" + hashID(principalID)
}

func hashID(principalID string) string {
	sum := blake2b.Sum256([]byte(principalID))
	return hex.EncodeToString(sum[:])
}

var (
	_ Store  = (*RedisStore)(nil)
	_ Locker = (*RedisStore)(nil)
)
