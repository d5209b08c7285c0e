package directory

import (
	"context"
	"encoding/hex"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/blake2b"
)

// GroupLister is the read surface the permission resolver needs from the directory.
type GroupLister interface {
	ListGroups(ctx context.Context, accessToken string) ([]Group, error)
	ListGroupsFor(ctx context.Context, accessToken, principalID string) ([]Group, error)
}

// CachedLister memoises successful group lookups for a short TTL. Failures are never cached.
type CachedLister struct {
	next  GroupLister
	cache *lru.LRU[string, []Group]
}

// NewCachedLister wraps next with a TTL cache. A non-positive ttl returns next unchanged.
func NewCachedLister(next GroupLister, size int, ttl time.Duration) GroupLister {
	if ttl <= 0 {
		return next
	}
	if size <= 0 {
		size = 1024
	}
	return &CachedLister{next: next, cache: lru.NewLRU[string, []Group](size, nil, ttl)}
}

// ListGroups returns cached groups for the token holder.
func (c *CachedLister) ListGroups(ctx context.Context, accessToken string) ([]Group, error) {
	// Keyed by a digest so raw bearer tokens never sit in the cache.
	key := "me:" + tokenDigest(accessToken)
	if groups, ok := c.cache.Get(key); ok {
		return cloneGroups(groups), nil
	}
	groups, err := c.next.ListGroups(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, cloneGroups(groups))
	return groups, nil
}

// ListGroupsFor returns cached groups for principalID.
func (c *CachedLister) ListGroupsFor(ctx context.Context, accessToken, principalID string) ([]Group, error) {
	key := "user:" + principalID
	if groups, ok := c.cache.Get(key); ok {
		return cloneGroups(groups), nil
	}
	groups, err := c.next.ListGroupsFor(ctx, accessToken, principalID)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, cloneGroups(groups))
	return groups, nil
}

func tokenDigest(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func cloneGroups(in []Group) []Group {
	out := make([]Group, len(in))
	copy(out, in)
	return out
}

var (
	_ GroupLister = (*Client)(nil)
	_ GroupLister = (*CachedLister)(nil)
)
