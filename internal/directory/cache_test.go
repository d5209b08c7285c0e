package directory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingLister struct {
	calls  int
	groups []Group
	err    error
}

func (c *countingLister) ListGroups(ctx context.Context, accessToken string) ([]Group, error) {
	c.calls++
	return c.groups, c.err
}

func (c *countingLister) ListGroupsFor(ctx context.Context, accessToken, principalID string) ([]Group, error) {
	c.calls++
	return c.groups, c.err
}

func TestCachedListerDisabledReturnsNext(t *testing.T) {
	next := &countingLister{}
	assert.Same(t, next, NewCachedLister(next, 10, 0))
}

func TestCachedListerMemoisesSuccess(t *testing.T) {
	next := &countingLister{groups: []Group{{ID: "g1", DisplayName: "Finance"}}}
	lister := NewCachedLister(next, 10, time.Minute)

	for i := 0; i < 3; i++ {
		groups, err := lister.ListGroups(context.Background(), "token-a")
		require.NoError(t, err)
		assert.Len(t, groups, 1)
	}
	assert.Equal(t, 1, next.calls)

	_, err := lister.ListGroups(context.Background(), "token-b")
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls)

	_, err = lister.ListGroupsFor(context.Background(), "token-a", "bob")
	require.NoError(t, err)
	_, err = lister.ListGroupsFor(context.Background(), "token-b", "bob")
	require.NoError(t, err)
	assert.Equal(t, 3, next.calls)
}

func TestCachedListerDoesNotCacheFailures(t *testing.T) {
	next := &countingLister{err: ErrUnavailable}
	lister := NewCachedLister(next, 10, time.Minute)

	_, err := lister.ListGroups(context.Background(), "token")
	require.ErrorIs(t, err, ErrUnavailable)
	_, err = lister.ListGroups(context.Background(), "token")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 2, next.calls)
}

func TestCachedListerReturnsCopies(t *testing.T) {
	next := &countingLister{groups: []Group{{ID: "g1", DisplayName: "Finance"}}}
	lister := NewCachedLister(next, 10, time.Minute)

	first, err := lister.ListGroups(context.Background(), "token")
	require.NoError(t, err)
	first[0].DisplayName = "mutated"

	second, err := lister.ListGroups(context.Background(), "token")
	require.NoError(t, err)
	assert.Equal(t, "Finance", second[0].DisplayName)
}
