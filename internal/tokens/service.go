package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-access/internal/identity"
	"github.com/odyssey-erp/odyssey-access/internal/observability"
)

// PairRefresher performs the refresh decision and exchange for one pair.
type PairRefresher interface {
	Refresh(ctx context.Context, pair Pair) Pair
}

// Service owns the token lifecycle of signed-in principals.
type Service struct {
	store     Store
	refresher PairRefresher
	skew      time.Duration
	logger    *slog.Logger
	metrics   *observability.Metrics
	flights   singleflight.Group
	lockTTL   time.Duration
	lockPoll  time.Duration
	now       func() time.Time
}

const (
	defaultLockTTL  = 15 * time.Second
	defaultLockPoll = 100 * time.Millisecond
)

// NewService constructs a Service.
func NewService(store Store, refresher PairRefresher, skew time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		refresher: refresher,
		skew:      skew,
		logger:    logger,
		metrics:   metrics,
		lockTTL:   defaultLockTTL,
		lockPoll:  defaultLockPoll,
		now:       time.Now,
	}
}

// SignIn records the pair issued by a fresh sign-in, replacing any previous (including failed) pair.
func (s *Service) SignIn(ctx context.Context, principal identity.Principal, pair Pair) error {
	if principal.IsZero() {
		return fmt.Errorf("%w: principal id required", ErrInvalidPair)
	}
	if strings.TrimSpace(pair.AccessToken) == "" || pair.ExpiresAt.IsZero() || pair.Failed() {
		return ErrInvalidPair
	}
	if err := s.store.Put(ctx, Entry{Principal: principal, Pair: pair}); err != nil {
		return fmt.Errorf("tokens: sign in: %w", err)
	}
	return nil
}

// SignOut forgets the principal's pair.
func (s *Service) SignOut(ctx context.Context, principalID string) error {
	if err := s.store.Delete(ctx, principalID); err != nil {
		return fmt.Errorf("tokens: sign out: %w", err)
	}
	return nil
}

// ValidTokenFor returns the principal's entry with an access token that is valid now,
// refreshing it first when stale. Concurrent refreshes for one principal share one exchange:
// singleflight within the process, and the store's Locker across processes when it has one.
func (s *Service) ValidTokenFor(ctx context.Context, principalID string) (Entry, error) {
	if strings.TrimSpace(principalID) == "" {
		return Entry{}, ErrUnauthenticated
	}
	entry, err := s.load(ctx, principalID)
	if err != nil {
		return Entry{}, err
	}
	if entry.Pair.Fresh(s.now(), s.skew) {
		return entry, nil
	}

	result := s.flights.DoChan(principalID, func() (any, error) {
		// Detached so one caller giving up does not abort the exchange for the others.
		return s.refresh(context.WithoutCancel(ctx), principalID)
	})
	select {
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	case res := <-result:
		if res.Err != nil {
			return Entry{}, res.Err
		}
		return res.Val.(Entry), nil
	}
}

func (s *Service) load(ctx context.Context, principalID string) (Entry, error) {
	entry, err := s.store.Get(ctx, principalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Entry{}, ErrUnauthenticated
		}
		return Entry{}, fmt.Errorf("tokens: load entry: %w", err)
	}
	if entry.Pair.Failed() {
		return Entry{}, ErrRefreshFailed
	}
	return entry, nil
}

func (s *Service) refresh(ctx context.Context, principalID string) (Entry, error) {
	release, err := s.acquire(ctx, principalID)
	if err != nil {
		s.metrics.ObserveTokenRefresh("store_error")
		return Entry{}, err
	}
	defer release()

	// Another flight or instance may have refreshed between our read and this one.
	entry, err := s.load(ctx, principalID)
	if err != nil {
		return Entry{}, err
	}
	if entry.Pair.Fresh(s.now(), s.skew) {
		return entry, nil
	}

	entry.Pair = s.refresher.Refresh(ctx, entry.Pair)
	if err := s.store.Put(ctx, entry); err != nil {
		s.metrics.ObserveTokenRefresh("store_error")
		return Entry{}, fmt.Errorf("tokens: persist refreshed pair: %w", err)
	}
	if entry.Pair.Failed() {
		s.metrics.ObserveTokenRefresh("failed")
		s.logger.Warn("token refresh failed, sign-in required", slog.String("principal_id", principalID))
		return Entry{}, ErrRefreshFailed
	}
	s.metrics.ObserveTokenRefresh("refreshed")
	s.logger.Debug("token refreshed", slog.String("principal_id", principalID), slog.Time("expires_at", entry.Pair.ExpiresAt))
	return entry, nil
}

// acquire waits for the cross-process refresh lock. Stores without one need no lock.
func (s *Service) acquire(ctx context.Context, principalID string) (func(), error) {
	locker, ok := s.store.(Locker)
	if !ok {
		return func() {}, nil
	}
	deadline := time.NewTimer(s.lockTTL)
	defer deadline.Stop()
	poll := time.NewTicker(s.lockPoll)
	defer poll.Stop()
	for {
		release, acquired, err := locker.Lock(ctx, principalID, s.lockTTL)
		if err != nil {
			return nil, fmt.Errorf("tokens: refresh lock: %w", err)
		}
		if acquired {
			return release, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("tokens: refresh lock still held after %s", s.lockTTL)
		case <-poll.C:
		}
	}
}
