// Package cache keeps time-expiring snapshots of platform data in Redis so
// actions avoid redundant API calls. Profile snapshots expire after the
// configured TTL (60 days by default); a read past expiry is a miss.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/rueidis"
	"github.com/tendrilbot/tendril/internal/platform"
	"go.uber.org/zap"
)

const (
	// ProfileKeyPrefix namespaces profile snapshot keys as "profile:{userID}".
	ProfileKeyPrefix = "profile:"
	// SelfFollowersKey stores the cached follower-list view of the managed
	// account. The scheduler invalidates it with low probability each cycle.
	SelfFollowersKey = "followers:self"
)

// Profiles is the user-info cache. Entries carry their own fetch timestamp in
// addition to the Redis TTL so a snapshot's age is inspectable.
type Profiles struct {
	client rueidis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// entry is the serialized cache value.
type entry struct {
	Profile  *platform.Profile `json:"profile"`
	CachedAt time.Time         `json:"cachedAt"`
}

// NewProfiles creates the profile cache on the given Redis client.
func NewProfiles(client rueidis.Client, ttl time.Duration, logger *zap.Logger) *Profiles {
	return &Profiles{
		client: client,
		ttl:    ttl,
		logger: logger.Named("cache"),
	}
}

// Get returns the cached snapshot for a user, or (nil, false) on a miss.
// Expired entries are handled by Redis key expiry and read as misses.
func (p *Profiles) Get(ctx context.Context, userID string) (*platform.Profile, bool) {
	raw, err := p.client.Do(ctx,
		p.client.B().Get().Key(ProfileKeyPrefix+userID).Build(),
	).AsBytes()
	if err != nil {
		if !errors.Is(err, rueidis.Nil) {
			p.logger.Warn("Failed to read cached profile",
				zap.String("userID", userID),
				zap.Error(err))
		}

		return nil, false
	}

	var stored entry
	if err := sonic.Unmarshal(raw, &stored); err != nil {
		p.logger.Warn("Dropping undecodable cache entry",
			zap.String("userID", userID),
			zap.Error(err))

		return nil, false
	}

	return stored.Profile, true
}

// Set stores a snapshot with the cache TTL.
func (p *Profiles) Set(ctx context.Context, userID string, profile *platform.Profile) error {
	raw, err := sonic.Marshal(entry{Profile: profile, CachedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}

	err = p.client.Do(ctx,
		p.client.B().Set().Key(ProfileKeyPrefix+userID).Value(string(raw)).
			Ex(p.ttl).Build(),
	).Error()
	if err != nil {
		return fmt.Errorf("failed to store profile: %w", err)
	}

	return nil
}

// GetOrFetch returns the cached snapshot or fetches a fresh one on a miss.
// Fetch errors propagate uncached so the next call retries the platform.
func (p *Profiles) GetOrFetch(ctx context.Context, userID string, client platform.Client) (*platform.Profile, error) {
	if profile, ok := p.Get(ctx, userID); ok {
		return profile, nil
	}

	profile, err := client.UserInfo(ctx, userID)
	if err != nil {
		return nil, err
	}

	if err := p.Set(ctx, userID, profile); err != nil {
		p.logger.Warn("Failed to cache fetched profile",
			zap.String("userID", userID),
			zap.Error(err))
	}

	return profile, nil
}

// Followers returns the cached follower-list view of the managed account,
// or (nil, false) when the view was invalidated or never stored.
func (p *Profiles) Followers(ctx context.Context) ([]string, bool) {
	raw, err := p.client.Do(ctx,
		p.client.B().Get().Key(SelfFollowersKey).Build(),
	).AsBytes()
	if err != nil {
		return nil, false
	}

	var followers []string
	if err := sonic.Unmarshal(raw, &followers); err != nil {
		return nil, false
	}

	return followers, true
}

// StoreFollowers replaces the follower-list view. The view shares the profile
// TTL; staleness control is the scheduler's probabilistic invalidation.
func (p *Profiles) StoreFollowers(ctx context.Context, followers []string) error {
	raw, err := sonic.Marshal(followers)
	if err != nil {
		return fmt.Errorf("failed to marshal follower view: %w", err)
	}

	err = p.client.Do(ctx,
		p.client.B().Set().Key(SelfFollowersKey).Value(string(raw)).Ex(p.ttl).Build(),
	).Error()
	if err != nil {
		return fmt.Errorf("failed to store follower view: %w", err)
	}

	return nil
}

// InvalidateFollowers drops the follower-list view so the next reader
// refetches it from the platform.
func (p *Profiles) InvalidateFollowers(ctx context.Context) error {
	err := p.client.Do(ctx, p.client.B().Del().Key(SelfFollowersKey).Build()).Error()
	if err != nil {
		return fmt.Errorf("failed to invalidate follower view: %w", err)
	}

	return nil
}
