package engine

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc/pool"
	"github.com/tendrilbot/tendril/internal/ledger"
	"go.uber.org/zap"
)

// prefetchWorkers bounds the concurrent profile fetches after a scrape.
const prefetchWorkers = 4

// RefillQueue scrapes follower lists of the account owner's friends until the
// candidate queue reaches its minimum length or no unscraped friend remains.
// Each iteration consumes one friend from the scrapable pool, so the loop
// terminates even when scrapes yield nothing new.
func (e *Engine) RefillQueue(ctx context.Context) error {
	for {
		queue, err := e.ledger.Queue(ledger.ToFollow)
		if err != nil {
			return fmt.Errorf("failed to read candidate queue: %w", err)
		}

		if len(queue) >= e.cfg.MinQueueLength {
			return nil
		}

		friends, err := e.ledger.Set(ledger.Friends)
		if err != nil {
			return fmt.Errorf("failed to read friends: %w", err)
		}

		scraped, err := e.ledger.Set(ledger.ScrapedFriends)
		if err != nil {
			return fmt.Errorf("failed to read scraped friends: %w", err)
		}

		scrapable := friends.Difference(scraped).Items()
		if len(scrapable) == 0 {
			e.logger.Info("All friends scraped, queue stays short",
				zap.Int("queueLength", len(queue)),
				zap.Int("minQueueLength", e.cfg.MinQueueLength))

			return nil
		}

		source := scrapable[e.rng.IntN(len(scrapable))]
		if err := e.scrapeFriend(ctx, source, queue); err != nil {
			return err
		}
	}
}

// scrapeFriend pulls one friend's follower list and appends the candidates
// that are not already known to the ledger in any capacity. The friend is
// marked scraped even when every follower was excluded.
func (e *Engine) scrapeFriend(ctx context.Context, source string, queue []string) error {
	e.logger.Info("Scraping followers", zap.String("userID", source))

	followers, err := e.client.UserFollowers(ctx, source)
	if err != nil {
		return fmt.Errorf("failed to scrape followers of %s: %w", source, err)
	}

	excluded, err := e.exclusionSet(queue)
	if err != nil {
		return err
	}

	added := make([]string, 0, len(followers))

	for _, userID := range followers {
		if excluded.Contains(userID) {
			continue
		}

		if err := e.ledger.Append(ledger.ToFollow, userID); err != nil {
			return fmt.Errorf("failed to queue candidate: %w", err)
		}

		excluded.Add(userID)
		added = append(added, userID)
	}

	if err := e.ledger.Append(ledger.ScrapedFriends, source); err != nil {
		return fmt.Errorf("failed to mark friend scraped: %w", err)
	}

	e.logger.Info("Scrape finished",
		zap.String("userID", source),
		zap.Int("followers", len(followers)),
		zap.Int("queued", len(added)))

	e.prefetchProfiles(ctx, added)

	return nil
}

// exclusionSet is everything already known to the ledger: never queue a user
// that is a friend, already followed, already processed, blacklisted, or
// queued.
func (e *Engine) exclusionSet(queue []string) (ledger.Set, error) {
	excluded := ledger.NewSet(queue...)

	records, err := e.ledger.Following()
	if err != nil {
		return nil, fmt.Errorf("failed to read following: %w", err)
	}

	for _, record := range records {
		excluded.Add(record.UserID)
	}

	for _, name := range []string{ledger.Friends, ledger.Unfollowed, ledger.Blacklist} {
		set, err := e.ledger.Set(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}

		excluded = excluded.Union(set)
	}

	return excluded, nil
}

// prefetchProfiles warms the profile cache for freshly queued candidates so
// later like/follow decisions hit cache. Failures are expected and only
// logged; the candidates stay queued either way.
func (e *Engine) prefetchProfiles(ctx context.Context, added []string) {
	if e.cfg.PrefetchCount <= 0 || len(added) == 0 {
		return
	}

	count := min(e.cfg.PrefetchCount, len(added))

	p := pool.New().
		WithContext(ctx).
		WithMaxGoroutines(prefetchWorkers)

	for _, userID := range added[:count] {
		p.Go(func(ctx context.Context) error {
			if _, err := e.cache.GetOrFetch(ctx, userID, e.client); err != nil {
				e.logger.Debug("Profile prefetch failed",
					zap.String("userID", userID),
					zap.Error(err))
			}

			return nil
		})
	}

	_ = p.Wait()
}
