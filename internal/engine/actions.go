package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tendrilbot/tendril/internal/ledger"
	"go.uber.org/zap"
)

// Action is the closed set of operations the scheduler can run. The scheduler
// shuffles this list each cycle and dispatches through Execute; there are no
// opaque callables.
type Action int

const (
	// ActionFollowRandom follows one random candidate from the queue.
	ActionFollowRandom Action = iota
	// ActionUnfollowOverCapacity unfollows oldest-first while the tracked
	// following count exceeds the capacity threshold.
	ActionUnfollowOverCapacity
	// ActionUnfollowExpired unfollows tracked accounts older than the
	// configured follow duration.
	ActionUnfollowExpired
	// ActionUnfollowUnreturned unfollows private accounts that accepted the
	// follow but never followed back in time.
	ActionUnfollowUnreturned
	// ActionLikeFromQueue likes a few recent medias of a queued candidate.
	ActionLikeFromQueue
	// ActionLikeNonFollowers likes a few recent medias of an account the
	// managed account follows without reciprocation.
	ActionLikeNonFollowers
)

// AllActions is the default scheduler action list.
var AllActions = []Action{
	ActionFollowRandom,
	ActionUnfollowOverCapacity,
	ActionUnfollowExpired,
	ActionUnfollowUnreturned,
	ActionLikeFromQueue,
	ActionLikeNonFollowers,
}

// String returns the action's stable name, used in logs and history rows.
func (a Action) String() string {
	switch a {
	case ActionFollowRandom:
		return "follow_random"
	case ActionUnfollowOverCapacity:
		return "unfollow_over_capacity"
	case ActionUnfollowExpired:
		return "unfollow_expired"
	case ActionUnfollowUnreturned:
		return "unfollow_unreturned"
	case ActionLikeFromQueue:
		return "like_from_queue"
	case ActionLikeNonFollowers:
		return "like_non_followers"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Execute runs one action against the current ledger, cache and platform
// state. Actions are idempotent and hold no state between invocations; an
// action that cannot make progress returns nil without mutating anything.
func (e *Engine) Execute(ctx context.Context, action Action) *ActionError {
	e.logger.Debug("Executing action", zap.Stringer("action", action))

	switch action {
	case ActionFollowRandom:
		return e.followRandom(ctx)
	case ActionUnfollowOverCapacity:
		return e.unfollowOverCapacity(ctx)
	case ActionUnfollowExpired:
		return e.unfollowExpired(ctx)
	case ActionUnfollowUnreturned:
		return e.unfollowUnreturned(ctx)
	case ActionLikeFromQueue:
		return e.likeFromQueue(ctx)
	case ActionLikeNonFollowers:
		return e.likeNonFollowers(ctx)
	default:
		return &ActionError{
			Action: action,
			Kind:   ErrKindConsistency,
			Err:    fmt.Errorf("unknown action %d", int(action)),
		}
	}
}

// followRandom follows one random candidate. The candidate leaves the queue
// whether or not the platform call succeeds; a failed follow is "attempted"
// and must never be retried against a corrupted queue.
func (e *Engine) followRandom(ctx context.Context) *ActionError {
	if err := e.RefillQueue(ctx); err != nil {
		// A failed refill is not fatal; follow from whatever is queued.
		e.logger.Warn("Candidate refill failed", zap.Error(err))
	}

	queue, err := e.ledger.Queue(ledger.ToFollow)
	if err != nil {
		return e.storageError(ActionFollowRandom, err)
	}

	if len(queue) == 0 {
		e.logger.Info("No candidates to follow")
		return nil
	}

	userID := queue[e.rng.IntN(len(queue))]

	// Dequeue before recording the follow so a crash in between leaves the
	// id in neither set, never in both.
	if err := e.ledger.Remove(ledger.ToFollow, userID); err != nil {
		return e.storageError(ActionFollowRandom, err)
	}

	if err := e.client.Follow(ctx, userID); err != nil {
		e.record(ActionFollowRandom, userID, err)
		return e.platformError(ActionFollowRandom, err)
	}

	e.record(ActionFollowRandom, userID, nil)

	skipped, err := e.ledger.Set(ledger.Skipped)
	if err != nil {
		return e.storageError(ActionFollowRandom, err)
	}

	if !skipped.Contains(userID) {
		record := ledger.FollowRecord{UserID: userID, FollowedAt: time.Now()}
		if err := e.ledger.AppendFollow(record); err != nil {
			return e.storageError(ActionFollowRandom, err)
		}
	}

	e.logger.Info("Followed candidate", zap.String("userID", userID))

	return nil
}

// unfollow unfollows one user. The platform call may fail because the
// relationship is already gone; that is logged, not fatal, and the ledger
// still records the unfollow so the id is never processed again.
func (e *Engine) unfollow(ctx context.Context, action Action, userID string) *ActionError {
	callErr := e.client.Unfollow(ctx, userID)
	if callErr != nil {
		e.logger.Warn("Platform unfollow failed, recording anyway",
			zap.String("userID", userID),
			zap.Error(callErr))
	}

	e.record(action, userID, callErr)

	if err := e.ledger.Append(ledger.Unfollowed, userID); err != nil {
		return e.storageError(action, err)
	}

	if err := e.ledger.RemoveFollow(userID); err != nil {
		return e.storageError(action, err)
	}

	e.logger.Info("Unfollowed", zap.String("userID", userID))

	return nil
}

// unfollowOverCapacity unfollows oldest-first while the tracked count is
// above the capacity threshold, bounded per invocation so one tick never
// bursts the platform API.
func (e *Engine) unfollowOverCapacity(ctx context.Context) *ActionError {
	records, err := e.followingOldestFirst()
	if err != nil {
		return e.storageError(ActionUnfollowOverCapacity, err)
	}

	unfollowed := 0

	for len(records) > e.cfg.MaxFollowing && unfollowed < e.cfg.UnfollowBatchCap {
		if actionErr := e.unfollow(ctx, ActionUnfollowOverCapacity, records[0].UserID); actionErr != nil {
			return actionErr
		}

		records = records[1:]
		unfollowed++
	}

	if unfollowed > 0 {
		e.logger.Info("Trimmed tracked following to capacity",
			zap.Int("unfollowed", unfollowed),
			zap.Int("remaining", len(records)))
	}

	return nil
}

// unfollowExpired unfollows tracked accounts whose follow age exceeds the
// configured duration, oldest first, with the same per-invocation bound.
func (e *Engine) unfollowExpired(ctx context.Context) *ActionError {
	records, err := e.followingOldestFirst()
	if err != nil {
		return e.storageError(ActionUnfollowExpired, err)
	}

	cutoff := time.Now().Add(-time.Duration(e.cfg.MaxFollowDays) * 24 * time.Hour)
	unfollowed := 0

	for len(records) > 0 && unfollowed < e.cfg.UnfollowBatchCap {
		oldest := records[0]
		if oldest.FollowedAt.After(cutoff) {
			break
		}

		if actionErr := e.unfollow(ctx, ActionUnfollowExpired, oldest.UserID); actionErr != nil {
			return actionErr
		}

		records = records[1:]
		unfollowed++
	}

	return nil
}

// unfollowUnreturned unfollows private accounts that accepted the follow
// request but did not follow back within the configured window. Acceptance is
// implied by the account being tracked; reciprocation is checked against the
// cached follower view of the managed account.
func (e *Engine) unfollowUnreturned(ctx context.Context) *ActionError {
	records, err := e.followingOldestFirst()
	if err != nil {
		return e.storageError(ActionUnfollowUnreturned, err)
	}

	cutoff := time.Now().Add(-time.Duration(e.cfg.MaxUnreturnedHours) * time.Hour)

	due := make([]ledger.FollowRecord, 0, len(records))
	for _, record := range records {
		if record.FollowedAt.Before(cutoff) {
			due = append(due, record)
		}
	}

	if len(due) == 0 {
		return nil
	}

	followers, actionErr := e.selfFollowers(ctx, ActionUnfollowUnreturned)
	if actionErr != nil {
		return actionErr
	}

	for _, record := range due {
		if followers.Contains(record.UserID) {
			continue
		}

		profile, err := e.cache.GetOrFetch(ctx, record.UserID, e.client)
		if err != nil {
			e.logger.Warn("Skipping unreturned check, profile fetch failed",
				zap.String("userID", record.UserID),
				zap.Error(err))

			continue
		}

		if !profile.IsPrivate {
			continue
		}

		e.logger.Info("Private account accepted but did not follow back",
			zap.String("username", profile.Username),
			zap.String("userID", record.UserID))

		if actionErr := e.unfollow(ctx, ActionUnfollowUnreturned, record.UserID); actionErr != nil {
			return actionErr
		}
	}

	return nil
}

// likeFromQueue likes a small random sample of a queued candidate's medias.
// Cosmetic engagement only: the queue is untouched unless the candidate has
// nothing to like, in which case it is removed as exhausted.
func (e *Engine) likeFromQueue(ctx context.Context) *ActionError {
	queue, err := e.ledger.Queue(ledger.ToFollow)
	if err != nil {
		return e.storageError(ActionLikeFromQueue, err)
	}

	if len(queue) == 0 {
		return nil
	}

	// A few attempts to land on a public profile; private medias are not
	// visible to like.
	for range 5 {
		userID := queue[e.rng.IntN(len(queue))]

		profile, err := e.cache.GetOrFetch(ctx, userID, e.client)
		if err != nil {
			return e.platformError(ActionLikeFromQueue, err)
		}

		if profile.IsPrivate {
			continue
		}

		return e.likeUser(ctx, ActionLikeFromQueue, userID, true)
	}

	return nil
}

// likeNonFollowers likes medias of an account followed without reciprocation.
func (e *Engine) likeNonFollowers(ctx context.Context) *ActionError {
	followers, actionErr := e.selfFollowers(ctx, ActionLikeNonFollowers)
	if actionErr != nil {
		return actionErr
	}

	following, err := e.client.UserFollowing(ctx, e.client.SelfID())
	if err != nil {
		return e.platformError(ActionLikeNonFollowers, err)
	}

	friends, err := e.ledger.Set(ledger.Friends)
	if err != nil {
		return e.storageError(ActionLikeNonFollowers, err)
	}

	candidates := ledger.NewSet(following...).Difference(followers).Difference(friends).Items()
	if len(candidates) == 0 {
		return nil
	}

	return e.likeUser(ctx, ActionLikeNonFollowers, candidates[e.rng.IntN(len(candidates))], false)
}

// likeUser fetches a candidate's recent medias and likes a bounded random
// sample of them.
func (e *Engine) likeUser(ctx context.Context, action Action, userID string, dequeueWhenEmpty bool) *ActionError {
	medias, err := e.client.UserMedias(ctx, userID)
	if err != nil {
		return e.platformError(action, err)
	}

	if len(medias) == 0 {
		if dequeueWhenEmpty {
			if err := e.ledger.Remove(ledger.ToFollow, userID); err != nil {
				return e.storageError(action, err)
			}
		}

		return nil
	}

	count := e.cfg.LikeMin
	if spread := e.cfg.LikeMax - e.cfg.LikeMin; spread > 0 {
		count += e.rng.IntN(spread + 1)
	}

	e.rng.Shuffle(len(medias), func(i, j int) {
		medias[i], medias[j] = medias[j], medias[i]
	})

	if count > len(medias) {
		count = len(medias)
	}

	if err := e.client.LikeMedias(ctx, medias[:count]); err != nil {
		e.record(action, userID, err)
		return e.platformError(action, err)
	}

	e.record(action, userID, nil)
	e.logger.Info("Liked medias",
		zap.String("userID", userID),
		zap.Int("count", count))

	return nil
}

// followingOldestFirst returns the tracked records sorted strictly by follow
// timestamp, insertion order as the tiebreak. Legacy records without
// timestamps sort first.
func (e *Engine) followingOldestFirst() ([]ledger.FollowRecord, error) {
	records, err := e.ledger.Following()
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].FollowedAt.Before(records[j].FollowedAt)
	})

	return records, nil
}

// selfFollowers returns the follower set of the managed account, serving from
// the cached view and refreshing it from the platform when invalidated.
func (e *Engine) selfFollowers(ctx context.Context, action Action) (ledger.Set, *ActionError) {
	if cached, ok := e.cache.Followers(ctx); ok {
		return ledger.NewSet(cached...), nil
	}

	followers, err := e.client.UserFollowers(ctx, e.client.SelfID())
	if err != nil {
		return nil, e.platformError(action, err)
	}

	if err := e.cache.StoreFollowers(ctx, followers); err != nil {
		e.logger.Warn("Failed to cache follower view", zap.Error(err))
	}

	return ledger.NewSet(followers...), nil
}
