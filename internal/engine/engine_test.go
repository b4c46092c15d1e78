package engine_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/rueidis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendrilbot/tendril/internal/cache"
	"github.com/tendrilbot/tendril/internal/engine"
	"github.com/tendrilbot/tendril/internal/history"
	"github.com/tendrilbot/tendril/internal/ledger"
	"github.com/tendrilbot/tendril/internal/platform"
	"github.com/tendrilbot/tendril/internal/setup/config"
	"go.uber.org/zap"
)

// fakeClient is an in-memory platform used by the engine tests. Mutations are
// recorded so tests can assert exactly what the engine did.
type fakeClient struct {
	mu sync.Mutex

	followErr   error
	unfollowErr error
	likeErr     error
	scrapeErr   error

	followed   []string
	unfollowed []string
	liked      []string

	followersByUser map[string][]string
	following       []string
	profiles        map[string]*platform.Profile
	mediasByUser    map[string][]string
	status          platform.Status
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		followersByUser: make(map[string][]string),
		profiles:        make(map[string]*platform.Profile),
		mediasByUser:    make(map[string][]string),
	}
}

func (c *fakeClient) Follow(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.followErr != nil {
		return c.followErr
	}

	c.followed = append(c.followed, userID)

	return nil
}

func (c *fakeClient) Unfollow(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.unfollowErr != nil {
		return c.unfollowErr
	}

	c.unfollowed = append(c.unfollowed, userID)

	return nil
}

func (c *fakeClient) UserFollowers(_ context.Context, userID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.scrapeErr != nil {
		return nil, c.scrapeErr
	}

	return c.followersByUser[userID], nil
}

func (c *fakeClient) UserFollowing(_ context.Context, _ string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.following, nil
}

func (c *fakeClient) UserInfo(_ context.Context, userID string) (*platform.Profile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if profile, ok := c.profiles[userID]; ok {
		return profile, nil
	}

	return &platform.Profile{ID: userID, Username: "user_" + userID}, nil
}

func (c *fakeClient) UserMedias(_ context.Context, userID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.mediasByUser[userID], nil
}

func (c *fakeClient) LikeMedias(_ context.Context, mediaIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.likeErr != nil {
		return c.likeErr
	}

	c.liked = append(c.liked, mediaIDs...)

	return nil
}

func (c *fakeClient) SelfID() string { return "self" }

func (c *fakeClient) LastStatus() platform.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.status
}

func (c *fakeClient) mutationCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.followed) + len(c.unfollowed) + len(c.liked)
}

func testEngineConfig() *config.Engine {
	return &config.Engine{
		MinQueueLength:     3,
		MaxFollowing:       5,
		MaxFollowDays:      4,
		MaxUnreturnedHours: 96,
		UnfollowBatchCap:   10,
		LikeMin:            1,
		LikeMax:            2,
		PrefetchCount:      2,
	}
}

func setupTest(t *testing.T, cfg *config.Engine) (*engine.Engine, *ledger.Ledger, *cache.Profiles, *fakeClient) {
	t.Helper()

	logger := zap.NewNop()

	l, err := ledger.New(t.TempDir(), logger)
	require.NoError(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	redisClient, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{mr.Addr()},
		DisableCache: true,
	})
	require.NoError(t, err)
	t.Cleanup(redisClient.Close)

	profiles := cache.NewProfiles(redisClient, time.Hour, logger)
	client := newFakeClient()

	return engine.New(l, profiles, client, nil, cfg, logger), l, profiles, client
}

func TestFollowRandom(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	cfg.MinQueueLength = 0 // no discovery in this test

	eng, l, _, client := setupTest(t, cfg)
	ctx := t.Context()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, l.Append(ledger.ToFollow, id))
	}

	require.Nil(t, eng.Execute(ctx, engine.ActionFollowRandom))

	require.Len(t, client.followed, 1)
	followedID := client.followed[0]

	queue, err := l.Queue(ledger.ToFollow)
	require.NoError(t, err)
	assert.Len(t, queue, 2)
	assert.NotContains(t, queue, followedID)

	records, err := l.Following()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, followedID, records[0].UserID)
	assert.WithinDuration(t, time.Now(), records[0].FollowedAt, time.Minute)

	require.NoError(t, l.Verify())
}

func TestFollowRandomFailureStillDequeues(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	cfg.MinQueueLength = 0

	eng, l, _, client := setupTest(t, cfg)
	client.followErr = errors.New("connection reset")

	require.NoError(t, l.Append(ledger.ToFollow, "a"))

	actionErr := eng.Execute(t.Context(), engine.ActionFollowRandom)
	require.NotNil(t, actionErr)
	assert.Equal(t, engine.ErrKindTransient, actionErr.Kind)

	// The candidate counts as attempted: gone from the queue, never tracked.
	queue, err := l.Queue(ledger.ToFollow)
	require.NoError(t, err)
	assert.Empty(t, queue)

	records, err := l.Following()
	require.NoError(t, err)
	assert.Empty(t, records)

	require.NoError(t, l.Verify())
}

func TestFollowRandomSkippedNotTracked(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	cfg.MinQueueLength = 0

	eng, l, _, client := setupTest(t, cfg)

	require.NoError(t, l.Append(ledger.ToFollow, "keeper"))
	require.NoError(t, l.Append(ledger.Skipped, "keeper"))

	require.Nil(t, eng.Execute(t.Context(), engine.ActionFollowRandom))
	assert.Equal(t, []string{"keeper"}, client.followed)

	records, err := l.Following()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFollowRandomEmptyQueueNoOp(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	cfg.MinQueueLength = 0

	eng, _, _, client := setupTest(t, cfg)

	require.Nil(t, eng.Execute(t.Context(), engine.ActionFollowRandom))
	assert.Empty(t, client.followed)
}

func TestUnfollowOverCapacity(t *testing.T) {
	t.Parallel()

	eng, l, _, client := setupTest(t, testEngineConfig())
	ctx := t.Context()

	// 17 tracked with max 5: one invocation trims 10, the next trims 2.
	base := time.Now().Add(-48 * time.Hour)
	for i := range 17 {
		require.NoError(t, l.AppendFollow(ledger.FollowRecord{
			UserID:     fmt.Sprintf("u%02d", i),
			FollowedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	require.Nil(t, eng.Execute(ctx, engine.ActionUnfollowOverCapacity))
	require.Len(t, client.unfollowed, 10)

	// Oldest first.
	for i, id := range client.unfollowed {
		assert.Equal(t, fmt.Sprintf("u%02d", i), id)
	}

	require.Nil(t, eng.Execute(ctx, engine.ActionUnfollowOverCapacity))
	assert.Len(t, client.unfollowed, 12)

	records, err := l.Following()
	require.NoError(t, err)
	assert.Len(t, records, 5)

	unfollowed, err := l.Queue(ledger.Unfollowed)
	require.NoError(t, err)
	assert.Len(t, unfollowed, 12)

	require.NoError(t, l.Verify())
}

func TestUnfollowExpired(t *testing.T) {
	t.Parallel()

	eng, l, _, client := setupTest(t, testEngineConfig())

	require.NoError(t, l.AppendFollow(ledger.FollowRecord{
		UserID:     "old",
		FollowedAt: time.Now().Add(-5 * 24 * time.Hour),
	}))
	require.NoError(t, l.AppendFollow(ledger.FollowRecord{
		UserID:     "fresh",
		FollowedAt: time.Now().Add(-time.Hour),
	}))

	require.Nil(t, eng.Execute(t.Context(), engine.ActionUnfollowExpired))
	assert.Equal(t, []string{"old"}, client.unfollowed)

	records, err := l.Following()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "fresh", records[0].UserID)
}

func TestUnfollowExpiredLegacyRecordsFirst(t *testing.T) {
	t.Parallel()

	eng, l, _, client := setupTest(t, testEngineConfig())

	// Timestamp-less legacy line counts as oldest.
	require.NoError(t, l.AppendFollow(ledger.FollowRecord{
		UserID:     "dated",
		FollowedAt: time.Now().Add(-6 * 24 * time.Hour),
	}))
	require.NoError(t, l.Append(ledger.TmpFollowing, "legacy"))

	require.Nil(t, eng.Execute(t.Context(), engine.ActionUnfollowExpired))
	assert.Equal(t, []string{"legacy", "dated"}, client.unfollowed)
}

func TestUnfollowUnreturned(t *testing.T) {
	t.Parallel()

	eng, l, _, client := setupTest(t, testEngineConfig())

	old := time.Now().Add(-100 * time.Hour)
	for _, id := range []string{"reciprocated", "private", "public"} {
		require.NoError(t, l.AppendFollow(ledger.FollowRecord{UserID: id, FollowedAt: old}))
	}

	client.followersByUser["self"] = []string{"reciprocated"}
	client.profiles["private"] = &platform.Profile{ID: "private", Username: "p", IsPrivate: true}
	client.profiles["public"] = &platform.Profile{ID: "public", Username: "q"}

	require.Nil(t, eng.Execute(t.Context(), engine.ActionUnfollowUnreturned))

	// Only the private, non-reciprocating account goes.
	assert.Equal(t, []string{"private"}, client.unfollowed)

	records, err := l.Following()
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestUnfollowIdempotent(t *testing.T) {
	t.Parallel()

	eng, l, _, client := setupTest(t, testEngineConfig())
	ctx := t.Context()

	require.NoError(t, l.AppendFollow(ledger.FollowRecord{
		UserID:     "gone",
		FollowedAt: time.Now().Add(-10 * 24 * time.Hour),
	}))

	require.Nil(t, eng.Execute(ctx, engine.ActionUnfollowExpired))
	require.Nil(t, eng.Execute(ctx, engine.ActionUnfollowExpired))

	// Second pass sees nothing to do.
	assert.Equal(t, []string{"gone"}, client.unfollowed)

	unfollowed, err := l.Queue(ledger.Unfollowed)
	require.NoError(t, err)
	assert.Equal(t, []string{"gone"}, unfollowed)

	require.NoError(t, l.Verify())
}

func TestUnfollowPlatformFailureStillRecorded(t *testing.T) {
	t.Parallel()

	eng, l, _, client := setupTest(t, testEngineConfig())
	client.unfollowErr = errors.New("relationship already gone")

	require.NoError(t, l.AppendFollow(ledger.FollowRecord{
		UserID:     "ghost",
		FollowedAt: time.Now().Add(-10 * 24 * time.Hour),
	}))

	require.Nil(t, eng.Execute(t.Context(), engine.ActionUnfollowExpired))

	records, err := l.Following()
	require.NoError(t, err)
	assert.Empty(t, records)

	unfollowed, err := l.Queue(ledger.Unfollowed)
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost"}, unfollowed)
}

func TestRefillQueueExclusions(t *testing.T) {
	t.Parallel()

	eng, l, _, client := setupTest(t, testEngineConfig())

	require.NoError(t, l.Append(ledger.Friends, "friendA"))
	require.NoError(t, l.AppendFollow(ledger.FollowRecord{UserID: "x", FollowedAt: time.Now()}))
	require.NoError(t, l.Append(ledger.Unfollowed, "y"))

	client.followersByUser["friendA"] = []string{"x", "y", "z"}

	require.NoError(t, eng.RefillQueue(t.Context()))

	// x is tracked, y was already processed; only z qualifies.
	queue, err := l.Queue(ledger.ToFollow)
	require.NoError(t, err)
	assert.Equal(t, []string{"z"}, queue)

	scraped, err := l.Set(ledger.ScrapedFriends)
	require.NoError(t, err)
	assert.True(t, scraped.Contains("friendA"))

	require.NoError(t, l.Verify())
}

func TestRefillQueueStopsWhenAllScraped(t *testing.T) {
	t.Parallel()

	eng, l, _, client := setupTest(t, testEngineConfig())

	require.NoError(t, l.Append(ledger.Friends, "friendA"))
	client.followersByUser["friendA"] = []string{"only"}

	// Queue stays below the minimum, yet the refill terminates.
	require.NoError(t, eng.RefillQueue(t.Context()))

	queue, err := l.Queue(ledger.ToFollow)
	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, queue)
}

func TestRefillQueueStopsAtMinimum(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	cfg.MinQueueLength = 2

	eng, l, _, client := setupTest(t, cfg)

	require.NoError(t, l.Append(ledger.Friends, "friendA"))
	require.NoError(t, l.Append(ledger.Friends, "friendB"))
	client.followersByUser["friendA"] = []string{"a1", "a2", "a3"}
	client.followersByUser["friendB"] = []string{"b1", "b2", "b3"}

	require.NoError(t, eng.RefillQueue(t.Context()))

	// One scrape satisfies the minimum; the other friend stays unscraped.
	scraped, err := l.Set(ledger.ScrapedFriends)
	require.NoError(t, err)
	assert.Len(t, scraped.Items(), 1)

	queue, err := l.Queue(ledger.ToFollow)
	require.NoError(t, err)
	assert.Len(t, queue, 3)
}

func TestLikeFromQueue(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	cfg.MinQueueLength = 0

	eng, l, _, client := setupTest(t, cfg)

	require.NoError(t, l.Append(ledger.ToFollow, "poster"))
	client.mediasByUser["poster"] = []string{"m1", "m2", "m3"}

	require.Nil(t, eng.Execute(t.Context(), engine.ActionLikeFromQueue))

	assert.NotEmpty(t, client.liked)
	assert.LessOrEqual(t, len(client.liked), cfg.LikeMax)

	// Liking does not consume the candidate.
	queue, err := l.Queue(ledger.ToFollow)
	require.NoError(t, err)
	assert.Equal(t, []string{"poster"}, queue)
}

func TestLikeFromQueueRemovesExhaustedCandidate(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	cfg.MinQueueLength = 0

	eng, l, _, client := setupTest(t, cfg)

	require.NoError(t, l.Append(ledger.ToFollow, "empty"))

	require.Nil(t, eng.Execute(t.Context(), engine.ActionLikeFromQueue))

	assert.Empty(t, client.liked)

	queue, err := l.Queue(ledger.ToFollow)
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestLikeNonFollowers(t *testing.T) {
	t.Parallel()

	eng, l, _, client := setupTest(t, testEngineConfig())

	require.NoError(t, l.Append(ledger.Friends, "mutualFriend"))
	client.followersByUser["self"] = []string{"fan"}
	client.following = []string{"fan", "mutualFriend", "celebrity"}
	client.mediasByUser["celebrity"] = []string{"m1", "m2"}

	require.Nil(t, eng.Execute(t.Context(), engine.ActionLikeNonFollowers))

	// fan reciprocates and mutualFriend is protected; celebrity remains.
	assert.NotEmpty(t, client.liked)
	assert.Subset(t, []string{"m1", "m2"}, client.liked)
}

func TestSpamGuard(t *testing.T) {
	t.Parallel()

	logger := zap.NewNop()
	client := newFakeClient()
	guard := engine.NewSpamGuard(client, time.Hour, logger)

	assert.True(t, guard.Allow())
	assert.Zero(t, guard.Remaining())

	guard.Observe()
	assert.True(t, guard.Allow(), "healthy status must not pause")

	client.status = platform.StatusFeedbackRequired
	guard.Observe()
	assert.False(t, guard.Allow())
	assert.Positive(t, guard.Remaining())
}

func TestSchedulerCycleContinuesPastFailures(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	cfg.MinQueueLength = 0

	eng, l, profiles, client := setupTest(t, cfg)
	client.followErr = errors.New("boom")
	client.scrapeErr = errors.New("boom")
	client.likeErr = errors.New("boom")

	require.NoError(t, l.Append(ledger.ToFollow, "a"))

	schedCfg := &config.Scheduler{DailyRate: 400, FeedbackCooldownMinutes: 120}
	guard := engine.NewSpamGuard(client, time.Hour, zap.NewNop())
	sched := engine.NewScheduler(eng, guard, profiles, schedCfg, zap.NewNop())

	// Every action runs despite the platform erroring on everything.
	sched.RunCycle(t.Context())

	require.NoError(t, l.Verify())
}

func TestSchedulerCycleRespectsGuard(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	cfg.MinQueueLength = 0

	eng, l, profiles, client := setupTest(t, cfg)
	require.NoError(t, l.Append(ledger.ToFollow, "a"))

	client.status = platform.StatusFeedbackRequired

	guard := engine.NewSpamGuard(client, time.Hour, zap.NewNop())
	guard.Observe()

	schedCfg := &config.Scheduler{DailyRate: 400, FeedbackCooldownMinutes: 120}
	sched := engine.NewScheduler(eng, guard, profiles, schedCfg, zap.NewNop())
	sched.RunCycle(t.Context())

	assert.Zero(t, client.mutationCount(), "paused cycle must not touch the platform")
}

func TestSchedulerRunPausesDuringCooldown(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	cfg.MinQueueLength = 0

	eng, l, profiles, client := setupTest(t, cfg)
	require.NoError(t, l.Append(ledger.ToFollow, "a"))

	client.status = platform.StatusFeedbackRequired
	guard := engine.NewSpamGuard(client, time.Hour, zap.NewNop())
	guard.Observe()

	schedCfg := &config.Scheduler{DailyRate: 400, FeedbackCooldownMinutes: 120}
	sched := engine.NewScheduler(eng, guard, profiles, schedCfg, zap.NewNop())

	// The loop must block on the cooldown instead of cycling, and must come
	// back promptly when the context ends mid-pause.
	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop when cancelled during cooldown")
	}

	assert.Zero(t, client.mutationCount(), "cooldown must pause the loop before any action")
}

func TestUnfollowHistoryRecordsPlatformError(t *testing.T) {
	t.Parallel()

	logger := zap.NewNop()

	l, err := ledger.New(t.TempDir(), logger)
	require.NoError(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	redisClient, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{mr.Addr()},
		DisableCache: true,
	})
	require.NoError(t, err)
	t.Cleanup(redisClient.Close)

	recorder, err := history.Open(filepath.Join(t.TempDir(), "history.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { recorder.Close() })

	client := newFakeClient()
	client.unfollowErr = errors.New("relationship already gone")

	eng := engine.New(
		l,
		cache.NewProfiles(redisClient, time.Hour, logger),
		client,
		recorder,
		testEngineConfig(),
		logger,
	)

	require.NoError(t, l.AppendFollow(ledger.FollowRecord{
		UserID:     "ghost",
		FollowedAt: time.Now().Add(-10 * 24 * time.Hour),
	}))

	require.Nil(t, eng.Execute(t.Context(), engine.ActionUnfollowExpired))

	// The audit row carries the real platform outcome even though the ledger
	// records the unfollow unconditionally.
	rows, err := recorder.Recent(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "unfollow_expired", rows[0].Action)
	assert.Equal(t, "ghost", rows[0].UserID)
	assert.False(t, rows[0].OK)
	assert.Equal(t, "relationship already gone", rows[0].Error)
}
