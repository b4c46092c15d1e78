// Package instagram implements the platform capability over Instagram's
// private web API. Transport reliability comes from the axonet middleware
// chain; authentication is a pre-established session cookie.
package instagram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jaxron/axonet/middleware/circuitbreaker"
	axonetRedis "github.com/jaxron/axonet/middleware/redis"
	"github.com/jaxron/axonet/middleware/retry"
	"github.com/jaxron/axonet/middleware/singleflight"
	"github.com/jaxron/axonet/pkg/client"
	"github.com/jaxron/axonet/pkg/client/middleware"
	"github.com/redis/rueidis"
	"github.com/tendrilbot/tendril/internal/platform"
	"github.com/tendrilbot/tendril/pkg/utils"
	"go.uber.org/zap"
)

const baseURL = "https://i.instagram.com/api/v1"

// followerPageLimit bounds pagination so a pathological account cannot stall
// a scheduler cycle indefinitely.
const followerPageLimit = 50

// ErrSessionRejected indicates the stored session cookie is no longer valid.
var ErrSessionRejected = errors.New("session cookie rejected by platform")

// Options configures the HTTP client construction.
type Options struct {
	SessionID      string
	RequestTimeout time.Duration
	RetryMax       uint64
	RetryDelay     time.Duration
	RetryMaxDelay  time.Duration
	BreakerMax     uint32
	BreakerWindow  time.Duration
	BreakerCooloff time.Duration
	CacheExpiry    time.Duration
}

// Client talks to Instagram and tracks the abuse classification of the most
// recent response. The engine itself is sequential, but the discovery cache
// warmer fans profile fetches out, so status tracking is atomic.
type Client struct {
	http       *client.Client
	sessionID  string
	selfID     string
	lastStatus atomic.Int32
	logger     *zap.Logger
}

// NewClient builds the middleware-wrapped HTTP client. Order matters: the
// circuit breaker sits outermost so a tripped breaker skips retries, and the
// Redis response cache sits innermost so retries can still hit cached bodies.
func NewClient(opts Options, cacheClient rueidis.Client, logger *zap.Logger) *Client {
	middlewares := []middleware.Middleware{
		circuitbreaker.New(opts.BreakerMax, opts.BreakerWindow, opts.BreakerCooloff),
		retry.New(opts.RetryMax, opts.RetryDelay, opts.RetryMaxDelay),
		singleflight.New(),
		axonetRedis.New(cacheClient, opts.CacheExpiry),
	}

	httpClient := client.NewClient(
		client.WithMarshalFunc(sonic.Marshal),
		client.WithUnmarshalFunc(sonic.Unmarshal),
		client.WithLogger(newAxonetLogger(logger.Named("http"))),
		client.WithTimeout(opts.RequestTimeout),
		client.WithMiddleware(middlewares...),
	)

	c := &Client{
		http:      httpClient,
		sessionID: opts.SessionID,
		logger:    logger.Named("instagram"),
	}
	c.lastStatus.Store(int32(platform.StatusUnknown))

	return c
}

// Login validates the stored session cookie and resolves the account's own
// user id. Retried with backoff because the platform throttles the session
// endpoint after restarts.
func (c *Client) Login(ctx context.Context) error {
	if c.sessionID == "" {
		return platform.ErrNotLoggedIn
	}

	type currentUserResponse struct {
		User struct {
			PK string `json:"pk_id"`
		} `json:"user"`
		Status string `json:"status"`
	}

	resp, err := utils.WithRetry(ctx, func() (*currentUserResponse, error) {
		var result currentUserResponse
		if err := c.get(ctx, "/accounts/current_user/", nil, &result); err != nil {
			return nil, err
		}

		return &result, nil
	}, utils.GetLoginRetryOptions())
	if err != nil {
		return fmt.Errorf("session validation failed: %w", err)
	}

	if resp.Status != "ok" || resp.User.PK == "" {
		return ErrSessionRejected
	}

	c.selfID = resp.User.PK
	c.logger.Info("Session validated", zap.String("selfID", c.selfID))

	return nil
}

// SelfID returns the authenticated account's user id.
func (c *Client) SelfID() string {
	return c.selfID
}

// LastStatus reports the classification of the most recent response.
func (c *Client) LastStatus() platform.Status {
	return platform.Status(c.lastStatus.Load())
}

// Follow sends a follow request to the given user.
func (c *Client) Follow(ctx context.Context, userID string) error {
	var result statusEnvelope
	if err := c.post(ctx, "/friendships/create/"+userID+"/", &result); err != nil {
		return err
	}

	return result.asError()
}

// Unfollow removes any relationship with the given user.
func (c *Client) Unfollow(ctx context.Context, userID string) error {
	var result statusEnvelope
	if err := c.post(ctx, "/friendships/destroy/"+userID+"/", &result); err != nil {
		return err
	}

	return result.asError()
}

// UserFollowers returns the ids following the given user, walking pagination
// until the platform stops returning a cursor.
func (c *Client) UserFollowers(ctx context.Context, userID string) ([]string, error) {
	return c.friendshipList(ctx, "/friendships/"+userID+"/followers/")
}

// UserFollowing returns the ids the given user follows.
func (c *Client) UserFollowing(ctx context.Context, userID string) ([]string, error) {
	return c.friendshipList(ctx, "/friendships/"+userID+"/following/")
}

// UserInfo fetches a fresh profile snapshot.
func (c *Client) UserInfo(ctx context.Context, userID string) (*platform.Profile, error) {
	var result struct {
		User struct {
			PK            string `json:"pk_id"`
			Username      string `json:"username"`
			FullName      string `json:"full_name"`
			IsPrivate     bool   `json:"is_private"`
			FollowerCount int    `json:"follower_count"`
			MediaCount    int    `json:"media_count"`
		} `json:"user"`
		statusEnvelope
	}

	if err := c.get(ctx, "/users/"+userID+"/info/", nil, &result); err != nil {
		return nil, err
	}

	if err := result.asError(); err != nil {
		return nil, err
	}

	if result.User.PK == "" {
		return nil, platform.ErrUserNotFound
	}

	return &platform.Profile{
		ID:            result.User.PK,
		Username:      result.User.Username,
		FullName:      result.User.FullName,
		IsPrivate:     result.User.IsPrivate,
		FollowerCount: result.User.FollowerCount,
		MediaCount:    result.User.MediaCount,
	}, nil
}

// UserMedias returns recent media ids posted by the given user.
func (c *Client) UserMedias(ctx context.Context, userID string) ([]string, error) {
	var result struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
		statusEnvelope
	}

	if err := c.get(ctx, "/feed/user/"+userID+"/", nil, &result); err != nil {
		return nil, err
	}

	if err := result.asError(); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(result.Items))
	for _, item := range result.Items {
		ids = append(ids, item.ID)
	}

	return ids, nil
}

// LikeMedias likes each of the given medias. A failed like does not stop the
// remaining ones; the first error is returned after all attempts.
func (c *Client) LikeMedias(ctx context.Context, mediaIDs []string) error {
	var firstErr error

	for _, mediaID := range mediaIDs {
		var result statusEnvelope
		err := c.post(ctx, "/media/"+mediaID+"/like/", &result)

		if err == nil {
			err = result.asError()
		}

		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// statusEnvelope is the common trailer of every private API response.
type statusEnvelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (e *statusEnvelope) asError() error {
	if e.Status == "ok" {
		return nil
	}

	if e.Message == "feedback_required" {
		return fmt.Errorf("platform flagged request: %s", e.Message)
	}

	if e.Message == "User not found" {
		return platform.ErrUserNotFound
	}

	return fmt.Errorf("platform call failed: %s", e.Message)
}

func (c *Client) friendshipList(ctx context.Context, path string) ([]string, error) {
	var ids []string

	maxID := ""

	for range followerPageLimit {
		var result struct {
			Users []struct {
				PK string `json:"pk_id"`
			} `json:"users"`
			NextMaxID string `json:"next_max_id"`
			statusEnvelope
		}

		query := map[string]string{}
		if maxID != "" {
			query["max_id"] = maxID
		}

		if err := c.get(ctx, path, query, &result); err != nil {
			return nil, err
		}

		if err := result.asError(); err != nil {
			return nil, err
		}

		for _, user := range result.Users {
			ids = append(ids, user.PK)
		}

		if result.NextMaxID == "" {
			break
		}

		maxID = result.NextMaxID
	}

	return ids, nil
}

func (c *Client) get(ctx context.Context, path string, query map[string]string, out any) error {
	req := c.http.NewRequest().
		Method(http.MethodGet).
		URL(baseURL + path).
		Header("Cookie", "sessionid="+c.sessionID)

	for key, value := range query {
		req = req.Query(key, value)
	}

	resp, err := req.Do(ctx)

	return c.decode(resp, err, out)
}

func (c *Client) post(ctx context.Context, path string, out any) error {
	resp, err := c.http.NewRequest().
		Method(http.MethodPost).
		URL(baseURL + path).
		Header("Cookie", "sessionid="+c.sessionID).
		Do(ctx)

	return c.decode(resp, err, out)
}

func (c *Client) decode(resp *http.Response, err error, out any) error {
	if err != nil {
		c.lastStatus.Store(int32(platform.StatusOK))
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	c.classify(resp.StatusCode, body)

	if resp.StatusCode == http.StatusNotFound {
		return platform.ErrUserNotFound
	}

	if err := sonic.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	return nil
}

// classify updates the abuse signal from the response. Only an explicit
// feedback_required payload or a 429 counts; transport errors stay StatusOK
// so ordinary flakiness never triggers the long cooldown.
func (c *Client) classify(statusCode int, body []byte) {
	if statusCode == http.StatusTooManyRequests {
		c.lastStatus.Store(int32(platform.StatusFeedbackRequired))
		return
	}

	var envelope statusEnvelope
	if err := sonic.Unmarshal(body, &envelope); err == nil &&
		envelope.Message == "feedback_required" {
		c.lastStatus.Store(int32(platform.StatusFeedbackRequired))

		return
	}

	c.lastStatus.Store(int32(platform.StatusOK))
}
