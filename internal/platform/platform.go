// Package platform defines the capability surface the engine needs from a
// social platform. Implementations own authentication, transport, and
// pagination; the engine only sees user ids, profile snapshots and media ids.
package platform

import (
	"context"
	"errors"
)

var (
	// ErrUserNotFound indicates the platform no longer knows the user id.
	ErrUserNotFound = errors.New("user not found")
	// ErrNotLoggedIn indicates the client has no active session.
	ErrNotLoggedIn = errors.New("client is not logged in")
)

// Status classifies the most recent platform response.
type Status int

const (
	// StatusOK means the last call completed without an abuse signal.
	StatusOK Status = iota
	// StatusFeedbackRequired means the platform flagged automated behavior
	// and mutating calls should pause.
	StatusFeedbackRequired
	// StatusUnknown means no call has been made yet.
	StatusUnknown
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFeedbackRequired:
		return "feedback_required"
	default:
		return "unknown"
	}
}

// Profile is a point-in-time snapshot of a user's public account data.
type Profile struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	FullName      string `json:"fullName"`
	IsPrivate     bool   `json:"isPrivate"`
	FollowerCount int    `json:"followerCount"`
	MediaCount    int    `json:"mediaCount"`
}

// Client is the platform capability consumed by the engine. Every call is
// blocking and respects context cancellation.
type Client interface {
	// Follow sends a follow request to the given user.
	Follow(ctx context.Context, userID string) error
	// Unfollow removes any relationship with the given user.
	Unfollow(ctx context.Context, userID string) error
	// UserFollowers returns the ids following the given user.
	UserFollowers(ctx context.Context, userID string) ([]string, error)
	// UserFollowing returns the ids the given user follows.
	UserFollowing(ctx context.Context, userID string) ([]string, error)
	// UserInfo fetches a fresh profile snapshot.
	UserInfo(ctx context.Context, userID string) (*Profile, error)
	// UserMedias returns recent media ids posted by the given user.
	UserMedias(ctx context.Context, userID string) ([]string, error)
	// LikeMedias likes each of the given medias.
	LikeMedias(ctx context.Context, mediaIDs []string) error
	// SelfID returns the id of the authenticated account.
	SelfID() string
	// LastStatus reports the classification of the most recent response.
	LastStatus() Status
}
