package engine

import (
	"time"

	"github.com/tendrilbot/tendril/internal/platform"
	"go.uber.org/zap"
)

// SpamGuard pauses platform-mutating work after the platform flags automated
// behavior. Detection is passive: the guard inspects the client's last
// response status after each action instead of probing with extra requests.
type SpamGuard struct {
	client      platform.Client
	cooldown    time.Duration
	pausedUntil time.Time
	logger      *zap.Logger
	now         func() time.Time
}

// NewSpamGuard creates a guard with the given cooldown.
func NewSpamGuard(client platform.Client, cooldown time.Duration, logger *zap.Logger) *SpamGuard {
	return &SpamGuard{
		client:   client,
		cooldown: cooldown,
		logger:   logger.Named("spam_guard"),
		now:      time.Now,
	}
}

// Allow reports whether mutating actions may run right now.
func (g *SpamGuard) Allow() bool {
	return !g.now().Before(g.pausedUntil)
}

// Remaining returns how long the current pause still lasts, zero when active.
func (g *SpamGuard) Remaining() time.Duration {
	if remaining := g.pausedUntil.Sub(g.now()); remaining > 0 {
		return remaining
	}

	return 0
}

// Observe checks the client's last response status and starts a cooldown when
// the platform signaled a feedback block. Repeated signals extend the pause.
func (g *SpamGuard) Observe() {
	if g.client.LastStatus() != platform.StatusFeedbackRequired {
		return
	}

	g.pausedUntil = g.now().Add(g.cooldown)
	g.logger.Warn("Feedback signal observed, pausing mutating actions",
		zap.Duration("cooldown", g.cooldown),
		zap.Time("until", g.pausedUntil))
}
