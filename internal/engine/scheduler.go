package engine

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/tendrilbot/tendril/internal/cache"
	"github.com/tendrilbot/tendril/internal/setup/config"
	"github.com/tendrilbot/tendril/pkg/utils"
	"go.uber.org/zap"
)

// Scheduler runs the action list in a shuffled order each cycle, then sleeps
// a jittered interval derived from the configured daily rate. One goroutine
// owns the whole loop; actions never run concurrently with each other.
type Scheduler struct {
	engine  *Engine
	guard   *SpamGuard
	cache   *cache.Profiles
	cfg     *config.Scheduler
	actions []Action
	rng     *rand.Rand
	logger  *zap.Logger
}

// NewScheduler creates a scheduler over the default action list.
func NewScheduler(
	engine *Engine,
	guard *SpamGuard,
	profiles *cache.Profiles,
	cfg *config.Scheduler,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		engine:  engine,
		guard:   guard,
		cache:   profiles,
		cfg:     cfg,
		actions: AllActions,
		rng: rand.New(rand.NewPCG(
			uint64(time.Now().UnixNano()),
			uint64(time.Now().UnixNano()>>32),
		)),
		logger: logger.Named("scheduler"),
	}
}

// Run loops cycles until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Scheduler started",
		zap.Int("dailyRate", s.cfg.DailyRate),
		zap.Int("actions", len(s.actions)))

	for {
		if utils.ContextGuardWithLog(ctx, s.logger, "Scheduler stopped") {
			return
		}

		// A feedback cooldown pauses the whole loop; running a cycle that
		// skips every action would just burn the jittered pacing.
		if remaining := s.guard.Remaining(); remaining > 0 {
			s.logger.Info("Feedback cooldown active, pausing cycles",
				zap.Duration("remaining", remaining))

			if !utils.CooldownSleep(ctx, remaining, s.logger, "scheduler") {
				return
			}
		}

		s.RunCycle(ctx)

		sigma := time.Duration(s.cfg.SleepSigmaSeconds) * time.Second

		interval := utils.CycleSleep(s.cfg.DailyRate, sigma, s.rng)
		if utils.ContextSleepWithLog(ctx, interval, s.logger, "Scheduler stopped during sleep") == utils.SleepCancelled {
			return
		}
	}
}

// RunCycle executes every action once in random order. A failing action is
// logged and the cycle continues; only context cancellation stops it early.
func (s *Scheduler) RunCycle(ctx context.Context) {
	// Occasionally drop the cached follower view so reciprocation checks see
	// fresh data without refetching every cycle.
	if s.rng.Float64() < s.cfg.InvalidateProbability {
		if err := s.cache.InvalidateFollowers(ctx); err != nil {
			s.logger.Warn("Failed to invalidate follower view", zap.Error(err))
		} else {
			s.logger.Debug("Invalidated follower view")
		}
	}

	order := make([]Action, len(s.actions))
	copy(order, s.actions)
	s.rng.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})

	for _, action := range order {
		if utils.ContextGuard(ctx) {
			return
		}

		if !s.guard.Allow() {
			s.logger.Info("Skipping action, feedback cooldown active",
				zap.Stringer("action", action),
				zap.Duration("remaining", s.guard.Remaining()))

			continue
		}

		if actionErr := s.engine.Execute(ctx, action); actionErr != nil {
			s.logAction(actionErr)
		}

		s.guard.Observe()
	}
}

// logAction logs one failed action at a level matching its kind.
func (s *Scheduler) logAction(actionErr *ActionError) {
	fields := []zap.Field{
		zap.Stringer("action", actionErr.Action),
		zap.Stringer("kind", actionErr.Kind),
		zap.Error(actionErr.Err),
	}

	switch actionErr.Kind {
	case ErrKindStorage:
		s.logger.Error("Action failed", fields...)
	case ErrKindConsistency:
		s.logger.Info("Action target already resolved", fields...)
	default:
		s.logger.Warn("Action failed", fields...)
	}
}
