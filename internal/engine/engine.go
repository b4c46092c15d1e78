// Package engine implements the account management actions: following
// candidates, pruning the followed set, cosmetic likes, and the candidate
// discovery that feeds them. All durable state lives in the ledger; the
// engine itself is stateless between invocations.
package engine

import (
	"math/rand/v2"
	"time"

	"github.com/tendrilbot/tendril/internal/cache"
	"github.com/tendrilbot/tendril/internal/history"
	"github.com/tendrilbot/tendril/internal/ledger"
	"github.com/tendrilbot/tendril/internal/platform"
	"github.com/tendrilbot/tendril/internal/setup/config"
	"go.uber.org/zap"
)

// Engine executes actions against the ledger, cache and platform.
type Engine struct {
	ledger   *ledger.Ledger
	cache    *cache.Profiles
	client   platform.Client
	recorder *history.Recorder
	cfg      *config.Engine
	rng      *rand.Rand
	logger   *zap.Logger
}

// New creates an Engine. The recorder may be nil, in which case actions are
// not written to history.
func New(
	l *ledger.Ledger,
	profiles *cache.Profiles,
	client platform.Client,
	recorder *history.Recorder,
	cfg *config.Engine,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		ledger:   l,
		cache:    profiles,
		client:   client,
		recorder: recorder,
		cfg:      cfg,
		rng: rand.New(rand.NewPCG(
			uint64(time.Now().UnixNano()),
			uint64(time.Now().UnixNano()>>32),
		)),
		logger: logger.Named("engine"),
	}
}

// record writes one history row for a platform mutation. History failures are
// logged, never propagated; the audit trail must not block account work.
func (e *Engine) record(action Action, userID string, callErr error) {
	if e.recorder == nil {
		return
	}

	if err := e.recorder.Record(action.String(), userID, callErr); err != nil {
		e.logger.Warn("Failed to record action history",
			zap.Stringer("action", action),
			zap.String("userID", userID),
			zap.Error(err))
	}
}
