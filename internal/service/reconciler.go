package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/MOPROGRAM/sahaplatform-sub001/internal/store"
	"github.com/MOPROGRAM/sahaplatform-sub001/pkg/logger"
)

const reconcileBatch = 100

// Reconciler recomputes the last-message cache of conversations whose cache
// write failed after the message itself was stored.
type Reconciler struct {
	conversations *store.ConversationRepository
	messages      *store.MessageRepository
	interval      time.Duration
	logger        *logger.Logger
}

// NewReconciler creates a Reconciler running every interval.
func NewReconciler(conversations *store.ConversationRepository, messages *store.MessageRepository, interval time.Duration, log *logger.Logger) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{
		conversations: conversations,
		messages:      messages,
		interval:      interval,
		logger:        log.Named("reconciler"),
	}
}

// Run reconciles until ctx ends.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.ReconcileOnce(ctx); err != nil {
				r.logger.Warn("cache reconciliation failed", zap.Error(err))
			} else if n > 0 {
				r.logger.Info("reconciled conversation caches", zap.Int("count", n))
			}
		}
	}
}

// ReconcileOnce repairs one batch of stale caches and returns how many were fixed.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (int, error) {
	ids, err := r.conversations.ListStale(ctx, reconcileBatch)
	if err != nil {
		return 0, err
	}
	fixed := 0
	for _, id := range ids {
		if err := recomputeCache(ctx, r.conversations, r.messages, id); err != nil {
			r.logger.Warn("failed to recompute cache", zap.String("conversation_id", id), zap.Error(err))
			continue
		}
		fixed++
	}
	return fixed, nil
}
