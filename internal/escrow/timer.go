package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically sweeps the ledger: it cancels unfunded transactions
// past their funding deadline, completes custody for funded ones the
// webhook left behind, satisfies time_elapsed conditions whose threshold
// has passed, and auto-releases held transactions whose conditions are all
// satisfied. Every sweep action goes through the same compare-and-swap
// transitions as any caller-driven one.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new escrow sweep timer.
func NewTimer(service *Service, store Store, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    store,
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep runs one pass. Exported so tests and admin tooling can trigger it
// without waiting for the ticker.
func (t *Timer) Sweep(ctx context.Context) {
	now := time.Now()

	// 1. Resolve transactions past their funding deadline. Unfunded ones
	// are cancelled; funded ones paid in time and only the custody
	// confirmation lagged, so the sweep completes the hold instead.
	expired, err := t.store.ListExpired(ctx, now, 100)
	if err != nil {
		t.logger.Warn("failed to list expired escrows", "error", err)
	} else {
		for _, tx := range expired {
			if tx.Status == StatusFunded {
				if _, err := t.service.ConfirmCustody(ctx, tx.ID); err != nil {
					t.logger.Warn("failed to confirm lagging custody",
						"escrowId", tx.ID, "error", err)
					continue
				}
				t.logger.Info("confirmed lagging custody",
					"escrowId", tx.ID, "payer", tx.PayerID)
				continue
			}
			if _, err := t.service.CancelExpired(ctx, tx.ID); err != nil {
				t.logger.Warn("failed to cancel expired escrow",
					"escrowId", tx.ID, "error", err)
				continue
			}
			t.logger.Info("cancelled unfunded escrow",
				"escrowId", tx.ID, "payer", tx.PayerID, "expiredAt", tx.ExpiresAt)
		}
	}

	// 2. Satisfy due time_elapsed conditions and auto-release eligible holds.
	held, err := t.store.ListByStatus(ctx, StatusHeld, 100)
	if err != nil {
		t.logger.Warn("failed to list held escrows", "error", err)
		return
	}

	for _, tx := range held {
		if c := tx.Condition(ConditionTimeElapsed); c != nil &&
			c.Status == ConditionPending &&
			c.NotBefore != nil && now.After(*c.NotBefore) {
			if _, err := t.service.SatisfyCondition(ctx, tx.ID, ConditionTimeElapsed, "system"); err != nil {
				t.logger.Warn("failed to satisfy time_elapsed condition",
					"escrowId", tx.ID, "error", err)
			}
			// SatisfyCondition auto-releases when it was the last one.
			continue
		}

		if EvalRelease(tx).CanRelease {
			if _, err := t.service.Release(ctx, tx.ID, ReleaseAuto, "all release conditions satisfied", "system"); err != nil {
				t.logger.Warn("failed to auto-release escrow",
					"escrowId", tx.ID, "error", err)
				continue
			}
			t.logger.Info("auto-released escrow",
				"escrowId", tx.ID, "payee", tx.PayeeID, "amount", tx.Amount)
		}
	}
}
