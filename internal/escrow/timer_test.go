package escrow

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func newTestTimer(svc *Service, store Store) *Timer {
	return NewTimer(svc, store, slog.Default())
}

func TestSweep_CancelsExpiredFunding(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	tx := createTx(t, svc, 10000)

	_, err := store.UpdateFrom(ctx, tx.ID, []Status{StatusInitiated}, func(t *Transaction) error {
		t.ExpiresAt = time.Now().Add(-time.Minute)
		return nil
	})
	if err != nil {
		t.Fatalf("backdating: %v", err)
	}

	newTestTimer(svc, store).Sweep(ctx)

	cur, _ := svc.Get(ctx, tx.ID)
	if cur.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", cur.Status)
	}
	if cur.CloseReason != "funding deadline expired" {
		t.Errorf("CloseReason = %q", cur.CloseReason)
	}
}

func TestSweep_CompletesFundedTransaction(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	tx := createTx(t, svc, 10000)

	if _, err := svc.Fund(ctx, tx.ID, Confirmation{Amount: tx.EscrowAmount}); err != nil {
		t.Fatalf("Fund: %v", err)
	}
	_, err := store.UpdateFrom(ctx, tx.ID, []Status{StatusFunded}, func(t *Transaction) error {
		t.ExpiresAt = time.Now().Add(-time.Minute)
		return nil
	})
	if err != nil {
		t.Fatalf("backdating: %v", err)
	}

	newTestTimer(svc, store).Sweep(ctx)

	// Payment arrived before the deadline; the sweep must finish the hold,
	// never cancel and refund.
	cur, _ := svc.Get(ctx, tx.ID)
	if cur.Status != StatusHeld {
		t.Fatalf("status = %s, want held", cur.Status)
	}
	if cur.PayerCredit != 0 {
		t.Errorf("PayerCredit = %s, want 0", cur.PayerCredit)
	}
}

func TestSweep_SatisfiesDueTimeElapsed(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	tx, _, err := svc.Create(ctx, CreateRequest{
		AgreementID: "ride_t", AgreementKind: KindRide,
		PayerID: "rider_1", PayeeID: "driver_1", Amount: 10000,
		Conditions: []ConditionType{ConditionTimeElapsed},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	fundAndHold(t, svc, tx)

	// Threshold already passed.
	_, err = store.UpdateFrom(ctx, tx.ID, []Status{StatusHeld}, func(t *Transaction) error {
		past := time.Now().Add(-time.Second)
		t.Condition(ConditionTimeElapsed).NotBefore = &past
		return nil
	})
	if err != nil {
		t.Fatalf("setting threshold: %v", err)
	}

	newTestTimer(svc, store).Sweep(ctx)

	cur, _ := svc.Get(ctx, tx.ID)
	if cur.Status != StatusReleased {
		t.Fatalf("status = %s, want released (time_elapsed was the only condition)", cur.Status)
	}
	if cur.ReleaseType != ReleaseAuto {
		t.Errorf("ReleaseType = %s, want auto", cur.ReleaseType)
	}
}

func TestSweep_TimeElapsedNotYetDue(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	tx, _, err := svc.Create(ctx, CreateRequest{
		AgreementID: "ride_t2", AgreementKind: KindRide,
		PayerID: "rider_1", PayeeID: "driver_1", Amount: 10000,
		Conditions: []ConditionType{ConditionTimeElapsed},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	fundAndHold(t, svc, tx)

	_, err = store.UpdateFrom(ctx, tx.ID, []Status{StatusHeld}, func(t *Transaction) error {
		future := time.Now().Add(time.Hour)
		t.Condition(ConditionTimeElapsed).NotBefore = &future
		return nil
	})
	if err != nil {
		t.Fatalf("setting threshold: %v", err)
	}

	newTestTimer(svc, store).Sweep(ctx)

	cur, _ := svc.Get(ctx, tx.ID)
	if cur.Status != StatusHeld {
		t.Errorf("status = %s, want held (threshold not reached)", cur.Status)
	}
}

func TestSweep_LeavesPendingConditionsAlone(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	tx := fundAndHold(t, svc, createTx(t, svc, 10000))

	newTestTimer(svc, store).Sweep(ctx)

	cur, _ := svc.Get(ctx, tx.ID)
	if cur.Status != StatusHeld {
		t.Errorf("status = %s, want held (default conditions still pending)", cur.Status)
	}
}

func TestTimer_StartStop(t *testing.T) {
	svc, store := newTestService()
	timer := newTestTimer(svc, store)
	timer.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for !timer.Running() {
		select {
		case <-deadline:
			t.Fatal("timer never reported running")
		case <-time.After(time.Millisecond):
		}
	}

	timer.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not stop")
	}
	if timer.Running() {
		t.Error("Running() should be false after stop")
	}
}
