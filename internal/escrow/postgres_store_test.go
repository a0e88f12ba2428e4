package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/swifthaul/payhold/internal/testutil"
)

func TestPostgresStore_RoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	notBefore := now.Add(time.Hour)
	tx := &Transaction{
		ID:            "esc_pg_1",
		AgreementID:   "ride_pg_1",
		AgreementKind: KindRide,
		PayerID:       "rider_1",
		PayeeID:       "driver_1",
		Amount:        10000,
		PlatformFee:   1500,
		EscrowAmount:  11500,
		Status:        StatusInitiated,
		PaymentMethod: MethodCard,
		RiskScore:     12,
		ReleaseConditions: []ReleaseCondition{
			{Type: ConditionAgreementFulfilled, Status: ConditionPending},
			{Type: ConditionTimeElapsed, Status: ConditionPending, NotBefore: &notBefore},
		},
		DisputeWindow: 48 * time.Hour,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(15 * time.Minute),
	}
	if err := store.Create(ctx, tx); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, "esc_pg_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.EscrowAmount != 11500 || got.PlatformFee != 1500 {
		t.Errorf("amounts = %s/%s", got.EscrowAmount, got.PlatformFee)
	}
	if got.DisputeWindow != 48*time.Hour {
		t.Errorf("DisputeWindow = %v", got.DisputeWindow)
	}
	if len(got.ReleaseConditions) != 2 {
		t.Fatalf("conditions = %+v", got.ReleaseConditions)
	}
	if got.ReleaseConditions[1].NotBefore == nil || !got.ReleaseConditions[1].NotBefore.Equal(notBefore) {
		t.Errorf("NotBefore = %v, want %v", got.ReleaseConditions[1].NotBefore, notBefore)
	}

	byAgreement, err := store.GetByAgreement(ctx, "ride_pg_1")
	if err != nil || byAgreement.ID != "esc_pg_1" {
		t.Errorf("GetByAgreement: %v, %v", byAgreement, err)
	}

	if _, err := store.Get(ctx, "esc_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing id: err = %v, want ErrNotFound", err)
	}
}

func TestPostgresStore_UpdateFrom(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	seedPG(t, store, "esc_pg_u", StatusInitiated)

	// Wrong-state transition fails and mutates nothing.
	_, err := store.UpdateFrom(ctx, "esc_pg_u", []Status{StatusHeld}, func(t *Transaction) error {
		t.Status = StatusReleased
		return nil
	})
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("err = %v, want ErrInvalidStateTransition", err)
	}

	updated, err := store.UpdateFrom(ctx, "esc_pg_u", []Status{StatusInitiated}, func(t *Transaction) error {
		now := time.Now().UTC()
		t.Status = StatusFunded
		t.FundedAt = &now
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateFrom: %v", err)
	}
	if updated.Status != StatusFunded {
		t.Errorf("status = %s", updated.Status)
	}

	got, _ := store.Get(ctx, "esc_pg_u")
	if got.Status != StatusFunded || got.FundedAt == nil {
		t.Errorf("persisted = %+v", got)
	}
}

func TestPostgresStore_AmountCheckConstraint(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	now := time.Now().UTC()
	err := store.Create(context.Background(), &Transaction{
		ID: "esc_pg_bad", AgreementID: "a", AgreementKind: KindRide,
		PayerID: "p", PayeeID: "q", PaymentMethod: MethodCard,
		Amount: 10000, PlatformFee: 1500, EscrowAmount: 999,
		Status: StatusInitiated, DisputeWindow: time.Hour,
		CreatedAt: now, UpdatedAt: now, ExpiresAt: now.Add(time.Minute),
	})
	if err == nil {
		t.Fatal("escrow_amount != amount + platform_fee should violate the check constraint")
	}
}

func TestPostgresStore_ListByUserAndStatus(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	seedPG(t, store, "esc_pg_a", StatusHeld)
	seedPG(t, store, "esc_pg_b", StatusHeld)
	seedPG(t, store, "esc_pg_c", StatusReleased)

	byUser, err := store.ListByUser(ctx, "rider_1", nil, 10)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(byUser) != 3 {
		t.Errorf("byUser len = %d, want 3", len(byUser))
	}

	held, err := store.ListByStatus(ctx, StatusHeld, 10)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(held) != 2 {
		t.Errorf("held len = %d, want 2", len(held))
	}
}

func TestPostgresStore_Transitions(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	rec := &TransitionRecord{
		EscrowID: "esc_pg_t",
		To:       StatusInitiated,
		Event:    "created",
		Actor:    "rider_1",
		At:       time.Now().UTC(),
	}
	if err := store.AppendTransition(ctx, rec); err != nil {
		t.Fatalf("AppendTransition: %v", err)
	}
	if rec.ID == 0 {
		t.Error("AppendTransition should backfill the record ID")
	}

	recs, err := store.Timeline(ctx, "esc_pg_t")
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(recs) != 1 || recs[0].Event != "created" || recs[0].Actor != "rider_1" {
		t.Errorf("timeline = %+v", recs)
	}
}

func seedPG(t *testing.T, store *PostgresStore, id string, status Status) {
	t.Helper()
	now := time.Now().UTC()
	err := store.Create(context.Background(), &Transaction{
		ID:            id,
		AgreementID:   "agr_" + id,
		AgreementKind: KindRide,
		PayerID:       "rider_1",
		PayeeID:       "driver_1",
		Amount:        10000,
		PlatformFee:   1500,
		EscrowAmount:  11500,
		Status:        status,
		PaymentMethod: MethodCard,
		DisputeWindow: 48 * time.Hour,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(15 * time.Minute),
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}
