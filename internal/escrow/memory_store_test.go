package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/swifthaul/payhold/internal/pagination"
)

func seedTx(t *testing.T, store *MemoryStore, id string, status Status, createdAt time.Time) *Transaction {
	t.Helper()
	tx := &Transaction{
		ID:           id,
		AgreementID:  "agr_" + id,
		PayerID:      "rider_1",
		PayeeID:      "driver_1",
		Amount:       10000,
		PlatformFee:  1500,
		EscrowAmount: 11500,
		Status:       status,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
		ExpiresAt:    createdAt.Add(15 * time.Minute),
	}
	if err := store.Create(context.Background(), tx); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return tx
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Get(context.Background(), "esc_missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_GetByAgreement(t *testing.T) {
	store := NewMemoryStore()
	seedTx(t, store, "esc_1", StatusInitiated, time.Now())

	tx, err := store.GetByAgreement(context.Background(), "agr_esc_1")
	if err != nil {
		t.Fatalf("GetByAgreement: %v", err)
	}
	if tx.ID != "esc_1" {
		t.Errorf("ID = %s", tx.ID)
	}

	_, err = store.GetByAgreement(context.Background(), "agr_other")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_UpdateFrom_StatusGuard(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedTx(t, store, "esc_1", StatusInitiated, time.Now())

	_, err := store.UpdateFrom(ctx, "esc_1", []Status{StatusHeld}, func(t *Transaction) error {
		t.Status = StatusReleased
		return nil
	})
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("err = %v, want ErrInvalidStateTransition", err)
	}

	cur, _ := store.Get(ctx, "esc_1")
	if cur.Status != StatusInitiated {
		t.Errorf("guard failure must not mutate; status = %s", cur.Status)
	}
}

func TestMemoryStore_UpdateFrom_MutateErrorLeavesRecord(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedTx(t, store, "esc_1", StatusInitiated, time.Now())

	wantErr := errors.New("nope")
	_, err := store.UpdateFrom(ctx, "esc_1", []Status{StatusInitiated}, func(t *Transaction) error {
		t.Status = StatusFunded
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v", err)
	}

	cur, _ := store.Get(ctx, "esc_1")
	if cur.Status != StatusInitiated {
		t.Errorf("mutate error must not commit; status = %s", cur.Status)
	}
}

func TestMemoryStore_UpdateFrom_Serialized(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedTx(t, store, "esc_1", StatusInitiated, time.Now())

	// Only one of many concurrent identical transitions can win.
	var wg sync.WaitGroup
	wins := make(chan struct{}, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpdateFrom(ctx, "esc_1", []Status{StatusInitiated}, func(t *Transaction) error {
				t.Status = StatusFunded
				return nil
			})
			if err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Errorf("%d transitions succeeded, want exactly 1", count)
	}
}

func TestMemoryStore_CopiesAreIsolated(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tx := seedTx(t, store, "esc_1", StatusHeld, time.Now())
	tx.ReleaseConditions = nil // caller's copy, must not matter

	got, _ := store.Get(ctx, "esc_1")
	got.Status = StatusReleased
	got.ReleaseConditions = append(got.ReleaseConditions, ReleaseCondition{Type: ConditionAdminApproval})

	again, _ := store.Get(ctx, "esc_1")
	if again.Status != StatusHeld || len(again.ReleaseConditions) != 0 {
		t.Errorf("mutating a returned copy reached the store: %+v", again)
	}
}

func TestMemoryStore_ListByUser_OrderAndCursor(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"esc_a", "esc_b", "esc_c", "esc_d"} {
		seedTx(t, store, id, StatusHeld, base.Add(time.Duration(i)*time.Minute))
	}

	all, err := store.ListByUser(ctx, "rider_1", nil, 10)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("len = %d, want 4", len(all))
	}
	// Newest first.
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.After(all[i-1].CreatedAt) {
			t.Errorf("result not in descending CreatedAt order at index %d", i)
		}
	}

	// Cursor resumes strictly after the given position.
	page2, err := store.ListByUser(ctx, "rider_1",
		&pagination.Cursor{CreatedAt: all[1].CreatedAt, ID: all[1].ID}, 10)
	if err != nil {
		t.Fatalf("ListByUser with cursor: %v", err)
	}
	if len(page2) != 2 {
		t.Fatalf("page2 len = %d, want 2", len(page2))
	}
	if page2[0].ID != all[2].ID {
		t.Errorf("page2 starts at %s, want %s", page2[0].ID, all[2].ID)
	}

	none, err := store.ListByUser(ctx, "stranger", nil, 10)
	if err != nil || len(none) != 0 {
		t.Errorf("unrelated user: %v, %v", none, err)
	}
}

func TestMemoryStore_ListExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	seedTx(t, store, "esc_old", StatusInitiated, now.Add(-time.Hour))
	seedTx(t, store, "esc_funded_old", StatusFunded, now.Add(-time.Hour))
	seedTx(t, store, "esc_fresh", StatusInitiated, now)
	seedTx(t, store, "esc_held_old", StatusHeld, now.Add(-time.Hour))

	expired, err := store.ListExpired(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	ids := map[string]bool{}
	for _, tx := range expired {
		ids[tx.ID] = true
	}
	if !ids["esc_old"] || !ids["esc_funded_old"] {
		t.Errorf("expired set = %v, want esc_old and esc_funded_old", ids)
	}
	if ids["esc_fresh"] || ids["esc_held_old"] {
		t.Errorf("expired set includes non-candidates: %v", ids)
	}
}

func TestMemoryStore_TimelineOrdering(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, ev := range []string{"created", "fund_confirmed", "custody_confirmed"} {
		if err := store.AppendTransition(ctx, &TransitionRecord{EscrowID: "esc_1", Event: ev}); err != nil {
			t.Fatalf("AppendTransition: %v", err)
		}
	}
	if err := store.AppendTransition(ctx, &TransitionRecord{EscrowID: "esc_2", Event: "created"}); err != nil {
		t.Fatalf("AppendTransition: %v", err)
	}

	recs, err := store.Timeline(ctx, "esc_1")
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("len = %d, want 3", len(recs))
	}
	for i, want := range []string{"created", "fund_confirmed", "custody_confirmed"} {
		if recs[i].Event != want {
			t.Errorf("recs[%d].Event = %s, want %s", i, recs[i].Event, want)
		}
	}
}
