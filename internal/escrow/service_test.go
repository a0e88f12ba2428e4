package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/swifthaul/payhold/internal/money"
	"github.com/swifthaul/payhold/internal/pagination"
)

var testFees = money.FeeStructure{
	BaseRate:   0.15,
	MinimumFee: 100,
	MaximumFee: 2000,
}

func newTestService() (*Service, *MemoryStore) {
	store := NewMemoryStore()
	svc := NewService(store, testFees, nil)
	return svc, store
}

func createTx(t *testing.T, svc *Service, amount money.Cents) *Transaction {
	t.Helper()
	tx, _, err := svc.Create(context.Background(), CreateRequest{
		AgreementID:   "ride_1",
		AgreementKind: KindRide,
		PayerID:       "rider_1",
		PayeeID:       "driver_1",
		Amount:        amount,
		PaymentMethod: MethodCard,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return tx
}

// fundAndHold drives a fresh transaction into custody.
func fundAndHold(t *testing.T, svc *Service, tx *Transaction) *Transaction {
	t.Helper()
	ctx := context.Background()
	if _, err := svc.Fund(ctx, tx.ID, Confirmation{Amount: tx.EscrowAmount, Method: MethodCard, ReferenceCode: "ref_1"}); err != nil {
		t.Fatalf("Fund: %v", err)
	}
	held, err := svc.ConfirmCustody(ctx, tx.ID)
	if err != nil {
		t.Fatalf("ConfirmCustody: %v", err)
	}
	return held
}

func assertConservation(t *testing.T, tx *Transaction) {
	t.Helper()
	sum := tx.PayerCredit + tx.PayeeCredit + tx.PlatformRetained
	if sum != tx.EscrowAmount {
		t.Errorf("disposition does not conserve escrow amount: %s + %s + %s = %s, want %s",
			tx.PayerCredit, tx.PayeeCredit, tx.PlatformRetained, sum, tx.EscrowAmount)
	}
}

func TestCreate_FreezesFee(t *testing.T) {
	svc, _ := newTestService()
	tx := createTx(t, svc, 10000)

	if tx.PlatformFee != 1500 {
		t.Errorf("PlatformFee = %s, want 15.00", tx.PlatformFee)
	}
	if tx.EscrowAmount != 11500 {
		t.Errorf("EscrowAmount = %s, want 115.00", tx.EscrowAmount)
	}
	if tx.Status != StatusInitiated {
		t.Errorf("Status = %s, want initiated", tx.Status)
	}
	if len(tx.ReleaseConditions) != 2 {
		t.Errorf("expected default conditions, got %v", tx.ReleaseConditions)
	}
}

func TestCreate_Rejections(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, _, err := svc.Create(ctx, CreateRequest{
		AgreementID: "r", AgreementKind: KindRide,
		PayerID: "a", PayeeID: "b", Amount: 0,
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero amount: err = %v, want ErrInvalidAmount", err)
	}

	_, _, err = svc.Create(ctx, CreateRequest{
		AgreementID: "r", AgreementKind: KindRide,
		PayerID: "a", PayeeID: "a", Amount: 100,
	})
	if !errors.Is(err, ErrSameParty) {
		t.Errorf("same party: err = %v, want ErrSameParty", err)
	}
}

func TestCreate_CustomConditionsAndWindows(t *testing.T) {
	svc, _ := newTestService()
	tx, instr, err := svc.Create(context.Background(), CreateRequest{
		AgreementID:   "del_1",
		AgreementKind: KindDelivery,
		PayerID:       "sender_1",
		PayeeID:       "courier_1",
		Amount:        2000,
		Conditions:    []ConditionType{ConditionAgreementFulfilled},
		FundingWindow: "1h",
		DisputeWindow: "24h",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(tx.ReleaseConditions) != 1 || tx.ReleaseConditions[0].Type != ConditionAgreementFulfilled {
		t.Errorf("conditions = %v", tx.ReleaseConditions)
	}
	if tx.DisputeWindow != 24*time.Hour {
		t.Errorf("DisputeWindow = %v, want 24h", tx.DisputeWindow)
	}
	wantExpiry := tx.CreatedAt.Add(time.Hour)
	if !tx.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("ExpiresAt = %v, want %v", tx.ExpiresAt, wantExpiry)
	}
	if instr.EscrowAmount != tx.EscrowAmount || instr.ReferenceCode == "" {
		t.Errorf("payment instructions incomplete: %+v", instr)
	}
}

func TestFund_ExactAmountOnly(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	tx := createTx(t, svc, 10000)

	_, err := svc.Fund(ctx, tx.ID, Confirmation{Amount: 10000})
	if !errors.Is(err, ErrFundingMismatch) {
		t.Fatalf("underfunding: err = %v, want ErrFundingMismatch", err)
	}

	// A failed confirmation leaves the transaction fundable.
	cur, _ := svc.Get(ctx, tx.ID)
	if cur.Status != StatusInitiated {
		t.Fatalf("status after mismatch = %s, want initiated", cur.Status)
	}

	funded, err := svc.Fund(ctx, tx.ID, Confirmation{Amount: 11500, ReferenceCode: "ref_ok"})
	if err != nil {
		t.Fatalf("Fund: %v", err)
	}
	if funded.Status != StatusFunded || funded.FundedAt == nil {
		t.Errorf("funded = %+v", funded)
	}
}

func TestFund_AfterDeadlineCancels(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	tx := createTx(t, svc, 10000)

	// Force the deadline into the past.
	_, err := store.UpdateFrom(ctx, tx.ID, []Status{StatusInitiated}, func(t *Transaction) error {
		t.ExpiresAt = time.Now().Add(-time.Minute)
		return nil
	})
	if err != nil {
		t.Fatalf("backdating: %v", err)
	}

	_, err = svc.Fund(ctx, tx.ID, Confirmation{Amount: 11500})
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("late funding: err = %v, want ErrInvalidStateTransition", err)
	}

	cur, _ := svc.Get(ctx, tx.ID)
	if cur.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", cur.Status)
	}
}

func TestConditions_AutoReleaseWhenAllSatisfied(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	tx := fundAndHold(t, svc, createTx(t, svc, 10000))

	first, err := svc.SatisfyCondition(ctx, tx.ID, ConditionAgreementFulfilled, "driver_1")
	if err != nil {
		t.Fatalf("SatisfyCondition: %v", err)
	}
	if first.Status != StatusHeld {
		t.Fatalf("one of two conditions satisfied, status = %s, want held", first.Status)
	}

	released, err := svc.SatisfyCondition(ctx, tx.ID, ConditionPayeeConfirmed, "driver_1")
	if err != nil {
		t.Fatalf("SatisfyCondition: %v", err)
	}
	if released.Status != StatusReleased {
		t.Fatalf("all conditions satisfied, status = %s, want released", released.Status)
	}
	if released.ReleaseType != ReleaseAuto {
		t.Errorf("ReleaseType = %s, want auto", released.ReleaseType)
	}
	if released.PayeeCredit != 10000 || released.PlatformRetained != 1500 || released.PayerCredit != 0 {
		t.Errorf("release split = %s/%s/%s, want 100.00 payee / 15.00 platform",
			released.PayerCredit, released.PayeeCredit, released.PlatformRetained)
	}
	assertConservation(t, released)
	if released.DisputeWindowUntil == nil {
		t.Error("release should open a dispute window")
	}
}

func TestFailCondition_BlocksAutoRelease(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	tx := fundAndHold(t, svc, createTx(t, svc, 10000))

	if _, err := svc.FailCondition(ctx, tx.ID, ConditionAgreementFulfilled, "rider_1"); err != nil {
		t.Fatalf("FailCondition: %v", err)
	}
	cur, err := svc.SatisfyCondition(ctx, tx.ID, ConditionPayeeConfirmed, "driver_1")
	if err != nil {
		t.Fatalf("SatisfyCondition: %v", err)
	}
	if cur.Status != StatusHeld {
		t.Errorf("status = %s, want held (failed condition blocks release)", cur.Status)
	}
}

func TestSatisfyCondition_UnknownCondition(t *testing.T) {
	svc, _ := newTestService()
	tx := fundAndHold(t, svc, createTx(t, svc, 10000))

	_, err := svc.SatisfyCondition(context.Background(), tx.ID, ConditionAdminApproval, "admin_1")
	if !errors.Is(err, ErrUnknownCondition) {
		t.Errorf("err = %v, want ErrUnknownCondition", err)
	}
}

func TestRelease_ManualRequiresReason(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	tx := fundAndHold(t, svc, createTx(t, svc, 10000))

	_, err := svc.Release(ctx, tx.ID, ReleaseManual, "", "admin_1")
	if !errors.Is(err, ErrReasonRequired) {
		t.Fatalf("err = %v, want ErrReasonRequired", err)
	}

	released, err := svc.Release(ctx, tx.ID, ReleaseManual, "support override", "admin_1")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if released.ReleaseType != ReleaseManual || released.CloseReason != "support override" {
		t.Errorf("released = %+v", released)
	}
	assertConservation(t, released)
}

func TestRelease_OnlyFromHeld(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	tx := createTx(t, svc, 10000)

	_, err := svc.Release(ctx, tx.ID, ReleaseManual, "too early", "admin_1")
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("release from initiated: err = %v, want ErrInvalidStateTransition", err)
	}
}

func TestRefund_Full(t *testing.T) {
	svc, _ := newTestService()
	tx := fundAndHold(t, svc, createTx(t, svc, 10000))

	refunded, err := svc.Refund(context.Background(), tx.ID, 0, "service never provided", "admin_1")
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if refunded.PayerCredit != 11500 || refunded.PayeeCredit != 0 || refunded.PlatformRetained != 0 {
		t.Errorf("full refund split = %s/%s/%s, want 115.00 to payer",
			refunded.PayerCredit, refunded.PayeeCredit, refunded.PlatformRetained)
	}
	assertConservation(t, refunded)
}

func TestRefund_Partial(t *testing.T) {
	svc, _ := newTestService()
	tx := fundAndHold(t, svc, createTx(t, svc, 10000))

	refunded, err := svc.Refund(context.Background(), tx.ID, 4000, "ride cut short", "admin_1")
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if refunded.PayerCredit != 4000 || refunded.PlatformRetained != 1500 || refunded.PayeeCredit != 6000 {
		t.Errorf("partial refund split = %s/%s/%s",
			refunded.PayerCredit, refunded.PayeeCredit, refunded.PlatformRetained)
	}
	assertConservation(t, refunded)
}

func TestRefund_RequiresReason(t *testing.T) {
	svc, _ := newTestService()
	tx := fundAndHold(t, svc, createTx(t, svc, 10000))

	_, err := svc.Refund(context.Background(), tx.ID, 0, "", "admin_1")
	if !errors.Is(err, ErrReasonRequired) {
		t.Errorf("err = %v, want ErrReasonRequired", err)
	}
}

func TestMarkDisputed_FromHeld(t *testing.T) {
	svc, _ := newTestService()
	tx := fundAndHold(t, svc, createTx(t, svc, 10000))

	disputed, err := svc.MarkDisputed(context.Background(), tx.ID, "dsp_1")
	if err != nil {
		t.Fatalf("MarkDisputed: %v", err)
	}
	if disputed.Status != StatusDisputed || disputed.OpenDisputeID != "dsp_1" {
		t.Errorf("disputed = %+v", disputed)
	}
}

func TestMarkDisputed_ReleasedWithinWindow(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	tx := fundAndHold(t, svc, createTx(t, svc, 10000))

	if _, err := svc.Release(ctx, tx.ID, ReleaseManual, "done", "admin_1"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	disputed, err := svc.MarkDisputed(ctx, tx.ID, "dsp_1")
	if err != nil {
		t.Fatalf("MarkDisputed within window: %v", err)
	}
	if disputed.Status != StatusDisputed {
		t.Errorf("status = %s, want disputed", disputed.Status)
	}
}

func TestMarkDisputed_WindowExpired(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	tx := fundAndHold(t, svc, createTx(t, svc, 10000))

	if _, err := svc.Release(ctx, tx.ID, ReleaseManual, "done", "admin_1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	// Close the window.
	_, err := store.UpdateFrom(ctx, tx.ID, []Status{StatusReleased}, func(t *Transaction) error {
		past := time.Now().Add(-time.Minute)
		t.DisputeWindowUntil = &past
		return nil
	})
	if err != nil {
		t.Fatalf("backdating window: %v", err)
	}

	_, err = svc.MarkDisputed(ctx, tx.ID, "dsp_1")
	if !errors.Is(err, ErrDisputeWindowExpired) {
		t.Errorf("err = %v, want ErrDisputeWindowExpired", err)
	}
}

func TestSettle_ConservesEscrowAmount(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	tx := fundAndHold(t, svc, createTx(t, svc, 10000))
	if _, err := svc.MarkDisputed(ctx, tx.ID, "dsp_1"); err != nil {
		t.Fatalf("MarkDisputed: %v", err)
	}

	_, err := svc.Settle(ctx, tx.ID, Disposition{
		Outcome:     StatusRefunded,
		PayerCredit: 5750,
		PayeeCredit: 4250,
		// PlatformRetained missing: sums to 10000, not 11500.
	})
	if !errors.Is(err, ErrUnbalancedSettlement) {
		t.Fatalf("unbalanced settle: err = %v, want ErrUnbalancedSettlement", err)
	}

	settled, err := svc.Settle(ctx, tx.ID, Disposition{
		Outcome:          StatusRefunded,
		PayerCredit:      5750,
		PayeeCredit:      4250,
		PlatformRetained: 1500,
		Reason:           "split the difference",
		Actor:            "admin_1",
	})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if settled.Status != StatusRefunded || settled.ReleaseType != ReleaseDispute {
		t.Errorf("settled = %+v", settled)
	}
	assertConservation(t, settled)

	// Exactly once: the transaction has left disputed.
	_, err = svc.Settle(ctx, tx.ID, Disposition{
		Outcome: StatusReleased, PayeeCredit: 10000, PlatformRetained: 1500,
	})
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("double settle: err = %v, want ErrInvalidStateTransition", err)
	}
}

func TestSettle_RejectsNegativeCredits(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	tx := fundAndHold(t, svc, createTx(t, svc, 10000))
	if _, err := svc.MarkDisputed(ctx, tx.ID, "dsp_1"); err != nil {
		t.Fatalf("MarkDisputed: %v", err)
	}

	_, err := svc.Settle(ctx, tx.ID, Disposition{
		Outcome:          StatusRefunded,
		PayerCredit:      13000,
		PayeeCredit:      -1500,
		PlatformRetained: 0,
	})
	if !errors.Is(err, ErrUnbalancedSettlement) {
		t.Errorf("err = %v, want ErrUnbalancedSettlement", err)
	}
}

func TestReinstate_ReturnsToPriorCustody(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	// Disputed from held goes back to held.
	held := fundAndHold(t, svc, createTx(t, svc, 10000))
	if _, err := svc.MarkDisputed(ctx, held.ID, "dsp_1"); err != nil {
		t.Fatalf("MarkDisputed: %v", err)
	}
	back, err := svc.Reinstate(ctx, held.ID, "withdrawn")
	if err != nil {
		t.Fatalf("Reinstate: %v", err)
	}
	if back.Status != StatusHeld || back.OpenDisputeID != "" {
		t.Errorf("reinstated = %+v, want held with no open dispute", back)
	}

	// Disputed from released goes back to released.
	tx2, _, err := svc.Create(ctx, CreateRequest{
		AgreementID: "ride_2", AgreementKind: KindRide,
		PayerID: "rider_2", PayeeID: "driver_2", Amount: 10000,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	fundAndHold(t, svc, tx2)
	if _, err := svc.Release(ctx, tx2.ID, ReleaseManual, "done", "admin_1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := svc.MarkDisputed(ctx, tx2.ID, "dsp_2"); err != nil {
		t.Fatalf("MarkDisputed: %v", err)
	}
	back2, err := svc.Reinstate(ctx, tx2.ID, "invalid dispute")
	if err != nil {
		t.Fatalf("Reinstate: %v", err)
	}
	if back2.Status != StatusReleased {
		t.Errorf("status = %s, want released", back2.Status)
	}
}

func TestCancel_BeforeCustodyOnly(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	tx := createTx(t, svc, 10000)
	cancelled, err := svc.Cancel(ctx, tx.ID, "rider changed mind", "rider_1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
	// Never funded, nothing to return.
	if cancelled.PayerCredit != 0 {
		t.Errorf("PayerCredit = %s, want 0.00", cancelled.PayerCredit)
	}

	held := fundAndHold(t, svc, createTx(t, svc, 10000))
	_, err = svc.Cancel(ctx, held.ID, "too late", "rider_1")
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("cancel from held: err = %v, want ErrInvalidStateTransition", err)
	}
}

func TestCancel_FundedReturnsPayment(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	tx := createTx(t, svc, 10000)
	if _, err := svc.Fund(ctx, tx.ID, Confirmation{Amount: 11500}); err != nil {
		t.Fatalf("Fund: %v", err)
	}

	cancelled, err := svc.Cancel(ctx, tx.ID, "custody never confirmed", "system")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.PayerCredit != 11500 {
		t.Errorf("PayerCredit = %s, want 115.00", cancelled.PayerCredit)
	}
}

func TestCancelExpired_InitiatedOnly(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	tx := createTx(t, svc, 10000)
	if _, err := svc.Fund(ctx, tx.ID, Confirmation{Amount: tx.EscrowAmount}); err != nil {
		t.Fatalf("Fund: %v", err)
	}

	// Expiry cancellation is for missing payments only.
	_, err := svc.CancelExpired(ctx, tx.ID)
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("expire funded: err = %v, want ErrInvalidStateTransition", err)
	}
	cur, _ := svc.Get(ctx, tx.ID)
	if cur.Status != StatusFunded {
		t.Errorf("status = %s, want funded", cur.Status)
	}
}

func TestTimeline_RecordsEveryTransition(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	tx := fundAndHold(t, svc, createTx(t, svc, 10000))
	if _, err := svc.Release(ctx, tx.ID, ReleaseManual, "done", "admin_1"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	timeline, err := svc.Timeline(ctx, tx.ID)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	events := make([]string, 0, len(timeline))
	for _, rec := range timeline {
		events = append(events, rec.Event)
	}
	want := []string{"created", "fund_confirmed", "custody_confirmed", "manual_release"}
	if len(events) != len(want) {
		t.Fatalf("timeline events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, events[i], want[i])
		}
	}
}

func TestListByUser_Pagination(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _, err := svc.Create(ctx, CreateRequest{
			AgreementID: "ride_" + string(rune('a'+i)), AgreementKind: KindRide,
			PayerID: "rider_1", PayeeID: "driver_1", Amount: 1000,
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		time.Sleep(2 * time.Millisecond) // distinct CreatedAt ordering
	}

	page1, err := svc.ListByUser(ctx, "rider_1", nil, 3)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(page1) != 3 {
		t.Fatalf("page1 len = %d, want 3", len(page1))
	}

	last := page1[len(page1)-1]
	page2, err := svc.ListByUser(ctx, "rider_1",
		&pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}, 3)
	if err != nil {
		t.Fatalf("ListByUser page2: %v", err)
	}
	if len(page2) != 2 {
		t.Fatalf("page2 len = %d, want 2", len(page2))
	}

	seen := map[string]bool{}
	for _, tx := range append(page1, page2...) {
		if seen[tx.ID] {
			t.Errorf("transaction %s appears on both pages", tx.ID)
		}
		seen[tx.ID] = true
	}
}

func TestEvalRelease(t *testing.T) {
	tx := &Transaction{ReleaseConditions: DefaultConditions()}
	ev := EvalRelease(tx)
	if ev.CanRelease {
		t.Error("pending conditions should not be releasable")
	}
	if len(ev.PendingConditions) != 2 {
		t.Errorf("pending = %v", ev.PendingConditions)
	}

	for i := range tx.ReleaseConditions {
		tx.ReleaseConditions[i].Status = ConditionSatisfied
	}
	ev = EvalRelease(tx)
	if !ev.CanRelease || len(ev.PendingConditions) != 0 {
		t.Errorf("all satisfied: %+v", ev)
	}

	// No conditions at all releases trivially.
	if !EvalRelease(&Transaction{}).CanRelease {
		t.Error("no conditions should be releasable")
	}
}
