package aml

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/sbasnet/givesafe/internal/counters"
	"github.com/sbasnet/givesafe/internal/donations"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEngine builds an engine over fresh in-memory stores with a fixed
// clock so account-age rules are deterministic.
func newTestEngine(t *testing.T) (*Engine, *donations.MemoryStore, *counters.MemoryStore, time.Time) {
	t.Helper()
	store := donations.NewMemoryStore()
	cs := counters.NewMemoryStore()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	cs.SetClock(func() time.Time { return now })
	engine := NewEngine(store, cs, testLogger())
	engine.SetClock(func() time.Time { return now })

	store.PutCampaign(&donations.Campaign{
		ID:           "camp_1",
		CreatorID:    "donor_creator",
		CreatorEmail: "creator@example.com",
		CreatorPhone: "+977-980-1111111",
	})
	return engine, store, cs, now
}

func guestPayment(id string, amount int64) *donations.Payment {
	return &donations.Payment{
		ID:           id,
		Amount:       amount,
		ContactPhone: "9800000001",
		Method:       "khalti",
		Status:       donations.StatusCompleted,
		CampaignID:   "camp_1",
	}
}

func TestEvaluateCleanGuestPayment(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)

	p := guestPayment("pay_1", 200)
	store.PutPayment(p)

	verdict, err := engine.Evaluate(context.Background(), p, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if verdict.Score != 0 {
		t.Errorf("score = %d, want 0 (indicators: %v)", verdict.Score, verdict.Indicators)
	}
	if verdict.Status != StatusOK {
		t.Errorf("status = %s, want ok", verdict.Status)
	}

	// Verdict fields must be written even for a clean payment.
	got, _ := store.GetPayment(context.Background(), "pay_1")
	if got.RiskStatus != string(StatusOK) {
		t.Errorf("persisted risk status = %q, want %q", got.RiskStatus, StatusOK)
	}
}

func TestEvaluateGuestBurstBlocked(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)

	// 16 donations of 100 from one phone within the hour. The 16th must
	// trip both the hourly-volume and structuring rules.
	var verdict *Verdict
	for i := 0; i < 16; i++ {
		p := guestPayment("pay_burst", 100)
		store.PutPayment(p)
		var err error
		verdict, err = engine.Evaluate(context.Background(), p, nil)
		if err != nil {
			t.Fatalf("Evaluate #%d: %v", i+1, err)
		}
	}

	if !verdict.Has(IndicatorGuestExcessive1h) {
		t.Error("expected guest_excessive_donations_1h on 16th donation")
	}
	if !verdict.Has(IndicatorGuestStructuring) {
		t.Error("expected guest_structuring_small_amounts on 16th donation")
	}
	if verdict.Score < 85 {
		t.Errorf("score = %d, want >= 85", verdict.Score)
	}
	if verdict.Status != StatusBlocked {
		t.Errorf("status = %s, want blocked", verdict.Status)
	}
}

func TestEvaluateNewAccountHighValue(t *testing.T) {
	engine, store, _, now := newTestEngine(t)

	store.PutDonor(&donations.Donor{ID: "donor_new", CreatedAt: now.Add(-time.Hour)})
	// Prior history keeps the high-amount-vs-average rule quiet.
	store.PutPayment(&donations.Payment{
		ID: "pay_hist", Amount: 1000, DonorID: "donor_new",
		Status: donations.StatusCompleted, CampaignID: "camp_1", Method: "esewa",
	})

	p := &donations.Payment{
		ID: "pay_big", Amount: 6000, DonorID: "donor_new",
		Status: donations.StatusCompleted, CampaignID: "camp_1", Method: "esewa",
	}
	store.PutPayment(p)
	donor, _ := store.GetDonor(context.Background(), "donor_new")

	verdict, err := engine.Evaluate(context.Background(), p, donor)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !verdict.Has(IndicatorNewAccountHighValue) {
		t.Errorf("expected new_account_high_value, got %v", verdict.Indicators)
	}
	if verdict.Score != 35 {
		t.Errorf("score = %d, want 35", verdict.Score)
	}
	if verdict.Status != StatusOK {
		t.Errorf("status = %s, want ok (below review threshold)", verdict.Status)
	}
}

func TestEvaluateSelfDonationByEmail(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)

	// Guest donation to the donor's own campaign with a case-variant email.
	p := &donations.Payment{
		ID: "pay_self", Amount: 300,
		ContactEmail: "Creator@Example.COM",
		Method:       "khalti",
		Status:       donations.StatusCompleted,
		CampaignID:   "camp_1",
	}
	store.PutPayment(p)

	verdict, err := engine.Evaluate(context.Background(), p, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !verdict.Has(IndicatorSelfDonation) {
		t.Errorf("expected self_donation_detected, got %v", verdict.Indicators)
	}
	if verdict.Score < 70 {
		t.Errorf("score = %d, want >= 70", verdict.Score)
	}
	if verdict.Status == StatusOK {
		t.Errorf("status = %s, want pending_review or blocked", verdict.Status)
	}
}

func TestEvaluateSelfDonationPhoneNormalization(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)

	// Campaign creator phone is stored formatted; donation phone is bare
	// digits. Digits-only normalization must treat them as equal.
	store.PutCampaign(&donations.Campaign{
		ID:           "camp_fmt",
		CreatorID:    "donor_creator",
		CreatorPhone: "+977-984-1234567",
	})
	p := &donations.Payment{
		ID: "pay_phone", Amount: 300,
		ContactPhone: "9779841234567",
		Method:       "khalti",
		Status:       donations.StatusCompleted,
		CampaignID:   "camp_fmt",
	}
	store.PutPayment(p)

	verdict, err := engine.Evaluate(context.Background(), p, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !verdict.Has(IndicatorSelfDonation) {
		t.Errorf("expected self_donation_detected via phone match, got %v", verdict.Indicators)
	}

	// The bare local number must also match the creator's international
	// form: the 977 country code is stripped during normalization.
	local := &donations.Payment{
		ID: "pay_phone_local", Amount: 300,
		ContactPhone: "9841234567",
		Method:       "khalti",
		Status:       donations.StatusCompleted,
		CampaignID:   "camp_fmt",
	}
	store.PutPayment(local)

	verdict, err = engine.Evaluate(context.Background(), local, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !verdict.Has(IndicatorSelfDonation) {
		t.Errorf("local number did not match international creator phone, got %v", verdict.Indicators)
	}
}

func TestEvaluateBranchExclusivity(t *testing.T) {
	engine, store, _, now := newTestEngine(t)

	// A donor payment that also carries guest contact fields must never
	// trigger guest-branch rules, and the reverse.
	store.PutDonor(&donations.Donor{ID: "donor_1", CreatedAt: now.Add(-48 * time.Hour)})
	donorIndicators := map[Indicator]bool{
		IndicatorHighAmountVsUserAvg: true,
		IndicatorNewAccountHighValue: true,
		IndicatorStructuring:         true,
	}
	guestIndicators := map[Indicator]bool{
		IndicatorGuestHighAmountVsPhoneAvg: true,
		IndicatorGuestExcessive1h:          true,
		IndicatorGuestExcessiveCampaign:    true,
		IndicatorGuestLowDiversity:         true,
		IndicatorGuestHighVelocity:         true,
		IndicatorGuestStructuring:          true,
		IndicatorGuestHighAmountVsEmailAvg: true,
		IndicatorGuestExcessiveEmail1h:     true,
	}

	// Donor payment with a huge amount and contact fields: only donor and
	// cross-cutting indicators allowed.
	p := &donations.Payment{
		ID: "pay_donor", Amount: 100000, DonorID: "donor_1",
		ContactPhone: "9800000002", ContactEmail: "donor@example.com",
		Method: "khalti", Status: donations.StatusCompleted, CampaignID: "camp_1",
	}
	store.PutPayment(p)
	donor, _ := store.GetDonor(context.Background(), "donor_1")
	verdict, err := engine.Evaluate(context.Background(), p, donor)
	if err != nil {
		t.Fatalf("Evaluate donor payment: %v", err)
	}
	for _, ind := range verdict.Indicators {
		if guestIndicators[ind] {
			t.Errorf("donor payment triggered guest rule %s", ind)
		}
	}

	// Guest payment with a huge amount: only guest and cross-cutting.
	g := guestPayment("pay_guest", 100000)
	store.PutPayment(g)
	verdict, err = engine.Evaluate(context.Background(), g, nil)
	if err != nil {
		t.Fatalf("Evaluate guest payment: %v", err)
	}
	for _, ind := range verdict.Indicators {
		if donorIndicators[ind] {
			t.Errorf("guest payment triggered donor rule %s", ind)
		}
	}
}

func TestEvaluateScoreClampedTo100(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)

	// Stack enough signals to exceed 100 before clamping: self-donation,
	// VPN, high-risk country, unknown method, refund, high amount.
	p := &donations.Payment{
		ID: "pay_max", Amount: 1000000,
		ContactEmail: "creator@example.com",
		Method:       "wire",
		CountryCode:  "KP",
		VPN:          true,
		Refunded:     true,
		Status:       donations.StatusRefunded,
		CampaignID:   "camp_1",
	}
	store.PutPayment(p)

	verdict, err := engine.Evaluate(context.Background(), p, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if verdict.Score != 100 {
		t.Errorf("score = %d, want clamped 100", verdict.Score)
	}
	if verdict.Status != StatusBlocked {
		t.Errorf("status = %s, want blocked", verdict.Status)
	}
}

func TestStatusForScore(t *testing.T) {
	tests := []struct {
		score int
		want  Status
	}{
		{0, StatusOK},
		{59, StatusOK},
		{60, StatusPendingReview},
		{79, StatusPendingReview},
		{80, StatusBlocked},
		{100, StatusBlocked},
	}
	for _, tc := range tests {
		if got := StatusForScore(tc.score); got != tc.want {
			t.Errorf("StatusForScore(%d) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestEvaluateDeterministicAfterCounterReset(t *testing.T) {
	engine, store, cs, _ := newTestEngine(t)

	p := guestPayment("pay_det", 50000)
	store.PutPayment(p)

	first, err := engine.Evaluate(context.Background(), p, nil)
	if err != nil {
		t.Fatalf("first Evaluate: %v", err)
	}
	cs.Reset()
	second, err := engine.Evaluate(context.Background(), p, nil)
	if err != nil {
		t.Fatalf("second Evaluate: %v", err)
	}
	if first.Score != second.Score {
		t.Errorf("scores differ after counter reset: %d vs %d", first.Score, second.Score)
	}
}

// failingCounterStore rejects every operation, simulating an unreachable
// Redis.
type failingCounterStore struct{}

func (failingCounterStore) IncrWindow(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

func (failingCounterStore) AddToSet(context.Context, string, string, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestEvaluateFailsOpenOnCounterErrors(t *testing.T) {
	store := donations.NewMemoryStore()
	engine := NewEngine(store, failingCounterStore{}, testLogger())

	store.PutCampaign(&donations.Campaign{ID: "camp_1", CreatorID: "donor_creator"})
	p := guestPayment("pay_failopen", 200)
	p.VPN = true // a non-counter rule that must still fire
	store.PutPayment(p)

	verdict, err := engine.Evaluate(context.Background(), p, nil)
	if err != nil {
		t.Fatalf("Evaluate must not fail on counter errors: %v", err)
	}
	if !verdict.Has(IndicatorVPN) {
		t.Error("non-counter rules must still run when the counter store is down")
	}
	for _, ind := range verdict.Indicators {
		switch ind {
		case IndicatorGuestExcessive1h, IndicatorGuestHighVelocity,
			IndicatorGuestExcessiveCampaign, IndicatorGuestStructuring,
			IndicatorSharedIP:
			t.Errorf("counter-backed rule %s fired with a failing store", ind)
		}
	}
}

func TestEvaluateVerdictWriteFailurePropagates(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)

	// Payment never stored: UpdateVerdict will return not-found.
	p := guestPayment("pay_missing", 200)

	verdict, err := engine.Evaluate(context.Background(), p, nil)
	if err == nil {
		t.Fatal("expected error from failed verdict write")
	}
	if !errors.Is(err, donations.ErrPaymentNotFound) {
		t.Errorf("err = %v, want wrapped ErrPaymentNotFound", err)
	}
	if verdict == nil {
		t.Error("verdict should still be returned alongside the write error")
	}
}
