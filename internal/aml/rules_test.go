package aml

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sbasnet/givesafe/internal/counters"
	"github.com/sbasnet/givesafe/internal/donations"
)

func newEvalContext(p *donations.Payment, donor *donations.Donor, store donations.Store, cs counters.Store) *EvalContext {
	ec := &EvalContext{
		Payment:  p,
		Donor:    donor,
		counters: cs,
		store:    store,
		logger:   testLogger(),
		now:      time.Now(),
		counts:   make(map[string]countResult),
	}
	return ec
}

func TestUnknownMethodRule(t *testing.T) {
	tests := []struct {
		method string
		fires  bool
	}{
		{"khalti", false},
		{"esewa", false},
		{"fonepay", false},
		{"Khalti", false}, // case-insensitive
		{"stripe", true},
		{"wire", true},
		{"", true},
	}

	rule := &UnknownMethodRule{}
	for _, tc := range tests {
		ec := newEvalContext(&donations.Payment{Method: tc.method}, nil, nil, nil)
		hit := rule.Evaluate(context.Background(), ec)
		if (hit != nil) != tc.fires {
			t.Errorf("method %q: fired=%v, want %v", tc.method, hit != nil, tc.fires)
		}
		if hit != nil && hit.Delta != 10 {
			t.Errorf("method %q: delta = %d, want 10", tc.method, hit.Delta)
		}
	}
}

func TestHighRiskCountryRule(t *testing.T) {
	rule := &HighRiskCountryRule{}

	// Payment country code wins.
	ec := newEvalContext(&donations.Payment{CountryCode: "KP"}, nil, nil, nil)
	if rule.Evaluate(context.Background(), ec) == nil {
		t.Error("expected hit for payment country KP")
	}

	// Lowercase codes still match.
	ec = newEvalContext(&donations.Payment{CountryCode: "ir"}, nil, nil, nil)
	if rule.Evaluate(context.Background(), ec) == nil {
		t.Error("expected hit for lowercase country code")
	}

	// Falls back to the donor's stored country.
	ec = newEvalContext(&donations.Payment{}, &donations.Donor{ID: "d1", Country: "MM"}, nil, nil)
	if rule.Evaluate(context.Background(), ec) == nil {
		t.Error("expected hit via donor country fallback")
	}

	// Payment code takes precedence over a risky donor country.
	ec = newEvalContext(&donations.Payment{CountryCode: "NP"}, &donations.Donor{ID: "d1", Country: "KP"}, nil, nil)
	if rule.Evaluate(context.Background(), ec) != nil {
		t.Error("payment country NP must win over donor country")
	}

	// No geo data at all.
	ec = newEvalContext(&donations.Payment{}, nil, nil, nil)
	if rule.Evaluate(context.Background(), ec) != nil {
		t.Error("no hit expected without any country data")
	}
}

func TestRefundRule(t *testing.T) {
	rule := &RefundRule{}

	ec := newEvalContext(&donations.Payment{Refunded: true}, nil, nil, nil)
	if rule.Evaluate(context.Background(), ec) == nil {
		t.Error("expected hit for refunded flag")
	}

	ec = newEvalContext(&donations.Payment{Status: donations.StatusRefunded}, nil, nil, nil)
	if rule.Evaluate(context.Background(), ec) == nil {
		t.Error("expected hit for Refunded status")
	}

	ec = newEvalContext(&donations.Payment{Status: donations.StatusCompleted}, nil, nil, nil)
	if rule.Evaluate(context.Background(), ec) != nil {
		t.Error("no hit expected for a completed, unrefunded payment")
	}
}

func TestSharedIPRuleThreshold(t *testing.T) {
	cs := counters.NewMemoryStore()
	rule := &SharedIPRule{}

	// Three distinct guests from one IP within the window; the third one
	// crosses the line.
	phones := []string{"9800000001", "9800000002", "9800000003"}
	var hit *Hit
	for _, phone := range phones {
		p := &donations.Payment{ID: "pay_" + phone, IPAddress: "10.1.2.3", ContactPhone: phone}
		ec := newEvalContext(p, nil, nil, cs)
		hit = rule.Evaluate(context.Background(), ec)
	}
	if hit == nil || hit.Delta != 40 {
		t.Fatalf("third distinct contributor must fire shared_ip_network with delta 40, got %+v", hit)
	}

	// The same guest repeating does not grow the set.
	p := &donations.Payment{ID: "pay_repeat", IPAddress: "10.9.9.9", ContactPhone: "9800000001"}
	for i := 0; i < 5; i++ {
		ec := newEvalContext(p, nil, nil, cs)
		hit = rule.Evaluate(context.Background(), ec)
	}
	if hit != nil {
		t.Error("one guest repeating from an IP must not fire shared_ip_network")
	}
}

func TestSharedIPRuleSkipsWithoutIP(t *testing.T) {
	rule := &SharedIPRule{}
	ec := newEvalContext(&donations.Payment{ContactPhone: "9800000001"}, nil, nil, counters.NewMemoryStore())
	if rule.Evaluate(context.Background(), ec) != nil {
		t.Error("no hit expected without an IP address")
	}
}

func TestGuestExcessiveCampaignRule(t *testing.T) {
	cs := counters.NewMemoryStore()
	rule := &GuestExcessiveCampaignRule{}

	var hit *Hit
	for i := 0; i < 9; i++ {
		p := &donations.Payment{ID: "pay_camp", CampaignID: "camp_x", ContactPhone: "9800000009"}
		ec := newEvalContext(p, nil, nil, cs)
		ec.Phone = "9800000009"
		hit = rule.Evaluate(context.Background(), ec)
	}
	// 9th donation: count 9 > 8.
	if hit == nil || hit.Delta != 50 {
		t.Fatalf("9th same-campaign donation must fire with delta 50, got %+v", hit)
	}
}

// countingStore records how many raw increments hit each key.
type countingStore struct {
	mu    sync.Mutex
	inner *counters.MemoryStore
	incrs map[string]int
}

func newCountingStore() *countingStore {
	return &countingStore{inner: counters.NewMemoryStore(), incrs: make(map[string]int)}
}

func (s *countingStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	s.incrs[key]++
	s.mu.Unlock()
	return s.inner.IncrWindow(ctx, key, window)
}

func (s *countingStore) AddToSet(ctx context.Context, key, member string, window time.Duration) (int64, error) {
	return s.inner.AddToSet(ctx, key, member, window)
}

func TestPhoneCounterIncrementedOncePerEvaluation(t *testing.T) {
	// Three rules consult the hourly phone counter; one evaluation must
	// still increment it exactly once.
	cs := newCountingStore()
	store := donations.NewMemoryStore()
	store.PutCampaign(&donations.Campaign{ID: "camp_1", CreatorID: "creator"})
	engine := NewEngine(store, cs, testLogger())

	p := guestPayment("pay_memo", 100)
	store.PutPayment(p)
	if _, err := engine.Evaluate(context.Background(), p, nil); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	key := phoneHourKey("9800000001")
	if got := cs.incrs[key]; got != 1 {
		t.Errorf("hourly phone counter incremented %d times in one evaluation, want 1", got)
	}
}

func TestGuestLowDiversityRule(t *testing.T) {
	cs := counters.NewMemoryStore()
	store := donations.NewMemoryStore()
	rule := &GuestLowDiversityRule{}

	phone := "9800000011"
	now := time.Now()

	// Eleven recent guest payments, all to the same campaign.
	for i := 0; i < 11; i++ {
		store.PutPayment(&donations.Payment{
			ID: "pay_div_" + string(rune('a'+i)), Amount: 100,
			ContactPhone: phone, CampaignID: "camp_only",
			Status: donations.StatusCompleted, CreatedAt: now.Add(-time.Minute),
		})
	}

	// Drive the hourly counter past the gate.
	var hit *Hit
	for i := 0; i < 11; i++ {
		ec := newEvalContext(&donations.Payment{ID: "pay_div", CampaignID: "camp_only", ContactPhone: phone}, nil, store, cs)
		ec.Phone = phone
		hit = rule.Evaluate(context.Background(), ec)
	}
	if hit == nil || hit.Indicator != IndicatorGuestLowDiversity {
		t.Fatalf("expected guest_low_campaign_diversity once count > 10, got %+v", hit)
	}

	// A second distinct campaign in the window clears the signal.
	store.PutPayment(&donations.Payment{
		ID: "pay_div_other", Amount: 100,
		ContactPhone: phone, CampaignID: "camp_other",
		Status: donations.StatusCompleted, CreatedAt: now.Add(-time.Minute),
	})
	ec := newEvalContext(&donations.Payment{ID: "pay_div", CampaignID: "camp_only", ContactPhone: phone}, nil, store, cs)
	ec.Phone = phone
	if rule.Evaluate(context.Background(), ec) != nil {
		t.Error("two distinct campaigns must not fire low-diversity")
	}
}
