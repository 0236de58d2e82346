package aml

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/sbasnet/givesafe/internal/contact"
	"github.com/sbasnet/givesafe/internal/counters"
	"github.com/sbasnet/givesafe/internal/donations"
	"github.com/sbasnet/givesafe/internal/metrics"
)

// Hit is the outcome of a rule that fired: one indicator plus its score
// contribution. Deltas are always non-negative.
type Hit struct {
	Indicator Indicator
	Delta     int
}

// Rule is a single risk heuristic. Evaluate returns nil when the rule does
// not fire. Rules must not assume any ordering beyond what EvalContext
// provides: counter reads are memoized there so a counter is incremented
// exactly once per evaluation no matter how many rules consult it.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, ec *EvalContext) *Hit
}

// Scoring thresholds shared across rules.
const (
	defaultAvgAmount  = 500.0 // assumed historical average with no history
	avgMultiplier     = 10    // amount > 10x average is suspicious
	smallAmount       = 500   // structuring: many payments under this
	newAccountMaxAge  = 24 * time.Hour
	newAccountBigAmt  = 5000
	hourWindow        = time.Hour
	burstWindow       = 5 * time.Minute
	ipWindow          = 24 * time.Hour
	ipDistinctDonors  = 3
	minCampaignSpread = 2
)

// Counter key builders. Keys are namespaced by purpose so the same phone
// can back several independent windows.
func donorHourKey(donorID string) string { return "aml:donor1h:" + donorID }
func phoneHourKey(phone string) string   { return "aml:phone1h:" + phone }
func phoneBurstKey(phone string) string  { return "aml:phone5m:" + phone }
func emailHourKey(email string) string   { return "aml:email1h:" + email }
func ipDonorsKey(ip string) string       { return "aml:ip24h:" + ip }

func phoneCampaignKey(phone, camp string) string {
	return "aml:phonecamp1h:" + phone + ":" + camp
}

// EvalContext carries one payment's evaluation state through the rule set.
type EvalContext struct {
	Payment *donations.Payment
	Donor   *donations.Donor // nil for guest payments
	Phone   string           // normalized guest phone, "" if absent
	Email   string           // normalized guest email, "" if absent

	counters counters.Store
	store    donations.Store
	logger   *slog.Logger
	now      time.Time

	// Memoized counter results keyed by counter key. Guarantees each
	// counter is incremented once per evaluation even when several rules
	// read it, and that a failed read is not retried mid-pass.
	counts map[string]countResult
}

type countResult struct {
	n  int64
	ok bool
}

// count increments (at most once per evaluation) the windowed counter at
// key and returns its value. ok is false when the counter store failed —
// the calling rule should contribute nothing, leaving the rest of the
// evaluation intact.
func (ec *EvalContext) count(ctx context.Context, key string, window time.Duration) (int64, bool) {
	if r, done := ec.counts[key]; done {
		return r.n, r.ok
	}
	n, err := ec.counters.IncrWindow(ctx, key, window)
	if err != nil {
		ec.logger.Error("counter store increment failed, skipping rule signal",
			"key", key, "payment_id", ec.Payment.ID, "error", err)
		metrics.CounterStoreErrors.Inc()
		ec.counts[key] = countResult{ok: false}
		return 0, false
	}
	ec.counts[key] = countResult{n: n, ok: true}
	return n, true
}

// addToSet adds member to the windowed set at key and returns the set's
// cardinality, failing open like count.
func (ec *EvalContext) addToSet(ctx context.Context, key, member string, window time.Duration) (int64, bool) {
	n, err := ec.counters.AddToSet(ctx, key, member, window)
	if err != nil {
		ec.logger.Error("counter store set-add failed, skipping rule signal",
			"key", key, "payment_id", ec.Payment.ID, "error", err)
		metrics.CounterStoreErrors.Inc()
		return 0, false
	}
	return n, true
}

// -----------------------------------------------------------------------------
// Registered-donor rules
// -----------------------------------------------------------------------------

// HighAmountVsUserAvgRule: donation far above the donor's own history.
type HighAmountVsUserAvgRule struct{}

func (r *HighAmountVsUserAvgRule) Name() string { return string(IndicatorHighAmountVsUserAvg) }

func (r *HighAmountVsUserAvgRule) Evaluate(ctx context.Context, ec *EvalContext) *Hit {
	avg, err := ec.store.AverageDonorAmount(ctx, ec.Donor.ID, ec.Payment.ID)
	if err != nil {
		ec.logger.Error("donor average lookup failed", "donor_id", ec.Donor.ID, "error", err)
		return nil
	}
	if avg == 0 {
		avg = defaultAvgAmount
	}
	if float64(ec.Payment.Amount) > avgMultiplier*avg {
		return &Hit{Indicator: IndicatorHighAmountVsUserAvg, Delta: 30}
	}
	return nil
}

// NewAccountHighValueRule: large donation from an account younger than a day.
type NewAccountHighValueRule struct{}

func (r *NewAccountHighValueRule) Name() string { return string(IndicatorNewAccountHighValue) }

func (r *NewAccountHighValueRule) Evaluate(_ context.Context, ec *EvalContext) *Hit {
	age := ec.now.Sub(ec.Donor.CreatedAt)
	if age < newAccountMaxAge && ec.Payment.Amount > newAccountBigAmt {
		return &Hit{Indicator: IndicatorNewAccountHighValue, Delta: 35}
	}
	return nil
}

// StructuringRule: many small donations from one donor within an hour.
// The counter increments whether or not the rule fires.
type StructuringRule struct{}

func (r *StructuringRule) Name() string { return string(IndicatorStructuring) }

func (r *StructuringRule) Evaluate(ctx context.Context, ec *EvalContext) *Hit {
	n, ok := ec.count(ctx, donorHourKey(ec.Donor.ID), hourWindow)
	if !ok {
		return nil
	}
	if n > 5 && ec.Payment.Amount < smallAmount {
		return &Hit{Indicator: IndicatorStructuring, Delta: 40}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Guest rules — phone
// -----------------------------------------------------------------------------

// GuestHighAmountVsPhoneAvgRule mirrors HighAmountVsUserAvgRule for guests,
// keyed on the contact phone's history.
type GuestHighAmountVsPhoneAvgRule struct{}

func (r *GuestHighAmountVsPhoneAvgRule) Name() string {
	return string(IndicatorGuestHighAmountVsPhoneAvg)
}

func (r *GuestHighAmountVsPhoneAvgRule) Evaluate(ctx context.Context, ec *EvalContext) *Hit {
	avg, err := ec.store.AverageGuestAmountByPhone(ctx, ec.Phone, ec.Payment.ID)
	if err != nil {
		ec.logger.Error("guest phone average lookup failed", "error", err)
		return nil
	}
	if avg == 0 {
		avg = defaultAvgAmount
	}
	if float64(ec.Payment.Amount) > avgMultiplier*avg {
		return &Hit{Indicator: IndicatorGuestHighAmountVsPhoneAvg, Delta: 25}
	}
	return nil
}

// GuestExcessive1hRule: more than 15 donations from one phone in an hour.
// Owns the phone hourly counter that two later rules read.
type GuestExcessive1hRule struct{}

func (r *GuestExcessive1hRule) Name() string { return string(IndicatorGuestExcessive1h) }

func (r *GuestExcessive1hRule) Evaluate(ctx context.Context, ec *EvalContext) *Hit {
	n, ok := ec.count(ctx, phoneHourKey(ec.Phone), hourWindow)
	if !ok {
		return nil
	}
	if n > 15 {
		return &Hit{Indicator: IndicatorGuestExcessive1h, Delta: 45}
	}
	return nil
}

// GuestExcessiveCampaignRule: more than 8 donations from one phone to the
// same campaign in an hour.
type GuestExcessiveCampaignRule struct{}

func (r *GuestExcessiveCampaignRule) Name() string { return string(IndicatorGuestExcessiveCampaign) }

func (r *GuestExcessiveCampaignRule) Evaluate(ctx context.Context, ec *EvalContext) *Hit {
	n, ok := ec.count(ctx, phoneCampaignKey(ec.Phone, ec.Payment.CampaignID), hourWindow)
	if !ok {
		return nil
	}
	if n > 8 {
		return &Hit{Indicator: IndicatorGuestExcessiveCampaign, Delta: 50}
	}
	return nil
}

// GuestLowDiversityRule: a phone hammering donations but at fewer than two
// distinct campaigns. Needs the actual campaign set, so it queries history
// instead of a counter; the gate reuses the hourly phone count.
type GuestLowDiversityRule struct{}

func (r *GuestLowDiversityRule) Name() string { return string(IndicatorGuestLowDiversity) }

func (r *GuestLowDiversityRule) Evaluate(ctx context.Context, ec *EvalContext) *Hit {
	n, ok := ec.count(ctx, phoneHourKey(ec.Phone), hourWindow)
	if !ok || n <= 10 {
		return nil
	}
	distinct, err := ec.store.DistinctGuestCampaigns(ctx, ec.Phone, ec.now.Add(-hourWindow))
	if err != nil {
		ec.logger.Error("distinct campaign lookup failed", "error", err)
		return nil
	}
	if distinct < minCampaignSpread {
		return &Hit{Indicator: IndicatorGuestLowDiversity, Delta: 30}
	}
	return nil
}

// GuestHighVelocityRule: more than 3 donations from one phone in 5 minutes.
type GuestHighVelocityRule struct{}

func (r *GuestHighVelocityRule) Name() string { return string(IndicatorGuestHighVelocity) }

func (r *GuestHighVelocityRule) Evaluate(ctx context.Context, ec *EvalContext) *Hit {
	n, ok := ec.count(ctx, phoneBurstKey(ec.Phone), burstWindow)
	if !ok {
		return nil
	}
	if n > 3 {
		return &Hit{Indicator: IndicatorGuestHighVelocity, Delta: 35}
	}
	return nil
}

// GuestStructuringRule: many small guest donations within the hour. Reads
// the hourly phone counter owned by GuestExcessive1hRule.
type GuestStructuringRule struct{}

func (r *GuestStructuringRule) Name() string { return string(IndicatorGuestStructuring) }

func (r *GuestStructuringRule) Evaluate(ctx context.Context, ec *EvalContext) *Hit {
	n, ok := ec.count(ctx, phoneHourKey(ec.Phone), hourWindow)
	if !ok {
		return nil
	}
	if n > 5 && ec.Payment.Amount < smallAmount {
		return &Hit{Indicator: IndicatorGuestStructuring, Delta: 40}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Guest rules — email
// -----------------------------------------------------------------------------

// GuestHighAmountVsEmailAvgRule: amount far above this email's guest history.
type GuestHighAmountVsEmailAvgRule struct{}

func (r *GuestHighAmountVsEmailAvgRule) Name() string {
	return string(IndicatorGuestHighAmountVsEmailAvg)
}

func (r *GuestHighAmountVsEmailAvgRule) Evaluate(ctx context.Context, ec *EvalContext) *Hit {
	avg, err := ec.store.AverageGuestAmountByEmail(ctx, ec.Email, ec.Payment.ID)
	if err != nil {
		ec.logger.Error("guest email average lookup failed", "error", err)
		return nil
	}
	if avg == 0 {
		avg = defaultAvgAmount
	}
	if float64(ec.Payment.Amount) > avgMultiplier*avg {
		return &Hit{Indicator: IndicatorGuestHighAmountVsEmailAvg, Delta: 20}
	}
	return nil
}

// GuestExcessiveEmail1hRule: more than 15 donations from one email in an hour.
type GuestExcessiveEmail1hRule struct{}

func (r *GuestExcessiveEmail1hRule) Name() string { return string(IndicatorGuestExcessiveEmail1h) }

func (r *GuestExcessiveEmail1hRule) Evaluate(ctx context.Context, ec *EvalContext) *Hit {
	n, ok := ec.count(ctx, emailHourKey(ec.Email), hourWindow)
	if !ok {
		return nil
	}
	if n > 15 {
		return &Hit{Indicator: IndicatorGuestExcessiveEmail1h, Delta: 40}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Cross-cutting rules
// -----------------------------------------------------------------------------

// SelfDonationRule: the contributor is the campaign's own creator. Matches
// on donor ID, case-insensitive email, or digits-only phone. The strongest
// single signal in the set.
type SelfDonationRule struct{}

func (r *SelfDonationRule) Name() string { return string(IndicatorSelfDonation) }

func (r *SelfDonationRule) Evaluate(ctx context.Context, ec *EvalContext) *Hit {
	camp, err := ec.store.GetCampaign(ctx, ec.Payment.CampaignID)
	if err != nil {
		ec.logger.Error("campaign lookup failed",
			"campaign_id", ec.Payment.CampaignID, "error", err)
		return nil
	}

	if ec.Donor != nil && ec.Donor.ID == camp.CreatorID {
		return &Hit{Indicator: IndicatorSelfDonation, Delta: 70}
	}
	if ec.Email != "" && camp.CreatorEmail != "" &&
		ec.Email == contact.NormalizeEmail(camp.CreatorEmail) {
		return &Hit{Indicator: IndicatorSelfDonation, Delta: 70}
	}
	if ec.Phone != "" && contact.NormalizePhone(camp.CreatorPhone) == ec.Phone {
		return &Hit{Indicator: IndicatorSelfDonation, Delta: 70}
	}
	return nil
}

// SharedIPRule: three or more distinct contributors from one IP in a day.
type SharedIPRule struct{}

func (r *SharedIPRule) Name() string { return string(IndicatorSharedIP) }

func (r *SharedIPRule) Evaluate(ctx context.Context, ec *EvalContext) *Hit {
	if ec.Payment.IPAddress == "" {
		return nil
	}
	member := ""
	if ec.Donor != nil {
		member = ec.Donor.ID
	} else {
		member = contact.GuestKey(ec.Payment.ContactPhone, ec.Payment.ContactEmail)
	}
	n, ok := ec.addToSet(ctx, ipDonorsKey(ec.Payment.IPAddress), member, ipWindow)
	if !ok {
		return nil
	}
	if n >= ipDistinctDonors {
		return &Hit{Indicator: IndicatorSharedIP, Delta: 40}
	}
	return nil
}

// UnknownMethodRule: payment channel outside the trusted local set.
type UnknownMethodRule struct{}

func (r *UnknownMethodRule) Name() string { return string(IndicatorUnknownMethod) }

func (r *UnknownMethodRule) Evaluate(_ context.Context, ec *EvalContext) *Hit {
	if !knownMethods[strings.ToLower(ec.Payment.Method)] {
		return &Hit{Indicator: IndicatorUnknownMethod, Delta: 10}
	}
	return nil
}

// HighRiskCountryRule: resolved country code on the jurisdiction denylist.
// The payment's own code wins; the donor's stored country is the fallback.
type HighRiskCountryRule struct{}

func (r *HighRiskCountryRule) Name() string { return string(IndicatorHighRiskGeo) }

func (r *HighRiskCountryRule) Evaluate(_ context.Context, ec *EvalContext) *Hit {
	code := ec.Payment.CountryCode
	if code == "" && ec.Donor != nil {
		code = ec.Donor.Country
	}
	if code != "" && highRiskCountries[strings.ToUpper(code)] {
		return &Hit{Indicator: IndicatorHighRiskGeo, Delta: 40}
	}
	return nil
}

// VPNRule: the gateway flagged the source as VPN/proxy/Tor.
type VPNRule struct{}

func (r *VPNRule) Name() string { return string(IndicatorVPN) }

func (r *VPNRule) Evaluate(_ context.Context, ec *EvalContext) *Hit {
	if ec.Payment.VPN {
		return &Hit{Indicator: IndicatorVPN, Delta: 30}
	}
	return nil
}

// RefundRule: refunded payments still get scored, with a penalty.
type RefundRule struct{}

func (r *RefundRule) Name() string { return string(IndicatorRefund) }

func (r *RefundRule) Evaluate(_ context.Context, ec *EvalContext) *Hit {
	if ec.Payment.Refunded || ec.Payment.Status == donations.StatusRefunded {
		return &Hit{Indicator: IndicatorRefund, Delta: 20}
	}
	return nil
}

// DonorRules returns the rules evaluated only for registered donors.
func DonorRules() []Rule {
	return []Rule{
		&HighAmountVsUserAvgRule{},
		&NewAccountHighValueRule{},
		&StructuringRule{},
	}
}

// GuestPhoneRules returns the rules evaluated for guests with a phone.
// GuestExcessive1hRule must precede the two rules that read its counter.
func GuestPhoneRules() []Rule {
	return []Rule{
		&GuestHighAmountVsPhoneAvgRule{},
		&GuestExcessive1hRule{},
		&GuestExcessiveCampaignRule{},
		&GuestLowDiversityRule{},
		&GuestHighVelocityRule{},
		&GuestStructuringRule{},
	}
}

// GuestEmailRules returns the rules evaluated for guests with an email.
func GuestEmailRules() []Rule {
	return []Rule{
		&GuestHighAmountVsEmailAvgRule{},
		&GuestExcessiveEmail1hRule{},
	}
}

// CommonRules returns the rules evaluated for every payment.
func CommonRules() []Rule {
	return []Rule{
		&SelfDonationRule{},
		&SharedIPRule{},
		&UnknownMethodRule{},
		&HighRiskCountryRule{},
		&VPNRule{},
		&RefundRule{},
	}
}
