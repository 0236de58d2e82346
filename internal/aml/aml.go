// Package aml implements anti-money-laundering risk scoring for donation
// payments.
//
// Every completed payment is evaluated against a fixed set of behavioral,
// velocity, and geographic rules. Each rule that fires contributes an
// indicator code and a score delta; the summed score is clamped to [0,100]
// and mapped to a status. Payments at or above the review threshold raise
// a durable alert for the compliance team.
package aml

import "time"

// Indicator is a short code naming a triggered rule. The set is closed:
// a verdict never carries an indicator outside these constants, and never
// carries the same indicator twice.
type Indicator string

const (
	// Registered-donor rules.
	IndicatorHighAmountVsUserAvg Indicator = "high_amount_vs_user_avg"
	IndicatorNewAccountHighValue Indicator = "new_account_high_value"
	IndicatorStructuring         Indicator = "structuring_many_small_txns"

	// Guest rules (phone).
	IndicatorGuestHighAmountVsPhoneAvg Indicator = "guest_high_amount_vs_phone_avg"
	IndicatorGuestExcessive1h          Indicator = "guest_excessive_donations_1h"
	IndicatorGuestExcessiveCampaign    Indicator = "guest_excessive_same_campaign_donations"
	IndicatorGuestLowDiversity         Indicator = "guest_low_campaign_diversity"
	IndicatorGuestHighVelocity         Indicator = "guest_high_velocity_donations"
	IndicatorGuestStructuring          Indicator = "guest_structuring_small_amounts"

	// Guest rules (email).
	IndicatorGuestHighAmountVsEmailAvg Indicator = "guest_high_amount_vs_email_avg"
	IndicatorGuestExcessiveEmail1h     Indicator = "guest_excessive_donations_email_1h"

	// Cross-cutting rules.
	IndicatorSelfDonation  Indicator = "self_donation_detected"
	IndicatorSharedIP      Indicator = "shared_ip_network"
	IndicatorUnknownMethod Indicator = "unknown_payment_method"
	IndicatorHighRiskGeo   Indicator = "high_risk_country"
	IndicatorVPN           Indicator = "vpn_or_tor"
	IndicatorRefund        Indicator = "refund_flag"
)

// Status classifies a scored payment.
type Status string

const (
	StatusOK            Status = "ok"
	StatusPendingReview Status = "pending_review"
	StatusBlocked       Status = "blocked"
)

// Fixed classification thresholds. Alerts are raised at the review line,
// not only at the block line.
const (
	BlockThreshold  = 80
	ReviewThreshold = 60
)

// StatusForScore maps a clamped score to its status.
func StatusForScore(score int) Status {
	switch {
	case score >= BlockThreshold:
		return StatusBlocked
	case score >= ReviewThreshold:
		return StatusPendingReview
	default:
		return StatusOK
	}
}

// Verdict is the result of one scoring pass, before persistence.
type Verdict struct {
	PaymentID   string      `json:"paymentId"`
	Score       int         `json:"score"`
	Indicators  []Indicator `json:"indicators"`
	Status      Status      `json:"status"`
	EvaluatedAt time.Time   `json:"evaluatedAt"`
}

// IndicatorStrings returns the indicator codes as plain strings, for the
// verdict write onto the payment record.
func (v *Verdict) IndicatorStrings() []string {
	out := make([]string, len(v.Indicators))
	for i, ind := range v.Indicators {
		out[i] = string(ind)
	}
	return out
}

// Has reports whether the verdict carries the given indicator.
func (v *Verdict) Has(ind Indicator) bool {
	for _, i := range v.Indicators {
		if i == ind {
			return true
		}
	}
	return false
}

// knownMethods are the trusted local payment channels. Anything else is
// scored as an unknown method.
var knownMethods = map[string]bool{
	"khalti":  true,
	"esewa":   true,
	"fonepay": true,
}

// highRiskCountries is the fixed denylist of high-risk jurisdiction codes
// (ISO 3166-1 alpha-2).
var highRiskCountries = map[string]bool{
	"KP": true, // North Korea
	"IR": true, // Iran
	"MM": true, // Myanmar
	"AF": true,
	"SY": true,
	"YE": true,
	"SO": true,
	"LY": true,
	"SD": true,
	"IQ": true,
}
