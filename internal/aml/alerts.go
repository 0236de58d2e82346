package aml

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sbasnet/givesafe/internal/donations"
	"github.com/sbasnet/givesafe/internal/idgen"
	"github.com/sbasnet/givesafe/internal/metrics"
	"github.com/sbasnet/givesafe/internal/pagination"
)

// Review outcomes for an alert. Alerts start at OutcomeNone; the compliance
// workflow moves them forward.
const (
	OutcomeNone        = "none"
	OutcomeUnderReview = "under_review"
	OutcomeReported    = "reported"
	OutcomeDismissed   = "dismissed"
)

// Regulatory report types.
const (
	ReportNone = "none"
	ReportSTR  = "str" // suspicious transaction report
	ReportTTR  = "ttr" // threshold transaction report
)

var (
	ErrAlertNotFound = errors.New("alert not found")
	ErrAlertExists   = errors.New("alert already exists for payment")
)

// AlertMetadata is the transaction context frozen at evaluation time. The
// live payment may change afterwards; the snapshot does not.
type AlertMetadata struct {
	IPAddress     string `json:"ipAddress,omitempty"`
	Country       string `json:"country,omitempty"`
	CountryCode   string `json:"countryCode,omitempty"`
	Amount        int64  `json:"amount"`
	PaymentMethod string `json:"paymentMethod"`
	GuestPhone    string `json:"guestPhone,omitempty"`
	GuestEmail    string `json:"guestEmail,omitempty"`
	VPN           bool   `json:"vpn"`
	CampaignID    string `json:"campaignId"`
	SelfDonation  bool   `json:"isSelfDonation"`
}

// Alert is a durable record flagging a payment for compliance review.
// Exactly one alert can exist per payment.
type Alert struct {
	ID         string        `json:"id"`
	PaymentID  string        `json:"paymentId"`
	DonorID    string        `json:"donorId,omitempty"`
	DonationID string        `json:"donationId,omitempty"`
	Score      int           `json:"score"`
	Indicators []Indicator   `json:"indicators"`
	Metadata   AlertMetadata `json:"metadata"`
	Reviewed   bool          `json:"reviewed"`
	Outcome    string        `json:"outcome"`
	ReportType string        `json:"reportType"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// AlertStore persists compliance alerts.
type AlertStore interface {
	// Create inserts an alert. Returns ErrAlertExists when the payment
	// already has one — the caller treats that as success.
	Create(ctx context.Context, alert *Alert) error
	Get(ctx context.Context, id string) (*Alert, error)
	GetByPayment(ctx context.Context, paymentID string) (*Alert, error)
	// List returns alerts newest first. A non-nil before cursor restricts
	// the result to alerts strictly older than that position.
	List(ctx context.Context, onlyUnreviewed bool, limit int, before *pagination.Cursor) ([]*Alert, error)
	// Review records the outcome of a human review.
	Review(ctx context.Context, id, outcome, reportType string) error
}

// Notifier publishes compliance events to external subscribers. A nil
// Notifier disables notifications.
type Notifier interface {
	AlertCreated(alertID, paymentID string, score int, indicators []string)
	PaymentBlocked(paymentID string, score int)
	AlertReviewed(alertID, outcome, reportType string)
}

// Recorder raises alerts for verdicts at or above the review threshold.
type Recorder struct {
	store    AlertStore
	notifier Notifier
	logger   *slog.Logger
}

// NewRecorder creates an alert recorder.
func NewRecorder(store AlertStore, notifier Notifier, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, notifier: notifier, logger: logger}
}

// Record creates an alert for the verdict if it crosses the review
// threshold. Idempotent per payment: re-running a scoring job never
// produces a second alert. Persistence failures are logged, not returned —
// the verdict write is the durable side effect that matters; a lost alert
// is recoverable by re-running analysis.
func (r *Recorder) Record(ctx context.Context, p *donations.Payment, verdict *Verdict) *Alert {
	if verdict.Score < ReviewThreshold {
		return nil
	}
	alert := &Alert{
		ID:         idgen.WithPrefix("alr_"),
		PaymentID:  p.ID,
		DonorID:    p.DonorID,
		DonationID: p.DonationID,
		Score:      verdict.Score,
		Indicators: append([]Indicator(nil), verdict.Indicators...),
		Metadata: AlertMetadata{
			IPAddress:     p.IPAddress,
			Country:       p.Country,
			CountryCode:   p.CountryCode,
			Amount:        p.Amount,
			PaymentMethod: p.Method,
			GuestPhone:    p.ContactPhone,
			GuestEmail:    p.ContactEmail,
			VPN:           p.VPN,
			CampaignID:    p.CampaignID,
			SelfDonation:  verdict.Has(IndicatorSelfDonation),
		},
		Outcome:    OutcomeNone,
		ReportType: ReportNone,
		CreatedAt:  verdict.EvaluatedAt,
	}

	err := r.store.Create(ctx, alert)
	switch {
	case errors.Is(err, ErrAlertExists):
		existing, getErr := r.store.GetByPayment(ctx, p.ID)
		if getErr != nil {
			r.logger.Warn("alert exists but lookup failed", "payment_id", p.ID, "error", getErr)
			return nil
		}
		return existing
	case err != nil:
		r.logger.Error("failed to persist alert", "payment_id", p.ID, "score", verdict.Score, "error", err)
		return nil
	}

	metrics.AlertsCreated.Inc()
	r.logger.Info("aml alert created",
		"alert_id", alert.ID, "payment_id", p.ID,
		"score", verdict.Score, "status", string(verdict.Status))

	if r.notifier != nil {
		indicators := make([]string, len(alert.Indicators))
		for i, ind := range alert.Indicators {
			indicators[i] = string(ind)
		}
		r.notifier.AlertCreated(alert.ID, alert.PaymentID, alert.Score, indicators)
	}
	return alert
}
