// Package donations exposes the payment, donor, and campaign records the
// risk engine reads, plus the verdict fields it writes back. Everything
// else about the donation lifecycle (checkout, gateway callbacks, receipts)
// lives outside this module and only touches these tables through its own
// paths.
package donations

import (
	"context"
	"errors"
	"time"
)

// Payment statuses set by the payment pipeline.
const (
	StatusCompleted = "Completed"
	StatusRefunded  = "Refunded"
)

var (
	ErrPaymentNotFound  = errors.New("payment not found")
	ErrDonorNotFound    = errors.New("donor not found")
	ErrCampaignNotFound = errors.New("campaign not found")
)

// Payment is a completed donation payment. Amount is in paisa (the
// smallest currency unit). DonorID is empty for guest donations, which
// carry at least one of ContactPhone/ContactEmail instead.
type Payment struct {
	ID           string    `json:"id"`
	Amount       int64     `json:"amount"`
	DonorID      string    `json:"donorId,omitempty"`
	ContactPhone string    `json:"contactPhone,omitempty"`
	ContactEmail string    `json:"contactEmail,omitempty"`
	IPAddress    string    `json:"ipAddress,omitempty"`
	Country      string    `json:"country,omitempty"`
	CountryCode  string    `json:"countryCode,omitempty"`
	VPN          bool      `json:"vpn"`
	Method       string    `json:"method"` // khalti, esewa, fonepay, other
	Status       string    `json:"status"`
	Refunded     bool      `json:"refunded"`
	CampaignID   string    `json:"campaignId"`
	DonationID   string    `json:"donationId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`

	// Verdict fields, written by the risk engine. RiskStatus is "" until
	// the payment has been scored — downstream tooling must treat that as
	// unscored, not as clean.
	RiskScore      int      `json:"riskScore"`
	RiskIndicators []string `json:"riskIndicators,omitempty"`
	RiskStatus     string   `json:"riskStatus,omitempty"`
}

// Guest reports whether the payment has no registered donor attached.
func (p *Payment) Guest() bool { return p.DonorID == "" }

// Donor is a registered account making donations.
type Donor struct {
	ID        string    `json:"id"`
	Country   string    `json:"country,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Campaign carries the creator identity needed for self-donation checks.
type Campaign struct {
	ID           string `json:"id"`
	CreatorID    string `json:"creatorId"`
	CreatorEmail string `json:"creatorEmail,omitempty"`
	CreatorPhone string `json:"creatorPhone,omitempty"`
}

// Store is the persistence surface the risk engine depends on.
type Store interface {
	GetPayment(ctx context.Context, id string) (*Payment, error)
	GetDonor(ctx context.Context, id string) (*Donor, error)
	GetCampaign(ctx context.Context, id string) (*Campaign, error)

	// UpdateVerdict writes the three verdict fields onto a payment.
	// It is a partial update — no other payment columns are touched —
	// and overwrites any previous verdict (last write wins).
	UpdateVerdict(ctx context.Context, paymentID string, score int, indicators []string, status string) error

	// AverageDonorAmount returns the mean amount of the donor's payments,
	// excluding the payment being scored. Returns 0 with a nil error when
	// there is no history.
	AverageDonorAmount(ctx context.Context, donorID, excludePaymentID string) (float64, error)

	// AverageGuestAmountByPhone returns the mean amount of guest payments
	// whose contact phone matches the given digits-only phone.
	AverageGuestAmountByPhone(ctx context.Context, phone, excludePaymentID string) (float64, error)

	// AverageGuestAmountByEmail is the email analogue, matched
	// case-insensitively.
	AverageGuestAmountByEmail(ctx context.Context, email, excludePaymentID string) (float64, error)

	// DistinctGuestCampaigns counts the distinct campaigns that guest
	// payments from this phone targeted since the given time.
	DistinctGuestCampaigns(ctx context.Context, phone string, since time.Time) (int, error)
}
