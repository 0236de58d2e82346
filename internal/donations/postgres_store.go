package donations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed donations store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	p := &Payment{}
	var indicatorsJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, amount, COALESCE(donor_id, ''), COALESCE(contact_phone, ''),
		       COALESCE(contact_email, ''), COALESCE(ip_address, ''),
		       COALESCE(country, ''), COALESCE(country_code, ''), vpn,
		       method, status, refunded, campaign_id, COALESCE(donation_id, ''),
		       created_at, risk_score, COALESCE(risk_indicators, '[]'),
		       COALESCE(risk_status, '')
		FROM payments WHERE id = $1
	`, id).Scan(
		&p.ID, &p.Amount, &p.DonorID, &p.ContactPhone, &p.ContactEmail,
		&p.IPAddress, &p.Country, &p.CountryCode, &p.VPN, &p.Method,
		&p.Status, &p.Refunded, &p.CampaignID, &p.DonationID, &p.CreatedAt,
		&p.RiskScore, &indicatorsJSON, &p.RiskStatus,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	if err := json.Unmarshal(indicatorsJSON, &p.RiskIndicators); err != nil {
		return nil, fmt.Errorf("unmarshal risk indicators for payment %s: %w", p.ID, err)
	}
	return p, nil
}

func (s *PostgresStore) GetDonor(ctx context.Context, id string) (*Donor, error) {
	d := &Donor{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(country, ''), created_at FROM donors WHERE id = $1
	`, id).Scan(&d.ID, &d.Country, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDonorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get donor: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	c := &Campaign{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, creator_id, COALESCE(creator_email, ''), COALESCE(creator_phone, '')
		FROM campaigns WHERE id = $1
	`, id).Scan(&c.ID, &c.CreatorID, &c.CreatorEmail, &c.CreatorPhone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCampaignNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) UpdateVerdict(ctx context.Context, paymentID string, score int, indicators []string, status string) error {
	if indicators == nil {
		indicators = []string{}
	}
	indicatorsJSON, err := json.Marshal(indicators)
	if err != nil {
		return fmt.Errorf("marshal indicators: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET risk_score = $2, risk_indicators = $3, risk_status = $4
		WHERE id = $1
	`, paymentID, score, indicatorsJSON, status)
	if err != nil {
		return fmt.Errorf("update verdict: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (s *PostgresStore) AverageDonorAmount(ctx context.Context, donorID, excludePaymentID string) (float64, error) {
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT AVG(amount) FROM payments
		WHERE donor_id = $1 AND id <> $2 AND status = 'Completed'
	`, donorID, excludePaymentID).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("average donor amount: %w", err)
	}
	return avg.Float64, nil
}

func (s *PostgresStore) AverageGuestAmountByPhone(ctx context.Context, phone, excludePaymentID string) (float64, error) {
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT AVG(amount) FROM payments
		WHERE donor_id IS NULL
		  AND normalize_phone(contact_phone) = $1
		  AND id <> $2 AND status = 'Completed'
	`, phone, excludePaymentID).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("average guest amount by phone: %w", err)
	}
	return avg.Float64, nil
}

func (s *PostgresStore) AverageGuestAmountByEmail(ctx context.Context, email, excludePaymentID string) (float64, error) {
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT AVG(amount) FROM payments
		WHERE donor_id IS NULL
		  AND LOWER(COALESCE(contact_email, '')) = LOWER($1)
		  AND id <> $2 AND status = 'Completed'
	`, email, excludePaymentID).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("average guest amount by email: %w", err)
	}
	return avg.Float64, nil
}

func (s *PostgresStore) DistinctGuestCampaigns(ctx context.Context, phone string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT campaign_id) FROM payments
		WHERE donor_id IS NULL
		  AND normalize_phone(contact_phone) = $1
		  AND created_at >= $2
	`, phone, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("distinct guest campaigns: %w", err)
	}
	return count, nil
}
