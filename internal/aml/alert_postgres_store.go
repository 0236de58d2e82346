package aml

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/sbasnet/givesafe/internal/pagination"
)

// PostgresAlertStore implements AlertStore with PostgreSQL. A unique index
// on payment_id backs the one-alert-per-payment invariant even under
// concurrent duplicate jobs.
type PostgresAlertStore struct {
	db *sql.DB
}

// NewPostgresAlertStore creates a PostgreSQL-backed alert store.
func NewPostgresAlertStore(db *sql.DB) *PostgresAlertStore {
	return &PostgresAlertStore{db: db}
}

func (s *PostgresAlertStore) Create(ctx context.Context, alert *Alert) error {
	indicatorsJSON, err := json.Marshal(alert.Indicators)
	if err != nil {
		return fmt.Errorf("marshal indicators: %w", err)
	}
	metadataJSON, err := json.Marshal(alert.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO aml_alerts
			(id, payment_id, donor_id, donation_id, score, indicators, metadata,
			 reviewed, outcome, report_type, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, FALSE, $8, $9, $10)
		ON CONFLICT (payment_id) DO NOTHING
	`, alert.ID, alert.PaymentID, alert.DonorID, alert.DonationID, alert.Score,
		indicatorsJSON, metadataJSON, alert.Outcome, alert.ReportType, alert.CreatedAt)
	if err != nil {
		// ON CONFLICT covers the normal duplicate path; 23505 is kept as a
		// belt for races against older schemas without the conflict target.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAlertExists
		}
		return fmt.Errorf("create alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlertExists
	}
	return nil
}

const alertColumns = `
	id, payment_id, COALESCE(donor_id, ''), COALESCE(donation_id, ''),
	score, indicators, metadata, reviewed, outcome, report_type, created_at`

func (s *PostgresAlertStore) scanAlert(row interface{ Scan(...any) error }) (*Alert, error) {
	a := &Alert{}
	var indicatorsJSON, metadataJSON []byte
	err := row.Scan(&a.ID, &a.PaymentID, &a.DonorID, &a.DonationID, &a.Score,
		&indicatorsJSON, &metadataJSON, &a.Reviewed, &a.Outcome, &a.ReportType, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(indicatorsJSON, &a.Indicators); err != nil {
		return nil, fmt.Errorf("unmarshal indicators for alert %s: %w", a.ID, err)
	}
	if err := json.Unmarshal(metadataJSON, &a.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata for alert %s: %w", a.ID, err)
	}
	return a, nil
}

func (s *PostgresAlertStore) Get(ctx context.Context, id string) (*Alert, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM aml_alerts WHERE id = $1`, id)
	a, err := s.scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return a, nil
}

func (s *PostgresAlertStore) GetByPayment(ctx context.Context, paymentID string) (*Alert, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM aml_alerts WHERE payment_id = $1`, paymentID)
	a, err := s.scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get alert by payment: %w", err)
	}
	return a, nil
}

func (s *PostgresAlertStore) List(ctx context.Context, onlyUnreviewed bool, limit int, before *pagination.Cursor) ([]*Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + alertColumns + ` FROM aml_alerts WHERE TRUE`
	args := []any{}
	if onlyUnreviewed {
		query += ` AND reviewed = FALSE`
	}
	if before != nil {
		query += fmt.Sprintf(` AND (created_at, id) < ($%d, $%d)`, len(args)+1, len(args)+2)
		args = append(args, before.CreatedAt, before.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var alerts []*Alert
	for rows.Next() {
		a, err := s.scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (s *PostgresAlertStore) Review(ctx context.Context, id, outcome, reportType string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE aml_alerts SET reviewed = TRUE, outcome = $2, report_type = $3
		WHERE id = $1
	`, id, outcome, reportType)
	if err != nil {
		return fmt.Errorf("review alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlertNotFound
	}
	return nil
}
