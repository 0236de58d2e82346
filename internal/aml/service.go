package aml

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sbasnet/givesafe/internal/donations"
	"github.com/sbasnet/givesafe/internal/queue"
)

// ScoreJobName is the queue job type for payment scoring.
const ScoreJobName = "aml_score_payment"

// Service connects the payment-completed trigger to the scoring engine
// through the job queue.
type Service struct {
	store    donations.Store
	engine   *Engine
	recorder *Recorder
	queue    *queue.Queue
	notifier Notifier
	logger   *slog.Logger
}

// NewService creates the AML service and registers its job handler.
func NewService(store donations.Store, engine *Engine, recorder *Recorder, q *queue.Queue, notifier Notifier, logger *slog.Logger) *Service {
	s := &Service{
		store:    store,
		engine:   engine,
		recorder: recorder,
		queue:    q,
		notifier: notifier,
		logger:   logger,
	}
	q.Register(ScoreJobName, s.HandleScoreJob)
	return s
}

// EnqueueScore schedules a scoring job for a completed payment. Called by
// the payment webhook pipeline once a gateway confirms the payment.
func (s *Service) EnqueueScore(ctx context.Context, paymentID string) (*queue.Job, error) {
	job, err := s.queue.Enqueue(ctx, ScoreJobName, paymentID)
	if err != nil {
		return nil, fmt.Errorf("enqueue scoring job for payment %s: %w", paymentID, err)
	}
	s.logger.Info("scoring job enqueued", "job_id", job.ID, "payment_id", paymentID)
	return job, nil
}

// HandleScoreJob is the queue handler for one scoring job.
//
// Error handling follows a strict split:
//   - payment/donor load failures are returned (the retry policy owns them;
//     a missing payment on a completed-payment job is a data-integrity
//     problem worth surfacing, not skipping)
//   - a failed verdict write is returned too, since recomputing is cheap
//     and the verdict is the one durable output that matters
//   - a failed alert write is only logged inside the recorder; the job
//     still completes
func (s *Service) HandleScoreJob(ctx context.Context, job *queue.Job) error {
	payment, err := s.store.GetPayment(ctx, job.PaymentID)
	if err != nil {
		return fmt.Errorf("load payment %s: %w", job.PaymentID, err)
	}

	var donor *donations.Donor
	if payment.DonorID != "" {
		donor, err = s.store.GetDonor(ctx, payment.DonorID)
		if err != nil {
			if errors.Is(err, donations.ErrDonorNotFound) {
				// Scoring this as a guest would run the wrong rule branch.
				return fmt.Errorf("payment %s references missing donor %s: %w",
					payment.ID, payment.DonorID, err)
			}
			return fmt.Errorf("load donor %s: %w", payment.DonorID, err)
		}
	}

	verdict, err := s.engine.Evaluate(ctx, payment, donor)
	if err != nil {
		return err
	}

	s.recorder.Record(ctx, payment, verdict)

	if verdict.Status == StatusBlocked && s.notifier != nil {
		s.notifier.PaymentBlocked(payment.ID, verdict.Score)
	}

	s.logger.Info("payment scored",
		"payment_id", payment.ID,
		"score", verdict.Score,
		"status", string(verdict.Status),
		"indicators", len(verdict.Indicators))
	return nil
}
