package aml

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sbasnet/givesafe/internal/contact"
	"github.com/sbasnet/givesafe/internal/counters"
	"github.com/sbasnet/givesafe/internal/donations"
	"github.com/sbasnet/givesafe/internal/metrics"
	"github.com/sbasnet/givesafe/internal/traces"
)

// Engine runs the rule set over a payment and persists the verdict.
type Engine struct {
	store    donations.Store
	counters counters.Store
	logger   *slog.Logger
	now      func() time.Time

	donorRules      []Rule
	guestPhoneRules []Rule
	guestEmailRules []Rule
	commonRules     []Rule
}

// NewEngine creates a scoring engine with the default rule set.
func NewEngine(store donations.Store, cs counters.Store, logger *slog.Logger) *Engine {
	return &Engine{
		store:           store,
		counters:        cs,
		logger:          logger,
		now:             time.Now,
		donorRules:      DonorRules(),
		guestPhoneRules: GuestPhoneRules(),
		guestEmailRules: GuestEmailRules(),
		commonRules:     CommonRules(),
	}
}

// SetClock overrides the time source. For tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Evaluate scores a payment and writes the verdict fields back onto its
// record. The write happens even for a zero score — an unwritten verdict
// means "unscored", which downstream review tooling must not confuse with
// "scored clean".
//
// A failing rule is logged and skipped; a partial verdict beats no verdict.
// A failing verdict write is returned to the caller so the job layer can
// retry — recomputation is cheap and idempotent apart from counter side
// effects.
func (e *Engine) Evaluate(ctx context.Context, payment *donations.Payment, donor *donations.Donor) (*Verdict, error) {
	ctx, span := traces.StartSpan(ctx, "aml.evaluate", traces.PaymentID(payment.ID))
	defer span.End()

	ec := &EvalContext{
		Payment:  payment,
		Donor:    donor,
		counters: e.counters,
		store:    e.store,
		logger:   e.logger,
		now:      e.now(),
		counts:   make(map[string]countResult),
	}
	// Contact fields are normalized for everyone: registered donors may
	// still carry them and self-donation matching uses them, but the guest
	// branch only runs when no donor is attached.
	ec.Phone = contact.NormalizePhone(payment.ContactPhone)
	ec.Email = contact.NormalizeEmail(payment.ContactEmail)

	verdict := &Verdict{
		PaymentID:   payment.ID,
		EvaluatedAt: ec.now,
	}

	score := 0
	apply := func(rules []Rule) {
		for _, rule := range rules {
			hit := e.safeEvaluate(ctx, rule, ec)
			if hit == nil {
				continue
			}
			if verdict.Has(hit.Indicator) {
				continue // one code per rule per evaluation
			}
			verdict.Indicators = append(verdict.Indicators, hit.Indicator)
			score += hit.Delta
		}
	}

	// Donor and guest branches are mutually exclusive, keyed on the
	// presence of a registered donor.
	if donor != nil {
		apply(e.donorRules)
	} else {
		if ec.Phone != "" {
			apply(e.guestPhoneRules)
		}
		if ec.Email != "" {
			apply(e.guestEmailRules)
		}
	}
	apply(e.commonRules)

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	verdict.Score = score
	verdict.Status = StatusForScore(score)

	span.SetAttributes(traces.Score(score))
	metrics.RiskScores.Observe(float64(score))
	metrics.VerdictsTotal.WithLabelValues(string(verdict.Status)).Inc()

	if err := e.store.UpdateVerdict(ctx, payment.ID, score, verdict.IndicatorStrings(), string(verdict.Status)); err != nil {
		return verdict, fmt.Errorf("write verdict for payment %s: %w", payment.ID, err)
	}
	return verdict, nil
}

// safeEvaluate runs one rule, converting a panic into a skipped signal.
func (e *Engine) safeEvaluate(ctx context.Context, rule Rule, ec *EvalContext) (hit *Hit) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in risk rule",
				"rule", rule.Name(), "payment_id", ec.Payment.ID, "panic", fmt.Sprint(r))
			metrics.RuleFailures.WithLabelValues(rule.Name()).Inc()
			hit = nil
		}
	}()
	return rule.Evaluate(ctx, ec)
}
