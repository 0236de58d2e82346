package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sbasnet/givesafe/internal/idgen"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "givesafe",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "givesafe",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter wraps a Dispatcher to publish compliance events. All methods are
// fire-and-forget: errors are logged but never returned, and a nil Emitter
// is a no-op.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

func (e *Emitter) emit(eventType EventType, data map[string]interface{}) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.Dispatch(ctx, event); err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "error", err)
	}
}

// AlertCreated emits an alert.created event.
func (e *Emitter) AlertCreated(alertID, paymentID string, score int, indicators []string) {
	e.emit(EventAlertCreated, map[string]interface{}{
		"alertId":    alertID,
		"paymentId":  paymentID,
		"score":      score,
		"indicators": indicators,
	})
}

// PaymentBlocked emits a payment.blocked event.
func (e *Emitter) PaymentBlocked(paymentID string, score int) {
	e.emit(EventPaymentBlocked, map[string]interface{}{
		"paymentId": paymentID,
		"score":     score,
	})
}

// AlertReviewed emits an alert.reviewed event.
func (e *Emitter) AlertReviewed(alertID, outcome, reportType string) {
	e.emit(EventAlertReviewed, map[string]interface{}{
		"alertId":    alertID,
		"outcome":    outcome,
		"reportType": reportType,
	})
}
