package aml

import (
	"context"
	"sort"
	"sync"

	"github.com/sbasnet/givesafe/internal/pagination"
)

// MemoryAlertStore implements AlertStore for dev/test use.
type MemoryAlertStore struct {
	mu        sync.RWMutex
	alerts    []*Alert
	byPayment map[string]*Alert
}

// NewMemoryAlertStore creates an in-memory alert store.
func NewMemoryAlertStore() *MemoryAlertStore {
	return &MemoryAlertStore{byPayment: make(map[string]*Alert)}
}

func (s *MemoryAlertStore) Create(_ context.Context, alert *Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byPayment[alert.PaymentID]; ok {
		return ErrAlertExists
	}
	cp := *alert
	cp.Indicators = append([]Indicator(nil), alert.Indicators...)
	s.alerts = append(s.alerts, &cp)
	s.byPayment[alert.PaymentID] = &cp
	return nil
}

func (s *MemoryAlertStore) Get(_ context.Context, id string) (*Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.alerts {
		if a.ID == id {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAlertNotFound
}

func (s *MemoryAlertStore) GetByPayment(_ context.Context, paymentID string) (*Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byPayment[paymentID]
	if !ok {
		return nil, ErrAlertNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryAlertStore) List(_ context.Context, onlyUnreviewed bool, limit int, before *pagination.Cursor) ([]*Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	ordered := make([]*Alert, len(s.alerts))
	copy(ordered, s.alerts)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.After(ordered[j].CreatedAt)
		}
		return ordered[i].ID > ordered[j].ID
	})

	var result []*Alert
	for _, a := range ordered {
		if len(result) >= limit {
			break
		}
		if onlyUnreviewed && a.Reviewed {
			continue
		}
		if before != nil {
			after := a.CreatedAt.After(before.CreatedAt) ||
				(a.CreatedAt.Equal(before.CreatedAt) && a.ID >= before.ID)
			if after {
				continue
			}
		}
		cp := *a
		result = append(result, &cp)
	}
	return result, nil
}

func (s *MemoryAlertStore) Review(_ context.Context, id, outcome, reportType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.ID == id {
			a.Reviewed = true
			a.Outcome = outcome
			a.ReportType = reportType
			return nil
		}
	}
	return ErrAlertNotFound
}

// Alerts returns all stored alerts (for testing).
func (s *MemoryAlertStore) Alerts() []*Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Alert, len(s.alerts))
	copy(result, s.alerts)
	return result
}
