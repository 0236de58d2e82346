package donations

import (
	"context"
	"sync"
	"time"

	"github.com/sbasnet/givesafe/internal/contact"
)

// MemoryStore is an in-memory implementation of Store for dev/test use.
type MemoryStore struct {
	mu        sync.RWMutex
	payments  map[string]*Payment
	donors    map[string]*Donor
	campaigns map[string]*Campaign
}

// NewMemoryStore creates an empty in-memory donations store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments:  make(map[string]*Payment),
		donors:    make(map[string]*Donor),
		campaigns: make(map[string]*Campaign),
	}
}

// PutPayment stores or replaces a payment.
func (s *MemoryStore) PutPayment(p *Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.payments[p.ID] = &cp
}

// PutDonor stores or replaces a donor.
func (s *MemoryStore) PutDonor(d *Donor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.donors[d.ID] = &cp
}

// PutCampaign stores or replaces a campaign.
func (s *MemoryStore) PutCampaign(c *Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.campaigns[c.ID] = &cp
}

func (s *MemoryStore) GetPayment(_ context.Context, id string) (*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetDonor(_ context.Context, id string) (*Donor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.donors[id]
	if !ok {
		return nil, ErrDonorNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) GetCampaign(_ context.Context, id string) (*Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, ErrCampaignNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) UpdateVerdict(_ context.Context, paymentID string, score int, indicators []string, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentID]
	if !ok {
		return ErrPaymentNotFound
	}
	p.RiskScore = score
	p.RiskIndicators = append([]string(nil), indicators...)
	p.RiskStatus = status
	return nil
}

func (s *MemoryStore) AverageDonorAmount(_ context.Context, donorID, excludePaymentID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum, n float64
	for _, p := range s.payments {
		if p.DonorID == donorID && p.ID != excludePaymentID && p.Status == StatusCompleted {
			sum += float64(p.Amount)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return sum / n, nil
}

func (s *MemoryStore) AverageGuestAmountByPhone(_ context.Context, phone, excludePaymentID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum, n float64
	for _, p := range s.payments {
		if p.Guest() && p.ID != excludePaymentID && p.Status == StatusCompleted &&
			contact.NormalizePhone(p.ContactPhone) == phone {
			sum += float64(p.Amount)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return sum / n, nil
}

func (s *MemoryStore) AverageGuestAmountByEmail(_ context.Context, email, excludePaymentID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum, n float64
	for _, p := range s.payments {
		if p.Guest() && p.ID != excludePaymentID && p.Status == StatusCompleted &&
			contact.NormalizeEmail(p.ContactEmail) == contact.NormalizeEmail(email) {
			sum += float64(p.Amount)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return sum / n, nil
}

func (s *MemoryStore) DistinctGuestCampaigns(_ context.Context, phone string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, p := range s.payments {
		if p.Guest() && contact.NormalizePhone(p.ContactPhone) == phone && !p.CreatedAt.Before(since) {
			seen[p.CampaignID] = struct{}{}
		}
	}
	return len(seen), nil
}
