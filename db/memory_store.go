package db

import (
	"context"
	"sync"
	"time"
)

// MemoryStatusStore is an in-process DeliveryStatusStore used in tests and
// single-node deployments without Postgres. A mutex plus an in-flight set
// gives the same per-tuple serialization the SQL check-and-set provides.
type MemoryStatusStore struct {
	mu       sync.Mutex
	records  map[DeliveryKey]*DeliveryStatus
	inflight map[DeliveryKey]bool
}

func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{
		records:  make(map[DeliveryKey]*DeliveryStatus),
		inflight: make(map[DeliveryKey]bool),
	}
}

func (s *MemoryStatusStore) Get(_ context.Context, key DeliveryKey) (*DeliveryStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, ErrStatusNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStatusStore) ListByNotification(_ context.Context, notificationID string) ([]DeliveryStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []DeliveryStatus
	for key, rec := range s.records {
		if key.NotificationID == notificationID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (s *MemoryStatusStore) Acquire(_ context.Context, key DeliveryKey, now time.Time) (*DeliveryStatus, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		rec = &DeliveryStatus{
			NotificationID: key.NotificationID,
			TeamID:         key.TeamID,
			Channel:        key.Channel,
			Status:         DeliveryStatusPending,
		}
		s.records[key] = rec
	}

	cp := *rec
	if rec.Status != DeliveryStatusPending && rec.Status != DeliveryStatusRetrying {
		return &cp, false, nil
	}
	if rec.NextRetryAt != nil && rec.NextRetryAt.After(now) {
		return &cp, false, nil
	}
	if s.inflight[key] {
		return &cp, false, nil
	}

	s.inflight[key] = true
	at := now
	rec.LastAttemptAt = &at
	cp = *rec
	return &cp, true, nil
}

func (s *MemoryStatusStore) MarkSent(_ context.Context, key DeliveryKey, externalID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return ErrStatusNotFound
	}
	delete(s.inflight, key)
	if rec.Status == DeliveryStatusDelivered || rec.Status == DeliveryStatusFailed {
		return nil
	}
	rec.Status = DeliveryStatusSent
	rec.ExternalMessageID = externalID
	rec.LastAttemptAt = &at
	return nil
}

func (s *MemoryStatusStore) MarkDelivered(_ context.Context, key DeliveryKey, externalID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return ErrStatusNotFound
	}
	delete(s.inflight, key)
	if rec.Status == DeliveryStatusDelivered {
		return nil
	}
	rec.Status = DeliveryStatusDelivered
	rec.DeliveredAt = &at
	rec.ExternalMessageID = externalID
	rec.NextRetryAt = nil
	rec.ErrorMessage = ""
	return nil
}

func (s *MemoryStatusStore) MarkRetrying(_ context.Context, key DeliveryKey, attempts int, nextRetryAt time.Time, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return ErrStatusNotFound
	}
	delete(s.inflight, key)
	if rec.Status == DeliveryStatusDelivered {
		return nil
	}
	rec.Status = DeliveryStatusRetrying
	rec.Attempts = attempts
	rec.NextRetryAt = &nextRetryAt
	rec.ErrorMessage = errMsg
	rec.LastAttemptAt = nil
	return nil
}

func (s *MemoryStatusStore) MarkFailed(_ context.Context, key DeliveryKey, attempts int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return ErrStatusNotFound
	}
	delete(s.inflight, key)
	if rec.Status == DeliveryStatusDelivered {
		return nil
	}
	rec.Status = DeliveryStatusFailed
	rec.Attempts = attempts
	rec.ErrorMessage = errMsg
	rec.NextRetryAt = nil
	return nil
}
