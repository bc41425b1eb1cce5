package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CedarLaneLabs/ChatterMill/internal/models"
)

// InMemoryStore implements Store, DedupRepo, and PendingRepo in process
// memory. Used by tests and DSN-less local runs.
type InMemoryStore struct {
	mu       sync.Mutex
	contacts map[string]models.Contact
	states   map[string]models.ConversationState
	dedup    map[string]DedupRecord
	pending  []PendingMessage
}

// Compile-time interface checks.
var (
	_ Store       = (*InMemoryStore)(nil)
	_ DedupRepo   = (*InMemoryStore)(nil)
	_ PendingRepo = (*InMemoryStore)(nil)
)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		contacts: make(map[string]models.Contact),
		states:   make(map[string]models.ConversationState),
		dedup:    make(map[string]DedupRecord),
	}
}

func (s *InMemoryStore) GetContact(id string) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *InMemoryStore) SaveContact(c models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.ID] = c
	return nil
}

func (s *InMemoryStore) GetConversationState(contactID string) (*models.ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[contactID]
	if !ok {
		return nil, nil
	}
	state.Context = state.Context.Clone()
	return &state, nil
}

func (s *InMemoryStore) CreateConversationState(state models.ConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.states[state.ContactID]; exists {
		return models.ErrVersionConflict
	}
	state.Version = 1
	state.Context = state.Context.Clone()
	s.states[state.ContactID] = state
	return nil
}

func (s *InMemoryStore) UpdateConversationState(state models.ConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.states[state.ContactID]
	if !ok {
		return models.ErrStateNotFound
	}
	if current.Version != state.Version {
		return models.ErrVersionConflict
	}
	state.Version++
	state.UpdatedAt = time.Now()
	state.Context = state.Context.Clone()
	s.states[state.ContactID] = state
	return nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

// DedupRepo implementation.

func (s *InMemoryStore) RecordInbound(eventID, contactID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if rec, exists := s.dedup[eventID]; exists {
		// Stale in-flight records (admitted, never processed, release missed
		// due to a crash) are re-admitted after the grace period.
		if rec.ProcessedAt != nil || now.Sub(rec.ReceivedAt) < DedupInFlightGrace {
			return false, nil
		}
	}
	s.dedup[eventID] = DedupRecord{EventID: eventID, ContactID: contactID, ReceivedAt: now}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dedup[eventID]
	if !ok {
		return nil
	}
	now := time.Now()
	rec.ProcessedAt = &now
	s.dedup[eventID] = rec
	return nil
}

func (s *InMemoryStore) ReleaseInbound(eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dedup[eventID]
	if !ok || rec.ProcessedAt != nil {
		return nil
	}
	delete(s.dedup, eventID)
	return nil
}

func (s *InMemoryStore) PruneDedupBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.dedup {
		if rec.ReceivedAt.Before(cutoff) {
			delete(s.dedup, id)
			n++
		}
	}
	return n, nil
}

// PendingRepo implementation.

func (s *InMemoryStore) EnqueuePending(contactID, payloadJSON string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	msg := PendingMessage{
		ID:          uuid.NewString(),
		ContactID:   contactID,
		PayloadJSON: payloadJSON,
		Status:      PendingStatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.pending = append(s.pending, msg)
	return msg.ID, nil
}

func (s *InMemoryStore) ClaimPendingForContact(contactID string, limit int) ([]PendingMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var claimed []PendingMessage
	for i := range s.pending {
		if len(claimed) >= limit {
			break
		}
		if s.pending[i].ContactID != contactID || s.pending[i].Status != PendingStatusQueued {
			continue
		}
		s.pending[i].Status = PendingStatusSending
		s.pending[i].LockedAt = &now
		s.pending[i].UpdatedAt = now
		claimed = append(claimed, s.pending[i])
	}
	sort.Slice(claimed, func(i, j int) bool {
		return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
	})
	return claimed, nil
}

func (s *InMemoryStore) MarkPendingSent(id string) error {
	return s.setPendingStatus(id, PendingStatusSent, "")
}

func (s *InMemoryStore) FailPending(id string, errMsg string) error {
	return s.setPendingStatus(id, PendingStatusQueued, errMsg)
}

func (s *InMemoryStore) setPendingStatus(id string, status PendingStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.pending {
		if s.pending[i].ID != id {
			continue
		}
		s.pending[i].Status = status
		s.pending[i].LockedAt = nil
		s.pending[i].UpdatedAt = time.Now()
		if errMsg != "" {
			s.pending[i].Attempts++
			s.pending[i].LastError = errMsg
		}
		return nil
	}
	return nil
}

func (s *InMemoryStore) RequeueStaleSending(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.pending {
		if s.pending[i].Status == PendingStatusSending && s.pending[i].LockedAt != nil && s.pending[i].LockedAt.Before(staleBefore) {
			s.pending[i].Status = PendingStatusQueued
			s.pending[i].LockedAt = nil
			n++
		}
	}
	return n, nil
}
