package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/auction-relay/internal/model"
)

type memOpportunity struct {
	opp    model.Opportunity
	active bool
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu            sync.RWMutex
	opportunities map[string]*memOpportunity
	bids          map[string]*model.BidRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		opportunities: make(map[string]*memOpportunity),
		bids:          make(map[string]*model.BidRecord),
	}
}

func (s *MemoryStore) CreateOpportunity(_ context.Context, opp *model.Opportunity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.opportunities[opp.ID]; ok {
		return fmt.Errorf("%w: opportunity %s", ErrDuplicate, opp.ID)
	}
	s.opportunities[opp.ID] = &memOpportunity{opp: cloneOpportunity(opp), active: true}
	return nil
}

func (s *MemoryStore) GetOpportunity(_ context.Context, id string) (*model.Opportunity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.opportunities[id]
	if !ok || !m.active {
		return nil, fmt.Errorf("%w: opportunity %s", ErrNotFound, id)
	}
	copy := cloneOpportunity(&m.opp)
	return &copy, nil
}

func (s *MemoryStore) ListOpportunities(_ context.Context, chainID string) ([]model.Opportunity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	opps := make([]model.Opportunity, 0, len(s.opportunities))
	for _, m := range s.opportunities {
		if !m.active || (chainID != "" && m.opp.ChainID != chainID) {
			continue
		}
		opps = append(opps, cloneOpportunity(&m.opp))
	}
	sort.Slice(opps, func(i, j int) bool {
		if opps[i].CreationTime != opps[j].CreationTime {
			return opps[i].CreationTime < opps[j].CreationTime
		}
		return opps[i].ID < opps[j].ID
	})
	return opps, nil
}

func (s *MemoryStore) DeactivateOpportunity(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.opportunities[id]
	if !ok {
		return fmt.Errorf("%w: opportunity %s", ErrNotFound, id)
	}
	m.active = false
	return nil
}

func (s *MemoryStore) ExpireOpportunities(_ context.Context, before time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := before.UnixMicro()
	var expired []string
	for id, m := range s.opportunities {
		if m.active && m.opp.CreationTime < cutoff {
			m.active = false
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	return expired, nil
}

func (s *MemoryStore) InsertBid(_ context.Context, bid *model.BidRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bids[bid.ID]; ok {
		return fmt.Errorf("%w: bid %s", ErrDuplicate, bid.ID)
	}
	// Store a copy to avoid external mutation.
	copy := *bid
	s.bids[bid.ID] = &copy
	return nil
}

func (s *MemoryStore) GetBid(_ context.Context, id string) (*model.BidRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bids[id]
	if !ok {
		return nil, fmt.Errorf("%w: bid %s", ErrNotFound, id)
	}
	copy := *b
	return &copy, nil
}

func (s *MemoryStore) ListPendingBids(_ context.Context, key BidKey) ([]model.BidRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.BidRecord
	for _, b := range s.bids {
		if b.ChainID == key.ChainID && b.PermissionKey == key.PermissionKey && !model.IsTerminal(b.Status) {
			result = append(result, *b)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].SubmittedAt.Equal(result[j].SubmittedAt) {
			return result[i].SubmittedAt.Before(result[j].SubmittedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *MemoryStore) CountPendingBids(_ context.Context, chainID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, b := range s.bids {
		if b.ChainID == chainID && !model.IsTerminal(b.Status) {
			counts[b.PermissionKey]++
		}
	}
	return counts, nil
}

func (s *MemoryStore) PendingKeys(_ context.Context) ([]BidKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[BidKey]bool)
	var keys []BidKey
	for _, b := range s.bids {
		if model.IsTerminal(b.Status) {
			continue
		}
		k := BidKey{ChainID: b.ChainID, PermissionKey: b.PermissionKey}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *MemoryStore) UpdateBidStatus(_ context.Context, id string, from model.StatusType, to model.BidStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bids[id]
	if !ok {
		return fmt.Errorf("%w: bid %s", ErrNotFound, id)
	}
	if b.Status == nil || b.Status.Type() != from {
		return fmt.Errorf("%w: bid %s is %v", ErrStatusConflict, id, b.Status)
	}
	b.Status = to
	return nil
}

// cloneOpportunity copies the token slices so callers cannot mutate stored
// records.
func cloneOpportunity(o *model.Opportunity) model.Opportunity {
	c := *o
	c.SellTokens = append([]model.TokenAmount(nil), o.SellTokens...)
	c.BuyTokens = append([]model.TokenAmount(nil), o.BuyTokens...)
	return c
}
