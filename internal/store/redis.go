package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/auction-relay/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Bids are cached only once terminal. A pending bid can still change, so
// its reads always go to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateOpportunity(ctx context.Context, opp *model.Opportunity) error {
	if err := s.primary.CreateOpportunity(ctx, opp); err != nil {
		return err
	}
	s.cacheJSON(ctx, opportunityKey(opp.ID), opp)
	return nil
}

func (s *CachedStore) DeactivateOpportunity(ctx context.Context, id string) error {
	if err := s.primary.DeactivateOpportunity(ctx, id); err != nil {
		return err
	}
	s.rdb.Del(ctx, opportunityKey(id))
	return nil
}

func (s *CachedStore) ExpireOpportunities(ctx context.Context, before time.Time) ([]string, error) {
	ids, err := s.primary.ExpireOpportunities(ctx, before)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = opportunityKey(id)
		}
		s.rdb.Del(ctx, keys...)
	}
	return ids, nil
}

func (s *CachedStore) UpdateBidStatus(ctx context.Context, id string, from model.StatusType, to model.BidStatus) error {
	if err := s.primary.UpdateBidStatus(ctx, id, from, to); err != nil {
		return err
	}
	s.rdb.Del(ctx, bidKey(id))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetOpportunity(ctx context.Context, id string) (*model.Opportunity, error) {
	data, err := s.rdb.Get(ctx, opportunityKey(id)).Bytes()
	if err == nil {
		var o model.Opportunity
		if json.Unmarshal(data, &o) == nil {
			return &o, nil
		}
	}

	// Cache miss: read from primary.
	o, err := s.primary.GetOpportunity(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, opportunityKey(id), o)
	return o, nil
}

func (s *CachedStore) GetBid(ctx context.Context, id string) (*model.BidRecord, error) {
	data, err := s.rdb.Get(ctx, bidKey(id)).Bytes()
	if err == nil {
		var b model.BidRecord
		if json.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}

	b, err := s.primary.GetBid(ctx, id)
	if err != nil {
		return nil, err
	}
	if model.IsTerminal(b.Status) {
		s.cacheJSON(ctx, bidKey(id), b)
	}
	return b, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListOpportunities(ctx context.Context, chainID string) ([]model.Opportunity, error) {
	return s.primary.ListOpportunities(ctx, chainID)
}

func (s *CachedStore) InsertBid(ctx context.Context, bid *model.BidRecord) error {
	return s.primary.InsertBid(ctx, bid)
}

func (s *CachedStore) ListPendingBids(ctx context.Context, key BidKey) ([]model.BidRecord, error) {
	return s.primary.ListPendingBids(ctx, key)
}

func (s *CachedStore) CountPendingBids(ctx context.Context, chainID string) (map[string]int, error) {
	return s.primary.CountPendingBids(ctx, chainID)
}

func (s *CachedStore) PendingKeys(ctx context.Context) ([]BidKey, error) {
	return s.primary.PendingKeys(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func opportunityKey(id string) string { return fmt.Sprintf("relay:opportunity:%s", id) }
func bidKey(id string) string         { return fmt.Sprintf("relay:bid:%s", id) }
