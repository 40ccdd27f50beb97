// Package store defines the persistence interface for the auction relay.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-instance development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/auction-relay/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist or, for
	// opportunities, is no longer active.
	ErrNotFound = errors.New("store: not found")

	// ErrStatusConflict is returned by UpdateBidStatus when the bid is no
	// longer in the expected state.
	ErrStatusConflict = errors.New("store: bid status changed concurrently")

	// ErrDuplicate is returned when inserting a record whose id exists.
	ErrDuplicate = errors.New("store: duplicate id")
)

// BidKey identifies one auction: a permission key on a chain.
type BidKey struct {
	ChainID       string
	PermissionKey string
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Opportunities ---

	// CreateOpportunity persists a new active opportunity.
	CreateOpportunity(ctx context.Context, opp *model.Opportunity) error

	// GetOpportunity retrieves an active opportunity by id.
	GetOpportunity(ctx context.Context, id string) (*model.Opportunity, error)

	// ListOpportunities returns active opportunities ordered by creation
	// time. An empty chainID returns all chains.
	ListOpportunities(ctx context.Context, chainID string) ([]model.Opportunity, error)

	// DeactivateOpportunity removes an opportunity from active listings.
	DeactivateOpportunity(ctx context.Context, id string) error

	// ExpireOpportunities deactivates every active opportunity created
	// before the cutoff and returns their ids.
	ExpireOpportunities(ctx context.Context, before time.Time) ([]string, error)

	// --- Bids ---

	// InsertBid persists a new bid.
	InsertBid(ctx context.Context, bid *model.BidRecord) error

	// GetBid retrieves a bid by id.
	GetBid(ctx context.Context, id string) (*model.BidRecord, error)

	// ListPendingBids returns pending bids on one permission key, oldest
	// first (submitted_at, then id).
	ListPendingBids(ctx context.Context, key BidKey) ([]model.BidRecord, error)

	// CountPendingBids returns pending bid counts per permission key on a chain.
	CountPendingBids(ctx context.Context, chainID string) (map[string]int, error)

	// PendingKeys returns every (chain, permission key) with pending bids.
	PendingKeys(ctx context.Context) ([]BidKey, error)

	// UpdateBidStatus moves a bid to status `to` only if its current status
	// type is `from`; otherwise it returns ErrStatusConflict.
	UpdateBidStatus(ctx context.Context, id string, from model.StatusType, to model.BidStatus) error
}
