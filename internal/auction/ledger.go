// Package auction tracks bids through their lifecycle and runs the per
// permission key auctions that settle them.
//
// The Ledger admits bids and is the only writer of bid status. The
// Coordinator decides transitions and commits them through the Ledger.
package auction

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/auction-relay/internal/apierr"
	"github.com/atmx/auction-relay/internal/chain"
	"github.com/atmx/auction-relay/internal/limits"
	"github.com/atmx/auction-relay/internal/metrics"
	"github.com/atmx/auction-relay/internal/model"
	"github.com/atmx/auction-relay/internal/opportunity"
	"github.com/atmx/auction-relay/internal/params"
	"github.com/atmx/auction-relay/internal/signature"
	"github.com/atmx/auction-relay/internal/store"
)

// ErrIllegalTransition is returned when a status change would break the
// bid lifecycle.
var ErrIllegalTransition = errors.New("auction: illegal bid status transition")

const lockStripes = 64

// Scheduler is notified when a permission key has new pending bids.
type Scheduler interface {
	Schedule(key store.BidKey)
}

// Ledger owns bid records.
type Ledger struct {
	store   store.Store
	chains  *chain.Registry
	opps    *opportunity.Registry
	limiter *limits.PendingLimiter
	pub     model.Publisher
	sched   Scheduler

	// admitLocks serialize the pending count check with the insert, per
	// chain. Limits only count bids of one chain.
	admitMu    sync.Mutex
	admitLocks map[string]*sync.Mutex
	locks      [lockStripes]sync.Mutex
	now     func() time.Time
}

// NewLedger creates a ledger. limiter and pub may be nil.
func NewLedger(st store.Store, chains *chain.Registry, opps *opportunity.Registry, limiter *limits.PendingLimiter, pub model.Publisher, sched Scheduler) *Ledger {
	return &Ledger{
		store:   st,
		chains:  chains,
		opps:    opps,
		limiter: limiter,
		pub:     pub,
		sched:   sched,
		now:     time.Now,

		admitLocks: make(map[string]*sync.Mutex),
	}
}

// SubmitRawBid admits a bid on a permission key and schedules its auction.
// It returns as soon as the bid is recorded.
func (l *Ledger) SubmitRawBid(ctx context.Context, bid model.Bid) (model.BidResult, error) {
	rec, err := l.rawRecord(bid)
	if err != nil {
		return model.BidResult{}, rejected(err)
	}
	return l.admit(ctx, rec)
}

func (l *Ledger) rawRecord(bid model.Bid) (*model.BidRecord, error) {
	if _, err := l.chains.Get(bid.ChainID); err != nil {
		return nil, err
	}
	key, err := params.ParsePermissionKey(bid.PermissionKey)
	if err != nil {
		return nil, invalidBid(err)
	}
	if _, err := params.ParseAddress("target_contract", bid.TargetContract); err != nil {
		return nil, invalidBid(err)
	}
	if _, err := params.ParseHexBytes("target_calldata", bid.TargetCalldata); err != nil {
		return nil, invalidBid(err)
	}
	if _, err := params.ParseAmount("amount", bid.Amount); err != nil {
		return nil, invalidBid(err)
	}

	return &model.BidRecord{
		ID:              uuid.New().String(),
		Kind:            model.BidKindRaw,
		ChainID:         bid.ChainID,
		PermissionKey:   hexutil.Encode(key),
		TargetContract:  bid.TargetContract,
		TargetCalldata:  bid.TargetCalldata,
		TargetCallValue: decimal.Zero,
		Amount:          bid.Amount,
		ValidUntil:      decimal.Zero,
		SubmittedAt:     l.now().UTC(),
		Status:          model.Pending{},
	}, nil
}

// SubmitOpportunityBid admits a signed bid on a stored opportunity. The bid
// executes the opportunity's call under the opportunity's permission key.
func (l *Ledger) SubmitOpportunityBid(ctx context.Context, opportunityID string, bid model.OpportunityBid) (model.BidResult, error) {
	rec, err := l.opportunityRecord(ctx, opportunityID, bid)
	if err != nil {
		return model.BidResult{}, rejected(err)
	}
	return l.admit(ctx, rec)
}

func (l *Ledger) opportunityRecord(ctx context.Context, opportunityID string, bid model.OpportunityBid) (*model.BidRecord, error) {
	opp, err := l.opps.Get(ctx, opportunityID)
	if err != nil {
		return nil, err
	}

	key, err := params.ParsePermissionKey(bid.PermissionKey)
	if err != nil {
		return nil, invalidBid(err)
	}
	oppKey, err := params.ParsePermissionKey(opp.PermissionKey)
	if err != nil {
		return nil, invalidBid(err)
	}
	if hexutil.Encode(key) != hexutil.Encode(oppKey) {
		return nil, fmt.Errorf("%w: permission key does not match opportunity %s", apierr.ErrInvalidBid, opp.ID)
	}
	if _, err := params.ParseAddress("executor", bid.Executor); err != nil {
		return nil, invalidBid(err)
	}
	if _, err := params.ParseAmount("amount", bid.Amount); err != nil {
		return nil, invalidBid(err)
	}
	if _, err := params.ParseAmount("valid_until", bid.ValidUntil); err != nil {
		return nil, invalidBid(err)
	}
	if bid.ValidUntil.LessThanOrEqual(decimal.NewFromInt(l.now().Unix())) {
		return nil, fmt.Errorf("%w: valid_until %s has passed", apierr.ErrBidExpired, bid.ValidUntil)
	}
	if err := signature.Verify(opp.EIP712Domain, opp, bid); err != nil {
		return nil, err
	}

	return &model.BidRecord{
		ID:              uuid.New().String(),
		Kind:            model.BidKindOpportunity,
		ChainID:         opp.ChainID,
		PermissionKey:   hexutil.Encode(key),
		TargetContract:  opp.TargetContract,
		TargetCalldata:  opp.TargetCalldata,
		TargetCallValue: opp.TargetCallValue,
		Amount:          bid.Amount,
		OpportunityID:   opp.ID,
		Executor:        bid.Executor,
		Signature:       bid.Signature,
		ValidUntil:      bid.ValidUntil,
		SubmittedAt:     l.now().UTC(),
		Status:          model.Pending{},
	}, nil
}

func (l *Ledger) admit(ctx context.Context, rec *model.BidRecord) (model.BidResult, error) {
	mu := l.admitLock(rec.ChainID)
	mu.Lock()
	counts, err := l.store.CountPendingBids(ctx, rec.ChainID)
	if err != nil {
		mu.Unlock()
		return model.BidResult{}, fmt.Errorf("count pending bids: %w", err)
	}
	if err := l.limiter.CheckLimit(rec.PermissionKey, counts); err != nil {
		mu.Unlock()
		return model.BidResult{}, rejected(fmt.Errorf("%w: %v", apierr.ErrTooManyPendingBids, err))
	}
	err = l.store.InsertBid(ctx, rec)
	mu.Unlock()
	if err != nil {
		return model.BidResult{}, fmt.Errorf("store bid: %w", err)
	}

	metrics.BidsTotal.WithLabelValues(rec.ChainID, string(rec.Kind)).Inc()
	slog.Info("bid admitted",
		"bid_id", rec.ID,
		"chain", rec.ChainID,
		"permission_key", rec.PermissionKey,
		"amount", rec.Amount.String(),
		"kind", rec.Kind,
	)

	if l.pub != nil {
		l.pub.Publish(model.BidStatusUpdate{BidID: rec.ID, ChainID: rec.ChainID, Status: model.Pending{}})
	}
	if l.sched != nil {
		l.sched.Schedule(store.BidKey{ChainID: rec.ChainID, PermissionKey: rec.PermissionKey})
	}
	return model.BidResult{ID: rec.ID, Status: model.BidResultOK}, nil
}

// GetStatus returns the current status of a bid.
func (l *Ledger) GetStatus(ctx context.Context, id string) (model.BidStatus, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: bid id %q", apierr.ErrInvalidID, id)
	}
	rec, err := l.store.GetBid(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", apierr.ErrBidNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return rec.Status, nil
}

// transition commits from → to for one bid. It returns ErrIllegalTransition
// for moves the lifecycle forbids and store.ErrStatusConflict when the bid
// is no longer in state from.
func (l *Ledger) transition(ctx context.Context, rec *model.BidRecord, to model.BidStatus) error {
	from := rec.Status
	if !model.CanTransition(from, to) {
		metrics.IllegalTransitions.Inc()
		slog.Error("illegal bid transition refused",
			"bid_id", rec.ID,
			"from", statusType(from),
			"to", statusType(to),
		)
		return fmt.Errorf("%w: bid %s %s -> %s", ErrIllegalTransition, rec.ID, statusType(from), statusType(to))
	}

	mu := l.lockFor(rec.ID)
	mu.Lock()
	defer mu.Unlock()

	if err := l.store.UpdateBidStatus(ctx, rec.ID, from.Type(), to); err != nil {
		return err
	}
	rec.Status = to

	metrics.BidTransitions.WithLabelValues(rec.ChainID, string(to.Type())).Inc()
	slog.Info("bid status changed",
		"bid_id", rec.ID,
		"chain", rec.ChainID,
		"permission_key", rec.PermissionKey,
		"status", to.Type(),
	)

	// Published under the bid's lock so updates for one bid leave in
	// commit order.
	if l.pub != nil {
		l.pub.Publish(model.BidStatusUpdate{BidID: rec.ID, ChainID: rec.ChainID, Status: to})
	}
	return nil
}

func (l *Ledger) admitLock(chainID string) *sync.Mutex {
	l.admitMu.Lock()
	defer l.admitMu.Unlock()
	mu, ok := l.admitLocks[chainID]
	if !ok {
		mu = &sync.Mutex{}
		l.admitLocks[chainID] = mu
	}
	return mu
}

func (l *Ledger) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &l.locks[h.Sum32()%lockStripes]
}

func statusType(s model.BidStatus) string {
	if s == nil {
		return "<nil>"
	}
	return string(s.Type())
}

func invalidBid(err error) error {
	return fmt.Errorf("%w: %v", apierr.ErrInvalidBid, err)
}

// rejected counts an admission failure by its HTTP class.
func rejected(err error) error {
	reason := "internal"
	switch {
	case errors.Is(err, apierr.ErrUnknownChain):
		reason = "unknown_chain"
	case errors.Is(err, apierr.ErrOpportunityNotFound):
		reason = "opportunity_not_found"
	case errors.Is(err, apierr.ErrBidExpired):
		reason = "expired"
	case errors.Is(err, apierr.ErrInvalidSignature):
		reason = "invalid_signature"
	case errors.Is(err, apierr.ErrTooManyPendingBids):
		reason = "limit"
	case apierr.IsClientError(err):
		reason = "invalid"
	}
	metrics.BidRejections.WithLabelValues(reason).Inc()
	return err
}
