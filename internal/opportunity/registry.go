// Package opportunity implements the registry of executable opportunities
// searchers can bid on.
package opportunity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/auction-relay/internal/apierr"
	"github.com/atmx/auction-relay/internal/chain"
	"github.com/atmx/auction-relay/internal/metrics"
	"github.com/atmx/auction-relay/internal/model"
	"github.com/atmx/auction-relay/internal/params"
	"github.com/atmx/auction-relay/internal/store"
)

// Registry owns opportunity records. Execution fields are written once at
// Submit; afterwards only the active flag changes.
type Registry struct {
	store  store.Store
	chains *chain.Registry
	pub    model.Publisher
	ttl    time.Duration
	now    func() time.Time
}

// NewRegistry creates a registry. pub may be nil. A ttl of zero keeps
// opportunities active until they are executed.
func NewRegistry(st store.Store, chains *chain.Registry, pub model.Publisher, ttl time.Duration) *Registry {
	return &Registry{
		store:  st,
		chains: chains,
		pub:    pub,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Submit validates and stores a new opportunity, then announces it to
// subscribers of its chain.
func (r *Registry) Submit(ctx context.Context, p model.OpportunityParams) (*model.Opportunity, error) {
	c, err := r.chains.Get(p.ChainID)
	if err != nil {
		return nil, err
	}
	if err := validate(p); err != nil {
		return nil, fmt.Errorf("%w: %v", apierr.ErrInvalidOpportunity, err)
	}

	opp := &model.Opportunity{
		OpportunityParams: p,
		ID:                uuid.New().String(),
		CreationTime:      r.now().UnixMicro(),
		EIP712Domain:      c.Domain,
	}
	if err := r.store.CreateOpportunity(ctx, opp); err != nil {
		return nil, fmt.Errorf("store opportunity: %w", err)
	}

	metrics.OpportunitiesTotal.WithLabelValues(p.ChainID).Inc()
	slog.Info("opportunity registered",
		"opportunity_id", opp.ID,
		"chain", opp.ChainID,
		"permission_key", opp.PermissionKey,
	)

	if r.pub != nil {
		r.pub.Publish(model.NewOpportunity{Opportunity: *opp})
	}
	return opp, nil
}

// List returns a snapshot of active opportunities in creation order. An
// empty chainID lists every chain.
func (r *Registry) List(ctx context.Context, chainID string) ([]model.Opportunity, error) {
	if chainID != "" && !r.chains.Has(chainID) {
		return nil, fmt.Errorf("%w: %s", apierr.ErrUnknownChain, chainID)
	}
	opps, err := r.store.ListOpportunities(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("list opportunities: %w", err)
	}
	if opps == nil {
		opps = []model.Opportunity{}
	}
	return opps, nil
}

// Get returns an active opportunity.
func (r *Registry) Get(ctx context.Context, id string) (*model.Opportunity, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: opportunity id %q", apierr.ErrInvalidID, id)
	}
	opp, err := r.store.GetOpportunity(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", apierr.ErrOpportunityNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return opp, nil
}

// Remove takes an opportunity out of the active set once a bid on it has
// been submitted.
func (r *Registry) Remove(ctx context.Context, id string) error {
	err := r.store.DeactivateOpportunity(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", apierr.ErrOpportunityNotFound, id)
	}
	if err != nil {
		return err
	}
	metrics.OpportunitiesRemoved.WithLabelValues("executed").Inc()
	slog.Info("opportunity removed", "opportunity_id", id)
	return nil
}

// Run expires stale opportunities until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	if r.ttl <= 0 {
		return
	}
	interval := r.ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.expire(ctx)
		}
	}
}

func (r *Registry) expire(ctx context.Context) int {
	ids, err := r.store.ExpireOpportunities(ctx, r.now().Add(-r.ttl))
	if err != nil {
		slog.Error("opportunity expiry failed", "err", err)
		return 0
	}
	if len(ids) > 0 {
		metrics.OpportunitiesRemoved.WithLabelValues("expired").Add(float64(len(ids)))
		slog.Info("opportunities expired", "count", len(ids))
	}
	return len(ids)
}

// validate checks the execution fields of p. Strings are only parsed, never
// rewritten, so the stored record is byte-identical to the submission.
func validate(p model.OpportunityParams) error {
	if p.Version != model.OpportunityVersionV1 {
		return fmt.Errorf("unsupported version %q", p.Version)
	}
	if _, err := params.ParsePermissionKey(p.PermissionKey); err != nil {
		return err
	}
	if _, err := params.ParseAddress("target_contract", p.TargetContract); err != nil {
		return err
	}
	if _, err := params.ParseHexBytes("target_calldata", p.TargetCalldata); err != nil {
		return err
	}
	if _, err := params.ParseAmount("target_call_value", p.TargetCallValue); err != nil {
		return err
	}
	if len(p.SellTokens) == 0 {
		return errors.New("sell_tokens must not be empty")
	}
	if len(p.BuyTokens) == 0 {
		return errors.New("buy_tokens must not be empty")
	}
	for i, t := range p.SellTokens {
		if err := validateToken(fmt.Sprintf("sell_tokens[%d]", i), t); err != nil {
			return err
		}
	}
	for i, t := range p.BuyTokens {
		if err := validateToken(fmt.Sprintf("buy_tokens[%d]", i), t); err != nil {
			return err
		}
	}
	return nil
}

func validateToken(field string, t model.TokenAmount) error {
	if _, err := params.ParseAddress(field+".token", t.Token); err != nil {
		return err
	}
	_, err := params.ParseAmount(field+".amount", t.Amount)
	return err
}
