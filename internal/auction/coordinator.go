package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/auction-relay/internal/apierr"
	"github.com/atmx/auction-relay/internal/chain"
	"github.com/atmx/auction-relay/internal/config"
	"github.com/atmx/auction-relay/internal/metrics"
	"github.com/atmx/auction-relay/internal/model"
	"github.com/atmx/auction-relay/internal/store"
)

// maxReruns bounds how often one trigger re-runs a round after the winner
// was invalidated.
const maxReruns = 3

// errRerun asks settle to run the round again immediately.
var errRerun = errors.New("auction: re-run round")

// OpportunityRemover takes an executed opportunity out of active listings.
type OpportunityRemover interface {
	Remove(ctx context.Context, id string) error
}

type simResult int

const (
	simOK simResult = iota
	simReverted
	simTransient
)

// Coordinator runs one auction actor per (chain, permission key). Each actor
// settles its key's pending bids in sequential rounds; different keys run
// in parallel.
type Coordinator struct {
	store  store.Store
	chains *chain.Registry
	opps   OpportunityRemover
	cfg    config.AuctionConfig
	now    func() time.Time

	mu     sync.Mutex
	ctx    context.Context
	ledger *Ledger
	actors map[store.BidKey]chan struct{}
	wg     sync.WaitGroup

	// sent holds the transaction hash of winners whose submitted status
	// has not been committed yet, keyed by bid id.
	sent map[string]common.Hash
}

// NewCoordinator creates a coordinator. It does nothing until Start.
func NewCoordinator(st store.Store, chains *chain.Registry, opps OpportunityRemover, cfg config.AuctionConfig) *Coordinator {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}
	return &Coordinator{
		store:  st,
		chains: chains,
		opps:   opps,
		cfg:    cfg,
		now:    time.Now,
		actors: make(map[store.BidKey]chan struct{}),
		sent:   make(map[string]common.Hash),
	}
}

// Start binds the ledger that commits transitions and schedules every key
// that already has pending bids. Actors stop when ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context, ledger *Ledger) error {
	c.mu.Lock()
	if c.ctx != nil {
		c.mu.Unlock()
		return errors.New("auction: coordinator already started")
	}
	c.ctx = ctx
	c.ledger = ledger
	c.mu.Unlock()

	keys, err := c.store.PendingKeys(ctx)
	if err != nil {
		return fmt.Errorf("recover pending auctions: %w", err)
	}
	for _, k := range keys {
		c.Schedule(k)
	}
	if len(keys) > 0 {
		slog.Info("recovered pending auctions", "count", len(keys))
	}
	return nil
}

// Wait blocks until every actor has exited.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Schedule requests a round for key. Requests that arrive while a round is
// queued collapse into it.
func (c *Coordinator) Schedule(key store.BidKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx == nil || c.ctx.Err() != nil {
		return
	}
	trigger, ok := c.actors[key]
	if !ok {
		trigger = make(chan struct{}, 1)
		c.actors[key] = trigger
		c.wg.Add(1)
		metrics.ActiveAuctions.Inc()
		go c.run(key, trigger)
	}
	select {
	case trigger <- struct{}{}:
	default:
	}
}

func (c *Coordinator) run(key store.BidKey, trigger chan struct{}) {
	defer c.wg.Done()
	defer metrics.ActiveAuctions.Dec()

	log := slog.With("chain", key.ChainID, "permission_key", key.PermissionKey)
	idle := time.NewTimer(c.cfg.IdleTimeout)
	defer idle.Stop()
	var retry <-chan time.Time

	for {
		select {
		case <-c.ctx.Done():
			c.remove(key)
			return
		case <-trigger:
		case <-retry:
		case <-idle.C:
			c.mu.Lock()
			if len(trigger) == 0 && retry == nil {
				delete(c.actors, key)
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
			idle.Reset(c.cfg.IdleTimeout)
			continue
		}

		retry = nil
		if next := c.settle(c.ctx, key, log); next > 0 {
			retry = time.After(next)
		}
		idle.Reset(c.cfg.IdleTimeout)
	}
}

func (c *Coordinator) remove(key store.BidKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.actors, key)
}

// settle waits out the collection period and runs a round. It returns how
// long to wait before the next round when bids are left pending.
func (c *Coordinator) settle(ctx context.Context, key store.BidKey, log *slog.Logger) time.Duration {
	start := c.now()
	if !sleepCtx(ctx, c.cfg.CollectionPeriod) {
		return 0
	}

	for attempt := 0; attempt <= maxReruns; attempt++ {
		next, err := c.round(ctx, key, log)
		if errors.Is(err, errRerun) {
			continue
		}
		if err != nil {
			metrics.AuctionRounds.WithLabelValues(key.ChainID, "error").Inc()
			log.Error("auction round failed", "err", err)
			return c.cfg.RetryBackoff
		}
		metrics.AuctionRoundLatency.WithLabelValues(key.ChainID).Observe(c.now().Sub(start).Seconds())
		return next
	}
	return c.cfg.RetryBackoff
}

// round is one simulate → select → submit → finalize pass over the pending
// bids of key. External calls run without holding any lock; each status
// change is committed with a compare-and-set against pending.
func (c *Coordinator) round(ctx context.Context, key store.BidKey, log *slog.Logger) (time.Duration, error) {
	bids, err := c.store.ListPendingBids(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("list pending bids: %w", err)
	}
	if len(bids) == 0 {
		return 0, nil
	}

	// A winner already went out on-chain but its commit failed. Finish
	// the commit without sending the transaction again.
	if i, hash, ok := c.sentWinner(bids); ok {
		winner := bids[i]
		losers := make([]model.BidRecord, 0, len(bids)-1)
		losers = append(losers, bids[:i]...)
		losers = append(losers, bids[i+1:]...)
		log.Warn("resuming commit of submitted bid", "bid_id", winner.ID, "tx", hash.Hex())
		return c.finalize(ctx, key, &winner, losers, hash, log)
	}

	now := c.now()
	live := make([]model.BidRecord, 0, len(bids))
	for i := range bids {
		if now.Sub(bids[i].SubmittedAt) >= c.cfg.BidDeadline {
			c.commit(ctx, &bids[i], model.SimulationFailed{Reason: model.ReasonTimeout}, log)
			continue
		}
		live = append(live, bids[i])
	}
	if len(live) == 0 {
		metrics.AuctionRounds.WithLabelValues(key.ChainID, "timeout").Inc()
		return 0, nil
	}

	ch, err := c.chains.Get(key.ChainID)
	if err != nil || ch.Executor == nil {
		log.Warn("no executor for chain, bids wait for their deadline", "pending", len(live))
		return c.untilDeadline(live, now), nil
	}

	results := c.simulate(ctx, ch, live)
	var survivors []model.BidRecord
	transient := false
	for i := range live {
		switch results[i] {
		case simOK:
			survivors = append(survivors, live[i])
		case simReverted:
			c.commit(ctx, &live[i], model.SimulationFailed{}, log)
		case simTransient:
			transient = true
		}
	}
	if len(survivors) == 0 {
		if transient {
			metrics.AuctionRounds.WithLabelValues(key.ChainID, "retry").Inc()
			return c.cfg.RetryBackoff, nil
		}
		metrics.AuctionRounds.WithLabelValues(key.ChainID, "no_survivors").Inc()
		return 0, nil
	}

	ranked := rankBids(survivors)
	winner := &ranked[0]

	hash, err := c.submit(ctx, ch, winner, log)
	if errors.Is(err, chain.ErrReverted) {
		c.commit(ctx, winner, model.SimulationFailed{}, log)
		return 0, errRerun
	}
	if err != nil {
		metrics.AuctionRounds.WithLabelValues(key.ChainID, "submit_failed").Inc()
		log.Warn("winning bid not submitted, bids stay pending", "bid_id", winner.ID, "err", err)
		return c.cfg.RetryBackoff, nil
	}

	c.recordSent(winner.ID, hash)

	next, err := c.finalize(ctx, key, winner, ranked[1:], hash, log)
	if err == nil && transient {
		next = c.cfg.RetryBackoff
	}
	return next, err
}

// finalize commits a sent winner as submitted and the other bids as lost.
// The sent hash is forgotten only once the winner's status is settled, so
// a failed commit is picked up by the next round instead of a new send.
func (c *Coordinator) finalize(ctx context.Context, key store.BidKey, winner *model.BidRecord, losers []model.BidRecord, hash common.Hash, log *slog.Logger) (time.Duration, error) {
	if err := c.commitWinner(ctx, winner, hash, log); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			c.forgetSent(winner.ID)
			log.Warn("winner settled concurrently, re-running round", "bid_id", winner.ID)
			return 0, errRerun
		}
		return 0, fmt.Errorf("commit winner %s (tx %s): %w", winner.ID, hash.Hex(), err)
	}
	c.forgetSent(winner.ID)

	for i := range losers {
		c.commit(ctx, &losers[i], model.Lost{Result: hash}, log)
	}

	if winner.Kind == model.BidKindOpportunity && winner.OpportunityID != "" && c.opps != nil {
		if err := c.opps.Remove(ctx, winner.OpportunityID); err != nil && !errors.Is(err, apierr.ErrOpportunityNotFound) {
			log.Error("remove executed opportunity", "opportunity_id", winner.OpportunityID, "err", err)
		}
	}

	metrics.AuctionRounds.WithLabelValues(key.ChainID, "settled").Inc()
	log.Info("auction settled",
		"winner", winner.ID,
		"amount", winner.Amount.String(),
		"tx", hash.Hex(),
		"bids", len(losers)+1,
	)
	return 0, nil
}

// commitWinner retries the submitted commit with backoff. Conflicts and
// illegal transitions are returned at once.
func (c *Coordinator) commitWinner(ctx context.Context, winner *model.BidRecord, hash common.Hash, log *slog.Logger) error {
	attempts := max(c.cfg.SubmitRetries, 1)
	backoff := c.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		err := c.ledger.transition(ctx, winner, model.Submitted{Index: 0, Result: hash})
		if err == nil || attempt == attempts ||
			errors.Is(err, store.ErrStatusConflict) || errors.Is(err, ErrIllegalTransition) {
			return err
		}
		log.Warn("winner commit failed, retrying",
			"bid_id", winner.ID,
			"attempt", attempt,
			"backoff", backoff,
			"err", err,
		)
		if !sleepCtx(ctx, backoff) {
			return ctx.Err()
		}
		backoff *= 2
	}
}

func (c *Coordinator) sentWinner(bids []model.BidRecord) (int, common.Hash, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range bids {
		if hash, ok := c.sent[bids[i].ID]; ok {
			return i, hash, true
		}
	}
	return 0, common.Hash{}, false
}

func (c *Coordinator) recordSent(id string, hash common.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent[id] = hash
}

func (c *Coordinator) forgetSent(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sent, id)
}

func (c *Coordinator) simulate(ctx context.Context, ch *chain.Chain, bids []model.BidRecord) []simResult {
	results := make([]simResult, len(bids))

	var g errgroup.Group
	if c.cfg.SimulationConcurrency > 0 {
		g.SetLimit(c.cfg.SimulationConcurrency)
	}
	for i := range bids {
		g.Go(func() error {
			results[i] = c.simulateOne(ctx, ch, &bids[i])
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Coordinator) simulateOne(ctx context.Context, ch *chain.Chain, bid *model.BidRecord) simResult {
	call, err := chain.CallFromBid(bid)
	if err != nil {
		slog.Error("stored bid does not decode", "bid_id", bid.ID, "err", err)
		metrics.Simulations.WithLabelValues(bid.ChainID, "reverted").Inc()
		return simReverted
	}

	err = ch.Executor.Simulate(ctx, call)
	switch {
	case err == nil:
		metrics.Simulations.WithLabelValues(bid.ChainID, "ok").Inc()
		return simOK
	case errors.Is(err, chain.ErrReverted):
		metrics.Simulations.WithLabelValues(bid.ChainID, "reverted").Inc()
		slog.Debug("bid simulation reverted", "bid_id", bid.ID, "err", err)
		return simReverted
	default:
		metrics.Simulations.WithLabelValues(bid.ChainID, "error").Inc()
		slog.Warn("bid simulation failed, will retry", "bid_id", bid.ID, "err", err)
		return simTransient
	}
}

// submit sends the winning call, retrying transient failures with
// exponential backoff. A revert is returned immediately.
func (c *Coordinator) submit(ctx context.Context, ch *chain.Chain, winner *model.BidRecord, log *slog.Logger) (common.Hash, error) {
	call, err := chain.CallFromBid(winner)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", chain.ErrReverted, err)
	}

	attempts := max(c.cfg.SubmitRetries, 1)
	backoff := c.cfg.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		hash, err := ch.Executor.Submit(ctx, call)
		if err == nil {
			return hash, nil
		}
		if errors.Is(err, chain.ErrReverted) {
			return common.Hash{}, err
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		metrics.SubmissionRetries.WithLabelValues(winner.ChainID).Inc()
		log.Warn("submission failed, retrying",
			"bid_id", winner.ID,
			"attempt", attempt,
			"backoff", backoff,
			"err", err,
		)
		if !sleepCtx(ctx, backoff) {
			return common.Hash{}, ctx.Err()
		}
		backoff *= 2
	}
	return common.Hash{}, fmt.Errorf("%w: %d attempts: %v", apierr.ErrSubmissionTimeout, attempts, lastErr)
}

// commit applies a transition decided by the round. Failures are logged and
// isolated to the one bid.
func (c *Coordinator) commit(ctx context.Context, bid *model.BidRecord, to model.BidStatus, log *slog.Logger) {
	err := c.ledger.transition(ctx, bid, to)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrStatusConflict):
		log.Warn("bid settled concurrently", "bid_id", bid.ID, "to", to.Type())
	default:
		log.Error("commit bid status", "bid_id", bid.ID, "to", to.Type(), "err", err)
	}
}

// untilDeadline is the wait until the oldest live bid times out.
func (c *Coordinator) untilDeadline(bids []model.BidRecord, now time.Time) time.Duration {
	oldest := bids[0].SubmittedAt
	for _, b := range bids[1:] {
		if b.SubmittedAt.Before(oldest) {
			oldest = b.SubmittedAt
		}
	}
	wait := oldest.Add(c.cfg.BidDeadline).Sub(now)
	return max(wait, time.Millisecond)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
