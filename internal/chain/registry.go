// Package chain holds the set of supported chains and the executors that
// simulate and submit winning bids on them.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/auction-relay/internal/apierr"
	"github.com/atmx/auction-relay/internal/config"
	"github.com/atmx/auction-relay/internal/model"
	"github.com/atmx/auction-relay/internal/params"
)

const (
	defaultEIP712Name    = "OpportunityAdapter"
	defaultEIP712Version = "1"
)

// ErrReverted marks a simulation or gas estimation that failed because the
// call itself reverted, as opposed to a node or transport failure.
var ErrReverted = errors.New("chain: execution reverted")

// Call is the contract call a bid asks the relayer to perform.
type Call struct {
	To        common.Address
	Data      []byte
	Value     *big.Int
	BidAmount *big.Int
}

// Executor simulates and submits calls on one chain.
//
// Simulate returns an error wrapping ErrReverted when the call would
// revert; any other error is treated as transient.
type Executor interface {
	Simulate(ctx context.Context, call Call) error
	Submit(ctx context.Context, call Call) (common.Hash, error)
}

// Chain is one supported chain.
type Chain struct {
	Config   config.ChainConfig
	Domain   model.EIP712Domain
	Executor Executor
}

// New builds a Chain from its config. The executor may be nil for chains
// that only accept opportunities.
func New(cfg config.ChainConfig, exec Executor) *Chain {
	name := cfg.EIP712Name
	if name == "" {
		name = defaultEIP712Name
	}
	version := cfg.EIP712Version
	if version == "" {
		version = defaultEIP712Version
	}
	return &Chain{
		Config: cfg,
		Domain: model.EIP712Domain{
			ChainID:           strconv.FormatUint(cfg.NetworkID, 10),
			Name:              name,
			VerifyingContract: cfg.OpportunityAdapter,
			Version:           version,
		},
		Executor: exec,
	}
}

// Registry is the immutable set of supported chains.
type Registry struct {
	chains map[string]*Chain
	ids    []string
}

// NewRegistry indexes chains by id.
func NewRegistry(chains ...*Chain) *Registry {
	r := &Registry{chains: make(map[string]*Chain, len(chains))}
	for _, c := range chains {
		r.chains[c.Config.ID] = c
		r.ids = append(r.ids, c.Config.ID)
	}
	sort.Strings(r.ids)
	return r
}

// Get returns the chain with the given id or an error wrapping
// apierr.ErrUnknownChain.
func (r *Registry) Get(id string) (*Chain, error) {
	c, ok := r.chains[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apierr.ErrUnknownChain, id)
	}
	return c, nil
}

// Has reports whether id is a supported chain.
func (r *Registry) Has(id string) bool {
	_, ok := r.chains[id]
	return ok
}

// IDs returns the supported chain ids in sorted order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}

// CallFromBid decodes the contract call carried by a bid record.
func CallFromBid(b *model.BidRecord) (Call, error) {
	to, err := params.ParseAddress("target_contract", b.TargetContract)
	if err != nil {
		return Call{}, err
	}
	data, err := params.ParseHexBytes("target_calldata", b.TargetCalldata)
	if err != nil {
		return Call{}, err
	}
	value, err := params.ParseAmount("target_call_value", b.TargetCallValue)
	if err != nil {
		return Call{}, err
	}
	amount, err := params.ParseAmount("amount", b.Amount)
	if err != nil {
		return Call{}, err
	}
	return Call{To: to, Data: data, Value: value, BidAmount: amount}, nil
}
