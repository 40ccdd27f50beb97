// Package model defines the core domain types shared across the auction relay.
// All wei amounts use shopspring/decimal, never float64.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// OpportunityVersionV1 is the only supported opportunity params version.
const OpportunityVersionV1 = "v1"

// TokenAmount is a token contract address paired with an integer amount.
type TokenAmount struct {
	Token  string          `json:"token" validate:"required"`
	Amount decimal.Decimal `json:"amount"`
}

// EIP712Domain scopes bid signatures to one chain and one verifying contract.
type EIP712Domain struct {
	ChainID           string `json:"chain_id"`
	Name              string `json:"name"`
	VerifyingContract string `json:"verifying_contract"`
	Version           string `json:"version"`
}

// OpportunityParams is everything needed to execute an opportunity on-chain.
// Calling TargetContract with TargetCalldata and TargetCallValue sends the
// SellTokens and receives the BuyTokens.
type OpportunityParams struct {
	Version         string          `json:"version" validate:"required"`
	ChainID         string          `json:"chain_id" validate:"required"`
	PermissionKey   string          `json:"permission_key" validate:"required"`
	TargetContract  string          `json:"target_contract" validate:"required"`
	TargetCalldata  string          `json:"target_calldata" validate:"required"`
	TargetCallValue decimal.Decimal `json:"target_call_value"`
	SellTokens      []TokenAmount   `json:"sell_tokens" validate:"required,dive"`
	BuyTokens       []TokenAmount   `json:"buy_tokens" validate:"required,dive"`
}

// Opportunity is a stored opportunity with server-assigned metadata.
// Execution fields never change after creation.
type Opportunity struct {
	OpportunityParams
	ID           string       `json:"opportunity_id"`
	CreationTime int64        `json:"creation_time"` // microseconds since the Unix epoch
	EIP712Domain EIP712Domain `json:"eip_712_domain"`
}

// CreatedAt returns the creation time as a time.Time.
func (o *Opportunity) CreatedAt() time.Time {
	return time.UnixMicro(o.CreationTime).UTC()
}

// Bid is a raw bid on a permission key for a specific chain.
type Bid struct {
	PermissionKey  string          `json:"permission_key" validate:"required"`
	ChainID        string          `json:"chain_id" validate:"required"`
	TargetContract string          `json:"target_contract" validate:"required"`
	TargetCalldata string          `json:"target_calldata" validate:"required"`
	Amount         decimal.Decimal `json:"amount"`
}

// OpportunityBid is a signed bid on a stored opportunity.
type OpportunityBid struct {
	PermissionKey string          `json:"permission_key" validate:"required"`
	Executor      string          `json:"executor" validate:"required"`
	Signature     string          `json:"signature" validate:"required"`
	Amount        decimal.Decimal `json:"amount"`
	ValidUntil    decimal.Decimal `json:"valid_until"` // unix seconds
}

// BidKind distinguishes raw bids from opportunity bids.
type BidKind string

const (
	BidKindRaw         BidKind = "raw"
	BidKindOpportunity BidKind = "opportunity"
)

// BidRecord is a bid as tracked by the ledger. ChainID and PermissionKey
// never change once recorded; only Status moves.
type BidRecord struct {
	ID              string          `json:"id"`
	Kind            BidKind         `json:"kind"`
	ChainID         string          `json:"chain_id"`
	PermissionKey   string          `json:"permission_key"`
	TargetContract  string          `json:"target_contract"`
	TargetCalldata  string          `json:"target_calldata"`
	TargetCallValue decimal.Decimal `json:"target_call_value"`
	Amount          decimal.Decimal `json:"amount"`
	OpportunityID   string          `json:"opportunity_id,omitempty"`
	Executor        string          `json:"executor,omitempty"`
	Signature       string          `json:"signature,omitempty"`
	ValidUntil      decimal.Decimal `json:"valid_until"`
	SubmittedAt     time.Time       `json:"submitted_at"`
	Status          BidStatus       `json:"-"`
}

type bidRecordAlias BidRecord

// MarshalJSON encodes the record including its status variant.
func (b BidRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		bidRecordAlias
		Status JSONStatus `json:"status"`
	}{bidRecordAlias(b), JSONStatus{b.Status}})
}

// UnmarshalJSON decodes a record produced by MarshalJSON.
func (b *BidRecord) UnmarshalJSON(data []byte) error {
	var aux struct {
		bidRecordAlias
		Status JSONStatus `json:"status"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*b = BidRecord(aux.bidRecordAlias)
	b.Status = aux.Status.BidStatus
	return nil
}

// BidResultOK is the status string returned when a bid is admitted.
const BidResultOK = "OK"

// BidResult acknowledges an admitted bid.
type BidResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// BidStatusWithID pairs a bid id with its status for subscription updates.
type BidStatusWithID struct {
	ID        string     `json:"id"`
	BidStatus JSONStatus `json:"bid_status"`
}
