// Package signature hashes opportunity bids as EIP-712 typed data and
// recovers the executor that signed them.
package signature

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/atmx/auction-relay/internal/apierr"
	"github.com/atmx/auction-relay/internal/model"
	"github.com/atmx/auction-relay/internal/params"
)

const primaryType = "ExecutionParams"

var executionTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"TokenAmount": {
		{Name: "token", Type: "address"},
		{Name: "amount", Type: "uint256"},
	},
	"ExecutionParams": {
		{Name: "sellTokens", Type: "TokenAmount[]"},
		{Name: "buyTokens", Type: "TokenAmount[]"},
		{Name: "executor", Type: "address"},
		{Name: "targetContract", Type: "address"},
		{Name: "targetCalldata", Type: "bytes"},
		{Name: "targetCallValue", Type: "uint256"},
		{Name: "validUntil", Type: "uint256"},
		{Name: "bidAmount", Type: "uint256"},
	},
}

// Hash returns the EIP-712 digest an executor signs to bid on opp.
func Hash(domain model.EIP712Domain, opp *model.Opportunity, bid model.OpportunityBid) ([]byte, error) {
	chainID, ok := new(big.Int).SetString(domain.ChainID, 10)
	if !ok {
		return nil, fmt.Errorf("signature: invalid domain chain id %q", domain.ChainID)
	}

	typed := apitypes.TypedData{
		Types:       executionTypes,
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: map[string]interface{}{
			"sellTokens":      tokenList(opp.SellTokens),
			"buyTokens":       tokenList(opp.BuyTokens),
			"executor":        bid.Executor,
			"targetContract":  opp.TargetContract,
			"targetCalldata":  opp.TargetCalldata,
			"targetCallValue": opp.TargetCallValue.String(),
			"validUntil":      bid.ValidUntil.String(),
			"bidAmount":       bid.Amount.String(),
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return nil, fmt.Errorf("signature: hash typed data: %w", err)
	}
	return hash, nil
}

func tokenList(tokens []model.TokenAmount) []interface{} {
	out := make([]interface{}, len(tokens))
	for i, t := range tokens {
		out[i] = map[string]interface{}{
			"token":  t.Token,
			"amount": t.Amount.String(),
		}
	}
	return out
}

// Verify checks that bid.Signature was produced by bid.Executor over the
// typed data of (domain, opp, bid). It returns an error wrapping
// apierr.ErrInvalidSignature otherwise.
func Verify(domain model.EIP712Domain, opp *model.Opportunity, bid model.OpportunityBid) error {
	executor, err := params.ParseAddress("executor", bid.Executor)
	if err != nil {
		return fmt.Errorf("%w: %w", apierr.ErrInvalidSignature, err)
	}
	sig, err := params.ParseSignature(bid.Signature)
	if err != nil {
		return fmt.Errorf("%w: %w", apierr.ErrInvalidSignature, err)
	}
	hash, err := Hash(domain, opp, bid)
	if err != nil {
		return fmt.Errorf("%w: %w", apierr.ErrInvalidSignature, err)
	}

	// Wallets produce v in {27, 28}; recovery expects {0, 1}.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return fmt.Errorf("%w: recover: %v", apierr.ErrInvalidSignature, err)
	}
	if signer := crypto.PubkeyToAddress(*pub); signer != executor {
		return fmt.Errorf("%w: signer %s is not executor %s", apierr.ErrInvalidSignature, signer.Hex(), executor.Hex())
	}
	return nil
}

// Sign produces the 0x-prefixed signature an executor holding key would
// attach to bid, with v in {27, 28}.
func Sign(key *ecdsa.PrivateKey, domain model.EIP712Domain, opp *model.Opportunity, bid model.OpportunityBid) (string, error) {
	hash, err := Hash(domain, opp, bid)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return "", fmt.Errorf("signature: sign: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}
