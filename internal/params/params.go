// Package params parses and validates the hex and integer fields carried by
// bids and opportunities: chain ids, addresses, calldata, permission keys,
// signatures and wei amounts.
package params

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

// SignatureLength is the size of an r||s||v secp256k1 signature.
const SignatureLength = 65

// chainIDRegex matches relay chain identifiers such as op_sepolia.
var chainIDRegex = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

var (
	ErrInvalidChainID = errors.New("params: invalid chain id")
	ErrInvalidAddress = errors.New("params: invalid address")
	ErrInvalidHex     = errors.New("params: invalid hex bytes")
	ErrInvalidAmount  = errors.New("params: invalid amount")
)

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ParseChainID validates a chain id string.
func ParseChainID(chainID string) error {
	if !chainIDRegex.MatchString(chainID) {
		return fmt.Errorf("%w: %q", ErrInvalidChainID, chainID)
	}
	return nil
}

// ParseAddress parses a 0x-prefixed 20-byte hex address.
func ParseAddress(field, s string) (common.Address, error) {
	if !strings.HasPrefix(s, "0x") || !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s=%q", ErrInvalidAddress, field, s)
	}
	return common.HexToAddress(s), nil
}

// ParseHexBytes decodes 0x-prefixed hex. "0x" decodes to an empty slice.
func ParseHexBytes(field, s string) ([]byte, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidHex, field, err)
	}
	return b, nil
}

// ParsePermissionKey decodes a permission key, which must be non-empty.
func ParsePermissionKey(s string) ([]byte, error) {
	b, err := ParseHexBytes("permission_key", s)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: permission_key is empty", ErrInvalidHex)
	}
	return b, nil
}

// ParseSignature decodes a 65-byte signature.
func ParseSignature(s string) ([]byte, error) {
	b, err := ParseHexBytes("signature", s)
	if err != nil {
		return nil, err
	}
	if len(b) != SignatureLength {
		return nil, fmt.Errorf("%w: signature must be %d bytes, got %d", ErrInvalidHex, SignatureLength, len(b))
	}
	return b, nil
}

// ParseAmount checks that d is a non-negative integer that fits in a uint256
// and returns it as a big.Int.
func ParseAmount(field string, d decimal.Decimal) (*big.Int, error) {
	if !d.IsInteger() {
		return nil, fmt.Errorf("%w: %s=%s is not an integer", ErrInvalidAmount, field, d.String())
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: %s=%s is negative", ErrInvalidAmount, field, d.String())
	}
	v := d.BigInt()
	if v.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("%w: %s overflows uint256", ErrInvalidAmount, field)
	}
	return v, nil
}

// ProtocolPrefix returns the leading hex characters of a permission key that
// identify the protocol contract it belongs to. Permission keys built by
// on-chain protocols start with the protocol's address.
func ProtocolPrefix(permissionKey string, length int) string {
	key := strings.ToLower(strings.TrimPrefix(permissionKey, "0x"))
	if length >= len(key) {
		return key
	}
	return key[:length]
}
