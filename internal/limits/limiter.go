// Package limits implements admission limits on pending bids that account
// for correlation between permission keys of the same protocol.
//
// A searcher spraying bids across many permission keys of one protocol puts
// the same load on the auction as one flooding a single key. Permission keys
// built by on-chain protocols start with the protocol's contract address, so
// keys sharing a leading prefix are treated as correlated.
package limits

import (
	"errors"

	"github.com/atmx/auction-relay/internal/params"
)

var (
	// ErrPerKeyLimitExceeded is returned when a bid would push a single
	// permission key's pending bid count beyond the per-key maximum.
	ErrPerKeyLimitExceeded = errors.New("limits: per-key pending bid limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when a bid would push the
	// pending bid count across correlated permission keys beyond the
	// correlated maximum.
	ErrCorrelatedLimitExceeded = errors.New("limits: correlated pending bid limit exceeded")
)

// PendingLimiter enforces pending bid limits with correlation awareness.
//
// PrefixLen controls the correlation radius in hex characters:
//   - 40 → keys of the same protocol contract (20-byte address prefix)
//   - 8  → coarse grouping, useful when keys are short opaque tags
//
// A zero MaxPerKey or MaxCorrelated disables that check.
type PendingLimiter struct {
	// MaxPerKey is the maximum number of pending bids on one permission key.
	MaxPerKey int

	// MaxCorrelated is the maximum number of pending bids across all
	// permission keys that share the same prefix.
	MaxCorrelated int

	// PrefixLen is the number of leading hex characters that must match
	// for two permission keys to be considered correlated.
	PrefixLen int
}

// NewPendingLimiter creates a limiter with the given per-key and correlated
// pending bid limits.
func NewPendingLimiter(maxPerKey, maxCorrelated, prefixLen int) *PendingLimiter {
	if prefixLen < 1 {
		prefixLen = 1
	}
	return &PendingLimiter{
		MaxPerKey:     maxPerKey,
		MaxCorrelated: maxCorrelated,
		PrefixLen:     prefixLen,
	}
}

// CheckLimit validates whether one more pending bid on targetKey respects
// the limits.
//
// pendingByKey maps permission key → current pending bid count on the same
// chain. Returns nil if the bid is within limits.
func (l *PendingLimiter) CheckLimit(targetKey string, pendingByKey map[string]int) error {
	if l == nil {
		return nil
	}

	// 1. Per-key limit.
	newCount := pendingByKey[targetKey] + 1
	if l.MaxPerKey > 0 && newCount > l.MaxPerKey {
		return ErrPerKeyLimitExceeded
	}

	// 2. Correlated count: sum pending across keys sharing the prefix.
	if l.MaxCorrelated <= 0 {
		return nil
	}
	targetPrefix := params.ProtocolPrefix(targetKey, l.PrefixLen)
	total := newCount

	for key, count := range pendingByKey {
		if key == targetKey {
			continue // already counted via newCount above
		}
		if params.ProtocolPrefix(key, l.PrefixLen) == targetPrefix {
			total += count
		}
	}

	if total > l.MaxCorrelated {
		return ErrCorrelatedLimitExceeded
	}
	return nil
}
