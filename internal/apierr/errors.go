// Package apierr defines the client-facing error taxonomy of the relay and
// maps each error to an HTTP status code.
package apierr

import (
	"errors"
	"net/http"
)

var (
	ErrUnknownChain        = errors.New("chain id not found")
	ErrInvalidBid          = errors.New("invalid bid")
	ErrInvalidOpportunity  = errors.New("invalid opportunity")
	ErrOpportunityNotFound = errors.New("opportunity not found")
	ErrBidExpired          = errors.New("bid expired")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrBidNotFound         = errors.New("bid not found")
	ErrSimulationFailed    = errors.New("simulation failed")
	ErrSubmissionTimeout   = errors.New("submission timeout")
	ErrMalformedMessage    = errors.New("malformed message")
	ErrTooManyPendingBids  = errors.New("too many pending bids")
	ErrInvalidID           = errors.New("invalid id")
)

// Status maps err to the HTTP status the API responds with. Errors outside
// the taxonomy are internal.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnknownChain),
		errors.Is(err, ErrOpportunityNotFound),
		errors.Is(err, ErrBidNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidBid),
		errors.Is(err, ErrInvalidOpportunity),
		errors.Is(err, ErrBidExpired),
		errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrMalformedMessage),
		errors.Is(err, ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, ErrTooManyPendingBids):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// IsClientError reports whether err belongs to the client-facing taxonomy.
func IsClientError(err error) bool {
	s := Status(err)
	return s >= 400 && s < 500
}
