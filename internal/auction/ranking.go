package auction

import (
	"sort"

	"github.com/atmx/auction-relay/internal/model"
)

// rankBids orders bids best first: highest amount, then earliest
// submission, then lowest id. The order is total, so every round over the
// same bids picks the same winner.
func rankBids(bids []model.BidRecord) []model.BidRecord {
	ranked := make([]model.BidRecord, len(bids))
	copy(ranked, bids)

	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if c := a.Amount.Cmp(b.Amount); c != 0 {
			return c > 0
		}
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.ID < b.ID
	})
	return ranked
}
