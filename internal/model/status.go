package model

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// StatusType is the discriminant of a BidStatus.
type StatusType string

const (
	StatusPending          StatusType = "pending"
	StatusSimulationFailed StatusType = "simulation_failed"
	StatusSubmitted        StatusType = "submitted"
	StatusLost             StatusType = "lost"
)

// ReasonTimeout marks a bid that stayed pending past its auction deadline.
const ReasonTimeout = "timeout"

// BidStatus is the closed set of bid lifecycle states: Pending,
// SimulationFailed, Submitted and Lost.
type BidStatus interface {
	Type() StatusType
	isBidStatus()
}

// Pending is the initial state of every bid.
type Pending struct{}

// SimulationFailed means the bid was rejected before submission.
type SimulationFailed struct {
	Reason string
}

// Submitted means the bid won its round and its transaction was sent.
type Submitted struct {
	Index  int32
	Result common.Hash
}

// Lost means another bid on the same permission key won the round.
type Lost struct {
	Result common.Hash
}

func (Pending) Type() StatusType          { return StatusPending }
func (SimulationFailed) Type() StatusType { return StatusSimulationFailed }
func (Submitted) Type() StatusType        { return StatusSubmitted }
func (Lost) Type() StatusType             { return StatusLost }

func (Pending) isBidStatus()          {}
func (SimulationFailed) isBidStatus() {}
func (Submitted) isBidStatus()        {}
func (Lost) isBidStatus()             {}

// IsTerminal reports whether no further transition is allowed from s.
func IsTerminal(s BidStatus) bool {
	return s != nil && s.Type() != StatusPending
}

// CanTransition reports whether from → to is a legal lifecycle step.
// Only pending bids move, and only into a terminal state.
func CanTransition(from, to BidStatus) bool {
	if from == nil || to == nil {
		return false
	}
	return from.Type() == StatusPending && IsTerminal(to)
}

// statusWire is the tagged JSON shape of a BidStatus.
type statusWire struct {
	Type   StatusType   `json:"type"`
	Index  *int32       `json:"index,omitempty"`
	Result *common.Hash `json:"result,omitempty"`
	Reason string       `json:"reason,omitempty"`
}

// JSONStatus adapts a BidStatus to encoding/json using the "type" discriminant.
type JSONStatus struct {
	BidStatus
}

// MarshalJSON implements json.Marshaler.
func (s JSONStatus) MarshalJSON() ([]byte, error) {
	var w statusWire
	switch st := s.BidStatus.(type) {
	case nil:
		return []byte("null"), nil
	case Pending:
		w.Type = StatusPending
	case SimulationFailed:
		w.Type = StatusSimulationFailed
		w.Reason = st.Reason
	case Submitted:
		idx, res := st.Index, st.Result
		w.Type, w.Index, w.Result = StatusSubmitted, &idx, &res
	case Lost:
		res := st.Result
		w.Type, w.Result = StatusLost, &res
	default:
		return nil, fmt.Errorf("model: unknown bid status %T", st)
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *JSONStatus) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		s.BidStatus = nil
		return nil
	}
	var w statusWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Type {
	case StatusPending:
		s.BidStatus = Pending{}
	case StatusSimulationFailed:
		s.BidStatus = SimulationFailed{Reason: w.Reason}
	case StatusSubmitted:
		if w.Index == nil || w.Result == nil {
			return fmt.Errorf("model: submitted status requires index and result")
		}
		s.BidStatus = Submitted{Index: *w.Index, Result: *w.Result}
	case StatusLost:
		if w.Result == nil {
			return fmt.Errorf("model: lost status requires result")
		}
		s.BidStatus = Lost{Result: *w.Result}
	default:
		return fmt.Errorf("model: unknown bid status type %q", w.Type)
	}
	return nil
}
