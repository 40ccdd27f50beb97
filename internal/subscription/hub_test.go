package subscription

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/auction-relay/internal/apierr"
	"github.com/atmx/auction-relay/internal/model"
)

type chainSet map[string]bool

func (s chainSet) Has(id string) bool { return s[id] }

var testChains = chainSet{"op_sepolia": true, "development": true}

func statusUpdate(bidID, chainID string, st model.BidStatus) model.BidStatusUpdate {
	return model.BidStatusUpdate{BidID: bidID, ChainID: chainID, Status: st}
}

// drain returns every message currently queued on c.
func drain(c *Conn) []map[string]any {
	var out []map[string]any
	for {
		select {
		case data, ok := <-c.Send():
			if !ok {
				return out
			}
			var m map[string]any
			json.Unmarshal(data, &m)
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestSubscribe_Idempotent(t *testing.T) {
	h := NewHub(testChains, 16)
	c := h.Register()

	for range 3 {
		if err := h.Subscribe(c, []string{"op_sepolia"}); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	if got := h.Subscriptions(c); len(got) != 1 || got[0] != "op_sepolia" {
		t.Fatalf("expected [op_sepolia], got %v", got)
	}

	h.Publish(statusUpdate("b1", "op_sepolia", model.Pending{}))
	if msgs := drain(c); len(msgs) != 1 {
		t.Errorf("expected one delivery, got %d", len(msgs))
	}
}

func TestUnsubscribe_NotSubscribedIsNoop(t *testing.T) {
	h := NewHub(testChains, 16)
	c := h.Register()

	if err := h.Unsubscribe(c, []string{"development"}); err != nil {
		t.Errorf("unsubscribe of a non-subscribed chain should succeed, got %v", err)
	}
	h.Subscribe(c, []string{"op_sepolia", "development"})
	h.Unsubscribe(c, []string{"development"})
	if got := h.Subscriptions(c); len(got) != 1 || got[0] != "op_sepolia" {
		t.Errorf("expected [op_sepolia], got %v", got)
	}
}

func TestSubscribe_PartialUnknownChain(t *testing.T) {
	h := NewHub(testChains, 16)
	c := h.Register()

	err := h.Subscribe(c, []string{"op_sepolia", "mainnet", "goerli"})
	if !errors.Is(err, apierr.ErrUnknownChain) {
		t.Fatalf("expected ErrUnknownChain, got %v", err)
	}
	if !strings.Contains(err.Error(), "mainnet, goerli") {
		t.Errorf("error should list unknown ids, got %q", err)
	}
	if got := h.Subscriptions(c); len(got) != 1 || got[0] != "op_sepolia" {
		t.Errorf("valid id should still apply, got %v", got)
	}

	if err := h.Unsubscribe(c, []string{"op_sepolia", "mainnet"}); !errors.Is(err, apierr.ErrUnknownChain) {
		t.Errorf("expected ErrUnknownChain on unsubscribe, got %v", err)
	}
	if got := h.Subscriptions(c); len(got) != 0 {
		t.Errorf("op_sepolia should be unsubscribed, got %v", got)
	}
}

func TestPublish_OnlySubscribersOfChain(t *testing.T) {
	h := NewHub(testChains, 16)
	sepolia := h.Register()
	dev := h.Register()
	idle := h.Register()
	h.Subscribe(sepolia, []string{"op_sepolia"})
	h.Subscribe(dev, []string{"development"})

	opp := model.Opportunity{ID: "opp-1"}
	opp.ChainID = "op_sepolia"
	h.Publish(model.NewOpportunity{Opportunity: opp})

	msgs := drain(sepolia)
	if len(msgs) != 1 || msgs[0]["type"] != "new_opportunity" {
		t.Fatalf("expected one new_opportunity, got %v", msgs)
	}
	if o, _ := msgs[0]["opportunity"].(map[string]any); o["opportunity_id"] != "opp-1" {
		t.Errorf("unexpected payload %v", msgs[0])
	}
	if n := len(drain(dev)); n != 0 {
		t.Errorf("development subscriber got %d messages", n)
	}
	if n := len(drain(idle)); n != 0 {
		t.Errorf("unsubscribed connection got %d messages", n)
	}
}

func TestPublish_BidStatusShape(t *testing.T) {
	h := NewHub(testChains, 16)
	c := h.Register()
	h.Subscribe(c, []string{"op_sepolia"})

	hash := common.HexToHash("0x01")
	h.Publish(statusUpdate("b1", "op_sepolia", model.Submitted{Index: 0, Result: hash}))

	msgs := drain(c)
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs))
	}
	status := msgs[0]["status"].(map[string]any)
	bidStatus := status["bid_status"].(map[string]any)
	if msgs[0]["type"] != "bid_status_update" || status["id"] != "b1" {
		t.Errorf("unexpected envelope %v", msgs[0])
	}
	if bidStatus["type"] != "submitted" || bidStatus["result"] != hash.Hex() || bidStatus["index"] != float64(0) {
		t.Errorf("unexpected bid_status %v", bidStatus)
	}
}

func TestPublish_FIFOPerConnection(t *testing.T) {
	h := NewHub(testChains, 16)
	c := h.Register()
	h.Subscribe(c, []string{"op_sepolia"})

	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		h.Publish(statusUpdate(id, "op_sepolia", model.Pending{}))
	}

	msgs := drain(c)
	if len(msgs) != len(ids) {
		t.Fatalf("expected %d messages, got %d", len(ids), len(msgs))
	}
	for i, m := range msgs {
		if got := m["status"].(map[string]any)["id"]; got != ids[i] {
			t.Errorf("message %d is for %v, want %s", i, got, ids[i])
		}
	}
}

func TestPublish_OverflowDropsWithoutBlocking(t *testing.T) {
	h := NewHub(testChains, 2)
	slow := h.Register()
	fast := h.Register()
	h.Subscribe(slow, []string{"op_sepolia"})
	h.Subscribe(fast, []string{"op_sepolia"})

	h.Publish(statusUpdate("1", "op_sepolia", model.Pending{}))
	h.Publish(statusUpdate("2", "op_sepolia", model.Pending{}))
	drain(fast)
	h.Publish(statusUpdate("3", "op_sepolia", model.Pending{}))

	msgs := drain(slow)
	if len(msgs) != 2 {
		t.Fatalf("expected queue capped at 2, got %d", len(msgs))
	}
	if msgs[0]["status"].(map[string]any)["id"] != "1" || msgs[1]["status"].(map[string]any)["id"] != "2" {
		t.Errorf("overflow should drop the newest message, got %v", msgs)
	}
	if got := drain(fast); len(got) != 1 {
		t.Errorf("fast connection should still receive update 3, got %d", len(got))
	}
}

func TestUnregister_ClosesQueue(t *testing.T) {
	h := NewHub(testChains, 4)
	c := h.Register()
	h.Subscribe(c, []string{"op_sepolia"})

	h.Unregister(c)
	h.Unregister(c)
	h.Publish(statusUpdate("b1", "op_sepolia", model.Pending{}))

	if _, ok := <-c.Send(); ok {
		t.Error("send queue should be closed and empty")
	}
	if err := h.Subscribe(c, []string{"op_sepolia"}); err != nil {
		t.Errorf("subscribe after close should be a silent no-op, got %v", err)
	}
	if got := h.Subscriptions(c); len(got) != 0 {
		t.Errorf("closed connection kept subscriptions %v", got)
	}
}
