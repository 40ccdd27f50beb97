package subscription

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/auction-relay/internal/apierr"
	"github.com/atmx/auction-relay/internal/model"
)

type fakeBids struct{}

func (fakeBids) SubmitRawBid(_ context.Context, bid model.Bid) (model.BidResult, error) {
	if bid.ChainID != "op_sepolia" {
		return model.BidResult{}, apierr.ErrUnknownChain
	}
	return model.BidResult{ID: "bid-1", Status: model.BidResultOK}, nil
}

func (fakeBids) SubmitOpportunityBid(_ context.Context, id string, _ model.OpportunityBid) (model.BidResult, error) {
	return model.BidResult{}, errors.New("database unavailable: " + id)
}

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantID  bool
		wantErr bool
		want    ClientMessage
	}{
		{"subscribe", `{"id":"1","method":"subscribe","params":{"chain_ids":["op_sepolia"]}}`, true, false, Subscribe{ChainIDs: []string{"op_sepolia"}}},
		{"unsubscribe", `{"id":"2","method":"unsubscribe","params":{"chain_ids":[]}}`, true, false, Unsubscribe{ChainIDs: []string{}}},
		{"not json", `{"id":`, false, true, nil},
		{"wrong id type", `{"id":7,"method":"subscribe"}`, false, true, nil},
		{"missing id", `{"method":"subscribe","params":{"chain_ids":["op_sepolia"]}}`, false, true, nil},
		{"null id", `{"id":null,"method":"subscribe","params":{"chain_ids":["op_sepolia"]}}`, false, true, nil},
		{"unknown method", `{"id":"3","method":"cancel_bid","params":{}}`, true, true, nil},
		{"missing params", `{"id":"4","method":"post_bid"}`, true, true, nil},
		{"bad params", `{"id":"5","method":"subscribe","params":{"chain_ids":"op_sepolia"}}`, true, true, nil},
		{"missing chain ids", `{"id":"6","method":"subscribe","params":{}}`, true, true, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, msg, err := parseMessage([]byte(tt.input))
			if (id != nil) != tt.wantID {
				t.Errorf("id present = %v, want %v", id != nil, tt.wantID)
			}
			if tt.wantErr {
				if !errors.Is(err, apierr.ErrMalformedMessage) {
					t.Errorf("expected ErrMalformedMessage, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			switch want := tt.want.(type) {
			case Subscribe:
				got, ok := msg.(Subscribe)
				if !ok || strings.Join(got.ChainIDs, ",") != strings.Join(want.ChainIDs, ",") {
					t.Errorf("got %#v, want %#v", msg, want)
				}
			case Unsubscribe:
				if _, ok := msg.(Unsubscribe); !ok {
					t.Errorf("got %#v, want Unsubscribe", msg)
				}
			}
		})
	}
}

func TestParseMessage_PostBid(t *testing.T) {
	_, msg, err := parseMessage([]byte(`{"id":"9","method":"post_bid","params":{"bid":{
		"permission_key":"0x01","chain_id":"op_sepolia",
		"target_contract":"0x5FbDB2315678afecb367f032d93F642f64180aa3",
		"target_calldata":"0x","amount":"10"}}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	pb, ok := msg.(PostBid)
	if !ok {
		t.Fatalf("expected PostBid, got %T", msg)
	}
	if pb.Bid.Amount.String() != "10" || pb.Bid.ChainID != "op_sepolia" {
		t.Errorf("unexpected bid %+v", pb.Bid)
	}
}

// dialTestServer starts the WebSocket endpoint and connects a client.
func dialTestServer(t *testing.T) (*Hub, *websocket.Conn) {
	t.Helper()
	return dialTestServerWith(t, fakeBids{})
}

func dialTestServerWith(t *testing.T, bids BidSubmitter) (*Hub, *websocket.Conn) {
	t.Helper()
	hub := NewHub(testChains, 64)
	srv := httptest.NewServer(http.HandlerFunc(NewServer(hub, bids).HandleWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return hub, ws
}

func readJSON(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m map[string]any
	if err := ws.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func TestWS_SubscribeThenReceiveUpdates(t *testing.T) {
	hub, ws := dialTestServer(t)

	ws.WriteMessage(websocket.TextMessage, []byte(`{"id":"sub-1","method":"subscribe","params":{"chain_ids":["op_sepolia"]}}`))
	resp := readJSON(t, ws)
	if resp["id"] != "sub-1" || resp["status"] != "success" {
		t.Fatalf("unexpected subscribe response %v", resp)
	}

	opp := model.Opportunity{ID: "opp-1"}
	opp.ChainID = "op_sepolia"
	hub.Publish(model.NewOpportunity{Opportunity: opp})

	update := readJSON(t, ws)
	if update["type"] != "new_opportunity" {
		t.Errorf("expected new_opportunity push, got %v", update)
	}
}

func TestWS_ErrorsEchoRequestID(t *testing.T) {
	_, ws := dialTestServer(t)

	ws.WriteMessage(websocket.TextMessage, []byte(`not json`))
	resp := readJSON(t, ws)
	if _, ok := resp["id"]; ok {
		t.Errorf("malformed message response must omit id, got %v", resp)
	}
	if resp["status"] != "error" {
		t.Errorf("expected error status, got %v", resp)
	}

	ws.WriteMessage(websocket.TextMessage, []byte(`{"method":"subscribe","params":{"chain_ids":["op_sepolia"]}}`))
	resp = readJSON(t, ws)
	if _, ok := resp["id"]; ok || resp["status"] != "error" {
		t.Errorf("request without id must get an error without id, got %v", resp)
	}

	ws.WriteMessage(websocket.TextMessage, []byte(`{"id":"s2","method":"subscribe","params":{"chain_ids":["mainnet"]}}`))
	resp = readJSON(t, ws)
	if resp["id"] != "s2" || resp["status"] != "error" || !strings.Contains(resp["result"].(string), "mainnet") {
		t.Errorf("unexpected unknown chain response %v", resp)
	}

	ws.WriteMessage(websocket.TextMessage, []byte(`{"id":"ob","method":"post_opportunity_bid","params":{"opportunity_id":"x","opportunity_bid":{
		"permission_key":"0x01","executor":"0x5FbDB2315678afecb367f032d93F642f64180aa3",
		"signature":"0x00","amount":"1","valid_until":"1"}}}`))
	resp = readJSON(t, ws)
	if resp["id"] != "ob" || resp["result"] != "internal error" {
		t.Errorf("internal errors should be masked, got %v", resp)
	}
}

func TestWS_PostBid(t *testing.T) {
	_, ws := dialTestServer(t)

	ws.WriteMessage(websocket.TextMessage, []byte(`{"id":"b1","method":"post_bid","params":{"bid":{
		"permission_key":"0x01","chain_id":"op_sepolia",
		"target_contract":"0x5FbDB2315678afecb367f032d93F642f64180aa3",
		"target_calldata":"0x","amount":"10"}}}`))
	resp := readJSON(t, ws)
	if resp["id"] != "b1" || resp["status"] != "success" {
		t.Fatalf("unexpected response %v", resp)
	}
	result := resp["result"].(map[string]any)
	if result["id"] != "bid-1" || result["status"] != "OK" {
		t.Errorf("unexpected result %v", result)
	}
}

// slowBids holds every raw bid until released and records the peak number
// of bids being served at once.
type slowBids struct {
	fakeBids
	release chan struct{}

	mu       sync.Mutex
	inflight int
	peak     int
}

func (b *slowBids) SubmitRawBid(ctx context.Context, bid model.Bid) (model.BidResult, error) {
	b.mu.Lock()
	b.inflight++
	b.peak = max(b.peak, b.inflight)
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.inflight--
		b.mu.Unlock()
	}()

	select {
	case <-b.release:
	case <-ctx.Done():
		return model.BidResult{}, ctx.Err()
	}
	return b.fakeBids.SubmitRawBid(ctx, bid)
}

func (b *slowBids) current() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inflight, b.peak
}

func TestWS_InflightRequestsAreCapped(t *testing.T) {
	bids := &slowBids{release: make(chan struct{})}
	_, ws := dialTestServerWith(t, bids)

	const n = maxInflight + 4
	for i := 0; i < n; i++ {
		msg := fmt.Sprintf(`{"id":"b%d","method":"post_bid","params":{"bid":{
			"permission_key":"0x01","chain_id":"op_sepolia",
			"target_contract":"0x5FbDB2315678afecb367f032d93F642f64180aa3",
			"target_calldata":"0x","amount":"10"}}}`, i)
		if err := ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if inflight, _ := bids.current(); inflight == maxInflight {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("requests never reached the in-flight cap")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if _, peak := bids.current(); peak != maxInflight {
		t.Errorf("expected at most %d requests in flight, saw %d", maxInflight, peak)
	}

	close(bids.release)
	for i := 0; i < n; i++ {
		if resp := readJSON(t, ws); resp["status"] != "success" {
			t.Errorf("unexpected response %v", resp)
		}
	}
}
