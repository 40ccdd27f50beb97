package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/auction-relay/internal/api"
	"github.com/atmx/auction-relay/internal/auction"
	"github.com/atmx/auction-relay/internal/chain"
	"github.com/atmx/auction-relay/internal/config"
	"github.com/atmx/auction-relay/internal/limits"
	"github.com/atmx/auction-relay/internal/model"
	"github.com/atmx/auction-relay/internal/opportunity"
	"github.com/atmx/auction-relay/internal/signature"
	"github.com/atmx/auction-relay/internal/store"
)

const (
	permissionKey = "0x5fbdb2315678afecb367f032d93f642f64180aa30000000000000000000000000000000000000001"
	targetAddr    = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	tokenA        = "0x4200000000000000000000000000000000000006"
	tokenB        = "0x5fd84259d66Cd46123540766Be93DFE6D43130D7"
)

// newTestEnv creates a Service over an in-memory store and a chi router.
// No coordinator runs, so admitted bids stay pending.
func newTestEnv(t *testing.T) chi.Router {
	t.Helper()
	ms := store.NewMemoryStore()
	chains := chain.NewRegistry(chain.New(config.ChainConfig{
		ID:                 "op_sepolia",
		NetworkID:          11155420,
		OpportunityAdapter: "0xcA11bde05977b3631167028862bE2a173976CA11",
	}, nil))
	opps := opportunity.NewRegistry(ms, chains, nil, 0)
	ledger := auction.NewLedger(ms, chains, opps, limits.NewPendingLimiter(3, 0, 40), nil, nil)
	svc := api.NewService(opps, ledger)

	r := chi.NewRouter()
	r.Route("/v1", svc.Routes)
	return r
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func opportunityBody() map[string]any {
	return map[string]any{
		"version":           "v1",
		"chain_id":          "op_sepolia",
		"permission_key":    permissionKey,
		"target_contract":   targetAddr,
		"target_calldata":   "0xdeadbeef",
		"target_call_value": "0",
		"sell_tokens":       []map[string]string{{"token": tokenA, "amount": "1000"}},
		"buy_tokens":        []map[string]string{{"token": tokenB, "amount": "500"}},
	}
}

func rawBidBody(amount string) map[string]any {
	return map[string]any{
		"permission_key":  permissionKey,
		"chain_id":        "op_sepolia",
		"target_contract": targetAddr,
		"target_calldata": "0x01",
		"amount":          amount,
	}
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %s", w.Body.String())
	}
	return body["error"]
}

// --- Opportunities ---

func TestPostOpportunity_ListedByChain(t *testing.T) {
	router := newTestEnv(t)

	w := do(t, router, "POST", "/v1/opportunities", opportunityBody())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var created map[string]any
	json.Unmarshal(w.Body.Bytes(), &created)
	if created["opportunity_id"] == "" || created["opportunity_id"] == nil {
		t.Error("expected generated opportunity_id")
	}
	if created["creation_time"] == nil {
		t.Error("expected creation_time")
	}
	domain, _ := created["eip_712_domain"].(map[string]any)
	if domain["chain_id"] != "11155420" {
		t.Errorf("unexpected eip_712_domain %v", domain)
	}

	w = do(t, router, "GET", "/v1/opportunities?chain_id=op_sepolia", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var listed []map[string]any
	json.Unmarshal(w.Body.Bytes(), &listed)
	if len(listed) != 1 || listed[0]["opportunity_id"] != created["opportunity_id"] {
		t.Fatalf("expected created opportunity in listing, got %v", listed)
	}

	// Token lists and contract fields come back exactly as submitted.
	for _, field := range []string{"sell_tokens", "buy_tokens", "target_contract", "target_calldata", "permission_key"} {
		want, _ := json.Marshal(opportunityBody()[field])
		got, _ := json.Marshal(listed[0][field])
		if string(want) != string(got) {
			t.Errorf("%s: want %s, got %s", field, want, got)
		}
	}
}

func TestPostOpportunity_Errors(t *testing.T) {
	router := newTestEnv(t)

	unknown := opportunityBody()
	unknown["chain_id"] = "mainnet"
	badVersion := opportunityBody()
	badVersion["version"] = "v2"
	missing := opportunityBody()
	delete(missing, "target_contract")
	emptyTokens := opportunityBody()
	emptyTokens["sell_tokens"] = []map[string]string{}

	tests := []struct {
		name string
		body any
		want int
	}{
		{"unknown chain", unknown, http.StatusNotFound},
		{"bad version", badVersion, http.StatusBadRequest},
		{"missing field", missing, http.StatusBadRequest},
		{"empty tokens", emptyTokens, http.StatusBadRequest},
		{"malformed body", "{not json", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", "/v1/opportunities", tt.body)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
			if errorMessage(t, w) == "" {
				t.Error("expected error message")
			}
		})
	}
}

func TestListOpportunities_UnknownChain(t *testing.T) {
	router := newTestEnv(t)

	w := do(t, router, "GET", "/v1/opportunities?chain_id=mainnet", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}

	w = do(t, router, "GET", "/v1/opportunities", nil)
	if w.Code != http.StatusOK || w.Body.String() != "[]\n" {
		t.Errorf("expected empty list, got %d %q", w.Code, w.Body.String())
	}
}

// --- Raw bids ---

func TestPostBid_ThenGetStatus(t *testing.T) {
	router := newTestEnv(t)

	w := do(t, router, "POST", "/v1/bids", rawBidBody("10"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res model.BidResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.ID == "" || res.Status != "OK" {
		t.Fatalf("unexpected bid result %+v", res)
	}

	w = do(t, router, "GET", "/v1/bids/"+res.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != "{\"type\":\"pending\"}\n" {
		t.Errorf("unexpected status body %s", w.Body.String())
	}
}

func TestPostBid_Errors(t *testing.T) {
	router := newTestEnv(t)

	unknown := rawBidBody("10")
	unknown["chain_id"] = "mainnet"
	badCalldata := rawBidBody("10")
	badCalldata["target_calldata"] = "0xz"

	tests := []struct {
		name string
		body any
		want int
	}{
		{"unknown chain", unknown, http.StatusNotFound},
		{"fractional amount", rawBidBody("1.5"), http.StatusBadRequest},
		{"bad calldata", badCalldata, http.StatusBadRequest},
		{"missing fields", map[string]any{"amount": "1"}, http.StatusBadRequest},
		{"malformed body", "[", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", "/v1/bids", tt.body)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestPostBid_PendingLimit(t *testing.T) {
	router := newTestEnv(t)

	for i := 0; i < 3; i++ {
		if w := do(t, router, "POST", "/v1/bids", rawBidBody("10")); w.Code != http.StatusOK {
			t.Fatalf("bid %d: expected 200, got %d", i, w.Code)
		}
	}
	w := do(t, router, "POST", "/v1/bids", rawBidBody("10"))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetBidStatus_Errors(t *testing.T) {
	router := newTestEnv(t)

	w := do(t, router, "GET", "/v1/bids/4b8f3f3e-1d2c-4a5b-8c9d-0e1f2a3b4c5d", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown bid: expected 404, got %d", w.Code)
	}
	if msg := errorMessage(t, w); msg == "" {
		t.Error("unknown bid must return an error, not a default status")
	}

	w = do(t, router, "GET", "/v1/bids/not-a-uuid", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed id: expected 400, got %d", w.Code)
	}
}

// --- Opportunity bids ---

func TestPostOpportunityBid(t *testing.T) {
	router := newTestEnv(t)

	w := do(t, router, "POST", "/v1/opportunities", opportunityBody())
	var opp model.Opportunity
	if err := json.Unmarshal(w.Body.Bytes(), &opp); err != nil {
		t.Fatalf("decode opportunity: %v", err)
	}

	key, _ := crypto.GenerateKey()
	sign := func(validUntil int64) model.OpportunityBid {
		bid := model.OpportunityBid{
			PermissionKey: permissionKey,
			Executor:      crypto.PubkeyToAddress(key.PublicKey).Hex(),
			Amount:        decimal.NewFromInt(100),
			ValidUntil:    decimal.NewFromInt(validUntil),
		}
		sig, err := signature.Sign(key, opp.EIP712Domain, &opp, bid)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		bid.Signature = sig
		return bid
	}
	future := time.Now().Add(time.Hour).Unix()

	w = do(t, router, "POST", "/v1/opportunities/"+opp.ID+"/bids", sign(future))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, "POST", "/v1/opportunities/"+opp.ID+"/bids", sign(time.Now().Add(-time.Hour).Unix()))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expired bid: expected 400, got %d", w.Code)
	}

	forged := sign(future)
	forged.Amount = decimal.NewFromInt(1)
	w = do(t, router, "POST", "/v1/opportunities/"+opp.ID+"/bids", forged)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad signature: expected 400, got %d", w.Code)
	}

	w = do(t, router, "POST", "/v1/opportunities/9a0c1c55-2a0e-4f0e-8b1a-7f3c2d1e0b9a/bids", sign(future))
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown opportunity: expected 404, got %d", w.Code)
	}
}
