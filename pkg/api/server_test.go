package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hyperswap/params"
	"github.com/uhyunpark/hyperswap/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperswap/pkg/app/core/transaction"
	"github.com/uhyunpark/hyperswap/pkg/app/exchange"
	"github.com/uhyunpark/hyperswap/pkg/crypto"
	"github.com/uhyunpark/hyperswap/pkg/storage"
)

const gold = "aa01.gold"

type apiFixture struct {
	srv    *Server
	http   *httptest.Server
	seller common.Address
	buyer  common.Address
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	keys := crypto.NewKeyring()
	seller, err := keys.Generate()
	require.NoError(t, err)
	buyer, err := keys.Generate()
	require.NoError(t, err)

	market := params.Default().Market
	cfg := exchange.ConfigFromParams(market)
	verifier := transaction.NewVerifier(crypto.DefaultDomain())
	registry := prometheus.NewRegistry()

	store, err := storage.OpenLedger("ledger", storage.LedgerConfig{
		Verifier:       verifier,
		UniquePolicies: cfg.Scripts.UniquePolicies(),
		Metrics:        storage.NewMetrics(registry),
		FS:             vfs.NewMem(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	app, err := exchange.NewApp(cfg, store, verifier, keys, nil, nil)
	require.NoError(t, err)

	srv := NewServer(app, store, registry, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.hub.Run(ctx)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return &apiFixture{srv: srv, http: ts, seller: seller, buyer: buyer}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.http.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func (f *apiFixture) mustCommit(t *testing.T, path string, body any) CommitResponse {
	t.Helper()
	resp, out := f.do(t, "POST", path, body)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(out))
	var cr CommitResponse
	require.NoError(t, json.Unmarshal(out, &cr))
	assert.Equal(t, "accepted", cr.Status)
	return cr
}

func (f *apiFixture) registerBoth(t *testing.T) {
	f.mustCommit(t, "/api/v1/participants", RegisterRequest{Participant: f.seller.Hex()})
	f.mustCommit(t, "/api/v1/participants", RegisterRequest{Participant: f.buyer.Hex()})
}

func (f *apiFixture) open(t *testing.T) OfferInfo {
	t.Helper()
	f.mustCommit(t, "/api/v1/offers", OpenRequest{
		Seller:  f.seller.Hex(),
		Asked:   AmountRequest{Asset: "currency", Qty: 15_000_000},
		Offered: AmountRequest{Asset: gold, Qty: 5},
	})
	resp, out := f.do(t, "GET", "/api/v1/offers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var offers []OfferInfo
	require.NoError(t, json.Unmarshal(out, &offers))
	require.Len(t, offers, 1)
	return offers[0]
}

func TestHealthAndRequestID(t *testing.T) {
	f := newAPIFixture(t)
	resp, out := f.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(out))

	_, err := uuid.Parse(resp.Header.Get(requestIDHeader))
	assert.NoError(t, err)
}

func TestOfferLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	f.registerBoth(t)
	offer := f.open(t)

	assert.Equal(t, f.seller.Hex(), offer.Seller)
	assert.Equal(t, "currency", offer.Price.Asset)
	assert.Equal(t, "15.000000", offer.Price.Display)
	assert.Equal(t, int64(5), offer.Stock.Qty)
	assert.Equal(t, "5", offer.Stock.Display)

	f.mustCommit(t, "/api/v1/offers/"+offer.Beacon+"/fill", FillRequest{
		Buyer:   f.buyer.Hex(),
		Payment: AmountRequest{Asset: "currency", Qty: 25_000_000},
	})

	resp, out := f.do(t, "GET", "/api/v1/offers/"+offer.Beacon, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var after OfferInfo
	require.NoError(t, json.Unmarshal(out, &after))
	assert.Equal(t, int64(4), after.Stock.Qty)
	assert.NotEqual(t, offer.Ref, after.Ref)

	resp, out = f.do(t, "GET", "/api/v1/wallets/"+f.buyer.Hex(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var wallet WalletInfo
	require.NoError(t, json.Unmarshal(out, &wallet))
	assert.True(t, wallet.Registered)
	found := false
	for _, a := range wallet.Balance {
		if a.Asset == gold {
			found = true
			assert.Equal(t, int64(1), a.Qty)
		}
	}
	assert.True(t, found, "buyer wallet has no gold: %s", out)

	f.mustCommit(t, "/api/v1/offers/"+offer.Beacon+"/close", CloseRequest{Seller: f.seller.Hex()})
	resp, _ = f.do(t, "GET", "/api/v1/offers/"+offer.Beacon, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, out = f.do(t, "GET", "/api/v1/commits?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var commits []CommitInfo
	require.NoError(t, json.Unmarshal(out, &commits))
	require.Len(t, commits, 2)
	assert.Equal(t, "close", commits[0].Kind)
	assert.Equal(t, "fill", commits[1].Kind)

	resp, out = f.do(t, "GET", "/api/v1/commits/"+commits[1].ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var one CommitInfo
	require.NoError(t, json.Unmarshal(out, &one))
	assert.Equal(t, commits[1].ID, one.ID)
	assert.Contains(t, one.Signers, f.buyer.Hex())
}

func TestErrorMapping(t *testing.T) {
	f := newAPIFixture(t)
	f.registerBoth(t)
	offer := f.open(t)
	stranger := common.HexToAddress("0x00000000000000000000000000000000000000CC")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"bad address", "GET", "/api/v1/wallets/nope", nil, http.StatusBadRequest},
		{"unknown field", "POST", "/api/v1/participants", map[string]string{"who": "x"}, http.StatusBadRequest},
		{"bad limit", "GET", "/api/v1/commits?limit=-1", nil, http.StatusBadRequest},
		{"unknown commit", "GET", "/api/v1/commits/0x" + strings.Repeat("00", 32), nil, http.StatusNotFound},
		{"register twice", "POST", "/api/v1/participants", RegisterRequest{Participant: f.seller.Hex()}, http.StatusConflict},
		{"duplicate open", "POST", "/api/v1/offers", OpenRequest{
			Seller:  f.seller.Hex(),
			Asked:   AmountRequest{Asset: "currency", Qty: 1},
			Offered: AmountRequest{Asset: gold, Qty: 1},
		}, http.StatusConflict},
		{"unregistered buyer", "POST", "/api/v1/offers/" + offer.Beacon + "/fill", FillRequest{
			Buyer:   stranger.Hex(),
			Payment: AmountRequest{Asset: "currency", Qty: 15_000_000},
		}, http.StatusNotFound},
		{"insufficient payment", "POST", "/api/v1/offers/" + offer.Beacon + "/fill", FillRequest{
			Buyer:   f.buyer.Hex(),
			Payment: AmountRequest{Asset: "currency", Qty: 1},
		}, http.StatusUnprocessableEntity},
		{"close by buyer", "POST", "/api/v1/offers/" + offer.Beacon + "/close", CloseRequest{Seller: f.buyer.Hex()}, http.StatusForbidden},
		{"unknown escrow", "POST", "/api/v1/escrows/0x01/approve", EscrowRequest{
			Buyer: f.buyer.Hex(), Seller: f.seller.Hex(),
		}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode, string(out))
			if resp.StatusCode != http.StatusOK {
				var er ErrorResponse
				require.NoError(t, json.Unmarshal(out, &er))
				assert.NotEmpty(t, er.RequestID)
			}
		})
	}
}

func TestSubmitTransition_Unsigned(t *testing.T) {
	f := newAPIFixture(t)
	st := transaction.SignedTransition{Transition: transaction.Transition{
		Kind:    transaction.KindUpdate,
		Signers: []common.Address{f.seller},
	}}
	// Nothing consumed or produced
	resp, _ := f.do(t, "POST", "/api/v1/transitions", st)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	tr := mustRegisterTransition(t, f)
	resp, out := f.do(t, "POST", "/api/v1/transitions", transaction.SignedTransition{Transition: *tr})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, string(out))

	resp, out = f.do(t, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(out), `ledger_rejects_total{kind="register",reason="authorization"} 1`)
}

func mustRegisterTransition(t *testing.T, f *apiFixture) *transaction.Transition {
	t.Helper()
	ref, err := f.srv.app.Scripts().ReferenceOutput(f.seller)
	require.NoError(t, err)
	return &transaction.Transition{
		Kind:     transaction.KindRegister,
		Produced: []ledger.Output{ref},
		Mint:     ref.Value,
		Signers:  []common.Address{f.seller},
	}
}

func TestWebSocketCommitFeed(t *testing.T) {
	f := newAPIFixture(t)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{"commits"}}))
	require.Eventually(t, func() bool {
		f.srv.hub.mu.RLock()
		defer f.srv.hub.mu.RUnlock()
		for c := range f.srv.hub.clients {
			if c.IsSubscribed("commits") {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	f.mustCommit(t, "/api/v1/participants", RegisterRequest{Participant: f.seller.Hex()})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var update CommitUpdate
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, "commit", update.Type)
	assert.Equal(t, "register", update.Commit.Kind)
	assert.Equal(t, uint64(1), update.Commit.Seq)
}
