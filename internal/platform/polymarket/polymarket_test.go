package polymarket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ammhedge/internal/crypto"
	"github.com/alanyoungcy/ammhedge/internal/domain"
	"github.com/alanyoungcy/ammhedge/internal/retry"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	key, err := crypto.LoadKey(crypto.KeySource{Raw: testKey})
	require.NoError(t, err)
	return crypto.NewSigner(key, 137)
}

var testCreds = crypto.APICredentials{
	Key:        "api-key",
	Secret:     base64.URLEncoding.EncodeToString([]byte("secret")),
	Passphrase: "pass",
}

func TestDecodeEvents(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	evs, err := DecodeEvents([]byte(`{"event_type":"last_trade_price","asset_id":"a","price":"0.42","size":"10","timestamp":"1746057600000"}`), now)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	tr := evs[0].(TradeEvent)
	assert.InDelta(t, 0.42, tr.Price, 1e-12)
	assert.Equal(t, time.UnixMilli(1746057600000).UTC(), tr.At)

	evs, err = DecodeEvents([]byte(`[{"event_type":"book","asset_id":"a","bids":[{"price":"0.40","size":"5"},{"price":"0.41","size":"1"}],"asks":[{"price":"0.45","size":"2"},{"price":"0.44","size":"2"}]},{"event_type":"tick_size_change"}]`), now)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	q := evs[0].(QuoteEvent)
	mid, ok := q.Mid()
	require.True(t, ok)
	assert.InDelta(t, 0.425, mid, 1e-12)
	assert.Equal(t, now, q.At)

	evs, err = DecodeEvents([]byte(`{"event_type":"price_change","timestamp":"1746057600","price_changes":[{"asset_id":"a","best_bid":"0.5","best_ask":"0.52"},{"asset_id":"b","best_bid":"0.47","best_ask":"0.49"}]}`), now)
	require.NoError(t, err)
	assert.Len(t, evs, 2)

	_, err = DecodeEvents([]byte(`{"event_type":"tick_size_change"}`), now)
	assert.ErrorIs(t, err, ErrUnhandled)
	_, err = DecodeEvents([]byte(`{"event_type":"last_trade_price","asset_id":"a","price":"NaN"}`), now)
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = DecodeEvents([]byte(`not json`), now)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestWinningToken(t *testing.T) {
	m := APIMarket{Closed: true, ClobTokenIDs: `["y","n"]`, OutcomePrices: `["0","1"]`, EndDate: "2026-05-01T00:00:00Z"}
	assert.Equal(t, "n", m.WinningToken())
	res := m.Resolution()
	assert.True(t, res.Closed)
	require.NotNil(t, res.EndDate)

	m.OutcomePrices = `["0.5","0.5"]`
	assert.Empty(t, m.WinningToken())
	m.OutcomePrices = `["1","0"]`
	m.Closed = false
	assert.Empty(t, m.WinningToken())
}

type clobServer struct {
	mu     sync.Mutex
	posted map[string]any
	srv    *httptest.Server
}

func newClobServer(t *testing.T) *clobServer {
	t.Helper()
	cs := &clobServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /neg-risk", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"neg_risk":false}`)
	})
	mux.HandleFunc("POST /order", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("POLY_API_KEY") != "api-key" || r.Header.Get("POLY_SIGNATURE") == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		cs.mu.Lock()
		cs.posted = body
		cs.mu.Unlock()
		_, _ = io.WriteString(w, `{"success":true,"orderID":"0xabc","status":"matched","makingAmount":"50","takingAmount":"100"}`)
	})
	mux.HandleFunc("GET /data/order/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "0xabc" {
			_, _ = io.WriteString(w, "null")
			return
		}
		_, _ = io.WriteString(w, `{"id":"0xabc","status":"MATCHED","size_matched":"100","price":"0.5"}`)
	})
	mux.HandleFunc("DELETE /order", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		reason := "order already matched"
		if body["orderID"] != "0xabc" {
			reason = "invalid order state"
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"canceled":     []string{},
			"not_canceled": map[string]string{body["orderID"]: reason},
		})
	})
	mux.HandleFunc("GET /auth/derive-api-key", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("POLY_SIGNATURE") == "" || r.Header.Get("POLY_ADDRESS") == "" {
			http.Error(w, "missing l1 headers", http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"apiKey":"derived","secret":"c2VjcmV0","passphrase":"pp"}`)
	})
	cs.srv = httptest.NewServer(mux)
	t.Cleanup(cs.srv.Close)
	return cs
}

func TestVenueRoundTrip(t *testing.T) {
	cs := newClobServer(t)
	signer := testSigner(t)
	clob := NewClobClient(cs.srv.URL, signer, testCreds, 0)
	v := NewVenue(clob, signer, VenueOptions{FeeRateBps: 10}, discard())
	ctx := context.Background()

	fill, err := v.PlaceOrder(ctx, domain.VenueOrder{TokenID: "1234", Side: domain.OrderSideBuy, Size: 100, LimitPrice: 0.505})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", fill.OrderID)
	assert.True(t, fill.Filled())
	assert.InDelta(t, 100, fill.FilledSize, 1e-9)
	assert.InDelta(t, 0.5, fill.AvgPrice, 1e-9)
	assert.InDelta(t, 0.05, fill.Fees, 1e-9)

	cs.mu.Lock()
	order := cs.posted["order"].(map[string]any)
	assert.Equal(t, "FOK", cs.posted["orderType"])
	assert.Equal(t, "api-key", cs.posted["owner"])
	cs.mu.Unlock()
	assert.Equal(t, "BUY", order["side"])
	assert.Equal(t, "50000000", order["makerAmount"])
	assert.Equal(t, "100000000", order["takerAmount"])
	assert.Equal(t, "10", order["feeRateBps"])
	assert.True(t, strings.HasPrefix(order["signature"].(string), "0x"))

	st, err := v.OrderStatus(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, domain.VenueOrderMatched, st.Status)

	_, err = v.OrderStatus(ctx, "0xnope")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.NoError(t, v.CancelOrder(ctx, "0xabc"))
	assert.Error(t, v.CancelOrder(ctx, "0xdef"))
}

func TestVenueRejectsBadOrders(t *testing.T) {
	signer := testSigner(t)
	v := NewVenue(NewClobClient("http://unused", signer, testCreds, 0), signer, VenueOptions{}, discard())
	for _, o := range []domain.VenueOrder{
		{TokenID: "1", Side: domain.OrderSideBuy, Size: 0, LimitPrice: 0.5},
		{TokenID: "1", Side: domain.OrderSideBuy, Size: 10, LimitPrice: 1},
		{TokenID: "not-a-number", Side: domain.OrderSideBuy, Size: 10, LimitPrice: 0.5},
		{TokenID: "1", Side: domain.OrderSideBuy, Size: 10, LimitPrice: 0.005},
	} {
		_, err := v.PlaceOrder(context.Background(), o)
		assert.ErrorIs(t, err, domain.ErrValidation, "%+v", o)
	}
}

func TestVenueOnlyUsesImmediateOrderTypes(t *testing.T) {
	signer := testSigner(t)
	clob := NewClobClient("http://unused", signer, testCreds, 0)
	for in, want := range map[string]string{"": "FOK", "fak": "FAK", "FOK": "FOK", "GTC": "FOK", "gtd": "FOK"} {
		v := NewVenue(clob, signer, VenueOptions{OrderType: in}, discard())
		assert.Equal(t, want, v.opts.OrderType, "order type %q", in)
	}
}

func TestEnsureCredentialsDerives(t *testing.T) {
	cs := newClobServer(t)
	clob := NewClobClient(cs.srv.URL, testSigner(t), crypto.APICredentials{}, 5)

	require.NoError(t, clob.EnsureCredentials(context.Background()))
	assert.Equal(t, "derived", clob.Credentials().Key)
}

func TestGammaResolution(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		id := q.Get("condition_ids")
		switch {
		case id == "c1" && q.Get("closed") == "true":
			_, _ = io.WriteString(w, `[{"conditionId":"c1","closed":true,"clobTokenIds":"[\"y\",\"n\"]","outcomePrices":"[\"1\",\"0\"]"}]`)
		case id == "c2" && q.Get("closed") == "true":
			_, _ = io.WriteString(w, `[]`)
		case id == "c2":
			_, _ = io.WriteString(w, `[{"conditionId":"c2","closed":"false","active":"true","clobTokenIds":"[\"y\",\"n\"]","outcomePrices":"[\"0.6\",\"0.4\"]"}]`)
		default:
			_, _ = io.WriteString(w, `[]`)
		}
	}))
	defer srv.Close()
	g := NewGammaClient(srv.URL, 0)
	ctx := context.Background()

	res, err := g.GetResolution(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, res.Closed)
	assert.Equal(t, "y", res.WinningTokenID)

	res, err = g.GetResolution(ctx, "c2")
	require.NoError(t, err)
	assert.False(t, res.Closed)
	assert.Empty(t, res.WinningTokenID)

	_, err = g.GetResolution(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWSClientResubscribes(t *testing.T) {
	subs := make(chan []string, 8)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var sub subscribeMessage
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		subs <- sub.Assets
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event_type":"last_trade_price","asset_id":"a","price":"0.5"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ws := NewWSClient("ws"+strings.TrimPrefix(srv.URL, "http"), retry.Policy{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}, discard())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, ws.SetAssets(ctx, []string{"a", "a"}))

	frames := make(chan []byte, 8)
	done := make(chan error, 1)
	go func() {
		done <- ws.Run(ctx, func(_ context.Context, raw []byte) { frames <- raw })
	}()

	wait := func() []string {
		select {
		case s := <-subs:
			return s
		case <-time.After(3 * time.Second):
			t.Fatal("no subscription")
			return nil
		}
	}
	assert.Equal(t, []string{"a"}, wait())
	select {
	case raw := <-frames:
		assert.Contains(t, string(raw), "last_trade_price")
	case <-time.After(3 * time.Second):
		t.Fatal("no frame")
	}

	require.NoError(t, ws.SetAssets(ctx, []string{"b", "a"}))
	assert.Equal(t, []string{"a", "b"}, wait())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
}
