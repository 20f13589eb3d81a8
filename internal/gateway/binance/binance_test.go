package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cx-carry-bot/internal/gateway"

	"go.uber.org/zap"
)

const spotExchangeInfo = `{"symbols":[
	{"symbol":"BTCUSDT","status":"TRADING","baseAsset":"BTC","quoteAsset":"USDT",
	 "filters":[{"filterType":"LOT_SIZE","stepSize":"0.00001"},{"filterType":"PRICE_FILTER","tickSize":"0.01"}]},
	{"symbol":"ETHUSDT","status":"BREAK","baseAsset":"ETH","quoteAsset":"USDT","filters":[]}
]}`

const swapExchangeInfo = `{"symbols":[
	{"symbol":"BTCUSDT","status":"TRADING","baseAsset":"BTC","quoteAsset":"USDT",
	 "filters":[{"filterType":"LOT_SIZE","stepSize":"0.001"},{"filterType":"PRICE_FILTER","tickSize":"0.1"}]}
]}`

func spotServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request) bool) (*httptest.Server, *Client) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler != nil && handler(w, r) {
			return
		}
		if r.URL.Path == "/api/v3/exchangeInfo" {
			_, _ = w.Write([]byte(spotExchangeInfo))
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(server.Close)
	client := newClient(VenueSpot, server.URL, "key", "secret", zap.NewNop(), server.Client())
	return server, client
}

func TestSymbolID(t *testing.T) {
	if got := symbolID("BTC/USDT"); got != "BTCUSDT" {
		t.Fatalf("spot id: %s", got)
	}
	if got := symbolID("BTC/USDT:USDT"); got != "BTCUSDT" {
		t.Fatalf("swap id: %s", got)
	}
}

func TestQuantizeFloorsToStep(t *testing.T) {
	if got := quantize(0.123456, 0.001); math.Abs(got-0.123) > 1e-12 {
		t.Fatalf("quantize: %v", got)
	}
	// A value that is an exact multiple must survive float noise.
	if got := quantize(0.3, 0.1); math.Abs(got-0.3) > 1e-12 {
		t.Fatalf("quantize exact: %v", got)
	}
	if got := quantize(5, 0); got != 5 {
		t.Fatalf("zero step must pass through, got %v", got)
	}
}

func TestFetchTickersFiltersUntradable(t *testing.T) {
	_, client := spotServer(t, func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Path == "/api/v3/ticker/24hr" {
			_, _ = w.Write([]byte(`[
				{"symbol":"BTCUSDT","lastPrice":"60000.5","quoteVolume":"120000000"},
				{"symbol":"ETHUSDT","lastPrice":"3000","quoteVolume":"90000000"},
				{"symbol":"UNKNOWN","lastPrice":"1","quoteVolume":"1"}
			]`))
			return true
		}
		return false
	})

	tickers, err := client.FetchTickers(context.Background())
	if err != nil {
		t.Fatalf("fetch tickers: %v", err)
	}
	if len(tickers) != 1 {
		t.Fatalf("expected only TRADING symbols, got %v", tickers)
	}
	btc := tickers["BTC/USDT"]
	if btc.Last != 60000.5 || btc.QuoteVolume != 120000000 {
		t.Fatalf("unexpected ticker: %+v", btc)
	}
}

func TestFetchOrderBookParsesLevels(t *testing.T) {
	_, client := spotServer(t, func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Path == "/api/v3/depth" {
			if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
				t.Errorf("expected symbol BTCUSDT, got %s", got)
			}
			_, _ = w.Write([]byte(`{"bids":[["59999.9","1.5"]],"asks":[["60000.1","2"],["60001","0.5"]]}`))
			return true
		}
		return false
	})

	book, err := client.FetchOrderBook(context.Background(), "BTC/USDT", 10)
	if err != nil {
		t.Fatalf("fetch book: %v", err)
	}
	if len(book.Asks) != 2 || len(book.Bids) != 1 {
		t.Fatalf("unexpected book: %+v", book)
	}
	if book.Asks[0].Price != 60000.1 || book.Asks[0].Qty != 2 {
		t.Fatalf("unexpected best ask: %+v", book.Asks[0])
	}
}

func TestPlaceLimitIOCSignsAndMapsResult(t *testing.T) {
	var gotQuery string
	var gotKey string
	_, client := spotServer(t, func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Path == "/api/v3/order" {
			gotQuery = r.URL.RawQuery
			gotKey = r.Header.Get("X-MBX-APIKEY")
			_, _ = w.Write([]byte(`{"orderId":123,"status":"FILLED","executedQty":"0.5","cummulativeQuoteQty":"30000"}`))
			return true
		}
		return false
	})

	res, err := client.PlaceLimitIOC(context.Background(), "BTC/USDT", gateway.SideBuy, 0.5, 60000.123, "client-1")
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if gotKey != "key" {
		t.Fatalf("expected api key header, got %q", gotKey)
	}
	for _, want := range []string{"symbol=BTCUSDT", "side=BUY", "type=LIMIT", "timeInForce=IOC", "newClientOrderId=client-1", "price=60000.12", "timestamp="} {
		if !strings.Contains(gotQuery, want) {
			t.Fatalf("query missing %q: %s", want, gotQuery)
		}
	}
	sigIdx := strings.Index(gotQuery, "&signature=")
	if sigIdx < 0 {
		t.Fatalf("query missing signature: %s", gotQuery)
	}
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte(gotQuery[:sigIdx]))
	if want := hex.EncodeToString(mac.Sum(nil)); gotQuery[sigIdx+len("&signature="):] != want {
		t.Fatal("signature does not verify")
	}
	if res.ID != "123" || res.Status != gateway.StatusFilled || res.FilledQty != 0.5 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if math.Abs(res.AveragePrice-60000) > 1e-9 {
		t.Fatalf("average price: %v", res.AveragePrice)
	}
}

func TestOrderResultPartialFillIsDone(t *testing.T) {
	res := orderResponse{OrderID: 9, Status: "EXPIRED", ExecutedQty: "0.3", CummulativeQuoteQty: "18000"}.toResult(0.5)
	if !res.Status.Done() || res.FilledQty != 0.3 {
		t.Fatalf("partial IOC fill must be terminal with its quantity: %+v", res)
	}
	zero := orderResponse{OrderID: 10, Status: "EXPIRED", ExecutedQty: "0"}.toResult(0.5)
	if zero.Status.Done() {
		t.Fatalf("zero fill must not be done: %+v", zero)
	}
}

func TestFetchFundingRateSwapOnly(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/exchangeInfo":
			_, _ = w.Write([]byte(swapExchangeInfo))
		case "/fapi/v1/fundingInfo":
			_, _ = w.Write([]byte(`[{"symbol":"BTCUSDT","fundingIntervalHours":4}]`))
		case "/fapi/v1/premiumIndex":
			_, _ = w.Write([]byte(`{"lastFundingRate":"0.00012","nextFundingTime":1756000000000}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := newClient(VenueSwap, server.URL, "", "", zap.NewNop(), server.Client())
	if err := client.ensureMarkets(context.Background()); err != nil {
		t.Fatalf("ensure markets: %v", err)
	}
	funding, err := client.FetchFundingRate(context.Background(), "BTC/USDT:USDT")
	if err != nil {
		t.Fatalf("fetch funding: %v", err)
	}
	if funding.Rate != 0.00012 || !funding.HasNext {
		t.Fatalf("unexpected funding: %+v", funding)
	}
	if hours, ok := client.FundingIntervalHours("BTC/USDT:USDT"); !ok || hours != 4 {
		t.Fatalf("funding interval: %v %v", hours, ok)
	}

	spot := newClient(VenueSpot, server.URL, "", "", zap.NewNop(), server.Client())
	if _, err := spot.FetchFundingRate(context.Background(), "BTC/USDT"); err == nil {
		t.Fatal("spot venue must not serve funding")
	}
}

func TestTransferRoutes(t *testing.T) {
	var gotType string
	_, client := spotServer(t, func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Path == "/sapi/v1/asset/transfer" {
			gotType = r.URL.Query().Get("type")
			_, _ = w.Write([]byte(`{"tranId":1}`))
			return true
		}
		return false
	})

	ctx := context.Background()
	if err := client.Transfer(ctx, "USDT", 100, "spot", "swap"); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if gotType != "MAIN_UMFUTURE" {
		t.Fatalf("expected MAIN_UMFUTURE, got %s", gotType)
	}
	if err := client.Transfer(ctx, "USDT", 100, "swap", "spot"); err != nil {
		t.Fatalf("transfer back: %v", err)
	}
	if gotType != "UMFUTURE_MAIN" {
		t.Fatalf("expected UMFUTURE_MAIN, got %s", gotType)
	}
	if err := client.Transfer(ctx, "USDT", 100, "spot", "margin"); err == nil {
		t.Fatal("expected error for unsupported route")
	}
}

func TestFetchFreeBalances(t *testing.T) {
	_, client := spotServer(t, func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Path == "/api/v3/account" {
			_, _ = w.Write([]byte(`{"balances":[{"asset":"USDT","free":"1500.5"},{"asset":"BNB","free":"0"}]}`))
			return true
		}
		return false
	})

	balances, err := client.FetchFreeBalances(context.Background())
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if len(balances) != 1 || balances["USDT"] != 1500.5 {
		t.Fatalf("unexpected balances: %v", balances)
	}
}

func TestPrecisionUsesExchangeFilters(t *testing.T) {
	_, client := spotServer(t, nil)
	if err := client.ensureMarkets(context.Background()); err != nil {
		t.Fatalf("ensure markets: %v", err)
	}
	if got := client.AmountToPrecision("BTC/USDT", 0.123456789); math.Abs(got-0.12345) > 1e-12 {
		t.Fatalf("amount precision: %v", got)
	}
	if got := client.PriceToPrecision("BTC/USDT", 60000.129); math.Abs(got-60000.12) > 1e-9 {
		t.Fatalf("price precision: %v", got)
	}
}
