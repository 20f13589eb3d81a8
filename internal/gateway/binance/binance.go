package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"cx-carry-bot/internal/config"
	"cx-carry-bot/internal/gateway"

	"go.uber.org/zap"
)

// Venue selects which Binance API surface a client talks to: the spot
// exchange or USD-margined perpetual futures.
type Venue string

const (
	VenueSpot Venue = "spot"
	VenueSwap Venue = "swap"
)

const recvWindowMS = 5000

// Client implements gateway.Gateway against one Binance venue. Market
// metadata is fetched lazily from exchangeInfo and cached for the life of
// the client.
type Client struct {
	venue   Venue
	baseURL string
	apiKey  string
	secret  string
	http    *http.Client
	log     *zap.Logger

	mu               sync.RWMutex
	markets          map[string]marketMeta
	fundingIntervals map[string]float64
}

func New(venue Venue, cfg config.GatewayConfig, log *zap.Logger) *Client {
	baseURL := cfg.SpotBaseURL
	if venue == VenueSwap {
		baseURL = cfg.SwapBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return newClient(venue, baseURL, cfg.APIKey, cfg.APISecret, log, &http.Client{Timeout: timeout})
}

func newClient(venue Venue, baseURL, apiKey, secret string, log *zap.Logger, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		venue:   venue,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		secret:  secret,
		http:    client,
		log:     log,
	}
}

func (c *Client) prefix() string {
	if c.venue == VenueSwap {
		return "/fapi/v1"
	}
	return "/api/v3"
}

func (c *Client) wrap(op, symbol string, err error) error {
	return &gateway.Error{Op: op, Symbol: symbol, Err: err}
}

// get issues an unsigned GET and decodes the JSON response into out.
func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// signed issues an HMAC-SHA256 signed request. Binance signs the raw query
// string including the timestamp.
func (c *Client) signed(ctx context.Context, method, path string, params url.Values, out interface{}) error {
	if c.apiKey == "" || c.secret == "" {
		return fmt.Errorf("api credentials are required")
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.Itoa(recvWindowMS))
	query := params.Encode()
	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write([]byte(query))
	query += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+query, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type exchangeInfoSymbol struct {
	Symbol     string `json:"symbol"`
	Status     string `json:"status"`
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`
	Filters    []struct {
		FilterType string `json:"filterType"`
		StepSize   string `json:"stepSize"`
		TickSize   string `json:"tickSize"`
	} `json:"filters"`
}

func (c *Client) ensureMarkets(ctx context.Context) error {
	c.mu.RLock()
	loaded := c.markets != nil
	c.mu.RUnlock()
	if loaded {
		return nil
	}

	var info struct {
		Symbols []exchangeInfoSymbol `json:"symbols"`
	}
	if err := c.get(ctx, c.prefix()+"/exchangeInfo", nil, &info); err != nil {
		return c.wrap("exchangeInfo", "", err)
	}
	markets := make(map[string]marketMeta, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		meta := marketMeta{ID: s.Symbol, Base: s.BaseAsset, Quote: s.QuoteAsset}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				meta.StepSize, _ = strconv.ParseFloat(f.StepSize, 64)
			case "PRICE_FILTER":
				meta.TickSize, _ = strconv.ParseFloat(f.TickSize, 64)
			}
		}
		markets[unifiedSymbol(s.BaseAsset, s.QuoteAsset, c.venue)] = meta
	}

	intervals := map[string]float64{}
	if c.venue == VenueSwap {
		// fundingInfo only lists symbols that deviate from the 8h cycle.
		var entries []struct {
			Symbol               string  `json:"symbol"`
			FundingIntervalHours float64 `json:"fundingIntervalHours"`
		}
		if err := c.get(ctx, "/fapi/v1/fundingInfo", nil, &entries); err != nil {
			if c.log != nil {
				c.log.Warn("funding interval metadata unavailable", zap.Error(err))
			}
		} else {
			byID := make(map[string]string, len(markets))
			for unified, meta := range markets {
				byID[meta.ID] = unified
			}
			for _, e := range entries {
				if unified, ok := byID[e.Symbol]; ok && e.FundingIntervalHours > 0 {
					intervals[unified] = e.FundingIntervalHours
				}
			}
		}
	}

	c.mu.Lock()
	c.markets = markets
	c.fundingIntervals = intervals
	c.mu.Unlock()
	return nil
}

func (c *Client) market(ctx context.Context, symbol string) (marketMeta, error) {
	if err := c.ensureMarkets(ctx); err != nil {
		return marketMeta{}, err
	}
	c.mu.RLock()
	meta, ok := c.markets[symbol]
	c.mu.RUnlock()
	if !ok {
		return marketMeta{}, c.wrap("market", symbol, fmt.Errorf("unknown symbol"))
	}
	return meta, nil
}

type ticker24h struct {
	Symbol      string `json:"symbol"`
	LastPrice   string `json:"lastPrice"`
	QuoteVolume string `json:"quoteVolume"`
}

func (t ticker24h) toTicker() gateway.Ticker {
	last, _ := strconv.ParseFloat(t.LastPrice, 64)
	vol, _ := strconv.ParseFloat(t.QuoteVolume, 64)
	return gateway.Ticker{Last: last, QuoteVolume: vol}
}

func (c *Client) FetchTickers(ctx context.Context) (map[string]gateway.Ticker, error) {
	if err := c.ensureMarkets(ctx); err != nil {
		return nil, err
	}
	var rows []ticker24h
	if err := c.get(ctx, c.prefix()+"/ticker/24hr", nil, &rows); err != nil {
		return nil, c.wrap("tickers", "", err)
	}
	c.mu.RLock()
	byID := make(map[string]string, len(c.markets))
	for unified, meta := range c.markets {
		byID[meta.ID] = unified
	}
	c.mu.RUnlock()
	out := make(map[string]gateway.Ticker, len(rows))
	for _, row := range rows {
		if unified, ok := byID[row.Symbol]; ok {
			out[unified] = row.toTicker()
		}
	}
	return out, nil
}

func (c *Client) FetchTicker(ctx context.Context, symbol string) (gateway.Ticker, error) {
	params := url.Values{"symbol": {symbolID(symbol)}}
	var row ticker24h
	if err := c.get(ctx, c.prefix()+"/ticker/24hr", params, &row); err != nil {
		return gateway.Ticker{}, c.wrap("ticker", symbol, err)
	}
	return row.toTicker(), nil
}

func (c *Client) FetchOrderBook(ctx context.Context, symbol string, depth int) (gateway.OrderBook, error) {
	if depth <= 0 {
		depth = 50
	}
	params := url.Values{
		"symbol": {symbolID(symbol)},
		"limit":  {strconv.Itoa(depth)},
	}
	var raw struct {
		Bids [][2]string `json:"bids"`
		Asks [][2]string `json:"asks"`
	}
	if err := c.get(ctx, c.prefix()+"/depth", params, &raw); err != nil {
		return gateway.OrderBook{}, c.wrap("orderbook", symbol, err)
	}
	return gateway.OrderBook{
		Bids: parseLevels(raw.Bids),
		Asks: parseLevels(raw.Asks),
	}, nil
}

func parseLevels(rows [][2]string) []gateway.BookLevel {
	out := make([]gateway.BookLevel, 0, len(rows))
	for _, row := range rows {
		price, _ := strconv.ParseFloat(row[0], 64)
		qty, _ := strconv.ParseFloat(row[1], 64)
		if price > 0 && qty > 0 {
			out = append(out, gateway.BookLevel{Price: price, Qty: qty})
		}
	}
	return out
}

func (c *Client) FetchFundingRate(ctx context.Context, symbol string) (gateway.Funding, error) {
	if c.venue != VenueSwap {
		return gateway.Funding{}, c.wrap("funding", symbol, fmt.Errorf("spot venue has no funding"))
	}
	params := url.Values{"symbol": {symbolID(symbol)}}
	var raw struct {
		LastFundingRate string `json:"lastFundingRate"`
		NextFundingTime int64  `json:"nextFundingTime"`
	}
	if err := c.get(ctx, "/fapi/v1/premiumIndex", params, &raw); err != nil {
		return gateway.Funding{}, c.wrap("funding", symbol, err)
	}
	rate, _ := strconv.ParseFloat(raw.LastFundingRate, 64)
	funding := gateway.Funding{Rate: rate}
	if raw.NextFundingTime > 0 {
		funding.NextFunding = time.UnixMilli(raw.NextFundingTime).UTC()
		funding.HasNext = true
	}
	return funding, nil
}

func (c *Client) FetchFundingRateHistory(ctx context.Context, symbol string, limit int) ([]float64, error) {
	if c.venue != VenueSwap {
		return nil, c.wrap("fundingHistory", symbol, fmt.Errorf("spot venue has no funding"))
	}
	if limit <= 0 {
		limit = 20
	}
	params := url.Values{
		"symbol": {symbolID(symbol)},
		"limit":  {strconv.Itoa(limit)},
	}
	var rows []struct {
		FundingRate string `json:"fundingRate"`
	}
	if err := c.get(ctx, "/fapi/v1/fundingRate", params, &rows); err != nil {
		return nil, c.wrap("fundingHistory", symbol, err)
	}
	// Binance returns oldest first; keep that order.
	out := make([]float64, 0, len(rows))
	for _, row := range rows {
		rate, _ := strconv.ParseFloat(row.FundingRate, 64)
		out = append(out, rate)
	}
	return out, nil
}

func (c *Client) FetchTradingFees(ctx context.Context) (map[string]gateway.TradingFee, error) {
	if c.venue != VenueSpot {
		// The futures API exposes commission only per symbol per request;
		// callers fall back to the configured default.
		return nil, c.wrap("tradingFees", "", fmt.Errorf("not available on %s venue", c.venue))
	}
	if err := c.ensureMarkets(ctx); err != nil {
		return nil, err
	}
	var rows []struct {
		Symbol          string `json:"symbol"`
		TakerCommission string `json:"takerCommission"`
	}
	if err := c.signed(ctx, http.MethodGet, "/sapi/v1/asset/tradeFee", nil, &rows); err != nil {
		return nil, c.wrap("tradingFees", "", err)
	}
	c.mu.RLock()
	byID := make(map[string]string, len(c.markets))
	for unified, meta := range c.markets {
		byID[meta.ID] = unified
	}
	c.mu.RUnlock()
	out := make(map[string]gateway.TradingFee, len(rows))
	for _, row := range rows {
		if unified, ok := byID[row.Symbol]; ok {
			taker, _ := strconv.ParseFloat(row.TakerCommission, 64)
			out[unified] = gateway.TradingFee{Taker: taker}
		}
	}
	return out, nil
}

func (c *Client) FundingIntervalHours(symbol string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hours, ok := c.fundingIntervals[symbol]
	return hours, ok
}

type orderResponse struct {
	OrderID             int64  `json:"orderId"`
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	AvgPrice            string `json:"avgPrice"`
}

// toResult maps the venue order state onto the gateway status model. IOC
// orders always come back terminal: any partial fill is done with whatever
// quantity crossed, a zero fill is a failure.
func (r orderResponse) toResult(requested float64) gateway.OrderResult {
	executed, _ := strconv.ParseFloat(r.ExecutedQty, 64)
	avg, _ := strconv.ParseFloat(r.AvgPrice, 64)
	if avg == 0 && executed > 0 {
		if quote, _ := strconv.ParseFloat(r.CummulativeQuoteQty, 64); quote > 0 {
			avg = quote / executed
		}
	}
	status := gateway.StatusFailed
	switch {
	case r.Status == "FILLED" || executed >= requested:
		status = gateway.StatusFilled
	case executed > 0:
		status = gateway.StatusClosed
	}
	return gateway.OrderResult{
		ID:           strconv.FormatInt(r.OrderID, 10),
		Status:       status,
		FilledQty:    executed,
		AveragePrice: avg,
	}
}

func (c *Client) PlaceLimitIOC(ctx context.Context, symbol string, side gateway.Side, amount, limitPrice float64, clientID string) (gateway.OrderResult, error) {
	meta, err := c.market(ctx, symbol)
	if err != nil {
		return gateway.OrderResult{}, err
	}
	params := url.Values{
		"symbol":           {meta.ID},
		"side":             {strings.ToUpper(string(side))},
		"type":             {"LIMIT"},
		"timeInForce":      {"IOC"},
		"quantity":         {formatStep(quantize(amount, meta.StepSize), meta.StepSize)},
		"price":            {formatStep(quantize(limitPrice, meta.TickSize), meta.TickSize)},
		"newOrderRespType": {"RESULT"},
	}
	if clientID != "" {
		params.Set("newClientOrderId", clientID)
	}
	var resp orderResponse
	if err := c.signed(ctx, http.MethodPost, c.prefix()+"/order", params, &resp); err != nil {
		return gateway.OrderResult{}, c.wrap("order", symbol, err)
	}
	return resp.toResult(amount), nil
}

func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side gateway.Side, amount float64) (gateway.OrderResult, error) {
	meta, err := c.market(ctx, symbol)
	if err != nil {
		return gateway.OrderResult{}, err
	}
	params := url.Values{
		"symbol":           {meta.ID},
		"side":             {strings.ToUpper(string(side))},
		"type":             {"MARKET"},
		"quantity":         {formatStep(quantize(amount, meta.StepSize), meta.StepSize)},
		"newOrderRespType": {"RESULT"},
	}
	var resp orderResponse
	if err := c.signed(ctx, http.MethodPost, c.prefix()+"/order", params, &resp); err != nil {
		return gateway.OrderResult{}, c.wrap("marketOrder", symbol, err)
	}
	return resp.toResult(amount), nil
}

// Transfer moves an asset between the spot wallet and the futures wallet.
// The universal transfer endpoint lives on the spot API.
func (c *Client) Transfer(ctx context.Context, asset string, amount float64, from, to string) error {
	if c.venue != VenueSpot {
		return c.wrap("transfer", "", fmt.Errorf("transfers go through the spot venue"))
	}
	var transferType string
	switch {
	case from == "spot" && to == "swap":
		transferType = "MAIN_UMFUTURE"
	case from == "swap" && to == "spot":
		transferType = "UMFUTURE_MAIN"
	default:
		return c.wrap("transfer", "", fmt.Errorf("unsupported route %s->%s", from, to))
	}
	params := url.Values{
		"type":   {transferType},
		"asset":  {asset},
		"amount": {formatFloat(amount)},
	}
	if err := c.signed(ctx, http.MethodPost, "/sapi/v1/asset/transfer", params, nil); err != nil {
		return c.wrap("transfer", "", err)
	}
	return nil
}

func (c *Client) FetchFreeBalances(ctx context.Context) (map[string]float64, error) {
	if c.venue == VenueSwap {
		var rows []struct {
			Asset            string `json:"asset"`
			AvailableBalance string `json:"availableBalance"`
		}
		if err := c.signed(ctx, http.MethodGet, "/fapi/v2/balance", nil, &rows); err != nil {
			return nil, c.wrap("balances", "", err)
		}
		out := make(map[string]float64, len(rows))
		for _, row := range rows {
			if free, _ := strconv.ParseFloat(row.AvailableBalance, 64); free > 0 {
				out[row.Asset] = free
			}
		}
		return out, nil
	}
	var resp struct {
		Balances []struct {
			Asset string `json:"asset"`
			Free  string `json:"free"`
		} `json:"balances"`
	}
	if err := c.signed(ctx, http.MethodGet, "/api/v3/account", nil, &resp); err != nil {
		return nil, c.wrap("balances", "", err)
	}
	out := make(map[string]float64, len(resp.Balances))
	for _, row := range resp.Balances {
		if free, _ := strconv.ParseFloat(row.Free, 64); free > 0 {
			out[row.Asset] = free
		}
	}
	return out, nil
}

func (c *Client) AmountToPrecision(symbol string, amount float64) float64 {
	c.mu.RLock()
	meta, ok := c.markets[symbol]
	c.mu.RUnlock()
	if !ok {
		return amount
	}
	return quantize(amount, meta.StepSize)
}

func (c *Client) PriceToPrecision(symbol string, price float64) float64 {
	c.mu.RLock()
	meta, ok := c.markets[symbol]
	c.mu.RUnlock()
	if !ok {
		return price
	}
	return quantize(price, meta.TickSize)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
