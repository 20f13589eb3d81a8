package binance

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// MarkPriceUpdate is one markPrice event from the futures stream.
type MarkPriceUpdate struct {
	Symbol      string
	MarkPrice   float64
	FundingRate float64
	NextFunding time.Time
}

// Stream maintains a futures market-data websocket with automatic
// reconnect. Subscriptions are replayed after every reconnect.
type Stream struct {
	url            string
	reconnectDelay time.Duration
	log            *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   []string
	nextID int64
}

func NewStream(url string, reconnectDelay time.Duration, log *zap.Logger) *Stream {
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	return &Stream{url: url, reconnectDelay: reconnectDelay, log: log}
}

// SubscribeMarkPrice registers the markPrice channel for a unified symbol.
func (s *Stream) SubscribeMarkPrice(ctx context.Context, symbol string) error {
	channel := strings.ToLower(symbolID(symbol)) + "@markPrice"
	s.mu.Lock()
	s.subs = append(s.subs, channel)
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return s.send(ctx, conn, "SUBSCRIBE", []string{channel})
}

func (s *Stream) connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

// Run blocks delivering stream events to handler until ctx is cancelled.
// Read errors trigger a reconnect after the configured delay.
func (s *Stream) Run(ctx context.Context, handler func(MarkPriceUpdate)) error {
	for {
		if err := s.ensureConnected(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logStreamError(err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.reconnectDelay):
			}
			continue
		}
		err := s.readLoop(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logStreamError(err)
		s.resetConn()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Stream) ensureConnected(ctx context.Context) error {
	if err := s.connect(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	subs := append([]string(nil), s.subs...)
	s.mu.Unlock()
	if len(subs) == 0 {
		return nil
	}
	return s.send(ctx, conn, "SUBSCRIBE", subs)
}

func (s *Stream) readLoop(ctx context.Context, handler func(MarkPriceUpdate)) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("stream not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		update, ok := parseMarkPrice(data)
		if ok && handler != nil {
			handler(update)
		}
	}
}

func parseMarkPrice(data []byte) (MarkPriceUpdate, bool) {
	var raw struct {
		Event       string `json:"e"`
		Symbol      string `json:"s"`
		MarkPrice   string `json:"p"`
		FundingRate string `json:"r"`
		NextFunding int64  `json:"T"`
	}
	if err := json.Unmarshal(data, &raw); err != nil || raw.Event != "markPriceUpdate" {
		return MarkPriceUpdate{}, false
	}
	mark, _ := strconv.ParseFloat(raw.MarkPrice, 64)
	rate, _ := strconv.ParseFloat(raw.FundingRate, 64)
	update := MarkPriceUpdate{Symbol: raw.Symbol, MarkPrice: mark, FundingRate: rate}
	if raw.NextFunding > 0 {
		update.NextFunding = time.UnixMilli(raw.NextFunding).UTC()
	}
	return update, mark > 0
}

func (s *Stream) send(ctx context.Context, conn *websocket.Conn, method string, params []string) error {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()
	payload, err := json.Marshal(map[string]any{
		"method": method,
		"params": params,
		"id":     id,
	})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}

func (s *Stream) logStreamError(err error) {
	if s.log == nil || err == nil {
		return
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		s.log.Info("market stream closed", zap.Error(err))
		return
	}
	s.log.Warn("market stream error", zap.Error(err))
}

func (s *Stream) resetConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "reset")
		s.conn = nil
	}
}
