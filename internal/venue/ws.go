package venue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const topMaxAge = 2 * time.Second

// Feed maintains a reconnecting websocket stream of best-bid/offer updates
// and caches the latest quote per symbol. Quotes older than topMaxAge are
// not served so the router falls back to REST on a stalled stream.
type Feed struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	subs []any
	tops map[string]TopOfBook
}

func NewFeed(url string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *Feed {
	return &Feed{
		url:            url,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		log:            log,
		tops:           make(map[string]TopOfBook),
	}
}

func (f *Feed) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, f.url, nil)
	if err != nil {
		return err
	}
	f.conn = conn
	return nil
}

func (f *Feed) SubscribeTop(ctx context.Context, symbol string) error {
	sub := map[string]any{"method": "subscribe", "channel": "bbo", "symbol": symbol}
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return errors.New("feed not connected")
	}
	return writeJSON(ctx, conn, sub)
}

// Top returns the cached quote for symbol if it is fresh enough to trade on.
func (f *Feed) Top(symbol string) (TopOfBook, bool) {
	f.mu.Lock()
	top, ok := f.tops[symbol]
	f.mu.Unlock()
	if !ok || time.Since(top.Time) > topMaxAge {
		return TopOfBook{}, false
	}
	return top, true
}

func (f *Feed) Run(ctx context.Context) error {
	for {
		if err := f.ensureConnected(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn("feed connect failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.reconnectDelay):
			}
			continue
		}
		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			f.pingLoop(pingCtx)
		}()
		err := f.readLoop(ctx)
		cancel()
		<-pingDone
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logReadLoopError(err)
		f.resetConn()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.reconnectDelay):
		}
	}
}

func (f *Feed) ensureConnected(ctx context.Context) error {
	if err := f.Connect(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	conn := f.conn
	subs := append([]any(nil), f.subs...)
	f.mu.Unlock()
	for _, sub := range subs {
		if err := writeJSON(ctx, conn, sub); err != nil {
			return err
		}
	}
	return nil
}

type bboMessage struct {
	Channel  string  `json:"channel"`
	Symbol   string  `json:"symbol"`
	BidPrice float64 `json:"bid_price"`
	BidSize  float64 `json:"bid_size"`
	AskPrice float64 `json:"ask_price"`
	AskSize  float64 `json:"ask_size"`
	TimeMS   int64   `json:"time_ms"`
}

func (f *Feed) readLoop(ctx context.Context) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return errors.New("feed not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		f.handleMessage(data)
	}
}

func (f *Feed) handleMessage(data []byte) {
	var msg bboMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		f.log.Debug("feed decode error", zap.Error(err))
		return
	}
	if msg.Channel != "bbo" || msg.Symbol == "" {
		return
	}
	ts := time.Now().UTC()
	if msg.TimeMS > 0 {
		ts = time.UnixMilli(msg.TimeMS)
	}
	f.mu.Lock()
	f.tops[msg.Symbol] = TopOfBook{
		BidPrice: msg.BidPrice,
		BidSize:  msg.BidSize,
		AskPrice: msg.AskPrice,
		AskSize:  msg.AskSize,
		Time:     ts,
	}
	f.mu.Unlock()
}

func (f *Feed) pingLoop(ctx context.Context) {
	f.mu.Lock()
	conn := f.conn
	interval := f.pingInterval
	f.mu.Unlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, pingMessage); err != nil {
				return
			}
		}
	}
}

func (f *Feed) logReadLoopError(err error) {
	if f.log == nil {
		return
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		f.log.Info("feed read loop ended", zap.Error(err))
		return
	}
	f.log.Warn("feed read loop ended", zap.Error(err))
}

func (f *Feed) resetConn() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		_ = f.conn.Close(websocket.StatusNormalClosure, "reset")
		f.conn = nil
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

var pingMessage = map[string]any{"method": "ping"}
