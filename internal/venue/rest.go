package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// RESTVenue implements Venue against a JSON-over-HTTP trading API. The
// wire shape follows the common venue gateway layout: one POST endpoint
// per action, GET endpoints for market and account reads. A Feed may be
// attached so top-of-book reads are served from the stream cache instead
// of a round trip.
type RESTVenue struct {
	info    Info
	baseURL string
	apiKey  string
	http    *http.Client
	feed    *Feed
	log     *zap.Logger
}

func NewREST(info Info, baseURL, apiKey string, timeout time.Duration, log *zap.Logger) *RESTVenue {
	return &RESTVenue{
		info:    info,
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

// AttachFeed routes TopOfBook through the websocket cache when fresh data
// is available.
func (v *RESTVenue) AttachFeed(feed *Feed) { v.feed = feed }

func (v *RESTVenue) Info() Info { return v.info }

type topResponse struct {
	BidPrice float64 `json:"bid_price"`
	BidSize  float64 `json:"bid_size"`
	AskPrice float64 `json:"ask_price"`
	AskSize  float64 `json:"ask_size"`
	TimeMS   int64   `json:"time_ms"`
}

func (v *RESTVenue) TopOfBook(ctx context.Context, symbol string) (TopOfBook, error) {
	if v.feed != nil {
		if top, ok := v.feed.Top(symbol); ok {
			return top, nil
		}
	}
	var resp topResponse
	query := url.Values{"symbol": {symbol}}
	if err := v.get(ctx, "/v1/book/top", query, &resp); err != nil {
		return TopOfBook{}, err
	}
	return TopOfBook{
		BidPrice: resp.BidPrice,
		BidSize:  resp.BidSize,
		AskPrice: resp.AskPrice,
		AskSize:  resp.AskSize,
		Time:     time.UnixMilli(resp.TimeMS),
	}, nil
}

type depthResponse struct {
	Levels []struct {
		Price float64 `json:"price"`
		Size  float64 `json:"size"`
	} `json:"levels"`
}

func (v *RESTVenue) Depth(ctx context.Context, symbol string, side Side, limit int) ([]DepthLevel, error) {
	query := url.Values{
		"symbol": {symbol},
		"side":   {string(side)},
		"limit":  {fmt.Sprintf("%d", limit)},
	}
	var resp depthResponse
	if err := v.get(ctx, "/v1/book/depth", query, &resp); err != nil {
		return nil, err
	}
	levels := make([]DepthLevel, 0, len(resp.Levels))
	for _, lvl := range resp.Levels {
		levels = append(levels, DepthLevel{Price: lvl.Price, Size: lvl.Size})
	}
	return levels, nil
}

type placeOrderRequest struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Size          float64 `json:"size"`
	LimitPrice    float64 `json:"limit_price,omitempty"`
	ReduceOnly    bool    `json:"reduce_only,omitempty"`
	ClientOrderID string  `json:"client_order_id,omitempty"`
}

type placeOrderResponse struct {
	OrderID    string  `json:"order_id"`
	FilledSize float64 `json:"filled_size"`
	AvgPrice   float64 `json:"avg_price"`
}

func (v *RESTVenue) PlaceOrder(ctx context.Context, order Order) (Ack, error) {
	req := placeOrderRequest{
		Symbol:        order.Symbol,
		Side:          string(order.Side),
		Type:          string(order.Type),
		Size:          order.Size,
		LimitPrice:    order.LimitPrice,
		ReduceOnly:    order.ReduceOnly,
		ClientOrderID: order.ClientOrderID,
	}
	var resp placeOrderResponse
	if err := v.post(ctx, "/v1/orders", req, &resp); err != nil {
		return Ack{}, err
	}
	return Ack{OrderID: resp.OrderID, FilledSize: resp.FilledSize, AvgPrice: resp.AvgPrice}, nil
}

func (v *RESTVenue) CancelOrder(ctx context.Context, orderID string) error {
	req := map[string]string{"order_id": orderID}
	return v.post(ctx, "/v1/orders/cancel", req, nil)
}

func (v *RESTVenue) CancelAllOrders(ctx context.Context, symbol string) error {
	req := map[string]string{"symbol": symbol}
	return v.post(ctx, "/v1/orders/cancel-all", req, nil)
}

type openOrdersResponse struct {
	Orders []struct {
		OrderID string  `json:"order_id"`
		Symbol  string  `json:"symbol"`
		Side    string  `json:"side"`
		Size    float64 `json:"size"`
		Price   float64 `json:"price"`
	} `json:"orders"`
}

func (v *RESTVenue) OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	var resp openOrdersResponse
	if err := v.get(ctx, "/v1/orders/open", url.Values{"symbol": {symbol}}, &resp); err != nil {
		return nil, err
	}
	orders := make([]OpenOrder, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		orders = append(orders, OpenOrder{
			OrderID: o.OrderID,
			Symbol:  o.Symbol,
			Side:    Side(o.Side),
			Size:    o.Size,
			Price:   o.Price,
		})
	}
	return orders, nil
}

type positionsResponse struct {
	Positions []struct {
		Symbol     string  `json:"symbol"`
		Size       float64 `json:"size"`
		EntryPrice float64 `json:"entry_price"`
		MarkPrice  float64 `json:"mark_price"`
	} `json:"positions"`
}

func (v *RESTVenue) Positions(ctx context.Context) ([]Position, error) {
	var resp positionsResponse
	if err := v.get(ctx, "/v1/positions", nil, &resp); err != nil {
		return nil, err
	}
	positions := make([]Position, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		positions = append(positions, Position{
			Symbol:     p.Symbol,
			Size:       p.Size,
			EntryPrice: p.EntryPrice,
			MarkPrice:  p.MarkPrice,
		})
	}
	return positions, nil
}

type balanceResponse struct {
	Equity      float64  `json:"equity"`
	Available   float64  `json:"available"`
	MarginRatio *float64 `json:"margin_ratio"`
}

func (v *RESTVenue) Balance(ctx context.Context) (Balance, error) {
	var resp balanceResponse
	if err := v.get(ctx, "/v1/balance", nil, &resp); err != nil {
		return Balance{}, err
	}
	bal := Balance{Equity: resp.Equity, Available: resp.Available}
	if resp.MarginRatio != nil {
		bal.MarginRatio = *resp.MarginRatio
		bal.HasMarginRatio = true
	}
	return bal, nil
}

func (v *RESTVenue) get(ctx context.Context, path string, query url.Values, out any) error {
	target := v.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	return v.do(req, out)
}

func (v *RESTVenue) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return v.do(req, out)
}

func (v *RESTVenue) do(req *http.Request, out any) error {
	if v.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+v.apiKey)
	}
	resp, err := v.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: http %d: %s", ErrUnavailable, resp.StatusCode, string(body))
		}
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return err
	}
	return nil
}
