package venue

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks transport or API failures so callers can
// distinguish a degraded venue from a rejected request.
var ErrUnavailable = errors.New("venue unavailable")

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderType string

const (
	// TypeLimit rests or crosses at the given limit price.
	TypeLimit OrderType = "limit"
	// TypePostOnly rests on the book and is rejected instead of crossing.
	TypePostOnly OrderType = "post_only"
	// TypeMarket crosses immediately and is guaranteed to fill against
	// available depth.
	TypeMarket OrderType = "market"
)

// Info describes the immutable per-session properties of a venue.
// TickSize is the price increment, LotSize the quantity increment.
type Info struct {
	Name         string
	TickSize     float64
	LotSize      float64
	MinOrderSize float64
	MakerFeeBps  float64
	TakerFeeBps  float64
	MarginMode   string
}

type TopOfBook struct {
	BidPrice float64
	BidSize  float64
	AskPrice float64
	AskSize  float64
	Time     time.Time
}

func (t TopOfBook) Mid() float64 {
	if t.BidPrice <= 0 || t.AskPrice <= 0 {
		return 0
	}
	return (t.BidPrice + t.AskPrice) / 2
}

func (t TopOfBook) SpreadBps() float64 {
	mid := t.Mid()
	if mid <= 0 {
		return 0
	}
	return (t.AskPrice - t.BidPrice) / mid * 10000
}

// DepthLevel is one price level of a single book side, best first.
type DepthLevel struct {
	Price float64
	Size  float64
}

type Order struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Size          float64
	LimitPrice    float64
	ReduceOnly    bool
	ClientOrderID string
}

// Ack is the venue's immediate response to a placement. IOC-style orders
// report their fill inline; resting orders ack with zero filled size.
type Ack struct {
	OrderID    string
	FilledSize float64
	AvgPrice   float64
}

type OpenOrder struct {
	OrderID string
	Symbol  string
	Side    Side
	Size    float64
	Price   float64
}

// Position is signed net exposure: positive long, negative short.
type Position struct {
	Symbol     string
	Size       float64
	EntryPrice float64
	MarkPrice  float64
}

type Balance struct {
	Equity         float64
	Available      float64
	MarginRatio    float64
	HasMarginRatio bool
}

// Venue is the uniform capability surface the engine depends on. Concrete
// adapters are selected at configuration time; the core never reaches
// past this interface.
type Venue interface {
	Info() Info
	TopOfBook(ctx context.Context, symbol string) (TopOfBook, error)
	Depth(ctx context.Context, symbol string, side Side, limit int) ([]DepthLevel, error)
	PlaceOrder(ctx context.Context, order Order) (Ack, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	Positions(ctx context.Context) ([]Position, error)
	Balance(ctx context.Context) (Balance, error)
}
