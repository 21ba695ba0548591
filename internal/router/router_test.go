package router

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"cv-hedge-bot/internal/exec"
	"cv-hedge-bot/internal/venue"

	"go.uber.org/zap"
)

// scriptVenue serves a sequence of book states and fills limit orders
// only when their price crosses the current best ask (buys) or bid
// (sells), consuming the level and advancing the book. The unfilled
// remainder of a limit or post-only order rests in openOrders until it
// is cancelled, and every fill moves the signed position, so tests can
// observe what a forgetful router would leave live on the venue.
type scriptVenue struct {
	mu          sync.Mutex
	books       []venue.TopOfBook
	bookIdx     int
	topErr      error
	placeErrs   int
	placed      []venue.Order
	openOrders  []venue.OpenOrder
	cancelled   []string
	position    float64
	symbol      string
	restingFill float64 // post-only size that fills away from the observed book
	restOnBook  bool    // keep post-only remainders open until cancelled
	nextOrderID int
}

func (s *scriptVenue) Info() venue.Info { return venue.Info{Name: "script", TickSize: 0.1} }

func (s *scriptVenue) TopOfBook(ctx context.Context, symbol string) (venue.TopOfBook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.topErr != nil {
		return venue.TopOfBook{}, s.topErr
	}
	return s.books[s.bookIdx], nil
}

func (s *scriptVenue) PlaceOrder(ctx context.Context, order venue.Order) (venue.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.placeErrs > 0 {
		s.placeErrs--
		return venue.Ack{}, errors.New("rejected")
	}
	s.placed = append(s.placed, order)
	s.symbol = order.Symbol
	s.nextOrderID++
	ack := venue.Ack{OrderID: orderID(s.nextOrderID)}
	top := s.books[s.bookIdx]
	if order.Type == venue.TypeMarket {
		ack.FilledSize = order.Size
		if order.Side == venue.SideBuy {
			ack.AvgPrice = top.AskPrice
		} else {
			ack.AvgPrice = top.BidPrice
		}
		s.applyFill(order.Side, ack.FilledSize)
		return ack, nil
	}
	if order.Type == venue.TypePostOnly {
		fill := math.Min(s.restingFill, order.Size)
		s.applyFill(order.Side, fill)
		if s.restOnBook {
			s.rest(ack.OrderID, order, order.Size-fill)
		}
		return ack, nil
	}
	if order.Side == venue.SideBuy && order.LimitPrice >= top.AskPrice {
		fill := math.Min(order.Size, top.AskSize)
		ack.FilledSize = fill
		ack.AvgPrice = top.AskPrice
		s.applyFill(order.Side, fill)
		s.advance()
	} else if order.Side == venue.SideSell && order.LimitPrice <= top.BidPrice {
		fill := math.Min(order.Size, top.BidSize)
		ack.FilledSize = fill
		ack.AvgPrice = top.BidPrice
		s.applyFill(order.Side, fill)
		s.advance()
	}
	if order.Size-ack.FilledSize > 1e-9 {
		s.rest(ack.OrderID, order, order.Size-ack.FilledSize)
	}
	return ack, nil
}

func (s *scriptVenue) applyFill(side venue.Side, qty float64) {
	if side == venue.SideBuy {
		s.position += qty
	} else {
		s.position -= qty
	}
}

func (s *scriptVenue) rest(id string, order venue.Order, size float64) {
	s.openOrders = append(s.openOrders, venue.OpenOrder{
		OrderID: id,
		Symbol:  order.Symbol,
		Side:    order.Side,
		Size:    size,
		Price:   order.LimitPrice,
	})
}

func (s *scriptVenue) advance() {
	if s.bookIdx < len(s.books)-1 {
		s.bookIdx++
	}
}

func (s *scriptVenue) CancelOrder(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, orderID)
	for i, o := range s.openOrders {
		if o.OrderID == orderID {
			s.openOrders = append(s.openOrders[:i], s.openOrders[i+1:]...)
			break
		}
	}
	return nil
}

func (s *scriptVenue) CancelAllOrders(ctx context.Context, symbol string) error { return nil }

func (s *scriptVenue) OpenOrders(ctx context.Context, symbol string) ([]venue.OpenOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]venue.OpenOrder(nil), s.openOrders...), nil
}

func (s *scriptVenue) Depth(ctx context.Context, symbol string, side venue.Side, limit int) ([]venue.DepthLevel, error) {
	return nil, nil
}

func (s *scriptVenue) Positions(ctx context.Context) ([]venue.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.symbol == "" {
		return nil, nil
	}
	return []venue.Position{{Symbol: s.symbol, Size: s.position}}, nil
}

func (s *scriptVenue) Balance(ctx context.Context) (venue.Balance, error) {
	return venue.Balance{}, nil
}

func orderID(n int) string {
	return string(rune('a' + n))
}

func newRouter(v venue.Venue) *Router {
	log := zap.NewNop()
	return New(v, exec.New(v, nil, log), log)
}

func TestRouteFillsAtTopLevel(t *testing.T) {
	v := &scriptVenue{books: []venue.TopOfBook{
		{BidPrice: 1999.9, BidSize: 3, AskPrice: 2000, AskSize: 5},
	}}
	res, err := newRouter(v).Route(context.Background(), Intent{
		Symbol: "ETH", Side: venue.SideBuy, TargetQty: 2,
		MaxSlippageBps: 50, MaxIterations: 10, TickStep: 0.1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusFilled {
		t.Fatalf("expected filled, got %s (remaining %f)", res.Status, res.Remaining)
	}
	if res.FilledQty != 2 || res.AvgPrice != 2000 {
		t.Fatalf("expected 2 @ 2000, got %f @ %f", res.FilledQty, res.AvgPrice)
	}
}

func TestRouteWalksDepthAcrossLevels(t *testing.T) {
	v := &scriptVenue{books: []venue.TopOfBook{
		{BidPrice: 1999.9, BidSize: 3, AskPrice: 2000, AskSize: 1},
		{BidPrice: 1999.9, BidSize: 3, AskPrice: 2000.5, AskSize: 5},
	}}
	res, err := newRouter(v).Route(context.Background(), Intent{
		Symbol: "ETH", Side: venue.SideBuy, TargetQty: 2.5,
		MaxSlippageBps: 50, MaxIterations: 20, TickStep: 0.1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusFilled {
		t.Fatalf("expected filled, got %s (remaining %f)", res.Status, res.Remaining)
	}
	if math.Abs(res.FilledQty-2.5) > 1e-9 {
		t.Fatalf("expected 2.5 filled, got %f", res.FilledQty)
	}
	wantVWAP := (1*2000 + 1.5*2000.5) / 2.5
	if math.Abs(res.AvgPrice-wantVWAP) > 1e-9 {
		t.Fatalf("expected vwap %f, got %f", wantVWAP, res.AvgPrice)
	}
	wantSlip := math.Abs(wantVWAP-1999.9) / 1999.9 * 10000
	if math.Abs(res.SlippageBps-wantSlip) > 1e-9 {
		t.Fatalf("expected slippage %f, got %f", wantSlip, res.SlippageBps)
	}
}

func TestRoutePartialOnIterationBudget(t *testing.T) {
	// Ask never gets crossed within two iterations at 0.01 steps from the
	// bid, so the router reports a partial with the remaining amount.
	v := &scriptVenue{books: []venue.TopOfBook{
		{BidPrice: 1999, BidSize: 3, AskPrice: 2005, AskSize: 5},
	}}
	res, err := newRouter(v).Route(context.Background(), Intent{
		Symbol: "ETH", Side: venue.SideBuy, TargetQty: 1,
		MaxSlippageBps: 50, MaxIterations: 2, TickStep: 0.01,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusFailed && res.Status != StatusPartial {
		t.Fatalf("expected partial or failed, got %s", res.Status)
	}
	if res.Remaining != 1 {
		t.Fatalf("expected full remaining reported, got %f", res.Remaining)
	}
	if res.Iterations != 2 {
		t.Fatalf("expected 2 iterations, got %d", res.Iterations)
	}
}

func TestRouteDegradedFeedGoesAggressive(t *testing.T) {
	v := &scriptVenue{
		books:  []venue.TopOfBook{{BidPrice: 1999, BidSize: 3, AskPrice: 2000, AskSize: 5}},
		topErr: errors.New("feed down"),
	}
	res, err := newRouter(v).Route(context.Background(), Intent{
		Symbol: "ETH", Side: venue.SideBuy, TargetQty: 1,
		MaxSlippageBps: 50, MaxIterations: 5, TickStep: 0.1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusFilled || res.Stage != "aggressive" {
		t.Fatalf("expected aggressive fill, got %s via %s", res.Status, res.Stage)
	}
	if len(v.placed) != 1 || v.placed[0].Type != venue.TypeMarket {
		t.Fatalf("expected a single market order, got %+v", v.placed)
	}
}

func TestRouteSubmissionFailureDoesNotConsumeProgress(t *testing.T) {
	v := &scriptVenue{
		books:     []venue.TopOfBook{{BidPrice: 1999.9, BidSize: 3, AskPrice: 2000, AskSize: 5}},
		placeErrs: 3, // executor retries 3 times: one full submission failure
	}
	res, err := newRouter(v).Route(context.Background(), Intent{
		Symbol: "ETH", Side: venue.SideBuy, TargetQty: 1,
		MaxSlippageBps: 50, MaxIterations: 5, TickStep: 0.1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusFilled {
		t.Fatalf("expected filled after rejected submissions, got %s", res.Status)
	}
	if res.FilledQty != 1 {
		t.Fatalf("expected 1 filled, got %f", res.FilledQty)
	}
}

func TestDeadlineForSizeBuckets(t *testing.T) {
	cases := []struct {
		qty  float64
		want string
	}{
		{0.05, "5s"},
		{0.3, "10s"},
		{2, "20s"},
	}
	for _, tc := range cases {
		if got := DeadlineFor(tc.qty).String(); got != tc.want {
			t.Fatalf("DeadlineFor(%f) = %s, want %s", tc.qty, got, tc.want)
		}
	}
}

func TestExecuteFallsBackToResting(t *testing.T) {
	// Iterative stage cannot cross (tiny tick step, far ask); the resting
	// order fills away from the observed book and leaves it, which the
	// position delta confirms.
	v := &scriptVenue{
		books: []venue.TopOfBook{
			{BidPrice: 1999, BidSize: 3, AskPrice: 2005, AskSize: 5},
		},
		restingFill: 1,
	}
	res, err := newRouter(v).Execute(context.Background(), Intent{
		Symbol: "ETH", Side: venue.SideBuy, TargetQty: 1,
		MaxSlippageBps: 50, MaxIterations: 2, TickStep: 0.01,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusFilled {
		t.Fatalf("expected filled, got %s", res.Status)
	}
	if res.Stage != "resting" {
		t.Fatalf("expected resting stage, got %s", res.Stage)
	}
	var sawPostOnly bool
	for _, o := range v.placed {
		if o.Type == venue.TypePostOnly {
			sawPostOnly = true
		}
	}
	if !sawPostOnly {
		t.Fatalf("expected a post-only resting order")
	}
}

func TestRouteCancelsUncrossedChunks(t *testing.T) {
	// Every iteration rests a full-size limit order the far ask never
	// crosses. Each one must be cancelled before the next submission or
	// the venue ends up carrying a multiple of the target in live
	// interest, any slice of which could fill after the cycle moves on.
	v := &scriptVenue{books: []venue.TopOfBook{
		{BidPrice: 1999, BidSize: 3, AskPrice: 2005, AskSize: 5},
	}}
	res, err := newRouter(v).Route(context.Background(), Intent{
		Symbol: "ETH", Side: venue.SideBuy, TargetQty: 1,
		MaxSlippageBps: 50, MaxIterations: 3, TickStep: 0.01,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.FilledQty != 0 || res.Remaining != 1 {
		t.Fatalf("expected nothing filled, got %f (remaining %f)", res.FilledQty, res.Remaining)
	}
	if len(v.cancelled) != 3 {
		t.Fatalf("expected every uncrossed chunk cancelled, got %d cancels", len(v.cancelled))
	}
	if len(v.openOrders) != 0 {
		t.Fatalf("expected no live orders after routing, got %+v", v.openOrders)
	}
}

func TestExecuteRestingVanishedUnfilledGoesAggressive(t *testing.T) {
	// The resting order leaves the book without moving the position: the
	// venue culled it. Treating the disappearance as a fill would leave
	// the leg short by the full quantity.
	v := &scriptVenue{books: []venue.TopOfBook{
		{BidPrice: 1999, BidSize: 3, AskPrice: 2005, AskSize: 5},
	}}
	res, err := newRouter(v).Execute(context.Background(), Intent{
		Symbol: "ETH", Side: venue.SideBuy, TargetQty: 1,
		MaxSlippageBps: 50, MaxIterations: 2, TickStep: 0.01,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusFilled || res.Stage != "aggressive" {
		t.Fatalf("expected aggressive fill, got %s via %s", res.Status, res.Stage)
	}
	if math.Abs(res.FilledQty-1) > 1e-9 || math.Abs(v.position-1) > 1e-9 {
		t.Fatalf("expected the full quantity actually filled, got result %f position %f",
			res.FilledQty, v.position)
	}
	var sawMarket bool
	for _, o := range v.placed {
		if o.Type == venue.TypeMarket {
			sawMarket = true
			if math.Abs(o.Size-1) > 1e-9 {
				t.Fatalf("expected market top-up for the full quantity, got %f", o.Size)
			}
		}
	}
	if !sawMarket {
		t.Fatalf("expected a market top-up after the culled resting order")
	}
}

func TestExecutePartialRestingFillTopsUpRemainder(t *testing.T) {
	// The resting order fills 0.4 before the timeout cancels it. The
	// aggressive top-up must cover only the measured remainder, not the
	// full quantity, or the leg overfills by the partial amount.
	v := &scriptVenue{
		books: []venue.TopOfBook{
			{BidPrice: 1999, BidSize: 3, AskPrice: 2005, AskSize: 5},
		},
		restingFill: 0.4,
		restOnBook:  true,
	}
	res, err := newRouter(v).Execute(context.Background(), Intent{
		Symbol: "ETH", Side: venue.SideBuy, TargetQty: 1,
		MaxSlippageBps: 50, MaxIterations: 2, TickStep: 0.01,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusFilled {
		t.Fatalf("expected filled, got %s (remaining %f)", res.Status, res.Remaining)
	}
	if math.Abs(res.FilledQty-1) > 1e-9 || math.Abs(v.position-1) > 1e-9 {
		t.Fatalf("expected exactly the target filled, got result %f position %f",
			res.FilledQty, v.position)
	}
	if len(v.openOrders) != 0 {
		t.Fatalf("expected the resting remainder cancelled, got %+v", v.openOrders)
	}
	var marketSize float64
	for _, o := range v.placed {
		if o.Type == venue.TypeMarket {
			marketSize += o.Size
		}
	}
	if math.Abs(marketSize-0.6) > 1e-9 {
		t.Fatalf("expected a 0.6 top-up for the unfilled remainder, got %f", marketSize)
	}
}
