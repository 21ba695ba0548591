package router

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"cv-hedge-bot/internal/exec"
	"cv-hedge-bot/internal/sizing"
	"cv-hedge-bot/internal/venue"

	"go.uber.org/zap"
)

// ErrOrderTimeout marks a routing stage that ran out of its size-derived
// time budget.
var ErrOrderTimeout = errors.New("order timeout")

const fillEpsilon = 1e-9

type Status string

const (
	StatusFilled  Status = "filled"
	StatusPartial Status = "partial_max_iterations"
	StatusFailed  Status = "failed"
)

// Intent describes one routing request. Constructed per invocation.
type Intent struct {
	Symbol         string
	Side           venue.Side
	TargetQty      float64
	MaxSlippageBps float64
	MaxIterations  int
	TickStep       float64
	ReduceOnly     bool
	ClientOrderID  string
}

// Result reports what the router achieved. Immutable once returned.
type Result struct {
	FilledQty   float64
	AvgPrice    float64
	SlippageBps float64
	Status      Status
	Iterations  int
	Remaining   float64
	Stage       string
}

// Router walks a venue's book in tick-stepped chunks until a target
// quantity is filled or the iteration budget runs out. One Router per
// venue; placements go through the retrying executor.
type Router struct {
	venue venue.Venue
	exec  *exec.Executor
	log   *zap.Logger
}

func New(v venue.Venue, ex *exec.Executor, log *zap.Logger) *Router {
	return &Router{venue: v, exec: ex, log: log}
}

// DeadlineFor derives a time budget from order size: larger clips need
// deeper book-walking and more time.
func DeadlineFor(qty float64) time.Duration {
	switch {
	case qty < 0.1:
		return 5 * time.Second
	case qty < 0.5:
		return 10 * time.Second
	default:
		return 20 * time.Second
	}
}

// Route iteratively fills intent.TargetQty. The reference price is
// established from a single top-of-book fetch; every iteration re-fetches
// the top so a fill never prices off data staled by the previous chunk.
// If the initial fetch fails the router degrades straight to a
// guaranteed-fill aggressive order rather than blocking on a dead feed.
func (r *Router) Route(ctx context.Context, intent Intent) (Result, error) {
	if intent.TargetQty <= 0 {
		return Result{Status: StatusFailed}, errors.New("target quantity must be > 0")
	}
	maxIterations := intent.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 10
	}
	top, err := r.venue.TopOfBook(ctx, intent.Symbol)
	if err != nil {
		r.log.Warn("top-of-book unavailable, degrading to aggressive order",
			zap.String("symbol", intent.Symbol), zap.Error(err))
		return r.aggressive(ctx, intent, intent.TargetQty, 0)
	}
	reference := nearSidePrice(top, intent.Side)
	if reference <= 0 {
		return r.aggressive(ctx, intent, intent.TargetQty, 0)
	}

	remaining := intent.TargetQty
	tickOffset := 0
	submitFailures := 0
	var fills []fill
	iterations := 0

	for iterations < maxIterations && remaining > fillEpsilon {
		select {
		case <-ctx.Done():
			return r.finish(intent, fills, remaining, iterations, reference, "iterative"), ctx.Err()
		default:
		}
		// Top-of-book may be stale by the time the previous chunk
		// committed; never reuse it.
		top, err = r.venue.TopOfBook(ctx, intent.Symbol)
		if err != nil {
			r.log.Warn("top-of-book refresh failed mid-route", zap.Error(err))
			agg, aggErr := r.aggressive(ctx, intent, remaining, len(fills))
			return mergeAggressive(r.finish(intent, fills, remaining, iterations, reference, "iterative"), agg), aggErr
		}
		candidate := candidatePrice(reference, intent.Side, intent.TickStep, tickOffset)
		available := farSideSize(top, intent.Side)
		chunk := remaining
		if available > 0 && available < remaining {
			chunk = available
		}
		ack, err := r.exec.PlaceOrder(ctx, venue.Order{
			Symbol:        intent.Symbol,
			Side:          intent.Side,
			Type:          venue.TypeLimit,
			Size:          chunk,
			LimitPrice:    candidate,
			ReduceOnly:    intent.ReduceOnly,
			ClientOrderID: chunkOrderID(intent.ClientOrderID, len(fills), tickOffset),
		})
		if err != nil {
			// A rejected submission widens price tolerance but does not
			// consume fill progress.
			submitFailures++
			tickOffset++
			if submitFailures >= maxIterations {
				res := r.finish(intent, fills, remaining, iterations, reference, "iterative")
				res.Status = StatusFailed
				return res, fmt.Errorf("routing %s %s: %w", intent.Side, intent.Symbol, err)
			}
			continue
		}
		iterations++
		if ack.FilledSize > 0 {
			price := ack.AvgPrice
			if price <= 0 {
				price = candidate
			}
			fills = append(fills, fill{qty: ack.FilledSize, price: price})
			remaining -= ack.FilledSize
		}
		if ack.FilledSize+fillEpsilon < chunk {
			// The unfilled remainder is resting on the book. It must come
			// off before the next submission or live interest stacks up to
			// a multiple of the target, and a late fill on a forgotten
			// chunk unbalances the pair.
			r.cancelBestEffort(ctx, ack.OrderID)
		}
		tickOffset++
	}
	return r.finish(intent, fills, remaining, iterations, reference, "iterative"), nil
}

type fill struct {
	qty   float64
	price float64
}

func (r *Router) finish(intent Intent, fills []fill, remaining float64, iterations int, reference float64, stage string) Result {
	filled, vwap := vwapOf(fills)
	res := Result{
		FilledQty:  filled,
		AvgPrice:   vwap,
		Iterations: iterations,
		Remaining:  math.Max(remaining, 0),
		Stage:      stage,
	}
	if reference > 0 && vwap > 0 {
		res.SlippageBps = math.Abs(vwap-reference) / reference * 10000
	}
	switch {
	case res.Remaining <= fillEpsilon:
		res.Status = StatusFilled
		res.Remaining = 0
	case filled > 0:
		res.Status = StatusPartial
	default:
		res.Status = StatusFailed
	}
	return res
}

// ForceClose submits one guaranteed-fill order for the full intent
// quantity, bypassing the iterative and resting stages. Used by the
// emergency unwind path where speed beats price.
func (r *Router) ForceClose(ctx context.Context, intent Intent) (Result, error) {
	res, err := r.aggressive(ctx, intent, intent.TargetQty, 2000)
	r.logStage(intent, res, err)
	return res, err
}

// aggressive submits a single guaranteed-fill order for the remaining
// quantity. Used when the feed is degraded and as the last cascade stage.
func (r *Router) aggressive(ctx context.Context, intent Intent, qty float64, fillIndex int) (Result, error) {
	ack, err := r.exec.PlaceOrder(ctx, venue.Order{
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Type:          venue.TypeMarket,
		Size:          qty,
		ReduceOnly:    intent.ReduceOnly,
		ClientOrderID: chunkOrderID(intent.ClientOrderID, fillIndex, -1),
	})
	if err != nil {
		return Result{Status: StatusFailed, Remaining: qty, Stage: "aggressive"},
			fmt.Errorf("aggressive %s %s: %w", intent.Side, intent.Symbol, err)
	}
	filled := ack.FilledSize
	if filled <= 0 {
		// Venues that ack market orders without inline fills are treated
		// as fully filled; the reconciliation pass catches liars.
		filled = qty
	}
	return Result{
		FilledQty: filled,
		AvgPrice:  ack.AvgPrice,
		Status:    StatusFilled,
		Remaining: math.Max(qty-filled, 0),
		Stage:     "aggressive",
	}, nil
}

func mergeAggressive(base, agg Result) Result {
	totalQty := base.FilledQty + agg.FilledQty
	if totalQty > 0 {
		base.AvgPrice = (base.AvgPrice*base.FilledQty + agg.AvgPrice*agg.FilledQty) / totalQty
	}
	base.FilledQty = totalQty
	base.Remaining = agg.Remaining
	base.Stage = agg.Stage
	base.Status = agg.Status
	if base.Remaining > fillEpsilon {
		base.Status = StatusPartial
	}
	return base
}

func vwapOf(fills []fill) (float64, float64) {
	var qty, notional float64
	for _, f := range fills {
		qty += f.qty
		notional += f.qty * f.price
	}
	if qty == 0 {
		return 0, 0
	}
	return qty, notional / qty
}

// candidatePrice walks from the near-side quote toward and through the
// far side as tickOffset grows: buys step up toward the ask, sells step
// down toward the bid. tickOffset only increases, so price tolerance
// worsens monotonically as time passes.
func candidatePrice(reference float64, side venue.Side, tickStep float64, tickOffset int) float64 {
	offset := tickStep * float64(tickOffset)
	var price float64
	if side == venue.SideBuy {
		price = reference + offset
	} else {
		price = reference - offset
	}
	return sizing.RoundToTick(price, tickStep)
}

func nearSidePrice(top venue.TopOfBook, side venue.Side) float64 {
	if side == venue.SideBuy {
		return top.BidPrice
	}
	return top.AskPrice
}

// farSideSize is the size resting at the best level the order would
// trade against.
func farSideSize(top venue.TopOfBook, side venue.Side) float64 {
	if side == venue.SideBuy {
		return top.AskSize
	}
	return top.BidSize
}

func chunkOrderID(base string, fillIndex, tickOffset int) string {
	if base == "" {
		return ""
	}
	if tickOffset < 0 {
		return fmt.Sprintf("%s-agg-%d", base, fillIndex)
	}
	return fmt.Sprintf("%s-i%d-o%d", base, fillIndex, tickOffset)
}
