package router

import (
	"context"
	"errors"
	"math"
	"time"

	"cv-hedge-bot/internal/venue"

	"go.uber.org/zap"
)

const (
	restingTimeout      = 3 * time.Second
	restingPollInterval = 250 * time.Millisecond
)

// Execute runs the full fallback cascade for an intent: smart iterative
// routing inside a size-derived deadline, then a single resting maker
// order with its own short timeout, then a guaranteed-fill aggressive
// order. Every stage is logged as a distinct attempt so a cycle's
// execution path stays reconstructible from the logs.
func (r *Router) Execute(ctx context.Context, intent Intent) (Result, error) {
	routeCtx, cancel := context.WithTimeout(ctx, DeadlineFor(intent.TargetQty))
	res, err := r.Route(routeCtx, intent)
	cancel()
	r.logStage(intent, res, err)
	if res.Status == StatusFilled {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrOrderTimeout) {
		r.log.Warn("iterative stage failed, skipping to aggressive", zap.Error(err))
		return r.finalAggressive(ctx, intent, res)
	}

	remaining := remainingOf(intent, res)
	restRes, restErr := r.resting(ctx, intent, remaining)
	r.logStage(intent, restRes, restErr)
	if restErr == nil && restRes.Status == StatusFilled {
		return mergeStages(res, restRes), nil
	}
	if ctx.Err() != nil {
		return mergeStages(res, restRes), ctx.Err()
	}

	return r.finalAggressive(ctx, intent, mergeStages(res, restRes))
}

func (r *Router) finalAggressive(ctx context.Context, intent Intent, sofar Result) (Result, error) {
	remaining := remainingOf(intent, sofar)
	if remaining <= fillEpsilon {
		sofar.Status = StatusFilled
		sofar.Remaining = 0
		return sofar, nil
	}
	agg, err := r.aggressive(ctx, intent, remaining, 1000)
	r.logStage(intent, agg, err)
	merged := mergeStages(sofar, agg)
	if err != nil {
		merged.Status = StatusFailed
		return merged, err
	}
	return merged, nil
}

// resting places a single post-only order at the near-side quote and
// watches the book until it disappears or the resting timeout expires,
// at which point it is cancelled. Fill size is taken from the venue's
// position delta, never assumed: a vanished order may have been culled
// by the venue rather than filled, and a timeout-cancelled order may
// have filled partially first.
func (r *Router) resting(ctx context.Context, intent Intent, qty float64) (Result, error) {
	if qty <= fillEpsilon {
		return Result{Status: StatusFilled, Stage: "resting"}, nil
	}
	top, err := r.venue.TopOfBook(ctx, intent.Symbol)
	if err != nil {
		return Result{Status: StatusFailed, Remaining: qty, Stage: "resting"}, err
	}
	price := nearSidePrice(top, intent.Side)
	if price <= 0 {
		return Result{Status: StatusFailed, Remaining: qty, Stage: "resting"}, errors.New("no resting reference price")
	}
	before, posKnown := r.positionBaseline(ctx, intent.Symbol)
	ack, err := r.exec.PlaceOrder(ctx, venue.Order{
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Type:          venue.TypePostOnly,
		Size:          qty,
		LimitPrice:    price,
		ReduceOnly:    intent.ReduceOnly,
		ClientOrderID: chunkOrderID(intent.ClientOrderID, 0, 999),
	})
	if err != nil {
		return Result{Status: StatusFailed, Remaining: qty, Stage: "resting"}, err
	}
	deadline := time.NewTimer(restingTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(restingPollInterval)
	defer ticker.Stop()
	for {
		open, err := r.orderIsOpen(ctx, intent.Symbol, ack.OrderID)
		if err == nil && !open {
			filled := r.measuredFill(ctx, intent, qty, before, posKnown, qty)
			return restingResult(filled, qty, price), nil
		}
		select {
		case <-ctx.Done():
			r.cancelBestEffort(ctx, ack.OrderID)
			filled := r.measuredFill(ctx, intent, qty, before, posKnown, 0)
			return restingResult(filled, qty, price), ctx.Err()
		case <-deadline.C:
			r.cancelBestEffort(ctx, ack.OrderID)
			filled := r.measuredFill(ctx, intent, qty, before, posKnown, 0)
			res := restingResult(filled, qty, price)
			if res.Status == StatusFilled {
				return res, nil
			}
			return res, ErrOrderTimeout
		case <-ticker.C:
		}
	}
}

func restingResult(filled, qty, price float64) Result {
	res := Result{
		FilledQty: filled,
		AvgPrice:  price,
		Remaining: math.Max(qty-filled, 0),
		Stage:     "resting",
	}
	switch {
	case res.Remaining <= fillEpsilon:
		res.Status = StatusFilled
		res.Remaining = 0
	case filled > fillEpsilon:
		res.Status = StatusPartial
	default:
		res.Status = StatusFailed
		res.AvgPrice = 0
	}
	return res
}

func (r *Router) positionBaseline(ctx context.Context, symbol string) (float64, bool) {
	size, err := r.signedPosition(ctx, symbol)
	if err != nil {
		r.log.Warn("position baseline unavailable before resting order", zap.Error(err))
		return 0, false
	}
	return size, true
}

// measuredFill reads the resting order's fill off the venue position
// delta. Without a usable baseline it falls back to the caller's
// assumption: gone from the book means filled, cancelled on timeout
// means not.
func (r *Router) measuredFill(ctx context.Context, intent Intent, qty, before float64, posKnown bool, fallback float64) float64 {
	if !posKnown {
		return fallback
	}
	after, err := r.signedPosition(ctx, intent.Symbol)
	if err != nil {
		r.log.Warn("position read failed after resting order", zap.Error(err))
		return fallback
	}
	delta := after - before
	if intent.Side == venue.SideSell {
		delta = -delta
	}
	return math.Min(math.Max(delta, 0), qty)
}

func (r *Router) signedPosition(ctx context.Context, symbol string) (float64, error) {
	positions, err := r.venue.Positions(ctx)
	if err != nil {
		return 0, err
	}
	var size float64
	for _, p := range positions {
		if p.Symbol == symbol {
			size += p.Size
		}
	}
	return size, nil
}

func (r *Router) orderIsOpen(ctx context.Context, symbol, orderID string) (bool, error) {
	orders, err := r.venue.OpenOrders(ctx, symbol)
	if err != nil {
		return false, err
	}
	for _, o := range orders {
		if o.OrderID == orderID {
			return true, nil
		}
	}
	return false, nil
}

func (r *Router) cancelBestEffort(ctx context.Context, orderID string) {
	if orderID == "" {
		return
	}
	if err := r.exec.CancelOrder(ctx, orderID); err != nil {
		r.log.Warn("failed to cancel resting order", zap.String("order_id", orderID), zap.Error(err))
	}
}

func remainingOf(intent Intent, res Result) float64 {
	remaining := intent.TargetQty - res.FilledQty
	if remaining < 0 {
		return 0
	}
	return remaining
}

func mergeStages(base, next Result) Result {
	totalQty := base.FilledQty + next.FilledQty
	if totalQty > 0 {
		base.AvgPrice = (base.AvgPrice*base.FilledQty + next.AvgPrice*next.FilledQty) / totalQty
	}
	base.FilledQty = totalQty
	base.Iterations += next.Iterations
	base.Stage = next.Stage
	base.Status = next.Status
	base.Remaining = next.Remaining
	return base
}

func (r *Router) logStage(intent Intent, res Result, err error) {
	fields := []zap.Field{
		zap.String("venue", r.venue.Info().Name),
		zap.String("symbol", intent.Symbol),
		zap.String("side", string(intent.Side)),
		zap.String("stage", res.Stage),
		zap.String("status", string(res.Status)),
		zap.Float64("filled", res.FilledQty),
		zap.Float64("remaining", res.Remaining),
		zap.Float64("avg_price", res.AvgPrice),
		zap.Float64("slippage_bps", res.SlippageBps),
		zap.Int("iterations", res.Iterations),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
		r.log.Warn("routing stage", fields...)
		return
	}
	r.log.Info("routing stage", fields...)
}
