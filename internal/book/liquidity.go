package book

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"cv-hedge-bot/internal/venue"
)

// ErrInsufficientLiquidity is the match target for liquidity failures; the
// concrete error carries the quantity actually reachable within the bound.
var ErrInsufficientLiquidity = errors.New("insufficient liquidity")

type InsufficientLiquidityError struct {
	Target         float64
	Available      float64
	MaxSlippageBps float64
}

func (e *InsufficientLiquidityError) Error() string {
	return fmt.Sprintf("insufficient liquidity: %.8f available of %.8f target within %.1f bps",
		e.Available, e.Target, e.MaxSlippageBps)
}

func (e *InsufficientLiquidityError) Is(target error) bool {
	return target == ErrInsufficientLiquidity
}

// Level is one price level of a normalized single-side depth snapshot.
// Cumulative is the total size from the best level through this one, so it
// is non-decreasing across the slice.
type Level struct {
	Price      float64
	Size       float64
	Cumulative float64
}

// Snapshot is an immutable view of one book side. Replaced on every query,
// never patched.
type Snapshot struct {
	Symbol string
	Side   venue.Side
	Top    venue.TopOfBook
	Levels []Level
	Time   time.Time
}

// TotalSize is the cumulative size across all captured levels.
func (s Snapshot) TotalSize() float64 {
	if len(s.Levels) == 0 {
		return 0
	}
	return s.Levels[len(s.Levels)-1].Cumulative
}

// ExecutionPrice is the result of walking a snapshot for a target quantity.
type ExecutionPrice struct {
	Price       float64
	SlippageBps float64
	LevelsUsed  int
}

type Analyzer struct {
	depthLimit int
}

func NewAnalyzer(depthLimit int) *Analyzer {
	if depthLimit <= 0 {
		depthLimit = 20
	}
	return &Analyzer{depthLimit: depthLimit}
}

// AnalyzeDepth fetches raw depth for one side and normalizes it into a
// cumulative-size table in price-priority order (ascending for asks,
// descending for bids).
func (a *Analyzer) AnalyzeDepth(ctx context.Context, v venue.Venue, symbol string, side venue.Side) (Snapshot, error) {
	raw, err := v.Depth(ctx, symbol, side, a.depthLimit)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch depth %s %s: %w", symbol, side, err)
	}
	top, err := v.TopOfBook(ctx, symbol)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch top %s: %w", symbol, err)
	}
	return Normalize(symbol, side, top, raw), nil
}

// Normalize builds an immutable snapshot from raw levels. Levels with
// non-positive price or size are dropped; the rest are sorted into
// price-priority order for the side before cumulative sizes are assigned.
func Normalize(symbol string, side venue.Side, top venue.TopOfBook, raw []venue.DepthLevel) Snapshot {
	levels := make([]Level, 0, len(raw))
	for _, lvl := range raw {
		if lvl.Price <= 0 || lvl.Size <= 0 {
			continue
		}
		levels = append(levels, Level{Price: lvl.Price, Size: lvl.Size})
	}
	sort.SliceStable(levels, func(i, j int) bool {
		if side == venue.SideBuy {
			// Buys consume asks, cheapest first.
			return levels[i].Price < levels[j].Price
		}
		return levels[i].Price > levels[j].Price
	})
	var cum float64
	for i := range levels {
		cum += levels[i].Size
		levels[i].Cumulative = cum
	}
	return Snapshot{
		Symbol: symbol,
		Side:   side,
		Top:    top,
		Levels: levels,
		Time:   time.Now().UTC(),
	}
}

// FindExecutionPrice walks the snapshot's levels until the cumulative size
// covers targetQty. The returned price is the worst level touched and the
// slippage is its basis-point deviation from the top level. If the target
// cannot be covered within maxSlippageBps even using all captured depth,
// an InsufficientLiquidityError reports the quantity that is reachable.
func FindExecutionPrice(snap Snapshot, targetQty, maxSlippageBps float64) (ExecutionPrice, error) {
	if targetQty <= 0 {
		return ExecutionPrice{}, errors.New("target quantity must be > 0")
	}
	if len(snap.Levels) == 0 {
		return ExecutionPrice{}, &InsufficientLiquidityError{
			Target:         targetQty,
			MaxSlippageBps: maxSlippageBps,
		}
	}
	topPrice := snap.Levels[0].Price
	if snap.Levels[0].Cumulative >= targetQty {
		return ExecutionPrice{Price: topPrice, SlippageBps: 0, LevelsUsed: 1}, nil
	}
	reachable := 0.0
	for i, lvl := range snap.Levels {
		slippage := math.Abs(lvl.Price-topPrice) / topPrice * 10000
		if slippage > maxSlippageBps {
			break
		}
		reachable = lvl.Cumulative
		if lvl.Cumulative >= targetQty {
			return ExecutionPrice{Price: lvl.Price, SlippageBps: slippage, LevelsUsed: i + 1}, nil
		}
	}
	return ExecutionPrice{}, &InsufficientLiquidityError{
		Target:         targetQty,
		Available:      reachable,
		MaxSlippageBps: maxSlippageBps,
	}
}
