package threshold

// Entry gating and exit bands adapt to the observed momentum and spread
// regime. The numeric defaults are an empirically chosen policy, not a
// model; every value is overridable through configuration.

type Momentum string

const (
	MomentumBullish Momentum = "bullish"
	MomentumBearish Momentum = "bearish"
	MomentumNeutral Momentum = "neutral"
)

type SpreadState string

const (
	SpreadStable    SpreadState = "stable"
	SpreadWidening  SpreadState = "widening"
	SpreadNarrowing SpreadState = "narrowing"
)

// ExitBands are the thresholds the hold loop evaluates every tick.
// QuickExitBps <= 0 disables the quick-exit condition for the regime.
type ExitBands struct {
	ProfitBps    float64
	QuickExitBps float64
	StopLossBps  float64
}

// Table maps each spread regime to its entry threshold and exit bands.
type Table struct {
	Entry map[SpreadState]float64
	Exit  map[SpreadState]ExitBands
}

func DefaultTable() Table {
	return Table{
		Entry: map[SpreadState]float64{
			SpreadStable:    25,
			SpreadWidening:  35,
			SpreadNarrowing: 20,
		},
		Exit: map[SpreadState]ExitBands{
			SpreadStable:    {ProfitBps: 15, QuickExitBps: 5, StopLossBps: 30},
			SpreadWidening:  {ProfitBps: 25, QuickExitBps: 0, StopLossBps: 40},
			SpreadNarrowing: {ProfitBps: 10, QuickExitBps: 5, StopLossBps: 30},
		},
	}
}

// Engine tracks recent prices and spreads for both legs and converts them
// into entry gates and exit bands. It has a single writer (the cycle
// controller) and is not safe for concurrent use.
type Engine struct {
	table        Table
	window       int
	minTrendBps  float64
	spreadTolBps float64

	closesA []float64
	closesB []float64
	spreads []float64
}

func New(table Table, window int, minTrendBps, spreadTolBps float64) *Engine {
	if window <= 0 {
		window = 20
	}
	if minTrendBps <= 0 {
		minTrendBps = 10
	}
	if spreadTolBps <= 0 {
		spreadTolBps = 1
	}
	if table.Entry == nil || table.Exit == nil {
		table = DefaultTable()
	}
	return &Engine{
		table:        table,
		window:       window,
		minTrendBps:  minTrendBps,
		spreadTolBps: spreadTolBps,
	}
}

// Observe appends one tick of leg prices and the current cross-venue
// spread, trimming the windows.
func (e *Engine) Observe(priceA, priceB, spreadBps float64) {
	e.closesA = appendWindow(e.closesA, priceA, e.window)
	e.closesB = appendWindow(e.closesB, priceB, e.window)
	e.spreads = appendWindow(e.spreads, spreadBps, e.window)
}

func appendWindow(window []float64, value float64, max int) []float64 {
	window = append(window, value)
	if len(window) > max {
		window = window[len(window)-max:]
	}
	return window
}

func (e *Engine) MomentumA() Momentum { return ClassifyMomentum(e.closesA, e.minTrendBps) }
func (e *Engine) MomentumB() Momentum { return ClassifyMomentum(e.closesB, e.minTrendBps) }

func (e *Engine) SpreadRegime() SpreadState { return ClassifySpread(e.spreads, e.spreadTolBps) }

// EntryThreshold gates entry for a cycle that buys leg A when buyLegA is
// true (and sells the other leg). If either leg's momentum directly opposes
// its intended side the entry is skipped this tick: ok is false and the
// returned threshold is meaningless.
func (e *Engine) EntryThreshold(buyLegA bool) (float64, bool) {
	momA := e.MomentumA()
	momB := e.MomentumB()
	buyMom, sellMom := momA, momB
	if !buyLegA {
		buyMom, sellMom = momB, momA
	}
	if buyMom == MomentumBearish || sellMom == MomentumBullish {
		return 0, false
	}
	regime := e.SpreadRegime()
	if bps, ok := e.table.Entry[regime]; ok {
		return bps, true
	}
	return e.table.Entry[SpreadStable], true
}

// ExitBands returns the bands for the current spread regime. Recomputed
// every hold tick so a regime shift takes effect on the next evaluation.
func (e *Engine) ExitBands() ExitBands {
	regime := e.SpreadRegime()
	if bands, ok := e.table.Exit[regime]; ok {
		return bands
	}
	return e.table.Exit[SpreadStable]
}

// ClassifyMomentum labels the trend of a close series by the basis-point
// move from the first to the last observation.
func ClassifyMomentum(closes []float64, minTrendBps float64) Momentum {
	if len(closes) < 2 || closes[0] == 0 {
		return MomentumNeutral
	}
	moveBps := (closes[len(closes)-1] - closes[0]) / closes[0] * 10000
	switch {
	case moveBps > minTrendBps:
		return MomentumBullish
	case moveBps < -minTrendBps:
		return MomentumBearish
	default:
		return MomentumNeutral
	}
}

// ClassifySpread compares the mean spread of the newer half of the window
// against the older half.
func ClassifySpread(spreads []float64, tolBps float64) SpreadState {
	if len(spreads) < 4 {
		return SpreadStable
	}
	half := len(spreads) / 2
	older := mean(spreads[:half])
	newer := mean(spreads[half:])
	switch {
	case newer-older > tolBps:
		return SpreadWidening
	case older-newer > tolBps:
		return SpreadNarrowing
	default:
		return SpreadStable
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
