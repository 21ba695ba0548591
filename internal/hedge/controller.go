package hedge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"cv-hedge-bot/internal/book"
	"cv-hedge-bot/internal/metrics"
	"cv-hedge-bot/internal/router"
	"cv-hedge-bot/internal/sizing"
	"cv-hedge-bot/internal/threshold"
	"cv-hedge-bot/internal/venue"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrCycleInFlight enforces the single-flight invariant: at most one
// live cycle per controller.
var ErrCycleInFlight = errors.New("hedge cycle already in flight")

const emergencyTimeout = 60 * time.Second

// Leg binds one venue's adapter, router, and traded symbol.
type Leg struct {
	Venue  venue.Venue
	Router *router.Router
	Symbol string
}

type Config struct {
	MaxSlippageBps float64
	MaxIterations  int

	EntryTimeout      time.Duration
	EntryPollInterval time.Duration
	HoldPollInterval  time.Duration
	MaxHoldDuration   time.Duration

	// ImbalanceTarget is the acceptable residual notional imbalance as a
	// fraction of cycle notional.
	ImbalanceTarget float64
	SearchSteps     int

	FlatEpsilon       float64
	EmergencyAttempts int
}

func (c *Config) applyDefaults() {
	if c.MaxSlippageBps <= 0 {
		c.MaxSlippageBps = 50
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.EntryTimeout <= 0 {
		c.EntryTimeout = 30 * time.Second
	}
	if c.EntryPollInterval <= 0 {
		c.EntryPollInterval = time.Second
	}
	if c.HoldPollInterval <= 0 {
		c.HoldPollInterval = 2 * time.Second
	}
	if c.MaxHoldDuration <= 0 {
		c.MaxHoldDuration = 15 * time.Minute
	}
	if c.ImbalanceTarget <= 0 {
		c.ImbalanceTarget = 0.001
	}
	if c.SearchSteps <= 0 {
		c.SearchSteps = 10
	}
	if c.FlatEpsilon <= 0 {
		c.FlatEpsilon = 1e-6
	}
	if c.EmergencyAttempts <= 0 {
		c.EmergencyAttempts = 3
	}
}

type Deps struct {
	Thresholds *threshold.Engine
	Sizer      *sizing.Manager
	Analyzer   *book.Analyzer
	Guard      Guard
	Recorder   Recorder
	Notifier   Notifier
	Metrics    *metrics.Metrics
	Log        *zap.Logger
}

// Controller drives the build/hold/unwind state machine for one
// instrument pair. RunCycle is the only entry point; all phase
// transitions happen inside it on a single goroutine, with leg
// executions fanned out and awaited together.
type Controller struct {
	cfg        Config
	primary    Leg
	hedge      Leg
	thresholds *threshold.Engine
	sizer      *sizing.Manager
	analyzer   *book.Analyzer
	guard      Guard
	recorder   Recorder
	notifier   Notifier
	metrics    *metrics.Metrics
	log        *zap.Logger

	mu        sync.Mutex
	running   bool
	position  Position
	direction Direction
}

func New(cfg Config, primary, hedge Leg, deps Deps) (*Controller, error) {
	cfg.applyDefaults()
	if primary.Venue == nil || primary.Router == nil || primary.Symbol == "" {
		return nil, errors.New("primary leg requires a venue, router, and symbol")
	}
	if hedge.Venue == nil || hedge.Router == nil || hedge.Symbol == "" {
		return nil, errors.New("hedge leg requires a venue, router, and symbol")
	}
	if deps.Sizer == nil {
		return nil, errors.New("sizing manager is required")
	}
	if deps.Thresholds == nil {
		deps.Thresholds = threshold.New(threshold.DefaultTable(), 0, 0, 0)
	}
	if deps.Analyzer == nil {
		deps.Analyzer = book.NewAnalyzer(0)
	}
	if deps.Guard == nil {
		deps.Guard = NopGuard()
	}
	if deps.Recorder == nil {
		deps.Recorder = NopRecorder()
	}
	if deps.Notifier == nil {
		deps.Notifier = NopNotifier()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoop()
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	return &Controller{
		cfg:        cfg,
		primary:    primary,
		hedge:      hedge,
		thresholds: deps.Thresholds,
		sizer:      deps.Sizer,
		analyzer:   deps.Analyzer,
		guard:      deps.Guard,
		recorder:   deps.Recorder,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		log:        deps.Log,
		direction:  DirectionPrimaryLong,
	}, nil
}

// LocalPosition is the controller's view of net exposure. Safe for
// concurrent reads by the reconciliation loop.
func (c *Controller) LocalPosition() Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

// CycleInFlight reports whether a build/hold/unwind round trip is
// currently running. The local book legitimately trails venue fills
// until a phase commits, so reconciliation against it must wait.
func (c *Controller) CycleInFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Controller) Direction() Direction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.direction
}

// SetDirection reinstates the persisted alternation state at startup.
func (c *Controller) SetDirection(d Direction) {
	if d != DirectionPrimaryLong && d != DirectionPrimaryShort {
		return
	}
	c.mu.Lock()
	c.direction = d
	c.mu.Unlock()
}

// RunCycle executes one full build/hold/unwind round trip and always
// emits exactly one terminal record for a cycle that started.
func (c *Controller) RunCycle(ctx context.Context) (Outcome, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return "", ErrCycleInFlight
	}
	c.running = true
	direction := c.direction
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	if err := c.guard.PreTradeCheck(ctx); err != nil {
		return "", fmt.Errorf("pre-trade check: %w", err)
	}

	cycle := &Cycle{
		ID:        uuid.NewString(),
		Phase:     PhaseEntryWait,
		Direction: direction,
		StartedAt: time.Now().UTC(),
	}
	c.metrics.CyclesStarted.Inc()
	c.log.Info("cycle started",
		zap.String("cycle_id", cycle.ID),
		zap.String("direction", string(direction)),
		zap.Float64("notional", c.sizer.PhaseNotional()),
		zap.Int("sizing_phase", c.sizer.Phase()))

	topP, topH, err := c.entryWait(ctx, cycle)
	if err != nil {
		return c.finishAborted(cycle, fmt.Errorf("entry wait: %w", err))
	}
	if err := c.sizeLegs(cycle, topP, topH); err != nil {
		return c.finishAborted(cycle, fmt.Errorf("sizing: %w", err))
	}

	pSide, hSide := buildSides(direction)
	cycle.Phase = PhaseBuild
	pr, hr := c.executeLegs(ctx, cycle, "build", pSide, hSide, cycle.PrimaryQty, cycle.HedgeQty, false)
	switch {
	case legFilled(pr) && legFilled(hr):
		c.applyBuildFills(cycle, pr.res, hr.res)
	case pr.res.FilledQty <= c.cfg.FlatEpsilon && hr.res.FilledQty <= c.cfg.FlatEpsilon:
		// Nothing traded, nothing to flatten.
		return c.finishAborted(cycle, errors.Join(pr.err, hr.err))
	default:
		c.applyBuildFills(cycle, pr.res, hr.res)
		return c.emergency(ctx, cycle, ErrPartialFillImbalance)
	}

	cycle.Phase = PhaseHold
	cycle.EnteredAt = time.Now().UTC()
	reason, err := c.hold(ctx, cycle)
	if err != nil {
		// Interrupted mid-hold; flattening beats orphaned exposure.
		return c.emergency(ctx, cycle, err)
	}
	c.log.Info("exit condition met",
		zap.String("cycle_id", cycle.ID),
		zap.String("reason", reason),
		zap.Float64("profit_bps", cycle.Bands.ProfitBps),
		zap.Float64("stop_loss_bps", cycle.Bands.StopLossBps))

	cycle.Phase = PhaseUnwind
	upr, uhr := c.executeLegs(ctx, cycle, "unwind", pSide.Opposite(), hSide.Opposite(), cycle.PrimaryQty, cycle.HedgeQty, true)
	c.applyUnwindFills(cycle, upr.res, uhr.res)
	if !legFilled(upr) || !legFilled(uhr) {
		return c.emergency(ctx, cycle, ErrPartialFillImbalance)
	}
	return c.finishSuccess(ctx, cycle, upr.res, uhr.res)
}

// entryWait observes both feeds until the regime-adjusted entry gate is
// beaten or the wait times out, in which case it enters at market. A
// timeout with no usable quotes keeps polling until one pair arrives.
func (c *Controller) entryWait(ctx context.Context, cycle *Cycle) (venue.TopOfBook, venue.TopOfBook, error) {
	timeout := time.NewTimer(c.cfg.EntryTimeout)
	defer timeout.Stop()
	ticker := time.NewTicker(c.cfg.EntryPollInterval)
	defer ticker.Stop()

	var lastP, lastH venue.TopOfBook
	haveTops := false
	deadlinePassed := false
	for {
		topP, errP := c.primary.Venue.TopOfBook(ctx, c.primary.Symbol)
		topH, errH := c.hedge.Venue.TopOfBook(ctx, c.hedge.Symbol)
		if errP == nil && errH == nil && topP.Mid() > 0 && topH.Mid() > 0 {
			lastP, lastH = topP, topH
			haveTops = true
			spread := crossSpreadBps(topP, topH)
			c.thresholds.Observe(topP.Mid(), topH.Mid(), spread)
			gate, ok := c.thresholds.EntryThreshold(cycle.Direction == DirectionPrimaryLong)
			if !ok {
				c.metrics.EntrySkips.Inc()
			} else if spread >= gate {
				return lastP, lastH, nil
			}
			if deadlinePassed {
				c.log.Info("entry wait timed out, entering at market",
					zap.String("cycle_id", cycle.ID), zap.Float64("spread_bps", spread))
				return lastP, lastH, nil
			}
		} else if deadlinePassed && haveTops {
			return lastP, lastH, nil
		}
		select {
		case <-ctx.Done():
			return lastP, lastH, ctx.Err()
		case <-timeout.C:
			deadlinePassed = true
			if haveTops {
				c.log.Info("entry wait timed out, entering at market", zap.String("cycle_id", cycle.ID))
				return lastP, lastH, nil
			}
		case <-ticker.C:
		}
	}
}

func (c *Controller) sizeLegs(cycle *Cycle, topP, topH venue.TopOfBook) error {
	notional := c.sizer.PhaseNotional()
	infoP, infoH := c.primary.Venue.Info(), c.hedge.Venue.Info()
	q, err := sizing.QuantitiesFor(notional, topP.Mid(), topH.Mid(),
		infoP.LotSize, infoH.LotSize, c.cfg.ImbalanceTarget, c.cfg.SearchSteps)
	if err != nil {
		return err
	}
	if q.QtyA < infoP.MinOrderSize || q.QtyB < infoH.MinOrderSize {
		return fmt.Errorf("sized quantities below venue minimums: %.8f %s / %.8f %s",
			q.QtyA, c.primary.Symbol, q.QtyB, c.hedge.Symbol)
	}
	cycle.Notional = notional
	cycle.PrimaryQty = q.QtyA
	cycle.HedgeQty = q.QtyB
	c.log.Info("legs sized",
		zap.String("cycle_id", cycle.ID),
		zap.Float64("qty_primary", q.QtyA),
		zap.Float64("qty_hedge", q.QtyB),
		zap.Float64("imbalance_ratio", q.ImbalanceRatio))
	return nil
}

// hold evaluates exit bands every tick until one fires and the exit is
// executable within the slippage bound. Thin exit liquidity defers the
// exit and keeps holding; the hold cap is a hard stop.
func (c *Controller) hold(ctx context.Context, cycle *Cycle) (string, error) {
	ticker := time.NewTicker(c.cfg.HoldPollInterval)
	defer ticker.Stop()
	maxHold := time.NewTimer(c.cfg.MaxHoldDuration)
	defer maxHold.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-maxHold.C:
			return "max_hold", nil
		case <-ticker.C:
		}
		topP, errP := c.primary.Venue.TopOfBook(ctx, c.primary.Symbol)
		topH, errH := c.hedge.Venue.TopOfBook(ctx, c.hedge.Symbol)
		if errP != nil || errH != nil || topP.Mid() <= 0 || topH.Mid() <= 0 {
			c.log.Warn("hold tick skipped on degraded feed",
				zap.NamedError("primary", errP), zap.NamedError("hedge", errH))
			continue
		}
		c.thresholds.Observe(topP.Mid(), topH.Mid(), crossSpreadBps(topP, topH))
		bands := c.thresholds.ExitBands()
		cycle.Bands = bands
		pnlBps := c.pnlBps(cycle, topP.Mid(), topH.Mid())

		reason := ""
		switch {
		case pnlBps >= bands.ProfitBps:
			reason = "profit"
		case pnlBps <= -bands.StopLossBps:
			reason = "stop_loss"
		case bands.QuickExitBps > 0 && pnlBps <= -bands.QuickExitBps && c.adverseMomentum(cycle.Direction):
			reason = "quick_exit"
		}
		if reason == "" {
			continue
		}
		cycle.Phase = PhaseExitWait
		if !c.exitLiquidityOK(ctx, cycle) {
			c.metrics.LiquiditySkips.Inc()
			c.log.Warn("exit deferred on thin book depth",
				zap.String("cycle_id", cycle.ID), zap.String("reason", reason))
			cycle.Phase = PhaseHold
			continue
		}
		return reason, nil
	}
}

func (c *Controller) pnlBps(cycle *Cycle, midP, midH float64) float64 {
	if cycle.Notional <= 0 {
		return 0
	}
	sign := directionSign(cycle.Direction)
	gross := sign*(midP-cycle.EntryPrimaryPrice)*cycle.PrimaryQty -
		sign*(midH-cycle.EntryHedgePrice)*cycle.HedgeQty
	return gross / cycle.Notional * 10000
}

// adverseMomentum is true when the long leg is trending down or the
// short leg is trending up.
func (c *Controller) adverseMomentum(d Direction) bool {
	momP, momH := c.thresholds.MomentumA(), c.thresholds.MomentumB()
	if d == DirectionPrimaryLong {
		return momP == threshold.MomentumBearish || momH == threshold.MomentumBullish
	}
	return momH == threshold.MomentumBearish || momP == threshold.MomentumBullish
}

func (c *Controller) exitLiquidityOK(ctx context.Context, cycle *Cycle) bool {
	pSide, hSide := buildSides(cycle.Direction)
	if !c.legLiquidityOK(ctx, c.primary, pSide.Opposite(), cycle.PrimaryQty) {
		return false
	}
	return c.legLiquidityOK(ctx, c.hedge, hSide.Opposite(), cycle.HedgeQty)
}

func (c *Controller) legLiquidityOK(ctx context.Context, leg Leg, side venue.Side, qty float64) bool {
	snap, err := c.analyzer.AnalyzeDepth(ctx, leg.Venue, leg.Symbol, side)
	if err != nil || len(snap.Levels) == 0 {
		// Depth is an optional venue surface; its absence never pins a
		// position open.
		return true
	}
	_, err = book.FindExecutionPrice(snap, qty, c.cfg.MaxSlippageBps)
	return !errors.Is(err, book.ErrInsufficientLiquidity)
}

type legResult struct {
	res router.Result
	err error
}

func legFilled(lr legResult) bool {
	return lr.err == nil && lr.res.Status == router.StatusFilled
}

// executeLegs runs both legs concurrently and waits for both before
// judging the pair. A one-sided outcome is the caller's problem to
// flatten; this function never retries on its own.
func (c *Controller) executeLegs(ctx context.Context, cycle *Cycle, tag string, pSide, hSide venue.Side, pQty, hQty float64, reduceOnly bool) (legResult, legResult) {
	var wg sync.WaitGroup
	var pr, hr legResult
	wg.Add(2)
	go func() {
		defer wg.Done()
		pr.res, pr.err = c.primary.Router.Execute(ctx, router.Intent{
			Symbol:         c.primary.Symbol,
			Side:           pSide,
			TargetQty:      pQty,
			MaxSlippageBps: c.cfg.MaxSlippageBps,
			MaxIterations:  c.cfg.MaxIterations,
			TickStep:       c.primary.Venue.Info().TickSize,
			ReduceOnly:     reduceOnly,
			ClientOrderID:  cycle.ID + "-" + tag + "-p",
		})
	}()
	go func() {
		defer wg.Done()
		hr.res, hr.err = c.hedge.Router.Execute(ctx, router.Intent{
			Symbol:         c.hedge.Symbol,
			Side:           hSide,
			TargetQty:      hQty,
			MaxSlippageBps: c.cfg.MaxSlippageBps,
			MaxIterations:  c.cfg.MaxIterations,
			TickStep:       c.hedge.Venue.Info().TickSize,
			ReduceOnly:     reduceOnly,
			ClientOrderID:  cycle.ID + "-" + tag + "-h",
		})
	}()
	wg.Wait()
	c.recordLeg(cycle, c.primary, pSide, pr)
	c.recordLeg(cycle, c.hedge, hSide, hr)
	return pr, hr
}

func (c *Controller) recordLeg(cycle *Cycle, leg Leg, side venue.Side, lr legResult) {
	if legFilled(lr) {
		c.metrics.OrdersPlaced.Inc()
	} else {
		c.metrics.OrdersFailed.Inc()
	}
	if lr.res.FilledQty <= 0 {
		return
	}
	info := leg.Venue.Info()
	c.recorder.RecordFill(FillRecord{
		Time:        time.Now().UTC(),
		CycleID:     cycle.ID,
		CyclePhase:  cycle.Phase,
		Venue:       info.Name,
		Symbol:      leg.Symbol,
		Side:        string(side),
		Quantity:    lr.res.FilledQty,
		Price:       lr.res.AvgPrice,
		FeeUSD:      info.TakerFeeBps / 10000 * lr.res.FilledQty * lr.res.AvgPrice,
		SlippageBps: lr.res.SlippageBps,
	})
}

func (c *Controller) applyBuildFills(cycle *Cycle, p, h router.Result) {
	sign := directionSign(cycle.Direction)
	cycle.EntryPrimaryPrice = p.AvgPrice
	cycle.EntryHedgePrice = h.AvgPrice
	c.mu.Lock()
	c.position = Position{
		PrimaryQty:   sign * p.FilledQty,
		HedgeQty:     -sign * h.FilledQty,
		PrimaryPrice: p.AvgPrice,
		HedgePrice:   h.AvgPrice,
	}
	c.mu.Unlock()
}

func (c *Controller) applyUnwindFills(cycle *Cycle, p, h router.Result) {
	sign := directionSign(cycle.Direction)
	c.mu.Lock()
	c.position.PrimaryQty -= sign * p.FilledQty
	c.position.HedgeQty += sign * h.FilledQty
	c.mu.Unlock()
}

// emergency flattens whatever is held on either venue with aggressive
// orders, detached from the caller's cancellation so an interrupted
// cycle still exits flat. Persistent flatten failure trips the latch.
func (c *Controller) emergency(ctx context.Context, cycle *Cycle, cause error) (Outcome, error) {
	cycle.Phase = PhaseEmergencyUnwind
	c.metrics.EmergencyUnwinds.Inc()
	c.log.Error("emergency unwind",
		zap.String("cycle_id", cycle.ID),
		zap.Error(cause),
		zap.Float64("primary_qty", c.LocalPosition().PrimaryQty),
		zap.Float64("hedge_qty", c.LocalPosition().HedgeQty))

	flatCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emergencyTimeout)
	defer cancel()
	errP := c.flattenLeg(flatCtx, cycle, c.primary, true)
	errH := c.flattenLeg(flatCtx, cycle, c.hedge, false)
	if errP != nil || errH != nil {
		if err := c.guard.TripEmergency(flatCtx, "emergency flatten incomplete"); err != nil {
			c.log.Error("failed to latch emergency flag", zap.Error(err))
		}
		c.notify(flatCtx, fmt.Sprintf("EMERGENCY: flatten incomplete on cycle %s, trading halted", cycle.ID))
	} else {
		c.notify(flatCtx, fmt.Sprintf("emergency unwind complete on cycle %s: %v", cycle.ID, cause))
	}
	c.reconcileBestEffort(flatCtx)
	c.finishCycle(cycle, OutcomeEmergency, 0, 0)
	c.sizer.OnCycleResult(false)
	c.advanceDirection()
	if errP != nil || errH != nil {
		return OutcomeEmergency, errors.Join(cause, errP, errH)
	}
	return OutcomeEmergency, nil
}

func (c *Controller) flattenLeg(ctx context.Context, cycle *Cycle, leg Leg, isPrimary bool) error {
	c.mu.Lock()
	signedQty := c.position.PrimaryQty
	if !isPrimary {
		signedQty = c.position.HedgeQty
	}
	c.mu.Unlock()
	qty := math.Abs(signedQty)
	if qty <= c.cfg.FlatEpsilon {
		return nil
	}
	side := venue.SideSell
	if signedQty < 0 {
		side = venue.SideBuy
	}
	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 1; attempt <= c.cfg.EmergencyAttempts; attempt++ {
		res, err := leg.Router.ForceClose(ctx, router.Intent{
			Symbol:        leg.Symbol,
			Side:          side,
			TargetQty:     qty,
			ReduceOnly:    true,
			ClientOrderID: fmt.Sprintf("%s-flat-%s-%d", cycle.ID, leg.Venue.Info().Name, attempt),
		})
		if err == nil {
			c.recordLeg(cycle, leg, side, legResult{res: res})
			c.mu.Lock()
			if isPrimary {
				c.position.PrimaryQty = 0
			} else {
				c.position.HedgeQty = 0
			}
			c.mu.Unlock()
			return nil
		}
		lastErr = err
		c.log.Warn("flatten attempt failed",
			zap.String("symbol", leg.Symbol), zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return fmt.Errorf("flatten %s %s: %w", leg.Symbol, side, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("flatten %s %s: %w", leg.Symbol, side, lastErr)
}

func (c *Controller) finishSuccess(ctx context.Context, cycle *Cycle, exitP, exitH router.Result) (Outcome, error) {
	sign := directionSign(cycle.Direction)
	gross := sign*(exitP.AvgPrice-cycle.EntryPrimaryPrice)*cycle.PrimaryQty -
		sign*(exitH.AvgPrice-cycle.EntryHedgePrice)*cycle.HedgeQty
	net := gross - c.takerFees(c.primary, cycle.PrimaryQty, cycle.EntryPrimaryPrice, exitP.AvgPrice) -
		c.takerFees(c.hedge, cycle.HedgeQty, cycle.EntryHedgePrice, exitH.AvgPrice)
	c.reconcileBestEffort(ctx)
	c.finishCycle(cycle, OutcomeSuccess, gross, net)
	c.sizer.OnCycleResult(true)
	c.advanceDirection()
	return OutcomeSuccess, nil
}

func (c *Controller) finishAborted(cycle *Cycle, cause error) (Outcome, error) {
	c.finishCycle(cycle, OutcomeAborted, 0, 0)
	return OutcomeAborted, cause
}

func (c *Controller) finishCycle(cycle *Cycle, outcome Outcome, gross, net float64) {
	cycle.Phase = PhaseIdle
	holdSeconds := 0.0
	if !cycle.EnteredAt.IsZero() {
		holdSeconds = time.Since(cycle.EnteredAt).Seconds()
	}
	c.recorder.RecordCycle(CycleRecord{
		Time:        time.Now().UTC(),
		CycleID:     cycle.ID,
		Direction:   cycle.Direction,
		Outcome:     outcome,
		Notional:    cycle.Notional,
		GrossPnlUSD: gross,
		NetPnlUSD:   net,
		HoldSeconds: holdSeconds,
	})
	switch outcome {
	case OutcomeSuccess:
		c.metrics.CyclesSucceeded.Inc()
	case OutcomeEmergency:
		c.metrics.CyclesFailed.Inc()
	case OutcomeAborted:
		c.metrics.CyclesAborted.Inc()
	}
	c.log.Info("cycle finished",
		zap.String("cycle_id", cycle.ID),
		zap.String("outcome", string(outcome)),
		zap.Float64("gross_pnl_usd", gross),
		zap.Float64("net_pnl_usd", net),
		zap.Float64("hold_seconds", holdSeconds))
}

func (c *Controller) takerFees(leg Leg, qty, entryPrice, exitPrice float64) float64 {
	return leg.Venue.Info().TakerFeeBps / 10000 * qty * (entryPrice + exitPrice)
}

func (c *Controller) advanceDirection() {
	c.mu.Lock()
	c.direction = c.direction.Next()
	c.mu.Unlock()
}

func (c *Controller) reconcileBestEffort(ctx context.Context) {
	if err := c.guard.Reconcile(ctx); err != nil {
		c.log.Warn("post-cycle reconciliation failed", zap.Error(err))
	}
}

func (c *Controller) notify(ctx context.Context, message string) {
	if err := c.notifier.Send(ctx, message); err != nil {
		c.log.Warn("alert delivery failed", zap.Error(err))
	}
}

func buildSides(d Direction) (venue.Side, venue.Side) {
	if d == DirectionPrimaryLong {
		return venue.SideBuy, venue.SideSell
	}
	return venue.SideSell, venue.SideBuy
}

func directionSign(d Direction) float64 {
	if d == DirectionPrimaryLong {
		return 1
	}
	return -1
}

func crossSpreadBps(a, b venue.TopOfBook) float64 {
	midA, midB := a.Mid(), b.Mid()
	avg := (midA + midB) / 2
	if avg <= 0 {
		return 0
	}
	return math.Abs(midA-midB) / avg * 10000
}
