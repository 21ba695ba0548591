package safety

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"cv-hedge-bot/internal/hedge"
	"cv-hedge-bot/internal/metrics"
	"cv-hedge-bot/internal/state"
	"cv-hedge-bot/internal/venue"

	"go.uber.org/zap"
)

// ErrEmergencyHalted blocks all new cycles while the persisted emergency
// latch is set. Only an operator clears it.
var ErrEmergencyHalted = errors.New("trading halted by emergency latch")

// ErrMarginInsufficient blocks a cycle start when either venue's account
// cannot safely carry the next position.
var ErrMarginInsufficient = errors.New("insufficient margin")

const emergencyKey = "safety:emergency"

type emergencyRecord struct {
	Reason  string    `json:"reason"`
	Tripped time.Time `json:"tripped_at"`
}

// PositionSource exposes the controller's local view of net exposure
// and whether a cycle is mid-flight mutating it.
type PositionSource interface {
	LocalPosition() hedge.Position
	CycleInFlight() bool
}

type VenueRef struct {
	Venue  venue.Venue
	Symbol string
}

type Config struct {
	// FlatEpsilon is the per-leg quantity below which a position counts
	// as flat.
	FlatEpsilon float64
	// MinAvailableUSD is the least available balance either venue may
	// report before a cycle start.
	MinAvailableUSD float64
	// MaxMarginRatio blocks cycle starts above this utilization on
	// venues that report one.
	MaxMarginRatio    float64
	ReconcileInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.FlatEpsilon <= 0 {
		c.FlatEpsilon = 1e-6
	}
	if c.MaxMarginRatio <= 0 {
		c.MaxMarginRatio = 0.8
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 30 * time.Second
	}
}

// Guard is the safety layer in front of the cycle controller: clean
// start, pre-trade checks, periodic reconciliation, and the persisted
// emergency latch.
type Guard struct {
	cfg      Config
	primary  VenueRef
	hedgeRef VenueRef
	source   PositionSource
	store    state.Store
	notifier hedge.Notifier
	metrics  *metrics.Metrics
	log      *zap.Logger

	mu         sync.Mutex
	halted     bool
	haltReason string
}

func NewGuard(cfg Config, primary, hedgeRef VenueRef, source PositionSource, store state.Store, notifier hedge.Notifier, m *metrics.Metrics, log *zap.Logger) (*Guard, error) {
	cfg.applyDefaults()
	if primary.Venue == nil || hedgeRef.Venue == nil {
		return nil, errors.New("both venues are required")
	}
	if source == nil {
		return nil, errors.New("position source is required")
	}
	if notifier == nil {
		notifier = hedge.NopNotifier()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{
		cfg:      cfg,
		primary:  primary,
		hedgeRef: hedgeRef,
		source:   source,
		store:    store,
		notifier: notifier,
		metrics:  m,
		log:      log,
	}, nil
}

// EnsureCleanStart cancels stray open orders on both venues and loads the
// persisted emergency latch. Leftover venue positions are reported but
// never auto-flattened at startup; that is an operator decision.
func (g *Guard) EnsureCleanStart(ctx context.Context) error {
	if err := g.loadLatch(ctx); err != nil {
		return err
	}
	for _, ref := range []VenueRef{g.primary, g.hedgeRef} {
		if err := ref.Venue.CancelAllOrders(ctx, ref.Symbol); err != nil {
			return fmt.Errorf("cancel all on %s: %w", ref.Venue.Info().Name, err)
		}
		g.log.Info("cancelled stray orders", zap.String("venue", ref.Venue.Info().Name))
		size, err := g.venueExposure(ctx, ref)
		if err != nil {
			return fmt.Errorf("read positions on %s: %w", ref.Venue.Info().Name, err)
		}
		if math.Abs(size) > g.cfg.FlatEpsilon {
			g.log.Warn("leftover position found at startup",
				zap.String("venue", ref.Venue.Info().Name),
				zap.String("symbol", ref.Symbol),
				zap.Float64("size", size))
			g.notify(ctx, fmt.Sprintf("startup: leftover %s position of %.8f on %s",
				ref.Symbol, size, ref.Venue.Info().Name))
		}
	}
	return nil
}

// PreTradeCheck gates a cycle start: latch clear, local book flat, and
// margin headroom on both venues.
func (g *Guard) PreTradeCheck(ctx context.Context) error {
	g.mu.Lock()
	halted, reason := g.halted, g.haltReason
	g.mu.Unlock()
	if halted {
		return fmt.Errorf("%w: %s", ErrEmergencyHalted, reason)
	}
	if pos := g.source.LocalPosition(); !pos.IsFlat(g.cfg.FlatEpsilon) {
		return fmt.Errorf("local position not flat: primary %.8f hedge %.8f",
			pos.PrimaryQty, pos.HedgeQty)
	}
	for _, ref := range []VenueRef{g.primary, g.hedgeRef} {
		bal, err := ref.Venue.Balance(ctx)
		if err != nil {
			return fmt.Errorf("balance on %s: %w", ref.Venue.Info().Name, err)
		}
		if g.cfg.MinAvailableUSD > 0 && bal.Available < g.cfg.MinAvailableUSD {
			return fmt.Errorf("%w: %s available %.2f below %.2f",
				ErrMarginInsufficient, ref.Venue.Info().Name, bal.Available, g.cfg.MinAvailableUSD)
		}
		if bal.HasMarginRatio && bal.MarginRatio > g.cfg.MaxMarginRatio {
			return fmt.Errorf("%w: %s margin ratio %.3f above %.3f",
				ErrMarginInsufficient, ref.Venue.Info().Name, bal.MarginRatio, g.cfg.MaxMarginRatio)
		}
	}
	return nil
}

// Reconcile compares venue-reported exposure with the controller's local
// view. A mismatch is counted and alerted; drift larger than a full lot
// on either leg trips the latch because local accounting can no longer
// be trusted.
func (g *Guard) Reconcile(ctx context.Context) error {
	local := g.source.LocalPosition()
	primarySize, err := g.venueExposure(ctx, g.primary)
	if err != nil {
		return fmt.Errorf("reconcile primary: %w", err)
	}
	hedgeSize, err := g.venueExposure(ctx, g.hedgeRef)
	if err != nil {
		return fmt.Errorf("reconcile hedge: %w", err)
	}
	driftP := math.Abs(primarySize - local.PrimaryQty)
	driftH := math.Abs(hedgeSize - local.HedgeQty)
	if driftP <= g.cfg.FlatEpsilon && driftH <= g.cfg.FlatEpsilon {
		return nil
	}
	g.metrics.ReconcileMismatches.Inc()
	g.log.Warn("position reconciliation mismatch",
		zap.Float64("local_primary", local.PrimaryQty),
		zap.Float64("venue_primary", primarySize),
		zap.Float64("local_hedge", local.HedgeQty),
		zap.Float64("venue_hedge", hedgeSize))
	lotP := g.primary.Venue.Info().LotSize
	lotH := g.hedgeRef.Venue.Info().LotSize
	if (lotP > 0 && driftP > lotP) || (lotH > 0 && driftH > lotH) {
		return g.TripEmergency(ctx, fmt.Sprintf(
			"reconciliation drift: primary %.8f, hedge %.8f", driftP, driftH))
	}
	g.notify(ctx, fmt.Sprintf("reconciliation mismatch: primary %.8f vs %.8f, hedge %.8f vs %.8f",
		local.PrimaryQty, primarySize, local.HedgeQty, hedgeSize))
	return nil
}

// RunPeriodic reconciles on an interval until the context ends. Intended
// to run on its own goroutine. Ticks landing mid-cycle are skipped: a
// leg filled on the venue but not yet committed locally would read as a
// full-quantity drift and trip the latch on a healthy engine. The
// controller reconciles itself once per cycle at settled points.
func (g *Guard) RunPeriodic(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if g.source.CycleInFlight() {
				continue
			}
			if err := g.Reconcile(ctx); err != nil {
				g.log.Warn("periodic reconciliation failed", zap.Error(err))
			}
		}
	}
}

// TripEmergency sets and persists the latch. Idempotent.
func (g *Guard) TripEmergency(ctx context.Context, reason string) error {
	g.mu.Lock()
	already := g.halted
	g.halted = true
	g.haltReason = reason
	g.mu.Unlock()
	if already {
		return nil
	}
	g.log.Error("emergency latch tripped", zap.String("reason", reason))
	g.notify(ctx, "EMERGENCY LATCH TRIPPED: "+reason)
	return g.persistLatch(ctx, reason)
}

// ClearEmergency releases the latch. Operator-initiated only.
func (g *Guard) ClearEmergency(ctx context.Context) error {
	g.mu.Lock()
	g.halted = false
	g.haltReason = ""
	g.mu.Unlock()
	if g.store == nil {
		return nil
	}
	return g.store.Delete(ctx, emergencyKey)
}

func (g *Guard) Halted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.halted
}

func (g *Guard) loadLatch(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	raw, ok, err := g.store.Get(ctx, emergencyKey)
	if err != nil {
		return fmt.Errorf("load emergency latch: %w", err)
	}
	if !ok {
		return nil
	}
	var rec emergencyRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return fmt.Errorf("decode emergency latch: %w", err)
	}
	g.mu.Lock()
	g.halted = true
	g.haltReason = rec.Reason
	g.mu.Unlock()
	g.log.Warn("emergency latch restored from state",
		zap.String("reason", rec.Reason), zap.Time("tripped_at", rec.Tripped))
	return nil
}

func (g *Guard) persistLatch(ctx context.Context, reason string) error {
	if g.store == nil {
		return nil
	}
	raw, err := json.Marshal(emergencyRecord{Reason: reason, Tripped: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := g.store.Set(ctx, emergencyKey, string(raw)); err != nil {
		return fmt.Errorf("persist emergency latch: %w", err)
	}
	return nil
}

// venueExposure sums the venue's signed position size for the symbol.
func (g *Guard) venueExposure(ctx context.Context, ref VenueRef) (float64, error) {
	positions, err := ref.Venue.Positions(ctx)
	if err != nil {
		return 0, err
	}
	var size float64
	for _, p := range positions {
		if p.Symbol == ref.Symbol {
			size += p.Size
		}
	}
	return size, nil
}

func (g *Guard) notify(ctx context.Context, message string) {
	if err := g.notifier.Send(ctx, message); err != nil {
		g.log.Warn("alert delivery failed", zap.Error(err))
	}
}
