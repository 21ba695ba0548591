package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"cv-hedge-bot/internal/alerts"
	"cv-hedge-bot/internal/book"
	"cv-hedge-bot/internal/config"
	"cv-hedge-bot/internal/exec"
	"cv-hedge-bot/internal/hedge"
	"cv-hedge-bot/internal/metrics"
	"cv-hedge-bot/internal/records"
	"cv-hedge-bot/internal/router"
	"cv-hedge-bot/internal/safety"
	"cv-hedge-bot/internal/sizing"
	"cv-hedge-bot/internal/state"
	"cv-hedge-bot/internal/state/sqlite"
	"cv-hedge-bot/internal/threshold"
	"cv-hedge-bot/internal/venue"

	"go.uber.org/zap"
)

// App owns the wiring: venues, feeds, controller, guard, persistence,
// and the outer cycle loop.
type App struct {
	cfg         *config.Config
	log         *zap.Logger
	store       state.Store
	journal     *state.CycleJournal
	primary     legWiring
	hedgeLeg    legWiring
	sizer       *sizing.Manager
	controller  *hedge.Controller
	guard       *safety.Guard
	writer      *records.Writer
	prom        *metrics.Prometheus
	alertClient *alerts.Telegram

	opsMu          sync.RWMutex
	paused         bool
	operatorWarned bool
}

type legWiring struct {
	venue *venue.RESTVenue
	feed  *venue.Feed
	cfg   config.VenueConfig
}

// guardRef breaks the construction cycle between the controller (which
// needs a guard) and the guard (which reads the controller's position).
type guardRef struct {
	g *safety.Guard
}

func (r *guardRef) PreTradeCheck(ctx context.Context) error { return r.g.PreTradeCheck(ctx) }
func (r *guardRef) Reconcile(ctx context.Context) error     { return r.g.Reconcile(ctx) }
func (r *guardRef) TripEmergency(ctx context.Context, reason string) error {
	return r.g.TripEmergency(ctx, reason)
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}

	var m *metrics.Metrics
	var prom *metrics.Prometheus
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	} else {
		m = metrics.NewNoop()
	}

	alertClient := alerts.NewTelegram(cfg.Telegram, log)

	writer, err := records.New(cfg.Records, log)
	if err != nil {
		return nil, err
	}

	sizer, err := sizing.New(sizing.Config{
		Ladder:         cfg.Sizing.LadderUSD,
		AdvanceAfter:   cfg.Sizing.AdvanceAfter,
		DowngradeAfter: cfg.Sizing.DowngradeAfter,
	})
	if err != nil {
		return nil, err
	}

	primary := buildLeg(cfg.Primary, log)
	hedgeLeg := buildLeg(cfg.Hedge, log)
	journal := state.NewCycleJournal(store, cfg.State.JournalLimit)

	ref := &guardRef{}
	controller, err := hedge.New(
		hedge.Config{
			MaxSlippageBps:    cfg.Routing.MaxSlippageBps,
			MaxIterations:     cfg.Routing.MaxIterations,
			EntryTimeout:      cfg.Cycle.EntryTimeout,
			EntryPollInterval: cfg.Cycle.EntryPollInterval,
			HoldPollInterval:  cfg.Cycle.HoldPollInterval,
			MaxHoldDuration:   cfg.Cycle.MaxHoldDuration,
			ImbalanceTarget:   cfg.Cycle.ImbalanceTarget,
		},
		hedge.Leg{
			Venue:  primary.venue,
			Router: router.New(primary.venue, exec.New(primary.venue, store, log), log),
			Symbol: cfg.Primary.Symbol,
		},
		hedge.Leg{
			Venue:  hedgeLeg.venue,
			Router: router.New(hedgeLeg.venue, exec.New(hedgeLeg.venue, store, log), log),
			Symbol: cfg.Hedge.Symbol,
		},
		hedge.Deps{
			Thresholds: buildThresholds(cfg.Thresholds),
			Sizer:      sizer,
			Analyzer:   book.NewAnalyzer(cfg.Routing.DepthLimit),
			Guard:      ref,
			Recorder:   &recorder{journal: journal, writer: writer, log: log},
			Notifier:   alertClient,
			Metrics:    m,
			Log:        log,
		},
	)
	if err != nil {
		return nil, err
	}

	guard, err := safety.NewGuard(
		safety.Config{
			FlatEpsilon:       cfg.Safety.FlatEpsilon,
			MinAvailableUSD:   cfg.Safety.MinAvailableUSD,
			MaxMarginRatio:    cfg.Safety.MaxMarginRatio,
			ReconcileInterval: cfg.Safety.ReconcileInterval,
		},
		safety.VenueRef{Venue: primary.venue, Symbol: cfg.Primary.Symbol},
		safety.VenueRef{Venue: hedgeLeg.venue, Symbol: cfg.Hedge.Symbol},
		controller, store, alertClient, m, log,
	)
	if err != nil {
		return nil, err
	}
	ref.g = guard

	return &App{
		cfg:         cfg,
		log:         log,
		store:       store,
		journal:     journal,
		primary:     primary,
		hedgeLeg:    hedgeLeg,
		sizer:       sizer,
		controller:  controller,
		guard:       guard,
		writer:      writer,
		prom:        prom,
		alertClient: alertClient,
	}, nil
}

func buildLeg(cfg config.VenueConfig, log *zap.Logger) legWiring {
	info := venue.Info{
		Name:         cfg.Name,
		TickSize:     cfg.TickSize,
		LotSize:      cfg.LotSize,
		MinOrderSize: cfg.MinOrderSize,
		MakerFeeBps:  cfg.MakerFeeBps,
		TakerFeeBps:  cfg.TakerFeeBps,
	}
	v := venue.NewREST(info, cfg.BaseURL, cfg.APIKey, cfg.Timeout, log)
	var feed *venue.Feed
	if cfg.WSURL != "" {
		feed = venue.NewFeed(cfg.WSURL, cfg.ReconnectDelay, cfg.PingInterval, log)
		v.AttachFeed(feed)
	}
	return legWiring{venue: v, feed: feed, cfg: cfg}
}

func buildThresholds(cfg config.ThresholdConfig) *threshold.Engine {
	table := threshold.DefaultTable()
	for regime, bps := range cfg.Entry {
		table.Entry[regimeState(regime)] = bps
	}
	for regime, bands := range cfg.Exit {
		table.Exit[regimeState(regime)] = threshold.ExitBands{
			ProfitBps:    bands.ProfitBps,
			QuickExitBps: bands.QuickExitBps,
			StopLossBps:  bands.StopLossBps,
		}
	}
	return threshold.New(table, cfg.Window, cfg.MinTrendBps, cfg.SpreadToleranceBps)
}

func regimeState(name string) threshold.SpreadState {
	switch name {
	case "widening":
		return threshold.SpreadWidening
	case "narrowing":
		return threshold.SpreadNarrowing
	default:
		return threshold.SpreadStable
	}
}

// recorder fans terminal events out to the local journal and, when
// configured, the external database.
type recorder struct {
	journal *state.CycleJournal
	writer  *records.Writer
	log     *zap.Logger
}

func (r *recorder) RecordFill(fill hedge.FillRecord) {
	r.writer.RecordFill(fill)
}

func (r *recorder) RecordCycle(cycle hedge.CycleRecord) {
	r.writer.RecordCycle(cycle)
	entry := state.CycleEntry{
		Time:        cycle.Time,
		CycleID:     cycle.CycleID,
		Direction:   string(cycle.Direction),
		Outcome:     string(cycle.Outcome),
		NotionalUSD: cycle.Notional,
		GrossPnlUSD: cycle.GrossPnlUSD,
		NetPnlUSD:   cycle.NetPnlUSD,
		HoldSeconds: cycle.HoldSeconds,
	}
	if err := r.journal.Append(context.Background(), entry); err != nil {
		r.log.Warn("cycle journal append failed", zap.Error(err))
	}
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.writer.Close()

	a.restoreSnapshot(ctx)
	if err := a.guard.EnsureCleanStart(ctx); err != nil {
		return err
	}
	a.startFeeds(ctx)
	a.writer.Start(ctx)
	go a.guard.RunPeriodic(ctx)
	a.startOperator(ctx)
	stopMetrics := a.startMetricsServer(ctx)
	defer stopMetrics()

	a.log.Info("engine started",
		zap.String("primary", a.cfg.Primary.Name),
		zap.String("hedge", a.cfg.Hedge.Name),
		zap.Float64("phase_notional", a.sizer.PhaseNotional()))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if a.isPaused() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.cfg.Cycle.CyclePause):
			}
			continue
		}
		outcome, err := a.controller.RunCycle(ctx)
		switch {
		case errors.Is(err, context.Canceled):
			return err
		case errors.Is(err, safety.ErrEmergencyHalted):
			a.log.Error("trading halted, operator intervention required", zap.Error(err))
		case err != nil:
			a.log.Warn("cycle ended with error", zap.Error(err))
		default:
			a.log.Info("cycle completed", zap.String("outcome", string(outcome)))
		}
		a.persistSnapshot(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.cfg.Cycle.CyclePause):
		}
	}
}

func (a *App) restoreSnapshot(ctx context.Context) {
	snapshot, ok, err := state.LoadEngineSnapshot(ctx, a.store)
	if err != nil {
		a.log.Warn("engine snapshot load failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	a.sizer.Restore(snapshot.SizingPhase, snapshot.Successes, snapshot.Failures)
	a.controller.SetDirection(hedge.Direction(snapshot.Direction))
	a.log.Info("engine state restored",
		zap.Int("sizing_phase", snapshot.SizingPhase),
		zap.String("direction", snapshot.Direction))
}

func (a *App) persistSnapshot(ctx context.Context) {
	snapshot := state.EngineSnapshot{
		Direction:   string(a.controller.Direction()),
		SizingPhase: a.sizer.Phase(),
		Successes:   a.sizer.Successes(),
		Failures:    a.sizer.Failures(),
		UpdatedAtMS: time.Now().UnixMilli(),
	}
	if err := state.SaveEngineSnapshot(ctx, a.store, snapshot); err != nil {
		a.log.Warn("engine snapshot save failed", zap.Error(err))
	}
}

func (a *App) startFeeds(ctx context.Context) {
	for _, leg := range []legWiring{a.primary, a.hedgeLeg} {
		if leg.feed == nil {
			continue
		}
		feed, symbol := leg.feed, leg.cfg.Symbol
		if err := feed.Connect(ctx); err != nil {
			a.log.Warn("initial feed connect failed", zap.String("symbol", symbol), zap.Error(err))
		}
		// The subscription is recorded even when the write fails, so the
		// run loop replays it after reconnecting.
		if err := feed.SubscribeTop(ctx, symbol); err != nil {
			a.log.Warn("feed subscribe failed", zap.String("symbol", symbol), zap.Error(err))
		}
		go func() {
			if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
				a.log.Warn("feed stopped", zap.String("symbol", symbol), zap.Error(err))
			}
		}()
	}
}

func (a *App) startMetricsServer(ctx context.Context) func() {
	if a.prom == nil {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	server := &http.Server{Addr: a.cfg.Metrics.Address, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	a.log.Info("metrics server listening",
		zap.String("address", a.cfg.Metrics.Address), zap.String("path", a.cfg.Metrics.Path))
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
}
