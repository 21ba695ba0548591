package app

import (
	"context"
	"testing"

	"cv-hedge-bot/internal/config"
	"cv-hedge-bot/internal/exec"
	"cv-hedge-bot/internal/hedge"
	"cv-hedge-bot/internal/router"
	"cv-hedge-bot/internal/sizing"
	"cv-hedge-bot/internal/threshold"
	"cv-hedge-bot/internal/venue"

	"go.uber.org/zap"
)

type stubVenue struct {
	info venue.Info
}

func (s *stubVenue) Info() venue.Info { return s.info }

func (s *stubVenue) TopOfBook(ctx context.Context, symbol string) (venue.TopOfBook, error) {
	return venue.TopOfBook{}, nil
}

func (s *stubVenue) Depth(ctx context.Context, symbol string, side venue.Side, limit int) ([]venue.DepthLevel, error) {
	return nil, nil
}

func (s *stubVenue) PlaceOrder(ctx context.Context, order venue.Order) (venue.Ack, error) {
	return venue.Ack{}, nil
}

func (s *stubVenue) CancelOrder(ctx context.Context, orderID string) error { return nil }

func (s *stubVenue) CancelAllOrders(ctx context.Context, symbol string) error { return nil }

func (s *stubVenue) OpenOrders(ctx context.Context, symbol string) ([]venue.OpenOrder, error) {
	return nil, nil
}

func (s *stubVenue) Positions(ctx context.Context) ([]venue.Position, error) { return nil, nil }

func (s *stubVenue) Balance(ctx context.Context) (venue.Balance, error) {
	return venue.Balance{}, nil
}

func newSnapshotApp(t *testing.T, store *memoryStore) *App {
	t.Helper()
	log := zap.NewNop()
	sizer, err := sizing.New(sizing.Config{Ladder: []float64{100, 200, 400}})
	if err != nil {
		t.Fatalf("sizing: %v", err)
	}
	newLeg := func(name string) hedge.Leg {
		v := &stubVenue{info: venue.Info{Name: name, TickSize: 0.01, LotSize: 0.001}}
		return hedge.Leg{
			Venue:  v,
			Router: router.New(v, exec.New(v, nil, log), log),
			Symbol: "BTC-PERP",
		}
	}
	controller, err := hedge.New(hedge.Config{}, newLeg("alpha"), newLeg("beta"), hedge.Deps{Sizer: sizer})
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	return &App{
		cfg:        &config.Config{},
		log:        log,
		store:      store,
		sizer:      sizer,
		controller: controller,
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := &memoryStore{data: make(map[string]string)}
	ctx := context.Background()

	first := newSnapshotApp(t, store)
	first.sizer.Restore(2, 1, 0)
	first.controller.SetDirection(hedge.DirectionPrimaryShort)
	first.persistSnapshot(ctx)

	second := newSnapshotApp(t, store)
	second.restoreSnapshot(ctx)
	if got := second.sizer.Phase(); got != 2 {
		t.Fatalf("expected phase 2, got %d", got)
	}
	if got := second.sizer.Successes(); got != 1 {
		t.Fatalf("expected 1 success, got %d", got)
	}
	if got := second.controller.Direction(); got != hedge.DirectionPrimaryShort {
		t.Fatalf("expected restored direction, got %s", got)
	}
}

func TestRestoreSnapshotMissingKeepsDefaults(t *testing.T) {
	store := &memoryStore{data: make(map[string]string)}
	app := newSnapshotApp(t, store)
	app.restoreSnapshot(context.Background())
	if got := app.sizer.Phase(); got != 0 {
		t.Fatalf("expected phase 0 without a snapshot, got %d", got)
	}
	if got := app.controller.Direction(); got != hedge.DirectionPrimaryLong {
		t.Fatalf("expected default direction, got %s", got)
	}
}

func TestRegimeStateMapping(t *testing.T) {
	cases := map[string]threshold.SpreadState{
		"stable":    threshold.SpreadStable,
		"widening":  threshold.SpreadWidening,
		"narrowing": threshold.SpreadNarrowing,
		"unknown":   threshold.SpreadStable,
	}
	for name, want := range cases {
		if got := regimeState(name); got != want {
			t.Fatalf("regime %s: expected %s, got %s", name, want, got)
		}
	}
}
