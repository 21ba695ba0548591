package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cv-hedge-bot/internal/state"
	"cv-hedge-bot/internal/venue"

	"go.uber.org/zap"
)

const (
	defaultAttempts = 3
	initialBackoff  = 200 * time.Millisecond
)

// Executor wraps a venue with bounded retries and idempotent placement.
// Orders carrying a client order id are deduplicated through the kv store,
// so a crash between placement and persistence cannot double-submit after
// restart.
type Executor struct {
	venue    venue.Venue
	store    state.Store
	log      *zap.Logger
	attempts int

	mu    sync.Mutex
	cache map[string]venue.Ack
}

func New(v venue.Venue, store state.Store, log *zap.Logger) *Executor {
	return &Executor{
		venue:    v,
		store:    store,
		log:      log,
		attempts: defaultAttempts,
		cache:    make(map[string]venue.Ack),
	}
}

func (e *Executor) PlaceOrder(ctx context.Context, order venue.Order) (venue.Ack, error) {
	if order.ClientOrderID == "" {
		return e.placeWithRetry(ctx, order)
	}
	cacheKey := "cloid:" + e.venue.Info().Name + ":" + order.ClientOrderID
	e.mu.Lock()
	if ack, ok := e.cache[cacheKey]; ok {
		e.mu.Unlock()
		return ack, nil
	}
	e.mu.Unlock()
	if e.store != nil {
		if raw, ok, err := e.store.Get(ctx, cacheKey); err != nil {
			return venue.Ack{}, err
		} else if ok {
			var ack venue.Ack
			if err := json.Unmarshal([]byte(raw), &ack); err != nil {
				return venue.Ack{}, fmt.Errorf("corrupt cached ack for %s: %w", cacheKey, err)
			}
			e.mu.Lock()
			e.cache[cacheKey] = ack
			e.mu.Unlock()
			return ack, nil
		}
	}
	ack, err := e.placeWithRetry(ctx, order)
	if err != nil {
		return venue.Ack{}, err
	}
	if e.store != nil {
		payload, err := json.Marshal(ack)
		if err == nil {
			err = e.store.Set(ctx, cacheKey, string(payload))
		}
		if err != nil {
			e.log.Warn("failed to persist order ack", zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[cacheKey] = ack
	e.mu.Unlock()
	return ack, nil
}

func (e *Executor) CancelOrder(ctx context.Context, orderID string) error {
	if orderID == "" {
		return errors.New("order id is required")
	}
	return e.retry(ctx, func() error {
		return e.venue.CancelOrder(ctx, orderID)
	})
}

func (e *Executor) CancelAllOrders(ctx context.Context, symbol string) error {
	return e.retry(ctx, func() error {
		return e.venue.CancelAllOrders(ctx, symbol)
	})
}

func (e *Executor) placeWithRetry(ctx context.Context, order venue.Order) (venue.Ack, error) {
	var ack venue.Ack
	err := e.retry(ctx, func() error {
		var err error
		ack, err = e.venue.PlaceOrder(ctx, order)
		return err
	})
	if err != nil {
		return venue.Ack{}, err
	}
	if ack.OrderID == "" {
		return venue.Ack{}, errors.New("empty order id")
	}
	return ack, nil
}

// retry runs fn up to the attempt limit with doubling backoff. Exhaustion
// returns the last error so the caller can route to its failure state;
// retries never loop unboundedly.
func (e *Executor) retry(ctx context.Context, fn func() error) error {
	backoff := initialBackoff
	var lastErr error
	for attempt := 0; attempt < e.attempts; attempt++ {
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if attempt == e.attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return fmt.Errorf("retry failed after %d attempts: %w", e.attempts, lastErr)
}
