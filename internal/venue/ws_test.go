package venue

import (
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestFeedHandleMessageCachesQuote(t *testing.T) {
	feed := NewFeed("ws://unused", time.Second, 0, zap.NewNop())
	feed.handleMessage([]byte(`{"channel":"bbo","symbol":"BTC-PERP","bid_price":100,"bid_size":2,"ask_price":100.2,"ask_size":1,"time_ms":` +
		timeMSNow() + `}`))

	top, ok := feed.Top("BTC-PERP")
	if !ok {
		t.Fatalf("expected cached quote")
	}
	if top.BidPrice != 100 || top.AskPrice != 100.2 {
		t.Fatalf("unexpected quote: %+v", top)
	}
}

func TestFeedIgnoresOtherChannels(t *testing.T) {
	feed := NewFeed("ws://unused", time.Second, 0, zap.NewNop())
	feed.handleMessage([]byte(`{"channel":"trades","symbol":"BTC-PERP","bid_price":1}`))
	if _, ok := feed.Top("BTC-PERP"); ok {
		t.Fatalf("non-bbo messages must not populate the cache")
	}
}

func TestFeedTopRejectsStaleQuote(t *testing.T) {
	feed := NewFeed("ws://unused", time.Second, 0, zap.NewNop())
	feed.mu.Lock()
	feed.tops["BTC-PERP"] = TopOfBook{BidPrice: 100, AskPrice: 100.2, Time: time.Now().Add(-time.Minute)}
	feed.mu.Unlock()
	if _, ok := feed.Top("BTC-PERP"); ok {
		t.Fatalf("stale quote must not be served")
	}
}

func timeMSNow() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}
