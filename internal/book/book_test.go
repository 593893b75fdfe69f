package book

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"venueflow/internal/stream"
	"venueflow/logger"
	"venueflow/models"
)

func levels(pairs ...float64) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, models.PriceLevel{Price: pairs[i], Quantity: pairs[i+1]})
	}
	return out
}

func TestSnapshotThenDeltaThenStale(t *testing.T) {
	b := New("binance", "BTCUSDT", 0.5, logger.Logger())

	b.ApplySnapshot(models.BookSnapshot{
		Bids:     levels(100, 1),
		Asks:     levels(101, 1),
		UpdateID: 10,
	})
	if bid, ok := b.BestBid(); !ok || bid.Price != 100 {
		t.Fatalf("best bid = %v %v, want 100", bid, ok)
	}

	// Quantity 0 removes the only bid level.
	if !b.ApplyDelta(models.BookDelta{Bids: levels(100, 0), UpdateID: 11}) {
		t.Fatalf("fresh delta rejected")
	}
	if _, ok := b.BestBid(); ok {
		t.Fatalf("bid side should be empty after removal")
	}
	if ask, ok := b.BestAsk(); !ok || ask.Price != 101 {
		t.Fatalf("ask side disturbed: %v %v", ask, ok)
	}

	// A stale delta leaves the book untouched.
	if b.ApplyDelta(models.BookDelta{Bids: levels(99, 5), UpdateID: 5}) {
		t.Fatalf("stale delta applied")
	}
	if _, ok := b.BestBid(); ok {
		t.Fatalf("stale delta mutated the book")
	}
	if got := b.LastUpdateID(); got != 11 {
		t.Fatalf("last update id = %d, want 11", got)
	}
	if got := b.StaleDeltas(); got != 1 {
		t.Fatalf("stale count = %d, want 1", got)
	}
}

func TestDeltaEqualUpdateIDIsStale(t *testing.T) {
	b := New("binance", "BTCUSDT", 0, logger.Logger())
	b.ApplySnapshot(models.BookSnapshot{Bids: levels(100, 1), UpdateID: 10})
	if b.ApplyDelta(models.BookDelta{Bids: levels(100, 7), UpdateID: 10}) {
		t.Fatalf("delta with equal update id applied")
	}
	if bid, _ := b.BestBid(); bid.Quantity != 1 {
		t.Fatalf("equal update id mutated the book: %v", bid)
	}
}

func TestSnapshotResetsBookAndUpdateID(t *testing.T) {
	b := New("binance", "BTCUSDT", 0, logger.Logger())
	b.ApplySnapshot(models.BookSnapshot{Bids: levels(100, 1, 99, 2), Asks: levels(101, 1), UpdateID: 50})
	b.ApplySnapshot(models.BookSnapshot{Bids: levels(200, 3), Asks: levels(201, 4), UpdateID: 7})

	if bid, _ := b.BestBid(); bid.Price != 200 || bid.Quantity != 3 {
		t.Fatalf("snapshot did not replace bids: %v", bid)
	}
	if got := b.LastUpdateID(); got != 7 {
		t.Fatalf("snapshot did not reset update id: %d", got)
	}
	// The update id counter restarts with the new snapshot stream.
	if !b.ApplyDelta(models.BookDelta{Asks: levels(201, 0), UpdateID: 8}) {
		t.Fatalf("delta after snapshot reset rejected")
	}
}

func TestSidesStaySorted(t *testing.T) {
	b := New("binance", "BTCUSDT", 0, logger.Logger())
	b.ApplySnapshot(models.BookSnapshot{
		Bids:     levels(100, 1, 102, 2, 101, 3),
		Asks:     levels(105, 1, 103, 2, 104, 3),
		UpdateID: 1,
	})
	b.ApplyDelta(models.BookDelta{Bids: levels(101.5, 4), Asks: levels(103.5, 5), UpdateID: 2})

	bids, asks := b.TopLevels(10)
	for i := 1; i < len(bids); i++ {
		if bids[i].Price >= bids[i-1].Price {
			t.Fatalf("bids not descending: %v", bids)
		}
	}
	for i := 1; i < len(asks); i++ {
		if asks[i].Price <= asks[i-1].Price {
			t.Fatalf("asks not ascending: %v", asks)
		}
	}
	bid, _ := b.BestBid()
	ask, _ := b.BestAsk()
	if bid.Price >= ask.Price {
		t.Fatalf("crossed book: bid %v ask %v", bid.Price, ask.Price)
	}
}

func TestDerivedQueries(t *testing.T) {
	b := New("binance", "BTCUSDT", 0, logger.Logger())
	b.ApplySnapshot(models.BookSnapshot{
		Bids:     levels(100, 2, 99, 4),
		Asks:     levels(102, 1, 103, 3),
		UpdateID: 1,
	})

	if spread, ok := b.Spread(); !ok || spread != 2 {
		t.Fatalf("spread = %v %v, want 2", spread, ok)
	}
	if mid, ok := b.MidPrice(); !ok || mid != 101 {
		t.Fatalf("mid = %v %v, want 101", mid, ok)
	}
	// (100*2 + 99*4) / 6
	if vwap, ok := b.VWAP(Bid, 2); !ok || vwap != (100*2+99*4)/6.0 {
		t.Fatalf("bid vwap = %v %v", vwap, ok)
	}
	if vwap, ok := b.VWAP(Ask, 1); !ok || vwap != 102 {
		t.Fatalf("top ask vwap = %v %v", vwap, ok)
	}
	// bid qty 6 vs ask qty 4 over the top 2 levels.
	if imb, ok := b.Imbalance(2); !ok || imb != 0.6 {
		t.Fatalf("imbalance = %v %v, want 0.6", imb, ok)
	}

	empty := New("binance", "ETHUSDT", 0, logger.Logger())
	if _, ok := empty.Spread(); ok {
		t.Fatalf("spread on empty book reported ok")
	}
	if _, ok := empty.VWAP(Bid, 3); ok {
		t.Fatalf("vwap on empty book reported ok")
	}
	if _, ok := empty.Imbalance(3); ok {
		t.Fatalf("imbalance on empty book reported ok")
	}
}

func TestSpreadChangeNotification(t *testing.T) {
	b := New("binance", "BTCUSDT", 1.0, logger.Logger())
	b.ApplySnapshot(models.BookSnapshot{Bids: levels(100, 1), Asks: levels(102, 1), UpdateID: 1})

	// First spread always notifies.
	select {
	case change := <-b.SpreadChanges():
		if change.Spread != 2 {
			t.Fatalf("spread = %v, want 2", change.Spread)
		}
	default:
		t.Fatalf("initial spread not notified")
	}

	// Within threshold: silent.
	b.ApplyDelta(models.BookDelta{Asks: levels(102, 0, 102.5, 1), UpdateID: 2})
	select {
	case change := <-b.SpreadChanges():
		t.Fatalf("sub-threshold move notified: %+v", change)
	default:
	}

	// Beyond threshold: notified with the previous emitted value.
	b.ApplyDelta(models.BookDelta{Asks: levels(102.5, 0, 105, 1), UpdateID: 3})
	select {
	case change := <-b.SpreadChanges():
		if change.Spread != 5 || change.Previous != 2 {
			t.Fatalf("change = %+v, want spread 5 previous 2", change)
		}
	default:
		t.Fatalf("threshold-crossing move not notified")
	}
}

type jsonDecoder struct{}

func (jsonDecoder) DecodeBook(payload []byte) (Update, error) {
	var raw struct {
		Type     string              `json:"type"`
		Bids     []models.PriceLevel `json:"bids"`
		Asks     []models.PriceLevel `json:"asks"`
		UpdateID int64               `json:"updateId"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Update{}, err
	}
	if raw.Type == "snapshot" {
		return Update{Snapshot: &models.BookSnapshot{Bids: raw.Bids, Asks: raw.Asks, UpdateID: raw.UpdateID}}, nil
	}
	return Update{Delta: &models.BookDelta{Bids: raw.Bids, Asks: raw.Asks, UpdateID: raw.UpdateID}}, nil
}

func TestFeedAppliesStreamMessages(t *testing.T) {
	b := New("binance", "BTCUSDT", 0, logger.Logger())
	msgs := make(chan stream.Message, 8)
	feed := NewFeed(b, msgs, jsonDecoder{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := feed.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := feed.Start(ctx); err == nil {
		t.Fatalf("second start succeeded")
	}

	msgs <- stream.Message{Payload: []byte(`{"type":"snapshot","bids":[{"price":100,"quantity":1}],"asks":[{"price":101,"quantity":1}],"updateId":10}`)}
	msgs <- stream.Message{Payload: []byte(`{"type":"delta","bids":[{"price":100,"quantity":0}],"updateId":11}`)}
	msgs <- stream.Message{Payload: []byte(`{"type":"delta","bids":[{"price":99,"quantity":5}],"updateId":5}`)}
	msgs <- stream.Message{Payload: []byte(`not json`)}

	deadline := time.Now().Add(2 * time.Second)
	for b.LastUpdateID() != 11 || b.StaleDeltas() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("feed did not apply messages: id=%d stale=%d", b.LastUpdateID(), b.StaleDeltas())
		}
		time.Sleep(time.Millisecond)
	}
	if _, ok := b.BestBid(); ok {
		t.Fatalf("bid side should be empty")
	}

	close(msgs)
	feed.Stop()
}
