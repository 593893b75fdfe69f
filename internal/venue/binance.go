package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"

	"venueflow/internal/book"
	"venueflow/internal/stream"
	"venueflow/logger"
	"venueflow/models"
)

// Binance wraps the futures SDK for the calls the runtime needs outside
// the generic REST surface: book bootstrap snapshots and rate-limit
// discovery.
type Binance struct {
	client *futures.Client
	log    *logger.Entry
}

func NewBinance(restURL string, log *logger.Log) *Binance {
	client := futures.NewClient("", "")
	if restURL != "" {
		client.SetApiEndpoint(restURL)
	}
	return &Binance{client: client, log: log.WithComponent("binance_venue")}
}

// DepthSnapshot fetches the REST order book used to seed a maintained
// book before stream deltas are applied.
func (b *Binance) DepthSnapshot(ctx context.Context, symbol string, limit int) (models.BookSnapshot, error) {
	res, err := b.client.NewDepthService().
		Symbol(symbol).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return models.BookSnapshot{}, err
	}

	snap := models.BookSnapshot{
		Exchange:  "binance",
		Symbol:    symbol,
		UpdateID:  res.LastUpdateID,
		Timestamp: time.Now().UTC(),
	}
	for _, lvl := range res.Bids {
		level, err := parseLevel(lvl.Price, lvl.Quantity)
		if err != nil {
			return models.BookSnapshot{}, err
		}
		snap.Bids = append(snap.Bids, level)
	}
	for _, lvl := range res.Asks {
		level, err := parseLevel(lvl.Price, lvl.Quantity)
		if err != nil {
			return models.BookSnapshot{}, err
		}
		snap.Asks = append(snap.Asks, level)
	}
	return snap, nil
}

// RequestWeightLimit queries exchangeInfo for the REQUEST_WEIGHT per
// minute limit, used to size the public-data bucket. Returns 0 when the
// venue does not advertise one.
func (b *Binance) RequestWeightLimit(ctx context.Context) (int64, error) {
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return 0, err
	}
	for _, rl := range info.RateLimits {
		if rl.RateLimitType == "REQUEST_WEIGHT" && rl.Interval == "MINUTE" {
			return rl.Limit, nil
		}
	}
	return 0, nil
}

// BinanceProtocol speaks the combined-stream subscribe dialect. Channel
// is the stream suffix, e.g. "depth@100ms"; the routing key for inbound
// depth events is Channel + ":" + symbol.
type BinanceProtocol struct {
	Channel string
	reqID   int64
}

func (p *BinanceProtocol) SubscribeFrame(sub stream.Subscription) ([]byte, error) {
	return json.Marshal(struct {
		Method string   `json:"method"`
		Params []string `json:"params"`
		ID     int64    `json:"id"`
	}{
		Method: "SUBSCRIBE",
		Params: []string{strings.ToLower(sub.Instrument) + "@" + sub.Channel},
		ID:     atomic.AddInt64(&p.reqID, 1),
	})
}

func (p *BinanceProtocol) UnsubscribeFrame(sub stream.Subscription) ([]byte, error) {
	return json.Marshal(struct {
		Method string   `json:"method"`
		Params []string `json:"params"`
		ID     int64    `json:"id"`
	}{
		Method: "UNSUBSCRIBE",
		Params: []string{strings.ToLower(sub.Instrument) + "@" + sub.Channel},
		ID:     atomic.AddInt64(&p.reqID, 1),
	})
}

func (p *BinanceProtocol) Classify(raw []byte) stream.Frame {
	var frame struct {
		Event  string `json:"e"`
		Symbol string `json:"s"`
		ID     int64  `json:"id"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return stream.Frame{Kind: stream.FrameIgnore}
	}
	switch {
	case frame.Event == "depthUpdate":
		key := p.Channel + ":" + frame.Symbol
		return stream.Frame{Kind: stream.FrameData, Key: key, Payload: raw}
	case frame.ID != 0:
		// Subscribe replies echo the request id without the topic.
		return stream.Frame{Kind: stream.FrameAck}
	default:
		return stream.Frame{Kind: stream.FrameIgnore}
	}
}

// BinanceDepthDecoder decodes depth stream events into book deltas.
type BinanceDepthDecoder struct{}

func (BinanceDepthDecoder) DecodeBook(payload []byte) (book.Update, error) {
	var event futures.WsDepthEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return book.Update{}, err
	}
	if event.Event != "depthUpdate" {
		return book.Update{}, fmt.Errorf("unexpected event type %q", event.Event)
	}

	delta := &models.BookDelta{
		Exchange:  "binance",
		Symbol:    event.Symbol,
		UpdateID:  event.LastUpdateID,
		Timestamp: time.UnixMilli(event.Time),
	}
	for _, lvl := range event.Bids {
		level, err := parseLevel(lvl.Price, lvl.Quantity)
		if err != nil {
			return book.Update{}, err
		}
		delta.Bids = append(delta.Bids, level)
	}
	for _, lvl := range event.Asks {
		level, err := parseLevel(lvl.Price, lvl.Quantity)
		if err != nil {
			return book.Update{}, err
		}
		delta.Asks = append(delta.Asks, level)
	}
	return book.Update{Delta: delta}, nil
}

func parseLevel(price, quantity string) (models.PriceLevel, error) {
	p, err := strconv.ParseFloat(price, 64)
	if err != nil {
		return models.PriceLevel{}, fmt.Errorf("bad price %q: %w", price, err)
	}
	q, err := strconv.ParseFloat(quantity, 64)
	if err != nil {
		return models.PriceLevel{}, fmt.Errorf("bad quantity %q: %w", quantity, err)
	}
	return models.PriceLevel{Price: p, Quantity: q}, nil
}
