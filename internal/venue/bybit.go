package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"

	appconfig "venueflow/config"
	"venueflow/internal/book"
	"venueflow/internal/stream"
	"venueflow/logger"
	"venueflow/models"
)

// Bybit wraps the v5 SDK for order book snapshots.
type Bybit struct {
	client *bybit.Client
	log    *logger.Entry
}

func NewBybit(cfg appconfig.VenueConfig, log *logger.Log) *Bybit {
	transport := &http.Transport{
		MaxIdleConns:        cfg.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.ConnectionPool.IdleConnTimeout,
		DisableCompression:  false,
	}
	httpClient := &http.Client{Transport: transport, Timeout: cfg.Timeout}

	base := cfg.RestURL
	if parsed, err := url.Parse(cfg.RestURL); err == nil && parsed.Host != "" {
		base = fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	}

	client := bybit.NewBybitHttpClient(cfg.APIKey, cfg.APISecret, bybit.WithBaseURL(base))
	client.HTTPClient = httpClient

	return &Bybit{client: client, log: log.WithComponent("bybit_venue")}
}

type bybitOrderBookResult struct {
	Symbol   string     `json:"s"`
	Bids     [][]string `json:"b"`
	Asks     [][]string `json:"a"`
	UpdateID int64      `json:"u"`
	Ts       int64      `json:"ts"`
}

// DepthSnapshot fetches the linear order book used to seed a maintained
// book.
func (b *Bybit) DepthSnapshot(ctx context.Context, symbol string, limit int) (models.BookSnapshot, error) {
	params := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
		"limit":    limit,
	}
	resp, err := b.client.NewUtaBybitServiceWithParams(params).GetOrderBookInfo(ctx)
	if err != nil {
		return models.BookSnapshot{}, err
	}

	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return models.BookSnapshot{}, err
	}
	var result bybitOrderBookResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return models.BookSnapshot{}, err
	}

	snap := models.BookSnapshot{
		Exchange:  "bybit",
		Symbol:    symbol,
		UpdateID:  result.UpdateID,
		Timestamp: time.UnixMilli(result.Ts),
	}
	if snap.Bids, err = parseLevels(result.Bids); err != nil {
		return models.BookSnapshot{}, err
	}
	if snap.Asks, err = parseLevels(result.Asks); err != nil {
		return models.BookSnapshot{}, err
	}
	return snap, nil
}

func parseLevels(raw [][]string) ([]models.PriceLevel, error) {
	levels := make([]models.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			return nil, fmt.Errorf("malformed level %v", pair)
		}
		level, err := parseLevel(pair[0], pair[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, level)
	}
	return levels, nil
}

// BybitProtocol speaks the v5 public stream dialect: topics are
// Channel + "." + instrument, acks do not echo the topic.
type BybitProtocol struct{}

type bybitOp struct {
	Op    string   `json:"op"`
	Args  []string `json:"args,omitempty"`
	ReqID string   `json:"req_id,omitempty"`
}

func (BybitProtocol) SubscribeFrame(sub stream.Subscription) ([]byte, error) {
	return json.Marshal(bybitOp{
		Op:    "subscribe",
		Args:  []string{sub.Channel + "." + sub.Instrument},
		ReqID: fmt.Sprintf("%d", time.Now().UnixNano()),
	})
}

func (BybitProtocol) UnsubscribeFrame(sub stream.Subscription) ([]byte, error) {
	return json.Marshal(bybitOp{
		Op:    "unsubscribe",
		Args:  []string{sub.Channel + "." + sub.Instrument},
		ReqID: fmt.Sprintf("%d", time.Now().UnixNano()),
	})
}

func (BybitProtocol) Classify(raw []byte) stream.Frame {
	var frame struct {
		Topic   string          `json:"topic"`
		Op      string          `json:"op"`
		Success *bool           `json:"success"`
		RetMsg  string          `json:"ret_msg"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return stream.Frame{Kind: stream.FrameIgnore}
	}
	switch {
	case frame.Topic != "" && len(frame.Data) > 0:
		return stream.Frame{Kind: stream.FrameData, Key: topicKey(frame.Topic), Payload: raw}
	case frame.Op == "pong" || frame.RetMsg == "pong":
		return stream.Frame{Kind: stream.FramePong}
	case frame.Op == "subscribe" && frame.Success != nil && *frame.Success:
		return stream.Frame{Kind: stream.FrameAck}
	default:
		return stream.Frame{Kind: stream.FrameIgnore}
	}
}

// topicKey maps "orderbook.50.BTCUSDT" to the subscription key
// "orderbook.50:BTCUSDT".
func topicKey(topic string) string {
	i := strings.LastIndex(topic, ".")
	if i < 0 {
		return topic
	}
	return topic[:i] + ":" + topic[i+1:]
}

// BybitDepthDecoder decodes public orderbook stream messages; the venue
// tags each as a full snapshot or a delta.
type BybitDepthDecoder struct{}

func (BybitDepthDecoder) DecodeBook(payload []byte) (book.Update, error) {
	var msg struct {
		Type string               `json:"type"`
		Ts   int64                `json:"ts"`
		Data bybitOrderBookResult `json:"data"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return book.Update{}, err
	}

	bids, err := parseLevels(msg.Data.Bids)
	if err != nil {
		return book.Update{}, err
	}
	asks, err := parseLevels(msg.Data.Asks)
	if err != nil {
		return book.Update{}, err
	}
	ts := time.UnixMilli(msg.Ts)

	switch msg.Type {
	case "snapshot":
		return book.Update{Snapshot: &models.BookSnapshot{
			Exchange:  "bybit",
			Symbol:    msg.Data.Symbol,
			Bids:      bids,
			Asks:      asks,
			UpdateID:  msg.Data.UpdateID,
			Timestamp: ts,
		}}, nil
	case "delta":
		return book.Update{Delta: &models.BookDelta{
			Exchange:  "bybit",
			Symbol:    msg.Data.Symbol,
			Bids:      bids,
			Asks:      asks,
			UpdateID:  msg.Data.UpdateID,
			Timestamp: ts,
		}}, nil
	default:
		return book.Update{}, fmt.Errorf("unexpected message type %q", msg.Type)
	}
}
