package venue

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	sdkapi "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	futuresmarket "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/market"
	sdktype "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"

	appconfig "venueflow/config"
	"venueflow/logger"
)

// Instrument is the venue's contract metadata used for symbol
// validation before subscriptions and orders are placed.
type Instrument struct {
	Symbol       string
	OpenInterest float64
}

// Kucoin wraps the universal SDK futures market API.
type Kucoin struct {
	marketAPI futuresmarket.MarketAPI
	log       *logger.Entry
}

func NewKucoin(cfg appconfig.VenueConfig, log *logger.Log) *Kucoin {
	baseURL := cfg.RestURL
	if baseURL == "" {
		baseURL = "https://api-futures.kucoin.com"
	} else if u, err := url.Parse(cfg.RestURL); err == nil && u.Host != "" {
		baseURL = fmt.Sprintf("https://%s", u.Host)
	}

	transportOpt := sdktype.NewTransportOptionBuilder().
		SetMaxIdleConns(cfg.ConnectionPool.MaxIdleConns).
		SetMaxIdleConnsPerHost(cfg.ConnectionPool.MaxIdleConns).
		SetMaxConnsPerHost(cfg.ConnectionPool.MaxConnsPerHost).
		SetIdleConnTimeout(cfg.ConnectionPool.IdleConnTimeout).
		SetTimeout(cfg.Timeout).
		Build()

	option := sdktype.NewClientOptionBuilder().
		WithFuturesEndpoint(baseURL).
		WithTransportOption(transportOpt).
		Build()

	client := sdkapi.NewClient(option)
	marketAPI := client.RestService().GetFuturesService().GetMarketAPI()

	return &Kucoin{marketAPI: marketAPI, log: log.WithComponent("kucoin_venue")}
}

// Instrument fetches contract metadata for one symbol.
func (k *Kucoin) Instrument(ctx context.Context, symbol string) (Instrument, error) {
	req := futuresmarket.NewGetSymbolReqBuilder().SetSymbol(symbol).Build()
	resp, err := k.marketAPI.GetSymbol(req, ctx)
	if err != nil {
		return Instrument{}, err
	}
	if resp == nil {
		return Instrument{}, fmt.Errorf("empty response for symbol %s", symbol)
	}

	oi, _ := strconv.ParseFloat(resp.OpenInterest, 64)
	return Instrument{Symbol: resp.Symbol, OpenInterest: oi}, nil
}
