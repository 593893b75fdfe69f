package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	appconfig "venueflow/config"
	"venueflow/internal/coalesce"
	"venueflow/internal/ratelimit"
	"venueflow/internal/resilience"
	"venueflow/internal/venue"
	"venueflow/logger"
	"venueflow/models"
)

// Client is the typed REST surface over the venue: every call runs
// through the resilience pipeline of its rate-limit category, and
// read-only calls are coalesced so identical concurrent requests share
// one venue round trip.
type Client struct {
	caller    venue.Caller
	group     *coalesce.Group
	pipelines map[ratelimit.Category]*resilience.Pipeline
	log       *logger.Entry
}

func New(caller venue.Caller, limiter *ratelimit.Limiter, cfg appconfig.PipelineConfig, log *logger.Log) *Client {
	categories := []ratelimit.Category{
		ratelimit.PublicData,
		ratelimit.OrderPlacement,
		ratelimit.OrderListing,
		ratelimit.Account,
		ratelimit.BulkCancel,
	}
	pipelines := make(map[ratelimit.Category]*resilience.Pipeline, len(categories))
	for _, cat := range categories {
		pipelines[cat] = resilience.NewPipeline(string(cat), cat, limiter, cfg, log)
	}
	return &Client{
		caller:    caller,
		group:     coalesce.NewGroup(),
		pipelines: pipelines,
		log:       log.WithComponent("client"),
	}
}

// invoke runs one request through its category pipeline.
func (c *Client) invoke(ctx context.Context, cat ratelimit.Category, req venue.Request) (*venue.Response, error) {
	pipeline, ok := c.pipelines[cat]
	if !ok {
		return nil, fmt.Errorf("no pipeline for category %s", cat)
	}
	var resp *venue.Response
	err := pipeline.Execute(ctx, func(ctx context.Context) error {
		r, err := c.caller.Invoke(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// invokeShared coalesces identical concurrent read-only requests on
// their method, path and query. Mutating calls never go through here.
func (c *Client) invokeShared(ctx context.Context, cat ratelimit.Category, req venue.Request) (*venue.Response, error) {
	key := req.Method + " " + req.Path + "?" + req.Query.Encode()
	v, _, err := c.group.Do(ctx, key, func() (interface{}, error) {
		return c.invoke(ctx, cat, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*venue.Response), nil
}

func decode(resp *venue.Response, v interface{}) error {
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return fmt.Errorf("failed to decode venue response: %w", err)
	}
	return nil
}

// AccountBalances lists the account's asset balances.
func (c *Client) AccountBalances(ctx context.Context) ([]models.Balance, error) {
	resp, err := c.invokeShared(ctx, ratelimit.Account, venue.Request{
		Method: http.MethodGet,
		Path:   "/fapi/v2/balance",
		Auth:   true,
	})
	if err != nil {
		return nil, err
	}
	var balances []models.Balance
	if err := decode(resp, &balances); err != nil {
		return nil, err
	}
	return balances, nil
}

// PlaceOrder submits a new order. Never coalesced.
func (c *Client) PlaceOrder(ctx context.Context, order models.PlaceOrderRequest) (models.Order, error) {
	body, err := json.Marshal(order)
	if err != nil {
		return models.Order{}, err
	}
	resp, err := c.invoke(ctx, ratelimit.OrderPlacement, venue.Request{
		Method: http.MethodPost,
		Path:   "/fapi/v1/order",
		Body:   body,
		Auth:   true,
	})
	if err != nil {
		return models.Order{}, err
	}
	var placed models.Order
	if err := decode(resp, &placed); err != nil {
		return models.Order{}, err
	}
	return placed, nil
}

// CancelOrder cancels a single order by venue order id.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) (models.Order, error) {
	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("orderId", strconv.FormatInt(orderID, 10))
	resp, err := c.invoke(ctx, ratelimit.OrderPlacement, venue.Request{
		Method: http.MethodDelete,
		Path:   "/fapi/v1/order",
		Query:  query,
		Auth:   true,
	})
	if err != nil {
		return models.Order{}, err
	}
	var cancelled models.Order
	if err := decode(resp, &cancelled); err != nil {
		return models.Order{}, err
	}
	return cancelled, nil
}

// CancelAllOrders cancels every open order on a symbol. Runs under the
// bulk-cancel bucket, which venues limit far more aggressively than
// single cancels.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	query := url.Values{}
	query.Set("symbol", symbol)
	_, err := c.invoke(ctx, ratelimit.BulkCancel, venue.Request{
		Method: http.MethodDelete,
		Path:   "/fapi/v1/allOpenOrders",
		Query:  query,
		Auth:   true,
	})
	return err
}

// ListOpenOrders lists the open orders on a symbol.
func (c *Client) ListOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	query := url.Values{}
	query.Set("symbol", symbol)
	resp, err := c.invokeShared(ctx, ratelimit.OrderListing, venue.Request{
		Method: http.MethodGet,
		Path:   "/fapi/v1/openOrders",
		Query:  query,
		Auth:   true,
	})
	if err != nil {
		return nil, err
	}
	var orders []models.Order
	if err := decode(resp, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// ListWithdrawals lists recent withdrawals, optionally filtered by asset.
func (c *Client) ListWithdrawals(ctx context.Context, asset string, limit int) ([]models.Withdrawal, error) {
	query := url.Values{}
	if asset != "" {
		query.Set("coin", asset)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	resp, err := c.invokeShared(ctx, ratelimit.Account, venue.Request{
		Method: http.MethodGet,
		Path:   "/sapi/v1/capital/withdraw/history",
		Query:  query,
		Auth:   true,
	})
	if err != nil {
		return nil, err
	}
	var withdrawals []models.Withdrawal
	if err := decode(resp, &withdrawals); err != nil {
		return nil, err
	}
	return withdrawals, nil
}

// DepthSnapshot fetches a REST order book snapshot.
func (c *Client) DepthSnapshot(ctx context.Context, symbol string, limit int) (models.DepthSnapshotResponse, error) {
	query := url.Values{}
	query.Set("symbol", symbol)
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	resp, err := c.invokeShared(ctx, ratelimit.PublicData, venue.Request{
		Method: http.MethodGet,
		Path:   "/fapi/v1/depth",
		Query:  query,
	})
	if err != nil {
		return models.DepthSnapshotResponse{}, err
	}
	var snapshot models.DepthSnapshotResponse
	if err := decode(resp, &snapshot); err != nil {
		return models.DepthSnapshotResponse{}, err
	}
	return snapshot, nil
}
