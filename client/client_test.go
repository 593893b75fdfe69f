package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	appconfig "venueflow/config"
	"venueflow/internal/ratelimit"
	"venueflow/internal/venue"
	"venueflow/logger"
	"venueflow/models"
)

type fakeCaller struct {
	mu    sync.Mutex
	calls int
	block chan struct{}
	fn    func(req venue.Request) (*venue.Response, error)
}

func (f *fakeCaller) Invoke(ctx context.Context, req venue.Request) (*venue.Response, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, &venue.CallError{Err: ctx.Err()}
		}
	}
	return f.fn(req)
}

func (f *fakeCaller) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestClient(caller venue.Caller) *Client {
	specs := make(map[ratelimit.Category]ratelimit.BucketSpec)
	for _, cat := range []ratelimit.Category{
		ratelimit.PublicData, ratelimit.OrderPlacement, ratelimit.OrderListing,
		ratelimit.Account, ratelimit.BulkCancel,
	} {
		specs[cat] = ratelimit.BucketSpec{Capacity: 1000, RefillPerSec: 1000}
	}
	limiter := ratelimit.New(specs, 100, logger.Logger())

	cfg := appconfig.PipelineConfig{
		CircuitBreaker: appconfig.CircuitBreakerConfig{
			SamplingWindow: 10 * time.Second,
			FailureRatio:   0.5,
			MinThroughput:  1000,
			BreakDuration:  time.Second,
		},
		Retry: appconfig.RetryConfig{
			MaxAttempts:     3,
			BaseDelay:       time.Millisecond,
			Multiplier:      2,
			MaxDelay:        10 * time.Millisecond,
			RetryServerErrs: true,
		},
		Deadline: 5 * time.Second,
	}
	return New(caller, limiter, cfg, logger.Logger())
}

func jsonResponse(v interface{}) (*venue.Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &venue.Response{Status: http.StatusOK, Body: body}, nil
}

func TestPlaceOrderRequestShape(t *testing.T) {
	caller := &fakeCaller{fn: func(req venue.Request) (*venue.Response, error) {
		if req.Method != http.MethodPost || req.Path != "/fapi/v1/order" || !req.Auth {
			t.Errorf("unexpected request: %s %s auth=%v", req.Method, req.Path, req.Auth)
		}
		var sent models.PlaceOrderRequest
		if err := json.Unmarshal(req.Body, &sent); err != nil {
			t.Errorf("bad body: %v", err)
		}
		if sent.Symbol != "BTCUSDT" || sent.Side != models.Buy || sent.Price != 100.5 {
			t.Errorf("body fields lost: %+v", sent)
		}
		return jsonResponse(models.Order{OrderID: 42, Symbol: sent.Symbol, Status: "NEW"})
	}}

	c := newTestClient(caller)
	order, err := c.PlaceOrder(context.Background(), models.PlaceOrderRequest{
		Symbol:   "BTCUSDT",
		Side:     models.Buy,
		Type:     models.Limit,
		Price:    100.5,
		Quantity: 1,
	})
	if err != nil {
		t.Fatalf("place order failed: %v", err)
	}
	if order.OrderID != 42 || order.Status != "NEW" {
		t.Fatalf("unexpected order: %+v", order)
	}
}

func TestReadCallsCoalesce(t *testing.T) {
	release := make(chan struct{})
	caller := &fakeCaller{
		block: release,
		fn: func(req venue.Request) (*venue.Response, error) {
			return jsonResponse(models.DepthSnapshotResponse{LastUpdateID: 7})
		},
	}
	c := newTestClient(caller)

	const n = 10
	var wg sync.WaitGroup
	results := make([]models.DepthSnapshotResponse, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.DepthSnapshot(context.Background(), "BTCUSDT", 100)
		}(i)
	}

	deadline := time.Now().Add(2 * time.Second)
	for caller.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	// Give the rest of the goroutines time to join the in-flight call.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := caller.callCount(); got != 1 {
		t.Fatalf("expected one venue call, got %d", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if results[i].LastUpdateID != 7 {
			t.Fatalf("caller %d got %+v", i, results[i])
		}
	}
}

func TestMutatingCallsNeverCoalesce(t *testing.T) {
	caller := &fakeCaller{fn: func(req venue.Request) (*venue.Response, error) {
		return jsonResponse(models.Order{OrderID: 1})
	}}
	c := newTestClient(caller)

	order := models.PlaceOrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Type: models.Market, Quantity: 1}
	for i := 0; i < 3; i++ {
		if _, err := c.PlaceOrder(context.Background(), order); err != nil {
			t.Fatalf("place order %d failed: %v", i, err)
		}
	}
	if got := caller.callCount(); got != 3 {
		t.Fatalf("identical orders collapsed: %d calls", got)
	}
}

func TestPermanentFailureSurfacedWithoutRetry(t *testing.T) {
	caller := &fakeCaller{fn: func(req venue.Request) (*venue.Response, error) {
		return nil, &venue.CallError{Status: http.StatusBadRequest, Message: "bad symbol"}
	}}
	c := newTestClient(caller)

	_, err := c.ListOpenOrders(context.Background(), "NOPE")
	var callErr *venue.CallError
	if !errors.As(err, &callErr) || callErr.Status != http.StatusBadRequest {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := caller.callCount(); got != 1 {
		t.Fatalf("permanent failure retried: %d calls", got)
	}
}

func TestTransientFailureRetried(t *testing.T) {
	caller := &fakeCaller{}
	caller.fn = func(req venue.Request) (*venue.Response, error) {
		if caller.callCount() == 1 {
			return nil, &venue.CallError{Status: http.StatusServiceUnavailable, Message: "maintenance"}
		}
		return jsonResponse([]models.Balance{{Asset: "USDT", Free: 10}})
	}
	c := newTestClient(caller)

	balances, err := c.AccountBalances(context.Background())
	if err != nil {
		t.Fatalf("balances failed: %v", err)
	}
	if len(balances) != 1 || balances[0].Asset != "USDT" {
		t.Fatalf("unexpected balances: %+v", balances)
	}
	if got := caller.callCount(); got != 2 {
		t.Fatalf("call count = %d, want 2", got)
	}
}

func TestCancelAllUsesBulkCancelBucket(t *testing.T) {
	var gotPath string
	caller := &fakeCaller{fn: func(req venue.Request) (*venue.Response, error) {
		gotPath = req.Path
		return jsonResponse(map[string]interface{}{"code": 200})
	}}
	c := newTestClient(caller)

	if err := c.CancelAllOrders(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("cancel all failed: %v", err)
	}
	if gotPath != "/fapi/v1/allOpenOrders" {
		t.Fatalf("path = %s", gotPath)
	}
}
