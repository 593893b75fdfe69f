package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"venueflow/client"
	appconfig "venueflow/config"
	"venueflow/internal/book"
	"venueflow/internal/ratelimit"
	"venueflow/internal/stream"
	"venueflow/internal/symbols"
	"venueflow/internal/venue"
	"venueflow/logger"
	"venueflow/recorder"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := appconfig.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":  cfg.Venueflow.Name,
		"version":  cfg.Venueflow.Version,
		"exchange": cfg.Venue.Exchange,
	}).Info("starting venueflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace)
		logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)
	}

	limiter := buildLimiter(ctx, cfg, log)
	caller, err := venue.NewHTTPCaller(cfg.Venue, log)
	if err != nil {
		log.WithError(err).Error("failed to build venue caller")
		os.Exit(1)
	}
	restClient := client.New(caller, limiter, cfg.Pipeline, log)

	if cfg.Venue.APIKey != "" {
		if balances, err := restClient.AccountBalances(ctx); err != nil {
			log.WithError(err).Warn("startup balance check failed")
		} else {
			log.WithField("assets", len(balances)).Info("account reachable")
		}
	}

	if strings.ToLower(cfg.Venue.Exchange) == "kucoin" {
		// The KuCoin public stream needs a bullet-token handshake the
		// runtime does not speak yet; validate the configured markets
		// against the contract metadata and stop there.
		validateKucoinMarkets(ctx, cfg, log)
		log.Error("kucoin depth streaming is not supported; configure binance or bybit")
		os.Exit(1)
	}

	proto, decoder, err := venueAdapters(cfg)
	if err != nil {
		log.WithError(err).Error("unsupported venue")
		os.Exit(1)
	}

	streamClient := stream.NewClient(cfg.Venue.StreamURL, stream.NewWebsocketDialer(), proto, cfg.Stream, log)
	go watchStream(ctx, streamClient, log)

	books := make([]*book.Book, 0, len(cfg.Book.Markets))
	feeds := make([]*book.Feed, 0, len(cfg.Book.Markets))
	for _, symbol := range cfg.Book.Markets {
		b := book.New(cfg.Venue.Exchange, symbol, cfg.Book.SpreadThreshold, log)
		go watchSpread(ctx, b, log)

		msgs, err := streamClient.Subscribe(depthChannel(cfg), symbol)
		if err != nil {
			log.WithError(err).WithField("symbol", symbol).Error("failed to subscribe")
			os.Exit(1)
		}
		feed := book.NewFeed(b, msgs, decoder)
		if err := feed.Start(ctx); err != nil {
			log.WithError(err).WithField("symbol", symbol).Error("failed to start book feed")
			os.Exit(1)
		}
		books = append(books, b)
		feeds = append(feeds, feed)
	}

	seedBooks(ctx, cfg, books, log)

	if err := streamClient.Connect(); err != nil {
		log.WithError(err).Error("failed to start stream client")
		os.Exit(1)
	}

	var rec *recorder.Recorder
	if cfg.Recorder.Enabled && cfg.Storage.S3.Enabled {
		rec, err = recorder.NewRecorder(cfg, books)
		if err != nil {
			log.WithError(err).Error("failed to create recorder")
			os.Exit(1)
		}
		if err := rec.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start recorder")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("recorder disabled")
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	if rec != nil {
		log.Info("stopping recorder")
		rec.Stop()
	}

	log.Info("stopping book feeds")
	for _, feed := range feeds {
		feed.Stop()
	}

	log.Info("closing stream client")
	streamClient.Close()

	log.Info("venueflow stopped")
}

// buildLimiter turns the configured categories into token buckets. For
// Binance the public-data bucket is sized from the venue's advertised
// request weight when the config leaves it out.
func buildLimiter(ctx context.Context, cfg *appconfig.Config, log *logger.Log) *ratelimit.Limiter {
	specs := make(map[ratelimit.Category]ratelimit.BucketSpec, len(cfg.RateLimit.Categories))
	for name, bucket := range cfg.RateLimit.Categories {
		specs[ratelimit.Category(name)] = ratelimit.BucketSpec{
			Capacity:     bucket.Capacity,
			RefillPerSec: bucket.RefillPerSec,
		}
	}

	if _, ok := specs[ratelimit.PublicData]; !ok && cfg.Venue.Exchange == "binance" {
		adapter := venue.NewBinance(cfg.Venue.RestURL, log)
		if weight, err := adapter.RequestWeightLimit(ctx); err != nil {
			log.WithError(err).Warn("request weight discovery failed")
		} else if weight > 0 {
			perSec := float64(weight) / 60
			specs[ratelimit.PublicData] = ratelimit.BucketSpec{Capacity: perSec, RefillPerSec: perSec}
			log.WithFields(logger.Fields{"weight_per_minute": weight}).Info("public-data bucket sized from exchangeInfo")
		}
	}

	return ratelimit.New(specs, cfg.RateLimit.QueueLimit, log)
}

func venueAdapters(cfg *appconfig.Config) (stream.Protocol, book.Decoder, error) {
	switch strings.ToLower(cfg.Venue.Exchange) {
	case "binance":
		return &venue.BinanceProtocol{Channel: "depth@100ms"}, venue.BinanceDepthDecoder{}, nil
	case "bybit":
		return venue.BybitProtocol{}, venue.BybitDepthDecoder{}, nil
	default:
		return nil, nil, fmt.Errorf("no stream adapter for exchange %q", cfg.Venue.Exchange)
	}
}

func depthChannel(cfg *appconfig.Config) string {
	if strings.ToLower(cfg.Venue.Exchange) == "bybit" {
		return fmt.Sprintf("orderbook.%d", cfg.Book.DepthLimit)
	}
	return "depth@100ms"
}

// seedBooks applies a REST snapshot to every book so the first stream
// deltas have a baseline; Bybit streams re-send a snapshot on subscribe
// so a failed seed is only a warning.
func seedBooks(ctx context.Context, cfg *appconfig.Config, books []*book.Book, log *logger.Log) {
	switch strings.ToLower(cfg.Venue.Exchange) {
	case "binance":
		adapter := venue.NewBinance(cfg.Venue.RestURL, log)
		for _, b := range books {
			snap, err := adapter.DepthSnapshot(ctx, b.Symbol(), cfg.Book.DepthLimit)
			if err != nil {
				log.WithError(err).WithField("symbol", b.Symbol()).Warn("snapshot seed failed")
				continue
			}
			b.ApplySnapshot(snap)
		}
	case "bybit":
		adapter := venue.NewBybit(cfg.Venue, log)
		for _, b := range books {
			snap, err := adapter.DepthSnapshot(ctx, b.Symbol(), cfg.Book.DepthLimit)
			if err != nil {
				log.WithError(err).WithField("symbol", b.Symbol()).Warn("snapshot seed failed")
				continue
			}
			b.ApplySnapshot(snap)
		}
	}
}

func validateKucoinMarkets(ctx context.Context, cfg *appconfig.Config, log *logger.Log) {
	adapter := venue.NewKucoin(cfg.Venue, log)
	for _, symbol := range cfg.Book.Markets {
		native := symbols.ForVenue("kucoin", symbol)
		inst, err := adapter.Instrument(ctx, native)
		if err != nil {
			log.WithError(err).WithField("symbol", native).Warn("instrument lookup failed")
			continue
		}
		log.WithFields(logger.Fields{
			"symbol":        symbols.Canonical("kucoin", inst.Symbol),
			"open_interest": inst.OpenInterest,
		}).Info("instrument validated")
	}
}

func watchStream(ctx context.Context, c *stream.Client, log *logger.Log) {
	l := log.WithComponent("main")
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-c.StateChanges():
			if !ok {
				return
			}
			l.WithFields(logger.Fields{
				"from":    change.From.String(),
				"to":      change.To.String(),
				"conn_id": change.ConnID,
			}).Info("stream state changed")
		case err, ok := <-c.Errors():
			if !ok {
				return
			}
			var faulted *stream.FaultedError
			if errors.As(err, &faulted) {
				l.WithError(err).Error("stream permanently faulted")
			} else {
				l.WithError(err).Warn("stream error")
			}
		}
	}
}

func watchSpread(ctx context.Context, b *book.Book, log *logger.Log) {
	l := log.WithComponent("main").WithFields(logger.Fields{
		"exchange": b.Exchange(),
		"symbol":   b.Symbol(),
	})
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-b.SpreadChanges():
			l.WithFields(logger.Fields{
				"spread":   change.Spread,
				"previous": change.Previous,
			}).Info("spread moved")
		}
	}
}
