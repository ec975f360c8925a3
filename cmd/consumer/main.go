package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-escrow/internal/config"
	"github.com/example/ride-escrow/internal/feed"
	"github.com/example/ride-escrow/internal/logging"
	"github.com/example/ride-escrow/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_consumer_messages_consumed_total",
		Help: "Total transition events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	feedUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_consumer_updates_total",
		Help: "Total successful feed projections",
	})
	feedErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_consumer_errors_total",
		Help: "Total feed projection errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, feedUpdates, feedErrors)
}

// FeedUpdater is the slice of the feed the consumer needs; kept small so
// tests can fake it.
type FeedUpdater interface {
	Apply(ctx context.Context, ev models.TransitionEvent) error
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	rf := feed.NewRedisFeed(cfg.RedisAddr, cfg.RedisPassword, cfg.OpenRidesKey)
	defer rf.Close()

	// metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rf.Ping(r.Context()); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer r.Close()

	logger.Info("feed consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down feed consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var ev models.TransitionEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil || ev.RideID == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid transition event", "error", err)
			continue
		}

		if err := applyWithRetry(ctx, rf, ev, 3, 200*time.Millisecond); err != nil {
			feedErrors.Inc()
			logger.Error("feed projection failed", "ride_id", ev.RideID, "error", err)
			continue
		}
		feedUpdates.Inc()
	}
}

// applyWithRetry projects one event into the feed with bounded retries.
// Projections are idempotent, so replaying after a partial failure is safe.
func applyWithRetry(ctx context.Context, f FeedUpdater, ev models.TransitionEvent, attempts int, delay time.Duration) error {
	var last error
	for i := 0; i < attempts; i++ {
		if last = f.Apply(ctx, ev); last == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		time.Sleep(delay)
		delay *= 2
	}
	return last
}
