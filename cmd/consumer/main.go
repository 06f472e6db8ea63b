package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/drivers"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total ride events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	msgsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_skipped_total",
		Help: "Total events ignored because they carry no driver position",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, msgsSkipped, redisUpdates, redisErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	radapter := &redisAdapter{c: rc}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
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
		handleMessage(ctx, logger, radapter, cfg.RedisGeoKey, m.Value)
	}
}

type envelope struct {
	Type    events.Type     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

var errNotPosition = errors.New("event carries no driver position")

// decodePosition extracts the driver position from a driver_moved event.
func decodePosition(value []byte) (events.DriverMovedPayload, error) {
	var env envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return events.DriverMovedPayload{}, err
	}
	if env.Type != events.DriverMoved {
		return events.DriverMovedPayload{}, errNotPosition
	}
	var p events.DriverMovedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return events.DriverMovedPayload{}, err
	}
	if p.DriverID == "" {
		return events.DriverMovedPayload{}, errors.New("driver id missing")
	}
	if err := drivers.ValidateCoord(p.Lat, p.Lng); err != nil {
		return events.DriverMovedPayload{}, err
	}
	return p, nil
}

func handleMessage(ctx context.Context, logger *slog.Logger, rc RedisUpdater, geoKey string, value []byte) {
	p, err := decodePosition(value)
	if errors.Is(err, errNotPosition) {
		msgsSkipped.Inc()
		return
	}
	if err != nil {
		msgsInvalid.Inc()
		logger.Warn("invalid message", "error", err)
		return
	}
	if err := updateRedisWithRetry(ctx, rc, geoKey, p, 3, 200*time.Millisecond); err != nil {
		redisErrors.Inc()
		logger.Error("redis update failed", "driver_id", p.DriverID, "error", err)
		return
	}
	redisUpdates.Inc()
}

// RedisUpdater defines the small subset of redis operations we need for tests and production.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	_, err := r.c.GeoAdd(ctx, key, loc).Result()
	return err
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

// updateRedisWithRetry writes the position into the geo set and stamps the
// driver's meta hash, retrying with doubling delay.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, geoKey string, p events.DriverMovedPayload, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err = rc.GeoAdd(ctx, geoKey, &redis.GeoLocation{Longitude: p.Lng, Latitude: p.Lat, Name: p.DriverID}); err != nil {
			continue
		}
		if err = rc.HSet(ctx, geo.MetaKey(p.DriverID), map[string]interface{}{"lat": p.Lat, "lng": p.Lng, "online": true, "updated": time.Now().UTC().Format(time.RFC3339)}); err != nil {
			continue
		}
		return nil
	}
	return err
}
