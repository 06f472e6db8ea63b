package config

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	for _, k := range []string{"HTTP_ADDR", "KAFKA_EVENTS_TOPIC", "REDIS_GEO_KEY", "COMMISSION_RATE", "EVENT_BUFFER", "MATCHER_TOP_N", "MATCHER_RADIUS_M", "SETTLEMENT_CURRENCY"} {
		t.Setenv(k, "")
	}
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.KafkaEventsTopic != "ride-events" || cfg.RedisGeoKey != "drivers_geo" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if !cfg.CommissionRate.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("commission rate = %s", cfg.CommissionRate)
	}
	if cfg.EventBuffer != 64 || cfg.MatcherTopN != 0 || cfg.MatcherRadiusMeters != 0 || cfg.SettlementCurrency != "inr" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("COMMISSION_RATE", "0.15")
	t.Setenv("MATCHER_TOP_N", "3")
	t.Setenv("MATCHER_RADIUS_M", "7500")
	t.Setenv("ETA_CACHE_TTL", "1m")
	t.Setenv("MIGRATE", "TRUE")
	t.Setenv("SETTLEMENT_CURRENCY", " USD ")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddr != ":9090" || len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if !cfg.CommissionRate.Equal(decimal.RequireFromString("0.15")) || cfg.MatcherTopN != 3 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.MatcherRadiusMeters != 7500 {
		t.Fatalf("radius = %v", cfg.MatcherRadiusMeters)
	}
	if cfg.ETACacheTTL != time.Minute || !cfg.RunMigrations || cfg.SettlementCurrency != "usd" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestLoadServerConfigRejectsBadValues(t *testing.T) {
	t.Setenv("COMMISSION_RATE", "1.5")
	t.Setenv("EVENT_BUFFER", "0")
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("MATCHER_TOP_N", "-1")
	t.Setenv("MATCHER_RADIUS_M", "-10")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"COMMISSION_RATE", "EVENT_BUFFER", "HTTP_READ_TIMEOUT", "MATCHER_TOP_N", "MATCHER_RADIUS_M"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "a:1,b:2")
	t.Setenv("KAFKA_GROUP", "g")
	cfg, err := LoadConsumerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaGroup != "g" || cfg.KafkaTopic != "ride-events" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}
