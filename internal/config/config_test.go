package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.ServerPort == "" {
		t.Fatalf("expected default server port")
	}
	if cfg.PostgresURL == "" {
		t.Fatalf("expected default postgres url")
	}
	if cfg.MQTTLocationTopic != "walks/location/+" {
		t.Fatalf("unexpected default location topic: %s", cfg.MQTTLocationTopic)
	}
	if cfg.ClockSkewTolerance != 10*time.Second {
		t.Fatalf("unexpected skew tolerance: %v", cfg.ClockSkewTolerance)
	}
	if cfg.RouteMaxPoints != 300 {
		t.Fatalf("unexpected route max points: %d", cfg.RouteMaxPoints)
	}
	if cfg.WriterFlushInterval != time.Second {
		t.Fatalf("unexpected flush interval: %v", cfg.WriterFlushInterval)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", ":9000")
	t.Setenv("POSTGRES_URL", "postgres://example")
	t.Setenv("MQTT_BROKER_URL", "tcp://broker:1883")
	t.Setenv("ROUTE_WINDOW", "90s")
	t.Setenv("WRITER_BATCH_SIZE", "25")

	cfg := Load()
	if cfg.ServerPort != ":9000" {
		t.Fatalf("expected override port")
	}
	if cfg.PostgresURL != "postgres://example" {
		t.Fatalf("expected override postgres")
	}
	if cfg.MQTTBrokerURL != "tcp://broker:1883" {
		t.Fatalf("expected override broker url")
	}
	if cfg.RouteWindow != 90*time.Second {
		t.Fatalf("expected override route window, got %v", cfg.RouteWindow)
	}
	if cfg.WriterBatchSize != 25 {
		t.Fatalf("expected override batch size, got %d", cfg.WriterBatchSize)
	}
}
