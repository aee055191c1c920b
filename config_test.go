package accord

import (
	"testing"
	"time"
)

func TestResolveIdleTimePrecedence(t *testing.T) {
	tests := []struct {
		name     string
		env      string
		supplied time.Duration
		want     time.Duration
	}{
		{"default when nothing set", "", 0, DefaultIdleTime},
		{"caller value wins over default", "", 3 * time.Second, 3 * time.Second},
		{"env override wins over caller", "1500", 3 * time.Second, 1500 * time.Millisecond},
		{"non-numeric env ignored", "soon", 3 * time.Second, 3 * time.Second},
		{"non-positive env ignored", "-5", 0, DefaultIdleTime},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvIdleTime, tt.env)
			if got := ResolveIdleTime(tt.supplied); got != tt.want {
				t.Fatalf("ResolveIdleTime(%v) = %v, want %v", tt.supplied, got, tt.want)
			}
		})
	}
}

func TestEventClaimIdle(t *testing.T) {
	tests := []struct {
		name string
		env  string
		cfg  Config
		want time.Duration
	}{
		{"event default when nothing set", "", Config{}, DefaultEventIdleTime},
		{"event idle time over default", "", Config{EventIdleTime: 8 * time.Second}, 8 * time.Second},
		{"idle override wins over event idle", "", Config{IdleTime: 3 * time.Second, EventIdleTime: 8 * time.Second}, 3 * time.Second},
		{"env wins over both", "250", Config{IdleTime: 3 * time.Second, EventIdleTime: 8 * time.Second}, 250 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvIdleTime, tt.env)
			if got := tt.cfg.EventClaimIdle(); got != tt.want {
				t.Fatalf("EventClaimIdle() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing InstanceName")
	}

	cfg.InstanceName = "pulsar"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cfg.IdleTime = -time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative idle time")
	}
}

func TestPrefixed(t *testing.T) {
	cfg := Config{Prefix: "prod"}
	if got := cfg.Prefixed("coordination"); got != "prod-coordination" {
		t.Fatalf("Prefixed = %q", got)
	}

	cfg.Prefix = ""
	if got := cfg.Prefixed("coordination"); got != "coordination" {
		t.Fatalf("empty prefix must leave the name unchanged, got %q", got)
	}
}
