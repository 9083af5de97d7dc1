// Package ops loads and resolves the engine's runtime configuration.
package ops

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"main/internal/backoff"
	"main/internal/bead"
	"main/internal/breaker"
	"main/internal/broker"
	"main/internal/health"
)

// FileConfig mirrors the JSON config layout. Durations are milliseconds.
type FileConfig struct {
	Origin   string         `json:"origin"`
	Halt     HaltConfig     `json:"halt"`
	Bead     BeadConfig     `json:"bead"`
	Archive  *ArchiveConfig `json:"archive,omitempty"`
	Broker   BrokerConfig   `json:"broker"`
	Breaker  BreakerConfig  `json:"breaker"`
	Backoff  BackoffConfig  `json:"backoff"`
	Health   HealthConfig   `json:"health"`
	Position PositionConfig `json:"position"`
	Serve    ServeConfig    `json:"serve"`
}

// HaltConfig wires the halt cascade plane.
type HaltConfig struct {
	SocketPath      string `json:"socketPath"`
	CascadeBudgetMs int64  `json:"cascadeBudgetMs"`
}

// BeadConfig controls the audit store layout and durability.
type BeadConfig struct {
	Dir             string `json:"dir"`
	FilePrefix      string `json:"filePrefix"`
	SegmentMaxBytes int64  `json:"segmentMaxBytes"`
	SyncIntervalMs  int64  `json:"syncIntervalMs"`
}

// ArchiveConfig enables the optional postgres bead mirror.
type ArchiveConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	User       string `json:"user"`
	Password   string `json:"password"`
	Database   string `json:"database"`
	SSLMode    string `json:"sslMode"`
	ConnString string `json:"connString"`
	QueueSize  int    `json:"queueSize"`
}

// BrokerConfig tunes the supervisor's heartbeat and degradation tiers.
type BrokerConfig struct {
	HeartbeatIntervalMs  int64 `json:"heartbeatIntervalMs"`
	PingTimeoutMs        int64 `json:"pingTimeoutMs"`
	MissThreshold        int   `json:"missThreshold"`
	MonitorOnlyAfterMs   int64 `json:"monitorOnlyAfterMs"`
	HaltAfterMs          int64 `json:"haltAfterMs"`
	MaxReconnectAttempts int   `json:"maxReconnectAttempts"`
	SubmitTimeoutMs      int64 `json:"submitTimeoutMs"`
}

// BreakerConfig tunes the circuit breaker on the broker connection.
type BreakerConfig struct {
	FailureThreshold  int   `json:"failureThreshold"`
	RecoveryTimeoutMs int64 `json:"recoveryTimeoutMs"`
}

// BackoffConfig tunes reconnect spacing.
type BackoffConfig struct {
	BaseMs     int64   `json:"baseMs"`
	MaxMs      int64   `json:"maxMs"`
	JitterFrac float64 `json:"jitterFrac"`
}

// HealthConfig tunes the failure-window FSM.
type HealthConfig struct {
	DegradedThreshold  int   `json:"degradedThreshold"`
	CriticalThreshold  int   `json:"criticalThreshold"`
	HaltedThreshold    int   `json:"haltedThreshold"`
	WindowMs           int64 `json:"windowMs"`
	CooldownMs         int64 `json:"cooldownMs"`
	AlertSuppressionMs int64 `json:"alertSuppressionMs"`
}

// PositionConfig tunes the lifecycle tracker and approval tokens.
type PositionConfig struct {
	FillTimeoutMs   int64 `json:"fillTimeoutMs"`
	TokenTTLMs      int64 `json:"tokenTtlMs"`
	SweepIntervalMs int64 `json:"sweepIntervalMs"`
}

// ServeConfig sets the metrics/status listen address.
type ServeConfig struct {
	MetricsAddr string `json:"metricsAddr"`
}

// Loaded is the resolved configuration ready for wiring.
type Loaded struct {
	Origin        string
	HaltSocket    string
	CascadeBudget time.Duration
	Bead          bead.Config
	Archive       *bead.ArchiveOption
	Broker        broker.Config
	Breaker       breaker.Config
	Backoff       backoff.Config
	Health        health.Config
	FillTimeout   time.Duration
	TokenTTL      time.Duration
	SweepInterval time.Duration
	MetricsAddr   string
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

// Load reads a JSON config file, validates it, and resolves defaults.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, err
	}
	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, err
	}
	return resolve(cfg)
}

func resolve(cfg FileConfig) (Loaded, error) {
	if cfg.Origin == "" {
		return Loaded{}, fmt.Errorf("origin is empty")
	}
	if cfg.Bead.Dir == "" {
		return Loaded{}, fmt.Errorf("bead dir is empty")
	}
	if cfg.Health.DegradedThreshold > 0 && cfg.Health.CriticalThreshold > 0 &&
		cfg.Health.CriticalThreshold <= cfg.Health.DegradedThreshold {
		return Loaded{}, fmt.Errorf("health thresholds must escalate: critical <= degraded")
	}
	if cfg.Health.CriticalThreshold > 0 && cfg.Health.HaltedThreshold > 0 &&
		cfg.Health.HaltedThreshold <= cfg.Health.CriticalThreshold {
		return Loaded{}, fmt.Errorf("health thresholds must escalate: halted <= critical")
	}

	bo := backoff.Config{
		Base:       ms(cfg.Backoff.BaseMs),
		Max:        ms(cfg.Backoff.MaxMs),
		JitterFrac: cfg.Backoff.JitterFrac,
	}
	if bo.Base == 0 {
		bo.Base = 500 * time.Millisecond
	}
	if bo.Max == 0 {
		bo.Max = 30 * time.Second
	}
	if err := bo.Validate(); err != nil {
		return Loaded{}, fmt.Errorf("backoff: %w", err)
	}

	loaded := Loaded{
		Origin:        cfg.Origin,
		HaltSocket:    cfg.Halt.SocketPath,
		CascadeBudget: ms(cfg.Halt.CascadeBudgetMs),
		Bead: bead.Config{
			Dir:             cfg.Bead.Dir,
			FilePrefix:      cfg.Bead.FilePrefix,
			SegmentMaxBytes: cfg.Bead.SegmentMaxBytes,
			SyncInterval:    ms(cfg.Bead.SyncIntervalMs),
		},
		Broker: broker.Config{
			HeartbeatInterval:    ms(cfg.Broker.HeartbeatIntervalMs),
			PingTimeout:          ms(cfg.Broker.PingTimeoutMs),
			MissThreshold:        cfg.Broker.MissThreshold,
			MonitorOnlyAfter:     ms(cfg.Broker.MonitorOnlyAfterMs),
			HaltAfter:            ms(cfg.Broker.HaltAfterMs),
			MaxReconnectAttempts: cfg.Broker.MaxReconnectAttempts,
			SubmitTimeout:        ms(cfg.Broker.SubmitTimeoutMs),
		},
		Breaker: breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			RecoveryTimeout:  ms(cfg.Breaker.RecoveryTimeoutMs),
		},
		Backoff: bo,
		Health: health.Config{
			DegradedThreshold: cfg.Health.DegradedThreshold,
			CriticalThreshold: cfg.Health.CriticalThreshold,
			HaltedThreshold:   cfg.Health.HaltedThreshold,
			Window:            ms(cfg.Health.WindowMs),
			Cooldown:          ms(cfg.Health.CooldownMs),
			AlertSuppression:  ms(cfg.Health.AlertSuppressionMs),
		},
		FillTimeout:   ms(cfg.Position.FillTimeoutMs),
		TokenTTL:      ms(cfg.Position.TokenTTLMs),
		SweepInterval: ms(cfg.Position.SweepIntervalMs),
		MetricsAddr:   cfg.Serve.MetricsAddr,
	}
	if loaded.MetricsAddr == "" {
		loaded.MetricsAddr = ":9108"
	}

	if cfg.Archive != nil {
		loaded.Archive = &bead.ArchiveOption{
			Host:       cfg.Archive.Host,
			Port:       cfg.Archive.Port,
			User:       cfg.Archive.User,
			Password:   cfg.Archive.Password,
			Database:   cfg.Archive.Database,
			SSLMode:    cfg.Archive.SSLMode,
			ConnString: cfg.Archive.ConnString,
			QueueSize:  cfg.Archive.QueueSize,
		}
	}
	return loaded, nil
}
