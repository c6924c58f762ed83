// Package config loads the control-plane and agent configuration
// structures from environment variables (spec.md §6 "env vars are the
// configuration surface"), grounded on the teacher's pkg/config
// section-struct layout and envdecode/godotenv loading mechanism.
package config

import (
	"fmt"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// ServerConfig controls the control plane's HTTP API listener.
type ServerConfig struct {
	Host string `env:"SERVER_HOST,default=0.0.0.0"`
	Port int    `env:"SERVER_PORT,default=8080"`
}

// Addr returns "host:port" for http.Server.Addr.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// BusConfig controls the agent bus listener/dialer (spec.md §4.2).
type BusConfig struct {
	ListenHost        string `env:"BUS_LISTEN_HOST,default=0.0.0.0"`
	ListenPort        int    `env:"BUS_LISTEN_PORT,default=9090"`
	HeartbeatDeadline int    `env:"BUS_HEARTBEAT_SECONDS,default=30"`
	BackoffInitialMS  int    `env:"BUS_BACKOFF_INITIAL_MS,default=1000"`
	BackoffMaxMS      int    `env:"BUS_BACKOFF_MAX_MS,default=30000"`
}

// Addr returns "host:port" for net.Listen.
func (b BusConfig) Addr() string {
	return fmt.Sprintf("%s:%d", b.ListenHost, b.ListenPort)
}

// DatabaseConfig controls the durable state store (spec.md §5). DSN empty
// means use the in-memory backend (single-process, tests and small local
// runs); a non-empty DSN selects the Postgres backend.
type DatabaseConfig struct {
	DSN string `env:"DATABASE_DSN"`
}

// LoggingConfig controls internal/logging's output.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=text"`
	Output string `env:"LOG_OUTPUT,default=stdout"`
}

// SecretsConfig controls internal/secrets' at-rest envelope encryption.
// The env var name matches secrets.MasterKeyEnv.
type SecretsConfig struct {
	MasterKey string `env:"SECRETS_MASTER_KEY"`
}

// CannonConfig sets default queue/worker sizing for cannons that don't
// override it in their own spec (spec.md §4.5).
type CannonConfig struct {
	QueueCap     int `env:"CANNON_QUEUE_CAP,default=1024"`
	AuthWorkers  int `env:"CANNON_AUTH_WORKERS,default=4"`
	ExecWorkers  int `env:"CANNON_EXEC_WORKERS,default=8"`
	BcastWorkers int `env:"CANNON_BCAST_WORKERS,default=4"`
}

// RateLimitConfig is loaded from the environment, but nothing reads it:
// api.NewRouter builds internal/middleware's RateLimiter with a fixed 100
// requests per second and a burst of 200.
type RateLimitConfig struct {
	RequestsPerSecond int `env:"RATE_LIMIT_RPS,default=50"`
	Burst             int `env:"RATE_LIMIT_BURST,default=100"`
}

// ControlPlaneConfig is the full configuration for cmd/controlplane.
type ControlPlaneConfig struct {
	Server    ServerConfig
	Bus       BusConfig
	Database  DatabaseConfig
	Logging   LoggingConfig
	Secrets   SecretsConfig
	Cannon    CannonConfig
	RateLimit RateLimitConfig
}

// AgentConfig is the full configuration for cmd/agent.
type AgentConfig struct {
	AgentID          string `env:"AGENT_ID"`
	ControlPlaneAddr string `env:"CONTROL_PLANE_ADDR"`
	Token            string `env:"AGENT_TOKEN"`
	Labels           string `env:"AGENT_LABELS"` // comma-separated
	ModeFlags        string `env:"AGENT_MODE_FLAGS,default=validator,client,prover,relay,compute"`
	LocalPKAvailable bool   `env:"AGENT_LOCAL_PK_AVAILABLE,default=false"`
	ExternalAddr     string `env:"AGENT_EXTERNAL_ADDR"`
	MetricsPort      int    `env:"AGENT_METRICS_PORT,default=8081"`
	Logging          LoggingConfig
}

// LabelList splits the comma-separated AGENT_LABELS value.
func (a AgentConfig) LabelList() []string {
	return splitCSV(a.Labels)
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LoadControlPlaneConfig loads cmd/controlplane's configuration from a
// .env file (if present) and the environment.
func LoadControlPlaneConfig() (*ControlPlaneConfig, error) {
	_ = godotenv.Load()

	cfg := &ControlPlaneConfig{}
	if err := envdecode.Decode(cfg); err != nil && !noFieldsSet(err) {
		return nil, fmt.Errorf("decode env: %w", err)
	}
	return cfg, nil
}

// LoadAgentConfig loads cmd/agent's configuration from a .env file (if
// present) and the environment.
func LoadAgentConfig() (*AgentConfig, error) {
	_ = godotenv.Load()

	cfg := &AgentConfig{}
	if err := envdecode.Decode(cfg); err != nil && !noFieldsSet(err) {
		return nil, fmt.Errorf("decode env: %w", err)
	}
	return cfg, nil
}

// noFieldsSet reports whether err is envdecode's "no fields were set"
// sentinel, which is expected (and harmless) whenever a nested struct
// has every env var left at its default empty value.
func noFieldsSet(err error) bool {
	return err != nil && strings.Contains(err.Error(), "none of the target fields were set")
}
