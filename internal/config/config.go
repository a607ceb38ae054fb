package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultLogLevel          = "info"
	DefaultHealthPort        = 3001
	DefaultTimerSpec         = "0 * * * * *" // every minute, with-seconds syntax
	DefaultEventBuffer       = 100
	DefaultReconnectBaseMs   = 5000
	DefaultReconnectAttempts = 10
	DefaultDenom             = "uxion"
)

type Config struct {
	Chain    ChainConfig
	Database DatabaseConfig
	Push     PushConfig
	Gateway  GatewayConfig
	Timer    TimerConfig
	LogLevel string `validate:"oneof=error warn info debug"`
}

type ChainConfig struct {
	RPCWebsocket    string `validate:"required,url"`
	RPCHTTP         string `validate:"required,url"`
	ContractAddress string `validate:"required"`
	EventBuffer     int    `validate:"gt=0"`
	ReconnectBaseMs int    `validate:"gt=0"`
	MaxReconnects   int    `validate:"gt=0"`
}

type DatabaseConfig struct {
	// URL is either a postgres:// DSN or a sqlite file path.
	URL string `validate:"required"`
}

type PushConfig struct {
	// CredentialsFile points at a Firebase service account key. Empty
	// disables push delivery; notification records are still written.
	CredentialsFile string
}

type GatewayConfig struct {
	HealthPort int `validate:"gt=0,lte=65535"`
}

type TimerConfig struct {
	Spec string `validate:"required"`
}

// Load reads configuration from the environment and validates it.
// The caller treats an error as fatal before serving traffic.
func Load() (*Config, error) {
	cfg := &Config{
		Chain: ChainConfig{
			RPCWebsocket:    os.Getenv("CHAIN_RPC_WS"),
			RPCHTTP:         os.Getenv("CHAIN_RPC_HTTP"),
			ContractAddress: os.Getenv("CONTRACT_ADDRESS"),
			EventBuffer:     envInt("EVENT_BUFFER", DefaultEventBuffer),
			ReconnectBaseMs: envInt("RECONNECT_BASE_MS", DefaultReconnectBaseMs),
			MaxReconnects:   envInt("RECONNECT_MAX_ATTEMPTS", DefaultReconnectAttempts),
		},
		Database: DatabaseConfig{
			URL: os.Getenv("DATABASE_URL"),
		},
		Push: PushConfig{
			CredentialsFile: os.Getenv("FCM_CREDENTIALS_FILE"),
		},
		Gateway: GatewayConfig{
			HealthPort: envInt("HEALTH_PORT", DefaultHealthPort),
		},
		Timer: TimerConfig{
			Spec: envStr("TIMER_SPEC", DefaultTimerSpec),
		},
		LogLevel: envStr("LOG_LEVEL", DefaultLogLevel),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			fe := errs[0]
			return fmt.Errorf("invalid config: %s failed %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
