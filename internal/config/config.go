package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

// Duration is a time.Duration that unmarshals from "5s" style text, which
// both the toml decoder and envconfig pick up via encoding.TextUnmarshaler.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the full configuration surface, shared by the server and client
// binaries. precedence: environment > config file > defaults.
type Config struct {
	Addr        string `toml:"addr" envconfig:"ARENAPARTY_ADDR"`
	MetricsAddr string `toml:"metrics_addr" envconfig:"ARENAPARTY_METRICS_ADDR"`

	MaxPlayers    int      `toml:"max_players" envconfig:"ARENAPARTY_MAX_PLAYERS"`
	ClientTimeout Duration `toml:"client_timeout" envconfig:"ARENAPARTY_CLIENT_TIMEOUT"`
	TickInterval  Duration `toml:"tick_interval" envconfig:"ARENAPARTY_TICK_INTERVAL"`

	HeartbeatInterval    Duration `toml:"heartbeat_interval" envconfig:"ARENAPARTY_HEARTBEAT_INTERVAL"`
	ConnectTimeout       Duration `toml:"connect_timeout" envconfig:"ARENAPARTY_CONNECT_TIMEOUT"`
	ReconnectInterval    Duration `toml:"reconnect_interval" envconfig:"ARENAPARTY_RECONNECT_INTERVAL"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts" envconfig:"ARENAPARTY_MAX_RECONNECT_ATTEMPTS"`

	MinPlayersToStart int      `toml:"min_players_to_start" envconfig:"ARENAPARTY_MIN_PLAYERS_TO_START"`
	LobbyTimeout      Duration `toml:"lobby_timeout" envconfig:"ARENAPARTY_LOBBY_TIMEOUT"`
}

func Default() Config {
	return Config{
		Addr:                 ":2121",
		MetricsAddr:          "",
		MaxPlayers:           4,
		ClientTimeout:        Duration{10 * time.Second},
		TickInterval:         Duration{50 * time.Millisecond},
		HeartbeatInterval:    Duration{3 * time.Second},
		ConnectTimeout:       Duration{10 * time.Second},
		ReconnectInterval:    Duration{5 * time.Second},
		MaxReconnectAttempts: 5,
		MinPlayersToStart:    2,
		LobbyTimeout:         Duration{300 * time.Second},
	}
}

// Load builds the effective config: defaults, then the toml file at path (if
// path is non-empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("could not read config file: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("could not parse config file: %w", err)
		}
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("could not process env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr must not be empty")
	}
	if c.MaxPlayers < 1 {
		return fmt.Errorf("max_players must be at least 1 (got %d)", c.MaxPlayers)
	}
	if c.MinPlayersToStart < 1 || c.MinPlayersToStart > c.MaxPlayers {
		return fmt.Errorf(
			"min_players_to_start must be within [1, max_players] (got %d, max_players %d)",
			c.MinPlayersToStart, c.MaxPlayers,
		)
	}
	if c.ClientTimeout.Duration <= 0 {
		return fmt.Errorf("client_timeout must be positive")
	}
	if c.TickInterval.Duration <= 0 {
		return fmt.Errorf("tick_interval must be positive")
	}
	if c.HeartbeatInterval.Duration <= 0 || c.HeartbeatInterval.Duration >= c.ClientTimeout.Duration {
		return fmt.Errorf(
			"heartbeat_interval must be positive and below client_timeout (got %s, client_timeout %s)",
			c.HeartbeatInterval, c.ClientTimeout,
		)
	}
	if c.ConnectTimeout.Duration <= 0 {
		return fmt.Errorf("connect_timeout must be positive")
	}
	if c.ReconnectInterval.Duration <= 0 {
		return fmt.Errorf("reconnect_interval must be positive")
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max_reconnect_attempts must not be negative")
	}
	if c.LobbyTimeout.Duration <= 0 {
		return fmt.Errorf("lobby_timeout must be positive")
	}
	return nil
}
