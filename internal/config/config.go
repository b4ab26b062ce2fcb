package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gregtusar/quantflow/pkg/models"
	"github.com/gregtusar/quantflow/pkg/registry"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var ErrInvalidConfig = errors.New("invalid configuration")

const (
	FeedModeBinance   = "binance"
	FeedModeSimulated = "simulated"
)

type Config struct {
	Server      ServerConfig       `mapstructure:"server"`
	Gateway     GatewayConfig      `mapstructure:"gateway"`
	Feed        FeedConfig         `mapstructure:"feed"`
	Instruments []InstrumentConfig `mapstructure:"instruments"`
	Logging     LoggingConfig      `mapstructure:"logging"`
	Redis       RedisConfig        `mapstructure:"redis"`
}

type ServerConfig struct {
	Port                int           `mapstructure:"port"`
	MetricsPort         int           `mapstructure:"metrics_port"` // 0 disables the listener
	QueueSize           int           `mapstructure:"queue_size"`
	InitialSnapshotWait time.Duration `mapstructure:"initial_snapshot_wait"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout"`
}

type GatewayConfig struct {
	Port           int      `mapstructure:"port"`
	UpstreamAddr   string   `mapstructure:"upstream_addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type FeedConfig struct {
	Mode             string            `mapstructure:"mode"`
	URL              string            `mapstructure:"url"`
	RESTURL          string            `mapstructure:"rest_url"`
	StreamSuffix     string            `mapstructure:"stream_suffix"`
	ReconnectDelay   time.Duration     `mapstructure:"reconnect_delay"`
	ReconnectJitter  float64           `mapstructure:"reconnect_jitter"`
	DialRate         float64           `mapstructure:"dial_rate"` // connection attempts per second, all symbols
	DialBurst        int               `mapstructure:"dial_burst"`
	HandshakeTimeout time.Duration     `mapstructure:"handshake_timeout"`
	PingInterval     time.Duration     `mapstructure:"ping_interval"`
	ReadTimeout      time.Duration     `mapstructure:"read_timeout"`
	VerifySymbols    bool              `mapstructure:"verify_symbols"`
	SymbolMap        map[string]string `mapstructure:"symbol_map"`
	Simulator        SimulatorConfig   `mapstructure:"simulator"`
}

type SimulatorConfig struct {
	Interval   time.Duration      `mapstructure:"interval"`
	Levels     int                `mapstructure:"levels"`
	Seed       int64              `mapstructure:"seed"`
	BasePrices map[string]float64 `mapstructure:"base_prices"`
}

// InstrumentConfig describes one published instrument. Underlying may be
// left empty, in which case feed.symbol_map supplies it.
type InstrumentConfig struct {
	ID         int32  `mapstructure:"id"`
	Symbol     string `mapstructure:"symbol"`
	Depth      int    `mapstructure:"depth"`
	Underlying string `mapstructure:"underlying"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type RedisConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	Prefix     string `mapstructure:"prefix"`
	BufferSize int    `mapstructure:"buffer_size"`
}

func Load(configPath string) (*Config, error) {
	// a missing .env is normal outside development
	_ = godotenv.Load()

	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/quantflow")
	}

	v.SetEnvPrefix("QUANTFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 14000)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.queue_size", 32)
	v.SetDefault("server.initial_snapshot_wait", "2s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("gateway.port", 8080)
	v.SetDefault("gateway.upstream_addr", "localhost:14000")
	v.SetDefault("gateway.allowed_origins", []string{"*"})

	v.SetDefault("feed.mode", FeedModeBinance)
	v.SetDefault("feed.url", "wss://stream.binance.com:9443/ws/")
	v.SetDefault("feed.rest_url", "https://api.binance.com")
	v.SetDefault("feed.stream_suffix", "@depth20@100ms")
	v.SetDefault("feed.reconnect_delay", "5s")
	v.SetDefault("feed.reconnect_jitter", 0.0)
	v.SetDefault("feed.dial_rate", 1.0)
	v.SetDefault("feed.dial_burst", 5)
	v.SetDefault("feed.handshake_timeout", "10s")
	v.SetDefault("feed.ping_interval", "30s")
	v.SetDefault("feed.read_timeout", "60s")
	v.SetDefault("feed.verify_symbols", false)
	v.SetDefault("feed.symbol_map", map[string]string{
		"BTC": "BTCUSDT",
		"ETH": "ETHUSDT",
		"ADA": "ADAUSDT",
	})
	v.SetDefault("feed.simulator.interval", "100ms")
	v.SetDefault("feed.simulator.levels", 20)
	v.SetDefault("feed.simulator.seed", 1)

	v.SetDefault("instruments", []map[string]interface{}{
		{"id": 1, "symbol": "BTC", "depth": 10},
		{"id": 2, "symbol": "ETH", "depth": 10},
		{"id": 3, "symbol": "ADA", "depth": 5},
	})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "quantflow:orderbook:")
	v.SetDefault("redis.buffer_size", 256)
}

// overrideFromEnv applies the short variable names used by deployments.
func overrideFromEnv(config *Config) {
	if mode := os.Getenv("FEED_MODE"); mode != "" {
		config.Feed.Mode = mode
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		config.Redis.Addr = addr
		config.Redis.Enabled = true
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		config.Redis.Password = password
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}

func (c *Config) Validate() error {
	switch c.Feed.Mode {
	case FeedModeBinance, FeedModeSimulated:
	default:
		return fmt.Errorf("%w: feed.mode must be %q or %q, got %q", ErrInvalidConfig, FeedModeBinance, FeedModeSimulated, c.Feed.Mode)
	}
	if err := validPort("server.port", c.Server.Port, false); err != nil {
		return err
	}
	if err := validPort("server.metrics_port", c.Server.MetricsPort, true); err != nil {
		return err
	}
	if err := validPort("gateway.port", c.Gateway.Port, false); err != nil {
		return err
	}
	if c.Server.QueueSize <= 0 {
		return fmt.Errorf("%w: server.queue_size must be positive", ErrInvalidConfig)
	}
	if c.Feed.ReconnectDelay <= 0 {
		return fmt.Errorf("%w: feed.reconnect_delay must be positive", ErrInvalidConfig)
	}
	if c.Feed.ReconnectJitter < 0 || c.Feed.ReconnectJitter >= 1 {
		return fmt.Errorf("%w: feed.reconnect_jitter must be in [0, 1)", ErrInvalidConfig)
	}
	if c.Feed.DialRate <= 0 || c.Feed.DialBurst <= 0 {
		return fmt.Errorf("%w: feed.dial_rate and feed.dial_burst must be positive", ErrInvalidConfig)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("%w: redis.addr is required when redis is enabled", ErrInvalidConfig)
	}

	if _, err := c.Registry(); err != nil {
		return err
	}
	return nil
}

// ResolveInstruments maps every configured instrument to its underlying feed
// symbol. An instrument with neither an explicit underlying nor a
// symbol_map entry is a configuration error.
func (c *Config) ResolveInstruments() ([]models.Instrument, error) {
	if len(c.Instruments) == 0 {
		return nil, fmt.Errorf("%w: no instruments configured", ErrInvalidConfig)
	}

	symbolMap := make(map[string]string, len(c.Feed.SymbolMap))
	for k, v := range c.Feed.SymbolMap {
		symbolMap[strings.ToUpper(strings.TrimSpace(k))] = v
	}

	out := make([]models.Instrument, 0, len(c.Instruments))
	for _, ic := range c.Instruments {
		underlying := ic.Underlying
		if underlying == "" {
			underlying = symbolMap[strings.ToUpper(strings.TrimSpace(ic.Symbol))]
		}
		if strings.TrimSpace(underlying) == "" {
			return nil, fmt.Errorf("%w: instrument %d (%s) has no feed symbol; add it to feed.symbol_map", ErrInvalidConfig, ic.ID, ic.Symbol)
		}
		out = append(out, models.Instrument{
			ID:         ic.ID,
			Symbol:     ic.Symbol,
			Depth:      ic.Depth,
			Underlying: underlying,
		})
	}
	return out, nil
}

func (c *Config) Registry() (*registry.Registry, error) {
	insts, err := c.ResolveInstruments()
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(insts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return reg, nil
}

func validPort(name string, port int, allowZero bool) error {
	if allowZero && port == 0 {
		return nil
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%w: %s out of range: %d", ErrInvalidConfig, name, port)
	}
	return nil
}
