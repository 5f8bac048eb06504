// Package config defines all configuration for the exchange core.
// Config is loaded from a YAML file with fields overridable via EXCH_*
// environment variables.
//
// Monetary values (credit limits, tick sizes) are written in the file as
// decimal strings and converted to ×10⁴ fixed-point integers at load time,
// so everything past this package works on scaled int64 arithmetic.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"exchange-core/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	Exchange    ExchangeConfig    `mapstructure:"exchange"`
	Symbols     []SymbolConfig    `mapstructure:"symbols"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Performance PerformanceConfig `mapstructure:"performance"`
	Gateway     GatewayConfig     `mapstructure:"gateway"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ExchangeConfig names the venue and its two network endpoints: the TCP
// order-entry port and the UDP multicast market-data destination.
type ExchangeConfig struct {
	Name     string `mapstructure:"name"`
	TCPPort  int    `mapstructure:"tcp_port"`
	UDPGroup string `mapstructure:"udp_multicast_group"`
	UDPPort  int    `mapstructure:"udp_port"`
}

// SymbolConfig declares one tradeable symbol. TickSize and LotSize are
// informational for clients; the core does not enforce them.
type SymbolConfig struct {
	Name           string  `mapstructure:"name"`
	TickSize       string  `mapstructure:"tick_size"`
	LotSize        uint64  `mapstructure:"lot_size"`
	PriceCollarPct float64 `mapstructure:"price_collar_pct"`

	// TickScaled is TickSize parsed to ×10⁴ fixed point. Resolved by Load.
	TickScaled uint64 `mapstructure:"-"`
}

// RiskConfig sets the pre-trade hard limits applied by the risk engine.
//
//   - MaxOrderSize:          hard cap on a single order's quantity.
//   - MaxNotionalPerClient:  credit cap, decimal currency string in the file.
//   - MaxOrdersPerSecond:    per-client rate window cap.
//   - PriceCollarEnabled:    turns the per-symbol price collar on/off.
type RiskConfig struct {
	MaxOrderSize         uint64 `mapstructure:"max_order_size"`
	MaxNotionalPerClient string `mapstructure:"max_notional_per_client"`
	MaxOrdersPerSecond   uint32 `mapstructure:"max_orders_per_second"`
	PriceCollarEnabled   bool   `mapstructure:"price_collar_enabled"`

	// MaxNotionalScaled is MaxNotionalPerClient at ×10⁴ fixed point.
	// Resolved by Load.
	MaxNotionalScaled uint64 `mapstructure:"-"`
}

// PerformanceConfig sizes the pre-allocated structures. Queue capacities
// round up to powers of two.
type PerformanceConfig struct {
	OrderPoolSize int  `mapstructure:"order_pool_size"`
	QueueCapacity int  `mapstructure:"queue_capacity"`
	TCPNoDelay    bool `mapstructure:"tcp_nodelay"`
	UDPBufferSize int  `mapstructure:"udp_buffer_size"`
}

// GatewayConfig tunes session policing.
type GatewayConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MaxProtocolErrors int           `mapstructure:"max_protocol_errors"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides (EXCH_ prefix).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("EXCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("performance.order_pool_size", 1<<20)
	v.SetDefault("performance.queue_capacity", 1<<16)
	v.SetDefault("performance.tcp_nodelay", true)
	v.SetDefault("performance.udp_buffer_size", 262144)
	v.SetDefault("gateway.heartbeat_interval", 30*time.Second)
	v.SetDefault("gateway.max_protocol_errors", 10)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolve converts the decimal string fields to fixed-point integers.
func (c *Config) resolve() error {
	if c.Risk.MaxNotionalPerClient != "" {
		scaled, err := toFixedPoint(c.Risk.MaxNotionalPerClient)
		if err != nil {
			return fmt.Errorf("risk.max_notional_per_client: %w", err)
		}
		c.Risk.MaxNotionalScaled = scaled
	}
	for i := range c.Symbols {
		if c.Symbols[i].TickSize == "" {
			continue
		}
		scaled, err := toFixedPoint(c.Symbols[i].TickSize)
		if err != nil {
			return fmt.Errorf("symbols[%d].tick_size: %w", i, err)
		}
		c.Symbols[i].TickScaled = scaled
	}
	return nil
}

func toFixedPoint(s string) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("negative value %q", s)
	}
	scaled := d.Mul(decimal.NewFromInt(types.PriceScale))
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("%q has more than 4 decimal places", s)
	}
	return uint64(scaled.IntPart()), nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Exchange.TCPPort <= 0 || c.Exchange.TCPPort > 65535 {
		return fmt.Errorf("exchange.tcp_port must be in (0, 65535]")
	}
	if c.Exchange.UDPGroup == "" {
		return fmt.Errorf("exchange.udp_multicast_group is required")
	}
	if c.Exchange.UDPPort <= 0 || c.Exchange.UDPPort > 65535 {
		return fmt.Errorf("exchange.udp_port must be in (0, 65535]")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	seen := make(map[string]bool, len(c.Symbols))
	for i, s := range c.Symbols {
		if s.Name == "" {
			return fmt.Errorf("symbols[%d].name is required", i)
		}
		if len(s.Name) > 8 {
			return fmt.Errorf("symbols[%d].name exceeds 8 bytes", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("symbols[%d].name %q is duplicated", i, s.Name)
		}
		seen[s.Name] = true
		if s.PriceCollarPct < 0 || s.PriceCollarPct > 100 {
			return fmt.Errorf("symbols[%d].price_collar_pct must be in [0, 100]", i)
		}
	}
	if c.Risk.MaxOrderSize == 0 {
		return fmt.Errorf("risk.max_order_size must be > 0")
	}
	if c.Risk.MaxNotionalScaled == 0 {
		return fmt.Errorf("risk.max_notional_per_client must be > 0")
	}
	if c.Risk.MaxOrdersPerSecond == 0 {
		return fmt.Errorf("risk.max_orders_per_second must be > 0")
	}
	if c.Performance.OrderPoolSize <= 0 {
		return fmt.Errorf("performance.order_pool_size must be > 0")
	}
	if c.Performance.QueueCapacity < 2 {
		return fmt.Errorf("performance.queue_capacity must be >= 2")
	}
	if c.Gateway.MaxProtocolErrors <= 0 {
		return fmt.Errorf("gateway.max_protocol_errors must be > 0")
	}
	return nil
}

// Symbol returns the config for one symbol, if declared.
func (c *Config) Symbol(name string) (SymbolConfig, bool) {
	for _, s := range c.Symbols {
		if s.Name == name {
			return s, true
		}
	}
	return SymbolConfig{}, false
}
