// Package config loads the chain synchronization core's configuration:
// network parameters, RPC endpoints, and the declarative set of sources
// (filters and factories) the Filter Engine matches against.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"chainsync/internal/filter"
)

// Config holds all application configuration.
type Config struct {
	Network NetworkConfig `yaml:"network"`
	Sources SourcesConfig `yaml:"sources"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// NetworkConfig holds blockchain connection and finality settings.
type NetworkConfig struct {
	Name               string `yaml:"name"`
	RPCURL             string `yaml:"rpc_url"`
	WSURL              string `yaml:"ws_url"`
	ChainID            int64  `yaml:"chain_id"`
	FinalityBlockCount uint64 `yaml:"finality_block_count"`
	PollingIntervalMs  int64  `yaml:"polling_interval_ms"`
}

// SourcesConfig holds the user-declared filters and factories.
type SourcesConfig struct {
	Logs         []LogFilterConfig         `yaml:"log_filters"`
	Transactions []TransactionFilterConfig `yaml:"transaction_filters"`
	Traces       []TraceFilterConfig       `yaml:"trace_filters"`
	Transfers    []TransferFilterConfig    `yaml:"transfer_filters"`
	Blocks       []BlockFilterConfig       `yaml:"block_filters"`
	Factories    []FactoryConfig           `yaml:"factories"`
}

// LogFilterConfig is the YAML shape of a filter.LogFilter.
type LogFilterConfig struct {
	FromBlock       *uint64  `yaml:"from_block"`
	ToBlock         *uint64  `yaml:"to_block"`
	Addresses       []string `yaml:"addresses"`
	FactoryRef      string   `yaml:"factory"`
	Topic0          []string `yaml:"topic0"`
	Topic1          []string `yaml:"topic1"`
	Topic2          []string `yaml:"topic2"`
	Topic3          []string `yaml:"topic3"`
	IncludeReverted bool     `yaml:"include_reverted"`
}

// TransactionFilterConfig is the YAML shape of a filter.TransactionFilter.
type TransactionFilterConfig struct {
	FromBlock       *uint64  `yaml:"from_block"`
	ToBlock         *uint64  `yaml:"to_block"`
	FromAddresses   []string `yaml:"from_addresses"`
	FromFactoryRef  string   `yaml:"from_factory"`
	ToAddresses     []string `yaml:"to_addresses"`
	ToFactoryRef    string   `yaml:"to_factory"`
	IncludeReverted bool     `yaml:"include_reverted"`
}

// TraceFilterConfig is the YAML shape of a filter.TraceFilter.
type TraceFilterConfig struct {
	FromBlock        *uint64  `yaml:"from_block"`
	ToBlock          *uint64  `yaml:"to_block"`
	FromAddresses    []string `yaml:"from_addresses"`
	FromFactoryRef   string   `yaml:"from_factory"`
	ToAddresses      []string `yaml:"to_addresses"`
	ToFactoryRef     string   `yaml:"to_factory"`
	CallType         string   `yaml:"call_type"`
	FunctionSelector string   `yaml:"function_selector"`
	IncludeReverted  bool     `yaml:"include_reverted"`
}

// TransferFilterConfig is the YAML shape of a filter.TransferFilter.
type TransferFilterConfig struct {
	FromBlock       *uint64  `yaml:"from_block"`
	ToBlock         *uint64  `yaml:"to_block"`
	FromAddresses   []string `yaml:"from_addresses"`
	FromFactoryRef  string   `yaml:"from_factory"`
	ToAddresses     []string `yaml:"to_addresses"`
	ToFactoryRef    string   `yaml:"to_factory"`
	IncludeReverted bool     `yaml:"include_reverted"`
}

// BlockFilterConfig is the YAML shape of a filter.BlockFilter.
type BlockFilterConfig struct {
	FromBlock *uint64 `yaml:"from_block"`
	ToBlock   *uint64 `yaml:"to_block"`
	Interval  uint64  `yaml:"interval"`
	Offset    uint64  `yaml:"offset"`
}

// FactoryConfig is the YAML shape of a filter.Factory.
type FactoryConfig struct {
	Name          string   `yaml:"name"`
	Addresses     []string `yaml:"addresses"`
	EventSelector string   `yaml:"event_selector"`
	ChildOffset   int      `yaml:"child_topic_index"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.setDefaults()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if len(data) > 0 {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) setDefaults() {
	c.Network = NetworkConfig{
		ChainID:            1,
		FinalityBlockCount: 64,
		PollingIntervalMs:  1500,
	}
	c.Metrics = MetricsConfig{
		Enabled: true,
		Port:    9102,
		Path:    "/metrics",
	}
	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CHAIN_RPC_URL"); v != "" {
		c.Network.RPCURL = v
	}
	if v := os.Getenv("CHAIN_WS_URL"); v != "" {
		c.Network.WSURL = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			c.Metrics.Port = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

func (c *Config) validate() error {
	if c.Network.RPCURL == "" {
		return fmt.Errorf("network.rpc_url is required (set CHAIN_RPC_URL env var)")
	}
	if c.Network.ChainID <= 0 {
		return fmt.Errorf("network.chain_id must be positive")
	}
	if c.Network.FinalityBlockCount == 0 {
		return fmt.Errorf("network.finality_block_count must be positive")
	}
	if c.Network.PollingIntervalMs <= 0 {
		return fmt.Errorf("network.polling_interval_ms must be positive")
	}
	if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be a valid port number")
	}
	return nil
}

// BuildSources compiles the YAML source declarations into the Filter
// Engine's runtime representations, resolving factory references by name.
func (c *Config) BuildSources() (*filter.Set, error) {
	factories := make(map[string]*filter.Factory, len(c.Sources.Factories))
	set := filter.NewSet()

	for _, fc := range c.Sources.Factories {
		f, err := fc.build(c.Network.ChainID)
		if err != nil {
			return nil, fmt.Errorf("factory %q: %w", fc.Name, err)
		}
		factories[fc.Name] = f
		set.Factories = append(set.Factories, f)
	}

	for i, lc := range c.Sources.Logs {
		lf, err := lc.build(c.Network.ChainID, i, factories)
		if err != nil {
			return nil, fmt.Errorf("log_filters[%d]: %w", i, err)
		}
		set.Logs = append(set.Logs, lf)
	}
	for i, tc := range c.Sources.Transactions {
		tf, err := tc.build(c.Network.ChainID, i, factories)
		if err != nil {
			return nil, fmt.Errorf("transaction_filters[%d]: %w", i, err)
		}
		set.Transactions = append(set.Transactions, tf)
	}
	for i, tc := range c.Sources.Traces {
		tf, err := tc.build(c.Network.ChainID, i, factories)
		if err != nil {
			return nil, fmt.Errorf("trace_filters[%d]: %w", i, err)
		}
		set.Traces = append(set.Traces, tf)
	}
	for i, tc := range c.Sources.Transfers {
		tf, err := tc.build(c.Network.ChainID, i, factories)
		if err != nil {
			return nil, fmt.Errorf("transfer_filters[%d]: %w", i, err)
		}
		set.Transfers = append(set.Transfers, tf)
	}
	for i, bc := range c.Sources.Blocks {
		bf, err := bc.build(c.Network.ChainID, i)
		if err != nil {
			return nil, fmt.Errorf("block_filters[%d]: %w", i, err)
		}
		set.Blocks = append(set.Blocks, bf)
	}

	return set, nil
}
