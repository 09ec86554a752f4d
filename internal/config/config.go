package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log      LoggingConfig  `yaml:"log"`
	Market   MarketConfig   `yaml:"market"`
	Custody  CustodyConfig  `yaml:"custody"`
	Feed     FeedConfig     `yaml:"feed"`
	Keeper   KeeperConfig   `yaml:"keeper"`
	State    StateConfig    `yaml:"state"`
	Server   ServerConfig   `yaml:"server"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Telegram TelegramConfig `yaml:"telegram"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type MarketConfig struct {
	Asset             string   `yaml:"asset"`
	Leverage          int64    `yaml:"leverage"`
	CollateralAsset   string   `yaml:"collateral_asset"`
	ContractAccount   string   `yaml:"contract_account"`
	AuthorizedSources []string `yaml:"authorized_sources"`
}

type CustodyConfig struct {
	// InitialBalances seeds the in-memory vault: account address -> decimal
	// pUSD amount.
	InitialBalances map[string]string `yaml:"initial_balances"`
}

type FeedConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`

	// PollURL enables the REST fallback when set.
	PollURL      string        `yaml:"poll_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
	PollTimeout  time.Duration `yaml:"poll_timeout"`
}

type KeeperConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Address  string        `yaml:"address"`
	Interval time.Duration `yaml:"interval"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type ArchiveConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Feed.ReconnectDelay == 0 {
		cfg.Feed.ReconnectDelay = 3 * time.Second
	}
	if cfg.Feed.PingInterval == 0 {
		cfg.Feed.PingInterval = 30 * time.Second
	}
	if cfg.Feed.PollInterval == 0 {
		cfg.Feed.PollInterval = 10 * time.Second
	}
	if cfg.Feed.PollTimeout == 0 {
		cfg.Feed.PollTimeout = 10 * time.Second
	}
	if cfg.Keeper.Interval == 0 {
		cfg.Keeper.Interval = 15 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/perp-ledger.db"
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Archive.QueueSize <= 0 {
		cfg.Archive.QueueSize = 256
	}
}

func validate(cfg *Config) error {
	if cfg.Market.Asset == "" {
		return errors.New("market.asset is required")
	}
	if cfg.Market.Leverage <= 0 {
		return errors.New("market.leverage must be > 0")
	}
	if !common.IsHexAddress(cfg.Market.CollateralAsset) {
		return errors.New("market.collateral_asset must be a hex address")
	}
	if !common.IsHexAddress(cfg.Market.ContractAccount) {
		return errors.New("market.contract_account must be a hex address")
	}
	if len(cfg.Market.AuthorizedSources) == 0 {
		return errors.New("market.authorized_sources must not be empty")
	}
	for _, src := range cfg.Market.AuthorizedSources {
		if !common.IsHexAddress(src) {
			return fmt.Errorf("market.authorized_sources entry %q is not a hex address", src)
		}
	}
	for account, amount := range cfg.Custody.InitialBalances {
		if !common.IsHexAddress(account) {
			return fmt.Errorf("custody.initial_balances account %q is not a hex address", account)
		}
		if _, ok := new(big.Int).SetString(amount, 10); !ok {
			return fmt.Errorf("custody.initial_balances amount %q is not a decimal integer", amount)
		}
	}
	if cfg.Keeper.Enabled && !common.IsHexAddress(cfg.Keeper.Address) {
		return errors.New("keeper.address must be a hex address when keeper is enabled")
	}
	if cfg.Archive.Enabled && cfg.Archive.DSN == "" {
		return errors.New("archive.dsn is required when archive is enabled")
	}
	return nil
}

// AuthorizedSourceAddresses returns the parsed whitelist. Load validates the
// entries, so malformed addresses cannot reach here.
func (m MarketConfig) AuthorizedSourceAddresses() []common.Address {
	out := make([]common.Address, 0, len(m.AuthorizedSources))
	for _, src := range m.AuthorizedSources {
		out = append(out, common.HexToAddress(src))
	}
	return out
}

// VaultBalances returns the parsed initial custody balances.
func (c CustodyConfig) VaultBalances() map[common.Address]*big.Int {
	out := make(map[common.Address]*big.Int, len(c.InitialBalances))
	for account, amount := range c.InitialBalances {
		value, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			continue
		}
		out[common.HexToAddress(account)] = value
	}
	return out
}
