// Package config loads the rebalancer's environment-driven configuration:
// CEX credentials, adapter endpoints, the smart-chain token address table,
// PPM thresholds, and the timing parameters the engine and monitor run on.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hedgeflow/rebalancer/internal/core/domain"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	Datadir  string `mapstructure:"DATADIR" envDefault:"rebalancer" envInfo:"Data directory for the state document"`
	LogLevel uint32 `mapstructure:"LOG_LEVEL" envDefault:"4" envInfo:"Log verbosity (logrus level, higher = more verbose)"`

	CexBaseURL     string `mapstructure:"CEX_BASE_URL" envDefault:"" envInfo:"CEX REST API base URL"`
	CexTickerURL   string `mapstructure:"CEX_TICKER_URL" envDefault:"" envInfo:"CEX public market-data base URL, defaults to CEX_BASE_URL"`
	ApiKey         string `mapstructure:"CEX_API_KEY" envDefault:"" envInfo:"CEX API key"`
	ApiSecret      string `mapstructure:"CEX_API_SECRET" envDefault:"" envInfo:"CEX API secret, used to HMAC-sign requests"`
	ApiPassword    string `mapstructure:"CEX_API_PASSWORD" envDefault:"" envInfo:"CEX API passphrase"`
	OkxSmartChainName string `mapstructure:"OKX_SMART_CHAIN_NAME" envDefault:"" envInfo:"CEX's own name for the smart chain, used in deposit/withdrawal chain selectors"`

	LedgerBaseURL string `mapstructure:"LEDGER_BASE_URL" envDefault:"" envInfo:"Intermediary's own swap-ledger service base URL, for open-customer-swap exposure sums"`

	EsploraURL string `mapstructure:"ESPLORA_URL" envDefault:"" envInfo:"Esplora base URL for on-chain tx lookups"`
	BitcoinRPCURL      string `mapstructure:"BITCOIN_RPC_URL" envDefault:"" envInfo:"Bitcoin Core wallet RPC URL"`
	BitcoinRPCUser     string `mapstructure:"BITCOIN_RPC_USER" envDefault:"" envInfo:"Bitcoin Core RPC username"`
	BitcoinRPCPassword string `mapstructure:"BITCOIN_RPC_PASSWORD" envDefault:"" envInfo:"Bitcoin Core RPC password"`
	BitcoinWallet      string `mapstructure:"BITCOIN_WALLET" envDefault:"" envInfo:"Bitcoin Core wallet name"`

	LndHost         string `mapstructure:"LND_HOST" envDefault:"" envInfo:"LND gRPC host:port"`
	LndTLSCertPath  string `mapstructure:"LND_TLS_CERT_PATH" envDefault:"" envInfo:"Path to LND's TLS certificate"`
	LndMacaroonPath string `mapstructure:"LND_MACAROON_PATH" envDefault:"" envInfo:"Path to LND's macaroon"`

	SmartChainRPCURL     string `mapstructure:"SMARTCHAIN_RPC_URL" envDefault:"" envInfo:"Smart-chain JSON-RPC endpoint"`
	SmartChainId         int64  `mapstructure:"SMARTCHAIN_CHAIN_ID" envDefault:"1" envInfo:"Smart-chain EIP-155 chain id"`
	SmartChainContract   string `mapstructure:"SMARTCHAIN_CONTRACT" envDefault:"" envInfo:"Escrow contract address holding the intermediary's balances"`
	SmartChainPrivateKey string `mapstructure:"SMARTCHAIN_PRIVATE_KEY" envDefault:"" envInfo:"Hex-encoded private key for the intermediary's smart-chain wallet"`

	TokenAddressUSDC string `mapstructure:"TOKEN_ADDRESS_USDC" envDefault:"" envInfo:"USDC contract address"`
	TokenAddressUSDT string `mapstructure:"TOKEN_ADDRESS_USDT" envDefault:"" envInfo:"USDT contract address"`
	TokenAddressETH  string `mapstructure:"TOKEN_ADDRESS_ETH" envDefault:"" envInfo:"ETH contract address, defaults to the zero address"`

	RebalanceThresholdPPM int64 `mapstructure:"REBALANCE_THRESHOLD_PPM" envDefault:"20000" envInfo:"Trigger a rebalance when the inventory split differs from parity by more than this many parts-per-million"`
	RebalanceAmountPPM    int64 `mapstructure:"REBALANCE_AMOUNT_PPM" envDefault:"500000" envInfo:"Fraction of the notional imbalance corrected per cycle, in parts-per-million"`

	RetryTimeSeconds      uint32 `mapstructure:"RETRY_TIME_SECONDS" envDefault:"15" envInfo:"Delay before a RETRYING job re-enters its prior state"`
	CheckIntervalSeconds  uint32 `mapstructure:"CHECK_INTERVAL_SECONDS" envDefault:"5" envInfo:"Engine tick period"`
	CooldownSeconds       uint32 `mapstructure:"COOLDOWN_SECONDS" envDefault:"5" envInfo:"Intra-action cooldown after a state transition"`
	MonitorIntervalSeconds uint32 `mapstructure:"MONITOR_INTERVAL_SECONDS" envDefault:"60" envInfo:"BalanceMonitor scan period"`
}

// LoadConfig reads environment variables (prefixed REBALANCER_) into a
// Config, applying the declared defaults for anything unset.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("REBALANCER")
	v.AutomaticEnv()

	if err := setDefaultConfig(v); err != nil {
		return nil, fmt.Errorf("config: set defaults: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("config: decode into struct: %w", err)
	}

	if config.CexTickerURL == "" {
		config.CexTickerURL = config.CexBaseURL
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	if err := makeDirectoryIfNotExists(config.Datadir); err != nil {
		return nil, fmt.Errorf("config: create data directory: %w", err)
	}

	return &config, nil
}

func (c *Config) validate() error {
	required := map[string]string{
		"CEX_BASE_URL":     c.CexBaseURL,
		"CEX_API_KEY":      c.ApiKey,
		"CEX_API_SECRET":   c.ApiSecret,
		"CEX_API_PASSWORD": c.ApiPassword,
	}
	var missing []string
	for name, val := range required {
		if val == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// TokenAddresses builds the domain.TokenAddresses table from the
// individually configured contract addresses.
func (c *Config) TokenAddresses() domain.TokenAddresses {
	addrs := domain.TokenAddresses{}
	if c.TokenAddressUSDC != "" {
		addrs[domain.USDC] = c.TokenAddressUSDC
	}
	if c.TokenAddressUSDT != "" {
		addrs[domain.USDT] = c.TokenAddressUSDT
	}
	if c.TokenAddressETH != "" {
		addrs[domain.ETH] = c.TokenAddressETH
	}
	return addrs
}

func (c *Config) RetryTime() time.Duration     { return time.Duration(c.RetryTimeSeconds) * time.Second }
func (c *Config) CheckInterval() time.Duration { return time.Duration(c.CheckIntervalSeconds) * time.Second }
func (c *Config) Cooldown() time.Duration      { return time.Duration(c.CooldownSeconds) * time.Second }
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalSeconds) * time.Second
}

func setDefaultConfig(v *viper.Viper) error {
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		key := f.Tag.Get("mapstructure")
		def := f.Tag.Get("envDefault")
		if def != "" {
			v.SetDefault(key, def)
		}
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("bind env variable for key %s: %w", key, err)
		}
	}
	return nil
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, 0o755)
	}
	return nil
}

// EnvSpec documents one environment variable for tools/gen-env-doc.
type EnvSpec struct {
	FullName    string
	Default     string
	Type        string
	Description string
	Notes       string
}

// EnvSpecs reflects over Config's tags to describe every environment
// variable it reads, for the doc generator in tools/gen-env-doc.
func EnvSpecs() []EnvSpec {
	t := reflect.TypeOf(Config{})
	specs := make([]EnvSpec, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		key := f.Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		notes := ""
		if strings.Contains(f.Tag.Get("envInfo"), "credential") || strings.HasSuffix(key, "_SECRET") ||
			strings.HasSuffix(key, "_PASSWORD") || strings.HasSuffix(key, "PRIVATE_KEY") {
			notes = "sensitive"
		}
		specs = append(specs, EnvSpec{
			FullName:    "REBALANCER_" + key,
			Default:     f.Tag.Get("envDefault"),
			Type:        f.Type.String(),
			Description: f.Tag.Get("envInfo"),
			Notes:       notes,
		})
	}
	return specs
}

//go:generate go run ../../tools/gen-env-doc/main.go
