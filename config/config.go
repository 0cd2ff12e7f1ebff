// Package config loads the daemon configuration from YAML plus credentials from the environment.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/ladder/internal/clients"
	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/logger"
	"github.com/vadiminshakov/ladder/internal/services/queue"
)

const (
	StoreBadger = "badger"
	StoreSQLite = "sqlite"

	defaultStorePath        = "./data/positions"
	defaultJournalDir       = "./wal/journal"
	defaultSimulateStateDir = "./wal/simulate"
	defaultHTTPAddr         = ":8080"
	defaultEvaluateInterval = time.Minute
	defaultProcessInterval  = 15 * time.Second
	defaultExitCooldown     = time.Hour
	defaultInstrumentTTL    = time.Hour
	defaultSimulateBalance  = 10000
	// below one satoshi a position counts as closed
	defaultDustVolume = "0.00000001"
)

// Config daemon configuration.
type Config struct {
	Log    logger.Config
	Store  StoreConfig
	HTTP   HTTPConfig
	Queue  queue.Config
	Worker WorkerConfig

	JournalDir string

	EvaluateInterval    time.Duration
	ProcessInterval     time.Duration
	EvalConcurrency     int
	AutoRetryExitFailed bool
	ExitFailedCooldown  time.Duration

	DustVolume    decimal.Decimal
	InstrumentTTL time.Duration
	Instruments   map[string]map[domain.Pair]domain.InstrumentInfo

	SimulateStateDir string
	SimulateBalances map[string]decimal.Decimal

	Credentials []domain.Credential
	Bots        []domain.Bot
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// ConfigTmp raw YAML document; decimals are kept as strings until parsed.
type ConfigTmp struct {
	Log        logger.Config `yaml:"log"`
	Store      StoreConfig   `yaml:"store"`
	HTTP       HTTPConfig    `yaml:"http"`
	JournalDir string        `yaml:"journal_dir"`

	Scheduler struct {
		EvaluateInterval time.Duration `yaml:"evaluate_interval"`
		ProcessInterval  time.Duration `yaml:"process_interval"`
	} `yaml:"scheduler"`

	Queue struct {
		MaxAttempts  int           `yaml:"max_attempts"`
		BaseBackoff  time.Duration `yaml:"base_backoff"`
		MaxBackoff   time.Duration `yaml:"max_backoff"`
		Multiplier   float64       `yaml:"multiplier"`
		StuckTimeout time.Duration `yaml:"stuck_timeout"`
		PollDelay    time.Duration `yaml:"poll_delay"`
	} `yaml:"queue"`

	Evaluator struct {
		Concurrency         int           `yaml:"concurrency"`
		AutoRetryExitFailed bool          `yaml:"auto_retry_exit_failed"`
		ExitFailedCooldown  time.Duration `yaml:"exit_failed_cooldown"`
	} `yaml:"evaluator"`

	Worker WorkerConfig `yaml:"worker"`

	DustVolume    string          `yaml:"dust_volume"`
	InstrumentTTL time.Duration   `yaml:"instrument_ttl"`
	Instruments   []InstrumentTmp `yaml:"instruments"`

	Simulate struct {
		StateDir string            `yaml:"state_dir"`
		Balances map[string]string `yaml:"balances"`
	} `yaml:"simulate"`

	Credentials []CredentialTmp `yaml:"credentials"`
	Bots        []BotTmp        `yaml:"bots"`
}

// InstrumentTmp instrument rule override for exchanges that do not publish them.
type InstrumentTmp struct {
	Exchange       string `yaml:"exchange"`
	Pair           string `yaml:"pair"`
	LotPrecision   int32  `yaml:"lot_precision"`
	PricePrecision int32  `yaml:"price_precision"`
	MinOrderSize   string `yaml:"min_order_size"`
}

// CredentialTmp credential reference. Keys are read from the named environment variables.
type CredentialTmp struct {
	ID           string `yaml:"id"`
	UserID       string `yaml:"user_id"`
	Exchange     string `yaml:"exchange"`
	APIKeyEnv    string `yaml:"api_key_env"`
	APISecretEnv string `yaml:"api_secret_env"`
	BaseURL      string `yaml:"base_url"`
}

// BotTmp bot seeded at startup when no bot with the same id exists.
type BotTmp struct {
	ID                  string `yaml:"id"`
	UserID              string `yaml:"user_id"`
	Exchange            string `yaml:"exchange"`
	Pair                string `yaml:"pair"`
	InitialOrderAmount  string `yaml:"initial_order_amount"`
	TradeMultiplier     string `yaml:"trade_multiplier"`
	MaxEntries          int    `yaml:"max_entries"`
	StepPercent         string `yaml:"step_percent"`
	StepMultiplier      string `yaml:"step_multiplier"`
	TakeProfitPercent   string `yaml:"take_profit_percent"`
	ExitPercentage      string `yaml:"exit_percentage"`
	ReEntryDelayMinutes int    `yaml:"re_entry_delay_minutes"`
}

// Get reads the --config flag and loads the file it names. A .env file next to the
// working directory is loaded first when present.
func Get() (Config, error) {
	path := flag.String("config", "config.yaml", "path to yaml config")
	flag.Parse()

	_ = godotenv.Load()

	return Load(*path)
}

// Load parses the YAML file at path.
func Load(path string) (Config, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	return Parse(payload)
}

// Parse parses a YAML document and applies defaults.
func Parse(payload []byte) (Config, error) {
	var tmp ConfigTmp
	if err := yaml.Unmarshal(payload, &tmp); err != nil {
		return Config{}, fmt.Errorf("decode yaml config: %w", err)
	}

	cfg := Config{
		Log:        tmp.Log,
		Store:      tmp.Store,
		HTTP:       tmp.HTTP,
		JournalDir: tmp.JournalDir,
		Queue: queue.Config{
			MaxAttempts:  tmp.Queue.MaxAttempts,
			BaseBackoff:  tmp.Queue.BaseBackoff,
			MaxBackoff:   tmp.Queue.MaxBackoff,
			Multiplier:   tmp.Queue.Multiplier,
			StuckTimeout: tmp.Queue.StuckTimeout,
			PollDelay:    tmp.Queue.PollDelay,
		},
		Worker:              tmp.Worker,
		EvaluateInterval:    tmp.Scheduler.EvaluateInterval,
		ProcessInterval:     tmp.Scheduler.ProcessInterval,
		EvalConcurrency:     tmp.Evaluator.Concurrency,
		AutoRetryExitFailed: tmp.Evaluator.AutoRetryExitFailed,
		ExitFailedCooldown:  tmp.Evaluator.ExitFailedCooldown,
		InstrumentTTL:       tmp.InstrumentTTL,
		SimulateStateDir:    tmp.Simulate.StateDir,
		Instruments:         make(map[string]map[domain.Pair]domain.InstrumentInfo),
		SimulateBalances:    make(map[string]decimal.Decimal),
	}
	cfg.setDefaults()

	if err := cfg.parseDust(tmp.DustVolume); err != nil {
		return Config{}, err
	}

	for _, it := range tmp.Instruments {
		pair, err := domain.ParsePair(it.Pair)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'pair' param in instruments: %w", err)
		}
		minSize, err := parseDecimal("min_order_size", it.MinOrderSize, decimal.Zero)
		if err != nil {
			return Config{}, err
		}
		if cfg.Instruments[it.Exchange] == nil {
			cfg.Instruments[it.Exchange] = make(map[domain.Pair]domain.InstrumentInfo)
		}
		cfg.Instruments[it.Exchange][pair] = domain.InstrumentInfo{
			LotPrecision:   it.LotPrecision,
			PricePrecision: it.PricePrecision,
			MinOrderSize:   minSize,
		}
	}

	for asset, amount := range tmp.Simulate.Balances {
		d, err := parseDecimal("simulate.balances."+asset, amount, decimal.Zero)
		if err != nil {
			return Config{}, err
		}
		cfg.SimulateBalances[strings.ToUpper(asset)] = d
	}
	if len(cfg.SimulateBalances) == 0 {
		cfg.SimulateBalances["USDT"] = decimal.NewFromInt(defaultSimulateBalance)
	}

	seen := make(map[string]bool)
	for _, c := range tmp.Credentials {
		cred, err := resolveCredential(c)
		if err != nil {
			return Config{}, err
		}
		if seen[cred.ID] {
			return Config{}, fmt.Errorf("duplicate credential id %q", cred.ID)
		}
		seen[cred.ID] = true
		cfg.Credentials = append(cfg.Credentials, cred)
	}

	for _, b := range tmp.Bots {
		bot, err := b.toBot()
		if err != nil {
			return Config{}, err
		}
		cfg.Bots = append(cfg.Bots, bot)
	}

	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = StoreBadger
	}
	if c.Store.Path == "" {
		c.Store.Path = defaultStorePath
	}
	if c.JournalDir == "" {
		c.JournalDir = defaultJournalDir
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = defaultHTTPAddr
	}
	if c.EvaluateInterval <= 0 {
		c.EvaluateInterval = defaultEvaluateInterval
	}
	if c.ProcessInterval <= 0 {
		c.ProcessInterval = defaultProcessInterval
	}
	if c.ExitFailedCooldown <= 0 {
		c.ExitFailedCooldown = defaultExitCooldown
	}
	if c.InstrumentTTL <= 0 {
		c.InstrumentTTL = defaultInstrumentTTL
	}
	if c.SimulateStateDir == "" {
		c.SimulateStateDir = defaultSimulateStateDir
	}
	if c.Log.Output == "" {
		c.Log.Output = "console"
	}
}

func (c *Config) parseDust(s string) error {
	dust, err := parseDecimal("dust_volume", s, decimal.RequireFromString(defaultDustVolume))
	if err != nil {
		return err
	}
	if dust.IsNegative() {
		return fmt.Errorf("incorrect 'dust_volume' param in yaml config: must not be negative")
	}
	c.DustVolume = dust
	return nil
}

// resolveCredential reads the key pair from the environment.
// Env names default to <EXCHANGE>_API_KEY and <EXCHANGE>_API_SECRET.
func resolveCredential(c CredentialTmp) (domain.Credential, error) {
	if c.ID == "" || c.UserID == "" || c.Exchange == "" {
		return domain.Credential{}, fmt.Errorf("credential needs id, user_id and exchange: %+v", c)
	}

	cred := domain.Credential{ID: c.ID, UserID: c.UserID, Exchange: c.Exchange, BaseURL: c.BaseURL}
	if c.Exchange == clients.ExchangeSimulate {
		return cred, nil
	}

	prefix := strings.ToUpper(c.Exchange)
	keyEnv, secretEnv := c.APIKeyEnv, c.APISecretEnv
	if keyEnv == "" {
		keyEnv = prefix + "_API_KEY"
	}
	if secretEnv == "" {
		secretEnv = prefix + "_API_SECRET"
	}

	cred.APIKey = os.Getenv(keyEnv)
	cred.APISecret = os.Getenv(secretEnv)

	// hyperliquid signs with a private key only
	if cred.APISecret == "" || (cred.APIKey == "" && c.Exchange != clients.ExchangeHyperliquid) {
		return domain.Credential{}, fmt.Errorf("credential %s: %s and %s environment variables must be set", c.ID, keyEnv, secretEnv)
	}

	return cred, nil
}

func (b BotTmp) toBot() (domain.Bot, error) {
	pair, err := domain.ParsePair(b.Pair)
	if err != nil {
		return domain.Bot{}, fmt.Errorf("incorrect 'pair' param in bot %s: %w", b.ID, err)
	}

	bot := domain.Bot{
		ID:                  b.ID,
		UserID:              b.UserID,
		Exchange:            b.Exchange,
		Pair:                pair,
		Status:              domain.BotStatusActive,
		MaxEntries:          b.MaxEntries,
		ReEntryDelayMinutes: b.ReEntryDelayMinutes,
	}

	fields := []struct {
		name string
		raw  string
		def  decimal.Decimal
		dst  *decimal.Decimal
	}{
		{"initial_order_amount", b.InitialOrderAmount, decimal.Zero, &bot.InitialOrderAmount},
		{"trade_multiplier", b.TradeMultiplier, decimal.NewFromInt(1), &bot.TradeMultiplier},
		{"step_percent", b.StepPercent, decimal.NewFromInt(1), &bot.StepPercent},
		{"step_multiplier", b.StepMultiplier, decimal.NewFromInt(1), &bot.StepMultiplier},
		{"take_profit_percent", b.TakeProfitPercent, decimal.NewFromInt(1), &bot.TakeProfitPercent},
		{"exit_percentage", b.ExitPercentage, decimal.NewFromInt(100), &bot.ExitPercentage},
	}
	for _, f := range fields {
		d, err := parseDecimal(f.name, f.raw, f.def)
		if err != nil {
			return domain.Bot{}, fmt.Errorf("bot %s: %w", b.ID, err)
		}
		*f.dst = d
	}

	if err := bot.Validate(); err != nil {
		return domain.Bot{}, err
	}

	return bot, nil
}

func parseDecimal(name, raw string, def decimal.Decimal) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("incorrect '%s' param in yaml config (must be a decimal), error: %w", name, err)
	}
	return d, nil
}
