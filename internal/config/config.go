package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Vapi      VapiConfig      `yaml:"vapi" mapstructure:"vapi"`
	Campaign  CampaignConfig  `yaml:"campaign" mapstructure:"campaign"`
	Ingest    IngestConfig    `yaml:"ingest" mapstructure:"ingest"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Trigger   TriggerConfig   `yaml:"trigger" mapstructure:"trigger"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// VapiConfig holds Vapi voice API credentials and call routing ids.
type VapiConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	AssistantID   string `yaml:"assistant_id" mapstructure:"assistant_id"`
	PhoneNumberID string `yaml:"phone_number_id" mapstructure:"phone_number_id"`
}

// SourceCampaignConfig holds per-source offer text and call stage thresholds.
type SourceCampaignConfig struct {
	OfferText     string        `yaml:"offer_text" mapstructure:"offer_text"`
	ThankYouText  string        `yaml:"thank_you_text" mapstructure:"thank_you_text"`
	InitialAfter  time.Duration `yaml:"initial_after" mapstructure:"initial_after"`
	ThankYouAfter time.Duration `yaml:"thank_you_after" mapstructure:"thank_you_after"`
}

// CampaignConfig configures the call campaign engine.
type CampaignConfig struct {
	// Sources maps a lead source name to its campaign settings. May also be
	// loaded from a standalone catalog file (catalog_file) instead.
	Sources     map[string]SourceCampaignConfig `yaml:"sources" mapstructure:"sources"`
	CatalogFile string                          `yaml:"catalog_file" mapstructure:"catalog_file"`

	// Cooldown is the mandatory pause after each successful call placement.
	Cooldown time.Duration `yaml:"cooldown" mapstructure:"cooldown"`

	// Debug shortens all stage thresholds and redirects every placed call to
	// TestPhoneNumber. Applied at the placement boundary only.
	Debug              bool          `yaml:"debug" mapstructure:"debug"`
	TestPhoneNumber    string        `yaml:"test_phone_number" mapstructure:"test_phone_number"`
	DebugInitialAfter  time.Duration `yaml:"debug_initial_after" mapstructure:"debug_initial_after"`
	DebugThankYouAfter time.Duration `yaml:"debug_thank_you_after" mapstructure:"debug_thank_you_after"`

	// FallbackTimezone interprets timezone-naive created_at values.
	FallbackTimezone string `yaml:"fallback_timezone" mapstructure:"fallback_timezone"`

	// FinalizeTerminal also records failed/canceled/error gateway statuses as
	// terminal outcomes instead of polling them forever.
	FinalizeTerminal bool `yaml:"finalize_terminal" mapstructure:"finalize_terminal"`
}

// IngestConfig configures lead feed ingestion.
type IngestConfig struct {
	// Feeds maps a lead source name to the URL of its feed.
	Feeds       map[string]string `yaml:"feeds" mapstructure:"feeds"`
	TimeoutSecs int               `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// AnthropicConfig holds settings for post-call transcript analysis.
// Analysis is skipped entirely when Key is empty.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// TriggerConfig configures the periodic daemon trigger.
type TriggerConfig struct {
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
}

// ServerConfig configures the daemon health/status server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("OUTREACH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Secrets default to empty so env-only overrides are visible
	// to Unmarshal.
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("vapi.key", "")
	v.SetDefault("vapi.assistant_id", "")
	v.SetDefault("vapi.phone_number_id", "")
	v.SetDefault("anthropic.key", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("vapi.base_url", "https://api.vapi.ai")
	v.SetDefault("campaign.cooldown", "30m")
	v.SetDefault("campaign.test_phone_number", "+40785487261")
	v.SetDefault("campaign.debug_initial_after", "30s")
	v.SetDefault("campaign.debug_thank_you_after", "60s")
	v.SetDefault("campaign.fallback_timezone", "Europe/Bucharest")
	v.SetDefault("campaign.finalize_terminal", false)
	v.SetDefault("ingest.timeout_secs", 60)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("trigger.interval", "25s")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings required by the given command profile.
// Profiles: "store" (store only), "ingest" (store + feeds), "engine"
// (store + gateway + catalog). Configuration errors are fatal at startup;
// they are never masked at run time.
func (c *Config) Validate(profile string) error {
	if c.Store.Driver != "postgres" && c.Store.Driver != "sqlite" {
		return eris.Errorf("config: unsupported store driver %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		return eris.New("config: store.database_url is required")
	}

	switch profile {
	case "store":
		return nil
	case "ingest":
		if len(c.Ingest.Feeds) == 0 {
			return eris.New("config: ingest.feeds must name at least one source feed")
		}
		return nil
	case "engine":
		if c.Vapi.Key == "" {
			return eris.New("config: vapi.key is required")
		}
		if c.Vapi.AssistantID == "" {
			return eris.New("config: vapi.assistant_id is required")
		}
		if c.Vapi.PhoneNumberID == "" {
			return eris.New("config: vapi.phone_number_id is required")
		}
		if len(c.Campaign.Sources) == 0 && c.Campaign.CatalogFile == "" {
			return eris.New("config: campaign.sources or campaign.catalog_file is required")
		}
		if c.Campaign.Debug && c.Campaign.TestPhoneNumber == "" {
			return eris.New("config: campaign.test_phone_number is required in debug mode")
		}
		if _, err := time.LoadLocation(c.Campaign.FallbackTimezone); err != nil {
			return eris.Wrapf(err, "config: invalid campaign.fallback_timezone %q", c.Campaign.FallbackTimezone)
		}
		return nil
	default:
		return eris.Errorf("config: unknown validation profile %q", profile)
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
