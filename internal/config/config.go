// Package config loads application configuration from HCL files and
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfighcl"

	"rss_reader/internal/fetcher"
)

// EnvPrefix prefixes every environment variable, e.g. READER_LOG_LEVEL.
const EnvPrefix = "READER"

// DefaultFiles are read in order when Load is called without files.
var DefaultFiles = []string{"./reader.hcl", "./reader.local.hcl"}

// Config holds the application configuration.
type Config struct {
	DatabasePath    string        `hcl:"database_path" env:"DATABASE_PATH" default:"./data/reader.db"`
	LogLevel        string        `hcl:"log_level" env:"LOG_LEVEL" default:"info"`
	ArticleRelays   []string      `hcl:"article_relays" env:"ARTICLE_RELAYS" default:"https://corsproxy.io/?,json:https://api.allorigins.win/get?url=#contents,https://api.codetabs.com/v1/proxy?quest="`
	FeedRelays      []string      `hcl:"feed_relays" env:"FEED_RELAYS" default:"https://api.allorigins.win/raw?url="`
	FetchTimeout    time.Duration `hcl:"fetch_timeout" env:"FETCH_TIMEOUT" default:"30s"`
	FetchAttempts   int           `hcl:"fetch_attempts" env:"FETCH_ATTEMPTS" default:"3"`
	RetryBackoff    time.Duration `hcl:"retry_backoff" env:"RETRY_BACKOFF" default:"1s"`
	SampleSize      int           `hcl:"sample_size" env:"SAMPLE_SIZE" default:"10"`
	ProminentWidth  int           `hcl:"prominent_width" env:"PROMINENT_WIDTH" default:"300"`
	RefreshInterval time.Duration `hcl:"refresh_interval" env:"REFRESH_INTERVAL" default:"15m"`
}

// Load reads configuration from files, then from the environment.
// Missing files are ignored.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = DefaultFiles
	}

	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		SkipFlags: true,
		EnvPrefix: EnvPrefix,
		Files:     files,
		FileDecoders: map[string]aconfig.FileDecoder{
			".hcl": aconfighcl.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	if c.FetchAttempts < 1 {
		return fmt.Errorf("fetch attempts must be at least 1, got %d", c.FetchAttempts)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("fetch timeout must be positive, got %s", c.FetchTimeout)
	}
	if c.SampleSize < 1 {
		return fmt.Errorf("sample size must be at least 1, got %d", c.SampleSize)
	}
	if len(c.ArticleRelays) == 0 || len(c.FeedRelays) == 0 {
		return fmt.Errorf("article and feed relays are required")
	}
	if _, _, err := c.Relays(); err != nil {
		return err
	}
	return nil
}

// Relays parses the configured relay chains.
func (c *Config) Relays() (articles, feeds []fetcher.Relay, err error) {
	articles, err = fetcher.ParseRelays(c.ArticleRelays)
	if err != nil {
		return nil, nil, fmt.Errorf("article relays: %w", err)
	}
	feeds, err = fetcher.ParseRelays(c.FeedRelays)
	if err != nil {
		return nil, nil, fmt.Errorf("feed relays: %w", err)
	}
	return articles, feeds, nil
}
