package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultUserAgent is sent by every page unless overridden.
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Config holds all service configuration.
type Config struct {
	ListenAddr     string          `yaml:"listen_addr"`
	APIKey         string          `yaml:"api_key"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	LogLevel       string          `yaml:"log_level"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Browser        BrowserConfig   `yaml:"browser"`
	Locator        LocatorConfig   `yaml:"locator"`
	Cache          CacheConfig     `yaml:"cache"`
	PubSub         PubSubConfig    `yaml:"pubsub"`
	Batch          BatchConfig     `yaml:"batch"`
}

// RateLimitConfig bounds requests per client IP. Zero requests disables it.
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// BrowserConfig controls how Chrome is started.
type BrowserConfig struct {
	ExecPath     string   `yaml:"exec_path"`
	UserAgent    string   `yaml:"user_agent"`
	Headless     bool     `yaml:"headless"`
	WindowWidth  int      `yaml:"window_width"`
	WindowHeight int      `yaml:"window_height"`
	BlockImages  bool     `yaml:"block_images"`
	BlockedURLs  []string `yaml:"blocked_urls"`
}

// LocatorConfig controls navigation retries and search timeouts.
type LocatorConfig struct {
	Timeout            time.Duration `yaml:"timeout"`
	PageLoadTimeout    time.Duration `yaml:"page_load_timeout"`
	NavigationAttempts int           `yaml:"navigation_attempts"`
	NavigationBackoff  time.Duration `yaml:"navigation_backoff"`
	ReadyTimeout       time.Duration `yaml:"ready_timeout"`
	StrategyTimeout    time.Duration `yaml:"strategy_timeout"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	ScanMarkup         bool          `yaml:"scan_markup"`
	VerifyMedia        bool          `yaml:"verify_media"`
	// SearchUnready keeps searching a page whose document never reached
	// readyState "complete". Off, such a page is reported as having no video.
	SearchUnready bool `yaml:"search_unready"`
}

// StageBudget is how long a lookup takes when every stage runs into its own
// timeout: all navigation attempts with backoff, the ready wait, the four
// element waits, one iframe tab load and the reachability checks.
func (c LocatorConfig) StageBudget() time.Duration {
	attempts := max(c.NavigationAttempts, 1)
	budget := time.Duration(attempts)*c.PageLoadTimeout +
		time.Duration(attempts-1)*c.NavigationBackoff +
		c.ReadyTimeout +
		4*c.StrategyTimeout +
		c.PageLoadTimeout + c.StrategyTimeout
	if c.VerifyMedia {
		budget += 5 * reachTimeout
	}
	return budget
}

// CacheConfig selects the result cache. An empty RedisAddr keeps results in memory.
type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
}

// PubSubConfig enables lookup events when ProjectID and Topic are set.
type PubSubConfig struct {
	ProjectID    string `yaml:"project_id"`
	Topic        string `yaml:"topic"`
	Subscription string `yaml:"subscription"`
}

// BatchConfig bounds batch lookups.
type BatchConfig struct {
	Workers int `yaml:"workers"`
	MaxURLs int `yaml:"max_urls"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		ListenAddr:     ":5000",
		AllowedOrigins: []string{"*"},
		LogLevel:       "info",
		RateLimit: RateLimitConfig{
			Requests: 30,
			Window:   time.Minute,
		},
		Browser: BrowserConfig{
			UserAgent:    DefaultUserAgent,
			Headless:     true,
			WindowWidth:  1920,
			WindowHeight: 1080,
			BlockImages:  true,
			BlockedURLs: []string{
				"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp",
				"*.svg", "*.woff", "*.woff2", "*.ttf", "*.otf",
			},
		},
		Locator: LocatorConfig{
			Timeout:            4 * time.Minute,
			PageLoadTimeout:    30 * time.Second,
			NavigationAttempts: 3,
			NavigationBackoff:  2 * time.Second,
			ReadyTimeout:       10 * time.Second,
			StrategyTimeout:    15 * time.Second,
			PollInterval:       250 * time.Millisecond,
			ScanMarkup:         true,
		},
		Cache: CacheConfig{
			TTL: 5 * time.Minute,
		},
		Batch: BatchConfig{
			Workers: 3,
			MaxURLs: 20,
		},
	}
}

// LoadConfig merges defaults < YAML file < environment.
// An empty path falls back to LOCATOR_CONFIG; a missing file is an error only
// when the path was given explicitly.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = os.Getenv("LOCATOR_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if port := os.Getenv("PORT"); port != "" {
		c.ListenAddr = ":" + port
	}
	if v := os.Getenv("API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("CHROME_PATH"); v != "" {
		c.Browser.ExecPath = v
	}
	if v := os.Getenv("CHROME_WORKERS"); v != "" {
		num, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CHROME_WORKERS: %w", err)
		}
		c.Batch.Workers = num
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Cache.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Cache.RedisPassword = v
	}
	if v := os.Getenv("CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CACHE_TTL: %w", err)
		}
		c.Cache.TTL = d
	}
	if v := os.Getenv("STRATEGY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("STRATEGY_TIMEOUT: %w", err)
		}
		c.Locator.StrategyTimeout = d
	}
	if v := os.Getenv("PUBSUB_PROJECT"); v != "" {
		c.PubSub.ProjectID = v
	}
	if v := os.Getenv("PUBSUB_TOPIC"); v != "" {
		c.PubSub.Topic = v
	}
	if v := os.Getenv("PUBSUB_SUBSCRIPTION"); v != "" {
		c.PubSub.Subscription = v
	}
	return nil
}

// Validate checks that the configuration can drive a locator.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if c.Locator.NavigationAttempts < 1 {
		return fmt.Errorf("locator.navigation_attempts must be >= 1, got %d", c.Locator.NavigationAttempts)
	}
	if c.Locator.StrategyTimeout <= 0 {
		return errors.New("locator.strategy_timeout must be positive")
	}
	if c.Locator.PollInterval <= 0 {
		return errors.New("locator.poll_interval must be positive")
	}
	if c.Batch.Workers < 1 {
		return fmt.Errorf("batch.workers must be >= 1, got %d", c.Batch.Workers)
	}
	if c.Batch.MaxURLs < 1 {
		return fmt.Errorf("batch.max_urls must be >= 1, got %d", c.Batch.MaxURLs)
	}
	if c.RateLimit.Requests > 0 && c.RateLimit.Window <= 0 {
		return errors.New("rate_limit.window must be positive when requests is set")
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return errors.New("pubsub.project_id is required when a topic is set")
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
