// Package config loads service configuration from the environment, an
// optional .env file and an optional YAML file.
//
// Priority: environment variables > YAML file (CONFIG_FILE) > defaults.
// YAML keys are flattened to environment-style names, so
//
//	feed:
//	  base_url: https://example.org
//
// sets FEED_BASE_URL.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/trustedstake/stake-engine/internal/account"
)

// LogConfig selects the log level, format and destination.
type LogConfig struct {
	Level    string // debug|info|warn|error
	Format   string // text|json
	Output   string // console|file|both
	FilePath string
}

// Config holds every setting of the stake engine.
type Config struct {
	// HTTP
	Port           string
	RequestTimeout time.Duration

	// Persistence
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	// Chain
	ChainURL         string
	ChainPageSize    int
	FetchConcurrency int

	// Upstream APIs
	FeedBaseURL      string
	PriceURL         string
	FeedPageInterval time.Duration
	FeedTimeout      time.Duration

	// PnL
	PnLCacheSize int
	PnLQueueSize int

	// Poller
	PollInterval   time.Duration
	WatchAddresses []string

	Log LogConfig
}

// Defaults.
const (
	DefaultPort     = "8080"
	DefaultChainURL = "wss://entrypoint-finney.opentensor.ai:443"
)

// Load reads the configuration. A missing .env file is not an error; a
// CONFIG_FILE that cannot be read or parsed is.
func Load() (*Config, error) {
	// Attempt to load .env file (ignore error if not found)
	_ = godotenv.Load()

	file, err := loadFile(strings.TrimSpace(os.Getenv("CONFIG_FILE")))
	if err != nil {
		return nil, err
	}
	src := source{file: file}

	cfg := &Config{
		Port:        src.str("PORT", DefaultPort),
		DatabaseURL: src.str("DATABASE_URL", ""),
		RedisURL:    src.str("REDIS_URL", ""),
		ChainURL:    src.str("SUBTENSOR_URL", DefaultChainURL),
		FeedBaseURL: src.str("FEED_BASE_URL", ""),
		PriceURL:    src.str("PRICE_URL", ""),
		Log: LogConfig{
			Level:    src.str("LOG_LEVEL", "info"),
			Format:   src.str("LOG_FORMAT", "json"),
			Output:   src.str("LOG_OUTPUT", "console"),
			FilePath: src.str("LOG_FILE", ""),
		},
	}
	cfg.WatchAddresses = parseCSV(src.str("WATCH_ADDRESSES", ""))

	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"REQUEST_TIMEOUT", 30 * time.Second, &cfg.RequestTimeout},
		{"CACHE_TTL", 30 * time.Second, &cfg.CacheTTL},
		{"FEED_PAGE_INTERVAL", 200 * time.Millisecond, &cfg.FeedPageInterval},
		{"FEED_TIMEOUT", 15 * time.Second, &cfg.FeedTimeout},
		{"POLL_INTERVAL", time.Minute, &cfg.PollInterval},
	}
	for _, d := range durations {
		if *d.dst, err = src.duration(d.key, d.fallback); err != nil {
			return nil, err
		}
	}

	ints := []struct {
		key      string
		fallback int
		dst      *int
	}{
		{"CHAIN_PAGE_SIZE", 1000, &cfg.ChainPageSize},
		{"FETCH_CONCURRENCY", 8, &cfg.FetchConcurrency},
		{"PNL_CACHE_SIZE", 128, &cfg.PnLCacheSize},
		{"PNL_QUEUE_SIZE", 16, &cfg.PnLQueueSize},
	}
	for _, n := range ints {
		if *n.dst, err = src.positiveInt(n.key, n.fallback); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that parse but cannot work.
func (c *Config) Validate() error {
	var errs []error
	if _, err := strconv.ParseUint(c.Port, 10, 16); err != nil {
		errs = append(errs, fmt.Errorf("invalid PORT %q", c.Port))
	}
	if u, err := url.Parse(c.ChainURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("invalid SUBTENSOR_URL %q: expected ws:// or wss://", c.ChainURL))
	}
	for _, addr := range c.WatchAddresses {
		if !account.Valid(addr) {
			errs = append(errs, fmt.Errorf("invalid WATCH_ADDRESSES entry %q", addr))
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid LOG_FORMAT %q (expected text|json)", c.Log.Format))
	}
	switch strings.ToLower(c.Log.Output) {
	case "", "console", "file", "both":
	default:
		errs = append(errs, fmt.Errorf("invalid LOG_OUTPUT %q (expected console|file|both)", c.Log.Output))
	}
	return errors.Join(errs...)
}

// source resolves a key from the environment first, then the YAML file.
type source struct {
	file map[string]string
}

func (s source) value(key string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return strings.TrimSpace(s.file[key])
}

func (s source) str(key, fallback string) string {
	if v := s.value(key); v != "" {
		return v
	}
	return fallback
}

func (s source) duration(key string, fallback time.Duration) (time.Duration, error) {
	raw := s.value(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return d, nil
}

func (s source) positiveInt(key string, fallback int) (int, error) {
	raw := s.value(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return v, nil
}

func parseCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func loadFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}
	raw := make(map[string]any)
	if err := yaml.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", path, err)
	}
	out := make(map[string]string)
	for key, value := range raw {
		if err := flatten(normalizeKey(key), value, out); err != nil {
			return nil, fmt.Errorf("flatten config file %q: %w", path, err)
		}
	}
	return out, nil
}

func flatten(prefix string, value any, out map[string]string) error {
	if prefix == "" {
		return nil
	}
	switch typed := value.(type) {
	case map[string]any:
		for key, child := range typed {
			if seg := normalizeKey(key); seg != "" {
				if err := flatten(prefix+"_"+seg, child, out); err != nil {
					return err
				}
			}
		}
	case []any:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			switch item.(type) {
			case map[string]any, []any:
				return fmt.Errorf("unsupported list item type %T under %q", item, prefix)
			}
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				parts = append(parts, s)
			}
		}
		out[prefix] = strings.Join(parts, ",")
	case nil:
	default:
		out[prefix] = fmt.Sprint(typed)
	}
	return nil
}

// normalizeKey upper-cases a YAML key and turns separators into underscores.
func normalizeKey(raw string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.TrimSpace(raw) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}
