package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "BOOKPRICES_"

// Config holds scraper and ledger configuration.
type Config struct {
	DatabasePath string
	SitesFile    string // empty uses the built-in site table

	Parallelism        int
	BrowserParallelism int
	Delay              time.Duration
	RandomDelay        time.Duration
	Timeout            time.Duration

	Headless          bool
	BrowserBin        string
	NavigationTimeout time.Duration
	ElementTimeout    time.Duration
	BrowserLaunches   float64 // browser launches per second

	DocumentCacheSize int
	DocumentCacheTTL  time.Duration

	OutputFile   string // empty disables the observation export
	OutputFormat string // csv, json, or dual
	UserAgent    string
	MetricsAddr  string
	Verbose      bool
}

// DefaultConfig returns defaults suited to a nightly run from one machine.
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:       "bookprices.db",
		Parallelism:        runtime.NumCPU(),
		BrowserParallelism: 1,
		Delay:              0,
		RandomDelay:        0,
		Timeout:            30 * time.Second,
		Headless:           true,
		NavigationTimeout:  30 * time.Second,
		ElementTimeout:     10 * time.Second,
		BrowserLaunches:    1,
		DocumentCacheSize:  512,
		DocumentCacheTTL:   10 * time.Minute,
		OutputFormat:       "csv",
		UserAgent:          "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		Verbose:            false,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if c.BrowserParallelism <= 0 {
		return fmt.Errorf("browser parallelism must be positive")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.RandomDelay < 0 {
		return fmt.Errorf("random delay cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.NavigationTimeout <= 0 {
		return fmt.Errorf("navigation timeout must be positive")
	}
	if c.ElementTimeout <= 0 {
		return fmt.Errorf("element timeout must be positive")
	}
	if c.BrowserLaunches <= 0 {
		return fmt.Errorf("browser launches per second must be positive")
	}
	if c.DocumentCacheSize < 0 {
		return fmt.Errorf("document cache size cannot be negative")
	}
	if c.DocumentCacheSize > 0 && c.DocumentCacheTTL <= 0 {
		return fmt.Errorf("document cache ttl must be positive when the cache is enabled")
	}
	if c.OutputFile != "" && c.OutputFormat != "csv" && c.OutputFormat != "json" && c.OutputFormat != "dual" {
		return fmt.Errorf("output format must be csv, json, or dual")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}

// ApplyEnv overrides fields from BOOKPRICES_* environment variables.
func (c *Config) ApplyEnv() {
	c.DatabasePath = EnvString("DATABASE", c.DatabasePath)
	c.SitesFile = EnvString("SITES_FILE", c.SitesFile)
	c.Parallelism = EnvInt("PARALLELISM", c.Parallelism)
	c.BrowserParallelism = EnvInt("BROWSER_PARALLELISM", c.BrowserParallelism)
	c.Delay = EnvDuration("DELAY", c.Delay)
	c.RandomDelay = EnvDuration("RANDOM_DELAY", c.RandomDelay)
	c.Timeout = EnvDuration("TIMEOUT", c.Timeout)
	c.Headless = EnvBool("HEADLESS", c.Headless)
	c.BrowserBin = EnvString("BROWSER_BIN", c.BrowserBin)
	c.BrowserLaunches = EnvFloat("BROWSER_LAUNCHES", c.BrowserLaunches)
	c.NavigationTimeout = EnvDuration("NAVIGATION_TIMEOUT", c.NavigationTimeout)
	c.ElementTimeout = EnvDuration("ELEMENT_TIMEOUT", c.ElementTimeout)
	c.DocumentCacheSize = EnvInt("CACHE_SIZE", c.DocumentCacheSize)
	c.DocumentCacheTTL = EnvDuration("CACHE_TTL", c.DocumentCacheTTL)
	c.UserAgent = EnvString("USER_AGENT", c.UserAgent)
	c.MetricsAddr = EnvString("METRICS_ADDR", c.MetricsAddr)
}

// EnvString returns the value of EnvPrefix+key, or fallback when unset or blank.
func EnvString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(EnvPrefix + key)); v != "" {
		return v
	}
	return fallback
}

// EnvInt returns EnvPrefix+key parsed as an int, or fallback when unset or
// unparsable.
func EnvInt(key string, fallback int) int {
	v := EnvString(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// EnvDuration parses values like "30s" or "2m".
func EnvDuration(key string, fallback time.Duration) time.Duration {
	v := EnvString(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// EnvFloat returns EnvPrefix+key parsed as a float, or fallback when unset or
// unparsable.
func EnvFloat(key string, fallback float64) float64 {
	v := EnvString(key, "")
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func EnvBool(key string, fallback bool) bool {
	v := EnvString(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
