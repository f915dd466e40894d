// Package config holds scraper configuration and validation.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds scraper configuration.
type Config struct {
	BaseURL            string
	StartPage          int
	EndPage            int
	Parallelism        int
	RateLimit          time.Duration
	Timeout            time.Duration
	MaxRetries         int
	RetryBackoff       time.Duration
	RetryBackoffMax    time.Duration
	RetryAttemptsCap   int
	OutputFile         string
	OutputFormat       string // csv, json, or dual
	LogFile            string
	UserAgent          string
	MetricsAddr        string
	PipelineBufferSize int
	BatchSize          int
	Verbose            bool
	RespectRobotsTxt   bool
}

// DefaultConfig returns conservative defaults for the demo target.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:            "https://books.toscrape.com",
		StartPage:          1,
		EndPage:            50,
		Parallelism:        5,
		RateLimit:          time.Second,
		Timeout:            10 * time.Second,
		MaxRetries:         3,
		RetryBackoff:       time.Second,
		RetryBackoffMax:    10 * time.Second,
		RetryAttemptsCap:   1024,
		OutputFile:         "output/books.csv",
		OutputFormat:       "csv",
		LogFile:            "scraper.log",
		UserAgent:          "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		PipelineBufferSize: 512,
		BatchSize:          64,
		Verbose:            false,
		RespectRobotsTxt:   false,
	}
}

// PageURL builds the catalogue URL for a page number.
func (c *Config) PageURL(page int) string {
	return fmt.Sprintf("%s/catalogue/page-%d.html", strings.TrimSuffix(c.BaseURL, "/"), page)
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	if c.StartPage <= 0 {
		return fmt.Errorf("start page must be positive")
	}
	if c.EndPage < c.StartPage {
		return fmt.Errorf("end page (%d) cannot precede start page (%d)", c.EndPage, c.StartPage)
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate limit cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.RetryAttemptsCap <= 0 {
		return fmt.Errorf("retry attempts cap must be positive")
	}
	if c.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty")
	}
	if c.OutputFormat != "csv" && c.OutputFormat != "json" && c.OutputFormat != "dual" {
		return fmt.Errorf("output format must be csv, json, or dual")
	}
	if c.PipelineBufferSize <= 0 {
		return fmt.Errorf("pipeline buffer size must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}

// EnvInt reads an integer environment variable. The second return reports
// whether the variable was set.
func EnvInt(name string) (int, bool, error) {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return 0, false, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s must be an integer: %w", name, err)
	}
	return value, true, nil
}

// EnvString reads a string environment variable, reporting presence.
func EnvString(name string) (string, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return "", false
	}
	return raw, true
}
