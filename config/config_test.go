package config

import (
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name: "negative parallelism",
			mutate: func(cfg *Config) {
				cfg.Parallelism = -1
			},
			wantErr: "parallelism",
		},
		{
			name: "zero start page",
			mutate: func(cfg *Config) {
				cfg.StartPage = 0
			},
			wantErr: "start page",
		},
		{
			name: "end before start",
			mutate: func(cfg *Config) {
				cfg.StartPage = 10
				cfg.EndPage = 3
			},
			wantErr: "end page",
		},
		{
			name: "empty base url",
			mutate: func(cfg *Config) {
				cfg.BaseURL = ""
			},
			wantErr: "base URL",
		},
		{
			name: "invalid url format",
			mutate: func(cfg *Config) {
				cfg.BaseURL = "http://"
			},
			wantErr: "base URL",
		},
		{
			name: "negative timeout",
			mutate: func(cfg *Config) {
				cfg.Timeout = -1 * time.Second
			},
			wantErr: "timeout",
		},
		{
			name: "negative rate limit",
			mutate: func(cfg *Config) {
				cfg.RateLimit = -1 * time.Second
			},
			wantErr: "rate limit",
		},
		{
			name: "backoff exceeds cap",
			mutate: func(cfg *Config) {
				cfg.RetryBackoff = 20 * time.Second
				cfg.RetryBackoffMax = 2 * time.Second
			},
			wantErr: "retry backoff",
		},
		{
			name: "unknown output format",
			mutate: func(cfg *Config) {
				cfg.OutputFormat = "xml"
			},
			wantErr: "output format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestPageURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseURL = "http://example.test/"

	if got, want := cfg.PageURL(7), "http://example.test/catalogue/page-7.html"; got != want {
		t.Fatalf("page url = %q, want %q", got, want)
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("SCRAPER_TEST_INT", "42")
	value, ok, err := EnvInt("SCRAPER_TEST_INT")
	if err != nil || !ok || value != 42 {
		t.Fatalf("EnvInt = (%d, %v, %v), want (42, true, nil)", value, ok, err)
	}

	t.Setenv("SCRAPER_TEST_INT", "nope")
	if _, _, err := EnvInt("SCRAPER_TEST_INT"); err == nil {
		t.Fatalf("expected error for non-integer value")
	}

	if _, ok, err := EnvInt("SCRAPER_TEST_INT_UNSET"); ok || err != nil {
		t.Fatalf("unset variable should report absent, got (%v, %v)", ok, err)
	}
}

func TestEnvString(t *testing.T) {
	t.Setenv("SCRAPER_TEST_STR", "output/books.csv")
	if value, ok := EnvString("SCRAPER_TEST_STR"); !ok || value != "output/books.csv" {
		t.Fatalf("EnvString = (%q, %v)", value, ok)
	}

	if _, ok := EnvString("SCRAPER_TEST_STR_UNSET"); ok {
		t.Fatalf("unset variable should report absent")
	}
}
