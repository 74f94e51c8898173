package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type sample struct {
	URL      string        `env:"SAMPLE_URL" envDefault:"http://localhost:8000"`
	Interval time.Duration `env:"SAMPLE_INTERVAL" envDefault:"1s"`
	Retries  int           `env:"SAMPLE_RETRIES"`
}

func TestNewDefaults(t *testing.T) {
	cfg, err := New[sample]()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.URL != "http://localhost:8000" || cfg.Interval != time.Second || cfg.Retries != 0 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestNewFromEnv(t *testing.T) {
	t.Setenv("SAMPLE_URL", "https://calls.example.com")
	t.Setenv("SAMPLE_INTERVAL", "250ms")
	t.Setenv("SAMPLE_RETRIES", "3")

	cfg, err := New[sample]()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.URL != "https://calls.example.com" || cfg.Interval != 250*time.Millisecond || cfg.Retries != 3 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestNewRejectsBadValue(t *testing.T) {
	t.Setenv("SAMPLE_INTERVAL", "soon")

	if _, err := New[sample](); err == nil {
		t.Fatal("invalid duration accepted")
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env.test")
	if err := os.WriteFile(path, []byte("SAMPLE_RETRIES=7\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ENV_FILE", path)
	t.Setenv("SAMPLE_RETRIES", "")
	os.Unsetenv("SAMPLE_RETRIES")

	cfg, err := Load[sample]()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Retries != 7 {
		t.Fatalf("Retries = %d, want 7", cfg.Retries)
	}
}

func TestLoadEnvMissingExplicitFile(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))

	if err := LoadEnv(); err == nil {
		t.Fatal("missing ENV_FILE accepted")
	}
}

func TestLoadEnvWithoutDefaultFile(t *testing.T) {
	t.Setenv("ENV_FILE", "")
	t.Chdir(t.TempDir())

	if err := LoadEnv(); err != nil {
		t.Fatalf("LoadEnv without .env: %v", err)
	}
}
