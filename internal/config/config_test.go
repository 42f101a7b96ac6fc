package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Database.Driver != "sqlite" || cfg.Database.Path == "" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Auth.TokenTTL != 24*time.Hour || cfg.Redis.TTL != 10*time.Minute {
		t.Fatalf("unexpected durations: %+v", cfg)
	}
	if cfg.AMQP.Exchange != "fleet.reports" {
		t.Fatalf("unexpected amqp defaults: %+v", cfg.AMQP)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9000
database:
  driver: postgres
  url: postgres://fleet@localhost/fleet
redis:
  addr: localhost:6379
  ttl: 30s
logging:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("FLEET_SERVER_PORT", "9100")
	t.Setenv("FLEET_AUTH_JWT_SECRET", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Fatalf("expected env override, got %d", cfg.Server.Port)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.URL != "postgres://fleet@localhost/fleet" {
		t.Fatalf("unexpected database config: %+v", cfg.Database)
	}
	if cfg.Redis.TTL != 30*time.Second || cfg.Auth.JWTSecret != "from-env" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestAuthValidate(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Auth.Validate(); !errors.Is(err, ErrInsecureSecret) {
		t.Fatalf("default secret must be rejected, got %v", err)
	}

	for _, secret := range []string{"", "   ", DefaultJWTSecret} {
		if err := (AuthConfig{JWTSecret: secret}).Validate(); !errors.Is(err, ErrInsecureSecret) {
			t.Fatalf("secret %q: expected ErrInsecureSecret, got %v", secret, err)
		}
	}

	t.Setenv("FLEET_AUTH_JWT_SECRET", "s3cr3t-from-vault")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Auth.Validate(); err != nil {
		t.Fatalf("configured secret rejected: %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}

	t.Setenv("FLEET_DATABASE_DRIVER", "oracle")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LoggingConfig{Level: "debug", Format: "json"}.NewLogger(&buf)
	if logger.GetLevel() != logrus.DebugLevel {
		t.Fatalf("unexpected level %v", logger.GetLevel())
	}
	logger.Info("hello")
	if !bytes.Contains(buf.Bytes(), []byte(`"msg":"hello"`)) {
		t.Fatalf("expected json output, got %s", buf.String())
	}

	buf.Reset()
	logger = LoggingConfig{Level: "loud"}.NewLogger(&buf)
	if logger.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected info fallback, got %v", logger.GetLevel())
	}
}
