package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.ServerPort == "" {
		t.Fatalf("expected default server port")
	}
	if cfg.PostgresURL == "" {
		t.Fatalf("expected default postgres url")
	}
	if !cfg.EmailPasswordEnabled {
		t.Fatalf("expected email/password provider enabled by default")
	}
	if cfg.MaxMediaBytes != 5<<20 {
		t.Fatalf("unexpected max media bytes: %d", cfg.MaxMediaBytes)
	}
	if cfg.LocalStorePath == "" || cfg.APIBaseURL == "" {
		t.Fatalf("expected client defaults")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", ":9000")
	t.Setenv("POSTGRES_URL", "postgres://example")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("EMAIL_PASSWORD_ENABLED", "false")
	t.Setenv("MAX_MEDIA_BYTES", "1024")
	t.Setenv("FEED_EMAIL", "a@b.co")

	cfg := Load()
	if cfg.ServerPort != ":9000" {
		t.Fatalf("expected override port")
	}
	if cfg.PostgresURL != "postgres://example" {
		t.Fatalf("expected override postgres")
	}
	if cfg.RedisAddr != "redis:6379" {
		t.Fatalf("expected override redis")
	}
	if cfg.JWTSecret != "secret" {
		t.Fatalf("expected override secret")
	}
	if cfg.EmailPasswordEnabled {
		t.Fatalf("expected provider disabled")
	}
	if cfg.MaxMediaBytes != 1024 {
		t.Fatalf("expected override max media bytes")
	}
	if cfg.FeedEmail != "a@b.co" {
		t.Fatalf("expected override feed email")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("POST_CAPTION=from-dotenv\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer func() {
		_ = os.Chdir(wd)
		_ = os.Unsetenv("POST_CAPTION")
	}()

	cfg := Load()
	if cfg.PostCaption != "from-dotenv" {
		t.Fatalf("expected caption from .env, got %q", cfg.PostCaption)
	}
}
