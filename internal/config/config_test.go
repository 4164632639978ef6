package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "development")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "8000" {
		t.Errorf("Expected port 8000, got %s", cfg.Port)
	}
	if cfg.JWTSecret != devJWTSecret {
		t.Errorf("Expected development secret, got %q", cfg.JWTSecret)
	}
	if cfg.Attachments.Retention != 240*time.Hour {
		t.Errorf("Expected 240h retention, got %s", cfg.Attachments.Retention)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("Expected wildcard CORS, got %v", cfg.CORSOrigins)
	}
}

func TestLoadRequiresSecretInProduction(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("JWT_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatal("Expected error without JWT_SECRET in production")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("TOKEN_TTL", "2h")
	t.Setenv("MAX_UPLOAD_BYTES", "1024")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("WS_SEND_QUEUE", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.TokenTTL != 2*time.Hour {
		t.Errorf("Expected 2h token ttl, got %s", cfg.TokenTTL)
	}
	if cfg.Attachments.MaxUploadBytes != 1024 {
		t.Errorf("Expected 1024 upload bytes, got %d", cfg.Attachments.MaxUploadBytes)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("Unexpected CORS origins %v", cfg.CORSOrigins)
	}
	if cfg.Hub.SendQueueSize != 64 {
		t.Errorf("Expected fallback queue size 64, got %d", cfg.Hub.SendQueueSize)
	}
}
