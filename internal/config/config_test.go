package config

import (
	"strings"
	"testing"
	"time"
)

func localConfig() Config {
	return Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "calls"},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLModeAndOrigins(t *testing.T) {
	c := localConfig()
	c.App.Env = "production"
	c.Auth.JWTIssuer = "iss"
	c.Auth.JWTAudience = "aud"
	c.App.PublicBaseURL = "https://calls.example.edu"

	err := c.Validate()
	if err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
	if !strings.Contains(err.Error(), "DB_SSLMODE") || !strings.Contains(err.Error(), "CORS_ALLOWED_ORIGINS") {
		t.Fatalf("expected both sslmode and cors errors, got %v", err)
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := localConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Calls.AnswerTimeout != 15*time.Second {
		t.Fatalf("expected 15s answer timeout, got %s", c.Calls.AnswerTimeout)
	}
	if c.Calls.TitleMaxLen != 100 {
		t.Fatalf("expected title max 100, got %d", c.Calls.TitleMaxLen)
	}
	if len(c.Calls.STUNURLs) != 2 {
		t.Fatalf("expected default stun urls, got %v", c.Calls.STUNURLs)
	}
	if c.RecordingsBaseURL() != "http://localhost:8080/recordings" {
		t.Fatalf("unexpected recordings url %q", c.RecordingsBaseURL())
	}
}

func TestValidate_RejectsTURNServers(t *testing.T) {
	c := localConfig()
	c.Calls.STUNURLs = []string{"stun:stun.l.google.com:19302", "turn:relay.example.com:3478"}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected turn url to be rejected")
	}
}

func TestLoad_ReadsCallSettings(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "9000")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("DB_USER", "u")
	t.Setenv("DB_NAME", "n")
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("REDIS_PORT", "6379")
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("CALL_ANSWER_TIMEOUT", "30s")
	t.Setenv("CALL_STUN_URLS", "stun:a.example:3478, stun:b.example:3478")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example.edu")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Calls.AnswerTimeout != 30*time.Second {
		t.Fatalf("expected 30s, got %s", c.Calls.AnswerTimeout)
	}
	if len(c.Calls.STUNURLs) != 2 || c.Calls.STUNURLs[1] != "stun:b.example:3478" {
		t.Fatalf("unexpected stun urls %v", c.Calls.STUNURLs)
	}
	if c.App.CORSAllowedOrigins[0] != "https://app.example.edu" {
		t.Fatalf("unexpected origins %v", c.App.CORSAllowedOrigins)
	}
}

func TestLoad_RejectsBadDuration(t *testing.T) {
	t.Setenv("APP_PORT", "9000")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("REDIS_PORT", "6379")
	t.Setenv("CALL_ANSWER_TIMEOUT", "soon")
	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}
