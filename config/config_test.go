package config

import (
	"reflect"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"STORAGE_TYPE", "CORS_ORIGIN", "APP_ENV", "AUTH_TIMEOUT_MS", "PERSIST_INTERVAL_MS", "MAX_MESSAGE_BYTES", "OUTBOUND_BUFFER_LIMIT", "JWT_LEEWAY_MS"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.StorageType != "memory" {
		t.Errorf("StorageType: got %q, want memory", cfg.StorageType)
	}
	if cfg.AuthTimeout != 5*time.Second {
		t.Errorf("AuthTimeout: got %v, want 5s", cfg.AuthTimeout)
	}
	if cfg.PersistInterval != 30*time.Second {
		t.Errorf("PersistInterval: got %v, want 30s", cfg.PersistInterval)
	}
	if cfg.MaxMessageBytes != 5000000 {
		t.Errorf("MaxMessageBytes: got %d, want 5000000", cfg.MaxMessageBytes)
	}
	if cfg.OutboundBufferLimit != 256 {
		t.Errorf("OutboundBufferLimit: got %d, want 256", cfg.OutboundBufferLimit)
	}
	if cfg.JWTLeeway != 0 {
		t.Errorf("JWTLeeway: got %v, want 0", cfg.JWTLeeway)
	}
	if !reflect.DeepEqual(cfg.CORSOrigins, devOrigins) {
		t.Errorf("CORSOrigins: got %v, want %v", cfg.CORSOrigins, devOrigins)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORAGE_TYPE", "sqlite")
	t.Setenv("AUTH_TIMEOUT_MS", "250")
	t.Setenv("PERSIST_INTERVAL_MS", "0")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("JWT_LEEWAY_MS", "1500")
	t.Setenv("APP_ENV", "production")
	t.Setenv("CORS_ORIGIN", "https://a.example.com/, https://b.example.com")

	cfg := Load()
	if cfg.StorageType != "sqlite" {
		t.Errorf("StorageType: got %q, want sqlite", cfg.StorageType)
	}
	if cfg.AuthTimeout != 250*time.Millisecond {
		t.Errorf("AuthTimeout: got %v, want 250ms", cfg.AuthTimeout)
	}
	if cfg.PersistInterval != 0 {
		t.Errorf("PersistInterval: got %v, want 0", cfg.PersistInterval)
	}
	if cfg.JWTLeeway != 1500*time.Millisecond {
		t.Errorf("JWTLeeway: got %v, want 1.5s", cfg.JWTLeeway)
	}
	if !cfg.MinioUseSSL {
		t.Error("expected MinioUseSSL")
	}
	want := []string{"https://a.example.com", "https://b.example.com"}
	if !reflect.DeepEqual(cfg.CORSOrigins, want) {
		t.Errorf("CORSOrigins: got %v, want %v", cfg.CORSOrigins, want)
	}
}

func TestLoad_InvalidNumbersFallBack(t *testing.T) {
	t.Setenv("AUTH_TIMEOUT_MS", "soon")
	t.Setenv("IDLE_TIMEOUT_MS", "-5")
	t.Setenv("OUTBOUND_BUFFER_LIMIT", "lots")

	cfg := Load()
	if cfg.AuthTimeout != 5*time.Second {
		t.Errorf("AuthTimeout: got %v, want 5s", cfg.AuthTimeout)
	}
	if cfg.IdleTimeout != 60*time.Second {
		t.Errorf("IdleTimeout: got %v, want 60s", cfg.IdleTimeout)
	}
	if cfg.OutboundBufferLimit != 256 {
		t.Errorf("OutboundBufferLimit: got %d, want 256", cfg.OutboundBufferLimit)
	}
}
