package config

import (
	"strings"
	"testing"
	"time"
)

func validLocal() Config {
	return Config{
		App:  AppConfig{Env: "local", Port: 8080},
		Auth: AuthConfig{JWTSecret: "secret"},
		TURN: TURNConfig{SharedSecret: "turn-secret", TURNURLs: []string{"turn:turn.example.com:3478"}},
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"APP_ENV", "JWT_SECRET", "TURN_SHARED_SECRET"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in %q", want, err)
		}
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := validLocal()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.Store.Backend != BackendMemory || c.Broker.Backend != BackendMemory {
		t.Fatalf("expected memory backends, got %q/%q", c.Store.Backend, c.Broker.Backend)
	}
	if c.Session.DefaultTTL != 2*time.Hour || c.Session.MaxTTL != 24*time.Hour {
		t.Fatalf("unexpected ttl defaults: %+v", c.Session)
	}
	if c.Session.SweepInterval != 30*time.Second || c.Session.ICEQueueMax != 64 {
		t.Fatalf("unexpected session defaults: %+v", c.Session)
	}
	if c.Store.Retries != 3 || c.Store.RetryInterval != 100*time.Millisecond {
		t.Fatalf("unexpected retry defaults: %+v", c.Store)
	}
}

func TestValidate_MissingTURNSecretIsFatal(t *testing.T) {
	c := validLocal()
	c.TURN.SharedSecret = ""
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "TURN_SHARED_SECRET") {
		t.Fatalf("expected TURN_SHARED_SECRET error, got %v", err)
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.Auth.JWTIssuer = "issuer"
	c.Auth.JWTAudience = "aud"
	c.Store.Backend = BackendPostgres
	c.DB = DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "calls"}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_PostgresLocalDefaultsSSLMode(t *testing.T) {
	c := validLocal()
	c.Store.Backend = BackendPostgres
	c.DB = DBConfig{Host: "localhost", User: "postgres", Name: "calls"}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" || c.DB.Port != 5432 {
		t.Fatalf("expected sslmode/port defaults, got %q/%d", c.DB.SSLMode, c.DB.Port)
	}
}

func TestValidate_BackendRequirements(t *testing.T) {
	c := validLocal()
	c.Broker.Backend = BackendNATS
	c.Store.Backend = BackendMongo
	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "NATS_URL") || !strings.Contains(err.Error(), "MONGO_URI") {
		t.Fatalf("expected NATS_URL and MONGO_URI errors, got %v", err)
	}

	c = validLocal()
	c.Broker.Backend = "kafka"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected unknown broker error")
	}
}

func TestValidate_RedisLeaseAlongsideNATS(t *testing.T) {
	c := validLocal()
	c.Broker.Backend = BackendNATS
	c.NATS.URL = "nats://localhost:4222"
	if c.UsesRedis() {
		t.Fatalf("redis must not be required without REDIS_HOST")
	}
	if c.SharedStore() {
		t.Fatalf("memory store must not count as shared")
	}
	if shared := (Config{Store: StoreConfig{Backend: BackendPostgres}}); !shared.SharedStore() {
		t.Fatalf("postgres store must count as shared")
	}

	c.Redis.Host = "redis"
	c.Redis.Port = 0
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "REDIS_PORT") {
		t.Fatalf("expected REDIS_PORT error, got %v", err)
	}
	c.Redis.Port = 6379
	if err := c.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !c.UsesRedis() || c.RedisAddr() != "redis:6379" {
		t.Fatalf("expected redis lease at redis:6379, got uses=%v addr=%s", c.UsesRedis(), c.RedisAddr())
	}
}

func TestLoad_ParsesEnv(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "9090")
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("TURN_SHARED_SECRET", "t")
	t.Setenv("TURN_URLS", "turn:a:3478, turns:b:5349")
	t.Setenv("STUN_URLS", "")
	t.Setenv("SESSION_TTL", "90m")
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("BROKER_BACKEND", "")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example.com,")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.App.Port != 9090 || c.Session.DefaultTTL != 90*time.Minute {
		t.Fatalf("unexpected config: %+v", c)
	}
	if len(c.TURN.TURNURLs) != 2 || c.TURN.TURNURLs[1] != "turns:b:5349" {
		t.Fatalf("unexpected turn urls: %v", c.TURN.TURNURLs)
	}
	if len(c.App.CORSOrigins) != 1 || c.App.CORSOrigins[0] != "https://app.example.com" {
		t.Fatalf("unexpected cors origins: %v", c.App.CORSOrigins)
	}
}

func TestLoad_RejectsBadDuration(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "9090")
	t.Setenv("SWEEP_INTERVAL", "often")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "SWEEP_INTERVAL") {
		t.Fatalf("expected SWEEP_INTERVAL error, got %v", err)
	}
}
