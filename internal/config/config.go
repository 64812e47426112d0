package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App     AppConfig
	Store   StoreConfig
	DB      DBConfig
	Mongo   MongoConfig
	Broker  BrokerConfig
	Redis   RedisConfig
	NATS    NATSConfig
	Auth    AuthConfig
	TURN    TURNConfig
	Session SessionConfig
}

type AppConfig struct {
	Env      string
	Port     int
	LogLevel string

	// CORSOrigins lists browser origins allowed to call the API and open
	// push connections. Empty disables CORS and accepts any websocket origin.
	CORSOrigins []string
}

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendRedis    = "redis"
	BackendNATS     = "nats"
)

type StoreConfig struct {
	Backend       string
	Retries       int
	RetryInterval time.Duration
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type MongoConfig struct {
	URI      string
	Database string
}

type BrokerConfig struct {
	Backend string
}

type RedisConfig struct {
	Host string
	Port int
}

type NATSConfig struct {
	URL string
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type TURNConfig struct {
	SharedSecret   string
	TURNURLs       []string
	STUNURLs       []string
	UsernamePrefix string
}

type SessionConfig struct {
	DefaultTTL    time.Duration
	MaxTTL        time.Duration
	SweepInterval time.Duration
	ICEQueueMax   int
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.LogLevel = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	c.App.CORSOrigins = splitList(os.Getenv("CORS_ALLOWED_ORIGINS"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.Store.Backend = strings.ToLower(strings.TrimSpace(os.Getenv("STORE_BACKEND")))
	{
		n, err := optionalInt("STORE_RETRIES")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Store.Retries = n
	}
	{
		d, err := optionalDuration("STORE_RETRY_INTERVAL")
		d, parseErrs = appendParseErr(parseErrs, d, err)
		c.Store.RetryInterval = d
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := optionalInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Mongo.URI = strings.TrimSpace(os.Getenv("MONGO_URI"))
	c.Mongo.Database = strings.TrimSpace(os.Getenv("MONGO_DATABASE"))

	c.Broker.Backend = strings.ToLower(strings.TrimSpace(os.Getenv("BROKER_BACKEND")))
	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := optionalInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}
	c.NATS.URL = strings.TrimSpace(os.Getenv("NATS_URL"))

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.TURN.SharedSecret = os.Getenv("TURN_SHARED_SECRET")
	c.TURN.TURNURLs = splitList(os.Getenv("TURN_URLS"))
	c.TURN.STUNURLs = splitList(os.Getenv("STUN_URLS"))
	c.TURN.UsernamePrefix = strings.TrimSpace(os.Getenv("TURN_USERNAME_PREFIX"))

	for key, dst := range map[string]*time.Duration{
		"SESSION_TTL":     &c.Session.DefaultTTL,
		"SESSION_MAX_TTL": &c.Session.MaxTTL,
		"SWEEP_INTERVAL":  &c.Session.SweepInterval,
	} {
		d, err := optionalDuration(key)
		*dst, parseErrs = appendParseErr(parseErrs, d, err)
	}
	{
		n, err := optionalInt("ICE_QUEUE_MAX")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Session.ICEQueueMax = n
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every configuration problem at once and fills in defaults.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.Store.Backend == "" {
		c.Store.Backend = BackendMemory
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		errs = append(errs, c.validatePostgres()...)
	case BackendMongo:
		if c.Mongo.URI == "" {
			errs = append(errs, errors.New("MONGO_URI is required for the mongo store"))
		}
		if c.Mongo.Database == "" {
			c.Mongo.Database = "calls"
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be one of memory, postgres, mongo, got %q", c.Store.Backend))
	}
	if c.Store.Retries < 0 {
		errs = append(errs, fmt.Errorf("STORE_RETRIES must not be negative, got %d", c.Store.Retries))
	} else if c.Store.Retries == 0 {
		c.Store.Retries = 3
	}
	if c.Store.RetryInterval <= 0 {
		c.Store.RetryInterval = 100 * time.Millisecond
	}

	if c.Broker.Backend == "" {
		c.Broker.Backend = BackendMemory
	}
	switch c.Broker.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Host == "" {
			errs = append(errs, errors.New("REDIS_HOST is required for the redis broker"))
		}
	case BackendNATS:
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("NATS_URL is required for the nats broker"))
		}
	default:
		errs = append(errs, fmt.Errorf("BROKER_BACKEND must be one of memory, redis, nats, got %q", c.Broker.Backend))
	}
	if c.UsesRedis() && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.TURN.SharedSecret == "" {
		errs = append(errs, errors.New("TURN_SHARED_SECRET is required"))
	}
	if len(c.TURN.TURNURLs) == 0 && len(c.TURN.STUNURLs) == 0 {
		errs = append(errs, errors.New("at least one of TURN_URLS or STUN_URLS is required"))
	}
	if strings.Contains(c.TURN.UsernamePrefix, ":") {
		errs = append(errs, errors.New("TURN_USERNAME_PREFIX must not contain ':'"))
	}

	if c.Session.DefaultTTL <= 0 {
		c.Session.DefaultTTL = 2 * time.Hour
	}
	if c.Session.MaxTTL <= 0 {
		c.Session.MaxTTL = 24 * time.Hour
	}
	if c.Session.DefaultTTL > c.Session.MaxTTL {
		errs = append(errs, errors.New("SESSION_TTL must not exceed SESSION_MAX_TTL"))
	}
	if c.Session.SweepInterval <= 0 {
		c.Session.SweepInterval = 30 * time.Second
	}
	if c.Session.ICEQueueMax < 0 {
		errs = append(errs, fmt.Errorf("ICE_QUEUE_MAX must not be negative, got %d", c.Session.ICEQueueMax))
	} else if c.Session.ICEQueueMax == 0 {
		c.Session.ICEQueueMax = 64
	}

	return joinErrors(errs)
}

func (c *Config) validatePostgres() []error {
	var errs []error
	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port == 0 {
		c.DB.Port = 5432
	}
	if c.DB.Port < 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

// UsesRedis reports whether a Redis connection is needed: for the redis broker,
// or for the sweep lease whenever REDIS_HOST is set.
func (c Config) UsesRedis() bool {
	return c.Broker.Backend == BackendRedis || c.Redis.Host != ""
}

// SharedStore reports whether sessions live in a store other instances can reach.
func (c Config) SharedStore() bool {
	return c.Store.Backend == BackendPostgres || c.Store.Backend == BackendMongo
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string) (int, error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return 0, nil
	}
	return mustInt(key)
}

func mustDuration(key string) time.Duration {
	d, _ := optionalDuration(key)
	return d
}

func optionalDuration(key string) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration, got %q", key, v)
	}
	return d, nil
}

func appendParseErr[T any](errs []error, v T, err error) (T, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
