package config

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile           = ".env"
	defaultPort              = "8080"
	defaultReadTimeout       = 15 * time.Second
	defaultWriteTimeout      = 30 * time.Second
	defaultIdleTimeout       = 120 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultBackendTimeout    = 10 * time.Second
	defaultHierarchyTimeout  = 5 * time.Second
	defaultQuoteTimeout      = 8 * time.Second
	defaultReleaseTimeout    = 3 * time.Second
	defaultParcelWeightGrams = 1000
	defaultAddressPageSize   = 20
	defaultSessionIdleTTL    = 30 * time.Minute
	defaultSweepInterval     = time.Minute
	defaultBreakerFailures   = 5
	defaultBreakerOpenFor    = 30 * time.Second
	defaultBreakerInterval   = time.Minute
	defaultCookieName        = "checkout_session"
	defaultLogLevel          = "info"
	minCookieHashKeyLength   = 32
)

// Config represents the resolved configuration for the checkout host.
type Config struct {
	Server   ServerConfig
	Backend  BackendConfig
	Checkout CheckoutConfig
	Breaker  BreakerConfig
	Cookie   CookieConfig
	LogLevel string
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// BackendConfig locates the REST collaborators. Hierarchy and shipping providers
// default to the storefront backend when no dedicated URL is configured.
type BackendConfig struct {
	BaseURL          string
	HierarchyBaseURL string
	ShippingBaseURL  string
	RequestTimeout   time.Duration
}

// CheckoutConfig tunes the session controller.
type CheckoutConfig struct {
	HierarchyTimeout  time.Duration
	QuoteTimeout      time.Duration
	ReleaseTimeout    time.Duration
	ParcelWeightGrams int
	AddressPageSize   int
	SessionIdleTTL    time.Duration
	SweepInterval     time.Duration
	RequireReadyQuote bool
}

// BreakerConfig configures the circuit breaker in front of the carrier fee provider.
type BreakerConfig struct {
	ConsecutiveFailures int
	OpenFor             time.Duration
	Interval            time.Duration
}

// CookieConfig configures the signed checkout session cookie.
type CookieConfig struct {
	Name     string
	HashKey  string
	BlockKey string
	Secure   bool
}

// Option customises how configuration is loaded.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
}

// ValidationError reports configuration fields that are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.LookupEnv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// Load assembles the configuration by combining defaults, .env overrides and environment variables.
func Load(opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            stringWithDefault(lookup, "CHECKOUT_SERVER_PORT", defaultPort),
			ReadTimeout:     durationWithDefault(lookup, "CHECKOUT_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    durationWithDefault(lookup, "CHECKOUT_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     durationWithDefault(lookup, "CHECKOUT_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: durationWithDefault(lookup, "CHECKOUT_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Backend: BackendConfig{
			BaseURL:          stringWithDefault(lookup, "CHECKOUT_BACKEND_URL", ""),
			HierarchyBaseURL: stringWithDefault(lookup, "CHECKOUT_HIERARCHY_URL", ""),
			ShippingBaseURL:  stringWithDefault(lookup, "CHECKOUT_SHIPPING_URL", ""),
			RequestTimeout:   durationWithDefault(lookup, "CHECKOUT_BACKEND_TIMEOUT", defaultBackendTimeout),
		},
		Checkout: CheckoutConfig{
			HierarchyTimeout:  durationWithDefault(lookup, "CHECKOUT_HIERARCHY_TIMEOUT", defaultHierarchyTimeout),
			QuoteTimeout:      durationWithDefault(lookup, "CHECKOUT_QUOTE_TIMEOUT", defaultQuoteTimeout),
			ReleaseTimeout:    durationWithDefault(lookup, "CHECKOUT_RELEASE_TIMEOUT", defaultReleaseTimeout),
			ParcelWeightGrams: intWithDefault(lookup, "CHECKOUT_PARCEL_WEIGHT_GRAMS", defaultParcelWeightGrams),
			AddressPageSize:   intWithDefault(lookup, "CHECKOUT_ADDRESS_PAGE_SIZE", defaultAddressPageSize),
			SessionIdleTTL:    durationWithDefault(lookup, "CHECKOUT_SESSION_IDLE_TTL", defaultSessionIdleTTL),
			SweepInterval:     durationWithDefault(lookup, "CHECKOUT_SESSION_SWEEP_INTERVAL", defaultSweepInterval),
			RequireReadyQuote: boolWithDefault(lookup, "CHECKOUT_REQUIRE_READY_QUOTE", false),
		},
		Breaker: BreakerConfig{
			ConsecutiveFailures: intWithDefault(lookup, "CHECKOUT_BREAKER_FAILURES", defaultBreakerFailures),
			OpenFor:             durationWithDefault(lookup, "CHECKOUT_BREAKER_OPEN_FOR", defaultBreakerOpenFor),
			Interval:            durationWithDefault(lookup, "CHECKOUT_BREAKER_INTERVAL", defaultBreakerInterval),
		},
		Cookie: CookieConfig{
			Name:     stringWithDefault(lookup, "CHECKOUT_COOKIE_NAME", defaultCookieName),
			HashKey:  stringWithDefault(lookup, "CHECKOUT_COOKIE_HASH_KEY", ""),
			BlockKey: stringWithDefault(lookup, "CHECKOUT_COOKIE_BLOCK_KEY", ""),
			Secure:   boolWithDefault(lookup, "CHECKOUT_COOKIE_SECURE", true),
		},
		LogLevel: stringWithDefault(lookup, "LOG_LEVEL", defaultLogLevel),
	}

	cfg.Backend.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Backend.BaseURL), "/")
	if cfg.Backend.HierarchyBaseURL == "" {
		cfg.Backend.HierarchyBaseURL = cfg.Backend.BaseURL
	}
	if cfg.Backend.ShippingBaseURL == "" {
		cfg.Backend.ShippingBaseURL = cfg.Backend.BaseURL
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if !validBaseURL(cfg.Backend.BaseURL) {
		missing = append(missing, "Backend.BaseURL")
	}
	if !validBaseURL(cfg.Backend.HierarchyBaseURL) {
		missing = append(missing, "Backend.HierarchyBaseURL")
	}
	if !validBaseURL(cfg.Backend.ShippingBaseURL) {
		missing = append(missing, "Backend.ShippingBaseURL")
	}
	if cfg.Checkout.HierarchyTimeout <= 0 {
		missing = append(missing, "Checkout.HierarchyTimeout")
	}
	if cfg.Checkout.QuoteTimeout <= 0 {
		missing = append(missing, "Checkout.QuoteTimeout")
	}
	if cfg.Checkout.ReleaseTimeout <= 0 {
		missing = append(missing, "Checkout.ReleaseTimeout")
	}
	if cfg.Checkout.ParcelWeightGrams <= 0 {
		missing = append(missing, "Checkout.ParcelWeightGrams")
	}
	if cfg.Checkout.AddressPageSize <= 0 {
		missing = append(missing, "Checkout.AddressPageSize")
	}
	if cfg.Checkout.SessionIdleTTL <= 0 {
		missing = append(missing, "Checkout.SessionIdleTTL")
	}
	if cfg.Checkout.SweepInterval <= 0 {
		missing = append(missing, "Checkout.SweepInterval")
	}
	if cfg.Breaker.ConsecutiveFailures <= 0 {
		missing = append(missing, "Breaker.ConsecutiveFailures")
	}
	if len(cfg.Cookie.HashKey) < minCookieHashKeyLength {
		missing = append(missing, "Cookie.HashKey")
	}
	switch len(cfg.Cookie.BlockKey) {
	case 0, 16, 24, 32:
	default:
		missing = append(missing, "Cookie.BlockKey")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func validBaseURL(raw string) bool {
	if raw == "" {
		return false
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}
