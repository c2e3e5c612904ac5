// Package config loads the cart service configuration from the environment.
package config

import (
	"context"
	"strings"
	"time"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Firebase  FirebaseConfig
	Firestore FirestoreConfig
	Cart      CartConfig
	Events    EventsConfig
	Security  SecurityConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// RedisConfig configures the key-value store holding carts.
type RedisConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	TLS          bool
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores catalog database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// CartConfig holds cart lifecycle and pricing limits.
type CartConfig struct {
	SessionTTL        time.Duration
	UserTTL           time.Duration
	MaxQuantity       int
	DefaultLocale     string
	LookupConcurrency int
	StoreMaxRetries   int
	// MutationLimit caps cart writes per cart within MutationWindow; 0 disables throttling.
	MutationLimit  int
	MutationWindow time.Duration
}

// EventsConfig configures optional cart lifecycle event publishing.
type EventsConfig struct {
	ProjectID string
	Topic     string
}

// SecurityConfig groups environment-level security settings.
type SecurityConfig struct {
	Environment string
}

// Option customises Load.
type Option func(*loadOptions)

type loadOptions struct {
	resolver        SecretResolver
	requiredSecrets []string
}

// WithSecretResolver sets the resolver used for secret:// and sm:// values.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loadOptions) { o.resolver = resolver }
}

// WithRequiredSecrets marks secret-backed fields (e.g. "Redis.Password") that must resolve to a
// non-empty value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loadOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// Load builds the configuration from src. Malformed values and missing required settings are
// reported together in a *ValidationError; unresolvable secrets stop loading with a *SecretError.
func Load(ctx context.Context, src Source, opts ...Option) (Config, error) {
	var options loadOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	p := parser{src: src}
	cfg := Config{
		Server: ServerConfig{
			Port:         src.GetOr("CART_SERVER_PORT", "8080"),
			ReadTimeout:  p.duration("CART_SERVER_READ_TIMEOUT", "Server.ReadTimeout", 15*time.Second),
			WriteTimeout: p.duration("CART_SERVER_WRITE_TIMEOUT", "Server.WriteTimeout", 30*time.Second),
			IdleTimeout:  p.duration("CART_SERVER_IDLE_TIMEOUT", "Server.IdleTimeout", 2*time.Minute),
		},
		Redis: RedisConfig{
			Addr:         src.GetOr("CART_REDIS_ADDR", "localhost:6379"),
			Username:     src.Get("CART_REDIS_USERNAME"),
			Password:     src.Get("CART_REDIS_PASSWORD"),
			DB:           p.integer("CART_REDIS_DB", "Redis.DB", 0),
			PoolSize:     p.integer("CART_REDIS_POOL_SIZE", "Redis.PoolSize", 20),
			DialTimeout:  p.duration("CART_REDIS_DIAL_TIMEOUT", "Redis.DialTimeout", 5*time.Second),
			ReadTimeout:  p.duration("CART_REDIS_READ_TIMEOUT", "Redis.ReadTimeout", 3*time.Second),
			WriteTimeout: p.duration("CART_REDIS_WRITE_TIMEOUT", "Redis.WriteTimeout", 3*time.Second),
			TLS:          p.boolean("CART_REDIS_TLS", "Redis.TLS", false),
		},
		Firebase: FirebaseConfig{
			ProjectID:       src.Get("CART_FIREBASE_PROJECT_ID"),
			CredentialsFile: src.Get("CART_FIREBASE_CREDENTIALS_FILE"),
		},
		Firestore: FirestoreConfig{
			ProjectID:    src.Get("CART_FIRESTORE_PROJECT_ID"),
			EmulatorHost: src.Get("CART_FIRESTORE_EMULATOR_HOST"),
		},
		Cart: CartConfig{
			SessionTTL:        p.duration("CART_SESSION_TTL", "Cart.SessionTTL", 7*24*time.Hour),
			UserTTL:           p.duration("CART_USER_TTL", "Cart.UserTTL", 30*24*time.Hour),
			MaxQuantity:       p.integer("CART_MAX_QUANTITY", "Cart.MaxQuantity", 99),
			DefaultLocale:     src.GetOr("CART_DEFAULT_LOCALE", "en"),
			LookupConcurrency: p.integer("CART_LOOKUP_CONCURRENCY", "Cart.LookupConcurrency", 8),
			StoreMaxRetries:   p.integer("CART_STORE_MAX_RETRIES", "Cart.StoreMaxRetries", 5),
			MutationLimit:     p.integer("CART_MUTATION_LIMIT", "Cart.MutationLimit", 120),
			MutationWindow:    p.duration("CART_MUTATION_WINDOW", "Cart.MutationWindow", time.Minute),
		},
		Events: EventsConfig{
			ProjectID: src.Get("CART_EVENTS_PROJECT_ID"),
			Topic:     src.Get("CART_EVENTS_TOPIC"),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(src.GetOr("CART_SECURITY_ENVIRONMENT", "local")),
		},
	}

	// The catalog and event topic live in the Firebase project unless told otherwise.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Events.ProjectID == "" {
		cfg.Events.ProjectID = cfg.Firestore.ProjectID
	}

	resolved, err := resolveSecretFields(ctx, options.resolver, map[string]*string{
		"Redis.Password": &cfg.Redis.Password,
		"Redis.Username": &cfg.Redis.Username,
	})
	if err != nil {
		return Config{}, err
	}

	p.problems = append(p.problems, validate(cfg)...)
	if len(p.problems) > 0 {
		return Config{}, &ValidationError{problems: p.problems}
	}

	if missing := missingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

func validate(cfg Config) []Problem {
	var problems []Problem
	require := func(ok bool, field, reason string) {
		if !ok {
			problems = append(problems, Problem{Field: field, Reason: reason})
		}
	}

	require(cfg.Server.Port != "", "Server.Port", "required")
	require(strings.TrimSpace(cfg.Redis.Addr) != "", "Redis.Addr", "required")
	require(cfg.Redis.DB >= 0, "Redis.DB", "must not be negative")
	require(cfg.Firebase.ProjectID != "", "Firebase.ProjectID", "required")
	require(cfg.Firestore.ProjectID != "", "Firestore.ProjectID", "required")
	require(cfg.Cart.SessionTTL > 0, "Cart.SessionTTL", "must be positive")
	require(cfg.Cart.UserTTL > 0, "Cart.UserTTL", "must be positive")
	require(cfg.Cart.MaxQuantity > 0, "Cart.MaxQuantity", "must be positive")
	require(cfg.Cart.LookupConcurrency > 0, "Cart.LookupConcurrency", "must be positive")
	require(cfg.Cart.StoreMaxRetries > 0, "Cart.StoreMaxRetries", "must be positive")
	require(cfg.Cart.MutationLimit >= 0, "Cart.MutationLimit", "must not be negative")
	require(cfg.Cart.MutationLimit == 0 || cfg.Cart.MutationWindow > 0, "Cart.MutationWindow", "must be positive when throttling is enabled")
	return problems
}
