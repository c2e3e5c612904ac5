// Package secrets resolves secret:// configuration values against Google Secret Manager, with a
// local dotenv file standing in outside production.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrNotFound reports a secret that neither Secret Manager nor the fallback file could supply.
var ErrNotFound = errors.New("secrets: secret not found")

const productionEnvironment = "prod"

// Accessor is the subset of the Secret Manager client the resolver needs.
type Accessor interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Config selects where secrets come from.
type Config struct {
	// Environment is the deployment label ("local", "dev", "prod"). Production never reads the
	// fallback file.
	Environment string
	// DefaultProject hosts secrets unless Projects names one for Environment.
	DefaultProject string
	Projects       map[string]string
	// Pins maps secret names, optionally prefixed "env:", to fixed versions.
	Pins map[string]string
	// FallbackFile is a dotenv file keyed by secret name ('-' written as '_').
	FallbackFile string
	// CacheTTL bounds how long a resolved value is reused; zero caches for the process lifetime.
	CacheTTL time.Duration
}

// Option customises NewResolver.
type Option func(*Resolver)

// WithAccessor replaces the Secret Manager client, mainly for tests.
func WithAccessor(accessor Accessor) Option {
	return func(r *Resolver) { r.accessor = accessor }
}

// WithClientOptions is forwarded to the Secret Manager client constructor.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(r *Resolver) { r.clientOpts = append(r.clientOpts, opts...) }
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMeter(meter metric.Meter) Option {
	return func(r *Resolver) { r.meter = meter }
}

func WithClock(clock func() time.Time) Option {
	return func(r *Resolver) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// Resolver implements config.SecretResolver.
type Resolver struct {
	cfg        Config
	accessor   Accessor
	ownsClient bool
	clientOpts []option.ClientOption
	logger     *zap.Logger
	meter      metric.Meter
	clock      func() time.Time
	lookups    metric.Int64Counter

	group singleflight.Group

	mu    sync.Mutex
	cache map[string]cached

	fallbackOnce sync.Once
	fallback     map[string]string
}

type cached struct {
	value     string
	expiresAt time.Time
}

// NewResolver builds a Resolver. When no project is configured or the Secret Manager client cannot
// be created, secrets come from the fallback file only.
func NewResolver(ctx context.Context, cfg Config, opts ...Option) (*Resolver, error) {
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	if cfg.Environment == "" {
		cfg.Environment = "local"
	}
	r := &Resolver{
		cfg:    cfg,
		logger: zap.NewNop(),
		clock:  time.Now,
		cache:  make(map[string]cached),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.meter == nil {
		r.meter = otel.Meter("github.com/hanko-field/cartengine/internal/platform/secrets")
	}
	lookups, err := r.meter.Int64Counter("cart.secrets.lookups",
		metric.WithDescription("Secret resolutions by outcome"))
	if err != nil {
		return nil, fmt.Errorf("secrets: register lookup counter: %w", err)
	}
	r.lookups = lookups

	if r.accessor == nil && r.hasProject() {
		client, err := secretmanager.NewClient(ctx, r.clientOpts...)
		if err != nil {
			if r.production() {
				return nil, fmt.Errorf("secrets: secret manager client: %w", err)
			}
			r.logger.Warn("secret manager unavailable; using fallback file only", zap.Error(err))
		} else {
			r.accessor = client
			r.ownsClient = true
		}
	}
	return r, nil
}

// Close releases the Secret Manager client when the resolver created it.
func (r *Resolver) Close() error {
	if r.ownsClient && r.accessor != nil {
		return r.accessor.Close()
	}
	return nil
}

// ResolveSecret returns the value behind ref. Concurrent lookups of the same reference share one
// Secret Manager call.
func (r *Resolver) ResolveSecret(ctx context.Context, raw string) (string, error) {
	ref, err := ParseReference(raw)
	if err != nil {
		return "", err
	}
	project := r.projectFor(ref)
	version := r.versionFor(ref)
	key := project + "/" + ref.Name + "@" + version

	if value, ok := r.cached(key); ok {
		r.count(ctx, "cache")
		return value, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		value, source, err := r.load(ctx, ref, project, version)
		if err != nil {
			r.count(ctx, "error")
			return "", err
		}
		r.store(key, value)
		r.count(ctx, source)
		return value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Resolver) load(ctx context.Context, ref Reference, project, version string) (string, string, error) {
	if project != "" && r.accessor != nil {
		resp, err := r.accessor.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
			Name: ref.resource(project, version),
		})
		if err == nil {
			return string(resp.GetPayload().GetData()), "remote", nil
		}
		if r.production() || !fallbackEligible(err) {
			return "", "", fmt.Errorf("secrets: access %s: %w", ref, err)
		}
		r.logger.Debug("secret manager lookup failed; trying fallback file",
			zap.String("secret", ref.String()), zap.Error(err))
	}
	if r.production() {
		return "", "", fmt.Errorf("%w: %s has no project in %s", ErrNotFound, ref, r.cfg.Environment)
	}
	value, ok := r.fallbackValue(ref)
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return value, "fallback", nil
}

func (r *Resolver) cached(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[key]
	if !ok {
		return "", false
	}
	if !entry.expiresAt.IsZero() && !r.clock().Before(entry.expiresAt) {
		delete(r.cache, key)
		return "", false
	}
	return entry.value, true
}

func (r *Resolver) store(key, value string) {
	entry := cached{value: value}
	if r.cfg.CacheTTL > 0 {
		entry.expiresAt = r.clock().Add(r.cfg.CacheTTL)
	}
	r.mu.Lock()
	r.cache[key] = entry
	r.mu.Unlock()
}

func (r *Resolver) fallbackValue(ref Reference) (string, bool) {
	r.fallbackOnce.Do(func() {
		r.fallback = map[string]string{}
		path := strings.TrimSpace(r.cfg.FallbackFile)
		if path == "" {
			return
		}
		values, err := godotenv.Read(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				r.logger.Warn("secret fallback file unreadable", zap.String("path", path), zap.Error(err))
			}
			return
		}
		r.fallback = values
	})
	value, ok := r.fallback[ref.fallbackKey()]
	return value, ok
}

func (r *Resolver) hasProject() bool {
	if r.cfg.DefaultProject != "" {
		return true
	}
	for _, project := range r.cfg.Projects {
		if strings.TrimSpace(project) != "" {
			return true
		}
	}
	return false
}

func (r *Resolver) projectFor(ref Reference) string {
	if ref.Project != "" {
		return ref.Project
	}
	if project := strings.TrimSpace(r.cfg.Projects[r.cfg.Environment]); project != "" {
		return project
	}
	return strings.TrimSpace(r.cfg.DefaultProject)
}

// versionFor prefers an explicit version, then an environment pin, then a global pin.
func (r *Resolver) versionFor(ref Reference) string {
	if ref.Version != "" {
		return ref.Version
	}
	for _, key := range []string{r.cfg.Environment + ":" + ref.Name, ref.Name} {
		if pin := strings.TrimSpace(r.cfg.Pins[key]); pin != "" {
			return pin
		}
	}
	return "latest"
}

func (r *Resolver) production() bool {
	return r.cfg.Environment == productionEnvironment
}

func (r *Resolver) count(ctx context.Context, outcome string) {
	r.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// fallbackEligible is true for failures a developer machine typically hits: no credentials, no
// network, or a secret that only exists in a shared project.
func fallbackEligible(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded, codes.NotFound:
		return true
	}
	return false
}
