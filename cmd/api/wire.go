package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/hanko-field/cartengine/internal/handlers"
	"github.com/hanko-field/cartengine/internal/platform/auth"
	"github.com/hanko-field/cartengine/internal/platform/config"
	pfirestore "github.com/hanko-field/cartengine/internal/platform/firestore"
	"github.com/hanko-field/cartengine/internal/platform/jobs"
	"github.com/hanko-field/cartengine/internal/platform/observability"
	predis "github.com/hanko-field/cartengine/internal/platform/redis"
	"github.com/hanko-field/cartengine/internal/platform/secrets"
	"github.com/hanko-field/cartengine/internal/repositories"
	firestoreRepo "github.com/hanko-field/cartengine/internal/repositories/firestore"
	redisRepo "github.com/hanko-field/cartengine/internal/repositories/redis"
	"github.com/hanko-field/cartengine/internal/services"
)

// app holds the assembled router and everything that must be released on shutdown, in reverse
// order of construction.
type app struct {
	router  chi.Router
	closers []func()
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func assemble(ctx context.Context, cfg config.Config, build services.BuildInfo, logger *zap.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	redisProvider := predis.NewProvider(cfg.Redis)
	a.onClose(func() { closeQuietly(logger, "redis", redisProvider.Close) })
	store, err := redisRepo.NewCartStore(redisProvider, redisRepo.WithCartStoreMaxRetries(cfg.Cart.StoreMaxRetries))
	if err != nil {
		return nil, fmt.Errorf("cart store: %w", err)
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	a.onClose(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		closeQuietly(logger, "firestore", func() error { return firestoreProvider.Close(closeCtx) })
	})
	products, err := firestoreRepo.NewProductCatalogRepository(firestoreProvider)
	if err != nil {
		return nil, fmt.Errorf("product catalog: %w", err)
	}
	components, err := firestoreRepo.NewComponentCatalogRepository(firestoreProvider)
	if err != nil {
		return nil, fmt.Errorf("component catalog: %w", err)
	}

	metrics, err := observability.NewCartMetrics(nil)
	if err != nil {
		return nil, fmt.Errorf("cart metrics: %w", err)
	}

	deps := services.CartEngineDeps{
		Store:             store,
		Products:          products,
		Components:        components,
		Metrics:           metrics,
		Clock:             time.Now,
		Logger:            observability.EventLogger(logger.Named("engine")),
		SessionTTL:        cfg.Cart.SessionTTL,
		UserTTL:           cfg.Cart.UserTTL,
		MaxQuantity:       cfg.Cart.MaxQuantity,
		LookupConcurrency: cfg.Cart.LookupConcurrency,
	}
	topic := openEventTopic(ctx, a, cfg.Events, logger)
	if topic != nil {
		publisher, err := jobs.NewPubSubCartEventPublisher(topic)
		if err != nil {
			return nil, fmt.Errorf("cart events: %w", err)
		}
		a.onClose(publisher.Stop)
		deps.Events = publisher
	}
	engine, err := services.NewCartEngine(deps)
	if err != nil {
		return nil, fmt.Errorf("cart engine: %w", err)
	}

	checks := []repositories.DependencyCheck{
		{Name: "redis", Critical: true, Timeout: time.Second, Check: redisProvider.Ping},
		{Name: "firestore", Timeout: 1500 * time.Millisecond, Check: products.Ping},
	}
	if topic != nil {
		checks = append(checks, repositories.DependencyCheck{Name: "pubsub", Timeout: time.Second, Check: topicExists(topic)})
	}
	probes, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, fmt.Errorf("health probes: %w", err)
	}
	system, err := services.NewSystemService(services.SystemServiceDeps{HealthRepository: probes, Build: build})
	if err != nil {
		return nil, fmt.Errorf("system service: %w", err)
	}

	authn := auth.NewAuthenticator(nil)
	if client, err := auth.NewFirebaseClient(ctx, cfg.Firebase); err != nil {
		logger.Warn("firebase unavailable; requests presenting a token will get 503", zap.Error(err))
	} else {
		authn = auth.NewAuthenticator(client)
	}

	cart := handlers.NewCartHandlers(authn, engine,
		handlers.WithCartDefaultLocale(cfg.Cart.DefaultLocale),
		handlers.WithCartMutationLimit(cfg.Cart.MutationLimit, cfg.Cart.MutationWindow, nil),
	)
	httpLogger := logger.Named("http")
	a.router = handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.Tracing(traceProjectID(cfg)),
			observability.AccessLog(httpLogger),
			observability.Recover(httpLogger),
		),
		handlers.WithRequestTimeout(cfg.Server.WriteTimeout),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(
			handlers.WithHealthBuildInfo(build),
			handlers.WithHealthSystemService(system),
		)),
		handlers.WithCartRoutes(cart.Routes),
	)
	return a, nil
}

// openEventTopic returns nil when events are disabled or Pub/Sub cannot be reached; carts work
// without events.
func openEventTopic(ctx context.Context, a *app, cfg config.EventsConfig, logger *zap.Logger) *pubsub.Topic {
	if cfg.Topic == "" {
		logger.Info("cart events disabled; no topic configured")
		return nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		logger.Warn("cart events disabled; pubsub client failed", zap.Error(err))
		return nil
	}
	a.onClose(func() { closeQuietly(logger, "pubsub", client.Close) })
	return client.Topic(cfg.Topic)
}

func topicExists(topic *pubsub.Topic) func(context.Context) error {
	return func(ctx context.Context) error {
		ok, err := topic.Exists(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("topic %s does not exist", topic.ID())
		}
		return nil
	}
}

func traceProjectID(cfg config.Config) string {
	if cfg.Firebase.ProjectID != "" {
		return cfg.Firebase.ProjectID
	}
	return cfg.Firestore.ProjectID
}

func buildInfo(src config.Source, cfg config.Config, started time.Time) services.BuildInfo {
	return services.BuildInfo{
		Version:     src.GetOr("CART_BUILD_VERSION", "dev"),
		CommitSHA:   src.GetOr("CART_BUILD_COMMIT_SHA", "unknown"),
		Environment: cfg.Security.Environment,
		StartedAt:   started,
	}
}

func newSecretResolver(ctx context.Context, src config.Source, logger *zap.Logger) (*secrets.Resolver, error) {
	secretCfg := secrets.Config{
		Environment:    src.GetOr("CART_SECURITY_ENVIRONMENT", "local"),
		DefaultProject: src.GetOr("CART_SECRET_DEFAULT_PROJECT_ID", src.Get("CART_FIREBASE_PROJECT_ID")),
		Projects:       pairs(src.Get("CART_SECRET_PROJECT_IDS"), strings.ToLower),
		Pins:           pairs(src.Get("CART_SECRET_VERSION_PINS"), nil),
		FallbackFile:   src.GetOr("CART_SECRET_FALLBACK_FILE", ".secrets.local"),
	}
	if raw := src.Get("CART_SECRET_CACHE_TTL"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("CART_SECRET_CACHE_TTL=%q: %w", raw, err)
		}
		secretCfg.CacheTTL = ttl
	}

	opts := []secrets.Option{secrets.WithLogger(logger)}
	if file := src.Get("CART_FIREBASE_CREDENTIALS_FILE"); file != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(file)))
	}
	return secrets.NewResolver(ctx, secretCfg, opts...)
}

// requiredSecretNames marks secret-backed fields that must not resolve to an empty value.
func requiredSecretNames(src config.Source) []string {
	fields := map[string]string{
		"CART_REDIS_PASSWORD": "Redis.Password",
		"CART_REDIS_USERNAME": "Redis.Username",
	}
	var names []string
	for key, field := range fields {
		if config.IsSecretReference(src.Get(key)) {
			names = append(names, field)
		}
	}
	sort.Strings(names)
	return names
}

// pairs parses "a=1,b=2". Malformed entries are skipped; keyFn, when set, normalises keys.
func pairs(raw string, keyFn func(string) string) map[string]string {
	out := map[string]string{}
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(entry, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			continue
		}
		if keyFn != nil {
			key = keyFn(key)
		}
		out[key] = value
	}
	return out
}
