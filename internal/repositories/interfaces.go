package repositories

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/cartengine/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// CartStore is the key-value boundary for carts. Each cart key holds one record per product
// carrying its quantity, price modifier and selected options. The store has no knowledge of
// products or pricing.
type CartStore interface {
	// GetEntries returns every stored record for the cart; a missing cart yields an empty slice.
	GetEntries(ctx context.Context, cartKey string) ([]domain.CartEntry, error)

	GetAllItems(ctx context.Context, cartKey string) (map[string]int, error)
	SetItem(ctx context.Context, cartKey, productID string, quantity int, ttl time.Duration) error
	// IncrementItem atomically adds delta to the stored quantity. When the resulting quantity would
	// exceed limit nothing is written and a *QuantityLimitError is returned.
	IncrementItem(ctx context.Context, cartKey, productID string, delta, limit int, ttl time.Duration) (int, error)
	// ReplaceItem atomically sets an absolute quantity only when the product is already present.
	ReplaceItem(ctx context.Context, cartKey, productID string, quantity int, ttl time.Duration) (bool, error)
	RemoveItem(ctx context.Context, cartKey, productID string) (bool, error)
	DeleteCart(ctx context.Context, cartKey string) error
	Exists(ctx context.Context, cartKey string) (bool, error)
	RefreshTTL(ctx context.Context, cartKey string, ttl time.Duration) error
	// Merge folds source into dest: quantities are summed, source side-data wins, dest TTL is
	// refreshed and source is deleted. An empty source leaves dest untouched and reports false.
	Merge(ctx context.Context, sourceKey, destKey string, destTTL time.Duration) (bool, error)

	GetAllPriceModifiers(ctx context.Context, cartKey string) (map[string]decimal.Decimal, error)
	SetPriceModifier(ctx context.Context, cartKey, productID string, modifier decimal.Decimal, ttl time.Duration) error
	RemovePriceModifier(ctx context.Context, cartKey, productID string) (bool, error)
	DeletePriceModifiers(ctx context.Context, cartKey string) error

	GetAllSelectedOptions(ctx context.Context, cartKey string) (map[string]string, error)
	SetSelectedOptions(ctx context.Context, cartKey, productID string, options string, ttl time.Duration) error
	RemoveSelectedOptions(ctx context.Context, cartKey, productID string) (bool, error)
	DeleteAllSelectedOptions(ctx context.Context, cartKey string) error

	Ping(ctx context.Context) error
}

// HealthRepository aggregates dependency probes for readiness reporting.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
