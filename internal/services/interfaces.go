package services

import (
	"context"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/cartengine/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	CartView           = domain.CartView
	CartLine           = domain.CartLine
	CartEvent          = domain.CartEvent
	SelectedOption     = domain.SelectedOption
	Product            = domain.Product
	SystemHealthReport = domain.SystemHealthReport
)

// CartEngine applies cart business rules on top of the cart store and renders priced views.
type CartEngine interface {
	GetCart(ctx context.Context, cartKey, locale string) (CartView, error)
	AddItem(ctx context.Context, cartKey string, cmd AddItemCommand, locale string) (CartView, error)
	UpdateItem(ctx context.Context, cartKey, productID string, quantity int, locale string) (CartView, error)
	RemoveItem(ctx context.Context, cartKey, productID string) error
	ClearCart(ctx context.Context, cartKey string) error
	MergeCarts(ctx context.Context, sourceKey, destKey, locale string) (CartView, error)
}

// AddItemCommand carries the payload of an add-to-cart request. Quantity is added to whatever the
// cart already holds for the product.
type AddItemCommand struct {
	ProductID            string
	Quantity             int
	SelectedComponentIDs []string
	SelectedOptions      []SelectedOption
}

// ProductCatalog resolves catalog products. Unknown or deleted products are reported with ok=false.
type ProductCatalog interface {
	GetByID(ctx context.Context, productID, locale string) (Product, bool, error)
}

// ComponentCatalog sums the configured price deltas of customization components for a product.
type ComponentCatalog interface {
	SumPriceModifiers(ctx context.Context, productID string, componentIDs []string) (decimal.Decimal, error)
}

// CartEventPublisher emits cart lifecycle events for downstream consumers.
type CartEventPublisher interface {
	PublishCartEvent(ctx context.Context, event CartEvent) error
}

// CartMetrics records cart mutation counters.
type CartMetrics interface {
	ItemsAdded(ctx context.Context, kind domain.CartKind, quantity int)
	ItemRemoved(ctx context.Context, kind domain.CartKind)
	CartMerged(ctx context.Context)
	AddRejected(ctx context.Context, reason string)
}

// SystemService exposes operational metadata for health endpoints.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}
