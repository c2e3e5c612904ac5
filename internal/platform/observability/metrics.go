package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/hanko-field/cartengine/internal/domain"
)

const instrumentationName = "github.com/hanko-field/cartengine/internal/platform/observability"

// CartMetrics publishes cart mutation counters through OpenTelemetry.
type CartMetrics struct {
	added    metric.Int64Counter
	removed  metric.Int64Counter
	merges   metric.Int64Counter
	rejected metric.Int64Counter
}

// NewCartMetrics registers the cart counters on the given meter, defaulting to the global provider.
func NewCartMetrics(meter metric.Meter) (*CartMetrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	added, err := meter.Int64Counter("cart.items.added",
		metric.WithDescription("Units added to carts"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: register cart.items.added: %w", err)
	}
	removed, err := meter.Int64Counter("cart.items.removed",
		metric.WithDescription("Lines removed from carts"),
		metric.WithUnit("{line}"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: register cart.items.removed: %w", err)
	}
	merges, err := meter.Int64Counter("cart.merges",
		metric.WithDescription("Session carts merged into user carts"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: register cart.merges: %w", err)
	}
	rejected, err := meter.Int64Counter("cart.add.rejected",
		metric.WithDescription("Add-to-cart requests rejected by business rules"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: register cart.add.rejected: %w", err)
	}
	return &CartMetrics{added: added, removed: removed, merges: merges, rejected: rejected}, nil
}

// ItemsAdded counts units added to a cart of the given kind.
func (m *CartMetrics) ItemsAdded(ctx context.Context, kind domain.CartKind, quantity int) {
	if m == nil || quantity <= 0 {
		return
	}
	m.added.Add(ctx, int64(quantity), metric.WithAttributes(attribute.String("cart.kind", string(kind))))
}

// ItemRemoved counts a removed line.
func (m *CartMetrics) ItemRemoved(ctx context.Context, kind domain.CartKind) {
	if m == nil {
		return
	}
	m.removed.Add(ctx, 1, metric.WithAttributes(attribute.String("cart.kind", string(kind))))
}

// CartMerged counts a completed merge.
func (m *CartMetrics) CartMerged(ctx context.Context) {
	if m == nil {
		return
	}
	m.merges.Add(ctx, 1)
}

// AddRejected counts a rejected add, labelled with the rejection reason.
func (m *CartMetrics) AddRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
