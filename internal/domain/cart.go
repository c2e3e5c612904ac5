package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CartKind distinguishes anonymous session carts from authenticated user carts.
type CartKind string

const (
	// CartKindSession identifies carts scoped to an anonymous browser or device session.
	CartKindSession CartKind = "session"
	// CartKindUser identifies carts owned by an authenticated account.
	CartKindUser CartKind = "user"
)

// SelectedOption records a customization choice a shopper made for a product.
type SelectedOption struct {
	GroupName     string `json:"groupName"`
	ComponentID   string `json:"componentId"`
	ComponentName string `json:"componentName"`
}

// CartEntry is the persisted per-product record of a cart. Quantity, price modifier and selected
// options live in one value so they are always written and read together.
type CartEntry struct {
	ProductID string
	Quantity  int
	// PriceModifier is nil when no customization components were selected.
	PriceModifier *decimal.Decimal
	// SelectedOptions holds the serialized JSON array exactly as stored; empty when absent.
	SelectedOptions string
	AddedAtMillis   int64
}

// Product is the catalog projection the cart needs to price a line.
type Product struct {
	ID        string
	Name      string
	ImageURL  string
	BasePrice decimal.Decimal
	VATRate   decimal.Decimal
	Active    bool
}

// CartLine is a single priced line of a cart view.
type CartLine struct {
	ProductID       string
	Name            string
	ImageURL        string
	BasePrice       decimal.Decimal
	PriceModifier   decimal.Decimal
	UnitPrice       decimal.Decimal
	Quantity        int
	Subtotal        decimal.Decimal
	VATRate         decimal.Decimal
	VATAmount       decimal.Decimal
	SelectedOptions []SelectedOption
}

// CartView is the priced read model of a cart. It is derived on every read and never persisted.
type CartView struct {
	Key       string
	Kind      CartKind
	Lines     []CartLine
	ItemCount int
	Subtotal  decimal.Decimal
	VATAmount decimal.Decimal
	Total     decimal.Decimal
}

// CartEvent describes a cart lifecycle change published for downstream consumers.
type CartEvent struct {
	Type       string
	CartKey    string
	SourceKey  string
	ItemCount  int
	OccurredAt time.Time
}

const (
	// CartEventMerged is emitted after a session cart is folded into a user cart.
	CartEventMerged = "cart.merged"
	// CartEventCleared is emitted after a cart is explicitly cleared.
	CartEventCleared = "cart.cleared"
)
