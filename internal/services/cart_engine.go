package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	domain "github.com/hanko-field/cartengine/internal/domain"
	"github.com/hanko-field/cartengine/internal/repositories"
)

var (
	errCartStoreRequired    = errors.New("cart engine: store is required")
	errCartProductsRequired = errors.New("cart engine: product catalog is required")
)

const (
	defaultCartSessionTTL     = 7 * 24 * time.Hour
	defaultCartUserTTL        = 30 * 24 * time.Hour
	defaultMaxCartQuantity    = 99
	defaultLookupConcurrency  = 8
	maxSelectedOptionLength   = 200
	maxSanitizePasses         = 5
	rejectReasonNotFound      = "product_not_found"
	rejectReasonUnavailable   = "product_unavailable"
	rejectReasonQuantityLimit = "quantity_limit"
)

var hundred = decimal.NewFromInt(100)

// ErrCartInvalidInput indicates the caller supplied invalid input.
var ErrCartInvalidInput = errors.New("cart engine: invalid input")

// ErrCartProductNotFound indicates the requested product does not exist in the catalog.
var ErrCartProductNotFound = errors.New("cart engine: product not found")

// ErrCartProductUnavailable indicates the product exists but is not currently sold.
var ErrCartProductUnavailable = errors.New("cart engine: product not available")

// ErrCartQuantityLimit indicates the resulting per-product quantity would exceed the cap.
var ErrCartQuantityLimit = errors.New("cart engine: quantity limit exceeded")

// ErrCartItemNotFound indicates the product has no quantity in the cart.
var ErrCartItemNotFound = errors.New("cart engine: item not found")

// ErrCartConflict indicates the cart could not be updated due to concurrent modifications.
var ErrCartConflict = errors.New("cart engine: conflict")

// ErrCartUnavailable indicates the engine cannot fulfil the request due to missing dependencies or backend issues.
var ErrCartUnavailable = errors.New("cart engine: unavailable")

// CartEngineDeps wires the store, catalog and telemetry dependencies for cart operations.
type CartEngineDeps struct {
	Store             repositories.CartStore
	Products          ProductCatalog
	Components        ComponentCatalog
	Events            CartEventPublisher
	Metrics           CartMetrics
	Clock             func() time.Time
	Logger            func(context.Context, string, map[string]any)
	SessionTTL        time.Duration
	UserTTL           time.Duration
	MaxQuantity       int
	LookupConcurrency int
}

type cartEngine struct {
	store       repositories.CartStore
	products    ProductCatalog
	components  ComponentCatalog
	events      CartEventPublisher
	metrics     CartMetrics
	now         func() time.Time
	logger      func(context.Context, string, map[string]any)
	sessionTTL  time.Duration
	userTTL     time.Duration
	maxQuantity int
	concurrency int
	sanitizer   *bluemonday.Policy
}

var _ CartEngine = (*cartEngine)(nil)

// NewCartEngine constructs a CartEngine enforcing dependency validation.
func NewCartEngine(deps CartEngineDeps) (CartEngine, error) {
	if deps.Store == nil {
		return nil, errCartStoreRequired
	}
	if deps.Products == nil {
		return nil, errCartProductsRequired
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	engine := &cartEngine{
		store:       deps.Store,
		products:    deps.Products,
		components:  deps.Components,
		events:      deps.Events,
		metrics:     deps.Metrics,
		now:         func() time.Time { return clock().UTC() },
		logger:      logger,
		sessionTTL:  durationOrDefault(deps.SessionTTL, defaultCartSessionTTL),
		userTTL:     durationOrDefault(deps.UserTTL, defaultCartUserTTL),
		maxQuantity: intOrDefault(deps.MaxQuantity, defaultMaxCartQuantity),
		concurrency: intOrDefault(deps.LookupConcurrency, defaultLookupConcurrency),
		sanitizer:   bluemonday.StrictPolicy(),
	}
	return engine, nil
}

type productLookup struct {
	product   domain.Product
	found     bool
	malformed error
}

// GetCart renders the priced view of the cart. Lines whose product is unknown or inactive are
// dropped, and unreadable option payloads render the line without options.
func (s *cartEngine) GetCart(ctx context.Context, cartKey, locale string) (CartView, error) {
	if s == nil || s.store == nil {
		return CartView{}, ErrCartUnavailable
	}
	kind, err := s.cartKind(cartKey)
	if err != nil {
		return CartView{}, err
	}

	entries, err := s.store.GetEntries(ctx, cartKey)
	if err != nil {
		return CartView{}, s.translateStoreError(err)
	}

	live := make([]domain.CartEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Quantity > 0 {
			live = append(live, entry)
		}
	}
	sort.SliceStable(live, func(i, j int) bool {
		if live[i].AddedAtMillis != live[j].AddedAtMillis {
			return live[i].AddedAtMillis < live[j].AddedAtMillis
		}
		return live[i].ProductID < live[j].ProductID
	})

	lookups := make([]productLookup, len(live))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.concurrency)
	for i, entry := range live {
		group.Go(func() error {
			product, found, err := s.products.GetByID(groupCtx, entry.ProductID, locale)
			if err != nil {
				var malformed *repositories.MalformedDocumentError
				if errors.As(err, &malformed) {
					lookups[i] = productLookup{malformed: err}
					return nil
				}
				return fmt.Errorf("lookup product %s: %w", entry.ProductID, err)
			}
			lookups[i] = productLookup{product: product, found: found}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		s.logger(ctx, "cart.catalog_lookup_failed", map[string]any{
			"cartKey": cartKey,
			"error":   err.Error(),
		})
		return CartView{}, fmt.Errorf("%w: %w", ErrCartUnavailable, err)
	}

	view := CartView{
		Key:       cartKey,
		Kind:      kind,
		Lines:     make([]CartLine, 0, len(live)),
		Subtotal:  decimal.Zero,
		VATAmount: decimal.Zero,
		Total:     decimal.Zero,
	}
	for i, entry := range live {
		lookup := lookups[i]
		if lookup.malformed != nil {
			s.logger(ctx, "cart.product_unreadable", map[string]any{
				"cartKey":   cartKey,
				"productID": entry.ProductID,
				"error":     lookup.malformed.Error(),
			})
			continue
		}
		if !lookup.found || !lookup.product.Active {
			continue
		}
		line := buildCartLine(entry, lookup.product)
		if options, ok := parseOptions(entry.SelectedOptions); ok {
			line.SelectedOptions = options
		} else {
			s.logger(ctx, "cart.options_unreadable", map[string]any{
				"cartKey":   cartKey,
				"productID": entry.ProductID,
			})
		}
		view.Lines = append(view.Lines, line)
		view.ItemCount += line.Quantity
		view.Subtotal = view.Subtotal.Add(line.Subtotal)
		view.VATAmount = view.VATAmount.Add(line.VATAmount)
	}
	view.Total = view.Subtotal.Add(view.VATAmount)
	return view, nil
}

// AddItem increments the product's quantity, records its customization and returns the refreshed view.
func (s *cartEngine) AddItem(ctx context.Context, cartKey string, cmd AddItemCommand, locale string) (CartView, error) {
	if s == nil || s.store == nil {
		return CartView{}, ErrCartUnavailable
	}
	kind, err := s.cartKind(cartKey)
	if err != nil {
		return CartView{}, err
	}
	productID, err := normalizeProductID(cmd.ProductID)
	if err != nil {
		return CartView{}, err
	}
	if cmd.Quantity <= 0 {
		return CartView{}, fmt.Errorf("%w: quantity must be positive", ErrCartInvalidInput)
	}

	product, found, err := s.products.GetByID(ctx, productID, locale)
	if err != nil {
		var malformed *repositories.MalformedDocumentError
		if errors.As(err, &malformed) {
			s.recordRejected(ctx, rejectReasonUnavailable)
			s.logger(ctx, "cart.product_unreadable", map[string]any{
				"cartKey":   cartKey,
				"productID": productID,
				"error":     err.Error(),
			})
			return CartView{}, fmt.Errorf("%w: %s", ErrCartProductUnavailable, productID)
		}
		return CartView{}, fmt.Errorf("%w: %w", ErrCartUnavailable, err)
	}
	if !found {
		s.recordRejected(ctx, rejectReasonNotFound)
		return CartView{}, fmt.Errorf("%w: %s", ErrCartProductNotFound, productID)
	}
	if !product.Active {
		s.recordRejected(ctx, rejectReasonUnavailable)
		return CartView{}, fmt.Errorf("%w: %s", ErrCartProductUnavailable, productID)
	}

	// Customization is resolved before any write so a catalog failure leaves the cart untouched.
	componentIDs, err := normalizeComponentIDs(cmd.SelectedComponentIDs)
	if err != nil {
		return CartView{}, err
	}
	var modifier *decimal.Decimal
	if len(componentIDs) > 0 {
		if s.components == nil {
			return CartView{}, fmt.Errorf("%w: component catalog not configured", ErrCartUnavailable)
		}
		sum, err := s.components.SumPriceModifiers(ctx, productID, componentIDs)
		if err != nil {
			var malformed *repositories.MalformedDocumentError
			if errors.As(err, &malformed) {
				s.recordRejected(ctx, rejectReasonUnavailable)
				return CartView{}, fmt.Errorf("%w: %s: %v", ErrCartProductUnavailable, productID, err)
			}
			return CartView{}, fmt.Errorf("%w: %w", ErrCartUnavailable, err)
		}
		modifier = &sum
	}

	var encodedOptions string
	if options := s.sanitizeOptions(cmd.SelectedOptions); len(options) > 0 {
		payload, err := json.Marshal(options)
		if err != nil {
			return CartView{}, fmt.Errorf("%w: encode options: %v", ErrCartInvalidInput, err)
		}
		encodedOptions = string(payload)
	}

	ttl := s.ttlFor(kind)
	quantity, err := s.store.IncrementItem(ctx, cartKey, productID, cmd.Quantity, s.maxQuantity, ttl)
	if err != nil {
		var limitErr *repositories.QuantityLimitError
		if errors.As(err, &limitErr) {
			s.recordRejected(ctx, rejectReasonQuantityLimit)
			return CartView{}, fmt.Errorf("%w: %d + %d exceeds %d", ErrCartQuantityLimit, limitErr.Current, limitErr.Requested, limitErr.Limit)
		}
		return CartView{}, s.translateStoreError(err)
	}

	if modifier != nil {
		if err := s.store.SetPriceModifier(ctx, cartKey, productID, *modifier, ttl); err != nil {
			return CartView{}, s.translateStoreError(err)
		}
	}
	if encodedOptions != "" {
		if err := s.store.SetSelectedOptions(ctx, cartKey, productID, encodedOptions, ttl); err != nil {
			return CartView{}, s.translateStoreError(err)
		}
	}

	if s.metrics != nil {
		s.metrics.ItemsAdded(ctx, kind, cmd.Quantity)
	}
	s.logger(ctx, "cart.item_added", map[string]any{
		"cartKey":   cartKey,
		"productID": productID,
		"quantity":  quantity,
	})

	return s.GetCart(ctx, cartKey, locale)
}

// UpdateItem sets an absolute quantity for a product already in the cart.
func (s *cartEngine) UpdateItem(ctx context.Context, cartKey, productID string, quantity int, locale string) (CartView, error) {
	if s == nil || s.store == nil {
		return CartView{}, ErrCartUnavailable
	}
	kind, err := s.cartKind(cartKey)
	if err != nil {
		return CartView{}, err
	}
	productID, err = normalizeProductID(productID)
	if err != nil {
		return CartView{}, err
	}
	if quantity <= 0 {
		return CartView{}, fmt.Errorf("%w: quantity must be positive", ErrCartInvalidInput)
	}
	if quantity > s.maxQuantity {
		return CartView{}, fmt.Errorf("%w: %d exceeds %d", ErrCartQuantityLimit, quantity, s.maxQuantity)
	}

	existed, err := s.store.ReplaceItem(ctx, cartKey, productID, quantity, s.ttlFor(kind))
	if err != nil {
		return CartView{}, s.translateStoreError(err)
	}
	if !existed {
		return CartView{}, fmt.Errorf("%w: %s", ErrCartItemNotFound, productID)
	}

	return s.GetCart(ctx, cartKey, locale)
}

// RemoveItem drops the product together with its modifier and options. Removing an absent product
// is not an error.
func (s *cartEngine) RemoveItem(ctx context.Context, cartKey, productID string) error {
	if s == nil || s.store == nil {
		return ErrCartUnavailable
	}
	kind, err := s.cartKind(cartKey)
	if err != nil {
		return err
	}
	productID, err = normalizeProductID(productID)
	if err != nil {
		return err
	}

	removed, err := s.store.RemoveItem(ctx, cartKey, productID)
	if err != nil {
		return s.translateStoreError(err)
	}
	if removed && s.metrics != nil {
		s.metrics.ItemRemoved(ctx, kind)
	}
	return nil
}

// ClearCart deletes the whole cart.
func (s *cartEngine) ClearCart(ctx context.Context, cartKey string) error {
	if s == nil || s.store == nil {
		return ErrCartUnavailable
	}
	if _, err := s.cartKind(cartKey); err != nil {
		return err
	}
	if err := s.store.DeleteCart(ctx, cartKey); err != nil {
		return s.translateStoreError(err)
	}
	s.publish(ctx, CartEvent{
		Type:       domain.CartEventCleared,
		CartKey:    cartKey,
		OccurredAt: s.now(),
	})
	return nil
}

// MergeCarts folds the source cart into the destination cart and returns the destination view.
// Quantities are summed and the source's modifiers and options replace the destination's.
func (s *cartEngine) MergeCarts(ctx context.Context, sourceKey, destKey, locale string) (CartView, error) {
	if s == nil || s.store == nil {
		return CartView{}, ErrCartUnavailable
	}
	if sourceKey == destKey {
		return CartView{}, fmt.Errorf("%w: source and destination carts are the same", ErrCartInvalidInput)
	}
	sourceKind, err := s.cartKind(sourceKey)
	if err != nil {
		return CartView{}, err
	}
	destKind, err := s.cartKind(destKey)
	if err != nil {
		return CartView{}, err
	}
	if sourceKind != domain.CartKindSession || destKind != domain.CartKindUser {
		return CartView{}, fmt.Errorf("%w: only a session cart can be merged into a user cart", ErrCartInvalidInput)
	}

	moved, err := s.store.Merge(ctx, sourceKey, destKey, s.userTTL)
	if err != nil {
		return CartView{}, s.translateStoreError(err)
	}

	view, err := s.GetCart(ctx, destKey, locale)
	if err != nil {
		return CartView{}, err
	}
	if !moved {
		return view, nil
	}

	if s.metrics != nil {
		s.metrics.CartMerged(ctx)
	}
	s.publish(ctx, CartEvent{
		Type:       domain.CartEventMerged,
		CartKey:    destKey,
		SourceKey:  sourceKey,
		ItemCount:  view.ItemCount,
		OccurredAt: s.now(),
	})
	return view, nil
}

func (s *cartEngine) cartKind(cartKey string) (domain.CartKind, error) {
	kind, ok := CartKindForKey(cartKey)
	if !ok {
		return "", fmt.Errorf("%w: unrecognised cart key", ErrCartInvalidInput)
	}
	return kind, nil
}

func (s *cartEngine) ttlFor(kind domain.CartKind) time.Duration {
	if kind == domain.CartKindUser {
		return s.userTTL
	}
	return s.sessionTTL
}

func (s *cartEngine) sanitizeOptions(options []SelectedOption) []SelectedOption {
	if len(options) == 0 {
		return nil
	}
	out := make([]SelectedOption, 0, len(options))
	for _, option := range options {
		cleaned := SelectedOption{
			GroupName:     s.sanitizeLabel(option.GroupName),
			ComponentID:   strings.TrimSpace(option.ComponentID),
			ComponentName: s.sanitizeLabel(option.ComponentName),
		}
		if cleaned.GroupName == "" && cleaned.ComponentID == "" && cleaned.ComponentName == "" {
			continue
		}
		out = append(out, cleaned)
	}
	return out
}

// sanitizeLabel reduces a label to plain text. Entity-encoded markup is decoded and stripped again
// until the text is stable; a label that never settles keeps bluemonday's escaped form.
func (s *cartEngine) sanitizeLabel(value string) string {
	text := value
	settled := false
	for pass := 0; pass < maxSanitizePasses; pass++ {
		plain := html.UnescapeString(s.sanitizer.Sanitize(text))
		if plain == text {
			settled = true
			break
		}
		text = plain
	}
	if !settled {
		text = s.sanitizer.Sanitize(text)
	}
	cleaned := strings.TrimSpace(text)
	if runes := []rune(cleaned); len(runes) > maxSelectedOptionLength {
		cleaned = string(runes[:maxSelectedOptionLength])
	}
	return cleaned
}

func (s *cartEngine) publish(ctx context.Context, event CartEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishCartEvent(ctx, event); err != nil {
		s.logger(ctx, "cart.event_publish_failed", map[string]any{
			"type":    event.Type,
			"cartKey": event.CartKey,
			"error":   err.Error(),
		})
	}
}

func (s *cartEngine) recordRejected(ctx context.Context, reason string) {
	if s.metrics != nil {
		s.metrics.AddRejected(ctx, reason)
	}
}

func (s *cartEngine) translateStoreError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %w", ErrCartConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %w", ErrCartUnavailable, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrCartUnavailable, err)
}

// buildCartLine prices a single line. VAT is computed on the line subtotal at the product's own rate.
func buildCartLine(entry domain.CartEntry, product domain.Product) CartLine {
	modifier := decimal.Zero
	if entry.PriceModifier != nil {
		modifier = *entry.PriceModifier
	}
	unitPrice := product.BasePrice.Add(modifier)
	subtotal := unitPrice.Mul(decimal.NewFromInt(int64(entry.Quantity)))
	vat := subtotal.Mul(product.VATRate).Div(hundred)
	return CartLine{
		ProductID:     entry.ProductID,
		Name:          product.Name,
		ImageURL:      product.ImageURL,
		BasePrice:     product.BasePrice,
		PriceModifier: modifier,
		UnitPrice:     unitPrice,
		Quantity:      entry.Quantity,
		Subtotal:      subtotal,
		VATRate:       product.VATRate,
		VATAmount:     vat,
	}
}

// parseOptions decodes the stored options payload. An empty payload is valid and yields no options.
func parseOptions(raw string) ([]SelectedOption, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, true
	}
	var options []SelectedOption
	if err := json.Unmarshal([]byte(raw), &options); err != nil {
		return nil, false
	}
	return options, true
}

// normalizeProductID trims the id and rejects values that would escape a catalog document path.
func normalizeProductID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", fmt.Errorf("%w: product id is required", ErrCartInvalidInput)
	}
	if !validCatalogID(id) {
		return "", fmt.Errorf("%w: product id %q is malformed", ErrCartInvalidInput, id)
	}
	return id, nil
}

func normalizeComponentIDs(ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		trimmed := strings.TrimSpace(id)
		if trimmed == "" {
			continue
		}
		if !validCatalogID(trimmed) {
			return nil, fmt.Errorf("%w: component id %q is malformed", ErrCartInvalidInput, trimmed)
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out, nil
}

func validCatalogID(id string) bool {
	return id != "." && id != ".." && !strings.Contains(id, "/")
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}

func intOrDefault(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}
