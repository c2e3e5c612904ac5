package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/cartengine/internal/domain"
	"github.com/hanko-field/cartengine/internal/repositories"
)

const (
	testSessionCart = "cart:session:s-1"
	testUserCart    = "cart:user:u-1"
)

type memoryCartStore struct {
	mu      sync.Mutex
	carts   map[string]map[string]domain.CartEntry
	ttls    map[string]time.Duration
	clock   int64
	failAll error
}

func newMemoryCartStore() *memoryCartStore {
	return &memoryCartStore{
		carts: make(map[string]map[string]domain.CartEntry),
		ttls:  make(map[string]time.Duration),
	}
}

var _ repositories.CartStore = (*memoryCartStore)(nil)

func (m *memoryCartStore) cart(key string) map[string]domain.CartEntry {
	cart, ok := m.carts[key]
	if !ok {
		cart = make(map[string]domain.CartEntry)
		m.carts[key] = cart
	}
	return cart
}

func (m *memoryCartStore) put(key string, entry domain.CartEntry, ttl time.Duration) {
	if entry.AddedAtMillis == 0 {
		m.clock++
		entry.AddedAtMillis = m.clock
	}
	m.cart(key)[entry.ProductID] = entry
	if ttl > 0 {
		m.ttls[key] = ttl
	}
}

func (m *memoryCartStore) GetEntries(_ context.Context, key string) ([]domain.CartEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return nil, m.failAll
	}
	out := make([]domain.CartEntry, 0, len(m.carts[key]))
	for _, entry := range m.carts[key] {
		out = append(out, entry)
	}
	return out, nil
}

func (m *memoryCartStore) GetAllItems(_ context.Context, key string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make(map[string]int)
	for pid, entry := range m.carts[key] {
		if entry.Quantity > 0 {
			items[pid] = entry.Quantity
		}
	}
	return items, nil
}

func (m *memoryCartStore) SetItem(_ context.Context, key, pid string, quantity int, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.cart(key)[pid]
	entry.ProductID = pid
	entry.Quantity = quantity
	m.put(key, entry, ttl)
	return nil
}

func (m *memoryCartStore) IncrementItem(_ context.Context, key, pid string, delta, limit int, ttl time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return 0, m.failAll
	}
	entry := m.cart(key)[pid]
	if entry.Quantity+delta > limit {
		return 0, &repositories.QuantityLimitError{ProductID: pid, Current: entry.Quantity, Requested: delta, Limit: limit}
	}
	entry.ProductID = pid
	entry.Quantity += delta
	m.put(key, entry, ttl)
	return entry.Quantity, nil
}

func (m *memoryCartStore) ReplaceItem(_ context.Context, key, pid string, quantity int, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.carts[key][pid]
	if !ok || entry.Quantity <= 0 {
		return false, nil
	}
	entry.Quantity = quantity
	m.put(key, entry, ttl)
	return true, nil
}

func (m *memoryCartStore) RemoveItem(_ context.Context, key, pid string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.carts[key][pid]
	delete(m.carts[key], pid)
	return ok, nil
}

func (m *memoryCartStore) DeleteCart(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.carts, key)
	delete(m.ttls, key)
	return nil
}

func (m *memoryCartStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.carts[key]) > 0, nil
}

func (m *memoryCartStore) RefreshTTL(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ttls[key] = ttl
	return nil
}

func (m *memoryCartStore) Merge(_ context.Context, src, dst string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return false, m.failAll
	}
	if len(m.carts[src]) == 0 {
		return false, nil
	}
	for pid, incoming := range m.carts[src] {
		existing, ok := m.cart(dst)[pid]
		if !ok {
			m.cart(dst)[pid] = incoming
			continue
		}
		existing.Quantity += incoming.Quantity
		if incoming.PriceModifier != nil {
			existing.PriceModifier = incoming.PriceModifier
		}
		if incoming.SelectedOptions != "" {
			existing.SelectedOptions = incoming.SelectedOptions
		}
		m.cart(dst)[pid] = existing
	}
	m.ttls[dst] = ttl
	delete(m.carts, src)
	return true, nil
}

func (m *memoryCartStore) GetAllPriceModifiers(_ context.Context, key string) (map[string]decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]decimal.Decimal)
	for pid, entry := range m.carts[key] {
		if entry.PriceModifier != nil {
			out[pid] = *entry.PriceModifier
		}
	}
	return out, nil
}

func (m *memoryCartStore) SetPriceModifier(_ context.Context, key, pid string, modifier decimal.Decimal, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.cart(key)[pid]
	entry.ProductID = pid
	entry.PriceModifier = &modifier
	m.put(key, entry, ttl)
	return nil
}

func (m *memoryCartStore) RemovePriceModifier(_ context.Context, key, pid string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.carts[key][pid]
	if !ok || entry.PriceModifier == nil {
		return false, nil
	}
	entry.PriceModifier = nil
	m.carts[key][pid] = entry
	return true, nil
}

func (m *memoryCartStore) DeletePriceModifiers(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for pid, entry := range m.carts[key] {
		entry.PriceModifier = nil
		m.carts[key][pid] = entry
	}
	return nil
}

func (m *memoryCartStore) GetAllSelectedOptions(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for pid, entry := range m.carts[key] {
		if entry.SelectedOptions != "" {
			out[pid] = entry.SelectedOptions
		}
	}
	return out, nil
}

func (m *memoryCartStore) SetSelectedOptions(_ context.Context, key, pid string, options string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.cart(key)[pid]
	entry.ProductID = pid
	entry.SelectedOptions = options
	m.put(key, entry, ttl)
	return nil
}

func (m *memoryCartStore) RemoveSelectedOptions(_ context.Context, key, pid string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.carts[key][pid]
	if !ok || entry.SelectedOptions == "" {
		return false, nil
	}
	entry.SelectedOptions = ""
	m.carts[key][pid] = entry
	return true, nil
}

func (m *memoryCartStore) DeleteAllSelectedOptions(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for pid, entry := range m.carts[key] {
		entry.SelectedOptions = ""
		m.carts[key][pid] = entry
	}
	return nil
}

func (m *memoryCartStore) Ping(context.Context) error { return nil }

type stubProductCatalog struct {
	mu       sync.Mutex
	products map[string]domain.Product
	failures map[string]error
	err      error
	locales  []string
}

func (s *stubProductCatalog) GetByID(_ context.Context, productID, locale string) (domain.Product, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locales = append(s.locales, locale)
	if s.err != nil {
		return domain.Product{}, false, s.err
	}
	if err := s.failures[productID]; err != nil {
		return domain.Product{}, false, err
	}
	product, ok := s.products[productID]
	return product, ok, nil
}

type stubComponentCatalog struct {
	modifiers map[string]decimal.Decimal
	err       error
	calls     int
}

func (s *stubComponentCatalog) SumPriceModifiers(_ context.Context, _ string, componentIDs []string) (decimal.Decimal, error) {
	s.calls++
	if s.err != nil {
		return decimal.Zero, s.err
	}
	sum := decimal.Zero
	for _, id := range componentIDs {
		sum = sum.Add(s.modifiers[id])
	}
	return sum, nil
}

type recordingPublisher struct {
	events []domain.CartEvent
	err    error
}

func (p *recordingPublisher) PublishCartEvent(_ context.Context, event domain.CartEvent) error {
	p.events = append(p.events, event)
	return p.err
}

type recordingMetrics struct {
	added    int
	removed  int
	merges   int
	rejected []string
}

func (m *recordingMetrics) ItemsAdded(_ context.Context, _ domain.CartKind, quantity int) {
	m.added += quantity
}
func (m *recordingMetrics) ItemRemoved(context.Context, domain.CartKind) { m.removed++ }
func (m *recordingMetrics) CartMerged(context.Context)                   { m.merges++ }
func (m *recordingMetrics) AddRejected(_ context.Context, reason string) {
	m.rejected = append(m.rejected, reason)
}

type repositoryErrorStub struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e repositoryErrorStub) Error() string       { return "repository error" }
func (e repositoryErrorStub) IsNotFound() bool    { return e.notFound }
func (e repositoryErrorStub) IsConflict() bool    { return e.conflict }
func (e repositoryErrorStub) IsUnavailable() bool { return e.unavailable }

func product(id string, base, vat string) domain.Product {
	return domain.Product{
		ID:        id,
		Name:      "Product " + id,
		BasePrice: decimal.RequireFromString(base),
		VATRate:   decimal.RequireFromString(vat),
		Active:    true,
	}
}

type engineFixture struct {
	engine     CartEngine
	store      *memoryCartStore
	products   *stubProductCatalog
	components *stubComponentCatalog
	events     *recordingPublisher
	metrics    *recordingMetrics
	logs       []string
}

func newEngineFixture(t *testing.T, products ...domain.Product) *engineFixture {
	t.Helper()
	fx := &engineFixture{
		store:      newMemoryCartStore(),
		products:   &stubProductCatalog{products: map[string]domain.Product{}},
		components: &stubComponentCatalog{modifiers: map[string]decimal.Decimal{}},
		events:     &recordingPublisher{},
		metrics:    &recordingMetrics{},
	}
	for _, p := range products {
		fx.products.products[p.ID] = p
	}
	engine, err := NewCartEngine(CartEngineDeps{
		Store:      fx.store,
		Products:   fx.products,
		Components: fx.components,
		Events:     fx.events,
		Metrics:    fx.metrics,
		Clock:      func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) },
		Logger: func(_ context.Context, event string, _ map[string]any) {
			fx.logs = append(fx.logs, event)
		},
		SessionTTL:  7 * 24 * time.Hour,
		UserTTL:     30 * 24 * time.Hour,
		MaxQuantity: 99,
	})
	if err != nil {
		t.Fatalf("NewCartEngine: %v", err)
	}
	fx.engine = engine
	return fx
}

func TestNewCartEngineRequiresDependencies(t *testing.T) {
	if _, err := NewCartEngine(CartEngineDeps{Products: &stubProductCatalog{}}); !errors.Is(err, errCartStoreRequired) {
		t.Fatalf("expected store required error, got %v", err)
	}
	if _, err := NewCartEngine(CartEngineDeps{Store: newMemoryCartStore()}); !errors.Is(err, errCartProductsRequired) {
		t.Fatalf("expected products required error, got %v", err)
	}
}

func TestCartEngineGetCartSingleLineTotals(t *testing.T) {
	fx := newEngineFixture(t, product("P", "200", "21"))
	fx.store.put(testSessionCart, domain.CartEntry{ProductID: "P", Quantity: 2}, 0)

	view, err := fx.engine.GetCart(context.Background(), testSessionCart, "en")
	if err != nil {
		t.Fatalf("GetCart: %v", err)
	}
	if len(view.Lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(view.Lines))
	}
	assertDecimal(t, "subtotal", view.Subtotal, "400")
	assertDecimal(t, "vat", view.VATAmount, "84")
	assertDecimal(t, "total", view.Total, "484")
	if view.ItemCount != 2 {
		t.Fatalf("expected item count 2, got %d", view.ItemCount)
	}
	if view.Kind != domain.CartKindSession {
		t.Fatalf("expected session cart kind, got %s", view.Kind)
	}
}

func TestCartEngineGetCartComputesVATPerLine(t *testing.T) {
	fx := newEngineFixture(t, product("A", "100", "21"), product("B", "50", "10"))
	fx.store.put(testSessionCart, domain.CartEntry{ProductID: "A", Quantity: 1}, 0)
	fx.store.put(testSessionCart, domain.CartEntry{ProductID: "B", Quantity: 1}, 0)

	view, err := fx.engine.GetCart(context.Background(), testSessionCart, "en")
	if err != nil {
		t.Fatalf("GetCart: %v", err)
	}
	assertDecimal(t, "subtotal", view.Subtotal, "150")
	assertDecimal(t, "vat", view.VATAmount, "26")
	assertDecimal(t, "total", view.Total, "176")

	if view.Lines[0].ProductID != "A" || view.Lines[1].ProductID != "B" {
		t.Fatalf("expected lines in insertion order, got %s,%s", view.Lines[0].ProductID, view.Lines[1].ProductID)
	}
	for _, line := range view.Lines {
		want := line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))
		if !line.Subtotal.Equal(want) {
			t.Fatalf("line %s subtotal %s != unit*qty %s", line.ProductID, line.Subtotal, want)
		}
		wantVAT := line.Subtotal.Mul(line.VATRate).Div(decimal.NewFromInt(100))
		if !line.VATAmount.Equal(wantVAT) {
			t.Fatalf("line %s vat %s != %s", line.ProductID, line.VATAmount, wantVAT)
		}
	}
}

func TestCartEngineGetCartAppliesPriceModifier(t *testing.T) {
	fx := newEngineFixture(t, product("P", "100", "0"))
	modifier := decimal.NewFromInt(15)
	fx.store.put(testSessionCart, domain.CartEntry{ProductID: "P", Quantity: 1, PriceModifier: &modifier}, 0)

	view, err := fx.engine.GetCart(context.Background(), testSessionCart, "en")
	if err != nil {
		t.Fatalf("GetCart: %v", err)
	}
	assertDecimal(t, "unit price", view.Lines[0].UnitPrice, "115")
	assertDecimal(t, "modifier", view.Lines[0].PriceModifier, "15")
}

func TestCartEngineGetCartDropsInvalidLines(t *testing.T) {
	inactive := product("OFF", "10", "0")
	inactive.Active = false
	fx := newEngineFixture(t, product("P", "10", "0"), inactive)
	fx.store.put(testSessionCart, domain.CartEntry{ProductID: "P", Quantity: 1}, 0)
	fx.store.put(testSessionCart, domain.CartEntry{ProductID: "OFF", Quantity: 1}, 0)
	fx.store.put(testSessionCart, domain.CartEntry{ProductID: "GONE", Quantity: 1}, 0)
	fx.store.put(testSessionCart, domain.CartEntry{ProductID: "ZERO", Quantity: 0, SelectedOptions: "[]"}, 0)

	view, err := fx.engine.GetCart(context.Background(), testSessionCart, "en")
	if err != nil {
		t.Fatalf("GetCart: %v", err)
	}
	if len(view.Lines) != 1 || view.Lines[0].ProductID != "P" {
		t.Fatalf("expected only P to survive, got %+v", view.Lines)
	}
	for _, line := range view.Lines {
		if line.Quantity <= 0 {
			t.Fatalf("line %s has non-positive quantity", line.ProductID)
		}
	}
}

func TestCartEngineGetCartEmpty(t *testing.T) {
	fx := newEngineFixture(t)
	view, err := fx.engine.GetCart(context.Background(), testUserCart, "en")
	if err != nil {
		t.Fatalf("GetCart: %v", err)
	}
	if len(view.Lines) != 0 || view.ItemCount != 0 || !view.Total.IsZero() {
		t.Fatalf("expected zero view, got %+v", view)
	}
}

func TestCartEngineGetCartMalformedOptions(t *testing.T) {
	fx := newEngineFixture(t, product("A", "10", "0"), product("B", "20", "0"))
	fx.store.put(testSessionCart, domain.CartEntry{ProductID: "A", Quantity: 1, SelectedOptions: "{not json"}, 0)
	fx.store.put(testSessionCart, domain.CartEntry{ProductID: "B", Quantity: 1, SelectedOptions: `[{"groupName":"Size","componentId":"c1","componentName":"L"}]`}, 0)

	view, err := fx.engine.GetCart(context.Background(), testSessionCart, "en")
	if err != nil {
		t.Fatalf("GetCart: %v", err)
	}
	if len(view.Lines) != 2 {
		t.Fatalf("expected both lines rendered, got %d", len(view.Lines))
	}
	if len(view.Lines[0].SelectedOptions) != 0 {
		t.Fatalf("expected malformed options omitted, got %+v", view.Lines[0].SelectedOptions)
	}
	if len(view.Lines[1].SelectedOptions) != 1 || view.Lines[1].SelectedOptions[0].ComponentName != "L" {
		t.Fatalf("expected options for B, got %+v", view.Lines[1].SelectedOptions)
	}
	if !containsLog(fx.logs, "cart.options_unreadable") {
		t.Fatalf("expected unreadable options to be logged, got %v", fx.logs)
	}
}

func TestCartEngineGetCartCatalogFailure(t *testing.T) {
	fx := newEngineFixture(t)
	fx.products.err = errors.New("firestore down")
	fx.store.put(testSessionCart, domain.CartEntry{ProductID: "P", Quantity: 1}, 0)

	_, err := fx.engine.GetCart(context.Background(), testSessionCart, "en")
	if !errors.Is(err, ErrCartUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestCartEngineGetCartSkipsUnreadableProduct(t *testing.T) {
	fx := newEngineFixture(t, product("P1", "100", "21"))
	fx.products.failures = map[string]error{
		"P-bad": &repositories.MalformedDocumentError{Collection: "products", ID: "P-bad", Err: errors.New("invalid basePrice")},
	}
	fx.store.put(testSessionCart, domain.CartEntry{ProductID: "P1", Quantity: 2}, 0)
	fx.store.put(testSessionCart, domain.CartEntry{ProductID: "P-bad", Quantity: 1}, 0)

	view, err := fx.engine.GetCart(context.Background(), testSessionCart, "en")
	if err != nil {
		t.Fatalf("GetCart: %v", err)
	}
	if len(view.Lines) != 1 || view.Lines[0].ProductID != "P1" {
		t.Fatalf("expected only P1 to render, got %+v", view.Lines)
	}
	assertDecimal(t, "total", view.Total, "242")
	if !containsLog(fx.logs, "cart.product_unreadable") {
		t.Fatalf("expected unreadable product to be logged, got %v", fx.logs)
	}

	view, err = fx.engine.AddItem(context.Background(), testSessionCart, AddItemCommand{ProductID: "P1", Quantity: 1}, "en")
	if err != nil {
		t.Fatalf("AddItem next to unreadable line: %v", err)
	}
	if view.Lines[0].Quantity != 3 {
		t.Fatalf("expected P1=3, got %+v", view.Lines)
	}
}

func TestCartEngineAddItemUnreadableProduct(t *testing.T) {
	fx := newEngineFixture(t)
	fx.products.failures = map[string]error{
		"P-bad": &repositories.MalformedDocumentError{Collection: "products", ID: "P-bad", Err: errors.New("invalid vatRate")},
	}

	_, err := fx.engine.AddItem(context.Background(), testSessionCart, AddItemCommand{ProductID: "P-bad", Quantity: 1}, "en")
	if !errors.Is(err, ErrCartProductUnavailable) {
		t.Fatalf("expected product unavailable, got %v", err)
	}
	if len(fx.store.carts[testSessionCart]) != 0 {
		t.Fatalf("expected nothing written, got %+v", fx.store.carts[testSessionCart])
	}
}

func TestCartEngineRejectsPathLikeProductIDs(t *testing.T) {
	fx := newEngineFixture(t, product("P", "10", "0"))
	ctx := context.Background()
	fx.store.put(testSessionCart, domain.CartEntry{ProductID: "P", Quantity: 1}, 0)

	for _, id := range []string{"P/components/x", "..", "a/b"} {
		if _, err := fx.engine.AddItem(ctx, testSessionCart, AddItemCommand{ProductID: id, Quantity: 1}, "en"); !errors.Is(err, ErrCartInvalidInput) {
			t.Fatalf("AddItem %q: expected invalid input, got %v", id, err)
		}
		if _, err := fx.engine.UpdateItem(ctx, testSessionCart, id, 2, "en"); !errors.Is(err, ErrCartInvalidInput) {
			t.Fatalf("UpdateItem %q: expected invalid input, got %v", id, err)
		}
		if err := fx.engine.RemoveItem(ctx, testSessionCart, id); !errors.Is(err, ErrCartInvalidInput) {
			t.Fatalf("RemoveItem %q: expected invalid input, got %v", id, err)
		}
	}
	_, err := fx.engine.AddItem(ctx, testSessionCart, AddItemCommand{
		ProductID:            "P",
		Quantity:             1,
		SelectedComponentIDs: []string{"ok", "../other"},
	}, "en")
	if !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected invalid component id to be rejected, got %v", err)
	}
	if fx.components.calls != 0 {
		t.Fatalf("expected component catalog untouched, got %d calls", fx.components.calls)
	}
}

func TestCartEngineRejectsUnknownKeyShape(t *testing.T) {
	fx := newEngineFixture(t)
	for _, key := range []string{"", "cart:guest:1", "cart:session:", "user:1"} {
		if _, err := fx.engine.GetCart(context.Background(), key, "en"); !errors.Is(err, ErrCartInvalidInput) {
			t.Fatalf("key %q: expected invalid input, got %v", key, err)
		}
	}
}

func TestCartEngineAddItemIsAdditive(t *testing.T) {
	fx := newEngineFixture(t, product("P", "10", "0"))
	ctx := context.Background()

	if _, err := fx.engine.AddItem(ctx, testSessionCart, AddItemCommand{ProductID: "P", Quantity: 3}, "en"); err != nil {
		t.Fatalf("first add: %v", err)
	}
	view, err := fx.engine.AddItem(ctx, testSessionCart, AddItemCommand{ProductID: "P", Quantity: 4}, "en")
	if err != nil {
		t.Fatalf("second add: %v", err)
	}
	if view.Lines[0].Quantity != 7 {
		t.Fatalf("expected quantity 7, got %d", view.Lines[0].Quantity)
	}
	if fx.store.ttls[testSessionCart] != 7*24*time.Hour {
		t.Fatalf("expected session ttl, got %s", fx.store.ttls[testSessionCart])
	}
	if fx.metrics.added != 7 {
		t.Fatalf("expected 7 items counted, got %d", fx.metrics.added)
	}
}

func TestCartEngineAddItemQuantityCap(t *testing.T) {
	fx := newEngineFixture(t, product("P", "10", "0"))
	ctx := context.Background()

	if _, err := fx.engine.AddItem(ctx, testUserCart, AddItemCommand{ProductID: "P", Quantity: 98}, "en"); err != nil {
		t.Fatalf("add 98: %v", err)
	}
	view, err := fx.engine.AddItem(ctx, testUserCart, AddItemCommand{ProductID: "P", Quantity: 1}, "en")
	if err != nil {
		t.Fatalf("expected resulting 99 to succeed: %v", err)
	}
	if view.Lines[0].Quantity != 99 {
		t.Fatalf("expected quantity 99, got %d", view.Lines[0].Quantity)
	}
	if fx.store.ttls[testUserCart] != 30*24*time.Hour {
		t.Fatalf("expected user ttl, got %s", fx.store.ttls[testUserCart])
	}

	_, err = fx.engine.AddItem(ctx, testUserCart, AddItemCommand{ProductID: "P", Quantity: 1}, "en")
	if !errors.Is(err, ErrCartQuantityLimit) {
		t.Fatalf("expected quantity limit, got %v", err)
	}
	items, _ := fx.store.GetAllItems(ctx, testUserCart)
	if items["P"] != 99 {
		t.Fatalf("expected no partial write, got %d", items["P"])
	}
	if len(fx.metrics.rejected) != 1 || fx.metrics.rejected[0] != rejectReasonQuantityLimit {
		t.Fatalf("expected rejection recorded, got %v", fx.metrics.rejected)
	}
}

func TestCartEngineAddItemProductChecks(t *testing.T) {
	inactive := product("OFF", "10", "0")
	inactive.Active = false
	fx := newEngineFixture(t, inactive)
	ctx := context.Background()

	_, err := fx.engine.AddItem(ctx, testSessionCart, AddItemCommand{ProductID: "MISSING", Quantity: 1}, "en")
	if !errors.Is(err, ErrCartProductNotFound) {
		t.Fatalf("expected product not found, got %v", err)
	}
	_, err = fx.engine.AddItem(ctx, testSessionCart, AddItemCommand{ProductID: "OFF", Quantity: 1}, "en")
	if !errors.Is(err, ErrCartProductUnavailable) {
		t.Fatalf("expected product unavailable, got %v", err)
	}
	if exists, _ := fx.store.Exists(ctx, testSessionCart); exists {
		t.Fatal("expected no state mutated")
	}
}

func TestCartEngineAddItemValidatesInput(t *testing.T) {
	fx := newEngineFixture(t, product("P", "10", "0"))
	cases := []AddItemCommand{
		{ProductID: "", Quantity: 1},
		{ProductID: "P", Quantity: 0},
		{ProductID: "P", Quantity: -2},
	}
	for _, cmd := range cases {
		if _, err := fx.engine.AddItem(context.Background(), testSessionCart, cmd, "en"); !errors.Is(err, ErrCartInvalidInput) {
			t.Fatalf("cmd %+v: expected invalid input, got %v", cmd, err)
		}
	}
}

func TestCartEngineAddItemWithCustomization(t *testing.T) {
	fx := newEngineFixture(t, product("P", "100", "0"))
	fx.components.modifiers["engrave"] = decimal.NewFromInt(10)
	fx.components.modifiers["gold"] = decimal.NewFromInt(5)

	view, err := fx.engine.AddItem(context.Background(), testSessionCart, AddItemCommand{
		ProductID:            "P",
		Quantity:             1,
		SelectedComponentIDs: []string{"engrave", "gold", "gold"},
		SelectedOptions: []SelectedOption{
			{GroupName: "Finish", ComponentID: "gold", ComponentName: "<b>Gold</b> & Silver"},
			{},
		},
	}, "en")
	if err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	line := view.Lines[0]
	assertDecimal(t, "unit price", line.UnitPrice, "115")
	if len(line.SelectedOptions) != 1 {
		t.Fatalf("expected 1 option, got %+v", line.SelectedOptions)
	}
	if line.SelectedOptions[0].ComponentName != "Gold & Silver" {
		t.Fatalf("expected sanitised label, got %q", line.SelectedOptions[0].ComponentName)
	}
}

func TestCartEngineAddItemStripsEncodedMarkup(t *testing.T) {
	fx := newEngineFixture(t, product("P", "100", "0"))

	view, err := fx.engine.AddItem(context.Background(), testSessionCart, AddItemCommand{
		ProductID: "P",
		Quantity:  1,
		SelectedOptions: []SelectedOption{
			{GroupName: "Engraving", ComponentID: "text", ComponentName: "&lt;script&gt;alert(1)&lt;/script&gt;"},
			{GroupName: "&amp;lt;b&amp;gt;Finish&amp;lt;/b&amp;gt;", ComponentID: "gold", ComponentName: "&lt;i&gt;Gold&lt;/i&gt; &amp; Silver"},
		},
	}, "en")
	if err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	options := view.Lines[0].SelectedOptions
	if len(options) != 2 {
		t.Fatalf("expected 2 options, got %+v", options)
	}
	for _, option := range options {
		if strings.ContainsAny(option.GroupName+option.ComponentName, "<>") {
			t.Fatalf("expected markup stripped, got %+v", option)
		}
	}
	if options[1].GroupName != "Finish" || options[1].ComponentName != "Gold & Silver" {
		t.Fatalf("unexpected labels %+v", options[1])
	}
	stored := fx.store.carts[testSessionCart]["P"].SelectedOptions
	if strings.Contains(stored, "<script") || strings.Contains(stored, "\\u003cscript") {
		t.Fatalf("expected stored options free of markup, got %s", stored)
	}
}

func TestCartEngineAddItemWithoutComponentsKeepsModifier(t *testing.T) {
	fx := newEngineFixture(t, product("P", "100", "0"))
	modifier := decimal.NewFromInt(20)
	fx.store.put(testSessionCart, domain.CartEntry{ProductID: "P", Quantity: 1, PriceModifier: &modifier}, 0)

	view, err := fx.engine.AddItem(context.Background(), testSessionCart, AddItemCommand{ProductID: "P", Quantity: 1}, "en")
	if err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	assertDecimal(t, "unit price", view.Lines[0].UnitPrice, "120")
	if fx.components.calls != 0 {
		t.Fatalf("expected no component lookups, got %d", fx.components.calls)
	}
}

func TestCartEngineAddItemComponentFailureWritesNothing(t *testing.T) {
	fx := newEngineFixture(t, product("P", "100", "0"))
	fx.components.err = errors.New("catalog timeout")

	_, err := fx.engine.AddItem(context.Background(), testSessionCart, AddItemCommand{
		ProductID:            "P",
		Quantity:             1,
		SelectedComponentIDs: []string{"engrave"},
	}, "en")
	if !errors.Is(err, ErrCartUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if exists, _ := fx.store.Exists(context.Background(), testSessionCart); exists {
		t.Fatal("expected cart untouched")
	}
}

func TestCartEngineUpdateItem(t *testing.T) {
	fx := newEngineFixture(t, product("P", "10", "0"))
	ctx := context.Background()

	_, err := fx.engine.UpdateItem(ctx, testSessionCart, "P", 5, "en")
	if !errors.Is(err, ErrCartItemNotFound) {
		t.Fatalf("expected item not found, got %v", err)
	}

	fx.store.put(testSessionCart, domain.CartEntry{ProductID: "P", Quantity: 8}, 0)
	view, err := fx.engine.UpdateItem(ctx, testSessionCart, "P", 5, "en")
	if err != nil {
		t.Fatalf("UpdateItem: %v", err)
	}
	if view.Lines[0].Quantity != 5 {
		t.Fatalf("expected absolute quantity 5, got %d", view.Lines[0].Quantity)
	}

	if _, err := fx.engine.UpdateItem(ctx, testSessionCart, "P", 0, "en"); !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected invalid input for zero, got %v", err)
	}
	if _, err := fx.engine.UpdateItem(ctx, testSessionCart, "P", 100, "en"); !errors.Is(err, ErrCartQuantityLimit) {
		t.Fatalf("expected quantity limit for 100, got %v", err)
	}
}

func TestCartEngineRemoveItemDropsSideData(t *testing.T) {
	fx := newEngineFixture(t, product("P", "10", "0"))
	ctx := context.Background()
	modifier := decimal.NewFromInt(3)
	fx.store.put(testSessionCart, domain.CartEntry{ProductID: "P", Quantity: 2, PriceModifier: &modifier, SelectedOptions: "[]"}, 0)

	if err := fx.engine.RemoveItem(ctx, testSessionCart, "P"); err != nil {
		t.Fatalf("RemoveItem: %v", err)
	}
	modifiers, _ := fx.store.GetAllPriceModifiers(ctx, testSessionCart)
	options, _ := fx.store.GetAllSelectedOptions(ctx, testSessionCart)
	if len(modifiers) != 0 || len(options) != 0 {
		t.Fatalf("expected no orphans, got %v %v", modifiers, options)
	}
	if fx.metrics.removed != 1 {
		t.Fatalf("expected removal counted once, got %d", fx.metrics.removed)
	}

	if err := fx.engine.RemoveItem(ctx, testSessionCart, "P"); err != nil {
		t.Fatalf("removing absent item should succeed: %v", err)
	}
	if fx.metrics.removed != 1 {
		t.Fatalf("expected absent removal not counted, got %d", fx.metrics.removed)
	}
}

func TestCartEngineClearCartPublishesEvent(t *testing.T) {
	fx := newEngineFixture(t)
	fx.store.put(testSessionCart, domain.CartEntry{ProductID: "P", Quantity: 1}, 0)

	if err := fx.engine.ClearCart(context.Background(), testSessionCart); err != nil {
		t.Fatalf("ClearCart: %v", err)
	}
	if exists, _ := fx.store.Exists(context.Background(), testSessionCart); exists {
		t.Fatal("expected cart deleted")
	}
	if len(fx.events.events) != 1 || fx.events.events[0].Type != domain.CartEventCleared {
		t.Fatalf("expected cleared event, got %+v", fx.events.events)
	}
}

func TestCartEngineMergeCarts(t *testing.T) {
	fx := newEngineFixture(t, product("P1", "10", "0"))
	fx.store.put(testSessionCart, domain.CartEntry{ProductID: "P1", Quantity: 2}, 0)
	fx.store.put(testUserCart, domain.CartEntry{ProductID: "P1", Quantity: 3}, 0)

	view, err := fx.engine.MergeCarts(context.Background(), testSessionCart, testUserCart, "en")
	if err != nil {
		t.Fatalf("MergeCarts: %v", err)
	}
	if len(view.Lines) != 1 || view.Lines[0].Quantity != 5 {
		t.Fatalf("expected P1=5, got %+v", view.Lines)
	}
	if fx.store.ttls[testUserCart] != 30*24*time.Hour {
		t.Fatalf("expected user ttl on destination, got %s", fx.store.ttls[testUserCart])
	}
	if fx.metrics.merges != 1 {
		t.Fatalf("expected merge counted")
	}
	if len(fx.events.events) != 1 || fx.events.events[0].SourceKey != testSessionCart || fx.events.events[0].ItemCount != 5 {
		t.Fatalf("expected merge event, got %+v", fx.events.events)
	}
}

func TestCartEngineMergeEmptySource(t *testing.T) {
	fx := newEngineFixture(t, product("P1", "10", "0"))
	fx.store.put(testUserCart, domain.CartEntry{ProductID: "P1", Quantity: 3}, 0)
	fx.store.ttls[testUserCart] = time.Hour

	view, err := fx.engine.MergeCarts(context.Background(), testSessionCart, testUserCart, "en")
	if err != nil {
		t.Fatalf("MergeCarts: %v", err)
	}
	if view.Lines[0].Quantity != 3 {
		t.Fatalf("expected destination untouched, got %d", view.Lines[0].Quantity)
	}
	if fx.store.ttls[testUserCart] != time.Hour {
		t.Fatalf("expected destination ttl untouched, got %s", fx.store.ttls[testUserCart])
	}
	if fx.metrics.merges != 0 || len(fx.events.events) != 0 {
		t.Fatalf("expected no merge recorded, got merges=%d events=%+v", fx.metrics.merges, fx.events.events)
	}
}

func TestCartEngineMergeSameKeyRejected(t *testing.T) {
	fx := newEngineFixture(t)
	if _, err := fx.engine.MergeCarts(context.Background(), testUserCart, testUserCart, "en"); !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestCartEngineMergeRequiresSessionIntoUser(t *testing.T) {
	fx := newEngineFixture(t, product("P1", "10", "0"))
	fx.store.put(testUserCart, domain.CartEntry{ProductID: "P1", Quantity: 1}, time.Hour)
	fx.store.put(testSessionCart, domain.CartEntry{ProductID: "P1", Quantity: 1}, time.Hour)
	otherSession := SessionCartKey("s-2")
	otherUser := UserCartKey("u-2")

	cases := []struct{ source, dest string }{
		{testUserCart, testSessionCart},
		{testSessionCart, otherSession},
		{testUserCart, otherUser},
	}
	for _, tc := range cases {
		if _, err := fx.engine.MergeCarts(context.Background(), tc.source, tc.dest, "en"); !errors.Is(err, ErrCartInvalidInput) {
			t.Fatalf("%s -> %s: expected invalid input, got %v", tc.source, tc.dest, err)
		}
	}
	if fx.store.carts[testSessionCart]["P1"].Quantity != 1 || fx.store.ttls[testSessionCart] != time.Hour {
		t.Fatalf("expected session cart untouched")
	}
}

func TestCartEngineEventFailureDoesNotFailRequest(t *testing.T) {
	fx := newEngineFixture(t)
	fx.events.err = errors.New("pubsub down")

	if err := fx.engine.ClearCart(context.Background(), testSessionCart); err != nil {
		t.Fatalf("expected clear to succeed, got %v", err)
	}
	if !containsLog(fx.logs, "cart.event_publish_failed") {
		t.Fatalf("expected publish failure to be logged, got %v", fx.logs)
	}
}

func TestCartEngineTranslatesStoreErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{name: "conflict", err: repositoryErrorStub{conflict: true}, want: ErrCartConflict},
		{name: "unavailable", err: repositoryErrorStub{unavailable: true}, want: ErrCartUnavailable},
		{name: "plain", err: errors.New("boom"), want: ErrCartUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newEngineFixture(t, product("P", "10", "0"))
			fx.store.failAll = tc.err
			_, err := fx.engine.AddItem(context.Background(), testSessionCart, AddItemCommand{ProductID: "P", Quantity: 1}, "en")
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestCartEngineNilReceiver(t *testing.T) {
	var engine *cartEngine
	if _, err := engine.GetCart(context.Background(), testSessionCart, "en"); !errors.Is(err, ErrCartUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestParseOptions(t *testing.T) {
	options, ok := parseOptions("")
	if !ok || options != nil {
		t.Fatalf("expected empty payload to be valid and empty")
	}
	options, ok = parseOptions(`[{"groupName":"Size","componentId":"c1","componentName":"L"}]`)
	if !ok || len(options) != 1 || options[0].GroupName != "Size" {
		t.Fatalf("unexpected parse result %+v ok=%v", options, ok)
	}
	if _, ok := parseOptions(`{"groupName":"Size"}`); ok {
		t.Fatalf("expected object payload to be rejected")
	}
}

func TestCartKindForKey(t *testing.T) {
	if kind, ok := CartKindForKey(SessionCartKey("abc")); !ok || kind != domain.CartKindSession {
		t.Fatalf("expected session kind")
	}
	if kind, ok := CartKindForKey(UserCartKey("u1")); !ok || kind != domain.CartKindUser {
		t.Fatalf("expected user kind")
	}
	if _, ok := CartKindForKey("cart:user:  "); ok {
		t.Fatalf("expected blank identifier rejected")
	}
}

func assertDecimal(t *testing.T, label string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(decimal.RequireFromString(want)) {
		t.Fatalf("%s: expected %s, got %s", label, want, got.String())
	}
}

func containsLog(logs []string, event string) bool {
	for _, entry := range logs {
		if strings.EqualFold(entry, event) {
			return true
		}
	}
	return false
}
