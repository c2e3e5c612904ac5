package handlers

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/hanko-field/cartengine/internal/platform/auth"
	"github.com/hanko-field/cartengine/internal/platform/httpx"
	"github.com/hanko-field/cartengine/internal/platform/requestctx"
	"github.com/hanko-field/cartengine/internal/services"
)

const (
	maxCartBodySize          = 16 * 1024
	maxSessionIDLength       = 128
	defaultCartLocale        = "en"
	defaultCartMutationLimit = 120
	defaultCartMutationSpan  = time.Minute
)

// CartHandlers exposes the cart endpoints for anonymous sessions and signed-in users.
type CartHandlers struct {
	authn         *auth.Authenticator
	engine        services.CartEngine
	defaultLocale string
	newSessionID  func() string
	throttle      *cartThrottle
}

// CartHandlersOption customises CartHandlers.
type CartHandlersOption func(*CartHandlers)

// WithCartDefaultLocale sets the locale used when the request carries none.
func WithCartDefaultLocale(locale string) CartHandlersOption {
	return func(h *CartHandlers) {
		if normalised, ok := normaliseLocale(locale); ok {
			h.defaultLocale = normalised
		}
	}
}

// WithCartSessionIDGenerator overrides how new anonymous session identifiers are minted.
func WithCartSessionIDGenerator(fn func() string) CartHandlersOption {
	return func(h *CartHandlers) {
		if fn != nil {
			h.newSessionID = fn
		}
	}
}

// WithCartMutationLimit throttles mutations per cart. A non-positive limit disables throttling.
func WithCartMutationLimit(limit int, window time.Duration, clock func() time.Time) CartHandlersOption {
	return func(h *CartHandlers) {
		h.throttle = newCartThrottle(limit, window, clock)
	}
}

// NewCartHandlers constructs the cart handlers on top of the engine.
func NewCartHandlers(authn *auth.Authenticator, engine services.CartEngine, opts ...CartHandlersOption) *CartHandlers {
	h := &CartHandlers{
		authn:         authn,
		engine:        engine,
		defaultLocale: defaultCartLocale,
		newSessionID:  func() string { return ulid.Make().String() },
		throttle:      newCartThrottle(defaultCartMutationLimit, defaultCartMutationSpan, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers /cart, its item sub-resources and /cart:merge on the API router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Group(func(g chi.Router) {
		if h.authn != nil {
			g.Use(h.authn.OptionalFirebaseAuth())
		}
		g.Route("/cart", func(c chi.Router) {
			c.Get("/", h.getCart)
			c.Delete("/", h.clearCart)
			c.Post("/items", h.addItem)
			c.Put("/items/{productId}", h.updateItem)
			c.Delete("/items/{productId}", h.removeItem)
		})
	})
	r.Group(func(g chi.Router) {
		if h.authn != nil {
			g.Use(h.authn.RequireFirebaseAuth())
		}
		g.Post("/cart:merge", h.mergeCarts)
	})
}

type selectedOptionPayload struct {
	GroupName     string `json:"groupName"`
	ComponentID   string `json:"componentId"`
	ComponentName string `json:"componentName"`
}

type cartLinePayload struct {
	ProductID       string                  `json:"productId"`
	Name            string                  `json:"name"`
	ImageURL        string                  `json:"imageUrl,omitempty"`
	BasePrice       string                  `json:"basePrice"`
	PriceModifier   string                  `json:"priceModifier"`
	UnitPrice       string                  `json:"unitPrice"`
	Quantity        int                     `json:"quantity"`
	Subtotal        string                  `json:"subtotal"`
	VATRate         string                  `json:"vatRate"`
	VATAmount       string                  `json:"vatAmount"`
	SelectedOptions []selectedOptionPayload `json:"selectedOptions"`
}

type cartPayload struct {
	Kind      string            `json:"kind"`
	Items     []cartLinePayload `json:"items"`
	ItemCount int               `json:"itemCount"`
	Subtotal  string            `json:"subtotal"`
	VATAmount string            `json:"vatAmount"`
	Total     string            `json:"total"`
}

type cartResponse struct {
	Cart cartPayload `json:"cart"`
}

type addItemRequest struct {
	ProductID            string                  `json:"productId"`
	Quantity             *int                    `json:"quantity"`
	SelectedComponentIDs []string                `json:"selectedComponentIds"`
	SelectedOptions      []selectedOptionPayload `json:"selectedOptions"`
}

type updateItemRequest struct {
	Quantity *int `json:"quantity"`
}

// cartTarget is the resolved cart a request operates on.
type cartTarget struct {
	key       string
	sessionID string
	user      bool
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.engine == nil {
		writeCartUnavailable(ctx, w)
		return
	}

	target, ok := h.resolveTarget(ctx, w, r, false)
	if !ok {
		return
	}
	if target.key == "" {
		setNoStore(w)
		writeJSONResponse(w, http.StatusOK, cartResponse{Cart: emptyCartPayload()})
		return
	}

	view, err := h.engine.GetCart(ctx, target.key, h.resolveLocale(r))
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	h.writeCart(w, target, view)
}

func (h *CartHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.engine == nil {
		writeCartUnavailable(ctx, w)
		return
	}

	var req addItemRequest
	if !decodeCartBody(ctx, w, r, &req) {
		return
	}
	quantity := 1
	if req.Quantity != nil {
		quantity = *req.Quantity
	}
	cmd := services.AddItemCommand{
		ProductID:            strings.TrimSpace(req.ProductID),
		Quantity:             quantity,
		SelectedComponentIDs: req.SelectedComponentIDs,
	}
	for _, opt := range req.SelectedOptions {
		cmd.SelectedOptions = append(cmd.SelectedOptions, services.SelectedOption{
			GroupName:     opt.GroupName,
			ComponentID:   opt.ComponentID,
			ComponentName: opt.ComponentName,
		})
	}

	target, ok := h.resolveMutationTarget(ctx, w, r)
	if !ok {
		return
	}

	view, err := h.engine.AddItem(ctx, target.key, cmd, h.resolveLocale(r))
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	h.writeCart(w, target, view)
}

func (h *CartHandlers) updateItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.engine == nil {
		writeCartUnavailable(ctx, w)
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productId"))
	var req updateItemRequest
	if !decodeCartBody(ctx, w, r, &req) {
		return
	}
	if req.Quantity == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "quantity is required", http.StatusBadRequest))
		return
	}

	target, ok := h.resolveMutationTarget(ctx, w, r)
	if !ok {
		return
	}

	view, err := h.engine.UpdateItem(ctx, target.key, productID, *req.Quantity, h.resolveLocale(r))
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	h.writeCart(w, target, view)
}

func (h *CartHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.engine == nil {
		writeCartUnavailable(ctx, w)
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productId"))
	target, ok := h.resolveMutationTarget(ctx, w, r)
	if !ok {
		return
	}

	if err := h.engine.RemoveItem(ctx, target.key, productID); err != nil {
		writeCartError(ctx, w, err)
		return
	}
	h.writeEmpty(w, target)
}

func (h *CartHandlers) clearCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.engine == nil {
		writeCartUnavailable(ctx, w)
		return
	}

	target, ok := h.resolveMutationTarget(ctx, w, r)
	if !ok {
		return
	}

	if err := h.engine.ClearCart(ctx, target.key); err != nil {
		writeCartError(ctx, w, err)
		return
	}
	h.writeEmpty(w, target)
}

func (h *CartHandlers) mergeCarts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.engine == nil {
		writeCartUnavailable(ctx, w)
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	sessionID, present, valid := sessionIDFromRequest(r)
	if !present {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", httpx.CartSessionHeader+" header is required", http.StatusBadRequest))
		return
	}
	if !valid {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", httpx.CartSessionHeader+" header is malformed", http.StatusBadRequest))
		return
	}

	destKey := services.UserCartKey(identity.UID)
	if !h.allow(ctx, w, destKey) {
		return
	}

	view, err := h.engine.MergeCarts(ctx, services.SessionCartKey(sessionID), destKey, h.resolveLocale(r))
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	h.writeCart(w, cartTarget{key: destKey, user: true}, view)
}

// resolveTarget picks the cart for the request. A verified identity always wins over a session
// header. When mint is set and neither is present a fresh session is created.
func (h *CartHandlers) resolveTarget(ctx context.Context, w http.ResponseWriter, r *http.Request, mint bool) (cartTarget, bool) {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil && strings.TrimSpace(identity.UID) != "" {
		return cartTarget{key: services.UserCartKey(identity.UID), user: true}, true
	}

	sessionID, present, valid := sessionIDFromRequest(r)
	if present && !valid {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", httpx.CartSessionHeader+" header is malformed", http.StatusBadRequest))
		return cartTarget{}, false
	}
	if present {
		return cartTarget{key: services.SessionCartKey(sessionID), sessionID: sessionID}, true
	}
	if !mint {
		return cartTarget{}, true
	}

	sessionID = h.newSessionID()
	return cartTarget{key: services.SessionCartKey(sessionID), sessionID: sessionID}, true
}

func (h *CartHandlers) resolveMutationTarget(ctx context.Context, w http.ResponseWriter, r *http.Request) (cartTarget, bool) {
	target, ok := h.resolveTarget(ctx, w, r, true)
	if !ok {
		return cartTarget{}, false
	}
	if !h.allow(ctx, w, target.key) {
		return cartTarget{}, false
	}
	return target, true
}

func (h *CartHandlers) allow(ctx context.Context, w http.ResponseWriter, key string) bool {
	ok, wait := h.throttle.Take(key)
	if ok {
		return true
	}
	seconds := retryAfterSeconds(wait)
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many cart updates; retry shortly", http.StatusTooManyRequests).
		WithDetail("retryAfterSeconds", seconds))
	return false
}

func retryAfterSeconds(wait time.Duration) int {
	seconds := int(math.Ceil(wait.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

// resolveLocale prefers ?locale=, then Accept-Language, then the identity's locale, then the default.
func (h *CartHandlers) resolveLocale(r *http.Request) string {
	if locale, ok := normaliseLocale(r.URL.Query().Get("locale")); ok {
		return locale
	}
	if header := strings.TrimSpace(r.Header.Get("Accept-Language")); header != "" {
		if tags, _, err := language.ParseAcceptLanguage(header); err == nil {
			for _, tag := range tags {
				if tag != language.Und {
					return tag.String()
				}
			}
		}
	}
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity != nil {
		if locale, ok := normaliseLocale(identity.Locale); ok {
			return locale
		}
	}
	return h.defaultLocale
}

func normaliseLocale(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	tag, err := language.Parse(raw)
	if err != nil || tag == language.Und {
		return "", false
	}
	return tag.String(), true
}

func sessionIDFromRequest(r *http.Request) (id string, present bool, valid bool) {
	id = strings.TrimSpace(r.Header.Get(httpx.CartSessionHeader))
	if id == "" {
		return "", false, false
	}
	if len(id) > maxSessionIDLength {
		return "", true, false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return "", true, false
		}
	}
	return id, true, true
}

func decodeCartBody(ctx context.Context, w http.ResponseWriter, r *http.Request, dst any) bool {
	if apiErr := decodeJSON(w, r, maxCartBodySize, dst); apiErr != nil {
		httpx.WriteError(ctx, w, *apiErr)
		return false
	}
	return true
}

func (h *CartHandlers) writeCart(w http.ResponseWriter, target cartTarget, view services.CartView) {
	setCartHeaders(w, target)
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(view)})
}

func (h *CartHandlers) writeEmpty(w http.ResponseWriter, target cartTarget) {
	setCartHeaders(w, target)
	w.WriteHeader(http.StatusNoContent)
}

func setCartHeaders(w http.ResponseWriter, target cartTarget) {
	setNoStore(w)
	if !target.user && target.sessionID != "" {
		w.Header().Set(httpx.CartSessionHeader, target.sessionID)
	}
}

func writeCartUnavailable(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("cart_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
}

func writeCartError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCartInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCartProductNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", "product not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCartItemNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("cart_item_not_found", "product is not in the cart", http.StatusNotFound))
	case errors.Is(err, services.ErrCartProductUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("product_unavailable", "product is not available for purchase", http.StatusConflict))
	case errors.Is(err, services.ErrCartQuantityLimit):
		httpx.WriteError(ctx, w, httpx.NewError("quantity_limit_exceeded", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCartConflict):
		httpx.WriteError(ctx, w, httpx.NewError("cart_conflict", "cart was modified concurrently; retry", http.StatusConflict))
	case errors.Is(err, services.ErrCartUnavailable):
		writeCartUnavailable(ctx, w)
	default:
		requestctx.Logger(ctx).Error("cart request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("cart_error", "failed to process cart request", http.StatusInternalServerError))
	}
}

func emptyCartPayload() cartPayload {
	return cartPayload{
		Kind:      "session",
		Items:     []cartLinePayload{},
		Subtotal:  "0.00",
		VATAmount: "0.00",
		Total:     "0.00",
	}
}

func buildCartPayload(view services.CartView) cartPayload {
	payload := cartPayload{
		Kind:      string(view.Kind),
		Items:     make([]cartLinePayload, 0, len(view.Lines)),
		ItemCount: view.ItemCount,
		Subtotal:  view.Subtotal.StringFixed(2),
		VATAmount: view.VATAmount.StringFixed(2),
		Total:     view.Total.StringFixed(2),
	}
	for _, line := range view.Lines {
		item := cartLinePayload{
			ProductID:       line.ProductID,
			Name:            line.Name,
			ImageURL:        line.ImageURL,
			BasePrice:       line.BasePrice.StringFixed(2),
			PriceModifier:   line.PriceModifier.StringFixed(2),
			UnitPrice:       line.UnitPrice.StringFixed(2),
			Quantity:        line.Quantity,
			Subtotal:        line.Subtotal.StringFixed(2),
			VATRate:         line.VATRate.String(),
			VATAmount:       line.VATAmount.StringFixed(2),
			SelectedOptions: make([]selectedOptionPayload, 0, len(line.SelectedOptions)),
		}
		for _, opt := range line.SelectedOptions {
			item.SelectedOptions = append(item.SelectedOptions, selectedOptionPayload{
				GroupName:     opt.GroupName,
				ComponentID:   opt.ComponentID,
				ComponentName: opt.ComponentName,
			})
		}
		payload.Items = append(payload.Items, item)
	}
	return payload
}
