package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hanko-field/cartengine/internal/platform/httpx"
	"github.com/hanko-field/cartengine/internal/platform/requestctx"
)

func newLoggedRouter(base *zap.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, Tracing("carts-prod"), AccessLog(base), Recover(base))
	r.Get("/cart/items/{productId}", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requestctx.LookupLogger(r.Context()); !ok {
			http.Error(w, "missing logger", http.StatusInternalServerError)
			return
		}
		httpx.WriteError(r.Context(), w, httpx.NewError("cart_item_not_found", "missing", http.StatusNotFound))
	})
	r.Get("/boom", func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	})
	return r
}

func TestAccessLogRecordsCompletedRequest(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	router := newLoggedRouter(zap.New(core))

	req := httptest.NewRequest(http.MethodGet, "/cart/items/P1", nil)
	req.Header.Set(httpx.CartSessionHeader, "01HZX")
	req.Header.Set(cloudTraceHeader, "105445aa7843bc8bf206b12000100000/7;o=1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	entries := logs.FilterMessage("request served").All()
	if len(entries) != 1 {
		t.Fatalf("expected one access log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.WarnLevel {
		t.Fatalf("expected warn for 4xx, got %s", entry.Level)
	}
	fields := entry.ContextMap()
	if fields["route"] != "/cart/items/{productId}" {
		t.Fatalf("unexpected route %v", fields["route"])
	}
	if fields["status"] != int64(http.StatusNotFound) {
		t.Fatalf("unexpected status %v", fields["status"])
	}
	if fields["cart"] != "session" {
		t.Fatalf("expected session cart kind, got %v", fields["cart"])
	}
	if fields["logging.googleapis.com/trace"] != "projects/carts-prod/traces/105445aa7843bc8bf206b12000100000" {
		t.Fatalf("unexpected trace resource %v", fields["logging.googleapis.com/trace"])
	}
	if fields["request_id"] == "" {
		t.Fatalf("expected request id")
	}
	for key, value := range fields {
		if value == "01HZX" {
			t.Fatalf("session id leaked into field %s", key)
		}
	}
}

func TestRecoverWritesEnvelopeAndLogs(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	router := newLoggedRouter(zap.New(core))

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set("Authorization", "Bearer token")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if logs.FilterMessage("panic serving request").Len() != 1 {
		t.Fatalf("expected panic entry")
	}
	served := logs.FilterMessage("request served").All()
	if len(served) != 1 || served[0].Level != zapcore.ErrorLevel {
		t.Fatalf("expected an error-level access entry, got %+v", served)
	}
	if served[0].ContextMap()["cart"] != "user" {
		t.Fatalf("expected user cart kind, got %v", served[0].ContextMap()["cart"])
	}
}

func TestPrintableStripsControlCharacters(t *testing.T) {
	if got := printable("GET\r\nX-Injected: 1", 64); got != "GETX-Injected: 1" {
		t.Fatalf("unexpected %q", got)
	}
	if got := printable("abcdef", 3); got != "abc" {
		t.Fatalf("expected truncation, got %q", got)
	}
}
