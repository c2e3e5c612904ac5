package observability

import (
	"net/http"
	"runtime/debug"
	"strings"
	"time"
	"unicode"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hanko-field/cartengine/internal/platform/httpx"
	"github.com/hanko-field/cartengine/internal/platform/requestctx"
)

// AccessLog attaches a request-scoped logger to the context and writes one entry per request when
// the response completes. Session ids and tokens are never logged, only which kind of cart the
// request addressed.
func AccessLog(base *zap.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := r.Context()

			fields := []zap.Field{
				zap.String("request_id", middleware.GetReqID(ctx)),
				zap.String("method", printable(r.Method, 16)),
				zap.String("path", printable(r.URL.Path, 256)),
				zap.String("cart", cartKind(r)),
			}
			if tr, ok := requestctx.TraceFrom(ctx); ok {
				fields = append(fields, zap.String("trace_id", tr.TraceID))
				if resource := tr.Resource(); resource != "" {
					fields = append(fields,
						zap.String("logging.googleapis.com/trace", resource),
						zap.String("logging.googleapis.com/spanId", tr.SpanID),
						zap.Bool("logging.googleapis.com/trace_sampled", tr.Sampled),
					)
				}
			}
			logger := base.With(fields...)

			rec := newStatusRecorder(w)
			next.ServeHTTP(rec, r.WithContext(requestctx.WithLogger(ctx, logger)))

			status := rec.Status()
			done := []zap.Field{
				zap.String("route", chiRoute(r)),
				zap.Int("status", status),
				zap.Duration("latency", time.Since(start)),
				zap.Int64("bytes", rec.Written()),
			}
			if ip := printable(r.RemoteAddr, 64); ip != "" {
				done = append(done, zap.String("remote_ip", ip))
			}
			switch {
			case status >= http.StatusInternalServerError:
				logger.Error("request served", done...)
			case status >= http.StatusBadRequest:
				logger.Warn("request served", done...)
			default:
				logger.Info("request served", done...)
			}
		})
	}
}

// Recover turns a handler panic into a logged 500 with the JSON error envelope. It must run inside
// AccessLog so the entry carries request fields and the access log sees the 500.
func Recover(fallback *zap.Logger) func(http.Handler) http.Handler {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger, ok := requestctx.LookupLogger(r.Context())
				if !ok {
					logger = fallback
				}
				logger.Error("panic serving request", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
				httpx.WriteError(r.Context(), w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func cartKind(r *http.Request) string {
	switch {
	case strings.HasPrefix(strings.ToLower(r.Header.Get("Authorization")), "bearer "):
		return "user"
	case strings.TrimSpace(r.Header.Get(httpx.CartSessionHeader)) != "":
		return "session"
	default:
		return "none"
	}
}

// printable drops control characters and truncates, keeping client-controlled values from forging
// log lines.
func printable(value string, limit int) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		if b.Len() >= limit {
			break
		}
		b.WriteRune(r)
	}
	return b.String()
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w}
}

func (s *statusRecorder) WriteHeader(status int) {
	if s.status == 0 {
		s.status = status
	}
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.written += int64(n)
	return n, err
}

func (s *statusRecorder) Status() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

func (s *statusRecorder) Written() int64 { return s.written }

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }
