package middleware

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MOPROGRAM/sahaplatform-sub001/pkg/logger"
	"github.com/MOPROGRAM/sahaplatform-sub001/pkg/metrics"
)

// CorrelationIDKey is the context key for correlation ID.
const CorrelationIDKey ContextKey = "correlation_id"

const correlationHeader = "X-Correlation-ID"

// statusRecorder remembers the status and body size a handler produced.
// Flush and Hijack are forwarded so SSE and websocket routes work behind it.
type statusRecorder struct {
	http.ResponseWriter
	status   int
	bytes    int64
	upgraded bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += int64(n)
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	sr.upgraded = true
	sr.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Logging logs one line per finished request and records request metrics.
// Conversation and call ids from the route are attached when present;
// health checks and 2xx responses on long-lived streams log at debug.
func Logging(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			correlationID := r.Header.Get(correlationHeader)
			if correlationID == "" {
				correlationID = uuid.NewString()
			}
			w.Header().Set(correlationHeader, correlationID)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			r = r.WithContext(context.WithValue(r.Context(), CorrelationIDKey, correlationID))
			next.ServeHTTP(rec, r)

			elapsed := time.Since(start)
			route := routePattern(r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", rec.status),
				zap.Int64("bytes", rec.bytes),
				zap.Duration("duration", elapsed),
				zap.String("correlation_id", correlationID),
				zap.String("user_id", GetUserID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			}
			fields = append(fields, routeIDs(r, route)...)

			if ce := log.Check(requestLevel(route, rec), "request completed"); ce != nil {
				ce.Write(fields...)
			}

			metrics.RecordRequest(r.Method, route, strconv.Itoa(rec.status), elapsed.Seconds())
		})
	}
}

func requestLevel(route string, rec *statusRecorder) zapcore.Level {
	switch {
	case rec.status >= 500:
		return zapcore.ErrorLevel
	case rec.status >= 400:
		return zapcore.WarnLevel
	case route == "/health", route == "/ready", rec.upgraded, strings.HasSuffix(route, "/stream"):
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

func routeIDs(r *http.Request, route string) []zap.Field {
	id := chi.URLParam(r, "id")
	switch {
	case id == "":
		return nil
	case strings.HasPrefix(route, "/api/v1/conversations/"):
		return []zap.Field{zap.String("conversation_id", id)}
	case strings.HasPrefix(route, "/api/v1/calls/"):
		return []zap.Field{zap.String("call_id", id)}
	default:
		return nil
	}
}

// routePattern returns the matched chi pattern so metric labels stay bounded.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// GetCorrelationID gets correlation ID from context.
func GetCorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return v
	}
	return ""
}
