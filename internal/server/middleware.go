package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"github.com/ArabotHXL/BTC-project-sub002/internal/tracing"
)

// TraceIDHeader carries the request's trace ID back to the caller so agent
// logs can be correlated with server spans.
const TraceIDHeader = "X-Trace-ID"

// AgentIDHeader identifies the calling agent for rate limiting. Agents that
// omit it are bucketed by client IP instead.
const AgentIDHeader = "X-Agent-ID"

// tracingMiddleware wraps the router with OpenTelemetry instrumentation and
// stamps the trace ID on every response.
func tracingMiddleware(next http.Handler) http.Handler {
	return otelhttp.NewHandler(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if traceID := tracing.TraceIDFromContext(r.Context()); traceID != "" {
				w.Header().Set(TraceIDHeader, traceID)
			}
			next.ServeHTTP(w, r)
		}),
		"http.request",
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		}),
		otelhttp.WithPropagators(otel.GetTextMapPropagator()),
	)
}

const (
	defaultAgentRatePerMin = 60
	defaultAgentRateBurst  = 30
)

// agentLimiter holds one token bucket per agent. Buckets key on the
// X-Agent-ID header when present, else the client IP, so a misconfigured
// agent without the header still cannot exhaust the shared budget of others.
type agentLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
	perMin  int
}

func newAgentLimiter(perMinute, burst int) *agentLimiter {
	if perMinute <= 0 {
		perMinute = defaultAgentRatePerMin
	}
	if burst <= 0 {
		burst = defaultAgentRateBurst
	}
	return &agentLimiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   burst,
		perMin:  perMinute,
	}
}

func (l *agentLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.buckets[key]; ok {
		return lim
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	l.buckets[key] = lim
	return lim
}

// middleware limits agent requests per caller. Loopback traffic is exempt:
// local tooling and the smoke tests always run same-host.
// Returns 429 with Retry-After and sets X-RateLimit-* headers.
func (l *agentLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := getClientIP(r)
		if isLoopback(ip) {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get(AgentIDHeader)
		if key == "" {
			key = ip
		}

		limiter := l.get(key)
		reservation := limiter.Reserve()
		if !reservation.OK() {
			l.reject(w, 60)
			return
		}
		if delay := reservation.Delay(); delay > 0 {
			reservation.Cancel()
			retryAfter := int(delay.Seconds()) + 1
			if retryAfter > 60 {
				retryAfter = 60
			}
			l.reject(w, retryAfter)
			return
		}

		tokens := int(limiter.Tokens())
		if tokens < 0 {
			tokens = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.perMin))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(tokens))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))
		next.ServeHTTP(w, r)
	})
}

func (l *agentLimiter) reject(w http.ResponseWriter, retryAfter int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.perMin))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Duration(retryAfter)*time.Second).Unix(), 10))
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error":"too many requests, retry later"}`))
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		addr = addr[:idx]
	}
	return addr
}

func isLoopback(ip string) bool {
	// Strip brackets from IPv6 (e.g. "[::1]" -> "::1")
	ip = strings.Trim(ip, "[]")
	if ip == "::1" || ip == "localhost" {
		return true
	}
	// 127.0.0.0/8
	return strings.HasPrefix(ip, "127.")
}
