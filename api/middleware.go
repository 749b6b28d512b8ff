package api

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"goa.design/clue/log"

	"hangar51.dev/h51/account"
	"hangar51.dev/h51/apierror"
)

// Request headers.
const (
	HeaderAPIKey = "X-H51-APIKey"
	HeaderRealIP = "X-Real-Ip"
)

// Rate limit response headers.
const (
	HeaderRateLimitLimit     = "X-H51-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-H51-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-H51-RateLimit-Reset"
)

type ctxKey int

const accountKey ctxKey = iota

// accountFrom returns the authenticated account.
func accountFrom(ctx context.Context) *account.Account {
	acct, _ := ctx.Value(accountKey).(*account.Account)
	return acct
}

// clientIP prefers the proxy-provided real IP header over the socket peer.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get(HeaderRealIP); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authenticate resolves the account from the API key header and applies its
// IP allowlist.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get(HeaderAPIKey)
		if apiKey == "" {
			writeError(w, apierror.Unauthorized("`"+HeaderAPIKey+"` header is required."))
			return
		}
		acct, err := s.accounts.ByAPIKey(r.Context(), apiKey)
		if err != nil {
			writeError(w, apierror.Unauthorized("Invalid API key."))
			return
		}
		if !acct.IPAllowed(clientIP(r)) {
			writeError(w, apierror.Forbidden("Request IP address is not allowed."))
			return
		}
		ctx := context.WithValue(r.Context(), accountKey, acct)
		ctx = log.With(ctx, log.KV{K: "account", V: acct.Name})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimit counts the request against the account and attaches the limit
// headers to every response, including rejections.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		acct := accountFrom(r.Context())
		res, err := s.limiter.Allow(r.Context(), acct.ID.Hex(), acct.RateLimitPerSecond)
		if err != nil {
			log.Errorf(r.Context(), err, "rate limiter unavailable")
			writeError(w, apierror.Internal("Rate limiter unavailable."))
			return
		}
		w.Header().Set(HeaderRateLimitLimit, strconv.Itoa(res.Limit))
		w.Header().Set(HeaderRateLimitRemaining, strconv.Itoa(res.Remaining))
		w.Header().Set(HeaderRateLimitReset, strconv.FormatFloat(res.Reset, 'f', 6, 64))
		if !res.Allowed {
			writeError(w, apierror.RequestLimitExceeded())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// responseRecorder captures the status and body for the API log.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	// Only a bounded prefix of the body lands in the log.
	if r.body.Len() < 2048 {
		r.body.Write(p[:min(len(p), 2048-r.body.Len())])
	}
	return r.ResponseWriter.Write(p)
}

// logCalls appends each call to the account's API log ring and counts it
// against the account's api_calls stat.
func (s *Server) logCalls(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r)

		acct := accountFrom(r.Context())
		if acct == nil {
			return
		}
		if err := s.stats.Inc(r.Context(), acct.ID, start, map[string]int64{
			account.StatAPICalls: 1,
		}); err != nil {
			log.Errorf(r.Context(), err, "count api call")
		}
		called := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			called = rctx.RoutePattern()
		}
		entry := account.LogEntry{
			CallTime:   float64(start.UnixNano()) / 1e9,
			Called:     called,
			IPAddress:  clientIP(r),
			Method:     r.Method,
			Path:       r.URL.Path,
			Response:   rec.body.String(),
			StatusCode: rec.status,
		}
		if err := s.apilog.Record(r.Context(), acct.ID, entry); err != nil {
			log.Errorf(r.Context(), err, "record api log entry")
		}
	})
}
