package governor

import (
	"net/http"
	"strconv"
	"time"

	"garagemsg/internal/apperr"
)

// KeyFunc extracts the tenant a request is counted against.
type KeyFunc func(r *http.Request) string

type Options struct {
	Governor *Governor
	Class    string
	Limit    int64
	Window   time.Duration
	TenantFn KeyFunc
	// SubKeyFn optionally narrows the window (e.g. per recipient).
	SubKeyFn KeyFunc
}

// SetHeaders writes the X-RateLimit-* headers for a decision.
func SetHeaders(w http.ResponseWriter, d Decision) {
	if d.Limit <= 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
}

// Middleware rejects requests beyond the window limit with 429 and Retry-After.
func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.Governor == nil || opts.Limit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := Request{Class: opts.Class, Limit: opts.Limit, Window: opts.Window}
			if opts.TenantFn != nil {
				req.Tenant = opts.TenantFn(r)
			}
			if opts.SubKeyFn != nil {
				req.SubKey = opts.SubKeyFn(r)
			}
			dec, err := opts.Governor.Admit(r.Context(), req)
			if err != nil {
				apperr.WriteProblem(w, http.StatusServiceUnavailable, apperr.Internal, "Rate limiter unavailable", "", r.URL.Path)
				return
			}
			SetHeaders(w, dec)
			if !dec.Allowed {
				apperr.Write(w, r, dec.Err())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
