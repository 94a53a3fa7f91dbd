package idempotency

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"garagemsg/internal/apperr"
	"garagemsg/internal/metrics"
)

const (
	HeaderKey      = "Idempotency-Key"
	HeaderReplayed = "Idempotent-Replayed"
)

// replayHeaders are the response headers stored with the body.
var replayHeaders = []string{"Content-Type", "Location"}

// ValidKey reports whether v is a canonical UUID v4.
func ValidKey(v string) bool {
	if len(v) != 36 {
		return false
	}
	u, err := uuid.Parse(v)
	return err == nil && u.Version() == 4
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Middleware applies the cache to mutating requests carrying Idempotency-Key.
// Requests without the header bypass dedup entirely.
func Middleware(c *Cache, tenantFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderKey)
			if c == nil || !mutating(r.Method) || key == "" {
				if key == "" {
					metrics.IdempotencyOutcomes.WithLabelValues("bypass").Inc()
				}
				next.ServeHTTP(w, r)
				return
			}
			if !ValidKey(key) {
				apperr.WriteProblem(w, http.StatusBadRequest, apperr.InvalidRequest, "Invalid request", HeaderKey+" must be a UUID v4", r.URL.Path)
				return
			}
			tenant := tenantFn(r)
			res, err := c.Begin(r.Context(), tenant, key)
			if err != nil {
				metrics.IdempotencyOutcomes.WithLabelValues("fail_open").Inc()
				c.Log.Warn("idempotency store unavailable, executing without dedup",
					zap.String("tenant", tenant), zap.String("key", key), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			switch {
			case res.Duplicate:
				metrics.IdempotencyOutcomes.WithLabelValues("replayed").Inc()
				replay(w, res.Response)
				return
			case res.InFlight:
				metrics.IdempotencyOutcomes.WithLabelValues("in_flight").Inc()
				apperr.WriteProblem(w, http.StatusConflict, apperr.Conflict, "Conflict", "a request with this "+HeaderKey+" is still being processed", r.URL.Path)
				return
			}
			metrics.IdempotencyOutcomes.WithLabelValues("claimed").Inc()

			cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				if p := recover(); p != nil {
					ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
					if err := c.Release(ctx, tenant, key); err != nil {
						c.Log.Warn("release idempotency claim after panic", zap.String("tenant", tenant), zap.String("key", key), zap.Error(err))
					}
					cancel()
					panic(p)
				}
			}()
			next.ServeHTTP(cw, r)

			// the request context may already be gone; the record must still land
			ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
			defer cancel()
			if releases(cw.status) {
				if err := c.Release(ctx, tenant, key); err != nil {
					c.Log.Warn("release idempotency claim", zap.String("tenant", tenant), zap.String("key", key), zap.Error(err))
				}
				return
			}
			resp := Response{Status: cw.status, Header: http.Header{}, Body: cw.buf.Bytes()}
			for _, h := range replayHeaders {
				if v := w.Header().Values(h); len(v) > 0 {
					resp.Header[h] = v
				}
			}
			if err := c.Complete(ctx, tenant, key, resp); err != nil {
				c.Log.Warn("complete idempotency record", zap.String("tenant", tenant), zap.String("key", key), zap.Error(err))
			}
		})
	}
}

// releases reports whether a response leaves the key free for a retry:
// server errors and throttling rejections are not final outcomes.
func releases(status int) bool {
	return status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
}

func replay(w http.ResponseWriter, resp *Response) {
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set(HeaderReplayed, "true")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

type captureWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	buf         bytes.Buffer
}

func (c *captureWriter) WriteHeader(code int) {
	if !c.wroteHeader {
		c.status = code
		c.wroteHeader = true
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	if !c.wroteHeader {
		c.WriteHeader(http.StatusOK)
	}
	c.buf.Write(p)
	return c.ResponseWriter.Write(p)
}
