package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"garagemsg/internal/metrics"
)

// accessLog records one line and the HTTP metrics per request, labelled by
// route pattern rather than raw path.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		dur := time.Since(start)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		pattern := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			pattern = rc.RoutePattern()
		}
		code := strconv.Itoa(status)
		metrics.HTTPRequests.WithLabelValues(r.Method, pattern, code).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, pattern, code).Observe(dur.Seconds())

		lvl := zap.DebugLevel
		if status >= http.StatusInternalServerError {
			lvl = zap.WarnLevel
		} else if pattern != "/healthz" && pattern != "/readyz" && pattern != "/metrics" {
			lvl = zap.InfoLevel
		}
		if ce := s.Log.Check(lvl, "http request"); ce != nil {
			ce.Write(
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", dur),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote", r.RemoteAddr),
			)
		}
	})
}

type recipientKey struct{}

// withRecipient peeks at the JSON body for the "to" field and restores the
// body for the handler.
func withRecipient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody+1))
		_ = r.Body.Close()
		if err != nil {
			b = nil
		}
		r.Body = io.NopCloser(bytes.NewReader(b))
		var peek struct {
			To string `json:"to"`
		}
		_ = json.Unmarshal(b, &peek)
		ctx := context.WithValue(r.Context(), recipientKey{}, strings.TrimSpace(peek.To))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func recipientOf(r *http.Request) string {
	v, _ := r.Context().Value(recipientKey{}).(string)
	return v
}
