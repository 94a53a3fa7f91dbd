package auth

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"garagemsg/internal/apperr"
)

type ctxKey struct{}

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}

// TenantFrom returns the authenticated tenant or "".
func TenantFrom(ctx context.Context) string {
	p, _ := PrincipalFrom(ctx)
	return p.Tenant
}

// TenantOf is TenantFrom for an *http.Request.
func TenantOf(r *http.Request) string { return TenantFrom(r.Context()) }

// Middleware authenticates every request. In dev mode a request without a
// bearer token may name its tenant with X-Tenant-Id (and X-Role).
func Middleware(v *Verifier, log *zap.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var p Principal
			authz := r.Header.Get("Authorization")
			switch {
			case len(authz) > 7 && strings.EqualFold(authz[:7], "bearer "):
				var err error
				p, err = v.Verify(r.Context(), strings.TrimSpace(authz[7:]))
				if err != nil {
					log.Debug("token rejected", zap.Error(err))
					apperr.Write(w, r, apperr.ErrUnauthorized)
					return
				}
			case v.Mode == ModeDev && r.Header.Get("X-Tenant-Id") != "":
				p = Principal{Tenant: r.Header.Get("X-Tenant-Id"), Role: strings.ToLower(r.Header.Get("X-Role"))}
				if p.Role == "" {
					p.Role = "admin"
				}
			default:
				apperr.Write(w, r, apperr.ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireAdmin rejects principals without the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, ok := PrincipalFrom(r.Context()); !ok || !p.IsAdmin() {
			apperr.Write(w, r, apperr.New(apperr.Unauthorized, "admin role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
