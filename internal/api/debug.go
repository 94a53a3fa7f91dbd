package api

import (
	"net/http"
	"time"

	"garagemsg/internal/buildinfo"
)

// debugInfo shows build data and the effective configuration without secrets.
func (s *Server) debugInfo(w http.ResponseWriter, _ *http.Request) {
	c := s.Config
	writeJSON(w, http.StatusOK, map[string]any{
		"build": buildinfo.Info(),
		"time":  time.Now().UTC().Format(time.RFC3339),
		"config": map[string]any{
			"env":                 c.Env,
			"port":                c.Port,
			"authMode":            c.Auth.Mode,
			"hasDatabaseUrl":      c.DatabaseURL != "",
			"hasRedisUrl":         c.RedisURL != "",
			"hasProviderToken":    c.Provider.Token != "",
			"hasWebhookAppSecret": c.Webhook.AppSecret != "",
			"dispatchMaxAttempts": c.Dispatch.MaxAttempts,
			"rateLimits":          c.RateLimits,
		},
	})
}
