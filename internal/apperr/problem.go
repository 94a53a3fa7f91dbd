package apperr

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Code     Code   `json:"code"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func WriteProblem(w http.ResponseWriter, status int, code Code, title, detail, instance string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Code:     code,
		Detail:   detail,
		Instance: instance,
	})
}

// Write renders err as a problem. Internal errors never expose their cause.
func Write(w http.ResponseWriter, r *http.Request, err error) {
	var e *Error
	if !errors.As(err, &e) {
		WriteProblem(w, http.StatusInternalServerError, Internal, "Internal error", "", r.URL.Path)
		return
	}
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds(e.RetryAfter)))
	}
	detail := e.Message
	if e.Code == Internal {
		detail = ""
	}
	WriteProblem(w, e.Status(), e.Code, titles[e.Code], detail, r.URL.Path)
}

var titles = map[Code]string{
	InvalidRequest:    "Invalid request",
	Unauthorized:      "Unauthorized",
	RateLimitExceeded: "Rate limit exceeded",
	PlanLimitExceeded: "Plan limit exceeded",
	Conflict:          "Conflict",
	NotFound:          "Not found",
	Internal:          "Internal error",
}

// RetryAfterSeconds rounds d up to whole seconds, never below one.
func RetryAfterSeconds(d time.Duration) int {
	s := d.Seconds()
	n := int(s)
	if float64(n) < s {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}
