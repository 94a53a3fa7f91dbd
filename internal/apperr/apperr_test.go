package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsAndStatus(t *testing.T) {
	err := fmt.Errorf("create vehicle: %w", New(PlanLimitExceeded, "plates limit reached"))

	assert.ErrorIs(t, err, ErrPlanLimit)
	assert.NotErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, PlanLimitExceeded, CodeOf(err))

	var e *Error
	assert.True(t, errors.As(err, &e))
	assert.Equal(t, http.StatusTooManyRequests, e.Status())
}

func TestCodeOfUnknown(t *testing.T) {
	assert.Equal(t, Internal, CodeOf(errors.New("boom")))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(Internal))
	assert.Equal(t, http.StatusUnauthorized, StatusFor(Unauthorized))
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap(Internal, "counter store", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "counter store")
}
