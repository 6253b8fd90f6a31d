package errs

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOfWrappedError(t *testing.T) {
	err := fmt.Errorf("handler: %w", Forbidden("user is muted"))
	assert.Equal(t, CodeForbidden, CodeOf(err))
	assert.True(t, Is(err, CodeForbidden))
	assert.Equal(t, CodeInternal, CodeOf(fmt.Errorf("plain")))
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{NotAuthorized("x"), http.StatusUnauthorized},
		{Forbidden("x"), http.StatusForbidden},
		{DuplicateHost("x"), http.StatusForbidden},
		{NotFound("x"), http.StatusNotFound},
		{InvalidState("x"), http.StatusConflict},
		{InvalidParameter("x"), http.StatusBadRequest},
		{SourceLimitExceeded("x"), http.StatusBadRequest},
		{Internal("x", nil), http.StatusInternalServerError},
		{fmt.Errorf("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), "%v", tt.err)
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Internal("archive handoff failed", cause)
	assert.Contains(t, err.Error(), "INTERNAL_ERROR")
	assert.Contains(t, err.Error(), "connection refused")
	assert.ErrorIs(t, err, cause)
}
