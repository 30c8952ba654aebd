package errutil

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasStatus(t *testing.T) {
	err := NotFound("execution not found")
	require.True(t, HasStatus(err, StatusNotFound))
	require.False(t, HasStatus(err, StatusInternal))
	require.False(t, HasStatus(errors.New("plain"), StatusNotFound))

	wrapped := fmt.Errorf("outer: %w", err)
	require.True(t, HasStatus(wrapped, StatusNotFound))
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := Internal("failed to update execution", WithErr(errors.New("connection reset")))
	require.Contains(t, err.Error(), "failed to update execution")
	require.Contains(t, err.Error(), "connection reset")
	require.Contains(t, err.Error(), string(StatusInternal))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("token endpoint returned 400")
	err := IntegrationRefreshFailed("token refresh failed", WithErr(cause))
	require.ErrorIs(t, err, cause)
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		code CoreStatus
		want int
	}{
		{StatusNotFound, http.StatusNotFound},
		{StatusBadRequest, http.StatusBadRequest},
		{StatusValidationFailed, http.StatusBadRequest},
		{StatusInternal, http.StatusInternalServerError},
		{StatusDeliveryExhausted, http.StatusBadGateway},
		{StatusExecutionTimeout, http.StatusGatewayTimeout},
		{StatusNotImplemented, http.StatusNotImplemented},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, tc.code.HTTPStatus(), "status %s", tc.code)
	}
}
