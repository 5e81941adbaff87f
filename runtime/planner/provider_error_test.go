package planner

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapErrorRateLimited(t *testing.T) {
	cause := errors.New("429 too many requests")
	err := WrapError("openai", "chat_completion", http.StatusTooManyRequests, cause)

	require.ErrorIs(t, err, ErrRateLimited)
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, "openai", pe.Provider())
	require.Equal(t, KindRateLimited, pe.Kind())
	require.True(t, pe.Retryable())
	require.Equal(t, http.StatusTooManyRequests, pe.HTTPStatus())
}

func TestWrapErrorClassification(t *testing.T) {
	cases := []struct {
		status    int
		kind      ErrorKind
		retryable bool
	}{
		{http.StatusUnauthorized, KindAuth, false},
		{http.StatusForbidden, KindAuth, false},
		{http.StatusBadRequest, KindInvalidRequest, false},
		{http.StatusServiceUnavailable, KindUnavailable, true},
		{0, KindUnknown, false},
	}
	for _, tc := range cases {
		err := WrapError("anthropic", "messages", tc.status, errors.New("boom"))
		require.NotErrorIs(t, err, ErrRateLimited)
		var pe *ProviderError
		require.ErrorAs(t, err, &pe)
		require.Equal(t, tc.kind, pe.Kind(), "status %d", tc.status)
		require.Equal(t, tc.retryable, pe.Retryable(), "status %d", tc.status)
	}
}

func TestProviderErrorMessage(t *testing.T) {
	pe := NewProviderError("bedrock", "converse", http.StatusBadRequest, KindInvalidRequest, false, errors.New("bad schema"))
	require.Equal(t, "bedrock converse (invalid_request, http 400): bad schema", pe.Error())
	require.EqualError(t, errors.Unwrap(pe), "bad schema")

	pe = NewProviderError("bedrock", "", 0, "", false, nil)
	require.Equal(t, "bedrock request (unknown): provider error", pe.Error())
}
