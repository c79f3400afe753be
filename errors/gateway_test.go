package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind_String(t *testing.T) {
	assert.Equal(t, "NOT_FOUND", KindNotFound.String())
	assert.Equal(t, "UPSTREAM_TIMEOUT", KindUpstreamTimeout.String())
	assert.Equal(t, "METHOD_NOT_ALLOWED", KindMethodNotAllowed.String())
	assert.Equal(t, "UNKNOWN", Kind(999).String())
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", fmt.Errorf("boom"), KindUnknown},
		{"gateway", NotFound("unknown service"), KindNotFound},
		{"wrapped gateway", fmt.Errorf("dispatch: %w", New(KindUpstreamError, "failed")), KindUpstreamError},
		{"deadline", context.DeadlineExceeded, KindUpstreamTimeout},
		{"canceled", fmt.Errorf("call: %w", context.Canceled), KindCanceled},
		{"rate limited", ErrRateLimited, KindRateLimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, KindOf(tt.err))
		})
	}
}

func TestGatewayError_IsByKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", WrapKind(errors.New("dial tcp 10.0.0.3:4000: refused"), KindUpstreamUnavailable, "backend unavailable"))

	assert.True(t, errors.Is(err, &GatewayError{Kind: KindUpstreamUnavailable}))
	assert.False(t, errors.Is(err, &GatewayError{Kind: KindUpstreamError}))
	assert.True(t, IsKind(err, KindUpstreamUnavailable))
}

func TestValidation_ListsEveryField(t *testing.T) {
	err := Validation([]FieldViolation{
		{Field: "id", Description: "required field is missing"},
		{Field: "mood", Description: "enum value must be set"},
	})

	require.Len(t, err.Violations, 2)
	assert.Equal(t, KindValidation, err.Kind)
	assert.Contains(t, err.Message, "id")
	assert.Contains(t, err.Message, "mood")
}

func TestPublicMessage_HidesCause(t *testing.T) {
	cause := errors.New("POST http://hr-backend.internal:4000/graphql: connection refused")
	err := WrapKind(cause, KindUpstreamUnavailable, "backend unavailable")

	assert.Equal(t, "backend unavailable", PublicMessage(err))
	assert.NotContains(t, PublicMessage(err), "hr-backend")
	assert.Contains(t, err.Error(), "connection refused")

	assert.Equal(t, "internal error", PublicMessage(errors.New("secret detail")))
	assert.Equal(t, "backend deadline exceeded", PublicMessage(context.DeadlineExceeded))
	assert.Equal(t, "not found", PublicMessage(&GatewayError{Kind: KindNotFound}))
}

func TestKind_Flags(t *testing.T) {
	for _, k := range []Kind{KindNotFound, KindBadRequest, KindValidation, KindMethodNotAllowed, KindUnsupportedEncoding} {
		assert.True(t, k.ClientCaused(), k.String())
		assert.False(t, k.Retryable(), k.String())
	}
	for _, k := range []Kind{KindUpstreamTimeout, KindUpstreamUnavailable} {
		assert.True(t, k.Retryable(), k.String())
		assert.False(t, k.ClientCaused(), k.String())
	}
	assert.False(t, KindUpstreamError.Retryable())
}

func TestParseKind(t *testing.T) {
	for k := range kindNames {
		got, ok := ParseKind(k.String())
		require.True(t, ok)
		assert.Equal(t, k, got)
	}
	_, ok := ParseKind("NOPE")
	assert.False(t, ok)
}
