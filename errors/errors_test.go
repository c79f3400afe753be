package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(42).String())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ErrorTransient},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ErrorTransient},
		{"rate limited", ErrRateLimited, ErrorTransient},
		{"invalid data", ErrInvalidData, ErrorInvalid},
		{"invalid config", fmt.Errorf("load: %w", ErrInvalidConfig), ErrorInvalid},
		{"plain", io.ErrUnexpectedEOF, ErrorFatal},

		{"kind validation", Validation([]FieldViolation{{Field: "id"}}), ErrorInvalid},
		{"kind not found", NotFound("no such method"), ErrorInvalid},
		{"kind upstream unavailable", WrapKind(io.EOF, KindUpstreamUnavailable, "backend unavailable"), ErrorTransient},
		{"kind not ready", New(KindNotReady, "no registry"), ErrorTransient},
		{"kind upstream error", New(KindUpstreamError, "backend failed"), ErrorFatal},
		{"kind discovery", Discovery(io.EOF, "contracts/"), ErrorFatal},

		// explicit classification beats the kind underneath
		{"wrapped kind", WrapTransient(New(KindUpstreamError, "x"), "Backend", "Execute", "post"), ErrorTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestPredicates(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsInvalid(nil))
	assert.False(t, IsFatal(nil))

	assert.True(t, IsTransient(New(KindUpstreamTimeout, "slow")))
	assert.True(t, IsInvalid(BadRequest(io.EOF)))
	assert.True(t, IsFatal(Discovery(io.EOF, "nats-kv://contracts")))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "Holder", "Reload", "discover"))

	err := Wrap(io.EOF, "Holder", "Reload", "discover")
	assert.Equal(t, "Holder.Reload: discover failed: EOF", err.Error())
	assert.ErrorIs(t, err, io.EOF)
}

func TestWrapClassified(t *testing.T) {
	tests := []struct {
		wrap func(error, string, string, string) error
		want ErrorClass
	}{
		{WrapTransient, ErrorTransient},
		{WrapInvalid, ErrorInvalid},
		{WrapFatal, ErrorFatal},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			assert.Nil(t, tt.wrap(nil, "c", "m", "a"))

			err := tt.wrap(ErrBucketNotFound, "Client", "GetKeyValueBucket", "contracts")
			require.Error(t, err)

			var ce *ClassifiedError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, tt.want, ce.Class)
			assert.Equal(t, "Client", ce.Component)
			assert.Equal(t, "GetKeyValueBucket", ce.Operation)
			assert.Equal(t, "Client.GetKeyValueBucket: contracts failed: bucket not found", err.Error())
			assert.ErrorIs(t, err, ErrBucketNotFound)
			assert.Equal(t, tt.want, Classify(err))
		})
	}
}
