package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	base := stderrors.New("boom")
	err := Wrap(base, "ConnRegistry", "Broadcast", "enqueue message")
	require.Error(t, err)
	assert.Equal(t, "ConnRegistry.Broadcast: enqueue message failed: boom", err.Error())
	assert.True(t, stderrors.Is(err, base))

	assert.NoError(t, Wrap(nil, "ConnRegistry", "Broadcast", "enqueue message"))
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"transient sentinel", ErrUpstreamUnavailable, ErrorTransient},
		{"transient pattern", fmt.Errorf("dial tcp: connection refused"), ErrorTransient},
		{"context deadline", context.DeadlineExceeded, ErrorTransient},
		{"invalid sentinel", ErrParsingFailed, ErrorInvalid},
		{"fatal sentinel", ErrInvalidConfig, ErrorFatal},
		{"unknown defaults transient", stderrors.New("something odd"), ErrorTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestWrapClassified(t *testing.T) {
	base := stderrors.New("no route to host")

	err := WrapFatal(base, "Broker", "Start", "bind listener")
	assert.True(t, IsFatal(err))
	assert.False(t, IsTransient(err))

	err = WrapInvalid(base, "Session", "receive", "decode command")
	assert.True(t, IsInvalid(err))

	err = WrapTransient(base, "Client", "Query", "catalog query")
	assert.True(t, IsTransient(err))

	var ce *ClassifiedError
	require.True(t, stderrors.As(err, &ce))
	assert.Equal(t, "Client", ce.Component)
	assert.Equal(t, "Query", ce.Operation)
	assert.True(t, stderrors.Is(err, base))
}

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(42).String())
}
