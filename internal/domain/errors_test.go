package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{nil, ""},
		{ErrTransientIO, KindTransientIO},
		{fmt.Errorf("op=llm.chat: %w", ErrTimeout), KindTimeout},
		{fmt.Errorf("op=llm.chat: %w", ErrRateLimited), KindRateLimit},
		{ErrAuthPermanent, KindAuthPermanent},
		{ErrCircuitOpen, KindCircuitOpen},
		{ErrQueueFull, KindQueueFull},
		{ErrShutdown, KindShutdown},
		{ErrSchemaInvariant, KindSchemaInvariant},
		{ErrUnresolvedReference, KindUnresolvedReference},
		{ErrExcessiveFailures, KindExcessiveFailures},
		{errors.New("mystery"), KindInternalBug},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Kind(tc.err))
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrTransientIO))
	assert.True(t, IsRetryable(fmt.Errorf("op=x: %w", ErrTimeout)))

	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(ErrRateLimited))
	assert.False(t, IsRetryable(ErrAuthPermanent))
	assert.False(t, IsRetryable(ErrCircuitOpen), "circuit-open never burns job attempts")
	assert.False(t, IsRetryable(errors.New("mystery")), "unknown errors are not retried forever")
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrAuthPermanent))
	assert.True(t, IsFatal(ErrSchemaInvariant))
	assert.True(t, IsFatal(errors.New("mystery")))

	assert.False(t, IsFatal(ErrTransientIO))
	assert.False(t, IsFatal(ErrTimeout))
	assert.False(t, IsFatal(nil))
}
