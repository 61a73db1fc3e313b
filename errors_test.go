package interceptor

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorSentinelsSupportErrorsIs(t *testing.T) {
	wrapped := fmt.Errorf("attaching probe: %w", AlreadyAttached)
	assert.True(t, errors.Is(wrapped, AlreadyAttached))
	assert.False(t, errors.Is(wrapped, AlreadyReplaced))
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "interceptor: already attached", AlreadyAttached.Error())
	assert.Equal(t, "interceptor: policy violation", PolicyViolation.Error())
}
