package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := NewError(ErrTaskNotFound, "task t1 not found")
	assert.Equal(t, "[TASK_NOT_FOUND] task t1 not found", err.Error())

	cause := errors.New("dial refused")
	wrapped := NewError(ErrStoreUnavailable, "record lookup failed").WithCause(cause)
	assert.Contains(t, wrapped.Error(), "dial refused")
	assert.ErrorIs(t, wrapped, cause)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrCeilingReached, CodeOf(Newf(ErrCeilingReached, "ceiling %d reached", 4)))
	assert.Equal(t, ErrInternalError, CodeOf(fmt.Errorf("plain error")))
	assert.Equal(t, ErrorCode(""), CodeOf(nil))
}

func TestWithRetryable(t *testing.T) {
	err := NewError(ErrBufferUnavailable, "redis down").WithRetryable()
	assert.True(t, err.Retryable)
	assert.False(t, NewError(ErrTaskExpired, "gone").Retryable)
}
