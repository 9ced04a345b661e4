package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_RetryableFollowsDirective(t *testing.T) {
	retryable := New(KindConnectionFailed, SeverityError, DirectiveRetry, "msg", "ctx", errors.New("raw"))
	assert.True(t, retryable.IsRetryable())

	fatal := New(KindRollbackFailed, SeverityFatal, DirectiveAbort, "msg", "ctx", nil)
	assert.False(t, fatal.IsRetryable())
}

func TestAs(t *testing.T) {
	me := New(KindTimeout, SeverityWarn, DirectiveRetry, "msg", "ctx", nil)
	var err error = me

	got, ok := As(err)
	assert.True(t, ok)
	assert.Equal(t, KindTimeout, got.Kind)

	_, ok = As(errors.New("not a migration error"))
	assert.False(t, ok)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(KindConnectionFailed, SeverityError, DirectiveRetry, "m", "c", nil)))
	assert.False(t, IsRetryable(New(KindSchemaMismatch, SeverityError, DirectiveAbort, "m", "c", nil)))
	assert.False(t, IsRetryable(errors.New("plain error")))
}

func TestUserMessage_NoInternalDetails(t *testing.T) {
	msg := UserMessage(KindInsufficientDiskSpace)
	assert.NotContains(t, msg, "ENOSPC")
	assert.NotContains(t, msg, "SELECT")

	assert.Equal(t, "An unexpected error occurred during migration.", UserMessage(Kind("not_a_real_kind")))
}
