package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_CategoryDerivedFromCode(t *testing.T) {
	cases := []struct {
		code string
		want Category
	}{
		{CodeStorageKeyTooLong, CategoryValidation},
		{CodeMapperRuleNotFound, CategoryBusiness},
		{CodeStorageTimeout, CategorySystem},
		{CodeStorageUnavailable, CategoryExternal},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			err := New(tc.code, "boom")
			assert.Equal(t, tc.want, err.Category)
		})
	}
}

func TestIsRetryable(t *testing.T) {
	t.Run("external_is_retryable", func(t *testing.T) {
		assert.True(t, IsRetryable(New(CodeStorageUnavailable, "redis down")))
	})
	t.Run("system_is_retryable", func(t *testing.T) {
		assert.True(t, IsRetryable(New(CodeStorageTimeout, "slow")))
	})
	t.Run("validation_is_not", func(t *testing.T) {
		assert.False(t, IsRetryable(New(CodeMapperBatchExceeded, "too big")))
	})
	t.Run("business_is_not", func(t *testing.T) {
		assert.False(t, IsRetryable(New(CodeMapperRuleNotFound, "missing")))
	})
	t.Run("fatal_never_retries", func(t *testing.T) {
		assert.False(t, IsRetryable(New(CodeDataCorrupted, "bad envelope")))
	})
	t.Run("plain_error_is_not", func(t *testing.T) {
		assert.False(t, IsRetryable(errors.New("whatever")))
	})
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(New(CodeDataCorrupted, "bad")))
	assert.True(t, IsFatal(New(CodeMapperDangerousPath, "__proto__")))
	assert.False(t, IsFatal(New(CodeStorageTimeout, "slow")))
	assert.False(t, IsFatal(errors.New("plain")))
}

func TestWrap_PreservesCauseChain(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, CodeStorageUnavailable, "redis set")

	require.ErrorIs(t, err, cause)
	assert.Equal(t, CodeStorageUnavailable, CodeOf(err))
	assert.Contains(t, err.Error(), "connection refused")

	// Codes survive further wrapping with %w.
	outer := fmt.Errorf("operation: %w", err)
	assert.Equal(t, CodeStorageUnavailable, CodeOf(outer))
	assert.True(t, IsRetryable(outer))
}

func TestWithContext(t *testing.T) {
	err := New(CodeStorageKeyTooLong, "key too long").
		WithContext("key", "a:b:c").
		WithContext("limit", 256)
	assert.Equal(t, "a:b:c", err.Context["key"])
	assert.Equal(t, 256, err.Context["limit"])
}

func TestCodeOf_PlainError(t *testing.T) {
	assert.Equal(t, "", CodeOf(errors.New("nope")))
}
