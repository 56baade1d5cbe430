package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	base := 2 * time.Second
	cap60 := 60 * time.Second

	assert.Equal(t, 2*time.Second, backoffDelay(base, cap60, 1, 0))
	assert.Equal(t, 4*time.Second, backoffDelay(base, cap60, 2, 0))
	assert.Equal(t, 32*time.Second, backoffDelay(base, cap60, 5, 0))
	assert.Equal(t, cap60, backoffDelay(base, cap60, 10, 0))
}

func TestBackoffJitterStaysBounded(t *testing.T) {
	base := 2 * time.Second
	for i := 0; i < 100; i++ {
		d := backoffDelay(base, 60*time.Second, 3, 0.2)
		assert.GreaterOrEqual(t, d, time.Duration(float64(8*time.Second)*0.79))
		assert.LessOrEqual(t, d, time.Duration(float64(8*time.Second)*1.21))
	}
}

func TestNoRetryWrapping(t *testing.T) {
	cause := errors.New("boom")
	err := NoRetry(cause)
	assert.True(t, isNoRetry(err))
	assert.ErrorIs(t, err, cause)
	assert.False(t, isNoRetry(cause))
	assert.Nil(t, NoRetry(nil))
}

func TestRetryAfterHint(t *testing.T) {
	cause := errors.New("throttled")
	err := RetryAfter(cause, 30*time.Second)
	d, ok := retryAfterHint(err)
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, d)
	assert.ErrorIs(t, err, cause)

	_, ok = retryAfterHint(cause)
	assert.False(t, ok)
}
