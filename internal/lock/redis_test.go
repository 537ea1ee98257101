package lock

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestNilLocker(t *testing.T) {
	var l *Locker
	_, ok, err := l.TryLock(context.Background(), "k", time.Second)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.NoError(t, l.Release(context.Background(), "k", "t"))
	assert.Nil(t, NewLocker(nil))
}

func TestTryLockValidatesArguments(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	l := NewLocker(client)

	_, _, err := l.TryLock(context.Background(), "", time.Second)
	assert.ErrorIs(t, err, ErrEmptyKey)

	_, _, err = l.TryLock(context.Background(), "scan", 0)
	assert.ErrorIs(t, err, ErrInvalidTTL)

	assert.NoError(t, l.Release(context.Background(), "scan", ""))
}
