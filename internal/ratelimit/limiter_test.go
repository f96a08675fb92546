// SPDX-License-Identifier: MIT

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterAllowsBurst(t *testing.T) {
	l := New("test", 1, 3)
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())
}

func TestLimiterDisabled(t *testing.T) {
	l := New("test", 0, 0)
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow())
	}
}

func TestWaitHonoursContext(t *testing.T) {
	l := New("test", 0.001, 1)
	require.True(t, l.Allow()) // drain the bucket

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx)
	require.Error(t, err)
}
