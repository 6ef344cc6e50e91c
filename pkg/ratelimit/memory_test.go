package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_HitStartsAndResetsWindow(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	count, start, err := s.Hit(ctx, "k", epoch, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, epoch, start)

	count, start, err = s.Hit(ctx, "k", epoch.Add(59*time.Second), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, epoch, start)

	count, start, err = s.Hit(ctx, "k", epoch.Add(time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, epoch.Add(time.Minute), start)
}

func TestMemoryStore_SweepRemovesIdleWindows(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	_, _, err := s.Hit(ctx, "old", epoch, time.Minute)
	require.NoError(t, err)
	_, _, err = s.Hit(ctx, "fresh", epoch.Add(50*time.Second), time.Minute)
	require.NoError(t, err)
	require.Equal(t, 2, s.Len())

	assert.Equal(t, 0, s.Sweep(epoch.Add(59*time.Second)))
	assert.Equal(t, 1, s.Sweep(epoch.Add(time.Minute)))
	assert.Equal(t, 1, s.Len())

	// 削除されたキーは新しいウィンドウから始まる
	count, start, err := s.Hit(ctx, "old", epoch.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, epoch.Add(2*time.Minute), start)
}

func TestMemoryStore_RunStopsWithContext(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	_, _, err := s.Hit(context.Background(), "k", time.Now().Add(-time.Hour), time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, 10*time.Millisecond, nil)
		close(done)
	}()

	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
