package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBroadcaster_DeliversInOrder(t *testing.T) {
	b := NewBroadcaster[int]()
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	defer s1.Close()
	defer s2.Close()

	for i := 0; i < 100; i++ {
		b.Publish(i)
	}

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		v, err := s1.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, i, v)

		v, err = s2.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, i, v)
	}
}

func TestBroadcaster_LateSubscriberMissesEarlierValues(t *testing.T) {
	b := NewBroadcaster[string]()
	b.Publish("before")

	s := b.Subscribe()
	defer s.Close()
	b.Publish("after")

	v, err := s.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "after", v)
}

func TestSubscription_NextHonoursContext(t *testing.T) {
	b := NewBroadcaster[int]()
	s := b.Subscribe()
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscription_CloseUnblocksAndDetaches(t *testing.T) {
	b := NewBroadcaster[int]()
	s := b.Subscribe()
	require.Equal(t, 1, b.Subscribers())

	var wg sync.WaitGroup
	wg.Add(1)
	var gotErr error
	go func() {
		defer wg.Done()
		_, gotErr = s.Next(context.Background())
	}()

	s.Close()
	s.Close()
	wg.Wait()

	require.True(t, errors.Is(gotErr, ErrClosed))
	require.Equal(t, 0, b.Subscribers())
}

func TestBroadcaster_ConcurrentPublishers(t *testing.T) {
	b := NewBroadcaster[int]()
	s := b.Subscribe()
	defer s.Close()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				b.Publish(i)
			}
		}()
	}
	wg.Wait()

	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		_, err := s.Next(ctx)
		require.NoError(t, err)
	}
}
