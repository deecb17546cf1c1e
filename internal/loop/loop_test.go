package loop

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoopRunsInOrder(t *testing.T) {
	l := New("test", testLogger())
	defer l.Close()

	var got []int
	for i := range 100 {
		l.Post(func() { got = append(got, i) })
	}
	require.NoError(t, l.Do(context.Background(), func() {}))

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoopPostFromManyGoroutines(t *testing.T) {
	l := New("test", testLogger())
	defer l.Close()

	counter := 0
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				l.Post(func() { counter++ })
			}
		}()
	}
	wg.Wait()
	require.NoError(t, l.Do(context.Background(), func() {}))
	assert.Equal(t, 1000, counter)
}

func TestLoopRecoversPanics(t *testing.T) {
	l := New("test", testLogger())
	defer l.Close()

	l.Post(func() { panic("boom") })
	ran := false
	require.NoError(t, l.Do(context.Background(), func() { ran = true }))
	assert.True(t, ran)

	_, panicked := l.Stats()
	assert.Equal(t, uint64(1), panicked)
}

func TestLoopClose(t *testing.T) {
	l := New("test", testLogger())

	ran := make(chan struct{})
	l.Post(func() { close(ran) })
	l.Close()

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit")
	}
	<-ran

	assert.False(t, l.Post(func() {}))
	err := l.Do(context.Background(), func() {})
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestLoopDoContext(t *testing.T) {
	l := New("test", testLogger())
	defer l.Close()

	block := make(chan struct{})
	l.Post(func() { <-block })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Do(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(block)
}
