package stream

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteThenRead(t *testing.T) {
	s := New()
	n, err := s.Write([]byte("some text"))
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	assert.Equal(t, int64(9), s.Len())
	assert.Equal(t, 9, s.Buffered())

	buf := make([]byte, 4)
	n, err = s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "some", string(buf[:n]))
	assert.Equal(t, 5, s.Buffered())
	assert.Equal(t, int64(9), s.Len(), "length only grows")

	s.CloseWrite()
	rest, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, " text", string(rest))
}

func TestReadBlocksUntilWrite(t *testing.T) {
	s := New()
	got := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(s)
		got <- string(data)
	}()

	select {
	case <-got:
		t.Fatal("read returned before writer closed")
	case <-time.After(20 * time.Millisecond):
	}

	_, _ = s.Write([]byte("abc"))
	_, _ = s.Write([]byte("def"))
	s.CloseWrite()

	select {
	case data := <-got:
		assert.Equal(t, "abcdef", data)
	case <-time.After(time.Second):
		t.Fatal("reader never woke")
	}
}

func TestCloseWithErrorAfterDrain(t *testing.T) {
	boom := errors.New("boom")
	s := New()
	_, _ = s.Write([]byte("xy"))
	s.CloseWithError(boom)
	s.CloseWithError(errors.New("second close ignored"))

	buf := make([]byte, 8)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "xy", string(buf[:n]))

	_, err = s.Read(buf)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, s.Err(), boom)
	assert.True(t, s.Closed())
}

func TestWriteAfterClose(t *testing.T) {
	s := NewFromBytes([]byte("done"))
	_, err := s.Write([]byte("more"))
	assert.ErrorIs(t, err, ErrClosed)
	data, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "done", string(data))
}

func TestSubscribeReceivesBufferedAndLaterWrites(t *testing.T) {
	s := New()
	_, _ = s.Write([]byte("early"))

	var mu sync.Mutex
	var chunks []string
	s.Subscribe(func(p []byte) {
		mu.Lock()
		chunks = append(chunks, string(p))
		mu.Unlock()
	})
	_, _ = s.Write([]byte("late"))

	mu.Lock()
	assert.Equal(t, []string{"early", "late"}, chunks)
	mu.Unlock()
	assert.Equal(t, int64(9), s.Len())
	assert.Zero(t, s.Buffered())

	_, err := s.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrSubscribed)
}

// Test a subscription racing a writer sees every byte once, in write order
func TestSubscribeKeepsOrderUnderConcurrentWrites(t *testing.T) {
	const n = 2000
	s := New()

	var mu sync.Mutex
	var got []byte
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			if i == n/10 {
				close(started)
			}
			_, _ = s.Write([]byte{byte(i)})
		}
	}()

	<-started
	s.Subscribe(func(p []byte) {
		mu.Lock()
		got = append(got, p...)
		mu.Unlock()
	})
	<-done

	want := make([]byte, n)
	for i := range want {
		want[i] = byte(i)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
}

func TestZeroLengthRead(t *testing.T) {
	s := New()
	n, err := s.Read(nil)
	assert.Zero(t, n)
	assert.NoError(t, err)
}
