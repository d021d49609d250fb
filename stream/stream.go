// Package stream provides the in-memory byte buffer that carries payload
// bytes between the transport and the assemblers.
//
// A Stream has one producer and one consumer. The producer appends with
// Write and marks the end with CloseWrite (or CloseWithError). The consumer
// either pulls with Read, which blocks until bytes arrive, or subscribes to
// receive every write as it happens.
package stream

import (
	"errors"
	"io"
	"sync"
)

// ErrClosed is returned by Write after the stream was closed for writing.
var ErrClosed = errors.New("stream: write after close")

// ErrSubscribed is returned by Read once a subscriber owns the stream's bytes.
var ErrSubscribed = errors.New("stream: bytes are delivered to a subscriber")

// Stream is a growable FIFO byte buffer.
type Stream struct {
	// deliver orders hand-offs to the subscriber; it is taken before mu.
	deliver sync.Mutex

	mu         sync.Mutex
	cond       *sync.Cond
	buf        []byte
	length     int64
	closed     bool
	err        error
	subscriber func([]byte)
}

// New creates an empty stream.
func New() *Stream {
	s := &Stream{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// NewFromBytes creates a stream holding a copy of data, closed for writing.
func NewFromBytes(data []byte) *Stream {
	s := New()
	_, _ = s.Write(data)
	s.CloseWrite()
	return s
}

// Write appends p and wakes any blocked reader. If a subscriber is set, p is
// handed to it synchronously instead of being buffered.
func (s *Stream) Write(p []byte) (int, error) {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	s.length += int64(len(p))
	sub := s.subscriber
	if sub == nil {
		s.buf = append(s.buf, p...)
		s.cond.Broadcast()
	}
	s.mu.Unlock()

	if sub != nil && len(p) > 0 {
		chunk := make([]byte, len(p))
		copy(chunk, p)
		sub(chunk)
	}
	return len(p), nil
}

// Read consumes up to len(p) buffered bytes. It blocks while the buffer is
// empty and the writer is still active, and returns io.EOF (or the close
// error) once everything written has been read.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.buf) == 0 {
		if s.subscriber != nil {
			return 0, ErrSubscribed
		}
		if s.closed {
			if s.err != nil {
				return 0, s.err
			}
			return 0, io.EOF
		}
		if len(p) == 0 {
			return 0, nil
		}
		s.cond.Wait()
	}

	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	if len(s.buf) == 0 {
		s.buf = nil
	}
	return n, nil
}

// Subscribe switches the stream to push mode: bytes already buffered are
// delivered first, then every later Write is passed to fn as it happens.
// fn runs on the writer's goroutine and must not write to s.
func (s *Stream) Subscribe(fn func([]byte)) {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	pending := s.buf
	s.buf = nil
	s.subscriber = fn
	s.cond.Broadcast()
	s.mu.Unlock()

	if len(pending) > 0 {
		fn(pending)
	}
}

// CloseWrite marks the end of data. Readers drain what is buffered and then see io.EOF.
func (s *Stream) CloseWrite() {
	s.CloseWithError(nil)
}

// CloseWithError marks the end of data; after draining, readers see err
// instead of io.EOF. Closing an already closed stream keeps the first error.
func (s *Stream) CloseWithError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	s.cond.Broadcast()
}

// Len returns the total number of bytes ever written.
func (s *Stream) Len() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.length
}

// Buffered returns the number of written bytes not yet read.
func (s *Stream) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Closed reports whether the writer side is finished.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Err returns the error the stream was closed with, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
