// Package transport provides a byte-stream transport for the framing layer:
// any io.ReadWriteCloser (a net.Conn, a pipe to a child process, stdio)
// carries frames as a header block followed by its body.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/machinefabric/streamwire-go/logging"
	"github.com/machinefabric/streamwire-go/stream"
	"github.com/machinefabric/streamwire-go/wire"
)

// Receiver consumes incoming frames.
type Receiver interface {
	// PayloadStream registers interest in the payload h belongs to. A nil
	// result means no assembler wants the body.
	PayloadStream(h wire.Header) *stream.Stream
	// OnReceive hands over one frame body.
	OnReceive(h wire.Header, chunk []byte, contentLength int)
}

// Pipe adapts an io.ReadWriteCloser to the framing layer.
type Pipe struct {
	conn   io.ReadWriteCloser
	limits wire.Limits
	logger *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewPipe wraps conn. Incoming frame bodies above limits.MaxFrame are
// rejected as framing errors.
func NewPipe(conn io.ReadWriteCloser, limits wire.Limits, logger *zap.Logger) *Pipe {
	if limits.MaxFrame <= 0 {
		limits = wire.DefaultLimits()
	}
	return &Pipe{
		conn:   conn,
		limits: limits,
		logger: logging.OrNop(logger),
	}
}

// Send writes b to the connection.
func (p *Pipe) Send(b []byte) (int, error) {
	return p.conn.Write(b)
}

// Close closes the connection. Later calls return the first result.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.conn.Close()
	})
	return p.closeErr
}

// Run reads frames and hands them to r until the connection ends or ctx is
// done. A clean end of stream between frames returns nil; anything else
// returns the error that stopped the loop.
func (p *Pipe) Run(ctx context.Context, r Receiver) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			p.Close()
		case <-stop:
		}
	}()

	var header [wire.HeaderSize]byte
	for {
		if _, err := io.ReadFull(p.conn, header[:]); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return wire.NewFramingError("short header", err)
			}
			return err
		}

		h, err := wire.Deserialize(header[:])
		if err != nil {
			return err
		}
		if int(h.PayloadLength) > p.limits.MaxFrame {
			return wire.NewFramingError(
				fmt.Sprintf("frame body %d exceeds max_frame limit %d", h.PayloadLength, p.limits.MaxFrame), nil)
		}

		r.PayloadStream(h)
		body := make([]byte, h.PayloadLength)
		if _, err := io.ReadFull(p.conn, body); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return wire.NewFramingError("short body", err)
		}
		p.logger.Debug("frame received",
			zap.String("id", h.ID.String()),
			zap.String("type", h.Type.String()),
			zap.Uint32("length", h.PayloadLength),
			zap.Bool("end", h.End))
		r.OnReceive(h, body, len(body))
	}
}
