package payload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/machinefabric/streamwire-go/logging"
	"github.com/machinefabric/streamwire-go/wire"
)

// TransportSender is the write half of a connection.
type TransportSender interface {
	// Send writes p and returns the number of bytes written.
	Send(p []byte) (int, error)
	Close() error
}

// SendPacket is one frame waiting for the writer.
type SendPacket struct {
	Header  wire.Header
	Payload []byte
	// SentCallback, if set, is called once with the outcome of the write.
	SentCallback func(error)
}

// DisconnectFunc is notified once when the sender disconnects.
type DisconnectFunc func(reason error)

// PayloadSender serializes frames from concurrent callers onto one
// transport. A single writer goroutine emits each packet's header and body
// back to back so frames never interleave.
type PayloadSender struct {
	transport TransportSender
	maxWrite  int
	logger    *zap.Logger

	queue    chan *SendPacket
	done     chan struct{}
	loopDone chan struct{}
	enqueue  sync.RWMutex

	disconnectOnce sync.Once
	mu             sync.Mutex
	reason         error
	subscribers    []DisconnectFunc

	header [wire.HeaderSize]byte
}

// NewPayloadSender starts the writer for transport. maxWrite bounds each
// call to transport.Send and queueSize bounds the packets waiting to be written.
func NewPayloadSender(transport TransportSender, maxWrite, queueSize int, logger *zap.Logger) *PayloadSender {
	if maxWrite <= 0 {
		maxWrite = wire.DefaultMaxWrite
	}
	if queueSize <= 0 {
		queueSize = wire.DefaultSendQueue
	}
	s := &PayloadSender{
		transport: transport,
		maxWrite:  maxWrite,
		logger:    logging.OrNop(logger),
		queue:     make(chan *SendPacket, queueSize),
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	go s.writerLoop()
	return s
}

// SendPayload queues one frame. The header's PayloadLength is set from
// payload. It fails fast once the sender is disconnected; otherwise the
// outcome is reported through callback.
func (s *PayloadSender) SendPayload(h wire.Header, payload []byte, callback func(error)) error {
	if len(payload) > wire.MaxFrameHardLimit {
		return fmt.Errorf("frame body of %d bytes exceeds %d", len(payload), wire.MaxFrameHardLimit)
	}
	h.PayloadLength = uint32(len(payload))
	packet := &SendPacket{Header: h, Payload: payload, SentCallback: callback}

	s.enqueue.RLock()
	defer s.enqueue.RUnlock()
	select {
	case <-s.done:
		return s.Err()
	default:
	}
	select {
	case s.queue <- packet:
		return nil
	case <-s.done:
		return s.Err()
	}
}

// Send queues one frame and waits until it has been written. If ctx ends
// first the frame may still be written later.
func (s *PayloadSender) Send(ctx context.Context, h wire.Header, payload []byte) error {
	sent := make(chan error, 1)
	if err := s.SendPayload(h, payload, func(err error) { sent <- err }); err != nil {
		return err
	}
	select {
	case err := <-sent:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnDisconnect registers fn to be told why the sender disconnected. If it
// already has, fn runs immediately.
func (s *PayloadSender) OnDisconnect(fn DisconnectFunc) {
	s.mu.Lock()
	if s.reason != nil {
		reason := s.reason
		s.mu.Unlock()
		fn(reason)
		return
	}
	s.subscribers = append(s.subscribers, fn)
	s.mu.Unlock()
}

// Disconnect closes the transport and fails every queued and future send.
// Only the first call has an effect.
func (s *PayloadSender) Disconnect(reason error) {
	s.disconnectOnce.Do(func() {
		err := wire.NewDisconnectedError(reason)
		s.mu.Lock()
		s.reason = err
		subscribers := s.subscribers
		s.subscribers = nil
		s.mu.Unlock()

		close(s.done)
		if cerr := s.transport.Close(); cerr != nil {
			s.logger.Debug("transport close failed", zap.Error(cerr))
		}
		s.logger.Debug("sender disconnected", zap.Error(reason))
		for _, fn := range subscribers {
			fn(err)
		}
	})
}

// Close disconnects and waits for the writer to finish.
func (s *PayloadSender) Close() error {
	s.Disconnect(errors.New("sender closed"))
	<-s.loopDone
	return nil
}

// Done is closed when the sender disconnects.
func (s *PayloadSender) Done() <-chan struct{} {
	return s.done
}

// Connected reports whether sends are still accepted.
func (s *PayloadSender) Connected() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Err returns the disconnect error, or nil while connected.
func (s *PayloadSender) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *PayloadSender) writerLoop() {
	defer close(s.loopDone)
	for {
		select {
		case packet := <-s.queue:
			err := s.write(packet)
			if packet.SentCallback != nil {
				packet.SentCallback(err)
			}
		case <-s.done:
			// Wait out callers that are mid-enqueue, then fail what they queued.
			s.enqueue.Lock()
			err := s.Err()
		drain:
			for {
				select {
				case packet := <-s.queue:
					if packet.SentCallback != nil {
						packet.SentCallback(err)
					}
				default:
					break drain
				}
			}
			s.enqueue.Unlock()
			return
		}
	}
}

// write emits one packet. A header that does not serialize fails only that
// packet; a transport failure disconnects.
func (s *PayloadSender) write(packet *SendPacket) error {
	if err := wire.SerializeInto(packet.Header, s.header[:]); err != nil {
		return err
	}
	err := s.writeAll(s.header[:])
	if err != nil {
		err = fmt.Errorf("failed to write header: %w", err)
	}
	for off := 0; err == nil && off < len(packet.Payload); off += s.maxWrite {
		end := min(off+s.maxWrite, len(packet.Payload))
		if werr := s.writeAll(packet.Payload[off:end]); werr != nil {
			err = fmt.Errorf("failed to write body: %w", werr)
		}
	}
	if err != nil {
		s.logger.Warn("frame write failed",
			zap.String("id", packet.Header.ID.String()),
			zap.String("type", packet.Header.Type.String()),
			zap.Error(err))
		s.Disconnect(err)
		return s.Err()
	}
	return nil
}

func (s *PayloadSender) writeAll(p []byte) error {
	n, err := s.transport.Send(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return io.ErrShortWrite
	}
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
