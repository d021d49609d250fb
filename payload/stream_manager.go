package payload

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/machinefabric/streamwire-go/logging"
	"github.com/machinefabric/streamwire-go/stream"
)

// ErrStreamCancelled is seen by readers of an attachment closed before it completed.
var ErrStreamCancelled = errors.New("content stream cancelled before completion")

// CancelStreamFunc is told the id of an attachment the local consumer gave up on.
type CancelStreamFunc func(id uuid.UUID)

// StreamManager owns the content assemblers of one connection, keyed by
// attachment id.
type StreamManager struct {
	assemblers     *registry[*PayloadAssembler]
	cancelled      *registry[struct{}]
	onCancelStream CancelStreamFunc
	logger         *zap.Logger

	mu     sync.Mutex
	closed error
}

// NewStreamManager creates a stream manager. onCancelStream may be nil.
func NewStreamManager(onCancelStream CancelStreamFunc, logger *zap.Logger) *StreamManager {
	return &StreamManager{
		assemblers:     newRegistry[*PayloadAssembler](),
		cancelled:      newRegistry[struct{}](),
		onCancelStream: onCancelStream,
		logger:         logging.OrNop(logger),
	}
}

// GetAssembler returns the content assembler for id, creating it on first use.
// Attachment frames may arrive before or after the envelope that names them.
// It returns nil for an id this side cancelled whose final frame has not
// arrived yet. After FailAll it returns an unregistered assembler that has
// already failed with the FailAll error.
func (m *StreamManager) GetAssembler(id uuid.UUID) *PayloadAssembler {
	if _, ok := m.cancelled.get(id); ok {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed != nil {
		a := newContentAssembler(id)
		a.fail(m.closed)
		return a
	}
	a, _ := m.assemblers.getOrCreate(id, func() *PayloadAssembler {
		return newContentAssembler(id)
	})
	return a
}

func newContentAssembler(id uuid.UUID) *PayloadAssembler {
	return &PayloadAssembler{
		id:            id,
		kind:          AssemblerKindContent,
		stream:        stream.New(),
		contentLength: unknownLength,
	}
}

// Lookup returns the assembler for id without creating one.
func (m *StreamManager) Lookup(id uuid.UUID) (*PayloadAssembler, bool) {
	return m.assemblers.get(id)
}

// Len returns the number of live content assemblers.
func (m *StreamManager) Len() int {
	return m.assemblers.len()
}

// AwaitingEnd returns the number of cancelled attachments whose final frame
// has not arrived yet.
func (m *StreamManager) AwaitingEnd() int {
	return m.cancelled.len()
}

// CloseStream removes the assembler for id. If the peer is still sending it,
// readers see ErrStreamCancelled and the cancel callback fires once so the
// peer can stop.
func (m *StreamManager) CloseStream(id uuid.UUID) {
	m.closeStream(id, true)
}

// release removes the assembler for id like CloseStream but never asks the
// peer to stop. Frames still in flight for id are dropped.
func (m *StreamManager) release(id uuid.UUID) {
	m.closeStream(id, false)
}

func (m *StreamManager) closeStream(id uuid.UUID, notify bool) {
	a, ok := m.assemblers.remove(id)
	if !ok {
		return
	}
	if a.End() {
		return
	}
	a.fail(ErrStreamCancelled)
	m.cancelled.putIfAbsent(id, struct{}{})
	m.logger.Debug("content stream closed before completion",
		zap.String("id", id.String()),
		zap.Int64("received", a.Received()),
		zap.Int("declared", a.ContentLength()),
		zap.Bool("notify", notify))
	if notify && m.onCancelStream != nil {
		m.onCancelStream(id)
	}
}

// forget drops the record of a cancelled id once the peer's final frame for
// it has been seen.
func (m *StreamManager) forget(id uuid.UUID) {
	m.cancelled.remove(id)
}

// FailAll fails and forgets every assembler without notifying the peer.
// Used when the connection is gone; later GetAssembler calls fail with err.
func (m *StreamManager) FailAll(err error) {
	m.mu.Lock()
	if m.closed == nil {
		m.closed = err
	}
	m.mu.Unlock()

	m.cancelled.drain()
	for _, a := range m.assemblers.drain() {
		if !a.Complete() {
			a.fail(err)
		}
	}
}
