package payload

import (
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/machinefabric/streamwire-go/logging"
	"github.com/machinefabric/streamwire-go/stream"
	"github.com/machinefabric/streamwire-go/wire"
)

// ReceiveRequestFunc is called with each assembled request, or with the
// error that prevented assembling it.
type ReceiveRequestFunc func(id uuid.UUID, req *ReceiveRequest, err error)

// ReceiveResponseFunc is called with each assembled response, or with the
// error that prevented assembling it.
type ReceiveResponseFunc func(id uuid.UUID, resp *ReceiveResponse, err error)

// AssemblerManager routes incoming frames to per-id assemblers. Request and
// response envelopes are tracked here; attachments go to the StreamManager.
type AssemblerManager struct {
	envelopes  *registry[*PayloadAssembler]
	streams    *StreamManager
	onRequest  ReceiveRequestFunc
	onResponse ReceiveResponseFunc
	onCancel   CancelStreamFunc
	logger     *zap.Logger

	tasks sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewAssemblerManager creates a manager delivering assembled envelopes to
// onRequest and onResponse. onCancel is told about cancelStream frames the
// peer sent for our outgoing attachments. Any callback may be nil.
func NewAssemblerManager(streams *StreamManager, onRequest ReceiveRequestFunc, onResponse ReceiveResponseFunc, onCancel CancelStreamFunc, logger *zap.Logger) *AssemblerManager {
	return &AssemblerManager{
		envelopes:  newRegistry[*PayloadAssembler](),
		streams:    streams,
		onRequest:  onRequest,
		onResponse: onResponse,
		onCancel:   onCancel,
		logger:     logging.OrNop(logger),
	}
}

// Streams returns the stream manager attachments are registered with.
func (m *AssemblerManager) Streams() *StreamManager {
	return m.streams
}

// PayloadStream returns the stream the body of h should be written into,
// registering an assembler for h.ID if there is none yet. It returns nil for
// frames that carry no body, such as cancelStream.
func (m *AssemblerManager) PayloadStream(h wire.Header) *stream.Stream {
	a := m.assemblerFor(h, true)
	if a == nil {
		return nil
	}
	return a.PayloadStream()
}

// OnReceive appends one frame body to the assembler for h.ID. Frames with no
// registered assembler are dropped. When the final frame completes an
// envelope, decoding and delivery run as a separate task.
func (m *AssemblerManager) OnReceive(h wire.Header, chunk []byte, contentLength int) {
	if h.Type == wire.PayloadTypeCancelStream {
		m.logger.Debug("peer cancelled stream", zap.String("id", h.ID.String()))
		if m.onCancel != nil {
			m.onCancel(h.ID)
		}
		return
	}

	a := m.assemblerFor(h, false)
	if a == nil {
		if h.Type == wire.PayloadTypeStream && h.End {
			m.streams.forget(h.ID)
		}
		m.logger.Debug("dropping frame with no assembler",
			zap.String("id", h.ID.String()),
			zap.String("type", h.Type.String()),
			zap.Int("length", len(chunk)))
		return
	}

	completed, err := a.receive(h, chunk, contentLength)
	if err != nil {
		m.logger.Warn("failed to assemble payload",
			zap.String("id", h.ID.String()),
			zap.String("type", h.Type.String()),
			zap.Error(err))
		if a.Kind() != AssemblerKindContent {
			m.envelopes.remove(h.ID)
			m.deliver(a, nil, err)
		}
		return
	}
	if !completed || a.Kind() == AssemblerKindContent {
		return
	}

	m.envelopes.remove(h.ID)
	m.tasks.Add(1)
	go func() {
		defer m.tasks.Done()
		m.complete(a)
	}()
}

// Wait blocks until every completion task started so far has returned.
func (m *AssemblerManager) Wait() {
	m.tasks.Wait()
}

// FailAll drops every envelope in progress. Their owners never see them.
// Frames arriving afterwards are dropped.
func (m *AssemblerManager) FailAll(err error) {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	for _, a := range m.envelopes.drain() {
		a.fail(err)
	}
	m.streams.FailAll(err)
}

func (m *AssemblerManager) assemblerFor(h wire.Header, create bool) *PayloadAssembler {
	switch h.Type {
	case wire.PayloadTypeRequest, wire.PayloadTypeResponse:
		kind := AssemblerKindRequest
		if h.Type == wire.PayloadTypeResponse {
			kind = AssemblerKindResponse
		}
		if !create {
			a, _ := m.envelopes.get(h.ID)
			return a
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			return nil
		}
		a, _ := m.envelopes.getOrCreate(h.ID, func() *PayloadAssembler {
			return &PayloadAssembler{
				id:            h.ID,
				kind:          kind,
				stream:        stream.New(),
				contentLength: unknownLength,
			}
		})
		if a.Kind() != kind {
			m.logger.Warn("envelope id reused with a different type",
				zap.String("id", h.ID.String()),
				zap.String("type", h.Type.String()))
			return nil
		}
		return a
	case wire.PayloadTypeStream:
		if create {
			return m.streams.GetAssembler(h.ID)
		}
		a, _ := m.streams.Lookup(h.ID)
		return a
	default:
		return nil
	}
}

func (m *AssemblerManager) complete(a *PayloadAssembler) {
	data, err := io.ReadAll(a.PayloadStream())
	if err != nil {
		m.deliver(a, nil, fmt.Errorf("failed to read %s envelope %s: %w", a.Kind(), a.ID(), err))
		return
	}

	var descriptions []StreamDescription
	var received interface{}
	switch a.Kind() {
	case AssemblerKindRequest:
		payload, err := DecodeRequestPayload(data)
		if err != nil {
			m.deliver(a, nil, err)
			return
		}
		descriptions = payload.Streams
		received = &ReceiveRequest{Verb: payload.Verb, Path: payload.Path}
	case AssemblerKindResponse:
		payload, err := DecodeResponsePayload(data)
		if err != nil {
			m.deliver(a, nil, err)
			return
		}
		descriptions = payload.Streams
		received = &ReceiveResponse{StatusCode: payload.StatusCode}
	}

	streams, err := m.bind(descriptions)
	if err != nil {
		closeAll(streams)
		m.deliver(a, nil, err)
		return
	}
	switch r := received.(type) {
	case *ReceiveRequest:
		r.Streams = streams
	case *ReceiveResponse:
		r.Streams = streams
	}
	m.deliver(a, received, nil)
}

// bind resolves each description to the content assembler for its id,
// registering one if its frames have not arrived yet. After FailAll the
// bound streams fail on first read.
func (m *AssemblerManager) bind(descriptions []StreamDescription) ([]*ContentStream, error) {
	streams := make([]*ContentStream, 0, len(descriptions))
	for _, d := range descriptions {
		a := m.streams.GetAssembler(d.ID)
		if a == nil {
			return streams, fmt.Errorf("content stream %s: %w", d.ID, ErrStreamCancelled)
		}
		if err := a.declare(d.PayloadType, d.Length); err != nil {
			m.streams.CloseStream(d.ID)
			return streams, err
		}
		cs, err := NewContentStream(d.ID, a, m.streams)
		if err != nil {
			return streams, err
		}
		streams = append(streams, cs)
	}
	return streams, nil
}

func (m *AssemblerManager) deliver(a *PayloadAssembler, received interface{}, err error) {
	switch a.Kind() {
	case AssemblerKindRequest:
		req, _ := received.(*ReceiveRequest)
		if m.onRequest != nil {
			m.onRequest(a.ID(), req, err)
		} else if req != nil {
			req.Close()
		}
	case AssemblerKindResponse:
		resp, _ := received.(*ReceiveResponse)
		if m.onResponse != nil {
			m.onResponse(a.ID(), resp, err)
		} else if resp != nil {
			resp.Close()
		}
	}
}
