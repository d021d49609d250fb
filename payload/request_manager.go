package payload

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrRequestCancelled is returned by a wait abandoned through its context.
var ErrRequestCancelled = errors.New("request cancelled")

// ErrDuplicateRequest is returned when an id already has a pending request.
var ErrDuplicateRequest = errors.New("request id already pending")

type responseResult struct {
	resp *ReceiveResponse
	err  error
}

// PendingRequest is the slot a caller waits on for the response to one id.
type PendingRequest struct {
	id      uuid.UUID
	result  chan responseResult
	manager *RequestManager
}

// ID returns the correlation id of the request.
func (p *PendingRequest) ID() uuid.UUID { return p.id }

// Wait blocks until the response arrives, the request is rejected, or ctx
// is done. On cancellation the slot is unregistered and a response arriving
// later is dropped.
func (p *PendingRequest) Wait(ctx context.Context) (*ReceiveResponse, error) {
	select {
	case r := <-p.result:
		return r.resp, r.err
	case <-ctx.Done():
		p.manager.requests.remove(p.id)
		// A response delivered between ctx firing and the removal above
		// still owns attachments.
		select {
		case r := <-p.result:
			if r.resp != nil {
				r.resp.Close()
			}
		default:
		}
		return nil, fmt.Errorf("%w: %w", ErrRequestCancelled, ctx.Err())
	}
}

// Cancel unregisters the slot without waiting.
func (p *PendingRequest) Cancel() {
	p.manager.requests.remove(p.id)
}

// RequestManager is the pending request table of one connection.
type RequestManager struct {
	requests *registry[*PendingRequest]

	mu     sync.Mutex
	closed error
}

// NewRequestManager creates an empty request table.
func NewRequestManager() *RequestManager {
	return &RequestManager{requests: newRegistry[*PendingRequest]()}
}

// Register creates the pending slot for id. It must be called before the
// request is sent so a fast response cannot be lost.
func (m *RequestManager) Register(id uuid.UUID) (*PendingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed != nil {
		return nil, m.closed
	}
	p := &PendingRequest{
		id:      id,
		result:  make(chan responseResult, 1),
		manager: m,
	}
	if !m.requests.putIfAbsent(id, p) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, id)
	}
	return p, nil
}

// GetResponse registers id and waits for its response.
func (m *RequestManager) GetResponse(ctx context.Context, id uuid.UUID) (*ReceiveResponse, error) {
	p, err := m.Register(id)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// SignalResponse resolves the request waiting for id. It reports false when
// nobody waits for id; the caller then owns resp.
func (m *RequestManager) SignalResponse(id uuid.UUID, resp *ReceiveResponse) bool {
	return m.resolve(id, responseResult{resp: resp})
}

// RejectResponse fails the request waiting for id with err.
func (m *RequestManager) RejectResponse(id uuid.UUID, err error) bool {
	return m.resolve(id, responseResult{err: err})
}

func (m *RequestManager) resolve(id uuid.UUID, r responseResult) bool {
	p, ok := m.requests.remove(id)
	if !ok {
		return false
	}
	p.result <- r
	return true
}

// FailAll rejects every pending request with err and refuses new ones.
func (m *RequestManager) FailAll(err error) {
	m.mu.Lock()
	if m.closed == nil {
		m.closed = err
	}
	m.mu.Unlock()
	for _, p := range m.requests.drain() {
		p.result <- responseResult{err: err}
	}
}

// Pending returns the number of requests awaiting a response.
func (m *RequestManager) Pending() int {
	return m.requests.len()
}
