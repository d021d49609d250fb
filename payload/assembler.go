package payload

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/machinefabric/streamwire-go/stream"
	"github.com/machinefabric/streamwire-go/wire"
)

// AssemblerKind selects what happens when an assembler completes.
type AssemblerKind int

const (
	// AssemblerKindRequest parses the completed bytes as a request envelope.
	AssemblerKindRequest AssemblerKind = iota
	// AssemblerKindResponse parses the completed bytes as a response envelope.
	AssemblerKindResponse
	// AssemblerKindContent holds an attachment until a consumer reads it.
	AssemblerKindContent
)

func (k AssemblerKind) String() string {
	switch k {
	case AssemblerKindRequest:
		return "request"
	case AssemblerKindResponse:
		return "response"
	case AssemblerKindContent:
		return "content"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(k))
	}
}

// unknownLength marks a content length not yet declared by an envelope.
const unknownLength = -1

// PayloadAssembler accumulates the frame bodies of one correlation id.
//
// State per id: awaiting frames until a frame with End arrives and the
// received byte count matches the declared length; then complete. The
// owning manager removes it once consumed or closed.
type PayloadAssembler struct {
	id     uuid.UUID
	kind   AssemblerKind
	stream *stream.Stream

	mu            sync.Mutex
	contentType   string
	contentLength int
	received      int64
	end           bool
	err           error
}

// NewPayloadAssembler creates an assembler of the given kind for id.
func NewPayloadAssembler(id uuid.UUID, kind AssemblerKind) (*PayloadAssembler, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("assembler id must not be nil")
	}
	return &PayloadAssembler{
		id:            id,
		kind:          kind,
		stream:        stream.New(),
		contentLength: unknownLength,
	}, nil
}

// NewContentAssembler creates a content assembler whose type and length are
// already known, as when an envelope references it.
func NewContentAssembler(id uuid.UUID, contentType string, contentLength int) (*PayloadAssembler, error) {
	a, err := NewPayloadAssembler(id, AssemblerKindContent)
	if err != nil {
		return nil, err
	}
	if err := a.declare(contentType, contentLength); err != nil {
		return nil, err
	}
	return a, nil
}

// ID returns the correlation id.
func (a *PayloadAssembler) ID() uuid.UUID { return a.id }

// Kind returns the assembler kind.
func (a *PayloadAssembler) Kind() AssemblerKind { return a.kind }

// PayloadStream returns the stream the frame bodies accumulate in.
func (a *PayloadAssembler) PayloadStream() *stream.Stream { return a.stream }

// ContentType returns the declared payload type, empty until declared.
func (a *PayloadAssembler) ContentType() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.contentType
}

// ContentLength returns the declared length, or -1 until declared.
func (a *PayloadAssembler) ContentLength() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.contentLength
}

// Received returns the number of body bytes accumulated so far.
func (a *PayloadAssembler) Received() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.received
}

// End reports whether the final frame was seen.
func (a *PayloadAssembler) End() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.end
}

// Err returns the failure recorded for this payload, if any.
func (a *PayloadAssembler) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Complete reports whether the final frame arrived and the byte count
// matches the declared length.
func (a *PayloadAssembler) Complete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.completeLocked()
}

func (a *PayloadAssembler) completeLocked() bool {
	if !a.end || a.err != nil {
		return false
	}
	return a.contentLength == unknownLength || a.received == int64(a.contentLength)
}

// declare records the type and length an envelope announced. A payload that
// already completed with a different length is failed.
func (a *PayloadAssembler) declare(contentType string, contentLength int) error {
	if contentLength < 0 {
		return fmt.Errorf("content length must not be negative, got %d", contentLength)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.contentType = contentType
	a.contentLength = contentLength
	if a.received > int64(contentLength) || (a.end && a.received != int64(contentLength)) {
		a.failLocked(lengthMismatch(a.id, a.received, contentLength))
		return a.err
	}
	return nil
}

// receive appends one frame body. It returns true when this frame completed
// the payload. The body is written to the stream outside a.mu so a stream
// subscriber may call back into the assembler.
func (a *PayloadAssembler) receive(h wire.Header, chunk []byte, contentLength int) (bool, error) {
	completed, err := a.account(h, chunk, contentLength)
	if err != nil {
		return false, err
	}
	if len(chunk) > 0 {
		if _, err := a.stream.Write(chunk); err != nil {
			a.fail(err)
			return false, a.Err()
		}
	}
	if completed {
		a.stream.CloseWrite()
	}
	return completed, nil
}

// account checks one frame against the assembler state and records it.
func (a *PayloadAssembler) account(h wire.Header, chunk []byte, contentLength int) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.err != nil {
		return false, a.err
	}
	if a.end {
		return false, &wire.ProtocolError{
			Type:    wire.ProtocolErrorFraming,
			Message: fmt.Sprintf("frame for %s after its final frame", a.id),
		}
	}
	if len(chunk) != contentLength || uint32(len(chunk)) != h.PayloadLength {
		a.failLocked(&wire.ProtocolError{
			Type: wire.ProtocolErrorFraming,
			Message: fmt.Sprintf("frame for %s carries %d bytes, header declares %d",
				a.id, len(chunk), h.PayloadLength),
		})
		return false, a.err
	}

	received := a.received + int64(len(chunk))
	if a.contentLength != unknownLength && received > int64(a.contentLength) {
		a.failLocked(lengthMismatch(a.id, received, a.contentLength))
		return false, a.err
	}
	a.received = received
	if !h.End {
		return false, nil
	}

	// The peer is done sending either way.
	a.end = true
	if a.contentLength != unknownLength && a.received != int64(a.contentLength) {
		a.failLocked(lengthMismatch(a.id, a.received, a.contentLength))
		return false, a.err
	}
	return true, nil
}

// fail records err and wakes readers with it.
func (a *PayloadAssembler) fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failLocked(err)
}

func (a *PayloadAssembler) failLocked(err error) {
	if a.err == nil {
		a.err = err
	}
	a.stream.CloseWithError(err)
}

func lengthMismatch(id uuid.UUID, received int64, declared int) error {
	return &wire.ProtocolError{
		Type:    wire.ProtocolErrorLengthMismatch,
		Message: fmt.Sprintf("payload %s received %d bytes, declared %d", id, received, declared),
	}
}
