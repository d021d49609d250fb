package payload

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/streamwire-go/wire"
)

type requestResult struct {
	id  uuid.UUID
	req *ReceiveRequest
	err error
}

type responseResultMsg struct {
	id   uuid.UUID
	resp *ReceiveResponse
	err  error
}

func newCollectingManager(onCancel CancelStreamFunc) (*AssemblerManager, chan requestResult, chan responseResultMsg) {
	requests := make(chan requestResult, 4)
	responses := make(chan responseResultMsg, 4)
	m := NewAssemblerManager(NewStreamManager(nil, nil),
		func(id uuid.UUID, req *ReceiveRequest, err error) { requests <- requestResult{id, req, err} },
		func(id uuid.UUID, resp *ReceiveResponse, err error) { responses <- responseResultMsg{id, resp, err} },
		onCancel, nil)
	return m, requests, responses
}

func envelopeFrames(t *testing.T, id uuid.UUID, pt wire.PayloadType, v interface{}, sizes ...int) []frame {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	if len(sizes) == 0 {
		sizes = []int{len(data)}
	}
	return chunked(id, pt, data, sizes...)
}

func receiveRequest(t *testing.T, ch chan requestResult) requestResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(time.Second):
		t.Fatal("request was not delivered")
		return requestResult{}
	}
}

// Test an envelope split across frames is delivered once with its attachments bound
func TestRequestEnvelopeDelivery(t *testing.T) {
	m, requests, _ := newCollectingManager(nil)
	id, attID := uuid.New(), uuid.New()

	envelope := RequestPayload{
		Verb:    "POST",
		Path:    "/api/messages",
		Streams: []StreamDescription{{ID: attID, PayloadType: ContentTypeText, Length: 11}},
	}
	deliver(m, envelopeFrames(t, id, wire.PayloadTypeRequest, envelope, 10, 10, 10)...)

	r := receiveRequest(t, requests)
	require.NoError(t, r.err)
	assert.Equal(t, id, r.id)
	assert.Equal(t, "POST", r.req.Verb)
	assert.Equal(t, "/api/messages", r.req.Path)
	require.Len(t, r.req.Streams, 1)
	cs := r.req.Streams[0]
	assert.Equal(t, attID, cs.ID)
	assert.Equal(t, ContentTypeText, cs.PayloadType)
	assert.Equal(t, 11, cs.Length)

	// Attachment bytes arrive after the envelope.
	deliver(m, chunked(attID, wire.PayloadTypeStream, []byte("hello world"), 5, 6)...)
	text, err := cs.ReadAsString()
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)

	m.Wait()
}

func TestAttachmentBeforeEnvelope(t *testing.T) {
	m, _, responses := newCollectingManager(nil)
	id, attID := uuid.New(), uuid.New()

	deliver(m, chunked(attID, wire.PayloadTypeStream, []byte(`{"ok":true}`), 11)...)
	deliver(m, envelopeFrames(t, id, wire.PayloadTypeResponse, ResponsePayload{
		StatusCode: 200,
		Streams:    []StreamDescription{{ID: attID, PayloadType: ContentTypeJSON, Length: 11}},
	})...)

	var r responseResultMsg
	select {
	case r = <-responses:
	case <-time.After(time.Second):
		t.Fatal("response was not delivered")
	}
	require.NoError(t, r.err)
	assert.Equal(t, 200, r.resp.StatusCode)

	var body struct{ OK bool }
	require.NoError(t, r.resp.Body().ReadAsJSON(&body))
	assert.True(t, body.OK)
	assert.Equal(t, 0, m.Streams().Len(), "reading releases the attachment")
}

func TestEnvelopeParseFailureIsReported(t *testing.T) {
	m, requests, _ := newCollectingManager(nil)
	id := uuid.New()

	deliver(m, chunked(id, wire.PayloadTypeRequest, []byte(`{"path":"/"}`), 12)...)
	r := receiveRequest(t, requests)
	assert.Equal(t, id, r.id)
	assert.Nil(t, r.req)
	assert.True(t, wire.IsEnvelopeParseError(r.err))

	// Other ids keep flowing.
	other := uuid.New()
	deliver(m, envelopeFrames(t, other, wire.PayloadTypeRequest, RequestPayload{Verb: "GET", Path: "/"})...)
	r = receiveRequest(t, requests)
	require.NoError(t, r.err)
	assert.Equal(t, other, r.id)
}

func TestFramesWithoutAssemblerAreDropped(t *testing.T) {
	m, requests, _ := newCollectingManager(nil)
	id := uuid.New()

	// OnReceive without PayloadStream: nobody registered interest.
	h := wire.NewHeader(id, wire.PayloadTypeRequest, 2, true)
	m.OnReceive(h, []byte("{}"), 2)
	_, ok := m.Streams().Lookup(id)
	assert.False(t, ok)

	select {
	case r := <-requests:
		t.Fatalf("unexpected delivery %+v", r)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCancelStreamFrameNotifiesSender(t *testing.T) {
	cancelled := make(chan uuid.UUID, 1)
	m, _, _ := newCollectingManager(func(id uuid.UUID) { cancelled <- id })
	id := uuid.New()

	h := wire.NewCancelStreamHeader(id)
	assert.Nil(t, m.PayloadStream(h))
	m.OnReceive(h, nil, 0)

	assert.Equal(t, id, <-cancelled)
}

// Test a length mismatch on an envelope fails only that id
func TestEnvelopeLengthMismatch(t *testing.T) {
	m, requests, _ := newCollectingManager(nil)
	id := uuid.New()

	h := wire.NewHeader(id, wire.PayloadTypeRequest, 5, true)
	m.PayloadStream(h)
	m.OnReceive(h, []byte("{}"), 2)

	r := receiveRequest(t, requests)
	assert.True(t, wire.IsFramingError(r.err))
}

func TestAssemblerManagerFailAll(t *testing.T) {
	m, _, _ := newCollectingManager(nil)
	envID, attID := uuid.New(), uuid.New()

	m.PayloadStream(wire.NewHeader(envID, wire.PayloadTypeRequest, 1, false))
	m.PayloadStream(wire.NewHeader(attID, wire.PayloadTypeStream, 1, false))
	att, ok := m.Streams().Lookup(attID)
	require.True(t, ok)

	m.FailAll(wire.NewDisconnectedError(context.Canceled))
	assert.True(t, wire.IsDisconnected(att.Err()))
	assert.Equal(t, 0, m.Streams().Len())
}

// Test frames still in flight for a cancelled attachment are dropped
func TestLateFramesForCancelledStreamAreDropped(t *testing.T) {
	rec := &cancelRecorder{}
	m := NewAssemblerManager(NewStreamManager(rec.record, nil), nil, nil, nil, nil)
	id := uuid.New()

	frames := chunked(id, wire.PayloadTypeStream, []byte("0123456789"), 2, 2, 2, 4)
	deliver(m, frames[0])
	m.Streams().CloseStream(id)
	assert.Equal(t, []uuid.UUID{id}, rec.calls())

	deliver(m, frames[1], frames[2])
	_, ok := m.Streams().Lookup(id)
	assert.False(t, ok)
	assert.Nil(t, m.Streams().GetAssembler(id))

	// The final frame ends the tombstone.
	deliver(m, frames[3])
	assert.NotNil(t, m.Streams().GetAssembler(id))
}

// Test an envelope completing as the connection drops binds failed streams
func TestBindAfterFailAllFailsStreams(t *testing.T) {
	m, _, _ := newCollectingManager(nil)
	m.FailAll(wire.NewDisconnectedError(context.Canceled))

	streams, err := m.bind([]StreamDescription{{ID: uuid.New(), PayloadType: ContentTypeText, Length: 5}})
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.Equal(t, 0, m.Streams().Len())

	done := make(chan error, 1)
	go func() {
		_, err := streams[0].ReadAll()
		done <- err
	}()
	select {
	case err := <-done:
		assert.True(t, wire.IsDisconnected(err))
	case <-time.After(time.Second):
		t.Fatal("read blocked on a stream bound after disconnect")
	}
}

func TestEnvelopeFramesAfterFailAllAreDropped(t *testing.T) {
	m, requests, _ := newCollectingManager(nil)
	m.FailAll(wire.NewDisconnectedError(context.Canceled))

	deliver(m, envelopeFrames(t, uuid.New(), wire.PayloadTypeRequest, RequestPayload{Verb: "GET", Path: "/"})...)
	select {
	case r := <-requests:
		t.Fatalf("unexpected delivery %+v", r)
	case <-time.After(20 * time.Millisecond):
	}
}
