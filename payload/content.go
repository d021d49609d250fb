package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Content types set by the constructors below.
const (
	ContentTypeText    = "text/plain; charset=utf-8"
	ContentTypeJSON    = "application/json; charset=utf-8"
	ContentTypeCBOR    = "application/cbor"
	ContentTypeMsgpack = "application/msgpack"
	ContentTypeOctets  = "application/octet-stream"
)

// StreamWrapper pairs a source stream with the number of bytes it will yield.
type StreamWrapper struct {
	Stream       io.Reader
	StreamLength int
}

// NewStreamWrapper wraps s, declaring that it yields exactly length bytes.
func NewStreamWrapper(s io.Reader, length int) *StreamWrapper {
	return &StreamWrapper{Stream: s, StreamLength: length}
}

// Content is an outgoing attachment. It travels as its own framed payload
// under ID and is referenced from the request or response envelope.
type Content struct {
	ID     uuid.UUID
	Type   string
	Length int
	source io.Reader
}

// NewReaderContent creates an attachment that reads exactly length bytes from r.
func NewReaderContent(contentType string, r io.Reader, length int) (*Content, error) {
	if r == nil {
		return nil, fmt.Errorf("content source is nil")
	}
	if length < 0 {
		return nil, fmt.Errorf("content length must not be negative, got %d", length)
	}
	return &Content{
		ID:     uuid.New(),
		Type:   contentType,
		Length: length,
		source: r,
	}, nil
}

// NewBytesContent creates an attachment from a byte slice.
func NewBytesContent(contentType string, data []byte) *Content {
	c, _ := NewReaderContent(contentType, bytes.NewReader(data), len(data))
	return c
}

// NewTextContent creates a UTF-8 text attachment.
func NewTextContent(text string) *Content {
	return NewBytesContent(ContentTypeText, []byte(text))
}

// NewJSONContent marshals v as a JSON attachment.
func NewJSONContent(v interface{}) (*Content, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode JSON content: %w", err)
	}
	return NewBytesContent(ContentTypeJSON, data), nil
}

// NewCBORContent marshals v as a CBOR attachment.
func NewCBORContent(v interface{}) (*Content, error) {
	data, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode CBOR content: %w", err)
	}
	return NewBytesContent(ContentTypeCBOR, data), nil
}

// NewMsgpackContent marshals v as a MessagePack attachment.
func NewMsgpackContent(v interface{}) (*Content, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode msgpack content: %w", err)
	}
	return NewBytesContent(ContentTypeMsgpack, data), nil
}

// wrap returns the source limited to the declared length.
func (c *Content) wrap() *StreamWrapper {
	return NewStreamWrapper(io.LimitReader(c.source, int64(c.Length)), c.Length)
}

// Request is an outgoing request.
type Request struct {
	Verb    string
	Path    string
	Streams []*Content
}

// NewRequest creates a request without attachments.
func NewRequest(verb, path string) *Request {
	return &Request{Verb: verb, Path: path}
}

// AddStream attaches c to the request.
func (r *Request) AddStream(c *Content) *Request {
	r.Streams = append(r.Streams, c)
	return r
}

// SetBody attaches v as a JSON body.
func (r *Request) SetBody(v interface{}) error {
	c, err := NewJSONContent(v)
	if err != nil {
		return err
	}
	r.AddStream(c)
	return nil
}

// Response is an outgoing response.
type Response struct {
	StatusCode int
	Streams    []*Content
}

// NewResponse creates a response without attachments.
func NewResponse(statusCode int) *Response {
	return &Response{StatusCode: statusCode}
}

// AddStream attaches c to the response.
func (r *Response) AddStream(c *Content) *Response {
	r.Streams = append(r.Streams, c)
	return r
}

// SetBody attaches v as a JSON body.
func (r *Response) SetBody(v interface{}) error {
	c, err := NewJSONContent(v)
	if err != nil {
		return err
	}
	r.AddStream(c)
	return nil
}

// ReceiveRequest is a fully assembled incoming request. Its streams may
// still be receiving bytes.
type ReceiveRequest struct {
	Verb    string
	Path    string
	Streams []*ContentStream
}

// Close releases every attachment, cancelling those not fully received.
func (r *ReceiveRequest) Close() {
	closeAll(r.Streams)
}

// ReceiveResponse is a fully assembled incoming response.
type ReceiveResponse struct {
	StatusCode int
	Streams    []*ContentStream
}

// Close releases every attachment, cancelling those not fully received.
func (r *ReceiveResponse) Close() {
	closeAll(r.Streams)
}

// Body returns the first attachment, or nil when there is none.
func (r *ReceiveResponse) Body() *ContentStream {
	if len(r.Streams) == 0 {
		return nil
	}
	return r.Streams[0]
}

func closeAll(streams []*ContentStream) {
	for _, s := range streams {
		if s != nil {
			s.Close()
		}
	}
}
