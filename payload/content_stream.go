package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrNoAssembler is returned when a content stream is built without the
// assembler that receives its bytes.
var ErrNoAssembler = errors.New("content stream requires an assembler")

// ContentStream is an incoming attachment referenced by a request or
// response envelope. Its bytes may still be arriving while it is read.
type ContentStream struct {
	ID          uuid.UUID
	PayloadType string
	Length      int

	assembler *PayloadAssembler
	manager   *StreamManager
}

// NewContentStream binds id to the assembler receiving its bytes. manager
// may be nil, in which case Close only fails an incomplete stream locally.
func NewContentStream(id uuid.UUID, assembler *PayloadAssembler, manager *StreamManager) (*ContentStream, error) {
	if assembler == nil {
		return nil, ErrNoAssembler
	}
	length := assembler.ContentLength()
	if length == unknownLength {
		length = 0
	}
	return &ContentStream{
		ID:          id,
		PayloadType: assembler.ContentType(),
		Length:      length,
		assembler:   assembler,
		manager:     manager,
	}, nil
}

// Reader returns the stream the attachment bytes arrive on.
func (c *ContentStream) Reader() io.Reader {
	return c.assembler.PayloadStream()
}

// ReadAll reads the attachment to its end and releases it.
func (c *ContentStream) ReadAll() ([]byte, error) {
	defer c.Close()
	if c.Length == 0 {
		return []byte{}, nil
	}
	data, err := io.ReadAll(c.Reader())
	if err != nil {
		return nil, fmt.Errorf("failed to read content stream %s: %w", c.ID, err)
	}
	if err := c.assembler.Err(); err != nil {
		return nil, err
	}
	return data, nil
}

// ReadAsString reads the attachment as UTF-8 text.
func (c *ContentStream) ReadAsString() (string, error) {
	data, err := c.ReadAll()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ReadAsJSON reads the attachment and unmarshals it into v.
func (c *ContentStream) ReadAsJSON(v interface{}) error {
	data, err := c.ReadAll()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode JSON content %s: %w", c.ID, err)
	}
	return nil
}

// ReadAsCBOR reads the attachment and decodes it as CBOR into v.
func (c *ContentStream) ReadAsCBOR(v interface{}) error {
	data, err := c.ReadAll()
	if err != nil {
		return err
	}
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode CBOR content %s: %w", c.ID, err)
	}
	return nil
}

// ReadAsMsgpack reads the attachment and decodes it as MessagePack into v.
func (c *ContentStream) ReadAsMsgpack(v interface{}) error {
	data, err := c.ReadAll()
	if err != nil {
		return err
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode msgpack content %s: %w", c.ID, err)
	}
	return nil
}

// Decode picks a decoder from the payload type. JSON is the default.
func (c *ContentStream) Decode(v interface{}) error {
	t := strings.ToLower(c.PayloadType)
	switch {
	case strings.Contains(t, "cbor"):
		return c.ReadAsCBOR(v)
	case strings.Contains(t, "msgpack"):
		return c.ReadAsMsgpack(v)
	default:
		return c.ReadAsJSON(v)
	}
}

// Close releases the attachment. Closing before the last byte arrived
// cancels the stream and tells the sender to stop. An empty attachment has
// nothing left to stop, so its final frame is simply dropped on arrival.
func (c *ContentStream) Close() {
	if c.manager != nil {
		if c.Length == 0 {
			c.manager.release(c.ID)
		} else {
			c.manager.CloseStream(c.ID)
		}
		return
	}
	if !c.assembler.Complete() {
		c.assembler.fail(ErrStreamCancelled)
	}
}
