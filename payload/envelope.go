package payload

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/machinefabric/streamwire-go/wire"
)

// StreamDescription references an attachment sent as its own framed payload.
type StreamDescription struct {
	ID          uuid.UUID `json:"id"`
	PayloadType string    `json:"payloadType,omitempty"`
	Length      int       `json:"length"`
}

// RequestPayload is the JSON envelope of a request.
type RequestPayload struct {
	Verb    string              `json:"verb"`
	Path    string              `json:"path"`
	Streams []StreamDescription `json:"streams,omitempty"`
}

// ResponsePayload is the JSON envelope of a response.
type ResponsePayload struct {
	StatusCode int                 `json:"statusCode"`
	Streams    []StreamDescription `json:"streams,omitempty"`
}

const streamDescriptionSchema = `{
	"type": "object",
	"properties": {
		"id": {"type": "string", "pattern": "^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$"},
		"payloadType": {"type": "string"},
		"length": {"type": "integer", "minimum": 0}
	},
	"required": ["id", "length"]
}`

var requestEnvelopeSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"verb": {"type": "string", "minLength": 1},
		"path": {"type": "string"},
		"streams": {"type": ["array", "null"], "items": ` + streamDescriptionSchema + `}
	},
	"required": ["verb", "path"]
}`

var responseEnvelopeSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"statusCode": {"type": "integer", "minimum": 0},
		"streams": {"type": ["array", "null"], "items": ` + streamDescriptionSchema + `}
	},
	"required": ["statusCode"]
}`

var (
	schemaOnce     sync.Once
	requestSchema  *gojsonschema.Schema
	responseSchema *gojsonschema.Schema
	schemaErr      error
)

func envelopeSchemas() (*gojsonschema.Schema, *gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		requestSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(requestEnvelopeSchema))
		if schemaErr != nil {
			return
		}
		responseSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(responseEnvelopeSchema))
	})
	return requestSchema, responseSchema, schemaErr
}

// DecodeRequestPayload validates data against the request envelope schema and decodes it.
func DecodeRequestPayload(data []byte) (*RequestPayload, error) {
	reqSchema, _, err := envelopeSchemas()
	if err != nil {
		return nil, err
	}
	if err := validateEnvelope(reqSchema, "request", data); err != nil {
		return nil, err
	}
	var payload RequestPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, envelopeError("request", "", err)
	}
	return &payload, nil
}

// DecodeResponsePayload validates data against the response envelope schema and decodes it.
func DecodeResponsePayload(data []byte) (*ResponsePayload, error) {
	_, respSchema, err := envelopeSchemas()
	if err != nil {
		return nil, err
	}
	if err := validateEnvelope(respSchema, "response", data); err != nil {
		return nil, err
	}
	var payload ResponsePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, envelopeError("response", "", err)
	}
	return &payload, nil
}

func validateEnvelope(schema *gojsonschema.Schema, kind string, data []byte) error {
	if len(data) == 0 {
		return envelopeError(kind, "empty envelope", nil)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return envelopeError(kind, "invalid JSON", err)
	}
	if !result.Valid() {
		var details []string
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return envelopeError(kind, strings.Join(details, "; "), nil)
	}
	return nil
}

func envelopeError(kind, message string, err error) error {
	if message == "" {
		message = kind
	} else {
		message = kind + ": " + message
	}
	return &wire.ProtocolError{
		Type:    wire.ProtocolErrorEnvelopeParse,
		Message: message,
		Err:     err,
	}
}

func describeStreams(contents []*Content) ([]StreamDescription, error) {
	if len(contents) == 0 {
		return nil, nil
	}
	descriptions := make([]StreamDescription, 0, len(contents))
	seen := make(map[uuid.UUID]bool, len(contents))
	for _, c := range contents {
		if c == nil {
			return nil, fmt.Errorf("nil content stream")
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("content stream %s attached twice", c.ID)
		}
		seen[c.ID] = true
		descriptions = append(descriptions, StreamDescription{
			ID:          c.ID,
			PayloadType: c.Type,
			Length:      c.Length,
		})
	}
	return descriptions, nil
}
