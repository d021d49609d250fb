package wire

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var goldenID = uuid.MustParse("68e999ca-a651-40f4-ad8f-3aaf781862b4")

// Test payload type discriminants match the wire letters exactly
func TestPayloadTypeWireValues(t *testing.T) {
	assert.Equal(t, byte('A'), byte(PayloadTypeRequest))
	assert.Equal(t, byte('B'), byte(PayloadTypeResponse))
	assert.Equal(t, byte('S'), byte(PayloadTypeStream))
	assert.Equal(t, byte('C'), byte(PayloadTypeCancelStream))

	assert.Equal(t, "request", PayloadTypeRequest.String())
	assert.Equal(t, "cancelStream", PayloadTypeCancelStream.String())
	assert.Equal(t, "UNKNOWN(88)", PayloadType('X').String())
	assert.False(t, PayloadType('X').Valid())
}

// Golden vectors pin the byte layout; changing them breaks every peer.
func TestHeaderGoldenVectors(t *testing.T) {
	cases := []struct {
		name   string
		header Header
		hex    string
	}{
		{
			name:   "request final frame",
			header: NewHeader(goldenID, PayloadTypeRequest, 42, true),
			hex:    "01410100" + "0000002a" + "68e999caa65140f4ad8f3aaf781862b4",
		},
		{
			name:   "stream middle frame",
			header: NewHeader(goldenID, PayloadTypeStream, 65536, false),
			hex:    "01530000" + "00010000" + "68e999caa65140f4ad8f3aaf781862b4",
		},
		{
			name:   "cancel stream",
			header: NewCancelStreamHeader(goldenID),
			hex:    "01430100" + "00000000" + "68e999caa65140f4ad8f3aaf781862b4",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := Serialize(tc.header)
			require.NoError(t, err)
			require.Len(t, encoded, HeaderSize)
			assert.Equal(t, tc.hex, hex.EncodeToString(encoded))

			raw, err := hex.DecodeString(tc.hex)
			require.NoError(t, err)
			decoded, err := Deserialize(raw)
			require.NoError(t, err)
			assert.Equal(t, tc.header, decoded)
		})
	}
}

// Test deserialize(serialize(h)) == h across types, lengths and end flags
func TestHeaderRoundtrip(t *testing.T) {
	types := []PayloadType{PayloadTypeRequest, PayloadTypeResponse, PayloadTypeStream}
	lengths := []uint32{0, 1, 4096, uint32(MaxFrameHardLimit)}

	for _, pt := range types {
		for _, length := range lengths {
			for _, end := range []bool{false, true} {
				h := NewHeader(uuid.New(), pt, length, end)
				encoded, err := Serialize(h)
				require.NoError(t, err)
				decoded, err := Deserialize(encoded)
				require.NoError(t, err)
				assert.Equal(t, h, decoded)
			}
		}
	}
}

func TestSerializeIntoReusesBuffer(t *testing.T) {
	buf := make([]byte, HeaderSize)
	first := NewHeader(uuid.New(), PayloadTypeRequest, 10, false)
	second := NewHeader(uuid.New(), PayloadTypeResponse, 20, true)

	require.NoError(t, SerializeInto(first, buf))
	require.NoError(t, SerializeInto(second, buf))

	decoded, err := Deserialize(buf)
	require.NoError(t, err)
	assert.Equal(t, second, decoded)

	err = SerializeInto(first, make([]byte, HeaderSize-1))
	assert.True(t, IsMalformedHeader(err))
}

func TestDeserializeRejectsMalformed(t *testing.T) {
	valid, err := Serialize(NewHeader(goldenID, PayloadTypeStream, 8, true))
	require.NoError(t, err)

	mutate := func(f func(b []byte)) []byte {
		b := bytes.Clone(valid)
		f(b)
		return b
	}

	cases := map[string][]byte{
		"short":          valid[:HeaderSize-1],
		"empty":          nil,
		"bad version":    mutate(func(b []byte) { b[0] = 2 }),
		"unknown type":   mutate(func(b []byte) { b[1] = 'Z' }),
		"unknown flag":   mutate(func(b []byte) { b[2] = 0x03 }),
		"reserved set":   mutate(func(b []byte) { b[3] = 1 }),
		"oversize":       mutate(func(b []byte) { b[4] = 0xff }),
		"cancel payload": mutate(func(b []byte) { b[1] = 'C' }),
	}

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Deserialize(data)
			require.Error(t, err)
			assert.True(t, IsMalformedHeader(err), "expected malformed header, got %v", err)
			assert.True(t, IsFramingError(err))
		})
	}
}

func TestSerializeRejectsInvalidHeader(t *testing.T) {
	_, err := Serialize(NewHeader(goldenID, PayloadType(0), 0, true))
	assert.True(t, IsMalformedHeader(err))

	_, err = Serialize(Header{ID: goldenID, Type: PayloadTypeCancelStream, PayloadLength: 3, End: true, Version: HeaderVersion})
	assert.True(t, IsMalformedHeader(err))
}
