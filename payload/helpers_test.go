package payload

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/streamwire-go/wire"
)

// recordingTransport captures every Send call. Once failAfter writes have
// happened, further writes fail.
type recordingTransport struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	writes    []int
	failAfter int
	closed    bool
}

func (r *recordingTransport) Send(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, errors.New("transport closed")
	}
	if r.failAfter > 0 && len(r.writes) >= r.failAfter {
		return 0, errors.New("broken pipe")
	}
	r.writes = append(r.writes, len(p))
	r.buf.Write(p)
	return len(p), nil
}

func (r *recordingTransport) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingTransport) bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.buf.Bytes()...)
}

func (r *recordingTransport) writeSizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.writes...)
}

type frame struct {
	header wire.Header
	body   []byte
}

// parseFrames splits a captured byte stream back into frames.
func parseFrames(t *testing.T, data []byte) []frame {
	t.Helper()
	var frames []frame
	for len(data) > 0 {
		require.GreaterOrEqual(t, len(data), wire.HeaderSize, "truncated header")
		h, err := wire.Deserialize(data[:wire.HeaderSize])
		require.NoError(t, err)
		data = data[wire.HeaderSize:]
		require.GreaterOrEqual(t, len(data), int(h.PayloadLength), "truncated body")
		frames = append(frames, frame{header: h, body: data[:h.PayloadLength]})
		data = data[h.PayloadLength:]
	}
	return frames
}

// deliver plays frames into m the way a transport read loop does.
func deliver(m *AssemblerManager, frames ...frame) {
	for _, f := range frames {
		m.PayloadStream(f.header)
		m.OnReceive(f.header, f.body, len(f.body))
	}
}

// chunked splits data into frames of the given sizes under id.
func chunked(id uuid.UUID, t wire.PayloadType, data []byte, sizes ...int) []frame {
	var frames []frame
	off := 0
	for i, n := range sizes {
		end := off + n
		last := i == len(sizes)-1
		if last {
			end = len(data)
		}
		body := data[off:end]
		frames = append(frames, frame{
			header: wire.NewHeader(id, t, uint32(len(body)), last),
			body:   body,
		})
		off = end
	}
	return frames
}
