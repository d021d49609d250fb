package payload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/machinefabric/streamwire-go/logging"
	"github.com/machinefabric/streamwire-go/wire"
)

type outgoing struct {
	cancelled atomic.Bool
}

// SendOperations splits requests, responses and their attachments into frames.
type SendOperations struct {
	sender   *PayloadSender
	maxFrame int
	logger   *zap.Logger

	active *registry[*outgoing]
}

// NewSendOperations creates the disassemblers for sender. maxFrame bounds the
// body of each frame.
func NewSendOperations(sender *PayloadSender, maxFrame int, logger *zap.Logger) *SendOperations {
	if maxFrame <= 0 {
		maxFrame = wire.DefaultMaxFrame
	}
	return &SendOperations{
		sender:   sender,
		maxFrame: maxFrame,
		logger:   logging.OrNop(logger),
		active:   newRegistry[*outgoing](),
	}
}

// SendRequest sends the envelope of req under id, then each attachment
// under its own id. It returns once everything was written.
func (o *SendOperations) SendRequest(ctx context.Context, id uuid.UUID, req *Request) error {
	if req == nil {
		return fmt.Errorf("request is nil")
	}
	streams, err := describeStreams(req.Streams)
	if err != nil {
		return err
	}
	envelope, err := json.Marshal(RequestPayload{Verb: req.Verb, Path: req.Path, Streams: streams})
	if err != nil {
		return fmt.Errorf("failed to encode request envelope: %w", err)
	}
	return o.sendEnvelope(ctx, id, wire.PayloadTypeRequest, envelope, req.Streams)
}

// SendResponse sends the envelope of resp under id, then its attachments.
func (o *SendOperations) SendResponse(ctx context.Context, id uuid.UUID, resp *Response) error {
	if resp == nil {
		return fmt.Errorf("response is nil")
	}
	streams, err := describeStreams(resp.Streams)
	if err != nil {
		return err
	}
	envelope, err := json.Marshal(ResponsePayload{StatusCode: resp.StatusCode, Streams: streams})
	if err != nil {
		return fmt.Errorf("failed to encode response envelope: %w", err)
	}
	return o.sendEnvelope(ctx, id, wire.PayloadTypeResponse, envelope, resp.Streams)
}

// SendCancelStream tells the peer to stop sending the attachment id.
func (o *SendOperations) SendCancelStream(ctx context.Context, id uuid.UUID) error {
	return o.sender.Send(ctx, wire.NewCancelStreamHeader(id), nil)
}

// CancelOutgoing stops sending the attachment id after its current frame
// and ends it with an empty final frame. It reports whether id was being sent.
func (o *SendOperations) CancelOutgoing(id uuid.UUID) bool {
	out, ok := o.active.get(id)
	if !ok {
		return false
	}
	out.cancelled.Store(true)
	o.logger.Debug("outgoing stream cancelled by peer", zap.String("id", id.String()))
	return true
}

// sendBytes frames data under id and waits for the last frame to be written.
// Every frame is queued before ctx is consulted, so the payload reaches the
// wire whole unless the sender disconnects.
func (o *SendOperations) sendBytes(ctx context.Context, id uuid.UUID, t wire.PayloadType, data []byte) error {
	if len(data) == 0 {
		return o.sender.Send(ctx, wire.NewHeader(id, t, 0, true), nil)
	}
	for off := 0; off < len(data); off += o.maxFrame {
		end := min(off+o.maxFrame, len(data))
		h := wire.NewHeader(id, t, uint32(end-off), end == len(data))
		if end == len(data) {
			return o.sender.Send(ctx, h, data[off:end])
		}
		if err := o.sender.SendPayload(h, data[off:end], nil); err != nil {
			return err
		}
	}
	return nil
}

// sendEnvelope sends the envelope, then the attachments it names. The
// attachments are tracked before the envelope goes out so a cancel sent by
// a fast peer always finds them.
func (o *SendOperations) sendEnvelope(ctx context.Context, id uuid.UUID, t wire.PayloadType, envelope []byte, contents []*Content) error {
	outs := make([]*outgoing, 0, len(contents))
	for _, c := range contents {
		out := &outgoing{}
		if !o.active.putIfAbsent(c.ID, out) {
			o.untrack(contents[:len(outs)])
			return fmt.Errorf("content stream %s is already being sent", c.ID)
		}
		outs = append(outs, out)
	}
	defer o.untrack(contents)

	// A ctx error here means the envelope is queued in full, so every
	// attachment it names still needs its final frame.
	if err := o.sendBytes(ctx, id, t, envelope); err != nil && (len(contents) == 0 || ctx.Err() == nil) {
		return err
	}

	switch len(contents) {
	case 0:
		return nil
	case 1:
		return o.sendContent(ctx, contents[0], outs[0])
	}

	var wg sync.WaitGroup
	var once sync.Once
	var firstErr error
	for i, c := range contents {
		wg.Add(1)
		go func(c *Content, out *outgoing) {
			defer wg.Done()
			if err := o.sendContent(ctx, c, out); err != nil {
				once.Do(func() { firstErr = err })
			}
		}(c, outs[i])
	}
	wg.Wait()
	return firstErr
}

func (o *SendOperations) untrack(contents []*Content) {
	for _, c := range contents {
		o.active.remove(c.ID)
	}
}

// sendContent reads the attachment frame by frame. A source that ends before
// its declared length is an error. Once the first frame is out, the
// attachment always gets a final frame: a cancelled or failed send ends it
// early and the peer sees the shortfall.
func (o *SendOperations) sendContent(ctx context.Context, c *Content, out *outgoing) error {
	w := c.wrap()
	if w.StreamLength == 0 {
		return o.sender.Send(ctx, wire.NewHeader(c.ID, wire.PayloadTypeStream, 0, true), nil)
	}

	remaining := w.StreamLength
	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return o.abandon(c.ID, remaining, err)
		}
		if out.cancelled.Load() {
			return o.abandon(c.ID, remaining, nil)
		}
		buf := make([]byte, min(o.maxFrame, remaining))
		if _, err := io.ReadFull(w.Stream, buf); err != nil {
			return o.abandon(c.ID, remaining, fmt.Errorf("failed to read content stream %s: %w", c.ID, err))
		}
		remaining -= len(buf)
		h := wire.NewHeader(c.ID, wire.PayloadTypeStream, uint32(len(buf)), remaining == 0)
		if remaining == 0 {
			return o.sender.Send(ctx, h, buf)
		}
		if err := o.sender.SendPayload(h, buf, nil); err != nil {
			return err
		}
	}
	return nil
}

// abandon queues an empty final frame for an attachment that stops short,
// then returns cause.
func (o *SendOperations) abandon(id uuid.UUID, remaining int, cause error) error {
	o.logger.Debug("ending content stream early",
		zap.String("id", id.String()),
		zap.Int("unsent", remaining),
		zap.Error(cause))
	if err := o.sender.SendPayload(wire.NewHeader(id, wire.PayloadTypeStream, 0, true), nil, nil); err != nil && cause == nil {
		return err
	}
	return cause
}
