// Package protocol ties the framing layers together: frames read from a
// transport are reassembled into requests for a RequestHandler and
// responses for callers of SendRequest.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/machinefabric/streamwire-go/payload"
	"github.com/machinefabric/streamwire-go/stream"
	"github.com/machinefabric/streamwire-go/transport"
	"github.com/machinefabric/streamwire-go/wire"
)

// Adapter is one end of a connection. It implements transport.Receiver.
type Adapter struct {
	handler RequestHandler
	settings

	sender     *payload.PayloadSender
	ops        *payload.SendOperations
	requests   *payload.RequestManager
	streams    *payload.StreamManager
	assemblers *payload.AssemblerManager

	// ctx is cancelled on disconnect and scopes handler calls.
	ctx    context.Context
	cancel context.CancelFunc

	tasks    sync.WaitGroup
	readDone chan struct{}
}

var _ transport.Receiver = (*Adapter)(nil)

// NewAdapter creates an adapter writing through ts. Incoming frames must be
// fed to its PayloadStream and OnReceive methods. A nil handler answers
// every incoming request with 404.
func NewAdapter(ts payload.TransportSender, handler RequestHandler, opts ...Option) (*Adapter, error) {
	s, err := buildSettings(opts)
	if err != nil {
		return nil, err
	}
	return newAdapter(ts, handler, s), nil
}

// Attach runs an adapter over conn. It reads frames until conn ends or
// fails, then disconnects.
func Attach(conn io.ReadWriteCloser, handler RequestHandler, opts ...Option) (*Adapter, error) {
	s, err := buildSettings(opts)
	if err != nil {
		return nil, err
	}
	pipe := transport.NewPipe(conn, s.limits, s.logger)
	a := newAdapter(pipe, handler, s)

	a.readDone = make(chan struct{})
	go func() {
		defer close(a.readDone)
		err := pipe.Run(a.ctx, a)
		if err == nil || errors.Is(err, context.Canceled) {
			err = io.EOF
		} else {
			a.logger.Error("read loop failed", zap.Error(err))
		}
		a.Disconnect(err)
	}()
	return a, nil
}

func buildSettings(opts []Option) (settings, error) {
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	if err := s.limits.Validate(); err != nil {
		return settings{}, err
	}
	return s, nil
}

func newAdapter(ts payload.TransportSender, handler RequestHandler, s settings) *Adapter {
	if handler == nil {
		handler = notFound
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		handler:  handler,
		settings: s,
		requests: payload.NewRequestManager(),
		ctx:      ctx,
		cancel:   cancel,
	}
	a.sender = payload.NewPayloadSender(ts, s.limits.MaxWrite, s.sendQueue, s.logger)
	a.ops = payload.NewSendOperations(a.sender, s.limits.MaxFrame, s.logger)
	a.streams = payload.NewStreamManager(a.onStreamClosedEarly, s.logger)
	a.assemblers = payload.NewAssemblerManager(a.streams, a.onRequest, a.onResponse, a.onPeerCancel, s.logger)
	a.sender.OnDisconnect(a.onDisconnect)
	return a
}

// PayloadStream registers interest in the payload h belongs to.
func (a *Adapter) PayloadStream(h wire.Header) *stream.Stream {
	return a.assemblers.PayloadStream(h)
}

// OnReceive hands one frame body to its assembler.
func (a *Adapter) OnReceive(h wire.Header, chunk []byte, contentLength int) {
	a.assemblers.OnReceive(h, chunk, contentLength)
}

// SendRequest sends req under a fresh id and waits for the response. The
// caller owns the response and should Close it once its streams are read.
func (a *Adapter) SendRequest(ctx context.Context, req *payload.Request) (*payload.ReceiveResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", payload.ErrRequestCancelled, err)
	}
	if a.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.requestTimeout)
		defer cancel()
	}

	id := uuid.New()
	pending, err := a.requests.Register(id)
	if err != nil {
		return nil, err
	}
	if err := a.ops.SendRequest(ctx, id, req); err != nil {
		pending.Cancel()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", payload.ErrRequestCancelled, ctx.Err())
		}
		return nil, err
	}
	return pending.Wait(ctx)
}

// Disconnect closes the connection. Pending requests fail and later sends
// fail fast.
func (a *Adapter) Disconnect(reason error) {
	a.sender.Disconnect(reason)
}

// Disconnected is closed once the connection is gone.
func (a *Adapter) Disconnected() <-chan struct{} {
	return a.sender.Done()
}

// Err returns why the connection was lost, or nil while it is up.
func (a *Adapter) Err() error {
	return a.sender.Err()
}

// Pending returns the number of requests awaiting a response.
func (a *Adapter) Pending() int {
	return a.requests.Pending()
}

// Close disconnects and waits for the read loop, request handlers and
// background sends to finish. It must not be called from a RequestHandler.
func (a *Adapter) Close() error {
	a.Disconnect(errors.New("adapter closed"))
	err := a.sender.Close()
	if a.readDone != nil {
		<-a.readDone
	}
	a.assemblers.Wait()
	a.tasks.Wait()
	return err
}

func (a *Adapter) onRequest(id uuid.UUID, req *payload.ReceiveRequest, err error) {
	if err != nil {
		a.logger.Error("failed to assemble request", zap.String("id", id.String()), zap.Error(err))
		a.reply(id, payload.NewResponse(http.StatusBadRequest))
		return
	}
	defer req.Close()

	resp, err := a.handler.ProcessRequest(a.ctx, req)
	if err != nil {
		a.logger.Error("request handler failed",
			zap.String("id", id.String()),
			zap.String("verb", req.Verb),
			zap.String("path", req.Path),
			zap.Error(err))
		resp = payload.NewResponse(http.StatusInternalServerError)
	}
	if resp == nil {
		return
	}
	a.reply(id, resp)
}

func (a *Adapter) reply(id uuid.UUID, resp *payload.Response) {
	if err := a.ops.SendResponse(a.ctx, id, resp); err != nil {
		a.logger.Warn("failed to send response",
			zap.String("id", id.String()),
			zap.Int("status", resp.StatusCode),
			zap.Error(err))
	}
}

func (a *Adapter) onResponse(id uuid.UUID, resp *payload.ReceiveResponse, err error) {
	if err != nil {
		a.logger.Error("failed to assemble response", zap.String("id", id.String()), zap.Error(err))
		a.requests.RejectResponse(id, err)
		return
	}
	if !a.requests.SignalResponse(id, resp) {
		a.logger.Debug("dropping response nobody waits for", zap.String("id", id.String()))
		resp.Close()
	}
}

// onStreamClosedEarly asks the peer to stop sending an attachment the local
// reader abandoned.
func (a *Adapter) onStreamClosedEarly(id uuid.UUID) {
	if a.ctx.Err() != nil {
		return
	}
	a.tasks.Add(1)
	go func() {
		defer a.tasks.Done()
		if err := a.ops.SendCancelStream(a.ctx, id); err != nil {
			a.logger.Warn("failed to send cancelStream", zap.String("id", id.String()), zap.Error(err))
		}
	}()
}

func (a *Adapter) onPeerCancel(id uuid.UUID) {
	a.ops.CancelOutgoing(id)
}

func (a *Adapter) onDisconnect(reason error) {
	a.logger.Warn("disconnected",
		zap.Int("pending_requests", a.requests.Pending()),
		zap.Error(reason))
	a.cancel()
	a.requests.FailAll(reason)
	a.assemblers.FailAll(reason)
}
