package protocol

import (
	"context"
	"net/http"

	"github.com/machinefabric/streamwire-go/payload"
)

// RequestHandler processes requests sent by the peer.
//
// The request's attachments are closed when ProcessRequest returns, so they
// must be read before then. Returning a nil response sends nothing back;
// returning an error sends a 500.
type RequestHandler interface {
	ProcessRequest(ctx context.Context, req *payload.ReceiveRequest) (*payload.Response, error)
}

// RequestHandlerFunc adapts a function to RequestHandler.
type RequestHandlerFunc func(ctx context.Context, req *payload.ReceiveRequest) (*payload.Response, error)

// ProcessRequest calls f.
func (f RequestHandlerFunc) ProcessRequest(ctx context.Context, req *payload.ReceiveRequest) (*payload.Response, error) {
	return f(ctx, req)
}

// notFound answers every request with 404. It serves adapters that only
// send requests.
var notFound = RequestHandlerFunc(func(context.Context, *payload.ReceiveRequest) (*payload.Response, error) {
	return payload.NewResponse(http.StatusNotFound), nil
})
