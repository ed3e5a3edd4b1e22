package session

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Transport is the minimal interface the manager needs from the protocol
// layer's transport objects. A transport is stateful and single-connection:
// one transport serves exactly one session for its whole life.
type Transport interface {
	// Connect establishes the underlying connection.
	Connect(ctx context.Context) error

	// Send writes one protocol message to the connected client.
	Send(ctx context.Context, message []byte) error

	// Close tears the connection down. Close is idempotent.
	Close() error

	// OnClose registers a callback fired once when the transport closes,
	// whether through Close or a client disconnect.
	OnClose(fn func())
}

// Factory constructs the transport for a newly initialized session. The
// decoded initialize params carry the client's declared capabilities.
type Factory func(ctx context.Context, sessionID string, params *mcp.InitializeParams) (Transport, error)
