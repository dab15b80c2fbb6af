// Package protocol defines the boundary to the underlying messaging protocol.
// The session coordinator drives everything through these interfaces; the
// concrete implementation (pairing-code exchange, encryption, wire framing,
// fragment persistence) lives behind them and is not part of this service.
package protocol

import "context"

// State is the coarse connection state reported on the update stream.
type State string

const (
	// StateConnecting means the transport is being established.
	StateConnecting State = "connecting"
	// StateOpen means the connection is established and authenticated.
	StateOpen State = "open"
	// StateClose means the connection terminated. A close update is terminal:
	// no further updates follow and the Updates channel is closed after it.
	StateClose State = "close"
)

// Update is one event on a connection's lifecycle stream.
type Update struct {
	State State
	// Err carries the close cause for StateClose (nil for a clean close).
	Err error
	// LoggedOut is set on StateClose when the remote end explicitly revoked
	// the session, as opposed to a transport drop. Logged-out sessions must
	// not be reconnected.
	LoggedOut bool
}

// Connector opens protocol connections. Connect returns promptly with a
// handle; connection progress, including the initial dial, is reported
// asynchronously on the handle's Updates stream. The implementation persists
// credential fragments (base credentials, pre-keys, sender keys) under
// storageDir as they become available.
type Connector interface {
	Connect(ctx context.Context, identifier, storageDir string) (Conn, error)
}

// Conn is one live protocol connection, exclusively owned by a single
// session record.
type Conn interface {
	// Updates returns the connection's event stream. There must be exactly
	// one consumer; events for one connection arrive in order.
	Updates() <-chan Update

	// Registered reports whether credentials stored under the connection's
	// storage directory already authenticate the identifier. Unregistered
	// connections need a pairing-code exchange before they can open.
	Registered() bool

	// RequestPairingCode asks the remote end to start a pairing exchange
	// using the given application-defined code. It returns the code the
	// remote end will display for confirmation.
	RequestPairingCode(ctx context.Context, code string) (string, error)

	// Send delivers a text message to the session's own principal (the
	// identity that owns the connection) over the authenticated channel.
	Send(ctx context.Context, text string) error

	// Close tears the connection down. It is idempotent and safe to call
	// concurrently with the update stream.
	Close() error
}
