package distributor

import "errors"

// Sentinel errors surfaced to callers of the Distributor Facade. Follows the
// teacher's repository-layer convention of plain errors.New sentinels
// checked with errors.Is, rather than a bespoke error-code type.
var (
	// ErrNoConnections is returned by Queue when the pool has no connections.
	ErrNoConnections = errors.New("distributor: no connections in pool")

	// ErrConnectionLost names the condition a completion handler sees as
	// StatusConnectionLost: a connection tore down with in-flight work, or
	// create_work was called on an already-disconnected connection. The
	// Distributor reports it through Response.Status; no method returns or
	// delivers this error value.
	ErrConnectionLost = errors.New("distributor: connection lost")

	// ErrConnectionTimeout names the condition a completion handler sees as
	// StatusConnectionTimeout, synthesized by the reaper when a call's
	// deadline elapses with no response. The Distributor reports it through
	// Response.Status; no method returns or delivers this error value.
	ErrConnectionTimeout = errors.New("distributor: connection response timeout")

	// ErrClusterIdentityMismatch is returned by CreateConnection when a
	// second connection's cluster identity disagrees with the first.
	ErrClusterIdentityMismatch = errors.New("distributor: cluster identity mismatch")

	// ErrAuthFailed is bubbled up from the reactor's authentication
	// handshake.
	ErrAuthFailed = errors.New("distributor: authentication failed")

	// ErrIOError names an I/O failure that is not more specifically
	// classified. CreateConnection does not return it: classifyAuthError
	// maps every Register failure, I/O failures included, to ErrAuthFailed.
	ErrIOError = errors.New("distributor: io error")

	// ErrUnknownHost names a host that cannot be resolved. CreateConnection
	// does not return it: classifyAuthError maps every Register failure,
	// resolution failures included, to ErrAuthFailed.
	ErrUnknownHost = errors.New("distributor: unknown host")

	// ErrShutdown names the state after Shutdown has been called. No
	// Distributor method returns it; Queue and CreateConnection do not check
	// whether Shutdown has been called.
	ErrShutdown = errors.New("distributor: shutdown")
)
