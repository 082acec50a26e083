// Package reactor declares the interfaces the Distributor consumes from the
// underlying non-blocking socket reactor. The reactor's own internal design
// — event loop implementation, buffer pooling, TLS, authentication handshake
// — is explicitly out of scope for this module; only the surface the
// Distributor calls is specified here.
package reactor

import "context"

// InboundHandler receives de-framed inbound frames for one connection. It is
// the Node Connection's handle_inbound entry point.
type InboundHandler func(frame []byte)

// BackpressureObserver is notified by the reactor whenever the underlying
// socket's write queue crosses the backpressure threshold in either
// direction. on=true means backpressure engaged, on=false means drained.
type BackpressureObserver func(on bool)

// StoppedHandler is invoked by the reactor once a connection's socket has
// been fully torn down, whether initiated by Connection.Unregister or by an
// external I/O failure. It is the Node Connection's stopping() entry point
//
type StoppedHandler func()

// WriteStream is the writable side of a registered connection. Enqueue
// appends a fully framed byte block (length prefix + body, see the wire
// package) to the socket's outbound queue and never blocks.
type WriteStream interface {
	Enqueue(frame []byte) error
}

// Connection is the handle returned by Handle.Register for one socket. It
// exposes the write stream, connection identity, and byte/message counters
// the Distributor needs for statistics and backpressure accounting.
type Connection interface {
	// Write returns the writable stream for this connection.
	Write() WriteStream

	// Unregister tears the connection down in an orderly fashion — this
	// triggers the Node Connection's stopping() callback once the socket is
	// fully closed.
	Unregister() error

	// Hostname is the peer's resolved hostname, as reported by the
	// reactor's authentication handshake.
	Hostname() string

	// ConnectionID is the ID assigned to this socket by the reactor (or the
	// cluster, if the reactor surfaces a server-assigned value).
	ConnectionID() int

	// Counters reports the connection's cumulative byte/message counters:
	// bytesRead, msgsRead, bytesWritten, msgsWritten.
	Counters() (bytesRead, msgsRead, bytesWritten, msgsWritten int64)
}

// IOStatsEntry is one row of Handle.IOStats, keyed by connection ID with a
// global aggregate entry at ID -1.
type IOStatsEntry struct {
	Hostname        string
	BytesRead       int64
	MessagesRead    int64
	BytesWritten    int64
	MessagesWritten int64
}

// GlobalIOStatsID is the reserved connection ID for the aggregate row
// returned by Handle.IOStats.
const GlobalIOStatsID = -1

// Handle is the opaque interface to the I/O subsystem the Distributor
// depends on. AuthResult carries what the authentication handshake
// established: the cluster identity and server build string.
type Handle interface {
	// Register performs the authenticated handshake for one socket and
	// returns a live Connection plus the cluster identity and build string
	// the server presented during authentication. Blocks through the
	// handshake; the caller (CreateConnection) calls it without holding the
	// pool lock.
	Register(ctx context.Context, host string, port int, user string, hashedPassword []byte, handler InboundHandler, stopped StoppedHandler, backpressure BackpressureObserver) (Connection, AuthResult, error)

	// IOStats returns the per-connection and global I/O counters, keyed by
	// connection ID (GlobalIOStatsID for the aggregate row). When interval
	// is true, counters are deltas since the previous interval=true call.
	IOStats(interval bool) map[int]IOStatsEntry

	// Shutdown closes all sockets, releases pooled buffers, and joins I/O
	// threads. Safe to call once.
	Shutdown() error
}

// AuthResult is what the reactor's authentication handshake establishes for
// a newly registered connection.
type AuthResult struct {
	ClusterTimestamp int64
	ClusterAddress   uint64
	HostID           int
	BuildString      string
}
