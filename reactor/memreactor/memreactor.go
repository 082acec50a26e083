// Package memreactor is an in-memory fake of reactor.Handle used by tests
// and as executable documentation of the reactor contract. It is not a
// network implementation — the real reactor's non-blocking socket design is
// a non-goal of this module (spec.md §1).
package memreactor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/nexusdb/distributor/reactor"
)

// Reactor is a minimal fake satisfying reactor.Handle. Tests drive it by
// calling Deliver/SimulateDrain/Unregister on the Conn returned alongside
// each registration, and by presetting AuthResults/AuthErrs to control what
// Register returns.
type Reactor struct {
	mu sync.Mutex

	// AuthResults, if non-empty, is consumed one entry per Register call
	// (the last entry repeats once exhausted). If empty, Register invents a
	// cluster identity on the first call and reuses it afterward, mimicking
	// a real reactor that always authenticates against the same cluster.
	AuthResults []reactor.AuthResult
	// AuthErrs parallels AuthResults: a non-nil entry makes that Register
	// call fail instead of succeeding.
	AuthErrs []error
	// ShutdownErr, if set, is returned by Shutdown.
	ShutdownErr error

	registerCalls int
	nextConnID    int
	conns         map[int]*Conn
	shutdown      bool
}

// New creates an idle Reactor fake.
func New() *Reactor {
	return &Reactor{conns: make(map[int]*Conn)}
}

// Register implements reactor.Handle.
func (r *Reactor) Register(_ context.Context, host string, port int, _ string, _ []byte, handler reactor.InboundHandler, stopped reactor.StoppedHandler, backpressure reactor.BackpressureObserver) (reactor.Connection, reactor.AuthResult, error) {
	r.mu.Lock()
	idx := r.registerCalls
	r.registerCalls++

	if idx < len(r.AuthErrs) && r.AuthErrs[idx] != nil {
		err := r.AuthErrs[idx]
		r.mu.Unlock()
		return nil, reactor.AuthResult{}, err
	}

	var ar reactor.AuthResult
	switch {
	case idx < len(r.AuthResults):
		ar = r.AuthResults[idx]
	case len(r.AuthResults) > 0:
		ar = r.AuthResults[len(r.AuthResults)-1]
	default:
		ar = reactor.AuthResult{ClusterTimestamp: 1000, ClusterAddress: 0xAABB, BuildString: "memreactor-dev"}
	}

	id := r.nextConnID
	r.nextConnID++
	if ar.HostID == 0 {
		ar.HostID = id
	}

	c := &Conn{
		id:           id,
		hostname:     host,
		port:         port,
		handler:      handler,
		stopped:      stopped,
		backpressure: backpressure,
		rx:           r,
	}
	r.conns[id] = c
	r.mu.Unlock()

	return c, ar, nil
}

// IOStats implements reactor.Handle. Returns each registered connection's
// cumulative counters plus a GLOBAL aggregate at reactor.GlobalIOStatsID.
// interval snapshots are not modeled by this fake — every call returns
// cumulative totals — tests that exercise interval I/O deltas should assert
// against the Distributor's own statistics tables instead.
func (r *Reactor) IOStats(bool) map[int]reactor.IOStatsEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[int]reactor.IOStatsEntry, len(r.conns)+1)
	var global reactor.IOStatsEntry
	for id, c := range r.conns {
		br, mr, bw, mw := c.Counters()
		e := reactor.IOStatsEntry{Hostname: c.hostname, BytesRead: br, MessagesRead: mr, BytesWritten: bw, MessagesWritten: mw}
		out[id] = e
		global.BytesRead += br
		global.MessagesRead += mr
		global.BytesWritten += bw
		global.MessagesWritten += mw
	}
	out[reactor.GlobalIOStatsID] = global
	return out
}

// Conns returns every connection registered so far in registration order
// (Unregister does not remove one), for tests that need to address a
// specific connection by its position in the pool.
func (r *Reactor) Conns() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Conn, len(r.conns))
	for _, c := range r.conns {
		out[c.id] = c
	}
	return out
}

// Shutdown implements reactor.Handle.
func (r *Reactor) Shutdown() error {
	r.mu.Lock()
	r.shutdown = true
	r.mu.Unlock()
	return r.ShutdownErr
}

// Conn is the fake reactor.Connection handed back by Register.
type Conn struct {
	id           int
	hostname     string
	port         int
	handler      reactor.InboundHandler
	stopped      reactor.StoppedHandler
	backpressure reactor.BackpressureObserver
	rx           *Reactor

	mu   sync.Mutex
	sent [][]byte

	bytesRead, msgsRead, bytesWritten, msgsWritten int64
}

// Write implements reactor.Connection.
func (c *Conn) Write() reactor.WriteStream { return (*stream)(c) }

// Unregister implements reactor.Connection: it simulates the reactor
// completing socket teardown by invoking the StoppedHandler synchronously.
func (c *Conn) Unregister() error {
	if c.stopped != nil {
		c.stopped()
	}
	return nil
}

// Hostname implements reactor.Connection.
func (c *Conn) Hostname() string { return c.hostname }

// ConnectionID implements reactor.Connection.
func (c *Conn) ConnectionID() int { return c.id }

// Counters implements reactor.Connection.
func (c *Conn) Counters() (bytesRead, msgsRead, bytesWritten, msgsWritten int64) {
	return atomic.LoadInt64(&c.bytesRead), atomic.LoadInt64(&c.msgsRead),
		atomic.LoadInt64(&c.bytesWritten), atomic.LoadInt64(&c.msgsWritten)
}

// Deliver simulates an inbound frame arriving on this connection, as if the
// reactor had just de-framed it off the wire.
func (c *Conn) Deliver(frame []byte) {
	atomic.AddInt64(&c.bytesRead, int64(len(frame)))
	atomic.AddInt64(&c.msgsRead, 1)
	if c.handler != nil {
		c.handler(frame)
	}
}

// SimulateDrain invokes the registered BackpressureObserver, as a real
// reactor would when the socket's write queue crosses the threshold (on) or
// drains below it (off).
func (c *Conn) SimulateDrain(on bool) {
	if c.backpressure != nil {
		c.backpressure(on)
	}
}

// Sent returns a copy of every frame enqueued on this connection, for test
// assertions.
func (c *Conn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// stream adapts *Conn to reactor.WriteStream.
type stream Conn

func (s *stream) Enqueue(frame []byte) error {
	c := (*Conn)(s)
	c.mu.Lock()
	c.sent = append(c.sent, append([]byte(nil), frame...))
	c.mu.Unlock()
	atomic.AddInt64(&c.bytesWritten, int64(len(frame)))
	atomic.AddInt64(&c.msgsWritten, 1)
	return nil
}
