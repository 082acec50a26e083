package distributor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dustin/go-humanize"

	"github.com/nexusdb/distributor/reactor"
	"github.com/nexusdb/distributor/wire"
)

// connState is the Node Connection state machine: CONNECTING → CONNECTED →
// STOPPING → CLOSED. create_work is legal only in CONNECTED.
type connState int

const (
	stateConnecting connState = iota
	stateConnected
	stateStopping
	stateClosed
)

// connLock is a structurally distinct mutex type for the per-connection
// lock, so the pool lock (poolLock, in distributor.go) and the connection
// lock can never be confused by type at a call site. Ordering: connLock may
// be taken while holding poolLock (the common case); poolLock may be taken
// while holding connLock only inside stopping() — never the reverse chain.
type connLock struct{ mu sync.Mutex }

func (l *connLock) Lock()   { l.mu.Lock() }
func (l *connLock) Unlock() { l.mu.Unlock() }

// Connection is one Node Connection: a single persistent link to a cluster
// endpoint. It owns the outstanding-call bookkeeping table, heartbeat
// state, per-procedure statistics, and write-queue byte accounting.
type Connection struct {
	d      *Distributor // enclosing pool + listener list, per design note §9
	logger *zap.Logger

	hostname string
	port     int
	hostID   int

	reactorConn reactor.Connection

	mu    connLock
	state connState

	lastResponseTime     time.Time
	heartbeatOutstanding bool
	memoizedCause        Status
	causeMemoized        bool

	bookkeeping map[int64]*bookkeeping

	outstandingCallbacks int64 // atomic

	queuedBytes   int64
	backpressured bool

	procStats map[string]*procedureStat
}

func newConnection(d *Distributor, hostname string, port, hostID int, reactorConn reactor.Connection) *Connection {
	return &Connection{
		d:           d,
		logger:      d.logger.Named("connection").With(zap.String("hostname", hostname), zap.Int("port", port)),
		hostname:    hostname,
		port:        port,
		hostID:      hostID,
		reactorConn: reactorConn,
		state:       stateConnected,
		// Idle time counts from connection creation until the first inbound frame.
		lastResponseTime: time.Now(),
		bookkeeping: make(map[int64]*bookkeeping),
		procStats:   make(map[string]*procedureStat),
	}
}

// statFor returns (creating if needed) the procedureStat for name. Caller
// must hold c.mu.
func (c *Connection) statFor(name string) *procedureStat {
	s, ok := c.procStats[name]
	if !ok {
		s = newProcedureStat(name, c.d.cfg.HistogramBucketCount, c.d.cfg.HistogramBucketWidth)
		c.procStats[name] = s
	}
	return s
}

// createWork implements create_work: under the connection lock,
// if disconnected, invokes callback synchronously with ConnectionLost and
// returns. Otherwise records bookkeeping and releases the lock before
// enqueueing the frame.
func (c *Connection) createWork(handle int64, procedure string, frame []byte, callback CompletionHandler) {
	c.mu.Lock()
	if c.state != stateConnected {
		c.mu.Unlock()
		c.invokeCallback(callback, Response{
			ClientHandle: handle,
			Status:       StatusConnectionLost,
			StatusString: "connection is not connected",
		})
		return
	}

	c.bookkeeping[handle] = &bookkeeping{
		submittedAt: time.Now(),
		handler:     callback,
		procedure:   procedure,
	}
	atomic.AddInt64(&c.outstandingCallbacks, 1)
	c.mu.Unlock()

	if err := c.reactorConn.Write().Enqueue(frame); err != nil {
		c.logger.Warn("enqueue failed, treating as connection loss", zap.Error(err))
		c.closeWithCause(StatusConnectionLost)
		return
	}

	c.accountWrite(len(frame))
}

// sendHeartbeat implements send_heartbeat: enqueues a frame
// invoking @Ping under HeartbeatHandle and sets the outstanding-heartbeat
// flag. No bookkeeping entry is created — this is the deliberate asymmetry
// heartbeats are never ordinary calls.
func (c *Connection) sendHeartbeat() {
	frame, err := wire.EncodeInvocation(HeartbeatHandle, HeartbeatProcedure, nil)
	if err != nil {
		c.logger.Error("failed to encode heartbeat frame", zap.Error(err))
		return
	}

	c.mu.Lock()
	if c.state != stateConnected {
		c.mu.Unlock()
		return
	}
	c.heartbeatOutstanding = true
	c.mu.Unlock()

	if err := c.reactorConn.Write().Enqueue(frame); err != nil {
		c.logger.Warn("heartbeat enqueue failed", zap.Error(err))
		return
	}
	c.accountWrite(len(frame))
}

// accountWrite updates the queued-byte accumulator and flips the
// backpressured flag once the high-water mark is crossed
// queue_write).
func (c *Connection) accountWrite(n int) {
	highWater := int64(c.d.cfg.BackpressureHighWater)

	c.mu.Lock()
	wasOver := c.queuedBytes > highWater
	c.queuedBytes += int64(n)
	nowOver := c.queuedBytes > highWater
	if nowOver && !wasOver {
		c.backpressured = true
	}
	c.mu.Unlock()

	if nowOver && !wasOver {
		c.logger.Warn("connection crossed backpressure high-water mark",
			zap.String("queued", humanize.Bytes(uint64(c.queuedBytes))),
		)
	}
}

// isBackpressured reports the connection's current backpressure state,
// used by the Distributor's round-robin dispatch to skip it.
func (c *Connection) isBackpressured() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backpressured
}

// onReactorDrain is the BackpressureObserver callback registered with the
// reactor. It is invoked when the underlying socket's write queue has
// drained. The Distributor (pool) lock is held across the
// listener notification to close the gap between queue fullness and drain.
func (c *Connection) onReactorDrain(on bool) {
	if on {
		// Socket-level overload signal from the reactor itself; our own
		// byte accounting already governs round-robin skipping, so there is
		// nothing additional to do here beyond what accountWrite handles.
		return
	}

	c.d.mu.Lock()
	defer c.d.mu.Unlock()

	c.mu.Lock()
	wasBackpressured := c.backpressured
	c.queuedBytes = 0
	c.backpressured = false
	c.mu.Unlock()

	if wasBackpressured {
		for _, l := range c.d.listeners.snapshot() {
			l.Backpressure(false)
		}
	}
}

// handleInbound implements handle_inbound.
func (c *Connection) handleInbound(frameBody []byte) {
	decoded, err := wire.DecodeResponse(frameBody)
	if err != nil {
		c.logger.Error("failed to decode inbound frame", zap.Error(err))
		return
	}

	c.mu.Lock()
	c.lastResponseTime = time.Now()

	if decoded.ClientHandle == HeartbeatHandle {
		c.heartbeatOutstanding = false
		c.mu.Unlock()
		return
	}

	bk, ok := c.bookkeeping[decoded.ClientHandle]
	if ok {
		delete(c.bookkeeping, decoded.ClientHandle)
		atomic.AddInt64(&c.outstandingCallbacks, -1)
	}
	c.mu.Unlock()

	status := Status(decoded.Status)
	clusterRTT := time.Duration(decoded.ClusterRTTMs) * time.Millisecond

	if !ok {
		resp := Response{
			ClientHandle: decoded.ClientHandle,
			Status:       status,
			ClusterRTT:   clusterRTT,
			StatusString: decoded.StatusString,
		}
		for _, l := range c.d.listeners.snapshot() {
			l.LateProcedureResponse(resp, c.hostname, c.port)
		}
		return
	}

	clientRTT := time.Since(bk.submittedAt)

	c.mu.Lock()
	c.statFor(bk.procedure).record(status, clientRTT, clusterRTT)
	c.mu.Unlock()

	resp := Response{
		ClientHandle: decoded.ClientHandle,
		Status:       status,
		ClusterRTT:   clusterRTT,
		ClientRTT:    clientRTT,
		StatusString: decoded.StatusString,
	}
	c.invokeCallback(bk.handler, resp)
}

// closeWithCause memoizes the close cause (consulted by onStopped once the
// reactor finishes tearing the socket down) and asks the reactor to
// unregister the connection.
func (c *Connection) closeWithCause(cause Status) {
	c.mu.Lock()
	if !c.causeMemoized {
		c.memoizedCause = cause
		c.causeMemoized = true
	}
	c.state = stateStopping
	c.mu.Unlock()

	if err := c.reactorConn.Unregister(); err != nil {
		c.logger.Warn("unregister failed", zap.Error(err))
	}
}

// onStopped implements stopping(): invoked by the reactor once
// the socket is fully torn down. Removes the connection from the pool
// (taking the pool lock inside the connection lock — the only permitted
// direction), marks the connection disconnected, fires connection_lost on
// every listener (with the memoized cause, if any), and completes every
// remaining bookkeeping entry with a synthesized ConnectionLost response.
func (c *Connection) onStopped() {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateClosed

	cause := StatusConnectionLost
	if c.causeMemoized {
		cause = c.memoizedCause
	}

	type pendingCall struct {
		handle int64
		bk     *bookkeeping
	}
	pending := make([]pendingCall, 0, len(c.bookkeeping))
	for handle, bk := range c.bookkeeping {
		pending = append(pending, pendingCall{handle, bk})
	}
	c.bookkeeping = make(map[int64]*bookkeeping)
	atomic.AddInt64(&c.outstandingCallbacks, -int64(len(pending)))

	remaining := c.d.removeConnection(c) // pool lock taken inside connection lock
	c.mu.Unlock()

	for _, l := range c.d.listeners.snapshot() {
		l.ConnectionLost(c.hostname, c.port, remaining, cause)
	}

	for _, p := range pending {
		resp := Response{
			ClientHandle: p.handle,
			Status:       StatusConnectionLost,
			ClientRTT:    time.Since(p.bk.submittedAt),
			StatusString: fmt.Sprintf("connection to %s:%d lost", c.hostname, c.port),
		}
		c.invokeCallback(p.bk.handler, resp)
	}
}

// invokeCallback runs a CompletionHandler with panic recovery, routing any
// panic to UncaughtException instead of letting it escape onto the
// reactor's delivery goroutine.
func (c *Connection) invokeCallback(handler CompletionHandler, resp Response) {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%v", r)
			}
			for _, l := range c.d.listeners.snapshot() {
				l.UncaughtException(handler, resp, err)
			}
		}
	}()
	handler(resp)
}

// outstandingCount returns the number of not-yet-completed callbacks, used
// by Drain.
func (c *Connection) outstandingCount() int64 {
	return atomic.LoadInt64(&c.outstandingCallbacks)
}

// reapExpired scans bookkeeping for entries older than timeout and
// completes each with a synthesized CONNECTION_TIMEOUT response. Used by
// the Expiration Reaper. It returns nothing; each expired call is also
// recorded in its procedure's statistics.
func (c *Connection) reapExpired(timeout time.Duration) {
	now := time.Now()

	type pendingCall struct {
		handle int64
		bk     *bookkeeping
	}
	var pending []pendingCall

	c.mu.Lock()
	for handle, bk := range c.bookkeeping {
		if now.Sub(bk.submittedAt) > timeout {
			pending = append(pending, pendingCall{handle, bk})
			delete(c.bookkeeping, handle)
		}
	}
	c.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	atomic.AddInt64(&c.outstandingCallbacks, -int64(len(pending)))

	for _, p := range pending {
		elapsed := now.Sub(p.bk.submittedAt)

		c.mu.Lock()
		c.statFor(p.bk.procedure).record(StatusConnectionTimeout, elapsed, elapsed)
		c.mu.Unlock()

		resp := Response{
			ClientHandle: p.handle,
			Status:       StatusConnectionTimeout,
			ClientRTT:    elapsed,
			ClusterRTT:   elapsed,
			StatusString: fmt.Sprintf("no response within configured procedure call timeout of %s", timeout),
		}
		c.invokeCallback(p.bk.handler, resp)
	}
}

// idleFor reports how long it has been since the last inbound frame.
func (c *Connection) idleFor(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastResponseTime.IsZero() {
		return 0
	}
	return now.Sub(c.lastResponseTime)
}

func (c *Connection) isHeartbeatOutstanding() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeatOutstanding
}
