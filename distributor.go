package distributor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nexusdb/distributor/reactor"
	"github.com/nexusdb/distributor/wire"
)

// poolLock is a structurally distinct mutex type for the Distributor's pool
// lock. Keeping it a different type from connLock means a
// reviewer (or the compiler, for anyone who mixes them up at a call site)
// can tell at a glance which lock a method is holding.
type poolLock struct{ mu sync.Mutex }

func (l *poolLock) Lock()   { l.mu.Lock() }
func (l *poolLock) Unlock() { l.mu.Unlock() }

// StatsLoader is the optional external collaborator that
// periodically polls the statistics snapshot views and persists them
// elsewhere. See internal/statsloader for the GORM-backed reference
// implementation.
type StatsLoader interface {
	Stop() error
}

// Distributor is the Facade: it owns the connection
// list and listener list, orchestrates connection creation, performs
// round-robin dispatch with backpressure awareness, and assembles
// statistics tables aggregated across connections.
//
// The zero value is not usable — create instances with New.
type Distributor struct {
	cfg    Config
	rx     reactor.Handle
	logger *zap.Logger

	mu          poolLock
	connections []*Connection
	cursor      int64

	identity    *ClusterIdentity
	buildString string

	listeners listenerSet

	reaper *reaper

	statsLoader StatsLoader

	shuttingDown bool
}

// New creates a Distributor bound to the given reactor handle. Call
// CreateConnection to add connections to the pool, then Queue to dispatch
// invocations. The Expiration Reaper starts immediately and runs at 1 Hz
// until Shutdown is called.
func New(cfg Config, rx reactor.Handle, logger *zap.Logger) *Distributor {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Distributor{
		cfg:    cfg,
		rx:     rx,
		logger: logger.Named("distributor"),
	}
	d.reaper = newReaper(d)
	d.reaper.start()
	return d
}

// AttachStatsLoader wires an optional statistics-persistence collaborator.
// Shutdown stops it alongside the reaper and the reactor.
func (d *Distributor) AttachStatsLoader(l StatsLoader) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statsLoader = l
}

// CreateConnection implements create_connection: synchronously
// performs the authentication handshake (delegated to the reactor),
// validates cluster identity (first connection sets it; later connections
// must match or the socket is closed and the call fails), constructs a
// Node Connection bound to the returned socket, and adds it to the pool.
//
// The three handlers passed to Register close over `conn`, which is nil
// until assigned a few lines below. In the ordinary case the reactor's
// handshake (Register) is synchronous and does not deliver frames, drain
// signals, or teardown notifications until after it returns. But
// Unregister below (taken on a cluster-identity mismatch) is itself one of
// those notification paths, and it runs before conn is ever assigned — so
// every closure guards against a nil conn rather than assume the ordering
// holds. See DESIGN.md.
func (d *Distributor) CreateConnection(ctx context.Context, host string, port int, user string, hashedPassword []byte) error {
	var conn *Connection

	rc, ar, err := d.rx.Register(ctx, host, port, user, hashedPassword,
		func(frame []byte) {
			if conn != nil {
				conn.handleInbound(frame)
			}
		},
		func() {
			if conn != nil {
				conn.onStopped()
			}
		},
		func(on bool) {
			if conn != nil {
				conn.onReactorDrain(on)
			}
		},
	)
	if err != nil {
		return fmt.Errorf("%w: %v", classifyAuthError(err), err)
	}

	d.mu.Lock()
	if d.identity == nil {
		d.identity = &ClusterIdentity{Timestamp: ar.ClusterTimestamp, Address: ar.ClusterAddress}
		d.buildString = ar.BuildString
	} else if d.identity.Timestamp != ar.ClusterTimestamp || d.identity.Address != ar.ClusterAddress {
		d.mu.Unlock()
		_ = rc.Unregister()
		return ErrClusterIdentityMismatch
	}

	conn = newConnection(d, host, port, ar.HostID, rc)
	d.connections = append(d.connections, conn)
	d.mu.Unlock()

	d.logger.Info("connection established",
		zap.String("hostname", host),
		zap.Int("port", port),
		zap.Int("host_id", ar.HostID),
	)
	return nil
}

func classifyAuthError(err error) error {
	// The reactor's handshake failure modes are not specified in detail
	// (non-goal); we classify by wrapping rather than inspecting err's
	// concrete type, since reactor implementations are free to return plain
	// errors.
	return ErrAuthFailed
}

// removeConnection deletes c from the pool and returns the number of
// connections remaining. Called by Connection.onStopped while holding the
// connection lock — this is the one place poolLock is taken from inside
// connLock.
func (d *Distributor) removeConnection(c *Connection) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, existing := range d.connections {
		if existing == c {
			d.connections = append(d.connections[:i], d.connections[i+1:]...)
			break
		}
	}
	return len(d.connections)
}

// Queue implements round-robin dispatch with backpressure skipping. The
// cursor advances to the slot immediately after whichever connection was
// actually dispatched to, so a backpressure skip permanently shifts the
// rotation rather than being re-walked on the next call.
func (d *Distributor) Queue(inv Invocation, callback CompletionHandler, ignoreBackpressure bool) (bool, error) {
	if inv.ClientHandle == HeartbeatHandle {
		return false, fmt.Errorf("distributor: client handle %d is reserved for heartbeats", HeartbeatHandle)
	}

	d.mu.Lock()
	n := len(d.connections)
	if n == 0 {
		d.mu.Unlock()
		return false, ErrNoConnections
	}

	idx := int(abs(d.cursor) % int64(n))

	var target *Connection
	dispatchIdx := idx
	if ignoreBackpressure {
		target = d.connections[idx]
	} else {
		// Walk at most n connections starting at idx looking for one that
		// is not backpressured.
		for i := 0; i < n; i++ {
			candidate := d.connections[(idx+i)%n]
			if !candidate.isBackpressured() {
				target = candidate
				dispatchIdx = (idx + i) % n
				break
			}
		}
	}
	// The cursor advances to the slot after the one actually dispatched to
	// (or after idx, if every connection was backpressured) — not always
	// idx+1 — so that a skip over a backpressured connection doesn't
	// revisit the connection it skipped to on the very next call.
	d.cursor = int64(dispatchIdx) + 1
	listenersSnapshot := d.listeners.snapshot()
	d.mu.Unlock()

	if target == nil {
		for _, l := range listenersSnapshot {
			l.Backpressure(true)
		}
		return false, nil
	}

	frame, err := wire.EncodeInvocation(inv.ClientHandle, inv.Procedure, inv.Args)
	if err != nil {
		return false, fmt.Errorf("distributor: encode invocation: %w", err)
	}

	target.createWork(inv.ClientHandle, inv.Procedure, frame, callback)
	return true, nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Drain blocks until every connection reports
// zero outstanding callbacks. Does not close connections.
func (d *Distributor) Drain(ctx context.Context) error {
	for {
		d.mu.Lock()
		conns := append([]*Connection(nil), d.connections...)
		d.mu.Unlock()

		allIdle := true
		for _, c := range conns {
			if c.outstandingCount() != 0 {
				allIdle = false
				break
			}
		}
		if allIdle {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Shutdown cancels the Expiration Reaper,
// stops the statistics loader if present, then shuts down the reactor.
// Safe to call once. Errors from each stage are aggregated with multierr
// rather than stopping at the first failure.
func (d *Distributor) Shutdown() error {
	d.mu.Lock()
	if d.shuttingDown {
		d.mu.Unlock()
		return nil
	}
	d.shuttingDown = true
	loader := d.statsLoader
	d.mu.Unlock()

	var err error
	d.reaper.stop()

	if loader != nil {
		err = multierr.Append(err, loader.Stop())
	}

	err = multierr.Append(err, d.rx.Shutdown())
	return err
}

// AddListener registers a StatusListener. Idempotent: adding a listener
// that is already registered has no effect, so it is still notified once.
func (d *Distributor) AddListener(l StatusListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners.add(l)
}

// RemoveListener unregisters a previously-added StatusListener.
func (d *Distributor) RemoveListener(l StatusListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners.remove(l)
}

// GetInstanceID returns the cluster identity captured at connect time.
func (d *Distributor) GetInstanceID() (ClusterIdentity, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.identity == nil {
		return ClusterIdentity{}, false
	}
	return *d.identity, true
}

// GetBuildString returns the server build string captured at connect time.
func (d *Distributor) GetBuildString() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buildString
}

// GetConnectionStats returns a table with one row per
// connection plus a synthetic GLOBAL row (ID -1) carrying the sum of
// per-connection counters plus the reactor's global I/O aggregate.
func (d *Distributor) GetConnectionStats(interval bool) []ConnectionStatsRow {
	d.mu.Lock()
	conns := append([]*Connection(nil), d.connections...)
	d.mu.Unlock()

	ioStats := d.rx.IOStats(interval)

	rows := make([]ConnectionStatsRow, 0, len(conns)+1)
	var global ConnectionStatsRow
	global.ConnectionID = reactor.GlobalIOStatsID
	global.Hostname = "GLOBAL"

	for _, c := range conns {
		row := ConnectionStatsRow{
			ConnectionID: c.hostID,
			Hostname:     c.hostname,
		}

		c.mu.Lock()
		for _, stat := range c.procStats {
			r := stat.snapshotRow(c.hostID, c.hostname, interval, &stat.connShadow)
			row.Completed += r.Completed
			row.Aborted += r.Aborted
			row.Errored += r.Errored
		}
		c.mu.Unlock()

		if io, ok := ioStats[c.hostID]; ok {
			row.BytesRead = io.BytesRead
			row.MessagesRead = io.MessagesRead
			row.BytesWritten = io.BytesWritten
			row.MessagesWritten = io.MessagesWritten
		}

		global.Completed += row.Completed
		global.Aborted += row.Aborted
		global.Errored += row.Errored

		rows = append(rows, row)
	}

	if io, ok := ioStats[reactor.GlobalIOStatsID]; ok {
		global.BytesRead += io.BytesRead
		global.MessagesRead += io.MessagesRead
		global.BytesWritten += io.BytesWritten
		global.MessagesWritten += io.MessagesWritten
	}

	rows = append(rows, global)
	return rows
}

// GetProcedureStats returns one row per (connection,
// procedure). Interval snapshots skip rows with zero invocations in the
// window.
func (d *Distributor) GetProcedureStats(interval bool) []ProcedureStatsRow {
	d.mu.Lock()
	conns := append([]*Connection(nil), d.connections...)
	d.mu.Unlock()

	var rows []ProcedureStatsRow
	for _, c := range conns {
		c.mu.Lock()
		for _, stat := range c.procStats {
			row := stat.snapshotRow(c.hostID, c.hostname, interval, &stat.procShadow)
			if interval && !row.invocationsInWindow() {
				continue
			}
			rows = append(rows, row)
		}
		c.mu.Unlock()
	}
	return rows
}

// GetLatencyHistogram returns one row per (connection,
// procedure) carrying either the client-observed or cluster-reported
// latency histogram.
func (d *Distributor) GetLatencyHistogram(clientRTT bool, interval bool) []HistogramRow {
	d.mu.Lock()
	conns := append([]*Connection(nil), d.connections...)
	d.mu.Unlock()

	var rows []HistogramRow
	for _, c := range conns {
		c.mu.Lock()
		for _, stat := range c.procStats {
			rows = append(rows, stat.histogramRows(c.hostID, c.hostname, clientRTT, interval))
		}
		c.mu.Unlock()
	}
	return rows
}

// PoolSize returns the number of connections currently in the pool.
func (d *Distributor) PoolSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.connections)
}
