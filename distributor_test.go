package distributor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nexusdb/distributor/reactor"
	"github.com/nexusdb/distributor/reactor/memreactor"
	"github.com/nexusdb/distributor/wire"
)

// recordingListener captures every StatusListener callback for assertions.
type recordingListener struct {
	mu sync.Mutex

	connectionLost   []connectionLostCall
	backpressure     []bool
	lateResponses    []Response
	uncaught         []error
}

type connectionLostCall struct {
	hostname  string
	port      int
	remaining int
	cause     Status
}

func (r *recordingListener) ConnectionLost(hostname string, port int, remaining int, cause Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectionLost = append(r.connectionLost, connectionLostCall{hostname, port, remaining, cause})
}

func (r *recordingListener) Backpressure(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backpressure = append(r.backpressure, on)
}

func (r *recordingListener) LateProcedureResponse(resp Response, hostname string, port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lateResponses = append(r.lateResponses, resp)
}

func (r *recordingListener) UncaughtException(callback CompletionHandler, resp Response, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uncaught = append(r.uncaught, err)
}

func (r *recordingListener) backpressureEvents() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.backpressure))
	copy(out, r.backpressure)
	return out
}

func (r *recordingListener) connectionLostEvents() []connectionLostCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]connectionLostCall, len(r.connectionLost))
	copy(out, r.connectionLost)
	return out
}

func newTestDistributor(rx *memreactor.Reactor) *Distributor {
	cfg := DefaultConfig()
	d := New(cfg, rx, nil)
	return d
}

func mustConnect(t *testing.T, d *Distributor, rx *memreactor.Reactor, host string, port int) {
	t.Helper()
	if err := d.CreateConnection(context.Background(), host, port, "user", []byte("hashed")); err != nil {
		t.Fatalf("CreateConnection(%s:%d) = %v, want nil", host, port, err)
	}
}

func TestCreateConnection_FirstSetsClusterIdentity(t *testing.T) {
	rx := memreactor.New()
	d := newTestDistributor(rx)
	defer d.Shutdown()

	mustConnect(t, d, rx, "node-a", 21212)

	id, ok := d.GetInstanceID()
	if !ok {
		t.Fatal("GetInstanceID() ok = false, want true after first connection")
	}
	if id.Timestamp != 1000 || id.Address != 0xAABB {
		t.Errorf("GetInstanceID() = %+v, want the memreactor default identity", id)
	}
	if d.PoolSize() != 1 {
		t.Errorf("PoolSize() = %d, want 1", d.PoolSize())
	}
}

func TestCreateConnection_IdentityMismatchRejected(t *testing.T) {
	rx := memreactor.New()
	rx.AuthResults = []reactor.AuthResult{
		{ClusterTimestamp: 1000, ClusterAddress: 0xAABB, BuildString: "v1"},
		{ClusterTimestamp: 2000, ClusterAddress: 0xCCDD, BuildString: "v1"},
	}
	d := newTestDistributor(rx)
	defer d.Shutdown()

	mustConnect(t, d, rx, "node-a", 21212)

	err := d.CreateConnection(context.Background(), "node-b", 21212, "user", []byte("hashed"))
	if err != ErrClusterIdentityMismatch {
		t.Fatalf("CreateConnection() err = %v, want ErrClusterIdentityMismatch", err)
	}
	if d.PoolSize() != 1 {
		t.Errorf("PoolSize() = %d, want 1 (mismatched connection must not join the pool)", d.PoolSize())
	}
}

func TestCreateConnection_AuthFailure(t *testing.T) {
	rx := memreactor.New()
	rx.AuthErrs = []error{errAuthBoom}
	d := newTestDistributor(rx)
	defer d.Shutdown()

	err := d.CreateConnection(context.Background(), "node-a", 21212, "user", []byte("hashed"))
	if err == nil {
		t.Fatal("CreateConnection() err = nil, want non-nil")
	}
}

var errAuthBoom = &testError{"auth boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func TestQueue_NoConnectionsReturnsError(t *testing.T) {
	rx := memreactor.New()
	d := newTestDistributor(rx)
	defer d.Shutdown()

	ok, err := d.Queue(Invocation{ClientHandle: 1, Procedure: "Foo"}, func(Response) {}, false)
	if ok || err != ErrNoConnections {
		t.Fatalf("Queue() = (%v, %v), want (false, ErrNoConnections)", ok, err)
	}
}

func TestQueue_RejectsHeartbeatHandle(t *testing.T) {
	rx := memreactor.New()
	d := newTestDistributor(rx)
	defer d.Shutdown()
	mustConnect(t, d, rx, "node-a", 21212)

	_, err := d.Queue(Invocation{ClientHandle: HeartbeatHandle, Procedure: "Foo"}, func(Response) {}, false)
	if err == nil {
		t.Fatal("Queue() with HeartbeatHandle err = nil, want non-nil")
	}
}

func TestQueue_RoundRobinSpreadsAcrossConnections(t *testing.T) {
	rx := memreactor.New()
	d := newTestDistributor(rx)
	defer d.Shutdown()

	mustConnect(t, d, rx, "node-a", 21212)
	mustConnect(t, d, rx, "node-b", 21212)
	mustConnect(t, d, rx, "node-c", 21212)

	const n = 9
	for i := int64(0); i < n; i++ {
		ok, err := d.Queue(Invocation{ClientHandle: i + 1, Procedure: "Foo"}, func(Response) {}, false)
		if !ok || err != nil {
			t.Fatalf("Queue() call %d = (%v, %v), want (true, nil)", i, ok, err)
		}
	}

	total := 0
	for _, c := range rx.Conns() {
		sent := len(c.Sent())
		total += sent
		if sent != n/3 {
			t.Errorf("connection sent %d frames, want %d (even round-robin split)", sent, n/3)
		}
	}
	if total != n {
		t.Errorf("total frames sent = %d, want %d", total, n)
	}
}

func TestQueue_SkipsBackpressuredConnection(t *testing.T) {
	rx := memreactor.New()
	cfg := DefaultConfig()
	cfg.BackpressureHighWater = 1 // first write on any connection trips it
	d := New(cfg, rx, nil)
	defer d.Shutdown()

	mustConnect(t, d, rx, "node-a", 21212)
	mustConnect(t, d, rx, "node-b", 21212)

	ok, err := d.Queue(Invocation{ClientHandle: 1, Procedure: "Foo"}, func(Response) {}, false)
	if !ok || err != nil {
		t.Fatalf("first Queue() = (%v, %v), want (true, nil)", ok, err)
	}

	// The connection that took the first call is now backpressured (1-byte
	// high water, any non-empty frame trips it). The second call must land
	// on the other connection.
	d.mu.Lock()
	first := d.connections[0]
	second := d.connections[1]
	d.mu.Unlock()

	if !first.isBackpressured() {
		t.Fatal("first connection is not backpressured, want it to be after crossing a 1-byte high water mark")
	}

	ok, err = d.Queue(Invocation{ClientHandle: 2, Procedure: "Foo"}, func(Response) {}, false)
	if !ok || err != nil {
		t.Fatalf("second Queue() = (%v, %v), want (true, nil)", ok, err)
	}
	if !second.isBackpressured() {
		t.Fatal("second connection is not backpressured, want it to have taken the second call and crossed the 1-byte high water mark")
	}
}

// TestQueue_BackpressureSkipShiftsRotationPermanently reproduces the
// three-connection backpressure-skip scenario: connections A, B, C created
// in order, six calls to settle the round-robin cursor (A,B,C,A,B,C), then
// B is marked backpressured and three more calls must land A, C, A — not
// A, C, C. A cursor that always advances by a flat +1 from the pre-skip
// index would hand the third call straight back to C instead of wrapping
// to A.
func TestQueue_BackpressureSkipShiftsRotationPermanently(t *testing.T) {
	rx := memreactor.New()
	d := newTestDistributor(rx)
	defer d.Shutdown()

	mustConnect(t, d, rx, "node-a", 21212)
	mustConnect(t, d, rx, "node-b", 21212)
	mustConnect(t, d, rx, "node-c", 21212)

	conns := rx.Conns()
	a, b, c := conns[0], conns[1], conns[2]

	for i := int64(0); i < 6; i++ {
		ok, err := d.Queue(Invocation{ClientHandle: i + 1, Procedure: "Foo"}, func(Response) {}, false)
		if !ok || err != nil {
			t.Fatalf("warmup Queue() call %d = (%v, %v), want (true, nil)", i, ok, err)
		}
	}
	if len(a.Sent()) != 2 || len(b.Sent()) != 2 || len(c.Sent()) != 2 {
		t.Fatalf("after warmup sent = a:%d b:%d c:%d, want 2 each", len(a.Sent()), len(b.Sent()), len(c.Sent()))
	}

	d.mu.Lock()
	d.connections[1].mu.Lock()
	d.connections[1].backpressured = true
	d.connections[1].mu.Unlock()
	d.mu.Unlock()

	want := []*memreactor.Conn{a, c, a}
	for i, w := range want {
		before := map[*memreactor.Conn]int{a: len(a.Sent()), b: len(b.Sent()), c: len(c.Sent())}
		ok, err := d.Queue(Invocation{ClientHandle: 100 + int64(i), Procedure: "Foo"}, func(Response) {}, false)
		if !ok || err != nil {
			t.Fatalf("call %d = (%v, %v), want (true, nil)", i, ok, err)
		}
		after := map[*memreactor.Conn]int{a: len(a.Sent()), b: len(b.Sent()), c: len(c.Sent())}
		var got *memreactor.Conn
		for conn, n := range after {
			if n > before[conn] {
				got = conn
			}
		}
		if got != w {
			names := map[*memreactor.Conn]string{a: "A", b: "B", c: "C"}
			t.Fatalf("call %d landed on %s, want %s", i, names[got], names[w])
		}
	}
}

func TestQueue_AllBackpressuredFiresListener(t *testing.T) {
	rx := memreactor.New()
	cfg := DefaultConfig()
	cfg.BackpressureHighWater = 1
	d := New(cfg, rx, nil)
	defer d.Shutdown()

	l := &recordingListener{}
	d.AddListener(l)

	mustConnect(t, d, rx, "node-a", 21212)

	// First call trips backpressure on the only connection.
	if ok, err := d.Queue(Invocation{ClientHandle: 1, Procedure: "Foo"}, func(Response) {}, false); !ok || err != nil {
		t.Fatalf("first Queue() = (%v, %v), want (true, nil)", ok, err)
	}
	// Second call finds no eligible connection.
	ok, err := d.Queue(Invocation{ClientHandle: 2, Procedure: "Foo"}, func(Response) {}, false)
	if ok || err != nil {
		t.Fatalf("second Queue() = (%v, %v), want (false, nil)", ok, err)
	}

	events := l.backpressureEvents()
	if len(events) == 0 || !events[len(events)-1] {
		t.Fatalf("backpressure events = %v, want a trailing true", events)
	}
}

func TestInboundResponse_CompletesCallback(t *testing.T) {
	rx := memreactor.New()
	d := newTestDistributor(rx)
	defer d.Shutdown()
	mustConnect(t, d, rx, "node-a", 21212)

	done := make(chan Response, 1)
	ok, err := d.Queue(Invocation{ClientHandle: 42, Procedure: "Foo"}, func(r Response) { done <- r }, false)
	if !ok || err != nil {
		t.Fatalf("Queue() = (%v, %v), want (true, nil)", ok, err)
	}

	d.mu.Lock()
	c := d.connections[0]
	d.mu.Unlock()

	reactorConn := connReactorConn(t, c)
	body, err := reactorConnEncodeResponse(42, int32(StatusSuccess), 5*time.Millisecond, "")
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	reactorConn.Deliver(body)

	select {
	case r := <-done:
		if r.ClientHandle != 42 || r.Status != StatusSuccess {
			t.Errorf("callback response = %+v, want handle 42, SUCCESS", r)
		}
		if r.ClientRTT <= 0 {
			t.Errorf("ClientRTT = %v, want > 0", r.ClientRTT)
		}
	case <-time.After(time.Second):
		t.Fatal("callback was not invoked within 1s")
	}
}

func TestInboundResponse_LateResponseNotifiesListener(t *testing.T) {
	rx := memreactor.New()
	d := newTestDistributor(rx)
	defer d.Shutdown()
	l := &recordingListener{}
	d.AddListener(l)
	mustConnect(t, d, rx, "node-a", 21212)

	d.mu.Lock()
	c := d.connections[0]
	d.mu.Unlock()

	reactorConn := connReactorConn(t, c)
	body, err := reactorConnEncodeResponse(999, int32(StatusSuccess), time.Millisecond, "")
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	reactorConn.Deliver(body)

	l.mu.Lock()
	n := len(l.lateResponses)
	l.mu.Unlock()
	if n != 1 {
		t.Fatalf("lateResponses = %d, want 1", n)
	}
}

func TestHeartbeat_NoBookkeepingEntry(t *testing.T) {
	rx := memreactor.New()
	d := newTestDistributor(rx)
	defer d.Shutdown()
	mustConnect(t, d, rx, "node-a", 21212)

	d.mu.Lock()
	c := d.connections[0]
	d.mu.Unlock()

	c.sendHeartbeat()

	c.mu.Lock()
	n := len(c.bookkeeping)
	outstanding := c.heartbeatOutstanding
	c.mu.Unlock()

	if n != 0 {
		t.Errorf("bookkeeping entries after heartbeat = %d, want 0", n)
	}
	if !outstanding {
		t.Error("heartbeatOutstanding = false, want true after sendHeartbeat")
	}

	reactorConn := connReactorConn(t, c)
	body, err := reactorConnEncodeResponse(HeartbeatHandle, int32(StatusSuccess), 0, "")
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	reactorConn.Deliver(body)

	c.mu.Lock()
	outstanding = c.heartbeatOutstanding
	c.mu.Unlock()
	if outstanding {
		t.Error("heartbeatOutstanding = true after heartbeat response, want false")
	}
}

func TestReapExpired_SynthesizesConnectionTimeout(t *testing.T) {
	rx := memreactor.New()
	d := newTestDistributor(rx)
	defer d.Shutdown()
	mustConnect(t, d, rx, "node-a", 21212)

	done := make(chan Response, 1)
	ok, err := d.Queue(Invocation{ClientHandle: 7, Procedure: "Slow"}, func(r Response) { done <- r }, false)
	if !ok || err != nil {
		t.Fatalf("Queue() = (%v, %v), want (true, nil)", ok, err)
	}

	d.mu.Lock()
	c := d.connections[0]
	d.mu.Unlock()

	c.reapExpired(0) // everything outstanding is "expired" at a zero timeout

	select {
	case r := <-done:
		if r.Status != StatusConnectionTimeout {
			t.Errorf("Status = %v, want StatusConnectionTimeout", r.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("callback was not invoked within 1s")
	}
}

func TestOnStopped_CompletesPendingWithConnectionLost(t *testing.T) {
	rx := memreactor.New()
	d := newTestDistributor(rx)
	defer d.Shutdown()
	l := &recordingListener{}
	d.AddListener(l)
	mustConnect(t, d, rx, "node-a", 21212)

	done := make(chan Response, 1)
	ok, err := d.Queue(Invocation{ClientHandle: 3, Procedure: "Foo"}, func(r Response) { done <- r }, false)
	if !ok || err != nil {
		t.Fatalf("Queue() = (%v, %v), want (true, nil)", ok, err)
	}

	d.mu.Lock()
	c := d.connections[0]
	d.mu.Unlock()

	c.closeWithCause(StatusConnectionLost) // triggers Unregister -> onStopped synchronously in memreactor

	select {
	case r := <-done:
		if r.Status != StatusConnectionLost {
			t.Errorf("Status = %v, want StatusConnectionLost", r.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("callback was not invoked within 1s")
	}

	if d.PoolSize() != 0 {
		t.Errorf("PoolSize() = %d, want 0 after connection teardown", d.PoolSize())
	}
	events := l.connectionLostEvents()
	if len(events) != 1 || events[0].remaining != 0 {
		t.Fatalf("connectionLost events = %+v, want one event with remaining=0", events)
	}
}

func TestOnReactorDrain_ClearsBackpressureAndNotifies(t *testing.T) {
	rx := memreactor.New()
	cfg := DefaultConfig()
	cfg.BackpressureHighWater = 1
	d := New(cfg, rx, nil)
	defer d.Shutdown()
	l := &recordingListener{}
	d.AddListener(l)
	mustConnect(t, d, rx, "node-a", 21212)

	if ok, err := d.Queue(Invocation{ClientHandle: 1, Procedure: "Foo"}, func(Response) {}, false); !ok || err != nil {
		t.Fatalf("Queue() = (%v, %v), want (true, nil)", ok, err)
	}

	d.mu.Lock()
	c := d.connections[0]
	d.mu.Unlock()

	if !c.isBackpressured() {
		t.Fatal("connection should be backpressured before drain")
	}

	reactorConn := connReactorConn(t, c)
	reactorConn.SimulateDrain(false)

	if c.isBackpressured() {
		t.Error("connection is still backpressured after drain signal")
	}
	events := l.backpressureEvents()
	if len(events) != 1 || events[0] != false {
		t.Fatalf("backpressure events = %v, want exactly [false]", events)
	}
}

func TestDrain_WaitsForOutstandingCalls(t *testing.T) {
	rx := memreactor.New()
	d := newTestDistributor(rx)
	defer d.Shutdown()
	mustConnect(t, d, rx, "node-a", 21212)

	ok, err := d.Queue(Invocation{ClientHandle: 1, Procedure: "Foo"}, func(Response) {}, false)
	if !ok || err != nil {
		t.Fatalf("Queue() = (%v, %v), want (true, nil)", ok, err)
	}

	d.mu.Lock()
	c := d.connections[0]
	d.mu.Unlock()

	drainDone := make(chan error, 1)
	go func() {
		drainDone <- d.Drain(context.Background())
	}()

	select {
	case <-drainDone:
		t.Fatal("Drain returned before the outstanding call completed")
	case <-time.After(50 * time.Millisecond):
	}

	reactorConn := connReactorConn(t, c)
	body, err := reactorConnEncodeResponse(1, int32(StatusSuccess), time.Millisecond, "")
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	reactorConn.Deliver(body)

	select {
	case err := <-drainDone:
		if err != nil {
			t.Errorf("Drain() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Drain did not return after the call completed")
	}
}

func TestDrain_RespectsContextCancellation(t *testing.T) {
	rx := memreactor.New()
	d := newTestDistributor(rx)
	defer d.Shutdown()
	mustConnect(t, d, rx, "node-a", 21212)

	if ok, err := d.Queue(Invocation{ClientHandle: 1, Procedure: "Foo"}, func(Response) {}, false); !ok || err != nil {
		t.Fatalf("Queue() = (%v, %v), want (true, nil)", ok, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := d.Drain(ctx); err != context.DeadlineExceeded {
		t.Fatalf("Drain() = %v, want context.DeadlineExceeded", err)
	}
}

func TestShutdown_IsIdempotent(t *testing.T) {
	rx := memreactor.New()
	d := newTestDistributor(rx)
	mustConnect(t, d, rx, "node-a", 21212)

	if err := d.Shutdown(); err != nil {
		t.Fatalf("first Shutdown() = %v, want nil", err)
	}
	if err := d.Shutdown(); err != nil {
		t.Fatalf("second Shutdown() = %v, want nil", err)
	}
}

func TestGetConnectionStats_IncludesGlobalRow(t *testing.T) {
	rx := memreactor.New()
	d := newTestDistributor(rx)
	defer d.Shutdown()
	mustConnect(t, d, rx, "node-a", 21212)
	mustConnect(t, d, rx, "node-b", 21212)

	rows := d.GetConnectionStats(false)
	if len(rows) != 3 { // two connections + GLOBAL
		t.Fatalf("GetConnectionStats() returned %d rows, want 3", len(rows))
	}
	last := rows[len(rows)-1]
	if last.Hostname != "GLOBAL" || last.ConnectionID != reactor.GlobalIOStatsID {
		t.Errorf("last row = %+v, want the synthetic GLOBAL row", last)
	}
}

// connReactorConn extracts the *memreactor.Conn bound to a distributor
// connection so tests can call its Deliver/SimulateDrain helpers. This
// relies on package distributor and memreactor being whitebox-testable from
// within the distributor test binary via the reactor.Connection interface.
func connReactorConn(t *testing.T, c *Connection) *memreactor.Conn {
	t.Helper()
	mc, ok := c.reactorConn.(*memreactor.Conn)
	if !ok {
		t.Fatalf("connection's reactor.Connection is %T, want *memreactor.Conn", c.reactorConn)
	}
	return mc
}

func reactorConnEncodeResponse(handle int64, status int32, clusterRTT time.Duration, statusString string) ([]byte, error) {
	return wire.EncodeResponseBody(wire.DecodedResponse{
		ClientHandle: handle,
		Status:       status,
		ClusterRTTMs: clusterRTT.Milliseconds(),
		StatusString: statusString,
	})
}
