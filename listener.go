package distributor

// StatusListener is the callback surface delivered to embedding code. All
// methods are invoked on whichever goroutine observed the event (reactor
// delivery goroutine, reaper goroutine, or the calling goroutine for
// synchronous ConnectionLost responses) and must not block for long.
type StatusListener interface {
	// ConnectionLost fires when a connection tears down, whether from a
	// clean close, a reaper-detected heartbeat timeout, or an I/O error.
	// Remaining is the number of connections left in the pool afterward.
	ConnectionLost(hostname string, port int, remaining int, cause Status)

	// Backpressure fires with on=true when Queue finds every connection in
	// the pool reporting backpressure, and with on=false when a
	// backpressured connection's write queue is reported drained. A single
	// connection crossing its high-water mark does not fire it.
	Backpressure(on bool)

	// LateProcedureResponse fires when a response arrives for a client
	// handle that no longer has a bookkeeping entry — the reaper already
	// timed it out, or the connection already tore down.
	LateProcedureResponse(resp Response, hostname string, port int)

	// UncaughtException fires when callback panics or otherwise fails while
	// handling resp; err is never propagated back to the reactor thread.
	// callback is the exact CompletionHandler value that panicked, so a
	// listener that tags handlers (e.g. by closing over an invocation ID)
	// can identify which call site is misbehaving.
	UncaughtException(callback CompletionHandler, resp Response, err error)
}

// listenerSet is a simple copy-on-write, mutex-free-to-read slice of
// listeners. Mutation (Add/Remove) copies the slice so that a concurrent
// notification loop iterating an old snapshot never observes a torn read.
type listenerSet struct {
	listeners []StatusListener
}

func (ls *listenerSet) add(l StatusListener) {
	for _, existing := range ls.listeners {
		if existing == l {
			return
		}
	}
	next := make([]StatusListener, 0, len(ls.listeners)+1)
	next = append(next, ls.listeners...)
	next = append(next, l)
	ls.listeners = next
}

func (ls *listenerSet) remove(l StatusListener) {
	next := make([]StatusListener, 0, len(ls.listeners))
	for _, existing := range ls.listeners {
		if existing != l {
			next = append(next, existing)
		}
	}
	ls.listeners = next
}

func (ls *listenerSet) snapshot() []StatusListener {
	return ls.listeners
}
