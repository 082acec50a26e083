package distributor

import "time"

// Config holds the tunable parameters of a Distributor instance. The
// CLI-flag / env-var parsing layer that would normally populate a struct
// like this is the sample benchmark driver's job and is out of scope here —
// embedding applications build a Config directly or via DefaultConfig.
type Config struct {
	// ProcedureCallTimeout bounds how long a single invocation may remain
	// outstanding before the reaper synthesizes a CONNECTION_TIMEOUT
	// response.
	ProcedureCallTimeout time.Duration

	// ConnectionResponseTimeout bounds how long a connection may go without
	// any inbound frame before it is considered dead. A heartbeat is sent
	// at ConnectionResponseTimeout/3 of idleness; the connection is closed
	// if no frame arrives by ConnectionResponseTimeout.
	ConnectionResponseTimeout time.Duration

	// BackpressureHighWater is the queued-byte threshold above which a
	// connection reports backpressure.
	BackpressureHighWater int

	// HistogramBucketCount and HistogramBucketWidth configure the
	// fixed-width latency histograms kept per (connection, procedure).
	HistogramBucketCount int
	HistogramBucketWidth time.Duration

	// ReactorThreads is advisory sizing information for whoever builds the
	// reactor; the Distributor neither interprets it nor passes it to
	// reactor.Handle.
	ReactorThreads int
}

// DefaultConfig returns the configuration used when an embedding
// application has no specific requirements.
func DefaultConfig() Config {
	return Config{
		ProcedureCallTimeout:      2 * time.Minute,
		ConnectionResponseTimeout: 30 * time.Second,
		BackpressureHighWater:     262144,
		HistogramBucketCount:      20,
		HistogramBucketWidth:      10 * time.Millisecond,
		ReactorThreads:            1,
	}
}
