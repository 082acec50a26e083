package distributor

import "time"

// procedureStat accumulates per-(connection, procedure-name) statistics.
// All access is serialized by the owning connection's lock — no internal
// locking here. Each metric has a shadow "last interval" copy used to
// produce delta snapshots for interval=true requests.
type procedureStat struct {
	name string

	completed int64
	aborted   int64
	errored   int64

	clientSum, clientMin, clientMax   time.Duration
	clusterSum, clusterMin, clusterMax time.Duration

	clientHist  *histogram
	clusterHist *histogram

	// Two independent shadow copies, one per table view that can request an
	// interval=true snapshot: GetConnectionStats and GetProcedureStats each
	// poll this same procedureStat, and one view's delta must not consume
	// the window the other view is about to report. A shared shadow here
	// would zero out whichever view snapshots second in a single tick.
	connShadow statShadow
	procShadow statShadow

	lastClientHist, lastClusterHist []int64
}

// statShadow is the "last interval" copy of a procedureStat's counters for
// one table view.
type statShadow struct {
	lastCompleted, lastAborted, lastErrored int64
	lastClientSum, lastClusterSum           time.Duration
}

func newProcedureStat(name string, bucketCount int, bucketWidth time.Duration) *procedureStat {
	return &procedureStat{
		name:        name,
		clientHist:  newHistogram(bucketCount, bucketWidth),
		clusterHist: newHistogram(bucketCount, bucketWidth),
	}
}

// record updates the statistics for one completed invocation. status
// classifies the outcome: USER_ABORT/GRACEFUL_FAILURE are
// aborts, any other non-SUCCESS is an error, SUCCESS is neither.
func (p *procedureStat) record(status Status, clientRTT, clusterRTT time.Duration) {
	switch {
	case status.IsAbort():
		p.aborted++
	case status.IsError():
		p.errored++
	default:
		p.completed++
	}

	p.clientHist.observe(clientRTT)
	p.clusterHist.observe(clusterRTT)

	p.clientSum += clientRTT
	p.clusterSum += clusterRTT

	if p.clientMin == 0 || clientRTT < p.clientMin {
		p.clientMin = clientRTT
	}
	if clientRTT > p.clientMax {
		p.clientMax = clientRTT
	}
	if p.clusterMin == 0 || clusterRTT < p.clusterMin {
		p.clusterMin = clusterRTT
	}
	if clusterRTT > p.clusterMax {
		p.clusterMax = clusterRTT
	}
}

// ProcedureStatsRow is one row of the get_procedure_stats table (spec
// §4.1/§4.5), aggregated or per-connection depending on the caller.
type ProcedureStatsRow struct {
	ConnectionID    int
	Hostname        string
	Procedure       string
	Completed       int64
	Aborted         int64
	Errored         int64
	ClientRTTSum    time.Duration
	ClientRTTMin    time.Duration
	ClientRTTMax    time.Duration
	ClusterRTTSum   time.Duration
	ClusterRTTMin   time.Duration
	ClusterRTTMax   time.Duration
}

// HistogramRow is one row of the get_latency_histogram table.
type HistogramRow struct {
	ConnectionID int
	Hostname     string
	Procedure    string
	BucketWidth  time.Duration
	Buckets      []int64
}

// snapshotRow produces a ProcedureStatsRow against the given shadow. When
// interval is true the row reports the delta since that shadow's previous
// interval=true call and the shadow is advanced to the current values.
// Callers pass &p.connShadow or &p.procShadow depending on which table
// view they're assembling, so the two views never clobber each other's
// delta window.
func (p *procedureStat) snapshotRow(connID int, hostname string, interval bool, shadow *statShadow) ProcedureStatsRow {
	row := ProcedureStatsRow{
		ConnectionID:  connID,
		Hostname:      hostname,
		Procedure:     p.name,
		Completed:     p.completed,
		Aborted:       p.aborted,
		Errored:       p.errored,
		ClientRTTSum:  p.clientSum,
		ClientRTTMin:  p.clientMin,
		ClientRTTMax:  p.clientMax,
		ClusterRTTSum: p.clusterSum,
		ClusterRTTMin: p.clusterMin,
		ClusterRTTMax: p.clusterMax,
	}

	if interval {
		row.Completed -= shadow.lastCompleted
		row.Aborted -= shadow.lastAborted
		row.Errored -= shadow.lastErrored
		row.ClientRTTSum -= shadow.lastClientSum
		row.ClusterRTTSum -= shadow.lastClusterSum

		shadow.lastCompleted = p.completed
		shadow.lastAborted = p.aborted
		shadow.lastErrored = p.errored
		shadow.lastClientSum = p.clientSum
		shadow.lastClusterSum = p.clusterSum
	}

	return row
}

func (p *procedureStat) histogramRows(connID int, hostname string, clientRTT bool, interval bool) HistogramRow {
	var buckets []int64
	if clientRTT {
		if interval {
			buckets = p.clientHist.delta(p.lastClientHist)
			p.lastClientHist = p.clientHist.snapshot()
		} else {
			buckets = p.clientHist.snapshot()
		}
	} else {
		if interval {
			buckets = p.clusterHist.delta(p.lastClusterHist)
			p.lastClusterHist = p.clusterHist.snapshot()
		} else {
			buckets = p.clusterHist.snapshot()
		}
	}

	return HistogramRow{
		ConnectionID: connID,
		Hostname:     hostname,
		Procedure:    p.name,
		BucketWidth:  p.clientHist.width,
		Buckets:      buckets,
	}
}

// invocationsInWindow reports whether this row has any invocations — used
// to skip zero-activity rows from interval snapshots.
func (row ProcedureStatsRow) invocationsInWindow() bool {
	return row.Completed != 0 || row.Aborted != 0 || row.Errored != 0
}

// ConnectionStatsRow is one row of the get_connection_stats table. ID is -1
// for the synthetic GLOBAL row appended across all connections.
type ConnectionStatsRow struct {
	ConnectionID     int
	Hostname         string
	Completed        int64
	Aborted          int64
	Errored          int64
	BytesRead        int64
	MessagesRead     int64
	BytesWritten     int64
	MessagesWritten  int64
}
