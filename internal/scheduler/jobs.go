package scheduler

import "github.com/jmareth/tradewind/internal/modules/drift"

// Default schedules for the platform's maintenance jobs.
const (
	// ScheduleReconcile sweeps linked-but-unresolved positions that
	// closed while the process was down.
	ScheduleReconcile = "0 */15 * * * *"
	// ScheduleDriftScan reassesses provider calibration.
	ScheduleDriftScan = "0 0 * * * *"
	// ScheduleWALCheckpoint truncates the SQLite WAL to keep the data
	// directory bounded.
	ScheduleWALCheckpoint = "0 30 * * * *"
)

// Reconciler is the auto-linker's offline sweep.
type Reconciler interface {
	ReconcileOffline(limit int) error
}

// ReconcileJob resolves positions that closed while the process was
// not running.
type ReconcileJob struct {
	Linker Reconciler
	Limit  int
}

func (j ReconcileJob) Name() string { return "reconcile_offline" }

func (j ReconcileJob) Run() error {
	limit := j.Limit
	if limit <= 0 {
		limit = 200
	}
	return j.Linker.ReconcileOffline(limit)
}

// DriftScanner runs a calibration scan; the report itself is served on
// demand, the scheduled run exists for its logging side.
type DriftScanner interface {
	Scan() (*drift.Report, error)
}

// DriftScanJob periodically reassesses provider calibration.
type DriftScanJob struct {
	Detector DriftScanner
}

func (j DriftScanJob) Name() string { return "drift_scan" }

func (j DriftScanJob) Run() error {
	_, err := j.Detector.Scan()
	return err
}

// Checkpointer forces a WAL checkpoint.
type Checkpointer interface {
	WALCheckpoint(mode string) error
}

// WALCheckpointJob keeps the write-ahead log from growing unbounded.
type WALCheckpointJob struct {
	DB Checkpointer
}

func (j WALCheckpointJob) Name() string { return "wal_checkpoint" }

func (j WALCheckpointJob) Run() error { return j.DB.WALCheckpoint("TRUNCATE") }
