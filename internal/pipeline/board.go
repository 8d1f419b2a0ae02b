package pipeline

import (
	"log/slog"
	stdsync "sync"
	"sync/atomic"
	"time"
)

// updateBufferSize is the change-record channel depth. Observers drain the
// channel concurrently; if they fall behind, updates are dropped and counted
// rather than blocking a worker mid-transfer.
const updateBufferSize = 4096

// RowKind distinguishes verification rows from upload rows on the board.
type RowKind int

const (
	KindVerification RowKind = iota
	KindUpload
)

func (k RowKind) String() string {
	if k == KindUpload {
		return "upload"
	}

	return "verification"
}

// Row is the mutable status record for one live task. Each task owns its
// row for writes; observers read snapshots through the accessors.
type Row struct {
	ID   int
	Kind RowKind
	File LocalFile

	mu            stdsync.Mutex
	status        Status
	message       string
	progress      float64
	bytesUploaded int64

	canceled atomic.Bool
}

// Status returns the row's current status.
func (r *Row) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.status
}

// Message returns the row's user-visible message.
func (r *Row) Message() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.message
}

// Progress returns the row's progress percentage (0–100).
func (r *Row) Progress() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.progress
}

// BytesUploaded returns the cumulative bytes sent for the row.
func (r *Row) BytesUploaded() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.bytesUploaded
}

// Canceled reports whether this row was individually canceled (typically by
// CancelRemaining). Workers consult it between blocking operations.
func (r *Row) Canceled() bool {
	return r.canceled.Load()
}

// Update is one change record emitted to observers.
type Update struct {
	RowID         int
	Kind          RowKind
	File          LocalFile
	Status        Status
	Message       string
	Progress      float64
	BytesUploaded int64
}

// Board holds one row per live task and publishes change records to
// observers without holding internal locks across the notification. Row ID
// allocation is serialized by a single mutex across all workers; everything
// else is per-row.
type Board struct {
	mu     stdsync.Mutex
	nextID int
	rows   []*Row

	folderMu       stdsync.Mutex
	folderUploaded map[string]int

	completedCount atomic.Int64
	failedCount    atomic.Int64
	completedSize  atomic.Int64

	updates        chan Update
	droppedUpdates atomic.Int64

	timeMu     stdsync.Mutex
	startTime  time.Time
	finishTime time.Time

	logger *slog.Logger
}

// NewBoard creates an empty board.
func NewBoard(logger *slog.Logger) *Board {
	if logger == nil {
		logger = slog.Default()
	}

	return &Board{
		folderUploaded: make(map[string]int),
		updates:        make(chan Update, updateBufferSize),
		logger:         logger,
	}
}

// NewRow allocates a row for a task. ID allocation is collision-free because
// it is serialized here.
func (b *Board) NewRow(kind RowKind, file LocalFile) *Row {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	row := &Row{
		ID:     b.nextID,
		Kind:   kind,
		File:   file,
		status: StatusPending,
	}
	b.rows = append(b.rows, row)

	return row
}

// SetStatus transitions a row, enforcing terminal monotonicity: once a row
// is COMPLETED, FAILED, CANCELED, or FOUND_VERIFIED it never changes again.
// Completion counters are updated exactly once, here.
func (b *Board) SetStatus(row *Row, status Status, message string) {
	row.mu.Lock()

	if row.status.Terminal() {
		row.mu.Unlock()

		return
	}

	row.status = status
	if message != "" {
		row.message = message
	}

	if status == StatusCompleted {
		row.progress = 100
	}

	update := b.snapshotLocked(row)
	row.mu.Unlock()

	switch status {
	case StatusCompleted:
		b.completedCount.Add(1)
		b.completedSize.Add(row.File.Size)
	case StatusFailed:
		b.failedCount.Add(1)
	}

	b.notify(update)
}

// SetMessage updates the row's user-visible message.
func (b *Board) SetMessage(row *Row, message string) {
	row.mu.Lock()
	row.message = message
	update := b.snapshotLocked(row)
	row.mu.Unlock()

	b.notify(update)
}

// SetProgress records progress for the row's current phase. Progress is
// monotonically non-decreasing within a phase; use ResetProgress at a phase
// boundary.
func (b *Board) SetProgress(row *Row, progress float64, bytesUploaded int64) {
	row.mu.Lock()

	if progress > 100 {
		progress = 100
	}

	if progress > row.progress {
		row.progress = progress
	}

	if bytesUploaded > row.bytesUploaded {
		row.bytesUploaded = bytesUploaded
	}

	update := b.snapshotLocked(row)
	row.mu.Unlock()

	b.notify(update)
}

// ResetProgress rewinds a row to 0%, marking the start of the transfer
// phase after digest computation.
func (b *Board) ResetProgress(row *Row) {
	row.mu.Lock()
	row.progress = 0
	update := b.snapshotLocked(row)
	row.mu.Unlock()

	b.notify(update)
}

// CancelRemaining moves every non-terminal row to CANCELED and flags it so
// its worker returns at the next check.
func (b *Board) CancelRemaining() {
	b.mu.Lock()
	rows := make([]*Row, len(b.rows))
	copy(rows, b.rows)
	b.mu.Unlock()

	for _, row := range rows {
		row.canceled.Store(true)
		b.SetStatus(row, StatusCanceled, "Canceled")
	}
}

// MarkFolderUploaded bumps the uploaded-or-verified count for a folder.
func (b *Board) MarkFolderUploaded(folderID string) {
	b.folderMu.Lock()
	b.folderUploaded[folderID]++
	b.folderMu.Unlock()
}

// FolderUploaded returns the uploaded-or-verified count for a folder.
func (b *Board) FolderUploaded(folderID string) int {
	b.folderMu.Lock()
	defer b.folderMu.Unlock()

	return b.folderUploaded[folderID]
}

// Updates returns the change-record channel observers drain.
func (b *Board) Updates() <-chan Update {
	return b.updates
}

// DroppedUpdates returns how many change records were discarded because no
// observer was keeping up. Status truth lives in the rows, so drops only
// affect display freshness.
func (b *Board) DroppedUpdates() int64 {
	return b.droppedUpdates.Load()
}

// CompletedCount returns the number of rows that reached COMPLETED.
func (b *Board) CompletedCount() int64 {
	return b.completedCount.Load()
}

// FailedCount returns the number of rows that reached FAILED.
func (b *Board) FailedCount() int64 {
	return b.failedCount.Load()
}

// CompletedSize returns the total bytes of completed uploads.
func (b *Board) CompletedSize() int64 {
	return b.completedSize.Load()
}

// Rows returns a snapshot of all rows.
func (b *Board) Rows() []*Row {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows := make([]*Row, len(b.rows))
	copy(rows, b.rows)

	return rows
}

// MarkStart records the beginning of a pipeline run.
func (b *Board) MarkStart() {
	b.timeMu.Lock()
	b.startTime = time.Now()
	b.finishTime = time.Time{}
	b.timeMu.Unlock()
}

// MarkFinish records the end of a pipeline run.
func (b *Board) MarkFinish() {
	b.timeMu.Lock()
	b.finishTime = time.Now()
	b.timeMu.Unlock()
}

// Elapsed returns the run duration, or the running duration if the run has
// not finished.
func (b *Board) Elapsed() time.Duration {
	b.timeMu.Lock()
	defer b.timeMu.Unlock()

	if b.startTime.IsZero() {
		return 0
	}

	if b.finishTime.IsZero() {
		return time.Since(b.startTime)
	}

	return b.finishTime.Sub(b.startTime)
}

// snapshotLocked builds an Update from a row whose mutex is held.
func (b *Board) snapshotLocked(row *Row) Update {
	return Update{
		RowID:         row.ID,
		Kind:          row.Kind,
		File:          row.File,
		Status:        row.status,
		Message:       row.message,
		Progress:      row.progress,
		BytesUploaded: row.bytesUploaded,
	}
}

// notify publishes a change record without blocking the writer.
func (b *Board) notify(update Update) {
	select {
	case b.updates <- update:
	default:
		b.droppedUpdates.Add(1)
	}
}
