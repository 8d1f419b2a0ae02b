package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mytardis/mydata-go/internal/mytardis"
)

// Default pool sizes.
const (
	DefaultVerificationWorkers = 25
	DefaultUploadWorkers       = 5
)

// postFallbackMessage is shown (and must be acknowledged) when staging
// uploads have not been approved.
const postFallbackMessage = "Uploads to MyTardis's staging area require approval " +
	"from your MyTardis administrator.\n\n" +
	"A request has been sent, and you will be contacted once the request has " +
	"been approved. Until then, files will be uploaded using HTTP POST, one " +
	"file at a time.\n\n" +
	"HTTP POST is generally only suitable for small files (up to 100 MB each)."

// missingReplicaMessage is shown once when the server lacks the
// mydata_replica endpoint; partial uploads cannot be resumed this run.
const missingReplicaMessage = "Please ask your MyTardis administrator to " +
	"upgrade the mytardis-app-mydata app to include the " +
	"/api/v1/mydata_replica/ API endpoint."

// Options configure a pipeline run.
type Options struct {
	VerificationWorkers int
	UploadWorkers       int
	// FakeDigest, when non-empty, is a reserved digest string: records
	// carrying it skip the server verification request. Test hook.
	FakeDigest string
	// ServerURL tags connection-status events.
	ServerURL string
}

// fileKey deduplicates verification tasks per local file.
type fileKey struct {
	folderID  string
	fileIndex int
}

// Coordinator owns the queues and pools of one pipeline run: it negotiates
// the transfer mode, feeds verification tasks, awaits quiescence, and
// propagates cancellation. A Coordinator is single-use.
type Coordinator struct {
	catalog Catalog
	staging StagingTransport
	board   *Board
	logger  *slog.Logger
	opts    Options

	runID string
	mode  TransferMode

	verifications *TaskQueue[*VerificationTask]
	uploads       *TaskQueue[*UploadTask]

	events chan Event

	nVerifiers int
	nUploaders int
	pools      errgroup.Group

	// outstanding counts enqueued file tasks that have not reached a
	// terminal state. Quiescence is outstanding == 0.
	outstanding stdsync.WaitGroup

	seenMu stdsync.Mutex
	seen   map[fileKey]struct{}

	canceled     atomic.Bool
	shuttingDown atomic.Bool

	// unresumable flips when the server lacks the mydata_replica endpoint;
	// verifiers then treat unverified replicas as unresumable.
	unresumable atomic.Bool
	degradeOnce stdsync.Once

	shutdownOnce stdsync.Once
	completeOnce stdsync.Once

	connMu    stdsync.Mutex
	connState ConnectionState
	connKnown bool
}

// New creates a coordinator. The staging transport may be nil when the
// caller knows uploads will fall back to POST.
func New(catalog Catalog, transport StagingTransport, board *Board, logger *slog.Logger, opts Options) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}

	if opts.VerificationWorkers <= 0 {
		opts.VerificationWorkers = DefaultVerificationWorkers
	}

	if opts.UploadWorkers <= 0 {
		opts.UploadWorkers = DefaultUploadWorkers
	}

	return &Coordinator{
		catalog:       catalog,
		staging:       transport,
		board:         board,
		logger:        logger,
		opts:          opts,
		runID:         uuid.New().String(),
		verifications: NewTaskQueue[*VerificationTask](),
		uploads:       NewTaskQueue[*UploadTask](),
		events:        make(chan Event, eventBufferSize),
		nVerifiers:    opts.VerificationWorkers,
		nUploaders:    opts.UploadWorkers,
		seen:          make(map[fileKey]struct{}),
	}
}

// Events returns the coordinator's event channel. The caller must drain it
// for the lifetime of the run; Start blocks on it when an acknowledgment is
// required. The channel is closed after the completion event.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

// RunID returns the unique identifier of this pipeline run.
func (c *Coordinator) RunID() string {
	return c.runID
}

// Mode returns the negotiated transfer mode. Valid after Start.
func (c *Coordinator) Mode() TransferMode {
	return c.mode
}

// Canceled reports whether the run has been canceled. Readable without
// locking from any worker.
func (c *Coordinator) Canceled() bool {
	return c.canceled.Load()
}

// Start negotiates the transfer mode and spawns the worker pools. When
// staging is not approved it posts an acknowledged warning, blocks until
// the observer acks, and falls back to POST with upload concurrency 1.
func (c *Coordinator) Start(ctx context.Context) error {
	rec, err := c.catalog.StagingApproval(ctx)
	if err != nil {
		if errors.Is(err, mytardis.ErrDisconnected) {
			c.connectionEvent(Disconnected)
		}

		return fmt.Errorf("negotiating transfer mode: %w", err)
	}

	c.connectionEvent(Connected)

	if rec != nil && rec.Approved {
		c.mode = ModeStaging
		c.logger.Info("uploads to staging have been approved",
			slog.String("host", rec.Host),
			slog.String("username", rec.Username),
		)

		// The approval record names the host and username the administrator
		// actually provisioned; they take precedence over configured values.
		if t, ok := c.staging.(interface{ SetApproved(host, username string) }); ok {
			t.SetApproved(rec.Host, rec.Username)
		}
	} else {
		c.logger.Warn("uploads to staging have not been approved, falling back to POST")

		ack, acked := newAck()

		select {
		case c.events <- Event{
			Kind:     EventShowMessage,
			RunID:    c.runID,
			Title:    "MyData",
			Message:  postFallbackMessage,
			Severity: SeverityWarning,
			Ack:      ack,
		}:
		case <-ctx.Done():
			return fmt.Errorf("pipeline: awaiting fallback notice delivery: %w", ctx.Err())
		}

		select {
		case <-acked:
		case <-ctx.Done():
			return fmt.Errorf("pipeline: awaiting fallback acknowledgment: %w", ctx.Err())
		}

		c.mode = ModePost
	}

	if c.mode == ModePost && c.nUploaders > 1 {
		c.logger.Warn("POST transport is not safe for concurrent use, forcing one upload worker")
		c.nUploaders = 1
	}

	c.board.MarkStart()

	for i := 0; i < c.nVerifiers; i++ {
		v := &verifier{c: c, logger: c.logger.With(slog.Int("verifier", i+1))}
		c.pools.Go(func() error {
			v.run(ctx)

			return nil
		})
	}

	for i := 0; i < c.nUploaders; i++ {
		u := &uploader{
			c:        c,
			resolver: NewTypeResolver(),
			logger:   c.logger.With(slog.Int("uploader", i+1)),
		}
		c.pools.Go(func() error {
			u.run(ctx)

			return nil
		})
	}

	c.logger.Info("pipeline started",
		slog.String("run_id", c.runID),
		slog.String("mode", c.mode.String()),
		slog.Int("verifiers", c.nVerifiers),
		slog.Int("uploaders", c.nUploaders),
	)

	return nil
}

// Enqueue feeds one verification task per file. Files already enqueued in
// this run are skipped so a file is never in the verification queue twice;
// drag-and-drop style incremental feeds call Enqueue again with the subset.
func (c *Coordinator) Enqueue(dataset DatasetRef, files []LocalFile, testRun bool) {
	for _, f := range files {
		if c.canceled.Load() {
			return
		}

		key := fileKey{folderID: f.FolderID, fileIndex: f.FileIndex}

		c.seenMu.Lock()
		if _, dup := c.seen[key]; dup {
			c.seenMu.Unlock()

			continue
		}
		c.seen[key] = struct{}{}
		c.seenMu.Unlock()

		c.outstanding.Add(1)
		c.verifications.Put(&VerificationTask{File: f, Dataset: dataset, TestRun: testRun})
	}
}

// Wait blocks until quiescence (both queues empty and no in-flight tasks),
// then shuts down the pools and posts the aggregate completion event. If
// ctx is canceled first, the run is canceled and Wait still returns only
// after the workers have drained and exited.
func (c *Coordinator) Wait(ctx context.Context) {
	done := make(chan struct{})

	go func() {
		c.outstanding.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.cancelInternal()
		<-done
	}

	c.shutdown()
	c.postComplete()
}

// Cancel aborts the run: every non-terminal row moves to CANCELED, in-flight
// digests and transfers return at their next check, idle workers are woken
// with sentinels and joined. Cancellation is absorbing and idempotent;
// re-entrant shutdown is a no-op.
func (c *Coordinator) Cancel() {
	if !c.cancelInternal() {
		return
	}

	c.shutdown()
	c.postComplete()
}

// cancelInternal flips the canceled flags and cancels remaining rows.
// Returns false when a shutdown is already in progress.
func (c *Coordinator) cancelInternal() bool {
	if !c.shuttingDown.CompareAndSwap(false, true) {
		return false
	}

	c.canceled.Store(true)
	c.logger.Info("canceling pipeline", slog.String("run_id", c.runID))
	c.board.CancelRemaining()

	return true
}

// abort is the pipeline-fatal path (no staging storage box): surface the
// explanation, then cancel. Called from workers, so it must not join the
// pools — Wait does that.
func (c *Coordinator) abort(message string) {
	c.postEvent(Event{
		Kind:     EventShowMessage,
		RunID:    c.runID,
		Title:    "MyData",
		Message:  message,
		Severity: SeverityError,
	})

	c.cancelInternal()
}

// degradeReplicas handles the missing mydata_replica endpoint: one
// user-visible message, then unverified replicas are treated as unresumable
// for the rest of the run.
func (c *Coordinator) degradeReplicas() {
	c.unresumable.Store(true)

	c.degradeOnce.Do(func() {
		c.postEvent(Event{
			Kind:     EventShowMessage,
			RunID:    c.runID,
			Title:    "MyData",
			Message:  missingReplicaMessage,
			Severity: SeverityError,
		})
	})
}

// handOffUpload transfers task ownership from a verifier to the upload
// queue. The outstanding count is bumped before the verifier releases its
// own share, so quiescence cannot fire in between.
func (c *Coordinator) handOffUpload(task *UploadTask) {
	c.outstanding.Add(1)
	c.uploads.Put(task)
}

// taskDone releases one outstanding task share.
func (c *Coordinator) taskDone() {
	c.outstanding.Done()
}

// shutdown wakes every worker with a queue sentinel and joins the pools.
// Safe to call more than once.
func (c *Coordinator) shutdown() {
	c.shutdownOnce.Do(func() {
		for i := 0; i < c.nVerifiers; i++ {
			c.verifications.Put(nil)
		}

		for i := 0; i < c.nUploaders; i++ {
			c.uploads.Put(nil)
		}

		//nolint:errcheck // workers always return nil
		c.pools.Wait()
		c.board.MarkFinish()
	})
}

// postComplete publishes the aggregate completion event exactly once.
func (c *Coordinator) postComplete() {
	c.completeOnce.Do(func() {
		canceled := c.canceled.Load()
		failed := !canceled && c.board.FailedCount() > 0

		c.logger.Info("pipeline complete",
			slog.String("run_id", c.runID),
			slog.Int64("completed", c.board.CompletedCount()),
			slog.Int64("failed", c.board.FailedCount()),
			slog.Bool("canceled", canceled),
		)

		c.postEvent(Event{
			Kind:     EventUploadsComplete,
			RunID:    c.runID,
			Success:  !canceled && !failed,
			Failed:   failed,
			Canceled: canceled,
		})

		// The completion event is the last one by construction: the pools
		// are joined before postComplete runs.
		close(c.events)
	})
}

// connectionEvent publishes a connection-status change, deduplicating
// repeats so flapping workers don't flood observers.
func (c *Coordinator) connectionEvent(state ConnectionState) {
	c.connMu.Lock()
	if c.connKnown && c.connState == state {
		c.connMu.Unlock()

		return
	}

	c.connState = state
	c.connKnown = true
	c.connMu.Unlock()

	c.postEvent(Event{
		Kind:  EventConnectionStatus,
		RunID: c.runID,
		URL:   c.opts.ServerURL,
		State: state,
	})
}

// postEvent publishes without blocking the worker; observers that fall
// behind lose events rather than stalling a transfer.
func (c *Coordinator) postEvent(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("event channel full, dropping event",
			slog.Int("kind", int(ev.Kind)),
		)
	}
}
