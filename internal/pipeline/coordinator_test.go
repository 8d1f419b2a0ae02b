package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mytardis/mydata-go/internal/mytardis"
)

// fakeCatalog implements Catalog with per-call function fields. Nil fields
// fall back to permissive defaults: staging approved, nothing on the server,
// creation hands out a staging replica.
type fakeCatalog struct {
	mu stdsync.Mutex

	findFunc     func(datasetURI, directory, filename string) (*mytardis.DataFile, error)
	createFunc   func(meta mytardis.DataFileMetadata) (*mytardis.DataFile, error)
	verifyFunc   func(id int64) error
	replicaFunc  func(replicaID int64) (int64, error)
	approvalFunc func() (*mytardis.ApprovalRecord, error)
	postFunc     func(meta mytardis.DataFileMetadata, path string) error

	createCalls  []mytardis.DataFileMetadata
	verifyCalls  []int64
	replicaCalls []int64
	postCalls    []string
}

func (f *fakeCatalog) FindDataFile(_ context.Context, datasetURI, directory, filename string) (*mytardis.DataFile, error) {
	if f.findFunc != nil {
		return f.findFunc(datasetURI, directory, filename)
	}

	return nil, fmt.Errorf("%w: %s", mytardis.ErrNotFound, filename)
}

func (f *fakeCatalog) CreateDataFile(_ context.Context, meta mytardis.DataFileMetadata) (*mytardis.DataFile, error) {
	f.mu.Lock()
	f.createCalls = append(f.createCalls, meta)
	f.mu.Unlock()

	if f.createFunc != nil {
		return f.createFunc(meta)
	}

	return &mytardis.DataFile{
		ID:       100,
		Filename: meta.Filename,
		Replicas: []mytardis.Replica{{ID: 200, URI: "ds-7/" + meta.Filename}},
	}, nil
}

func (f *fakeCatalog) VerifyDataFile(_ context.Context, id int64) error {
	f.mu.Lock()
	f.verifyCalls = append(f.verifyCalls, id)
	f.mu.Unlock()

	if f.verifyFunc != nil {
		return f.verifyFunc(id)
	}

	return nil
}

func (f *fakeCatalog) ReplicaBytesUploaded(_ context.Context, replicaID int64) (int64, error) {
	f.mu.Lock()
	f.replicaCalls = append(f.replicaCalls, replicaID)
	f.mu.Unlock()

	if f.replicaFunc != nil {
		return f.replicaFunc(replicaID)
	}

	return 0, nil
}

func (f *fakeCatalog) StagingApproval(_ context.Context) (*mytardis.ApprovalRecord, error) {
	if f.approvalFunc != nil {
		return f.approvalFunc()
	}

	return &mytardis.ApprovalRecord{
		Approved: true,
		Username: "mydata",
		Host:     "staging.example.com",
	}, nil
}

func (f *fakeCatalog) PostDataFile(_ context.Context, meta mytardis.DataFileMetadata, path string,
	progress func(int64), _ func() bool,
) error {
	f.mu.Lock()
	f.postCalls = append(f.postCalls, path)
	f.mu.Unlock()

	if progress != nil {
		progress(meta.Size)
	}

	if f.postFunc != nil {
		return f.postFunc(meta, path)
	}

	return nil
}

func (f *fakeCatalog) createdMetadata() []mytardis.DataFileMetadata {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]mytardis.DataFileMetadata(nil), f.createCalls...)
}

func (f *fakeCatalog) verified() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]int64(nil), f.verifyCalls...)
}

func (f *fakeCatalog) replicaQueries() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]int64(nil), f.replicaCalls...)
}

func (f *fakeCatalog) posted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.postCalls...)
}

// fakeTransport records staging uploads.
type fakeTransport struct {
	mu stdsync.Mutex

	uploadFunc func(localPath, remoteURI string) error
	uploads    []string
}

func (f *fakeTransport) Upload(_ context.Context, localPath string, size int64, remoteURI string,
	progress func(int64), _ func() bool,
) error {
	f.mu.Lock()
	f.uploads = append(f.uploads, remoteURI)
	f.mu.Unlock()

	if progress != nil {
		progress(size)
	}

	if f.uploadFunc != nil {
		return f.uploadFunc(localPath, remoteURI)
	}

	return nil
}

func (f *fakeTransport) uploaded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.uploads...)
}

var testDataset = DatasetRef{ID: 7, URI: "/api/v1/dataset/7/"}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCoordinator(cat Catalog, tr StagingTransport, opts Options) (*Coordinator, *Board) {
	if opts.VerificationWorkers == 0 {
		opts.VerificationWorkers = 4
	}

	if opts.UploadWorkers == 0 {
		opts.UploadWorkers = 2
	}

	opts.ServerURL = "https://mytardis.example.com"

	board := NewBoard(testLogger())

	return New(cat, tr, board, testLogger(), opts), board
}

// collectEvents drains the event channel, acking notices, and returns a
// snapshot accessor. The accessor waits for the channel to close (which
// happens after the completion event) so no event is missed.
func collectEvents(coord *Coordinator) func() []Event {
	var mu stdsync.Mutex

	var events []Event

	done := make(chan struct{})

	go func() {
		defer close(done)

		for ev := range coord.Events() {
			if ev.Ack != nil {
				ev.Ack()
			}

			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		}
	}()

	return func() []Event {
		<-done

		mu.Lock()
		defer mu.Unlock()

		return append([]Event(nil), events...)
	}
}

func makeLocalFile(t *testing.T, name, content string, index int) LocalFile {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return LocalFile{
		FolderID:  "folder-1",
		FileIndex: index,
		Path:      path,
		Size:      int64(len(content)),
		CreatedAt: time.Now(),
	}
}

func rowsByKind(board *Board, kind RowKind) []*Row {
	var out []*Row

	for _, r := range board.Rows() {
		if r.Kind == kind {
			out = append(out, r)
		}
	}

	return out
}

func completionEvents(events []Event) []Event {
	var out []Event

	for _, ev := range events {
		if ev.Kind == EventUploadsComplete {
			out = append(out, ev)
		}
	}

	return out
}

func TestCoordinator_UploadsMissingFile(t *testing.T) {
	cat := &fakeCatalog{}
	tr := &fakeTransport{}
	coord, board := newTestCoordinator(cat, tr, Options{})
	events := collectEvents(coord)

	file := makeLocalFile(t, "hello.dat", "hello world", 0)

	require.NoError(t, coord.Start(context.Background()))
	assert.Equal(t, ModeStaging, coord.Mode())

	coord.Enqueue(testDataset, []LocalFile{file}, false)
	coord.Wait(context.Background())

	verifications := rowsByKind(board, KindVerification)
	require.Len(t, verifications, 1)
	assert.Equal(t, StatusNotFound, verifications[0].Status())

	uploads := rowsByKind(board, KindUpload)
	require.Len(t, uploads, 1)
	assert.Equal(t, StatusCompleted, uploads[0].Status())
	assert.Equal(t, "Upload complete!", uploads[0].Message())
	assert.InDelta(t, 100, uploads[0].Progress(), 0.001)

	assert.Equal(t, []string{"ds-7/hello.dat"}, tr.uploaded())

	created := cat.createdMetadata()
	require.Len(t, created, 1)
	assert.Equal(t, "/api/v1/dataset/7/", created[0].Dataset)
	assert.Equal(t, "hello.dat", created[0].Filename)
	// MD5 of "hello world".
	assert.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", created[0].MD5Sum)
	assert.Equal(t, int64(11), created[0].Size)

	assert.Equal(t, int64(1), board.CompletedCount())
	assert.Equal(t, int64(11), board.CompletedSize())
	assert.Equal(t, 1, board.FolderUploaded("folder-1"))

	completions := completionEvents(events())
	require.Len(t, completions, 1)
	assert.True(t, completions[0].Success)
	assert.False(t, completions[0].Failed)
	assert.False(t, completions[0].Canceled)
}

func TestCoordinator_FoundVerifiedSkipsUpload(t *testing.T) {
	cat := &fakeCatalog{
		findFunc: func(_, _, filename string) (*mytardis.DataFile, error) {
			return &mytardis.DataFile{
				ID:       42,
				Filename: filename,
				Replicas: []mytardis.Replica{{ID: 9, URI: "ds-7/" + filename, Verified: true}},
			}, nil
		},
	}
	tr := &fakeTransport{}
	coord, board := newTestCoordinator(cat, tr, Options{})
	collectEvents(coord)

	file := makeLocalFile(t, "done.dat", "already there", 0)

	require.NoError(t, coord.Start(context.Background()))
	coord.Enqueue(testDataset, []LocalFile{file}, false)
	coord.Wait(context.Background())

	rows := board.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, StatusFoundVerified, rows[0].Status())

	assert.Empty(t, tr.uploaded())
	assert.Empty(t, cat.verified())
	assert.Equal(t, 1, board.FolderUploaded("folder-1"))
}

func TestCoordinator_FullSizeOnStagingRequestsVerify(t *testing.T) {
	content := "all bytes present"

	cat := &fakeCatalog{
		findFunc: func(_, _, filename string) (*mytardis.DataFile, error) {
			return &mytardis.DataFile{
				ID:       42,
				Filename: filename,
				Size:     int64(len(content)),
				Replicas: []mytardis.Replica{{ID: 9, URI: "ds-7/" + filename}},
			}, nil
		},
		replicaFunc: func(int64) (int64, error) {
			return int64(len(content)), nil
		},
	}
	tr := &fakeTransport{}
	coord, board := newTestCoordinator(cat, tr, Options{})
	collectEvents(coord)

	file := makeLocalFile(t, "staged.dat", content, 0)

	require.NoError(t, coord.Start(context.Background()))
	coord.Enqueue(testDataset, []LocalFile{file}, false)
	coord.Wait(context.Background())

	rows := board.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, StatusFoundUnverifiedFullSize, rows[0].Status())

	assert.Equal(t, []int64{9}, cat.replicaQueries())
	assert.Equal(t, []int64{42}, cat.verified())
	assert.Empty(t, tr.uploaded())
	assert.Equal(t, 1, board.FolderUploaded("folder-1"))
}

func TestCoordinator_PartialUploadResumes(t *testing.T) {
	content := "partially uploaded content"

	cat := &fakeCatalog{
		findFunc: func(_, _, filename string) (*mytardis.DataFile, error) {
			return &mytardis.DataFile{
				ID:       42,
				Filename: filename,
				Size:     int64(len(content)),
				Replicas: []mytardis.Replica{{ID: 9, URI: "ds-7/existing.dat"}},
			}, nil
		},
		replicaFunc: func(int64) (int64, error) {
			return int64(len(content)) / 2, nil
		},
	}
	tr := &fakeTransport{}
	coord, board := newTestCoordinator(cat, tr, Options{})
	collectEvents(coord)

	file := makeLocalFile(t, "partial.dat", content, 0)

	require.NoError(t, coord.Start(context.Background()))
	coord.Enqueue(testDataset, []LocalFile{file}, false)
	coord.Wait(context.Background())

	verifications := rowsByKind(board, KindVerification)
	require.Len(t, verifications, 1)
	assert.Equal(t, StatusFoundUnverifiedPartial, verifications[0].Status())

	uploads := rowsByKind(board, KindUpload)
	require.Len(t, uploads, 1)
	assert.Equal(t, StatusCompleted, uploads[0].Status())

	// Resume writes under the existing replica URI, without creating a
	// second record.
	assert.Equal(t, []string{"ds-7/existing.dat"}, tr.uploaded())
	assert.Empty(t, cat.createdMetadata())
}

func TestCoordinator_StagedRecordSmallerThanLocalFileVerifies(t *testing.T) {
	// The local file grew after the record was created. The staged copy is
	// complete relative to the record's size, so the run must request
	// verification rather than re-upload the larger local file.
	cat := &fakeCatalog{
		findFunc: func(_, _, filename string) (*mytardis.DataFile, error) {
			return &mytardis.DataFile{
				ID:       42,
				Filename: filename,
				Size:     10,
				Replicas: []mytardis.Replica{{ID: 9, URI: "ds-7/" + filename}},
			}, nil
		},
		replicaFunc: func(int64) (int64, error) {
			return 10, nil
		},
	}
	tr := &fakeTransport{}
	coord, board := newTestCoordinator(cat, tr, Options{})
	collectEvents(coord)

	file := makeLocalFile(t, "stale.dat", "twenty bytes of data", 0)
	require.Equal(t, int64(20), file.Size)

	require.NoError(t, coord.Start(context.Background()))
	coord.Enqueue(testDataset, []LocalFile{file}, false)
	coord.Wait(context.Background())

	rows := board.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, StatusFoundUnverifiedFullSize, rows[0].Status())

	assert.Equal(t, []int64{42}, cat.verified())
	assert.Empty(t, tr.uploaded())
	assert.Empty(t, cat.createdMetadata())
}

func TestCoordinator_MultipleRecordsFailsButCounts(t *testing.T) {
	cat := &fakeCatalog{
		findFunc: func(_, _, filename string) (*mytardis.DataFile, error) {
			return nil, fmt.Errorf("%w: 2 records for %s", mytardis.ErrMultipleObjects, filename)
		},
	}
	tr := &fakeTransport{}
	coord, board := newTestCoordinator(cat, tr, Options{})
	events := collectEvents(coord)

	file := makeLocalFile(t, "dup.dat", "duplicated", 0)

	require.NoError(t, coord.Start(context.Background()))
	coord.Enqueue(testDataset, []LocalFile{file}, false)
	coord.Wait(context.Background())

	rows := board.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, StatusFailed, rows[0].Status())

	// Failed, but counted so later passes stop retrying the file.
	assert.Equal(t, 1, board.FolderUploaded("folder-1"))
	assert.Empty(t, tr.uploaded())

	completions := completionEvents(events())
	require.Len(t, completions, 1)
	assert.True(t, completions[0].Failed)
	assert.False(t, completions[0].Success)
}

func TestCoordinator_MissingReplicaEndpointDegradesOnce(t *testing.T) {
	cat := &fakeCatalog{
		findFunc: func(_, _, filename string) (*mytardis.DataFile, error) {
			return &mytardis.DataFile{
				ID:       42,
				Filename: filename,
				Replicas: []mytardis.Replica{{ID: 9, URI: "ds-7/" + filename}},
			}, nil
		},
		replicaFunc: func(int64) (int64, error) {
			return 0, mytardis.ErrMissingReplicaEndpoint
		},
	}
	tr := &fakeTransport{}
	coord, board := newTestCoordinator(cat, tr, Options{VerificationWorkers: 1, UploadWorkers: 1})
	events := collectEvents(coord)

	first := makeLocalFile(t, "one.dat", "one", 0)
	second := makeLocalFile(t, "two.dat", "two", 1)

	require.NoError(t, coord.Start(context.Background()))
	coord.Enqueue(testDataset, []LocalFile{first, second}, false)
	coord.Wait(context.Background())

	// Only the first file hits the endpoint; the degraded flag short-circuits
	// the second.
	assert.Len(t, cat.replicaQueries(), 1)

	for _, row := range board.Rows() {
		assert.Equal(t, StatusFoundUnverifiedNoReplica, row.Status())
	}

	assert.ElementsMatch(t, []int64{42, 42}, cat.verified())

	var notices int

	for _, ev := range events() {
		if ev.Kind == EventShowMessage {
			notices++
			assert.Equal(t, SeverityError, ev.Severity)
			assert.Contains(t, ev.Message, "mydata_replica")
		}
	}

	assert.Equal(t, 1, notices)
}

func TestCoordinator_PostFallback(t *testing.T) {
	cat := &fakeCatalog{
		approvalFunc: func() (*mytardis.ApprovalRecord, error) {
			return nil, nil
		},
	}
	tr := &fakeTransport{}
	coord, board := newTestCoordinator(cat, tr, Options{UploadWorkers: 4})
	events := collectEvents(coord)

	file := makeLocalFile(t, "posted.dat", "post body", 0)

	require.NoError(t, coord.Start(context.Background()))
	assert.Equal(t, ModePost, coord.Mode())
	assert.Equal(t, 1, coord.nUploaders)

	coord.Enqueue(testDataset, []LocalFile{file}, false)
	coord.Wait(context.Background())

	uploads := rowsByKind(board, KindUpload)
	require.Len(t, uploads, 1)
	assert.Equal(t, StatusCompleted, uploads[0].Status())

	require.Len(t, cat.posted(), 1)
	assert.Empty(t, tr.uploaded())
	assert.Empty(t, cat.createdMetadata())

	var sawWarning bool

	for _, ev := range events() {
		if ev.Kind == EventShowMessage && ev.Severity == SeverityWarning {
			sawWarning = true
			assert.Contains(t, ev.Message, "HTTP POST")
		}
	}

	assert.True(t, sawWarning, "expected an acknowledged fallback warning")
}

func TestCoordinator_PostModeUnverifiedRecordVerifies(t *testing.T) {
	cat := &fakeCatalog{
		approvalFunc: func() (*mytardis.ApprovalRecord, error) {
			return &mytardis.ApprovalRecord{Approved: false}, nil
		},
		findFunc: func(_, _, filename string) (*mytardis.DataFile, error) {
			return &mytardis.DataFile{ID: 42, Filename: filename}, nil
		},
	}
	tr := &fakeTransport{}
	coord, board := newTestCoordinator(cat, tr, Options{})
	collectEvents(coord)

	file := makeLocalFile(t, "there.dat", "server has it", 0)

	require.NoError(t, coord.Start(context.Background()))
	coord.Enqueue(testDataset, []LocalFile{file}, false)
	coord.Wait(context.Background())

	rows := board.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, StatusFoundUnverifiedFullSize, rows[0].Status())

	assert.Equal(t, []int64{42}, cat.verified())
	assert.Empty(t, cat.posted())
}

func TestCoordinator_MissingStagingStorageAborts(t *testing.T) {
	cat := &fakeCatalog{
		createFunc: func(mytardis.DataFileMetadata) (*mytardis.DataFile, error) {
			return nil, fmt.Errorf("%w: ask your administrator", mytardis.ErrMissingStagingStorage)
		},
	}
	tr := &fakeTransport{}
	coord, board := newTestCoordinator(cat, tr, Options{VerificationWorkers: 1, UploadWorkers: 1})
	events := collectEvents(coord)

	first := makeLocalFile(t, "one.dat", "one", 0)
	second := makeLocalFile(t, "two.dat", "two", 1)

	require.NoError(t, coord.Start(context.Background()))
	coord.Enqueue(testDataset, []LocalFile{first, second}, false)
	coord.Wait(context.Background())

	uploads := rowsByKind(board, KindUpload)
	require.Len(t, uploads, 2)

	var failed, canceled int

	for _, row := range uploads {
		switch row.Status() {
		case StatusFailed:
			failed++
			assert.Contains(t, row.Message(), "staging storage box")
		case StatusCanceled:
			canceled++
		}
	}

	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, canceled)

	var sawError bool

	for _, ev := range events() {
		if ev.Kind == EventShowMessage && ev.Severity == SeverityError {
			sawError = true
		}
	}

	assert.True(t, sawError, "expected a fatal notice")

	completions := completionEvents(events())
	require.Len(t, completions, 1)
	assert.True(t, completions[0].Canceled)

	assert.Empty(t, tr.uploaded())
}

func TestCoordinator_CancelAbsorbsQueuedWork(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{})

	var once stdsync.Once

	cat := &fakeCatalog{
		findFunc: func(_, _, filename string) (*mytardis.DataFile, error) {
			once.Do(func() { close(entered) })
			<-gate

			return nil, fmt.Errorf("%w: %s", mytardis.ErrNotFound, filename)
		},
	}
	tr := &fakeTransport{}
	coord, board := newTestCoordinator(cat, tr, Options{VerificationWorkers: 1, UploadWorkers: 1})
	events := collectEvents(coord)

	files := []LocalFile{
		makeLocalFile(t, "a.dat", "aaa", 0),
		makeLocalFile(t, "b.dat", "bbb", 1),
		makeLocalFile(t, "c.dat", "ccc", 2),
	}

	require.NoError(t, coord.Start(context.Background()))
	coord.Enqueue(testDataset, files, false)

	<-entered

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(gate)
	}()

	coord.Cancel()
	coord.Wait(context.Background())

	rows := board.Rows()
	require.Len(t, rows, 3)

	for _, row := range rows {
		assert.Equal(t, StatusCanceled, row.Status())
		assert.Equal(t, "Canceled", row.Message())
	}

	assert.Empty(t, tr.uploaded())
	assert.Zero(t, board.CompletedCount())

	completions := completionEvents(events())
	require.Len(t, completions, 1)
	assert.True(t, completions[0].Canceled)

	// Cancel after shutdown is a no-op.
	coord.Cancel()
}

func TestCoordinator_DuplicateEnqueueIgnored(t *testing.T) {
	cat := &fakeCatalog{}
	tr := &fakeTransport{}
	coord, board := newTestCoordinator(cat, tr, Options{})
	collectEvents(coord)

	file := makeLocalFile(t, "once.dat", "only once", 0)

	require.NoError(t, coord.Start(context.Background()))
	coord.Enqueue(testDataset, []LocalFile{file}, false)
	coord.Enqueue(testDataset, []LocalFile{file}, false)
	coord.Wait(context.Background())

	assert.Len(t, rowsByKind(board, KindVerification), 1)
	assert.Len(t, tr.uploaded(), 1)
}

func TestCoordinator_TestRunHasNoSideEffects(t *testing.T) {
	content := "staged content"

	cat := &fakeCatalog{
		findFunc: func(_, _, filename string) (*mytardis.DataFile, error) {
			if filename == "missing.dat" {
				return nil, fmt.Errorf("%w: %s", mytardis.ErrNotFound, filename)
			}

			return &mytardis.DataFile{
				ID:       42,
				Filename: filename,
				Size:     int64(len(content)),
				Replicas: []mytardis.Replica{{ID: 9, URI: "ds-7/" + filename}},
			}, nil
		},
		replicaFunc: func(int64) (int64, error) {
			return int64(len(content)), nil
		},
	}
	tr := &fakeTransport{}
	coord, board := newTestCoordinator(cat, tr, Options{})
	collectEvents(coord)

	missing := makeLocalFile(t, "missing.dat", "new bytes", 0)
	staged := makeLocalFile(t, "staged.dat", content, 1)

	require.NoError(t, coord.Start(context.Background()))
	coord.Enqueue(testDataset, []LocalFile{missing, staged}, true)
	coord.Wait(context.Background())

	statuses := make(map[Status]int)
	for _, row := range board.Rows() {
		statuses[row.Status()]++
	}

	assert.Equal(t, 1, statuses[StatusNotFound])
	assert.Equal(t, 1, statuses[StatusFoundUnverifiedFullSize])

	assert.Empty(t, rowsByKind(board, KindUpload))
	assert.Empty(t, tr.uploaded())
	assert.Empty(t, cat.createdMetadata())
	assert.Empty(t, cat.verified())
	assert.Empty(t, cat.posted())
}

func TestCoordinator_EmptyFileRejected(t *testing.T) {
	cat := &fakeCatalog{}
	tr := &fakeTransport{}
	coord, board := newTestCoordinator(cat, tr, Options{})
	events := collectEvents(coord)

	file := makeLocalFile(t, "empty.dat", "", 0)

	require.NoError(t, coord.Start(context.Background()))
	coord.Enqueue(testDataset, []LocalFile{file}, false)
	coord.Wait(context.Background())

	uploads := rowsByKind(board, KindUpload)
	require.Len(t, uploads, 1)
	assert.Equal(t, StatusFailed, uploads[0].Status())
	assert.Equal(t, "MyTardis will not accept a data file with a size of zero.",
		uploads[0].Message())

	assert.Empty(t, cat.createdMetadata())
	assert.Empty(t, tr.uploaded())

	completions := completionEvents(events())
	require.Len(t, completions, 1)
	assert.True(t, completions[0].Failed)
}

func TestCoordinator_DisconnectedDuringVerification(t *testing.T) {
	cat := &fakeCatalog{
		findFunc: func(_, _, _ string) (*mytardis.DataFile, error) {
			return nil, fmt.Errorf("%w: connection refused", mytardis.ErrDisconnected)
		},
	}
	tr := &fakeTransport{}
	coord, board := newTestCoordinator(cat, tr, Options{})
	events := collectEvents(coord)

	file := makeLocalFile(t, "unreachable.dat", "data", 0)

	require.NoError(t, coord.Start(context.Background()))
	coord.Enqueue(testDataset, []LocalFile{file}, false)
	coord.Wait(context.Background())

	rows := board.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, StatusFailed, rows[0].Status())

	var states []ConnectionState

	for _, ev := range events() {
		if ev.Kind == EventConnectionStatus {
			states = append(states, ev.State)
		}
	}

	require.NotEmpty(t, states)
	assert.Equal(t, Disconnected, states[len(states)-1])
}

func TestCoordinator_FakeDigestSkipsChecksumAndVerify(t *testing.T) {
	const fake = "00000000000000000000000000000000"

	cat := &fakeCatalog{
		findFunc: func(_, _, filename string) (*mytardis.DataFile, error) {
			if filename == "recorded.dat" {
				// A record created in an earlier run with the placeholder
				// digest; requesting verification would always fail.
				return &mytardis.DataFile{ID: 42, Filename: filename, MD5Sum: fake}, nil
			}

			return nil, fmt.Errorf("%w: %s", mytardis.ErrNotFound, filename)
		},
		approvalFunc: func() (*mytardis.ApprovalRecord, error) {
			return nil, nil
		},
	}
	tr := &fakeTransport{}
	coord, board := newTestCoordinator(cat, tr, Options{FakeDigest: fake})
	collectEvents(coord)

	recorded := makeLocalFile(t, "recorded.dat", "earlier run", 0)
	fresh := makeLocalFile(t, "fresh.dat", "new file", 1)

	require.NoError(t, coord.Start(context.Background()))
	coord.Enqueue(testDataset, []LocalFile{recorded, fresh}, false)
	coord.Wait(context.Background())

	// The recorded file is counted but never sent for verification.
	assert.Empty(t, cat.verified())

	// The fresh file is posted with the placeholder digest.
	require.Len(t, cat.posted(), 1)

	uploads := rowsByKind(board, KindUpload)
	require.Len(t, uploads, 1)
	assert.Equal(t, StatusCompleted, uploads[0].Status())
}

func TestNewAck_Idempotent(t *testing.T) {
	ack, acked := newAck()

	ack()
	ack()

	select {
	case <-acked:
	default:
		t.Fatal("ack channel not closed")
	}
}
