// Package pipeline implements the verification-and-upload engine: a
// two-stage worker-pool pipeline that classifies local files against the
// MyTardis catalog and uploads whatever is missing, with per-item progress,
// status observation, and absorbing cancellation.
package pipeline

import (
	"context"
	"time"

	"github.com/mytardis/mydata-go/internal/mytardis"
)

// TransferMode selects how file bytes reach the server. Chosen once at
// pipeline start and immutable for the lifetime of the pipeline.
type TransferMode int

const (
	// ModeStaging is the preferred two-step create-record-then-stream-bytes
	// method. Requires administrator approval.
	ModeStaging TransferMode = iota
	// ModePost is the single-request multipart fallback. The POST transport
	// is not safe for concurrent use, so upload concurrency is forced to 1.
	ModePost
)

func (m TransferMode) String() string {
	if m == ModePost {
		return "POST"
	}

	return "STAGING"
}

// Status is the observable per-file state.
type Status int

const (
	StatusPending Status = iota
	StatusVerifying
	StatusFoundVerified
	StatusFoundUnverifiedFullSize
	StatusFoundUnverifiedPartial
	StatusFoundUnverifiedNoReplica
	StatusNotFound
	StatusUploading
	StatusCompleted
	StatusFailed
	StatusCanceled
)

var statusNames = map[Status]string{
	StatusPending:                  "PENDING",
	StatusVerifying:                "VERIFYING",
	StatusFoundVerified:            "FOUND_VERIFIED",
	StatusFoundUnverifiedFullSize:  "FOUND_UNVERIFIED_FULL_SIZE",
	StatusFoundUnverifiedPartial:   "FOUND_UNVERIFIED_PARTIAL",
	StatusFoundUnverifiedNoReplica: "FOUND_UNVERIFIED_NO_REPLICA",
	StatusNotFound:                 "NOT_FOUND",
	StatusUploading:                "UPLOADING",
	StatusCompleted:                "COMPLETED",
	StatusFailed:                   "FAILED",
	StatusCanceled:                 "CANCELED",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}

	return "UNKNOWN"
}

// Terminal reports whether the status never reverts once written.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled, StatusFoundVerified:
		return true
	default:
		return false
	}
}

// LocalFile identifies one discovered file within a dataset folder.
// Immutable after discovery.
type LocalFile struct {
	FolderID  string
	FileIndex int
	Path      string
	// Directory is the file's relative directory under the dataset folder,
	// "" for the folder root.
	Directory string
	Size      int64
	CreatedAt time.Time
}

// DatasetRef carries the server-assigned dataset identity. One per folder;
// created by the external catalog layer before the pipeline starts.
type DatasetRef struct {
	ID  int64
	URI string
}

// VerificationTask asks a verifier to classify one local file. Each
// LocalFile maps to exactly one live VerificationTask.
type VerificationTask struct {
	File    LocalFile
	Dataset DatasetRef
	// TestRun classifies without side effects: no uploads are enqueued and
	// no server verification is requested.
	TestRun bool
}

// UploadTask asks an uploader to transfer one local file. Created by a
// verifier; each LocalFile maps to at most one live UploadTask.
type UploadTask struct {
	File    LocalFile
	Dataset DatasetRef
	// Existing is the unverified server record to resume onto, nil when the
	// record must be created first.
	Existing *mytardis.DataFile
	// BytesOnStaging is how many bytes of a prior upload already landed on
	// the staging host.
	BytesOnStaging int64
}

// Catalog is the slice of the MyTardis API the pipeline consumes.
// *mytardis.Client satisfies it.
type Catalog interface {
	FindDataFile(ctx context.Context, datasetURI, directory, filename string) (*mytardis.DataFile, error)
	CreateDataFile(ctx context.Context, meta mytardis.DataFileMetadata) (*mytardis.DataFile, error)
	VerifyDataFile(ctx context.Context, id int64) error
	ReplicaBytesUploaded(ctx context.Context, replicaID int64) (int64, error)
	StagingApproval(ctx context.Context) (*mytardis.ApprovalRecord, error)
	PostDataFile(ctx context.Context, meta mytardis.DataFileMetadata, path string,
		progress func(int64), cancel func() bool) error
}

// StagingTransport pushes file bytes to the staging host under a replica's
// opaque URI. *staging.Transport satisfies it.
type StagingTransport interface {
	Upload(ctx context.Context, localPath string, size int64, remoteURI string,
		progress func(int64), cancel func() bool) error
}
