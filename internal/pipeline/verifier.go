package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/mytardis/mydata-go/internal/mytardis"
)

// verifier is one worker of the verification pool. It classifies a local
// file against the catalog and either finishes the row or hands the file to
// the upload queue.
type verifier struct {
	c      *Coordinator
	logger *slog.Logger
}

func (v *verifier) run(ctx context.Context) {
	for {
		task := v.c.verifications.Get()
		if task == nil {
			return
		}

		v.process(ctx, task)
	}
}

func (v *verifier) process(ctx context.Context, task *VerificationTask) {
	defer v.c.taskDone()

	board := v.c.board
	row := board.NewRow(KindVerification, task.File)

	// Tasks still queued when cancellation hit get a row and drain cheaply.
	if v.c.Canceled() || row.Canceled() {
		board.SetStatus(row, StatusCanceled, "Canceled")

		return
	}

	board.SetStatus(row, StatusVerifying, "Looking for matching datafile on MyTardis server...")

	filename := filepath.Base(task.File.Path)

	df, err := v.c.catalog.FindDataFile(ctx, task.Dataset.URI, task.File.Directory, filename)

	// Cancellation that arrived during the lookup must not spawn an upload.
	if v.c.Canceled() || row.Canceled() {
		board.SetStatus(row, StatusCanceled, "Canceled")

		return
	}

	switch {
	case errors.Is(err, mytardis.ErrNotFound):
		board.SetStatus(row, StatusNotFound, "Didn't find datafile on MyTardis server.")

		if task.TestRun {
			v.logger.Info("TEST RUN: file needs uploading",
				slog.String("path", task.File.Path),
			)

			return
		}

		v.c.handOffUpload(&UploadTask{File: task.File, Dataset: task.Dataset})
	case errors.Is(err, mytardis.ErrMultipleObjects):
		// Duplicate records need operator cleanup; retrying the file every
		// run would only add more. Count it toward the folder's uploaded
		// tally so later passes leave it alone, but surface the failure.
		board.SetStatus(row, StatusFailed, err.Error())
		board.MarkFolderUploaded(task.File.FolderID)
		v.logger.Error("multiple datafile records match",
			slog.String("path", task.File.Path),
			slog.String("dataset_uri", task.Dataset.URI),
		)
	case errors.Is(err, mytardis.ErrDisconnected):
		v.c.connectionEvent(Disconnected)
		board.SetStatus(row, StatusFailed, err.Error())
	case err != nil:
		board.SetStatus(row, StatusFailed, err.Error())
	default:
		v.classify(ctx, task, row, df)
	}
}

// classify handles the found-a-record branches.
func (v *verifier) classify(ctx context.Context, task *VerificationTask, row *Row, df *mytardis.DataFile) {
	board := v.c.board

	if df.VerifiedReplica() {
		board.SetStatus(row, StatusFoundVerified, "Found verified datafile on MyTardis server.")
		board.MarkFolderUploaded(task.File.FolderID)

		return
	}

	// Under POST there is nothing to resume; the record exists with full
	// bytes already received, so just nudge the server to verify it.
	if v.c.mode == ModePost {
		board.SetStatus(row, StatusFoundUnverifiedFullSize,
			"Found unverified datafile record on MyTardis server.")
		board.MarkFolderUploaded(task.File.FolderID)
		v.requestVerify(ctx, task, df)

		return
	}

	if len(df.Replicas) == 0 || v.c.unresumable.Load() {
		board.SetStatus(row, StatusFoundUnverifiedNoReplica,
			"Found unverified datafile record with no replicas.")
		board.MarkFolderUploaded(task.File.FolderID)
		v.requestVerify(ctx, task, df)

		return
	}

	bytesOnStaging, err := v.c.catalog.ReplicaBytesUploaded(ctx, df.Replicas[0].ID)

	switch {
	case errors.Is(err, mytardis.ErrMissingReplicaEndpoint):
		v.c.degradeReplicas()
		board.SetStatus(row, StatusFoundUnverifiedNoReplica,
			"Found unverified datafile record with no replicas.")
		board.MarkFolderUploaded(task.File.FolderID)
		v.requestVerify(ctx, task, df)

		return
	case errors.Is(err, mytardis.ErrDisconnected):
		v.c.connectionEvent(Disconnected)
		board.SetStatus(row, StatusFailed, err.Error())

		return
	case err != nil:
		board.SetStatus(row, StatusFailed, err.Error())

		return
	}

	// Full-size means relative to the record being resumed, not the local
	// file: when the local file has grown since the record was created, the
	// staged copy of the record is still complete and must be verified, not
	// overwritten.
	if bytesOnStaging >= df.Size {
		board.SetStatus(row, StatusFoundUnverifiedFullSize,
			"Found unverified full-size datafile on staging server.")
		board.MarkFolderUploaded(task.File.FolderID)
		v.requestVerify(ctx, task, df)

		return
	}

	board.SetStatus(row, StatusFoundUnverifiedPartial,
		fmt.Sprintf("Found %d of %d bytes uploaded to staging server.", bytesOnStaging, df.Size))

	if task.TestRun {
		v.logger.Info("TEST RUN: file needs re-uploading",
			slog.String("path", task.File.Path),
			slog.Int64("bytes_on_staging", bytesOnStaging),
		)

		return
	}

	v.c.handOffUpload(&UploadTask{
		File:           task.File,
		Dataset:        task.Dataset,
		Existing:       df,
		BytesOnStaging: bytesOnStaging,
	})
}

// requestVerify asks the server to verify an existing unverified record.
// Failures are logged, not fatal: the file is already on the server and the
// next run will retry. Records carrying the reserved fake digest are skipped
// because server-side verification would always reject them.
func (v *verifier) requestVerify(ctx context.Context, task *VerificationTask, df *mytardis.DataFile) {
	if task.TestRun {
		return
	}

	if fake := v.c.opts.FakeDigest; fake != "" && df.MD5Sum == fake {
		v.logger.Warn("datafile record carries the fake digest, skipping verification request",
			slog.String("path", task.File.Path),
			slog.Int64("datafile_id", df.ID),
		)

		return
	}

	if err := v.c.catalog.VerifyDataFile(ctx, df.ID); err != nil {
		if errors.Is(err, mytardis.ErrDisconnected) {
			v.c.connectionEvent(Disconnected)
		}

		v.logger.Warn("verification request failed",
			slog.Int64("datafile_id", df.ID),
			slog.Any("error", err),
		)
	}
}
