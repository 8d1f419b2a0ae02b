package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/mytardis/mydata-go/internal/digest"
	"github.com/mytardis/mydata-go/internal/mytardis"
	"github.com/mytardis/mydata-go/internal/staging"
)

// uploader is one worker of the upload pool. It digests the file, ensures a
// server record exists, and streams the bytes via the run's transfer mode.
type uploader struct {
	c *Coordinator
	// resolver is per-worker; MIME lookups are not shared across uploads.
	resolver *TypeResolver
	logger   *slog.Logger
}

func (u *uploader) run(ctx context.Context) {
	for {
		task := u.c.uploads.Get()
		if task == nil {
			return
		}

		u.process(ctx, task)
	}
}

func (u *uploader) process(ctx context.Context, task *UploadTask) {
	defer u.c.taskDone()

	board := u.c.board
	row := board.NewRow(KindUpload, task.File)

	if u.c.Canceled() || row.Canceled() {
		board.SetStatus(row, StatusCanceled, "Canceled")

		return
	}

	cancel := func() bool {
		return u.c.Canceled() || row.Canceled()
	}

	size := task.File.Size

	var md5sum string

	// The placeholder digest skips the checksum pass entirely; such records
	// can never verify server-side, which the verifier accounts for.
	if fake := u.c.opts.FakeDigest; fake != "" {
		md5sum = fake
	} else {
		board.SetStatus(row, StatusUploading, "Calculating MD5 checksum...")

		var err error

		md5sum, err = u.computeDigest(task, row, cancel)
		if errors.Is(err, digest.ErrCanceled) {
			board.SetStatus(row, StatusCanceled, "Canceled")

			return
		}

		if err != nil {
			board.SetStatus(row, StatusFailed, err.Error())

			return
		}
	}

	// Digest and transfer are separate progress phases.
	board.ResetProgress(row)

	if size == 0 {
		board.SetStatus(row, StatusFailed,
			"MyTardis will not accept a data file with a size of zero.")

		return
	}

	meta := mytardis.DataFileMetadata{
		Dataset:   task.Dataset.URI,
		Filename:  filepath.Base(task.File.Path),
		Directory: task.File.Directory,
		MD5Sum:    md5sum,
		Size:      size,
		MimeType:  u.resolver.TypeByPath(task.File.Path),
	}
	if !task.File.CreatedAt.IsZero() {
		meta.CreatedTime = task.File.CreatedAt.Format(time.RFC3339)
	}

	progress := func(sent int64) {
		board.SetProgress(row, percent(sent, size), sent)
	}

	var err error

	if u.c.mode == ModePost {
		board.SetStatus(row, StatusUploading, "Uploading...")
		err = u.c.catalog.PostDataFile(ctx, meta, task.File.Path, progress, cancel)
	} else {
		err = u.stagingUpload(ctx, task, row, meta, progress, cancel)
	}

	switch {
	case errors.Is(err, mytardis.ErrCanceled), errors.Is(err, staging.ErrCanceled):
		board.SetStatus(row, StatusCanceled, "Canceled")
	case errors.Is(err, mytardis.ErrDisconnected):
		u.c.connectionEvent(Disconnected)
		board.SetStatus(row, StatusFailed, err.Error())
	case err != nil:
		board.SetStatus(row, StatusFailed, err.Error())
		u.logger.Error("upload failed",
			slog.String("path", task.File.Path),
			slog.Any("error", err),
		)
	default:
		board.SetStatus(row, StatusCompleted, "Upload complete!")
		board.MarkFolderUploaded(task.File.FolderID)
		u.logger.Info("upload complete",
			slog.String("path", task.File.Path),
			slog.Int64("size", size),
		)
	}
}

// computeDigest streams the file through MD5, reporting digest-phase
// progress on the row.
func (u *uploader) computeDigest(task *UploadTask, row *Row, cancel func() bool) (string, error) {
	size := task.File.Size

	return digest.Compute(task.File.Path, size, cancel, func(read int64) {
		u.c.board.SetProgress(row, percent(read, size), 0)
	})
}

// stagingUpload resolves the replica URI to write under, creating the
// datafile record first if the verifier found none, then streams the bytes.
func (u *uploader) stagingUpload(ctx context.Context, task *UploadTask, row *Row,
	meta mytardis.DataFileMetadata, progress func(int64), cancel func() bool,
) error {
	var uri string

	if task.Existing != nil && len(task.Existing.Replicas) > 0 {
		uri = task.Existing.Replicas[0].URI
		u.logger.Info("resuming upload to existing replica",
			slog.String("path", task.File.Path),
			slog.Int64("bytes_on_staging", task.BytesOnStaging),
		)
	} else {
		created, err := u.c.catalog.CreateDataFile(ctx, meta)
		if err != nil {
			// Without a staging storage box every staging upload would fail
			// the same way, so this one takes the run down. Fail the row
			// before aborting so it isn't swept up as canceled.
			if errors.Is(err, mytardis.ErrMissingStagingStorage) {
				u.c.board.SetStatus(row, StatusFailed, err.Error())
				u.c.abort(err.Error())
			}

			return err
		}

		if len(created.Replicas) == 0 {
			return fmt.Errorf("created datafile record %d has no replica to upload to", created.ID)
		}

		uri = created.Replicas[0].URI
	}

	u.c.board.SetStatus(row, StatusUploading, "Uploading...")

	return u.c.staging.Upload(ctx, task.File.Path, task.File.Size, uri, progress, cancel)
}

// percent converts a byte count to a 0–100 progress figure.
func percent(n, total int64) float64 {
	if total <= 0 {
		return 100
	}

	return float64(n) * 100 / float64(total)
}
