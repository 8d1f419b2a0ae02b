package mytardis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
)

// postCopyBlockSize is the block size for streaming the file part, chosen so
// the cancel predicate is consulted at a useful granularity.
const postCopyBlockSize = 64 * 1024

// PostDataFile creates a datafile record and uploads its bytes in a single
// multipart request carrying the JSON metadata (json_data) and the file
// stream (attached_file). Progress reports cumulative bytes sent on the
// wire, including the metadata part. POST never resumes.
//
// Unlike Do(), this does not retry — retrying a partially-consumed stream
// is not safe.
func (c *Client) PostDataFile(
	ctx context.Context, meta DataFileMetadata, path string,
	progress func(int64), cancel func() bool,
) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("mytardis: marshaling datafile metadata: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s for upload: %w", path, err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeMultipartBody(mw, payload, f, cancel))
	}()

	c.logger.Debug("multipart POST upload",
		slog.String("filename", meta.Filename),
		slog.Int64("size", meta.Size),
	)

	body := &countingReader{r: pr, progress: progress}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/dataset_file/", body)
	if err != nil {
		return fmt.Errorf("mytardis: creating POST upload request: %w", err)
	}

	c.setAuth(req)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, ErrCanceled) || (cancel != nil && cancel()) {
			return ErrCanceled
		}

		if ctx.Err() != nil {
			return fmt.Errorf("mytardis: request canceled: %w", ctx.Err())
		}

		return fmt.Errorf("%w: POST /api/v1/dataset_file/: %v", ErrDisconnected, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		// Drain body to reuse the connection.
		if _, drainErr := io.Copy(io.Discard, resp.Body); drainErr != nil {
			return fmt.Errorf("mytardis: draining POST response body: %w", drainErr)
		}

		return nil
	}

	errBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		errBody = []byte("(failed to read response body)")
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    string(errBody),
		Err:        classifyStatus(resp.StatusCode),
	}
}

// writeMultipartBody streams the metadata field and the file part into the
// multipart writer, consulting cancel between file blocks.
func writeMultipartBody(mw *multipart.Writer, payload []byte, f *os.File, cancel func() bool) error {
	if err := mw.WriteField("json_data", string(payload)); err != nil {
		return fmt.Errorf("mytardis: writing json_data part: %w", err)
	}

	part, err := mw.CreateFormFile("attached_file", f.Name())
	if err != nil {
		return fmt.Errorf("mytardis: creating attached_file part: %w", err)
	}

	buf := make([]byte, postCopyBlockSize)

	for {
		if cancel != nil && cancel() {
			return ErrCanceled
		}

		n, readErr := f.Read(buf)
		if n > 0 {
			if _, writeErr := part.Write(buf[:n]); writeErr != nil {
				return fmt.Errorf("mytardis: writing attached_file part: %w", writeErr)
			}
		}

		if readErr == io.EOF {
			break
		}

		if readErr != nil {
			return fmt.Errorf("mytardis: reading %s: %w", f.Name(), readErr)
		}
	}

	if err := mw.Close(); err != nil {
		return fmt.Errorf("mytardis: finalizing multipart body: %w", err)
	}

	return nil
}

// countingReader reports cumulative bytes read to the progress sink. The
// HTTP transport reads the request body from it, so the count reflects
// bytes handed to the wire.
type countingReader struct {
	r        io.Reader
	progress func(int64)
	total    int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.total += int64(n)

		if cr.progress != nil {
			cr.progress(cr.total)
		}
	}

	return n, err
}
