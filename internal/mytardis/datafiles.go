package mytardis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
)

// FindDataFile looks up a datafile record by (dataset, directory, filename).
// Returns ErrNotFound when no record matches and ErrMultipleObjects when the
// server holds duplicates.
func (c *Client) FindDataFile(ctx context.Context, datasetURI, directory, filename string) (*DataFile, error) {
	q := url.Values{}
	q.Set("format", "json")
	q.Set("dataset", datasetURI)
	q.Set("filename", filename)
	q.Set("directory", directory)

	resp, err := c.Do(ctx, http.MethodGet, "/api/v1/dataset_file/?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var list datafileListResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&list); decErr != nil {
		return nil, fmt.Errorf("mytardis: decoding datafile list: %w", decErr)
	}

	switch {
	case list.Meta.TotalCount == 0:
		return nil, fmt.Errorf("%w: %s in %q", ErrNotFound, filename, directory)
	case list.Meta.TotalCount > 1:
		return nil, fmt.Errorf("%w: %d records for %s in %q",
			ErrMultipleObjects, list.Meta.TotalCount, filename, directory)
	case len(list.Objects) == 0:
		// The meta count and the objects array disagree; trust neither.
		return nil, fmt.Errorf("mytardis: datafile list reports %d records but carries none",
			list.Meta.TotalCount)
	}

	return &list.Objects[0], nil
}

// CreateDataFile creates an empty datafile record so the server assigns a
// staging replica URI. A 404 here means the server could not assign a
// staging storage box, which is fatal for the whole pipeline.
func (c *Client) CreateDataFile(ctx context.Context, meta DataFileMetadata) (*DataFile, error) {
	payload, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("mytardis: marshaling datafile metadata: %w", err)
	}

	c.logger.Debug("creating datafile record",
		slog.String("filename", meta.Filename),
		slog.String("directory", meta.Directory),
		slog.Int64("size", meta.Size),
	)

	resp, err := c.Do(ctx, http.MethodPost, "/api/v1/dataset_file/", payload)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: ask your MyTardis administrator to check "+
				"whether an appropriate staging storage box exists", ErrMissingStagingStorage)
		}

		return nil, err
	}
	defer resp.Body.Close()

	var created DataFile
	if decErr := json.NewDecoder(resp.Body).Decode(&created); decErr != nil {
		return nil, fmt.Errorf("mytardis: decoding created datafile: %w", decErr)
	}

	return &created, nil
}

// VerifyDataFile asks the server to check replica integrity for the record.
// Idempotent.
func (c *Client) VerifyDataFile(ctx context.Context, id int64) error {
	path := fmt.Sprintf("/api/v1/dataset_file/%d/verify/", id)

	resp, err := c.Do(ctx, http.MethodPost, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return nil
}

// ReplicaBytesUploaded queries how many bytes of a replica have already
// landed on the staging host. Servers without the mytardis-app-mydata app
// lack the endpoint; that 404 maps to ErrMissingReplicaEndpoint.
func (c *Client) ReplicaBytesUploaded(ctx context.Context, replicaID int64) (int64, error) {
	path := fmt.Sprintf("/api/v1/mydata_replica/%d/?format=json", replicaID)

	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, ErrMissingReplicaEndpoint
		}

		return 0, err
	}
	defer resp.Body.Close()

	var rr replicaResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&rr); decErr != nil {
		return 0, fmt.Errorf("mytardis: decoding replica response: %w", decErr)
	}

	if rr.BytesUploaded < 0 {
		return 0, fmt.Errorf("mytardis: negative bytes_uploaded %d for replica %d",
			rr.BytesUploaded, replicaID)
	}

	return rr.BytesUploaded, nil
}

// StagingApproval fetches the administrator's response to this uploader's
// staging request. A nil record (no error) means no approval exists yet and
// uploads must fall back to HTTP POST.
func (c *Client) StagingApproval(ctx context.Context) (*ApprovalRecord, error) {
	resp, err := c.Do(ctx, http.MethodGet,
		"/api/v1/mydata_uploaderregistrationrequest/?format=json", nil)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}

		return nil, err
	}
	defer resp.Body.Close()

	var list approvalListResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&list); decErr != nil {
		return nil, fmt.Errorf("mytardis: decoding approval response: %w", decErr)
	}

	if list.Meta.TotalCount == 0 {
		return nil, nil
	}

	if len(list.Objects) == 0 {
		return nil, fmt.Errorf("mytardis: approval list reports %d records but carries none",
			list.Meta.TotalCount)
	}

	obj := list.Objects[0]
	rec := &ApprovalRecord{
		Approved: obj.Approved,
		Username: obj.Username,
	}

	if obj.Staging != nil {
		rec.Host = obj.Staging.Host
	}

	return rec, nil
}
