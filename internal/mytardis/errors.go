// Package mytardis provides an HTTP client for the MyTardis REST API
// (tastypie v1) with bounded retry, ApiKey authentication, and error
// classification, plus the multipart POST transport for single-request
// create-and-upload.
package mytardis

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for API result classification.
// Use errors.Is(err, mytardis.ErrNotFound) to check.
var (
	ErrUnauthorized = errors.New("mytardis: unauthorized")
	ErrNotFound     = errors.New("mytardis: not found")
	ErrServerError  = errors.New("mytardis: internal server error")

	// ErrMultipleObjects indicates server-side duplicate datafile records
	// for one (dataset, directory, filename). Hard failure for that file.
	ErrMultipleObjects = errors.New("mytardis: multiple matching datafile records")

	// ErrMissingStagingStorage maps a 404 from datafile creation: the server
	// could not assign a staging storage box. Fatal for the whole pipeline.
	ErrMissingStagingStorage = errors.New("mytardis: no staging storage box assigned")

	// ErrMissingReplicaEndpoint indicates the server does not provide the
	// /api/v1/mydata_replica/ endpoint, so byte counts on staging cannot be
	// queried and partial uploads cannot be resumed this run.
	ErrMissingReplicaEndpoint = errors.New("mytardis: mydata_replica API endpoint not available")

	// ErrDisconnected wraps transport-level connection failures.
	ErrDisconnected = errors.New("mytardis: connection failed")

	// ErrCanceled is returned by the POST transport when the cancel
	// predicate reports true mid-stream.
	ErrCanceled = errors.New("mytardis: canceled")
)

// APIError wraps a sentinel error with the HTTP status code and the response
// body for diagnostics.
type APIError struct {
	StatusCode int
	Message    string
	Err        error // sentinel, for errors.Is(); may be nil for odd statuses
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mytardis: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes and for status codes the engine
// treats as soft per-file failures.
func classifyStatus(code int) error {
	switch code {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
