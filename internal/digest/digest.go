// Package digest computes streamed MD5 content digests of local files.
// MyTardis uses the MD5 hex digest for server-side equality checks, so the
// wire format is fixed regardless of local hash preferences.
package digest

import (
	"crypto/md5" //nolint:gosec // server contract: MyTardis compares MD5 hex digests
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrCanceled is returned when the cancel predicate reports true between
// blocks. No partial digest is emitted.
var ErrCanceled = errors.New("digest: canceled")

const (
	// initialBlockSize is the starting read block size (100 KiB).
	initialBlockSize = 100 * 1024
	// maxBlockSize caps the adaptive block size at 1 MiB.
	maxBlockSize = 1024 * 1024
	// blockCountTarget is the block count above which the block size doubles.
	blockCountTarget = 100
)

// BlockSize returns the read block size for a file of the given size.
// The block size starts at 100 KiB and doubles while the file would take
// more than 100 blocks, capped at 1 MiB.
func BlockSize(size int64) int64 {
	blockSize := int64(initialBlockSize)
	for size/blockSize > blockCountTarget && blockSize < maxBlockSize {
		blockSize *= 2
	}

	return blockSize
}

// Compute reads the file sequentially in adaptive fixed-size blocks and
// returns the hex MD5 digest. Between blocks it consults cancel; a true
// reading aborts with ErrCanceled. progress, when non-nil, receives the
// cumulative byte count after each block.
func Compute(path string, size int64, cancel func() bool, progress func(int64)) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for digest: %w", path, err)
	}
	defer f.Close()

	h := md5.New() //nolint:gosec // see package comment
	buf := make([]byte, BlockSize(size))

	var processed int64

	for {
		if cancel != nil && cancel() {
			return "", ErrCanceled
		}

		n, readErr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			processed += int64(n)

			if progress != nil {
				progress(processed)
			}
		}

		if readErr == io.EOF {
			break
		}

		if readErr != nil {
			return "", fmt.Errorf("reading %s for digest: %w", path, readErr)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
