package upload

import (
	"errors"
	"fmt"
	"io"

	"github.com/bitrise-io/go-chunkupload/compression"
	"github.com/bitrise-io/go-chunkupload/upload/assembler"
	"github.com/bitrise-io/go-chunkupload/upload/chunkstore"
	"github.com/bitrise-io/go-chunkupload/upload/session"
)

// ErrChunkTooLarge is returned when a decoded chunk exceeds the configured maximum.
var ErrChunkTooLarge = errors.New("chunk exceeds the maximum chunk size")

// ErrorKind tells the caller whose fault a failed submission is.
type ErrorKind string

// Error kinds returned by Classify.
const (
	KindValidation          ErrorKind = "validation"
	KindConflict            ErrorKind = "conflict"
	KindTooLarge            ErrorKind = "too_large"
	KindInsufficientStorage ErrorKind = "insufficient_storage"
	KindServerFault         ErrorKind = "server_fault"
)

// Classify maps an error returned by the Coordinator to its kind.
func Classify(err error) ErrorKind {
	var validationErr *ValidationError
	var storeErr *chunkstore.StoreError

	switch {
	case errors.As(err, &validationErr),
		errors.Is(err, compression.ErrMalformedPayload),
		errors.Is(err, compression.ErrUnsupportedEncoding):
		return KindValidation
	case errors.Is(err, session.ErrTotalChunksMismatch):
		return KindConflict
	case errors.Is(err, ErrChunkTooLarge):
		return KindTooLarge
	case errors.As(err, &storeErr) && storeErr.Kind == chunkstore.InsufficientSpace:
		return KindInsufficientStorage
	default:
		return KindServerFault
	}
}

// Code returns a stable machine readable code for err.
func Code(err error) string {
	var storeErr *chunkstore.StoreError
	var ioErr *assembler.IOError

	switch kind := Classify(err); {
	case kind == KindValidation:
		return "invalid_request"
	case kind == KindConflict:
		return "total_chunks_mismatch"
	case kind == KindTooLarge:
		return "chunk_too_large"
	case kind == KindInsufficientStorage:
		return "insufficient_storage"
	case errors.Is(err, assembler.ErrMissingSlot):
		return "missing_slot"
	case errors.As(err, &ioErr):
		return "assembly_failed"
	case errors.As(err, &storeErr):
		return "store_io_failure"
	default:
		return "internal_error"
	}
}

type chunkLimitReader struct {
	r         io.Reader
	limit     int64
	remaining int64
}

func newChunkLimitReader(r io.Reader, limit int64) *chunkLimitReader {
	return &chunkLimitReader{r: r, limit: limit, remaining: limit}
}

func (l *chunkLimitReader) Read(p []byte) (int, error) {
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	if int64(n) > l.remaining {
		return 0, fmt.Errorf("%w (%d bytes)", ErrChunkTooLarge, l.limit)
	}
	l.remaining -= int64(n)
	return n, err
}
