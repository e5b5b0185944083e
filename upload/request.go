package upload

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/bitrise-io/go-chunkupload/compression"
	"github.com/bitrise-io/go-chunkupload/upload/chunkstore"
)

// MaxFileNameLength leaves room for the slot and temp file suffixes within common NAME_MAX limits.
const MaxFileNameLength = 200

// Request is one chunk submission.
type Request struct {
	FileName    string
	ChunkIndex  int
	TotalChunks int
	// Encoding of Payload, see the compression package. Empty means identity.
	Encoding string
	Payload  io.Reader
}

// ValidationError describes a malformed chunk submission. It is always the caller's fault.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ParseRequest builds a Request from raw form values.
func ParseRequest(fileName, chunkIndex, totalChunks string, payload io.Reader) (Request, error) {
	index, err := parseCount("chunkIndex", chunkIndex)
	if err != nil {
		return Request{}, err
	}
	total, err := parseCount("totalChunks", totalChunks)
	if err != nil {
		return Request{}, err
	}

	req := Request{
		FileName:    fileName,
		ChunkIndex:  index,
		TotalChunks: total,
		Payload:     payload,
	}
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

// Validate checks the request without touching any storage.
func (r Request) Validate() error {
	if err := ValidateFileName(r.FileName); err != nil {
		return err
	}
	if r.TotalChunks < 1 {
		return &ValidationError{Field: "totalChunks", Reason: "must be at least 1"}
	}
	if r.ChunkIndex < 0 || r.ChunkIndex >= r.TotalChunks {
		return &ValidationError{Field: "chunkIndex", Reason: fmt.Sprintf("must be in [0, %d), got %d", r.TotalChunks, r.ChunkIndex)}
	}
	if r.Payload == nil {
		return &ValidationError{Field: "chunk", Reason: "payload is required"}
	}
	if _, err := compression.Normalize(r.Encoding); err != nil {
		return &ValidationError{Field: "encoding", Reason: err.Error()}
	}
	return nil
}

// ValidateFileName accepts plain base names that cannot escape the uploads
// directory or collide with the staging files of another upload.
func ValidateFileName(name string) error {
	switch {
	case name == "":
		return &ValidationError{Field: "fileName", Reason: "must not be empty"}
	case len(name) > MaxFileNameLength:
		return &ValidationError{Field: "fileName", Reason: fmt.Sprintf("must be at most %d bytes", MaxFileNameLength)}
	case !utf8.ValidString(name):
		return &ValidationError{Field: "fileName", Reason: "must be valid UTF-8"}
	case name == "." || name == "..":
		return &ValidationError{Field: "fileName", Reason: "must name a file"}
	case strings.ContainsAny(name, `/\`):
		return &ValidationError{Field: "fileName", Reason: "must not contain path separators"}
	case strings.IndexFunc(name, unicode.IsControl) >= 0:
		return &ValidationError{Field: "fileName", Reason: "must not contain control characters"}
	case strings.HasPrefix(name, "."):
		return &ValidationError{Field: "fileName", Reason: "must not start with a dot"}
	case chunkstore.HasSlotSuffix(name):
		return &ValidationError{Field: "fileName", Reason: "must not end in .part<number>"}
	}
	return nil
}

func parseCount(field, raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, &ValidationError{Field: field, Reason: "is required"}
	}
	v, err := strconv.ParseUint(raw, 10, 31)
	if err != nil {
		return 0, &ValidationError{Field: field, Reason: fmt.Sprintf("must be a non-negative integer, got %q", raw)}
	}
	return int(v), nil
}
