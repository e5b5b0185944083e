// Package session keeps the explicit upload session records and the
// per-session locks that serialize completion.
package session

import (
	"errors"
	"time"
)

// State is the lifecycle state of an upload session.
type State string

const (
	// StateReceiving sessions accept chunks.
	StateReceiving State = "receiving"
	// StateAssembled sessions produced their final artifact. The record is kept
	// for a retention window so Status can report the artifact; the next chunk
	// for the same file name starts a new session.
	StateAssembled State = "assembled"
)

var (
	// ErrNotFound is returned when no session exists for a file name.
	ErrNotFound = errors.New("upload session not found")
	// ErrTotalChunksMismatch is returned when a chunk declares a different
	// totalChunks than the session was started with.
	ErrTotalChunksMismatch = errors.New("totalChunks does not match the upload session")
)

// Artifact records the outcome of a successful assembly.
type Artifact struct {
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Session is the persisted state of one upload, keyed by file name.
type Session struct {
	FileName    string    `json:"file_name"`
	TotalChunks int       `json:"total_chunks"`
	State       State     `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Artifact    *Artifact `json:"artifact,omitempty"`
}

// Assembled ...
func (s Session) Assembled() bool {
	return s.State == StateAssembled
}

// IdleFor returns how long the session has not seen any activity.
func (s Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.UpdatedAt)
}
