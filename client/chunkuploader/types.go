// Package chunkuploader pushes a file to a chunk upload server. Chunks are sent
// in parallel and the final chunk always goes last, so the server assembles the
// file with either completion detector.
package chunkuploader

import (
	"io"
	"time"

	"github.com/bitrise-io/go-chunkupload/upload"
)

// ChunkProvider provides chunk data for upload.
// Implementations can read from files or memory buffers.
type ChunkProvider interface {
	// NumChunks returns the total number of chunks.
	NumChunks() int

	// ChunkSize returns the size of the chunk at the given index.
	ChunkSize(index int) int64

	// GetChunk returns a reader for the chunk at the given index.
	// For retries, GetChunk may be called multiple times for the same index.
	GetChunk(index int) (io.Reader, error)
}

// ChunkResult is the server's answer to one chunk.
type ChunkResult struct {
	Index    int
	Response upload.Response
	Err      error
}

// UploadResult describes an assembled upload.
type UploadResult struct {
	FileName string
	Status   upload.Status
	Chunks   int
	Size     int64
	SHA256   string
	Took     time.Duration
}
