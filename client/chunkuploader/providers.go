package chunkuploader

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// FileChunkProvider reads chunks from a file on disk.
// Safe for parallel chunk reads.
type FileChunkProvider struct {
	file      *os.File
	size      int64
	chunkSize int64
	numChunks int
}

// NewFileChunkProvider splits the file at path into chunkSize chunks. An empty
// file yields a single empty chunk.
func NewFileChunkProvider(path string, chunkSize int64) (*FileChunkProvider, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		_ = file.Close()
		return nil, fmt.Errorf("%s is not a regular file", path)
	}

	numChunks := int((info.Size() + chunkSize - 1) / chunkSize)
	if numChunks == 0 {
		numChunks = 1
	}

	return &FileChunkProvider{
		file:      file,
		size:      info.Size(),
		chunkSize: chunkSize,
		numChunks: numChunks,
	}, nil
}

// NumChunks returns the total number of chunks.
func (p *FileChunkProvider) NumChunks() int {
	return p.numChunks
}

// Size returns the size of the whole file.
func (p *FileChunkProvider) Size() int64 {
	return p.size
}

// ChunkSize returns the size of the chunk at the given index.
func (p *FileChunkProvider) ChunkSize(index int) int64 {
	if index < 0 || index >= p.numChunks {
		return 0
	}
	if index == p.numChunks-1 {
		return p.size - int64(index)*p.chunkSize
	}
	return p.chunkSize
}

// GetChunk returns a reader over the chunk at the given index.
func (p *FileChunkProvider) GetChunk(index int) (io.Reader, error) {
	if index < 0 || index >= p.numChunks {
		return nil, fmt.Errorf("chunk index %d out of range [0, %d)", index, p.numChunks)
	}
	return io.NewSectionReader(p.file, int64(index)*p.chunkSize, p.ChunkSize(index)), nil
}

// Close closes the underlying file.
func (p *FileChunkProvider) Close() error {
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}

// ByteSliceChunkProvider provides chunks from pre-loaded byte slices.
type ByteSliceChunkProvider struct {
	chunks [][]byte
}

// NewByteSliceChunkProvider creates a ChunkProvider from byte slices.
func NewByteSliceChunkProvider(chunks [][]byte) *ByteSliceChunkProvider {
	return &ByteSliceChunkProvider{chunks: chunks}
}

// SplitBytes cuts data into chunkSize pieces.
func SplitBytes(data []byte, chunkSize int) *ByteSliceChunkProvider {
	if chunkSize <= 0 || len(data) == 0 {
		return NewByteSliceChunkProvider([][]byte{data})
	}
	var chunks [][]byte
	for start := 0; start < len(data); start += chunkSize {
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[start:end])
	}
	return NewByteSliceChunkProvider(chunks)
}

// NumChunks returns the total number of chunks.
func (p *ByteSliceChunkProvider) NumChunks() int {
	return len(p.chunks)
}

// ChunkSize returns the size of the chunk at the given index.
func (p *ByteSliceChunkProvider) ChunkSize(index int) int64 {
	if index < 0 || index >= len(p.chunks) {
		return 0
	}
	return int64(len(p.chunks[index]))
}

// GetChunk returns a reader for the chunk at the given index.
func (p *ByteSliceChunkProvider) GetChunk(index int) (io.Reader, error) {
	if index < 0 || index >= len(p.chunks) {
		return nil, fmt.Errorf("chunk index %d out of range [0, %d)", index, len(p.chunks))
	}
	return bytes.NewReader(p.chunks[index]), nil
}
