package chunkuploader

import (
	"net/http"
	"runtime"
	"time"

	"github.com/bitrise-io/go-chunkupload/compression"
)

const (
	minChunkSize = 4 * 1024 * 1024
	maxChunkSize = 32 * 1024 * 1024
)

// Config holds configuration for the chunk uploader.
type Config struct {
	// Concurrency is the maximum number of parallel chunk uploads.
	// Default: min(NumCPU * 3, 20), minimum 2
	Concurrency int

	// ChunkSize is the size of every chunk but the last.
	// Default: derived from the file size by OptimalChunkSizeBytes
	ChunkSize int64

	// MaxRetryPerChunk is the maximum number of attempts per chunk for
	// connection errors and 5xx answers.
	// Default: 3
	MaxRetryPerChunk int

	// RetryWait is the minimum pause between two attempts of the same chunk.
	// Default: 1 second
	RetryWait time.Duration

	// HungThreshold restarts a chunk upload that runs this much longer than
	// the average chunk. Zero disables hung detection.
	// Default: 30 seconds
	HungThreshold time.Duration

	// Encoding compresses every chunk before sending it (identity or zstd).
	Encoding string

	// CompressionLevel is the zstd level used when Encoding is zstd.
	CompressionLevel int

	// HTTPClient is the HTTP client wrapped by the retrying client.
	// If nil, a default client tuned for parallel uploads is created.
	HTTPClient *http.Client
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:      DefaultConcurrency(),
		MaxRetryPerChunk: 3,
		RetryWait:        time.Second,
		HungThreshold:    30 * time.Second,
		Encoding:         compression.Identity,
		CompressionLevel: 3,
	}
}

// DefaultConcurrency calculates the default concurrency based on CPU count.
func DefaultConcurrency() int {
	c := runtime.NumCPU() * 3

	if c > 20 {
		c = 20
	}

	if c < 2 {
		c = 2
	}

	return c
}

// DefaultHTTPClient creates an HTTP client for chunk uploads.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// individual chunk deadlines come from the context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// OptimalChunkSizeBytes spreads totalSize over concurrency chunks, clamped
// between 4 MiB and 32 MiB.
func OptimalChunkSizeBytes(totalSize int64, concurrency int) int64 {
	if concurrency < 1 {
		concurrency = 1
	}
	cs := totalSize / int64(concurrency)

	if cs < minChunkSize {
		cs = minChunkSize
	}
	if cs > maxChunkSize {
		cs = maxChunkSize
	}
	return cs
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.MaxRetryPerChunk <= 0 {
		c.MaxRetryPerChunk = d.MaxRetryPerChunk
	}
	if c.RetryWait <= 0 {
		c.RetryWait = d.RetryWait
	}
	if c.Encoding == "" {
		c.Encoding = d.Encoding
	}
	if c.CompressionLevel == 0 {
		c.CompressionLevel = d.CompressionLevel
	}
	return c
}
