package chunkuploader

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-chunkupload/compression"
	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/bitrise-io/go-chunkupload/upload/assembler"
	"github.com/bitrise-io/go-chunkupload/upload/chunkstore"
	"github.com/bitrise-io/go-chunkupload/upload/completion"
	"github.com/bitrise-io/go-chunkupload/upload/session"
	"github.com/bitrise-io/go-chunkupload/upload/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUploadServer(t *testing.T, detector completion.Detector) (string, string) {
	t.Helper()
	logger := log.NewLogger()

	store, err := chunkstore.New(t.TempDir(), logger)
	require.NoError(t, err)
	registry, err := session.Open(filepath.Join(t.TempDir(), "sessions.db"), session.Options{}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close() })

	coordinator := upload.NewCoordinator(store, assembler.New(store, logger), registry, session.NewLocks(), logger,
		upload.WithDetector(detector))
	server := httptest.NewServer(transport.NewServer(transport.Config{}, coordinator, logger).Handler())
	t.Cleanup(server.Close)
	return server.URL, store.Dir()
}

func testConfig() Config {
	config := DefaultConfig()
	config.Concurrency = 4
	config.RetryWait = 10 * time.Millisecond
	config.HungThreshold = 0
	return config
}

func randomData(t *testing.T, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.New(rand.NewSource(42)).Read(data)
	require.NoError(t, err)
	return data
}

func TestUploader_Upload_EndToEnd(t *testing.T) {
	data := randomData(t, 100*1024+17)
	sum := sha256.Sum256(data)

	tests := []struct {
		name     string
		detector completion.Detector
		encoding string
	}{
		{name: "staged count", detector: completion.StagedCount{}, encoding: compression.Identity},
		{name: "last index", detector: completion.LastIndex{}, encoding: compression.Identity},
		{name: "zstd chunks", detector: completion.StagedCount{}, encoding: compression.Zstd},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			serverURL, dir := newUploadServer(t, tt.detector)

			config := testConfig()
			config.Encoding = tt.encoding
			uploader := New(serverURL, config, log.NewLogger())
			defer uploader.CloseIdleConnections()

			result, err := uploader.Upload(context.Background(), "payload.bin", SplitBytes(data, 8*1024))
			require.NoError(t, err)

			assert.Equal(t, upload.StatusComplete, result.Status)
			assert.Equal(t, 13, result.Chunks)
			assert.Equal(t, int64(len(data)), result.Size)
			assert.Equal(t, hex.EncodeToString(sum[:]), result.SHA256)
			assert.Equal(t, int64(13), uploader.Stats().FinishedCount())
			assert.Equal(t, int64(len(data)), uploader.Stats().Bytes())

			got, err := os.ReadFile(filepath.Join(dir, "payload.bin"))
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data, got))
		})
	}
}

func TestUploader_UploadFile(t *testing.T) {
	serverURL, dir := newUploadServer(t, completion.StagedCount{})

	src := filepath.Join(t.TempDir(), "report.pdf")
	data := randomData(t, 10*1024)
	require.NoError(t, os.WriteFile(src, data, 0o644))

	config := testConfig()
	config.ChunkSize = 3000
	uploader := New(serverURL, config, log.NewLogger())

	result, err := uploader.UploadFile(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", result.FileName)
	assert.Equal(t, 4, result.Chunks)

	got, err := os.ReadFile(filepath.Join(dir, "report.pdf"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestUploader_UploadFile_Empty(t *testing.T) {
	serverURL, dir := newUploadServer(t, completion.StagedCount{})

	src := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(src, nil, 0o644))

	result, err := New(serverURL, testConfig(), log.NewLogger()).UploadFile(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.Size)

	info, err := os.Stat(filepath.Join(dir, "empty.txt"))
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestUploader_Upload_RetriesServerErrors(t *testing.T) {
	var requestCount int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requestCount, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("temporary error"))
			return
		}
		_ = json.NewEncoder(w).Encode(upload.Response{Status: upload.StatusComplete, Received: 1, Size: 9})
	}))
	defer server.Close()

	uploader := New(server.URL, testConfig(), log.NewLogger())
	result, err := uploader.Upload(context.Background(), "test.bin", NewByteSliceChunkProvider([][]byte{[]byte("test-data")}))
	require.NoError(t, err)

	assert.Equal(t, int64(9), result.Size)
	assert.Equal(t, int32(3), atomic.LoadInt32(&requestCount))
}

func TestUploader_Upload_RejectionIsNotRetried(t *testing.T) {
	var requestCount int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requestCount, 1)
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(transport.ErrorResponse{Error: "total chunks changed", Code: "total_chunks_mismatch"})
	}))
	defer server.Close()

	uploader := New(server.URL, testConfig(), log.NewLogger())
	_, err := uploader.Upload(context.Background(), "test.bin", NewByteSliceChunkProvider([][]byte{[]byte("x")}))
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusConflict, statusErr.StatusCode)
	assert.Equal(t, "total_chunks_mismatch", statusErr.Code)
	assert.Equal(t, "HTTP 409: total chunks changed", statusErr.Error())
	assert.Equal(t, int32(1), atomic.LoadInt32(&requestCount))
}

func TestUploader_Upload_FinalChunkMustComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(upload.Response{Status: upload.StatusProgress, Message: "chunk 1 of 2 received"})
	}))
	defer server.Close()

	uploader := New(server.URL, testConfig(), log.NewLogger())
	_, err := uploader.Upload(context.Background(), "test.bin", NewByteSliceChunkProvider([][]byte{[]byte("a"), []byte("b")}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not assemble")
}

func TestUploader_Upload_InvalidFileName(t *testing.T) {
	uploader := New("http://127.0.0.1:1", testConfig(), log.NewLogger())
	_, err := uploader.Upload(context.Background(), "../escape", NewByteSliceChunkProvider([][]byte{[]byte("x")}))
	require.Error(t, err)
}

func TestUploader_Upload_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	uploader := New(server.URL, testConfig(), log.NewLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := uploader.Upload(ctx, "test.bin", NewByteSliceChunkProvider([][]byte{[]byte("test-data")}))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStats(t *testing.T) {
	stats := NewStats()
	assert.Zero(t, stats.FinishedCount())
	assert.Zero(t, stats.Average())

	stats.Update(100*time.Millisecond, 10)
	stats.Update(200*time.Millisecond, 20)
	stats.Update(300*time.Millisecond, 30)

	assert.Equal(t, int64(3), stats.FinishedCount())
	assert.Equal(t, 200*time.Millisecond, stats.Average())
	assert.Equal(t, int64(60), stats.Bytes())
}

func TestOptimalChunkSizeBytes(t *testing.T) {
	tests := []struct {
		name        string
		totalSize   int64
		concurrency int
		want        int64
	}{
		{name: "small file uses the minimum", totalSize: 10 * 1024 * 1024, concurrency: 4, want: minChunkSize},
		{name: "spread over workers", totalSize: 160 * 1024 * 1024, concurrency: 10, want: 16 * 1024 * 1024},
		{name: "huge file uses the maximum", totalSize: 10 * 1024 * 1024 * 1024, concurrency: 20, want: maxChunkSize},
		{name: "zero concurrency", totalSize: 1024, concurrency: 0, want: minChunkSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, OptimalChunkSizeBytes(tt.totalSize, tt.concurrency))
		})
	}
}

func TestDefaultConcurrency(t *testing.T) {
	c := DefaultConcurrency()
	assert.GreaterOrEqual(t, c, 2)
	assert.LessOrEqual(t, c, 20)
}
