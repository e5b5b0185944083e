package chunkuploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-chunkupload/compression"
	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/bitrise-io/go-chunkupload/upload/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/docker/go-units"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"
)

// maxHungRestarts bounds how often one chunk is restarted by hung detection.
const maxHungRestarts = 2

// StatusError is a non-2xx answer of the upload server.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Uploader sends the chunks of one file to the upload server with retries
// and hung request detection.
type Uploader struct {
	config    Config
	serverURL string
	client    *retryablehttp.Client
	logger    log.Logger
	stats     *Stats
}

// New creates an Uploader for the server at serverURL.
func New(serverURL string, config Config, logger log.Logger) *Uploader {
	config = config.withDefaults()

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = DefaultHTTPClient()
	}

	client := retryhttp.NewClient(logger)
	client.HTTPClient = httpClient
	client.RetryMax = config.MaxRetryPerChunk - 1
	client.RetryWaitMin = config.RetryWait
	client.RetryWaitMax = 4 * config.RetryWait
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Uploader{
		config:    config,
		serverURL: strings.TrimSuffix(serverURL, "/"),
		client:    client,
		logger:    logger,
		stats:     NewStats(),
	}
}

// UploadFile pushes the file at path under its base name.
func (u *Uploader) UploadFile(ctx context.Context, path string) (*UploadResult, error) {
	chunkSize := u.config.ChunkSize
	if chunkSize <= 0 {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat file: %w", err)
		}
		chunkSize = OptimalChunkSizeBytes(info.Size(), u.config.Concurrency)
	}

	provider, err := NewFileChunkProvider(path, chunkSize)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := provider.Close(); err != nil {
			u.logger.Warnf("Failed to close %s: %s", path, err)
		}
	}()

	u.logger.Infof("Uploading %s (%s) in %d chunks of %s", path,
		units.HumanSizeWithPrecision(float64(provider.Size()), 3), provider.NumChunks(),
		units.HumanSizeWithPrecision(float64(chunkSize), 3))

	return u.Upload(ctx, filepath.Base(path), provider)
}

// Upload sends every chunk of provider as fileName. All chunks but the last
// are sent in parallel; the last one is sent once the others were accepted
// and must complete the upload.
func (u *Uploader) Upload(ctx context.Context, fileName string, provider ChunkProvider) (*UploadResult, error) {
	if err := upload.ValidateFileName(fileName); err != nil {
		return nil, err
	}
	numChunks := provider.NumChunks()
	if numChunks < 1 {
		return nil, fmt.Errorf("%s has no chunks to upload", fileName)
	}

	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.config.Concurrency)
	for i := 0; i < numChunks-1; i++ {
		i := i
		g.Go(func() error {
			result := u.uploadChunkWithRetry(gctx, fileName, provider, i, numChunks)
			if result.Err != nil {
				return fmt.Errorf("chunk %d failed: %w", i+1, result.Err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	final := u.uploadChunkWithRetry(ctx, fileName, provider, numChunks-1, numChunks)
	if final.Err != nil {
		return nil, fmt.Errorf("final chunk failed: %w", final.Err)
	}

	resp := final.Response
	switch resp.Status {
	case upload.StatusComplete, upload.StatusAlreadyAssembled:
	default:
		return nil, fmt.Errorf("server did not assemble %s after the final chunk: %s", fileName, resp.Message)
	}

	took := time.Since(start)
	u.logger.Donef("Uploaded %s (%s sent) in %s (sha256 %s)", fileName,
		units.HumanSizeWithPrecision(float64(u.stats.Bytes()), 3), took.Round(time.Millisecond), resp.SHA256)

	return &UploadResult{
		FileName: fileName,
		Status:   resp.Status,
		Chunks:   resp.Received,
		Size:     resp.Size,
		SHA256:   resp.SHA256,
		Took:     took,
	}, nil
}

// Stats returns the upload statistics.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

// CloseIdleConnections closes idle connections in the HTTP client.
func (u *Uploader) CloseIdleConnections() {
	u.client.HTTPClient.CloseIdleConnections()
}

func (u *Uploader) uploadChunkWithRetry(ctx context.Context, fileName string, provider ChunkProvider, index, totalChunks int) ChunkResult {
	body, contentType, err := u.chunkBody(fileName, provider, index, totalChunks)
	if err != nil {
		return ChunkResult{Index: index, Err: err}
	}

	for restart := 0; ; restart++ {
		u.logger.Debugf("Uploading chunk %d/%d of %s [finished=%d] [avg=%v]",
			index+1, totalChunks, fileName, u.stats.FinishedCount(), u.stats.Average().Round(time.Millisecond))

		start := time.Now()
		chunkCtx, cancelChunk := context.WithCancel(ctx)

		var hung atomic.Bool
		if restart < maxHungRestarts && u.config.HungThreshold > 0 {
			go u.detectHungUpload(chunkCtx, cancelChunk, &hung, start, index)
		}

		resp, err := u.postChunk(chunkCtx, body, contentType)
		cancelChunk()

		if err == nil {
			took := time.Since(start)
			u.stats.Update(took, provider.ChunkSize(index))
			u.logger.Infof("Chunk %d/%d of %s accepted in %v (%s)", index+1, totalChunks, fileName, took.Round(time.Millisecond), resp.Status)
			return ChunkResult{Index: index, Response: resp}
		}

		if ctx.Err() != nil {
			return ChunkResult{Index: index, Err: fmt.Errorf("chunk %d upload cancelled: %w", index+1, ctx.Err())}
		}
		if !hung.Load() {
			return ChunkResult{Index: index, Err: err}
		}

		backoff := time.Duration(restart+1) * u.config.RetryWait
		u.logger.Warnf("Chunk %d restarted after hanging, retrying in %v", index+1, backoff)
		select {
		case <-ctx.Done():
			return ChunkResult{Index: index, Err: fmt.Errorf("chunk %d upload cancelled: %w", index+1, ctx.Err())}
		case <-time.After(backoff):
		}
	}
}

func (u *Uploader) detectHungUpload(ctx context.Context, cancel context.CancelFunc, hung *atomic.Bool, start time.Time, index int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if u.stats.FinishedCount() == 0 {
				continue
			}
			elapsed := time.Since(start)
			avg := u.stats.Average()
			if elapsed-avg > u.config.HungThreshold {
				u.logger.Warnf("Found hung chunk upload (chunk %d); canceling request after %s (avg: %s)",
					index+1, elapsed.Round(time.Second), avg.Round(time.Second))
				hung.Store(true)
				cancel()
				return
			}
		}
	}
}

// chunkBody builds the multipart form of one chunk. It is kept in memory so
// that retries can resend it.
func (u *Uploader) chunkBody(fileName string, provider ChunkProvider, index, totalChunks int) ([]byte, string, error) {
	reader, err := provider.GetChunk(index)
	if err != nil {
		return nil, "", fmt.Errorf("get chunk %d: %w", index+1, err)
	}
	payload, err := compression.EncodeReader(u.config.Encoding, reader, u.config.CompressionLevel)
	if err != nil {
		return nil, "", fmt.Errorf("encode chunk %d: %w", index+1, err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"fileName", fileName},
		{"chunkIndex", strconv.Itoa(index)},
		{"totalChunks", strconv.Itoa(totalChunks)},
		{"encoding", u.config.Encoding},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	part, err := w.CreateFormFile("chunk", fileName)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(payload); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func (u *Uploader) postChunk(ctx context.Context, body []byte, contentType string) (upload.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, u.serverURL+transport.UploadChunkPath, body)
	if err != nil {
		return upload.Response{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := u.client.Do(req)
	if err != nil {
		return upload.Response{}, err
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			u.logger.Warnf("Failed to close response body: %s", err)
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return upload.Response{}, unwrapError(resp)
	}

	var response upload.Response
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return upload.Response{}, fmt.Errorf("decode response: %w", err)
	}
	return response, nil
}

func unwrapError(resp *http.Response) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	statusErr := &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	var errResp transport.ErrorResponse
	if json.Unmarshal(raw, &errResp) == nil && errResp.Error != "" {
		statusErr.Code = errResp.Code
		statusErr.Message = errResp.Error
	}
	return statusErr
}
