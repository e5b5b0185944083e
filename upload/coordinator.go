// Package upload receives chunk submissions, stages them and assembles the
// final artifact once an upload session is complete.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bitrise-io/go-chunkupload/compression"
	"github.com/bitrise-io/go-chunkupload/upload/assembler"
	"github.com/bitrise-io/go-chunkupload/upload/completion"
	"github.com/bitrise-io/go-chunkupload/upload/session"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// ChunkStore stages chunks and answers which of them are present.
type ChunkStore interface {
	Stage(ctx context.Context, fileName string, index, totalChunks int, r io.Reader) (int64, error)
	StagedIndices(fileName string, totalChunks int) ([]int, error)
}

// Assembler concatenates the staged slots of a session.
type Assembler interface {
	Assemble(ctx context.Context, fileName string, totalChunks int) (assembler.Result, error)
}

// SessionRegistry persists upload sessions.
type SessionRegistry interface {
	Begin(ctx context.Context, fileName string, totalChunks int) (session.Session, error)
	Get(ctx context.Context, fileName string) (session.Session, error)
	Seal(ctx context.Context, fileName string, artifact session.Artifact) (session.Session, error)
}

// Status of a successful submission.
type Status string

// Submission outcomes.
const (
	StatusProgress         Status = "progress"
	StatusComplete         Status = "complete"
	// StatusAlreadyAssembled answers a chunk that was staged and then consumed
	// by a concurrent submission assembling the same session.
	StatusAlreadyAssembled Status = "already_assembled"
)

// Response is returned for every accepted chunk.
type Response struct {
	Status      Status `json:"status"`
	Message     string `json:"message"`
	FileName    string `json:"fileName"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	// Received is the number of distinct chunks currently staged (progress)
	// or consumed by the assembly (complete).
	Received int    `json:"received"`
	Size     int64  `json:"size,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
}

// Report describes the state of one upload session.
type Report struct {
	FileName    string        `json:"fileName"`
	State       session.State `json:"state"`
	TotalChunks int           `json:"totalChunks"`
	Staged      []int         `json:"staged"`
	Missing     []int         `json:"missing"`
	Size        int64         `json:"size,omitempty"`
	SHA256      string        `json:"sha256,omitempty"`
}

// Coordinator validates chunk submissions, stages them and runs the
// assembler synchronously when the detector reports completion.
type Coordinator struct {
	store        ChunkStore
	assembler    Assembler
	registry     SessionRegistry
	locks        *session.Locks
	detector     completion.Detector
	maxChunkSize int64
	logger       log.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithDetector replaces the default staged-count completion detector.
func WithDetector(d completion.Detector) Option {
	return func(c *Coordinator) { c.detector = d }
}

// WithMaxChunkSize rejects decoded chunks larger than n bytes. Zero disables the limit.
func WithMaxChunkSize(n int64) Option {
	return func(c *Coordinator) { c.maxChunkSize = n }
}

// NewCoordinator ...
func NewCoordinator(store ChunkStore, asm Assembler, registry SessionRegistry, locks *session.Locks, logger log.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		assembler: asm,
		registry:  registry,
		locks:     locks,
		detector:  completion.StagedCount{},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ReceiveChunk stages one chunk and, if it completes its session, assembles
// the final artifact before returning.
func (c *Coordinator) ReceiveChunk(ctx context.Context, req Request) (Response, error) {
	if err := req.Validate(); err != nil {
		c.logger.Warnf("Rejected chunk of %q: %s", req.FileName, err)
		return Response{}, err
	}

	if err := c.stage(ctx, req); err != nil {
		return Response{}, err
	}
	return c.complete(ctx, req)
}

// Status reports the staged and missing chunks of fileName.
func (c *Coordinator) Status(ctx context.Context, fileName string) (Report, error) {
	if err := ValidateFileName(fileName); err != nil {
		return Report{}, err
	}

	unlock := c.locks.RLock(fileName)
	defer unlock()

	s, err := c.registry.Get(ctx, fileName)
	if err != nil {
		return Report{}, err
	}

	report := Report{
		FileName:    s.FileName,
		State:       s.State,
		TotalChunks: s.TotalChunks,
		Staged:      []int{},
		Missing:     []int{},
	}
	if s.Assembled() {
		if s.Artifact != nil {
			report.Size = s.Artifact.Size
			report.SHA256 = s.Artifact.SHA256
		}
		return report, nil
	}

	staged, err := c.store.StagedIndices(fileName, s.TotalChunks)
	if err != nil {
		return Report{}, err
	}
	report.Staged = append(report.Staged, staged...)

	present := make(map[int]bool, len(staged))
	for _, i := range staged {
		present[i] = true
	}
	for i := 0; i < s.TotalChunks; i++ {
		if !present[i] {
			report.Missing = append(report.Missing, i)
		}
	}
	return report, nil
}

// stage writes the chunk under the shared side of the session lock.
func (c *Coordinator) stage(ctx context.Context, req Request) error {
	unlock := c.locks.RLock(req.FileName)
	defer unlock()

	if _, err := c.registry.Begin(ctx, req.FileName, req.TotalChunks); err != nil {
		if errors.Is(err, session.ErrTotalChunksMismatch) {
			c.logger.Warnf("Rejected chunk %d of %s: %s", req.ChunkIndex, req.FileName, err)
		}
		return fmt.Errorf("register chunk %d of %s: %w", req.ChunkIndex, req.FileName, err)
	}

	payload, err := compression.NewDecoder(req.Encoding, req.Payload)
	if err != nil {
		return &ValidationError{Field: "encoding", Reason: err.Error()}
	}
	defer func() {
		if cerr := payload.Close(); cerr != nil {
			c.logger.Debugf("Closing chunk decoder: %s", cerr)
		}
	}()

	var r io.Reader = payload
	if c.maxChunkSize > 0 {
		r = newChunkLimitReader(payload, c.maxChunkSize)
	}

	_, err = c.store.Stage(ctx, req.FileName, req.ChunkIndex, req.TotalChunks, r)
	return err
}

// complete runs detection and assembly under the exclusive side of the
// session lock so that exactly one submission assembles a session.
func (c *Coordinator) complete(ctx context.Context, req Request) (Response, error) {
	unlock := c.locks.Lock(req.FileName)
	defer unlock()

	s, err := c.registry.Get(ctx, req.FileName)
	if err != nil {
		return Response{}, fmt.Errorf("load session of %s: %w", req.FileName, err)
	}
	if s.Assembled() {
		// Another submission of the same session won the race and consumed this chunk.
		// Chunks registered after the seal start a new session instead.
		return alreadyAssembled(req, s), nil
	}

	staged, err := c.store.StagedIndices(req.FileName, req.TotalChunks)
	if err != nil {
		return Response{}, fmt.Errorf("count staged chunks of %s: %w", req.FileName, err)
	}

	if !c.detector.Complete(req.ChunkIndex, req.TotalChunks, len(staged)) {
		c.logger.Printf("Received chunk %d/%d of %s (%d staged)", req.ChunkIndex+1, req.TotalChunks, req.FileName, len(staged))
		return Response{
			Status:      StatusProgress,
			Message:     fmt.Sprintf("chunk %d of %d received", req.ChunkIndex+1, req.TotalChunks),
			FileName:    req.FileName,
			ChunkIndex:  req.ChunkIndex,
			TotalChunks: req.TotalChunks,
			Received:    len(staged),
		}, nil
	}

	c.logger.Infof("All %d chunks of %s received (%s detection), assembling", req.TotalChunks, req.FileName, c.detector.Name())
	result, err := c.assembler.Assemble(ctx, req.FileName, req.TotalChunks)
	if err != nil {
		return Response{}, err
	}

	if _, err := c.registry.Seal(ctx, req.FileName, session.Artifact{Size: result.Size, SHA256: result.SHA256}); err != nil {
		// The artifact is complete; the session stays receiving until the sweeper expires it.
		c.logger.Errorf("Failed to mark %s as assembled: %s", req.FileName, err)
	}

	c.logger.Donef("File %s received and assembled (%s)", req.FileName, units.HumanSizeWithPrecision(float64(result.Size), 3))
	return Response{
		Status:      StatusComplete,
		Message:     fmt.Sprintf("file %s received and assembled", req.FileName),
		FileName:    req.FileName,
		ChunkIndex:  req.ChunkIndex,
		TotalChunks: req.TotalChunks,
		Received:    result.Chunks,
		Size:        result.Size,
		SHA256:      result.SHA256,
	}, nil
}

func alreadyAssembled(req Request, s session.Session) Response {
	resp := Response{
		Status:      StatusAlreadyAssembled,
		Message:     fmt.Sprintf("file %s was already received and assembled", req.FileName),
		FileName:    req.FileName,
		ChunkIndex:  req.ChunkIndex,
		TotalChunks: req.TotalChunks,
		Received:    s.TotalChunks,
	}
	if s.Artifact != nil {
		resp.Size = s.Artifact.Size
		resp.SHA256 = s.Artifact.SHA256
	}
	return resp
}
