// Package assembler concatenates the staged slots of a completed upload into
// the final artifact.
package assembler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-chunkupload/internal"
	"github.com/bitrise-io/go-chunkupload/upload/chunkstore"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/google/uuid"
)

const defaultBufferSize = 256 * 1024

// SlotSource is the part of the chunk store the assembler reads from.
type SlotSource interface {
	Dir() string
	OS() internal.OsProxy
	Exists(fileName string, index int) (bool, error)
	Open(fileName string, index int) (io.ReadCloser, error)
	Remove(fileName string, index int) error
}

// Result describes a successfully assembled artifact.
type Result struct {
	FileName string
	Path     string
	Size     int64
	SHA256   string
	Chunks   int
	Took     time.Duration
}

// Assembler streams slots into the artifact one at a time with a fixed copy buffer.
type Assembler struct {
	slots      SlotSource
	logger     log.Logger
	bufferSize int
}

// New ...
func New(slots SlotSource, logger log.Logger) *Assembler {
	return &Assembler{
		slots:      slots,
		logger:     logger,
		bufferSize: defaultBufferSize,
	}
}

// Assemble writes slots 0..totalChunks-1 of fileName, in index order, into
// <uploads dir>/<fileName> and deletes each slot once it has been copied.
//
// Every slot is checked before anything is consumed, so a MissingSlotError
// leaves the session untouched. Later failures remove the partial output but
// cannot bring back slots that were already deleted.
func (a *Assembler) Assemble(ctx context.Context, fileName string, totalChunks int) (Result, error) {
	if totalChunks < 1 {
		return Result{}, fmt.Errorf("assemble %s: invalid total chunks: %d", fileName, totalChunks)
	}

	for i := 0; i < totalChunks; i++ {
		ok, err := a.slots.Exists(fileName, i)
		if err != nil {
			return Result{}, &IOError{Op: "stat slot", FileName: fileName, Index: i, Err: err}
		}
		if !ok {
			a.logger.Warnf("Cannot assemble %s: chunk %d of %d is missing", fileName, i+1, totalChunks)
			return Result{}, &MissingSlotError{FileName: fileName, Index: i}
		}
	}

	start := time.Now()
	osProxy := a.slots.OS()
	finalPath := filepath.Join(a.slots.Dir(), fileName)
	tmpPath := filepath.Join(a.slots.Dir(), chunkstore.AssemblyTempName(fileName, uuid.NewString()))

	out, err := osProxy.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return Result{}, &IOError{Op: "create output", FileName: fileName, Index: -1, Err: err}
	}

	fail := func(err error) (Result, error) {
		if closeErr := out.Close(); closeErr != nil && !errors.Is(closeErr, fs.ErrClosed) {
			a.logger.Debugf("Closing partial output of %s: %s", fileName, closeErr)
		}
		if removeErr := osProxy.Remove(tmpPath); removeErr != nil && !errors.Is(removeErr, fs.ErrNotExist) {
			a.logger.Warnf("Failed to remove partial output %s: %s", tmpPath, removeErr)
		}
		a.logger.Errorf("Assembly of %s failed: %s", fileName, err)
		return Result{}, err
	}

	hash := sha256.New()
	w := io.MultiWriter(out, hash)
	buf := make([]byte, a.bufferSize)

	var size int64
	for i := 0; i < totalChunks; i++ {
		if err := ctx.Err(); err != nil {
			return fail(&IOError{Op: "cancelled", FileName: fileName, Index: i, Err: err})
		}

		n, err := a.appendSlot(w, buf, fileName, i)
		if err != nil {
			return fail(err)
		}
		size += n
	}

	if err := out.Sync(); err != nil {
		return fail(&IOError{Op: "sync output", FileName: fileName, Index: -1, Err: err})
	}
	if err := out.Close(); err != nil {
		return fail(&IOError{Op: "close output", FileName: fileName, Index: -1, Err: err})
	}
	if err := osProxy.Rename(tmpPath, finalPath); err != nil {
		return fail(&IOError{Op: "rename output", FileName: fileName, Index: -1, Err: err})
	}

	result := Result{
		FileName: fileName,
		Path:     finalPath,
		Size:     size,
		SHA256:   hex.EncodeToString(hash.Sum(nil)),
		Chunks:   totalChunks,
		Took:     time.Since(start),
	}
	a.logger.Donef("Assembled %s from %d chunks (%s) in %s", fileName, totalChunks,
		units.HumanSizeWithPrecision(float64(size), 3), result.Took.Round(time.Millisecond))

	return result, nil
}

func (a *Assembler) appendSlot(w io.Writer, buf []byte, fileName string, index int) (int64, error) {
	r, err := a.slots.Open(fileName, index)
	if err != nil {
		if errors.Is(err, chunkstore.ErrSlotNotFound) {
			return 0, &MissingSlotError{FileName: fileName, Index: index}
		}
		return 0, &IOError{Op: "open slot", FileName: fileName, Index: index, Err: err}
	}

	n, err := io.CopyBuffer(w, r, buf)
	closeErr := r.Close()
	if err != nil {
		return n, &IOError{Op: "copy slot", FileName: fileName, Index: index, Err: err}
	}
	if closeErr != nil {
		return n, &IOError{Op: "close slot", FileName: fileName, Index: index, Err: closeErr}
	}

	if err := a.slots.Remove(fileName, index); err != nil {
		return n, &IOError{Op: "delete slot", FileName: fileName, Index: index, Err: err}
	}
	a.logger.Debugf("Appended chunk %d of %s (%d bytes)", index+1, fileName, n)

	return n, nil
}
