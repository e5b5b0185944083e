// Package chunkstore durably stages the chunks of in-progress uploads as
// individual slot files inside a single uploads directory.
package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bitrise-io/go-chunkupload/internal"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
	"github.com/google/uuid"
)

// ErrIndexOutOfRange is returned when a chunk index falls outside [0, totalChunks).
var ErrIndexOutOfRange = errors.New("chunk index out of range")

// Entry is a slot or an in-flight temp file found in the uploads directory.
type Entry struct {
	Name     string
	FileName string
	Index    int
	Temp     bool
	Size     int64
	ModTime  time.Time
}

// Store stages chunks under dir.
type Store struct {
	dir    string
	os     internal.OsProxy
	guard  DiskGuard
	logger log.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithOS replaces the file system used by the store.
func WithOS(osProxy internal.OsProxy) Option {
	return func(s *Store) { s.os = osProxy }
}

// WithDiskGuard sets the free space check run before every stage.
func WithDiskGuard(guard DiskGuard) Option {
	return func(s *Store) { s.guard = guard }
}

// New creates the uploads directory if needed and returns a Store rooted at it.
func New(dir string, logger log.Logger, opts ...Option) (*Store, error) {
	s := &Store{
		dir:    dir,
		os:     internal.RealOS{},
		guard:  noGuard{},
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads directory %s: %w", dir, err)
	}
	return s, nil
}

// Dir returns the uploads directory.
func (s *Store) Dir() string {
	return s.dir
}

// OS returns the file system the store operates on.
func (s *Store) OS() internal.OsProxy {
	return s.os
}

// SlotPath returns the absolute path of a staged slot.
func (s *Store) SlotPath(fileName string, index int) string {
	return filepath.Join(s.dir, SlotName(fileName, index))
}

// Stage streams r into the slot of (fileName, index). The payload lands in a
// hidden temp file first and is renamed over the slot only after a successful
// sync, so a slot is either absent, the previous payload, or the new payload.
func (s *Store) Stage(ctx context.Context, fileName string, index, totalChunks int, r io.Reader) (int64, error) {
	if totalChunks < 1 || index < 0 || index >= totalChunks {
		return 0, fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, index, totalChunks)
	}

	if err := s.guard.Check(s.dir); err != nil {
		kind := IOFailure
		if errors.Is(err, ErrInsufficientSpace) {
			kind = InsufficientSpace
		}
		return 0, s.storeError("check free space", kind, fileName, index, err)
	}

	tmpPath := filepath.Join(s.dir, stagingTempName(fileName, index, uuid.NewString()))
	f, err := s.os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, s.storeError("create temp file", IOFailure, fileName, index, err)
	}

	written, err := io.Copy(f, &contextReader{ctx: ctx, r: r})
	if err != nil {
		_ = f.Close()
		s.discard(tmpPath)
		return 0, s.storeError("write chunk", IOFailure, fileName, index, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		s.discard(tmpPath)
		return 0, s.storeError("sync chunk", IOFailure, fileName, index, err)
	}
	if err := f.Close(); err != nil {
		s.discard(tmpPath)
		return 0, s.storeError("close chunk", IOFailure, fileName, index, err)
	}

	if err := s.os.Rename(tmpPath, s.SlotPath(fileName, index)); err != nil {
		s.discard(tmpPath)
		return 0, s.storeError("rename into slot", IOFailure, fileName, index, err)
	}

	s.logger.Debugf("Staged chunk %d/%d of %s (%s)", index+1, totalChunks, fileName, units.HumanSize(float64(written)))
	return written, nil
}

// Open opens a staged slot for reading.
func (s *Store) Open(fileName string, index int) (io.ReadCloser, error) {
	f, err := s.os.Open(s.SlotPath(fileName, index))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", SlotName(fileName, index), ErrSlotNotFound)
		}
		return nil, fmt.Errorf("open slot %s: %w", SlotName(fileName, index), err)
	}
	return f, nil
}

// Exists reports whether the slot of (fileName, index) is staged.
func (s *Store) Exists(fileName string, index int) (bool, error) {
	_, err := s.os.Stat(s.SlotPath(fileName, index))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat slot %s: %w", SlotName(fileName, index), err)
}

// Remove deletes a staged slot. Removing an absent slot is not an error.
func (s *Store) Remove(fileName string, index int) error {
	if err := s.os.Remove(s.SlotPath(fileName, index)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove slot %s: %w", SlotName(fileName, index), err)
	}
	return nil
}

// StagedIndices returns the ascending indices of the slots staged for fileName.
// When totalChunks is positive, indices outside [0, totalChunks) are ignored.
func (s *Store) StagedIndices(fileName string, totalChunks int) ([]int, error) {
	matches, err := doublestar.Glob(s.os.DirFS(s.dir), escapeGlob(fileName)+slotMarker+"*")
	if err != nil {
		return nil, fmt.Errorf("list slots of %s: %w", fileName, err)
	}

	var indices []int
	for _, match := range matches {
		name, index, ok := ParseSlotName(match)
		if !ok || name != fileName {
			continue
		}
		if totalChunks > 0 && index >= totalChunks {
			continue
		}
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices, nil
}

// Count returns how many distinct slots of fileName are staged within [0, totalChunks).
func (s *Store) Count(fileName string, totalChunks int) (int, error) {
	indices, err := s.StagedIndices(fileName, totalChunks)
	if err != nil {
		return 0, err
	}
	return len(indices), nil
}

// Purge removes every staged slot of fileName and reports how many slots and bytes were freed.
func (s *Store) Purge(fileName string) (int, int64, error) {
	indices, err := s.StagedIndices(fileName, 0)
	if err != nil {
		return 0, 0, err
	}

	removed := 0
	var freed int64
	for _, index := range indices {
		if info, err := s.os.Stat(s.SlotPath(fileName, index)); err == nil {
			freed += info.Size()
		}
		if err := s.Remove(fileName, index); err != nil {
			return removed, freed, err
		}
		removed++
	}
	return removed, freed, nil
}

// Entries lists every slot and temp file in the uploads directory.
func (s *Store) Entries() ([]Entry, error) {
	dirEntries, err := fs.ReadDir(s.os.DirFS(s.dir), ".")
	if err != nil {
		return nil, fmt.Errorf("read uploads directory %s: %w", s.dir, err)
	}

	var entries []Entry
	for _, d := range dirEntries {
		if d.IsDir() {
			continue
		}

		entry := Entry{Name: d.Name(), Index: -1}
		if fileName, index, ok := ParseSlotName(d.Name()); ok {
			entry.FileName = fileName
			entry.Index = index
		} else if IsTempName(d.Name()) {
			entry.Temp = true
		} else {
			continue
		}

		info, err := d.Info()
		if err != nil {
			// Renamed or removed since the listing.
			continue
		}
		entry.Size = info.Size()
		entry.ModTime = info.ModTime()
		entries = append(entries, entry)
	}
	return entries, nil
}

// RemoveEntry deletes a slot or temp file previously returned by Entries.
func (s *Store) RemoveEntry(e Entry) error {
	if filepath.Base(e.Name) != e.Name {
		return fmt.Errorf("invalid entry name: %s", e.Name)
	}
	if err := s.os.Remove(filepath.Join(s.dir, e.Name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", e.Name, err)
	}
	return nil
}

func (s *Store) storeError(op string, kind Kind, fileName string, index int, err error) error {
	s.logger.Warnf("Failed to stage chunk %d of %s (%s): %s", index, fileName, op, err)
	return &StoreError{Op: op, Kind: kind, FileName: fileName, Index: index, Err: err}
}

func (s *Store) discard(path string) {
	if err := s.os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warnf("Failed to remove temp file %s: %s", path, err)
	}
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
