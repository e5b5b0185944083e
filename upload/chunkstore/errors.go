package chunkstore

import (
	"errors"
	"fmt"
)

// ErrSlotNotFound is returned when a staged slot does not exist.
var ErrSlotNotFound = errors.New("staged slot not found")

// ErrInsufficientSpace is returned when the uploads directory is below the free space floor.
var ErrInsufficientSpace = errors.New("insufficient free space in uploads directory")

// Kind classifies a StoreError.
type Kind string

const (
	// IOFailure covers every write, sync, rename or directory failure.
	IOFailure Kind = "io_failure"
	// InsufficientSpace means the stage was refused before touching disk.
	InsufficientSpace Kind = "insufficient_space"
)

// StoreError is returned by Stage when a chunk could not be durably staged.
type StoreError struct {
	Op       string
	Kind     Kind
	FileName string
	Index    int
	Err      error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("stage chunk %d of %s: %s: %v", e.Index, e.FileName, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
