package assembler

import (
	"errors"
	"fmt"
)

// ErrMissingSlot matches every *MissingSlotError.
var ErrMissingSlot = errors.New("missing staged slot")

// MissingSlotError is returned when a slot in [0, totalChunks) is not staged.
type MissingSlotError struct {
	FileName string
	Index    int
}

func (e *MissingSlotError) Error() string {
	return fmt.Sprintf("assemble %s: chunk %d is not staged", e.FileName, e.Index)
}

// Is ...
func (e *MissingSlotError) Is(target error) bool {
	return target == ErrMissingSlot
}

// IOError wraps a read, write, delete or rename failure during assembly.
// Index is -1 when the failure is not tied to a single slot.
type IOError struct {
	Op       string
	FileName string
	Index    int
	Err      error
}

func (e *IOError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("assemble %s: %s: %v", e.FileName, e.Op, e.Err)
	}
	return fmt.Sprintf("assemble %s: %s (chunk %d): %v", e.FileName, e.Op, e.Index, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
