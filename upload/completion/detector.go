// Package completion decides when an upload session has received all of its chunks.
package completion

import (
	"fmt"
	"strings"
)

// Detection modes accepted by Parse.
const (
	ModeStagedCount = "staged"
	ModeLastIndex   = "index"
)

// Detector decides whether the chunk that was just staged completes its session.
type Detector interface {
	// Complete is called after chunkIndex was staged and staged slots of the
	// session exist within [0, totalChunks).
	Complete(chunkIndex, totalChunks, staged int) bool
	Name() string
}

// IsFinal reports whether chunkIndex is the last index of a totalChunks long upload.
func IsFinal(chunkIndex, totalChunks int) bool {
	return chunkIndex == totalChunks-1
}

// StagedCount treats a session as complete once every slot is staged,
// regardless of the order the chunks arrived in.
type StagedCount struct{}

// Complete ...
func (StagedCount) Complete(_, totalChunks, staged int) bool {
	return totalChunks > 0 && staged == totalChunks
}

// Name ...
func (StagedCount) Name() string { return ModeStagedCount }

// LastIndex treats the arrival of the highest index as completion. It is only
// correct when clients send chunks strictly in order; an early last chunk makes
// the assembler fail with a missing slot.
type LastIndex struct{}

// Complete ...
func (LastIndex) Complete(chunkIndex, totalChunks, _ int) bool {
	return IsFinal(chunkIndex, totalChunks)
}

// Name ...
func (LastIndex) Name() string { return ModeLastIndex }

// Parse returns the detector for a configured mode. An empty mode selects StagedCount.
func Parse(mode string) (Detector, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeStagedCount:
		return StagedCount{}, nil
	case ModeLastIndex:
		return LastIndex{}, nil
	default:
		return nil, fmt.Errorf("unknown completion detection mode %q (supported: %s, %s)", mode, ModeStagedCount, ModeLastIndex)
	}
}
