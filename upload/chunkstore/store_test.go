package chunkstore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bitrise-io/go-chunkupload/internal"
	testhelper "github.com/bitrise-io/go-chunkupload/internal/testing"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/shirou/gopsutil/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingOS struct {
	internal.RealOS
	renameErr error
}

func (f failingOS) Rename(oldpath, newpath string) error {
	if f.renameErr != nil {
		return f.renameErr
	}
	return f.RealOS.Rename(oldpath, newpath)
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := New(t.TempDir(), log.NewLogger(), opts...)
	require.NoError(t, err)
	return s
}

func TestStore_Stage(t *testing.T) {
	s := newTestStore(t)

	n, err := s.Stage(context.Background(), "a.bin", 1, 3, strings.NewReader("Y"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, testhelper.NewFileChecker(filepath.Join(s.Dir(), "a.bin.part1")).IsFile().Content("Y").Check())

	leftovers, err := testhelper.Leftovers(s.Dir())
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(s.Dir(), "a.bin.part1")}, leftovers)
}

func TestStore_Stage_OverwritesPreviousPayload(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Stage(context.Background(), "a.bin", 0, 2, strings.NewReader("first"))
	require.NoError(t, err)
	_, err = s.Stage(context.Background(), "a.bin", 0, 2, strings.NewReader("second"))
	require.NoError(t, err)

	require.NoError(t, testhelper.NewFileChecker(s.SlotPath("a.bin", 0)).Content("second").Check())

	count, err := s.Count("a.bin", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStore_Stage_EmptyChunk(t *testing.T) {
	s := newTestStore(t)

	n, err := s.Stage(context.Background(), "empty.txt", 0, 1, bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	require.NoError(t, testhelper.NewFileChecker(s.SlotPath("empty.txt", 0)).IsFile().Size(0).Check())
}

func TestStore_Stage_IndexOutOfRange(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		name  string
		index int
		total int
	}{
		{name: "negative index", index: -1, total: 3},
		{name: "index equals total", index: 3, total: 3},
		{name: "zero total", index: 0, total: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Stage(context.Background(), "a.bin", tt.index, tt.total, strings.NewReader("x"))
			require.ErrorIs(t, err, ErrIndexOutOfRange)
		})
	}
}

func TestStore_Stage_RenameFailureKeepsPreviousSlot(t *testing.T) {
	dir := t.TempDir()
	good, err := New(dir, log.NewLogger())
	require.NoError(t, err)
	_, err = good.Stage(context.Background(), "a.bin", 0, 1, strings.NewReader("old"))
	require.NoError(t, err)

	broken, err := New(dir, log.NewLogger(), WithOS(failingOS{renameErr: errors.New("device unplugged")}))
	require.NoError(t, err)

	_, err = broken.Stage(context.Background(), "a.bin", 0, 1, strings.NewReader("new"))
	require.Error(t, err)

	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, IOFailure, storeErr.Kind)
	assert.Equal(t, "rename into slot", storeErr.Op)

	require.NoError(t, testhelper.NewFileChecker(good.SlotPath("a.bin", 0)).Content("old").Check())
	leftovers, err := testhelper.Leftovers(dir)
	require.NoError(t, err)
	assert.Len(t, leftovers, 1)
}

func TestStore_Stage_InsufficientSpace(t *testing.T) {
	guard := &FreeSpaceGuard{
		MinFree: 1024,
		Usage: func(string) (*disk.UsageStat, error) {
			return &disk.UsageStat{Free: 10}, nil
		},
	}
	s := newTestStore(t, WithDiskGuard(guard))

	_, err := s.Stage(context.Background(), "a.bin", 0, 1, strings.NewReader("x"))

	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, InsufficientSpace, storeErr.Kind)
	assert.ErrorIs(t, err, ErrInsufficientSpace)

	exists, err := s.Exists("a.bin", 0)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStore_Stage_CancelledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Stage(ctx, "a.bin", 0, 1, strings.NewReader("x"))
	require.ErrorIs(t, err, context.Canceled)

	leftovers, err := testhelper.Leftovers(s.Dir())
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestStore_StagedIndices(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{
		"a.bin.part2", "a.bin.part0", "a.bin.part10", "a.bin.partx",
		"b.bin.part1", "xa.bin.part1", "a.bin",
		"r[1].bin.part0",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), name), []byte("x"), 0o644))
	}

	indices, err := s.StagedIndices("a.bin", 3)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, indices)

	indices, err = s.StagedIndices("a.bin", 0)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 10}, indices)

	count, err := s.Count("r[1].bin", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStore_OpenMissingSlot(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Open("a.bin", 4)
	require.ErrorIs(t, err, ErrSlotNotFound)
}

func TestStore_Purge(t *testing.T) {
	s := newTestStore(t)
	for i, payload := range []string{"ab", "cde"} {
		_, err := s.Stage(context.Background(), "a.bin", i, 3, strings.NewReader(payload))
		require.NoError(t, err)
	}
	_, err := s.Stage(context.Background(), "other.bin", 0, 1, strings.NewReader("keep"))
	require.NoError(t, err)

	removed, freed, err := s.Purge("a.bin")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, int64(5), freed)

	count, err := s.Count("other.bin", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStore_Entries(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"a.bin.part0", ".a.bin.part1.1234.tmp", ".a.bin.5678.assembling", "a.bin", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), name), []byte("x"), 0o644))
	}

	entries, err := s.Entries()
	require.NoError(t, err)

	byName := map[string]Entry{}
	for _, e := range entries {
		byName[e.Name] = e
	}
	require.Len(t, byName, 3)
	assert.Equal(t, "a.bin", byName["a.bin.part0"].FileName)
	assert.Equal(t, 0, byName["a.bin.part0"].Index)
	assert.True(t, byName[".a.bin.part1.1234.tmp"].Temp)
	assert.True(t, byName[".a.bin.5678.assembling"].Temp)

	require.NoError(t, s.RemoveEntry(byName[".a.bin.part1.1234.tmp"]))
	require.NoError(t, testhelper.NewFileChecker(filepath.Join(s.Dir(), ".a.bin.part1.1234.tmp")).Missing().Check())
}

func TestParseSlotName(t *testing.T) {
	tests := []struct {
		name      string
		wantFile  string
		wantIndex int
		wantOK    bool
	}{
		{name: "report.pdf.part0", wantFile: "report.pdf", wantIndex: 0, wantOK: true},
		{name: "report.pdf.part12", wantFile: "report.pdf", wantIndex: 12, wantOK: true},
		{name: "x.part1.txt.part3", wantFile: "x.part1.txt", wantIndex: 3, wantOK: true},
		{name: "report.pdf", wantOK: false},
		{name: "report.pdf.part", wantOK: false},
		{name: "report.pdf.part-1", wantOK: false},
		{name: ".part3", wantOK: false},
		{name: ".report.pdf.part0.abc.tmp", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fileName, index, ok := ParseSlotName(tt.name)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantFile, fileName)
				assert.Equal(t, tt.wantIndex, index)
			}
		})
	}
}
