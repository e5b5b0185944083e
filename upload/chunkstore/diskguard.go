package chunkstore

import (
	"fmt"

	"github.com/docker/go-units"
	"github.com/shirou/gopsutil/disk"
)

// DiskGuard decides whether there is room to stage another chunk in dir.
type DiskGuard interface {
	Check(dir string) error
}

// UsageFunc reports file system usage for a path.
type UsageFunc func(path string) (*disk.UsageStat, error)

// FreeSpaceGuard refuses staging once the free bytes of the uploads
// file system drop below MinFree. A zero MinFree disables the check.
type FreeSpaceGuard struct {
	MinFree uint64
	Usage   UsageFunc
}

// NewFreeSpaceGuard ...
func NewFreeSpaceGuard(minFree uint64) *FreeSpaceGuard {
	return &FreeSpaceGuard{MinFree: minFree, Usage: disk.Usage}
}

// Check ...
func (g *FreeSpaceGuard) Check(dir string) error {
	if g == nil || g.MinFree == 0 {
		return nil
	}

	usage := g.Usage
	if usage == nil {
		usage = disk.Usage
	}

	stat, err := usage(dir)
	if err != nil {
		return fmt.Errorf("query disk usage of %s: %w", dir, err)
	}
	if stat.Free < g.MinFree {
		return fmt.Errorf("%w: %s free, %s required",
			ErrInsufficientSpace,
			units.HumanSizeWithPrecision(float64(stat.Free), 3),
			units.HumanSizeWithPrecision(float64(g.MinFree), 3))
	}
	return nil
}

type noGuard struct{}

func (noGuard) Check(string) error { return nil }
