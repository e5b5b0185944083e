// Package sweeper expires abandoned upload sessions and removes staging
// files that no live session owns.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-chunkupload/upload/chunkstore"
	"github.com/bitrise-io/go-chunkupload/upload/session"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// TriggerReason represents the source motivating a sweep.
type TriggerReason string

const (
	// TriggerReasonMaintenance is the periodic pass.
	TriggerReasonMaintenance TriggerReason = "maintenance"
	// TriggerReasonLowSpace is requested when staging was refused for lack of disk space.
	TriggerReasonLowSpace TriggerReason = "low_space"
	// TriggerReasonManual is a one-off run from the command line.
	TriggerReasonManual TriggerReason = "manual"
)

// Config controls sweeper behaviour.
type Config struct {
	// SessionTTL is how long a receiving session may stay idle before its slots are purged.
	SessionTTL time.Duration
	// AssembledRetention is how long the record of an assembled session is kept.
	AssembledRetention time.Duration
	// Interval between background runs.
	Interval time.Duration
}

// Registry is the part of the session registry the sweeper needs.
type Registry interface {
	List(ctx context.Context) ([]session.Session, error)
	Get(ctx context.Context, fileName string) (session.Session, error)
	Delete(ctx context.Context, fileName string) error
}

// Store is the part of the chunk store the sweeper needs.
type Store interface {
	Purge(fileName string) (int, int64, error)
	Entries() ([]chunkstore.Entry, error)
	RemoveEntry(e chunkstore.Entry) error
}

// Report summarises a sweep.
type Report struct {
	Trigger        TriggerReason
	Expired        []string
	Forgotten      []string
	SlotsRemoved   int
	OrphansRemoved int
	BytesFreed     int64
}

// Option customises sweeper construction.
type Option func(*Sweeper)

// WithClock overrides the clock used to age sessions and files.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// Sweeper removes what abandoned uploads leave behind.
type Sweeper struct {
	cfg      Config
	registry Registry
	store    Store
	locks    *session.Locks
	logger   log.Logger
	now      func() time.Time
	triggers chan TriggerReason

	mu sync.Mutex
}

// New constructs a sweeper.
func New(cfg Config, registry Registry, store Store, locks *session.Locks, logger log.Logger, opts ...Option) (*Sweeper, error) {
	if registry == nil || store == nil || locks == nil {
		return nil, errors.New("sweeper: registry, store and locks are required")
	}
	if cfg.SessionTTL <= 0 {
		return nil, fmt.Errorf("sweeper: session TTL must be positive, got %s", cfg.SessionTTL)
	}
	if cfg.AssembledRetention < 0 {
		return nil, fmt.Errorf("sweeper: assembled retention must not be negative, got %s", cfg.AssembledRetention)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}

	s := &Sweeper{
		cfg:      cfg,
		registry: registry,
		store:    store,
		locks:    locks,
		logger:   logger,
		now:      time.Now,
		triggers: make(chan TriggerReason, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Trigger requests a background run without waiting for the next interval.
// Requests coalesce while one is pending.
func (s *Sweeper) Trigger(reason TriggerReason) {
	select {
	case s.triggers <- reason:
	default:
	}
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context, reason TriggerReason) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := Report{Trigger: reason}
	now := s.now()

	sessions, err := s.registry.List(ctx)
	if err != nil {
		return report, fmt.Errorf("list sessions: %w", err)
	}

	live := map[string]bool{}
	for _, sess := range sessions {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		switch {
		case !sess.Assembled() && sess.IdleFor(now) > s.cfg.SessionTTL:
			if err := s.expire(ctx, sess.FileName, now, &report); err != nil {
				return report, err
			}
		case sess.Assembled() && sess.IdleFor(now) > s.cfg.AssembledRetention:
			if err := s.forget(ctx, sess.FileName, now, &report); err != nil {
				return report, err
			}
		case !sess.Assembled():
			live[sess.FileName] = true
		}
	}

	if err := s.removeOrphans(ctx, now, live, &report); err != nil {
		return report, err
	}

	if len(report.Expired) > 0 || report.OrphansRemoved > 0 || len(report.Forgotten) > 0 {
		s.logger.Infof("Sweep (%s): expired %d sessions, forgot %d assembled, removed %d orphans, freed %s",
			reason, len(report.Expired), len(report.Forgotten), report.OrphansRemoved,
			units.HumanSizeWithPrecision(float64(report.BytesFreed), 3))
	} else {
		s.logger.Debugf("Sweep (%s): nothing to clean", reason)
	}
	return report, nil
}

// RunBackground executes RunOnce on a schedule until ctx is cancelled.
func (s *Sweeper) RunBackground(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunOnce(ctx, TriggerReasonMaintenance); err != nil && ctx.Err() == nil {
				s.logger.Warnf("Sweep failed: %s", err)
			}
		case reason := <-s.triggers:
			if _, err := s.RunOnce(ctx, reason); err != nil && ctx.Err() == nil {
				s.logger.Warnf("Sweep (%s) failed: %s", reason, err)
			}
		}
	}
}

// expire purges an idle receiving session. The session is re-read under the
// exclusive lock because a chunk may have arrived since the listing.
func (s *Sweeper) expire(ctx context.Context, fileName string, now time.Time, report *Report) error {
	unlock := s.locks.Lock(fileName)
	defer unlock()

	sess, err := s.registry.Get(ctx, fileName)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reload session %s: %w", fileName, err)
	}
	if sess.Assembled() || sess.IdleFor(now) <= s.cfg.SessionTTL {
		return nil
	}

	removed, freed, err := s.store.Purge(fileName)
	report.SlotsRemoved += removed
	report.BytesFreed += freed
	if err != nil {
		return fmt.Errorf("purge slots of %s: %w", fileName, err)
	}
	if err := s.registry.Delete(ctx, fileName); err != nil {
		return fmt.Errorf("delete session %s: %w", fileName, err)
	}

	s.logger.Warnf("Expired upload of %s after %s idle (%d of %d chunks staged)",
		fileName, sess.IdleFor(now).Round(time.Second), removed, sess.TotalChunks)
	report.Expired = append(report.Expired, fileName)
	return nil
}

func (s *Sweeper) forget(ctx context.Context, fileName string, now time.Time, report *Report) error {
	unlock := s.locks.Lock(fileName)
	defer unlock()

	sess, err := s.registry.Get(ctx, fileName)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reload session %s: %w", fileName, err)
	}
	if !sess.Assembled() || sess.IdleFor(now) <= s.cfg.AssembledRetention {
		return nil
	}

	if err := s.registry.Delete(ctx, fileName); err != nil {
		return fmt.Errorf("delete session %s: %w", fileName, err)
	}
	report.Forgotten = append(report.Forgotten, fileName)
	return nil
}

// removeOrphans deletes temp files and sessionless slots older than the session TTL.
func (s *Sweeper) removeOrphans(ctx context.Context, now time.Time, live map[string]bool, report *Report) error {
	entries, err := s.store.Entries()
	if err != nil {
		return fmt.Errorf("list staging files: %w", err)
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if now.Sub(e.ModTime) <= s.cfg.SessionTTL {
			continue
		}
		if !e.Temp && live[e.FileName] {
			continue
		}

		removed, err := s.removeOrphan(ctx, e)
		if err != nil {
			s.logger.Warnf("Failed to remove orphan %s: %s", e.Name, err)
			continue
		}
		if removed {
			report.OrphansRemoved++
			report.BytesFreed += e.Size
			s.logger.Debugf("Removed orphan %s", e.Name)
		}
	}
	return nil
}

func (s *Sweeper) removeOrphan(ctx context.Context, e chunkstore.Entry) (bool, error) {
	if e.Temp {
		return true, s.store.RemoveEntry(e)
	}

	unlock := s.locks.Lock(e.FileName)
	defer unlock()

	// A new session may have claimed the name since the listing.
	if _, err := s.registry.Get(ctx, e.FileName); err == nil {
		return false, nil
	} else if !errors.Is(err, session.ErrNotFound) {
		return false, err
	}
	return true, s.store.RemoveEntry(e)
}
