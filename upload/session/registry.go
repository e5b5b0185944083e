package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	bolt "go.etcd.io/bbolt"
)

const (
	currentSchemaVersion = 1
	bucketMeta           = "meta"
	bucketSessions       = "sessions"

	keySchemaVersion = "schema_version"
)

var errUnknownSchema = errors.New("session registry: unknown schema version")

// Options configures Open.
type Options struct {
	// Timeout is how long a single attempt waits for the database file lock.
	Timeout time.Duration
	// OpenAttempts is how many times Open tries to take the file lock before giving up.
	OpenAttempts uint
	// RetryWait is the pause between lock attempts.
	RetryWait time.Duration
	// Now overrides the clock used for session timestamps.
	Now func() time.Time
}

// Registry persists upload sessions in a bbolt database.
type Registry struct {
	db     *bolt.DB
	now    func() time.Time
	logger log.Logger
}

// Open creates (or reopens) the session database at path.
func Open(path string, opts Options, logger log.Logger) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session registry dir: %w", err)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = time.Second
	}
	attempts := opts.OpenAttempts
	if attempts == 0 {
		attempts = 3
	}
	wait := opts.RetryWait
	if wait == 0 {
		wait = 500 * time.Millisecond
	}

	var db *bolt.DB
	err := retry.Times(attempts - 1).Wait(wait).TryWithAbort(func(attempt uint) (error, bool) {
		var err error
		db, err = bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
		if err == nil {
			return nil, false
		}
		if errors.Is(err, bolt.ErrTimeout) {
			logger.Warnf("Session registry %s is locked by another process (attempt %d/%d)", path, attempt+1, attempts)
			return err, false
		}
		return err, true
	})
	if err != nil {
		return nil, fmt.Errorf("open session registry %s: %w", path, err)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	r := &Registry{db: db, now: now, logger: logger}
	if err := r.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// Close releases the database file.
func (r *Registry) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Begin registers a chunk for fileName. The first chunk creates the session;
// later chunks must declare the same totalChunks or fail with
// ErrTotalChunksMismatch. A chunk arriving on an assembled session replaces it
// with a fresh receiving one, whatever total it declares.
func (r *Registry) Begin(ctx context.Context, fileName string, totalChunks int) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	if fileName == "" {
		return Session{}, errors.New("session registry: file name must not be empty")
	}

	var result Session
	err := r.db.Update(func(tx *bolt.Tx) error {
		bucket, err := sessionsBucket(tx)
		if err != nil {
			return err
		}

		now := r.now().UTC()
		current, found, err := getSession(bucket, fileName)
		if err != nil {
			return err
		}

		switch {
		case !found:
			current = Session{FileName: fileName, TotalChunks: totalChunks, State: StateReceiving, CreatedAt: now, UpdatedAt: now}
		case current.Assembled():
			r.logger.Infof("Starting a new upload of %s (%d chunks) over the assembled one", fileName, totalChunks)
			current = Session{FileName: fileName, TotalChunks: totalChunks, State: StateReceiving, CreatedAt: now, UpdatedAt: now}
		case current.TotalChunks != totalChunks:
			return fmt.Errorf("%w: %s started with %d chunks, got %d", ErrTotalChunksMismatch, fileName, current.TotalChunks, totalChunks)
		default:
			current.UpdatedAt = now
		}

		result = current
		return putSession(bucket, current)
	})
	return result, err
}

// Get returns the session of fileName or ErrNotFound.
func (r *Registry) Get(ctx context.Context, fileName string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	var result Session
	err := r.db.View(func(tx *bolt.Tx) error {
		bucket, err := sessionsBucket(tx)
		if err != nil {
			return err
		}
		s, found, err := getSession(bucket, fileName)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		result = s
		return nil
	})
	return result, err
}

// Seal marks the session of fileName as assembled.
func (r *Registry) Seal(ctx context.Context, fileName string, artifact Artifact) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	var result Session
	err := r.db.Update(func(tx *bolt.Tx) error {
		bucket, err := sessionsBucket(tx)
		if err != nil {
			return err
		}
		s, found, err := getSession(bucket, fileName)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		s.State = StateAssembled
		s.UpdatedAt = r.now().UTC()
		s.Artifact = &artifact
		result = s
		return putSession(bucket, s)
	})
	return result, err
}

// Delete removes the session of fileName. Deleting an unknown session is not an error.
func (r *Registry) Delete(ctx context.Context, fileName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		bucket, err := sessionsBucket(tx)
		if err != nil {
			return err
		}
		return bucket.Delete([]byte(fileName))
	})
}

// List returns every session ordered by file name.
func (r *Registry) List(ctx context.Context) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var sessions []Session
	err := r.db.View(func(tx *bolt.Tx) error {
		bucket, err := sessionsBucket(tx)
		if err != nil {
			return err
		}
		return bucket.ForEach(func(k, v []byte) error {
			var s Session
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("decode session %s: %w", k, err)
			}
			sessions = append(sessions, s)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].FileName < sessions[j].FileName })
	return sessions, nil
}

// Now returns the registry clock.
func (r *Registry) Now() time.Time {
	return r.now()
}

func (r *Registry) ensureSchema() error {
	return r.db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(bucketMeta))
		if err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketMeta, err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketSessions)); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketSessions, err)
		}

		raw := meta.Get([]byte(keySchemaVersion))
		if raw == nil {
			return meta.Put([]byte(keySchemaVersion), []byte(strconv.Itoa(currentSchemaVersion)))
		}
		version, err := strconv.Atoi(string(raw))
		if err != nil || version != currentSchemaVersion {
			return fmt.Errorf("%w: %s", errUnknownSchema, raw)
		}
		return nil
	})
}

func sessionsBucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	bucket := tx.Bucket([]byte(bucketSessions))
	if bucket == nil {
		return nil, fmt.Errorf("missing bucket %s", bucketSessions)
	}
	return bucket, nil
}

func getSession(bucket *bolt.Bucket, fileName string) (Session, bool, error) {
	raw := bucket.Get([]byte(fileName))
	if raw == nil {
		return Session{}, false, nil
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, false, fmt.Errorf("decode session %s: %w", fileName, err)
	}
	return s, true, nil
}

func putSession(bucket *bolt.Bucket, s Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.FileName, err)
	}
	return bucket.Put([]byte(s.FileName), data)
}
