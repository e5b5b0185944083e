// Package config loads the upload server settings from the environment.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-chunkupload/upload/completion"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
)

// Environment variables read by Load.
const (
	PortKey            = "PORT"
	UploadsDirKey      = "CHUNKD_UPLOADS_DIR"
	IndexPathKey       = "CHUNKD_INDEX_PATH"
	DetectionKey       = "CHUNKD_DETECTION"
	MaxChunkSizeKey    = "CHUNKD_MAX_CHUNK_SIZE"
	MaxRequestSizeKey  = "CHUNKD_MAX_REQUEST_SIZE"
	MinFreeSpaceKey    = "CHUNKD_MIN_FREE_SPACE"
	SessionTTLKey      = "CHUNKD_SESSION_TTL"
	SealedRetentionKey = "CHUNKD_SEALED_RETENTION"
	SweepIntervalKey   = "CHUNKD_SWEEP_INTERVAL"
	CORSOriginsKey     = "CHUNKD_CORS_ORIGINS"
	DebugKey           = "CHUNKD_DEBUG"
)

const (
	defaultPort            = "3000"
	defaultUploadsDir      = "./uploads"
	defaultIndexPath       = "./data/sessions.db"
	defaultMaxChunkSize    = "64MB"
	defaultMaxRequestSize  = "100MB"
	defaultSessionTTL      = 24 * time.Hour
	defaultSealedRetention = 10 * time.Minute
	defaultSweepInterval   = 10 * time.Minute
)

// Config holds the server settings.
type Config struct {
	Addr            string
	UploadsDir      string
	IndexPath       string
	Detection       string
	MaxChunkSize    int64
	MaxRequestSize  int64
	MinFreeSpace    uint64
	SessionTTL      time.Duration
	SealedRetention time.Duration
	SweepInterval   time.Duration
	AllowedOrigins  []string
	Debug           bool
}

// ValidationError lists every invalid setting found by Load.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Issues, "; ")
}

type loader struct {
	envRepo      env.Repository
	pathModifier pathutil.PathModifier
	issues       []string
}

// Load reads the configuration from envRepo. Unset variables take their
// defaults and relative paths are made absolute.
func Load(envRepo env.Repository, pathModifier pathutil.PathModifier) (Config, error) {
	l := &loader{envRepo: envRepo, pathModifier: pathModifier}

	cfg := Config{
		Addr:            ":" + l.port(),
		UploadsDir:      l.path(UploadsDirKey, defaultUploadsDir),
		IndexPath:       l.path(IndexPathKey, defaultIndexPath),
		Detection:       l.detection(),
		MaxChunkSize:    l.size(MaxChunkSizeKey, defaultMaxChunkSize),
		MaxRequestSize:  l.size(MaxRequestSizeKey, defaultMaxRequestSize),
		MinFreeSpace:    uint64(l.size(MinFreeSpaceKey, "0")),
		SessionTTL:      l.duration(SessionTTLKey, defaultSessionTTL, true),
		SealedRetention: l.duration(SealedRetentionKey, defaultSealedRetention, false),
		SweepInterval:   l.duration(SweepIntervalKey, defaultSweepInterval, true),
		AllowedOrigins:  l.list(CORSOriginsKey, "*"),
		Debug:           l.bool(DebugKey),
	}

	if len(l.issues) > 0 {
		return Config{}, &ValidationError{Issues: l.issues}
	}
	return cfg, nil
}

func (l *loader) get(key, def string) string {
	if v := strings.TrimSpace(l.envRepo.Get(key)); v != "" {
		return v
	}
	return def
}

func (l *loader) fail(key, format string, args ...interface{}) {
	l.issues = append(l.issues, key+": "+fmt.Sprintf(format, args...))
}

func (l *loader) port() string {
	raw := l.get(PortKey, defaultPort)
	port, err := strconv.Atoi(raw)
	if err != nil || port < 1 || port > 65535 {
		l.fail(PortKey, "%q is not a valid port", raw)
	}
	return raw
}

func (l *loader) path(key, def string) string {
	raw := l.get(key, def)
	abs, err := l.pathModifier.AbsPath(raw)
	if err != nil {
		l.fail(key, "%s", err)
		return raw
	}
	return abs
}

func (l *loader) detection() string {
	raw := l.get(DetectionKey, completion.ModeStagedCount)
	d, err := completion.Parse(raw)
	if err != nil {
		l.fail(DetectionKey, "%s", err)
		return raw
	}
	return d.Name()
}

func (l *loader) size(key, def string) int64 {
	raw := l.get(key, def)
	n, err := units.RAMInBytes(raw)
	if err != nil {
		l.fail(key, "%s", err)
		return 0
	}
	if n < 0 {
		l.fail(key, "size must not be negative")
		return 0
	}
	return n
}

func (l *loader) duration(key string, def time.Duration, positive bool) time.Duration {
	raw := l.get(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		l.fail(key, "%s", err)
		return def
	}
	if d < 0 || (positive && d == 0) {
		l.fail(key, "%s is out of range", raw)
		return def
	}
	return d
}

func (l *loader) list(key, def string) []string {
	var items []string
	for _, item := range strings.Split(l.get(key, def), ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func (l *loader) bool(key string) bool {
	raw := l.get(key, "false")
	b, err := strconv.ParseBool(raw)
	if err != nil {
		l.fail(key, "%q is not a boolean", raw)
	}
	return b
}
