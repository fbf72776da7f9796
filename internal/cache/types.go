package cache

import (
	"errors"
	"runtime"
	"time"

	"github.com/dgnsrekt/audiovault/internal/ttypes"
)

// Common errors for cache operations
var (
	// ErrCacheMiss is returned by Lookup when no asset is published for a key
	ErrCacheMiss = errors.New("cache miss")

	// ErrCacheCorrupted is returned when the persisted index cannot be read
	ErrCacheCorrupted = errors.New("cache index corrupted")

	// ErrLowDiskSpace is returned when publishing would exhaust the cache volume
	ErrLowDiskSpace = errors.New("not enough free space in cache root")
)

// Stats holds cache counters.
type Stats struct {
	Hits        int64 // canonical file already present
	Linked      int64 // served by linking an indexed copy into place
	Misses      int64 // went to an engine
	Shared      int64 // joined an in-flight synthesis for the same key
	Synthesized int64 // published new assets
	Failures    int64 // synthesis or publish failed

	IndexEntries int   // assets known to the index
	IndexBytes   int64 // total size of indexed assets

	Memory MemoryStats

	LastPublish time.Time
}

// HitRate is hits over all lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Linked + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits+s.Linked) / float64(total)
}

// Config holds configuration for a Manager.
type Config struct {
	// Root of the permanent cache tree (required).
	Root string

	// Codec every asset is published in (defaults to mp3).
	Codec ttypes.Codec

	// MemoryEntries bounds the in-memory asset metadata LRU.
	MemoryEntries int

	// MinFreeBytes refuses to synthesize below this much free space.
	MinFreeBytes uint64

	// IndexCompressionLevel is the zstd level of the persisted index (1-22).
	IndexCompressionLevel int

	// LocalWorkers runs local inference (defaults to the CPU count).
	LocalWorkers int

	// RemoteWorkers runs remote calls (defaults to 16).
	RemoteWorkers int

	// MaxPending bounds queued jobs per pool.
	MaxPending int

	// SynthesisTimeout bounds one pipeline run shared by all waiters.
	SynthesisTimeout time.Duration

	// LockTTL and LockWait tune the cross-replica lock, when configured.
	LockTTL  time.Duration
	LockWait time.Duration

	// MirrorPrefix is prepended to object keys when mirroring to S3.
	MirrorPrefix string
}

// DefaultConfig returns default cache configuration for root.
func DefaultConfig(root string) Config {
	return Config{
		Root:                  root,
		Codec:                 ttypes.CodecMP3,
		MemoryEntries:         4096,
		MinFreeBytes:          256 << 20,
		IndexCompressionLevel: 3,
		LocalWorkers:          runtime.NumCPU(),
		RemoteWorkers:         16,
		MaxPending:            256,
		SynthesisTimeout:      5 * time.Minute,
		LockTTL:               2 * time.Minute,
		LockWait:              30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Root)
	if c.Codec == "" {
		c.Codec = d.Codec
	}
	if c.MemoryEntries <= 0 {
		c.MemoryEntries = d.MemoryEntries
	}
	if c.IndexCompressionLevel <= 0 {
		c.IndexCompressionLevel = d.IndexCompressionLevel
	}
	if c.LocalWorkers <= 0 {
		c.LocalWorkers = d.LocalWorkers
	}
	if c.RemoteWorkers <= 0 {
		c.RemoteWorkers = d.RemoteWorkers
	}
	if c.MaxPending <= 0 {
		c.MaxPending = d.MaxPending
	}
	if c.SynthesisTimeout <= 0 {
		c.SynthesisTimeout = d.SynthesisTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.LockWait <= 0 {
		c.LockWait = d.LockWait
	}
	return c
}
