package cache

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
)

// PreviewPrefix marks ephemeral files. The sweeper deletes nothing else.
const PreviewPrefix = "preview-"

// SweeperConfig configures a PreviewSweeper.
type SweeperConfig struct {
	Dir      string
	TTL      time.Duration // default 1h
	Interval time.Duration // default 10m
}

// SweepStats reports sweeper activity.
type SweepStats struct {
	Runs      int64
	Removed   int64
	Freed     int64
	LastSweep time.Time
}

// PreviewSweeper deletes ephemeral preview files older than a TTL. The
// permanent cache tree is never swept.
type PreviewSweeper struct {
	dir      string
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time

	// Cleanup goroutine control
	stop    chan struct{}
	ticker  *time.Ticker
	wg      sync.WaitGroup
	started bool

	mu    sync.Mutex
	stats SweepStats

	logger *log.Logger
}

// NewPreviewSweeper creates a sweeper. Call Start to run it periodically.
func NewPreviewSweeper(cfg SweeperConfig, logger *log.Logger) *PreviewSweeper {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &PreviewSweeper{
		dir:      cfg.Dir,
		ttl:      cfg.TTL,
		interval: cfg.Interval,
		now:      time.Now,
		logger:   logger,
	}
}

// Start runs Sweep every interval until Stop.
func (s *PreviewSweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	stop := make(chan struct{})
	ticker := time.NewTicker(s.interval)
	s.stop, s.ticker = stop, ticker
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ticker.C:
				if _, err := s.Sweep(); err != nil {
					s.logger.Warn("preview sweep failed", "dir", s.dir, "err", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// Stop ends the background loop and waits for it.
func (s *PreviewSweeper) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()
	s.ticker.Stop()
}

// Sweep removes expired preview files once and returns how many it removed.
func (s *PreviewSweeper) Sweep() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := s.now().Add(-s.ttl)
	removed := 0
	var freed int64
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasPrefix(e.Name(), PreviewPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			if !os.IsNotExist(err) {
				s.logger.Warn("cannot remove preview", "file", e.Name(), "err", err)
			}
			continue
		}
		removed++
		freed += info.Size()
	}

	s.mu.Lock()
	s.stats.Runs++
	s.stats.Removed += int64(removed)
	s.stats.Freed += freed
	s.stats.LastSweep = s.now()
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Info("swept previews", "removed", removed, "freed", humanize.Bytes(uint64(freed)))
	}
	return removed, nil
}

// Stats returns sweeper counters.
func (s *PreviewSweeper) Stats() SweepStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
