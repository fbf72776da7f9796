package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/audiovault/internal/audio"
	"github.com/dgnsrekt/audiovault/internal/fsutil"
	"github.com/dgnsrekt/audiovault/internal/queue"
	"github.com/dgnsrekt/audiovault/internal/tts"
	"github.com/dgnsrekt/audiovault/internal/tts/engines"
	"github.com/dgnsrekt/audiovault/internal/ttypes"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"
)

const (
	tmpDirName = ".tmp"
	lockPoll   = 250 * time.Millisecond
)

// PostProcessor turns raw engine output into a delivery file at dst,
// removing dst on failure. *audio.PostProcessor implements it.
type PostProcessor interface {
	Process(ctx context.Context, raw ttypes.RawAudio, opts audio.Options, dst string) error
	Trim(ctx context.Context, src string, codec ttypes.Codec, seconds float64, dst string) error
}

// Mirror copies published assets elsewhere. *objstore.Store implements it.
type Mirror interface {
	Upload(ctx context.Context, key, path, contentType string) (int64, error)
}

// Deps are the collaborators a Manager drives.
type Deps struct {
	Engines    *engines.Registry
	Translator *tts.MarkupTranslator
	Post       PostProcessor

	// Optional.
	Locker Locker
	Mirror Mirror
}

// Plan is a normalized request with its key, path and engine job.
type Plan struct {
	Request      ttypes.SynthesisRequest
	Key          CacheKey
	RelativePath string
	Codec        ttypes.Codec
	Job          engines.Job

	// Dropped lists markup instructions the engine could not honor.
	Dropped  []string
	SafeMode bool
}

func (p Plan) id() string { return assetID(p.Key, p.Codec) }

// Manager is the synthesis cache: it returns a published asset for a
// request, running the engine and post-processor only on a miss.
type Manager struct {
	cfg    Config
	root   string
	tmpDir string

	engines    *engines.Registry
	translator *tts.MarkupTranslator
	post       PostProcessor
	locker     Locker
	mirror     Mirror

	index  *Index
	memory *MemoryCache
	pools  map[ttypes.Engine]*queue.Pool
	flight singleflight.Group

	freeSpace func(string) (uint64, error)

	mu    sync.Mutex
	stats Stats

	closeOnce sync.Once
	closeErr  error

	logger *log.Logger
}

// New opens the cache tree at cfg.Root.
func New(cfg Config, deps Deps, logger *log.Logger) (*Manager, error) {
	if cfg.Root == "" {
		return nil, errors.New("cache root is required")
	}
	if deps.Engines == nil || deps.Post == nil {
		return nil, errors.New("cache needs an engine registry and a post-processor")
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if deps.Translator == nil {
		deps.Translator = tts.NewMarkupTranslator(logger)
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, err
	}
	tmpDir := filepath.Join(root, tmpDirName)
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	index, err := OpenIndex(root, cfg.IndexCompressionLevel, logger)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:        cfg,
		root:       root,
		tmpDir:     tmpDir,
		engines:    deps.Engines,
		translator: deps.Translator,
		post:       deps.Post,
		locker:     deps.Locker,
		mirror:     deps.Mirror,
		index:      index,
		memory:     NewMemoryCache(cfg.MemoryEntries),
		freeSpace:  fsutil.FreeSpace,
		logger:     logger,
		pools: map[ttypes.Engine]*queue.Pool{
			ttypes.EngineLocal: queue.NewPool(queue.Config{
				Name: "local", Workers: cfg.LocalWorkers, MaxPending: cfg.MaxPending,
			}, logger),
			ttypes.EngineRemote: queue.NewPool(queue.Config{
				Name: "remote", Workers: cfg.RemoteWorkers, MaxPending: cfg.MaxPending,
			}, logger),
		},
	}
	m.cleanTemp()
	return m, nil
}

// Root returns the absolute cache root.
func (m *Manager) Root() string { return m.root }

// Codec returns the delivery codec.
func (m *Manager) Codec() ttypes.Codec { return m.cfg.Codec }

// Path returns the absolute path of a relative asset path.
func (m *Manager) Path(rel string) string {
	return filepath.Join(m.root, filepath.FromSlash(rel))
}

// Plan validates req and works out what GetOrSynthesize would do with it,
// without touching the tree.
func (m *Manager) Plan(req ttypes.SynthesisRequest) (Plan, error) {
	req, err := tts.NormalizeRequest(req)
	if err != nil {
		return Plan{}, err
	}

	text := NormalizeText(req.Text)
	display := text
	params := req.Parameters
	native := false
	var dropped []string
	var safe bool

	if strings.TrimSpace(req.Markup) != "" {
		tr := m.translator.Translate(req.Markup, req.Engine, req.Parameters)
		text = NormalizeText(tr.SpeakText())
		native = tr.NativePayload != ""
		params = tr.Parameters
		dropped, safe = tr.Dropped, tr.SafeMode
		if display == "" {
			display = tr.PlainText
		}
	}
	if text == "" {
		return Plan{}, tts.Validationf("text is empty after markup translation")
	}

	x := Extras{TrimSeconds: req.TrimSeconds}
	if req.Background != nil {
		x.BackgroundRef = req.Background.Ref
		x.BackgroundSeconds = req.Background.DurationSeconds
	}
	key := DeriveKeyWith(text, req.Engine, req.Language, req.VoiceID, req.Style, params, x)

	return Plan{
		Request:      req,
		Key:          key,
		RelativePath: RelativePath(key, req.Language, req.Category, req.Engine, req.VoiceID, display, m.cfg.Codec),
		Codec:        m.cfg.Codec,
		Job: engines.Job{
			Text:       text,
			Native:     native,
			Language:   req.Language,
			VoiceID:    req.VoiceID,
			Style:      req.Style,
			Parameters: params,
		},
		Dropped:  dropped,
		SafeMode: safe,
	}, nil
}

// GetOrSynthesize returns the published asset for req. On a hit no engine
// is called. On a miss the engine output is post-processed into a
// temporary file inside the root and renamed into place, so the canonical
// path only ever holds a complete file.
//
// Concurrent callers for the same key share one pipeline run. That run
// outlives any single caller's context, bounded by SynthesisTimeout.
func (m *Manager) GetOrSynthesize(ctx context.Context, req ttypes.SynthesisRequest) (ttypes.CachedAsset, error) {
	plan, err := m.Plan(req)
	if err != nil {
		return ttypes.CachedAsset{}, err
	}
	if asset, ok := m.lookupLocal(plan); ok {
		return asset, nil
	}

	ch := m.flight.DoChan(plan.id(), func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.SynthesisTimeout)
		defer cancel()
		return m.synthesize(ctx, plan)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return ttypes.CachedAsset{}, res.Err
		}
		if res.Shared {
			m.count(func(s *Stats) { s.Shared++ })
		}
		return res.Val.(ttypes.CachedAsset), nil
	case <-ctx.Done():
		return ttypes.CachedAsset{}, ctx.Err()
	}
}

// Lookup returns the asset published for key in the delivery codec.
func (m *Manager) Lookup(key CacheKey) (ttypes.CachedAsset, error) {
	id := assetID(key, m.cfg.Codec)
	if asset, ok := m.memory.Get(id); ok {
		if _, ok := fsutil.IsRegular(m.Path(asset.RelativePath)); ok {
			asset.Hit = true
			return asset, nil
		}
		m.memory.Delete(id)
	}
	if e, ok := m.index.Get(id); ok {
		if st, ok := fsutil.IsRegular(m.Path(e.RelativePath)); ok {
			asset := m.assetFor(key, e.RelativePath, st)
			m.memory.Put(id, asset)
			asset.Hit = true
			return asset, nil
		}
	}
	return ttypes.CachedAsset{}, ErrCacheMiss
}

// lookupLocal checks the canonical path, then the index for a copy of the
// same audio published under another path.
func (m *Manager) lookupLocal(plan Plan) (ttypes.CachedAsset, bool) {
	id := plan.id()
	abs := m.Path(plan.RelativePath)

	if st, ok := fsutil.IsRegular(abs); ok {
		asset := m.assetFor(plan.Key, plan.RelativePath, st)
		if _, known := m.index.Get(id); !known {
			m.index.Put(id, entryFor(asset))
		}
		m.memory.Put(id, asset)
		m.count(func(s *Stats) { s.Hits++ })
		asset.Hit = true
		return asset, true
	}

	e, ok := m.index.Get(id)
	if !ok {
		return ttypes.CachedAsset{}, false
	}
	src := m.Path(e.RelativePath)
	if _, ok := fsutil.IsRegular(src); !ok {
		m.index.Delete(id)
		return ttypes.CachedAsset{}, false
	}
	if err := m.linkInto(src, abs); err != nil {
		m.logger.Warn("cannot link cached copy", "from", e.RelativePath, "to", plan.RelativePath, "err", err)
		return ttypes.CachedAsset{}, false
	}
	st, ok := fsutil.IsRegular(abs)
	if !ok {
		return ttypes.CachedAsset{}, false
	}
	asset := m.assetFor(plan.Key, plan.RelativePath, st)
	m.memory.Put(id, asset)
	m.count(func(s *Stats) { s.Linked++ })
	m.logger.Debug("linked cached copy", "key", plan.Key, "from", e.RelativePath, "to", plan.RelativePath)
	asset.Hit = true
	return asset, true
}

func (m *Manager) synthesize(ctx context.Context, plan Plan) (ttypes.CachedAsset, error) {
	if asset, ok := m.lookupLocal(plan); ok {
		return asset, nil
	}

	release, published, err := m.acquire(ctx, plan)
	if err != nil {
		return ttypes.CachedAsset{}, err
	}
	if published != nil {
		return *published, nil
	}
	defer release()

	// A peer may have published between our check and taking the lock.
	if asset, ok := m.lookupLocal(plan); ok {
		return asset, nil
	}

	m.count(func(s *Stats) { s.Misses++ })

	if err := m.checkSpace(); err != nil {
		m.count(func(s *Stats) { s.Failures++ })
		return ttypes.CachedAsset{}, err
	}

	adapter, err := m.engines.For(plan.Request.Engine)
	if err != nil {
		m.count(func(s *Stats) { s.Failures++ })
		return ttypes.CachedAsset{}, err
	}

	var asset ttypes.CachedAsset
	err = m.pools[plan.Request.Engine].Do(ctx, func(ctx context.Context) error {
		var err error
		asset, err = m.render(ctx, adapter, plan)
		return err
	})
	if err != nil {
		m.count(func(s *Stats) { s.Failures++ })
		if errors.Is(err, queue.ErrQueueFull) {
			return ttypes.CachedAsset{}, tts.NewError(tts.ErrorCodeUpstream, "synthesis queue is full", err).
				WithVoice(plan.Request.Engine, plan.Request.VoiceID)
		}
		return ttypes.CachedAsset{}, err
	}

	m.mirrorAsset(ctx, asset)
	return asset, nil
}

// render runs the engine and post-processor, then publishes by rename.
func (m *Manager) render(ctx context.Context, adapter engines.Adapter, plan Plan) (ttypes.CachedAsset, error) {
	start := time.Now()
	req := plan.Request

	raw, err := adapter.Synthesize(ctx, plan.Job)
	if err != nil {
		var te *tts.Error
		if !errors.As(err, &te) {
			err = tts.Upstream(req.Engine, req.VoiceID, "synthesis failed", err)
		}
		return ttypes.CachedAsset{}, err
	}
	defer os.Remove(raw.Path)

	tmp, err := os.CreateTemp(m.tmpDir, "synth-*."+plan.Codec.Ext())
	if err != nil {
		return ttypes.CachedAsset{}, storageError("cannot create temporary file", err)
	}
	name := tmp.Name()
	tmp.Close()
	done := false
	defer func() {
		if !done {
			os.Remove(name)
		}
	}()

	opts := audio.Options{Codec: plan.Codec, Background: req.Background, TrimSeconds: req.TrimSeconds}
	if err := m.post.Process(ctx, raw, opts, name); err != nil {
		return ttypes.CachedAsset{}, err
	}
	if _, ok := fsutil.IsRegular(name); !ok {
		return ttypes.CachedAsset{}, tts.Transcode("post-processor produced no output", nil)
	}

	abs := m.Path(plan.RelativePath)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return ttypes.CachedAsset{}, storageError("cannot create asset directory", err)
	}
	if err := os.Rename(name, abs); err != nil {
		return ttypes.CachedAsset{}, storageError("cannot publish asset", err)
	}
	done = true

	st, err := os.Stat(abs)
	if err != nil {
		return ttypes.CachedAsset{}, storageError("published asset vanished", err)
	}
	asset := m.assetFor(plan.Key, plan.RelativePath, st)
	m.index.Put(plan.id(), entryFor(asset))
	m.memory.Put(plan.id(), asset)
	m.count(func(s *Stats) {
		s.Synthesized++
		s.LastPublish = time.Now()
	})

	m.logger.Info("published asset",
		"key", plan.Key,
		"path", plan.RelativePath,
		"engine", req.Engine,
		"voice", req.VoiceID,
		"size", humanize.Bytes(uint64(st.Size())),
		"took", time.Since(start).Round(time.Millisecond))
	return asset, nil
}

// acquire takes the cross-replica lock if one is configured. When another
// replica holds it, acquire polls until that replica publishes or LockWait
// passes, then proceeds unlocked.
func (m *Manager) acquire(ctx context.Context, plan Plan) (func(), *ttypes.CachedAsset, error) {
	noop := func() {}
	if m.locker == nil {
		return noop, nil, nil
	}

	deadline := time.Now().Add(m.cfg.LockWait)
	for {
		release, ok, err := m.locker.TryLock(ctx, plan.id(), m.cfg.LockTTL)
		if err != nil {
			m.logger.Warn("synthesis lock unavailable, continuing unlocked", "key", plan.Key, "err", err)
			return noop, nil, nil
		}
		if ok {
			return release, nil, nil
		}
		if time.Now().After(deadline) {
			m.logger.Warn("synthesis lock held too long, continuing unlocked", "key", plan.Key)
			return noop, nil, nil
		}

		select {
		case <-time.After(lockPoll):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
		if asset, ok := m.lookupLocal(plan); ok {
			return nil, &asset, nil
		}
	}
}

func (m *Manager) checkSpace() error {
	if m.cfg.MinFreeBytes == 0 {
		return nil
	}
	free, err := m.freeSpace(m.root)
	if err != nil {
		m.logger.Debug("cannot measure free space", "err", err)
		return nil
	}
	if free < m.cfg.MinFreeBytes {
		return tts.NewError(tts.ErrorCodeStorage, "cache volume is nearly full", ErrLowDiskSpace).
			WithContext("free", humanize.Bytes(free))
	}
	return nil
}

func (m *Manager) mirrorAsset(ctx context.Context, asset ttypes.CachedAsset) {
	if m.mirror == nil {
		return
	}
	key := m.cfg.MirrorPrefix + asset.RelativePath
	if _, err := m.mirror.Upload(ctx, key, m.Path(asset.RelativePath), asset.Codec.ContentType()); err != nil {
		m.logger.Warn("mirror upload failed", "key", key, "err", err)
	}
}

// linkInto places a hard link (or a copy, across devices) of src at dst
// via a temporary name, so dst appears complete or not at all.
func (m *Manager) linkInto(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(m.tmpDir, "link-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	tmp.Close()
	os.Remove(name)

	if err := os.Link(src, name); err != nil {
		if err := copyInto(src, name); err != nil {
			os.Remove(name)
			return err
		}
	}
	if err := os.Rename(name, dst); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

func copyInto(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// cleanTemp removes leftovers of runs that died mid-pipeline.
func (m *Manager) cleanTemp() {
	entries, err := os.ReadDir(m.tmpDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-2 * m.cfg.SynthesisTimeout)
	for _, e := range entries {
		if info, err := e.Info(); err == nil && info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(m.tmpDir, e.Name()))
		}
	}
}

// Reindex rebuilds the index from the tree.
func (m *Manager) Reindex() (int, error) {
	return m.index.Rebuild()
}

// Stats returns a snapshot of cache counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	s := m.stats
	m.mu.Unlock()
	s.IndexEntries, s.IndexBytes = m.index.Totals()
	s.Memory = m.memory.Stats()
	return s
}

// PoolStats returns worker pool counters by engine.
func (m *Manager) PoolStats() map[ttypes.Engine]queue.Stats {
	out := make(map[ttypes.Engine]queue.Stats, len(m.pools))
	for e, p := range m.pools {
		out[e] = p.Stats()
	}
	return out
}

// Close drains the worker pools and saves the index.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		for _, p := range m.pools {
			p.Close()
		}
		if err := m.index.Close(); err != nil {
			m.closeErr = fmt.Errorf("failed to close cache index: %w", err)
		}
	})
	return m.closeErr
}

func (m *Manager) count(f func(*Stats)) {
	m.mu.Lock()
	f(&m.stats)
	m.mu.Unlock()
}

func (m *Manager) assetFor(key CacheKey, rel string, st os.FileInfo) ttypes.CachedAsset {
	return ttypes.CachedAsset{
		Key:          string(key),
		RelativePath: rel,
		Codec:        m.cfg.Codec,
		SizeBytes:    st.Size(),
		CreatedAt:    st.ModTime(),
	}
}

func entryFor(a ttypes.CachedAsset) indexEntry {
	return indexEntry{
		RelativePath: a.RelativePath,
		Codec:        a.Codec,
		Size:         a.SizeBytes,
		CreatedAt:    a.CreatedAt,
	}
}

func storageError(msg string, cause error) error {
	return tts.NewError(tts.ErrorCodeStorage, msg, cause)
}
