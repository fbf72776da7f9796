package cache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/audiovault/internal/fsutil"
	"github.com/dgnsrekt/audiovault/internal/ttypes"
	"github.com/klauspost/compress/zstd"
)

const indexFile = ".index.gob.zst"

// indexEntry represents a published asset in the index.
type indexEntry struct {
	RelativePath string
	Codec        ttypes.Codec
	Size         int64
	CreatedAt    time.Time
}

// Index remembers where each key was published. The tree is the source of
// truth; the index is a persisted shortcut that can always be rebuilt by
// walking it.
type Index struct {
	root string

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu      sync.RWMutex
	entries map[string]indexEntry
	size    int64
	dirty   bool

	logger *log.Logger
}

// OpenIndex loads the index under root, rebuilding it from the tree when
// the file is missing or unreadable.
func OpenIndex(root string, level int, logger *log.Logger) (*Index, error) {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	ix := &Index{
		root:    root,
		encoder: enc,
		decoder: dec,
		entries: make(map[string]indexEntry),
		logger:  logger,
	}

	switch err := ix.load(); {
	case err == nil:
		logger.Debug("cache index loaded", "entries", len(ix.entries))
	case os.IsNotExist(err):
		n, err := ix.Rebuild()
		if err != nil {
			return nil, err
		}
		logger.Info("cache index built", "entries", n)
	default:
		logger.Warn("cache index unreadable, rebuilding", "err", err)
		if _, err := ix.Rebuild(); err != nil {
			return nil, err
		}
	}
	return ix, nil
}

// Get returns the entry for id.
func (ix *Index) Get(id string) (indexEntry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.entries[id]
	return e, ok
}

// Put records id at e, replacing any previous entry.
func (ix *Index) Put(id string, e indexEntry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if old, ok := ix.entries[id]; ok {
		ix.size -= old.Size
	}
	ix.entries[id] = e
	ix.size += e.Size
	ix.dirty = true
}

// Delete forgets id. The file, if any, is left alone.
func (ix *Index) Delete(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if old, ok := ix.entries[id]; ok {
		ix.size -= old.Size
		delete(ix.entries, id)
		ix.dirty = true
	}
}

// Totals returns the entry count and the summed asset size.
func (ix *Index) Totals() (int, int64) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries), ix.size
}

// Rebuild replaces the index with what is on disk and saves it.
func (ix *Index) Rebuild() (int, error) {
	entries := make(map[string]indexEntry)
	var size int64

	err := filepath.WalkDir(ix.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && p != ix.root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		key, codec, ok := parseFileName(d.Name())
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(ix.root, p)
		if err != nil {
			return nil
		}
		entries[assetID(key, codec)] = indexEntry{
			RelativePath: filepath.ToSlash(rel),
			Codec:        codec,
			Size:         info.Size(),
			CreatedAt:    info.ModTime(),
		}
		size += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to walk cache tree: %w", err)
	}

	ix.mu.Lock()
	ix.entries = entries
	ix.size = size
	ix.dirty = true
	ix.mu.Unlock()

	return len(entries), ix.Save()
}

// Save persists the index if it changed since the last save.
func (ix *Index) Save() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if !ix.dirty {
		return nil
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ix.entries); err != nil {
		return err
	}
	compressed := ix.encoder.EncodeAll(buf.Bytes(), nil)

	err := fsutil.WriteAtomic(filepath.Join(ix.root, indexFile), 0o644, func(w io.Writer) error {
		_, err := w.Write(compressed)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save cache index: %w", err)
	}
	ix.dirty = false
	return nil
}

// Close saves the index and releases the codecs.
func (ix *Index) Close() error {
	err := ix.Save()
	ix.encoder.Close()
	ix.decoder.Close()
	return err
}

func (ix *Index) load() error {
	data, err := os.ReadFile(filepath.Join(ix.root, indexFile))
	if err != nil {
		return err
	}
	raw, err := ix.decoder.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheCorrupted, err)
	}
	entries := make(map[string]indexEntry)
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&entries); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheCorrupted, err)
	}

	var size int64
	for _, e := range entries {
		size += e.Size
	}
	ix.mu.Lock()
	ix.entries = entries
	ix.size = size
	ix.mu.Unlock()
	return nil
}
