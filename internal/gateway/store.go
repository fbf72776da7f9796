package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgnsrekt/audiovault/internal/objstore"
)

// ErrNotFound is returned when the granted asset does not exist.
var ErrNotFound = errors.New("asset not found")

// File is an open asset body.
type File interface {
	io.ReadSeekCloser
	io.ReaderAt
}

// Asset is an opened asset and its metadata.
type Asset struct {
	File    File
	Size    int64
	ModTime time.Time
	Name    string
}

// Store opens assets by their path relative to the asset root.
type Store interface {
	Open(ctx context.Context, rel string) (*Asset, error)
}

// cleanRel rejects anything that could leave the asset root.
func cleanRel(rel string) (string, error) {
	rel = strings.ReplaceAll(rel, "\\", "/")
	if rel == "" || strings.HasPrefix(rel, "/") || strings.ContainsRune(rel, 0) {
		return "", fmt.Errorf("%w: %q", ErrNotFound, rel)
	}
	clean := path.Clean(rel)
	if !filepath.IsLocal(filepath.FromSlash(clean)) {
		return "", fmt.Errorf("%w: %q", ErrNotFound, rel)
	}
	return clean, nil
}

// FileStore serves assets from a local directory.
type FileStore struct {
	root string
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

func (s *FileStore) Open(_ context.Context, rel string) (*Asset, error) {
	clean, err := cleanRel(rel)
	if err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(s.root)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	f, err := root.Open(filepath.FromSlash(clean))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, clean)
		}
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !st.Mode().IsRegular() || st.Size() == 0 {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, clean)
	}
	return &Asset{File: f, Size: st.Size(), ModTime: st.ModTime(), Name: path.Base(clean)}, nil
}

// ObjectStore serves assets from a bucket, keyed by prefix + relative path.
type ObjectStore struct {
	store  *objstore.Store
	prefix string
}

func NewObjectStore(store *objstore.Store, prefix string) *ObjectStore {
	return &ObjectStore{store: store, prefix: strings.Trim(prefix, "/")}
}

func (s *ObjectStore) Open(ctx context.Context, rel string) (*Asset, error) {
	clean, err := cleanRel(rel)
	if err != nil {
		return nil, err
	}
	key := clean
	if s.prefix != "" {
		key = s.prefix + "/" + clean
	}
	obj, err := s.store.Open(ctx, key)
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, clean)
		}
		return nil, err
	}
	if obj.Size == 0 {
		obj.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, clean)
	}
	return &Asset{File: obj, Size: obj.Size, Name: path.Base(clean)}, nil
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*ObjectStore)(nil)
)
