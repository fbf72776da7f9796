package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgnsrekt/audiovault/internal/fsutil"
	"github.com/dgnsrekt/audiovault/internal/tts"
	"github.com/dgnsrekt/audiovault/internal/ttypes"
)

// Preview writes a copy of asset truncated to seconds into dir, named with
// PreviewPrefix so a PreviewSweeper reclaims it. An existing preview of the
// same asset and length is reused and its age reset.
func (m *Manager) Preview(ctx context.Context, asset ttypes.CachedAsset, seconds float64, dir string) (string, error) {
	if seconds <= 0 {
		return "", tts.Validationf("preview length must be positive")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", storageError("cannot create preview directory", err)
	}

	name := fmt.Sprintf("%s%s-%dms.%s", PreviewPrefix, asset.Key, int64(seconds*1000), asset.Codec.Ext())
	dst := filepath.Join(dir, name)
	if _, ok := fsutil.IsRegular(dst); ok {
		now := time.Now()
		_ = os.Chtimes(dst, now, now)
		return dst, nil
	}

	tmp, err := os.CreateTemp(dir, ".preview-*."+asset.Codec.Ext())
	if err != nil {
		return "", storageError("cannot create preview file", err)
	}
	tmpName := tmp.Name()
	tmp.Close()

	if err := m.post.Trim(ctx, m.Path(asset.RelativePath), asset.Codec, seconds, tmpName); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return "", storageError("cannot publish preview", err)
	}
	return dst, nil
}
