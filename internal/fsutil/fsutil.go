// Package fsutil holds small filesystem helpers shared by the cache and
// configuration layers.
package fsutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/mitchellh/go-homedir"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ExpandPath resolves a leading ~ and cleans the result. Empty stays empty.
func ExpandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	p, err := homedir.Expand(p)
	if err != nil {
		return "", fmt.Errorf("cannot expand %q: %w", p, err)
	}
	return filepath.Clean(p), nil
}

// Slug folds s to lowercase ASCII letters, digits and single dashes, at
// most max bytes long. Accents are removed rather than dropped with their
// base letter ("Café" becomes "cafe"). An empty result returns fallback.
func Slug(s, fallback string, max int) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
		if max > 0 && b.Len() >= max {
			break
		}
	}

	out := b.String()
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	out = strings.Trim(out, "-")
	if out == "" {
		return fallback
	}
	return out
}

// WriteAtomic writes to a temporary file next to path and renames it into
// place, so readers see either the old file or the complete new one.
func WriteAtomic(path string, perm os.FileMode, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}

	err = write(tmp)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tmp.Name(), perm)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// IsRegular reports whether path is a non-empty regular file.
func IsRegular(path string) (os.FileInfo, bool) {
	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() || st.Size() == 0 {
		return nil, false
	}
	return st, true
}
