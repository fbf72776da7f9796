package audio

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/audiovault/internal/objstore"
)

// ErrUnresolvable is returned when a background reference has no local file.
var ErrUnresolvable = errors.New("background not resolvable")

// maxBackgroundBytes bounds remote downloads.
const maxBackgroundBytes = 64 << 20

// backgroundExts are tried in order for bare local names.
var backgroundExts = []string{".mp3", ".wav", ".ogg"}

// ObjectFetcher downloads objects from a bucket.
type ObjectFetcher interface {
	Download(ctx context.Context, bucket, key, path string) error
}

// Resolver maps background references to local files. Remote references
// are fetched once into a download directory and reused afterwards. Local
// references never leave the backgrounds or download directories.
type Resolver struct {
	dir          string
	downloadDir  string
	allowedHosts map[string]bool
	client       *http.Client
	objects      ObjectFetcher
	logger       *log.Logger
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	// Dir holds named backgrounds.
	Dir string

	// DownloadDir receives http(s) and s3 downloads.
	DownloadDir string

	// AllowedHosts lists the hosts http(s) references may be fetched from,
	// redirects included. Empty disables http(s) references.
	AllowedHosts []string

	// Client is used for http(s) references. Nil uses a 30s-timeout client.
	Client *http.Client

	// Objects serves s3:// references. Nil disables them.
	Objects ObjectFetcher
}

func NewResolver(cfg ResolverConfig, logger *log.Logger) *Resolver {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	r := &Resolver{
		dir:          cfg.Dir,
		downloadDir:  cfg.DownloadDir,
		allowedHosts: make(map[string]bool, len(cfg.AllowedHosts)),
		objects:      cfg.Objects,
		logger:       logger,
	}
	for _, h := range cfg.AllowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			r.allowedHosts[h] = true
		}
	}
	client := *cfg.Client
	client.CheckRedirect = r.checkRedirect
	r.client = &client
	return r
}

// Resolve returns the local path of ref. Any failure wraps ErrUnresolvable.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty reference", ErrUnresolvable)
	}

	var (
		p   string
		err error
	)
	switch {
	case strings.HasPrefix(ref, "file://"):
		p, err = r.resolveFileURL(ref)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		if err = r.checkHost(ref); err == nil {
			p, err = r.fetch(ctx, ref, r.download)
		}
	case strings.HasPrefix(ref, "s3://"):
		p, err = r.fetch(ctx, ref, r.downloadObject)
	default:
		p, err = r.resolveName(ref)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUnresolvable, ref, err)
	}
	return p, nil
}

// resolveFileURL accepts file:// paths inside the backgrounds or download
// directories only.
func (r *Resolver) resolveFileURL(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	if u.Host != "" && u.Host != "localhost" {
		return "", fmt.Errorf("file host %q not supported", u.Host)
	}
	p, err := filepath.Abs(filepath.FromSlash(u.Path))
	if err != nil {
		return "", err
	}
	for _, dir := range []string{r.dir, r.downloadDir} {
		if dir == "" {
			continue
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(abs, p)
		if err != nil || !filepath.IsLocal(rel) {
			continue
		}
		return statIn(abs, rel)
	}
	return "", errors.New("file outside the background directories")
}

// resolveName looks up a bare name under the backgrounds directory. The
// name is cleaned so it cannot climb out of it.
func (r *Resolver) resolveName(name string) (string, error) {
	if r.dir == "" {
		return "", errors.New("no backgrounds directory configured")
	}
	rel := filepath.FromSlash(strings.TrimPrefix(path.Clean("/"+name), "/"))
	if rel == "" {
		return "", fmt.Errorf("invalid background name %q", name)
	}
	if filepath.Ext(rel) != "" {
		return statIn(r.dir, rel)
	}
	for _, ext := range backgroundExts {
		if p, err := statIn(r.dir, rel+ext); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no background named %q", name)
}

func (r *Resolver) checkHost(ref string) error {
	u, err := url.Parse(ref)
	if err != nil {
		return err
	}
	if !r.hostAllowed(u) {
		return fmt.Errorf("host %q not allowed", u.Hostname())
	}
	return nil
}

func (r *Resolver) hostAllowed(u *url.URL) bool {
	return r.allowedHosts[strings.ToLower(u.Hostname())]
}

func (r *Resolver) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return errors.New("stopped after 10 redirects")
	}
	if !r.hostAllowed(req.URL) {
		return fmt.Errorf("redirect to host %q not allowed", req.URL.Hostname())
	}
	return nil
}

// fetch downloads ref once, keyed by its digest, using tmp-then-rename so
// concurrent callers never read a partial file.
func (r *Resolver) fetch(ctx context.Context, ref string, get func(ctx context.Context, ref, dst string) error) (string, error) {
	if r.downloadDir == "" {
		return "", errors.New("no download directory configured")
	}
	sum := sha256.Sum256([]byte(ref))
	ext := path.Ext(strings.SplitN(ref, "?", 2)[0])
	if len(ext) > 5 {
		ext = ""
	}
	final := filepath.Join(r.downloadDir, hex.EncodeToString(sum[:16])+ext)
	if _, err := os.Stat(final); err == nil {
		return final, nil
	}

	if err := os.MkdirAll(r.downloadDir, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(r.downloadDir, ".bg-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(tmpPath)

	if err := get(ctx, ref, tmpPath); err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, final); err != nil {
		return "", err
	}
	r.logger.Debug("fetched background", "ref", ref, "path", final)
	return final, nil
}

func (r *Resolver) download(ctx context.Context, ref, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, io.LimitReader(resp.Body, maxBackgroundBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if n > maxBackgroundBytes {
		return fmt.Errorf("background exceeds %d bytes", maxBackgroundBytes)
	}
	if n == 0 {
		return errors.New("empty response body")
	}
	return nil
}

func (r *Resolver) downloadObject(ctx context.Context, ref, dst string) error {
	if r.objects == nil {
		return errors.New("object storage not configured")
	}
	bucket, key, err := objstore.ParseRef(ref)
	if err != nil {
		return err
	}
	return r.objects.Download(ctx, bucket, key, dst)
}

// statIn checks rel inside dir through os.Root, so symlinks cannot lead
// out of dir, and returns the joined path.
func statIn(dir, rel string) (string, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return "", err
	}
	defer root.Close()

	st, err := root.Stat(rel)
	if err != nil {
		return "", err
	}
	if st.IsDir() {
		return "", fmt.Errorf("%s is a directory", rel)
	}
	return filepath.Join(dir, rel), nil
}

// LoadPCM decodes a WAV or MP3 file and converts it to the delivery format.
func LoadPCM(p string) ([]int16, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	var (
		f       Format
		samples []int16
	)
	switch Sniff(data[:min(len(data), SniffLen)]) {
	case ContentTypeWAV:
		f, samples, err = DecodeWAV(data)
	case ContentTypeMP3:
		f, samples, err = DecodeMP3(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("%s: cannot decode in-process", filepath.Base(p))
	}
	if err != nil {
		return nil, err
	}
	return Normalize(samples, f), nil
}
