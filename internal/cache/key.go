package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/dgnsrekt/audiovault/internal/fsutil"
	"github.com/dgnsrekt/audiovault/internal/ttypes"
)

// keyVersion prefixes the canonical string. Bump it only together with a
// migration of the tree, since every key changes with it.
const keyVersion = "v1"

const (
	textSlugLen  = 48
	voiceSlugLen = 64
	catSlugLen   = 48
)

// CacheKey identifies one synthesis result: 32 hex characters of SHA-256.
type CacheKey string

func (k CacheKey) String() string { return string(k) }

// Valid reports whether k has the shape DeriveKey produces.
func (k CacheKey) Valid() bool { return keyPattern.MatchString(string(k)) }

var keyPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Extras are optional inputs that change the published audio. A zero
// value adds nothing to the key, so requests without them keep the keys
// they always had.
type Extras struct {
	BackgroundRef     string
	BackgroundSeconds float64
	TrimSeconds       float64
}

// DeriveKey maps a request to its cache key. It is pure and stable across
// restarts. Text whitespace is normalized first, so inputs that differ only
// in surrounding or repeated whitespace share a key.
func DeriveKey(text string, engine ttypes.Engine, language, voiceID, style string, params ttypes.Parameters) CacheKey {
	return DeriveKeyWith(text, engine, language, voiceID, style, params, Extras{})
}

// DeriveKeyWith is DeriveKey plus background and trim inputs.
func DeriveKeyWith(text string, engine ttypes.Engine, language, voiceID, style string, params ttypes.Parameters, x Extras) CacheKey {
	fields := []string{
		keyVersion,
		NormalizeText(text),
		string(engine),
		language,
		voiceID,
		style,
		fixed(params.LengthScale),
		fixed(params.NoiseScale),
		fixed(params.NoiseWidth),
	}
	if x.BackgroundRef != "" {
		fields = append(fields, "bg="+x.BackgroundRef, "bgd="+fixed(x.BackgroundSeconds))
	}
	if x.TrimSeconds > 0 {
		fields = append(fields, "trim="+fixed(x.TrimSeconds))
	}

	sum := sha256.Sum256([]byte(strings.Join(fields, "\x1f")))
	return CacheKey(hex.EncodeToString(sum[:16]))
}

// NormalizeText trims s and collapses every whitespace run to one space.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func fixed(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

// RelativePath lays an asset out as
// {language}/{category}/{engine-voice}/{text}-{key}.{ext}, all segments
// slugged so the path is safe on any filesystem and never escapes the root.
func RelativePath(key CacheKey, language, category string, engine ttypes.Engine, voiceID, text string, codec ttypes.Codec) string {
	return path.Join(
		languageSegment(language),
		fsutil.Slug(category, "general", catSlugLen),
		fsutil.Slug(string(engine)+"-"+voiceID, string(engine), voiceSlugLen),
		fsutil.Slug(text, "audio", textSlugLen)+"-"+string(key)+"."+codec.Ext(),
	)
}

var languagePattern = regexp.MustCompile(`^[A-Za-z]{2,8}(-[A-Za-z0-9]{1,8})*$`)

func languageSegment(lang string) string {
	if languagePattern.MatchString(lang) {
		return lang
	}
	return "und"
}

// assetID is the index key: the cache key plus the codec extension, since
// the same request may be published in more than one codec.
func assetID(key CacheKey, codec ttypes.Codec) string {
	return string(key) + "." + codec.Ext()
}

var fileNamePattern = regexp.MustCompile(`-([0-9a-f]{32})\.(mp3|wav|ogg)$`)

// parseFileName recovers the key and codec from a published file name.
func parseFileName(name string) (CacheKey, ttypes.Codec, bool) {
	m := fileNamePattern.FindStringSubmatch(name)
	if m == nil {
		return "", "", false
	}
	return CacheKey(m[1]), ttypes.Codec(m[2]), true
}
