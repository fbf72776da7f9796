// Package ttypes contains shared types for the synthesis pipeline.
// This package is used to break import cycles between tts, engines, audio, and cache packages.
package ttypes

import (
	"fmt"
	"strings"
	"time"
)

// Engine identifies a synthesis backend. The set is closed: every switch over
// Engine must handle exactly EngineRemote and EngineLocal.
type Engine string

const (
	// EngineRemote is the native-markup engine reached over HTTPS.
	EngineRemote Engine = "remote"

	// EngineLocal is the parametric engine run as a local process.
	EngineLocal Engine = "local"
)

// ParseEngine normalizes an engine name, accepting a few historical aliases.
func ParseEngine(s string) (Engine, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "remote", "cloud", "google":
		return EngineRemote, nil
	case "local", "piper":
		return EngineLocal, nil
	default:
		return "", fmt.Errorf("unknown engine %q", s)
	}
}

// Valid reports whether e is one of the known engines.
func (e Engine) Valid() bool {
	return e == EngineRemote || e == EngineLocal
}

// String returns the engine name.
func (e Engine) String() string { return string(e) }

// Parameters are the three numeric shaping parameters of the parametric engine.
type Parameters struct {
	// LengthScale is the phoneme length multiplier; smaller is faster speech.
	LengthScale float64 `json:"length_scale" yaml:"length_scale"`

	// NoiseScale controls generator noise.
	NoiseScale float64 `json:"noise_scale" yaml:"noise_scale"`

	// NoiseWidth controls phoneme width noise.
	NoiseWidth float64 `json:"noise_w" yaml:"noise_w"`
}

// DefaultParameters returns the neutral parameter set.
func DefaultParameters() Parameters {
	return Parameters{
		LengthScale: 1.0,
		NoiseScale:  0.667,
		NoiseWidth:  0.8,
	}
}

// IsZero reports whether no parameter has been set.
func (p Parameters) IsZero() bool {
	return p.LengthScale == 0 && p.NoiseScale == 0 && p.NoiseWidth == 0
}

// OrDefault fills unset fields from DefaultParameters.
func (p Parameters) OrDefault() Parameters {
	d := DefaultParameters()
	if p.LengthScale == 0 {
		p.LengthScale = d.LengthScale
	}
	if p.NoiseScale == 0 {
		p.NoiseScale = d.NoiseScale
	}
	if p.NoiseWidth == 0 {
		p.NoiseWidth = d.NoiseWidth
	}
	return p
}

// Background describes an optional music bed mixed under the voice.
type Background struct {
	// Ref is a local name, file://, http(s):// or s3:// reference.
	Ref string `json:"ref"`

	// DurationSeconds is the target length of the mix. Zero means the voice length.
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// SynthesisRequest is the request envelope consumed from the catalog layer.
type SynthesisRequest struct {
	Text       string      `json:"text"`
	Engine     Engine      `json:"engine"`
	Language   string      `json:"language"`
	VoiceID    string      `json:"voice_id"`
	Style      string      `json:"style,omitempty"`
	Category   string      `json:"category,omitempty"`
	Parameters Parameters  `json:"parameters,omitempty"`
	Markup     string      `json:"markup,omitempty"`
	Background *Background `json:"background,omitempty"`

	// TrimSeconds truncates the published asset. Zero keeps the full length.
	TrimSeconds float64 `json:"trim_seconds,omitempty"`
}

// Codec is a delivery codec.
type Codec string

const (
	CodecMP3 Codec = "mp3"
	CodecWAV Codec = "wav"
	CodecOGG Codec = "ogg"
)

// ParseCodec validates a codec name.
func ParseCodec(s string) (Codec, error) {
	switch c := Codec(strings.ToLower(strings.TrimSpace(s))); c {
	case CodecMP3, CodecWAV, CodecOGG:
		return c, nil
	default:
		return "", fmt.Errorf("unsupported codec %q", s)
	}
}

// Ext returns the file extension for the codec, without the dot.
func (c Codec) Ext() string { return string(c) }

// ContentType returns the MIME type for the codec.
func (c Codec) ContentType() string {
	switch c {
	case CodecMP3:
		return "audio/mpeg"
	case CodecWAV:
		return "audio/wav"
	case CodecOGG:
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}

// RawAudio is headerless signed 16-bit little-endian PCM sitting at a
// temporary path. Whoever receives it owns the file.
type RawAudio struct {
	Path       string
	SampleRate int
	Channels   int
}

// BytesPerSecond returns the PCM byte rate.
func (r RawAudio) BytesPerSecond() int {
	return r.SampleRate * r.Channels * 2
}

// EngineInfo describes engine capabilities and configuration.
type EngineInfo struct {
	Name        string // Engine name (e.g., "piper", "remote")
	Engine      Engine // Which variant this is
	SampleRate  int    // Audio sample rate in Hz
	Channels    int    // Number of audio channels (1=mono, 2=stereo)
	BitDepth    int    // Bits per sample (typically 16)
	MaxTextSize int    // Maximum text size in characters
	IsOnline    bool   // Whether the engine requires network access
	NativeSSML  bool   // Whether the engine accepts markup directly
}

// CachedAsset is a published, immutable synthesis result.
type CachedAsset struct {
	Key          string    `json:"key"`
	RelativePath string    `json:"relative_path"`
	Codec        Codec     `json:"codec"`
	SizeBytes    int64     `json:"size_bytes"`
	CreatedAt    time.Time `json:"created_at"`

	// Hit is true when the asset already existed.
	Hit bool `json:"hit"`
}

// Priority orders work in the synthesis pools.
type Priority int

const (
	// PriorityBulk for batch and preview work
	PriorityBulk Priority = iota

	// PriorityNormal for single synthesis requests
	PriorityNormal

	// PriorityInteractive for requests a listener is waiting on
	PriorityInteractive
)
