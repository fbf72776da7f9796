package engines

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/audiovault/internal/audio"
	"github.com/dgnsrekt/audiovault/internal/tts"
	"github.com/dgnsrekt/audiovault/internal/ttypes"
	"golang.org/x/time/rate"
)

// defaultMaxResponse bounds a single synthesis response.
const defaultMaxResponse = 64 << 20

// RemoteEngine calls an HTTPS text-to-speech endpoint that accepts markup
// natively. The request body follows the Google Cloud TTS v1 shape.
type RemoteEngine struct {
	endpoint     string
	apiKey       string
	apiKeyHeader string
	sampleRate   int
	tempDir      string
	maxResponse  int64
	client       *http.Client
	voices       *VoiceTable

	// Rate limiting to stay within provider quota
	rateLimiter *rate.Limiter

	logger *log.Logger
}

// RemoteConfig holds configuration for the remote engine.
type RemoteConfig struct {
	// Endpoint is the synthesize URL (required, https)
	Endpoint string

	// APIKey is sent in APIKeyHeader. Never logged.
	APIKey       string
	APIKeyHeader string

	// SampleRate requested from the provider (defaults to 24000)
	SampleRate int

	// Timeout per request (defaults to 30s); ignored when Client is set
	Timeout time.Duration

	// RequestsPerMinute (defaults to 300)
	RequestsPerMinute int

	// TempDir for raw output (defaults to system temp)
	TempDir string

	// MaxResponseBytes caps the response body (defaults to 64 MiB). Larger
	// responses are rejected, never truncated.
	MaxResponseBytes int64

	// Client overrides the HTTP client
	Client *http.Client

	// Voices maps language and category to provider voice names
	Voices *VoiceTable
}

// NewRemoteEngine creates a remote engine.
func NewRemoteEngine(cfg RemoteConfig, logger *log.Logger) (*RemoteEngine, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid remote endpoint %q", cfg.Endpoint)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("remote endpoint must use https, got %q", u.Scheme)
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "X-Goog-Api-Key"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 24000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = 300
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponse
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if cfg.Voices == nil {
		cfg.Voices = NewVoiceTable(DefaultRemoteVoices(), "en-US", "neutral", DefaultRemoteFallback, logger)
	}

	return &RemoteEngine{
		endpoint:     cfg.Endpoint,
		apiKey:       cfg.APIKey,
		apiKeyHeader: cfg.APIKeyHeader,
		sampleRate:   cfg.SampleRate,
		tempDir:      cfg.TempDir,
		maxResponse:  cfg.MaxResponseBytes,
		client:       cfg.Client,
		voices:       cfg.Voices,
		rateLimiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1),
		logger:       logger,
	}, nil
}

type remoteRequest struct {
	Input       remoteInput       `json:"input"`
	Voice       remoteVoice       `json:"voice"`
	AudioConfig remoteAudioConfig `json:"audioConfig"`
}

type remoteInput struct {
	Text string `json:"text,omitempty"`
	SSML string `json:"ssml,omitempty"`
}

type remoteVoice struct {
	LanguageCode string `json:"languageCode"`
	Name         string `json:"name"`
}

type remoteAudioConfig struct {
	AudioEncoding   string  `json:"audioEncoding"`
	SampleRateHertz int     `json:"sampleRateHertz"`
	SpeakingRate    float64 `json:"speakingRate,omitempty"`
}

type remoteResponse struct {
	AudioContent string `json:"audioContent"`
}

func (e *RemoteEngine) Engine() ttypes.Engine { return ttypes.EngineRemote }

// Synthesize sends one request and stores the PCM it gets back.
func (e *RemoteEngine) Synthesize(ctx context.Context, job Job) (ttypes.RawAudio, error) {
	voice := e.voices.Resolve(job.Language, job.VoiceID)
	fail := func(msg string, cause error) (ttypes.RawAudio, error) {
		return ttypes.RawAudio{}, tts.Upstream(ttypes.EngineRemote, voice.Model, msg, cause)
	}

	if strings.TrimSpace(job.Text) == "" {
		return ttypes.RawAudio{}, tts.Validationf("text cannot be empty")
	}
	if err := e.rateLimiter.Wait(ctx); err != nil {
		return fail("rate limit wait cancelled", err)
	}

	body := remoteRequest{
		Voice: remoteVoice{LanguageCode: voiceLanguage(voice.Model, job.Language), Name: voice.Model},
		AudioConfig: remoteAudioConfig{
			AudioEncoding:   "LINEAR16",
			SampleRateHertz: e.sampleRate,
			SpeakingRate:    tts.SpeakingRateForLengthScale(job.Parameters.LengthScale),
		},
	}
	if job.Native {
		body.Input.SSML = job.Text
	} else {
		body.Input.Text = job.Text
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fail("cannot encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fail("cannot build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set(e.apiKeyHeader, e.apiKey)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		var ne net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			return ttypes.RawAudio{}, tts.NewError(tts.ErrorCodeTimeout, "remote engine timed out", err).
				WithVoice(ttypes.EngineRemote, voice.Model)
		}
		return fail("remote engine unreachable", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, e.maxResponse+1))
	if err != nil {
		return fail("cannot read response", err)
	}
	if int64(len(data)) > e.maxResponse {
		e.logger.Error("remote response too large", "voice", voice.Model, "limit", e.maxResponse)
		return fail("response exceeds limit", nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e.logger.Error("remote synthesis rejected", "status", resp.StatusCode, "voice", voice.Model, "body", truncate(string(data), 256))
		return ttypes.RawAudio{}, tts.Upstream(ttypes.EngineRemote, voice.Model,
			fmt.Sprintf("remote engine returned status %d", resp.StatusCode), nil).
			WithContext("status", resp.StatusCode)
	}

	pcm, format, err := e.decode(resp.Header.Get("Content-Type"), data)
	if err != nil {
		return fail("cannot decode response", err)
	}
	if len(pcm) == 0 {
		return fail("remote engine returned no audio", nil)
	}

	raw, err := writeTemp(e.tempDir, "remote-*.raw", pcm, format)
	if err != nil {
		return fail("cannot store audio", err)
	}
	e.logger.Debug("remote synthesis done", "voice", voice.Model, "bytes", len(pcm), "took", time.Since(start))
	return raw, nil
}

// decode accepts a JSON envelope with base64 audio or a raw body. Either
// may be RIFF-wrapped, in which case the header wins over configuration.
func (e *RemoteEngine) decode(contentType string, data []byte) ([]byte, audio.Format, error) {
	format := audio.Format{SampleRate: e.sampleRate, Channels: 1}

	if strings.HasPrefix(contentType, "application/json") || bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		var r remoteResponse
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, format, err
		}
		decoded, err := base64.StdEncoding.DecodeString(r.AudioContent)
		if err != nil {
			return nil, format, fmt.Errorf("audioContent is not base64: %w", err)
		}
		data = decoded
	}

	if audio.Sniff(data[:min(len(data), audio.SniffLen)]) == audio.ContentTypeWAV {
		f, samples, err := audio.DecodeWAV(data)
		if err != nil {
			return nil, format, err
		}
		return audio.SamplesToBytes(samples), f, nil
	}
	return data, format, nil
}

// Info returns engine capabilities.
func (e *RemoteEngine) Info() ttypes.EngineInfo {
	return ttypes.EngineInfo{
		Name:        "remote",
		Engine:      ttypes.EngineRemote,
		SampleRate:  e.sampleRate,
		Channels:    1,
		BitDepth:    16,
		MaxTextSize: tts.MaxTextSize,
		IsOnline:    true,
		NativeSSML:  true,
	}
}

// Validate checks configuration. It does not call the provider.
func (e *RemoteEngine) Validate() error {
	if e.apiKey == "" {
		return errors.New("remote engine has no API key")
	}
	return nil
}

// Voices returns the engine's voice table.
func (e *RemoteEngine) Voices() *VoiceTable { return e.voices }

// voiceLanguage derives the language code from a provider voice name like
// "en-US-Neural2-F", falling back to the request language.
func voiceLanguage(voice, fallback string) string {
	parts := strings.SplitN(voice, "-", 3)
	if len(parts) == 3 {
		return parts[0] + "-" + parts[1]
	}
	return fallback
}

func writeTemp(dir, pattern string, pcm []byte, f audio.Format) (ttypes.RawAudio, error) {
	tmp, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return ttypes.RawAudio{}, err
	}
	if _, err := tmp.Write(pcm); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return ttypes.RawAudio{}, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return ttypes.RawAudio{}, err
	}
	return ttypes.RawAudio{Path: tmp.Name(), SampleRate: f.SampleRate, Channels: f.Channels}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Adapter = (*RemoteEngine)(nil)
