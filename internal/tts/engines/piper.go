package engines

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/audiovault/internal/subprocess"
	"github.com/dgnsrekt/audiovault/internal/tts"
	"github.com/dgnsrekt/audiovault/internal/ttypes"
)

// defaultPiperSampleRate is used when a model ships without a config file.
const defaultPiperSampleRate = 22050

// PiperEngine runs Piper as a fresh process per synthesis with stdin
// pre-configured, streaming raw PCM straight to a temporary file.
type PiperEngine struct {
	binary   string
	modelDir string
	tempDir  string
	runner   *subprocess.Runner
	voices   *VoiceTable
	logger   *log.Logger

	// sample rates read from model configs, keyed by model path
	rates sync.Map
}

// PiperConfig holds configuration for the Piper engine.
type PiperConfig struct {
	// Binary is the piper executable (defaults to "piper" on PATH)
	Binary string

	// ModelDir holds {model}.onnx and {model}.onnx.json files (required)
	ModelDir string

	// Timeout per synthesis; exceeding it is a hard failure (defaults to 60s)
	Timeout time.Duration

	// TempDir for raw output (defaults to system temp)
	TempDir string

	// Voices maps language and category to model stems
	Voices *VoiceTable
}

// NewPiperEngine creates a new Piper engine.
func NewPiperEngine(cfg PiperConfig, logger *log.Logger) (*PiperEngine, error) {
	if cfg.ModelDir == "" {
		return nil, errors.New("model directory is required")
	}
	if cfg.Binary == "" {
		cfg.Binary = "piper"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if cfg.Voices == nil {
		cfg.Voices = NewVoiceTable(DefaultLocalVoices(), "en-US", "neutral", DefaultLocalFallback, logger)
	}
	return &PiperEngine{
		binary:   cfg.Binary,
		modelDir: cfg.ModelDir,
		tempDir:  cfg.TempDir,
		runner:   subprocess.NewRunner(cfg.Timeout),
		voices:   cfg.Voices,
		logger:   logger,
	}, nil
}

func (e *PiperEngine) Engine() ttypes.Engine { return ttypes.EngineLocal }

// Synthesize converts text to raw PCM using Piper.
func (e *PiperEngine) Synthesize(ctx context.Context, job Job) (ttypes.RawAudio, error) {
	voice := e.voices.Resolve(job.Language, job.VoiceID)

	if job.Native {
		return ttypes.RawAudio{}, tts.Validationf("local engine does not accept markup")
	}
	if strings.TrimSpace(job.Text) == "" {
		return ttypes.RawAudio{}, tts.Validationf("text cannot be empty")
	}

	modelPath := filepath.Join(e.modelDir, voice.Model+".onnx")
	if _, err := os.Stat(modelPath); err != nil {
		return ttypes.RawAudio{}, tts.Upstream(ttypes.EngineLocal, voice.Model, "voice model not installed", err)
	}

	tmp, err := os.CreateTemp(e.tempDir, "piper-*.raw")
	if err != nil {
		return ttypes.RawAudio{}, tts.Upstream(ttypes.EngineLocal, voice.Model, "cannot create output file", err)
	}
	out := tmp.Name()
	_ = tmp.Close()

	start := time.Now()
	err = e.runner.RunToFile(ctx, subprocess.Command{
		Name:  e.binary,
		Args:  piperArgs(modelPath, voice, job.Parameters),
		Stdin: strings.NewReader(job.Text),
	}, out)
	if err != nil {
		_ = os.Remove(out)
		if errors.Is(err, subprocess.ErrTimeout) {
			return ttypes.RawAudio{}, tts.NewError(tts.ErrorCodeTimeout, "local inference timed out", err).
				WithVoice(ttypes.EngineLocal, voice.Model)
		}
		return ttypes.RawAudio{}, tts.Upstream(ttypes.EngineLocal, voice.Model, "local inference failed", err)
	}

	e.logger.Debug("piper synthesis done", "model", voice.Model, "chars", len(job.Text), "took", time.Since(start))
	return ttypes.RawAudio{Path: out, SampleRate: e.sampleRate(modelPath), Channels: 1}, nil
}

// piperArgs builds the command line. Parameters go out with fixed precision
// so identical requests produce identical invocations.
func piperArgs(modelPath string, voice ModelSpec, p ttypes.Parameters) []string {
	p = p.OrDefault()
	args := []string{
		"--model", modelPath,
		"--output-raw",
		"--length_scale", strconv.FormatFloat(p.LengthScale, 'f', 3, 64),
		"--noise_scale", strconv.FormatFloat(p.NoiseScale, 'f', 3, 64),
		"--noise_w", strconv.FormatFloat(p.NoiseWidth, 'f', 3, 64),
	}
	if voice.Speaker != "" {
		args = append(args, "--speaker", voice.Speaker)
	}
	return args
}

// sampleRate reads audio.sample_rate from the model's JSON config.
func (e *PiperEngine) sampleRate(modelPath string) int {
	if v, ok := e.rates.Load(modelPath); ok {
		return v.(int)
	}
	rate := defaultPiperSampleRate
	if data, err := os.ReadFile(modelPath + ".json"); err == nil {
		var cfg struct {
			Audio struct {
				SampleRate int `json:"sample_rate"`
			} `json:"audio"`
		}
		if err := json.Unmarshal(data, &cfg); err == nil && cfg.Audio.SampleRate > 0 {
			rate = cfg.Audio.SampleRate
		} else if err != nil {
			e.logger.Warn("unreadable model config", "path", modelPath+".json", "err", err)
		}
	}
	e.rates.Store(modelPath, rate)
	return rate
}

// Info returns engine capabilities.
func (e *PiperEngine) Info() ttypes.EngineInfo {
	return ttypes.EngineInfo{
		Name:        "piper",
		Engine:      ttypes.EngineLocal,
		SampleRate:  defaultPiperSampleRate,
		Channels:    1, // Piper outputs mono
		BitDepth:    16,
		MaxTextSize: tts.MaxTextSize,
		IsOnline:    false,
		NativeSSML:  false,
	}
}

// Validate checks the binary and model directory.
func (e *PiperEngine) Validate() error {
	if _, err := subprocess.CheckBinary(e.binary); err != nil {
		return err
	}
	st, err := os.Stat(e.modelDir)
	if err != nil {
		return fmt.Errorf("model directory not accessible: %w", err)
	}
	if !st.IsDir() {
		return fmt.Errorf("model directory %s is not a directory", e.modelDir)
	}
	return nil
}

// Voices returns the engine's voice table.
func (e *PiperEngine) Voices() *VoiceTable { return e.voices }

var _ Adapter = (*PiperEngine)(nil)
