package audio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/audiovault/internal/tts"
	"github.com/dgnsrekt/audiovault/internal/ttypes"
)

// Mixing defaults.
const (
	DefaultBackgroundGain = 0.2
	DefaultFadeSeconds    = 2.0
)

// Config configures a PostProcessor.
type Config struct {
	FFmpegPath     string
	FFprobePath    string
	Timeout        time.Duration
	BackgroundGain float64
	FadeSeconds    float64
}

// Options selects what Process does beyond encoding.
type Options struct {
	Codec       ttypes.Codec
	Background  *ttypes.Background
	TrimSeconds float64
}

// PostProcessor turns raw engine PCM into a delivery file. Every method
// writes only to the dst path it is given and removes it on failure.
type PostProcessor struct {
	ffmpeg   *FFmpeg
	resolver *Resolver
	gain     float64
	fade     float64
	logger   *log.Logger
}

func NewPostProcessor(cfg Config, resolver *Resolver, logger *log.Logger) *PostProcessor {
	if cfg.BackgroundGain <= 0 {
		cfg.BackgroundGain = DefaultBackgroundGain
	}
	if cfg.FadeSeconds <= 0 {
		cfg.FadeSeconds = DefaultFadeSeconds
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &PostProcessor{
		ffmpeg:   NewFFmpeg(cfg.FFmpegPath, cfg.FFprobePath, cfg.Timeout),
		resolver: resolver,
		gain:     cfg.BackgroundGain,
		fade:     cfg.FadeSeconds,
		logger:   logger,
	}
}

// Validate checks the external encoder. WAV delivery works without it.
func (p *PostProcessor) Validate() error {
	return p.ffmpeg.Validate()
}

// Transcode encodes raw into codec at dst.
func (p *PostProcessor) Transcode(ctx context.Context, raw ttypes.RawAudio, codec ttypes.Codec, dst string) error {
	return p.Process(ctx, raw, Options{Codec: codec}, dst)
}

// MixWithBackground lays bg under voice. An unresolvable background
// degrades to voice-only output.
func (p *PostProcessor) MixWithBackground(ctx context.Context, voice ttypes.RawAudio, bg ttypes.Background, codec ttypes.Codec, dst string) error {
	return p.Process(ctx, voice, Options{Codec: codec, Background: &bg}, dst)
}

// Process runs the whole chain: optional mix, encode, optional trim.
func (p *PostProcessor) Process(ctx context.Context, raw ttypes.RawAudio, opts Options, dst string) (err error) {
	defer func() {
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	voiceSeconds, err := rawSeconds(raw)
	if err != nil {
		return tts.Transcode("cannot read synthesized audio", err)
	}

	plan := mixPlan{
		voice:      raw,
		mixSeconds: voiceSeconds,
		gain:       p.gain,
		fade:       p.fade,
		trim:       opts.TrimSeconds,
		codec:      opts.Codec,
		dst:        dst,
	}
	if opts.Background != nil {
		plan.background = p.resolveBackground(ctx, opts.Background.Ref)
		if d := opts.Background.DurationSeconds; d > 0 && d < voiceSeconds {
			plan.mixSeconds = d
		}
	}

	if opts.Codec == ttypes.CodecWAV {
		err = p.renderPCM(plan)
		if !errors.Is(err, errNeedsFFmpeg) {
			if err != nil {
				return tts.Transcode("wav render failed", err)
			}
			return nil
		}
		if p.ffmpeg.Validate() != nil {
			p.logger.Warn("background format needs ffmpeg, continuing voice-only", "background", plan.background)
			plan.background = ""
			if err = p.renderPCM(plan); err != nil {
				return tts.Transcode("wav render failed", err)
			}
			return nil
		}
	}

	if err = p.ffmpeg.render(ctx, plan); err != nil {
		return tts.Transcode("encode failed", err).WithContext("codec", opts.Codec)
	}
	return nil
}

// Trim truncates src to seconds into dst. A duration at or past the end of
// src copies it unchanged; nothing is ever padded.
func (p *PostProcessor) Trim(ctx context.Context, src string, codec ttypes.Codec, seconds float64, dst string) (err error) {
	defer func() {
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	total, err := p.Duration(ctx, src, codec)
	if err != nil {
		return tts.Transcode("cannot measure source", err)
	}
	if seconds <= 0 || seconds >= total {
		if err = copyFile(src, dst); err != nil {
			return tts.Transcode("copy failed", err)
		}
		return nil
	}

	if codec == ttypes.CodecWAV {
		data, err := os.ReadFile(src)
		if err != nil {
			return tts.Transcode("cannot read source", err)
		}
		f, samples, err := DecodeWAV(data)
		if err != nil {
			return tts.Transcode("cannot decode source", err)
		}
		if err = writeWAV(dst, f, Truncate(samples, f, seconds)); err != nil {
			return tts.Transcode("cannot write trimmed wav", err)
		}
		return nil
	}

	if err = p.ffmpeg.trim(ctx, src, codec, seconds, dst); err != nil {
		return tts.Transcode("trim failed", err)
	}
	return nil
}

// Duration reports the playing time of an encoded file in seconds.
func (p *PostProcessor) Duration(ctx context.Context, path string, codec ttypes.Codec) (float64, error) {
	switch codec {
	case ttypes.CodecWAV:
		f, err := os.Open(path)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		info, err := ReadWAVInfo(bufio.NewReader(f))
		if err != nil {
			return 0, err
		}
		size := info.DataSize
		if st, err := f.Stat(); err == nil && (size == 0 || info.DataOffset+size > st.Size()) {
			size = st.Size() - info.DataOffset
		}
		if info.ByteRate() == 0 {
			return 0, fmt.Errorf("wav header has zero byte rate")
		}
		return float64(size) / float64(info.ByteRate()), nil

	case ttypes.CodecMP3:
		f, err := os.Open(path)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		return MP3Duration(f)

	default:
		return p.ffmpeg.duration(ctx, path)
	}
}

var errNeedsFFmpeg = errors.New("background needs ffmpeg to decode")

// renderPCM builds a WAV without leaving the process.
func (p *PostProcessor) renderPCM(plan mixPlan) error {
	data, err := os.ReadFile(plan.voice.Path)
	if err != nil {
		return err
	}
	voice := Normalize(BytesToSamples(data), Format{SampleRate: plan.voice.SampleRate, Channels: plan.voice.Channels})
	out := voice

	if plan.background != "" {
		bg, err := LoadPCM(plan.background)
		if err != nil {
			p.logger.Debug("in-process background decode failed", "path", plan.background, "err", err)
			return errNeedsFFmpeg
		}
		frames := int(plan.mixSeconds * float64(DeliveryFormat.SampleRate))
		bed := Loop(bg, DeliveryFormat.Channels, frames)
		ApplyGain(bed, plan.gain)
		Fade(bed, DeliveryFormat, plan.fade, plan.fade)
		out = Mix(voice, bed)
	}

	return writeWAV(plan.dst, DeliveryFormat, Truncate(out, DeliveryFormat, plan.trim))
}

// resolveBackground returns a local path or "" after logging why not.
func (p *PostProcessor) resolveBackground(ctx context.Context, ref string) string {
	if p.resolver == nil {
		p.logger.Warn("background requested but no resolver configured, continuing voice-only", "ref", ref)
		return ""
	}
	path, err := p.resolver.Resolve(ctx, ref)
	if err != nil {
		p.logger.Warn("background unavailable, continuing voice-only", "ref", ref, "err", err)
		return ""
	}
	return path
}

func rawSeconds(raw ttypes.RawAudio) (float64, error) {
	st, err := os.Stat(raw.Path)
	if err != nil {
		return 0, err
	}
	if raw.BytesPerSecond() == 0 {
		return 0, fmt.Errorf("raw audio has no format")
	}
	if st.Size() == 0 {
		return 0, fmt.Errorf("raw audio is empty")
	}
	return float64(st.Size()) / float64(raw.BytesPerSecond()), nil
}

func writeWAV(dst string, f Format, samples []int16) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(out)
	if err := EncodeWAV(w, f, samples); err != nil {
		out.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyFile(src, dst string) error {
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
