package audio

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dgnsrekt/audiovault/internal/subprocess"
	"github.com/dgnsrekt/audiovault/internal/ttypes"
)

// FFmpeg drives the ffmpeg and ffprobe binaries.
type FFmpeg struct {
	bin    string
	probe  string
	runner *subprocess.Runner
}

// NewFFmpeg creates an ffmpeg backend. Empty names default to the binaries
// on PATH.
func NewFFmpeg(bin, probe string, timeout time.Duration) *FFmpeg {
	if bin == "" {
		bin = "ffmpeg"
	}
	if probe == "" {
		probe = "ffprobe"
	}
	return &FFmpeg{bin: bin, probe: probe, runner: subprocess.NewRunner(timeout)}
}

// Validate checks that ffmpeg can be found.
func (f *FFmpeg) Validate() error {
	_, err := subprocess.CheckBinary(f.bin)
	return err
}

// mixPlan describes one ffmpeg render.
type mixPlan struct {
	voice      ttypes.RawAudio
	background string
	mixSeconds float64
	gain       float64
	fade       float64
	trim       float64
	codec      ttypes.Codec
	dst        string
}

// render encodes raw voice, optionally mixed with a background, into dst.
func (f *FFmpeg) render(ctx context.Context, p mixPlan) error {
	return f.runner.RunToFile(ctx, subprocess.Command{Name: f.bin, Args: renderArgs(p)}, p.dst)
}

// trim cuts src to seconds without re-encoding.
func (f *FFmpeg) trim(ctx context.Context, src string, codec ttypes.Codec, seconds float64, dst string) error {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-i", src,
		"-t", formatSeconds(seconds),
		"-c", "copy",
		"-f", muxer(codec),
		"pipe:1",
	}
	return f.runner.RunToFile(ctx, subprocess.Command{Name: f.bin, Args: args}, dst)
}

// duration asks ffprobe for the container duration in seconds.
func (f *FFmpeg) duration(ctx context.Context, path string) (float64, error) {
	var out bytes.Buffer
	err := f.runner.Run(ctx, subprocess.Command{
		Name: f.probe,
		Args: []string{
			"-v", "error",
			"-show_entries", "format=duration",
			"-of", "default=noprint_wrappers=1:nokey=1",
			path,
		},
		Stdout: &out,
	})
	if err != nil {
		return 0, err
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(out.String()), 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected ffprobe output %q: %w", out.String(), err)
	}
	return d, nil
}

// renderArgs builds the ffmpeg argument list. Output always goes to stdout
// so the caller controls where bytes land.
func renderArgs(p mixPlan) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", "s16le",
		"-ar", strconv.Itoa(p.voice.SampleRate),
		"-ac", strconv.Itoa(p.voice.Channels),
		"-i", p.voice.Path,
	}

	out := fmt.Sprintf("aformat=sample_fmts=s16:channel_layouts=stereo,aresample=%d", DeliveryFormat.SampleRate)
	if p.background != "" {
		args = append(args, "-stream_loop", "-1", "-i", p.background)
		fadeOutStart := max(p.mixSeconds-p.fade, 0)
		filter := fmt.Sprintf(
			"[1:a]%s,volume=%s,afade=t=in:st=0:d=%s,afade=t=out:st=%s:d=%s[bg];"+
				"[0:a]%s[v];"+
				"[v][bg]amix=inputs=2:duration=shortest:normalize=0[out]",
			out, formatSeconds(p.gain), formatSeconds(p.fade),
			formatSeconds(fadeOutStart), formatSeconds(p.fade),
			out,
		)
		args = append(args, "-filter_complex", filter, "-map", "[out]")
	} else {
		args = append(args, "-af", out)
	}

	if limit := outputLimit(p); limit > 0 {
		args = append(args, "-t", formatSeconds(limit))
	}

	args = append(args, codecArgs(p.codec)...)
	args = append(args,
		"-ar", strconv.Itoa(DeliveryFormat.SampleRate),
		"-ac", strconv.Itoa(DeliveryFormat.Channels),
		"-f", muxer(p.codec),
		"pipe:1",
	)
	return args
}

// outputLimit is the -t value: the mix length when looping a background,
// shortened by any trim. Zero means no limit.
func outputLimit(p mixPlan) float64 {
	limit := 0.0
	if p.background != "" {
		limit = p.mixSeconds
	}
	if p.trim > 0 && (limit == 0 || p.trim < limit) {
		limit = p.trim
	}
	return limit
}

func codecArgs(c ttypes.Codec) []string {
	switch c {
	case ttypes.CodecMP3:
		return []string{"-c:a", "libmp3lame", "-b:a", "192k"}
	case ttypes.CodecOGG:
		return []string{"-c:a", "libvorbis", "-q:a", "5"}
	default:
		return []string{"-c:a", "pcm_s16le"}
	}
}

func muxer(c ttypes.Codec) string {
	switch c {
	case ttypes.CodecMP3:
		return "mp3"
	case ttypes.CodecOGG:
		return "ogg"
	default:
		return "wav"
	}
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}
