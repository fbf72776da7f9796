package audio

import (
	"encoding/binary"
	"time"
)

// Format describes signed 16-bit little-endian PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// DeliveryFormat is what every published asset is resampled to.
var DeliveryFormat = Format{SampleRate: 44100, Channels: 2}

// BytesPerSecond returns the PCM byte rate.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Duration returns how long n bytes of PCM play for.
func (f Format) Duration(n int64) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(float64(n) / float64(bps) * float64(time.Second))
}

// BytesToSamples decodes s16le PCM. A trailing odd byte is ignored.
func BytesToSamples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

// SamplesToBytes encodes samples as s16le PCM.
func SamplesToBytes(s []int16) []byte {
	out := make([]byte, len(s)*2)
	for i, v := range s {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

// ToStereo converts interleaved samples to two channels. Mono is duplicated;
// more than two channels keeps the first two.
func ToStereo(s []int16, channels int) []int16 {
	switch {
	case channels == 2:
		return s
	case channels == 1:
		out := make([]int16, len(s)*2)
		for i, v := range s {
			out[2*i] = v
			out[2*i+1] = v
		}
		return out
	case channels > 2:
		frames := len(s) / channels
		out := make([]int16, frames*2)
		for i := 0; i < frames; i++ {
			out[2*i] = s[i*channels]
			out[2*i+1] = s[i*channels+1]
		}
		return out
	default:
		return nil
	}
}

// Resample performs linear interpolation between frames. Quality is adequate
// for speech and ambient beds.
func Resample(s []int16, channels, from, to int) []int16 {
	if from == to || from <= 0 || to <= 0 || channels <= 0 {
		return s
	}
	inFrames := len(s) / channels
	if inFrames == 0 {
		return nil
	}
	ratio := float64(to) / float64(from)
	outFrames := int(float64(inFrames) * ratio)
	out := make([]int16, outFrames*channels)

	for i := 0; i < outFrames; i++ {
		pos := float64(i) / ratio
		idx := int(pos)
		frac := pos - float64(idx)
		for ch := 0; ch < channels; ch++ {
			if idx >= inFrames-1 {
				out[i*channels+ch] = s[(inFrames-1)*channels+ch]
				continue
			}
			a := float64(s[idx*channels+ch])
			b := float64(s[(idx+1)*channels+ch])
			out[i*channels+ch] = int16(a*(1-frac) + b*frac)
		}
	}
	return out
}

// Normalize converts any PCM to the delivery format.
func Normalize(s []int16, f Format) []int16 {
	return Resample(ToStereo(s, f.Channels), DeliveryFormat.Channels, f.SampleRate, DeliveryFormat.SampleRate)
}

// Loop repeats s until it holds exactly frames frames.
func Loop(s []int16, channels, frames int) []int16 {
	want := frames * channels
	if len(s) == 0 || want <= 0 {
		return make([]int16, max(want, 0))
	}
	out := make([]int16, want)
	for i := 0; i < want; i += len(s) {
		copy(out[i:], s)
	}
	return out
}

// ApplyGain scales samples in place, clamping to the int16 range.
func ApplyGain(s []int16, gain float64) {
	for i, v := range s {
		s[i] = clamp16(float64(v) * gain)
	}
}

// Fade applies linear fade-in over the first fadeIn seconds and fade-out
// over the last fadeOut seconds, in place.
func Fade(s []int16, f Format, fadeIn, fadeOut float64) {
	frames := len(s) / f.Channels
	inFrames := min(int(fadeIn*float64(f.SampleRate)), frames)
	outFrames := min(int(fadeOut*float64(f.SampleRate)), frames)

	for i := 0; i < inFrames; i++ {
		g := float64(i) / float64(inFrames)
		for ch := 0; ch < f.Channels; ch++ {
			s[i*f.Channels+ch] = int16(float64(s[i*f.Channels+ch]) * g)
		}
	}
	for i := 0; i < outFrames; i++ {
		frame := frames - outFrames + i
		g := float64(outFrames-i-1) / float64(outFrames)
		for ch := 0; ch < f.Channels; ch++ {
			s[frame*f.Channels+ch] = int16(float64(s[frame*f.Channels+ch]) * g)
		}
	}
}

// Mix sums two streams sample by sample with clamping. The result is as
// long as the shorter input.
func Mix(a, b []int16) []int16 {
	n := min(len(a), len(b))
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		mixed := int32(a[i]) + int32(b[i])
		if mixed > 32767 {
			mixed = 32767
		} else if mixed < -32768 {
			mixed = -32768
		}
		out[i] = int16(mixed)
	}
	return out
}

// Truncate cuts s to at most seconds of audio. Longer requests return s.
func Truncate(s []int16, f Format, seconds float64) []int16 {
	if seconds <= 0 {
		return s
	}
	n := int(seconds*float64(f.SampleRate)) * f.Channels
	if n >= len(s) {
		return s
	}
	return s[:n]
}

// Silence returns seconds of zeroed samples.
func Silence(seconds float64, f Format) []int16 {
	return make([]int16, int(seconds*float64(f.SampleRate))*f.Channels)
}

func clamp16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
