package audio

import (
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
)

// DecodeMP3 decodes an MP3 stream to interleaved stereo PCM.
func DecodeMP3(r io.Reader) (Format, []int16, error) {
	decoder, err := mp3.NewDecoder(r)
	if err != nil {
		return Format{}, nil, fmt.Errorf("failed to create mp3 decoder: %w", err)
	}
	pcm, err := io.ReadAll(decoder)
	if err != nil {
		return Format{}, nil, fmt.Errorf("failed to decode mp3: %w", err)
	}
	// go-mp3 always yields 16-bit stereo
	return Format{SampleRate: decoder.SampleRate(), Channels: 2}, BytesToSamples(pcm), nil
}

// MP3Duration returns the playing time of an MP3 stream in seconds without
// keeping the decoded samples.
func MP3Duration(r io.ReadSeeker) (float64, error) {
	decoder, err := mp3.NewDecoder(r)
	if err != nil {
		return 0, fmt.Errorf("failed to create mp3 decoder: %w", err)
	}
	rate := decoder.SampleRate()
	if rate == 0 {
		return 0, fmt.Errorf("mp3 stream has no sample rate")
	}
	return float64(decoder.Length()) / float64(rate*4), nil
}
