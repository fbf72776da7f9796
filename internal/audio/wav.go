package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// WAV errors
var (
	ErrNotWAV         = errors.New("not a RIFF/WAVE stream")
	ErrUnsupportedWAV = errors.New("unsupported WAV encoding")
)

// WAVHeaderSize is the size of the canonical header WriteWAVHeader emits.
const WAVHeaderSize = 44

// WAVInfo is the parsed header of a WAV stream.
type WAVInfo struct {
	Format
	BitsPerSample int

	// DataOffset is the byte offset of the first sample.
	DataOffset int64

	// DataSize is the declared length of the data chunk.
	DataSize int64
}

// ByteRate returns the stream's bytes per second.
func (w WAVInfo) ByteRate() int {
	return w.SampleRate * w.Channels * w.BitsPerSample / 8
}

// ReadWAVInfo walks the RIFF chunks of r up to the start of the data chunk.
// On return r is positioned at the first sample.
func ReadWAVInfo(r io.Reader) (WAVInfo, error) {
	var info WAVInfo

	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return info, ErrNotWAV
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return info, ErrNotWAV
	}
	offset := int64(12)
	haveFmt := false

	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return info, fmt.Errorf("%w: missing data chunk", ErrNotWAV)
		}
		offset += 8
		id := string(hdr[0:4])
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return info, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return info, fmt.Errorf("%w: truncated fmt chunk", ErrNotWAV)
			}
			audioFormat := binary.LittleEndian.Uint16(body[0:2])
			info.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(body[14:16]))
			// 0xFFFE is WAVE_FORMAT_EXTENSIBLE, which ffmpeg emits for some layouts
			if audioFormat != 1 && audioFormat != 0xFFFE {
				return info, fmt.Errorf("%w: format tag %d", ErrUnsupportedWAV, audioFormat)
			}
			offset += size
			haveFmt = true

		case "data":
			if !haveFmt {
				return info, fmt.Errorf("%w: data before fmt", ErrNotWAV)
			}
			info.DataOffset = offset
			info.DataSize = size
			return info, nil

		default:
			skip := size + size%2
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return info, fmt.Errorf("%w: truncated %q chunk", ErrNotWAV, id)
			}
			offset += skip
			continue
		}
		if size%2 == 1 {
			if _, err := io.CopyN(io.Discard, r, 1); err != nil {
				return info, ErrNotWAV
			}
			offset++
		}
	}
}

// WriteWAVHeader writes a canonical 44-byte PCM header.
func WriteWAVHeader(w io.Writer, f Format, dataSize uint32) error {
	var h [WAVHeaderSize]byte
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], 36+dataSize)
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], 1)
	binary.LittleEndian.PutUint16(h[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(f.BytesPerSecond()))
	binary.LittleEndian.PutUint16(h[32:34], uint16(f.Channels*2))
	binary.LittleEndian.PutUint16(h[34:36], 16)
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], dataSize)
	_, err := w.Write(h[:])
	return err
}

// EncodeWAV writes samples as a complete WAV stream.
func EncodeWAV(w io.Writer, f Format, samples []int16) error {
	if err := WriteWAVHeader(w, f, uint32(len(samples)*2)); err != nil {
		return err
	}
	_, err := w.Write(SamplesToBytes(samples))
	return err
}

// DecodeWAV parses a 16-bit PCM WAV held in memory. A data chunk whose
// declared size overruns the buffer is clipped, since streaming encoders
// often leave the size unset.
func DecodeWAV(data []byte) (Format, []int16, error) {
	r := bytes.NewReader(data)
	info, err := ReadWAVInfo(r)
	if err != nil {
		return Format{}, nil, err
	}
	if info.BitsPerSample != 16 {
		return Format{}, nil, fmt.Errorf("%w: %d-bit samples", ErrUnsupportedWAV, info.BitsPerSample)
	}
	end := info.DataOffset + info.DataSize
	if info.DataSize == 0 || end > int64(len(data)) {
		end = int64(len(data))
	}
	return info.Format, BytesToSamples(data[info.DataOffset:end]), nil
}
