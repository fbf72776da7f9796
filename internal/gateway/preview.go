package gateway

import (
	"bytes"
	"io"

	"github.com/dgnsrekt/audiovault/internal/audio"
)

// FallbackBitrate is assumed when the container gives no usable rate.
const FallbackBitrate = 128_000

// mp3 bitrates in kbps by [lsf][layer-1][index]. lsf is 1 for MPEG-2 and 2.5.
var mp3Bitrates = [2][3][16]int{
	{
		{0, 32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448, 0},
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384, 0},
		{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0},
	},
	{
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 144, 160, 176, 192, 224, 256, 0},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0},
	},
}

// id3Size returns the length of a leading ID3v2 tag, or 0.
func id3Size(h []byte) int64 {
	if len(h) < 10 || !bytes.HasPrefix(h, []byte("ID3")) {
		return 0
	}
	n := int64(h[6]&0x7f)<<21 | int64(h[7]&0x7f)<<14 | int64(h[8]&0x7f)<<7 | int64(h[9]&0x7f)
	n += 10
	if h[5]&0x10 != 0 {
		n += 10 // footer
	}
	return n
}

// mp3FrameBitrate reads the bitrate in bits per second from an MPEG frame
// header, or 0 when it is free-format or invalid.
func mp3FrameBitrate(h []byte) int {
	if len(h) < 4 || !audio.IsMPEGFrameSync(h) {
		return 0
	}
	version := (h[1] >> 3) & 0x03
	layer := (h[1] >> 1) & 0x03
	lsf := 0
	if version != 0x03 {
		lsf = 1
	}
	// layer bits: 3 is Layer I, 1 is Layer III
	kbps := mp3Bitrates[lsf][3-layer][h[2]>>4]
	return kbps * 1000
}

// previewSpan decides how much of an asset a preview of seconds may read.
// It returns a replacement header (nil when the bytes are served as-is),
// the offset and length of the body slice that follows it.
func previewSpan(r io.ReaderAt, size int64, contentType string, seconds int) (header []byte, offset, length int64) {
	full := func() ([]byte, int64, int64) { return nil, 0, size }

	switch contentType {
	case audio.ContentTypeWAV:
		info, err := audio.ReadWAVInfo(io.NewSectionReader(r, 0, size))
		if err != nil || info.ByteRate() == 0 {
			break
		}
		data := size - info.DataOffset
		if info.DataSize > 0 && info.DataSize < data {
			data = info.DataSize
		}
		block := int64(info.Channels * info.BitsPerSample / 8)
		want := int64(seconds) * int64(info.ByteRate())
		if block > 0 {
			want -= want % block
		}
		if want >= data {
			return full()
		}
		var h bytes.Buffer
		if err := audio.WriteWAVHeader(&h, info.Format, uint32(want)); err != nil {
			break
		}
		// WriteWAVHeader writes 16-bit fields; keep the stream's own depth
		hdr := h.Bytes()
		if info.BitsPerSample != 16 {
			align := info.Channels * info.BitsPerSample / 8
			putLE32(hdr[28:32], uint32(info.ByteRate()))
			putLE16(hdr[32:34], uint16(align))
			putLE16(hdr[34:36], uint16(info.BitsPerSample))
		}
		return hdr, info.DataOffset, want

	case audio.ContentTypeMP3:
		head := make([]byte, 10)
		if _, err := r.ReadAt(head, 0); err != nil {
			break
		}
		skip := id3Size(head)
		frame := make([]byte, 4)
		if skip < size {
			if _, err := r.ReadAt(frame, skip); err == nil {
				if bps := mp3FrameBitrate(frame); bps > 0 {
					return nil, 0, min(size, skip+int64(seconds)*int64(bps/8))
				}
			}
		}
		return nil, 0, min(size, skip+int64(seconds)*FallbackBitrate/8)
	}
	return nil, 0, min(size, int64(seconds)*FallbackBitrate/8)
}

func putLE16(b []byte, v uint16) { b[0], b[1] = byte(v), byte(v>>8) }

func putLE32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

// spliced presents a header followed by a window of another ReaderAt as
// one ReaderAt.
type spliced struct {
	header []byte
	body   io.ReaderAt
	offset int64
	length int64
}

func (s *spliced) size() int64 { return int64(len(s.header)) + s.length }

func (s *spliced) ReadAt(p []byte, off int64) (int, error) {
	if off >= s.size() {
		return 0, io.EOF
	}
	n := 0
	if off < int64(len(s.header)) {
		n = copy(p, s.header[off:])
		off += int64(n)
	}
	if n == len(p) {
		return n, nil
	}
	rel := off - int64(len(s.header))
	want := min(int64(len(p)-n), s.length-rel)
	if want <= 0 {
		return n, io.EOF
	}
	m, err := s.body.ReadAt(p[n:n+int(want)], s.offset+rel)
	n += m
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}
