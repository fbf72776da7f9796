package audio

import "bytes"

// Content types returned by Sniff.
const (
	ContentTypeMP3     = "audio/mpeg"
	ContentTypeWAV     = "audio/wav"
	ContentTypeOGG     = "audio/ogg"
	ContentTypeFLAC    = "audio/flac"
	ContentTypeUnknown = "application/octet-stream"
)

// SniffLen is how many leading bytes Sniff looks at.
const SniffLen = 12

// Sniff identifies an audio container from its first bytes, ignoring any
// file name.
func Sniff(head []byte) string {
	switch {
	case len(head) >= 12 && bytes.Equal(head[0:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WAVE")):
		return ContentTypeWAV
	case bytes.HasPrefix(head, []byte("OggS")):
		return ContentTypeOGG
	case bytes.HasPrefix(head, []byte("fLaC")):
		return ContentTypeFLAC
	case bytes.HasPrefix(head, []byte("ID3")):
		return ContentTypeMP3
	case IsMPEGFrameSync(head):
		return ContentTypeMP3
	default:
		return ContentTypeUnknown
	}
}

// IsMPEGFrameSync reports whether b starts with an MPEG audio frame header:
// 11 set sync bits, a valid version and a non-reserved layer.
func IsMPEGFrameSync(b []byte) bool {
	if len(b) < 2 {
		return false
	}
	if b[0] != 0xFF || b[1]&0xE0 != 0xE0 {
		return false
	}
	version := (b[1] >> 3) & 0x03
	layer := (b[1] >> 1) & 0x03
	return version != 0x01 && layer != 0x00
}
