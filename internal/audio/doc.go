// Package audio turns raw engine output into delivery files. WAV is built
// in-process from 16-bit PCM; MP3 and OGG go through ffmpeg. The package
// also resolves background tracks and sniffs container signatures.
package audio
