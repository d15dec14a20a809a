package chunkstore

import (
	"bytes"
	"path/filepath"
	"strings"
)

// DetectFormat sniffs the container format from the leading bytes and returns
// a short extension-style name. Only formats the transcription providers
// accept are recognized.
func DetectFormat(data []byte) (string, bool) {
	if len(data) < 12 {
		return "", false
	}
	switch {
	case bytes.HasPrefix(data, []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return "wav", true
	case bytes.HasPrefix(data, []byte("OggS")):
		return "ogg", true
	case bytes.HasPrefix(data, []byte{0x1A, 0x45, 0xDF, 0xA3}):
		// EBML header, covers webm and mkv containers.
		return "webm", true
	case bytes.HasPrefix(data, []byte("fLaC")):
		return "flac", true
	case bytes.HasPrefix(data, []byte("ID3")):
		return "mp3", true
	case data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		// Bare MPEG audio frame sync.
		return "mp3", true
	case bytes.Equal(data[4:8], []byte("ftyp")):
		return "m4a", true
	default:
		return "", false
	}
}

// FormatFromRef recovers the sniffed format from a storage ref's extension.
func FormatFromRef(ref string) string {
	return strings.TrimPrefix(filepath.Ext(ref), ".")
}
