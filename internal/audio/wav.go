package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNotWAV reports payloads that cannot be read as an uncompressed PCM WAV
// container.
var ErrNotWAV = errors.New("not a pcm wav container")

const headerSize = 44

// EncodeWAVPCM16LE wraps raw PCM16LE mono samples in a minimal WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) []byte {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	const (
		channels      = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * channels * bitsPerSample / 8

	out := make([]byte, headerSize+len(pcm))
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:24], channels)
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], channels*bitsPerSample/8)
	binary.LittleEndian.PutUint16(out[34:36], bitsPerSample)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[headerSize:], pcm)
	return out
}

// Info describes a probed WAV container.
type Info struct {
	SampleRate      int
	Channels        int
	BitsPerSample   int
	DurationSeconds float64
}

// ProbeWAV walks the RIFF chunk list and derives the audio duration from the
// fmt byte rate and the data payload size. Unknown chunks are skipped; only
// uncompressed PCM is accepted.
func ProbeWAV(data []byte) (Info, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Info{}, ErrNotWAV
	}

	var (
		info     Info
		byteRate uint32
		haveFmt  bool
		dataLen  int
		haveData bool
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return Info{}, fmt.Errorf("%w: truncated %q chunk", ErrNotWAV, id)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return Info{}, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
			}
			format := binary.LittleEndian.Uint16(data[off : off+2])
			if format != 1 {
				return Info{}, fmt.Errorf("%w: compressed format %d", ErrNotWAV, format)
			}
			info.Channels = int(binary.LittleEndian.Uint16(data[off+2 : off+4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
			byteRate = binary.LittleEndian.Uint32(data[off+8 : off+12])
			info.BitsPerSample = int(binary.LittleEndian.Uint16(data[off+14 : off+16]))
			haveFmt = true
		case "data":
			dataLen = size
			haveData = true
		}
		off += size
		// RIFF chunks are word aligned.
		if size%2 == 1 {
			off++
		}
	}
	if !haveFmt || !haveData {
		return Info{}, fmt.Errorf("%w: missing fmt or data chunk", ErrNotWAV)
	}
	if byteRate == 0 {
		if info.SampleRate <= 0 || info.Channels <= 0 || info.BitsPerSample <= 0 {
			return Info{}, fmt.Errorf("%w: fmt chunk carries no usable rates", ErrNotWAV)
		}
		byteRate = uint32(info.SampleRate * info.Channels * info.BitsPerSample / 8)
	}
	info.DurationSeconds = float64(dataLen) / float64(byteRate)
	return info, nil
}
