package probe

import (
	"bytes"
	"encoding/binary"
)

// Audio reads audio headers and returns {mode, channels, sample_rate, length}
// metadata for MP3 and Ogg Vorbis files, or ok=false when the format is not
// recognized. Length is in seconds and approximate for variable-bitrate MP3s.
func Audio(data []byte, contentType string) (map[string]any, bool) {
	switch contentType {
	case "audio/mpeg":
		return mp3Info(data)
	case "audio/ogg":
		return oggInfo(data)
	}
	return nil, false
}

var mp3SampleRates = [...]int{44100, 48000, 32000}

// mp3Bitrates holds MPEG-1 Layer III bitrates in kbit/s, indexed by the
// frame header bitrate field.
var mp3Bitrates = [...]int{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320}

func mp3Info(data []byte) (map[string]any, bool) {
	// Skip a leading ID3v2 tag.
	offset := 0
	if len(data) >= 10 && bytes.Equal(data[:3], []byte("ID3")) {
		size := int(data[6]&0x7f)<<21 | int(data[7]&0x7f)<<14 |
			int(data[8]&0x7f)<<7 | int(data[9]&0x7f)
		offset = 10 + size
	}

	// Find the first frame sync within a reasonable window.
	for i := offset; i+4 <= len(data) && i < offset+64*1024; i++ {
		if data[i] != 0xff || data[i+1]&0xe0 != 0xe0 {
			continue
		}
		version := data[i+1] >> 3 & 0x03
		layer := data[i+1] >> 1 & 0x03
		if version != 0x03 || layer != 0x01 {
			continue // only MPEG-1 Layer III
		}
		bitrateIdx := int(data[i+2] >> 4)
		rateIdx := int(data[i+2] >> 2 & 0x03)
		if bitrateIdx == 0 || bitrateIdx >= len(mp3Bitrates) || rateIdx >= len(mp3SampleRates) {
			continue
		}
		channelMode := data[i+3] >> 6
		channels := 2
		mode := "stereo"
		if channelMode == 3 {
			channels = 1
			mode = "mono"
		}
		bitrate := mp3Bitrates[bitrateIdx] * 1000
		length := float64(len(data)-i) * 8 / float64(bitrate)
		return map[string]any{
			"mode":        mode,
			"channels":    channels,
			"sample_rate": mp3SampleRates[rateIdx],
			"length":      length,
		}, true
	}
	return nil, false
}

func oggInfo(data []byte) (map[string]any, bool) {
	if len(data) < 58 || !bytes.Equal(data[:4], []byte("OggS")) {
		return nil, false
	}
	// The Vorbis identification header follows the first page header.
	idx := bytes.Index(data[:min(len(data), 4096)], []byte("\x01vorbis"))
	if idx < 0 || idx+16 > len(data) {
		return nil, false
	}
	channels := int(data[idx+11])
	sampleRate := int(binary.LittleEndian.Uint32(data[idx+12 : idx+16]))
	if channels == 0 || sampleRate == 0 {
		return nil, false
	}
	mode := "stereo"
	if channels == 1 {
		mode = "mono"
	}

	info := map[string]any{
		"mode":        mode,
		"channels":    channels,
		"sample_rate": sampleRate,
	}

	// Duration comes from the granule position of the last page, the total
	// sample count for Vorbis streams.
	if last := bytes.LastIndex(data, []byte("OggS")); last >= 0 && last+14 <= len(data) {
		granule := binary.LittleEndian.Uint64(data[last+6 : last+14])
		if granule > 0 && granule != ^uint64(0) {
			info["length"] = float64(granule) / float64(sampleRate)
		}
	}
	return info, true
}
