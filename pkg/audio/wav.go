package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

const wavHeaderSize = 44

// EncodeWAV wraps 16-bit PCM in a canonical 44-byte RIFF/WAVE header.
func EncodeWAV(pcm []byte, f Format) []byte {
	const bps = BytesPerSample * 8
	byteRate := f.SampleRate * f.Channels * BytesPerSample
	blockAlign := f.Channels * BytesPerSample
	dataSize := len(pcm)

	buf := make([]byte, wavHeaderSize+dataSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bps)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)
	return buf
}

// DecodeWAV extracts the PCM payload and format from a 16-bit PCM WAV file.
// Chunks other than "fmt " and "data" are skipped.
func DecodeWAV(b []byte) ([]byte, Format, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return nil, Format{}, errors.New("audio: not a RIFF/WAVE stream")
	}
	var (
		f       Format
		haveFmt bool
	)
	for off := 12; off+8 <= len(b); {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8
		if body+size > len(b) {
			// Streaming encoders write a bogus data size; take what is there.
			size = len(b) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, Format{}, errors.New("audio: short fmt chunk")
			}
			if format := binary.LittleEndian.Uint16(b[body : body+2]); format != 1 {
				return nil, Format{}, fmt.Errorf("audio: unsupported WAV encoding %d", format)
			}
			f.Channels = int(binary.LittleEndian.Uint16(b[body+2 : body+4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(b[body+4 : body+8]))
			if bits := binary.LittleEndian.Uint16(b[body+14 : body+16]); bits != 16 {
				return nil, Format{}, fmt.Errorf("audio: unsupported bit depth %d", bits)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, Format{}, errors.New("audio: data chunk before fmt chunk")
			}
			return b[body : body+size], f, nil
		}
		off = body + size + size%2
	}
	return nil, Format{}, errors.New("audio: no data chunk")
}

// WriteTempWAV writes pcm as a WAV file in dir (os.TempDir when empty) and
// returns its path. The caller removes the file.
func WriteTempWAV(dir string, pcm []byte, f Format) (string, error) {
	file, err := os.CreateTemp(dir, "segment-*.wav")
	if err != nil {
		return "", fmt.Errorf("audio: create temp wav: %w", err)
	}
	if _, err := file.Write(EncodeWAV(pcm, f)); err != nil {
		file.Close()
		os.Remove(file.Name())
		return "", fmt.Errorf("audio: write temp wav: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("audio: close temp wav: %w", err)
	}
	return file.Name(), nil
}
