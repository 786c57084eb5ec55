// Package audio holds the PCM and telephony audio primitives shared by the
// call pipeline: G.711 µ-law companding, linear resampling, WAV encoding and
// signal-level helpers.
//
// All PCM handled here is signed 16-bit little-endian. Telephony media
// streams carry 8 kHz mono µ-law, one byte per sample.
package audio

import "time"

// Telephony defaults for the media stream.
const (
	// TelephonySampleRate is the sample rate of µ-law media streams.
	TelephonySampleRate = 8000

	// BytesPerSample is the width of one 16-bit PCM sample.
	BytesPerSample = 2
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Telephony is the format of decoded inbound media: 8 kHz mono.
var Telephony = Format{SampleRate: TelephonySampleRate, Channels: 1}

// BytesPerSecond returns the PCM byte rate for f. It returns 0 for an invalid
// format.
func (f Format) BytesPerSecond() int {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	return f.SampleRate * f.Channels * BytesPerSample
}

// Duration returns the playback duration of n bytes of PCM in format f.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Bytes returns how many PCM bytes make up d at format f, rounded down to a
// whole sample frame.
func (f Format) Bytes(d time.Duration) int {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	n := int(int64(bps) * int64(d) / int64(time.Second))
	frame := f.Channels * BytesPerSample
	return n - n%frame
}

// Frame is one chunk of decoded inbound audio.
type Frame struct {
	// PCM is 16-bit little-endian audio in the frame's format.
	PCM []byte

	// Format of PCM.
	Format Format

	// Offset is the position of the frame relative to the start of the stream.
	Offset time.Duration
}
