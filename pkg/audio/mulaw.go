package audio

// G.711 µ-law constants.
const (
	mulawBias = 0x84
	mulawClip = 32635
)

// mulawDecodeTable maps every µ-law byte to its linear 16-bit value.
var mulawDecodeTable = func() [256]int16 {
	var t [256]int16
	for i := range t {
		t[i] = decodeMulawSample(byte(i))
	}
	return t
}()

func decodeMulawSample(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	v := ((int32(mantissa) << 3) + mulawBias) << exponent
	v -= mulawBias
	if sign != 0 {
		return int16(-v)
	}
	return int16(v)
}

// EncodeMulawSample compands one linear sample to µ-law.
func EncodeMulawSample(sample int16) byte {
	s := int32(sample)
	var sign byte
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(s>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}

// DecodeMulawSample expands one µ-law byte to a linear sample.
func DecodeMulawSample(u byte) int16 {
	return mulawDecodeTable[u]
}

// MulawToPCM expands µ-law bytes to 16-bit little-endian PCM. The output is
// exactly twice as long as the input.
func MulawToPCM(mulaw []byte) []byte {
	out := make([]byte, len(mulaw)*BytesPerSample)
	for i, u := range mulaw {
		s := mulawDecodeTable[u]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// PCMToMulaw compands 16-bit little-endian PCM to µ-law, one byte per sample.
// A trailing odd byte is ignored.
func PCMToMulaw(pcm []byte) []byte {
	n := len(pcm) / BytesPerSample
	out := make([]byte, n)
	for i := range n {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = EncodeMulawSample(s)
	}
	return out
}
