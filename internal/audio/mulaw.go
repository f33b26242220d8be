package audio

import "encoding/binary"

// G.711 mu-law compander constants.
const (
	muLawBias = 0x84
	muLawClip = 32635
)

// EncodeMuLaw compresses little-endian PCM16 samples to one mu-law byte per
// sample. A trailing odd byte is truncated.
func EncodeMuLaw(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = muLawEncodeSample(sample)
	}
	return out
}

// DecodeMuLaw expands mu-law bytes back to little-endian PCM16.
func DecodeMuLaw(mu []byte) []byte {
	out := make([]byte, len(mu)*2)
	for i, b := range mu {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(muLawDecodeSample(b)))
	}
	return out
}

func muLawEncodeSample(sample int16) byte {
	sign := byte(0)
	v := int32(sample)
	if v < 0 {
		sign = 0x80
		v = -v
	}
	if v > muLawClip {
		v = muLawClip
	}
	v += muLawBias

	// Segment number from the position of the highest set bit above bit 7.
	exponent := byte(7)
	for mask := int32(0x4000); mask != 0 && v&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((v >> (exponent + 3)) & 0x0F)
	return ^(sign | (exponent << 4) | mantissa)
}

func muLawDecodeSample(mu byte) int16 {
	mu = ^mu
	sign := mu & 0x80
	exponent := (mu >> 4) & 0x07
	mantissa := mu & 0x0F
	v := ((int32(mantissa)<<3 + muLawBias) << exponent) - muLawBias
	if sign != 0 {
		v = -v
	}
	return int16(v)
}
