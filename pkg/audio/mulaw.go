// Package audio implements the telephony codec core for the sonicbridge
// media path: ITU-T G.711 μ-law companding between 8-bit μ-law bytes and
// 16-bit little-endian linear PCM, a half-band 8→16 kHz upsampler, and an
// anti-aliased FIR downsampler for arbitrary rate reduction.
//
// All conversions operate on raw byte slices so callers can feed network
// payloads straight through without intermediate sample buffers. Both μ-law
// directions are table lookups: a 256-entry decode table and a 65536-entry
// encode table, built once at package initialisation so every codec call has
// a happens-before relationship with table construction.
package audio

// μ-law companding constants per ITU-T G.711: bias 0x84, 8 exponent
// segments, 4 mantissa bits, 1 sign bit, bit-inverted output.
const (
	muLawBias = 0x84
	muLawClip = 32635
)

// MuLawSilence is the μ-law byte encoding linear zero. Partial carrier
// frames are padded with it.
const MuLawSilence = 0xFF

var (
	muLawDecodeTable [256]int16
	muLawEncodeTable [65536]uint8
)

func init() {
	for i := range muLawDecodeTable {
		muLawDecodeTable[i] = decodeMuLawSample(uint8(i))
	}
	for i := range muLawEncodeTable {
		muLawEncodeTable[i] = encodeMuLawSample(int16(i))
	}
}

// decodeMuLawSample expands a single μ-law byte to a linear PCM16 sample
// using the canonical G.711 algorithm.
func decodeMuLawSample(u uint8) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F

	magnitude := ((int32(mantissa) << 3) + muLawBias) << exponent
	magnitude -= muLawBias

	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// encodeMuLawSample compresses a single linear PCM16 sample to a μ-law byte
// using the canonical G.711 algorithm.
func encodeMuLawSample(s int16) uint8 {
	var sign uint8
	x := int32(s)
	if x < 0 {
		x = -x
		sign = 0x80
	}
	if x > muLawClip {
		x = muLawClip
	}
	x += muLawBias

	// Locate the segment: position of the most significant set bit
	// between bit 7 and bit 14.
	exponent := uint8(7)
	for mask := int32(0x4000); mask != 0x40 && x&mask == 0; mask >>= 1 {
		exponent--
	}

	mantissa := uint8(x>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}

// DecodeMuLaw returns the linear PCM16 sample for a μ-law byte.
func DecodeMuLaw(u uint8) int16 {
	return muLawDecodeTable[u]
}

// EncodeMuLaw returns the μ-law byte for a linear PCM16 sample.
func EncodeMuLaw(s int16) uint8 {
	return muLawEncodeTable[uint16(s)]
}

// MuLawToPCM16 expands μ-law bytes to little-endian PCM16. The output is
// exactly twice the input length. An empty input returns an empty output.
func MuLawToPCM16(mu []byte) []byte {
	out := make([]byte, len(mu)*2)
	for i, u := range mu {
		s := muLawDecodeTable[u]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// PCM16ToMuLaw compresses little-endian PCM16 to μ-law bytes. An odd
// trailing byte is dropped. An empty input returns an empty output.
func PCM16ToMuLaw(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := range n {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = muLawEncodeTable[uint16(s)]
	}
	return out
}
