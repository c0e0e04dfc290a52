package audio

import "log/slog"

// MaxSampleRate is the highest sample rate accepted from a model audio
// event. Rates outside (0, MaxSampleRate] are replaced by DefaultSampleRate.
const (
	MaxSampleRate     = 48000
	DefaultSampleRate = 24000
)

// upsampleKernel is the symmetric 4-tap half-band interpolation kernel used
// by Upsample8kTo16k for the inserted midpoint samples.
var upsampleKernel = [4]float64{-0.0625, 0.5625, 0.5625, -0.0625}

// downsampleKernel is the 5-tap anti-aliasing FIR applied around each output
// sample centre by Downsample.
var downsampleKernel = [5]float64{-0.0234, 0.1563, 0.7344, 0.1563, -0.0234}

// ClampRate validates a sample rate taken from the wire. Rates outside
// (0, MaxSampleRate] are rejected with a warning and replaced by
// DefaultSampleRate.
func ClampRate(rate int) int {
	if rate <= 0 || rate > MaxSampleRate {
		slog.Warn("audio: invalid sample rate, substituting default",
			"rate", rate,
			"default", DefaultSampleRate,
		)
		return DefaultSampleRate
	}
	return rate
}

// clampInt16 saturates v to the int16 range.
func clampInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// sampleAt reads the little-endian int16 sample at index i, replicating the
// boundary sample for out-of-range indices.
func sampleAt(pcm []byte, i, n int) float64 {
	if i < 0 {
		i = 0
	} else if i >= n {
		i = n - 1
	}
	return float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
}

// Upsample8kTo16k doubles the sample rate of little-endian mono PCM16 from
// 8 kHz to 16 kHz. Each input sample is emitted unchanged followed by one
// interpolated midpoint computed with a symmetric 4-tap kernel over
// (s[i-1], s[i], s[i+1], s[i+2]); edges replicate the boundary sample.
// The output holds exactly twice the input sample count.
func Upsample8kTo16k(pcm []byte) []byte {
	n := len(pcm) / 2
	if n == 0 {
		return nil
	}

	out := make([]byte, n*4)
	for i := range n {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i*4] = byte(s)
		out[i*4+1] = byte(s >> 8)

		mid := upsampleKernel[0]*sampleAt(pcm, i-1, n) +
			upsampleKernel[1]*sampleAt(pcm, i, n) +
			upsampleKernel[2]*sampleAt(pcm, i+1, n) +
			upsampleKernel[3]*sampleAt(pcm, i+2, n)
		m := clampInt16(mid)
		out[i*4+2] = byte(m)
		out[i*4+3] = byte(m >> 8)
	}
	return out
}

// Downsample reduces the sample rate of little-endian mono PCM16 from
// srcRate to dstRate with anti-aliasing. For each output index j the input
// centre is round(j·srcRate/dstRate); the 5-tap FIR kernel is applied around
// the centre, skipping out-of-range taps and renormalising by the sum of the
// taps actually used. The output sample count is ⌊in · dstRate / srcRate⌋.
//
// Invalid rates are clamped via ClampRate. If srcRate == dstRate the input
// is returned unchanged.
func Downsample(pcm []byte, srcRate, dstRate int) []byte {
	srcRate = ClampRate(srcRate)
	dstRate = ClampRate(dstRate)
	if srcRate == dstRate {
		return pcm
	}

	n := len(pcm) / 2
	if n == 0 {
		return nil
	}

	ratio := float64(srcRate) / float64(dstRate)
	m := int(float64(n) / ratio)
	if m == 0 {
		return nil
	}

	out := make([]byte, m*2)
	for j := range m {
		center := int(float64(j)*ratio + 0.5)

		var acc, weight float64
		for t := -2; t <= 2; t++ {
			idx := center + t
			if idx < 0 || idx >= n {
				continue
			}
			c := downsampleKernel[t+2]
			acc += c * float64(int16(pcm[idx*2])|int16(pcm[idx*2+1])<<8)
			weight += c
		}
		var s int16
		if weight != 0 {
			s = clampInt16(acc / weight)
		}
		out[j*2] = byte(s)
		out[j*2+1] = byte(s >> 8)
	}
	return out
}
