package audio

import (
	"encoding/binary"
	"math"
)

// QuantizeSample converts a normalised float sample to signed 16-bit PCM.
// The value is clamped to [-1, 1] first; NaN maps to 0. Negative values
// scale by 32768 and positive values by 32767 so both ends of the int16
// range are reachable.
func QuantizeSample(v float32) int16 {
	if v != v { // NaN
		return 0
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	if v < 0 {
		return int16(v * 32768)
	}
	return int16(v * 32767)
}

// DequantizeSample is the inverse of [QuantizeSample]:
// v<0 ? v/32768 : v/32767.
func DequantizeSample(v int16) float32 {
	if v < 0 {
		return float32(v) / 32768
	}
	return float32(v) / 32767
}

// EncodePCM16 serialises samples as little-endian int16 PCM.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodePCM16 converts little-endian int16 PCM to normalised float samples.
// A trailing odd byte is ignored; callers that care should validate first.
func DecodePCM16(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		out[i] = DequantizeSample(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

// Downmix averages interleaved multi-channel samples into mono. Mono input
// (channels <= 1) is returned unchanged.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// ResampleLinear resamples mono float samples from srcRate to dstRate using
// linear interpolation. If the rates match, the input is returned unchanged.
// It is meant for whole chunks on the playback path where each chunk is
// rendered independently; the capture path uses the phase-continuous framer.
func ResampleLinear(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(math.Round(float64(len(samples)) * float64(dstRate) / float64(srcRate)))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	last := len(samples) - 1

	for i := range dstLen {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		if srcIdx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(srcPos - float64(srcIdx))
		out[i] = samples[srcIdx]*(1-frac) + samples[srcIdx+1]*frac
	}
	return out
}
