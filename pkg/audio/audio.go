// Package audio provides PCM16 helpers shared by the voice providers and the
// agent runtime.
//
// Everything here assumes little-endian 16-bit mono PCM, the only format the
// system moves around: 16 kHz on the uplink into the speech model and 24 kHz
// on the downlink out of it. The browser ships raw frames; no codec is
// involved anywhere.
package audio

import (
	"math"
	"time"
)

// Common sample rates.
const (
	UplinkRate   = 16000
	DownlinkRate = 24000
)

// Resample converts 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func Resample(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// Energy returns the RMS energy of a PCM16 chunk normalized to [0, 1].
// An empty or odd-length chunk scores zero. The runtime compares this
// against its barge-in threshold to detect the user talking over the
// assistant before the model reports it.
func Energy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := range samples {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum/float64(samples)) / 32768.0
}

// Silence returns d worth of zero samples at the given rate. Used to prime
// the speech model's audio input block at session start.
func Silence(d time.Duration, sampleRate int) []byte {
	samples := int(int64(sampleRate) * int64(d) / int64(time.Second))
	if samples <= 0 {
		return nil
	}
	return make([]byte, samples*2)
}

// Duration reports how long a PCM16 chunk plays at the given rate.
func Duration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := len(pcm) / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
