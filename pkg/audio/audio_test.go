package audio_test

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/parlorbank/voxgate/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestResample_SameRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.Resample(pcm, 16000, 16000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResample_UplinkToDownlink(t *testing.T) {
	// 2 samples at 16kHz → 3 samples at 24kHz (1.5x)
	pcm := samplesToBytes([]int16{1000, 2000})
	out := audio.Resample(pcm, audio.UplinkRate, audio.DownlinkRate)
	got := bytesToSamples(out)
	if len(got) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(got))
	}
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
	// Last output sample should be close to the last source sample.
	last := got[len(got)-1]
	if last < 1800 || last > 2200 {
		t.Errorf("last sample: got %d, want close to 2000", last)
	}
}

func TestResample_Downsample(t *testing.T) {
	// 6 samples at 24kHz → 4 samples at 16kHz (2/3x)
	pcm := samplesToBytes([]int16{100, 200, 300, 400, 500, 600})
	out := audio.Resample(pcm, audio.DownlinkRate, audio.UplinkRate)
	got := bytesToSamples(out)
	if len(got) != 4 {
		t.Fatalf("expected 4 samples, got %d", len(got))
	}
}

func TestEnergy_Silence(t *testing.T) {
	pcm := audio.Silence(100*time.Millisecond, audio.UplinkRate)
	if e := audio.Energy(pcm); e != 0 {
		t.Errorf("silence energy: got %f, want 0", e)
	}
}

func TestEnergy_FullScale(t *testing.T) {
	samples := make([]int16, 160)
	for i := range samples {
		samples[i] = math.MaxInt16
	}
	e := audio.Energy(samplesToBytes(samples))
	if e < 0.99 || e > 1.0 {
		t.Errorf("full-scale energy: got %f, want ~1.0", e)
	}
}

func TestEnergy_Empty(t *testing.T) {
	if e := audio.Energy(nil); e != 0 {
		t.Errorf("empty energy: got %f, want 0", e)
	}
}

func TestSilence_Length(t *testing.T) {
	// 100ms at 16kHz mono PCM16 = 1600 samples = 3200 bytes.
	pcm := audio.Silence(100*time.Millisecond, audio.UplinkRate)
	if len(pcm) != 3200 {
		t.Fatalf("expected 3200 bytes, got %d", len(pcm))
	}
	for i, b := range pcm {
		if b != 0 {
			t.Fatalf("byte %d is %d, want 0", i, b)
		}
	}
}

func TestDuration(t *testing.T) {
	pcm := audio.Silence(250*time.Millisecond, audio.DownlinkRate)
	if d := audio.Duration(pcm, audio.DownlinkRate); d != 250*time.Millisecond {
		t.Errorf("duration: got %v, want 250ms", d)
	}
}

func TestDrain(t *testing.T) {
	ch := make(chan []byte, 4)
	ch <- []byte{1}
	ch <- []byte{2}
	close(ch)
	audio.Drain(ch) // must return once the channel closes
}
