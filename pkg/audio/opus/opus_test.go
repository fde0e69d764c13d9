package opus_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/opus"
)

var speechFormat = audio.Format{SampleRate: 16000, Channels: 1}

// sineFrame returns one frame of a 440 Hz tone starting at sample offset.
func sineFrame(samples, offset int) []int16 {
	out := make([]int16, samples)
	for i := range out {
		t := float64(offset+i) / float64(speechFormat.SampleRate)
		out[i] = int16(8000 * math.Sin(2*math.Pi*440*t))
	}
	return out
}

func TestEncoder_FrameBytes(t *testing.T) {
	t.Parallel()
	enc, err := opus.NewEncoder(speechFormat)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	if got := enc.FrameBytes(); got != 640 {
		t.Errorf("FrameBytes = %d, want 640", got)
	}
}

func TestEncoder_RejectsUnsupportedFrame(t *testing.T) {
	t.Parallel()
	if _, err := opus.NewEncoder(speechFormat, opus.WithFrameDuration(30*time.Millisecond)); err == nil {
		t.Error("expected error for 30ms frame")
	}
}

func TestEncoder_WrongFrameSize(t *testing.T) {
	t.Parallel()
	enc, err := opus.NewEncoder(speechFormat)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	if _, err := enc.Encode(make([]byte, 100)); !errors.Is(err, opus.ErrCodec) {
		t.Errorf("Encode short frame = %v, want ErrCodec", err)
	}
}

func TestRoundTrip_PreservesLengthAndEnergy(t *testing.T) {
	t.Parallel()
	enc, err := opus.NewEncoder(speechFormat, opus.WithBitrate(32000))
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	dec, err := opus.NewDecoder(speechFormat)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}

	const frame = 320
	out := make([]int16, dec.MaxSamples())
	var in []int16
	var n int
	// Several frames so the codec's look-ahead settles before we measure.
	for i := range 10 {
		in = sineFrame(frame, i*frame)
		pkt, err := enc.Encode(audio.SamplesToBytes(in))
		if err != nil {
			t.Fatalf("Encode frame %d: %v", i, err)
		}
		if n, err = dec.Decode(pkt, out); err != nil {
			t.Fatalf("Decode frame %d: %v", i, err)
		}
		if n != frame {
			t.Fatalf("frame %d decoded to %d samples, want %d", i, n, frame)
		}
	}

	want, got := audio.RMS(in), audio.RMS(out[:n])
	if ratio := got / want; ratio < 0.5 || ratio > 1.5 {
		t.Errorf("energy ratio = %.2f (in %.0f, out %.0f), want within codec tolerance", ratio, want, got)
	}
}

func TestDecoder_TruncatesToDestination(t *testing.T) {
	t.Parallel()
	enc, _ := opus.NewEncoder(speechFormat)
	dec, _ := opus.NewDecoder(speechFormat)

	pkt, err := enc.Encode(audio.SamplesToBytes(sineFrame(320, 0)))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out := make([]int16, 100)
	n, err := dec.Decode(pkt, out)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n != 100 {
		t.Errorf("Decode wrote %d samples, want truncation to 100", n)
	}
}

func TestDecoder_BadPacket(t *testing.T) {
	t.Parallel()
	dec, _ := opus.NewDecoder(speechFormat)
	if _, err := dec.Decode(nil, make([]int16, 10)); !errors.Is(err, opus.ErrCodec) {
		t.Errorf("Decode(nil) = %v, want ErrCodec", err)
	}
}
