// Package audio defines the PCM frame model shared by the capture and
// playback sides of a voice session, plus helpers for sample conversion.
//
// All PCM in voxlink is signed 16-bit little-endian, interleaved when more
// than one channel is present. The device side of a session is abstracted by
// two small interfaces:
//
//   - [Source] produces captured PCM.
//   - [Player] consumes decoded PCM for playback. A player that can report
//     how much room is left in its own buffer also implements [FreeSpacer],
//     which the downlink uses to apply backpressure.
//
// Compressed audio lives in the audio/opus sub-package.
package audio

import (
	"context"
	"time"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// FrameBytes returns the byte length of a frame of the given duration.
func (f Format) FrameBytes(d time.Duration) int {
	return f.FrameSamples(d) * f.Channels * 2
}

// FrameSamples returns the number of samples per channel in a frame of the
// given duration.
func (f Format) FrameSamples(d time.Duration) int {
	return int(int64(f.SampleRate) * int64(d) / int64(time.Second))
}

// Duration returns the playback duration of n bytes of PCM in this format.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := n / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Frame is one slice of PCM audio flowing through a pipeline.
type Frame struct {
	// Data holds little-endian int16 PCM.
	Data []byte

	SampleRate int
	Channels   int

	// Timestamp is the capture position relative to stream start.
	Timestamp time.Duration
}

// Format returns the frame's sample rate and channel count.
func (f Frame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Source produces captured PCM frames. ReadFrame blocks until a frame is
// available and returns io.EOF once the source is exhausted.
type Source interface {
	ReadFrame(ctx context.Context) (Frame, error)
}

// Player consumes decoded PCM for playback. Play must copy pcm if it needs
// it after returning.
type Player interface {
	Play(ctx context.Context, pcm []int16) error
}

// FreeSpacer is implemented by players that can report the number of
// samples their output buffer can still accept without blocking.
type FreeSpacer interface {
	FreeSpace() int
}
