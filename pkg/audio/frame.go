// Package audio defines the PCM frame value passed between the capture
// pipeline, the voice activity detector and the transports.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Common session rates. Capture and playback rates are independent settings.
const (
	CaptureRate  = 16000
	PlaybackRate = 24000
)

// SilenceFloorDb is reported for empty or all-zero frames instead of
// computing log10(0).
const SilenceFloorDb = -120.0

// Frame is a single mono frame of 16-bit little-endian PCM.
// Len(Data) == Samples() * 2. Data is immutable after creation.
type Frame struct {
	Data       []byte        // 16-bit PCM, little-endian, mono
	SampleRate int           // 16000 for capture, 24000 for playback
	Duration   time.Duration // 20–100ms
	Timestamp  time.Duration // offset from capture start
}

// NewFrame validates that data holds exactly one frame of the given duration.
func NewFrame(data []byte, sampleRate int, duration, timestamp time.Duration) (Frame, error) {
	if sampleRate <= 0 {
		return Frame{}, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	expected := FrameBytes(sampleRate, duration)
	if len(data) != expected {
		return Frame{}, fmt.Errorf("frame data length mismatch: got %d bytes, expected %d for %v at %dHz mono",
			len(data), expected, duration, sampleRate)
	}
	return Frame{Data: data, SampleRate: sampleRate, Duration: duration, Timestamp: timestamp}, nil
}

// FrameBytes returns the byte length of a mono 16-bit frame.
func FrameBytes(sampleRate int, duration time.Duration) int {
	samples := int(int64(sampleRate) * int64(duration) / int64(time.Second))
	return samples * 2
}

// Samples returns the number of samples in the frame.
func (f Frame) Samples() int {
	return len(f.Data) / 2
}

// Clone returns a deep copy of the frame.
func (f Frame) Clone() Frame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	c := f
	c.Data = data
	return c
}

// RmsDb computes the root-mean-square amplitude of the frame in decibels
// relative to full scale: 20*log10(rms/32768). An empty or all-zero frame
// yields SilenceFloorDb, never NaN or -Inf.
func (f Frame) RmsDb() float64 {
	return RmsDb(f.Data)
}

// RmsDb computes dBFS over raw 16-bit little-endian PCM bytes.
func RmsDb(data []byte) float64 {
	samples := len(data) / 2
	if samples == 0 {
		return SilenceFloorDb
	}
	var sum float64
	for i := 0; i < samples; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(data[i*2 : i*2+2])))
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(samples))
	if rms <= 0 {
		return SilenceFloorDb
	}
	db := 20 * math.Log10(rms/32768.0)
	if db < SilenceFloorDb {
		return SilenceFloorDb
	}
	return db
}

func (f Frame) String() string {
	return fmt.Sprintf("Frame{samples=%d, rate=%d, dur=%v}", f.Samples(), f.SampleRate, f.Duration)
}
