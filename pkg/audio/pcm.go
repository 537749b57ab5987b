// Package audio provides raw PCM synthesis primitives for the render
// pipeline.
//
// All buffers are 16-bit signed little-endian PCM. Stereo buffers are
// interleaved L/R. Tone layers (solfeggio, binaural) are generated here and
// handed to the ffmpeg driver for encoding; their level is baked into the
// sample amplitude, so they mix at 0 dB downstream.
//
// Main features:
//   - Mono and independent-channel stereo sine generation
//   - dB <-> linear gain conversion used before every mixing stage
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DefaultSampleRate is the pipeline-wide sample rate in Hz.
const DefaultSampleRate = 44100

const maxInt16 = 32767

// DBToLinear converts a decibel gain to a linear multiplier.
func DBToLinear(db float64) float64 {
	return math.Pow(10, db/20)
}

// LinearToDB converts a linear multiplier to decibels.
func LinearToDB(linear float64) float64 {
	if linear <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(linear)
}

// SineMono generates a mono sine tone as PCM16 little-endian bytes.
// amplitude is a linear multiplier in [0, 1]; sample i is
// round(amplitude * 32767 * sin(2*pi*freq*i/rate)).
// Panics if durationSec or sampleRate is not positive.
func SineMono(freqHz, durationSec float64, sampleRate int, amplitude float64) []byte {
	checkArgs(durationSec, sampleRate)

	n := int(durationSec * float64(sampleRate))
	buf := make([]byte, n*2)
	step := 2 * math.Pi * freqHz / float64(sampleRate)
	for i := 0; i < n; i++ {
		s := int16(math.Round(amplitude * maxInt16 * math.Sin(step*float64(i))))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// SineStereo generates an interleaved stereo buffer with an independent
// sine per channel. This is the binaural primitive: the perceived beat is
// the exact L/R frequency difference, so the channels must run their own
// phase accumulators rather than one channel being a copy of the other.
func SineStereo(leftHz, rightHz, durationSec float64, sampleRate int, amplitude float64) []byte {
	checkArgs(durationSec, sampleRate)

	n := int(durationSec * float64(sampleRate))
	buf := make([]byte, n*4)
	leftStep := 2 * math.Pi * leftHz / float64(sampleRate)
	rightStep := 2 * math.Pi * rightHz / float64(sampleRate)
	for i := 0; i < n; i++ {
		l := int16(math.Round(amplitude * maxInt16 * math.Sin(leftStep*float64(i))))
		r := int16(math.Round(amplitude * maxInt16 * math.Sin(rightStep*float64(i))))
		binary.LittleEndian.PutUint16(buf[i*4:], uint16(l))
		binary.LittleEndian.PutUint16(buf[i*4+2:], uint16(r))
	}
	return buf
}

// MonoToStereo duplicates each mono PCM16 sample into both channels.
func MonoToStereo(mono []byte) []byte {
	out := make([]byte, len(mono)*2)
	for i := 0; i+1 < len(mono); i += 2 {
		out[i*2] = mono[i]
		out[i*2+1] = mono[i+1]
		out[i*2+2] = mono[i]
		out[i*2+3] = mono[i+1]
	}
	return out
}

func checkArgs(durationSec float64, sampleRate int) {
	if durationSec <= 0 {
		panic(fmt.Sprintf("audio: non-positive duration %v", durationSec))
	}
	if sampleRate <= 0 {
		panic(fmt.Sprintf("audio: non-positive sample rate %d", sampleRate))
	}
}
