package playback

import (
	"encoding/binary"
	"math"
)

// Ring cadence: tone burst, then silence, repeating until the first
// assistant audio arrives.
const (
	toneOnSeconds  = 1.0
	toneOffSeconds = 2.0
	toneLowHz      = 440.0
	toneHighHz     = 480.0
	toneAmplitude  = 0.25
)

// toneGenerator produces the connect/ring tone as 16-bit LE mono PCM.
// It replaces the source material's global tone-manager singleton: the
// generator lives and dies with the player goroutine that owns the device.
type toneGenerator struct {
	sampleRate int
	position   int // sample index within the on+off cycle
}

func newToneGenerator(sampleRate int) *toneGenerator {
	return &toneGenerator{sampleRate: sampleRate}
}

// next returns the following byteLen bytes of the ring pattern.
func (g *toneGenerator) next(byteLen int) []byte {
	out := make([]byte, byteLen)
	cycleSamples := int(float64(g.sampleRate) * (toneOnSeconds + toneOffSeconds))
	onSamples := int(float64(g.sampleRate) * toneOnSeconds)

	for i := 0; i < byteLen/2; i++ {
		var sample int16
		if g.position < onSamples {
			t := float64(g.position) / float64(g.sampleRate)
			v := math.Sin(2*math.Pi*toneLowHz*t) + math.Sin(2*math.Pi*toneHighHz*t)
			sample = int16(v / 2 * toneAmplitude * 32767)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(sample))
		g.position = (g.position + 1) % cycleSamples
	}
	return out
}
