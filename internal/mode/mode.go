// Package mode defines the operating modes of the lighting controller and the
// write-gating policy each one implies.
package mode

import (
	"fmt"
	"strings"
)

// Mode is the current operating policy. The numeric value is the wire index.
type Mode uint8

const (
	Manual Mode = iota
	AudioIntensity
	AudioFreq
	Audio
	Off
	AudioHold

	count
)

// Default is used when no mode has ever been persisted.
const Default = Audio

var names = [...]string{
	Manual:         "manual",
	AudioIntensity: "audio_intensity",
	AudioFreq:      "audio_freq",
	Audio:          "audio",
	Off:            "off",
	AudioHold:      "audio_hold",
}

// All returns every mode in index order.
func All() []Mode {
	out := make([]Mode, 0, count)
	for m := Mode(0); m < count; m++ {
		out = append(out, m)
	}
	return out
}

func (m Mode) Valid() bool { return m < count }

func (m Mode) String() string {
	if !m.Valid() {
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
	return names[m]
}

// FromIndex converts a wire byte to a Mode.
func FromIndex(b byte) (Mode, error) {
	m := Mode(b)
	if !m.Valid() {
		return 0, fmt.Errorf("mode index %d out of range (0-%d)", b, count-1)
	}
	return m, nil
}

// Parse accepts a mode name (case-insensitive, '-' or '_') or a decimal index.
func Parse(s string) (Mode, error) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for i, n := range names {
		if n == key {
			return Mode(i), nil
		}
	}
	var idx int
	if _, err := fmt.Sscanf(key, "%d", &idx); err == nil && idx >= 0 && idx < int(count) {
		return Mode(idx), nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// Policy describes which producers may touch color while a mode is active.
type Policy struct {
	// RemoteColor allows remote-control writes to the color channels.
	RemoteColor bool
	// AudioColor allows the audio pipeline to store a derived color.
	AudioColor bool
	// FreqPass runs the frequency band analysis.
	FreqPass bool
	// IntensityPass derives output intensity from the amplitude range.
	IntensityPass bool
	// Blackout forces zero output.
	Blackout bool
	// Frozen suppresses all audio-derived writes.
	Frozen bool
}

// Policy returns the gating policy for m. Unknown values get the zero Policy.
func (m Mode) Policy() Policy {
	switch m {
	case Manual:
		return Policy{RemoteColor: true, Frozen: true}
	case AudioIntensity:
		return Policy{RemoteColor: true, IntensityPass: true}
	case AudioFreq:
		return Policy{AudioColor: true, FreqPass: true}
	case Audio:
		return Policy{AudioColor: true, FreqPass: true, IntensityPass: true}
	case Off:
		return Policy{Blackout: true}
	case AudioHold:
		return Policy{Frozen: true}
	default:
		return Policy{}
	}
}

// AnalysesAudio reports whether the pipeline has any work to do in this mode.
func (p Policy) AnalysesAudio() bool {
	return p.FreqPass || p.IntensityPass
}
