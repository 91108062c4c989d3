// Package persist encodes device state into store records, restores it at
// startup and writes changes back in the background.
package persist

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"audioleds/internal/mode"
	"audioleds/internal/state"
)

// Store keys.
const (
	KeyColorMode  = "color_mode"
	KeyRoom       = "room_name"
	KeyThresholds = "thresholds"
)

const (
	colorModeVersion  = 1
	thresholdsVersion = 1

	colorModeLen = 5
	// ThresholdsWireLen is the unversioned six-field record.
	ThresholdsWireLen = 12
	// ThresholdsLen is the versioned record: a u16 version, then six fields.
	ThresholdsLen = 14
)

// ErrRecordSize marks a record whose length or version is not understood.
var ErrRecordSize = errors.New("unexpected record size or version")

// EncodeColorMode builds [version, r, g, b, mode].
func EncodeColorMode(c state.Color, m mode.Mode) []byte {
	return []byte{colorModeVersion, c.R, c.G, c.B, byte(m)}
}

// DecodeColorMode parses a color+mode record. An out-of-range mode index is
// reported with ok=false for the mode while the color is still returned.
func DecodeColorMode(b []byte) (c state.Color, m mode.Mode, modeOK bool, err error) {
	if len(b) != colorModeLen || b[0] != colorModeVersion {
		return state.Color{}, 0, false, fmt.Errorf("color_mode: %w (%d bytes)", ErrRecordSize, len(b))
	}
	c = state.Color{R: b[1], G: b[2], B: b[3]}
	m, mErr := mode.FromIndex(b[4])
	return c, m, mErr == nil, nil
}

func putThresholdFields(dst []byte, t state.Thresholds) {
	for i, v := range []uint16{t.AmpMin, t.AmpMax, t.BlueStart, t.BlueEnd, t.GreenEnd, t.RedEnd} {
		binary.LittleEndian.PutUint16(dst[2*i:], v)
	}
}

func thresholdFields(src []byte) state.Thresholds {
	u := func(i int) uint16 { return binary.LittleEndian.Uint16(src[2*i:]) }
	return state.Thresholds{
		AmpMin:    u(0),
		AmpMax:    u(1),
		BlueStart: u(2),
		BlueEnd:   u(3),
		GreenEnd:  u(4),
		RedEnd:    u(5),
	}
}

// EncodeThresholds builds the versioned 14-byte storage record.
func EncodeThresholds(t state.Thresholds) []byte {
	b := make([]byte, ThresholdsLen)
	binary.LittleEndian.PutUint16(b, thresholdsVersion)
	putThresholdFields(b[2:], t)
	return b
}

// EncodeThresholdsWire builds the 12-byte record served to remote clients.
func EncodeThresholdsWire(t state.Thresholds) []byte {
	b := make([]byte, ThresholdsWireLen)
	putThresholdFields(b, t)
	return b
}

// DecodeThresholds accepts either the 12-byte unversioned record or the
// 14-byte versioned one.
func DecodeThresholds(b []byte) (state.Thresholds, error) {
	switch len(b) {
	case ThresholdsWireLen:
		return thresholdFields(b), nil
	case ThresholdsLen:
		if v := binary.LittleEndian.Uint16(b); v != thresholdsVersion {
			return state.Thresholds{}, fmt.Errorf("thresholds: %w (version %d)", ErrRecordSize, v)
		}
		return thresholdFields(b[2:]), nil
	default:
		return state.Thresholds{}, fmt.Errorf("thresholds: %w (%d bytes)", ErrRecordSize, len(b))
	}
}

// DecodeRoom validates a stored room name.
func DecodeRoom(b []byte) (string, error) {
	if len(b) == 0 || len(b) > state.MaxRoomLen || !utf8.Valid(b) {
		return "", fmt.Errorf("room_name: %w (%d bytes)", ErrRecordSize, len(b))
	}
	return string(b), nil
}
