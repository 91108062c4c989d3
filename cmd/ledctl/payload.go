package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"audioleds/internal/mode"
	"audioleds/internal/persist"
	"audioleds/internal/state"
)

// encodePayload turns command-line arguments into the raw PUT body of a
// resource.
func encodePayload(resource string, args []string) ([]byte, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%s needs a value", resource)
	}
	switch resource {
	case "room":
		// Room names may contain spaces; join the remaining words.
		return []byte(strings.Join(args, " ")), nil
	case "color":
		c, err := parseColor(args[0])
		if err != nil {
			return nil, err
		}
		return []byte{c.R, c.G, c.B}, nil
	case "mode":
		m, err := mode.Parse(args[0])
		if err != nil {
			return nil, err
		}
		return []byte{byte(m)}, nil
	case "thresholds":
		t, err := parseThresholds(strings.Join(args, ","))
		if err != nil {
			return nil, err
		}
		return persist.EncodeThresholdsWire(t), nil
	default:
		return nil, fmt.Errorf("unknown resource %q", resource)
	}
}

// parseColor accepts rrggbb with an optional leading '#'.
func parseColor(s string) (state.Color, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return state.Color{}, fmt.Errorf("color %q: want 6 hex digits", s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return state.Color{}, fmt.Errorf("color %q: %w", s, err)
	}
	return state.Color{R: b[0], G: b[1], B: b[2]}, nil
}

// parseThresholds reads amp_min,amp_max,blue_start,blue_end,green_end,red_end.
// Empty fields separated by repeated commas are ignored.
func parseThresholds(s string) (state.Thresholds, error) {
	var vals []uint16
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		v, err := strconv.ParseUint(f, 10, 16)
		if err != nil {
			return state.Thresholds{}, fmt.Errorf("threshold %q: %w", f, err)
		}
		vals = append(vals, uint16(v))
	}
	if len(vals) != 6 {
		return state.Thresholds{}, fmt.Errorf("thresholds: want 6 values, got %d", len(vals))
	}
	return state.Thresholds{
		AmpMin:    vals[0],
		AmpMax:    vals[1],
		BlueStart: vals[2],
		BlueEnd:   vals[3],
		GreenEnd:  vals[4],
		RedEnd:    vals[5],
	}, nil
}

// formatPayload renders a GET response for humans.
func formatPayload(resource string, b []byte) (string, error) {
	switch resource {
	case "room":
		return string(b), nil
	case "color":
		if len(b) != 3 {
			return "", fmt.Errorf("color: got %d bytes", len(b))
		}
		return state.Color{R: b[0], G: b[1], B: b[2]}.String(), nil
	case "mode":
		if len(b) != 1 {
			return "", fmt.Errorf("mode: got %d bytes", len(b))
		}
		m, err := mode.FromIndex(b[0])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s (%d)", m, b[0]), nil
	case "thresholds":
		t, err := persist.DecodeThresholds(b)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("amp %d-%d  blue %d-%d  green -%d  red -%d",
			t.AmpMin, t.AmpMax, t.BlueStart, t.BlueEnd, t.GreenEnd, t.RedEnd), nil
	default:
		return "", fmt.Errorf("unknown resource %q", resource)
	}
}
