// Package state holds the single authoritative device state.
//
// Device is shared by pointer between the audio pipeline, the remote-control
// surface and the persistence coordinator. Every mutation raises the matching
// dirty category before the setter returns.
package state

import (
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"audioleds/internal/dirty"
	"audioleds/internal/mode"
)

const (
	// RoomUnset is the room name of a device that was never named.
	RoomUnset = "unset"
	// MaxRoomLen is the maximum room name length in bytes.
	MaxRoomLen = 29
)

var (
	// ErrNotPermitted is returned for color writes the current mode does not allow.
	ErrNotPermitted = errors.New("operation not permitted in current mode")
	// ErrInvalidRoom is returned for room names that are not valid UTF-8.
	ErrInvalidRoom = errors.New("room name is not valid utf-8")
)

type Color struct {
	R, G, B uint8
}

func (c Color) IsZero() bool { return c == Color{} }

func (c Color) String() string { return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B) }

// Thresholds tune the audio analysis. Frequencies are in Hz, amplitudes in
// raw sample units.
type Thresholds struct {
	AmpMin    uint16 `json:"amp_min"`
	AmpMax    uint16 `json:"amp_max"`
	BlueStart uint16 `json:"blue_start"`
	BlueEnd   uint16 `json:"blue_end"`
	GreenEnd  uint16 `json:"green_end"`
	RedEnd    uint16 `json:"red_end"`
}

// DefaultThresholds returns the compiled-in tuning.
func DefaultThresholds() Thresholds {
	return Thresholds{
		AmpMin:    350,
		AmpMax:    1650,
		BlueStart: 300,
		BlueEnd:   500,
		GreenEnd:  1100,
		RedEnd:    3500,
	}
}

// Snapshot is a consistent copy of all fields.
type Snapshot struct {
	Color      Color
	Mode       mode.Mode
	Room       string
	Thresholds Thresholds
}

// Device is safe for concurrent use.
type Device struct {
	mu     sync.RWMutex
	color  Color
	mode   mode.Mode
	room   string
	thr    Thresholds
	signal *dirty.Signal
}

// New returns a Device with defaults. sig may be nil in tests that do not
// care about persistence.
func New(sig *dirty.Signal) *Device {
	if sig == nil {
		sig = dirty.New()
	}
	return &Device{
		mode:   mode.Default,
		room:   RoomUnset,
		thr:    DefaultThresholds(),
		signal: sig,
	}
}

func (d *Device) Signal() *dirty.Signal { return d.signal }

// Restore replaces all fields without raising any category. Only used while
// loading persisted state at startup.
func (d *Device) Restore(s Snapshot) {
	d.mu.Lock()
	d.color = s.Color
	d.mode = s.Mode
	d.room = s.Room
	d.thr = s.Thresholds
	d.mu.Unlock()
}

func (d *Device) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Snapshot{Color: d.color, Mode: d.mode, Room: d.room, Thresholds: d.thr}
}

func (d *Device) Color() Color {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.color
}

func (d *Device) Mode() mode.Mode {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.mode
}

func (d *Device) Room() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.room
}

func (d *Device) Thresholds() Thresholds {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.thr
}

// ColorAndMode reads both under one lock.
func (d *Device) ColorAndMode() (Color, mode.Mode) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.color, d.mode
}

// ApplyRemoteColor stores c if the current mode allows remote color writes.
// The gate check and the write happen under the same lock. It returns the
// mode the write was accepted under.
func (d *Device) ApplyRemoteColor(c Color) (mode.Mode, error) {
	d.mu.Lock()
	m := d.mode
	if !m.Policy().RemoteColor {
		d.mu.Unlock()
		return m, ErrNotPermitted
	}
	d.color = c
	d.mu.Unlock()

	d.signal.Set(dirty.Color)
	return m, nil
}

// ApplyDerivedColor stores an audio-derived color if the current mode lets
// the pipeline write color. It reports whether the stored value changed.
func (d *Device) ApplyDerivedColor(c Color) (bool, error) {
	d.mu.Lock()
	if !d.mode.Policy().AudioColor {
		d.mu.Unlock()
		return false, ErrNotPermitted
	}
	changed := d.color != c
	d.color = c
	d.mu.Unlock()

	if changed {
		d.signal.Set(dirty.Color)
	}
	return changed, nil
}

// ForceBlackout zeroes the color if the mode is still Off. Used by the
// delayed blackout after switching to Off.
func (d *Device) ForceBlackout() bool {
	d.mu.Lock()
	if d.mode != mode.Off {
		d.mu.Unlock()
		return false
	}
	changed := !d.color.IsZero()
	d.color = Color{}
	d.mu.Unlock()

	if changed {
		d.signal.Set(dirty.Color)
	}
	return true
}

// SetMode switches the mode and returns the previous one.
func (d *Device) SetMode(m mode.Mode) (mode.Mode, error) {
	if !m.Valid() {
		return 0, fmt.Errorf("set mode: invalid mode %d", uint8(m))
	}
	d.mu.Lock()
	prev := d.mode
	d.mode = m
	d.mu.Unlock()

	d.signal.Set(dirty.Mode)
	return prev, nil
}

// SetRoom stores a room name. Empty resets to RoomUnset; names longer than
// MaxRoomLen are cut at a rune boundary. It returns the stored name and the
// previous one.
func (d *Device) SetRoom(name string) (stored, prev string, err error) {
	if !utf8.ValidString(name) {
		return "", "", ErrInvalidRoom
	}
	if name == "" {
		name = RoomUnset
	}
	name = TruncateRoom(name)

	d.mu.Lock()
	prev = d.room
	d.room = name
	d.mu.Unlock()

	d.signal.Set(dirty.Name)
	return name, prev, nil
}

// SetThresholds replaces the tuning record.
func (d *Device) SetThresholds(t Thresholds) {
	d.mu.Lock()
	d.thr = t
	d.mu.Unlock()

	d.signal.Set(dirty.Thresholds)
}

// TruncateRoom cuts s to at most MaxRoomLen bytes without splitting a rune.
func TruncateRoom(s string) string {
	if len(s) <= MaxRoomLen {
		return s
	}
	cut := MaxRoomLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
