// Package output drives the RGB light.
package output

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrIntensityRange is returned for intensities above 100 percent.
var ErrIntensityRange = errors.New("intensity out of range (0-100)")

// Output sets the physical light. Intensity is a percentage.
type Output interface {
	Set(r, g, b, intensity uint8) error
}

// Level is one applied output setting.
type Level struct {
	R, G, B   uint8
	Intensity uint8
}

func checkIntensity(intensity uint8) error {
	if intensity > 100 {
		return fmt.Errorf("%w: %d", ErrIntensityRange, intensity)
	}
	return nil
}

// Duty returns the PWM duty for one channel: period scaled by intensity
// percent and the 8-bit channel value.
func Duty(periodNS uint32, intensity, ch uint8) uint32 {
	return uint32(uint64(periodNS) * uint64(intensity) * uint64(ch) / (100 * 255))
}

// LogOutput logs every change at debug level. Used on hosts without PWM.
type LogOutput struct {
	logger *slog.Logger

	mu   sync.Mutex
	last Level
	set  bool
}

func NewLogOutput(logger *slog.Logger) *LogOutput {
	return &LogOutput{logger: logger.With("component", "output")}
}

func (o *LogOutput) Set(r, g, b, intensity uint8) error {
	if err := checkIntensity(intensity); err != nil {
		return err
	}
	lvl := Level{R: r, G: g, B: b, Intensity: intensity}

	o.mu.Lock()
	same := o.set && o.last == lvl
	o.last, o.set = lvl, true
	o.mu.Unlock()

	if !same {
		o.logger.Debug("output", "r", r, "g", g, "b", b, "intensity", intensity)
	}
	return nil
}

// Recorder keeps every accepted Set call. Meant for tests and dry runs.
type Recorder struct {
	mu    sync.Mutex
	calls []Level
}

func (o *Recorder) Set(r, g, b, intensity uint8) error {
	if err := checkIntensity(intensity); err != nil {
		return err
	}
	o.mu.Lock()
	o.calls = append(o.calls, Level{R: r, G: g, B: b, Intensity: intensity})
	o.mu.Unlock()
	return nil
}

// Calls returns a copy of all recorded settings.
func (o *Recorder) Calls() []Level {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Level(nil), o.calls...)
}

// Last returns the most recent setting.
func (o *Recorder) Last() (Level, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.calls) == 0 {
		return Level{}, false
	}
	return o.calls[len(o.calls)-1], true
}

var (
	_ Output = (*LogOutput)(nil)
	_ Output = (*Recorder)(nil)
	_ Output = (*SysfsPWM)(nil)
)
