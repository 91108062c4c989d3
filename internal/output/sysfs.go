package output

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// DefaultPeriodNS is a 5 kHz PWM period.
const DefaultPeriodNS = 200_000

// SysfsPWM drives three channels of a Linux PWM chip through
// /sys/class/pwm/pwmchipN.
type SysfsPWM struct {
	chipDir  string
	channels [3]int
	periodNS uint32

	mu   sync.Mutex
	duty [3]uint32
}

// OpenSysfsPWM exports the three channels (red, green, blue order), programs
// the period, zeroes the duty cycle and enables them. Any failure here is a
// startup failure.
func OpenSysfsPWM(chipDir string, channels [3]int, periodNS uint32) (*SysfsPWM, error) {
	if periodNS == 0 {
		periodNS = DefaultPeriodNS
	}
	p := &SysfsPWM{chipDir: chipDir, channels: channels, periodNS: periodNS}

	for _, ch := range channels {
		if err := p.export(ch); err != nil {
			return nil, err
		}
		if err := p.write(ch, "duty_cycle", 0); err != nil {
			return nil, err
		}
		if err := p.write(ch, "period", uint64(periodNS)); err != nil {
			return nil, err
		}
		if err := p.write(ch, "enable", 1); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *SysfsPWM) channelDir(ch int) string {
	return filepath.Join(p.chipDir, "pwm"+strconv.Itoa(ch))
}

func (p *SysfsPWM) export(ch int) error {
	dir := p.channelDir(ch)
	if _, err := os.Stat(dir); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", dir, err)
	}
	if err := os.WriteFile(filepath.Join(p.chipDir, "export"), []byte(strconv.Itoa(ch)), 0o200); err != nil {
		return fmt.Errorf("export pwm%d: %w", ch, err)
	}
	// The kernel creates the channel directory asynchronously and udev may
	// still be fixing permissions.
	deadline := time.Now().Add(time.Second)
	for {
		if _, err := os.Stat(filepath.Join(dir, "enable")); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("export pwm%d: %s did not appear", ch, dir)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (p *SysfsPWM) write(ch int, attr string, v uint64) error {
	path := filepath.Join(p.channelDir(ch), attr)
	if err := os.WriteFile(path, []byte(strconv.FormatUint(v, 10)), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Set writes the duty cycle of every channel that changed.
func (p *SysfsPWM) Set(r, g, b, intensity uint8) error {
	if err := checkIntensity(intensity); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for i, v := range [3]uint8{r, g, b} {
		d := Duty(p.periodNS, intensity, v)
		if d == p.duty[i] {
			continue
		}
		if err := p.write(p.channels[i], "duty_cycle", uint64(d)); err != nil {
			errs = append(errs, err)
			continue
		}
		p.duty[i] = d
	}
	return errors.Join(errs...)
}

// Close turns every channel off.
func (p *SysfsPWM) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for _, ch := range p.channels {
		errs = append(errs, p.write(ch, "enable", 0))
	}
	return errors.Join(errs...)
}
