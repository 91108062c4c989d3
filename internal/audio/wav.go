package audio

import (
	"fmt"
	"io"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVSource plays a WAV file as if it were a live input. Multi-channel files
// are downmixed to mono.
type WAVSource struct {
	f    *os.File
	dec  *wav.Decoder
	ib   goaudio.IntBuffer
	loop bool

	rate     int
	channels int
	depth    int

	// realtime paces reads to the file's sample rate.
	realtime bool
	next     time.Time
}

type WAVOptions struct {
	Loop     bool
	Realtime bool
}

func OpenWAV(path string, opts WAVOptions) (*WAVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("open wav %s: invalid WAV file", path)
	}
	format := dec.Format()
	if format.NumChannels <= 0 || format.SampleRate <= 0 {
		f.Close()
		return nil, fmt.Errorf("open wav %s: bad format %+v", path, format)
	}
	return &WAVSource{
		f:        f,
		dec:      dec,
		ib:       goaudio.IntBuffer{Format: format},
		loop:     opts.Loop,
		rate:     format.SampleRate,
		channels: format.NumChannels,
		depth:    int(dec.BitDepth),
		realtime: opts.Realtime,
	}, nil
}

func (s *WAVSource) SampleRate() int { return s.rate }

func (s *WAVSource) Close() error { return s.f.Close() }

func (s *WAVSource) ReadBlock(buf []int16) (int, error) {
	want := len(buf) * s.channels
	if cap(s.ib.Data) < want {
		s.ib.Data = make([]int, want)
	}

	filled := 0
	rewound := false
	for filled < len(buf) {
		s.ib.Data = s.ib.Data[:(len(buf)-filled)*s.channels]
		n, err := s.dec.PCMBuffer(&s.ib)
		if err != nil {
			return filled, fmt.Errorf("read wav: %w", err)
		}
		if n == 0 {
			if !s.loop || rewound {
				if filled == 0 {
					return 0, io.EOF
				}
				break
			}
			if err := s.dec.Rewind(); err != nil {
				return filled, fmt.Errorf("rewind wav: %w", err)
			}
			rewound = true
			continue
		}
		rewound = false
		frames := n / s.channels
		for i := 0; i < frames; i++ {
			sum := 0
			for ch := 0; ch < s.channels; ch++ {
				sum += s.ib.Data[i*s.channels+ch]
			}
			buf[filled+i] = toInt16(sum/s.channels, s.depth)
		}
		filled += frames
	}

	s.pace(filled)
	return filled, nil
}

func (s *WAVSource) pace(samples int) {
	if !s.realtime || samples == 0 {
		return
	}
	now := time.Now()
	if s.next.IsZero() || s.next.Before(now.Add(-time.Second)) {
		s.next = now
	}
	s.next = s.next.Add(time.Duration(samples) * time.Second / time.Duration(s.rate))
	if d := time.Until(s.next); d > 0 {
		time.Sleep(d)
	}
}
