//go:build portaudio

package audio

import (
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// PortAudioAvailable reports whether this build can capture from a sound card.
const PortAudioAvailable = true

// PortAudioSource captures mono 16-bit blocks from the default input device.
// Stream.Read blocks for exactly one buffer, which bounds the wait to the
// block duration.
type PortAudioSource struct {
	stream *portaudio.Stream
	buf    []int16
	rate   int
}

func OpenPortAudio(sampleRate, blockSize int) (*PortAudioSource, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}
	s := &PortAudioSource{buf: make([]int16, blockSize), rate: sampleRate}
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), blockSize, &s.buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("portaudio open: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("portaudio start: %w", err)
	}
	s.stream = stream
	return s, nil
}

func (s *PortAudioSource) SampleRate() int { return s.rate }

func (s *PortAudioSource) ReadBlock(buf []int16) (int, error) {
	if err := s.stream.Read(); err != nil {
		// Input overflow is a dropped buffer, not a dead device.
		return 0, fmt.Errorf("portaudio read: %w", err)
	}
	return copy(buf, s.buf), nil
}

func (s *PortAudioSource) Close() error {
	_ = s.stream.Stop()
	err := s.stream.Close()
	portaudio.Terminate()
	return err
}
