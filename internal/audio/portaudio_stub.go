//go:build !portaudio

package audio

import "errors"

const PortAudioAvailable = false

type PortAudioSource struct{}

// OpenPortAudio always fails; rebuild with -tags portaudio for sound card
// capture.
func OpenPortAudio(sampleRate, blockSize int) (*PortAudioSource, error) {
	return nil, errors.New("portaudio support not compiled in (build with -tags portaudio)")
}

func (s *PortAudioSource) ReadBlock(buf []int16) (int, error) { return 0, errors.New("portaudio unavailable") }
func (s *PortAudioSource) SampleRate() int                    { return 0 }
func (s *PortAudioSource) Close() error                       { return nil }
