//go:build !linux

package audio

import (
	"errors"
	"time"
)

type PCMSource struct{}

type PCMOptions struct {
	SampleRate  int
	ReadTimeout time.Duration
	Loop        bool
}

func OpenPCM(path string, opts PCMOptions) (*PCMSource, error) {
	return nil, errors.New("open pcm: raw PCM input is only supported on linux")
}

func (s *PCMSource) ReadBlock(buf []int16) (int, error) { return 0, errors.New("pcm unsupported") }
func (s *PCMSource) SampleRate() int                    { return 0 }
func (s *PCMSource) Close() error                       { return nil }
