//go:build linux

package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sys/unix"
)

// PCMSource reads raw signed 16-bit little-endian mono samples from a file
// or FIFO, e.g. one fed by `arecord -t raw -f S16_LE -c1 -r44100`.
//
// The descriptor is opened non-blocking and every read waits in poll(2) so
// ReadBlock never blocks past the read timeout. Bytes of an incomplete block
// are kept for the next call.
type PCMSource struct {
	path    string
	fd      int
	regular bool
	rate    int
	timeout time.Duration
	loop    bool

	pending []byte
	chunk   []byte
}

type PCMOptions struct {
	SampleRate  int
	ReadTimeout time.Duration
	// Loop rewinds regular files at EOF.
	Loop bool
}

func OpenPCM(path string, opts PCMOptions) (*PCMSource, error) {
	if opts.SampleRate <= 0 {
		return nil, fmt.Errorf("open pcm: sample rate must be > 0")
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 500 * time.Millisecond
	}
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open pcm %s: %w", path, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stat pcm %s: %w", path, err)
	}
	return &PCMSource{
		path:    path,
		fd:      fd,
		regular: st.Mode&unix.S_IFMT == unix.S_IFREG,
		rate:    opts.SampleRate,
		timeout: opts.ReadTimeout,
		loop:    opts.Loop,
		chunk:   make([]byte, 64*1024),
	}, nil
}

func (s *PCMSource) SampleRate() int { return s.rate }

func (s *PCMSource) Close() error { return unix.Close(s.fd) }

func (s *PCMSource) ReadBlock(buf []int16) (int, error) {
	need := 2 * len(buf)
	deadline := time.Now().Add(s.timeout)

	for len(s.pending) < need {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, ErrNoData
		}
		ready, err := s.poll(remaining)
		if err != nil {
			return 0, err
		}
		if !ready {
			return 0, ErrNoData
		}

		n, err := unix.Read(s.fd, s.chunk)
		switch {
		case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			return 0, fmt.Errorf("read pcm %s: %w", s.path, err)
		case n == 0:
			if !s.regular {
				// FIFO without a writer: poll reports hangup immediately,
				// so back off instead of spinning.
				time.Sleep(min(remaining, 20*time.Millisecond))
				continue
			}
			if !s.loop {
				return 0, io.EOF
			}
			if _, err := unix.Seek(s.fd, 0, io.SeekStart); err != nil {
				return 0, fmt.Errorf("rewind pcm %s: %w", s.path, err)
			}
			continue
		}
		s.pending = append(s.pending, s.chunk[:n]...)
	}

	for i := range buf {
		buf[i] = int16(binary.LittleEndian.Uint16(s.pending[2*i:]))
	}
	s.pending = append(s.pending[:0], s.pending[need:]...)
	return len(buf), nil
}

func (s *PCMSource) poll(timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	ms := int(timeout / time.Millisecond)
	if ms <= 0 {
		ms = 1
	}
	for {
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("poll pcm %s: %w", s.path, err)
		}
		return n > 0, nil
	}
}
