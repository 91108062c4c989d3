// Package audio reads sample blocks from a capture source and turns them
// into light updates.
package audio

import (
	"errors"
)

// ErrNoData is returned by a Source whose bounded wait expired before a full
// block was available. It is transient.
var ErrNoData = errors.New("audio: no data within read timeout")

// Source delivers mono 16-bit sample blocks.
//
// ReadBlock fills buf and returns the number of samples written. It must
// return within the source's read timeout. io.EOF means the source is
// exhausted for good; any other error is transient.
type Source interface {
	ReadBlock(buf []int16) (int, error)
	SampleRate() int
	Close() error
}

// toInt16 rescales a sample of the given bit depth to 16 bits.
func toInt16(v, bitDepth int) int16 {
	switch {
	case bitDepth == 8:
		// 8-bit PCM is unsigned.
		return int16((v - 128) << 8)
	case bitDepth > 16:
		return int16(v >> (bitDepth - 16))
	case bitDepth < 16 && bitDepth > 0:
		return int16(v << (16 - bitDepth))
	default:
		return int16(v)
	}
}
