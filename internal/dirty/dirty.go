// Package dirty implements the change signal shared by state writers and the
// persistence coordinator.
//
// A Signal is a set of category flags. Set is an idempotent union; Drain
// atomically takes the whole set. A Set that races a Drain is either part of
// the drained batch or stays set for the next one, never lost.
package dirty

import (
	"context"
	"strings"
	"sync/atomic"
)

// Category is a bit set of state categories.
type Category uint32

const (
	Color Category = 1 << iota
	Mode
	Name
	Thresholds

	All = Color | Mode | Name | Thresholds
)

// Has reports whether every bit of c2 is set in c.
func (c Category) Has(c2 Category) bool { return c&c2 == c2 && c2 != 0 }

func (c Category) String() string {
	if c == 0 {
		return "none"
	}
	var parts []string
	for _, e := range []struct {
		bit  Category
		name string
	}{
		{Color, "color"},
		{Mode, "mode"},
		{Name, "name"},
		{Thresholds, "thresholds"},
	} {
		if c&e.bit != 0 {
			parts = append(parts, e.name)
		}
	}
	return strings.Join(parts, "|")
}

// Signal is safe for concurrent use. The zero value is not usable; call New.
type Signal struct {
	bits atomic.Uint32
	wake chan struct{}
}

func New() *Signal {
	return &Signal{wake: make(chan struct{}, 1)}
}

// Set unions c into the pending set and wakes a waiter. It never blocks.
func (s *Signal) Set(c Category) {
	if c == 0 {
		return
	}
	s.bits.Or(uint32(c))
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending returns the current set without clearing it.
func (s *Signal) Pending() Category {
	return Category(s.bits.Load())
}

// Drain atomically reads and clears the pending set.
func (s *Signal) Drain() Category {
	return Category(s.bits.Swap(0))
}

// Wait blocks until at least one category is pending, then drains and returns
// the set. It returns ctx.Err() if ctx ends first.
func (s *Signal) Wait(ctx context.Context) (Category, error) {
	for {
		if c := s.Drain(); c != 0 {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-s.wake:
		}
	}
}
