// Package colormap turns one block of audio samples into a color and an
// output intensity. Everything here is pure.
package colormap

import (
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"

	"audioleds/internal/mode"
	"audioleds/internal/state"
)

// rangeScale is the divisor applied to the amplitude range both for the
// silence check and for sample normalization before the transform.
const rangeScale = 16

// Bands holds the accumulated magnitude per color channel.
type Bands struct {
	Blue, Green, Red float64
}

// AmplitudeRange returns max(block) - min(block), or 0 for an empty block.
func AmplitudeRange(block []int16) int {
	if len(block) == 0 {
		return 0
	}
	lo, hi := block[0], block[0]
	for _, s := range block[1:] {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	return int(hi) - int(lo)
}

// Silent reports whether rng is too small to analyse.
func Silent(rng int) bool { return rng/rangeScale == 0 }

// BandMagnitudes normalizes the block around rng, transforms it and sums bin
// magnitudes into the blue, green and red bands.
//
// blue:  BlueStart <= f < BlueEnd
// green: BlueEnd   <  f < GreenEnd
// red:   GreenEnd  <  f < RedEnd
func BandMagnitudes(block []int16, rng, sampleRate int, t state.Thresholds) Bands {
	n := len(block)
	if n == 0 || Silent(rng) || sampleRate <= 0 {
		return Bands{}
	}

	scale := float64(rng / rangeScale)
	x := make([]float64, n)
	for i, s := range block {
		x[i] = (float64(s) - float64(rng)) / scale
	}
	bins := fft.FFTReal(x)

	var b Bands
	blueStart, blueEnd := float64(t.BlueStart), float64(t.BlueEnd)
	greenEnd, redEnd := float64(t.GreenEnd), float64(t.RedEnd)

	for k := 0; k <= n/2; k++ {
		f := float64(k) * float64(sampleRate) / float64(n)
		mag := cmplx.Abs(bins[k])
		switch {
		case f >= blueStart && f < blueEnd:
			b.Blue += mag
		case f > blueEnd && f < greenEnd:
			b.Green += mag
		case f > greenEnd && f < redEnd:
			b.Red += mag
		}
	}
	return b
}

// Normalize scales the bands so the strongest maps to 255. It returns false
// when every band is zero; callers keep the previous color in that case.
//
// Two tiny bands tying at the maximum both map to full scale, which amplifies
// noise on near-silent input. Kept as is.
func Normalize(b Bands) (state.Color, bool) {
	peak := math.Max(b.Blue, math.Max(b.Green, b.Red))
	if peak <= 0 || math.IsNaN(peak) {
		return state.Color{}, false
	}
	ch := func(v float64) uint8 {
		return uint8(math.Round(255 * v / peak))
	}
	return state.Color{R: ch(b.Red), G: ch(b.Green), B: ch(b.Blue)}, true
}

// Intensity maps rng to 0..100: zero at or below ampMin, linear up to
// ampMax, full scale beyond.
func Intensity(rng int, ampMin, ampMax uint16) uint8 {
	lo, hi := int(ampMin), int(ampMax)
	if rng <= lo {
		return 0
	}
	if hi <= lo {
		return 100
	}
	v := 100 * (rng - lo) / (hi - lo)
	if v > 100 {
		v = 100
	}
	return uint8(v)
}

// Result is the outcome of analysing one block under a mode policy.
type Result struct {
	Range     int
	Color     state.Color
	HasColor  bool
	Intensity uint8
}

// Analyze runs the passes the policy asks for. ok is false when the block is
// silent and the cycle should be skipped. Intensity is 100 when the policy
// has no intensity pass.
func Analyze(block []int16, sampleRate int, t state.Thresholds, p mode.Policy) (res Result, ok bool) {
	res.Range = AmplitudeRange(block)
	if Silent(res.Range) {
		return res, false
	}
	res.Intensity = 100
	if p.FreqPass {
		res.Color, res.HasColor = Normalize(BandMagnitudes(block, res.Range, sampleRate, t))
	}
	if p.IntensityPass {
		res.Intensity = Intensity(res.Range, t.AmpMin, t.AmpMax)
	}
	return res, true
}
