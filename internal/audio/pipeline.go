package audio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"audioleds/internal/colormap"
	"audioleds/internal/metrics"
	"audioleds/internal/mode"
	"audioleds/internal/output"
	"audioleds/internal/state"
)

// LevelPublisher receives every level the pipeline drives. Implementations
// must not block.
type LevelPublisher interface {
	PublishLevel(c state.Color, intensity uint8, derived bool)
}

// Pipeline is the audio analysis loop. It is the only audio-side writer of
// device color.
type Pipeline struct {
	src     Source
	dev     *state.Device
	out     output.Output
	pub     LevelPublisher
	metrics *metrics.Metrics
	logger  *slog.Logger

	block []int16
	last  output.Level

	// IdleInterval is how long the loop sleeps per cycle in manual mode,
	// where there is nothing to analyse.
	IdleInterval time.Duration
}

func NewPipeline(src Source, dev *state.Device, out output.Output, blockSize int, logger *slog.Logger) *Pipeline {
	if blockSize <= 0 {
		blockSize = 1024
	}
	return &Pipeline{
		src:          src,
		dev:          dev,
		out:          out,
		logger:       logger.With("component", "audio"),
		block:        make([]int16, blockSize),
		IdleInterval: time.Second,
	}
}

func (p *Pipeline) SetPublisher(pub LevelPublisher) { p.pub = pub }

func (p *Pipeline) SetMetrics(m *metrics.Metrics) { p.metrics = m }

// Run loops until ctx is canceled or the source reports io.EOF.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("audio pipeline starting", "sample_rate", p.src.SampleRate(), "block", len(p.block))
	for {
		if ctx.Err() != nil {
			p.logger.Info("audio pipeline stopping")
			return nil
		}
		if err := p.Cycle(ctx); err != nil {
			if errors.Is(err, io.EOF) {
				p.logger.Info("audio source ended")
				return nil
			}
			return err
		}
	}
}

// Cycle runs one iteration. Transient read problems are logged and
// swallowed; only io.EOF is returned.
func (p *Pipeline) Cycle(ctx context.Context) error {
	m := p.dev.Mode()
	if m == mode.Manual {
		p.idle(ctx)
		return nil
	}

	n, err := p.src.ReadBlock(p.block)
	if err != nil {
		switch {
		case errors.Is(err, io.EOF):
			return err
		case errors.Is(err, ErrNoData):
			p.skip("timeout")
			p.logger.Debug("no audio within read timeout")
		default:
			p.skip("read_error")
			p.logger.Warn("audio read failed, skipping cycle", "error", err)
		}
		return nil
	}
	if n == 0 {
		p.skip("empty")
		p.logger.Debug("empty audio block, skipping cycle")
		return nil
	}

	// The mode may have changed while we were blocked in the read.
	m = p.dev.Mode()
	pol := m.Policy()
	switch {
	case pol.Blackout:
		p.drive(state.Color{}, 0, false)
		return nil
	case !pol.AnalysesAudio():
		return nil
	}

	res, ok := colormap.Analyze(p.block[:n], p.src.SampleRate(), p.dev.Thresholds(), pol)
	if !ok {
		p.skip("silence")
		return nil
	}

	color := p.dev.Color()
	derived := false
	if pol.AudioColor && res.HasColor {
		if _, err := p.dev.ApplyDerivedColor(res.Color); err != nil {
			// Mode left an audio-color mode after the check above.
			p.skip("mode_changed")
			return nil
		}
		color, derived = res.Color, true
	}

	p.metrics.AudioCycle(res.Intensity)
	p.drive(color, res.Intensity, derived)
	return nil
}

func (p *Pipeline) drive(c state.Color, intensity uint8, derived bool) {
	if err := p.out.Set(c.R, c.G, c.B, intensity); err != nil {
		p.metrics.OutputError()
		p.logger.Warn("output update failed", "error", err)
		return
	}
	lvl := output.Level{R: c.R, G: c.G, B: c.B, Intensity: intensity}
	if p.pub != nil && lvl != p.last {
		p.pub.PublishLevel(c, intensity, derived)
	}
	p.last = lvl
}

func (p *Pipeline) skip(reason string) {
	p.metrics.AudioSkipped(reason)
}

func (p *Pipeline) idle(ctx context.Context) {
	t := time.NewTimer(p.IdleInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
