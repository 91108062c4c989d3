package main

import "time"

// Daemon defaults. DefaultConfig is built from these.
const (
	defaultSocketPath = "/tmp/audioleds.sock"
	defaultHTTPPort   = 8080
	defaultStorePath  = "~/.local/state/audioleds/state.db"
	defaultPWMChip    = "/sys/class/pwm/pwmchip0"

	defaultSampleRate     = 44100
	defaultBlockSize      = 1024
	defaultReadTimeoutMS  = 500
	defaultIdleIntervalMS = 1000

	defaultBlackoutGraceMS = 20

	// Audio modes change the derived color almost every cycle; one commit
	// per second is enough for the store.
	defaultPersistIntervalMS = 1000

	defaultObservePath = "/ws"
	defaultMetricsPath = "/metrics"
)

// Observe stream tuning.
const (
	// levelCoalesceWindow bounds how often audio-driven level updates reach
	// websocket clients. Latest wins inside the window.
	levelCoalesceWindow = 50 * time.Millisecond

	observeQueueSize = 256

	// maxResourceBody caps HTTP request bodies; the largest resource
	// encoding is a 29-byte room name.
	maxResourceBody = 1024
)
