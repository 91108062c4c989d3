package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"audioleds/internal/announce"
	"audioleds/internal/audio"
	"audioleds/internal/control"
	"audioleds/internal/dirty"
	"audioleds/internal/kvstore"
	"audioleds/internal/metrics"
	"audioleds/internal/mode"
	"audioleds/internal/output"
	"audioleds/internal/persist"
	"audioleds/internal/state"
)

const version = "1.0.0"

func printVersion() {
	fmt.Printf("audioleds v%s\n", version)
	fmt.Println("Audio-reactive RGB lighting daemon")
}

func usage(fs *flag.FlagSet) func() {
	return func() {
		printVersion()
		fmt.Println()
		fmt.Println("USAGE:")
		fmt.Println("  audioleds [OPTIONS]")
		fmt.Println()
		fmt.Println("OPTIONS:")
		fs.PrintDefaults()
		fmt.Println()
		fmt.Println("EXAMPLES:")
		fmt.Println("  # Analyse a FIFO fed by arecord, drive PWM chip 0")
		fmt.Println("  arecord -t raw -f S16_LE -c1 -r44100 > /run/audioleds/pcm.fifo &")
		fmt.Println("  audioleds --output-driver sysfs")
		fmt.Println()
		fmt.Println("  # Replay a WAV file in a loop with an in-memory store")
		fmt.Println("  audioleds --config dev.yaml --audio-source wav --audio-path song.wav --audio-loop")
		fmt.Println()
	}
}

func main() {
	fs := flag.NewFlagSet("audioleds", flag.ContinueOnError)
	var (
		configPath  = fs.StringP("config", "c", "", "Path to YAML config file")
		audioSource = fs.String("audio-source", "", "Audio source: pcm, wav or portaudio")
		audioPath   = fs.String("audio-path", "", "PCM file/FIFO or WAV file path")
		sampleRate  = fs.Int("audio-sample-rate", 0, "Sample rate of raw PCM input in Hz")
		audioLoop   = fs.Bool("audio-loop", false, "Rewind file sources at EOF")
		outDriver   = fs.String("output-driver", "", "Output driver: log or sysfs")
		outChip     = fs.String("output-chip", "", "sysfs PWM chip directory")
		storePath   = fs.String("store-path", "", "SQLite state database path")
		socketPath  = fs.String("socket", "", "Unix domain socket path for IPC")
		httpPort    = fs.Int("http-port", 0, "HTTP listener port (0 disables)")
		broker      = fs.String("announce-broker", "", "MQTT broker URL; enables announcing")
		logLevel    = fs.String("log-level", "", "Log level: error, warn, info, debug")
		showVersion = fs.BoolP("version", "v", false, "Print version and exit")
	)
	fs.Usage = usage(fs)

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
	if *showVersion {
		printVersion()
		return
	}

	cfg := DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = LoadConfigFile(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	}

	// Only flags given on the command line override the file.
	var o FlagOverrides
	if fs.Changed("audio-source") {
		o.AudioSource = audioSource
	}
	if fs.Changed("audio-path") {
		o.AudioPath = audioPath
	}
	if fs.Changed("audio-sample-rate") {
		o.AudioSampleRate = sampleRate
	}
	if fs.Changed("audio-loop") {
		o.AudioLoop = audioLoop
	}
	if fs.Changed("output-driver") {
		o.OutputDriver = outDriver
	}
	if fs.Changed("output-chip") {
		o.OutputChip = outChip
	}
	if fs.Changed("store-path") {
		o.StorePath = storePath
	}
	if fs.Changed("socket") {
		o.SocketPath = socketPath
	}
	if fs.Changed("http-port") {
		o.HTTPPort = httpPort
	}
	if fs.Changed("announce-broker") {
		o.AnnounceBroker = broker
	}
	if fs.Changed("log-level") {
		o.LogLevel = logLevel
	}
	o.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	level, _ := parseLogLevel(cfg.Logging.Level)
	logger := setupLogger(os.Stdout, level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("audioleds stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shut down")
}

// run builds every component from cfg and blocks until ctx is canceled or a
// component fails. Initialization failures are returned before anything
// starts.
func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	logger.Debug("starting audioleds", "version", version)

	store, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()
	if s, ok := store.(*kvstore.SQLite); ok {
		logger.Info("store opened", "path", s.Path())
	}

	dev := state.New(dirty.New())
	dev.Restore(persist.Load(store, logger))

	out, err := openOutput(cfg.Output, logger)
	if err != nil {
		return err
	}
	if c, ok := out.(io.Closer); ok {
		defer c.Close()
	}
	initOutput(dev, out, logger)

	src, err := openSource(cfg.Audio)
	if err != nil {
		return err
	}
	defer src.Close()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	pipeline := audio.NewPipeline(src, dev, out, cfg.Audio.BlockSize, logger)
	pipeline.IdleInterval = ms(cfg.Audio.IdleIntervalMS)
	pipeline.SetMetrics(m)

	coord := persist.NewCoordinator(dev, store, m, logger)
	coord.MinInterval = ms(cfg.Persist.MinIntervalMS)

	surface := control.NewSurface(dev, out, logger)
	surface.BlackoutGrace = ms(cfg.Mode.BlackoutGraceMS)
	surface.SetMetrics(m)
	defer surface.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return pipeline.Run(gctx) })
	g.Go(func() error { return coord.Run(gctx) })

	if cfg.Remote.SocketPath != "" {
		g.Go(func() error { return runIPCServer(gctx, cfg.Remote.SocketPath, surface, logger) })
	}

	if cfg.Remote.HTTPPort > 0 {
		var obs *Server
		if cfg.Observe.Enabled {
			bus := newObserveBus(observeQueueSize, logger)
			surface.AddPublisher(bus)
			pipeline.SetPublisher(bus)

			obs = NewServer(logger, dev, m, ServerConfig{Hub: HubConfig{SendBuf: cfg.Observe.SendBuf}})
			g.Go(func() error { obs.Hub().Run(gctx); return nil })
			g.Go(func() error {
				RunBroadcaster(gctx, obs.Hub(), bus.Events(), ms(cfg.Observe.CoalesceMS), logger)
				return nil
			})
		}
		var mh http.Handler
		if m != nil {
			mh = m.Handler()
		}
		mux := newHTTPMux(cfg, surface, obs, mh, logger)
		g.Go(func() error { return runHTTPServer(gctx, cfg.Remote.HTTPPort, mux, logger) })
	}

	if cfg.Announce.Enabled {
		acfg, err := cfg.AnnouncerConfig()
		if err != nil {
			return err
		}
		ann, err := announce.New(acfg, dev, logger)
		if err != nil {
			return err
		}
		surface.AddPublisher(ann)
		g.Go(func() error { return ann.Run(gctx) })
		logger.Info("announce enabled", "broker", acfg.Broker, "hostname", ann.Hostname())
	}

	logger.Info("running",
		"audio", cfg.Audio.Source,
		"output", cfg.Output.Driver,
		"store", cfg.Store.Driver,
		"ipc", cfg.Remote.SocketPath,
		"http_port", cfg.Remote.HTTPPort,
		"announce", cfg.Announce.Enabled)

	return g.Wait()
}

func openStore(cfg StoreConfig) (kvstore.Store, error) {
	switch cfg.Driver {
	case "memory":
		return kvstore.NewMemory(), nil
	default:
		s, err := kvstore.OpenSQLite(ExpandPath(cfg.Path))
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		return s, nil
	}
}

func openOutput(cfg OutputConfig, logger *slog.Logger) (output.Output, error) {
	switch cfg.Driver {
	case "sysfs":
		p, err := output.OpenSysfsPWM(cfg.Chip, [3]int{cfg.Channels[0], cfg.Channels[1], cfg.Channels[2]}, cfg.PeriodNS)
		if err != nil {
			return nil, fmt.Errorf("init output: %w", err)
		}
		return p, nil
	default:
		return output.NewLogOutput(logger), nil
	}
}

func openSource(cfg AudioConfig) (audio.Source, error) {
	var (
		src audio.Source
		err error
	)
	switch cfg.Source {
	case "wav":
		src, err = audio.OpenWAV(ExpandPath(cfg.Path), audio.WAVOptions{Loop: cfg.Loop, Realtime: cfg.Realtime})
	case "portaudio":
		src, err = audio.OpenPortAudio(cfg.SampleRate, cfg.BlockSize)
	default:
		src, err = audio.OpenPCM(ExpandPath(cfg.Path), audio.PCMOptions{
			SampleRate:  cfg.SampleRate,
			ReadTimeout: ms(cfg.ReadTimeoutMS),
			Loop:        cfg.Loop,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open audio source: %w", err)
	}
	return src, nil
}

// initOutput drives the restored state once so the lights match it before
// the first audio cycle.
func initOutput(dev *state.Device, out output.Output, logger *slog.Logger) {
	c, m := dev.ColorAndMode()
	var err error
	switch {
	case m == mode.Off:
		err = out.Set(0, 0, 0, 0)
	case m.Policy().RemoteColor:
		err = out.Set(c.R, c.G, c.B, 100)
	}
	if err != nil {
		logger.Warn("initial output update failed", "error", err)
	}
}
