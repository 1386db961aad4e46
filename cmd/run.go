package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/otherjamesbrown/penf-capture/client"
	"github.com/otherjamesbrown/penf-capture/config"
	"github.com/otherjamesbrown/penf-capture/pkg/agent"
	"github.com/otherjamesbrown/penf-capture/pkg/buildinfo"
	"github.com/otherjamesbrown/penf-capture/pkg/events"
	"github.com/otherjamesbrown/penf-capture/pkg/extraction"
	"github.com/otherjamesbrown/penf-capture/pkg/finalize"
	"github.com/otherjamesbrown/penf-capture/pkg/lifecycle"
	"github.com/otherjamesbrown/penf-capture/pkg/logging"
	"github.com/otherjamesbrown/penf-capture/pkg/observability"
	"github.com/otherjamesbrown/penf-capture/pkg/sdk"
	"github.com/otherjamesbrown/penf-capture/pkg/session"
	"github.com/otherjamesbrown/penf-capture/pkg/store"
	"github.com/otherjamesbrown/penf-capture/pkg/transcript"
)

// eventBuffer is the capacity of the SDK event channel.
const eventBuffer = 256

// RunOptions are the run command's flag overrides.
type RunOptions struct {
	// EventsFile replays NDJSON events from a file ("-" for stdin) instead
	// of serving the websocket bridge.
	EventsFile    string
	AutoRecord    bool
	BridgeListen  string
	MetricsListen string
}

var runOpts RunOptions

// NewRunCommand creates the run command.
func NewRunCommand(deps *CommandDeps) *cobra.Command {
	deps = deps.withDefaults()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the capture agent",
		Long: `Run the capture agent in the foreground.

The agent listens for the capture SDK on a local websocket, records detected
meetings into meetings.json, extracts evidence while the meeting runs, and
finalizes and uploads each recording when it ends.

With --events the agent replays newline-delimited JSON SDK events from a file
or stdin instead; recording commands are logged rather than sent.

Examples:
  # Serve the SDK bridge on the configured address
  penf-capture run

  # Record every detected meeting automatically and expose metrics
  penf-capture run --auto-record --metrics-listen 127.0.0.1:9464

  # Replay captured SDK events
  penf-capture run --events session.ndjson`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := deps.LoadConfig()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			applyRunFlags(cmd, cfg, runOpts)
			return RunAgent(cmd.Context(), cfg, deps, runOpts.EventsFile, cmd.InOrStdin())
		},
	}

	cmd.Flags().StringVar(&runOpts.EventsFile, "events", "", "Replay NDJSON SDK events from a file (- for stdin)")
	cmd.Flags().BoolVar(&runOpts.AutoRecord, "auto-record", false, "Record every detected meeting")
	cmd.Flags().StringVar(&runOpts.BridgeListen, "bridge-listen", "", "Address for the SDK websocket bridge")
	cmd.Flags().StringVar(&runOpts.MetricsListen, "metrics-listen", "", "Address to serve /metrics and /version on")
	return cmd
}

func applyRunFlags(cmd *cobra.Command, cfg *config.CaptureConfig, opts RunOptions) {
	if cmd.Flags().Changed("auto-record") {
		cfg.AutoRecord = opts.AutoRecord
	}
	if opts.BridgeListen != "" {
		cfg.BridgeListen = opts.BridgeListen
	}
	if opts.MetricsListen != "" {
		cfg.MetricsListen = opts.MetricsListen
	}
}

// RunAgent wires the capture components from cfg and runs them until ctx is
// cancelled or, when replaying, the event stream ends.
func RunAgent(ctx context.Context, cfg *config.CaptureConfig, deps *CommandDeps, eventsFile string, stdin io.Reader) error {
	deps = deps.withDefaults()
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}
	logger := deps.NewLogger(cfg)
	logger.Info("Starting capture agent",
		logging.F("version", buildinfo.String()),
		logging.F("data_dir", cfg.DataDir),
		logging.F("api_url", cfg.APIURL))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewCaptureMetrics(reg)
	tracer := observability.NewTracer()

	publisher, closePublisher := newPublisher(ctx, cfg, logger)
	defer closePublisher()

	st := store.New(store.Config{Path: cfg.MeetingsFile(), Logger: logger, Metrics: metrics})
	defer st.Close()
	registry := session.NewRegistry()

	backend := client.New(client.Config{
		BaseURL:           cfg.APIURL,
		Timeout:           cfg.Timeout,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		UploadTimeout:     cfg.Upload.UploadTimeout,
		FinalizeTimeout:   cfg.Upload.FinalizeTimeout,
	}, tokenSource(cfg, deps.Credentials()), logger, metrics)

	scheduler := extraction.New(extraction.Config{
		MinBatch:       cfg.Extraction.MinBatch,
		MaxBatch:       cfg.Extraction.MaxBatch,
		SettleDelay:    cfg.Extraction.SettleDelay,
		IdleTimeout:    cfg.Extraction.IdleTimeout,
		RequestTimeout: cfg.Extraction.RequestTimeout,
		Extractor:      backend,
		Reader:         st,
		Publisher:      publisher,
		Logger:         logger,
		Metrics:        metrics,
		Tracer:         tracer,
	})
	ingestor := transcript.New(transcript.Config{
		Store:       st,
		Registry:    registry,
		Notifier:    scheduler,
		Publisher:   publisher,
		Logger:      logger,
		Metrics:     metrics,
		MergeWindow: cfg.MergeWindow,
	})
	pipeline := finalize.New(finalize.Config{
		Backend:      backend,
		Interviews:   registry,
		Results:      scheduler,
		Store:        st,
		Publisher:    publisher,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       tracer,
		RecordingDir: cfg.RecordingDir,
		SettleDelay:  cfg.Upload.SettleDelay,
		MediaWait:    cfg.Upload.MediaWait,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	var (
		in         <-chan sdk.Event
		controller sdk.Controller
	)
	if eventsFile != "" {
		r, closeEvents, err := openEvents(eventsFile, stdin)
		if err != nil {
			return err
		}
		defer closeEvents()
		ch := make(chan sdk.Event, eventBuffer)
		in = ch
		controller = sdk.LogController{Logger: logger}
		g.Go(func() error {
			defer close(ch)
			return sdk.ReadNDJSON(gctx, r, ch, logger)
		})
	} else {
		bridge := sdk.NewBridge(eventBuffer, logger)
		in = bridge.Events()
		controller = bridge
		g.Go(func() error { return bridge.ListenAndServe(gctx, cfg.BridgeListen) })
	}

	machine := lifecycle.New(lifecycle.Config{
		Store:       st,
		Registry:    registry,
		Backend:     backend,
		Controller:  controller,
		Extraction:  scheduler,
		Pipeline:    pipeline,
		Transcripts: ingestor,
		Publisher:   publisher,
		Logger:      logger,
		Metrics:     metrics,
		Tracer:      tracer,

		InterviewTimeout: cfg.Upload.InterviewWait,
	})
	ag := agent.New(agent.Config{
		Machine:    machine,
		Ingestor:   ingestor,
		Scheduler:  scheduler,
		Publisher:  publisher,
		Logger:     logger,
		Metrics:    metrics,
		AutoRecord: cfg.AutoRecord,
	})

	g.Go(func() error {
		// The replay source closing ends the run; stop the other services too.
		defer cancel()
		return ag.Run(gctx, in)
	})

	if cfg.MetricsListen != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.MetricsListen, reg, logger) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("Capture agent stopped")
	return err
}

func openEvents(path string, stdin io.Reader) (io.Reader, func(), error) {
	if path == "-" {
		return stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening events file: %w", err)
	}
	return f, func() { f.Close() }, nil
}

// newPublisher returns the log publisher, fanned out to Redis when configured.
// A Redis connection failure is logged and the agent runs without it.
func newPublisher(ctx context.Context, cfg *config.CaptureConfig, logger logging.Logger) (events.Publisher, func()) {
	logPub := events.NewLogPublisher(logger)
	if cfg.Redis.Address == "" {
		return logPub, func() {}
	}
	redisPub, err := events.NewRedisPublisherFromConfig(ctx, events.RedisConfig{
		Address:       cfg.Redis.Address,
		Password:      cfg.Redis.Password,
		DB:            cfg.Redis.DB,
		ChannelPrefix: cfg.Redis.ChannelPrefix,
	}, logger)
	if err != nil {
		logger.Warn("Redis event publishing disabled", logging.Err(err))
		return logPub, func() {}
	}
	logger.Info("Publishing events to Redis", logging.F("address", cfg.Redis.Address))
	return events.Multi{logPub, redisPub}, func() { _ = redisPub.Close() }
}

// serveMetrics serves /metrics and /version until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger logging.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/version", buildinfo.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Metrics listening", logging.F("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
