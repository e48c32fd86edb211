package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/skypro1111/lan-audio-service/internal/audio"
	"github.com/skypro1111/lan-audio-service/internal/config"
	"github.com/skypro1111/lan-audio-service/internal/device"
	"github.com/skypro1111/lan-audio-service/internal/discovery"
	"github.com/skypro1111/lan-audio-service/internal/encryption"
	"github.com/skypro1111/lan-audio-service/internal/metrics"
	"github.com/skypro1111/lan-audio-service/internal/server"
	"github.com/skypro1111/lan-audio-service/internal/stream"
	"github.com/skypro1111/lan-audio-service/internal/transport"
	"github.com/skypro1111/lan-audio-service/internal/worker"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "lan-audio-service"
	serviceVersion    = "1.0.0"

	stopTimeout    = 5 * time.Second
	resolveTimeout = 10 * time.Second
)

func main() {
	configPath := flag.StringP("config", "c", defaultConfigPath, "Path to configuration file")
	connect := flag.StringSlice("connect", nil, "Manual server control address (host:port), may be repeated")
	logLevel := flag.String("log-level", "", "Override the configured log level")
	watch := flag.Bool("watch", true, "Reload client settings when the configuration file changes")
	flag.Parse()

	// A missing .env is fine; anything else is worth reporting
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger := initLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)
	logger.Info("Configuration loaded",
		slog.String("control_address", cfg.Discovery.ControlAddress),
		slog.String("multicast_group", cfg.Discovery.MulticastGroup),
		slog.Bool("audio_server", cfg.AudioServer.Enabled),
		slog.Bool("audio_client", cfg.AudioClient.Enabled),
		slog.Bool("encryption", cfg.Encryption.Secret != ""),
		slog.Bool("http", cfg.HTTP.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appMetrics := metrics.NewMetrics()

	enc, err := newEncryption(cfg.Encryption)
	if err != nil {
		logger.Error("Invalid encryption secret", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Discovery
	disc := discovery.NewService(discoveryOptions(cfg), logger, appMetrics)
	resolveCtx, resolveCancel := context.WithTimeout(ctx, resolveTimeout)
	servers, err := cfg.Discovery.ResolveServers(resolveCtx)
	if err != nil {
		logger.Warn("Skipping unresolvable manual servers", slog.String("error", err.Error()))
	}
	for _, s := range *connect {
		addr, err := transport.ResolveAddrPort(resolveCtx, s)
		if err != nil {
			logger.Error("Invalid --connect address", slog.String("address", s), slog.String("error", err.Error()))
			os.Exit(1)
		}
		servers = append(servers, addr)
	}
	var target netip.AddrPort
	if cfg.AudioClient.Enabled {
		target, err = cfg.AudioClient.ResolveServer(resolveCtx)
		if err != nil {
			logger.Error("Failed to resolve audio_client.server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}
	resolveCancel()
	for _, addr := range servers {
		disc.AddManualServer(addr)
	}
	if err := disc.Start(); err != nil {
		logger.Error("Failed to start discovery", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Audio server
	var audioServer *stream.AudioServer
	if cfg.AudioServer.Enabled {
		audioServer, err = startAudioServer(cfg.AudioServer, enc, disc, logger, appMetrics)
		if err != nil {
			logger.Error("Failed to start audio server", slog.String("error", err.Error()))
			disc.Stop(stopTimeout)
			os.Exit(1)
		}
		go func() {
			select {
			case <-audioServer.CaptureEnded():
				disc.PublishDetails(nil, encryption.Verification{})
			case <-ctx.Done():
			}
		}()
	}

	// Audio client
	var audioClient *stream.AudioClient
	output := device.NewOutput(logger)
	if cfg.AudioClient.Enabled {
		audioClient = stream.NewAudioClient(stream.ClientOptions{
			RetryDelay:  cfg.AudioClient.GetRetryDelay(),
			DialTimeout: cfg.AudioClient.GetDialTimeout(),
		}, logger, appMetrics)
		audioClient.SetSettings(clientSettings(cfg.AudioClient, enc, output))
		if err := audioClient.Start(); err != nil {
			logger.Error("Failed to start audio client", slog.String("error", err.Error()))
			os.Exit(1)
		}
		go stream.Follow(ctx, audioClient, disc.Index(), target)
	}

	// Configuration reloads only touch client playback settings
	current := newConfigHolder(cfg)
	var watcher *config.Watcher
	if *watch {
		watcher, err = config.NewWatcher(*configPath, func(next *config.Config) {
			current.set(next)
			if audioClient == nil || !next.AudioClient.Enabled {
				return
			}
			nextEnc, err := newEncryption(next.Encryption)
			if err != nil {
				logger.Warn("Ignoring invalid encryption secret", slog.String("error", err.Error()))
				return
			}
			audioClient.SetSettings(clientSettings(next.AudioClient, nextEnc, output))
		}, logger)
		if err != nil {
			logger.Warn("Configuration reload disabled", slog.String("error", err.Error()))
		} else if err := watcher.Start(); err != nil {
			logger.Warn("Configuration reload disabled", slog.String("error", err.Error()))
			watcher = nil
		}
	}

	// HTTP API
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, server.Node{
			Config:      current.get,
			Discovery:   disc,
			AudioServer: audioServer,
			AudioClient: audioClient,
			Workers: func() []*worker.Worker {
				if watcher == nil {
					return nil
				}
				return []*worker.Worker{watcher.Worker()}
			},
		}, appMetrics)
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("control_address", disc.ControlAddress().String()),
	)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")
	cancel()

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
		shutdownCancel()
	}

	if watcher != nil {
		if err := watcher.Stop(stopTimeout); err != nil {
			logger.Error("Error stopping configuration watcher", slog.String("error", err.Error()))
		}
	}

	if audioClient != nil {
		if err := audioClient.Stop(stopTimeout); err != nil {
			logger.Error("Error stopping audio client", slog.String("error", err.Error()))
		}
	}

	if audioServer != nil {
		disc.PublishDetails(nil, encryption.Verification{})
		stats := audioServer.GetStatistics()
		if err := audioServer.Stop(stopTimeout); err != nil {
			logger.Error("Error stopping audio server", slog.String("error", err.Error()))
		}
		logger.Info("Final audio server statistics",
			slog.Uint64("captured_bytes", stats.CapturedBytes),
			slog.Uint64("accepted", stats.Accepted),
			slog.Int("connections", len(stats.Connections)),
		)
	}

	if err := disc.Stop(stopTimeout); err != nil {
		logger.Error("Error stopping discovery", slog.String("error", err.Error()))
	}

	logger.Info("Service stopped")
}

func newEncryption(cfg config.EncryptionConfig) (*encryption.Encryption, error) {
	if cfg.Secret == "" {
		return nil, nil
	}
	return encryption.New(cfg.Secret)
}

func discoveryOptions(cfg *config.Config) discovery.Options {
	d := cfg.Discovery
	name := cfg.Node.Name
	if name == "" {
		name, _ = os.Hostname()
	}
	return discovery.Options{
		ControlAddress:    d.GetControlAddress(),
		MulticastGroup:    d.GetMulticastGroup(),
		Interface:         d.Interface,
		MulticastTTL:      d.MulticastTTL,
		MulticastLoopback: d.MulticastLoopback,
		BroadcastInterval: d.GetBroadcastInterval(),
		PurgeInterval:     d.GetPurgeInterval(),
		StaleAfter:        d.GetStaleAfter(),
		DisableTCP:        d.DisableTCP,
		StateFile:         d.StateFile,
		MDNS:              d.MDNS,
		InstanceName:      name,
	}
}

func startAudioServer(cfg config.AudioServerConfig, enc *encryption.Encryption, disc *discovery.Service, logger *slog.Logger, m *metrics.Metrics) (*stream.AudioServer, error) {
	var capture audio.CaptureOpener
	switch cfg.Source {
	case "wav":
		capture = audio.WAVFileOpener(cfg.SourcePath)
	case "stdin":
		capture = audio.ReaderOpener(os.Stdin)
	default:
		capture = audio.ToneOpener(cfg.ToneFrequency, 0.5)
	}

	s := stream.NewAudioServer(stream.ServerOptions{
		Address:      cfg.GetAddress(),
		Format:       cfg.GetFormat(),
		BufferSize:   cfg.BufferSize,
		Compression:  cfg.Compression,
		WriteTimeout: cfg.GetWriteTimeout(),
	}, capture, enc, logger, m)
	if err := s.Start(); err != nil {
		return nil, err
	}

	verification, err := encryption.VerificationFor(enc)
	if err != nil {
		s.Stop(stopTimeout)
		return nil, err
	}
	disc.PublishDetails(s.Details(), verification)
	return s, nil
}

func clientSettings(cfg config.AudioClientConfig, enc *encryption.Encryption, output *device.Output) *stream.ClientSettings {
	var playback audio.PlaybackOpener
	switch cfg.Output {
	case "wav":
		playback = audio.WAVFileSinkOpener(cfg.OutputPath)
	case "discard":
		playback = audio.DiscardOpener()
	default:
		playback = output.Opener()
	}
	return &stream.ClientSettings{
		Playback:       playback,
		BufferSize:     cfg.BufferSize,
		ReportInterval: cfg.GetReportInterval(),
		Encryption:     enc,
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
