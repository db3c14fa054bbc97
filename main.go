// ABOUTME: Entry point for the Snapcast client
// ABOUTME: Loads configuration, finds a server and runs the synchronized player
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/Resonate-Protocol/snapcast-go/internal/app"
	"github.com/Resonate-Protocol/snapcast-go/internal/config"
	"github.com/Resonate-Protocol/snapcast-go/internal/discovery"
	"github.com/Resonate-Protocol/snapcast-go/internal/player"
	"github.com/Resonate-Protocol/snapcast-go/internal/session"
	"github.com/Resonate-Protocol/snapcast-go/internal/transport"
	"github.com/Resonate-Protocol/snapcast-go/internal/version"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, closeLog, err := setupLogging(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening log file: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	log := logger.WithField("component", "main")
	log.Infof("Starting %s %s", version.Product, version.Version)
	if cfg.File != "" {
		log.Infof("Using config file %s", cfg.File)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	host, port := cfg.Server.Host, cfg.Server.Port
	if host == "" {
		server, err := discover(ctx, cfg, logger)
		if err != nil {
			log.Fatalf("Server discovery failed: %v", err)
		}
		host, port = server.Host, server.Port
	}

	var mac string
	if iface, err := discovery.LocalInterface(); err == nil {
		mac = iface.MAC.String()
	} else {
		log.Warnf("No network interface for MAC address: %v", err)
	}

	var tr transport.Transport
	switch cfg.Server.Transport {
	case config.TransportWebSocket:
		tr = transport.NewWebSocket(cfg.Server.Path, cfg.Stream.MaxMessageBytes)
	default:
		tr = transport.NewTCP(nil)
	}

	var sink player.Sink
	switch cfg.Output.Sink {
	case config.SinkNull:
		sink = player.NewNullSink(cfg.Output.DeviceBuffer)
	default:
		sink = player.NewOtoSink(logger.WithField("component", "oto"), cfg.Output.DeviceBuffer)
	}

	p, err := app.New(app.Config{
		Session: session.Config{
			Host:           host,
			Port:           port,
			Transport:      tr,
			Hello:          session.NewHello(cfg.Client.Name, cfg.Client.Instance, cfg.Client.ID, mac),
			Logger:         logger.WithField("component", "session"),
			RingCapacity:   cfg.Stream.RingBytes,
			MaxMessageSize: cfg.Stream.MaxMessageBytes,
			ReadTimeout:    cfg.Stream.ReadTimeout,
			SyncInterval:   cfg.Stream.SyncInterval,
			ChunkWait:      cfg.Stream.ChunkWait,
			MaxMalformed:   cfg.Stream.MaxMalformed,
		},
		Scheduler: player.SchedulerConfig{
			Logger:          logger.WithField("component", "scheduler"),
			PipelineLatency: cfg.Output.PipelineLatency,
			PadTolerance:    cfg.Output.PadTolerance,
			DropTolerance:   cfg.Output.DropTolerance,
		},
		Sink:              sink,
		Logger:            logger.WithField("component", "player"),
		Volume:            cfg.Output.Volume,
		ReconnectDelay:    cfg.ReconnectDelay,
		MaxReconnectDelay: cfg.MaxReconnect,
	})
	if err != nil {
		log.Fatalf("Failed to create player: %v", err)
	}

	if cfg.StatsInterval > 0 {
		go statsLoop(ctx, p, cfg.StatsInterval, log)
	}

	if err := p.Run(ctx); err != nil {
		log.Errorf("Player error: %v", err)
	}

	if err := p.Close(); err != nil {
		log.Warnf("Error closing player: %v", err)
	}
	log.Info("Player stopped")
}

// setupLogging sends logs to stdout and, when configured, the log file
func setupLogging(cfg config.LogConfig) (*logrus.Logger, func(), error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.File == "" {
		logger.SetOutput(os.Stdout)
		return logger, func() {}, nil
	}

	f, err := os.OpenFile(cfg.File, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
	if err != nil {
		return nil, nil, err
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, f))
	return logger, func() { _ = f.Close() }, nil
}

func discover(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*discovery.ServerInfo, error) {
	service := discovery.ServiceStream
	if cfg.Server.Transport == config.TransportWebSocket {
		service = discovery.ServiceHTTP
	}

	logger.Infof("Browsing for %s servers...", service)
	disc := discovery.NewManager(discovery.Config{
		Service: service,
		Logger:  logger.WithField("component", "discovery"),
	})
	defer disc.Stop()
	disc.Browse()

	ctx, cancel := context.WithTimeout(ctx, cfg.DiscoveryTimeout)
	defer cancel()
	return disc.Wait(ctx)
}

// statsLoop periodically logs playback statistics
func statsLoop(ctx context.Context, p *app.Player, interval time.Duration, log logrus.FieldLogger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := p.Stats()
			log.WithFields(logrus.Fields{
				"state":        st.State,
				"reconnects":   st.Reconnects,
				"chunks":       st.Session.Chunks,
				"ring_dropped": st.Session.ChunksDropped,
				"ring_chunks":  st.RingChunks,
				"played":       st.Scheduler.Played,
				"padded":       st.Scheduler.Padded,
				"dropped":      st.Scheduler.Dropped,
				"underruns":    st.Scheduler.Underruns,
				"offset":       st.Sync.Offset,
				"rtt":          st.Sync.RTT,
				"quality":      st.Sync.Quality,
				"goroutines":   runtime.NumGoroutine(),
			}).Info("Stats")
		}
	}
}
