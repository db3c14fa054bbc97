// ABOUTME: Headless probe that connects to a snapserver and reports clock sync
// ABOUTME: Plays into a null sink and prints the offset estimate as it converges
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Resonate-Protocol/snapcast-go/internal/app"
	"github.com/Resonate-Protocol/snapcast-go/internal/player"
	"github.com/Resonate-Protocol/snapcast-go/internal/session"
	"github.com/Resonate-Protocol/snapcast-go/internal/transport"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

var (
	host     = pflag.String("host", "localhost", "Server host")
	port     = pflag.IntP("port", "p", session.DefaultPort, "Server stream port")
	name     = pflag.String("name", "snapsync-probe", "Client name")
	duration = pflag.Duration("duration", 30*time.Second, "How long to probe")
	interval = pflag.Duration("interval", time.Second, "Report interval")
	verbose  = pflag.BoolP("verbose", "v", false, "Debug logging")
)

func main() {
	pflag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000000"})
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	fmt.Println("=== Snapcast Clock Sync Probe ===")
	fmt.Printf("Connecting to %s:%d as '%s' for %v\n\n", *host, *port, *name, *duration)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	sink := player.NewNullSink(0)
	p, err := app.New(app.Config{
		Session: session.Config{
			Host:      *host,
			Port:      *port,
			Transport: transport.NewTCP(nil),
			Hello:     session.NewHello(*name, 1, "", ""),
			Logger:    logger.WithField("component", "session"),
		},
		Scheduler: player.SchedulerConfig{Logger: logger.WithField("component", "scheduler")},
		Sink:      sink,
		Logger:    logger.WithField("component", "player"),
		Volume:    100,
	})
	if err != nil {
		logger.Fatalf("Failed to create player: %v", err)
	}
	defer p.Close()

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("%-8s %-12s %-12s %-9s %-8s %-8s %-8s\n", "elapsed", "offset", "rtt", "quality", "samples", "played", "padded")
	start := time.Now()
	for {
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.DeadlineExceeded) {
				fmt.Fprintf(os.Stderr, "probe failed: %v\n", err)
				os.Exit(1)
			}
			summary(p, sink)
			return
		case <-ticker.C:
			st := p.Stats()
			fmt.Printf("%-8s %-12s %-12s %-9s %-8d %-8d %-8d\n",
				time.Since(start).Round(time.Second), st.Sync.Offset, st.Sync.RTT, st.Sync.Quality,
				st.Sync.Samples, st.Scheduler.Played, st.Scheduler.Padded)
		}
	}
}

func summary(p *app.Player, sink *player.NullSink) {
	st := p.Stats()
	fmt.Println()
	fmt.Printf("Final offset:   %v (%d samples, %d round trips)\n", st.Sync.Offset, st.Sync.Samples, st.Sync.Total)
	fmt.Printf("Last RTT:       %v\n", st.Sync.RTT)
	fmt.Printf("Server buffer:  %dms, latency %dms\n", st.Sync.BufferMs, st.Sync.Latency)
	fmt.Printf("Stream format:  %s\n", st.Scheduler.Format)
	fmt.Printf("Chunks:         %d received, %d gated, %d dropped at ring\n",
		st.Session.Chunks, st.Session.ChunksGated, st.Session.ChunksDropped)
	fmt.Printf("Playout:        %d played, %d frames padded, %d bytes dropped, %d underruns\n",
		st.Scheduler.Played, st.Scheduler.Padded, st.Scheduler.Dropped, st.Scheduler.Underruns)
	fmt.Printf("Audio consumed: %d bytes\n", sink.Written())
}
