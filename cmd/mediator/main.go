// Command mediator runs the network mediator: a transparent, virtual-port
// addressed UDP relay that probabilistically drops, duplicates, and
// delays the traffic it forwards.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"gbnxfer/internal/config"
	"gbnxfer/internal/mediator"
	"gbnxfer/pkg/logger"
)

// statsReportInterval is how often the mediator logs its running totals
// while it is up, alongside the one-shot report on shutdown.
const statsReportInterval = 5 * time.Second

func main() {
	var (
		port      = flag.Uint16("port", 8000, "UDP port to listen on")
		pDrop     = flag.Float64("p-drop", 0.10, "probability of dropping a datagram")
		pDup      = flag.Float64("p-dup", 0.10, "probability of duplicating a datagram")
		pDelay    = flag.Float64("p-delay", 0.10, "probability of delaying a datagram")
		minDelay  = flag.Float64("min-delay", 0.5, "minimum simulated delay, in seconds")
		maxDelay  = flag.Float64("max-delay", 2.0, "maximum simulated delay, in seconds")
		seed      = flag.Int64("seed", time.Now().UnixNano(), "impairment RNG seed")
		logLevel  = flag.String("log-level", "info", "debug|info|warn|error")
		logJSON   = flag.Bool("log-json", false, "emit logs as JSON")
	)
	flag.Parse()

	config.ApplyLogFlags(*logLevel, *logJSON)
	logger.Banner("mediator", "1.0.0")

	probs := mediator.Probabilities{
		Drop:      *pDrop,
		Duplicate: *pDup,
		Delay:     *pDelay,
		MinDelay:  time.Duration(*minDelay * float64(time.Second)),
		MaxDelay:  time.Duration(*maxDelay * float64(time.Second)),
	}
	sim := mediator.NewSimulator(probs, *seed)

	m, err := mediator.New(fmt.Sprintf(":%d", *port), sim)
	if err != nil {
		logger.Fatal("mediator: %v", err)
	}
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("mediator: received shutdown signal")
		cancel()
	}()

	ticker := time.NewTicker(statsReportInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reportStats(m)
			}
		}
	}()

	logger.Success("mediator: listening on port %d (drop=%.2f dup=%.2f delay=%.2f)", *port, *pDrop, *pDup, *pDelay)
	if err := m.Run(ctx); err != nil {
		logger.Fatal("mediator: run: %v", err)
	}
	logger.Info("mediator: stopped")
	reportStats(m)
}

func reportStats(m *mediator.Mediator) {
	logger.WithFields(logger.Fields{
		"received":        m.Stats.Received,
		"forwarded":       m.Stats.Forwarded,
		"dropped":         m.Stats.Dropped,
		"duplicated":      m.Stats.Duplicated,
		"delayed":         m.Stats.Delayed,
		"malformed":       m.Stats.Malformed,
		"unrouted":        m.Stats.Unrouted,
		"bytes_received":  m.Stats.BytesReceived,
		"bytes_forwarded": m.Stats.BytesForwarded,
	}).Infof("mediator: stats")
}
