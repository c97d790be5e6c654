// Command receiver accepts a handshake, persists the delivered byte
// stream to a file, and emits cumulative acknowledgements.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	flag "github.com/spf13/pflag"

	"gbnxfer/internal/config"
	"gbnxfer/internal/mediator"
	"gbnxfer/internal/receiver"
	"gbnxfer/pkg/logger"
)

// statsReportInterval is how often the receiver logs its running totals
// while it is up, alongside the one-shot report on shutdown.
const statsReportInterval = 5 * time.Second

func main() {
	var (
		port            = flag.Uint16("port", 9999, "UDP port to listen on")
		netHost         = flag.String("net-host", "127.0.0.1", "network mediator host")
		netPort         = flag.Uint16("net-port", 8000, "network mediator port")
		inlineMediator  = flag.Bool("inline-mediator", false, "run the loss/duplicate/delay simulator in-process instead of via a separate mediator")
		pDrop           = flag.Float64("p-drop", 0.10, "inline mediator: probability of dropping a datagram")
		pDup            = flag.Float64("p-dup", 0.10, "inline mediator: probability of duplicating a datagram")
		pDelay          = flag.Float64("p-delay", 0.10, "inline mediator: probability of delaying a datagram")
		logLevel        = flag.String("log-level", "info", "debug|info|warn|error")
		logJSON         = flag.Bool("log-json", false, "emit logs as JSON")
	)
	flag.Parse()
	config.ApplyLogFlags(*logLevel, *logJSON)

	cfg := receiver.Config{
		BindAddr:  fmt.Sprintf(":%d", *port),
		NetAddr:   fmt.Sprintf("%s:%d", *netHost, *netPort),
		LocalPort: *port,
		Fs:        afero.NewOsFs(),
	}

	l, err := receiver.New(cfg)
	if err != nil {
		logger.Fatal("receiver: %v", err)
	}
	defer l.Close()

	logger.Banner("receiver", "1.0.0")

	if *inlineMediator {
		probs := mediator.Probabilities{
			Drop: *pDrop, Duplicate: *pDup, Delay: *pDelay,
			MinDelay: 500 * time.Millisecond, MaxDelay: 2 * time.Second,
		}
		l.EnableInlineMediator(mediator.NewSimulator(probs, rand.Int63()))
		logger.Info("receiver: running with an in-process impairment simulator (no separate mediator process)")
	}

	if err := l.Bootstrap(); err != nil {
		logger.Error("receiver: bootstrap registration failed: %v", err)
	}

	stop := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("receiver: received shutdown signal")
		close(stop)
	}()

	ticker := time.NewTicker(statsReportInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				reportStats(l)
			}
		}
	}()

	logger.Success("receiver: listening on port %d, registered with mediator at %s:%d", *port, *netHost, *netPort)
	if err := l.Run(stop); err != nil {
		logger.Fatal("receiver: run: %v", err)
	}
	logger.Info("receiver: stopped")
	reportStats(l)
}

func reportStats(l *receiver.Listener) {
	logger.WithFields(logger.Fields{
		"syn_accepted":   l.Stats.SynAccepted,
		"data_accepted":  l.Stats.DataAccepted,
		"duplicate":      l.Stats.DataDuplicate,
		"out_of_seq":     l.Stats.DataOutOfSeq,
		"fin_accepted":   l.Stats.FinAccepted,
		"stale_closed":   l.Stats.StaleClosed,
		"malformed":      l.Stats.Malformed,
		"bytes_received": l.Stats.BytesReceived,
	}).Infof("receiver: stats")
}
