// Command sender reads a file and transfers it to a receiver through a
// network mediator, using a Go-Back-N sliding-window protocol.
package main

import (
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	flag "github.com/spf13/pflag"

	"gbnxfer/internal/config"
	"gbnxfer/internal/sender"
	"gbnxfer/pkg/logger"
)

const (
	exitOK              = 0
	exitHandshakeFailed = 1
	exitFileNotFound    = 2

	// statsReportInterval is how often the sender logs its running
	// totals while a transfer is in flight, alongside the one-shot
	// report once the transfer finishes.
	statsReportInterval = 5 * time.Second
)

func main() {
	var (
		netHost    = flag.String("net-host", "127.0.0.1", "network mediator host")
		netPort    = flag.Uint16("net-port", 8000, "network mediator port")
		serverPort = flag.Uint16("server-port", 9999, "receiver virtual port")
		localPort  = flag.Uint16("local-port", 0, "this sender's own virtual port (0 derives one from the process ID)")
		logLevel   = flag.String("log-level", "info", "debug|info|warn|error")
		logJSON    = flag.Bool("log-json", false, "emit logs as JSON")
	)
	flag.Parse()
	config.ApplyLogFlags(*logLevel, *logJSON)

	args := flag.Args()
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: sender [flags] <filename>")
		os.Exit(exitFileNotFound)
	}
	filename := args[0]

	localVirtualPort := *localPort
	if localVirtualPort == 0 {
		localVirtualPort = ephemeralVirtualPort()
	}

	s, err := sender.New(sender.Config{
		NetAddr:    fmt.Sprintf("%s:%d", *netHost, *netPort),
		LocalPort:  localVirtualPort,
		ServerPort: *serverPort,
	})
	if err != nil {
		logger.Fatal("sender: %v", err)
	}
	defer s.Close()

	logger.Banner("sender", "1.0.0")
	logger.Info("sender: virtual port %d -> %s (receiver port %d)", localVirtualPort, *netHost, *serverPort)

	done := make(chan struct{})
	ticker := time.NewTicker(statsReportInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				reportStats(s)
			}
		}
	}()

	err = s.Transfer(afero.NewOsFs(), filename)
	close(done)
	reportStats(s)

	switch {
	case err == nil:
		logger.Success("sender: transfer of %s complete", filename)
		os.Exit(exitOK)
	case errors.Is(err, fs.ErrNotExist):
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitFileNotFound)
	case errors.Is(err, sender.ErrHandshakeTimeout):
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitHandshakeFailed)
	default:
		// The only other error Transfer returns is a failure to read the
		// input file.
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitFileNotFound)
	}
}

func reportStats(s *sender.Sender) {
	logger.WithFields(logger.Fields{
		"syn_sent":          s.Stats.SynSent,
		"data_sent":         s.Stats.DataSent,
		"acks_received":     s.Stats.AcksReceived,
		"retransmissions":   s.Stats.Retransmissions,
		"fin_sent":          s.Stats.FinSent,
		"fin_acked":         s.Stats.FinAcked,
		"handshake_retries": s.Stats.HandshakeRetries,
		"bytes_sent":        s.Stats.BytesSent,
	}).Infof("sender: stats")
}

// ephemeralVirtualPort derives a virtual port from the process's own PID
// so concurrent sender invocations don't collide without requiring the
// caller to pick one explicitly.
func ephemeralVirtualPort() uint16 {
	return uint16(20000 + (os.Getpid() % 10000))
}
