// Package sender implements the sending endpoint: handshake, a Go-Back-N
// sliding-window data transfer, and best-effort teardown.
package sender

import (
	iofs "io/fs"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"gbnxfer/internal/wire"
	"gbnxfer/pkg/logger"
)

const (
	// initialSeq is the fixed initial sequence number used for the SYN,
	// per spec.md's "fixed constant 100 is acceptable".
	initialSeq = 100
	// window is the maximum number of unacknowledged chunks in flight.
	window = 5

	handshakeBudget  = 10 * time.Second
	handshakeRetry   = 500 * time.Millisecond
	dataPollInterval = 50 * time.Millisecond
	retransmitTimer  = 500 * time.Millisecond
	teardownAttempts = 5
	teardownInterval = 500 * time.Millisecond
)

// ErrHandshakeTimeout is returned when no valid SYN-ACK arrives within the
// handshake budget.
var ErrHandshakeTimeout = errors.New("sender: handshake timed out")

// Stats counts the sender's lifetime activity.
type Stats struct {
	SynSent          int
	DataSent         int
	AcksReceived     int
	Retransmissions  int
	FinSent          int
	FinAcked         bool
	HandshakeRetries int
	BytesSent        int64
}

// Config configures a Sender.
type Config struct {
	// NetAddr is the mediator's (or receiver's, in the --inline-mediator
	// topology) transport address.
	NetAddr string
	// LocalPort is this sender's virtual port, carried as src_port.
	LocalPort uint16
	// ServerPort is the receiver's virtual port, carried as dst_port.
	ServerPort uint16
}

// Sender drives one file transfer.
type Sender struct {
	cfg     Config
	conn    *net.UDPConn
	netAddr *net.UDPAddr
	Stats   Stats
}

// New binds an ephemeral local UDP socket and resolves the mediator's
// address.
func New(cfg Config) (*Sender, error) {
	netAddr, err := net.ResolveUDPAddr("udp", cfg.NetAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "sender: resolve %s", cfg.NetAddr)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, errors.Wrap(err, "sender: bind local socket")
	}
	return &Sender{cfg: cfg, conn: conn, netAddr: netAddr}, nil
}

// Close releases the local socket.
func (s *Sender) Close() error {
	return s.conn.Close()
}

// Transfer reads filename through fs, performs the handshake, streams the
// file's contents with Go-Back-N, and tears the connection down. It
// returns ErrHandshakeTimeout if the handshake budget is exhausted, or a
// wrapped fs.ErrNotExist if filename cannot be opened.
func (s *Sender) Transfer(fsys afero.Fs, filename string) error {
	data, err := afero.ReadFile(fsys, filename)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return errors.Wrapf(iofs.ErrNotExist, "sender: %s", filename)
		}
		return errors.Wrapf(err, "sender: reading %s", filename)
	}

	startSeq, err := s.handshake()
	if err != nil {
		return err
	}

	finalSeq, err := s.transmit(data, startSeq)
	if err != nil {
		return err
	}

	s.teardown(finalSeq)
	return nil
}

func (s *Sender) handshake() (uint32, error) {
	syn := wire.Packet{
		SrcPort: s.cfg.LocalPort,
		DstPort: s.cfg.ServerPort,
		Seq:     initialSeq,
		Flags:   wire.FlagSYN,
	}
	encoded := wire.Encode(syn)

	deadline := time.Now().Add(handshakeBudget)
	for time.Now().Before(deadline) {
		if _, err := s.conn.WriteToUDP(encoded, s.netAddr); err != nil {
			logger.Error("sender: send SYN failed: %v", err)
		} else {
			s.Stats.SynSent++
		}

		resp, ok := s.waitForPacket(handshakeRetry)
		if ok && resp.HasFlag(wire.FlagSYN|wire.FlagACK) && resp.Ack == initialSeq+1 {
			logger.Success("sender: handshake established, start_seq=%d", resp.Ack)
			return resp.Ack, nil
		}
		s.Stats.HandshakeRetries++
		logger.Warn("sender: no SYN-ACK yet, retrying")
	}
	return 0, ErrHandshakeTimeout
}

func (s *Sender) transmit(data []byte, startSeq uint32) (uint32, error) {
	chunks := wire.Chunk(data, wire.MaxPayloadSize)
	total := len(chunks)

	seqOf := make([]uint32, total)
	seq := startSeq
	for i, c := range chunks {
		seqOf[i] = seq
		seq += uint32(len(c))
	}

	baseIdx, nextIdx := 0, 0
	baseSeq := startSeq
	lastProgress := time.Now()

	for baseIdx < total {
		for nextIdx < total && nextIdx < baseIdx+window {
			pkt := wire.Packet{
				SrcPort: s.cfg.LocalPort,
				DstPort: s.cfg.ServerPort,
				Seq:     seqOf[nextIdx],
				Flags:   wire.FlagACK,
				Payload: chunks[nextIdx],
			}
			if _, err := s.conn.WriteToUDP(wire.Encode(pkt), s.netAddr); err != nil {
				logger.Error("sender: send data chunk %d failed: %v", nextIdx, err)
			} else {
				s.Stats.DataSent++
				s.Stats.BytesSent += int64(len(pkt.Payload))
				logger.WithFields(logger.Fields{
					"chunk": nextIdx + 1,
					"total": total,
					"seq":   seqOf[nextIdx],
				}).Debugf("sender: sent data chunk")
			}
			nextIdx++
		}

		resp, ok := s.waitForPacket(dataPollInterval)
		if ok && resp.HasFlag(wire.FlagACK) {
			s.Stats.AcksReceived++
			if resp.Ack > baseSeq {
				for baseIdx < total {
					end := seqOf[baseIdx] + uint32(len(chunks[baseIdx]))
					if resp.Ack < end {
						break
					}
					baseIdx++
					baseSeq = end
					lastProgress = time.Now()
				}
			}
		}

		if time.Since(lastProgress) > retransmitTimer {
			logger.WithFields(logger.Fields{
				"base_idx": baseIdx,
				"next_idx": nextIdx,
			}).Warnf("sender: retransmit timeout, resetting window")
			nextIdx = baseIdx
			lastProgress = time.Now()
			s.Stats.Retransmissions++
		}
	}

	logger.Success("sender: transfer complete, %d chunks", total)
	return baseSeq, nil
}

func (s *Sender) teardown(finalSeq uint32) {
	fin := wire.Packet{
		SrcPort: s.cfg.LocalPort,
		DstPort: s.cfg.ServerPort,
		Seq:     finalSeq,
		Flags:   wire.FlagFIN,
	}
	encoded := wire.Encode(fin)

	for i := 0; i < teardownAttempts; i++ {
		if _, err := s.conn.WriteToUDP(encoded, s.netAddr); err != nil {
			logger.Error("sender: send FIN failed: %v", err)
		} else {
			s.Stats.FinSent++
		}

		resp, ok := s.waitForPacket(teardownInterval)
		if ok && resp.HasFlag(wire.FlagACK) && resp.Ack == finalSeq+1 {
			s.Stats.FinAcked = true
			logger.Success("sender: FIN acknowledged")
			return
		}
	}
	logger.Warn("sender: no FIN-ACK after %d attempts, closing anyway", teardownAttempts)
}

// waitForPacket blocks up to timeout for one well-formed datagram from the
// mediator and decodes it. It is the sender's single suspension point
// aside from file I/O.
func (s *Sender) waitForPacket(timeout time.Duration) (wire.Packet, bool) {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return wire.Packet{}, false
	}
	buf := make([]byte, wire.MaxDatagramSize+1)
	n, _, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return wire.Packet{}, false
	}
	pkt, err := wire.Decode(buf[:n])
	if err != nil {
		logger.Warn("sender: dropping malformed datagram: %v", err)
		return wire.Packet{}, false
	}
	return pkt, true
}
