// Package receiver implements the receiving endpoint: it accepts the
// handshake, writes the in-order byte stream to a per-connection file,
// emits cumulative acknowledgements, and accepts teardown.
package receiver

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"gbnxfer/internal/mediator"
	"gbnxfer/internal/wire"
	"gbnxfer/pkg/logger"
)

// StaleConnectionTimeout force-closes an Established connection that has
// received no SYN or data packet in this long, releasing its file handle. This
// is a supplement beyond spec.md's literal scenarios: it does not change
// wire-visible behavior for any peer that is still talking to us.
const StaleConnectionTimeout = 60 * time.Second

// idleWait bounds how long the event loop blocks when no inline-delayed
// datagram is due sooner; stale connections are reaped on every wake.
const idleWait = 100 * time.Millisecond

// Phase is a per-connection lifecycle state.
type Phase int

const (
	PhaseListen Phase = iota
	PhaseEstablished
	PhaseClosed
)

type connection struct {
	expectedSeq uint32
	sink        afero.File
	phase       Phase
	lastActive  time.Time
}

// Stats counts the receiver's lifetime activity.
type Stats struct {
	SynAccepted      int
	DataAccepted     int
	DataDuplicate    int
	DataOutOfSeq     int
	AcksSent         int
	FinAccepted      int
	StaleClosed      int
	Malformed        int
	InlineDropped    int
	InlineDuplicated int
	InlineDelayed    int
	BytesReceived    int64
}

// Listener owns a bound UDP endpoint and the receiver's per-connection
// state machines, keyed by the peer's virtual port.
type Listener struct {
	conn      *net.UDPConn
	netAddr   *net.UDPAddr
	localPort uint16
	fs        afero.Fs
	outputDir string
	conns     map[uint16]*connection
	Stats     Stats

	// sim and pending implement the receiver-integrated variant (spec.md
	// §4.5): when sim is non-nil, every inbound datagram runs through the
	// same drop -> duplicate -> delay cascade the standalone mediator
	// uses before being dispatched, instead of a separate mediator
	// process doing it on the wire.
	sim     *mediator.Simulator
	pending *mediator.DelayQueue
}

// Config configures a Listener.
type Config struct {
	// BindAddr is the local address to listen on, e.g. ":9999".
	BindAddr string
	// NetAddr is the mediator's address: the destination of the startup
	// bootstrap registration datagram and of every reply.
	NetAddr string
	// LocalPort is this receiver's own virtual port.
	LocalPort uint16
	// OutputDir is where "<src_port>.in" files are created. Defaults to
	// "data" if empty.
	OutputDir string
	// Fs is the filesystem output files are written through. Defaults to
	// the OS filesystem if nil.
	Fs afero.Fs
}

// New binds a UDP socket per cfg and returns a Listener ready to
// Bootstrap and Run.
func New(cfg Config) (*Listener, error) {
	laddr, err := net.ResolveUDPAddr("udp", cfg.BindAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "receiver: resolve %s", cfg.BindAddr)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, errors.Wrapf(err, "receiver: bind %s", cfg.BindAddr)
	}
	netAddr, err := net.ResolveUDPAddr("udp", cfg.NetAddr)
	if err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "receiver: resolve %s", cfg.NetAddr)
	}

	fsys := cfg.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	outputDir := cfg.OutputDir
	if outputDir == "" {
		outputDir = "data"
	}
	if err := fsys.MkdirAll(outputDir, 0o755); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "receiver: creating %s", outputDir)
	}

	return &Listener{
		conn:      conn,
		netAddr:   netAddr,
		localPort: cfg.LocalPort,
		fs:        fsys,
		outputDir: outputDir,
		conns:     make(map[uint16]*connection),
	}, nil
}

// Close releases the bound socket and any open output files.
func (l *Listener) Close() error {
	for _, c := range l.conns {
		if c.sink != nil {
			c.sink.Close()
		}
	}
	return l.conn.Close()
}

// EnableInlineMediator switches the receiver into the receiver-integrated
// topology of spec.md §4.5: every inbound datagram runs through sim's
// drop -> duplicate -> delay cascade before being dispatched, instead of
// relying on a separate mediator process to impair the wire.
func (l *Listener) EnableInlineMediator(sim *mediator.Simulator) {
	l.sim = sim
	l.pending = mediator.NewDelayQueue()
}

// Bootstrap emits one dummy datagram addressed to the mediator carrying
// this receiver's own src_port, so the mediator learns its route before
// any sender traffic arrives.
func (l *Listener) Bootstrap() error {
	pkt := wire.Packet{SrcPort: l.localPort, DstPort: 0}
	_, err := l.conn.WriteToUDP(wire.Encode(pkt), l.netAddr)
	if err != nil {
		return errors.Wrap(err, "receiver: bootstrap registration")
	}
	logger.Info("receiver: registered virtual port %d with mediator at %s", l.localPort, l.netAddr)
	return nil
}

// Run drives the event loop until stop is closed: wait on the socket with
// a bounded timeout, admit one datagram on read (through the inline
// impairment simulator, if enabled), reap stale connections and drain any
// due delayed datagrams on every wake.
func (l *Listener) Run(stop <-chan struct{}) error {
	buf := make([]byte, wire.MaxDatagramSize+1)
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		wait := idleWait
		if l.pending != nil {
			if deadline, ok := l.pending.NextDeadline(); ok {
				if d := time.Until(deadline); d < wait {
					wait = d
				}
			}
		}
		if wait < 0 {
			wait = 0
		}

		if err := l.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
			return errors.Wrap(err, "receiver: set read deadline")
		}
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				l.drainPending()
				l.reapStale()
				continue
			}
			select {
			case <-stop:
				return nil
			default:
			}
			logger.Error("receiver: read error: %v", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		l.admit(data)
		l.drainPending()
		l.reapStale()
	}
}

// admit runs data through the inline impairment simulator, when enabled,
// before dispatching it; with no simulator configured it dispatches
// immediately, matching the standalone-mediator topology.
func (l *Listener) admit(data []byte) {
	if l.sim == nil {
		l.Dispatch(data)
		return
	}

	outcome, delay := l.sim.Evaluate()
	switch outcome {
	case mediator.OutcomeDrop:
		l.Stats.InlineDropped++
		logger.Debug("receiver: inline simulator dropped a datagram")
	case mediator.OutcomeDuplicate:
		l.Stats.InlineDuplicated++
		logger.Debug("receiver: inline simulator duplicated a datagram")
		l.Dispatch(data)
		l.Dispatch(data)
	case mediator.OutcomeDelay:
		l.Stats.InlineDelayed++
		logger.Debug("receiver: inline simulator delaying a datagram by %s", delay)
		l.pending.Push(time.Now().Add(delay), data, nil)
	default:
		l.Dispatch(data)
	}
}

func (l *Listener) drainPending() {
	if l.pending == nil {
		return
	}
	for _, entry := range l.pending.DrainDue(time.Now()) {
		l.Dispatch(entry.Data())
	}
}

// Dispatch decodes and processes a single datagram. It is exported so the
// receiver-integrated topology (spec.md §4.5) can feed it datagrams that
// have already passed through an in-process mediator.Simulator, and so
// tests can drive the state machine without a real socket.
func (l *Listener) Dispatch(raw []byte) {
	pkt, err := wire.Decode(raw)
	if err != nil {
		l.Stats.Malformed++
		logger.Warn("receiver: dropping malformed datagram: %v", err)
		return
	}

	switch {
	case pkt.HasFlag(wire.FlagSYN):
		l.handleSyn(pkt)
	case pkt.HasFlag(wire.FlagFIN):
		l.handleFin(pkt)
	default:
		l.handleData(pkt)
	}
}

func (l *Listener) handleSyn(pkt wire.Packet) {
	if existing, ok := l.conns[pkt.SrcPort]; ok && existing.sink != nil {
		existing.sink.Close()
	}

	filename := fmt.Sprintf("%s/%d.in", l.outputDir, pkt.SrcPort)
	sink, err := l.fs.OpenFile(filename, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logger.Error("receiver: opening %s: %v", filename, err)
		return
	}

	expected := pkt.Seq + 1
	l.conns[pkt.SrcPort] = &connection{
		expectedSeq: expected,
		sink:        sink,
		phase:       PhaseEstablished,
		lastActive:  time.Now(),
	}
	l.Stats.SynAccepted++
	logger.WithFields(logger.Fields{
		"src_port": pkt.SrcPort,
		"file":     filename,
	}).Infof("receiver: SYN accepted")

	reply := wire.Packet{
		SrcPort: l.localPort,
		DstPort: pkt.SrcPort,
		Ack:     expected,
		Flags:   wire.FlagSYN | wire.FlagACK,
	}
	l.reply(reply)
}

func (l *Listener) handleData(pkt wire.Packet) {
	conn, ok := l.conns[pkt.SrcPort]
	if !ok || conn.phase != PhaseEstablished {
		// Packets arriving before SYN (or after Closed) are silently
		// discarded, per spec.md §4.4/§7.
		return
	}

	conn.lastActive = time.Now()

	switch {
	case pkt.Seq == conn.expectedSeq && len(pkt.Payload) > 0:
		if _, err := conn.sink.Write(pkt.Payload); err != nil {
			logger.Error("receiver: write failed for port %d: %v", pkt.SrcPort, err)
			return
		}
		if err := conn.sink.Sync(); err != nil {
			logger.Error("receiver: flush failed for port %d: %v", pkt.SrcPort, err)
		}
		conn.expectedSeq += uint32(len(pkt.Payload))
		l.Stats.DataAccepted++
		l.Stats.BytesReceived += int64(len(pkt.Payload))
	case pkt.Seq < conn.expectedSeq:
		l.Stats.DataDuplicate++
		logger.WithFields(logger.Fields{
			"src_port":     pkt.SrcPort,
			"seq":          pkt.Seq,
			"expected_seq": conn.expectedSeq,
		}).Debugf("receiver: dropping duplicate data segment")
	default:
		l.Stats.DataOutOfSeq++
		logger.WithFields(logger.Fields{
			"src_port":     pkt.SrcPort,
			"seq":          pkt.Seq,
			"expected_seq": conn.expectedSeq,
		}).Debugf("receiver: dropping out-of-order data segment")
	}

	// A cumulative ACK is sent in all three cases: in-order, duplicate,
	// and out-of-order. This is what makes Go-Back-N retransmission work
	// on the sender side.
	ack := wire.Packet{
		SrcPort: l.localPort,
		DstPort: pkt.SrcPort,
		Ack:     conn.expectedSeq,
		Flags:   wire.FlagACK,
	}
	l.reply(ack)
}

func (l *Listener) handleFin(pkt wire.Packet) {
	conn, ok := l.conns[pkt.SrcPort]
	if !ok {
		return
	}

	if conn.sink != nil {
		conn.sink.Close()
	}
	conn.phase = PhaseClosed
	delete(l.conns, pkt.SrcPort)
	l.Stats.FinAccepted++
	logger.WithFields(logger.Fields{"src_port": pkt.SrcPort}).Infof("receiver: FIN accepted")

	reply := wire.Packet{
		SrcPort: l.localPort,
		DstPort: pkt.SrcPort,
		Ack:     pkt.Seq + 1,
		Flags:   wire.FlagACK,
	}
	l.reply(reply)
}

func (l *Listener) reapStale() {
	now := time.Now()
	for port, conn := range l.conns {
		if conn.phase == PhaseEstablished && now.Sub(conn.lastActive) > StaleConnectionTimeout {
			if conn.sink != nil {
				conn.sink.Close()
			}
			delete(l.conns, port)
			l.Stats.StaleClosed++
			logger.Warn("receiver: reaped stale connection from virtual port %d", port)
		}
	}
}

func (l *Listener) reply(pkt wire.Packet) {
	if _, err := l.conn.WriteToUDP(wire.Encode(pkt), l.netAddr); err != nil {
		logger.Error("receiver: reply to port %d failed: %v", pkt.DstPort, err)
		return
	}
	l.Stats.AcksSent++
}
