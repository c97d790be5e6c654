// Package mediator implements the network mediator: a transparent,
// virtual-port-addressed UDP relay that probabilistically drops,
// duplicates, and delays the datagrams it forwards.
package mediator

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"

	"gbnxfer/internal/wire"
	"gbnxfer/pkg/logger"
)

// maxIdleWait bounds how long the event loop will block on the socket when
// no delay-queue entry is pending, per spec.md's "small bound (<= 100ms)".
const maxIdleWait = 100 * time.Millisecond

// Stats counts the mediator's lifetime activity, reported at shutdown and
// exposed for tests that assert on observed forwarding and impairment.
type Stats struct {
	Received       int
	Forwarded      int
	Dropped        int
	Duplicated     int
	Delayed        int
	Malformed      int
	Unrouted       int
	BytesReceived  int64
	BytesForwarded int64
}

// Mediator owns one bound UDP endpoint and relays datagrams between peers
// that address each other only by virtual port, impairing the channel
// according to sim.
type Mediator struct {
	conn  *net.UDPConn
	sim   *Simulator
	rt    *RoutingTable
	delay *DelayQueue
	Stats Stats
}

// New binds a UDP socket on addr and returns a Mediator ready to Run.
func New(addr string, sim *Simulator) (*Mediator, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "mediator: resolve %s", addr)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, errors.Wrapf(err, "mediator: bind %s", addr)
	}
	return &Mediator{
		conn:  conn,
		sim:   sim,
		rt:    NewRoutingTable(),
		delay: NewDelayQueue(),
	}, nil
}

// Close releases the bound socket.
func (m *Mediator) Close() error {
	return m.conn.Close()
}

// LocalAddr returns the address the mediator's socket is bound to, as a
// string suitable for Config.NetAddr.
func (m *Mediator) LocalAddr() string {
	return m.conn.LocalAddr().String()
}

// Run drives the event loop until ctx is canceled: compute the nearest
// timer deadline, wait on the socket with that timeout, dispatch one
// datagram on read or service the delay queue on wake.
func (m *Mediator) Run(ctx context.Context) error {
	buf := make([]byte, wire.MaxDatagramSize+1)
	for {
		if ctx.Err() != nil {
			return nil
		}

		wait := maxIdleWait
		if deadline, ok := m.delay.NextDeadline(); ok {
			if d := time.Until(deadline); d < wait {
				wait = d
			}
		}
		if wait < 0 {
			wait = 0
		}

		if err := m.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
			return errors.Wrap(err, "mediator: set read deadline")
		}

		n, addr, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				m.drainDelayed()
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("mediator: read error: %v", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		m.handleDatagram(data, addr)
		m.drainDelayed()
	}
}

func (m *Mediator) handleDatagram(data []byte, from net.Addr) {
	m.Stats.Received++
	m.Stats.BytesReceived += int64(len(data))

	pkt, err := wire.Decode(data)
	if err != nil {
		m.Stats.Malformed++
		logger.Warn("mediator: dropping malformed datagram from %s: %v", from, err)
		return
	}

	fields := logger.WithFields(logger.Fields{
		"src_port": pkt.SrcPort,
		"dst_port": pkt.DstPort,
		"flags":    pkt.Flags,
	})

	m.rt.Learn(pkt.SrcPort, from)

	dest, ok := m.rt.Resolve(pkt.DstPort)
	if !ok {
		m.Stats.Unrouted++
		fields.Warnf("mediator: no route for destination virtual port")
		return
	}

	outcome, delay := m.sim.Evaluate()
	switch outcome {
	case OutcomeDrop:
		m.Stats.Dropped++
		fields.Debugf("mediator: simulated drop")
	case OutcomeDuplicate:
		m.Stats.Duplicated++
		fields.Debugf("mediator: simulated duplicate")
		m.send(data, dest)
		m.send(data, dest)
	case OutcomeDelay:
		m.Stats.Delayed++
		fields.Debugf("mediator: simulated delay of %s", delay)
		m.delay.Push(time.Now().Add(delay), data, dest)
	default:
		m.send(data, dest)
	}
}

func (m *Mediator) drainDelayed() {
	for _, entry := range m.delay.DrainDue(time.Now()) {
		m.send(entry.data, entry.dest)
	}
}

func (m *Mediator) send(data []byte, dest net.Addr) {
	if _, err := m.conn.WriteTo(data, dest); err != nil {
		logger.Error("mediator: send to %s failed: %v", dest, err)
		return
	}
	m.Stats.Forwarded++
	m.Stats.BytesForwarded += int64(len(data))
}
