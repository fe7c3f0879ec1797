// Package discovery implements the LAN session beacon: a host broadcasts a
// small UDP datagram once a second advertising its session, and any client
// on the same broadcast domain can passively build a list of visible
// sessions without connecting to any of them.
package discovery

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ds-emu/netcore/wireerr"
)

// Port is the fixed UDP port both the host's beacon and every client's
// listener bind to.
const Port = 7063

// Magic identifies a discovery beacon on the wire ('L','A','N','D').
const Magic uint32 = 0x444e414c

// interval is how often a host (re-)publishes its beacon.
const interval = 1 * time.Second

// staleAfter is how long a session is kept in a client's list after its
// last beacon, measured against the receiver's own clock so a host with a
// skewed clock can't keep stale entries alive.
const staleAfter = 5 * time.Second

const sessionNameSize = 64

// wireSize is sizeof(DiscoveryData) on the wire: magic, tick, name, num,
// max, status.
const wireSize = 4 + 4 + sessionNameSize + 1 + 1 + 1

// Beacon is one advertised session, as received. The sender's tick is not
// kept; the Listener stores the receiver's local arrival time beside each
// Beacon so staleness is measured on the receiver's clock, not the sender's.
type Beacon struct {
	SessionName string
	NumPlayers  uint8
	MaxPlayers  uint8
	Status      uint8
	Addr        net.IP
}

func encode(senderTick uint32, sessionName string, numPlayers, maxPlayers, status uint8) []byte {
	buf := make([]byte, wireSize)
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint32(buf[4:8], senderTick)
	name := sessionName
	if len(name) > sessionNameSize-1 {
		name = name[:sessionNameSize-1]
	}
	copy(buf[8:8+sessionNameSize], name)
	buf[8+sessionNameSize] = numPlayers
	buf[9+sessionNameSize] = maxPlayers
	buf[10+sessionNameSize] = status
	return buf
}

func decode(buf []byte) (sessionName string, numPlayers, maxPlayers, status uint8, err error) {
	if len(buf) != wireSize {
		return "", 0, 0, 0, &wireerr.Underflow{MessageName: "beacon", Got: len(buf), Want: wireSize}
	}
	if got := binary.BigEndian.Uint32(buf[0:4]); got != Magic {
		return "", 0, 0, 0, &wireerr.BadMagic{MessageName: "beacon", Want: Magic, Got: got}
	}
	nameEnd := 8 + sessionNameSize
	n := buf[8:nameEnd]
	for i, b := range n {
		if b == 0 {
			n = n[:i]
			break
		}
	}
	return string(n), buf[nameEnd], buf[nameEnd+1], buf[nameEnd+2], nil
}

// Host periodically broadcasts a session beacon until Stop is called.
type Host struct {
	log  *zap.Logger
	conn *net.UDPConn
	done chan struct{}
	wg   sync.WaitGroup

	mu          sync.Mutex
	sessionName string
	numPlayers  uint8
	maxPlayers  uint8
	status      uint8
}

// NewHost opens a broadcast-enabled UDP socket and begins publishing. log
// may be nil.
func NewHost(sessionName string, numPlayers, maxPlayers uint8, log *zap.Logger) (*Host, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, fmt.Errorf("discovery: open socket: %w", err)
	}

	h := &Host{
		log:         log,
		conn:        conn,
		done:        make(chan struct{}),
		sessionName: sessionName,
		numPlayers:  numPlayers,
		maxPlayers:  maxPlayers,
	}
	h.wg.Add(1)
	go h.publishLoop()
	return h, nil
}

func (h *Host) publishLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	bcast := &net.UDPAddr{IP: net.IPv4bcast, Port: Port}
	for {
		select {
		case <-h.done:
			return
		case t := <-ticker.C:
			h.mu.Lock()
			buf := encode(uint32(t.UnixMilli()), h.sessionName, h.numPlayers, h.maxPlayers, h.status)
			h.mu.Unlock()
			if _, err := h.conn.WriteToUDP(buf, bcast); err != nil {
				h.log.Warn("discovery: broadcast failed", zap.Error(err))
			}
		}
	}
}

// Update changes the advertised player counts and status, taking effect on
// the next publish tick.
func (h *Host) Update(numPlayers, maxPlayers, status uint8) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.numPlayers = numPlayers
	h.maxPlayers = maxPlayers
	h.status = status
}

// Stop halts publishing and closes the socket.
func (h *Host) Stop() {
	close(h.done)
	h.wg.Wait()
	h.conn.Close()
}

// Listener passively collects beacons from any host on the LAN, evicting
// entries that haven't refreshed within staleAfter.
type Listener struct {
	log  *zap.Logger
	conn *net.UDPConn
	done chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]timedBeacon
}

type timedBeacon struct {
	beacon Beacon
	seen   time.Time
}

// NewListener binds the shared discovery port and begins collecting
// beacons. log may be nil.
func NewListener(log *zap.Logger) (*Listener, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: Port})
	if err != nil {
		return nil, fmt.Errorf("discovery: listen on port %d: %w", Port, err)
	}

	l := &Listener{
		log:      log,
		conn:     conn,
		done:     make(chan struct{}),
		sessions: make(map[string]timedBeacon),
	}
	l.wg.Add(1)
	go l.recvLoop()
	return l, nil
}

func (l *Listener) recvLoop() {
	defer l.wg.Done()
	buf := make([]byte, wireSize+64)
	for {
		l.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, addr, err := l.conn.ReadFromUDP(buf)
		select {
		case <-l.done:
			return
		default:
		}
		if err != nil {
			continue
		}
		if n != wireSize {
			continue
		}
		name, num, max, status, derr := decode(buf[:n])
		if derr != nil {
			continue
		}
		if max > 16 || num > max {
			continue
		}

		key := addr.IP.String()
		l.mu.Lock()
		l.sessions[key] = timedBeacon{
			beacon: Beacon{SessionName: name, NumPlayers: num, MaxPlayers: max, Status: status, Addr: addr.IP},
			seen:   time.Now(),
		}
		l.mu.Unlock()
	}
}

// Sessions returns the currently visible, non-stale sessions, evicting any
// that have gone quiet for longer than staleAfter.
func (l *Listener) Sessions() []Beacon {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	out := make([]Beacon, 0, len(l.sessions))
	for key, tb := range l.sessions {
		if now.Sub(tb.seen) > staleAfter {
			delete(l.sessions, key)
			continue
		}
		out = append(out, tb.beacon)
	}
	return out
}

// Stop halts collection and closes the socket.
func (l *Listener) Stop() {
	close(l.done)
	l.conn.Close()
	l.wg.Wait()
}
