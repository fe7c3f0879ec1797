// Package transport wraps github.com/anon55555/mt/rudp, a reliable,
// multi-channel, UDP-based connection protocol, into the host/peer-array
// model the multiplayer core needs: a set of concurrent remote peers, each
// independently reliable or unreliable per channel, with connect/disconnect
// events and round-trip-time tracking delivered through a single Poll loop
// instead of one blocking Recv per goroutine.
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/anon55555/mt/rudp"
	"go.uber.org/zap"
)

// EventKind identifies what happened to a peer.
type EventKind int

const (
	EventConnect EventKind = iota
	EventDisconnect
	EventData
)

// Event is delivered to a Poll callback.
type Event struct {
	Kind   EventKind
	PeerID int
	Data   []byte
	ChNo   uint8
}

// ErrNotRunning is returned by operations attempted before StartHost or
// StartClient, or after Stop.
var ErrNotRunning = errors.New("transport: not running")

// ErrNoSuchPeer is returned by SendTo when PeerID has no corresponding
// connection.
var ErrNoSuchPeer = errors.New("transport: no such peer")

// ErrBindFailed wraps a failure to open the listening/dialing UDP socket.
var ErrBindFailed = errors.New("transport: bind failed")

// ErrAlreadyRunning is returned by StartHost/StartClient when the
// Transport already has a session in progress.
var ErrAlreadyRunning = errors.New("transport: already running")

// ErrFull names the host-full condition. The accept loop itself does not
// return it or emit an event: a connection past maxClients is disconnected
// and logged.
var ErrFull = errors.New("transport: host is full")

type peerConn struct {
	id       int
	peer     *rudp.Peer
	lastPing time.Time
	rtt      time.Duration
	mu       sync.Mutex
}

// Transport multiplexes a set of rudp connections behind one event queue.
// The zero value is not usable; use New.
type Transport struct {
	log *zap.Logger

	mu         sync.Mutex
	listener   *rudp.Listener
	listenConn net.PacketConn
	peers      map[int]*peerConn
	nextPeerID int
	maxClients int
	running    bool
	events     chan Event
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// New returns an idle Transport. log may be nil, in which case a no-op
// logger is used.
func New(log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{
		log:    log,
		peers:  make(map[int]*peerConn),
		events: make(chan Event, 256),
	}
}

// StartHost opens a UDP socket on port and begins accepting up to
// maxClients connections. Each accepted peer is assigned an incrementing
// PeerID starting at 1 (id 0 is reserved for the host's own player slot at
// higher layers, mirroring player.MaxPlayers' convention).
func (t *Transport) StartHost(port, maxClients int) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return fmt.Errorf("%w: listen on port %d: %v", ErrBindFailed, port, err)
	}

	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		conn.Close()
		return ErrAlreadyRunning
	}
	t.listener = rudp.Listen(conn)
	t.listenConn = conn
	t.maxClients = maxClients
	t.nextPeerID = 1
	t.running = true
	t.stopCh = make(chan struct{})
	t.mu.Unlock()

	t.wg.Add(1)
	go t.acceptLoop()
	t.log.Info("transport: host started", zap.Int("port", port), zap.Int("max_clients", maxClients))
	return nil
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		peer, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
				t.log.Warn("transport: accept failed", zap.Error(err))
				continue
			}
		}

		t.mu.Lock()
		if t.maxClients > 0 && len(t.peers) >= t.maxClients {
			t.mu.Unlock()
			peer.SendDisco(0, true)
			peer.Close()
			t.log.Warn("transport: rejected connection, host full", zap.Stringer("addr", peer.Addr()))
			continue
		}
		id := t.nextPeerID
		t.nextPeerID++
		pc := &peerConn{id: id, peer: peer}
		t.peers[id] = pc
		t.mu.Unlock()

		t.log.Info("transport: peer connected", zap.Int("peer", id), zap.Stringer("addr", peer.Addr()))
		t.emit(Event{Kind: EventConnect, PeerID: id})

		t.wg.Add(1)
		go t.recvLoop(pc)
	}
}

// StartClient dials host:port and blocks until the connection either
// completes or timeoutMs elapses. On success the peer is assigned id 0,
// matching the host's own reserved slot at the player-table layer.
func (t *Transport) StartClient(host string, port int, timeoutMs int) error {
	raddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("transport: resolve %s:%d: %w", host, port, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("%w: dial %s:%d: %v", ErrBindFailed, host, port, err)
	}

	peer := rudp.Connect(conn, raddr)
	ackCh, err := peer.Send(rudp.Pkt{Data: []byte{0}})
	if err != nil {
		conn.Close()
		return fmt.Errorf("transport: handshake send: %w", err)
	}

	select {
	case <-ackCh:
	case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
		peer.SendDisco(0, true)
		peer.Close()
		return fmt.Errorf("transport: handshake with %s:%d timed out", host, port)
	}

	t.mu.Lock()
	pc := &peerConn{id: 0, peer: peer}
	t.peers[0] = pc
	t.running = true
	t.stopCh = make(chan struct{})
	t.mu.Unlock()

	t.log.Info("transport: connected to host", zap.String("addr", raddr.String()))
	t.wg.Add(1)
	go t.recvLoop(pc)
	return nil
}

func (t *Transport) recvLoop(pc *peerConn) {
	defer t.wg.Done()
	for {
		pkt, err := pc.peer.Recv()
		if err != nil {
			if pc.peer.TimedOut() {
				t.log.Warn("transport: peer timed out", zap.Int("peer", pc.id))
			}
			t.mu.Lock()
			delete(t.peers, pc.id)
			t.mu.Unlock()
			t.emit(Event{Kind: EventDisconnect, PeerID: pc.id})
			return
		}
		t.emit(Event{Kind: EventData, PeerID: pc.id, Data: pkt.Data, ChNo: pkt.ChNo})
	}
}

func (t *Transport) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.stopCh:
	}
}

// Poll drains up to timeoutMs worth of queued events, invoking cb for each,
// and returns the number delivered. timeoutMs of 0 drains only what is
// already queued without blocking.
func (t *Transport) Poll(cb func(Event), timeoutMs int) int {
	n := 0
	if timeoutMs == 0 {
		for {
			select {
			case ev := <-t.events:
				cb(ev)
				n++
			default:
				return n
			}
		}
	}
	deadline := time.After(time.Duration(timeoutMs) * time.Millisecond)
	for {
		select {
		case ev := <-t.events:
			cb(ev)
			n++
		case <-deadline:
			return n
		default:
			if timeoutMs == 0 {
				return n
			}
			select {
			case ev := <-t.events:
				cb(ev)
				n++
			case <-deadline:
				return n
			}
		}
	}
}

// SendTo delivers data to one peer on the given channel, reliably unless
// unreliable is set.
func (t *Transport) SendTo(peerID int, data []byte, chNo uint8, unreliable bool) error {
	t.mu.Lock()
	pc, ok := t.peers[peerID]
	t.mu.Unlock()
	if !ok {
		return ErrNoSuchPeer
	}

	ackCh, err := pc.peer.Send(rudp.Pkt{Data: data, ChNo: chNo, Unrel: unreliable})
	if err != nil {
		return fmt.Errorf("transport: send to peer %d: %w", peerID, err)
	}
	if !unreliable {
		go t.trackRTT(pc, ackCh, time.Now())
	}
	return nil
}

func (t *Transport) trackRTT(pc *peerConn, ackCh <-chan struct{}, sent time.Time) {
	select {
	case <-ackCh:
		pc.mu.Lock()
		pc.rtt = time.Since(sent)
		pc.lastPing = time.Now()
		pc.mu.Unlock()
	case <-t.stopCh:
	}
}

// Broadcast delivers data to every connected peer on the given channel.
func (t *Transport) Broadcast(data []byte, chNo uint8, unreliable bool) {
	t.mu.Lock()
	ids := make([]int, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		if err := t.SendTo(id, data, chNo, unreliable); err != nil {
			t.log.Warn("transport: broadcast send failed", zap.Int("peer", id), zap.Error(err))
		}
	}
}

// PeerRTT returns the last measured round-trip time to a peer, or false if
// none has been measured yet.
func (t *Transport) PeerRTT(peerID int) (time.Duration, bool) {
	t.mu.Lock()
	pc, ok := t.peers[peerID]
	t.mu.Unlock()
	if !ok {
		return 0, false
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.rtt, !pc.lastPing.IsZero()
}

// Disconnect closes one peer's connection.
func (t *Transport) Disconnect(peerID int) {
	t.mu.Lock()
	pc, ok := t.peers[peerID]
	delete(t.peers, peerID)
	t.mu.Unlock()
	if !ok {
		return
	}
	pc.peer.SendDisco(0, true)
	pc.peer.Close()
}

// PeerIDs returns the currently connected peer ids.
func (t *Transport) PeerIDs() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]int, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	return ids
}

// Stop tears down the listener (if any) and every peer connection.
func (t *Transport) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.stopCh)
	peers := make([]*peerConn, 0, len(t.peers))
	for _, pc := range t.peers {
		peers = append(peers, pc)
	}
	t.peers = make(map[int]*peerConn)
	listenConn := t.listenConn
	t.listener = nil
	t.listenConn = nil
	t.mu.Unlock()

	for _, pc := range peers {
		pc.peer.SendDisco(0, true)
		pc.peer.Close()
	}
	if listenConn != nil {
		listenConn.Close()
	}
	t.wg.Wait()
	t.log.Info("transport: stopped")
}
