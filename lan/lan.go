// Package lan implements the LAN multiplayer mode: a host/peer-array
// session built on transport.Transport, with its own control-plane state
// machine (ClientInit/PlayerInfo/PlayerList/PlayerConnect/PlayerDisconnect)
// and a background receive path that the emulation loop never blocks on.
package lan

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ds-emu/netcore/discovery"
	"github.com/ds-emu/netcore/player"
	"github.com/ds-emu/netcore/portmap"
	"github.com/ds-emu/netcore/transport"
	"github.com/ds-emu/netcore/wireerr"
)

// Channel numbers on the underlying transport.
const (
	ChanCmd uint8 = 0
	ChanMP  uint8 = 1
)

// Control-plane command bytes (channel ChanCmd).
const (
	cmdClientInit        uint8 = 1
	cmdPlayerInfo        uint8 = 2
	cmdPlayerList        uint8 = 3
	cmdPlayerConnect     uint8 = 4
	cmdPlayerDisconnect  uint8 = 5
)

// protocolVersion guards ClientInit against talking to an incompatible
// build. PlayerInfo carries no version field.
const protocolVersion uint32 = 1

// lanMagic tags the ClientInit handshake message ('LANP'). PlayerInfo
// carries no magic field.
const lanMagic uint32 = 0x504e414c

// mpMagic tags MP data-plane packets ('NIFI').
const mpMagic uint32 = 0x4946494e

// mpHeaderSize is sizeof the fixed MP packet header: magic, sender, type,
// length, timestamp.
const mpHeaderSize = 4 + 1 + 4 + 4 + 8

// MP packet types, matching the frame kinds a DS's wireless MP layer
// exchanges (misc/beacon, CMD, reply, ack).
const (
	MPMisc  uint32 = 0
	MPCmd   uint32 = 1
	MPReply uint32 = 2
	MPAck   uint32 = 3
)

// staleAfter bounds how long an MP packet may sit in the RX queue before
// popFresh discards it as too old to be useful to the wireless protocol
// emulation above it.
const staleAfter = 500 * time.Millisecond

// pollInterval paces the background receive loop.
const pollInterval = 500 * time.Microsecond

// ErrBadMagic and ErrVersion are single shared instances: callers that only
// care "was this a magic/version problem" compare against them directly;
// callers that want the offending values use errors.As.
var (
	ErrNotActive        = errors.New("lan: session not active")
	ErrCapacityExceeded  = errors.New("lan: session is full")
	ErrBadMagic         error = &wireerr.BadMagic{MessageName: "lan", Want: lanMagic}
	ErrVersion          error = &wireerr.VersionMismatch{MessageName: "lan", Want: protocolVersion}
	ErrTimedOut          = errors.New("lan: connect timed out")
)

type mpPacket struct {
	senderID  uint8
	typ       uint32
	data      []byte
	timestamp uint64
	arrived   time.Time
}

// Bridge is one LAN session: either hosting or having joined one.
type Bridge struct {
	log       *zap.Logger
	transport *transport.Transport
	players   *player.Table
	mapper    *portmap.Mapper
	discHost  *discovery.Host
	discList  *discovery.Listener

	mu           sync.Mutex
	isHost       bool
	active       bool
	gamePort     int
	myID         uint8
	connMask     atomic.Uint32
	lastHostPeer int
	peerToPlayer map[int]uint8 // host side: transport peer id -> assigned player id

	rxMu   sync.Mutex
	rx     []mpPacket
	notify chan struct{} // signaled (best-effort) whenever rx gains a packet

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New returns an idle Bridge. log may be nil.
func New(log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		log:          log,
		transport:    transport.New(log),
		players:      player.NewTable(),
		peerToPlayer: make(map[int]uint8),
		notify:       make(chan struct{}, 1),
	}
}

// Players exposes the underlying player table for snapshot queries.
func (b *Bridge) Players() *player.Table { return b.players }

// HostStart opens a session: binds the transport, registers the local
// player as host (id 0), starts the discovery beacon, and attempts
// best-effort UPnP forwarding.
func (b *Bridge) HostStart(playerName string, numPlayers int, port int) error {
	if numPlayers > player.MaxPlayers {
		return fmt.Errorf("lan: numPlayers %d exceeds %d", numPlayers, player.MaxPlayers)
	}

	if err := b.transport.StartHost(port, numPlayers); err != nil {
		return fmt.Errorf("lan: start host: %w", err)
	}

	id, err := b.players.Add(player.Player{Name: playerName, Status: player.Host, Address: player.Localhost}, true)
	if err != nil {
		b.transport.Stop()
		return err
	}
	b.players.SetLocal(id)

	b.mu.Lock()
	b.isHost = true
	b.active = true
	b.gamePort = port
	b.myID = id
	b.mu.Unlock()
	b.connMask.Store(0)

	discHost, err := discovery.NewHost(playerName+"'s game", 1, uint8(numPlayers), b.log)
	if err != nil {
		b.log.Warn("lan: discovery beacon unavailable", zap.Error(err))
	} else {
		b.discHost = discHost
	}

	if mapper, err := portmap.Discover(b.log); err != nil {
		b.log.Warn("lan: upnp discovery failed", zap.Error(err))
	} else if mapper != nil {
		b.mapper = mapper
		if err := mapper.AddPortMapping(context.Background(), port, "DS netplay"); err != nil {
			b.log.Warn("lan: upnp port mapping failed", zap.Error(err))
		}
	}

	b.startBackgroundLoop()
	return nil
}

// HostDiscoveryList returns the sessions currently visible on the LAN, for
// a client's server browser.
func (b *Bridge) HostDiscoveryList() []discovery.Beacon {
	if b.discList == nil {
		return nil
	}
	return b.discList.Sessions()
}

// StartBrowsing opens a passive discovery listener for a client UI to poll
// via HostDiscoveryList.
func (b *Bridge) StartBrowsing() error {
	l, err := discovery.NewListener(b.log)
	if err != nil {
		return fmt.Errorf("lan: start browsing: %w", err)
	}
	b.discList = l
	return nil
}

// ClientConnect joins a host at host:port, performing the ClientInit/
// PlayerInfo handshake before returning.
func (b *Bridge) ClientConnect(playerName, host string, port, timeoutMs int) error {
	if err := b.transport.StartClient(host, port, timeoutMs); err != nil {
		return fmt.Errorf("lan: connect: %w", err)
	}

	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	var assignedID uint8
	var maxPlayers uint8
	got := false

	for time.Now().Before(deadline) && !got {
		b.transport.Poll(func(ev transport.Event) {
			if got || ev.Kind != transport.EventData || ev.ChNo != ChanCmd {
				return
			}
			id, max, err := decodeClientInit(ev.Data)
			if err != nil {
				return
			}
			assignedID, maxPlayers, got = id, max, true
		}, 50)
	}

	if !got {
		b.transport.Stop()
		return ErrTimedOut
	}

	b.mu.Lock()
	b.isHost = false
	b.active = true
	b.gamePort = port
	b.myID = assignedID
	b.mu.Unlock()

	b.players.SetLocal(assignedID)
	b.players.Set(assignedID, player.Player{ID: assignedID, Name: playerName, Status: player.Connecting})

	_ = maxPlayers

	info := encodePlayerInfo(player.Player{ID: assignedID, Name: playerName, Status: player.Client})
	if err := b.transport.SendTo(0, info, ChanCmd, false); err != nil {
		b.transport.Stop()
		return fmt.Errorf("lan: send player info: %w", err)
	}

	b.startBackgroundLoop()
	return nil
}

// ---- control-plane wire encoding ----

func encodeClientInit(id, maxPlayers uint8) []byte {
	buf := make([]byte, 10)
	buf[0] = cmdClientInit
	binary.BigEndian.PutUint32(buf[1:5], lanMagic)
	binary.BigEndian.PutUint32(buf[5:9], protocolVersion)
	buf[9] = id
	return append(buf, maxPlayers)
}

func decodeClientInit(msg []byte) (id, maxPlayers uint8, err error) {
	if len(msg) != 11 || msg[0] != cmdClientInit {
		return 0, 0, &wireerr.Underflow{MessageName: "ClientInit", Got: len(msg), Want: 11}
	}
	if binary.BigEndian.Uint32(msg[1:5]) != lanMagic {
		return 0, 0, ErrBadMagic
	}
	if binary.BigEndian.Uint32(msg[5:9]) != protocolVersion {
		return 0, 0, ErrVersion
	}
	return msg[9], msg[10], nil
}

func encodePlayerInfo(p player.Player) []byte {
	pb, _ := p.MarshalBinary()
	out := make([]byte, 1+len(pb))
	out[0] = cmdPlayerInfo
	copy(out[1:], pb)
	return out
}

func decodePlayerInfo(msg []byte) (player.Player, error) {
	var p player.Player
	if len(msg) != 1+player.WireSize || msg[0] != cmdPlayerInfo {
		return p, &wireerr.Underflow{MessageName: "PlayerInfo", Got: len(msg), Want: 1 + player.WireSize}
	}
	if err := p.UnmarshalBinary(msg[1:]); err != nil {
		return p, err
	}
	return p, nil
}

func encodePlayerList(players [player.MaxPlayers]player.Player, numPlayers uint8) []byte {
	out := make([]byte, 2+player.MaxPlayers*player.WireSize)
	out[0] = cmdPlayerList
	out[1] = numPlayers
	for i, p := range players {
		pb, _ := p.MarshalBinary()
		copy(out[2+i*player.WireSize:], pb)
	}
	return out
}

func decodePlayerList(msg []byte) ([player.MaxPlayers]player.Player, uint8, error) {
	var out [player.MaxPlayers]player.Player
	want := 2 + player.MaxPlayers*player.WireSize
	if len(msg) != want || msg[0] != cmdPlayerList {
		return out, 0, &wireerr.Underflow{MessageName: "PlayerList", Got: len(msg), Want: want}
	}
	num := msg[1]
	for i := range out {
		start := 2 + i*player.WireSize
		if err := out[i].UnmarshalBinary(msg[start : start+player.WireSize]); err != nil {
			return out, 0, err
		}
	}
	return out, num, nil
}

// ---- MP data-plane wire encoding ----

func encodeMP(senderID uint8, typ uint32, data []byte, timestamp uint64) []byte {
	buf := make([]byte, mpHeaderSize+len(data))
	binary.BigEndian.PutUint32(buf[0:4], mpMagic)
	buf[4] = senderID
	binary.BigEndian.PutUint32(buf[5:9], typ)
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(data)))
	binary.BigEndian.PutUint64(buf[13:21], timestamp)
	copy(buf[mpHeaderSize:], data)
	return buf
}

func decodeMP(buf []byte) (senderID uint8, typ uint32, data []byte, timestamp uint64, err error) {
	if len(buf) < mpHeaderSize {
		return 0, 0, nil, 0, &wireerr.Underflow{MessageName: "MP", Got: len(buf), Want: mpHeaderSize}
	}
	if binary.BigEndian.Uint32(buf[0:4]) != mpMagic {
		return 0, 0, nil, 0, ErrBadMagic
	}
	senderID = buf[4]
	typ = binary.BigEndian.Uint32(buf[5:9])
	length := binary.BigEndian.Uint32(buf[9:13])
	timestamp = binary.BigEndian.Uint64(buf[13:21])
	if int(length) > len(buf)-mpHeaderSize {
		return 0, 0, nil, 0, &wireerr.FieldOverflow{MessageName: "MP", FieldName: "data", Declared: int(length), Available: len(buf) - mpHeaderSize}
	}
	data = buf[mpHeaderSize : mpHeaderSize+int(length)]
	return senderID, typ, data, timestamp, nil
}

// ---- background event loop ----

func (b *Bridge) startBackgroundLoop() {
	b.stopCh = make(chan struct{})
	b.wg.Add(1)
	go b.backgroundLoop()
}

func (b *Bridge) backgroundLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	frames := 0
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.transport.Poll(b.handleEvent, 0)

			frames++
			if frames >= 60 {
				frames = 0
				b.sampleRTT()
			}
		}
	}
}

func (b *Bridge) sampleRTT() {
	for _, p := range b.players.Snapshot() {
		if p.ID == b.players.LocalID() {
			continue
		}
		if rtt, ok := b.transport.PeerRTT(int(p.ID)); ok {
			b.players.Mutate(p.ID, func(pp *player.Player) { pp.PingMS = uint32(rtt.Milliseconds()) })
		}
	}
}

func (b *Bridge) handleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnect:
		if b.hostMode() {
			b.handleHostConnect(ev.PeerID)
		}
	case transport.EventDisconnect:
		b.handleDisconnect(ev.PeerID)
	case transport.EventData:
		if ev.ChNo == ChanMP {
			b.handleMP(ev.Data)
			return
		}
		if b.hostMode() {
			b.handleHostCmd(ev.PeerID, ev.Data)
		} else {
			b.handleClientCmd(ev.PeerID, ev.Data)
		}
	}
}

func (b *Bridge) hostMode() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isHost
}

func (b *Bridge) handleHostConnect(peerID int) {
	if b.players.Count() >= player.MaxPlayers {
		b.log.Warn("lan: rejecting connect", zap.Error(ErrCapacityExceeded))
		b.transport.Disconnect(peerID)
		return
	}

	id, err := b.players.Add(player.Player{Status: player.Connecting}, false)
	if err != nil {
		b.transport.Disconnect(peerID)
		return
	}

	b.mu.Lock()
	b.peerToPlayer[peerID] = id
	b.mu.Unlock()

	numPlayers := uint8(b.players.Count())
	init := encodeClientInit(id, numPlayers)
	if err := b.transport.SendTo(peerID, init, ChanCmd, false); err != nil {
		b.log.Warn("lan: send ClientInit failed", zap.Error(err))
	}
}

func (b *Bridge) handleHostCmd(peerID int, msg []byte) {
	if len(msg) == 0 {
		return
	}

	b.mu.Lock()
	playerID, known := b.peerToPlayer[peerID]
	b.mu.Unlock()
	if !known {
		return
	}

	switch msg[0] {
	case cmdPlayerInfo:
		p, err := decodePlayerInfo(msg)
		if err != nil || p.ID != playerID {
			b.transport.Disconnect(peerID)
			return
		}
		p.Status = player.Client
		b.players.Set(p.ID, p)
		b.broadcastPlayerList()

	case cmdPlayerConnect:
		b.setConnected(playerID, true)

	case cmdPlayerDisconnect:
		b.setConnected(playerID, false)
	}
}

func (b *Bridge) handleClientCmd(peerID int, msg []byte) {
	if len(msg) == 0 {
		return
	}
	switch msg[0] {
	case cmdPlayerList:
		players, num, err := decodePlayerList(msg)
		if err != nil {
			return
		}
		b.players.ReplaceAll(players)
		_ = num

	case cmdPlayerConnect:
		b.setConnected(uint8(peerID), true)

	case cmdPlayerDisconnect:
		b.setConnected(uint8(peerID), false)
	}
}

func (b *Bridge) handleDisconnect(peerID int) {
	id := uint8(peerID)
	if b.hostMode() {
		b.mu.Lock()
		playerID, known := b.peerToPlayer[peerID]
		delete(b.peerToPlayer, peerID)
		b.mu.Unlock()
		if !known {
			return
		}
		id = playerID
	}

	b.players.Mutate(id, func(p *player.Player) { p.Status = player.Disconnected })
	b.setConnected(id, false)
	if b.hostMode() {
		b.broadcastPlayerList()
	}
}

func (b *Bridge) broadcastPlayerList() {
	raw := b.players.Raw()
	msg := encodePlayerList(raw, uint8(b.players.Count()))
	b.transport.Broadcast(msg, ChanCmd, false)
}

func (b *Bridge) setConnected(id uint8, connected bool) {
	for {
		old := b.connMask.Load()
		var next uint32
		if connected {
			next = old | (1 << id)
		} else {
			next = old &^ (1 << id)
		}
		if b.connMask.CompareAndSwap(old, next) {
			return
		}
	}
}

func (b *Bridge) handleMP(raw []byte) {
	senderID, typ, data, timestamp, err := decodeMP(raw)
	if err != nil {
		return
	}
	b.mu.Lock()
	local := b.myID
	b.mu.Unlock()
	if senderID == local {
		return
	}

	b.rxMu.Lock()
	b.rx = append(b.rx, mpPacket{senderID: senderID, typ: typ, data: append([]byte(nil), data...), timestamp: timestamp, arrived: time.Now()})
	b.rxMu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// waitForRX blocks until either a packet arrives or timeout elapses,
// replacing a fixed-interval busy-sleep with a bounded wait woken by the
// receive path.
func (b *Bridge) waitForRX(timeout time.Duration) {
	select {
	case <-b.notify:
	case <-time.After(timeout):
	case <-b.stopCh:
	}
}

// ---- session lifecycle ----

// Begin signals to peers that this instance has entered its running state
// and is ready to exchange MP frames.
func (b *Bridge) Begin() {
	b.mu.Lock()
	local := b.myID
	b.mu.Unlock()
	b.setConnected(local, true)
	b.transport.Broadcast([]byte{cmdPlayerConnect}, ChanCmd, false)
}

// End signals the inverse of Begin, ahead of EndSession.
func (b *Bridge) End() {
	b.mu.Lock()
	local := b.myID
	b.mu.Unlock()
	b.setConnected(local, false)
	b.transport.Broadcast([]byte{cmdPlayerDisconnect}, ChanCmd, false)
}

// EndSession tears down the session: stops the background loop, removes
// any UPnP mapping, and closes the transport.
func (b *Bridge) EndSession() {
	b.mu.Lock()
	if !b.active {
		b.mu.Unlock()
		return
	}
	b.active = false
	port := b.gamePort
	isHost := b.isHost
	b.mu.Unlock()

	close(b.stopCh)
	b.wg.Wait()

	if isHost && b.discHost != nil {
		b.discHost.Stop()
	}
	if b.discList != nil {
		b.discList.Stop()
	}
	if b.mapper != nil {
		if err := b.mapper.RemovePortMapping(context.Background(), port); err != nil {
			b.log.Warn("lan: upnp removal failed", zap.Error(err))
		}
	}
	b.transport.Stop()
}

// ---- MP packet I/O ----

func (b *Bridge) sendGeneric(typ uint32, data []byte, timestamp uint64) error {
	b.mu.Lock()
	active := b.active
	local := b.myID
	lastHost := b.lastHostPeer
	b.mu.Unlock()
	if !active {
		return ErrNotActive
	}

	msg := encodeMP(local, typ, data, timestamp)
	if (typ&0xffff) == MPReply && lastHost != 0 {
		return b.transport.SendTo(lastHost, msg, ChanMP, false)
	}
	b.transport.Broadcast(msg, ChanMP, false)
	return nil
}

// SendPacket sends a misc/beacon-type MP frame to every connected peer.
func (b *Bridge) SendPacket(data []byte, timestamp uint64) error {
	return b.sendGeneric(MPMisc, data, timestamp)
}

// SendCmd sends a CMD-type MP frame (host polling its clients).
func (b *Bridge) SendCmd(data []byte, timestamp uint64) error {
	return b.sendGeneric(MPCmd, data, timestamp)
}

// SendReply sends a reply-type MP frame back to whichever peer last sent
// this instance a CMD frame, tagged with the association id aid.
func (b *Bridge) SendReply(data []byte, timestamp uint64, aid uint16) error {
	return b.sendGeneric(MPReply|(uint32(aid)<<16), data, timestamp)
}

// SendAck sends an ack-type MP frame.
func (b *Bridge) SendAck(data []byte, timestamp uint64) error {
	return b.sendGeneric(MPAck, data, timestamp)
}

func (b *Bridge) popFresh(wantType uint32, blockAny bool) (mpPacket, bool) {
	b.rxMu.Lock()
	defer b.rxMu.Unlock()

	now := time.Now()
	for len(b.rx) > 0 {
		pkt := b.rx[0]
		if now.Sub(pkt.arrived) > staleAfter {
			b.rx = b.rx[1:]
			continue
		}
		if blockAny {
			b.rx = b.rx[1:]
			return pkt, true
		}
		if pkt.typ == wantType {
			b.rx = b.rx[1:]
			return pkt, true
		}
		// type mismatch on a non-blocking check: drop and keep looking,
		// mirroring ProcessLAN's type==1 branch.
		b.rx = b.rx[1:]
	}
	return mpPacket{}, false
}

// RecvPacket returns the next misc-type MP frame without blocking, or ok
// false if none is queued.
func (b *Bridge) RecvPacket() (data []byte, timestamp uint64, ok bool) {
	pkt, found := b.popFresh(MPMisc, false)
	if !found {
		return nil, 0, false
	}
	if pkt.typ == MPCmd {
		b.mu.Lock()
		b.lastHostPeer = int(pkt.senderID)
		b.mu.Unlock()
	}
	return pkt.data, pkt.timestamp, true
}

// RecvHostPacket returns the next queued MP frame of any type, waiting up
// to 25 ms for one to arrive, as the client-side wait for a host CMD frame
// does.
func (b *Bridge) RecvHostPacket() (data []byte, timestamp uint64, ok bool) {
	const hostRecvTimeout = 25 * time.Millisecond
	deadline := time.Now().Add(hostRecvTimeout)
	for {
		pkt, found := b.popFresh(0, true)
		if found {
			return pkt.data, pkt.timestamp, true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, 0, false
		}
		b.waitForRX(remaining)
	}
}

// RecvReplies waits up to timeout for reply frames from every connected
// peer (or until aidMask's requested associations have all replied),
// copying each into a 1024-byte slot of packets indexed by (aid-1).
func (b *Bridge) RecvReplies(packets []byte, timestamp uint64, aidMask uint16, timeout time.Duration) uint16 {
	b.mu.Lock()
	local := b.myID
	b.mu.Unlock()

	myMask := uint16(1) << local
	connMask := uint16(b.connMask.Load())
	if (myMask & connMask) == connMask {
		return 0
	}

	var ret uint16
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		b.rxMu.Lock()
		remaining := b.rx[:0:0]
		for _, pkt := range b.rx {
			if (pkt.typ&0xffff) != MPReply || pkt.timestamp < saturatingSub(timestamp, 0x100000) {
				remaining = append(remaining, pkt)
				continue
			}
			aid := pkt.typ >> 16
			if len(pkt.data) > 0 && int(aid) >= 1 {
				off := (int(aid) - 1) * 1024
				n := len(pkt.data)
				if n > 1024 {
					n = 1024
				}
				if off+n <= len(packets) {
					copy(packets[off:off+n], pkt.data[:n])
				}
				ret |= 1 << aid
			}
			myMask |= 1 << pkt.senderID
		}
		b.rx = remaining
		b.rxMu.Unlock()

		connMask = uint16(b.connMask.Load())
		if (myMask&connMask) == connMask || (ret&aidMask) == aidMask {
			return ret
		}
		b.waitForRX(time.Until(deadline))
	}
	return ret
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
