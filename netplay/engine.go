// Package netplay implements the N-instance lockstep engine: fixed input
// delay, a per-frame barrier across one goroutine per emulated instance,
// periodic desync detection, and join-time state transfer over the blob
// package.
package netplay

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/ds-emu/netcore/blob"
	"github.com/ds-emu/netcore/emu"
	"github.com/ds-emu/netcore/transport"
	"github.com/ds-emu/netcore/wireerr"
)

// inputBufSize is the size of each player's input ring buffer.
const inputBufSize = 256

// desyncCheckInterval is how many frames pass between state hash
// broadcasts.
const desyncCheckInterval = 60

// DesyncFunc is called when this instance's state hash at a frame disagrees
// with a remote peer's hash for the same frame.
type DesyncFunc func(frame uint32, localHash, remoteHash uint64)

// DisconnectFunc is called when a participant drops.
type DisconnectFunc func(playerID int, reason DisconnectReason)

// Engine runs a lockstep Netplay session across 2-4 emu.Instance values.
type Engine struct {
	log       *zap.Logger
	transport *transport.Transport

	mu            sync.Mutex
	instances     []emu.Instance
	localPlayerID int
	numPlayers    int
	inputDelay    int
	hostMode      bool
	currentFrame  uint32
	peerToPlayer  map[int]int // host side: transport peer id -> player id

	active atomic.Bool

	inputMu    sync.Mutex
	inputBuf   [MaxPlayers][inputBufSize]InputFrame
	inputReady [MaxPlayers][inputBufSize]bool

	barrier           *Barrier
	instanceScanlines []uint32
	threadsRunning    bool
	threadWG          sync.WaitGroup

	lastStateHash uint64
	lastHashFrame uint32

	blobMu        sync.Mutex
	blobRecv      blob.Receiver
	receivedBlobs map[blob.Type][]byte

	onDesync     DesyncFunc
	onDisconnect DisconnectFunc
}

// New returns an idle Engine. log may be nil.
func New(log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		log:          log,
		transport:    transport.New(log),
		peerToPlayer: make(map[int]int),
		inputDelay:   4,
	}
}

// SetDesyncCallback registers the function invoked on a detected desync.
func (e *Engine) SetDesyncCallback(cb DesyncFunc) { e.onDesync = cb }

// SetDisconnectCallback registers the function invoked when a peer drops.
func (e *Engine) SetDisconnectCallback(cb DisconnectFunc) { e.onDisconnect = cb }

// Init sets up a session over the given instances. localPlayerID identifies
// which instance this process displays and takes local input for; 0 is
// always the host's own instance.
func (e *Engine) Init(instances []emu.Instance, localPlayerID, inputDelay int) error {
	numPlayers := len(instances)
	if numPlayers < 2 || numPlayers > MaxPlayers {
		return fmt.Errorf("netplay: invalid player count %d", numPlayers)
	}
	if localPlayerID < 0 || localPlayerID >= numPlayers {
		return fmt.Errorf("netplay: invalid local player id %d", localPlayerID)
	}

	e.mu.Lock()
	e.instances = instances
	e.localPlayerID = localPlayerID
	e.numPlayers = numPlayers
	e.inputDelay = inputDelay
	e.currentFrame = 0
	e.hostMode = localPlayerID == 0
	e.peerToPlayer = make(map[int]int)
	e.mu.Unlock()

	e.inputMu.Lock()
	e.inputBuf = [MaxPlayers][inputBufSize]InputFrame{}
	e.inputReady = [MaxPlayers][inputBufSize]bool{}
	for p := 0; p < numPlayers; p++ {
		for f := 0; f < inputDelay; f++ {
			e.inputBuf[p][f%inputBufSize] = InputFrame{FrameNum: uint32(f), KeyMask: emu.AllReleased}
			e.inputReady[p][f%inputBufSize] = true
		}
	}
	e.inputMu.Unlock()

	e.muteNonLocalInstances()

	e.active.Store(true)
	e.log.Info("netplay: session initialized",
		zap.Int("local_player", localPlayerID), zap.Int("num_players", numPlayers), zap.Int("delay", inputDelay))
	return nil
}

// DeInit tears the session down: stops instance threads, the transport, and
// clears every instance reference.
func (e *Engine) DeInit() {
	e.stopThreads()
	e.active.Store(false)
	e.transport.Stop()

	e.mu.Lock()
	e.instances = nil
	e.numPlayers = 0
	e.mu.Unlock()

	e.log.Info("netplay: session deinitialized")
}

// Active reports whether Init has run without a matching DeInit.
func (e *Engine) Active() bool { return e.active.Load() }

// IsHost reports whether the local player is player 0.
func (e *Engine) IsHost() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hostMode
}

func (e *Engine) muteNonLocalInstances() {
	for i, inst := range e.instances {
		inst.SetMuted(i != e.localPlayerID)
	}
}

// ---- input handling ----

// SetLocalInput buffers this process's own input for application at
// currentFrame+inputDelay, matching the delayed-input lockstep scheme.
func (e *Engine) SetLocalInput(input InputFrame) {
	e.mu.Lock()
	frame := e.currentFrame + uint32(e.inputDelay)
	local := e.localPlayerID
	e.mu.Unlock()

	input.FrameNum = frame
	e.inputMu.Lock()
	idx := input.FrameNum % inputBufSize
	e.inputBuf[local][idx] = input
	e.inputReady[local][idx] = true
	e.inputMu.Unlock()
}

// SetRemoteInput records input received from another player.
func (e *Engine) SetRemoteInput(playerID int, input InputFrame) {
	e.mu.Lock()
	numPlayers := e.numPlayers
	e.mu.Unlock()
	if playerID < 0 || playerID >= numPlayers {
		return
	}

	e.inputMu.Lock()
	idx := input.FrameNum % inputBufSize
	e.inputBuf[playerID][idx] = input
	e.inputReady[playerID][idx] = true
	e.inputMu.Unlock()
}

// ReadyForFrame reports whether every player's input for frame is buffered.
func (e *Engine) ReadyForFrame(frame uint32) bool {
	e.mu.Lock()
	numPlayers := e.numPlayers
	e.mu.Unlock()

	e.inputMu.Lock()
	defer e.inputMu.Unlock()
	idx := frame % inputBufSize
	for i := 0; i < numPlayers; i++ {
		if !e.inputReady[i][idx] {
			return false
		}
	}
	return true
}

func (e *Engine) applyInputs(frame uint32) {
	e.mu.Lock()
	numPlayers := e.numPlayers
	instances := e.instances
	e.mu.Unlock()

	e.inputMu.Lock()
	idx := frame % inputBufSize
	inputs := make([]InputFrame, numPlayers)
	for i := 0; i < numPlayers; i++ {
		inputs[i] = e.inputBuf[i][idx]
		e.inputReady[i][idx] = false
	}
	e.inputMu.Unlock()

	for i, input := range inputs {
		instances[i].SetKeyMask(input.KeyMask)
		if input.Touching {
			instances[i].TouchScreen(input.TouchX, input.TouchY)
		} else {
			instances[i].ReleaseScreen()
		}
		instances[i].SetLidClosed(input.LidClosed)
	}
}

// ---- frame execution ----

func (e *Engine) running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.threadsRunning
}

func (e *Engine) instanceLoop(idx int) {
	defer e.threadWG.Done()
	for {
		e.barrier.Wait()
		if !e.running() {
			return
		}
		e.instanceScanlines[idx] = e.instances[idx].RunFrame()
		e.barrier.Wait()
	}
}

func (e *Engine) startThreads() {
	e.mu.Lock()
	if e.threadsRunning {
		e.mu.Unlock()
		return
	}
	e.threadsRunning = true
	numPlayers := e.numPlayers
	e.mu.Unlock()

	e.barrier = NewBarrier(numPlayers + 1)
	e.instanceScanlines = make([]uint32, numPlayers)
	for i := 0; i < numPlayers; i++ {
		e.threadWG.Add(1)
		go e.instanceLoop(i)
	}
	e.log.Info("netplay: started instance threads", zap.Int("count", numPlayers))
}

func (e *Engine) stopThreads() {
	e.mu.Lock()
	if !e.threadsRunning {
		e.mu.Unlock()
		return
	}
	e.threadsRunning = false
	e.mu.Unlock()

	// Arrive once as the controller: the round completes when every worker
	// has also reached its next Wait, after which each sees !running() and
	// returns.
	e.barrier.Wait()
	e.threadWG.Wait()
	e.log.Info("netplay: stopped instance threads")
}

// RunFrame applies buffered inputs, steps every instance in lockstep, runs
// the periodic desync check, and returns the displayed instance's scanline
// count.
func (e *Engine) RunFrame() uint32 {
	e.mu.Lock()
	numPlayers := e.numPlayers
	frame := e.currentFrame
	local := e.localPlayerID
	e.mu.Unlock()

	if !e.Active() || numPlayers == 0 {
		return 0
	}

	e.applyInputs(frame)

	if !e.running() {
		e.startThreads()
	}

	e.barrier.Wait() // release instance threads to run this frame
	e.barrier.Wait() // wait for all of them to finish

	if frame > 0 && frame%desyncCheckInterval == 0 {
		hash := e.ComputeStateHash()
		if len(e.transport.PeerIDs()) > 0 {
			e.transport.Broadcast(encodeDesyncAlert(frame, hash), ChanControl, false)
		}
		e.mu.Lock()
		e.lastStateHash = hash
		e.lastHashFrame = frame
		e.mu.Unlock()
	}

	e.mu.Lock()
	e.currentFrame++
	e.mu.Unlock()

	return e.instanceScanlines[local]
}

// ComputeStateHash hashes every instance's main RAM and CPU register file
// with xxhash64, the basis of desync detection.
func (e *Engine) ComputeStateHash() uint64 {
	e.mu.Lock()
	instances := e.instances
	e.mu.Unlock()

	h := xxhash.New()
	var regBuf [4]byte
	for _, inst := range instances {
		h.Write(inst.MainRAM())
		for _, r := range inst.ARM9Registers() {
			binary.LittleEndian.PutUint32(regBuf[:], r)
			h.Write(regBuf[:])
		}
		for _, r := range inst.ARM7Registers() {
			binary.LittleEndian.PutUint32(regBuf[:], r)
			h.Write(regBuf[:])
		}
	}
	return h.Sum64()
}

// ---- network: setup ----

// HostStart opens the session for clients to connect to.
func (e *Engine) HostStart(port int) error {
	if err := e.transport.StartHost(port, MaxPlayers-1); err != nil {
		return fmt.Errorf("netplay: host start: %w", err)
	}
	e.mu.Lock()
	e.hostMode = true
	e.mu.Unlock()
	return nil
}

// ClientConnect joins a host at host:port.
func (e *Engine) ClientConnect(host string, port, timeoutMs int) error {
	if err := e.transport.StartClient(host, port, timeoutMs); err != nil {
		return fmt.Errorf("netplay: connect: %w", err)
	}
	e.mu.Lock()
	e.hostMode = false
	e.mu.Unlock()
	return nil
}

// ProcessNetwork drains queued transport events. Call once per frame.
func (e *Engine) ProcessNetwork() {
	e.transport.Poll(e.handleEvent, 0)
}

// SendLocalInput broadcasts this process's input to every connected peer.
// Like the source, this goes out on the reliable path despite ChanInput
// being nominally "unreliable" - an unsequenced send would let a dropped
// frame silently desync the input stream.
func (e *Engine) SendLocalInput(input InputFrame) {
	e.mu.Lock()
	local := e.localPlayerID
	e.mu.Unlock()
	if len(e.transport.PeerIDs()) == 0 {
		return
	}
	e.transport.Broadcast(encodeMsgInputFrame(uint8(local), input), ChanInput, false)
}

func (e *Engine) handleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnect:
		if e.IsHost() {
			e.assignPeer(ev.PeerID)
		}
	case transport.EventDisconnect:
		e.handlePeerDisconnect(ev.PeerID)
	case transport.EventData:
		if len(ev.Data) == 0 {
			return
		}
		switch ev.ChNo {
		case ChanControl:
			e.handleControlMessage(ev.PeerID, ev.Data)
		case ChanInput:
			e.handleInputMessage(ev.PeerID, ev.Data)
		}
	}
}

func (e *Engine) assignPeer(peerID int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	used := make(map[int]bool, len(e.peerToPlayer))
	for _, pid := range e.peerToPlayer {
		used[pid] = true
	}
	for pid := 1; pid < e.numPlayers; pid++ {
		if !used[pid] {
			e.peerToPlayer[peerID] = pid
			e.log.Info("netplay: peer connected", zap.Int("peer", peerID), zap.Int("player", pid))
			return
		}
	}
	e.transport.Disconnect(peerID)
}

func (e *Engine) handlePeerDisconnect(peerID int) {
	playerID := peerID
	if e.IsHost() {
		e.mu.Lock()
		pid, known := e.peerToPlayer[peerID]
		delete(e.peerToPlayer, peerID)
		e.mu.Unlock()
		if !known {
			return
		}
		playerID = pid
	}
	if e.onDisconnect != nil {
		e.onDisconnect(playerID, DisconnectNormal)
	}
}

func (e *Engine) handleControlMessage(peerID int, data []byte) {
	switch data[0] {
	case msgSessionOffer:
		_, numPlayers, delay, err := decodeSessionOffer(data)
		if err != nil {
			return
		}
		e.log.Info("netplay: received session offer", zap.Uint8("num_players", numPlayers), zap.Uint8("delay", delay))
		if err := e.transport.SendTo(peerID, encodeSessionAccept(0), ChanControl, false); err != nil {
			e.log.Warn("netplay: send session accept failed", zap.Error(err))
		}

	case msgSessionAccept:
		playerID, err := decodeSessionAccept(data)
		if err != nil {
			return
		}
		e.log.Info("netplay: session accepted", zap.Uint8("player_id", playerID))

	case blob.MsgBlobStart, blob.MsgBlobChunk, blob.MsgBlobEnd:
		e.handleBlobMessage(data)

	case msgSyncReady:
		e.log.Info("netplay: peer is sync ready", zap.Int("peer", peerID))

	case msgStartGame:
		frame, delay, err := decodeStartGame(data)
		if err != nil {
			return
		}
		e.mu.Lock()
		e.currentFrame = frame
		e.inputDelay = int(delay)
		e.mu.Unlock()
		e.log.Info("netplay: starting game", zap.Uint32("frame", frame), zap.Uint8("delay", delay))

	case msgDesyncAlert:
		frame, hash, err := decodeDesyncAlert(data)
		if err != nil {
			return
		}
		e.mu.Lock()
		localHash, localFrame := e.lastStateHash, e.lastHashFrame
		e.mu.Unlock()
		if frame == localFrame && hash != localHash {
			e.log.Error("netplay: desync detected",
				zap.Uint32("frame", frame), zap.Uint64("local_hash", localHash), zap.Uint64("remote_hash", hash))
			if e.onDesync != nil {
				e.onDesync(frame, localHash, hash)
			}
		}

	case msgDisconnect:
		reason, err := decodeDisconnect(data)
		if err != nil {
			return
		}
		playerID := peerID
		if e.IsHost() {
			e.mu.Lock()
			pid, known := e.peerToPlayer[peerID]
			e.mu.Unlock()
			if !known {
				return
			}
			playerID = pid
		}
		if e.onDisconnect != nil {
			e.onDisconnect(playerID, reason)
		}

	default:
		err := &wireerr.UnknownEnum{EnumName: "netplay control message type", Value: data[0]}
		e.log.Warn("netplay: unknown control message", zap.Error(err))
	}
}

// handleInputMessage applies one or more input frames to the right player
// slot and, on the host, relays them to every other client. The source only
// ever applies a received input locally; with 3+ participants that leaves
// every client seeing its own input and the host's but never another
// client's. Carrying the owning player id on the wire (see
// encodeMsgInputFrame/encodeMsgInputBatch) and re-broadcasting it here
// closes that gap.
func (e *Engine) handleInputMessage(peerID int, data []byte) {
	switch data[0] {
	case msgInputFrame:
		claimedID, input, err := decodeMsgInputFrame(data)
		if err != nil {
			return
		}
		e.relayRemoteInput(peerID, claimedID, []InputFrame{input})

	case msgInputBatch:
		claimedID, frames, err := decodeMsgInputBatch(data)
		if err != nil {
			return
		}
		e.relayRemoteInput(peerID, claimedID, frames)
	}
}

// relayRemoteInput records frames received from peerID against their real
// owning player id and, on the host, forwards them on to every other
// client.
func (e *Engine) relayRemoteInput(peerID int, claimedID uint8, frames []InputFrame) {
	isHost := e.IsHost()
	playerID := int(claimedID)
	if isHost {
		e.mu.Lock()
		pid, known := e.peerToPlayer[peerID]
		e.mu.Unlock()
		if !known {
			return
		}
		playerID = pid // never trust a peer's self-reported id over our own mapping
	}

	for _, input := range frames {
		e.SetRemoteInput(playerID, input)
	}

	if !isHost {
		return
	}
	var relay []byte
	if len(frames) == 1 {
		relay = encodeMsgInputFrame(uint8(playerID), frames[0])
	} else {
		relay = encodeMsgInputBatch(uint8(playerID), frames)
	}
	for _, otherPeer := range e.transport.PeerIDs() {
		if otherPeer == peerID {
			continue
		}
		if err := e.transport.SendTo(otherPeer, relay, ChanInput, false); err != nil {
			e.log.Warn("netplay: relay input failed", zap.Int("to_peer", otherPeer), zap.Error(err))
		}
	}
}

// ---- network: state transfer ----

func (e *Engine) handleBlobMessage(data []byte) {
	e.blobMu.Lock()
	typ, payload, done, err := e.blobRecv.OnMessage(data)
	if err != nil {
		e.blobMu.Unlock()
		e.log.Warn("netplay: blob transfer error", zap.Error(err))
		return
	}
	if !done {
		e.blobMu.Unlock()
		return
	}
	if e.receivedBlobs == nil {
		e.receivedBlobs = make(map[blob.Type][]byte)
	}
	e.receivedBlobs[typ] = payload
	e.blobMu.Unlock()

	e.log.Info("netplay: blob received", zap.Uint8("type", uint8(typ)), zap.Int("bytes", len(payload)))
}

// HostSendStates sends every instance's savestate to one client, ahead of
// that client joining the running session.
func (e *Engine) HostSendStates(peerID int) error {
	e.mu.Lock()
	instances := e.instances
	e.mu.Unlock()

	for i, inst := range instances {
		data, err := inst.SaveState()
		if err != nil {
			return fmt.Errorf("netplay: savestate for instance %d: %w", i, err)
		}
		if err := blob.Send(e.transport, peerID, ChanControl, blob.Savestate0+blob.Type(i), data); err != nil {
			return fmt.Errorf("netplay: send state %d: %w", i, err)
		}
	}
	return nil
}

// ClientReceiveStates applies every instance's savestate once all of them
// have arrived. Call this in a polling loop after ClientConnect; it returns
// false (and applies nothing) until every blob has been received.
func (e *Engine) ClientReceiveStates() bool {
	e.mu.Lock()
	numPlayers := e.numPlayers
	instances := e.instances
	e.mu.Unlock()

	e.blobMu.Lock()
	defer e.blobMu.Unlock()

	for i := 0; i < numPlayers; i++ {
		if _, ok := e.receivedBlobs[blob.Savestate0+blob.Type(i)]; !ok {
			return false
		}
	}

	for i := 0; i < numPlayers; i++ {
		typ := blob.Savestate0 + blob.Type(i)
		if err := instances[i].LoadState(e.receivedBlobs[typ]); err != nil {
			e.log.Error("netplay: failed to load state", zap.Int("instance", i), zap.Error(err))
			return false
		}
		delete(e.receivedBlobs, typ)
	}

	e.log.Info("netplay: all states loaded successfully")
	return true
}
