// Package player implements the authoritative participant table shared by
// LAN mode and Netplay mode: a fixed 16-slot list of Players, their status,
// address and liveness, guarded by its own mutex so the rest of the core can
// take value-copy snapshots without holding a lock across a network call.
package player

import (
	"encoding/binary"
	"errors"
	"sync"
)

// Status is a player slot's lifecycle state.
type Status uint8

const (
	None Status = iota
	Client
	Host
	Connecting
	Disconnected
)

// MaxPlayers is the table's fixed capacity. Id 0 is reserved for the host.
const MaxPlayers = 16

// NameSize is the maximum length of a player's display name, in bytes, not
// counting any terminator.
const NameSize = 31

// Localhost is the IPv4 address (host byte order) substituted for the local
// player's own entry in a snapshot, so the UI never has to special-case it.
const Localhost uint32 = 0x7F000001

// ErrCapacity is returned by Add when the table has no free slot.
var ErrCapacity = errors.New("player: table is at capacity")

// ErrIDInUse is returned by Add when the requested id is already occupied.
var ErrIDInUse = errors.New("player: id already in use")

// Player is one participant. Wire size is fixed at 42 bytes: see
// MarshalBinary.
type Player struct {
	ID      uint8
	Name    string // truncated to NameSize bytes on the wire
	Status  Status
	Address uint32 // IPv4, host byte order
	PingMS  uint32
}

// WireSize is the packed on-wire size of a Player record.
const WireSize = 1 + NameSize + 1 + 1 + 4 + 4

// MarshalBinary encodes a Player into its fixed wire layout:
// {id u8, name [31]byte, namelen u8, status u8, address u32, ping u32}.
func (p Player) MarshalBinary() ([]byte, error) {
	buf := make([]byte, WireSize)
	buf[0] = p.ID

	name := p.Name
	if len(name) > NameSize {
		name = name[:NameSize]
	}
	copy(buf[1:1+NameSize], name)
	buf[1+NameSize] = uint8(len(name))

	buf[2+NameSize] = uint8(p.Status)
	binary.BigEndian.PutUint32(buf[3+NameSize:7+NameSize], p.Address)
	binary.BigEndian.PutUint32(buf[7+NameSize:11+NameSize], p.PingMS)
	return buf, nil
}

// UnmarshalBinary decodes a Player from its fixed wire layout.
func (p *Player) UnmarshalBinary(buf []byte) error {
	if len(buf) != WireSize {
		return errWireSize{got: len(buf), want: WireSize}
	}

	p.ID = buf[0]
	nameLen := int(buf[1+NameSize])
	if nameLen > NameSize {
		nameLen = NameSize
	}
	p.Name = string(buf[1 : 1+nameLen])
	p.Status = Status(buf[2+NameSize])
	p.Address = binary.BigEndian.Uint32(buf[3+NameSize : 7+NameSize])
	p.PingMS = binary.BigEndian.Uint32(buf[7+NameSize : 11+NameSize])
	return nil
}

type errWireSize struct{ got, want int }

func (e errWireSize) Error() string {
	return "player: wrong wire size"
}

// Table is the fixed-capacity, mutex-guarded participant list. The zero
// value is an empty table, the same one NewTable returns.
type Table struct {
	mu      sync.RWMutex
	slots   [MaxPlayers]Player
	localID uint8
}

// NewTable returns an empty table with every slot marked None.
func NewTable() *Table {
	return &Table{}
}

// SetLocal records which slot is "us", used by Snapshot to rewrite the
// local entry's address to loopback and flag it.
func (t *Table) SetLocal(id uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.localID = id
}

// Set overwrites one slot outright (used to record a player's own entry,
// e.g. from a PlayerInfo; a whole PlayerList goes through ReplaceAll).
func (t *Table) Set(id uint8, p Player) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slots[id] = p
}

// ReplaceAll overwrites every slot from a freshly received PlayerList.
func (t *Table) ReplaceAll(players [MaxPlayers]Player) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slots = players
}

// Add places a new player at the lowest free id above 0, or at id 0 if host
// is true (the host always holds id 0). Returns the assigned id.
func (t *Table) Add(p Player, host bool) (uint8, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if host {
		if t.slots[0].Status != None {
			return 0, ErrIDInUse
		}
		p.ID = 0
		t.slots[0] = p
		return 0, nil
	}

	for id := 1; id < MaxPlayers; id++ {
		if t.slots[id].Status == None {
			p.ID = uint8(id)
			t.slots[id] = p
			return uint8(id), nil
		}
	}
	return 0, ErrCapacity
}

// Remove clears a slot back to None.
func (t *Table) Remove(id uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slots[id] = Player{}
}

// Get returns a copy of one slot and whether it is occupied.
func (t *Table) Get(id uint8) (Player, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p := t.slots[id]
	return p, p.Status != None
}

// Mutate applies fn to the slot under the write lock, for updates that need
// to read-then-write atomically (e.g. updating a player's ping or marking
// it Disconnected).
func (t *Table) Mutate(id uint8, fn func(*Player)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.slots[id])
}

// Count returns the number of occupied slots.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, p := range t.slots {
		if p.Status != None {
			n++
		}
	}
	return n
}

// Snapshot returns a value-copy list of every occupied slot, with the local
// player's address rewritten to loopback and IsLocal reported separately by
// id equality (callers compare against LocalID()).
func (t *Table) Snapshot() []Player {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Player, 0, MaxPlayers)
	for _, p := range t.slots {
		if p.Status == None {
			continue
		}
		if p.ID == t.localID {
			p.Address = Localhost
		}
		out = append(out, p)
	}
	return out
}

// LocalID returns the id registered via SetLocal.
func (t *Table) LocalID() uint8 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.localID
}

// Raw returns a value-copy of the full fixed-size slot array, for encoding
// a PlayerList broadcast.
func (t *Table) Raw() [MaxPlayers]Player {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.slots
}

// HostID returns the id of the slot with Status Host, or false if none.
func (t *Table) HostID() (uint8, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.slots {
		if p.Status == Host {
			return p.ID, true
		}
	}
	return 0, false
}
