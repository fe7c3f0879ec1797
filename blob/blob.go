// Package blob implements chunked transfer of large opaque payloads
// (savestates, SRAM) over a transport.Transport whose channels are sized
// for small control messages, not multi-megabyte blobs.
package blob

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ds-emu/netcore/transport"
	"github.com/ds-emu/netcore/wireerr"
)

// Type identifies what a blob contains.
type Type uint8

const (
	SRAM Type = iota
	Savestate0
	Savestate1
	Savestate2
	Savestate3
)

// ChunkSize is the maximum payload carried by a single MsgChunk.
const ChunkSize = 0x10000

// Msg* identify the three wire messages this package produces and
// consumes. They share the netplay control channel's message space but are
// defined here since only this package interprets them.
const (
	MsgBlobStart uint8 = 0x12
	MsgBlobChunk uint8 = 0x13
	MsgBlobEnd   uint8 = 0x14
)

// ErrChecksumMismatch is returned when a completed blob's trailing checksum does
// not match its data.
var ErrChecksumMismatch = errors.New("blob: checksum mismatch")

// ErrOutOfOrder is returned when a chunk arrives whose offset does not
// match the receiver's expected write position.
var ErrOutOfOrder = errors.New("blob: chunk out of order")

// ErrOverflow is returned when a chunk would write past the declared total
// length.
var ErrOverflow = errors.New("blob: chunk overflows declared length")

// ErrNoTransfer is returned by OnMessage when a Chunk or End message
// arrives with no Start in progress.
var ErrNoTransfer = errors.New("blob: chunk/end with no transfer in progress")

func checksum(data []byte) uint32 {
	var sum uint32
	for _, b := range data {
		sum += uint32(b)
	}
	return sum
}

// Send splits data into ChunkSize pieces and writes Start/Chunk*/End
// messages to one peer on ctrlChan, reliably.
func Send(t *transport.Transport, peerID int, ctrlChan uint8, typ Type, data []byte) error {
	start := make([]byte, 6)
	start[0] = MsgBlobStart
	start[1] = uint8(typ)
	binary.BigEndian.PutUint32(start[2:6], uint32(len(data)))
	if err := t.SendTo(peerID, start, ctrlChan, false); err != nil {
		return fmt.Errorf("blob: send start: %w", err)
	}

	for off := 0; off < len(data); off += ChunkSize {
		end := off + ChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := make([]byte, 5+(end-off))
		chunk[0] = MsgBlobChunk
		binary.BigEndian.PutUint32(chunk[1:5], uint32(off))
		copy(chunk[5:], data[off:end])
		if err := t.SendTo(peerID, chunk, ctrlChan, false); err != nil {
			return fmt.Errorf("blob: send chunk at %d: %w", off, err)
		}
	}

	endMsg := make([]byte, 6)
	endMsg[0] = MsgBlobEnd
	endMsg[1] = uint8(typ)
	binary.BigEndian.PutUint32(endMsg[2:6], checksum(data))
	if err := t.SendTo(peerID, endMsg, ctrlChan, false); err != nil {
		return fmt.Errorf("blob: send end: %w", err)
	}
	return nil
}

// Broadcast is Send to every connected peer.
func Broadcast(t *transport.Transport, ctrlChan uint8, typ Type, data []byte) {
	for _, id := range t.PeerIDs() {
		_ = Send(t, id, ctrlChan, typ, data)
	}
}

// Receiver accumulates one blob transfer at a time. The zero value is
// ready to use.
type Receiver struct {
	active     bool
	typ        Type
	total      uint32
	buf        []byte
	receivedTo uint32
}

// OnMessage feeds one wire message (with its leading type byte still
// attached) into the receiver. It returns the completed blob's type and
// data, and true, exactly once, on the message that finishes a transfer.
func (r *Receiver) OnMessage(msg []byte) (Type, []byte, bool, error) {
	if len(msg) == 0 {
		return 0, nil, false, &wireerr.Underflow{MessageName: "blob", Got: 0, Want: 1}
	}

	switch msg[0] {
	case MsgBlobStart:
		if len(msg) < 6 {
			return 0, nil, false, &wireerr.Underflow{MessageName: "BlobStart", Got: len(msg), Want: 6}
		}
		r.typ = Type(msg[1])
		r.total = binary.BigEndian.Uint32(msg[2:6])
		r.buf = make([]byte, r.total)
		r.receivedTo = 0
		r.active = true
		return 0, nil, false, nil

	case MsgBlobChunk:
		if !r.active {
			return 0, nil, false, ErrNoTransfer
		}
		if len(msg) < 5 {
			return 0, nil, false, &wireerr.Underflow{MessageName: "BlobChunk", Got: len(msg), Want: 5}
		}
		off := binary.BigEndian.Uint32(msg[1:5])
		payload := msg[5:]
		if off != r.receivedTo {
			return 0, nil, false, ErrOutOfOrder
		}
		if uint64(off)+uint64(len(payload)) > uint64(r.total) {
			return 0, nil, false, ErrOverflow
		}
		copy(r.buf[off:], payload)
		r.receivedTo += uint32(len(payload))
		return 0, nil, false, nil

	case MsgBlobEnd:
		if !r.active {
			return 0, nil, false, ErrNoTransfer
		}
		if len(msg) < 6 {
			return 0, nil, false, &wireerr.Underflow{MessageName: "BlobEnd", Got: len(msg), Want: 6}
		}
		wantType := Type(msg[1])
		wantSum := binary.BigEndian.Uint32(msg[2:6])
		if checksum(r.buf) != wantSum || wantType != r.typ {
			r.active = false
			return 0, nil, false, ErrChecksumMismatch
		}
		data := r.buf
		typ := r.typ
		r.active = false
		r.buf = nil
		return typ, data, true, nil

	default:
		return 0, nil, false, fmt.Errorf("blob: unknown message type %#x", msg[0])
	}
}

// InProgress reports whether a transfer has been started but not finished.
func (r *Receiver) InProgress() bool { return r.active }
