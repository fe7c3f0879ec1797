package netplay

import (
	"encoding/binary"
	"errors"

	"github.com/ds-emu/netcore/emu"
	"github.com/ds-emu/netcore/wireerr"
)

// Channels on the underlying transport.
const (
	ChanControl uint8 = 0 // reliable: handshake, blob transfer, sync, desync/disconnect
	ChanInput   uint8 = 1 // per-frame input, sent reliably (see SendLocalInput)
)

// MaxPlayers is the largest session this engine supports.
const MaxPlayers = 4

// DefaultPort is the default Netplay listen port.
const DefaultPort = 7065

// netplayMagic tags the session handshake ('MLNP').
const netplayMagic uint32 = 0x504e4c4d

const protocolVersion uint32 = 1

// Control message types, channel ChanControl.
const (
	msgSessionOffer  uint8 = 0x10
	msgSessionAccept uint8 = 0x11
	// 0x12-0x14 (BlobStart/Chunk/End) are owned by the blob package.
	msgSyncReady   uint8 = 0x15
	msgStartGame   uint8 = 0x16
	msgDesyncAlert uint8 = 0x20
	msgDisconnect  uint8 = 0xFF
)

// Input message types, channel ChanInput.
const (
	msgInputFrame uint8 = 0x30
	msgInputBatch uint8 = 0x31
)

// DisconnectReason classifies why a peer dropped, as reported to
// DisconnectFunc.
type DisconnectReason uint8

const (
	DisconnectNormal DisconnectReason = iota
	DisconnectDesync
	DisconnectError
)

var (
	ErrBadMagic    error = &wireerr.BadMagic{MessageName: "netplay", Want: netplayMagic}
	ErrVersion     error = &wireerr.VersionMismatch{MessageName: "netplay", Want: protocolVersion}
	ErrShortMsg           = errors.New("netplay: message too short")
	ErrUnknownType error = &wireerr.UnknownEnum{EnumName: "netplay message type"}
)

// InputFrame is one player's input for one frame, the unit exchanged over
// ChanInput and stored in each player's ring buffer.
type InputFrame struct {
	FrameNum  uint32
	KeyMask   emu.KeyMask
	Touching  bool
	TouchX    uint16
	TouchY    uint16
	LidClosed bool
	Checksum  uint32
}

// inputFrameWireSize is the packed size of an InputFrame on the wire: frame
// number, key mask, touching flag, touch x/y, lid-closed flag, checksum.
const inputFrameWireSize = 4 + 4 + 1 + 2 + 2 + 1 + 4

// inputChecksum sums the bytes of the non-checksum portion of an encoded
// InputFrame, the same "sum of bytes mod 2^32" scheme blob.checksum uses.
func inputChecksum(buf []byte) uint32 {
	var sum uint32
	for _, b := range buf {
		sum += uint32(b)
	}
	return sum
}

func encodeInputFrame(buf []byte, f InputFrame) {
	binary.BigEndian.PutUint32(buf[0:4], f.FrameNum)
	binary.BigEndian.PutUint32(buf[4:8], uint32(f.KeyMask))
	if f.Touching {
		buf[8] = 1
	} else {
		buf[8] = 0
	}
	binary.BigEndian.PutUint16(buf[9:11], f.TouchX)
	binary.BigEndian.PutUint16(buf[11:13], f.TouchY)
	if f.LidClosed {
		buf[13] = 1
	} else {
		buf[13] = 0
	}
	binary.BigEndian.PutUint32(buf[14:18], inputChecksum(buf[0:14]))
}

func decodeInputFrame(buf []byte) InputFrame {
	return InputFrame{
		FrameNum:  binary.BigEndian.Uint32(buf[0:4]),
		KeyMask:   emu.KeyMask(binary.BigEndian.Uint32(buf[4:8])),
		Touching:  buf[8] != 0,
		TouchX:    binary.BigEndian.Uint16(buf[9:11]),
		TouchY:    binary.BigEndian.Uint16(buf[11:13]),
		LidClosed: buf[13] != 0,
		Checksum:  binary.BigEndian.Uint32(buf[14:18]),
	}
}

// encodeMsgInputFrame wire-encodes an input frame tagged with the id of the
// player it belongs to. The source infers the owning player purely from
// which ENet peer a message arrived on, which only works for direct
// host<->client traffic; carrying the id explicitly is what lets a relayed
// frame (see Engine.handleInputMessage) still name its real owner once it's
// forwarded on by the host to every other client.
func encodeMsgInputFrame(playerID uint8, f InputFrame) []byte {
	buf := make([]byte, 2+inputFrameWireSize)
	buf[0] = msgInputFrame
	buf[1] = playerID
	encodeInputFrame(buf[2:], f)
	return buf
}

func decodeMsgInputFrame(msg []byte) (playerID uint8, f InputFrame, err error) {
	if len(msg) != 2+inputFrameWireSize || msg[0] != msgInputFrame {
		return 0, InputFrame{}, &wireerr.Underflow{MessageName: "InputFrame", Got: len(msg), Want: 2 + inputFrameWireSize}
	}
	return msg[1], decodeInputFrame(msg[2:]), nil
}

// inputBatchHeaderSize is type + playerID + count, preceding count*InputFrame.
const inputBatchHeaderSize = 3

// encodeMsgInputBatch packs several consecutive frames from one player into
// a single message (count + count*InputFrame, as in the source's
// MsgInputBatch), carrying the owning player id the same way
// encodeMsgInputFrame does so the host can still relay it on.
func encodeMsgInputBatch(playerID uint8, frames []InputFrame) []byte {
	buf := make([]byte, inputBatchHeaderSize+len(frames)*inputFrameWireSize)
	buf[0] = msgInputBatch
	buf[1] = playerID
	buf[2] = uint8(len(frames))
	for i, f := range frames {
		off := inputBatchHeaderSize + i*inputFrameWireSize
		encodeInputFrame(buf[off:off+inputFrameWireSize], f)
	}
	return buf
}

func decodeMsgInputBatch(msg []byte) (playerID uint8, frames []InputFrame, err error) {
	if len(msg) < inputBatchHeaderSize || msg[0] != msgInputBatch {
		return 0, nil, &wireerr.Underflow{MessageName: "InputBatch", Got: len(msg), Want: inputBatchHeaderSize}
	}
	count := int(msg[2])
	want := inputBatchHeaderSize + count*inputFrameWireSize
	if len(msg) != want {
		return 0, nil, &wireerr.Underflow{MessageName: "InputBatch", Got: len(msg), Want: want}
	}
	frames = make([]InputFrame, count)
	for i := 0; i < count; i++ {
		off := inputBatchHeaderSize + i*inputFrameWireSize
		frames[i] = decodeInputFrame(msg[off : off+inputFrameWireSize])
	}
	return msg[1], frames, nil
}

// sessionOfferWireSize is the packed size of a SessionOffer: type, magic,
// version, ROM hash, player count, input delay.
const sessionOfferWireSize = 1 + 4 + 4 + 8 + 1 + 1

func encodeSessionOffer(romHash uint64, numPlayers, inputDelay uint8) []byte {
	buf := make([]byte, sessionOfferWireSize)
	buf[0] = msgSessionOffer
	binary.BigEndian.PutUint32(buf[1:5], netplayMagic)
	binary.BigEndian.PutUint32(buf[5:9], protocolVersion)
	binary.BigEndian.PutUint64(buf[9:17], romHash)
	buf[17] = numPlayers
	buf[18] = inputDelay
	return buf
}

// decodeSessionOffer also validates the handshake magic and protocol
// version, since a SessionOffer is the first message either side trusts
// enough to act on; everything after it assumes the two builds agree.
func decodeSessionOffer(msg []byte) (romHash uint64, numPlayers, inputDelay uint8, err error) {
	if len(msg) != sessionOfferWireSize || msg[0] != msgSessionOffer {
		return 0, 0, 0, &wireerr.Underflow{MessageName: "SessionOffer", Got: len(msg), Want: sessionOfferWireSize}
	}
	if got := binary.BigEndian.Uint32(msg[1:5]); got != netplayMagic {
		return 0, 0, 0, &wireerr.BadMagic{MessageName: "SessionOffer", Want: netplayMagic, Got: got}
	}
	if got := binary.BigEndian.Uint32(msg[5:9]); got != protocolVersion {
		return 0, 0, 0, &wireerr.VersionMismatch{MessageName: "SessionOffer", Want: protocolVersion, Got: got}
	}
	return binary.BigEndian.Uint64(msg[9:17]), msg[17], msg[18], nil
}

func encodeSessionAccept(playerID uint8) []byte {
	return []byte{msgSessionAccept, playerID}
}

func decodeSessionAccept(msg []byte) (playerID uint8, err error) {
	if len(msg) != 2 || msg[0] != msgSessionAccept {
		return 0, &wireerr.Underflow{MessageName: "SessionAccept", Got: len(msg), Want: 2}
	}
	return msg[1], nil
}

func encodeSyncReady() []byte { return []byte{msgSyncReady} }

func encodeStartGame(frame uint32, inputDelay uint8) []byte {
	buf := make([]byte, 6)
	buf[0] = msgStartGame
	binary.BigEndian.PutUint32(buf[1:5], frame)
	buf[5] = inputDelay
	return buf
}

func decodeStartGame(msg []byte) (frame uint32, inputDelay uint8, err error) {
	if len(msg) != 6 || msg[0] != msgStartGame {
		return 0, 0, &wireerr.Underflow{MessageName: "StartGame", Got: len(msg), Want: 6}
	}
	return binary.BigEndian.Uint32(msg[1:5]), msg[5], nil
}

func encodeDesyncAlert(frame uint32, hash uint64) []byte {
	buf := make([]byte, 13)
	buf[0] = msgDesyncAlert
	binary.BigEndian.PutUint32(buf[1:5], frame)
	binary.BigEndian.PutUint64(buf[5:13], hash)
	return buf
}

func decodeDesyncAlert(msg []byte) (frame uint32, hash uint64, err error) {
	if len(msg) != 13 || msg[0] != msgDesyncAlert {
		return 0, 0, &wireerr.Underflow{MessageName: "DesyncAlert", Got: len(msg), Want: 13}
	}
	return binary.BigEndian.Uint32(msg[1:5]), binary.BigEndian.Uint64(msg[5:13]), nil
}

func encodeDisconnect(reason DisconnectReason) []byte {
	return []byte{msgDisconnect, uint8(reason)}
}

func decodeDisconnect(msg []byte) (DisconnectReason, error) {
	if len(msg) != 2 || msg[0] != msgDisconnect {
		return 0, &wireerr.Underflow{MessageName: "Disconnect", Got: len(msg), Want: 2}
	}
	return DisconnectReason(msg[1]), nil
}
