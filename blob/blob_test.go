package blob

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func buildStart(typ Type, total uint32) []byte {
	m := make([]byte, 6)
	m[0] = MsgBlobStart
	m[1] = uint8(typ)
	binary.BigEndian.PutUint32(m[2:6], total)
	return m
}

func buildChunk(off uint32, payload []byte) []byte {
	m := make([]byte, 5+len(payload))
	m[0] = MsgBlobChunk
	binary.BigEndian.PutUint32(m[1:5], off)
	copy(m[5:], payload)
	return m
}

func buildEnd(typ Type, sum uint32) []byte {
	m := make([]byte, 6)
	m[0] = MsgBlobEnd
	m[1] = uint8(typ)
	binary.BigEndian.PutUint32(m[2:6], sum)
	return m
}

func TestReceiverRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB, 0xCD, 0xEF, 0x01}, 40000) // > one chunk

	var r Receiver
	if _, _, done, err := r.OnMessage(buildStart(Savestate0, uint32(len(data)))); err != nil || done {
		t.Fatalf("start: done=%v err=%v", done, err)
	}

	for off := 0; off < len(data); off += ChunkSize {
		end := off + ChunkSize
		if end > len(data) {
			end = len(data)
		}
		if _, _, done, err := r.OnMessage(buildChunk(uint32(off), data[off:end])); err != nil || done {
			t.Fatalf("chunk at %d: done=%v err=%v", off, done, err)
		}
	}

	typ, got, done, err := r.OnMessage(buildEnd(Savestate0, checksum(data)))
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if !done {
		t.Fatalf("end did not report completion")
	}
	if typ != Savestate0 {
		t.Fatalf("type = %v, want Savestate0", typ)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("data mismatch after round trip")
	}
}

func TestReceiverRejectsOutOfOrderChunk(t *testing.T) {
	var r Receiver
	r.OnMessage(buildStart(SRAM, 100))
	if _, _, _, err := r.OnMessage(buildChunk(50, make([]byte, 10))); err != ErrOutOfOrder {
		t.Fatalf("out-of-order chunk: got %v, want ErrOutOfOrder", err)
	}
}

func TestReceiverRejectsOverflowingChunk(t *testing.T) {
	var r Receiver
	r.OnMessage(buildStart(SRAM, 10))
	if _, _, _, err := r.OnMessage(buildChunk(0, make([]byte, 20))); err != ErrOverflow {
		t.Fatalf("overflowing chunk: got %v, want ErrOverflow", err)
	}
}

func TestReceiverRejectsBadChecksum(t *testing.T) {
	data := []byte("hello world")
	var r Receiver
	r.OnMessage(buildStart(SRAM, uint32(len(data))))
	r.OnMessage(buildChunk(0, data))
	if _, _, _, err := r.OnMessage(buildEnd(SRAM, checksum(data)+1)); err != ErrChecksumMismatch {
		t.Fatalf("bad checksum: got %v, want ErrChecksumMismatch", err)
	}
}

func TestReceiverRejectsChunkWithNoStart(t *testing.T) {
	var r Receiver
	if _, _, _, err := r.OnMessage(buildChunk(0, []byte("x"))); err != ErrNoTransfer {
		t.Fatalf("chunk with no start: got %v, want ErrNoTransfer", err)
	}
}
