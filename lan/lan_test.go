package lan

import (
	"testing"

	"github.com/ds-emu/netcore/player"
)

func TestClientInitRoundTrip(t *testing.T) {
	buf := encodeClientInit(5, 8)
	id, max, err := decodeClientInit(buf)
	if err != nil {
		t.Fatalf("decodeClientInit: %v", err)
	}
	if id != 5 || max != 8 {
		t.Fatalf("got (%d,%d), want (5,8)", id, max)
	}
}

func TestClientInitRejectsBadMagic(t *testing.T) {
	buf := encodeClientInit(1, 2)
	buf[1] ^= 0xff
	if _, _, err := decodeClientInit(buf); err != ErrBadMagic {
		t.Fatalf("got %v, want ErrBadMagic", err)
	}
}

func TestPlayerInfoRoundTrip(t *testing.T) {
	p := player.Player{ID: 2, Name: "bob", Status: player.Client, Address: 0x0A000002}
	msg := encodePlayerInfo(p)
	got, err := decodePlayerInfo(msg)
	if err != nil {
		t.Fatalf("decodePlayerInfo: %v", err)
	}
	if got != p {
		t.Fatalf("got %+v, want %+v", got, p)
	}
}

func TestPlayerListRoundTrip(t *testing.T) {
	var players [player.MaxPlayers]player.Player
	players[0] = player.Player{ID: 0, Name: "host", Status: player.Host}
	players[1] = player.Player{ID: 1, Name: "client1", Status: player.Client}

	msg := encodePlayerList(players, 2)
	got, num, err := decodePlayerList(msg)
	if err != nil {
		t.Fatalf("decodePlayerList: %v", err)
	}
	if num != 2 {
		t.Fatalf("num = %d, want 2", num)
	}
	if got[0].Name != "host" || got[1].Name != "client1" {
		t.Fatalf("players mismatch: %+v", got)
	}
}

func TestMPRoundTrip(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5}
	msg := encodeMP(3, MPCmd, data, 99999)
	sender, typ, got, ts, err := decodeMP(msg)
	if err != nil {
		t.Fatalf("decodeMP: %v", err)
	}
	if sender != 3 || typ != MPCmd || ts != 99999 {
		t.Fatalf("header mismatch: sender=%d typ=%d ts=%d", sender, typ, ts)
	}
	if string(got) != string(data) {
		t.Fatalf("data mismatch: %v", got)
	}
}

func TestMPRejectsBadMagic(t *testing.T) {
	msg := encodeMP(0, MPMisc, []byte("x"), 0)
	msg[0] ^= 0xff
	if _, _, _, _, err := decodeMP(msg); err != ErrBadMagic {
		t.Fatalf("got %v, want ErrBadMagic", err)
	}
}

func TestMPRejectsOverrunLength(t *testing.T) {
	msg := encodeMP(0, MPMisc, []byte("hello"), 0)
	// Corrupt the declared length field to claim more than is present.
	msg[9] = 0xff
	if _, _, _, _, err := decodeMP(msg); err == nil {
		t.Fatalf("decodeMP accepted an overrunning length")
	}
}

func TestSaturatingSub(t *testing.T) {
	if got := saturatingSub(5, 10); got != 0 {
		t.Fatalf("saturatingSub(5,10) = %d, want 0", got)
	}
	if got := saturatingSub(10, 5); got != 5 {
		t.Fatalf("saturatingSub(10,5) = %d, want 5", got)
	}
}
