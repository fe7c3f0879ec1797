package discovery

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	buf := encode(12345, "Alice's game", 2, 4, 1)
	name, num, max, status, err := decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if name != "Alice's game" {
		t.Fatalf("name = %q", name)
	}
	if num != 2 || max != 4 || status != 1 {
		t.Fatalf("got (%d,%d,%d), want (2,4,1)", num, max, status)
	}
}

func TestEncodeTruncatesLongSessionName(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}
	buf := encode(0, string(long), 1, 1, 0)
	name, _, _, _, err := decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(name) >= sessionNameSize {
		t.Fatalf("name not truncated: len=%d", len(name))
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf := encode(0, "x", 1, 1, 0)
	buf[0] ^= 0xff
	if _, _, _, _, err := decode(buf); err == nil {
		t.Fatalf("decode accepted corrupted magic")
	}
}

func TestDecodeRejectsWrongSize(t *testing.T) {
	if _, _, _, _, err := decode([]byte{1, 2, 3}); err == nil {
		t.Fatalf("decode accepted short buffer")
	}
}

func TestListenerSessionsStartsEmpty(t *testing.T) {
	l := &Listener{sessions: make(map[string]timedBeacon)}
	if s := l.Sessions(); len(s) != 0 {
		t.Fatalf("fresh listener has sessions: %v", s)
	}
}
