package player

import "testing"

func TestTableAddHostAlwaysZero(t *testing.T) {
	tbl := NewTable()

	id, err := tbl.Add(Player{Name: "host", Status: Host}, true)
	if err != nil {
		t.Fatalf("Add host: %v", err)
	}
	if id != 0 {
		t.Fatalf("host got id %d, want 0", id)
	}

	if _, err := tbl.Add(Player{Name: "host2", Status: Host}, true); err != ErrIDInUse {
		t.Fatalf("second host Add: got %v, want ErrIDInUse", err)
	}
}

func TestTableAddClientSkipsHostSlot(t *testing.T) {
	tbl := NewTable()
	if _, err := tbl.Add(Player{Name: "host", Status: Host}, true); err != nil {
		t.Fatalf("Add host: %v", err)
	}

	id, err := tbl.Add(Player{Name: "c1", Status: Client}, false)
	if err != nil {
		t.Fatalf("Add client: %v", err)
	}
	if id == 0 {
		t.Fatalf("client took id 0, reserved for host")
	}
}

func TestTableCapacity(t *testing.T) {
	tbl := NewTable()
	if _, err := tbl.Add(Player{Name: "host", Status: Host}, true); err != nil {
		t.Fatalf("Add host: %v", err)
	}
	// Id 0 belongs to the host, so clients fill the remaining MaxPlayers-1 slots.
	for i := 1; i < MaxPlayers; i++ {
		if _, err := tbl.Add(Player{Name: "p", Status: Client}, false); err != nil {
			t.Fatalf("Add #%d: %v", i, err)
		}
	}
	if _, err := tbl.Add(Player{Name: "overflow", Status: Client}, false); err != ErrCapacity {
		t.Fatalf("overflow Add: got %v, want ErrCapacity", err)
	}
}

func TestTableNoDuplicateNonNoneIDs(t *testing.T) {
	tbl := NewTable()
	seen := make(map[uint8]bool)
	for i := 0; i < MaxPlayers; i++ {
		id, err := tbl.Add(Player{Name: "p", Status: Client}, false)
		if err != nil {
			continue
		}
		if seen[id] {
			t.Fatalf("id %d assigned twice", id)
		}
		seen[id] = true
	}
}

func TestTableRemoveFreesSlot(t *testing.T) {
	tbl := NewTable()
	id, _ := tbl.Add(Player{Name: "p", Status: Client}, false)
	tbl.Remove(id)

	p, ok := tbl.Get(id)
	if ok {
		t.Fatalf("slot %d still occupied after Remove: %+v", id, p)
	}
}

func TestTableSnapshotRewritesLocalAddress(t *testing.T) {
	tbl := NewTable()
	id, _ := tbl.Add(Player{Name: "me", Status: Client, Address: 0x0A000001}, false)
	tbl.SetLocal(id)

	snap := tbl.Snapshot()
	found := false
	for _, p := range snap {
		if p.ID == id {
			found = true
			if p.Address != Localhost {
				t.Fatalf("local entry address = %#x, want loopback", p.Address)
			}
		}
	}
	if !found {
		t.Fatalf("local player missing from snapshot")
	}
}

func TestPlayerMarshalRoundTrip(t *testing.T) {
	p := Player{ID: 3, Name: "someone", Status: Connecting, Address: 0xC0A80001, PingMS: 42}
	buf, err := p.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(buf) != WireSize {
		t.Fatalf("wire size = %d, want %d", len(buf), WireSize)
	}

	var got Player
	if err := got.UnmarshalBinary(buf); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if got != p {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestPlayerMarshalTruncatesLongName(t *testing.T) {
	p := Player{ID: 1, Name: "this name is definitely longer than thirty one bytes", Status: Client}
	buf, err := p.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	var got Player
	if err := got.UnmarshalBinary(buf); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if len(got.Name) > NameSize {
		t.Fatalf("name not truncated: len=%d", len(got.Name))
	}
}

func TestTableHostID(t *testing.T) {
	tbl := NewTable()
	if _, ok := tbl.HostID(); ok {
		t.Fatalf("HostID reported present on empty table")
	}

	tbl.Add(Player{Name: "host", Status: Host}, true)
	id, ok := tbl.HostID()
	if !ok || id != 0 {
		t.Fatalf("HostID = (%d, %v), want (0, true)", id, ok)
	}
}
