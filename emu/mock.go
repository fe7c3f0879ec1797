package emu

import (
	"encoding/binary"
	"fmt"
)

// MockInstance is a deterministic fake used by this repo's own tests. It has
// no relation to an actual DS core: "RAM" is a small buffer whose bytes are
// mixed with whatever input was last applied, so two MockInstances fed the
// identical input stream always end up with identical state, and two fed
// different streams reliably diverge.
type MockInstance struct {
	ram       [256]byte
	arm9, arm7 Registers
	frame     uint32
	key       KeyMask
	touching  bool
	touchX, touchY uint16
	lidClosed bool
	muted     bool
	mpCallback MPCallback
	inbox     [][]byte
}

func NewMockInstance() *MockInstance {
	return &MockInstance{key: AllReleased}
}

func (m *MockInstance) Reset() {
	m.ram = [256]byte{}
	m.arm9 = Registers{}
	m.arm7 = Registers{}
	m.frame = 0
	m.key = AllReleased
	m.touching = false
	m.inbox = nil
}

func (m *MockInstance) RunFrame() uint32 {
	m.frame++

	mix := uint32(m.key)
	if m.touching {
		mix ^= uint32(m.touchX)<<16 | uint32(m.touchY)
	}
	if m.lidClosed {
		mix ^= 0x5a5a5a5a
	}

	idx := int(m.frame) % len(m.ram)
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], mix^m.frame)
	for i, b := range buf {
		m.ram[(idx+i)%len(m.ram)] ^= b
	}

	m.arm9[0] = m.frame
	m.arm9[1] = mix
	m.arm7[0] = m.frame
	m.arm7[1] = mix ^ 0xffffffff

	for _, pkt := range m.inbox {
		_ = pkt // a real core would feed this to its wireless stack
	}
	m.inbox = nil

	return 192 // DS screen height, kept as a believable scanline count
}

func (m *MockInstance) SetKeyMask(mask KeyMask)   { m.key = mask }
func (m *MockInstance) TouchScreen(x, y uint16)   { m.touching = true; m.touchX, m.touchY = x, y }
func (m *MockInstance) ReleaseScreen()            { m.touching = false }
func (m *MockInstance) SetLidClosed(closed bool)  { m.lidClosed = closed }
func (m *MockInstance) SetMuted(muted bool)       { m.muted = muted }
func (m *MockInstance) Muted() bool               { return m.muted }

func (m *MockInstance) SaveState() ([]byte, error) {
	out := make([]byte, 0, len(m.ram)+4+len(m.arm9)*4+len(m.arm7)*4)
	out = append(out, m.ram[:]...)
	var fb [4]byte
	binary.LittleEndian.PutUint32(fb[:], m.frame)
	out = append(out, fb[:]...)
	for _, r := range m.arm9 {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], r)
		out = append(out, b[:]...)
	}
	for _, r := range m.arm7 {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], r)
		out = append(out, b[:]...)
	}
	return out, nil
}

func (m *MockInstance) LoadState(data []byte) error {
	const want = len(Registers{})*4*2 + 4 + 256
	if len(data) != want {
		return errMockStateSize{got: len(data), want: want}
	}
	copy(m.ram[:], data[:256])
	off := 256
	m.frame = binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	for i := range m.arm9 {
		m.arm9[i] = binary.LittleEndian.Uint32(data[off : off+4])
		off += 4
	}
	for i := range m.arm7 {
		m.arm7[i] = binary.LittleEndian.Uint32(data[off : off+4])
		off += 4
	}
	return nil
}

func (m *MockInstance) MainRAM() []byte            { return m.ram[:] }
func (m *MockInstance) ARM9Registers() Registers   { return m.arm9 }
func (m *MockInstance) ARM7Registers() Registers   { return m.arm7 }

func (m *MockInstance) SetMPCallback(cb MPCallback) { m.mpCallback = cb }

func (m *MockInstance) DeliverMP(data []byte) {
	m.inbox = append(m.inbox, data)
}

// SendMP lets tests simulate the emulated wireless hardware transmitting a
// frame, exercising whatever MPCallback the bridge/engine registered.
func (m *MockInstance) SendMP(data []byte) {
	if m.mpCallback != nil {
		m.mpCallback(data)
	}
}

type errMockStateSize struct{ got, want int }

func (e errMockStateSize) Error() string {
	return fmt.Sprintf("emu: mock savestate has wrong size (got %d, want %d)", e.got, e.want)
}
