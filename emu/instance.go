// Package emu defines the narrow contract the multiplayer core needs from
// the DS emulator. The emulator itself lives outside this repository; this
// package exists so NetplayEngine has something concrete to call through,
// and so its behavior can be tested without a real core.
package emu

// KeyMask is a 12-bit button bitmask where a set bit means the button is
// released, matching the DS's native key register polarity.
type KeyMask uint16

// AllReleased is the neutral input used to pre-fill the input buffer ahead
// of the input delay.
const AllReleased KeyMask = 0xFFF

// Registers is a CPU's general-purpose register file, hashed verbatim as
// part of the desync check.
type Registers [16]uint32

// MPCallback is invoked by an Instance whenever the emulated wireless
// hardware wants to transmit a frame. Neither lan.Bridge nor netplay.Engine
// registers one; it is set through SetMPCallback by whoever embeds the core.
type MPCallback func(data []byte)

// Instance is one emulated console. NetplayEngine wraps one per
// participant; lan.Bridge holds no Instance and exchanges MP frames as raw
// bytes.
type Instance interface {
	Reset()

	// RunFrame executes one frame and returns the number of rendered
	// scanlines, mirroring the real core's frame-step contract.
	RunFrame() uint32

	SetKeyMask(mask KeyMask)
	TouchScreen(x, y uint16)
	ReleaseScreen()
	SetLidClosed(closed bool)

	// SaveState/LoadState implement the savestate blob contract: opaque
	// bytes in, opaque bytes out, no core-side interpretation.
	SaveState() ([]byte, error)
	LoadState(data []byte) error

	// MainRAM, ARM9Registers and ARM7Registers expose exactly the state the
	// desync check hashes. Callers must not retain the returned slice.
	MainRAM() []byte
	ARM9Registers() Registers
	ARM7Registers() Registers

	// SetMPCallback registers the function called when this instance's
	// wireless hardware emits an outgoing frame. Passing nil disables it.
	SetMPCallback(cb MPCallback)

	// DeliverMP feeds an incoming wireless frame to the instance, as if
	// received over the DS's native wireless hardware.
	DeliverMP(data []byte)

	// SetMuted silences audio output without affecting execution; used to
	// mute every netplay instance except the one being displayed.
	SetMuted(muted bool)
}
