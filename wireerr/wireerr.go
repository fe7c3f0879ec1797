// Package wireerr provides typed error values for wire-format decoding
// failures, shared by every package in this module that parses a framed
// protocol message (lan, netplay, blob, discovery). Callers that only need
// to report a protocol violation construct one of these instead of reaching
// for fmt.Errorf, so a caller further up the stack can inspect *which* rule
// was broken with errors.As instead of string-matching a message.
package wireerr

import "fmt"

// Underflow reports a message too short to contain its declared fields.
type Underflow struct {
	MessageName string
	Got         int
	Want        int
}

func (e *Underflow) Error() string {
	return fmt.Sprintf("%s: got %d bytes, need at least %d", e.MessageName, e.Got, e.Want)
}

// BadMagic reports a handshake or header whose magic number doesn't match
// what this build expects.
type BadMagic struct {
	MessageName string
	Want, Got   uint32
}

func (e *BadMagic) Error() string {
	return fmt.Sprintf("%s: bad magic, want %#x got %#x", e.MessageName, e.Want, e.Got)
}

// VersionMismatch reports a protocol version this build doesn't speak.
type VersionMismatch struct {
	MessageName string
	Want, Got   uint32
}

func (e *VersionMismatch) Error() string {
	return fmt.Sprintf("%s: protocol version mismatch, want %d got %d", e.MessageName, e.Want, e.Got)
}

// UnknownEnum reports an out-of-range discriminant byte: a message type,
// blob type, or similar wire-level enum.
type UnknownEnum struct {
	EnumName string
	Value    uint8
}

func (e *UnknownEnum) Error() string {
	return fmt.Sprintf("%s: unknown value %d", e.EnumName, e.Value)
}

// FieldOverflow reports a length-prefixed field whose declared length would
// run past the end of the buffer it claims to live in.
type FieldOverflow struct {
	MessageName string
	FieldName   string
	Declared    int
	Available   int
}

func (e *FieldOverflow) Error() string {
	return fmt.Sprintf("%s: field %s declares length %d, only %d bytes available", e.MessageName, e.FieldName, e.Declared, e.Available)
}
