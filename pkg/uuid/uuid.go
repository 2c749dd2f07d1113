// Package uuid wraps google/uuid.UUID with the gogo-protobuf custom-type
// methods (Size/MarshalTo/Unmarshal) so it can be embedded directly in
// hand-rolled wire structs such as TracingSession's trace_uuid field.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// UUID is a 16-byte identifier marshaled as its raw bytes, not its
// string form, to match the wire-level trace_uuid_{lsb,msb} fields.
type UUID struct {
	uuid.UUID
}

// New returns a random UUID.
func New() UUID {
	return UUID{uuid.New()}
}

// FromLSBMSB builds a UUID the way TracingSession and CloneSession do:
// two little-endian 64-bit halves.
func FromLSBMSB(lsb, msb uint64) UUID {
	var u uuid.UUID
	for i := 0; i < 8; i++ {
		u[i] = byte(lsb >> (8 * i))
		u[8+i] = byte(msb >> (8 * i))
	}
	return UUID{u}
}

// LSBMSB splits the UUID back into its two 64-bit halves.
func (u UUID) LSBMSB() (lsb, msb uint64) {
	for i := 0; i < 8; i++ {
		lsb |= uint64(u.UUID[i]) << (8 * i)
		msb |= uint64(u.UUID[8+i]) << (8 * i)
	}
	return lsb, msb
}

// Size implements the gogo-protobuf custom-type interface.
func (u UUID) Size() int {
	return 16
}

// MarshalTo implements the gogo-protobuf custom-type interface.
func (u UUID) MarshalTo(data []byte) (int, error) {
	if len(data) < 16 {
		return 0, fmt.Errorf("uuid: buffer too small, need 16 bytes, got %d", len(data))
	}
	copy(data, u.UUID[:])
	return 16, nil
}

// Unmarshal implements the gogo-protobuf custom-type interface.
func (u *UUID) Unmarshal(data []byte) error {
	if len(data) != 16 {
		return fmt.Errorf("uuid: expected 16 bytes, got %d", len(data))
	}
	copy(u.UUID[:], data)
	return nil
}
