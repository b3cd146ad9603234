package srp

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// PortID is a 128-bit SRP port identifier: identifier extension in the high
// eight bytes, port GUID in the low eight.
type PortID [16]byte

// ErrBadPortID indicates unparseable port-identifier text.
var ErrBadPortID = errors.New("malformed port ID")

// ParsePortID parses 32 hexadecimal digits, with optional ':' or '-'
// separators between byte groups.
func ParsePortID(s string) (PortID, error) {
	clean := strings.Map(func(r rune) rune {
		if r == ':' || r == '-' {
			return -1
		}
		return r
	}, s)
	raw, err := hex.DecodeString(clean)
	if err != nil || len(raw) != 16 {
		return PortID{}, fmt.Errorf("%w: %q", ErrBadPortID, s)
	}
	var p PortID
	copy(p[:], raw)
	return p, nil
}

// RandomPortID generates a fresh initiator port identifier.
func RandomPortID() PortID {
	return PortID(uuid.New())
}

// String formats the identifier as four colon-separated dword groups.
func (p PortID) String() string {
	return fmt.Sprintf("%08x:%08x:%08x:%08x",
		uint32(p[0])<<24|uint32(p[1])<<16|uint32(p[2])<<8|uint32(p[3]),
		uint32(p[4])<<24|uint32(p[5])<<16|uint32(p[6])<<8|uint32(p[7]),
		uint32(p[8])<<24|uint32(p[9])<<16|uint32(p[10])<<8|uint32(p[11]),
		uint32(p[12])<<24|uint32(p[13])<<16|uint32(p[14])<<8|uint32(p[15]))
}
