package scsi

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// LUN is a logical unit number: four 16-bit address levels, big-endian on
// the wire, eight bytes total.
type LUN [8]byte

// ErrBadLUN indicates unparseable LUN text.
var ErrBadLUN = errors.New("malformed LUN")

// ParseLUN parses the textual LUN form: up to four 16-bit hexadecimal
// segments separated by '-' (e.g. "1-2-0-0"). The empty string denotes the
// all-zero LUN.
func ParseLUN(s string) (LUN, error) {
	var lun LUN
	if s == "" {
		return lun, nil
	}
	parts := strings.Split(s, "-")
	if len(parts) > 4 {
		return LUN{}, fmt.Errorf("%w: %q has more than 4 levels", ErrBadLUN, s)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 16)
		if err != nil {
			return LUN{}, fmt.Errorf("%w: level %d of %q", ErrBadLUN, i, s)
		}
		lun[2*i] = byte(v >> 8)
		lun[2*i+1] = byte(v)
	}
	return lun, nil
}

// String formats all four levels, zero-padded, dash-separated.
func (l LUN) String() string {
	return fmt.Sprintf("%02x%02x-%02x%02x-%02x%02x-%02x%02x",
		l[0], l[1], l[2], l[3], l[4], l[5], l[6], l[7])
}
