package target

import (
	"errors"
	"fmt"
)

var (
	errMissingDescriptor = errors.New("command carries no data descriptor")
)

func errUnsupportedOpcode(op byte) error {
	return fmt.Errorf("unsupported opcode %#02x", op)
}

func errOutOfRange(lba, count uint64) error {
	return fmt.Errorf("block range %d+%d out of range", lba, count)
}

func errShortBuffer(have uint32, need uint64) error {
	return fmt.Errorf("data buffer of %d bytes, need %d", have, need)
}
