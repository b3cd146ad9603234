package logger

import "log/slog"

// Standard field keys for structured logging. Use these keys consistently
// across all log statements so the output stays queryable.
const (
	// Command addressing and identity
	KeyTag = "tag" // wire tag correlating a command to its response
	KeyLUN = "lun" // logical unit the command addresses
	KeyOp  = "op"  // command kind: READ, WRITE, READ CAPACITY

	// Block addressing
	KeyLBA    = "lba"    // starting logical block address
	KeyBlocks = "blocks" // block count for the transfer

	// Outcomes
	KeyStatus   = "status"   // SCSI status byte
	KeyResidual = "residual" // transfer residual, positive for overrun
	KeyReason   = "reason"   // error carried by a close or failure
	KeyRetry    = "retry"    // retry attempt number

	// Session and wire
	KeyState  = "state"   // session state name
	KeyIUType = "iu_type" // information unit type code
	KeyBytes  = "bytes"   // serialized unit length
)

// Tag returns a slog.Attr for a wire tag
func Tag(tag uint32) slog.Attr {
	return slog.Any(KeyTag, tag)
}

// Op returns a slog.Attr for a command kind
func Op(name string) slog.Attr {
	return slog.String(KeyOp, name)
}

// LBA returns a slog.Attr for a starting block address
func LBA(lba uint64) slog.Attr {
	return slog.Uint64(KeyLBA, lba)
}

// Blocks returns a slog.Attr for a block count
func Blocks(n uint) slog.Attr {
	return slog.Uint64(KeyBlocks, uint64(n))
}

// Status returns a slog.Attr for a SCSI status byte
func Status(code byte) slog.Attr {
	return slog.Int(KeyStatus, int(code))
}

// Reason returns a slog.Attr for an error; empty when err is nil
func Reason(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyReason, err.Error())
}

// State returns a slog.Attr for a session state name
func State(name string) slog.Attr {
	return slog.String(KeyState, name)
}
