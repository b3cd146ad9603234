package scsi

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// CDB is a SCSI command descriptor block. The stack uses the 10-byte and
// 16-byte forms; the unused tail stays zero.
type CDB [16]byte

// SCSI opcodes used by this stack.
const (
	OpcodeRead10         = 0x28
	OpcodeRead16         = 0x88
	OpcodeWrite10        = 0x2a
	OpcodeWrite16        = 0x8a
	OpcodeReadCapacity10 = 0x25
	// OpcodeServiceActionIn carries READ CAPACITY (16) as a service action.
	OpcodeServiceActionIn       = 0x9e
	ServiceActionReadCapacity16 = 0x10
)

// MaxBlock10 is the highest logical block addressable by a 10-byte CDB.
const MaxBlock10 = 0xffffffff

// Capacity data lengths for the two READ CAPACITY forms.
const (
	CapacityData10Len = 8
	CapacityData16Len = 32
)

// ErrShortCapacityData indicates a truncated capacity parameter block.
var ErrShortCapacityData = errors.New("capacity data too short")

// ReadCDB builds a READ command. The 10-byte form is chosen whenever
// lba+count is addressable in 32 bits; the choice is made per call.
func ReadCDB(lba uint64, count uint) CDB {
	var cdb CDB
	if lba+uint64(count) > MaxBlock10 {
		cdb[0] = OpcodeRead16
		binary.BigEndian.PutUint64(cdb[2:10], lba)
		binary.BigEndian.PutUint32(cdb[10:14], uint32(count))
	} else {
		cdb[0] = OpcodeRead10
		binary.BigEndian.PutUint32(cdb[2:6], uint32(lba))
		binary.BigEndian.PutUint16(cdb[7:9], uint16(count))
	}
	return cdb
}

// WriteCDB builds a WRITE command, with the same form selection as ReadCDB.
func WriteCDB(lba uint64, count uint) CDB {
	var cdb CDB
	if lba+uint64(count) > MaxBlock10 {
		cdb[0] = OpcodeWrite16
		binary.BigEndian.PutUint64(cdb[2:10], lba)
		binary.BigEndian.PutUint32(cdb[10:14], uint32(count))
	} else {
		cdb[0] = OpcodeWrite10
		binary.BigEndian.PutUint32(cdb[2:6], uint32(lba))
		binary.BigEndian.PutUint16(cdb[7:9], uint16(count))
	}
	return cdb
}

// ReadCapacity10CDB builds the 10-byte READ CAPACITY command.
func ReadCapacity10CDB() CDB {
	var cdb CDB
	cdb[0] = OpcodeReadCapacity10
	return cdb
}

// ReadCapacity16CDB builds the 16-byte READ CAPACITY command (SERVICE ACTION
// IN). allocLen is the size of the data-in buffer.
func ReadCapacity16CDB(allocLen uint32) CDB {
	var cdb CDB
	cdb[0] = OpcodeServiceActionIn
	cdb[1] = ServiceActionReadCapacity16
	binary.BigEndian.PutUint32(cdb[10:14], allocLen)
	return cdb
}

// ParseCapacity10 decodes 10-byte READ CAPACITY data: the last addressable
// LBA and the block size.
func ParseCapacity10(b []byte) (lastLBA uint32, blockSize uint32, err error) {
	if len(b) < CapacityData10Len {
		return 0, 0, fmt.Errorf("%w: %d bytes", ErrShortCapacityData, len(b))
	}
	return binary.BigEndian.Uint32(b[0:4]), binary.BigEndian.Uint32(b[4:8]), nil
}

// ParseCapacity16 decodes 16-byte READ CAPACITY data.
func ParseCapacity16(b []byte) (lastLBA uint64, blockSize uint32, err error) {
	if len(b) < 12 {
		return 0, 0, fmt.Errorf("%w: %d bytes", ErrShortCapacityData, len(b))
	}
	return binary.BigEndian.Uint64(b[0:8]), binary.BigEndian.Uint32(b[8:12]), nil
}

// String formats the CDB as hex bytes, for logging.
func (c CDB) String() string {
	n := 10
	switch c[0] {
	case OpcodeRead16, OpcodeWrite16, OpcodeServiceActionIn:
		n = 16
	}
	return fmt.Sprintf("%x", c[:n])
}
