// Package block defines the block-device contract between a block consumer
// (the boot firmware's disk emulation) and the SCSI command engine below it:
// read, write and read-capacity requests issued downward, and the capacity
// record delivered upward. Results of all three operations arrive
// asynchronously on the consumer's data endpoint, as a capacity notification
// and/or a close event carrying the completion status.
package block

import (
	"errors"

	"github.com/sanboot/srpblk/internal/interconnect"
)

// ErrNotSupported is the rejection for block operations issued against a
// peer that is not a block device.
var ErrNotSupported = errors.New("block operation not supported")

// Capacity is the final result of a read-capacity request.
type Capacity struct {
	// Blocks is the total number of logical blocks.
	Blocks uint64
	// BlockSize is the size of one logical block in bytes.
	BlockSize uint32
	// MaxCount is the largest number of blocks one read or write may carry.
	MaxCount uint
}

// Controller is the operation set a block device answers on its control
// endpoint. Each call either rejects immediately or accepts; acceptance
// means the outcome will be delivered on the data endpoint.
type Controller interface {
	ReadBlocks(data *interconnect.Endpoint, lba uint64, count uint, buf []byte) error
	WriteBlocks(data *interconnect.Endpoint, lba uint64, count uint, buf []byte) error
	ReadCapacity(data *interconnect.Endpoint) error
}

// CapacityReceiver accepts the capacity record on the consumer's data
// endpoint. Unanswered capacity notifications are ignored.
type CapacityReceiver interface {
	HandleCapacity(c Capacity)
}

// Read issues a block read against ctrl's peer. buf must hold count blocks.
func Read(ctrl, data *interconnect.Endpoint, lba uint64, count uint, buf []byte) error {
	op, owner, ok := interconnect.Resolve[Controller](ctrl)
	defer owner.Put()
	if !ok {
		return ErrNotSupported
	}
	return op.ReadBlocks(data, lba, count, buf)
}

// Write issues a block write against ctrl's peer.
func Write(ctrl, data *interconnect.Endpoint, lba uint64, count uint, buf []byte) error {
	op, owner, ok := interconnect.Resolve[Controller](ctrl)
	defer owner.Put()
	if !ok {
		return ErrNotSupported
	}
	return op.WriteBlocks(data, lba, count, buf)
}

// ReadCapacity issues a capacity query against ctrl's peer.
func ReadCapacity(ctrl, data *interconnect.Endpoint) error {
	op, owner, ok := interconnect.Resolve[Controller](ctrl)
	defer owner.Put()
	if !ok {
		return ErrNotSupported
	}
	return op.ReadCapacity(data)
}

// DeliverCapacity reports a capacity record to e's peer.
func DeliverCapacity(e *interconnect.Endpoint, c Capacity) {
	op, owner, ok := interconnect.Resolve[CapacityReceiver](e)
	defer owner.Put()
	if ok {
		op.HandleCapacity(c)
	}
}
