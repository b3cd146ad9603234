package scsi

import (
	"math"

	"github.com/sanboot/srpblk/internal/block"
)

// readCommand reads count blocks starting at lba into the caller's buffer.
type readCommand struct{}

func (readCommand) name() string { return "READ" }

func (readCommand) build(c *command, cmd *Command) {
	cmd.CDB = ReadCDB(c.lba, c.count)
	cmd.DataIn = c.buffer
}

func (readCommand) done(c *command, err error) { c.close(err) }

// writeCommand writes count blocks from the caller's buffer.
type writeCommand struct{}

func (writeCommand) name() string { return "WRITE" }

func (writeCommand) build(c *command, cmd *Command) {
	cmd.CDB = WriteCDB(c.lba, c.count)
	cmd.DataOut = c.buffer
}

func (writeCommand) done(c *command, err error) { c.close(err) }

// readCapacityCommand queries the device capacity. The 10-byte form is
// issued first; when it reports the overflow sentinel the command escalates
// once to the 16-byte form. The caller never observes which form answered.
type readCapacityCommand struct {
	use16 bool
	data  [CapacityData16Len]byte
}

func (*readCapacityCommand) name() string { return "READ CAPACITY" }

func (t *readCapacityCommand) build(c *command, cmd *Command) {
	if t.use16 {
		cmd.CDB = ReadCapacity16CDB(CapacityData16Len)
		cmd.DataIn = t.data[:CapacityData16Len]
	} else {
		cmd.CDB = ReadCapacity10CDB()
		cmd.DataIn = t.data[:CapacityData10Len]
	}
}

func (t *readCapacityCommand) done(c *command, err error) {
	if err != nil {
		c.close(err)
		return
	}

	var capacity block.Capacity
	if t.use16 {
		last, blksize, perr := ParseCapacity16(t.data[:])
		if perr != nil {
			c.close(perr)
			return
		}
		capacity.Blocks = last + 1
		capacity.BlockSize = blksize
	} else {
		last, blksize, perr := ParseCapacity10(t.data[:CapacityData10Len])
		if perr != nil {
			c.close(perr)
			return
		}

		// The sentinel means the capacity exceeds the 10-byte range. The
		// 16-byte form is not mandatory, so it is only tried on demand.
		if last == MaxBlock10 {
			t.use16 = true
			if rerr := c.issue(); rerr != nil {
				c.close(rerr)
			}
			return
		}
		capacity.Blocks = uint64(last) + 1
		capacity.BlockSize = blksize
	}
	capacity.MaxCount = math.MaxUint

	block.DeliverCapacity(&c.block, capacity)
	c.close(nil)
}
