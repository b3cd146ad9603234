package scsi

import (
	"slices"

	"github.com/sanboot/srpblk/internal/interconnect"
	"github.com/sanboot/srpblk/internal/logger"
	"github.com/sanboot/srpblk/pkg/metrics"
)

// maxRetries bounds how many times one command is reissued after a non-zero
// status before it fails hard.
const maxRetries = 10

// Device is a SCSI device bound to one logical unit. It answers block
// operations on its block endpoint and forwards SCSI commands through its
// scsi endpoint; the two are pass-through siblings, so queries neither side
// answers (such as the flow-control window) flow straight through to the
// transport.
type Device struct {
	refcnt interconnect.RefCount
	block  interconnect.Endpoint
	scsi   interconnect.Endpoint

	lun  LUN
	cmds []*command
}

type devBlockOps struct{ d *Device }

func (o devBlockOps) ReadBlocks(data *interconnect.Endpoint, lba uint64, count uint, buf []byte) error {
	return o.d.command(data, readCommand{}, lba, count, buf)
}

func (o devBlockOps) WriteBlocks(data *interconnect.Endpoint, lba uint64, count uint, buf []byte) error {
	return o.d.command(data, writeCommand{}, lba, count, buf)
}

func (o devBlockOps) ReadCapacity(data *interconnect.Endpoint) error {
	return o.d.command(data, &readCapacityCommand{}, 0, 0, nil)
}

func (o devBlockOps) HandleClose(reason error) { o.d.close(reason) }

type devSCSIOps struct{ d *Device }

func (o devSCSIOps) HandleClose(reason error) { o.d.close(reason) }

// Open creates a SCSI device bound to lun and plugs it between the block
// consumer endpoint and the SCSI-command-issuing transport endpoint.
func Open(blk, ctrl *interconnect.Endpoint, lun LUN) error {
	d := &Device{lun: lun}
	d.refcnt.Init(nil)
	d.block.Init("scsidev-block", &d.refcnt, devBlockOps{d})
	d.scsi.Init("scsidev-scsi", &d.refcnt, devSCSIOps{d})
	interconnect.Pair(&d.block, &d.scsi)
	logger.Debug("scsi device created", logger.KeyLUN, lun.String())

	// Plug both sides, then drop the working reference; the connections now
	// keep the device alive.
	interconnect.PlugPlug(&d.scsi, ctrl)
	interconnect.PlugPlug(&d.block, blk)
	d.refcnt.Put()
	return nil
}

// close cancels every in-flight command with reason and detaches both sides.
func (d *Device) close(reason error) {
	interconnect.Shutdown(reason, &d.block, &d.scsi)

	// Snapshot: closing a command removes it from the list.
	for _, c := range slices.Clone(d.cmds) {
		c.refcnt.Get()
		c.close(reason)
		c.refcnt.Put()
	}
}

func (d *Device) remove(c *command) {
	for i, e := range d.cmds {
		if e == c {
			d.cmds = slices.Delete(d.cmds, i, i+1)
			return
		}
	}
}

// command allocates one command of the given type, issues it, and on
// acceptance plugs the caller's data endpoint to receive the outcome. A
// rejection is returned synchronously and the caller is never plugged.
func (d *Device) command(data *interconnect.Endpoint, typ commandType, lba uint64, count uint, buf []byte) error {
	c := &command{dev: d, typ: typ, lba: lba, count: count, buffer: buf}
	c.refcnt.Init(c.free)
	c.block.Init("scsicmd-block", &c.refcnt, cmdBlockOps{c})
	c.scsi.Init("scsicmd-scsi", &c.refcnt, cmdSCSIOps{c})
	interconnect.Pair(&c.block, &c.scsi)
	d.refcnt.Get()
	d.cmds = append(d.cmds, c)

	if err := c.issue(); err != nil {
		c.close(err)
		c.refcnt.Put()
		return err
	}

	interconnect.PlugPlug(&c.block, data)
	c.refcnt.Put()
	return nil
}

// command is one outstanding SCSI command: its addressing, buffer, retry
// budget and current wire tag.
type command struct {
	refcnt interconnect.RefCount
	dev    *Device
	block  interconnect.Endpoint
	scsi   interconnect.Endpoint

	typ     commandType
	lba     uint64
	count   uint
	buffer  []byte
	tag     uint32
	retries int
}

// commandType is the variant-specific behavior of a command: how to build
// its descriptor block and what to do when the transfer finishes.
type commandType interface {
	name() string
	build(c *command, cmd *Command)
	done(c *command, err error)
}

type cmdBlockOps struct{ c *command }

func (o cmdBlockOps) HandleClose(reason error) { o.c.close(reason) }

type cmdSCSIOps struct{ c *command }

func (o cmdSCSIOps) HandleClose(reason error)       { o.c.done(reason) }
func (o cmdSCSIOps) HandleSCSIResponse(r *Response) { o.c.response(r) }

func (c *command) free() {
	c.dev.remove(c)
	c.dev.refcnt.Put()
}

// issue constructs the command and hands it to the transport. The wire tag
// may change across a reissue.
func (c *command) issue() error {
	cmd := Command{LUN: c.dev.lun}
	c.typ.build(c, &cmd)

	tag, err := Issue(&c.dev.scsi, &c.scsi, &cmd)
	if err != nil {
		logger.Debug("could not issue command",
			logger.KeyOp, c.typ.name(), logger.KeyReason, err)
		return err
	}
	if c.tag != 0 && c.tag != tag {
		logger.Debug("command reissued under new tag",
			logger.KeyOp, c.typ.name(), "old_tag", c.tag, logger.KeyTag, tag)
	}
	c.tag = tag
	logger.Debug("command issued",
		logger.KeyOp, c.typ.name(), logger.KeyTag, tag,
		logger.KeyLBA, c.lba, logger.KeyBlocks, c.count,
		"cdb", cmd.CDB.String())
	metrics.CommandIssued(c.typ.name())
	return nil
}

// done handles completion of one transfer attempt. Targets return the
// occasional pointless transient error, so failed attempts are reissued
// until the retry budget runs out.
func (c *command) done(err error) {
	c.scsi.Restart(err)

	if err != nil && c.retries < maxRetries {
		c.retries++
		logger.Debug("retrying command",
			logger.KeyOp, c.typ.name(), logger.KeyTag, c.tag,
			logger.KeyRetry, c.retries, logger.KeyReason, err)
		metrics.CommandRetried(c.typ.name())
		if c.issue() == nil {
			return
		}
	}

	c.typ.done(c, err)
	metrics.CommandCompleted(c.typ.name(), err == nil)
}

func (c *command) response(rsp *Response) {
	if rsp.Status == 0 {
		c.done(nil)
		return
	}
	logger.Debug("command failed",
		logger.KeyOp, c.typ.name(), logger.KeyTag, c.tag,
		logger.KeyStatus, rsp.Status, logger.KeyResidual, rsp.Residual,
		"sense_key", rsp.Sense.Key)
	c.done(ErrIO)
}

// close delivers the final outcome: both endpoints shut down, notifying the
// consumer (and the transport, if a transfer is still in flight) exactly
// once.
func (c *command) close(err error) {
	if err != nil {
		logger.Debug("command closed",
			logger.KeyOp, c.typ.name(), logger.KeyTag, c.tag,
			logger.KeyReason, err)
	}
	interconnect.Shutdown(err, &c.scsi, &c.block)
}
