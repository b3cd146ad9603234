// Package target implements an in-process SRP target backed by a RAM disk.
// It answers login requests and executes SCSI block commands against its
// disk, accessing command data buffers through the shared address registry
// the way a real target uses remote memory access.
//
// Outbound units are queued rather than delivered inline; the caller drives
// delivery with Step or Pump. That keeps the initiator's view honest: a
// response never arrives in the middle of the call that sent the command.
package target

import (
	"encoding/binary"

	"github.com/sanboot/srpblk/internal/dma"
	"github.com/sanboot/srpblk/internal/interconnect"
	"github.com/sanboot/srpblk/internal/logger"
	"github.com/sanboot/srpblk/internal/scsi"
	"github.com/sanboot/srpblk/internal/srp"
	"github.com/sanboot/srpblk/internal/xfer"
)

// SCSI status and sense constants the target reports.
const (
	statusGood           = 0x00
	statusCheckCondition = 0x02

	senseIllegalRequest = 0x05
	senseResponseCode   = 0x70
)

// Config describes the emulated target.
type Config struct {
	// Blocks and BlockSize size the RAM disk.
	Blocks    uint64
	BlockSize uint32

	// Registry resolves the memory descriptors carried in command units. It
	// must be the same registry the initiator session maps buffers into.
	Registry *dma.Registry

	// RejectLogin makes the target answer every login request with a
	// rejection carrying RejectReason.
	RejectLogin  bool
	RejectReason uint32
}

// Target is one emulated SRP target instance.
type Target struct {
	refcnt interconnect.RefCount
	socket interconnect.Endpoint

	cfg      Config
	disk     []byte
	loggedIn bool

	// failures makes the next N commands fail with CHECK CONDITION before
	// touching the disk, to exercise initiator retry.
	failures int

	queue [][]byte
}

type socketOps struct{ t *Target }

func (o socketOps) HandleDeliver(pdu []byte) error { return o.t.deliver(pdu) }
func (o socketOps) HandleClose(reason error)       { o.t.closed(reason) }

// New creates a target with a zero-filled RAM disk.
func New(cfg Config) *Target {
	if cfg.Registry == nil {
		cfg.Registry = dma.NewRegistry()
	}
	t := &Target{
		cfg:  cfg,
		disk: make([]byte, cfg.Blocks*uint64(cfg.BlockSize)),
	}
	t.refcnt.Init(nil)
	t.socket.Init("target-socket", &t.refcnt, socketOps{t})
	return t
}

// Endpoint returns the transport endpoint to plug the initiator session
// into.
func (t *Target) Endpoint() *interconnect.Endpoint { return &t.socket }

// Disk exposes the raw RAM disk for test setup and verification.
func (t *Target) Disk() []byte { return t.disk }

// FailNext makes the next n commands fail with CHECK CONDITION.
func (t *Target) FailNext(n int) { t.failures = n }

// Pending reports how many outbound units are queued.
func (t *Target) Pending() int { return len(t.queue) }

// Step delivers one queued outbound unit to the initiator. It reports
// whether a unit was sent.
func (t *Target) Step() bool {
	if len(t.queue) == 0 {
		return false
	}
	iu := t.queue[0]
	t.queue = t.queue[1:]

	if err := xfer.Deliver(&t.socket, iu); err != nil {
		logger.Debug("target could not deliver IU",
			logger.KeyIUType, srp.TypeName(iu[0]), logger.KeyReason, err)
	}
	return true
}

// Pump delivers queued units until the queue drains, including units queued
// as a consequence of earlier deliveries. Returns the number delivered.
func (t *Target) Pump() int {
	n := 0
	for t.Step() {
		n++
	}
	return n
}

func (t *Target) closed(reason error) {
	logger.Debug("target connection closed", logger.KeyReason, reason)
	t.loggedIn = false
	t.queue = nil
}

func (t *Target) deliver(pdu []byte) error {
	if len(pdu) < srp.CommonLen {
		return srp.ErrShortIU
	}

	switch pdu[0] {
	case srp.TypeLoginReq:
		return t.login(pdu)
	case srp.TypeCmd:
		return t.command(pdu)
	default:
		logger.Debug("target ignoring IU", logger.KeyIUType, srp.TypeName(pdu[0]))
		return nil
	}
}

func (t *Target) login(pdu []byte) error {
	req, err := srp.ParseLoginReq(pdu)
	if err != nil {
		return err
	}

	if t.cfg.RejectLogin {
		rej := srp.LoginRej{Tag: req.Tag, Reason: t.cfg.RejectReason}
		t.queue = append(t.queue, rej.Encode())
		return nil
	}

	t.loggedIn = true
	rsp := srp.LoginRsp{
		Tag:               req.Tag,
		RequestLimitDelta: 1,
		MaxITIULen:        req.MaxIULen,
		MaxTIIULen:        srp.MaxIULen,
		Formats:           srp.FmtDirectBufferDesc,
	}
	t.queue = append(t.queue, rsp.Encode())
	return nil
}

func (t *Target) command(pdu []byte) error {
	cmd, err := srp.ParseCmd(pdu)
	if err != nil {
		return err
	}

	rsp := srp.Rsp{Tag: cmd.Tag}
	if t.failures > 0 {
		t.failures--
		t.checkCondition(&rsp)
	} else if err := t.execute(cmd); err != nil {
		logger.Debug("target command failed",
			logger.KeyTag, cmd.Tag, logger.KeyReason, err)
		t.checkCondition(&rsp)
	}

	t.queue = append(t.queue, rsp.Encode())
	return nil
}

func (t *Target) checkCondition(rsp *srp.Rsp) {
	rsp.Status = statusCheckCondition
	sense := make([]byte, 18)
	sense[0] = senseResponseCode
	sense[2] = senseIllegalRequest
	rsp.Sense = sense
}

// execute runs one command descriptor block against the RAM disk.
func (t *Target) execute(cmd *srp.Cmd) error {
	switch cmd.CDB[0] {
	case scsi.OpcodeRead10:
		lba := uint64(binary.BigEndian.Uint32(cmd.CDB[2:6]))
		count := uint64(binary.BigEndian.Uint16(cmd.CDB[7:9]))
		return t.read(cmd, lba, count)

	case scsi.OpcodeRead16:
		lba := binary.BigEndian.Uint64(cmd.CDB[2:10])
		count := uint64(binary.BigEndian.Uint32(cmd.CDB[10:14]))
		return t.read(cmd, lba, count)

	case scsi.OpcodeWrite10:
		lba := uint64(binary.BigEndian.Uint32(cmd.CDB[2:6]))
		count := uint64(binary.BigEndian.Uint16(cmd.CDB[7:9]))
		return t.write(cmd, lba, count)

	case scsi.OpcodeWrite16:
		lba := binary.BigEndian.Uint64(cmd.CDB[2:10])
		count := uint64(binary.BigEndian.Uint32(cmd.CDB[10:14]))
		return t.write(cmd, lba, count)

	case scsi.OpcodeReadCapacity10:
		return t.readCapacity10(cmd)

	case scsi.OpcodeServiceActionIn:
		if cmd.CDB[1]&0x1f == scsi.ServiceActionReadCapacity16 {
			return t.readCapacity16(cmd)
		}
		return errUnsupportedOpcode(cmd.CDB[0])

	default:
		return errUnsupportedOpcode(cmd.CDB[0])
	}
}

func (t *Target) read(cmd *srp.Cmd, lba, count uint64) error {
	buf, err := t.window(cmd.DataIn, lba, count)
	if err != nil {
		return err
	}
	off := lba * uint64(t.cfg.BlockSize)
	copy(buf, t.disk[off:off+count*uint64(t.cfg.BlockSize)])
	return nil
}

func (t *Target) write(cmd *srp.Cmd, lba, count uint64) error {
	buf, err := t.window(cmd.DataOut, lba, count)
	if err != nil {
		return err
	}
	off := lba * uint64(t.cfg.BlockSize)
	copy(t.disk[off:off+count*uint64(t.cfg.BlockSize)], buf)
	return nil
}

// window resolves a memory descriptor and bounds-checks the block range.
func (t *Target) window(desc *srp.MemoryDesc, lba, count uint64) ([]byte, error) {
	if desc == nil {
		return nil, errMissingDescriptor
	}
	if lba+count > t.cfg.Blocks {
		return nil, errOutOfRange(lba, count)
	}
	need := count * uint64(t.cfg.BlockSize)
	if uint64(desc.Len) < need {
		return nil, errShortBuffer(desc.Len, need)
	}
	return t.cfg.Registry.At(desc.Address, uint32(need))
}

func (t *Target) readCapacity10(cmd *srp.Cmd) error {
	if cmd.DataIn == nil {
		return errMissingDescriptor
	}
	buf, err := t.cfg.Registry.At(cmd.DataIn.Address, scsi.CapacityData10Len)
	if err != nil {
		return err
	}

	last := t.cfg.Blocks - 1
	if last > scsi.MaxBlock10 {
		// Capacity exceeds the 10-byte range; report the sentinel so the
		// initiator escalates to the 16-byte form.
		last = scsi.MaxBlock10
	}
	binary.BigEndian.PutUint32(buf[0:4], uint32(last))
	binary.BigEndian.PutUint32(buf[4:8], t.cfg.BlockSize)
	return nil
}

func (t *Target) readCapacity16(cmd *srp.Cmd) error {
	if cmd.DataIn == nil {
		return errMissingDescriptor
	}
	allocLen := binary.BigEndian.Uint32(cmd.CDB[10:14])
	if allocLen < 12 {
		return errShortBuffer(allocLen, 12)
	}
	buf, err := t.cfg.Registry.At(cmd.DataIn.Address, allocLen)
	if err != nil {
		return err
	}

	binary.BigEndian.PutUint64(buf[0:8], t.cfg.Blocks-1)
	binary.BigEndian.PutUint32(buf[8:12], t.cfg.BlockSize)
	return nil
}
