package srp

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/sanboot/srpblk/internal/dma"
	"github.com/sanboot/srpblk/internal/interconnect"
	"github.com/sanboot/srpblk/internal/logger"
	"github.com/sanboot/srpblk/internal/scsi"
	"github.com/sanboot/srpblk/internal/xfer"
	"github.com/sanboot/srpblk/pkg/bufpool"
	"github.com/sanboot/srpblk/pkg/metrics"
)

var (
	// ErrBusy rejects command issuance before login completes.
	ErrBusy = errors.New("device busy")
	// ErrTagExhausted rejects command issuance when all 65536 tags are
	// active.
	ErrTagExhausted = errors.New("tag space exhausted")
	// ErrLoginRejected is the terminal close reason after a login-rejection
	// unit.
	ErrLoginRejected = errors.New("login rejected")
	// ErrNoSuchTag reports a well-formed response whose tag matches no
	// active command. The session survives it.
	ErrNoSuchTag = errors.New("no command with matching tag")
	// ErrUnrecognizedIU reports a well-formed unit of unknown type. The
	// session survives it.
	ErrUnrecognizedIU = errors.New("unrecognised IU type")
)

// State is the session state.
type State int

const (
	LoggedOut State = iota
	LoggingIn
	LoggedIn
	Closed
)

func (s State) String() string {
	switch s {
	case LoggedOut:
		return "logged-out"
	case LoggingIn:
		return "logging-in"
	case LoggedIn:
		return "logged-in"
	case Closed:
		return "closed"
	}
	return "invalid"
}

// Settings configures one SRP session.
type Settings struct {
	// Initiator and Target are the 128-bit port identifiers exchanged at
	// login.
	Initiator PortID
	Target    PortID
	// MemoryHandle is the remote memory handle tagged onto every memory
	// descriptor.
	MemoryHandle uint32
	// LUN is the logical unit the SCSI device above is bound to.
	LUN scsi.LUN
	// Mapper translates data buffers to the bus addresses carried in memory
	// descriptors. Defaults to a private registry.
	Mapper dma.Mapper
}

// Device is one SRP session: the login state machine, the active-tag table,
// and the serialization of SCSI commands onto the transport below.
type Device struct {
	refcnt interconnect.RefCount
	scsi   interconnect.Endpoint
	socket interconnect.Endpoint

	state        State
	memoryHandle uint32
	initiator    PortID
	target       PortID
	lun          scsi.LUN
	mapper       dma.Mapper

	cmds   []*command
	tags   map[uint32]*command
	tagIdx uint16
}

type devSCSIOps struct{ d *Device }

func (o devSCSIOps) IssueSCSI(data *interconnect.Endpoint, cmd *scsi.Command) (uint32, error) {
	return o.d.issue(data, cmd)
}

// Window is zero until login completes, so the layer above cannot issue
// prematurely, and unbounded afterward.
func (o devSCSIOps) Window() uint64 {
	if o.d.state == LoggedIn {
		return math.MaxUint64
	}
	return 0
}

func (o devSCSIOps) HandleClose(reason error) { o.d.close(reason) }

type devSocketOps struct{ d *Device }

func (o devSocketOps) HandleDeliver(pdu []byte) error { return o.d.deliver(pdu) }
func (o devSocketOps) HandleClose(reason error)       { o.d.close(reason) }

// Open creates an SRP session over the given transport endpoint, sends the
// login request, and attaches a SCSI device for cfg.LUN between the block
// consumer endpoint and the session.
func Open(blk, socket *interconnect.Endpoint, cfg Settings) error {
	d := &Device{
		state:        LoggedOut,
		memoryHandle: cfg.MemoryHandle,
		initiator:    cfg.Initiator,
		target:       cfg.Target,
		lun:          cfg.LUN,
		mapper:       cfg.Mapper,
		tags:         make(map[uint32]*command),
	}
	if d.mapper == nil {
		d.mapper = dma.NewRegistry()
	}
	d.refcnt.Init(nil)
	d.scsi.Init("srpdev-scsi", &d.refcnt, devSCSIOps{d})
	d.socket.Init("srpdev-socket", &d.refcnt, devSocketOps{d})
	logger.Debug("srp session created",
		"initiator", d.initiator.String(), "target", d.target.String(),
		logger.KeyLUN, d.lun.String())

	interconnect.PlugPlug(&d.socket, socket)

	// Cannot fail while no commands are active.
	tag, _ := d.newTag()
	if err := d.login(tag); err != nil {
		d.close(err)
		d.refcnt.Put()
		return err
	}

	if err := scsi.Open(blk, &d.scsi, cfg.LUN); err != nil {
		logger.Debug("could not create scsi device", logger.KeyReason, err)
		d.close(err)
		d.refcnt.Put()
		return err
	}

	// Mortalise: the plugged connections now own the session.
	d.refcnt.Put()
	return nil
}

// close tears down the session and cascades the reason to every outstanding
// command. Safe to call repeatedly, from any state.
func (d *Device) close(reason error) {
	if reason != nil && d.state != Closed {
		logger.Debug("srp session closed",
			logger.KeyState, d.state.String(), logger.KeyReason, reason)
	}
	d.state = Closed

	interconnect.Shutdown(reason, &d.socket, &d.scsi)

	for _, c := range slices.Clone(d.cmds) {
		c.refcnt.Get()
		c.close(reason)
		c.refcnt.Put()
	}
}

// newTag allocates a tag not currently active on this session: a 16-bit
// rolling counter probed at most once around.
func (d *Device) newTag() (uint32, error) {
	for i := 0; i < 65536; i++ {
		d.tagIdx++
		tag := uint32(d.tagIdx)
		if _, busy := d.tags[tag]; !busy {
			return tag, nil
		}
	}
	return 0, ErrTagExhausted
}

func (d *Device) findTag(tag uint32) *command { return d.tags[tag] }

// login serializes and sends the login-request unit. The state machine
// treats the send as fire-and-forget.
func (d *Device) login(tag uint32) error {
	req := LoginReq{
		Tag:       tag,
		MaxIULen:  MaxIULen,
		Formats:   FmtDirectBufferDesc,
		Initiator: d.initiator,
		Target:    d.target,
	}
	logger.Debug("sending LOGIN_REQ", logger.KeyTag, tag)
	if err := xfer.Deliver(&d.socket, req.Encode()); err != nil {
		logger.Debug("could not send LOGIN_REQ",
			logger.KeyTag, tag, logger.KeyReason, err)
		return err
	}
	d.state = LoggingIn
	metrics.LoginAttempt()
	return nil
}

// issue registers a new command under a fresh tag and serializes the
// command unit. Only a logged-in session accepts commands.
func (d *Device) issue(data *interconnect.Endpoint, cmd *scsi.Command) (uint32, error) {
	if d.state != LoggedIn {
		logger.Debug("cannot issue before login completes",
			logger.KeyState, d.state.String())
		return 0, ErrBusy
	}

	tag, err := d.newTag()
	if err != nil {
		return 0, err
	}

	c := &command{dev: d, tag: tag, listed: true}
	c.refcnt.Init(c.free)
	c.scsi.Init("srpcmd-scsi", &c.refcnt, cmdOps{c})
	d.refcnt.Get()
	d.cmds = append(d.cmds, c)
	d.tags[tag] = c
	metrics.TagsActive(len(d.tags))

	if err := d.send(cmd, c); err != nil {
		c.close(err)
		return 0, err
	}

	// Attach to the parent data endpoint; the working reference stays with
	// the command list.
	interconnect.PlugPlug(&c.scsi, data)
	return tag, nil
}

// send serializes one command unit, mapping data buffers into memory
// descriptors tagged with the session's memory handle.
func (d *Device) send(cmd *scsi.Command, c *command) error {
	iu := Cmd{Tag: c.tag, LUN: cmd.LUN, CDB: cmd.CDB}
	if cmd.DataOut != nil {
		addr := d.mapper.Map(cmd.DataOut)
		c.mapped = append(c.mapped, addr)
		iu.DataOut = &MemoryDesc{
			Address: addr,
			Handle:  d.memoryHandle,
			Len:     uint32(len(cmd.DataOut)),
		}
	}
	if cmd.DataIn != nil {
		addr := d.mapper.Map(cmd.DataIn)
		c.mapped = append(c.mapped, addr)
		iu.DataIn = &MemoryDesc{
			Address: addr,
			Handle:  d.memoryHandle,
			Len:     uint32(len(cmd.DataIn)),
		}
	}

	buf := bufpool.Get(MaxIULen)
	defer bufpool.Put(buf)
	n := iu.EncodeTo(buf)

	logger.Debug("sending CMD", logger.KeyTag, c.tag, logger.KeyBytes, n)
	if err := xfer.Deliver(&d.socket, buf[:n]); err != nil {
		logger.Debug("could not send CMD",
			logger.KeyTag, c.tag, logger.KeyReason, err)
		return err
	}
	return nil
}

// deliver dispatches one inbound unit by its type byte. Structurally
// invalid units and login rejections tear the session down; an unknown tag
// or unit type is reported without touching the session.
func (d *Device) deliver(pdu []byte) error {
	if len(pdu) < CommonLen {
		err := fmt.Errorf("IU %w (%d bytes)", ErrShortIU, len(pdu))
		metrics.IUDecodeError()
		d.close(err)
		return err
	}
	metrics.IUReceived(TypeName(pdu[0]))

	switch pdu[0] {
	case TypeLoginRsp:
		if err := d.loginRsp(pdu); err != nil {
			metrics.IUDecodeError()
			d.close(err)
			return err
		}
		return nil
	case TypeLoginRej:
		err := d.loginRej(pdu)
		d.close(err)
		return err
	case TypeRsp:
		return d.rsp(pdu)
	default:
		logger.Warn("unrecognised IU",
			logger.KeyIUType, fmt.Sprintf("%#02x", pdu[0]),
			logger.KeyTag, tagID(pdu[8:16]))
		return ErrUnrecognizedIU
	}
}

// loginRsp completes the handshake: the session becomes logged in and the
// transfer window opens. The window change is signaled exactly once, on the
// transition.
func (d *Device) loginRsp(pdu []byte) error {
	rsp, err := ParseLoginRsp(pdu)
	if err != nil {
		return err
	}
	if d.state != LoggingIn {
		logger.Debug("ignoring LOGIN_RSP", logger.KeyState, d.state.String(),
			logger.KeyTag, rsp.Tag)
		return nil
	}
	d.state = LoggedIn
	logger.Info("srp session logged in", logger.KeyTag, rsp.Tag)
	metrics.LoginCompleted(true)

	xfer.WindowChanged(&d.scsi)
	return nil
}

// loginRej is always terminal: permission denied, with the target's reason
// code recorded.
func (d *Device) loginRej(pdu []byte) error {
	rej, err := ParseLoginRej(pdu)
	if err != nil {
		metrics.IUDecodeError()
		return err
	}
	logger.Warn("login rejected",
		logger.KeyTag, rej.Tag, logger.KeyReason, fmt.Sprintf("%#08x", rej.Reason))
	metrics.LoginCompleted(false)
	return fmt.Errorf("%w (reason %#08x)", ErrLoginRejected, rej.Reason)
}

// rsp correlates a response unit to its command by tag and delivers the
// resolved SCSI response upward. The command is removed from the active-tag
// table before the function returns.
func (d *Device) rsp(pdu []byte) error {
	rsp, err := ParseRsp(pdu)
	if err != nil {
		metrics.IUDecodeError()
		d.close(err)
		return err
	}

	c := d.findTag(rsp.Tag)
	if c == nil {
		logger.Debug("unrecognised RSP tag", logger.KeyTag, rsp.Tag)
		return fmt.Errorf("%w: %#08x", ErrNoSuchTag, rsp.Tag)
	}

	// Hold the command for the remainder of the function; delivering the
	// response may release every other reference.
	c.refcnt.Get()
	defer c.refcnt.Put()

	response := scsi.Response{
		Status:   rsp.Status,
		Residual: rsp.Residual(),
	}
	if len(rsp.Sense) >= 3 {
		response.Sense.Code = rsp.Sense[0]
		response.Sense.Key = rsp.Sense[2] & 0x0f
		if len(rsp.Sense) >= 7 {
			response.Sense.Info = uint32(rsp.Sense[3])<<24 |
				uint32(rsp.Sense[4])<<16 | uint32(rsp.Sense[5])<<8 |
				uint32(rsp.Sense[6])
		}
	}
	logger.Debug("received RSP",
		logger.KeyTag, rsp.Tag, logger.KeyStatus, rsp.Status,
		logger.KeyResidual, response.Residual)

	scsi.DeliverResponse(&c.scsi, &response)
	c.close(nil)
	return nil
}

// command correlates one SCSI command to a wire tag for the lifetime of the
// exchange.
type command struct {
	refcnt interconnect.RefCount
	dev    *Device
	scsi   interconnect.Endpoint

	tag    uint32
	mapped []uint64
	listed bool
}

type cmdOps struct{ c *command }

func (o cmdOps) HandleClose(reason error) { o.c.close(reason) }

// close detaches the command: out of the tag table, off the list, and one
// close notification to the SCSI layer above.
func (c *command) close(reason error) {
	if reason != nil {
		logger.Debug("srp command closed",
			logger.KeyTag, c.tag, logger.KeyReason, reason)
	}

	if c.listed {
		c.listed = false
		c.dev.remove(c)
		delete(c.dev.tags, c.tag)
		metrics.TagsActive(len(c.dev.tags))
		c.refcnt.Put()
	}

	c.scsi.Close(reason)
}

func (c *command) free() {
	for _, addr := range c.mapped {
		c.dev.mapper.Unmap(addr)
	}
	c.dev.refcnt.Put()
}

func (d *Device) remove(c *command) {
	for i, e := range d.cmds {
		if e == c {
			d.cmds = slices.Delete(d.cmds, i, i+1)
			return
		}
	}
}
