// Package srp implements the SRP transport state machine: login handshake,
// per-session tag allocation, command serialization, response correlation
// and flow-control windowing, carried over a message-oriented transport
// below and exposing a SCSI-command-issuing endpoint above.
package srp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// IU type codes, one byte at offset zero of every unit.
const (
	TypeLoginReq = 0x00
	TypeCmd      = 0x02
	TypeLoginRsp = 0xc0
	TypeRsp      = 0xc1
	TypeLoginRej = 0xc2
)

// TagMagic is the fixed high dword of every 64-bit tag this initiator
// sends; targets echo it back, so a response tag that lacks it was never
// ours.
const TagMagic = 0x53525069

// Wire lengths. Every multi-byte field is big-endian.
const (
	// CommonLen is the shared IU prefix: type, reserved, 64-bit tag.
	CommonLen     = 16
	LoginReqLen   = 64
	LoginRspLen   = 52
	LoginRejLen   = 32
	CmdLen        = 48
	MemoryDescLen = 16

	// MaxIULen bounds any initiator-to-target IU: a command unit with two
	// direct memory descriptors.
	MaxIULen = CmdLen + 2*MemoryDescLen
)

// FmtDirectBufferDesc is the required-buffer-formats bit requesting direct
// data buffer descriptor support at login.
const FmtDirectBufferDesc = 0x0002

// Command unit data-buffer-format nibbles: direct descriptor present for
// data-out (high nibble) and data-in (low nibble).
const (
	CmdFmtDirectOut = 0x10
	CmdFmtDirectIn  = 0x01
)

// Response valid bits, in decode-precedence order for the residual fields.
const (
	ValidRspData         = 0x01
	ValidSense           = 0x02
	ValidDataOutOverrun  = 0x04
	ValidDataOutUnderrun = 0x08
	ValidDataInOverrun   = 0x10
	ValidDataInUnderrun  = 0x20
)

var (
	// ErrShortIU indicates a structurally invalid unit: shorter than its
	// type's fixed portion. Receiving one is fatal to the session.
	ErrShortIU = errors.New("IU too short")
)

// putTag writes the 64-bit wire tag: magic high dword, id low dword.
func putTag(b []byte, id uint32) {
	binary.BigEndian.PutUint32(b[0:4], TagMagic)
	binary.BigEndian.PutUint32(b[4:8], id)
}

// tagID reads the low dword of a wire tag.
func tagID(b []byte) uint32 {
	return binary.BigEndian.Uint32(b[4:8])
}

// LoginReq is the login-request unit: it opens a session, announcing the
// port identifiers and the largest request unit the initiator will send.
type LoginReq struct {
	Tag       uint32
	MaxIULen  uint32
	Formats   uint16
	Initiator PortID
	Target    PortID
}

// Encode serializes the unit to wire format.
func (r *LoginReq) Encode() []byte {
	b := make([]byte, LoginReqLen)
	b[0] = TypeLoginReq
	putTag(b[8:16], r.Tag)
	binary.BigEndian.PutUint32(b[16:20], r.MaxIULen)
	binary.BigEndian.PutUint16(b[24:26], r.Formats)
	copy(b[32:48], r.Initiator[:])
	copy(b[48:64], r.Target[:])
	return b
}

// ParseLoginReq decodes a login-request unit; the loopback target uses it.
func ParseLoginReq(b []byte) (*LoginReq, error) {
	if len(b) < LoginReqLen {
		return nil, fmt.Errorf("LOGIN_REQ %w (%d bytes)", ErrShortIU, len(b))
	}
	r := &LoginReq{
		Tag:      tagID(b[8:16]),
		MaxIULen: binary.BigEndian.Uint32(b[16:20]),
		Formats:  binary.BigEndian.Uint16(b[24:26]),
	}
	copy(r.Initiator[:], b[32:48])
	copy(r.Target[:], b[48:64])
	return r, nil
}

// LoginRsp is the login-response unit confirming a session.
type LoginRsp struct {
	Tag               uint32
	RequestLimitDelta uint32
	MaxITIULen        uint32
	MaxTIIULen        uint32
	Formats           uint16
}

// ParseLoginRsp decodes a login-response unit.
func ParseLoginRsp(b []byte) (*LoginRsp, error) {
	if len(b) < LoginRspLen {
		return nil, fmt.Errorf("LOGIN_RSP %w (%d bytes)", ErrShortIU, len(b))
	}
	return &LoginRsp{
		RequestLimitDelta: binary.BigEndian.Uint32(b[4:8]),
		Tag:               tagID(b[8:16]),
		MaxITIULen:        binary.BigEndian.Uint32(b[16:20]),
		MaxTIIULen:        binary.BigEndian.Uint32(b[20:24]),
		Formats:           binary.BigEndian.Uint16(b[24:26]),
	}, nil
}

// Encode serializes the unit; the loopback target uses it.
func (r *LoginRsp) Encode() []byte {
	b := make([]byte, LoginRspLen)
	b[0] = TypeLoginRsp
	binary.BigEndian.PutUint32(b[4:8], r.RequestLimitDelta)
	putTag(b[8:16], r.Tag)
	binary.BigEndian.PutUint32(b[16:20], r.MaxITIULen)
	binary.BigEndian.PutUint32(b[20:24], r.MaxTIIULen)
	binary.BigEndian.PutUint16(b[24:26], r.Formats)
	return b
}

// LoginRej is the login-rejection unit; receiving one is terminal.
type LoginRej struct {
	Tag    uint32
	Reason uint32
}

// ParseLoginRej decodes a login-rejection unit.
func ParseLoginRej(b []byte) (*LoginRej, error) {
	if len(b) < LoginRejLen {
		return nil, fmt.Errorf("LOGIN_REJ %w (%d bytes)", ErrShortIU, len(b))
	}
	return &LoginRej{
		Reason: binary.BigEndian.Uint32(b[4:8]),
		Tag:    tagID(b[8:16]),
	}, nil
}

// Encode serializes the unit.
func (r *LoginRej) Encode() []byte {
	b := make([]byte, LoginRejLen)
	b[0] = TypeLoginRej
	binary.BigEndian.PutUint32(b[4:8], r.Reason)
	putTag(b[8:16], r.Tag)
	return b
}

// MemoryDesc is a direct remote-memory descriptor: a buffer registered for
// remote access.
type MemoryDesc struct {
	Address uint64
	Handle  uint32
	Len     uint32
}

func (d *MemoryDesc) encodeTo(b []byte) {
	binary.BigEndian.PutUint64(b[0:8], d.Address)
	binary.BigEndian.PutUint32(b[8:12], d.Handle)
	binary.BigEndian.PutUint32(b[12:16], d.Len)
}

func parseMemoryDesc(b []byte) MemoryDesc {
	return MemoryDesc{
		Address: binary.BigEndian.Uint64(b[0:8]),
		Handle:  binary.BigEndian.Uint32(b[8:12]),
		Len:     binary.BigEndian.Uint32(b[12:16]),
	}
}

// Cmd is the command unit: the addressed unit, the SCSI descriptor block
// and up to one direct memory descriptor per data direction.
type Cmd struct {
	Tag     uint32
	LUN     [8]byte
	CDB     [16]byte
	DataOut *MemoryDesc
	DataIn  *MemoryDesc
}

// EncodeTo serializes the unit into b, which must hold MaxIULen bytes, and
// returns the encoded length.
func (c *Cmd) EncodeTo(b []byte) int {
	b = b[:MaxIULen]
	for i := range b {
		b[i] = 0
	}
	b[0] = TypeCmd
	putTag(b[8:16], c.Tag)
	copy(b[20:28], c.LUN[:])
	copy(b[32:48], c.CDB[:])

	n := CmdLen
	if c.DataOut != nil {
		b[5] |= CmdFmtDirectOut
		c.DataOut.encodeTo(b[n : n+MemoryDescLen])
		n += MemoryDescLen
	}
	if c.DataIn != nil {
		b[5] |= CmdFmtDirectIn
		c.DataIn.encodeTo(b[n : n+MemoryDescLen])
		n += MemoryDescLen
	}
	return n
}

// Encode serializes the unit to a fresh buffer.
func (c *Cmd) Encode() []byte {
	b := make([]byte, MaxIULen)
	return b[:c.EncodeTo(b)]
}

// ParseCmd decodes a command unit; the loopback target uses it.
func ParseCmd(b []byte) (*Cmd, error) {
	if len(b) < CmdLen {
		return nil, fmt.Errorf("CMD %w (%d bytes)", ErrShortIU, len(b))
	}
	c := &Cmd{Tag: tagID(b[8:16])}
	copy(c.LUN[:], b[20:28])
	copy(c.CDB[:], b[32:48])

	off := CmdLen
	if b[5]&CmdFmtDirectOut != 0 {
		if len(b) < off+MemoryDescLen {
			return nil, fmt.Errorf("CMD data-out descriptor %w (%d bytes)", ErrShortIU, len(b))
		}
		d := parseMemoryDesc(b[off : off+MemoryDescLen])
		c.DataOut = &d
		off += MemoryDescLen
	}
	if b[5]&CmdFmtDirectIn != 0 {
		if len(b) < off+MemoryDescLen {
			return nil, fmt.Errorf("CMD data-in descriptor %w (%d bytes)", ErrShortIU, len(b))
		}
		d := parseMemoryDesc(b[off : off+MemoryDescLen])
		c.DataIn = &d
	}
	return c, nil
}

// Rsp is the response unit resolving one command by tag.
type Rsp struct {
	Tag             uint32
	Valid           byte
	Status          byte
	DataOutResidual uint32
	DataInResidual  uint32
	// Sense holds the raw sense block when the sense-valid bit is set.
	Sense []byte
}

// RspLen is the fixed portion of a response unit; response data and sense
// data follow it.
const RspLen = 36

// ParseRsp decodes a response unit, locating the sense block behind any
// response data.
func ParseRsp(b []byte) (*Rsp, error) {
	if len(b) < RspLen {
		return nil, fmt.Errorf("RSP %w (%d bytes)", ErrShortIU, len(b))
	}
	r := &Rsp{
		Tag:             tagID(b[8:16]),
		Valid:           b[18],
		Status:          b[19],
		DataOutResidual: binary.BigEndian.Uint32(b[20:24]),
		DataInResidual:  binary.BigEndian.Uint32(b[24:28]),
	}
	if r.Valid&ValidSense != 0 {
		senseLen := binary.BigEndian.Uint32(b[28:32])
		rspLen := binary.BigEndian.Uint32(b[32:36])
		start := uint64(RspLen) + uint64(rspLen)
		end := start + uint64(senseLen)
		if end <= uint64(len(b)) {
			r.Sense = b[start:end]
		}
	}
	return r, nil
}

// Encode serializes the unit; the loopback target uses it.
func (r *Rsp) Encode() []byte {
	b := make([]byte, RspLen+len(r.Sense))
	b[0] = TypeRsp
	putTag(b[8:16], r.Tag)
	b[18] = r.Valid
	b[19] = r.Status
	binary.BigEndian.PutUint32(b[20:24], r.DataOutResidual)
	binary.BigEndian.PutUint32(b[24:28], r.DataInResidual)
	if len(r.Sense) > 0 {
		b[18] |= ValidSense
		binary.BigEndian.PutUint32(b[28:32], uint32(len(r.Sense)))
		copy(b[RspLen:], r.Sense)
	}
	return b
}

// Residual resolves the four over/underrun valid bits into one signed
// count: positive for overrun, negative for underrun. At most one bit is
// honored, in the order data-out overrun, data-out underrun, data-in
// overrun, data-in underrun; a non-conformant peer setting several bits
// gets the first match.
func (r *Rsp) Residual() int {
	switch {
	case r.Valid&ValidDataOutOverrun != 0:
		return int(r.DataOutResidual)
	case r.Valid&ValidDataOutUnderrun != 0:
		return -int(r.DataOutResidual)
	case r.Valid&ValidDataInOverrun != 0:
		return int(r.DataInResidual)
	case r.Valid&ValidDataInUnderrun != 0:
		return -int(r.DataInResidual)
	}
	return 0
}

// TypeName names an IU type code for logs and the decode tool.
func TypeName(t byte) string {
	switch t {
	case TypeLoginReq:
		return "LOGIN_REQ"
	case TypeLoginRsp:
		return "LOGIN_RSP"
	case TypeLoginRej:
		return "LOGIN_REJ"
	case TypeCmd:
		return "CMD"
	case TypeRsp:
		return "RSP"
	}
	return fmt.Sprintf("UNKNOWN(%#02x)", t)
}
