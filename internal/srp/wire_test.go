package srp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginReqEncodeLayout(t *testing.T) {
	req := LoginReq{
		Tag:       0x01,
		MaxIULen:  MaxIULen,
		Formats:   FmtDirectBufferDesc,
		Initiator: PortID{0xaa, 0xbb},
		Target:    PortID{0xcc, 0xdd},
	}

	b := req.Encode()
	require.Len(t, b, LoginReqLen)

	assert.Equal(t, byte(TypeLoginReq), b[0])
	// 64-bit tag: magic high dword, id low dword.
	assert.Equal(t, []byte{0x53, 0x52, 0x50, 0x69, 0x00, 0x00, 0x00, 0x01}, b[8:16])
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x50}, b[16:20])
	assert.Equal(t, []byte{0x00, 0x02}, b[24:26])
	assert.Equal(t, byte(0xaa), b[32])
	assert.Equal(t, byte(0xcc), b[48])
}

func TestLoginReqRoundtrip(t *testing.T) {
	req := LoginReq{
		Tag:       42,
		MaxIULen:  128,
		Formats:   FmtDirectBufferDesc,
		Initiator: PortID{1, 2, 3, 4},
		Target:    PortID{5, 6, 7, 8},
	}

	got, err := ParseLoginReq(req.Encode())
	require.NoError(t, err)
	assert.Equal(t, &req, got)
}

func TestLoginRspRoundtrip(t *testing.T) {
	rsp := LoginRsp{
		Tag:               7,
		RequestLimitDelta: 16,
		MaxITIULen:        MaxIULen,
		MaxTIIULen:        256,
		Formats:           FmtDirectBufferDesc,
	}

	got, err := ParseLoginRsp(rsp.Encode())
	require.NoError(t, err)
	assert.Equal(t, &rsp, got)
}

func TestLoginRejRoundtrip(t *testing.T) {
	rej := LoginRej{Tag: 9, Reason: 0x00010006}

	got, err := ParseLoginRej(rej.Encode())
	require.NoError(t, err)
	assert.Equal(t, &rej, got)
}

func TestCmdEncodeWithoutData(t *testing.T) {
	c := Cmd{Tag: 0x10}
	c.CDB[0] = 0x25

	b := c.Encode()
	require.Len(t, b, CmdLen)
	assert.Equal(t, byte(TypeCmd), b[0])
	assert.Equal(t, byte(0), b[5])
	assert.Equal(t, byte(0x25), b[32])
}

func TestCmdEncodeDataFormats(t *testing.T) {
	out := &MemoryDesc{Address: 0x1000, Handle: 1, Len: 512}
	in := &MemoryDesc{Address: 0x2000, Handle: 1, Len: 512}

	tests := []struct {
		name    string
		cmd     Cmd
		wantFmt byte
		wantLen int
	}{
		{name: "data-out only", cmd: Cmd{Tag: 1, DataOut: out},
			wantFmt: CmdFmtDirectOut, wantLen: CmdLen + MemoryDescLen},
		{name: "data-in only", cmd: Cmd{Tag: 2, DataIn: in},
			wantFmt: CmdFmtDirectIn, wantLen: CmdLen + MemoryDescLen},
		{name: "both directions", cmd: Cmd{Tag: 3, DataOut: out, DataIn: in},
			wantFmt: CmdFmtDirectOut | CmdFmtDirectIn, wantLen: CmdLen + 2*MemoryDescLen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.cmd.Encode()
			assert.Len(t, b, tt.wantLen)
			assert.Equal(t, tt.wantFmt, b[5])

			got, err := ParseCmd(b)
			require.NoError(t, err)
			assert.Equal(t, tt.cmd.Tag, got.Tag)
			assert.Equal(t, tt.cmd.DataOut, got.DataOut)
			assert.Equal(t, tt.cmd.DataIn, got.DataIn)
		})
	}
}

func TestParseCmdTruncatedDescriptor(t *testing.T) {
	c := Cmd{Tag: 1, DataOut: &MemoryDesc{Address: 0x1000, Handle: 1, Len: 512}}
	b := c.Encode()

	_, err := ParseCmd(b[:CmdLen+8])
	assert.ErrorIs(t, err, ErrShortIU)
}

func TestRspRoundtripWithSense(t *testing.T) {
	sense := make([]byte, 18)
	sense[0] = 0x70
	sense[2] = 0x05
	rsp := Rsp{Tag: 5, Status: 0x02, Sense: sense}

	b := rsp.Encode()
	got, err := ParseRsp(b)
	require.NoError(t, err)
	assert.Equal(t, rsp.Tag, got.Tag)
	assert.Equal(t, rsp.Status, got.Status)
	assert.Equal(t, sense, got.Sense)
}

func TestRspResidualPrecedence(t *testing.T) {
	tests := []struct {
		name  string
		valid byte
		out   uint32
		in    uint32
		want  int
	}{
		{name: "no bits", want: 0},
		{name: "data-out overrun", valid: ValidDataOutOverrun, out: 5, want: 5},
		{name: "data-out underrun", valid: ValidDataOutUnderrun, out: 3, want: -3},
		{name: "data-in overrun", valid: ValidDataInOverrun, in: 7, want: 7},
		{name: "data-in underrun", valid: ValidDataInUnderrun, in: 9, want: -9},
		{
			name:  "out overrun wins over in underrun",
			valid: ValidDataOutOverrun | ValidDataInUnderrun,
			out:   5, in: 9, want: 5,
		},
		{
			name:  "out underrun wins over in overrun",
			valid: ValidDataOutUnderrun | ValidDataInOverrun,
			out:   3, in: 7, want: -3,
		},
		{
			name:  "all bits honors the first",
			valid: ValidDataOutOverrun | ValidDataOutUnderrun | ValidDataInOverrun | ValidDataInUnderrun,
			out:   2, in: 4, want: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Rsp{Valid: tt.valid, DataOutResidual: tt.out, DataInResidual: tt.in}
			assert.Equal(t, tt.want, r.Residual())
		})
	}
}

func TestParseRejectsShortIUs(t *testing.T) {
	tests := []struct {
		name  string
		parse func([]byte) error
		size  int
	}{
		{name: "login req", parse: func(b []byte) error { _, err := ParseLoginReq(b); return err }, size: LoginReqLen},
		{name: "login rsp", parse: func(b []byte) error { _, err := ParseLoginRsp(b); return err }, size: LoginRspLen},
		{name: "login rej", parse: func(b []byte) error { _, err := ParseLoginRej(b); return err }, size: LoginRejLen},
		{name: "cmd", parse: func(b []byte) error { _, err := ParseCmd(b); return err }, size: CmdLen},
		{name: "rsp", parse: func(b []byte) error { _, err := ParseRsp(b); return err }, size: RspLen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.parse(make([]byte, tt.size-1)), ErrShortIU)
			assert.NoError(t, tt.parse(make([]byte, tt.size)))
		})
	}
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "LOGIN_REQ", TypeName(TypeLoginReq))
	assert.Equal(t, "RSP", TypeName(TypeRsp))
	assert.Equal(t, "UNKNOWN(0x7f)", TypeName(0x7f))
}
