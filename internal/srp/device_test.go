package srp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanboot/srpblk/internal/block"
	"github.com/sanboot/srpblk/internal/dma"
	"github.com/sanboot/srpblk/internal/interconnect"
	"github.com/sanboot/srpblk/internal/xfer"
)

// fakeWire records units the session sends and lets the test deliver inbound
// units, standing in for the message transport below the session.
type fakeWire struct {
	refcnt interconnect.RefCount
	ep     interconnect.Endpoint

	sent   [][]byte
	closes []error
}

type fakeWireOps struct{ f *fakeWire }

func (o fakeWireOps) HandleDeliver(pdu []byte) error {
	cp := make([]byte, len(pdu))
	copy(cp, pdu)
	o.f.sent = append(o.f.sent, cp)
	return nil
}

func (o fakeWireOps) HandleClose(reason error) {
	o.f.closes = append(o.f.closes, reason)
}

func newFakeWire() *fakeWire {
	f := &fakeWire{}
	f.refcnt.Init(nil)
	f.ep.Init("fake-wire", &f.refcnt, fakeWireOps{f})
	return f
}

type harness struct {
	rootRef interconnect.RefCount
	blk     interconnect.Endpoint
	wire    *fakeWire
	reg     *dma.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{wire: newFakeWire(), reg: dma.NewRegistry()}
	h.rootRef.Init(nil)
	h.blk.Init("test-block", &h.rootRef, nil)

	err := Open(&h.blk, &h.wire.ep, Settings{
		Initiator:    PortID{1},
		Target:       PortID{2},
		MemoryHandle: 7,
		Mapper:       h.reg,
	})
	require.NoError(t, err)
	return h
}

// completeLogin answers the pending login request.
func (h *harness) completeLogin(t *testing.T) {
	t.Helper()
	require.NotEmpty(t, h.wire.sent)
	req, err := ParseLoginReq(h.wire.sent[0])
	require.NoError(t, err)

	rsp := LoginRsp{Tag: req.Tag, MaxITIULen: MaxIULen, Formats: FmtDirectBufferDesc}
	require.NoError(t, xfer.Deliver(&h.wire.ep, rsp.Encode()))
}

// lastCmd parses the most recently sent unit as a command.
func (h *harness) lastCmd(t *testing.T) *Cmd {
	t.Helper()
	require.NotEmpty(t, h.wire.sent)
	cmd, err := ParseCmd(h.wire.sent[len(h.wire.sent)-1])
	require.NoError(t, err)
	return cmd
}

func (h *harness) respond(t *testing.T, rsp Rsp) error {
	t.Helper()
	return xfer.Deliver(&h.wire.ep, rsp.Encode())
}

func TestOpenSendsLoginRequest(t *testing.T) {
	h := newHarness(t)

	require.Len(t, h.wire.sent, 1)
	req, err := ParseLoginReq(h.wire.sent[0])
	require.NoError(t, err)
	assert.Equal(t, PortID{1}, req.Initiator)
	assert.Equal(t, PortID{2}, req.Target)
	assert.Equal(t, uint32(MaxIULen), req.MaxIULen)
	assert.Equal(t, uint16(FmtDirectBufferDesc), req.Formats)
}

func TestWindowOpensOnLogin(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, uint64(0), xfer.Window(&h.blk))

	h.completeLogin(t)
	assert.Equal(t, uint64(math.MaxUint64), xfer.Window(&h.blk))
}

func TestIssueBeforeLoginIsBusy(t *testing.T) {
	h := newHarness(t)

	w := block.NewWaiter("read")
	err := block.Read(&h.blk, w.Endpoint(), 0, 1, make([]byte, 512))
	assert.ErrorIs(t, err, ErrBusy)
	assert.False(t, w.Done())
}

func TestCommandRoundtrip(t *testing.T) {
	h := newHarness(t)
	h.completeLogin(t)

	buf := make([]byte, 4*512)
	w := block.NewWaiter("read")
	require.NoError(t, block.Read(&h.blk, w.Endpoint(), 2, 4, buf))

	cmd := h.lastCmd(t)
	require.NotNil(t, cmd.DataIn)
	assert.Nil(t, cmd.DataOut)
	assert.Equal(t, uint32(7), cmd.DataIn.Handle)
	assert.Equal(t, uint32(len(buf)), cmd.DataIn.Len)

	// The descriptor resolves to the caller's buffer.
	region, err := h.reg.At(cmd.DataIn.Address, cmd.DataIn.Len)
	require.NoError(t, err)
	region[0] = 0x5a

	require.NoError(t, h.respond(t, Rsp{Tag: cmd.Tag}))
	require.True(t, w.Done())
	assert.NoError(t, w.Err())
	assert.Equal(t, byte(0x5a), buf[0])

	// The completed command released its mapping.
	assert.Equal(t, 0, h.reg.Size())
}

func TestWriteCommandMapsDataOut(t *testing.T) {
	h := newHarness(t)
	h.completeLogin(t)

	buf := make([]byte, 512)
	w := block.NewWaiter("write")
	require.NoError(t, block.Write(&h.blk, w.Endpoint(), 0, 1, buf))

	cmd := h.lastCmd(t)
	require.NotNil(t, cmd.DataOut)
	assert.Nil(t, cmd.DataIn)

	require.NoError(t, h.respond(t, Rsp{Tag: cmd.Tag}))
	assert.True(t, w.Done())
	assert.NoError(t, w.Err())
}

func TestFailedStatusPropagates(t *testing.T) {
	h := newHarness(t)
	h.completeLogin(t)

	w := block.NewWaiter("read")
	require.NoError(t, block.Read(&h.blk, w.Endpoint(), 0, 1, make([]byte, 512)))

	// Fail every attempt; the command engine above retries through fresh
	// tags until its budget runs out.
	for !w.Done() {
		cmd := h.lastCmd(t)
		require.NoError(t, h.respond(t, Rsp{Tag: cmd.Tag, Status: 0x02}))
	}
	assert.Error(t, w.Err())
	// Initial attempt plus ten retries, one LOGIN_REQ before them.
	assert.Len(t, h.wire.sent, 12)
}

func TestTagsAreUniquePerInFlightCommand(t *testing.T) {
	h := newHarness(t)
	h.completeLogin(t)

	waiters := make([]*block.Waiter, 5)
	tags := make(map[uint32]bool)
	for i := range waiters {
		waiters[i] = block.NewWaiter("read")
		require.NoError(t, block.Read(&h.blk, waiters[i].Endpoint(), uint64(i), 1, make([]byte, 512)))
		tag := h.lastCmd(t).Tag
		assert.False(t, tags[tag], "tag %#x reused", tag)
		tags[tag] = true
	}

	for tag := range tags {
		require.NoError(t, h.respond(t, Rsp{Tag: tag}))
	}
	for _, w := range waiters {
		assert.True(t, w.Done())
		assert.NoError(t, w.Err())
	}
	assert.Equal(t, 0, h.reg.Size())
}

func TestTagAllocatorScansFullSpace(t *testing.T) {
	d := &Device{tags: make(map[uint32]*command)}

	// Occupy every tag but one; the allocator must still find it.
	free := uint32(12345)
	for i := 0; i < 65536; i++ {
		if uint32(i) != free {
			d.tags[uint32(i)] = &command{}
		}
	}

	tag, err := d.newTag()
	require.NoError(t, err)
	assert.Equal(t, free, tag)

	d.tags[free] = &command{}
	_, err = d.newTag()
	assert.ErrorIs(t, err, ErrTagExhausted)
}

func TestUnknownResponseTagIsReportedNotFatal(t *testing.T) {
	h := newHarness(t)
	h.completeLogin(t)

	w := block.NewWaiter("read")
	require.NoError(t, block.Read(&h.blk, w.Endpoint(), 0, 1, make([]byte, 512)))
	cmd := h.lastCmd(t)

	err := h.respond(t, Rsp{Tag: cmd.Tag + 100})
	assert.ErrorIs(t, err, ErrNoSuchTag)

	// The session and the pending command survive.
	assert.False(t, w.Done())
	require.NoError(t, h.respond(t, Rsp{Tag: cmd.Tag}))
	assert.True(t, w.Done())
	assert.NoError(t, w.Err())
}

func TestUnrecognizedIUTypeIsReportedNotFatal(t *testing.T) {
	h := newHarness(t)
	h.completeLogin(t)

	bogus := make([]byte, CommonLen)
	bogus[0] = 0x7f
	err := xfer.Deliver(&h.wire.ep, bogus)
	assert.ErrorIs(t, err, ErrUnrecognizedIU)

	// The session still accepts commands.
	w := block.NewWaiter("read")
	require.NoError(t, block.Read(&h.blk, w.Endpoint(), 0, 1, make([]byte, 512)))
	require.NoError(t, h.respond(t, Rsp{Tag: h.lastCmd(t).Tag}))
	assert.True(t, w.Done())
}

func TestLoginRejectionClosesSession(t *testing.T) {
	h := newHarness(t)

	rej := LoginRej{Tag: 1, Reason: 0x00010006}
	err := xfer.Deliver(&h.wire.ep, rej.Encode())
	assert.ErrorIs(t, err, ErrLoginRejected)

	// The whole stack is torn down; the consumer endpoint is detached.
	rerr := block.Read(&h.blk, block.NewWaiter("read").Endpoint(), 0, 1, make([]byte, 512))
	assert.ErrorIs(t, rerr, block.ErrNotSupported)
}

func TestShortIUClosesSession(t *testing.T) {
	h := newHarness(t)
	h.completeLogin(t)

	err := xfer.Deliver(&h.wire.ep, make([]byte, CommonLen-1))
	assert.ErrorIs(t, err, ErrShortIU)

	rerr := block.Read(&h.blk, block.NewWaiter("read").Endpoint(), 0, 1, make([]byte, 512))
	assert.ErrorIs(t, rerr, block.ErrNotSupported)
}

func TestSessionCloseFailsInFlightCommands(t *testing.T) {
	h := newHarness(t)
	h.completeLogin(t)

	waiters := make([]*block.Waiter, 3)
	for i := range waiters {
		waiters[i] = block.NewWaiter("read")
		require.NoError(t, block.Read(&h.blk, waiters[i].Endpoint(), uint64(i), 1, make([]byte, 512)))
	}

	require.Error(t, xfer.Deliver(&h.wire.ep, make([]byte, 4)))

	for _, w := range waiters {
		assert.True(t, w.Done())
		assert.Error(t, w.Err())
	}
	assert.Equal(t, 0, h.reg.Size())
}

func TestDuplicateLoginResponseIgnored(t *testing.T) {
	h := newHarness(t)
	h.completeLogin(t)

	rsp := LoginRsp{Tag: 99}
	require.NoError(t, xfer.Deliver(&h.wire.ep, rsp.Encode()))
	assert.Equal(t, uint64(math.MaxUint64), xfer.Window(&h.blk))
}
