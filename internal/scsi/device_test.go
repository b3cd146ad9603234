package scsi

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanboot/srpblk/internal/block"
	"github.com/sanboot/srpblk/internal/interconnect"
)

// fakeTransport records issued commands and lets the test deliver responses
// at its own pace, standing in for the session layer below the device.
type fakeTransport struct {
	refcnt interconnect.RefCount
	scsi   interconnect.Endpoint

	nextTag uint32
	reject  error
	issued  []*issuedCommand
}

// issuedCommand is one accepted command with the endpoint the response goes
// back through.
type issuedCommand struct {
	refcnt interconnect.RefCount
	ep     interconnect.Endpoint

	tag uint32
	cmd Command
}

type fakeTransportOps struct{ f *fakeTransport }

func (o fakeTransportOps) IssueSCSI(data *interconnect.Endpoint, cmd *Command) (uint32, error) {
	return o.f.issue(data, cmd)
}

func (o fakeTransportOps) HandleClose(reason error) {}

type issuedOps struct{ c *issuedCommand }

// HandleClose detaches the transport-side endpoint, the way a real session
// command tears itself down when the command engine restarts its endpoint.
func (o issuedOps) HandleClose(reason error) { o.c.ep.Close(reason) }

func newFakeTransport() *fakeTransport {
	f := &fakeTransport{}
	f.refcnt.Init(nil)
	f.scsi.Init("fake-transport", &f.refcnt, fakeTransportOps{f})
	return f
}

func (f *fakeTransport) issue(data *interconnect.Endpoint, cmd *Command) (uint32, error) {
	if f.reject != nil {
		return 0, f.reject
	}
	f.nextTag++
	ic := &issuedCommand{tag: f.nextTag, cmd: *cmd}
	ic.refcnt.Init(nil)
	ic.ep.Init("fake-cmd", &ic.refcnt, issuedOps{ic})
	interconnect.PlugPlug(&ic.ep, data)
	f.issued = append(f.issued, ic)
	return ic.tag, nil
}

// respond resolves the most recently issued command with the given status.
func (f *fakeTransport) respond(t *testing.T, status byte) {
	t.Helper()
	require.NotEmpty(t, f.issued)
	ic := f.issued[len(f.issued)-1]
	DeliverResponse(&ic.ep, &Response{Status: status})
	ic.ep.Close(nil)
}

// harness is a consumer endpoint plus a device plugged over the fake
// transport.
type harness struct {
	rootRef interconnect.RefCount
	blk     interconnect.Endpoint
	ft      *fakeTransport
}

func newHarness(t *testing.T, lun LUN) *harness {
	t.Helper()
	h := &harness{ft: newFakeTransport()}
	h.rootRef.Init(nil)
	h.blk.Init("test-block", &h.rootRef, nil)
	require.NoError(t, Open(&h.blk, &h.ft.scsi, lun))
	return h
}

func TestReadIssuesAndCompletes(t *testing.T) {
	h := newHarness(t, LUN{})
	buf := make([]byte, 8*512)

	w := block.NewWaiter("read")
	require.NoError(t, block.Read(&h.blk, w.Endpoint(), 100, 8, buf))
	require.Len(t, h.ft.issued, 1)

	issued := h.ft.issued[0]
	assert.Equal(t, byte(OpcodeRead10), issued.cmd.CDB[0])
	assert.Equal(t, uint32(100), binary.BigEndian.Uint32(issued.cmd.CDB[2:6]))
	assert.Equal(t, buf, issued.cmd.DataIn)
	assert.Nil(t, issued.cmd.DataOut)
	assert.False(t, w.Done())

	h.ft.respond(t, 0)
	assert.True(t, w.Done())
	assert.NoError(t, w.Err())
}

func TestWriteCarriesDataOut(t *testing.T) {
	h := newHarness(t, LUN{})
	buf := make([]byte, 4*512)

	w := block.NewWaiter("write")
	require.NoError(t, block.Write(&h.blk, w.Endpoint(), 0, 4, buf))
	require.Len(t, h.ft.issued, 1)

	issued := h.ft.issued[0]
	assert.Equal(t, byte(OpcodeWrite10), issued.cmd.CDB[0])
	assert.Equal(t, buf, issued.cmd.DataOut)
	assert.Nil(t, issued.cmd.DataIn)

	h.ft.respond(t, 0)
	assert.True(t, w.Done())
	assert.NoError(t, w.Err())
}

func TestCommandCarriesLUN(t *testing.T) {
	lun, err := ParseLUN("1-2-0-0")
	require.NoError(t, err)
	h := newHarness(t, lun)

	w := block.NewWaiter("read")
	require.NoError(t, block.Read(&h.blk, w.Endpoint(), 0, 1, make([]byte, 512)))
	assert.Equal(t, lun, h.ft.issued[0].cmd.LUN)
}

func TestSynchronousRejectionPropagates(t *testing.T) {
	h := newHarness(t, LUN{})
	h.ft.reject = errors.New("transport busy")

	w := block.NewWaiter("read")
	err := block.Read(&h.blk, w.Endpoint(), 0, 1, make([]byte, 512))
	require.Error(t, err)
	assert.Empty(t, h.ft.issued)
	// A rejected command never touches the caller's data endpoint.
	assert.False(t, w.Done())
}

func TestRetryOnFailedStatusUpToLimit(t *testing.T) {
	h := newHarness(t, LUN{})

	w := block.NewWaiter("read")
	require.NoError(t, block.Read(&h.blk, w.Endpoint(), 0, 1, make([]byte, 512)))

	// The initial attempt plus exactly maxRetries reissues.
	for i := 0; i < maxRetries; i++ {
		h.ft.respond(t, 2)
		require.False(t, w.Done(), "attempt %d should have been retried", i)
		require.Len(t, h.ft.issued, i+2)
	}

	h.ft.respond(t, 2)
	require.True(t, w.Done())
	assert.ErrorIs(t, w.Err(), ErrIO)
	assert.Len(t, h.ft.issued, maxRetries+1)
}

func TestRetrySucceedsMidway(t *testing.T) {
	h := newHarness(t, LUN{})

	w := block.NewWaiter("read")
	require.NoError(t, block.Read(&h.blk, w.Endpoint(), 0, 1, make([]byte, 512)))

	h.ft.respond(t, 2)
	h.ft.respond(t, 2)
	require.False(t, w.Done())

	h.ft.respond(t, 0)
	require.True(t, w.Done())
	assert.NoError(t, w.Err())
	assert.Len(t, h.ft.issued, 3)
}

func TestTransportCloseRetriesThenFails(t *testing.T) {
	h := newHarness(t, LUN{})

	w := block.NewWaiter("read")
	require.NoError(t, block.Read(&h.blk, w.Endpoint(), 0, 1, make([]byte, 512)))

	// A transport-side close with an error is a failed attempt like any
	// other; with rejection on reissue the command fails immediately.
	h.ft.reject = errors.New("session gone")
	h.ft.issued[0].ep.Close(errors.New("connection lost"))

	require.True(t, w.Done())
	assert.Error(t, w.Err())
}

func TestReadCapacity10(t *testing.T) {
	h := newHarness(t, LUN{})

	w := block.NewWaiter("capacity")
	require.NoError(t, block.ReadCapacity(&h.blk, w.Endpoint()))
	require.Len(t, h.ft.issued, 1)

	issued := h.ft.issued[0]
	require.Equal(t, byte(OpcodeReadCapacity10), issued.cmd.CDB[0])
	require.Len(t, issued.cmd.DataIn, CapacityData10Len)

	binary.BigEndian.PutUint32(issued.cmd.DataIn[0:4], 2047)
	binary.BigEndian.PutUint32(issued.cmd.DataIn[4:8], 512)
	h.ft.respond(t, 0)

	require.True(t, w.Done())
	require.NoError(t, w.Err())
	capacity, ok := w.Capacity()
	require.True(t, ok)
	assert.Equal(t, uint64(2048), capacity.Blocks)
	assert.Equal(t, uint32(512), capacity.BlockSize)
}

func TestReadCapacityEscalatesOnSentinel(t *testing.T) {
	h := newHarness(t, LUN{})

	w := block.NewWaiter("capacity")
	require.NoError(t, block.ReadCapacity(&h.blk, w.Endpoint()))

	// The 10-byte form reports the sentinel: capacity out of range.
	issued := h.ft.issued[0]
	binary.BigEndian.PutUint32(issued.cmd.DataIn[0:4], MaxBlock10)
	binary.BigEndian.PutUint32(issued.cmd.DataIn[4:8], 512)
	h.ft.respond(t, 0)

	require.False(t, w.Done())
	require.Len(t, h.ft.issued, 2)

	issued = h.ft.issued[1]
	require.Equal(t, byte(OpcodeServiceActionIn), issued.cmd.CDB[0])
	require.Len(t, issued.cmd.DataIn, CapacityData16Len)

	binary.BigEndian.PutUint64(issued.cmd.DataIn[0:8], uint64(5)<<32)
	binary.BigEndian.PutUint32(issued.cmd.DataIn[8:12], 512)
	h.ft.respond(t, 0)

	require.True(t, w.Done())
	require.NoError(t, w.Err())
	capacity, ok := w.Capacity()
	require.True(t, ok)
	assert.Equal(t, uint64(5)<<32+1, capacity.Blocks)
}

func TestReadCapacityNoEscalationBelowSentinel(t *testing.T) {
	h := newHarness(t, LUN{})

	w := block.NewWaiter("capacity")
	require.NoError(t, block.ReadCapacity(&h.blk, w.Endpoint()))

	// One short of the sentinel: the largest capacity the 10-byte form can
	// report without escalating.
	issued := h.ft.issued[0]
	binary.BigEndian.PutUint32(issued.cmd.DataIn[0:4], MaxBlock10-1)
	binary.BigEndian.PutUint32(issued.cmd.DataIn[4:8], 512)
	h.ft.respond(t, 0)

	require.True(t, w.Done())
	assert.Len(t, h.ft.issued, 1)
	capacity, ok := w.Capacity()
	require.True(t, ok)
	assert.Equal(t, uint64(MaxBlock10), capacity.Blocks)
}

func TestDeviceCloseCancelsInFlightCommands(t *testing.T) {
	h := newHarness(t, LUN{})

	w1 := block.NewWaiter("read-1")
	w2 := block.NewWaiter("read-2")
	require.NoError(t, block.Read(&h.blk, w1.Endpoint(), 0, 1, make([]byte, 512)))
	require.NoError(t, block.Read(&h.blk, w2.Endpoint(), 1, 1, make([]byte, 512)))

	// Reissue attempts during teardown must be rejected, not retried.
	h.ft.reject = errors.New("session gone")

	reason := errors.New("device detached")
	h.ft.scsi.Close(reason)

	require.True(t, w1.Done())
	require.True(t, w2.Done())
	assert.Error(t, w1.Err())
	assert.Error(t, w2.Err())

	// The device is detached from the consumer as well.
	err := block.Read(&h.blk, block.NewWaiter("late").Endpoint(), 0, 1, make([]byte, 512))
	assert.ErrorIs(t, err, block.ErrNotSupported)
}
