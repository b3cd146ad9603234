// Package xfer defines the data-transfer operation set exchanged over the
// interconnect: delivery of protocol data units, flow-control window
// queries, and window-change notifications. The SRP session speaks these
// operations downward to its message transport and answers them upward to
// the SCSI layer.
package xfer

import (
	"errors"

	"github.com/sanboot/srpblk/internal/interconnect"
)

// ErrNotSupported is the default result of delivering data to an endpoint
// whose peer does not answer the deliver operation.
var ErrNotSupported = errors.New("data delivery not supported")

// Deliverer accepts one inbound protocol data unit. The PDU is only valid
// for the duration of the call; implementations that need it longer must
// copy it.
type Deliverer interface {
	HandleDeliver(pdu []byte) error
}

// WindowProvider reports the flow-control window: how many bytes the peer is
// currently prepared to accept.
type WindowProvider interface {
	Window() uint64
}

// WindowListener is notified when the peer's flow-control window may have
// changed.
type WindowListener interface {
	HandleWindowChanged()
}

// Deliver sends one PDU to e's peer. It fails with ErrNotSupported when the
// peer does not accept deliveries.
func Deliver(e *interconnect.Endpoint, pdu []byte) error {
	op, owner, ok := interconnect.Resolve[Deliverer](e)
	defer owner.Put()
	if !ok {
		return ErrNotSupported
	}
	return op.HandleDeliver(pdu)
}

// Window queries the peer's flow-control window. Unanswered queries report a
// zero window.
func Window(e *interconnect.Endpoint) uint64 {
	op, owner, ok := interconnect.Resolve[WindowProvider](e)
	defer owner.Put()
	if !ok {
		return 0
	}
	return op.Window()
}

// WindowChanged notifies e's peer that the local window may have changed.
// Unanswered notifications are ignored.
func WindowChanged(e *interconnect.Endpoint) {
	op, owner, ok := interconnect.Resolve[WindowListener](e)
	defer owner.Put()
	if ok {
		op.HandleWindowChanged()
	}
}
