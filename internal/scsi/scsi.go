// Package scsi implements the SCSI command engine: it turns block-level
// read, write and capacity requests into SCSI command descriptor blocks,
// tracks outstanding commands, retries transient failures, and reports
// block-device-shaped results to the caller.
//
// The engine sits between a block consumer above and a SCSI-command-issuing
// transport below, connected through interconnect endpoints on both sides.
// Commands complete asynchronously: acceptance is synchronous, the outcome
// arrives later as a response or close event driven by transport input.
package scsi

import (
	"errors"

	"github.com/sanboot/srpblk/internal/interconnect"
)

// ErrNotSupported is the rejection for a SCSI command issued against a peer
// that cannot issue commands.
var ErrNotSupported = errors.New("command issuing not supported")

// ErrIO is the final failure delivered after the retry budget is exhausted.
var ErrIO = errors.New("input/output error")

// Command is one SCSI command as handed to the transport: the addressed
// unit, the descriptor block, and the data buffers for each direction. At
// most one direction is populated per command.
type Command struct {
	LUN     LUN
	CDB     CDB
	DataIn  []byte
	DataOut []byte
}

// Sense carries the fixed-format sense data of a failed command.
type Sense struct {
	Code byte
	Key  byte
	Info uint32
}

// Response is the transport's resolved answer to one command.
type Response struct {
	// Status is the SCSI status byte. Zero is success regardless of
	// residual.
	Status byte
	// Residual is the signed over/underrun count: positive for overrun,
	// negative for underrun, zero when the transfer length matched.
	Residual int
	// Sense holds sense data when the target supplied any.
	Sense Sense
}

// Issuer is the operation set a transport answers on its command endpoint:
// issue one command, correlating the eventual response through the data
// endpoint. The returned tag identifies the command on the wire and may
// change when a command is reissued.
type Issuer interface {
	IssueSCSI(data *interconnect.Endpoint, cmd *Command) (uint32, error)
}

// ResponseReceiver accepts the resolved response for an issued command.
// Unanswered responses are ignored.
type ResponseReceiver interface {
	HandleSCSIResponse(rsp *Response)
}

// Issue sends a command to ctrl's peer, registering data as the endpoint
// that will receive the response.
func Issue(ctrl, data *interconnect.Endpoint, cmd *Command) (uint32, error) {
	op, owner, ok := interconnect.Resolve[Issuer](ctrl)
	defer owner.Put()
	if !ok {
		return 0, ErrNotSupported
	}
	return op.IssueSCSI(data, cmd)
}

// DeliverResponse reports a resolved response to e's peer.
func DeliverResponse(e *interconnect.Endpoint, rsp *Response) {
	op, owner, ok := interconnect.Resolve[ResponseReceiver](e)
	defer owner.Put()
	if ok {
		op.HandleSCSIResponse(rsp)
	}
}
