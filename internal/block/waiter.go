package block

import "github.com/sanboot/srpblk/internal/interconnect"

// Waiter is a one-shot consumer endpoint for a single block operation. It
// records the capacity record (if any) and the completion status delivered
// as the close reason, then detaches. Callers poll Done between external
// progress steps; blocking and timeouts are their concern, not the stack's.
type Waiter struct {
	refcnt interconnect.RefCount
	intf   interconnect.Endpoint

	done     bool
	err      error
	capacity *Capacity
}

type waiterOps struct{ w *Waiter }

func (o waiterOps) HandleCapacity(c Capacity) {
	cc := c
	o.w.capacity = &cc
}

func (o waiterOps) HandleClose(reason error) {
	o.w.done = true
	o.w.err = reason
	o.w.intf.Close(reason)
}

// NewWaiter returns a waiter whose endpoint is ready to be plugged to a
// block device's data side.
func NewWaiter(name string) *Waiter {
	w := &Waiter{}
	w.refcnt.Init(nil)
	w.intf.Init(name, &w.refcnt, waiterOps{w})
	return w
}

// Endpoint returns the waiter's data endpoint.
func (w *Waiter) Endpoint() *interconnect.Endpoint { return &w.intf }

// Done reports whether the operation has completed.
func (w *Waiter) Done() bool { return w.done }

// Err returns the completion status once Done. nil means success.
func (w *Waiter) Err() error { return w.err }

// Capacity returns the delivered capacity record, if one arrived.
func (w *Waiter) Capacity() (Capacity, bool) {
	if w.capacity == nil {
		return Capacity{}, false
	}
	return *w.capacity, true
}

// Cancel force-closes the pending operation with the given reason. The
// external timer service uses this to abort a stalled request.
func (w *Waiter) Cancel(reason error) {
	w.intf.Close(reason)
	if !w.done {
		w.done = true
		w.err = reason
	}
}
