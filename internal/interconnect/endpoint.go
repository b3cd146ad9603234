package interconnect

// Closer is the close operation. Every endpoint may receive it; the default
// for an unanswered close is to do nothing.
type Closer interface {
	HandleClose(reason error)
}

// Endpoint is a named slot inside an owning object. It carries the handler
// value answering operations on this endpoint and a destination reference,
// which is never nil (unplugged endpoints point at the shared null endpoint).
type Endpoint struct {
	name    string
	owner   *RefCount
	ops     any
	dest    *Endpoint
	sibling *Endpoint
	closed  bool
}

// null is the shared null endpoint: no owner, no handlers, destination is
// itself. It answers every operation with the operation's documented default.
var null = func() *Endpoint {
	e := &Endpoint{name: "null"}
	e.dest = e
	return e
}()

// Init prepares an endpoint owned by the object whose count is owner. ops is
// the handler value answering operations arriving on this endpoint; it is
// resolved by interface type assertion at dispatch time.
func (e *Endpoint) Init(name string, owner *RefCount, ops any) {
	e.name = name
	e.owner = owner
	e.ops = ops
	e.dest = null
	e.sibling = nil
	e.closed = false
}

// Pair declares a and b as pass-through siblings on the same object:
// operations unanswered at one continue resolution at the other's
// destination.
func Pair(a, b *Endpoint) {
	a.sibling = b
	b.sibling = a
}

// Name returns the endpoint's name, for logging.
func (e *Endpoint) Name() string { return e.name }

// Dest returns the current destination endpoint.
func (e *Endpoint) Dest() *Endpoint { return e.dest }

// Plugged reports whether the endpoint has a live peer.
func (e *Endpoint) Plugged() bool { return e.dest != null }

// Acquire pins the endpoint's owning object and returns its count handle.
// The caller must balance with Put.
func (e *Endpoint) Acquire() *RefCount {
	e.owner.Get()
	return e.owner
}

// plug points e at dest, moving the connection's reference from the old
// destination's owner to the new one. Plugging the null endpoint is how an
// endpoint is detached.
func plug(e, dest *Endpoint) {
	dest.owner.Get()
	old := e.dest
	e.dest = dest
	old.owner.Put()
}

// Plug makes dest the destination of e. Re-plugging implicitly un-plugs the
// previous peer (one-directional; the old peer still points at e until it is
// re-plugged or closed).
func Plug(e, dest *Endpoint) { plug(e, dest) }

// PlugPlug connects a and b as mutual destinations.
func PlugPlug(a, b *Endpoint) {
	plug(a, b)
	plug(b, a)
}

// Unplug detaches e, pointing it back at the null endpoint.
func (e *Endpoint) Unplug() { plug(e, null) }

// handler returns the endpoint's handler value, or nil when the endpoint has
// been disabled by Close.
func (e *Endpoint) handler() any {
	if e.closed {
		return nil
	}
	return e.ops
}

// Resolve locates the handler implementing operation type T reachable from
// e: it starts at e's destination and, whenever a destination does not
// answer T, follows that destination's pass-through sibling to its own
// destination. It pins the owner of the endpoint where resolution stopped;
// the caller must Put the returned count after invoking the handler, so that
// the object stays alive for the duration of the operation even if the
// handler disconnects itself.
func Resolve[T any](e *Endpoint) (T, *RefCount, bool) {
	at := e
	for {
		d := at.dest
		if op, ok := d.handler().(T); ok {
			d.owner.Get()
			return op, d.owner, true
		}
		if d.closed || d.sibling == nil {
			var zero T
			d.owner.Get()
			return zero, d.owner, false
		}
		at = d.sibling
	}
}

// notifyClose invokes the close handler of e's destination, if any. An
// unanswered close is a no-op.
func notifyClose(e *Endpoint, reason error) {
	op, owner, ok := Resolve[Closer](e)
	if ok {
		op.HandleClose(reason)
	}
	owner.Put()
}

// Close tears down the endpoint's connection: it disables e's own handlers
// (so the peer's answering close cannot re-enter them), notifies the peer's
// close handler with reason, and detaches. Closing an endpoint that is
// already closed or was never plugged is harmless, which guarantees each
// peer sees exactly one notification per teardown.
func (e *Endpoint) Close(reason error) {
	e.closed = true

	// Steal the destination into a temporary endpoint so a reentrant Close
	// finds e already detached. The connection's reference moves with it.
	tmp := Endpoint{name: e.name, owner: e.owner, dest: e.dest}
	e.dest = null

	notifyClose(&tmp, reason)
	plug(&tmp, null)
}

// Restart closes the endpoint and leaves it ready for reuse with its
// original handlers. Command retry reissues through a restarted endpoint.
func (e *Endpoint) Restart(reason error) {
	e.Close(reason)
	e.closed = false
}

// Shutdown closes every given endpoint with the same reason. Objects use it
// to tear down all of their endpoints at once; repeated shutdowns are no-ops.
func Shutdown(reason error, eps ...*Endpoint) {
	for _, e := range eps {
		e.Close(reason)
	}
}
