// Package interconnect implements the object-interconnection model that the
// rest of the storage stack is built on: reference-counted objects exposing
// named endpoints that can be plugged to each other and exchange typed
// operations.
//
// # Model
//
// An object is any value that owns a RefCount and one or more Endpoints. The
// object is created holding one working reference; every plugged connection
// holds one further reference on each side, so a connected graph keeps all of
// its members alive. When the count reaches zero the object's destructor runs
// and the object must not be used again.
//
// An endpoint carries a handler value (the operations its owner answers on
// that endpoint) and a destination. The destination is never nil: an
// unplugged endpoint points at a shared null endpoint whose behavior is the
// documented default for every operation (unanswered closes are ignored,
// unanswered deliveries fail, unanswered queries return a neutral value).
// Defaults are applied by the per-operation dispatch wrappers, not here.
//
// Operations are plain Go interfaces. A dispatch wrapper resolves the
// operation's interface type against the destination's handler with
// Resolve; if the destination does not implement it and declares a
// pass-through sibling (a second endpoint on the same object), resolution
// continues at the sibling's destination. This is how a block-device query
// issued against a SCSI device reaches the transport session below it
// without the SCSI layer knowing the transport type.
//
// # Teardown
//
// Close tears down a single endpoint: it disables the endpoint's own
// handlers, notifies the peer's close handler exactly once, and detaches.
// Closing an already-closed endpoint is a no-op, which makes the mutual
// close notifications between peers terminate. Restart is Close that leaves
// the endpoint ready for reuse; command retry depends on it.
//
// # Concurrency
//
// The model is single-threaded and run-to-completion: every operation
// executes synchronously within the call that invoked it, and nothing here
// locks. Handlers must tolerate reentrancy, since a close handler may
// trigger a retry that re-enters dispatch before the outer call returns.
package interconnect
