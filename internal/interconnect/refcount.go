package interconnect

// RefCount is the shared reference count of an object. The zero value is not
// usable; call Init first. All methods tolerate a nil receiver so that
// reference operations against the null endpoint are no-ops.
type RefCount struct {
	refs int
	free func()
}

// Init prepares the count with the single working reference held by the
// creator. free, if non-nil, runs exactly once when the count reaches zero.
func (r *RefCount) Init(free func()) {
	r.refs = 1
	r.free = free
}

// Get takes an additional reference.
func (r *RefCount) Get() {
	if r == nil {
		return
	}
	r.refs++
}

// Put drops a reference, running the destructor when the last one goes.
func (r *RefCount) Put() {
	if r == nil {
		return
	}
	r.refs--
	if r.refs == 0 && r.free != nil {
		r.free()
	}
}

// Refs reports the current reference count.
func (r *RefCount) Refs() int {
	if r == nil {
		return 0
	}
	return r.refs
}
