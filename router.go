package nitram

// namespace discriminates the three method tables.
type namespace uint8

const (
	nsPublic namespace = iota
	nsPrivate
	nsPush
)

func (n namespace) String() string {
	switch n {
	case nsPrivate:
		return "private"
	case nsPush:
		return "push"
	default:
		return "public"
	}
}

// router holds the frozen method tables. Build populates it once; it is
// immutable afterwards, so lookups need no locking.
type router struct {
	public  map[string]*callback
	private map[string]*callback
	push    map[string]*callback

	// pushOrder preserves registration order so drain batches are
	// deterministic.
	pushOrder []string
}

// classify resolves a wire method name. Public wins over private when a
// name is registered in both; push methods are never dispatchable from the
// wire.
func (r *router) classify(method string) (*callback, namespace, bool) {
	if cb, ok := r.public[method]; ok {
		return cb, nsPublic, true
	}
	if cb, ok := r.private[method]; ok {
		return cb, nsPrivate, true
	}
	return nil, nsPublic, false
}
