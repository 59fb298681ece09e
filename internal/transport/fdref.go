package transport

import "sync"

// fdRef counts in-flight operations on a native handle and decides who
// closes it.
//
// Blocking operations bracket themselves with acquire and release. Close
// marks the handle as closing; the first caller to see no holders left
// performs the final close, exactly once.
type fdRef struct {
	mu      sync.Mutex
	holders int
	closing bool
	done    bool
}

// acquire registers an in-flight operation. It fails once close has begun.
func (r *fdRef) acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return ErrSocketClosed
	}
	r.holders++
	return nil
}

// release ends an operation. It reports true when the caller must perform
// the deferred final close.
func (r *fdRef) release() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.holders > 0 {
		r.holders--
	}
	if r.closing && r.holders == 0 && !r.done {
		r.done = true
		return true
	}
	return false
}

// close starts closing. pre is true for the first call only and asks the
// caller to shut down I/O; final is true when nothing holds the handle and
// the caller must also release it now. Later calls return false, false.
func (r *fdRef) close() (pre, final bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return false, false
	}
	r.closing = true
	if r.holders == 0 {
		r.done = true
		return true, true
	}
	return true, false
}

// pending reports whether close has begun.
func (r *fdRef) pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closing
}

func (r *fdRef) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.holders
}
