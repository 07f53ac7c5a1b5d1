package events

// ring is a FIFO-bounded event history. Once full, each push overwrites the
// oldest event.
type ring struct {
	buf   []Event
	start int
	n     int
}

func newRing(size int) *ring {
	return &ring{buf: make([]Event, size)}
}

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = e
		r.n++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

// each visits events oldest first.
func (r *ring) each(fn func(Event)) {
	for i := 0; i < r.n; i++ {
		fn(r.buf[(r.start+i)%len(r.buf)])
	}
}

func (r *ring) len() int { return r.n }

func (r *ring) cap() int { return len(r.buf) }
