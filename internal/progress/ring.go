package progress

// ring is a fixed-size event buffer that overwrites the oldest entry when full.
// It is not safe for concurrent use; the owning run guards it.
type ring struct {
	buf  []Event
	head int // next write position
	full bool
}

func newRing(size int) *ring {
	if size <= 0 {
		size = 256
	}
	return &ring{buf: make([]Event, size)}
}

func (r *ring) push(ev Event) {
	r.buf[r.head] = ev
	r.head = (r.head + 1) % len(r.buf)
	if r.head == 0 {
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.head
}

// after returns buffered events with Seq > seq, oldest first.
func (r *ring) after(seq int64) []Event {
	n := r.len()
	start := 0
	if r.full {
		start = r.head
	}
	var out []Event
	for i := 0; i < n; i++ {
		ev := r.buf[(start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
