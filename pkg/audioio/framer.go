package audioio

// Framer re-chunks a stream of arbitrary-length blocks into fixed-size
// frames. It is not safe for concurrent use; each device thread owns one.
type Framer struct {
	size int
	buf  []float32
}

// NewFramer returns a framer emitting frames of size samples.
func NewFramer(size int) *Framer {
	return &Framer{size: size, buf: make([]float32, 0, size*2)}
}

// Write appends samples and calls emit for each complete frame. The frame
// passed to emit is reused after emit returns.
func (f *Framer) Write(samples []float32, emit func(frame []float32)) {
	f.buf = append(f.buf, samples...)
	n := 0
	for len(f.buf)-n >= f.size {
		emit(f.buf[n : n+f.size])
		n += f.size
	}
	if n > 0 {
		f.buf = append(f.buf[:0], f.buf[n:]...)
	}
}

// Buffered returns the number of samples waiting for a full frame.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Reset drops buffered samples.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
}

// FIFO is a sample queue used to adapt a producer of one block size to a
// consumer of another. It is not safe for concurrent use.
type FIFO struct {
	buf []float32
}

// Len returns the number of queued samples.
func (q *FIFO) Len() int {
	return len(q.buf)
}

// Push appends samples.
func (q *FIFO) Push(samples []float32) {
	q.buf = append(q.buf, samples...)
}

// Pop fills out from the queue and zero-fills any shortfall. It returns the
// number of queued samples copied.
func (q *FIFO) Pop(out []float32) int {
	n := copy(out, q.buf)
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
	q.buf = append(q.buf[:0], q.buf[n:]...)
	return n
}
