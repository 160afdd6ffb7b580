package runner

import "sync"

// tailBuffer keeps the last size bytes written to it. It backs the
// subprocess's stderr so failure results can quote the end of the output
// without holding all of it.
//
//	size=5, write "abc":  [a b c _ _]  start=0 end=3
//	write "defg":         [f g c d e]  start=2 end=2 full → "cdefg"
type tailBuffer struct {
	mu    sync.Mutex
	data  []byte
	start int
	end   int
	full  bool
}

func newTailBuffer(size int) *tailBuffer {
	if size <= 0 {
		size = 1
	}
	return &tailBuffer{data: make([]byte, size)}
}

// Write implements io.Writer and never fails.
func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	size := len(b.data)
	if len(p) >= size {
		// Only the final size bytes survive.
		copy(b.data, p[len(p)-size:])
		b.start, b.end, b.full = 0, 0, true
		return n, nil
	}
	for _, c := range p {
		b.data[b.end] = c
		b.end = (b.end + 1) % size
		if b.full {
			b.start = b.end
		} else if b.end == b.start {
			b.full = true
		}
	}
	return n, nil
}

// String returns the buffered bytes oldest first.
func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.full:
		return string(b.data[b.start:]) + string(b.data[:b.start])
	default:
		return string(b.data[b.start:b.end])
	}
}
