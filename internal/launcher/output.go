package launcher

import (
	"bufio"
	"io"
	"sync"

	. "github.com/roelfdiedericks/chromewire/internal/logging"
)

// outputLines is how much browser stderr is kept for error reports.
const outputLines = 50

// ringBuffer stores the last N lines written to it.
type ringBuffer struct {
	mu    sync.Mutex
	lines []string
	pos   int
	count int
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{lines: make([]string, size)}
}

func (b *ringBuffer) Write(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lines[b.pos] = line
	b.pos = (b.pos + 1) % len(b.lines)
	if b.count < len(b.lines) {
		b.count++
	}
}

// Lines returns the buffered lines, oldest first.
func (b *ringBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, b.count)
	if b.count < len(b.lines) {
		return append(out, b.lines[:b.count]...)
	}
	out = append(out, b.lines[b.pos:]...)
	return append(out, b.lines[:b.pos]...)
}

// capture copies r line by line into the buffer until EOF.
func (b *ringBuffer) capture(r io.Reader, profile string, done func()) {
	defer done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		b.Write(line)
		L_trace("launcher: browser stderr", "profile", profile, "line", line)
	}
}
