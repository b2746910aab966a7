package logger

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// QueueCapacity is the maximum number of lines a single queue retains. A
// full queue is cleared wholesale before the next line goes in, trading
// history for liveness so a stalled consumer can never block the server.
const QueueCapacity = 250

// QueueWriter fans completed log lines out to named in-memory queues so an
// operator console can tail a running server without touching its stdout
// stream. Wire it into a logger with io.MultiWriter and read lines back with
// Next. Queues are created on first use and all methods are safe for
// concurrent use.
type QueueWriter struct {
	mu     sync.RWMutex
	queues map[string]chan string
}

// NewQueueWriter returns an empty QueueWriter with no queues.
func NewQueueWriter() *QueueWriter {
	return &QueueWriter{queues: make(map[string]chan string)}
}

// Writer returns an io.Writer that appends each write, minus the trailing
// newline, as one line on the named queue.
//
// Parameters:
//   - name: The queue to append to, created on first use
//
// Returns:
//   - An io.Writer suitable for io.MultiWriter composition
func (w *QueueWriter) Writer(name string) *QueueTarget {
	return &QueueTarget{w: w, name: name}
}

// Next blocks until a line is available on the named queue or ctx ends.
//
// Parameters:
//   - ctx: Bounds the wait; cancellation makes Next return immediately
//   - name: The queue to read from, created on first use
//
// Returns:
//   - The oldest queued line and true, or "" and false if ctx ended first
func (w *QueueWriter) Next(ctx context.Context, name string) (string, bool) {
	q := w.queue(name)
	select {
	case line := <-q:
		return line, true
	case <-ctx.Done():
		return "", false
	}
}

// Pending returns the number of lines waiting on the named queue.
func (w *QueueWriter) Pending(name string) int {
	return len(w.queue(name))
}

// Names returns the names of all queues created so far, sorted.
func (w *QueueWriter) Names() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	names := make([]string, 0, len(w.queues))
	for name := range w.queues {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (w *QueueWriter) queue(name string) chan string {
	w.mu.RLock()
	q, ok := w.queues[name]
	w.mu.RUnlock()
	if ok {
		return q
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if q, ok := w.queues[name]; ok {
		return q
	}
	q = make(chan string, QueueCapacity)
	w.queues[name] = q
	return q
}

// push appends one line, clearing the whole queue first when it is full.
func (w *QueueWriter) push(name, line string) {
	q := w.queue(name)
	for {
		select {
		case q <- line:
			return
		default:
		}

	drain:
		for {
			select {
			case <-q:
			default:
				break drain
			}
		}
	}
}

// QueueTarget adapts one queue of a QueueWriter to io.Writer.
type QueueTarget struct {
	w    *QueueWriter
	name string
}

// Write implements io.Writer. Each call is treated as one log line.
func (t *QueueTarget) Write(p []byte) (int, error) {
	t.w.push(t.name, strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
