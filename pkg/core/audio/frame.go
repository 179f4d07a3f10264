package audio

import "sync"

// Direction identifies which simplex lane a frame belongs to.
type Direction int

const (
	// TowardAI carries caller audio from the telephony leg to the AI leg.
	TowardAI Direction = iota
	// TowardTelephony carries AI output audio to the telephony leg.
	TowardTelephony
)

// String returns a human-readable direction name.
func (d Direction) String() string {
	switch d {
	case TowardAI:
		return "toward_ai"
	case TowardTelephony:
		return "toward_telephony"
	default:
		return "unknown"
	}
}

// Frame is one fixed-duration slice of audio in flight through the
// bridge. Sequence numbers are monotonic per direction per call; frames
// are never reordered within a direction.
type Frame struct {
	CallID    string
	Direction Direction
	Seq       uint64
	PCM       []byte
}

// FrameQueue is a bounded FIFO of frames with drop-oldest overflow.
// A stalled consumer never blocks the producer: once the queue is full,
// pushing discards the oldest frame to make room. Intended for a single
// producer; any number of poppers may drain it.
type FrameQueue struct {
	mu      sync.Mutex
	ch      chan Frame
	dropped uint64
}

// NewFrameQueue creates a queue holding up to depth frames.
func NewFrameQueue(depth int) *FrameQueue {
	if depth < 1 {
		depth = 1
	}
	return &FrameQueue{ch: make(chan Frame, depth)}
}

// Push enqueues a frame, discarding the oldest buffered frame when the
// queue is full. Returns false when a frame was dropped to make room.
func (q *FrameQueue) Push(f Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case q.ch <- f:
		return true
	default:
	}

	// Full: drop the oldest, then retry. The drain and the retry stay
	// under the mutex so concurrent pushes cannot interleave between them.
	select {
	case <-q.ch:
		q.dropped++
	default:
	}
	select {
	case q.ch <- f:
	default:
		q.dropped++
	}
	return false
}

// C exposes the receive side of the queue.
func (q *FrameQueue) C() <-chan Frame {
	return q.ch
}

// Flush discards all buffered frames and reports how many were removed.
func (q *FrameQueue) Flush() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}

// Len returns the number of buffered frames.
func (q *FrameQueue) Len() int {
	return len(q.ch)
}

// Dropped returns how many frames have been discarded by overflow.
func (q *FrameQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
