package relay

import "sync/atomic"

// frameQueue is a bounded FIFO that evicts the oldest frame when full. Each
// queue has exactly one producer.
type frameQueue struct {
	ch      chan []byte
	dropped atomic.Int64
}

func newFrameQueue(size int) *frameQueue {
	if size <= 0 {
		size = 1
	}
	return &frameQueue{ch: make(chan []byte, size)}
}

// push enqueues frame without blocking and reports whether an older frame
// had to be evicted.
func (q *frameQueue) push(frame []byte) (evicted bool) {
	for {
		select {
		case q.ch <- frame:
			return evicted
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
			evicted = true
		default:
		}
	}
}
