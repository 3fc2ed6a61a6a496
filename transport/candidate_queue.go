package transport

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// candidateQueue buffers remote ICE candidates that arrive before the remote
// description is set. Once marked ready the buffer is flushed exactly once,
// in arrival order, and later candidates bypass the queue.
type candidateQueue struct {
	mu      sync.Mutex
	ready   bool
	pending []webrtc.ICECandidateInit
}

// add buffers the candidate and reports whether the caller should instead
// apply it directly.
func (q *candidateQueue) add(candidate webrtc.ICECandidateInit) (applyNow bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ready {
		return true
	}
	q.pending = append(q.pending, candidate)
	return false
}

// markReady transitions the queue to pass-through mode and returns the
// buffered candidates in order. Only the first call returns candidates.
func (q *candidateQueue) markReady() []webrtc.ICECandidateInit {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ready {
		return nil
	}
	q.ready = true
	flushed := q.pending
	q.pending = nil
	return flushed
}
