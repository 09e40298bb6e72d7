// Copyright The Cycletrace Authors
// SPDX-License-Identifier: Apache-2.0

package collector // import "github.com/cycletrace/cycletrace/collector"

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// segmentQueue buffers received segments between the connection
// handlers and the single consumer. It is bounded: when the consumer
// falls behind, the oldest queued segment is dropped rather than
// stalling the sessions that are waiting on their exchange acks. A
// dropped segment only loses statistics, never corrupts the stream —
// every segment is self-contained.
type segmentQueue struct {
	mu sync.Mutex

	// ring holds the queued segments; head indexes the oldest of the
	// queued live entries.
	ring   []ReceivedSegment
	head   int
	queued int

	// dropped counts segments discarded since the last droppedCount
	// call.
	dropped uint64

	// wake signals the consumer that segments are pending.
	wake chan struct{}
}

func newSegmentQueue(size uint32) *segmentQueue {
	return &segmentQueue{
		ring: make([]ReceivedSegment, size),
		wake: make(chan struct{}, 1),
	}
}

// push enqueues one segment and wakes the consumer. On a full queue
// the oldest segment is dropped and attributed in the log so a lossy
// session is diagnosable.
func (q *segmentQueue) push(seg ReceivedSegment) {
	q.mu.Lock()
	if q.queued == len(q.ring) {
		oldest := q.ring[q.head]
		q.ring[q.head] = ReceivedSegment{}
		q.head = (q.head + 1) % len(q.ring)
		q.queued--
		q.dropped++
		log.Warnf("consumer lagging: dropped segment %d of session %s (pid %d)",
			oldest.Header.SequenceNumber, oldest.Session, oldest.PID)
	}
	q.ring[(q.head+q.queued)%len(q.ring)] = seg
	q.queued++
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// drain hands every queued segment to handler, oldest first. The
// handler runs outside the lock, so sessions keep exchanging while a
// slow consumer works through the backlog.
func (q *segmentQueue) drain(handler func(ReceivedSegment)) {
	for {
		q.mu.Lock()
		if q.queued == 0 {
			q.mu.Unlock()
			return
		}
		seg := q.ring[q.head]
		// Release the payload for GC; segments can be large.
		q.ring[q.head] = ReceivedSegment{}
		q.head = (q.head + 1) % len(q.ring)
		q.queued--
		q.mu.Unlock()

		handler(seg)
	}
}

// droppedCount returns the number of segments dropped since the last
// call and resets the counter.
func (q *segmentQueue) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := q.dropped
	q.dropped = 0
	return dropped
}
