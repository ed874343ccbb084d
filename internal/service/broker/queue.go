package broker

// admissionQueue is the FIFO wait list behind the single active slot.
// Callers hold the broker lock; the queue does no locking of its own.
// Linear scans are fine here, capacity is small and bounded.
type admissionQueue struct {
	ids []string
	max int
}

func newAdmissionQueue(max int) *admissionQueue {
	return &admissionQueue{max: max}
}

// enqueue appends id to the tail and returns its 1-based position.
// Re-enqueueing an id already present keeps its original position.
func (q *admissionQueue) enqueue(id string) int {
	if pos := q.position(id); pos > 0 {
		return pos
	}
	q.ids = append(q.ids, id)
	return len(q.ids)
}

// full reports whether another enqueue would exceed the configured bound.
func (q *admissionQueue) full() bool {
	return q.max > 0 && len(q.ids) >= q.max
}

// dequeueHead removes and returns the earliest-inserted id.
func (q *admissionQueue) dequeueHead() (string, bool) {
	if len(q.ids) == 0 {
		return "", false
	}
	head := q.ids[0]
	q.ids = q.ids[1:]
	return head, true
}

// remove drops id wherever it sits, reporting whether it was present.
func (q *admissionQueue) remove(id string) bool {
	for i, queued := range q.ids {
		if queued == id {
			q.ids = append(q.ids[:i], q.ids[i+1:]...)
			return true
		}
	}
	return false
}

// position returns the 1-based position of id, or 0 if absent.
func (q *admissionQueue) position(id string) int {
	for i, queued := range q.ids {
		if queued == id {
			return i + 1
		}
	}
	return 0
}

func (q *admissionQueue) len() int {
	return len(q.ids)
}

// snapshot copies the current ordering for position pushes and status reads.
func (q *admissionQueue) snapshot() []string {
	out := make([]string, len(q.ids))
	copy(out, q.ids)
	return out
}
