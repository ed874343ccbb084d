package session

import "time"

// State tracks where a session sits in its lifecycle.
type State string

const (
	StateQueued State = "queued"
	StateActive State = "active"
	StateEnded  State = "ended"
)

// Session captures a transient anonymous visitor session. At most one
// session is active system-wide; the rest wait in the admission queue.
type Session struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
}

// QueueEntry is one row of the queue snapshot exposed over the status API.
type QueueEntry struct {
	SessionID            string `json:"sessionId"`
	Position             int    `json:"position"`
	EstimatedWaitMinutes int    `json:"estimatedWaitMinutes"`
}
