package session

import "time"

// Event types pushed to a visitor connection.
const (
	EventConnected        = "connected"
	EventQueued           = "queued"
	EventQueueAdvance     = "queue_advance"
	EventMessageDelivered = "message_delivered"
	EventSessionEnded     = "session_ended"
	EventSupportMessage   = "support_message"
)

// Event is an outbound frame for a visitor connection. EstimatedWaitMinutes
// is advisory only, a linear function of queue position.
type Event struct {
	Type                 string    `json:"type"`
	SessionID            string    `json:"sessionId,omitempty"`
	Position             int       `json:"position,omitempty"`
	QueueSize            int       `json:"queueSize,omitempty"`
	EstimatedWaitMinutes int       `json:"estimatedWaitMinutes,omitempty"`
	Reason               string    `json:"reason,omitempty"`
	Text                 string    `json:"text,omitempty"`
	Timestamp            time.Time `json:"timestamp,omitempty"`
}

// Connected builds the frame telling a visitor they hold the active slot.
func Connected(sessionID string) Event {
	return Event{Type: EventConnected, SessionID: sessionID, Timestamp: time.Now().UTC()}
}

// Queued builds a queue position update frame.
func Queued(sessionID string, position, queueSize, waitMinutes int) Event {
	return Event{
		Type:                 EventQueued,
		SessionID:            sessionID,
		Position:             position,
		QueueSize:            queueSize,
		EstimatedWaitMinutes: waitMinutes,
		Timestamp:            time.Now().UTC(),
	}
}

// QueueAdvance tells the queue head they are about to take the active slot.
func QueueAdvance(sessionID string) Event {
	return Event{Type: EventQueueAdvance, SessionID: sessionID, Timestamp: time.Now().UTC()}
}

// MessageDelivered acknowledges that a visitor message reached support.
func MessageDelivered(sessionID string) Event {
	return Event{Type: EventMessageDelivered, SessionID: sessionID, Timestamp: time.Now().UTC()}
}

// Ended builds the terminal frame for a session.
func Ended(sessionID, reason string) Event {
	return Event{Type: EventSessionEnded, SessionID: sessionID, Reason: reason, Timestamp: time.Now().UTC()}
}

// SupportMessage wraps a staff reply for delivery to the visitor.
func SupportMessage(sessionID, text string) Event {
	return Event{Type: EventSupportMessage, SessionID: sessionID, Text: text, Timestamp: time.Now().UTC()}
}
