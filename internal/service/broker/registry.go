package broker

import (
	"time"

	"github.com/google/uuid"

	"github.com/tumicodes/support-desk/backend/internal/model/session"
)

// Conn is the transport handle for one visitor connection. Handles are owned
// by the websocket adapter; the broker only looks them up to push events.
type Conn interface {
	Send(ev session.Event) error
	Close()
}

type record struct {
	sess session.Session
	conn Conn
}

// registry holds every known session and its (possibly absent) transport
// handle. Callers hold the broker lock; the registry does no locking.
type registry struct {
	records map[string]*record
}

func newRegistry() *registry {
	return &registry{records: make(map[string]*record)}
}

// create allocates a fresh session in the given state. Never fails.
func (r *registry) create(state session.State) *record {
	rec := &record{
		sess: session.Session{
			ID:        uuid.NewString(),
			State:     state,
			CreatedAt: time.Now().UTC(),
		},
	}
	r.records[rec.sess.ID] = rec
	return rec
}

func (r *registry) get(id string) (*record, bool) {
	rec, ok := r.records[id]
	return rec, ok
}

// attach binds a transport handle to a session, returning any handle it
// replaced so the caller can close it after releasing the broker lock.
func (r *registry) attach(id string, conn Conn) (replaced Conn, ok bool) {
	rec, found := r.records[id]
	if !found {
		return nil, false
	}
	replaced = rec.conn
	rec.conn = conn
	return replaced, true
}

func (r *registry) conn(id string) Conn {
	if rec, ok := r.records[id]; ok {
		return rec.conn
	}
	return nil
}

// remove deletes the record and returns the attached handle, if any, so the
// caller can close it once the broker lock is released.
func (r *registry) remove(id string) Conn {
	rec, ok := r.records[id]
	if !ok {
		return nil
	}
	delete(r.records, id)
	return rec.conn
}

func (r *registry) len() int {
	return len(r.records)
}
