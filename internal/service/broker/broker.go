package broker

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/tumicodes/support-desk/backend/internal/model/session"
)

var (
	ErrQueueFull       = errors.New("admission queue is full")
	ErrSessionNotFound = errors.New("session not found")
	ErrUnroutable      = errors.New("reply cannot be matched to a session")
)

// Estimated wait per queue slot pushed to visitors. Advisory only.
const waitPerSlotMinutes = 2

// Start statuses returned to the request layer.
const (
	StatusConnected = "connected"
	StatusQueued    = "queued"
	StatusRejected  = "rejected"
)

// Relay carries broker events to the support channel. Implementations do
// network I/O, so the broker only calls these with its lock released.
type Relay interface {
	NotifyNewActiveSession(sessionID string)
	NotifyQueuedSession(sessionID string, position int)
	NotifySessionEnded(sessionID, reason string)
	// DeliverVisitorMessage forwards text to support and returns a
	// correlation token that staff replies can reference.
	DeliverVisitorMessage(sessionID, text string) (string, error)
	NotifyVisitorTyping(sessionID string)
}

// Config holds the broker tunables.
type Config struct {
	MaxQueueSize      int
	PromotionDelay    time.Duration
	QueuedIdleTimeout time.Duration
}

// Broker owns the single active slot, the admission queue and the session
// registry. One mutex serializes every state transition; operations compute
// their decision plus a list of outbound sends under the lock and perform
// the sends after releasing it.
type Broker struct {
	cfg   Config
	relay Relay

	mu           sync.Mutex
	reg          *registry
	queue        *admissionQueue
	activeID     string
	correlations map[string]string // relay token -> session id
	pending      *pendingPromotion
}

// pendingPromotion is a queue head waiting out the promotion grace period.
type pendingPromotion struct {
	sessionID string
	timer     *time.Timer
}

// New builds an idle broker. Wire the relay with SetRelay before serving.
func New(cfg Config) *Broker {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 100
	}
	return &Broker{
		cfg:          cfg,
		reg:          newRegistry(),
		queue:        newAdmissionQueue(cfg.MaxQueueSize),
		correlations: make(map[string]string),
	}
}

// SetRelay attaches the support channel adapter. Left unset, relay
// notifications degrade to logged no-ops.
func (b *Broker) SetRelay(r Relay) {
	b.relay = r
}

// StartResult is the outcome of a start request.
type StartResult struct {
	Status    string
	SessionID string
	Position  int
}

// StartSession creates a session and either hands it the active slot or
// appends it to the queue. Returns ErrQueueFull when the queue is at its
// configured bound.
func (b *Broker) StartSession() (StartResult, error) {
	b.mu.Lock()
	if b.activeID == "" && b.pending == nil {
		rec := b.reg.create(session.StateActive)
		id := rec.sess.ID
		b.activeID = id
		b.mu.Unlock()
		log.Printf("[broker] session %s started active", id)
		if b.relay != nil {
			b.relay.NotifyNewActiveSession(id)
		}
		return StartResult{Status: StatusConnected, SessionID: id}, nil
	}
	if b.queue.full() {
		b.mu.Unlock()
		return StartResult{Status: StatusRejected}, ErrQueueFull
	}
	rec := b.reg.create(session.StateQueued)
	id := rec.sess.ID
	pos := b.queue.enqueue(id)
	b.mu.Unlock()
	log.Printf("[broker] session %s queued at position %d", id, pos)
	if b.relay != nil {
		b.relay.NotifyQueuedSession(id, pos)
	}
	return StartResult{Status: StatusQueued, SessionID: id, Position: pos}, nil
}

// EndResult reports which session, if any, was picked to take over the slot.
type EndResult struct {
	NextActiveID string
}

// EndSession tears a session down. Idempotent: ending an unknown or already
// ended id is a no-op. Ending the active session frees the slot and starts
// promotion of the queue head.
func (b *Broker) EndSession(id, reason string) EndResult {
	var after []func()

	b.mu.Lock()
	res, ended := b.endLocked(id, reason, &after)
	b.mu.Unlock()
	if !ended {
		return res
	}

	log.Printf("[broker] session %s ended (%s)", id, reason)
	for _, fn := range after {
		fn()
	}
	return res
}

// endLocked removes a session and decides the follow-up promotion. Caller
// holds the lock and runs the accumulated sends after releasing it. Reports
// whether the id actually named a live session.
func (b *Broker) endLocked(id, reason string, after *[]func()) (EndResult, bool) {
	var res EndResult
	if _, ok := b.reg.get(id); !ok {
		return res, false
	}
	b.dropCorrelationsLocked(id)
	switch {
	case id == b.activeID:
		b.activeID = ""
		b.releaseAfter(after, b.reg.remove(id), id, reason)
		res.NextActiveID = b.schedulePromotionLocked(after)
	case b.pending != nil && b.pending.sessionID == id:
		// promoted session vanished inside the grace period
		b.pending.timer.Stop()
		b.pending = nil
		b.releaseAfter(after, b.reg.remove(id), id, reason)
		res.NextActiveID = b.schedulePromotionLocked(after)
	default:
		b.queue.remove(id)
		b.releaseAfter(after, b.reg.remove(id), id, reason)
		b.pushPositionsLocked(after)
	}
	if b.relay != nil {
		*after = append(*after, func() { b.relay.NotifySessionEnded(id, reason) })
	}
	return res, true
}

// Disconnect is raised by the transport adapter when a connection closes.
// Safe to race with an explicit EndSession for the same id. The closing
// handle is checked against the registered one inside the same critical
// section as the teardown, so a stale close cannot tear down a session that
// reconnected in the meantime.
func (b *Broker) Disconnect(id string, conn Conn) {
	var after []func()

	b.mu.Lock()
	if conn != nil {
		if current := b.reg.conn(id); current != nil && current != conn {
			b.mu.Unlock()
			return
		}
	}
	_, ended := b.endLocked(id, "disconnected", &after)
	b.mu.Unlock()
	if !ended {
		return
	}

	log.Printf("[broker] session %s ended (disconnected)", id)
	for _, fn := range after {
		fn()
	}
}

// AttachConnection binds a transport handle to a session and returns the
// greeting event the adapter should push first. Replaces any prior handle,
// so a reconnect simply takes over.
func (b *Broker) AttachConnection(id string, conn Conn) (session.Event, error) {
	b.mu.Lock()
	replaced, ok := b.reg.attach(id, conn)
	if !ok {
		b.mu.Unlock()
		return session.Event{}, ErrSessionNotFound
	}
	var greeting session.Event
	switch {
	case id == b.activeID:
		greeting = session.Connected(id)
	case b.pending != nil && b.pending.sessionID == id:
		// already dequeued, waiting out the promotion grace period
		greeting = session.QueueAdvance(id)
	default:
		pos := b.queue.position(id)
		greeting = session.Queued(id, pos, b.queue.len(), pos*waitPerSlotMinutes)
	}
	b.mu.Unlock()
	if replaced != nil {
		replaced.Close()
	}
	return greeting, nil
}

// RouteVisitorMessage forwards a message from the active visitor to the
// relay. Messages from queued or ended sessions are dropped.
func (b *Broker) RouteVisitorMessage(id, text string) {
	b.mu.Lock()
	active := id == b.activeID
	conn := b.reg.conn(id)
	b.mu.Unlock()

	if !active {
		log.Printf("[broker] dropping message from non-active session %s", id)
		return
	}
	if b.relay == nil {
		log.Printf("[broker] no relay configured, message from session %s not delivered", id)
		return
	}

	token, err := b.relay.DeliverVisitorMessage(id, text)
	if err != nil {
		log.Printf("[broker] relay delivery failed for session %s: %v", id, err)
		return
	}
	if token != "" {
		b.mu.Lock()
		if _, ok := b.reg.get(id); ok {
			b.correlations[token] = id
		}
		b.mu.Unlock()
	}
	if conn != nil {
		if err := conn.Send(session.MessageDelivered(id)); err != nil {
			log.Printf("[broker] delivery ack to session %s failed: %v", id, err)
		}
	}
}

// RouteStaffReply resolves the target of a staff reply and pushes it to the
// visitor. An explicit id (full or unique prefix) wins over the correlation
// token; with neither resolvable the reply is ErrUnroutable. Replies for a
// session with no attached connection are dropped, not buffered.
func (b *Broker) RouteStaffReply(explicitID, token, text string) error {
	b.mu.Lock()
	id := b.resolveExplicitLocked(explicitID)
	if id == "" && token != "" {
		if mapped, ok := b.correlations[token]; ok {
			if _, live := b.reg.get(mapped); live {
				id = mapped
			}
		}
	}
	if id == "" {
		b.mu.Unlock()
		return ErrUnroutable
	}
	conn := b.reg.conn(id)
	b.mu.Unlock()

	if conn == nil {
		log.Printf("[broker] staff reply for session %s dropped, visitor not connected", id)
		return nil
	}
	if err := conn.Send(session.SupportMessage(id, text)); err != nil {
		log.Printf("[broker] staff reply to session %s failed: %v", id, err)
	}
	return nil
}

// ResolveSession resolves a full session id or a unique prefix of one.
func (b *Broker) ResolveSession(ident string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.resolveExplicitLocked(ident)
	return id, id != ""
}

// VisitorTyping forwards a typing notice from the active visitor, best effort.
func (b *Broker) VisitorTyping(id string) {
	b.mu.Lock()
	active := id == b.activeID
	b.mu.Unlock()
	if active && b.relay != nil {
		b.relay.NotifyVisitorTyping(id)
	}
}

// Status is the queue snapshot served by the status endpoint.
type Status struct {
	ActiveID  string               `json:"active,omitempty"`
	QueueSize int                  `json:"queueSize"`
	Sessions  int                  `json:"sessions"`
	Queue     []session.QueueEntry `json:"queue"`
}

// QueueStatus reports the active slot and queue ordering.
func (b *Broker) QueueStatus() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := b.queue.snapshot()
	entries := make([]session.QueueEntry, 0, len(ids))
	for i, id := range ids {
		entries = append(entries, session.QueueEntry{
			SessionID:            id,
			Position:             i + 1,
			EstimatedWaitMinutes: (i + 1) * waitPerSlotMinutes,
		})
	}
	return Status{
		ActiveID:  b.activeID,
		QueueSize: len(ids),
		Sessions:  b.reg.len(),
		Queue:     entries,
	}
}

// Run evicts queued sessions that never attached a connection within the
// configured idle timeout. Blocks until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) {
	if b.cfg.QueuedIdleTimeout <= 0 {
		<-ctx.Done()
		return
	}
	interval := b.cfg.QueuedIdleTimeout / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.evictIdleQueued()
		}
	}
}

func (b *Broker) evictIdleQueued() {
	cutoff := time.Now().UTC().Add(-b.cfg.QueuedIdleTimeout)
	b.mu.Lock()
	var stale []string
	for _, id := range b.queue.snapshot() {
		if rec, ok := b.reg.get(id); ok && rec.conn == nil && rec.sess.CreatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	b.mu.Unlock()
	for _, id := range stale {
		log.Printf("[broker] evicting idle queued session %s", id)
		b.EndSession(id, "queue timeout")
	}
}

// schedulePromotionLocked picks the queue head for the freed slot. With a
// promotion delay configured the activation is two-step: the visitor gets a
// queue_advance notice now and the slot after the grace period, unless they
// disappear first.
func (b *Broker) schedulePromotionLocked(after *[]func()) string {
	if b.activeID != "" || b.pending != nil {
		return ""
	}
	head, ok := b.queue.dequeueHead()
	if !ok {
		return ""
	}
	b.pushPositionsLocked(after)
	if b.cfg.PromotionDelay <= 0 {
		b.activateLocked(head, after)
		return head
	}
	if conn := b.reg.conn(head); conn != nil {
		ev := session.QueueAdvance(head)
		*after = append(*after, func() {
			if err := conn.Send(ev); err != nil {
				log.Printf("[broker] queue advance notice to session %s failed: %v", head, err)
			}
		})
	}
	p := &pendingPromotion{sessionID: head}
	p.timer = time.AfterFunc(b.cfg.PromotionDelay, func() { b.finishPromotion(head) })
	b.pending = p
	log.Printf("[broker] session %s promoting in %s", head, b.cfg.PromotionDelay)
	return head
}

func (b *Broker) finishPromotion(id string) {
	var after []func()
	b.mu.Lock()
	if b.pending == nil || b.pending.sessionID != id {
		b.mu.Unlock()
		return
	}
	b.pending = nil
	b.activateLocked(id, &after)
	b.mu.Unlock()
	for _, fn := range after {
		fn()
	}
}

func (b *Broker) activateLocked(id string, after *[]func()) {
	rec, ok := b.reg.get(id)
	if !ok {
		return
	}
	rec.sess.State = session.StateActive
	b.activeID = id
	if conn := rec.conn; conn != nil {
		ev := session.Connected(id)
		*after = append(*after, func() {
			if err := conn.Send(ev); err != nil {
				log.Printf("[broker] connected notice to session %s failed: %v", id, err)
			}
		})
	}
	if b.relay != nil {
		*after = append(*after, func() { b.relay.NotifyNewActiveSession(id) })
	}
	log.Printf("[broker] session %s active", id)
}

// pushPositionsLocked refreshes every connected queued visitor's position.
func (b *Broker) pushPositionsLocked(after *[]func()) {
	ids := b.queue.snapshot()
	size := len(ids)
	for i, id := range ids {
		conn := b.reg.conn(id)
		if conn == nil {
			continue
		}
		pos := i + 1
		ev := session.Queued(id, pos, size, pos*waitPerSlotMinutes)
		*after = append(*after, func() {
			if err := conn.Send(ev); err != nil {
				log.Printf("[broker] position update to session %s failed: %v", ev.SessionID, err)
			}
		})
	}
}

// releaseAfter queues the end notice and handle close for a removed session.
// The notice is best effort and always precedes the close.
func (b *Broker) releaseAfter(after *[]func(), conn Conn, id, reason string) {
	if conn == nil {
		return
	}
	ev := session.Ended(id, reason)
	*after = append(*after, func() {
		if err := conn.Send(ev); err != nil {
			log.Printf("[broker] end notice to session %s dropped: %v", id, err)
		}
		conn.Close()
	})
}

func (b *Broker) dropCorrelationsLocked(id string) {
	for token, mapped := range b.correlations {
		if mapped == id {
			delete(b.correlations, token)
		}
	}
}

// resolveExplicitLocked matches a full session id or a unique prefix of one,
// so staff can address a session by the short prefix shown in the channel.
func (b *Broker) resolveExplicitLocked(ident string) string {
	if ident == "" {
		return ""
	}
	if _, ok := b.reg.get(ident); ok {
		return ident
	}
	match := ""
	for id := range b.reg.records {
		if strings.HasPrefix(id, ident) {
			if match != "" {
				return ""
			}
			match = id
		}
	}
	return match
}
