// Package session implements the durable per-client state (§C4): queued
// QoS 1/2 messages, the active packet-id table, expiry, and the weak
// binding to a live Connection.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/flashmq/flashmq/wire"
	"github.com/google/uuid"
)

// ConnWriter is the minimal surface Session needs from a bound Connection.
// conn.Connection satisfies this structurally; session does not import conn
// so that conn can hold a strong *Session without creating an import cycle.
type ConnWriter interface {
	WriteMqttPacketAndBlameThisClient(pkt wire.MqttPacket) error
	MarkAsDisconnecting()
	Generation() uuid.UUID
}

// Subscription is a session-local record of one of its subscriptions,
// cached here so reconnection and persistence don't need to consult the
// subscription tree.
type Subscription struct {
	Filter         string
	QoS            byte
	SubscriptionID uint32 // MQTT5 SUBSCRIBE property; 0 if absent.
}

// Session holds durable per-client state. It is owned by the Store and
// outlives any single Connection.
type Session struct {
	mu sync.Mutex

	clientID              string
	protocolVersion       byte
	sessionExpiryInterval time.Duration
	maxQosPackets         int

	generation uuid.UUID // bumped whenever this Session is torn down.
	destroyed  bool

	boundConn       ConnWriter
	boundGeneration uuid.UUID

	lastActivity time.Time

	queue        []QueuedPacket
	nextPacketID uint16
	inflight     map[uint16]struct{}

	subscriptions map[string]Subscription
}

type QueuedPacket struct {
	packet   wire.MqttPacket
	packetID uint16
}

// New creates a Session for clientID. maxQosPackets bounds the outbound
// QoS 1/2 queue used while no Connection is bound.
func New(clientID string, protocolVersion byte, sessionExpiryInterval time.Duration, maxQosPackets int) *Session {
	return &Session{
		clientID:              clientID,
		protocolVersion:       protocolVersion,
		sessionExpiryInterval: sessionExpiryInterval,
		maxQosPackets:         maxQosPackets,
		generation:            uuid.New(),
		lastActivity:          time.Now(),
		inflight:              make(map[uint16]struct{}),
		subscriptions:         make(map[string]Subscription),
	}
}

// ClientID returns the session's client identifier.
func (s *Session) ClientID() string { return s.clientID }

// ProtocolVersion returns the MQTT protocol version the session was
// created under.
func (s *Session) ProtocolVersion() byte { return s.protocolVersion }

// SessionExpiryInterval returns the configured expiry interval.
func (s *Session) SessionExpiryInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionExpiryInterval
}

// Generation returns the token that a weak reference (Subscription,
// QueuedSessionRemoval) must match for this Session to still be considered
// live. It changes when Destroy is called.
func (s *Session) Generation() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Destroy invalidates every weak reference currently pointing at this
// Session by rotating its generation token and marking it torn down.
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
	s.generation = uuid.New()
}

// Destroyed reports whether Destroy has been called.
func (s *Session) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// Touch updates lastActivity to the given timestamp.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
}

// Expired reports whether the session has outlived sessionExpiryInterval
// since its last activity, given now. A zero interval never expires.
func (s *Session) Expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionExpiryInterval <= 0 {
		return false
	}
	return now.Sub(s.lastActivity) >= s.sessionExpiryInterval
}

// BindConnection attaches a live Connection to the session, invalidating
// whatever binding was there before. Connection -> Session is strong
// (handled by the conn package); Session -> Connection is this weak
// binding, captured by generation token rather than by keeping the
// Connection alive.
func (s *Session) BindConnection(c ConnWriter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boundConn = c
	s.boundGeneration = c.Generation()
}

// UnbindConnection clears the binding. It is a no-op if the session is
// already unbound.
func (s *Session) UnbindConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boundConn = nil
}

// boundConnection resolves the weak binding, returning (nil, false) if no
// Connection is bound or the bound one has since been superseded.
func (s *Session) boundConnection() (ConnWriter, bool) {
	if s.boundConn == nil {
		return nil, false
	}
	if s.boundConn.Generation() != s.boundGeneration {
		return nil, false
	}
	return s.boundConn, true
}

// nextID allocates the next packet ID, skipping 0 (reserved) and any ID
// still awaiting acknowledgement.
func (s *Session) nextID() uint16 {
	for {
		s.nextPacketID++
		if s.nextPacketID == 0 {
			continue
		}
		if _, inUse := s.inflight[s.nextPacketID]; !inUse {
			return s.nextPacketID
		}
	}
}

// EnqueuePacket delivers pkt to the bound Connection if one is live, via
// WriteMqttPacketAndBlameThisClient so a serialization failure disconnects
// the recipient, never the original publisher. With no live Connection the
// packet is appended to the offline queue, capped at maxQosPackets; once the
// queue is full the incoming packet is dropped (tail-drop) with a warning.
// QoS 1/2 packets get an allocated packet ID so they can later be
// acknowledged.
func (s *Session) EnqueuePacket(pkt wire.MqttPacket) {
	s.mu.Lock()

	var packetID uint16
	if pkt.QoS > 0 {
		packetID = s.nextID()
		s.inflight[packetID] = struct{}{}
		if pkt.PacketType == wire.TypePublish {
			pkt.Payload = wire.SetPublishPacketID(pkt.Payload, packetID)
		}
	}

	if conn, ok := s.boundConnection(); ok {
		s.mu.Unlock()
		if err := conn.WriteMqttPacketAndBlameThisClient(pkt); err != nil {
			conn.MarkAsDisconnecting()
		}
		return
	}

	if len(s.queue) >= s.maxQosPackets {
		slog.Warn("session outbound queue full, dropping packet",
			"client_id", s.clientID, "max_queue_packets", s.maxQosPackets)
		delete(s.inflight, packetID)
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, QueuedPacket{packet: pkt, packetID: packetID})
	s.mu.Unlock()
}

// Acknowledge clears packetID from the in-flight table, e.g. on PUBACK/PUBCOMP.
func (s *Session) Acknowledge(packetID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, packetID)
}

// RedeliverPending flushes any packets queued while disconnected to the
// newly bound Connection, in enqueue order. It is invoked once a Connection
// rebinds so a reconnecting client resumes its missed QoS 1/2 traffic.
func (s *Session) RedeliverPending() {
	s.mu.Lock()
	conn, ok := s.boundConnection()
	if !ok {
		s.mu.Unlock()
		return
	}
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, qp := range pending {
		pkt := qp.packet
		pkt.Dup = qp.packetID != 0
		if err := conn.WriteMqttPacketAndBlameThisClient(pkt); err != nil {
			conn.MarkAsDisconnecting()
			return
		}
	}
}

// AddSubscription records filter/qos for persistence and reconnection
// bookkeeping; the subscription tree itself is the authority for routing.
func (s *Session) AddSubscription(sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sub.Filter] = sub
}

// RemoveSubscription drops filter from the session's cached subscription set.
func (s *Session) RemoveSubscription(filter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, filter)
}

// Subscriptions returns a snapshot of the session's cached subscriptions.
func (s *Session) Subscriptions() []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		out = append(out, sub)
	}
	return out
}

// QueuedPacketCount reports how many packets are currently held offline,
// for persistence round-tripping and tests.
func (s *Session) QueuedPacketCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// SnapshotQueue returns the offline queue in delivery order, for
// persistence. The queue is left untouched.
func (s *Session) SnapshotQueue() []QueuedPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]QueuedPacket(nil), s.queue...)
}

// RestoreQueue replaces the offline queue wholesale, e.g. after loading a
// persisted session on broker startup, and re-reserves every packet ID
// found in it so nextID never reissues one still awaiting acknowledgement.
func (s *Session) RestoreQueue(packets []QueuedPacket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append([]QueuedPacket(nil), packets...)
	for _, qp := range s.queue {
		if qp.packetID != 0 {
			s.inflight[qp.packetID] = struct{}{}
		}
	}
}

// PacketForPersistence exposes a QueuedPacket's fields for the persist
// package, which lives in a different package and cannot see QueuedPacket's
// unexported fields directly.
func PacketForPersistence(qp QueuedPacket) (wire.MqttPacket, uint16) {
	return qp.packet, qp.packetID
}

// NewQueuedPacket constructs a QueuedPacket from persisted fields, for use
// with RestoreQueue.
func NewQueuedPacket(pkt wire.MqttPacket, packetID uint16) QueuedPacket {
	return QueuedPacket{packet: pkt, packetID: packetID}
}
