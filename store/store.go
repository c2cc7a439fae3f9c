// Package store implements the Store (§C7): it owns the subscription and
// retained trees, the session registry, the pending-wills list, and the
// delayed session-removal queue, and is the glue between publish fan-out
// and per-session delivery.
package store

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/flashmq/flashmq/conn"
	"github.com/flashmq/flashmq/obs"
	"github.com/flashmq/flashmq/persist"
	"github.com/flashmq/flashmq/session"
	"github.com/flashmq/flashmq/topictree"
	"github.com/flashmq/flashmq/wire"
	"github.com/google/uuid"
)

// weakSessionRef is a generation-checked handle to a Session, used by
// QueuedSessionRemoval so a removal enqueued against a session that has
// since been destroyed or replaced becomes a harmless no-op. Rebinding a
// session cancels its queued removals outright (see
// RegisterClientAndKickExistingOne).
type weakSessionRef struct {
	sess       *session.Session
	generation uuid.UUID
}

func newWeakSessionRef(s *session.Session) weakSessionRef {
	return weakSessionRef{sess: s, generation: s.Generation()}
}

func (r weakSessionRef) resolve() (*session.Session, bool) {
	if r.sess == nil || r.sess.Generation() != r.generation {
		return nil, false
	}
	return r.sess, true
}

// QueuedSessionRemoval is a pending expiry of a session that has no live
// Connection. It is a no-op if the session is rebound before expiresAt.
type QueuedSessionRemoval struct {
	ref       weakSessionRef
	expiresAt time.Time
}

type pendingWill struct {
	will           conn.Will
	disconnectedAt time.Time
}

// Store owns both topic trees plus the session registry, pending wills,
// and the delayed-removal queue.
type Store struct {
	Subscriptions *topictree.SubscriptionTree
	Retained      *topictree.RetainedTree

	sessionsMu sync.RWMutex
	sessions   map[string]*session.Session
	takeover   keyLock

	connectionsMu sync.RWMutex
	connections   map[string]*conn.Connection

	willsMu      sync.Mutex
	pendingWills []pendingWill

	removalMu    sync.Mutex
	removalQueue []*QueuedSessionRemoval

	defaultSessionExpiry time.Duration
	maxQosPackets        int

	persist persist.Store // nil until AttachPersistence is called
	metrics *obs.Metrics  // nil until AttachMetrics is called
}

// AttachMetrics binds a metrics recorder. Nil (the default) disables
// recording.
func (s *Store) AttachMetrics(m *obs.Metrics) {
	s.metrics = m
}

// New creates an empty Store. defaultSessionExpiry and maxQosPackets are
// applied to sessions created here (e.g. on first CONNECT for a clientID).
func New(defaultSessionExpiry time.Duration, maxQosPackets int) *Store {
	return &Store{
		Subscriptions:        topictree.New(),
		Retained:             topictree.NewRetainedTree(),
		sessions:             make(map[string]*session.Session),
		connections:          make(map[string]*conn.Connection),
		defaultSessionExpiry: defaultSessionExpiry,
		maxQosPackets:        maxQosPackets,
	}
}

// GenerateClientID mints a client ID for a CONNECT that arrived with an
// empty one, as MQTT allows for CleanSession/CleanStart clients.
func GenerateClientID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("store: generate client id: %w", err)
	}
	return "auto-" + hex.EncodeToString(b), nil
}

// QueuePacketAtSubscribers walks the appropriate root for topic, collects
// recipients under the tree's read lock, then enqueues to each recipient's
// session outside that lock — recipients' session queues/write buffers are
// never touched while the subscription tree's rwlock is held.
func (s *Store) QueuePacketAtSubscribers(topic string, pkt wire.MqttPacket) {
	recipients := s.Subscriptions.PublishRecursively(topic)
	for _, r := range recipients {
		deliverPkt := pkt
		deliverPkt.QoS = minQoS(r.QoS, pkt.QoS)
		r.Session.EnqueuePacket(deliverPkt)
	}
	if s.metrics != nil {
		s.metrics.RecordPublish(len(recipients))
	}
}

func minQoS(a, b byte) byte {
	if a < b {
		return a
	}
	return b
}

// RegisterClientAndKickExistingOne binds c to the session for clientID,
// displacing and disconnecting any previously live Connection bound to
// that session. If cleanSession is set, or no session exists yet, a fresh
// Session is created instead of resuming the old one.
func (s *Store) RegisterClientAndKickExistingOne(clientID string, c *conn.Connection, protocolVersion byte, cleanSession bool) *session.Session {
	s.takeover.Lock(clientID)
	defer s.takeover.Unlock(clientID)

	s.sessionsMu.Lock()
	existing, ok := s.sessions[clientID]
	if ok && cleanSession {
		existing.Destroy()
		delete(s.sessions, clientID)
		ok = false
	}
	s.sessionsMu.Unlock()

	s.connectionsMu.Lock()
	if old, hadOld := s.connections[clientID]; hadOld && old != c {
		s.connectionsMu.Unlock()
		old.MarkAsDisconnecting()
		s.connectionsMu.Lock()
	}
	s.connections[clientID] = c
	s.connectionsMu.Unlock()

	var sess *session.Session
	if ok {
		sess = existing
		// Resuming the session cancels any removal queued while it was unbound.
		s.removalMu.Lock()
		kept := s.removalQueue[:0]
		for _, qr := range s.removalQueue {
			if qr.ref.sess != existing {
				kept = append(kept, qr)
			}
		}
		s.removalQueue = kept
		s.removalMu.Unlock()
	} else {
		sess = session.New(clientID, protocolVersion, s.defaultSessionExpiry, s.maxQosPackets)
		s.sessionsMu.Lock()
		s.sessions[clientID] = sess
		s.sessionsMu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordSessionRegistered()
		}
	}

	sess.BindConnection(c)
	c.Session = sess
	sess.Touch(time.Now())
	sess.RedeliverPending()

	return sess
}

// QueueSessionRemoval schedules sess to be dropped once expiry has elapsed
// with no reconnection. It is a no-op for a session that has already been
// destroyed.
func (s *Store) QueueSessionRemoval(sess *session.Session, expiry time.Duration) {
	if sess.Destroyed() {
		return
	}

	s.removalMu.Lock()
	defer s.removalMu.Unlock()

	qr := &QueuedSessionRemoval{ref: newWeakSessionRef(sess), expiresAt: time.Now().Add(expiry)}
	s.removalQueue = append(s.removalQueue, qr)
	sort.Slice(s.removalQueue, func(i, j int) bool {
		return s.removalQueue[i].expiresAt.Before(s.removalQueue[j].expiresAt)
	})
}

// RemoveExpiredSessionsClients pops every due entry from the front of the
// removal queue, skipping (and discarding) any whose session has since been
// destroyed outright (the weak reference resolves stale), and removes each
// remaining session that Session.Expired reports as expired. Entries for a
// session that was rebound never get here: RegisterClientAndKickExistingOne
// cancels them when it resumes the session.
func (s *Store) RemoveExpiredSessionsClients(now time.Time) {
	s.removalMu.Lock()
	var due []*QueuedSessionRemoval
	i := 0
	for ; i < len(s.removalQueue); i++ {
		if s.removalQueue[i].expiresAt.After(now) {
			break
		}
		due = append(due, s.removalQueue[i])
	}
	s.removalQueue = s.removalQueue[i:]
	s.removalMu.Unlock()

	for _, qr := range due {
		sess, live := qr.ref.resolve()
		if !live {
			continue
		}
		if sess.Expired(now) {
			s.removeSession(sess.ClientID())
		}
	}
}

func (s *Store) removeSession(clientID string) {
	s.sessionsMu.Lock()
	sess, ok := s.sessions[clientID]
	if ok {
		delete(s.sessions, clientID)
	}
	s.sessionsMu.Unlock()
	if ok {
		sess.Destroy()
		if s.metrics != nil {
			s.metrics.RecordSessionRemoved()
		}
	}

	s.connectionsMu.Lock()
	delete(s.connections, clientID)
	s.connectionsMu.Unlock()
}

// QueueWillMessage records clientID's will for later delivery, honoring its
// configured delay once the client has disconnected.
func (s *Store) QueueWillMessage(w conn.Will) {
	s.willsMu.Lock()
	defer s.willsMu.Unlock()
	s.pendingWills = append(s.pendingWills, pendingWill{will: w, disconnectedAt: time.Now()})
}

// SendQueuedWillMessages drains and delivers every will whose delay has
// elapsed as of now.
func (s *Store) SendQueuedWillMessages(now time.Time) {
	s.willsMu.Lock()
	var due []pendingWill
	var remaining []pendingWill
	for _, pw := range s.pendingWills {
		if pw.disconnectedAt.Add(pw.will.Delay).After(now) {
			remaining = append(remaining, pw)
			continue
		}
		due = append(due, pw)
	}
	s.pendingWills = remaining
	s.willsMu.Unlock()

	for _, pw := range due {
		pkt := wire.MqttPacket{PacketType: wire.TypePublish, QoS: pw.will.QoS, Retain: pw.will.Retain}
		if pw.will.Retain {
			s.Retained.SetRetainedMessage(pw.will.Topic, pw.will.Payload, pw.will.QoS)
			if s.metrics != nil {
				if len(pw.will.Payload) == 0 {
					s.metrics.RecordRetainedDeleted()
				} else {
					s.metrics.RecordRetainedSet()
				}
			}
		}
		var varHeader []byte
		varHeader = append(varHeader, byte(len(pw.will.Topic)>>8), byte(len(pw.will.Topic)))
		varHeader = append(varHeader, pw.will.Topic...)
		if pkt.QoS > 0 {
			// Packet Identifier placeholder; EnqueuePacket fills it in with
			// the ID it allocates for each recipient.
			varHeader = append(varHeader, 0, 0)
		}
		varHeader = append(varHeader, pw.will.Payload...)
		pkt.Payload = varHeader
		s.QueuePacketAtSubscribers(pw.will.Topic, pkt)
	}
	if len(due) > 0 {
		slog.Debug("delivered queued will messages", "count", len(due))
	}
}

// SessionFor returns the session registered for clientID, if any.
func (s *Store) SessionFor(clientID string) (*session.Session, bool) {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	sess, ok := s.sessions[clientID]
	return sess, ok
}

// AttachPersistence binds a persistence backend. The Store depends only on
// the persist.Store interface, never on a concrete backend.
func (s *Store) AttachPersistence(p persist.Store) {
	s.persist = p
}

// SaveSnapshot persists the current retained-message set and every
// registered session (subscriptions plus offline queue). It is a no-op if
// no persistence backend has been attached.
func (s *Store) SaveSnapshot() error {
	if s.persist == nil {
		return nil
	}

	retained := s.Retained.All()
	retainedRecords := make([]persist.RetainedRecord, 0, len(retained))
	for _, rm := range retained {
		retainedRecords = append(retainedRecords, persist.RetainedRecord{
			Topic: rm.Topic, Payload: rm.Payload, QoS: rm.QoS,
		})
	}
	if err := s.persist.SaveRetained(retainedRecords); err != nil {
		return err
	}

	s.sessionsMu.RLock()
	sessionRecords := make([]persist.SessionRecord, 0, len(s.sessions))
	for _, sess := range s.sessions {
		subs := sess.Subscriptions()
		subRecords := make([]persist.SubscriptionRecord, 0, len(subs))
		for _, sub := range subs {
			subRecords = append(subRecords, persist.SubscriptionRecord{
				Filter: sub.Filter, QoS: sub.QoS, SubscriptionID: sub.SubscriptionID,
			})
		}

		queue := sess.SnapshotQueue()
		queueRecords := make([]persist.QueuedPacketRecord, 0, len(queue))
		for _, qp := range queue {
			pkt, packetID := session.PacketForPersistence(qp)
			queueRecords = append(queueRecords, persist.QueuedPacketRecord{
				PacketType: byte(pkt.PacketType), QoS: pkt.QoS, Payload: pkt.Payload, PacketID: packetID,
			})
		}

		sessionRecords = append(sessionRecords, persist.SessionRecord{
			ClientID:              sess.ClientID(),
			ProtocolVersion:       sess.ProtocolVersion(),
			SessionExpiryInterval: int64(sess.SessionExpiryInterval()),
			Subscriptions:         subRecords,
			QueuedPackets:         queueRecords,
		})
	}
	s.sessionsMu.RUnlock()

	return s.persist.SaveSessions(sessionRecords)
}

// LoadSnapshot restores retained messages and sessions from the attached
// persistence backend, recreating subscription-tree entries and offline
// queues. It is a no-op if no backend has been attached.
func (s *Store) LoadSnapshot() error {
	if s.persist == nil {
		return nil
	}

	retained, err := s.persist.LoadRetained()
	if err != nil {
		return err
	}
	for _, rec := range retained {
		s.Retained.SetRetainedMessage(rec.Topic, rec.Payload, rec.QoS)
	}

	sessionRecords, err := s.persist.LoadSessions()
	if err != nil {
		return err
	}
	for _, rec := range sessionRecords {
		sess := session.New(rec.ClientID, rec.ProtocolVersion, time.Duration(rec.SessionExpiryInterval), s.maxQosPackets)

		for _, subRec := range rec.Subscriptions {
			sub := session.Subscription{Filter: subRec.Filter, QoS: subRec.QoS, SubscriptionID: subRec.SubscriptionID}
			sess.AddSubscription(sub)
			s.Subscriptions.AddSubscription(rec.ClientID, subRec.Filter, topictree.NewSubscription(sess, subRec.QoS))
		}

		packets := make([]session.QueuedPacket, 0, len(rec.QueuedPackets))
		for _, qpRec := range rec.QueuedPackets {
			pkt := wire.MqttPacket{
				PacketType:      wire.PacketType(qpRec.PacketType),
				QoS:             qpRec.QoS,
				RemainingLength: len(qpRec.Payload),
				Payload:         qpRec.Payload,
			}
			packets = append(packets, session.NewQueuedPacket(pkt, qpRec.PacketID))
		}
		sess.RestoreQueue(packets)

		s.sessionsMu.Lock()
		s.sessions[rec.ClientID] = sess
		s.sessionsMu.Unlock()
	}

	return nil
}
