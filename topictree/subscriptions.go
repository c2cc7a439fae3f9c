// Package topictree implements the subscription tree (§C5) and retained
// message tree (§C6): wildcard-aware topic tries with multi-reader/
// single-writer locking.
package topictree

import (
	"strings"
	"sync"

	"github.com/flashmq/flashmq/session"
	"github.com/google/uuid"
)

// Subscription is a weak reference to a subscribing Session plus the qos it
// subscribed with. It is valid only while the referenced Session's
// generation still matches; a stale Subscription is pruned during the next
// cleanSubscriptions sweep rather than eagerly.
type Subscription struct {
	sess       *session.Session
	generation uuid.UUID
	QoS        byte
}

// NewSubscription captures a weak reference to sess at its current generation.
func NewSubscription(sess *session.Session, qos byte) Subscription {
	return Subscription{sess: sess, generation: sess.Generation(), QoS: qos}
}

// Resolve returns the live Session this Subscription points at, or
// (nil, false) if it has since been destroyed.
func (s Subscription) Resolve() (*session.Session, bool) {
	if s.sess == nil || s.sess.Generation() != s.generation {
		return nil, false
	}
	return s.sess, true
}

type subNode struct {
	subscribers map[string]Subscription // clientID -> Subscription
	children    map[string]*subNode
	plusChild   *subNode
	poundChild  *subNode
}

func newSubNode() *subNode {
	return &subNode{
		subscribers: make(map[string]Subscription),
		children:    make(map[string]*subNode),
	}
}

// SubscriptionTree holds subscribers indexed by topic filter, with separate
// roots for ordinary topics and `$`-prefixed ones so that `#`/`+` subscribed
// at the root never match a `$SYS` topic.
type SubscriptionTree struct {
	mu         sync.RWMutex
	root       *subNode
	dollarRoot *subNode
}

// New creates an empty SubscriptionTree.
func New() *SubscriptionTree {
	return &SubscriptionTree{root: newSubNode(), dollarRoot: newSubNode()}
}

func splitTopic(topic string) []string {
	return strings.Split(topic, "/")
}

func (t *SubscriptionTree) rootFor(firstLevel string) *subNode {
	if strings.HasPrefix(firstLevel, "$") {
		return t.dollarRoot
	}
	return t.root
}

// AddSubscription inserts or updates clientID's subscription on filter.
// `+` and `#` are stored in their own dedicated child slots rather than in
// the children map, so that a literal subtopic named "+" never collides
// with the wildcard.
func (t *SubscriptionTree) AddSubscription(clientID, filter string, sub Subscription) {
	levels := splitTopic(filter)

	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.rootFor(levels[0])
	for _, level := range levels {
		switch level {
		case "+":
			if node.plusChild == nil {
				node.plusChild = newSubNode()
			}
			node = node.plusChild
		case "#":
			if node.poundChild == nil {
				node.poundChild = newSubNode()
			}
			node = node.poundChild
		default:
			child, ok := node.children[level]
			if !ok {
				child = newSubNode()
				node.children[level] = child
			}
			node = child
		}
	}
	node.subscribers[clientID] = sub
}

// RemoveSubscription erases clientID's subscriber entry at filter, if any.
// Nodes are not eagerly pruned; cleanSubscriptions does that.
func (t *SubscriptionTree) RemoveSubscription(clientID, filter string) {
	levels := splitTopic(filter)

	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.rootFor(levels[0])
	for _, level := range levels {
		switch level {
		case "+":
			if node.plusChild == nil {
				return
			}
			node = node.plusChild
		case "#":
			if node.poundChild == nil {
				return
			}
			node = node.poundChild
		default:
			child, ok := node.children[level]
			if !ok {
				return
			}
			node = child
		}
	}
	delete(node.subscribers, clientID)
}

// CleanSubscriptions sweeps the tree, dropping subscribers whose weak
// Session reference has gone stale and pruning subtrees that become
// entirely empty as a result.
func (t *SubscriptionTree) CleanSubscriptions() {
	t.mu.Lock()
	defer t.mu.Unlock()
	sweepSubNode(t.root)
	sweepSubNode(t.dollarRoot)
}

// sweepSubNode reports whether node became empty (no subscribers, no
// children, no wildcard children) so the caller can prune it.
func sweepSubNode(node *subNode) bool {
	for clientID, sub := range node.subscribers {
		if _, live := sub.Resolve(); !live {
			delete(node.subscribers, clientID)
		}
	}
	for level, child := range node.children {
		if sweepSubNode(child) {
			delete(node.children, level)
		}
	}
	if node.plusChild != nil && sweepSubNode(node.plusChild) {
		node.plusChild = nil
	}
	if node.poundChild != nil && sweepSubNode(node.poundChild) {
		node.poundChild = nil
	}
	return len(node.subscribers) == 0 && len(node.children) == 0 && node.plusChild == nil && node.poundChild == nil
}

// ReceivingSubscriber is one recipient selected by a publish fan-out.
type ReceivingSubscriber struct {
	Session *session.Session
	QoS     byte // max qos across overlapping subscriptions for this client
}

// PublishRecursively walks the tree matching publishTopic's subtopics
// against filters, deduplicating recipients by clientID and keeping the max
// subscribed qos across overlapping filters. The recipient list is copied
// out under the tree's read lock, which is released before returning, so
// callers touch per-recipient write buffers without holding it.
func (t *SubscriptionTree) PublishRecursively(publishTopic string) []ReceivingSubscriber {
	levels := splitTopic(publishTopic)

	t.mu.RLock()
	defer t.mu.RUnlock()

	byClient := make(map[string]*ReceivingSubscriber)
	root := t.rootFor(levels[0])
	collect(root, levels, 0, byClient)

	out := make([]ReceivingSubscriber, 0, len(byClient))
	for _, rs := range byClient {
		out = append(out, *rs)
	}
	return out
}

func collect(node *subNode, levels []string, index int, byClient map[string]*ReceivingSubscriber) {
	if index == len(levels) {
		emitSubscribers(node, byClient)
		if node.poundChild != nil {
			// '#' also matches its own parent level (MQTT-4.7.1-2), e.g. a
			// subscription on "a/b/#" matches a publish to "a/b".
			emitSubscribers(node.poundChild, byClient)
		}
		return
	}

	level := levels[index]

	if child, ok := node.children[level]; ok {
		collect(child, levels, index+1, byClient)
	}
	if node.plusChild != nil {
		collect(node.plusChild, levels, index+1, byClient)
	}
	if node.poundChild != nil {
		// '#' is terminal: every subscriber here matches regardless of
		// how many levels remain in the publish topic.
		emitSubscribers(node.poundChild, byClient)
	}
}

func emitSubscribers(node *subNode, byClient map[string]*ReceivingSubscriber) {
	for clientID, sub := range node.subscribers {
		sess, live := sub.Resolve()
		if !live {
			continue
		}
		if existing, ok := byClient[clientID]; ok {
			if sub.QoS > existing.QoS {
				existing.QoS = sub.QoS
			}
			continue
		}
		byClient[clientID] = &ReceivingSubscriber{Session: sess, QoS: sub.QoS}
	}
}
