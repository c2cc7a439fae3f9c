package topictree

import "sync"

// RetainedMessage is the last message published with the retain flag set
// on some topic.
type RetainedMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
}

type retainedNode struct {
	children map[string]*retainedNode
	retained map[string]*RetainedMessage // topic -> message, at most one per node in practice
}

func newRetainedNode() *retainedNode {
	return &retainedNode{
		children: make(map[string]*retainedNode),
		retained: make(map[string]*RetainedMessage),
	}
}

// RetainedTree mirrors SubscriptionTree's topology over exact publish
// topics (no wildcards ever appear in a stored topic), with the same
// separate roots for `$`-prefixed and ordinary topics.
type RetainedTree struct {
	mu         sync.RWMutex
	root       *retainedNode
	dollarRoot *retainedNode
}

// NewRetainedTree creates an empty RetainedTree.
func NewRetainedTree() *RetainedTree {
	return &RetainedTree{root: newRetainedNode(), dollarRoot: newRetainedNode()}
}

func (t *RetainedTree) rootFor(firstLevel string) *retainedNode {
	if len(firstLevel) > 0 && firstLevel[0] == '$' {
		return t.dollarRoot
	}
	return t.root
}

// SetRetainedMessage walks/creates nodes by exact subtopics and inserts or
// replaces the retained message at the terminal node. An empty payload
// deletes any existing retained message there.
func (t *RetainedTree) SetRetainedMessage(topic string, payload []byte, qos byte) {
	levels := splitTopic(topic)

	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.rootFor(levels[0])
	for _, level := range levels {
		child, ok := node.children[level]
		if !ok {
			child = newRetainedNode()
			node.children[level] = child
		}
		node = child
	}

	if len(payload) == 0 {
		delete(node.retained, topic)
		return
	}
	node.retained[topic] = &RetainedMessage{Topic: topic, Payload: payload, QoS: qos}
}

// GiveClientRetainedMessages returns every retained message matching
// filter, per MQTT wildcard semantics. Matches are collected under the
// tree's read lock, which is released before returning, mirroring the
// copy-out-then-release rule used for subscription fan-out.
func (t *RetainedTree) GiveClientRetainedMessages(filter string) []RetainedMessage {
	levels := splitTopic(filter)

	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []RetainedMessage
	root := t.rootFor(levels[0])
	walkRetained(root, levels, 0, false, &out)
	return out
}

// All returns every retained message in the tree, including $-prefixed
// ones, for persistence snapshots.
func (t *RetainedTree) All() []RetainedMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []RetainedMessage
	walkRetained(t.root, nil, 0, true, &out)
	walkRetained(t.dollarRoot, nil, 0, true, &out)
	return out
}

// walkRetained mirrors §4.5's publish descent: '+' explores every child,
// '#' enters poundMode and yields every retained message found from there
// on down, regardless of remaining filter depth.
func walkRetained(node *retainedNode, levels []string, index int, poundMode bool, out *[]RetainedMessage) {
	if poundMode {
		for _, msg := range node.retained {
			*out = append(*out, *msg)
		}
		for _, child := range node.children {
			walkRetained(child, nil, 0, true, out)
		}
		return
	}

	if index == len(levels) {
		for _, msg := range node.retained {
			*out = append(*out, *msg)
		}
		return
	}

	level := levels[index]

	switch level {
	case "+":
		for _, child := range node.children {
			walkRetained(child, levels, index+1, false, out)
		}
	case "#":
		walkRetained(node, nil, 0, true, out)
	default:
		if child, ok := node.children[level]; ok {
			walkRetained(child, levels, index+1, false, out)
		}
	}
}
