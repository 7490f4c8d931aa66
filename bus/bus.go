// Package bus is the in-process publish/subscribe fabric connecting the
// control core to the telemetry, persistence and console services.
//
// Topics are slash-free string slices ("meas", "bat", "v"). A message may
// be retained, in which case late subscribers receive the latest value on
// subscribe. "+" matches one level, "#" matches the rest.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

const defaultQueueLen = 4

type Topic []string

// T builds a topic from its levels.
func T(levels ...string) Topic { return Topic(levels) }

func (t Topic) Equal(o Topic) bool {
	if len(t) != len(o) {
		return false
	}
	for i := range t {
		if t[i] != o[i] {
			return false
		}
	}
	return true
}

func (t Topic) String() string {
	s := ""
	for i, l := range t {
		if i > 0 {
			s += "/"
		}
		s += l
	}
	return s
}

type Message struct {
	Topic    Topic
	Payload  any
	Retained bool
	ReplyTo  Topic
	ID       uint32
}

type Subscription struct {
	topic Topic
	ch    chan *Message
	conn  *Connection
}

func (s *Subscription) Topic() Topic             { return s.topic }
func (s *Subscription) Channel() <-chan *Message { return s.ch }
func (s *Subscription) Unsubscribe()             { s.conn.Unsubscribe(s) }

// Trie node, shared by subscriber and retained-message storage.
type node struct {
	children map[string]*node
	subs     []*Subscription
	retained *Message
}

func (n *node) child(level string) *node {
	if n.children == nil {
		n.children = make(map[string]*node)
	}
	c := n.children[level]
	if c == nil {
		c = &node{}
		n.children[level] = c
	}
	return c
}

type Bus struct {
	mu    sync.Mutex
	root  *node
	qLen  int
	idCtr atomic.Uint32
}

func New(queueLen int) *Bus {
	if queueLen <= 0 {
		queueLen = defaultQueueLen
	}
	return &Bus{root: &node{}, qLen: queueLen}
}

// Connection is a named attachment point for one service. Subscriptions
// made through a connection die with it on Close.
type Connection struct {
	bus  *Bus
	name string

	mu   sync.Mutex
	subs []*Subscription
}

func (b *Bus) NewConnection(name string) *Connection {
	return &Connection{bus: b, name: name}
}

func (c *Connection) Name() string { return c.name }

func (c *Connection) NewMessage(t Topic, payload any, retained bool) *Message {
	return &Message{Topic: t, Payload: payload, Retained: retained, ID: c.bus.idCtr.Add(1)}
}

func (c *Connection) Subscribe(t Topic) *Subscription {
	sub := &Subscription{topic: t, ch: make(chan *Message, c.bus.qLen), conn: c}

	b := c.bus
	b.mu.Lock()
	n := b.root
	for _, level := range t {
		n = n.child(level)
	}
	n.subs = append(n.subs, sub)
	retained := collectRetained(b.root, t)
	b.mu.Unlock()

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	for _, m := range retained {
		deliver(sub, m)
	}
	return sub
}

func (c *Connection) Unsubscribe(sub *Subscription) {
	b := c.bus
	b.mu.Lock()
	removeSub(b.root, sub.topic, 0, sub)
	b.mu.Unlock()

	c.mu.Lock()
	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
}

func (c *Connection) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, s := range subs {
		c.bus.mu.Lock()
		removeSub(c.bus.root, s.topic, 0, s)
		c.bus.mu.Unlock()
	}
}

// Publish delivers msg to all matching subscribers. Delivery is
// best-effort: a subscriber with a full queue drops the message rather
// than blocking the publisher (the slow control task publishes).
func (c *Connection) Publish(msg *Message) {
	b := c.bus
	b.mu.Lock()
	if msg.Retained {
		n := b.root
		for _, level := range msg.Topic {
			n = n.child(level)
		}
		if msg.Payload == nil {
			n.retained = nil // retained nil clears the slot
		} else {
			n.retained = msg
		}
	}
	subs := matchSubs(b.root, msg.Topic)
	b.mu.Unlock()

	for _, s := range subs {
		deliver(s, msg)
	}
}

func deliver(s *Subscription, m *Message) {
	select {
	case s.ch <- m:
	default:
	}
}

// Request publishes msg with a unique reply topic and waits for one reply.
func (c *Connection) Request(ctx context.Context, msg *Message) (*Message, error) {
	reply := T("reply", c.name, itoa(msg.ID))
	msg.ReplyTo = reply
	sub := c.Subscribe(reply)
	defer c.Unsubscribe(sub)

	c.Publish(msg)
	select {
	case m := <-sub.ch:
		return m, nil
	case <-ctx.Done():
		return nil, errors.New("bus: request timed out")
	}
}

// Respond sends a reply to a message carrying a ReplyTo topic.
func (c *Connection) Respond(req *Message, payload any) {
	if len(req.ReplyTo) == 0 {
		return
	}
	c.Publish(&Message{Topic: req.ReplyTo, Payload: payload, ID: c.bus.idCtr.Add(1)})
}

// ---- trie walks ----

// matchSubs collects subscribers whose pattern matches the concrete topic.
func matchSubs(n *node, topic Topic) []*Subscription {
	var out []*Subscription
	var walk func(n *node, i int)
	walk = func(n *node, i int) {
		if n == nil {
			return
		}
		if c := n.children["#"]; c != nil {
			out = append(out, c.subs...)
		}
		if i == len(topic) {
			out = append(out, n.subs...)
			return
		}
		walk(n.children[topic[i]], i+1)
		walk(n.children["+"], i+1)
	}
	walk(n, 0)
	return out
}

// collectRetained collects retained messages matching a subscription
// pattern (which may contain wildcards).
func collectRetained(n *node, pattern Topic) []*Message {
	var out []*Message
	var walk func(n *node, i int)
	walk = func(n *node, i int) {
		if n == nil {
			return
		}
		if i == len(pattern) {
			if n.retained != nil {
				out = append(out, n.retained)
			}
			return
		}
		switch pattern[i] {
		case "#":
			var all func(n *node)
			all = func(n *node) {
				if n.retained != nil {
					out = append(out, n.retained)
				}
				for _, c := range n.children {
					all(c)
				}
			}
			all(n)
		case "+":
			for _, c := range n.children {
				walk(c, i+1)
			}
		default:
			walk(n.children[pattern[i]], i+1)
		}
	}
	walk(n, 0)
	return out
}

func removeSub(n *node, topic Topic, i int, sub *Subscription) {
	if n == nil {
		return
	}
	if i == len(topic) {
		for j, s := range n.subs {
			if s == sub {
				n.subs = append(n.subs[:j], n.subs[j+1:]...)
				return
			}
		}
		return
	}
	removeSub(n.children[topic[i]], topic, i+1, sub)
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var b [10]byte
	i := len(b)
	for v > 0 {
		i--
		b[i] = byte('0' + v%10)
		v /= 10
	}
	return string(b[i:])
}
