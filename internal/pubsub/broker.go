// Package pubsub fans encoded frames out to topic subscribers without blocking publishers.
package pubsub

import (
	"maps"
	"slices"
	"sync"
)

// DefaultBuffer is the send queue length of a subscriber.
const DefaultBuffer = 256

// Subscriber 是一个连接的发送队列。队列满时由 Broker 判定为慢消费者并关闭。
type Subscriber struct {
	id   string
	send chan []byte
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	topics map[string]struct{}
}

func NewSubscriber(id string, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Subscriber{id: id, send: make(chan []byte, buffer), done: make(chan struct{}), topics: make(map[string]struct{})}
}

func (s *Subscriber) ID() string { return s.id }

// C is the queue drained by the connection's write pump.
func (s *Subscriber) C() <-chan []byte { return s.send }

// Done is closed once the subscriber is closed, either by its owner or as a slow consumer.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) Close() { s.close() }

func (s *Subscriber) close() (first bool) {
	s.once.Do(func() {
		close(s.done)
		first = true
	})
	return first
}

func (s *Subscriber) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Send 非阻塞入队；队列已满或已关闭时返回 false。
func (s *Subscriber) Send(msg []byte) bool {
	if s.Closed() {
		return false
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

// Topics lists the topics s is currently subscribed to.
func (s *Subscriber) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.topics))
}

// Topic is one named fanout group.
type Topic struct {
	name string
	mu   sync.RWMutex
	dead bool
	subs map[*Subscriber]struct{}
}

func (t *Topic) Name() string { return t.name }

func (t *Topic) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Broker 按主题懒加载，主题空了就回收。发布在调用方的 goroutine 中同步完成，
// 因此在房间锁内发布可以保证投递顺序与消息 id 顺序一致。
type Broker struct {
	mu     sync.RWMutex
	topics map[string]*Topic
	onDrop func(*Subscriber)
}

// NewBroker creates a broker. onDrop, if set, is called for every slow consumer evicted.
func NewBroker(onDrop func(*Subscriber)) *Broker {
	return &Broker{topics: make(map[string]*Topic), onDrop: onDrop}
}

func (b *Broker) topic(name string, create bool) *Topic {
	b.mu.RLock()
	t := b.topics[name]
	b.mu.RUnlock()
	if t != nil || !create {
		return t
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if t = b.topics[name]; t != nil {
		return t
	}
	t = &Topic{name: name, subs: make(map[*Subscriber]struct{})}
	b.topics[name] = t
	return t
}

// Subscribe adds s to topic. Subscribing twice is a no-op.
func (b *Broker) Subscribe(topic string, s *Subscriber) {
	for {
		t := b.topic(topic, true)
		t.mu.Lock()
		if t.dead {
			t.mu.Unlock()
			continue
		}
		t.subs[s] = struct{}{}
		t.mu.Unlock()
		break
	}
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
}

func (b *Broker) Unsubscribe(topic string, s *Subscriber) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()

	t := b.topic(topic, false)
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.subs, s)
	empty := len(t.subs) == 0
	if empty {
		t.dead = true
	}
	t.mu.Unlock()
	if empty {
		b.mu.Lock()
		if b.topics[topic] == t {
			delete(b.topics, topic)
		}
		b.mu.Unlock()
	}
}

// UnsubscribeAll removes s from every topic it joined.
func (b *Broker) UnsubscribeAll(s *Subscriber) {
	for _, name := range s.Topics() {
		b.Unsubscribe(name, s)
	}
}

// Publish 向主题的每个订阅者非阻塞投递，返回成功入队的数量。
// 队列满的订阅者会被移出所有主题并关闭。
func (b *Broker) Publish(topic string, msg []byte) int {
	t := b.topic(topic, false)
	if t == nil {
		return 0
	}
	var slow []*Subscriber
	n := 0
	t.mu.RLock()
	for s := range t.subs {
		if s.Send(msg) {
			n++
		} else {
			slow = append(slow, s)
		}
	}
	t.mu.RUnlock()
	for _, s := range slow {
		b.drop(s)
	}
	return n
}

func (b *Broker) drop(s *Subscriber) {
	b.UnsubscribeAll(s)
	if s.close() && b.onDrop != nil {
		b.onDrop(s)
	}
}

// Subscribers returns the number of subscribers of topic.
func (b *Broker) Subscribers(topic string) int {
	t := b.topic(topic, false)
	if t == nil {
		return 0
	}
	return t.Len()
}

// Topics lists live topic names, sorted.
func (b *Broker) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Sorted(maps.Keys(b.topics))
}
