// Package typing keeps the ephemeral "who is typing" set of each room.
package typing

import (
	"slices"
	"sync"
	"time"
)

const DefaultTTL = 2 * time.Second

// Transition is an edge of a user's typing state.
type Transition int

const (
	Started Transition = iota
	Stopped
)

func (t Transition) String() string {
	if t == Started {
		return "started"
	}
	return "stopped"
}

// Publisher receives edge transitions only; refreshes are never published.
type Publisher func(room, username string, t Transition)

type typist struct {
	timer *time.Timer
	gen   uint64
}

type roomState struct {
	mu      sync.Mutex
	typists map[string]*typist
}

// Coordinator 每个房间一把锁；过期定时器与连接生命周期无关。
type Coordinator struct {
	mu      sync.RWMutex
	rooms   map[string]*roomState
	ttl     time.Duration
	publish Publisher
}

func NewCoordinator(ttl time.Duration, publish Publisher) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if publish == nil {
		publish = func(string, string, Transition) {}
	}
	return &Coordinator{rooms: make(map[string]*roomState), ttl: ttl, publish: publish}
}

func (c *Coordinator) room(id string) *roomState {
	c.mu.RLock()
	rs := c.rooms[id]
	c.mu.RUnlock()
	if rs != nil {
		return rs
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if rs = c.rooms[id]; rs != nil {
		return rs
	}
	rs = &roomState{typists: make(map[string]*typist)}
	c.rooms[id] = rs
	return rs
}

// Start 标记用户正在输入并重置过期时间；仅在空闲到输入的边沿广播。
func (c *Coordinator) Start(room, username string) {
	rs := c.room(room)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	tp, typing := rs.typists[username]
	if !typing {
		tp = &typist{}
		rs.typists[username] = tp
	} else {
		tp.timer.Stop()
	}
	tp.gen++
	gen := tp.gen
	tp.timer = time.AfterFunc(c.ttl, func() { c.expire(room, username, gen) })
	if !typing {
		c.publish(room, username, Started)
	}
}

// Stop clears the flag immediately and broadcasts only if the user was typing.
func (c *Coordinator) Stop(room, username string) {
	rs := c.room(room)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	tp, ok := rs.typists[username]
	if !ok {
		return
	}
	tp.timer.Stop()
	delete(rs.typists, username)
	c.publish(room, username, Stopped)
}

// expire 只处理与当前代次匹配的定时器，被刷新过的旧定时器直接忽略。
func (c *Coordinator) expire(room, username string, gen uint64) {
	rs := c.room(room)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	tp, ok := rs.typists[username]
	if !ok || tp.gen != gen {
		return
	}
	delete(rs.typists, username)
	c.publish(room, username, Stopped)
}

// StopAll clears username from every room, e.g. after the last tab closes.
func (c *Coordinator) StopAll(username string) {
	c.mu.RLock()
	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	for _, id := range ids {
		c.Stop(id, username)
	}
}

// Typing returns the sorted usernames currently typing in room.
func (c *Coordinator) Typing(room string) []string {
	c.mu.RLock()
	rs := c.rooms[room]
	c.mu.RUnlock()
	if rs == nil {
		return nil
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]string, 0, len(rs.typists))
	for u := range rs.typists {
		out = append(out, u)
	}
	slices.Sort(out)
	return out
}
