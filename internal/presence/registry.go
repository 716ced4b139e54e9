// Package presence tracks live connections and the page each user is viewing.
package presence

import (
	"context"
	"errors"
	"iter"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrConnectionConflict 表示同一连接 ID 已被另一个用户注册。
var ErrConnectionConflict = errors.New("connection registered to another user")

// OnlineUser is one roster line: a distinct user and a representative page.
type OnlineUser struct {
	Username    string `json:"username"`
	Page        string `json:"page"`
	Connections int    `json:"connections"`
}

// Entry is the public view of a single connection.
type Entry struct {
	Username     string    `json:"username"`
	ConnectionID string    `json:"connection_id"`
	Page         string    `json:"page"`
	ConnectedAt  time.Time `json:"connected_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type entry struct {
	mu          sync.Mutex
	username    string
	connID      string
	page        string
	connectedAt time.Time
	updatedAt   time.Time
	seq         uint64
}

type userSet struct {
	mu    sync.Mutex
	dead  bool
	conns map[string]*entry
}

// Registry 记录在线连接。按连接、按用户分别加锁，不存在全局锁。
type Registry struct {
	conns sync.Map // connectionID -> *entry
	users sync.Map // username -> *userSet

	seq      atomic.Uint64
	dirty    chan struct{}
	onChange func([]OnlineUser)
	now      func() time.Time
	claimed  func(connectionID string) // test hook between claiming the id and joining the user set
}

// NewRegistry creates a registry. onChange receives roster snapshots once Start runs.
func NewRegistry(onChange func([]OnlineUser)) *Registry {
	return &Registry{
		dirty:    make(chan struct{}, 1),
		onChange: onChange,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start 启动名单广播协程。多次变更会被合并，最后一次广播总是最新状态。
func (r *Registry) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.dirty:
				if r.onChange != nil {
					r.onChange(slices.Collect(r.ListOnline()))
				}
			}
		}
	}()
}

func (r *Registry) changed() {
	select {
	case r.dirty <- struct{}{}:
	default:
	}
}

// Join registers connectionID for username. Re-joining the same connection only refreshes the page.
func (r *Registry) Join(username, connectionID, page string) error {
	now := r.now()
	fresh := &entry{username: username, connID: connectionID, page: page, connectedAt: now, updatedAt: now, seq: r.seq.Add(1)}
	v, loaded := r.conns.LoadOrStore(connectionID, fresh)
	e := v.(*entry)
	if loaded {
		e.mu.Lock()
		if e.username != username {
			e.mu.Unlock()
			return ErrConnectionConflict
		}
		e.page = page
		e.updatedAt = now
		e.seq = r.seq.Add(1)
		e.mu.Unlock()
		r.changed()
		return nil
	}
	if r.claimed != nil {
		r.claimed(connectionID)
	}
	for {
		v, _ := r.users.LoadOrStore(username, &userSet{conns: make(map[string]*entry)})
		set := v.(*userSet)
		set.mu.Lock()
		if set.dead {
			set.mu.Unlock()
			continue
		}
		set.conns[connectionID] = e
		// 并发 Leave 可能已在插入前删除了该连接，此时撤销插入。
		if cur, ok := r.conns.Load(connectionID); !ok || cur != e {
			delete(set.conns, connectionID)
			if len(set.conns) == 0 {
				set.dead = true
				r.users.CompareAndDelete(username, set)
			}
		}
		set.mu.Unlock()
		break
	}
	r.changed()
	return nil
}

// UpdatePage records a page change. Unknown connections are ignored.
func (r *Registry) UpdatePage(connectionID, page string) bool {
	v, ok := r.conns.Load(connectionID)
	if !ok {
		return false
	}
	e := v.(*entry)
	e.mu.Lock()
	e.page = page
	e.updatedAt = r.now()
	e.seq = r.seq.Add(1)
	e.mu.Unlock()
	r.changed()
	return true
}

// Leave 移除连接；未知连接 ID 为幂等空操作。last 表示该用户已无其他连接。
func (r *Registry) Leave(connectionID string) (username string, last bool) {
	v, ok := r.conns.LoadAndDelete(connectionID)
	if !ok {
		return "", false
	}
	e := v.(*entry)
	username = e.username
	if sv, ok := r.users.Load(username); ok {
		set := sv.(*userSet)
		set.mu.Lock()
		delete(set.conns, connectionID)
		if len(set.conns) == 0 {
			set.dead = true
			r.users.CompareAndDelete(username, set)
			last = true
		}
		set.mu.Unlock()
	}
	r.changed()
	return username, last
}

// ListOnline yields distinct online users sorted by username. Each range takes a fresh snapshot.
func (r *Registry) ListOnline() iter.Seq[OnlineUser] {
	return func(yield func(OnlineUser) bool) {
		var out []OnlineUser
		r.users.Range(func(k, v any) bool {
			if u, ok := pick(v.(*userSet)); ok {
				out = append(out, u)
			}
			return true
		})
		slices.SortFunc(out, func(a, b OnlineUser) int { return strings.Compare(a.Username, b.Username) })
		for _, u := range out {
			if !yield(u) {
				return
			}
		}
	}
}

// pick 选出最近一次更新的连接所在页面作为代表。
func pick(set *userSet) (OnlineUser, bool) {
	set.mu.Lock()
	defer set.mu.Unlock()
	if set.dead || len(set.conns) == 0 {
		return OnlineUser{}, false
	}
	var best *entry
	var bestSeq uint64
	var page string
	for _, e := range set.conns {
		e.mu.Lock()
		if best == nil || e.seq > bestSeq {
			best, bestSeq, page = e, e.seq, e.page
		}
		e.mu.Unlock()
	}
	return OnlineUser{Username: best.username, Page: page, Connections: len(set.conns)}, true
}

// Connections returns the live connections of one user.
func (r *Registry) Connections(username string) []Entry {
	v, ok := r.users.Load(username)
	if !ok {
		return nil
	}
	set := v.(*userSet)
	set.mu.Lock()
	defer set.mu.Unlock()
	out := make([]Entry, 0, len(set.conns))
	for _, e := range set.conns {
		e.mu.Lock()
		out = append(out, Entry{Username: e.username, ConnectionID: e.connID, Page: e.page, ConnectedAt: e.connectedAt, UpdatedAt: e.updatedAt})
		e.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Entry) int { return a.ConnectedAt.Compare(b.ConnectedAt) })
	return out
}

// Lookup returns the entry for a connection.
func (r *Registry) Lookup(connectionID string) (Entry, bool) {
	v, ok := r.conns.Load(connectionID)
	if !ok {
		return Entry{}, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return Entry{Username: e.username, ConnectionID: e.connID, Page: e.page, ConnectedAt: e.connectedAt, UpdatedAt: e.updatedAt}, true
}

func (r *Registry) IsOnline(username string) bool {
	return len(r.Connections(username)) > 0
}

// IsViewing reports whether any connection of username is on page. The query string is ignored.
func (r *Registry) IsViewing(username, page string) bool {
	for _, e := range r.Connections(username) {
		p, _, _ := strings.Cut(e.Page, "?")
		if p == page {
			return true
		}
	}
	return false
}

// IsViewingChat 判断 username 是否有连接正停留在与 peer 的私聊页（chatPage?with=peer）。
func (r *Registry) IsViewingChat(username, chatPage, peer string) bool {
	for _, e := range r.Connections(username) {
		u, err := url.Parse(e.Page)
		if err != nil {
			continue
		}
		if u.Path == chatPage && u.Query().Get("with") == peer {
			return true
		}
	}
	return false
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	n := 0
	r.conns.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
