// Package reaction toggles emoji reactions on stored messages.
package reaction

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"

	"livechat/internal/message"
)

var ErrInvalidEmoji = errors.New("invalid emoji")

// ErrUnknownMessage is returned for ids that were never stored or were evicted.
var ErrUnknownMessage = message.ErrUnknownMessage

// DedupeWindow bounds how long a client request id is remembered.
const DedupeWindow = 10 * time.Second

// Mutator is the part of the message store the aggregator needs.
type Mutator interface {
	Mutate(room string, id uint64, fn func(reactions map[string][]string)) (map[string][]string, error)
}

type seenRequest struct {
	at     time.Time
	done   chan struct{}
	result map[string][]string
	err    error
}

type Aggregator struct {
	store Mutator

	mu   sync.Mutex
	seen map[string]*seenRequest
	now  func() time.Time
}

func NewAggregator(store Mutator) *Aggregator {
	return &Aggregator{store: store, seen: make(map[string]*seenRequest), now: time.Now}
}

func validEmoji(e string) bool {
	return e != "" && len(e) <= 32 && strings.IndexFunc(e, unicode.IsSpace) < 0
}

// Toggle 翻转该用户在此 emoji 下的状态；集合清空时删除该 emoji，
// 因此连续两次调用会精确还原原始反应表。
func (a *Aggregator) Toggle(room string, messageID uint64, emoji, username string) (map[string][]string, error) {
	if !validEmoji(emoji) {
		return nil, ErrInvalidEmoji
	}
	return a.store.Mutate(room, messageID, func(r map[string][]string) {
		// 用户列表按用户名排序，增删都落在同一位置。
		users := r[emoji]
		if i, found := slices.BinarySearch(users, username); found {
			users = slices.Delete(users, i, i+1)
		} else {
			users = slices.Insert(users, i, username)
		}
		if len(users) == 0 {
			delete(r, emoji)
			return
		}
		r[emoji] = users
	})
}

// ToggleOnce 以客户端请求 ID 去重：窗口内重复投递返回首次结果而不再翻转。
// 空请求 ID 退化为 Toggle。去重表的锁只覆盖查表，翻转本身仍走房间锁。
func (a *Aggregator) ToggleOnce(requestID, room string, messageID uint64, emoji, username string) (map[string][]string, error) {
	if requestID == "" {
		return a.Toggle(room, messageID, emoji, username)
	}
	key := fmt.Sprintf("%s|%s|%s|%d|%s", username, requestID, room, messageID, emoji)
	a.mu.Lock()
	now := a.now()
	a.expireLocked(now)
	if s, ok := a.seen[key]; ok {
		a.mu.Unlock()
		<-s.done
		return maps.Clone(s.result), s.err
	}
	s := &seenRequest{at: now, done: make(chan struct{})}
	a.seen[key] = s
	a.mu.Unlock()

	s.result, s.err = a.Toggle(room, messageID, emoji, username)
	close(s.done)
	if s.err != nil {
		a.mu.Lock()
		delete(a.seen, key)
		a.mu.Unlock()
	}
	return maps.Clone(s.result), s.err
}

func (a *Aggregator) expireLocked(now time.Time) int {
	n := 0
	for k, s := range a.seen {
		if now.Sub(s.at) > DedupeWindow {
			delete(a.seen, k)
			n++
		}
	}
	return n
}

// Sweep drops remembered request ids older than DedupeWindow.
func (a *Aggregator) Sweep(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.expireLocked(now)
}
