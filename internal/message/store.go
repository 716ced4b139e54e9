// Package message keeps a bounded, ordered in-memory log of messages per room.
package message

import (
	"errors"
	"maps"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

var (
	ErrEmptyMessage       = errors.New("message has neither text nor attachment")
	ErrMessageTooLong     = errors.New("message text too long")
	ErrInvalidAttachment  = errors.New("invalid attachment")
	ErrUnknownReplyTarget = errors.New("reply target not found in room")
	ErrUnknownMessage     = errors.New("message not found")
)

const (
	DefaultCapacity = 200
	MaxTextLength   = 4000
)

// NotFoundText 是回复目标被淘汰后展示的占位文本。
const NotFoundText = "message not found"

type Attachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType"`
	FileName string `json:"fileName"`
}

// Message is immutable once stored, except for Reactions.
type Message struct {
	ID         uint64              `json:"id"`
	Room       string              `json:"room"`
	Sender     string              `json:"sender"`
	Text       string              `json:"text,omitempty"`
	Attachment *Attachment         `json:"attachment,omitempty"`
	ReplyToID  *uint64             `json:"replyToId,omitempty"`
	Reactions  map[string][]string `json:"reactions"`
	CreatedAt  time.Time           `json:"createdAt"`
}

// Clone 深拷贝消息，保证读者拿到的快照不受后续反应修改影响。
func (m Message) Clone() Message {
	out := m
	if m.Attachment != nil {
		a := *m.Attachment
		out.Attachment = &a
	}
	if m.ReplyToID != nil {
		id := *m.ReplyToID
		out.ReplyToID = &id
	}
	out.Reactions = make(map[string][]string, len(m.Reactions))
	for k, v := range m.Reactions {
		out.Reactions[k] = slices.Clone(v)
	}
	return out
}

// ReplyPreview is what clients render for a reply link.
type ReplyPreview struct {
	ID      uint64 `json:"id"`
	Sender  string `json:"sender,omitempty"`
	Text    string `json:"text"`
	Missing bool   `json:"missing,omitempty"`
}

type AppendRequest struct {
	Sender     string
	Text       string
	Attachment *Attachment
	ReplyTo    *uint64
	// OnCommit runs while the room is still locked, so commit order equals id order.
	OnCommit func(Message)
}

type roomLog struct {
	mu     sync.RWMutex
	buf    []Message
	start  int
	n      int
	nextID uint64
}

func (l *roomLog) at(i int) *Message { return &l.buf[(l.start+i)%len(l.buf)] }

// find 利用保留区间内 id 连续的性质 O(1) 定位。
func (l *roomLog) find(id uint64) *Message {
	if l.n == 0 {
		return nil
	}
	first := l.at(0).ID
	if id < first || id >= first+uint64(l.n) {
		return nil
	}
	return l.at(int(id - first))
}

func (l *roomLog) push(m Message) {
	if l.n < len(l.buf) {
		l.buf[(l.start+l.n)%len(l.buf)] = m
		l.n++
		return
	}
	l.buf[l.start] = m
	l.start = (l.start + 1) % len(l.buf)
}

// Store 按房间懒加载日志，每个房间一把锁，跨房间互不阻塞。
type Store struct {
	mu       sync.RWMutex
	rooms    map[string]*roomLog
	capacity int
	now      func() time.Time
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{rooms: make(map[string]*roomLog), capacity: capacity, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) room(id string, create bool) *roomLog {
	s.mu.RLock()
	l := s.rooms[id]
	s.mu.RUnlock()
	if l != nil || !create {
		return l
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if l = s.rooms[id]; l != nil {
		return l
	}
	l = &roomLog{buf: make([]Message, s.capacity), nextID: 1}
	s.rooms[id] = l
	return l
}

func validate(req AppendRequest) (string, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" && req.Attachment == nil {
		return "", ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxTextLength {
		return "", ErrMessageTooLong
	}
	if a := req.Attachment; a != nil {
		u, err := url.Parse(a.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "", ErrInvalidAttachment
		}
	}
	return text, nil
}

// Append 校验并写入消息。回复目标不存在时消息仍会写入（不带回复链接），
// 同时返回已存储的消息和 ErrUnknownReplyTarget。
func (s *Store) Append(room string, req AppendRequest) (Message, error) {
	text, err := validate(req)
	if err != nil {
		return Message{}, err
	}
	l := s.room(room, true)
	l.mu.Lock()
	defer l.mu.Unlock()

	var warn error
	msg := Message{Room: room, Sender: req.Sender, Text: text, Reactions: map[string][]string{}, CreatedAt: s.now()}
	if req.Attachment != nil {
		a := *req.Attachment
		msg.Attachment = &a
	}
	if req.ReplyTo != nil {
		if l.find(*req.ReplyTo) != nil {
			id := *req.ReplyTo
			msg.ReplyToID = &id
		} else {
			warn = ErrUnknownReplyTarget
		}
	}
	msg.ID = l.nextID
	l.nextID++
	l.push(msg)

	out := msg.Clone()
	if req.OnCommit != nil {
		req.OnCommit(out)
	}
	return out, warn
}

// History returns up to limit of the newest messages, oldest first.
func (s *Store) History(room string, limit int) []Message {
	l := s.room(room, false)
	if l == nil {
		return []Message{}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit <= 0 || limit > l.n {
		limit = l.n
	}
	out := make([]Message, 0, limit)
	for i := l.n - limit; i < l.n; i++ {
		out = append(out, l.at(i).Clone())
	}
	return out
}

// Since returns retained messages with id greater than afterID.
func (s *Store) Since(room string, afterID uint64) []Message {
	l := s.room(room, false)
	if l == nil {
		return []Message{}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := []Message{}
	for i := 0; i < l.n; i++ {
		if m := l.at(i); m.ID > afterID {
			out = append(out, m.Clone())
		}
	}
	return out
}

func (s *Store) Get(room string, id uint64) (Message, bool) {
	l := s.room(room, false)
	if l == nil {
		return Message{}, false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	m := l.find(id)
	if m == nil {
		return Message{}, false
	}
	return m.Clone(), true
}

// Mutate 在房间锁内修改消息的反应表，返回修改后的副本。
func (s *Store) Mutate(room string, id uint64, fn func(reactions map[string][]string)) (map[string][]string, error) {
	l := s.room(room, false)
	if l == nil {
		return nil, ErrUnknownMessage
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.find(id)
	if m == nil {
		return nil, ErrUnknownMessage
	}
	if m.Reactions == nil {
		m.Reactions = map[string][]string{}
	}
	fn(m.Reactions)
	out := make(map[string][]string, len(m.Reactions))
	for k, v := range m.Reactions {
		out[k] = slices.Clone(v)
	}
	return out, nil
}

// Reply resolves the reply link of m for rendering.
func (s *Store) Reply(m Message) *ReplyPreview {
	if m.ReplyToID == nil {
		return nil
	}
	target, ok := s.Get(m.Room, *m.ReplyToID)
	if !ok {
		return &ReplyPreview{ID: *m.ReplyToID, Text: NotFoundText, Missing: true}
	}
	text := target.Text
	if text == "" && target.Attachment != nil {
		text = target.Attachment.FileName
	}
	return &ReplyPreview{ID: target.ID, Sender: target.Sender, Text: text}
}

// Rooms lists room ids that have at least one message.
func (s *Store) Rooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.rooms))
}
