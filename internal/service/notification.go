package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	clog "livechat/internal/log"
	"livechat/internal/metrics"
	"livechat/internal/models"
	"livechat/internal/room"
	"livechat/internal/store"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultWindow        = 5 * time.Minute
	DefaultMaxPreviews   = 10
	DefaultPreviewLength = 50
	DefaultChatPage      = "/chat"
	DefaultWorkers       = 8

	defaultPageSize = 20
	maxPageSize     = 100
)

// Pusher delivers real-time updates to every connection of one user.
type Pusher interface {
	// PushNotification sends the created or updated row followed by the new unread count.
	PushNotification(username string, n models.Notification, unread int64)
	// PushCountRefresh tells clients to refetch after reads or deletes.
	PushCountRefresh(username string, unread int64)
}

type nopPusher struct{}

func (nopPusher) PushNotification(string, models.Notification, int64) {}
func (nopPusher) PushCountRefresh(string, int64)                      {}

type Options struct {
	Window        time.Duration
	MaxPreviews   int
	PreviewLength int
	ChatPage      string
	Workers       int
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.MaxPreviews <= 0 {
		o.MaxPreviews = DefaultMaxPreviews
	}
	if o.PreviewLength <= 0 {
		o.PreviewLength = DefaultPreviewLength
	}
	if o.ChatPage == "" {
		o.ChatPage = DefaultChatPage
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	return o
}

// NotificationService 负责创建、合并与推送通知。
type NotificationService struct {
	repo  store.Repository
	push  Pusher
	opts  Options
	pairs *keyedLocks
	now   func() time.Time
	log   zerolog.Logger
}

func NewNotificationService(repo store.Repository, push Pusher, opts Options) *NotificationService {
	if push == nil {
		push = nopPusher{}
	}
	return &NotificationService{
		repo:  repo,
		push:  push,
		opts:  opts.withDefaults(),
		pairs: newKeyedLocks(),
		now:   func() time.Time { return time.Now().UTC() },
		log:   clog.Module("notification"),
	}
}

// WithClock replaces the time source; used by tests.
func (s *NotificationService) WithClock(now func() time.Time) *NotificationService {
	s.now = now
	return s
}

// Preview truncates text to the configured preview length in runes.
func (s *NotificationService) Preview(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= s.opts.PreviewLength {
		return text
	}
	r := []rune(text)
	return string(r[:s.opts.PreviewLength])
}

func storageErr(err error) error {
	return fmt.Errorf("%w: %v", ErrStorageFailure, err)
}

func (s *NotificationService) deliver(ctx context.Context, n models.Notification) {
	unread, err := s.repo.UnreadCount(ctx, n.Username)
	if err != nil {
		s.log.Warn().Err(err).Str("username", n.Username).Msg("unread count failed")
	}
	s.push.PushNotification(n.Username, n, unread)
}

// NotifyUser 写入一条通知并推送。被偏好屏蔽时返回 (nil, nil)。
func (s *NotificationService) NotifyUser(ctx context.Context, username, notificationType, title, body, link string, data Data) (*models.Notification, error) {
	if !s.allowed(ctx, username, notificationType) {
		metrics.NotificationsTotal.WithLabelValues("suppressed").Inc()
		return nil, nil
	}
	raw, err := EncodeData(data)
	if err != nil {
		return nil, err
	}
	n := models.Notification{
		Username:  username,
		Type:      notificationType,
		Title:     title,
		Body:      body,
		Link:      link,
		Data:      raw,
		CreatedAt: s.now(),
	}
	if d, ok := data.(Mention); ok {
		n.SourceUsername = d.FromUsername
	}
	if err := s.repo.CreateNotification(ctx, &n); err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		s.log.Error().Err(err).Str("username", username).Str("type", notificationType).Msg("create notification")
		return nil, storageErr(err)
	}
	metrics.NotificationsTotal.WithLabelValues("created").Inc()
	s.deliver(ctx, n)
	return &n, nil
}

func (s *NotificationService) chatLink(sender string) string {
	return s.opts.ChatPage + "?with=" + sender
}

func bullets(previews []string) string {
	var b strings.Builder
	for i, p := range previews {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("• ")
		b.WriteString(p)
	}
	return b.String()
}

// NotifyMessage 合并私聊通知：窗口内同一发送者未读的 chat_message 原地更新，否则新建。
// 同一 (recipient, sender) 对的查找与写入串行执行，不同对之间互不阻塞。
func (s *NotificationService) NotifyMessage(ctx context.Context, recipient, sender, text string) (*models.Notification, error) {
	if !s.allowed(ctx, recipient, models.TypeChatMessage) {
		metrics.NotificationsTotal.WithLabelValues("suppressed").Inc()
		return nil, nil
	}
	preview := s.Preview(text)
	unlock := s.pairs.lock(recipient+"\x00"+sender, s.now())
	defer unlock()
	// 持锁后再取时间，保证同一对的 createdAt 单调。
	now := s.now()

	open, err := s.repo.FindOpenChat(ctx, recipient, sender, now.Add(-s.opts.Window))
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		return nil, storageErr(err)
	}
	if open == nil {
		data := ChatConsolidation{FromUsername: sender, MessageList: []string{preview}, Count: 1}
		raw, err := EncodeData(data)
		if err != nil {
			return nil, err
		}
		n := models.Notification{
			Username:       recipient,
			Type:           models.TypeChatMessage,
			Title:          "New message from " + sender,
			Body:           preview,
			Link:           s.chatLink(sender),
			Data:           raw,
			SourceUsername: sender,
			CreatedAt:      now,
		}
		if err := s.repo.CreateNotification(ctx, &n); err != nil {
			metrics.NotificationsTotal.WithLabelValues("failed").Inc()
			return nil, storageErr(err)
		}
		metrics.NotificationsTotal.WithLabelValues("created").Inc()
		s.deliver(ctx, n)
		return &n, nil
	}

	data := ChatConsolidation{FromUsername: sender}
	if d, err := DecodeData(open.Data); err == nil {
		if cc, ok := d.(ChatConsolidation); ok {
			data = cc
		}
	} else {
		s.log.Warn().Err(err).Uint("id", open.ID).Msg("unreadable consolidation data, restarting list")
	}
	data.MessageList = append(data.MessageList, preview)
	if over := len(data.MessageList) - s.opts.MaxPreviews; over > 0 {
		data.MessageList = slices.Delete(data.MessageList, 0, over)
	}
	data.Count++
	raw, err := EncodeData(data)
	if err != nil {
		return nil, err
	}
	open.Data = raw
	open.Title = fmt.Sprintf("%s sent you %d messages", sender, data.Count)
	open.Body = bullets(data.MessageList)
	open.CreatedAt = now
	if err := s.repo.SaveNotification(ctx, open); err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		return nil, storageErr(err)
	}
	metrics.NotificationsTotal.WithLabelValues("consolidated").Inc()
	s.deliver(ctx, *open)
	return open, nil
}

// NotifyMention always creates a new row, independent of any open chat consolidation.
func (s *NotificationService) NotifyMention(ctx context.Context, recipient, sender, roomID string, messageID uint64, text string) (*models.Notification, error) {
	preview := s.Preview(text)
	link := s.opts.ChatPage
	if room.IsPrivate(roomID) {
		link = s.chatLink(sender)
	}
	return s.NotifyUser(ctx, recipient, models.TypeMention, sender+" mentioned you", preview, link,
		Mention{FromUsername: sender, Room: roomID, MessageID: messageID, Preview: preview})
}

// Broadcast 向用户目录中未排除的所有用户发送通知，并发度受 Workers 限制。
// 返回成功写入的条数；单个用户失败不影响其他用户，第一个错误会被返回。
func (s *NotificationService) Broadcast(ctx context.Context, notificationType, title, body, link string, data Data, exclude []string) (int, error) {
	users, err := s.repo.Usernames(ctx)
	if err != nil {
		return 0, storageErr(err)
	}
	var sent atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(s.opts.Workers)
	for _, u := range users {
		if slices.Contains(exclude, u) {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			n, err := s.NotifyUser(ctx, u, notificationType, title, body, link, data)
			if err != nil {
				return err
			}
			if n != nil {
				sent.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	s.log.Info().Int64("sent", sent.Load()).Int("candidates", len(users)).Str("type", notificationType).Msg("broadcast")
	return int(sent.Load()), err
}

func (s *NotificationService) refresh(ctx context.Context, username string) {
	unread, err := s.repo.UnreadCount(ctx, username)
	if err != nil {
		s.log.Warn().Err(err).Str("username", username).Msg("unread count failed")
		return
	}
	s.push.PushCountRefresh(username, unread)
}

func notFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotificationNotFound
	}
	return storageErr(err)
}

func (s *NotificationService) MarkRead(ctx context.Context, username string, id uint) error {
	if err := s.repo.MarkRead(ctx, username, id, s.now()); err != nil {
		return notFound(err)
	}
	s.refresh(ctx, username)
	return nil
}

func (s *NotificationService) MarkAllRead(ctx context.Context, username string) (int64, error) {
	n, err := s.repo.MarkAllRead(ctx, username, s.now())
	if err != nil {
		return 0, storageErr(err)
	}
	s.refresh(ctx, username)
	return n, nil
}

func (s *NotificationService) UnreadCount(ctx context.Context, username string) (int64, error) {
	n, err := s.repo.UnreadCount(ctx, username)
	if err != nil {
		return 0, storageErr(err)
	}
	return n, nil
}

// Page 是分页查询结果。
type Page struct {
	Items []models.Notification `json:"items"`
	Total int64                 `json:"total"`
	Page  int                   `json:"page"`
	Limit int                   `json:"limit"`
}

// List 分页返回通知，最新的在前；page 从 1 开始。
func (s *NotificationService) List(ctx context.Context, username string, page, limit int, unreadOnly bool) (*Page, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	items, total, err := s.repo.ListNotifications(ctx, store.ListQuery{
		Username:   username,
		Offset:     (page - 1) * limit,
		Limit:      limit,
		UnreadOnly: unreadOnly,
	})
	if err != nil {
		return nil, storageErr(err)
	}
	if items == nil {
		items = []models.Notification{}
	}
	return &Page{Items: items, Total: total, Page: page, Limit: limit}, nil
}

func (s *NotificationService) Delete(ctx context.Context, username string, id uint) error {
	if err := s.repo.DeleteNotification(ctx, username, id); err != nil {
		return notFound(err)
	}
	s.refresh(ctx, username)
	return nil
}

func (s *NotificationService) DeleteAll(ctx context.Context, username string) (int64, error) {
	n, err := s.repo.DeleteAllNotifications(ctx, username)
	if err != nil {
		return 0, storageErr(err)
	}
	s.refresh(ctx, username)
	return n, nil
}

// TouchUser records username in the directory.
func (s *NotificationService) TouchUser(ctx context.Context, username string) error {
	if err := s.repo.TouchUser(ctx, username, s.now()); err != nil {
		return storageErr(err)
	}
	return nil
}

// Sweep 清理空闲超过合并窗口的对锁，由定时任务调用。
func (s *NotificationService) Sweep(now time.Time) int {
	n := s.pairs.sweep(now.Add(-s.opts.Window))
	if n > 0 {
		s.log.Debug().Int("evicted", n).Int("remaining", s.pairs.size()).Msg("pair locks swept")
	}
	return n
}

// ChatPage is the page on which private messages are considered seen.
func (s *NotificationService) ChatPage() string { return s.opts.ChatPage }
