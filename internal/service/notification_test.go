package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"livechat/internal/models"
	"livechat/internal/store"
)

type push struct {
	username string
	id       uint
	refresh  bool
	unread   int64
	at       time.Time
}

type recordingPusher struct {
	mu     sync.Mutex
	pushes []push
}

func (p *recordingPusher) PushNotification(u string, n models.Notification, unread int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes = append(p.pushes, push{username: u, id: n.ID, unread: unread, at: n.CreatedAt})
}

func (p *recordingPusher) PushCountRefresh(u string, unread int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes = append(p.pushes, push{username: u, refresh: true, unread: unread})
}

func (p *recordingPusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pushes)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T) (*NotificationService, *store.MemoryRepository, *recordingPusher, *clock) {
	t.Helper()
	repo := store.NewMemory()
	p := &recordingPusher{}
	c := &clock{t: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	s := NewNotificationService(repo, p, Options{}).WithClock(c.now)
	return s, repo, p, c
}

func rows(t *testing.T, repo store.Repository, username string) []models.Notification {
	t.Helper()
	items, _, err := repo.ListNotifications(context.Background(), store.ListQuery{Username: username, Limit: 100})
	if err != nil {
		t.Fatalf("ListNotifications() error = %v", err)
	}
	return items
}

func chatData(t *testing.T, n models.Notification) ChatConsolidation {
	t.Helper()
	d, err := DecodeData(n.Data)
	if err != nil {
		t.Fatalf("DecodeData() error = %v", err)
	}
	cc, ok := d.(ChatConsolidation)
	if !ok {
		t.Fatalf("data kind = %T, want ChatConsolidation", d)
	}
	return cc
}

func TestNotifyMessage_ConsolidatesThree(t *testing.T) {
	s, repo, _, c := newTestService(t)
	ctx := context.Background()
	for _, text := range []string{"a", "b", "c"} {
		if _, err := s.NotifyMessage(ctx, "mehmet", "ayse", text); err != nil {
			t.Fatalf("NotifyMessage() error = %v", err)
		}
		c.advance(time.Minute)
	}
	got := rows(t, repo, "mehmet")
	if len(got) != 1 {
		t.Fatalf("rows = %d, want 1", len(got))
	}
	cc := chatData(t, got[0])
	if cc.Count != 3 || !slices.Equal(cc.MessageList, []string{"a", "b", "c"}) {
		t.Errorf("data = %+v", cc)
	}
}

func TestNotifyMessage_KeepsTenPreviews(t *testing.T) {
	s, repo, _, c := newTestService(t)
	ctx := context.Background()
	for i := 1; i <= 11; i++ {
		_, _ = s.NotifyMessage(ctx, "mehmet", "ayse", fmt.Sprintf("m%d", i))
		c.advance(time.Second)
	}
	got := rows(t, repo, "mehmet")
	if len(got) != 1 {
		t.Fatalf("rows = %d, want 1", len(got))
	}
	cc := chatData(t, got[0])
	if cc.Count != 11 || len(cc.MessageList) != 10 || cc.MessageList[0] != "m2" || cc.MessageList[9] != "m11" {
		t.Errorf("data = %+v", cc)
	}
	if !strings.Contains(got[0].Title, "11") {
		t.Errorf("title = %q", got[0].Title)
	}
}

func TestNotifyMessage_Scenario(t *testing.T) {
	s, repo, p, c := newTestService(t)
	ctx := context.Background()

	first, _ := s.NotifyMessage(ctx, "mehmet", "ayse", "Merhaba")
	if first.Title != "New message from ayse" || first.Body != "Merhaba" || first.Link != "/chat?with=ayse" {
		t.Errorf("first notification = %+v", first)
	}
	c.advance(10 * time.Second)
	_, _ = s.NotifyMessage(ctx, "mehmet", "ayse", "Nasılsın")
	c.advance(10 * time.Second)
	third := c.now()
	_, _ = s.NotifyMessage(ctx, "mehmet", "ayse", "Cevap ver")

	got := rows(t, repo, "mehmet")
	if len(got) != 1 {
		t.Fatalf("rows = %d, want 1", len(got))
	}
	n := got[0]
	if n.Title != "ayse sent you 3 messages" {
		t.Errorf("title = %q", n.Title)
	}
	if n.Body != "• Merhaba\n• Nasılsın\n• Cevap ver" {
		t.Errorf("body = %q", n.Body)
	}
	if !n.CreatedAt.Equal(third) {
		t.Errorf("created at = %v, want %v", n.CreatedAt, third)
	}
	if p.count() != 3 {
		t.Errorf("pushes = %d, want one per message", p.count())
	}
	if last := p.pushes[len(p.pushes)-1]; last.unread != 1 || last.username != "mehmet" {
		t.Errorf("last push = %+v", last)
	}
}

func TestNotifyMessage_WindowAndReadStartNewRow(t *testing.T) {
	s, repo, _, c := newTestService(t)
	ctx := context.Background()

	n1, _ := s.NotifyMessage(ctx, "mehmet", "ayse", "one")
	c.advance(6 * time.Minute)
	n2, _ := s.NotifyMessage(ctx, "mehmet", "ayse", "two")
	if n1.ID == n2.ID {
		t.Fatal("message after the window reused the old row")
	}
	if err := s.MarkRead(ctx, "mehmet", n2.ID); err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	n3, _ := s.NotifyMessage(ctx, "mehmet", "ayse", "three")
	if n3.ID == n2.ID {
		t.Fatal("message after read reused the read row")
	}
	// a different sender never joins another sender's row
	n4, _ := s.NotifyMessage(ctx, "mehmet", "ali", "hey")
	if n4.ID == n3.ID {
		t.Fatal("rows shared across senders")
	}
	if got := rows(t, repo, "mehmet"); len(got) != 4 {
		t.Errorf("rows = %d, want 4", len(got))
	}
}

func TestNotifyMention_DistinctFromConsolidation(t *testing.T) {
	s, repo, _, _ := newTestService(t)
	ctx := context.Background()
	_, _ = s.NotifyMessage(ctx, "mehmet", "ayse", "private hello")
	m, err := s.NotifyMention(ctx, "mehmet", "ayse", "main", 7, "hey @mehmet look")
	if err != nil || m == nil {
		t.Fatalf("NotifyMention() = %v, %v", m, err)
	}
	_, _ = s.NotifyMessage(ctx, "mehmet", "ayse", "second private")

	got := rows(t, repo, "mehmet")
	if len(got) != 2 {
		t.Fatalf("rows = %d, want 2 (chat + mention)", len(got))
	}
	var chat, mention int
	for _, n := range got {
		switch n.Type {
		case models.TypeChatMessage:
			chat++
			if cc := chatData(t, n); cc.Count != 2 {
				t.Errorf("chat count = %d, want 2", cc.Count)
			}
		case models.TypeMention:
			mention++
			d, _ := DecodeData(n.Data)
			if md, ok := d.(Mention); !ok || md.MessageID != 7 || md.Room != "main" {
				t.Errorf("mention data = %+v", d)
			}
		}
	}
	if chat != 1 || mention != 1 {
		t.Errorf("chat=%d mention=%d", chat, mention)
	}
}

func TestNotifyMessage_ConcurrentSamePair(t *testing.T) {
	s, repo, _, _ := newTestService(t)
	ctx := context.Background()
	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.NotifyMessage(ctx, "mehmet", "ayse", fmt.Sprint(i)); err != nil {
				t.Errorf("NotifyMessage() error = %v", err)
			}
		}(i)
	}
	wg.Wait()
	got := rows(t, repo, "mehmet")
	if len(got) != 1 {
		t.Fatalf("rows = %d, want 1", len(got))
	}
	if cc := chatData(t, got[0]); cc.Count != n {
		t.Errorf("count = %d, want %d", cc.Count, n)
	}
}

func TestNotifyMessage_CreatedAtFollowsLockOrder(t *testing.T) {
	s, repo, p, _ := newTestService(t)
	base := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	var (
		mu    sync.Mutex
		ticks int
	)
	s.WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		ticks++
		return base.Add(time.Duration(ticks) * time.Millisecond)
	})
	ctx := context.Background()
	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.NotifyMessage(ctx, "mehmet", "ayse", fmt.Sprint(i)); err != nil {
				t.Errorf("NotifyMessage() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pushes) != n {
		t.Fatalf("pushes = %d, want %d", len(p.pushes), n)
	}
	for i := 1; i < len(p.pushes); i++ {
		if !p.pushes[i].at.After(p.pushes[i-1].at) {
			t.Fatalf("createdAt went backwards at push %d: %v then %v", i, p.pushes[i-1].at, p.pushes[i].at)
		}
	}
	if got := rows(t, repo, "mehmet"); len(got) != 1 || !got[0].CreatedAt.Equal(p.pushes[n-1].at) {
		t.Errorf("row createdAt = %v, want last push %v", got, p.pushes[n-1].at)
	}
}

func TestNotify_PreferenceOptOut(t *testing.T) {
	s, repo, p, _ := newTestService(t)
	ctx := context.Background()
	if _, err := s.UpdatePreferences(ctx, "mehmet", map[string]bool{CategoryChat: false}); err != nil {
		t.Fatalf("UpdatePreferences() error = %v", err)
	}
	n, err := s.NotifyMessage(ctx, "mehmet", "ayse", "hi")
	if err != nil || n != nil {
		t.Errorf("NotifyMessage() = %v, %v, want suppressed", n, err)
	}
	if len(rows(t, repo, "mehmet")) != 0 || p.count() != 0 {
		t.Error("opted-out user received a row or push")
	}
	// other categories unaffected
	if n, _ := s.NotifyUser(ctx, "mehmet", "load_assigned", "Load", "", "", nil); n == nil {
		t.Error("load notification suppressed by chat opt-out")
	}
	if _, err := s.UpdatePreferences(ctx, "mehmet", map[string]bool{"nope": true}); !errors.Is(err, ErrInvalidPreference) {
		t.Errorf("unknown category error = %v", err)
	}
}

type brokenPrefs struct{ *store.MemoryRepository }

func (brokenPrefs) Preferences(context.Context, string) ([]models.NotificationPreference, error) {
	return nil, errors.New("connection refused")
}

func TestNotify_PreferenceLookupFailsOpen(t *testing.T) {
	repo := brokenPrefs{store.NewMemory()}
	p := &recordingPusher{}
	s := NewNotificationService(repo, p, Options{})
	n, err := s.NotifyMessage(context.Background(), "mehmet", "ayse", "hi")
	if err != nil || n == nil {
		t.Fatalf("NotifyMessage() = %v, %v, want delivered", n, err)
	}
	if p.count() != 1 {
		t.Errorf("pushes = %d, want 1", p.count())
	}
}

func TestCategoryOf(t *testing.T) {
	tests := map[string]string{
		"chat_message":      CategoryChat,
		"mention":           CategoryMention,
		"position_updated":  CategoryPosition,
		"contract_signed":   CategoryContract,
		"load_assigned":     CategoryLoad,
		"maintenance_alert": CategorySystem,
	}
	for in, want := range tests {
		if got := CategoryOf(in); got != want {
			t.Errorf("CategoryOf(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBroadcast(t *testing.T) {
	s, repo, p, _ := newTestService(t)
	ctx := context.Background()
	for _, u := range []string{"ali", "ayse", "mehmet", "veli"} {
		_ = s.TouchUser(ctx, u)
	}
	_, _ = s.UpdatePreferences(ctx, "veli", map[string]bool{CategorySystem: false})

	sent, err := s.Broadcast(ctx, "maintenance", "Planned downtime", "22:00", "", Generic{Fields: map[string]any{"window": "1h"}}, []string{"ali"})
	if err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if sent != 2 {
		t.Errorf("sent = %d, want 2 (ayse, mehmet)", sent)
	}
	if len(rows(t, repo, "ali")) != 0 || len(rows(t, repo, "veli")) != 0 {
		t.Error("excluded or opted-out user received a broadcast")
	}
	if p.count() != 2 {
		t.Errorf("pushes = %d, want 2", p.count())
	}
}

func TestReadAndDelete(t *testing.T) {
	s, _, p, _ := newTestService(t)
	ctx := context.Background()
	a, _ := s.NotifyUser(ctx, "ayse", "system", "a", "", "", nil)
	b, _ := s.NotifyUser(ctx, "ayse", "system", "b", "", "", nil)

	if err := s.MarkRead(ctx, "mehmet", a.ID); !errors.Is(err, ErrNotificationNotFound) {
		t.Errorf("MarkRead() foreign error = %v", err)
	}
	if err := s.MarkRead(ctx, "ayse", a.ID); err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	if c, _ := s.UnreadCount(ctx, "ayse"); c != 1 {
		t.Errorf("UnreadCount() = %d, want 1", c)
	}
	last := p.pushes[len(p.pushes)-1]
	if !last.refresh || last.unread != 1 {
		t.Errorf("last push = %+v, want count refresh 1", last)
	}
	if err := s.Delete(ctx, "ayse", b.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	page, err := s.List(ctx, "ayse", 1, 10, false)
	if err != nil || page.Total != 1 || page.Items[0].ID != a.ID {
		t.Errorf("List() = %+v, %v", page, err)
	}
	if n, _ := s.DeleteAll(ctx, "ayse"); n != 1 {
		t.Errorf("DeleteAll() = %d, want 1", n)
	}
}

func TestSweep(t *testing.T) {
	s, _, _, c := newTestService(t)
	ctx := context.Background()
	_, _ = s.NotifyMessage(ctx, "mehmet", "ayse", "hi")
	_, _ = s.NotifyMessage(ctx, "veli", "ayse", "hi")
	if got := s.Sweep(c.now()); got != 0 {
		t.Errorf("Sweep() within window = %d, want 0", got)
	}
	if got := s.Sweep(c.now().Add(6 * time.Minute)); got != 2 {
		t.Errorf("Sweep() after window = %d, want 2", got)
	}
	if s.pairs.size() != 0 {
		t.Errorf("remaining locks = %d", s.pairs.size())
	}
}

func TestPreview(t *testing.T) {
	s, _, _, _ := newTestService(t)
	long := strings.Repeat("ş", 60)
	if got := s.Preview(long); len([]rune(got)) != 50 {
		t.Errorf("Preview() runes = %d, want 50", len([]rune(got)))
	}
	if got := s.Preview("  kısa  "); got != "kısa" {
		t.Errorf("Preview() = %q", got)
	}
}
