package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"livechat/internal/models"
)

// MemoryRepository keeps everything in process memory. Used for DATABASE_DRIVER=memory and tests.
type MemoryRepository struct {
	mu     sync.Mutex
	nextID uint
	notifs map[uint]models.Notification
	prefs  map[string]map[string]bool
	users  map[string]models.User
}

func NewMemory() *MemoryRepository {
	return &MemoryRepository{
		nextID: 1,
		notifs: make(map[uint]models.Notification),
		prefs:  make(map[string]map[string]bool),
		users:  make(map[string]models.User),
	}
}

func clone(n models.Notification) models.Notification {
	n.Data = slices.Clone(n.Data)
	if n.ReadAt != nil {
		t := *n.ReadAt
		n.ReadAt = &t
	}
	return n
}

func (r *MemoryRepository) CreateNotification(_ context.Context, n *models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n.ID = r.nextID
	r.nextID++
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	r.notifs[n.ID] = clone(*n)
	return nil
}

func (r *MemoryRepository) SaveNotification(ctx context.Context, n *models.Notification) error {
	if n.ID == 0 {
		return r.CreateNotification(ctx, n)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifs[n.ID] = clone(*n)
	return nil
}

// newestFirst 与 gorm 实现的排序一致：created_at 降序，其次 id 降序。
func newestFirst(a, b models.Notification) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(b.ID, a.ID)
}

func (r *MemoryRepository) FindOpenChat(_ context.Context, recipient, sender string, since time.Time) (*models.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *models.Notification
	for _, n := range r.notifs {
		if n.Username != recipient || n.Type != models.TypeChatMessage || n.SourceUsername != sender || n.IsRead || n.CreatedAt.Before(since) {
			continue
		}
		if best == nil || newestFirst(n, *best) < 0 {
			c := clone(n)
			best = &c
		}
	}
	return best, nil
}

func (r *MemoryRepository) ListNotifications(_ context.Context, q ListQuery) ([]models.Notification, int64, error) {
	r.mu.Lock()
	var all []models.Notification
	for _, n := range r.notifs {
		if n.Username == q.Username && (!q.UnreadOnly || !n.IsRead) {
			all = append(all, clone(n))
		}
	}
	r.mu.Unlock()
	slices.SortFunc(all, newestFirst)
	total := int64(len(all))
	if q.Offset >= len(all) {
		return []models.Notification{}, total, nil
	}
	all = all[q.Offset:]
	if q.Limit > 0 && q.Limit < len(all) {
		all = all[:q.Limit]
	}
	return all, total, nil
}

func (r *MemoryRepository) UnreadCount(_ context.Context, username string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var c int64
	for _, n := range r.notifs {
		if n.Username == username && !n.IsRead {
			c++
		}
	}
	return c, nil
}

func (r *MemoryRepository) MarkRead(_ context.Context, username string, id uint, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notifs[id]
	if !ok || n.Username != username {
		return ErrNotFound
	}
	if !n.IsRead {
		n.IsRead = true
		n.ReadAt = &at
		r.notifs[id] = n
	}
	return nil
}

func (r *MemoryRepository) MarkAllRead(_ context.Context, username string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var c int64
	for id, n := range r.notifs {
		if n.Username == username && !n.IsRead {
			n.IsRead = true
			n.ReadAt = &at
			r.notifs[id] = n
			c++
		}
	}
	return c, nil
}

func (r *MemoryRepository) DeleteNotification(_ context.Context, username string, id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notifs[id]
	if !ok || n.Username != username {
		return ErrNotFound
	}
	delete(r.notifs, id)
	return nil
}

func (r *MemoryRepository) DeleteAllNotifications(_ context.Context, username string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var c int64
	for id, n := range r.notifs {
		if n.Username == username {
			delete(r.notifs, id)
			c++
		}
	}
	return c, nil
}

func (r *MemoryRepository) Preferences(_ context.Context, username string) ([]models.NotificationPreference, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.NotificationPreference, 0, len(r.prefs[username]))
	for cat, on := range r.prefs[username] {
		out = append(out, models.NotificationPreference{Username: username, Category: cat, Enabled: on})
	}
	slices.SortFunc(out, func(a, b models.NotificationPreference) int { return cmp.Compare(a.Category, b.Category) })
	return out, nil
}

func (r *MemoryRepository) UpsertPreferences(_ context.Context, username string, prefs []models.NotificationPreference) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.prefs[username]
	if m == nil {
		m = make(map[string]bool)
		r.prefs[username] = m
	}
	for _, p := range prefs {
		m[p.Category] = p.Enabled
	}
	return nil
}

func (r *MemoryRepository) TouchUser(_ context.Context, username string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[username]
	if !ok {
		u = models.User{ID: uint(len(r.users) + 1), Username: username, CreatedAt: at}
	}
	u.LastSeenAt = at
	u.UpdatedAt = at
	r.users[username] = u
	return nil
}

func (r *MemoryRepository) UserExists(_ context.Context, username string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.users[username]
	return ok, nil
}

func (r *MemoryRepository) Usernames(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.users))
	for u := range r.users {
		out = append(out, u)
	}
	slices.Sort(out)
	return out, nil
}
