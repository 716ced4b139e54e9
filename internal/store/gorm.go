package store

import (
	"context"
	"errors"
	"time"

	"livechat/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormRepository struct {
	db *gorm.DB
}

func NewGorm(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) CreateNotification(ctx context.Context, n *models.Notification) error {
	return r.db.WithContext(ctx).Create(n).Error
}

func (r *GormRepository) SaveNotification(ctx context.Context, n *models.Notification) error {
	return r.db.WithContext(ctx).Save(n).Error
}

func (r *GormRepository) FindOpenChat(ctx context.Context, recipient, sender string, since time.Time) (*models.Notification, error) {
	var n models.Notification
	err := r.db.WithContext(ctx).
		Where("username = ? AND type = ? AND source_username = ? AND is_read = ? AND created_at >= ?",
			recipient, models.TypeChatMessage, sender, false, since).
		Order("created_at desc").
		First(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (r *GormRepository) ListNotifications(ctx context.Context, q ListQuery) ([]models.Notification, int64, error) {
	tx := r.db.WithContext(ctx).Model(&models.Notification{}).Where("username = ?", q.Username)
	if q.UnreadOnly {
		tx = tx.Where("is_read = ?", false)
	}
	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []models.Notification
	if err := tx.Order("created_at desc").Order("id desc").Offset(q.Offset).Limit(q.Limit).Find(&out).Error; err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *GormRepository) UnreadCount(ctx context.Context, username string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Notification{}).
		Where("username = ? AND is_read = ?", username, false).
		Count(&n).Error
	return n, err
}

// MarkRead 只在通知属于该用户时生效；已读通知再次标记不报错。
func (r *GormRepository) MarkRead(ctx context.Context, username string, id uint, at time.Time) error {
	var n models.Notification
	err := r.db.WithContext(ctx).Where("id = ? AND username = ?", id, username).First(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if n.IsRead {
		return nil
	}
	return r.db.WithContext(ctx).Model(&n).Updates(map[string]any{"is_read": true, "read_at": at}).Error
}

func (r *GormRepository) MarkAllRead(ctx context.Context, username string, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.Notification{}).
		Where("username = ? AND is_read = ?", username, false).
		Updates(map[string]any{"is_read": true, "read_at": at})
	return res.RowsAffected, res.Error
}

func (r *GormRepository) DeleteNotification(ctx context.Context, username string, id uint) error {
	res := r.db.WithContext(ctx).Where("id = ? AND username = ?", id, username).Delete(&models.Notification{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GormRepository) DeleteAllNotifications(ctx context.Context, username string) (int64, error) {
	res := r.db.WithContext(ctx).Where("username = ?", username).Delete(&models.Notification{})
	return res.RowsAffected, res.Error
}

func (r *GormRepository) Preferences(ctx context.Context, username string) ([]models.NotificationPreference, error) {
	var out []models.NotificationPreference
	err := r.db.WithContext(ctx).Where("username = ?", username).Order("category").Find(&out).Error
	return out, err
}

func (r *GormRepository) UpsertPreferences(ctx context.Context, username string, prefs []models.NotificationPreference) error {
	if len(prefs) == 0 {
		return nil
	}
	rows := make([]models.NotificationPreference, len(prefs))
	for i, p := range prefs {
		rows[i] = models.NotificationPreference{Username: username, Category: p.Category, Enabled: p.Enabled}
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "username"}, {Name: "category"}},
		DoUpdates: clause.AssignmentColumns([]string{"enabled"}),
	}).Create(&rows).Error
}

func (r *GormRepository) TouchUser(ctx context.Context, username string, at time.Time) error {
	u := models.User{Username: username, LastSeenAt: at}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "username"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_seen_at", "updated_at"}),
	}).Create(&u).Error
}

func (r *GormRepository) UserExists(ctx context.Context, username string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.User{}).Where("username = ?", username).Count(&n).Error
	return n > 0, err
}

func (r *GormRepository) Usernames(ctx context.Context) ([]string, error) {
	var out []string
	err := r.db.WithContext(ctx).Model(&models.User{}).Order("username").Pluck("username", &out).Error
	return out, err
}
