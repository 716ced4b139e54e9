// Package store persists notifications, notification preferences and the user directory.
package store

import (
	"context"
	"errors"
	"time"

	"livechat/internal/models"
)

var ErrNotFound = errors.New("record not found")

// ListQuery selects one page of a user's notifications, newest first.
type ListQuery struct {
	Username   string
	Offset     int
	Limit      int
	UnreadOnly bool
}

// Repository 是通知服务依赖的存储接口；gorm 与内存两种实现行为一致。
type Repository interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
	SaveNotification(ctx context.Context, n *models.Notification) error
	// FindOpenChat returns the newest unread chat notification for recipient from sender
	// created at or after since, or nil when there is none.
	FindOpenChat(ctx context.Context, recipient, sender string, since time.Time) (*models.Notification, error)
	ListNotifications(ctx context.Context, q ListQuery) ([]models.Notification, int64, error)
	UnreadCount(ctx context.Context, username string) (int64, error)
	MarkRead(ctx context.Context, username string, id uint, at time.Time) error
	MarkAllRead(ctx context.Context, username string, at time.Time) (int64, error)
	DeleteNotification(ctx context.Context, username string, id uint) error
	DeleteAllNotifications(ctx context.Context, username string) (int64, error)

	Preferences(ctx context.Context, username string) ([]models.NotificationPreference, error)
	UpsertPreferences(ctx context.Context, username string, prefs []models.NotificationPreference) error

	TouchUser(ctx context.Context, username string, at time.Time) error
	UserExists(ctx context.Context, username string) (bool, error)
	Usernames(ctx context.Context) ([]string, error)
}
