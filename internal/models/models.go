package models

import (
	"time"

	"gorm.io/datatypes"
)

// User 是用户目录：每个 join 过的用户名一行，供广播和离线提及查找使用。
type User struct {
	ID         uint      `gorm:"primaryKey"`
	Username   string    `gorm:"uniqueIndex;size:64;not null"`
	LastSeenAt time.Time `gorm:"index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Notification type values. Chat consolidation keys on TypeChatMessage.
const (
	TypeChatMessage = "chat_message"
	TypeMention     = "mention"
	TypeSystem      = "system"
)

type Notification struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	Username       string         `gorm:"index:idx_notif_user_read,priority:1;size:64;not null" json:"username"`
	Type           string         `gorm:"index;size:64;not null" json:"type"`
	Title          string         `gorm:"size:255;not null" json:"title"`
	Body           string         `gorm:"type:text" json:"body"`
	Link           string         `gorm:"size:255" json:"link"`
	Data           datatypes.JSON `json:"data"`
	SourceUsername string         `gorm:"index;size:64" json:"sourceUsername,omitempty"`
	IsRead         bool           `gorm:"index:idx_notif_user_read,priority:2;not null;default:false" json:"isRead"`
	CreatedAt      time.Time      `gorm:"index" json:"createdAt"`
	ReadAt         *time.Time     `json:"readAt,omitempty"`
}

type NotificationPreference struct {
	ID       uint   `gorm:"primaryKey" json:"-"`
	Username string `gorm:"uniqueIndex:idx_pref_user_cat;size:64;not null" json:"-"`
	Category string `gorm:"uniqueIndex:idx_pref_user_cat;size:32;not null" json:"category"`
	Enabled  bool   `gorm:"not null" json:"enabled"`
}
