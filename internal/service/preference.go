package service

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"livechat/internal/models"
)

// Preference categories. A user with no row for a category receives it.
const (
	CategoryChat     = "chat"
	CategoryMention  = "mention"
	CategoryPosition = "position"
	CategoryContract = "contract"
	CategoryLoad     = "load"
	CategorySystem   = "system"
)

var Categories = []string{CategoryChat, CategoryMention, CategoryPosition, CategoryContract, CategoryLoad, CategorySystem}

// CategoryOf 将通知类型映射到偏好类别。
func CategoryOf(notificationType string) string {
	switch {
	case notificationType == models.TypeChatMessage:
		return CategoryChat
	case notificationType == models.TypeMention:
		return CategoryMention
	case strings.HasPrefix(notificationType, "position_"):
		return CategoryPosition
	case strings.HasPrefix(notificationType, "contract_"):
		return CategoryContract
	case strings.HasPrefix(notificationType, "load_"):
		return CategoryLoad
	}
	return CategorySystem
}

// allowed 查询偏好；查询失败时放行并记录 warn。
func (s *NotificationService) allowed(ctx context.Context, username, notificationType string) bool {
	cat := CategoryOf(notificationType)
	prefs, err := s.repo.Preferences(ctx, username)
	if err != nil {
		s.log.Warn().Err(err).Str("username", username).Str("category", cat).Msg("preference lookup failed, delivering")
		return true
	}
	for _, p := range prefs {
		if p.Category == cat {
			return p.Enabled
		}
	}
	return true
}

// Preferences returns every category with its effective setting.
func (s *NotificationService) Preferences(ctx context.Context, username string) (map[string]bool, error) {
	rows, err := s.repo.Preferences(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	out := make(map[string]bool, len(Categories))
	for _, c := range Categories {
		out[c] = true
	}
	for _, r := range rows {
		out[r.Category] = r.Enabled
	}
	return out, nil
}

// UpdatePreferences 只接受已知类别；未提及的类别保持不变。
func (s *NotificationService) UpdatePreferences(ctx context.Context, username string, prefs map[string]bool) (map[string]bool, error) {
	rows := make([]models.NotificationPreference, 0, len(prefs))
	for cat, on := range prefs {
		if !slices.Contains(Categories, cat) {
			return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidPreference, cat)
		}
		rows = append(rows, models.NotificationPreference{Username: username, Category: cat, Enabled: on})
	}
	slices.SortFunc(rows, func(a, b models.NotificationPreference) int { return strings.Compare(a.Category, b.Category) })
	if err := s.repo.UpsertPreferences(ctx, username, rows); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return s.Preferences(ctx, username)
}
