// Package wire defines the socket envelope {"event": name, "data": {...}} and its payloads.
package wire

import (
	"encoding/json"

	"livechat/internal/message"
	"livechat/internal/presence"

	"github.com/rs/zerolog/log"
)

// Client to server events.
const (
	EventJoin                 = "join"
	EventPageChange           = "pageChange"
	EventChatMessage          = "chatMessage"
	EventPrivateMessage       = "privateMessage"
	EventTyping               = "typing"
	EventStopTyping           = "stopTyping"
	EventAddReaction          = "addReaction"
	EventRemoveReaction       = "removeReaction"
	EventGetOnlineUsers       = "getOnlineUsers"
	EventGetPrivateHistory    = "getPrivateHistory"
	EventGetNotificationCount = "getNotificationCount"
)

// Server to client events.
const (
	EventChatHistory              = "chatHistory"
	EventPrivateHistory           = "privateHistory"
	EventOnlineUsers              = "onlineUsers"
	EventUserTyping               = "userTyping"
	EventUserStoppedTyping        = "userStoppedTyping"
	EventReactionUpdated          = "reactionUpdated"
	EventNotification             = "notification"
	EventNotificationCount        = "notificationCount"
	EventNotificationCountRefresh = "notificationCountRefresh"
	EventError                    = "error"
)

type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode 生成一帧；序列化失败只记录日志并返回 nil。
func Encode(event string, data any) []byte {
	raw, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("encode payload")
		return nil
	}
	b, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("encode envelope")
		return nil
	}
	return b
}

type JoinRequest struct {
	Username string `json:"username"`
	Page     string `json:"page"`
}

type PageChangeRequest struct {
	Page string `json:"page"`
}

type ChatMessageRequest struct {
	Text       string              `json:"text"`
	ReplyTo    *uint64             `json:"replyTo,omitempty"`
	Attachment *message.Attachment `json:"attachment,omitempty"`
}

type PrivateMessageRequest struct {
	To string `json:"to"`
	ChatMessageRequest
}

type TypingRequest struct {
	To string `json:"to,omitempty"`
}

type ReactionRequest struct {
	MessageID uint64 `json:"messageId"`
	Emoji     string `json:"emoji"`
	IsPrivate bool   `json:"isPrivate"`
	ChatWith  string `json:"chatWith,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

type PrivateHistoryRequest struct {
	With  string `json:"with"`
	Limit int    `json:"limit,omitempty"`
}

// MessagePayload is a stored message plus its rendered reply link.
type MessagePayload struct {
	message.Message
	Reply *message.ReplyPreview `json:"reply,omitempty"`
}

type HistoryPayload struct {
	Room     string           `json:"room"`
	With     string           `json:"with,omitempty"`
	Messages []MessagePayload `json:"messages"`
}

type OnlineUsersPayload struct {
	Users []presence.OnlineUser `json:"users"`
}

type TypingPayload struct {
	Room     string `json:"room"`
	Username string `json:"username"`
}

type ReactionPayload struct {
	Room      string              `json:"room"`
	MessageID uint64              `json:"messageId"`
	IsPrivate bool                `json:"isPrivate"`
	Reactions map[string][]string `json:"reactions"`
}

type CountPayload struct {
	Count int64 `json:"count"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}
