// Package ws is the socket transport: connection pumps and the event gateway.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"livechat/internal/app"
	clog "livechat/internal/log"
	"livechat/internal/message"
	"livechat/internal/metrics"
	"livechat/internal/presence"
	"livechat/internal/reaction"
	"livechat/internal/room"
	"livechat/internal/service"
	"livechat/internal/wire"

	"github.com/rs/zerolog"
)

// Error codes sent in the error event.
const (
	CodeBadRequest         = "bad_request"
	CodeUnknownEvent       = "unknown_event"
	CodeNotJoined          = "not_joined"
	CodeForbidden          = "forbidden"
	CodeInvalidTarget      = "invalid_target"
	CodeEmptyMessage       = "empty_message"
	CodeMessageTooLong     = "message_too_long"
	CodeInvalidAttachment  = "invalid_attachment"
	CodeUnknownReplyTarget = "unknown_reply_target"
	CodeUnknownMessage     = "unknown_message"
	CodeInvalidEmoji       = "invalid_emoji"
	CodeStorageFailure     = "storage_failure"
	CodeRateLimited        = "rate_limited"
	CodeInternal           = "internal"
)

// rateWarnInterval bounds rate_limited warnings per connection.
const rateWarnInterval = 3 * time.Second

var knownEvents = []string{
	wire.EventJoin, wire.EventPageChange, wire.EventChatMessage, wire.EventPrivateMessage,
	wire.EventTyping, wire.EventStopTyping, wire.EventAddReaction, wire.EventRemoveReaction,
	wire.EventGetOnlineUsers, wire.EventGetPrivateHistory, wire.EventGetNotificationCount,
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, room.ErrInvalidTarget):
		return CodeInvalidTarget
	case errors.Is(err, message.ErrEmptyMessage):
		return CodeEmptyMessage
	case errors.Is(err, message.ErrMessageTooLong):
		return CodeMessageTooLong
	case errors.Is(err, message.ErrInvalidAttachment):
		return CodeInvalidAttachment
	case errors.Is(err, message.ErrUnknownReplyTarget):
		return CodeUnknownReplyTarget
	case errors.Is(err, reaction.ErrUnknownMessage):
		return CodeUnknownMessage
	case errors.Is(err, reaction.ErrInvalidEmoji):
		return CodeInvalidEmoji
	case errors.Is(err, service.ErrStorageFailure):
		return CodeStorageFailure
	}
	return CodeInternal
}

// Gateway 把入站事件分发到各组件，并把结果编码后发布到对应主题。
type Gateway struct {
	rc      *app.RegistryContext
	clients sync.Map // connection id -> *Client
	log     zerolog.Logger
}

func NewGateway(rc *app.RegistryContext) *Gateway {
	return &Gateway{rc: rc, log: clog.Module("ws")}
}

// Shutdown closes every live connection.
func (g *Gateway) Shutdown() {
	g.clients.Range(func(_, v any) bool {
		v.(*Client).sub.Close()
		return true
	})
}

func (g *Gateway) reply(c *Client, event string, data any) {
	c.sub.Send(wire.Encode(event, data))
}

func (g *Gateway) fail(c *Client, event, code, msg string) {
	g.reply(c, wire.EventError, wire.ErrorPayload{Code: code, Message: msg, Event: event})
}

func (g *Gateway) failErr(c *Client, event string, err error) {
	code := errorCode(err)
	if code == CodeStorageFailure || code == CodeInternal {
		g.log.Error().Err(err).Str("event", event).Str("username", c.username).Msg("event failed")
	}
	g.fail(c, event, code, err.Error())
}

func decode[T any](env wire.Envelope) (T, error) {
	var v T
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return v, nil
	}
	err := json.Unmarshal(env.Data, &v)
	return v, err
}

// handle 处理一帧。单个事件的 panic 只影响该事件，不会终止读循环。
func (g *Gateway) handle(ctx context.Context, c *Client, data []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		g.fail(c, "", CodeBadRequest, "malformed frame")
		return
	}
	defer func() {
		if r := recover(); r != nil {
			g.log.Error().Interface("panic", r).Str("event", env.Event).Str("conn", c.id).Msg("event handler panic")
			g.fail(c, env.Event, CodeInternal, "internal error")
		}
	}()

	label := env.Event
	if !slices.Contains(knownEvents, label) {
		label = "unknown"
	}
	metrics.WsEventsTotal.WithLabelValues(label).Inc()

	if !g.rc.EventLimiter.Allow(c.identity) {
		if time.Since(c.lastWarn) >= rateWarnInterval {
			c.lastWarn = time.Now()
			g.fail(c, env.Event, CodeRateLimited, "too many events")
		}
		return
	}
	if env.Event != wire.EventJoin && c.username == "" {
		g.fail(c, env.Event, CodeNotJoined, "join first")
		return
	}

	var err error
	switch env.Event {
	case wire.EventJoin:
		err = handleWith(ctx, g, c, env, g.onJoin)
	case wire.EventPageChange:
		err = handleWith(ctx, g, c, env, g.onPageChange)
	case wire.EventChatMessage:
		err = handleWith(ctx, g, c, env, g.onChatMessage)
	case wire.EventPrivateMessage:
		err = handleWith(ctx, g, c, env, g.onPrivateMessage)
	case wire.EventTyping:
		err = handleWith(ctx, g, c, env, g.onTyping(true))
	case wire.EventStopTyping:
		err = handleWith(ctx, g, c, env, g.onTyping(false))
	case wire.EventAddReaction, wire.EventRemoveReaction:
		err = handleWith(ctx, g, c, env, g.onReaction)
	case wire.EventGetOnlineUsers:
		g.reply(c, wire.EventOnlineUsers, g.roster())
	case wire.EventGetPrivateHistory:
		err = handleWith(ctx, g, c, env, g.onPrivateHistory)
	case wire.EventGetNotificationCount:
		err = g.sendCount(ctx, c)
	default:
		g.fail(c, env.Event, CodeUnknownEvent, "unknown event "+env.Event)
		return
	}
	if err != nil {
		g.failErr(c, env.Event, err)
	}
}

func handleWith[T any](ctx context.Context, g *Gateway, c *Client, env wire.Envelope, fn func(context.Context, *Client, T) error) error {
	req, err := decode[T](env)
	if err != nil {
		g.fail(c, env.Event, CodeBadRequest, "invalid payload")
		return nil
	}
	return fn(ctx, c, req)
}

func (g *Gateway) roster() wire.OnlineUsersPayload {
	users := slices.Collect(g.rc.Presence.ListOnline())
	if users == nil {
		users = []presence.OnlineUser{}
	}
	return wire.OnlineUsersPayload{Users: users}
}

func (g *Gateway) onJoin(ctx context.Context, c *Client, req wire.JoinRequest) error {
	if req.Username != c.identity || !room.ValidUsername(req.Username) {
		g.fail(c, wire.EventJoin, CodeForbidden, "username does not match token")
		return nil
	}
	g.rc.Broker.Subscribe(app.MainTopic, c.sub)
	g.rc.Broker.Subscribe(app.UserTopic(req.Username), c.sub)
	if err := g.rc.Presence.Join(req.Username, c.id, req.Page); err != nil {
		return err
	}
	c.username = req.Username
	if err := g.rc.Notifications.TouchUser(ctx, c.username); err != nil {
		g.log.Warn().Err(err).Str("username", c.username).Msg("user directory update failed")
	}
	history := g.rc.Messages.History(room.Main, g.rc.Config.HistoryReplay)
	g.reply(c, wire.EventChatHistory, wire.HistoryPayload{Room: room.Main, Messages: g.rc.RenderHistory(history)})
	if err := g.sendCount(ctx, c); err != nil {
		g.log.Warn().Err(err).Str("username", c.username).Msg("initial notification count")
	}
	return nil
}

func (g *Gateway) onPageChange(_ context.Context, c *Client, req wire.PageChangeRequest) error {
	g.rc.Presence.UpdatePage(c.id, req.Page)
	return nil
}

// appendAndDeliver 写入消息并在房间锁内发布，保证各订阅者看到的顺序与 id 顺序一致。
// 回复预览在加锁前取好，避免在提交回调里重入同一房间的锁。
func (g *Gateway) appendAndDeliver(roomID, event, sender string, req wire.ChatMessageRequest) (message.Message, error) {
	var pre *message.ReplyPreview
	if req.ReplyTo != nil {
		if target, ok := g.rc.Messages.Get(roomID, *req.ReplyTo); ok {
			pre = &message.ReplyPreview{ID: target.ID, Sender: target.Sender, Text: target.Text}
			if pre.Text == "" && target.Attachment != nil {
				pre.Text = target.Attachment.FileName
			}
		}
	}
	return g.rc.Messages.Append(roomID, message.AppendRequest{
		Sender:     sender,
		Text:       req.Text,
		Attachment: req.Attachment,
		ReplyTo:    req.ReplyTo,
		OnCommit: func(m message.Message) {
			p := wire.MessagePayload{Message: m}
			if m.ReplyToID != nil {
				p.Reply = pre
			}
			g.rc.Deliver(roomID, wire.Encode(event, p))
		},
	})
}

// stored reports whether err still left the message in the log; the sender is warned.
func (g *Gateway) stored(c *Client, event string, err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, message.ErrUnknownReplyTarget) {
		g.fail(c, event, CodeUnknownReplyTarget, "reply target not found, sent without reply")
		return true
	}
	g.failErr(c, event, err)
	return false
}

func (g *Gateway) onChatMessage(ctx context.Context, c *Client, req wire.ChatMessageRequest) error {
	m, err := g.appendAndDeliver(room.Main, wire.EventChatMessage, c.username, req)
	if !g.stored(c, wire.EventChatMessage, err) {
		return nil
	}
	metrics.MessagesTotal.WithLabelValues("broadcast").Inc()
	g.rc.Typing.Stop(room.Main, c.username)

	for _, target := range g.rc.Mentions.Targets(ctx, m.Text, c.username) {
		if _, err := g.rc.Notifications.NotifyMention(ctx, target, c.username, room.Main, m.ID, m.Text); err != nil {
			g.failErr(c, wire.EventChatMessage, fmt.Errorf("mention %s: %w", target, err))
		}
	}
	return nil
}

func previewText(m message.Message) string {
	if m.Text != "" || m.Attachment == nil {
		return m.Text
	}
	return "📎 " + m.Attachment.FileName
}

func (g *Gateway) onPrivateMessage(ctx context.Context, c *Client, req wire.PrivateMessageRequest) error {
	roomID, err := room.Resolve(room.Private, c.username, req.To)
	if err != nil {
		return err
	}
	m, err := g.appendAndDeliver(roomID, wire.EventPrivateMessage, c.username, req.ChatMessageRequest)
	if !g.stored(c, wire.EventPrivateMessage, err) {
		return nil
	}
	metrics.MessagesTotal.WithLabelValues("private").Inc()
	g.rc.Typing.Stop(roomID, c.username)

	if g.rc.Presence.IsViewingChat(req.To, g.rc.Notifications.ChatPage(), c.username) {
		return nil
	}
	_, err = g.rc.Notifications.NotifyMessage(ctx, req.To, c.username, previewText(m))
	return err
}

func (g *Gateway) typingRoom(self, to string) (string, error) {
	if to == "" {
		return room.Main, nil
	}
	return room.Resolve(room.Private, self, to)
}

func (g *Gateway) onTyping(start bool) func(context.Context, *Client, wire.TypingRequest) error {
	return func(_ context.Context, c *Client, req wire.TypingRequest) error {
		roomID, err := g.typingRoom(c.username, req.To)
		if err != nil {
			return err
		}
		if start {
			g.rc.Typing.Start(roomID, c.username)
		} else {
			g.rc.Typing.Stop(roomID, c.username)
		}
		return nil
	}
}

func (g *Gateway) onReaction(_ context.Context, c *Client, req wire.ReactionRequest) error {
	roomID := room.Main
	if req.IsPrivate {
		var err error
		if roomID, err = room.Resolve(room.Private, c.username, req.ChatWith); err != nil {
			return err
		}
	}
	reactions, err := g.rc.Reactions.ToggleOnce(req.RequestID, roomID, req.MessageID, req.Emoji, c.username)
	if err != nil {
		return err
	}
	g.rc.Deliver(roomID, wire.Encode(wire.EventReactionUpdated, wire.ReactionPayload{
		Room:      roomID,
		MessageID: req.MessageID,
		IsPrivate: req.IsPrivate,
		Reactions: reactions,
	}))
	return nil
}

func (g *Gateway) onPrivateHistory(_ context.Context, c *Client, req wire.PrivateHistoryRequest) error {
	roomID, err := room.Resolve(room.Private, c.username, req.With)
	if err != nil {
		return err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = g.rc.Config.HistoryReplay
	}
	msgs := g.rc.Messages.History(roomID, limit)
	g.reply(c, wire.EventPrivateHistory, wire.HistoryPayload{Room: roomID, With: req.With, Messages: g.rc.RenderHistory(msgs)})
	return nil
}

func (g *Gateway) sendCount(ctx context.Context, c *Client) error {
	n, err := g.rc.Notifications.UnreadCount(ctx, c.username)
	if err != nil {
		return err
	}
	g.reply(c, wire.EventNotificationCount, wire.CountPayload{Count: n})
	return nil
}

// disconnect 在读循环退出时调用；重复调用安全。
func (g *Gateway) disconnect(c *Client) {
	g.clients.Delete(c.id)
	g.rc.Broker.UnsubscribeAll(c.sub)
	c.sub.Close()
	if username, last := g.rc.Presence.Leave(c.id); last {
		g.rc.Typing.StopAll(username)
	}
}
