// Package app builds the registry context shared by the socket gateway and the REST surface.
package app

import (
	"context"
	"time"

	"livechat/internal/config"
	clog "livechat/internal/log"
	"livechat/internal/mention"
	"livechat/internal/message"
	"livechat/internal/metrics"
	"livechat/internal/models"
	"livechat/internal/mw"
	"livechat/internal/presence"
	"livechat/internal/pubsub"
	"livechat/internal/reaction"
	"livechat/internal/room"
	"livechat/internal/service"
	"livechat/internal/store"
	"livechat/internal/typing"
	"livechat/internal/wire"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// MainTopic carries main-room traffic and the roster.
const MainTopic = room.Main

// UserTopic is the personal topic every connection of username subscribes to.
func UserTopic(username string) string { return "user:" + username }

// RegistryContext 在 main 中构建一次并显式传递，不使用包级全局注册表。
type RegistryContext struct {
	Config        config.Config
	Repo          store.Repository
	Broker        *pubsub.Broker
	Presence      *presence.Registry
	Messages      *message.Store
	Typing        *typing.Coordinator
	Reactions     *reaction.Aggregator
	Mentions      *mention.Resolver
	Notifications *service.NotificationService
	EventLimiter  *mw.RL

	log zerolog.Logger
}

func New(cfg config.Config, repo store.Repository) *RegistryContext {
	rc := &RegistryContext{Config: cfg, Repo: repo, log: clog.Module("app")}
	rc.Broker = pubsub.NewBroker(func(s *pubsub.Subscriber) {
		rc.log.Warn().Str("conn", s.ID()).Msg("slow consumer dropped")
	})
	rc.Presence = presence.NewRegistry(rc.publishRoster)
	rc.Messages = message.NewStore(cfg.HistoryLimit)
	rc.Typing = typing.NewCoordinator(cfg.TypingTTL, rc.publishTyping)
	rc.Reactions = reaction.NewAggregator(rc.Messages)
	rc.Mentions = mention.NewResolver(rc.Presence, repo)
	rc.Notifications = service.NewNotificationService(repo, rc, service.Options{
		Window:        cfg.ConsolidationWindow,
		MaxPreviews:   cfg.ConsolidationPreviews,
		PreviewLength: cfg.PreviewLength,
		ChatPage:      cfg.ChatPage,
		Workers:       cfg.BroadcastWorkers,
	})
	rc.EventLimiter = mw.NewRateLimiter(rate.Limit(cfg.WSEventRate), cfg.WSEventBurst, 2*time.Minute)
	return rc
}

// Start launches background publishers tied to ctx.
func (rc *RegistryContext) Start(ctx context.Context) {
	rc.Presence.Start(ctx)
}

// Deliver publishes one frame to everyone in room: the main topic, or both participants' personal topics.
func (rc *RegistryContext) Deliver(roomID string, frame []byte) int {
	if frame == nil {
		return 0
	}
	a, b, ok := room.Participants(roomID)
	if !ok {
		return rc.Broker.Publish(MainTopic, frame)
	}
	return rc.Broker.Publish(UserTopic(a), frame) + rc.Broker.Publish(UserTopic(b), frame)
}

// SendTo publishes a frame to every connection of one user.
func (rc *RegistryContext) SendTo(username string, frame []byte) int {
	if frame == nil {
		return 0
	}
	return rc.Broker.Publish(UserTopic(username), frame)
}

func (rc *RegistryContext) publishRoster(users []presence.OnlineUser) {
	if users == nil {
		users = []presence.OnlineUser{}
	}
	rc.Broker.Publish(MainTopic, wire.Encode(wire.EventOnlineUsers, wire.OnlineUsersPayload{Users: users}))
}

// publishTyping 私聊只通知对方，main 房间广播给所有人。
func (rc *RegistryContext) publishTyping(roomID, username string, t typing.Transition) {
	event := wire.EventUserTyping
	if t == typing.Stopped {
		event = wire.EventUserStoppedTyping
	}
	metrics.TypingBroadcastsTotal.WithLabelValues(t.String()).Inc()
	frame := wire.Encode(event, wire.TypingPayload{Room: roomID, Username: username})
	if peer, ok := room.Peer(roomID, username); ok {
		rc.SendTo(peer, frame)
		return
	}
	rc.Broker.Publish(MainTopic, frame)
}

// PushNotification implements service.Pusher.
func (rc *RegistryContext) PushNotification(username string, n models.Notification, unread int64) {
	rc.SendTo(username, wire.Encode(wire.EventNotification, n))
	rc.SendTo(username, wire.Encode(wire.EventNotificationCount, wire.CountPayload{Count: unread}))
}

func (rc *RegistryContext) PushCountRefresh(username string, unread int64) {
	rc.SendTo(username, wire.Encode(wire.EventNotificationCountRefresh, wire.CountPayload{Count: unread}))
}

// RenderHistory attaches reply previews to a history snapshot.
func (rc *RegistryContext) RenderHistory(msgs []message.Message) []wire.MessagePayload {
	out := make([]wire.MessagePayload, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, wire.MessagePayload{Message: m, Reply: rc.Messages.Reply(m)})
	}
	return out
}
